// errors.go - Onion request error taxonomy.
// Copyright (C) 2026  The Onionswarm Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package rpc

import (
	"errors"
	"fmt"
)

// Kind classifies a failed onion request.
type Kind int

const (
	// KindAbort is a cancelled request. Never retried.
	KindAbort Kind = iota

	// KindClockSkew means the local clock is too far off for the network.
	KindClockSkew

	// KindPathFailure is a failure attributed to the path or a hop of it.
	// It is the only retryable kind.
	KindPathFailure

	// KindDestinationNodeFailure means the request must be sent to a
	// different destination node.
	KindDestinationNodeFailure

	// KindServerError is an error reported by the destination server.
	KindServerError

	// KindNetworkUnreachable means the local host has no network route.
	KindNetworkUnreachable

	// KindDecodeFailure means the response could not be decrypted.
	KindDecodeFailure
)

const (
	// StatusNoResponse is the path status used when the guard never
	// answered.
	StatusNoResponse = 8888

	oxenServerError       = "Oxen Server error"
	nextNodeNotFoundLabel = "Next node not found: "

	msgAborted            = "Request got aborted"
	msgClockOutOfSync     = "Your clock is out of sync with the network. Check your clock."
	msgNetworkUnreachable = "The network is unreachable. Check your internet connection."
	msg421Handled         = "421 handled. Retry this request with a new targetNode"
	msg421Unusable        = "status 421 without a final destination or no associatedWith makes no sense"
	msgEmptyCiphertext    = "Target node return empty ciphertext"
	msgDecode             = "Ciphertext decode error"
)

var kindNames = map[Kind]string{
	KindAbort:                  "abort",
	KindClockSkew:              "clock_skew",
	KindPathFailure:            "path_failure",
	KindDestinationNodeFailure: "destination_node_failure",
	KindServerError:            "server_error",
	KindNetworkUnreachable:     "network_unreachable",
	KindDecodeFailure:          "decode_failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("[Unknown Kind: %d]", int(k))
}

// Error is a classified onion request failure. Any bookkeeping it implies
// has already happened by the time it is returned.
type Error struct {
	Kind   Kind
	Status int
	Msg    string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Status != 0 {
		s = fmt.Sprintf("%s (status %d)", s, e.Status)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return "rpc: " + s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the request may be retried on a new path.
func (e *Error) Retryable() bool {
	return e.Kind == KindPathFailure
}

func newError(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Msg: msg}
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
