// classify.go - Onion response classification.
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
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/katzenpost/onionswarm/onion"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/transport"
)

// ResponseInput is everything ProcessOnionResponse needs about one
// attempt.
type ResponseInput struct {
	// Response is the guard's reply, nil when Err is set.
	Response *transport.Response

	// Err is the transport error, if any.
	Err error

	// SymmetricKey decodes the destination's reply.
	SymmetricKey []byte

	// Guard is the first hop of the path used.
	Guard *snode.Node

	// Destination is the identity of the destination node, empty for an
	// HTTP origin.
	Destination string

	// AssociatedWith is the mailbox the request concerns, if any.
	AssociatedWith string
}

// DestinationResponse is the decoded reply of the destination.
type DestinationResponse struct {
	// Status is the destination status, 200 when absent.
	Status int

	// Body is the raw JSON body.
	Body json.RawMessage
}

// BodyString returns the body, unquoted when it is a JSON string.
func (r *DestinationResponse) BodyString() string {
	return bodyString(r.Body)
}

func bodyString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type destinationStatus struct {
	StatusCode int             `json:"status_code"`
	Status     int             `json:"status"`
	Body       json.RawMessage `json:"body"`
}

func (d *destinationStatus) code() int {
	if d.StatusCode != 0 {
		return d.StatusCode
	}
	return d.Status
}

// ProcessOnionResponse interprets one attempt, first at the path level and
// then at the destination. Failures are charged to the responsible node or
// path before the classified *Error is returned.
func (c *Client) ProcessOnionResponse(ctx context.Context, in *ResponseInput) (*DestinationResponse, error) {
	plaintext, err := c.pathStatus(ctx, in)
	if err != nil {
		return nil, err
	}
	return c.destinationStatus(in, plaintext)
}

func (c *Client) pathStatus(ctx context.Context, in *ResponseInput) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		c.log.Warningf("Onion request aborted")
		return nil, &Error{Kind: KindAbort, Msg: msgAborted, Err: err}
	}

	status, text := StatusNoResponse, ""
	switch {
	case in.Err != nil:
		if transport.IsNetworkUnreachable(in.Err) {
			return nil, &Error{Kind: KindNetworkUnreachable, Msg: msgNetworkUnreachable, Err: in.Err}
		}
	case in.Response != nil:
		status, text = in.Response.StatusCode, string(in.Response.Body)
	}
	guardID := in.Guard.ID()

	if status != http.StatusOK {
		c.log.Warningf("Path status %d via guard %v", status, in.Guard)
		switch {
		case status == http.StatusNotAcceptable:
			return nil, newError(KindClockSkew, status, msgClockOutOfSync)
		case status == http.StatusMisdirectedRequest:
			return nil, c.handle421(in, text)
		case text == oxenServerError:
			return nil, newError(KindServerError, status, oxenServerError)
		}

		if id := strings.TrimPrefix(text, nextNodeNotFoundLabel); id != text && id != "" {
			c.paths.IncrementBadSnodeCountOrDrop(id, guardID, in.AssociatedWith)
		} else {
			c.paths.IncrementBadPathCountOrDrop(guardID)
		}
		return nil, newError(KindPathFailure, status, "Bad Path handled. Retry this request.")
	}

	if text == "" {
		return nil, newError(KindPathFailure, status, msgEmptyCiphertext)
	}
	plaintext, err := onion.DecodeOnionResult(in.SymmetricKey, text)
	if err != nil {
		c.log.Errorf("Failed to decode response via guard %v: %v", in.Guard, err)
		return nil, &Error{Kind: KindDecodeFailure, Msg: msgDecode, Err: err}
	}
	return plaintext, nil
}

func (c *Client) destinationStatus(in *ResponseInput, plaintext []byte) (*DestinationResponse, error) {
	var ds destinationStatus
	if err := json.Unmarshal(plaintext, &ds); err != nil {
		return nil, &Error{Kind: KindDecodeFailure, Msg: msgDecode, Err: err}
	}
	status := ds.code()
	resp := &DestinationResponse{Status: status, Body: ds.Body}
	if status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.Status == http.StatusOK {
		return resp, nil
	}

	body := bodyString(ds.Body)
	c.log.Infof("Destination status %d", status)
	switch {
	case status == http.StatusNotAcceptable:
		return nil, newError(KindClockSkew, status, msgClockOutOfSync)
	case status == http.StatusMisdirectedRequest:
		return nil, c.handle421(in, body)
	case body == oxenServerError:
		return nil, newError(KindServerError, status, oxenServerError)
	case in.Destination == "" || status == http.StatusBadRequest:
		return resp, nil
	}

	c.paths.IncrementBadSnodeCountOrDrop(in.Destination, in.Guard.ID(), in.AssociatedWith)
	if id := strings.TrimPrefix(body, nextNodeNotFoundLabel); id != body && id != "" {
		return nil, newError(KindDestinationNodeFailure, status, "Bad Path handled. Retry this request with another targetNode")
	}
	return nil, newError(KindPathFailure, status, "Bad Path handled. Retry this request.")
}

// handle421 deals with a destination that no longer belongs to the swarm
// of the mailbox. A fresh swarm in the body replaces the cached one,
// otherwise only the destination leaves the cached swarm.
func (c *Client) handle421(in *ResponseInput, body string) error {
	if in.Destination == "" || in.AssociatedWith == "" {
		return newError(KindPathFailure, http.StatusMisdirectedRequest, msg421Unusable)
	}

	var parsed struct {
		Snodes []json.RawMessage `json:"snodes"`
	}
	var nodes []*snode.Node
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		nodes = snode.ParseNodeList(parsed.Snodes)
	}
	if len(nodes) > 0 {
		c.log.Warningf("Wrong swarm for %s, replacing it with %d nodes", shortID(in.AssociatedWith), len(nodes))
		c.pool.UpdateSwarm(in.AssociatedWith, nodes)
	} else {
		c.log.Warningf("Wrong swarm for %s, dropping %s from it", shortID(in.AssociatedWith), shortID(in.Destination))
		c.pool.DropFromSwarm(in.AssociatedWith, in.Destination)
	}
	c.paths.IncrementBadSnodeCountOrDrop(in.Destination, in.Guard.ID(), in.AssociatedWith)
	return newError(KindDestinationNodeFailure, http.StatusMisdirectedRequest, msg421Handled)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
