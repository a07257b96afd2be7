// payload.go - Onion payload construction.
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

package onion

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katzenpost/onionswarm/snode"
)

const (
	// DefaultLSRPCTarget is the onion endpoint of an HTTP origin.
	DefaultLSRPCTarget = "/loki/v3/lsrpc"

	lengthPrefixSize = 4
)

var (
	// ErrNoDestination is returned when neither a target node nor final
	// relay options are given.
	ErrNoDestination = errors.New("onion: no destination")

	// ErrEmptyPath is returned for a path without hops.
	ErrEmptyPath = errors.New("onion: empty path")

	// ErrMalformedPayload is returned by DecodeCiphertextPlusJSON.
	ErrMalformedPayload = errors.New("onion: malformed payload")
)

// RelayDescriptor tells a hop where to forward the blob it unwrapped.
type RelayDescriptor struct {
	Destination  string `json:"destination,omitempty"`
	EphemeralKey string `json:"ephemeral_key"`
}

// FinalRelayOptions names an HTTP origin as the final destination instead
// of a node.
type FinalRelayOptions struct {
	Host     string `json:"host"`
	Target   string `json:"target"`
	Method   string `json:"method"`
	Protocol string `json:"protocol,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Fixup fills in the defaults for unset fields. Protocol and port are
// only carried for plain http; anything else is https on its default port.
func (o *FinalRelayOptions) Fixup() {
	if o.Target == "" {
		o.Target = DefaultLSRPCTarget
	}
	if o.Method == "" {
		o.Method = "POST"
	}
	if o.Protocol != "http" {
		o.Protocol, o.Port = "", 0
		return
	}
	if o.Port == 0 {
		o.Port = 80
	}
}

type finalRelayDescriptor struct {
	FinalRelayOptions
	EphemeralKey string `json:"ephemeral_key"`
}

// DestinationOptions accompany the body delivered to the destination.
type DestinationOptions struct {
	Method   string            `json:"method,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body,omitempty"`
}

// EncodeCiphertextPlusJSON returns uint32-LE len(ct) || ct || json(v).
func EncodeCiphertextPlusJSON(ct []byte, v interface{}) ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, lengthPrefixSize, lengthPrefixSize+len(ct)+len(js))
	binary.LittleEndian.PutUint32(out, uint32(len(ct)))
	out = append(out, ct...)
	return append(out, js...), nil
}

// DecodeCiphertextPlusJSON splits an encoded payload back into the
// ciphertext and the raw JSON descriptor.
func DecodeCiphertextPlusJSON(b []byte) ([]byte, []byte, error) {
	if len(b) < lengthPrefixSize {
		return nil, nil, ErrMalformedPayload
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-lengthPrefixSize) {
		return nil, nil, ErrMalformedPayload
	}
	end := lengthPrefixSize + int(n)
	return b[lengthPrefixSize:end], b[end:], nil
}

// DestinationPlaintext builds the innermost plaintext. A node destination
// receives the body next to the options; an HTTP origin receives the
// options with the body embedded.
func DestinationPlaintext(body []byte, opts *DestinationOptions, toOrigin bool) ([]byte, error) {
	o := DestinationOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Headers == nil {
		o.Headers = make(map[string]string)
	}
	if toOrigin {
		o.Body = string(body)
		return json.Marshal(&o)
	}
	o.Body = ""
	return EncodeCiphertextPlusJSON(body, &o)
}

// hopDescriptor returns the descriptor unwrapped by hop i, naming where
// it forwards the inner blob.
type hopDescriptor func(i int, innerEphemeral []byte) interface{}

// wrap is one step of the fold: it encrypts inner to node, together
// with the descriptor naming the next destination.
func wrap(node *snode.Node, descriptor interface{}, inner *DestinationContext) (*DestinationContext, error) {
	key, err := node.X25519Key()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, node, err)
	}
	plaintext, err := EncodeCiphertextPlusJSON(inner.Ciphertext, descriptor)
	if err != nil {
		return nil, err
	}
	return EncodeLayer(key, plaintext)
}

// BuildOnionPayload wraps the destination context in one layer per path
// node, from the last hop back to the guard, and returns the bytes to
// POST to the guard. Exactly one of target and finalRelay names the
// destination.
func BuildOnionPayload(path []*snode.Node, dest *DestinationContext, target string, finalRelay *FinalRelayOptions) ([]byte, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}
	if target == "" && finalRelay == nil {
		return nil, ErrNoDestination
	}
	last := len(path) - 1
	describe := hopDescriptor(func(i int, eph []byte) interface{} {
		ephHex := hex.EncodeToString(eph)
		switch {
		case i < last:
			return &RelayDescriptor{Destination: path[i+1].ID(), EphemeralKey: ephHex}
		case finalRelay != nil:
			opts := *finalRelay
			opts.Fixup()
			return &finalRelayDescriptor{FinalRelayOptions: opts, EphemeralKey: ephHex}
		default:
			return &RelayDescriptor{Destination: target, EphemeralKey: ephHex}
		}
	})

	inner := dest
	for i := last; i >= 0; i-- {
		outer, err := wrap(path[i], describe(i, inner.EphemeralKey), inner)
		if err != nil {
			return nil, err
		}
		inner = outer
	}

	return EncodeCiphertextPlusJSON(inner.Ciphertext, &RelayDescriptor{
		EphemeralKey: hex.EncodeToString(inner.EphemeralKey),
	})
}
