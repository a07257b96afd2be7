// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package testutil

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/katzenpost/onionswarm/onion"
)

// PathLength is the number of relays on every onion path.
const PathLength = 3

// Peeled is what the destination of an onion request sees.
type Peeled struct {
	// Hops lists the identities of the relays that unwrapped a layer, in
	// order.
	Hops []string

	// Destination is the node identity named by the last relay, empty
	// when the last relay forwarded to an HTTP origin.
	Destination string

	// Final is the raw descriptor unwrapped by the last relay.
	Final json.RawMessage

	// Plaintext is the innermost plaintext.
	Plaintext []byte

	// Key is the symmetric key the destination replies with.
	Key []byte
}

type descriptor struct {
	Destination  string `json:"destination,omitempty"`
	EphemeralKey string `json:"ephemeral_key"`
}

// Peel unwraps an onion payload the way the relays along its path and
// the destination would. relays maps node identity to relay and must hold
// every hop and the destination; an HTTP origin is stored under "".
func Peel(relays map[string]*Relay, guard string, payload []byte) (*Peeled, error) {
	p := new(Peeled)
	hop, blob := relays[guard], payload
	for depth := 0; ; depth++ {
		if hop == nil {
			return nil, fmt.Errorf("testutil: unknown hop at depth %d", depth)
		}
		ct, js, err := onion.DecodeCiphertextPlusJSON(blob)
		if err != nil {
			return nil, err
		}
		var d descriptor
		if err := json.Unmarshal(js, &d); err != nil {
			return nil, err
		}
		eph, err := hex.DecodeString(d.EphemeralKey)
		if err != nil {
			return nil, err
		}
		pt, key, err := onion.OpenLayer(hop.X25519Private, eph, ct)
		if err != nil {
			return nil, err
		}
		if depth == PathLength {
			p.Plaintext, p.Key = pt, key
			return p, nil
		}
		p.Hops = append(p.Hops, hop.ID())

		inner, next, err := onion.DecodeCiphertextPlusJSON(pt)
		if err != nil {
			return nil, err
		}
		var nd descriptor
		if err := json.Unmarshal(next, &nd); err != nil {
			return nil, err
		}
		if depth == PathLength-1 {
			p.Final = append(json.RawMessage{}, next...)
			p.Destination = nd.Destination
		}
		hop = relays[nd.Destination]
		blob, err = onion.EncodeCiphertextPlusJSON(inner, &descriptor{EphemeralKey: nd.EphemeralKey})
		if err != nil {
			return nil, err
		}
	}
}
