// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package testutil holds helpers shared by the onionswarm tests.
package testutil

import (
	"encoding/hex"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/snode"
)

// Relay is a generated node together with its onion decryption key.
type Relay struct {
	*snode.Node

	X25519Private []byte
}

// NewRelay generates a node with fresh keys listening on ip:port.
func NewRelay(ip string, port int) *Relay {
	xPriv, err := x25519.NewKeypair(rand.Reader)
	if err != nil {
		panic(err)
	}
	_, edPub, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &Relay{
		Node: &snode.Node{
			IP:      ip,
			Port:    port,
			X25519:  hex.EncodeToString(xPriv.Public().Bytes()),
			Ed25519: hex.EncodeToString(edPub.Bytes()),
		},
		X25519Private: append([]byte{}, xPriv.Bytes()...),
	}
}

// NewNodes generates n distinct nodes on consecutive ports.
func NewNodes(n int) []*snode.Node {
	nodes := make([]*snode.Node, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, NewRelay("127.0.0.1", 20000+i).Node)
	}
	return nodes
}

// Backend returns a DEBUG log backend writing to stdout.
func Backend() *log.Backend {
	b, err := log.New("", "DEBUG", false)
	if err != nil {
		panic(err)
	}
	return b
}
