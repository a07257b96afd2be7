// node.go - Relay node descriptors.
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

// Package snode describes relay/storage nodes ("snodes") and the node pool
// that supplies path candidates and per-mailbox swarm membership.
package snode

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const keySize = 32

var (
	// ErrInvalidNode is returned for node descriptors with a missing
	// address or malformed keys.
	ErrInvalidNode = errors.New("snode: invalid node descriptor")
)

// Node is a relay node. It is identified by its hex encoded Ed25519 key
// and is never mutated once constructed.
type Node struct {
	IP      string `json:"ip" toml:"IP"`
	Port    int    `json:"port" toml:"Port"`
	X25519  string `json:"pubkey_x25519" toml:"X25519"`
	Ed25519 string `json:"pubkey_ed25519" toml:"Ed25519"`
}

// ID returns the node identity.
func (n *Node) ID() string {
	return n.Ed25519
}

// Addr returns the host:port of the node's HTTPS listener.
func (n *Node) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// X25519Key returns the raw onion encryption key.
func (n *Node) X25519Key() ([]byte, error) {
	return decodeKey(n.X25519)
}

// Ed25519Key returns the raw signature key.
func (n *Node) Ed25519Key() ([]byte, error) {
	return decodeKey(n.Ed25519)
}

func (n *Node) String() string {
	id := n.Ed25519
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s@%s", id, n.Addr())
}

// Validate checks the node has an address and well formed keys.
func (n *Node) Validate() error {
	if n.IP == "" || n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("%w: bad address %q:%d", ErrInvalidNode, n.IP, n.Port)
	}
	if _, err := n.X25519Key(); err != nil {
		return fmt.Errorf("%w: x25519: %v", ErrInvalidNode, err)
	}
	if _, err := n.Ed25519Key(); err != nil {
		return fmt.Errorf("%w: ed25519: %v", ErrInvalidNode, err)
	}
	return nil
}

// UnmarshalJSON accepts the port either as a number or a quoted number,
// both of which appear in node lists.
func (n *Node) UnmarshalJSON(b []byte) error {
	var aux struct {
		IP      string      `json:"ip"`
		Port    json.Number `json:"port"`
		X25519  string      `json:"pubkey_x25519"`
		Ed25519 string      `json:"pubkey_ed25519"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	port, err := aux.Port.Int64()
	if err != nil {
		return fmt.Errorf("%w: port: %v", ErrInvalidNode, err)
	}
	*n = Node{IP: aux.IP, Port: int(port), X25519: aux.X25519, Ed25519: aux.Ed25519}
	return nil
}

// ParseNodeList decodes a JSON array of node descriptors, discarding
// invalid entries.
func ParseNodeList(raw []json.RawMessage) []*Node {
	nodes := make([]*Node, 0, len(raw))
	for _, r := range raw {
		n := new(Node)
		if err := json.Unmarshal(r, n); err != nil {
			continue
		}
		if n.Validate() != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// Contains reports whether nodes holds a node with the given identity.
func Contains(nodes []*Node, id string) bool {
	for _, n := range nodes {
		if n.ID() == id {
			return true
		}
	}
	return false
}

func decodeKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != keySize {
		return nil, fmt.Errorf("want %d bytes, got %d", keySize, len(b))
	}
	return b, nil
}
