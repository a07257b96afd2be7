// storage.go - Storage node RPCs over onion requests.
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
	"errors"
	"fmt"
	"net/http"

	"github.com/katzenpost/onionswarm/snode"
)

const (
	MethodRetrieve           = "retrieve"
	MethodStore              = "store"
	MethodGetSnodesForPubkey = "get_snodes_for_pubkey"
)

var (
	// ErrNoNodes is returned when the pool is empty.
	ErrNoNodes = errors.New("rpc: no nodes in the pool")

	// ErrNoSwarm is returned when a swarm lookup yields no usable node.
	ErrNoSwarm = errors.New("rpc: empty swarm")

	// ErrUnexpectedStatus is returned for destination replies that are
	// neither successes nor classified failures.
	ErrUnexpectedStatus = errors.New("rpc: unexpected destination status")
)

// StorageRequest is the body of a storage node RPC.
type StorageRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// RetrieveParams asks for the messages of a mailbox newer than LastHash.
type RetrieveParams struct {
	PubKey   string `json:"pubKey"`
	LastHash string `json:"lastHash"`
}

// StoreParams deposits one message in a mailbox.
type StoreParams struct {
	PubKey    string `json:"pubKey"`
	TTL       int64  `json:"ttl"`
	Timestamp int64  `json:"timestamp"`

	// Data is the base64 encoded envelope.
	Data string `json:"data"`
}

// Message is one stored message.
type Message struct {
	Hash       string `json:"hash"`
	Expiration int64  `json:"expiration"`
	Data       string `json:"data"`
}

type retrieveResponse struct {
	Messages []Message `json:"messages"`
}

type swarmResponse struct {
	Snodes []json.RawMessage `json:"snodes"`
}

func (c *Client) storageRPC(ctx context.Context, target *snode.Node, method string, params interface{}, owner string) (*DestinationResponse, error) {
	body, err := json.Marshal(&StorageRequest{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	resp, err := c.OnionFetch(ctx, target, body, owner)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s to %v: %d", ErrUnexpectedStatus, method, target, resp.Status)
	}
	return resp, nil
}

// GetSwarmFor returns the swarm of pubkey, asking a random pool node for
// it when none is cached.
func (c *Client) GetSwarmFor(ctx context.Context, pubkey string) ([]*snode.Node, error) {
	if swarm := c.pool.Swarm(pubkey); len(swarm) > 0 {
		return swarm, nil
	}
	nodes := c.pool.Nodes()
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	target := c.randomNode(nodes)
	resp, err := c.storageRPC(ctx, target, MethodGetSnodesForPubkey, map[string]string{"pubKey": pubkey}, "")
	if err != nil {
		return nil, err
	}
	var sr swarmResponse
	if err := json.Unmarshal([]byte(resp.BodyString()), &sr); err != nil {
		return nil, fmt.Errorf("rpc: bad swarm response from %v: %w", target, err)
	}
	swarm := snode.ParseNodeList(sr.Snodes)
	if len(swarm) == 0 {
		return nil, ErrNoSwarm
	}
	c.log.Debugf("Swarm of %s has %d nodes", shortID(pubkey), len(swarm))
	c.pool.UpdateSwarm(pubkey, swarm)
	return swarm, nil
}

// Retrieve fetches the messages of pubkey stored on target after lastHash.
func (c *Client) Retrieve(ctx context.Context, target *snode.Node, pubkey, lastHash string) ([]Message, error) {
	resp, err := c.storageRPC(ctx, target, MethodRetrieve, &RetrieveParams{PubKey: pubkey, LastHash: lastHash}, pubkey)
	if err != nil {
		return nil, err
	}
	var rr retrieveResponse
	if err := json.Unmarshal([]byte(resp.BodyString()), &rr); err != nil {
		return nil, fmt.Errorf("rpc: bad retrieve response from %v: %w", target, err)
	}
	return rr.Messages, nil
}

// Store deposits a message on target.
func (c *Client) Store(ctx context.Context, target *snode.Node, params *StoreParams) error {
	_, err := c.storageRPC(ctx, target, MethodStore, params, params.PubKey)
	return err
}
