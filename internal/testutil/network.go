// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/katzenpost/onionswarm/onion"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/transport"
)

// SwarmSize is the number of nodes in every swarm of a Network.
const SwarmSize = 3

type stored struct {
	Hash       string `json:"hash"`
	Expiration int64  `json:"expiration"`
	Data       string `json:"data"`
}

type storageRequest struct {
	Method string `json:"method"`
	Params struct {
		PubKey    string `json:"pubKey"`
		LastHash  string `json:"lastHash"`
		TTL       int64  `json:"ttl"`
		Timestamp int64  `json:"timestamp"`
		Data      string `json:"data"`
	} `json:"params"`
}

// Network is an in memory network of relays that also serve the storage
// RPCs. It implements transport.Transport.
type Network struct {
	sync.Mutex

	relays    map[string]*Relay
	byAddr    map[string]*Relay
	nodes     []*snode.Node
	mailboxes map[string][]stored
}

// NewNetwork returns a network of n relays on consecutive ports from
// basePort.
func NewNetwork(n, basePort int) *Network {
	net := &Network{
		relays:    make(map[string]*Relay),
		byAddr:    make(map[string]*Relay),
		mailboxes: make(map[string][]stored),
	}
	for i := 0; i < n; i++ {
		r := NewRelay("127.0.0.1", basePort+i)
		net.relays[r.ID()] = r
		net.byAddr[r.Addr()] = r
		net.nodes = append(net.nodes, r.Node)
	}
	sort.Slice(net.nodes, func(i, j int) bool { return net.nodes[i].ID() < net.nodes[j].ID() })
	return net
}

// Nodes returns the nodes of the network.
func (n *Network) Nodes() []*snode.Node {
	return append([]*snode.Node(nil), n.nodes...)
}

// Mailbox returns the number of messages stored for pubkey.
func (n *Network) Mailbox(pubkey string) int {
	n.Lock()
	defer n.Unlock()
	return len(n.mailboxes[pubkey])
}

func (n *Network) swarmOf(pubkey string) []*snode.Node {
	sum := sha256.Sum256([]byte(pubkey))
	start := int(sum[0]) % len(n.nodes)
	out := make([]*snode.Node, 0, SwarmSize)
	for i := 0; i < SwarmSize && i < len(n.nodes); i++ {
		out = append(out, n.nodes[(start+i)%len(n.nodes)])
	}
	return out
}

// Post implements transport.Transport.
func (n *Network) Post(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	n.Lock()
	defer n.Unlock()
	guard, ok := n.byAddr[u.Host]
	if !ok {
		return &transport.Response{StatusCode: http.StatusNotFound}, nil
	}
	peeled, err := Peel(n.relays, guard.ID(), req.Body)
	if err != nil {
		return &transport.Response{StatusCode: http.StatusBadRequest, Body: []byte(err.Error())}, nil
	}
	body, _, err := onion.DecodeCiphertextPlusJSON(peeled.Plaintext)
	if err != nil {
		return &transport.Response{StatusCode: http.StatusBadRequest, Body: []byte(err.Error())}, nil
	}

	status, reply := n.serve(peeled.Destination, body)
	js, err := json.Marshal(map[string]interface{}{"status": status, "body": reply})
	if err != nil {
		return nil, err
	}
	sealed, err := onion.SealResponse(peeled.Key, js)
	if err != nil {
		return nil, err
	}
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(sealed)}, nil
}

func (n *Network) serve(target string, body []byte) (int, string) {
	var req storageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, err.Error()
	}
	p := req.Params
	switch req.Method {
	case "get_snodes_for_pubkey":
		return reply(map[string]interface{}{"snodes": n.swarmOf(p.PubKey)})
	case "store":
		if !snode.Contains(n.swarmOf(p.PubKey), target) {
			return http.StatusMisdirectedRequest, mustJSON(map[string]interface{}{"snodes": n.swarmOf(p.PubKey)})
		}
		sum := sha256.Sum256([]byte(p.Data + strconv.FormatInt(p.Timestamp, 10)))
		hash := hex.EncodeToString(sum[:])
		for _, m := range n.mailboxes[p.PubKey] {
			if m.Hash == hash {
				return reply(map[string]string{"hash": hash})
			}
		}
		n.mailboxes[p.PubKey] = append(n.mailboxes[p.PubKey], stored{Hash: hash, Expiration: p.Timestamp + p.TTL, Data: p.Data})
		return reply(map[string]string{"hash": hash})
	case "retrieve":
		msgs := n.mailboxes[p.PubKey]
		for i, m := range msgs {
			if m.Hash == p.LastHash {
				msgs = msgs[i+1:]
				break
			}
		}
		return reply(map[string]interface{}{"messages": append([]stored{}, msgs...)})
	default:
		return http.StatusBadRequest, "unknown method"
	}
}

func reply(v interface{}) (int, string) {
	return http.StatusOK, mustJSON(v)
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
