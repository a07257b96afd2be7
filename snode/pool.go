// pool.go - In memory node pool and swarm cache.
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

package snode

import (
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// Pool supplies candidate relay nodes and per-mailbox swarm membership.
type Pool interface {
	// Nodes returns a snapshot of every node currently in the pool.
	Nodes() []*Node

	// Get returns the pool node with the given identity.
	Get(id string) (*Node, bool)

	// DropNode removes a node from the pool.
	DropNode(id string)

	// Swarm returns the cached swarm for a mailbox pubkey.
	Swarm(pubkey string) []*Node

	// UpdateSwarm replaces the cached swarm for a mailbox pubkey.
	UpdateSwarm(pubkey string, nodes []*Node)

	// DropFromSwarm removes one node from a mailbox's cached swarm.
	DropFromSwarm(pubkey, id string)
}

// MemPool is a Pool held in memory.
type MemPool struct {
	sync.RWMutex

	log    *logging.Logger
	nodes  map[string]*Node
	swarms map[string][]*Node
}

// NewMemPool returns a pool seeded with nodes. Invalid seeds are skipped.
func NewMemPool(log *logging.Logger, seed ...*Node) *MemPool {
	p := &MemPool{
		log:    log,
		nodes:  make(map[string]*Node),
		swarms: make(map[string][]*Node),
	}
	p.Add(seed...)
	return p
}

// Add inserts nodes into the pool.
func (p *MemPool) Add(nodes ...*Node) {
	p.Lock()
	defer p.Unlock()
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			p.log.Warningf("Skipping node: %v", err)
			continue
		}
		p.nodes[n.ID()] = n
	}
}

// Len returns the pool size.
func (p *MemPool) Len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.nodes)
}

// Nodes implements Pool. The result is ordered by identity.
func (p *MemPool) Nodes() []*Node {
	p.RLock()
	defer p.RUnlock()
	out := make([]*Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Get implements Pool.
func (p *MemPool) Get(id string) (*Node, bool) {
	p.RLock()
	defer p.RUnlock()
	n, ok := p.nodes[id]
	return n, ok
}

// DropNode implements Pool.
func (p *MemPool) DropNode(id string) {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.nodes[id]; ok {
		p.log.Infof("Dropping node %s from pool, %d left", shortID(id), len(p.nodes)-1)
		delete(p.nodes, id)
	}
}

// Swarm implements Pool.
func (p *MemPool) Swarm(pubkey string) []*Node {
	p.RLock()
	defer p.RUnlock()
	return append([]*Node(nil), p.swarms[pubkey]...)
}

// UpdateSwarm implements Pool.
func (p *MemPool) UpdateSwarm(pubkey string, nodes []*Node) {
	p.Lock()
	defer p.Unlock()
	p.log.Debugf("Updating swarm of %s with %d nodes", shortID(pubkey), len(nodes))
	p.swarms[pubkey] = append([]*Node(nil), nodes...)
}

// DropFromSwarm implements Pool.
func (p *MemPool) DropFromSwarm(pubkey, id string) {
	p.Lock()
	defer p.Unlock()
	swarm := p.swarms[pubkey]
	kept := swarm[:0:0]
	for _, n := range swarm {
		if n.ID() != id {
			kept = append(kept, n)
		}
	}
	if len(kept) != len(swarm) {
		p.log.Debugf("Dropped %s from swarm of %s", shortID(id), shortID(pubkey))
	}
	p.swarms[pubkey] = kept
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
