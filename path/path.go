// path.go - Onion paths and failure accounting.
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

// Package path owns the onion paths used for requests: it selects guard
// nodes, builds 3 hop paths from the node pool and punishes nodes and
// paths that keep failing.
package path

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/katzenpost/onionswarm/snode"
)

const (
	// Length is the number of distinct nodes on every path, guard first.
	Length = 3

	// FailureThreshold is the number of failures after which a node is
	// dropped or a path is torn down.
	FailureThreshold = 3
)

// ErrInvalidPath is returned when a path would not hold Length distinct
// nodes.
var ErrInvalidPath = errors.New("path: a path needs 3 distinct nodes")

// Path is an immutable onion path.
type Path struct {
	nodes [Length]*snode.Node
}

// New returns a path over nodes, guard first.
func New(nodes []*snode.Node) (*Path, error) {
	if len(nodes) != Length {
		return nil, ErrInvalidPath
	}
	p := new(Path)
	seen := make(map[string]bool, Length)
	for i, n := range nodes {
		if n == nil || seen[n.ID()] {
			return nil, ErrInvalidPath
		}
		seen[n.ID()] = true
		p.nodes[i] = n
	}
	return p, nil
}

// Nodes returns the path's nodes, guard first.
func (p *Path) Nodes() []*snode.Node {
	return append([]*snode.Node(nil), p.nodes[:]...)
}

// Guard returns the first hop.
func (p *Path) Guard() *snode.Node {
	return p.nodes[0]
}

// Contains reports whether the node with identity id is on the path.
func (p *Path) Contains(id string) bool {
	for _, n := range p.nodes {
		if n.ID() == id {
			return true
		}
	}
	return false
}

// withReplacement returns a new path with the node id swapped for n.
func (p *Path) withReplacement(id string, n *snode.Node) (*Path, error) {
	nodes := p.Nodes()
	for i := range nodes {
		if nodes[i].ID() == id {
			nodes[i] = n
		}
	}
	return New(nodes)
}

func (p *Path) String() string {
	s := make([]string, 0, Length)
	for _, n := range p.nodes {
		s = append(s, n.String())
	}
	return "[" + strings.Join(s, " -> ") + "]"
}

// HealthTracker holds the failure counters of nodes and of paths. Path
// counters are keyed by the identity of the path's guard node.
type HealthTracker struct {
	sync.Mutex

	nodes map[string]int
	paths map[string]int
}

// NewHealthTracker returns a tracker with every counter at zero.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		nodes: make(map[string]int),
		paths: make(map[string]int),
	}
}

// IncrementNode adds one failure to a node and returns the new count.
func (h *HealthTracker) IncrementNode(id string) int {
	h.Lock()
	defer h.Unlock()
	h.nodes[id]++
	return h.nodes[id]
}

// NodeCount returns the failure count of a node.
func (h *HealthTracker) NodeCount(id string) int {
	h.Lock()
	defer h.Unlock()
	return h.nodes[id]
}

// ResetNode clears a node's counter.
func (h *HealthTracker) ResetNode(id string) {
	h.Lock()
	defer h.Unlock()
	delete(h.nodes, id)
}

// IncrementPath adds one failure to the path guarded by guardID and
// returns the new count.
func (h *HealthTracker) IncrementPath(guardID string) int {
	h.Lock()
	defer h.Unlock()
	h.paths[guardID]++
	return h.paths[guardID]
}

// PathCount returns the failure count of the path guarded by guardID.
func (h *HealthTracker) PathCount(guardID string) int {
	h.Lock()
	defer h.Unlock()
	return h.paths[guardID]
}

// ResetPath clears a path counter.
func (h *HealthTracker) ResetPath(guardID string) {
	h.Lock()
	defer h.Unlock()
	delete(h.paths, guardID)
}

// Reset clears every counter.
func (h *HealthTracker) Reset() {
	h.Lock()
	defer h.Unlock()
	h.nodes = make(map[string]int)
	h.paths = make(map[string]int)
}

func (h *HealthTracker) String() string {
	h.Lock()
	defer h.Unlock()
	return fmt.Sprintf("nodes=%v paths=%v", h.nodes, h.paths)
}
