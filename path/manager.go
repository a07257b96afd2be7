// manager.go - Onion path manager.
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

package path

import (
	"context"
	"encoding/json"
	"errors"
	mrand "math/rand"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/core/worker"
	"github.com/katzenpost/onionswarm/internal/instrument"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/storage"
)

const (
	// DefaultPaths is the number of paths, each with its own guard, kept
	// ready by default.
	DefaultPaths = 2

	// GuardNodesKey is the storage key of the persisted guard list.
	GuardNodesKey = "guardNodes"
)

var (
	// ErrNoPath is returned when no usable path can be found or built.
	ErrNoPath = errors.New("path: no usable onion path")

	// ErrNotEnoughNodes is returned when the pool cannot supply the nodes
	// needed for a path.
	ErrNotEnoughNodes = errors.New("path: not enough nodes in the pool")

	// ErrNoReplacement is returned when a path cannot be repaired.
	ErrNoReplacement = errors.New("path: no replacement node available")
)

// Config configures a Manager.
type Config struct {
	// Paths is the number of paths to maintain.
	Paths int
}

// Manager owns the guard nodes, the active paths and their health.
type Manager struct {
	worker.Worker
	sync.Mutex

	log    *logging.Logger
	pool   snode.Pool
	store  storage.Storage
	health *HealthTracker
	rng    *mrand.Rand
	want   int

	guards []*snode.Node
	paths  []*Path

	rebuildCh chan struct{}
}

// NewManager returns a Manager drawing nodes from pool and persisting its
// guard list to store. Call Halt to stop the background rebuilder.
func NewManager(cfg *Config, backend *log.Backend, pool snode.Pool, store storage.Storage) *Manager {
	want := cfg.Paths
	if want <= 0 {
		want = DefaultPaths
	}
	m := &Manager{
		log:       backend.GetLogger("path"),
		pool:      pool,
		store:     store,
		health:    NewHealthTracker(),
		rng:       rand.NewMath(),
		want:      want,
		rebuildCh: make(chan struct{}, 1),
	}
	m.Go(m.worker)
	return m
}

// Init restores the guard nodes persisted by a previous run. Guards that
// are no longer in the pool are forgotten.
func (m *Manager) Init() error {
	raw, ok, err := m.store.GetItem(GuardNodesKey)
	if err != nil || !ok {
		return err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		m.log.Warningf("Discarding malformed guard list: %v", err)
		return nil
	}

	m.Lock()
	defer m.Unlock()
	m.guards = m.guards[:0]
	for _, id := range ids {
		if n, ok := m.pool.Get(id); ok && len(m.guards) < m.want {
			m.guards = append(m.guards, n)
		}
	}
	m.log.Infof("Restored %d of %d guard nodes", len(m.guards), len(ids))
	return nil
}

// Health returns the failure counters.
func (m *Manager) Health() *HealthTracker {
	return m.health
}

// Paths returns a snapshot of the active paths.
func (m *Manager) Paths() []*Path {
	m.Lock()
	defer m.Unlock()
	return append([]*Path(nil), m.paths...)
}

// Guards returns a snapshot of the guard nodes.
func (m *Manager) Guards() []*snode.Node {
	m.Lock()
	defer m.Unlock()
	return append([]*snode.Node(nil), m.guards...)
}

// GetOnionPath returns a random ready path that does not contain the node
// excluding. Paths are built synchronously when none is usable, and in
// the background when fewer than the configured number exist.
func (m *Manager) GetOnionPath(ctx context.Context, excluding string) (*Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	usable := m.usableLocked(excluding)
	switch {
	case len(usable) == 0:
		if err := m.buildPathsLocked(); err != nil {
			m.log.Warningf("Failed to build paths: %v", err)
		}
		usable = m.usableLocked(excluding)
	case len(m.paths) < m.want:
		m.triggerRebuild()
	}
	if len(usable) == 0 {
		return nil, ErrNoPath
	}
	return usable[m.rng.Intn(len(usable))], nil
}

// IncrementBadSnodeCountOrDrop records a failure of one node. On the
// third failure the node is removed from the owner's swarm (when known),
// from the pool and from its path; if the path cannot be repaired the
// failure is charged to the path guarded by guardID instead.
func (m *Manager) IncrementBadSnodeCountOrDrop(nodeID, guardID, associatedWith string) {
	count := m.health.IncrementNode(nodeID)
	m.log.Debugf("Node %s failure count is now %d", shortID(nodeID), count)
	if count < FailureThreshold {
		return
	}

	m.log.Warningf("Node %s failed %d times, dropping it", shortID(nodeID), count)
	if associatedWith != "" {
		m.pool.DropFromSwarm(associatedWith, nodeID)
	}
	m.pool.DropNode(nodeID)
	instrument.NodeDropped()
	m.health.ResetNode(nodeID)

	if err := m.DropSnodeFromPath(nodeID); err != nil {
		m.log.Warningf("Failed to repair path without %s: %v", shortID(nodeID), err)
		if guardID != "" {
			m.IncrementBadPathCountOrDrop(guardID)
		}
	}
}

// IncrementBadPathCountOrDrop records a failure of the path guarded by
// guardID. On the third failure every other member of the path is charged
// enough failures to be dropped, then the guard itself is dropped and the
// paths are rebuilt.
func (m *Manager) IncrementBadPathCountOrDrop(guardID string) {
	instrument.PathFailure()
	count := m.health.IncrementPath(guardID)
	m.log.Debugf("Path of guard %s failure count is now %d", shortID(guardID), count)
	if count < FailureThreshold {
		return
	}
	m.health.ResetPath(guardID)

	m.Lock()
	var others []*snode.Node
	if idx := m.pathIndexLocked(guardID, true); idx >= 0 {
		others = m.paths[idx].Nodes()[1:]
	}
	m.Unlock()

	m.log.Warningf("Path of guard %s failed %d times, dropping it", shortID(guardID), count)
	for _, n := range others {
		for i := 0; i < FailureThreshold; i++ {
			m.IncrementBadSnodeCountOrDrop(n.ID(), guardID, "")
		}
	}

	m.pool.DropNode(guardID)
	instrument.NodeDropped()
	m.health.ResetNode(guardID)

	m.Lock()
	defer m.Unlock()
	if idx := m.pathIndexLocked(guardID, true); idx >= 0 {
		m.removePathLocked(idx)
	}
	m.removeGuardLocked(guardID)
	if err := m.buildPathsLocked(); err != nil {
		m.log.Warningf("Failed to rebuild paths: %v", err)
	}
}

// DropSnodeFromPath removes a node from the path holding it by swapping
// in a fresh pool node. A dropped guard takes its path with it. When no
// replacement exists the path is discarded and ErrNoReplacement returned.
func (m *Manager) DropSnodeFromPath(nodeID string) error {
	m.Lock()
	defer m.Unlock()

	idx := m.pathIndexLocked(nodeID, false)
	if idx < 0 {
		m.log.Debugf("Node %s is not on any path", shortID(nodeID))
		return nil
	}
	p := m.paths[idx]
	if p.Guard().ID() == nodeID {
		m.removePathLocked(idx)
		m.removeGuardLocked(nodeID)
		m.triggerRebuild()
		return nil
	}

	candidates := m.unusedNodesLocked(nodeID)
	if len(candidates) == 0 {
		m.removePathLocked(idx)
		m.triggerRebuild()
		return ErrNoReplacement
	}
	np, err := p.withReplacement(nodeID, candidates[m.rng.Intn(len(candidates))])
	if err != nil {
		m.removePathLocked(idx)
		m.triggerRebuild()
		return ErrNoReplacement
	}
	m.paths[idx] = np
	m.log.Infof("Repaired path %v", np)
	return nil
}

func (m *Manager) worker() {
	for {
		select {
		case <-m.HaltCh():
			return
		case <-m.rebuildCh:
		}
		m.Lock()
		if err := m.buildPathsLocked(); err != nil {
			m.log.Warningf("Background path rebuild failed: %v", err)
		}
		m.Unlock()
	}
}

func (m *Manager) triggerRebuild() {
	select {
	case m.rebuildCh <- struct{}{}:
	default:
	}
}

func (m *Manager) usableLocked(excluding string) []*Path {
	usable := make([]*Path, 0, len(m.paths))
	for _, p := range m.paths {
		if excluding == "" || !p.Contains(excluding) {
			usable = append(usable, p)
		}
	}
	return usable
}

// pathIndexLocked returns the index of the path holding id, as guard only
// when guardOnly is set, or -1.
func (m *Manager) pathIndexLocked(id string, guardOnly bool) int {
	for i, p := range m.paths {
		if guardOnly && p.Guard().ID() == id {
			return i
		}
		if !guardOnly && p.Contains(id) {
			return i
		}
	}
	return -1
}

func (m *Manager) removePathLocked(idx int) {
	m.log.Debugf("Removing path %v", m.paths[idx])
	m.paths = append(m.paths[:idx], m.paths[idx+1:]...)
}

func (m *Manager) removeGuardLocked(id string) {
	kept := m.guards[:0]
	for _, g := range m.guards {
		if g.ID() != id {
			kept = append(kept, g)
		}
	}
	if len(kept) != len(m.guards) {
		m.guards = kept
		m.persistGuardsLocked()
	}
}

func (m *Manager) persistGuardsLocked() {
	ids := make([]string, 0, len(m.guards))
	for _, g := range m.guards {
		ids = append(ids, g.ID())
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		m.log.Errorf("Failed to encode guard list: %v", err)
		return
	}
	if err := m.store.SetItem(GuardNodesKey, string(raw)); err != nil {
		m.log.Errorf("Failed to persist guard list: %v", err)
	}
}

// unusedNodesLocked returns the pool nodes that are neither guards nor on
// a path, excluding also the node id.
func (m *Manager) unusedNodesLocked(id string) []*snode.Node {
	used := make(map[string]bool)
	used[id] = true
	for _, g := range m.guards {
		used[g.ID()] = true
	}
	for _, p := range m.paths {
		for _, n := range p.nodes {
			used[n.ID()] = true
		}
	}
	var out []*snode.Node
	for _, n := range m.pool.Nodes() {
		if !used[n.ID()] {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) selectGuardsLocked() error {
	kept := make([]*snode.Node, 0, m.want)
	for _, g := range m.guards {
		if _, ok := m.pool.Get(g.ID()); ok {
			kept = append(kept, g)
		}
	}
	changed := len(kept) != len(m.guards)
	m.guards = kept

	if len(m.guards) < m.want {
		candidates := m.unusedNodesLocked("")
		for _, i := range m.rng.Perm(len(candidates)) {
			if len(m.guards) == m.want {
				break
			}
			m.guards = append(m.guards, candidates[i])
			changed = true
		}
	}
	if changed {
		m.log.Infof("Using %d guard nodes", len(m.guards))
		m.persistGuardsLocked()
	}
	if len(m.guards) == 0 {
		return ErrNotEnoughNodes
	}
	return nil
}

func (m *Manager) buildPathsLocked() error {
	if err := m.selectGuardsLocked(); err != nil {
		return err
	}

	// Forget paths whose guard was replaced.
	guards := make(map[string]bool, len(m.guards))
	for _, g := range m.guards {
		guards[g.ID()] = true
	}
	kept := m.paths[:0]
	for _, p := range m.paths {
		if guards[p.Guard().ID()] {
			kept = append(kept, p)
		}
	}
	m.paths = kept

	for _, g := range m.guards {
		if m.pathIndexLocked(g.ID(), true) >= 0 {
			continue
		}
		candidates := m.unusedNodesLocked("")
		if len(candidates) < Length-1 {
			return ErrNotEnoughNodes
		}
		perm := m.rng.Perm(len(candidates))
		p, err := New([]*snode.Node{g, candidates[perm[0]], candidates[perm[1]]})
		if err != nil {
			return err
		}
		m.paths = append(m.paths, p)
		instrument.PathBuilt()
		m.log.Infof("Built path %v", p)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
