// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package path

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onionswarm/internal/testutil"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/storage"
)

func newTestManager(t *testing.T, n int) (*Manager, *snode.MemPool, *storage.Mem) {
	backend := testutil.Backend()
	pool := snode.NewMemPool(backend.GetLogger("pool"), testutil.NewNodes(n)...)
	store := storage.NewMem()
	m := NewManager(&Config{Paths: 2}, backend, pool, store)
	t.Cleanup(m.Halt)
	return m, pool, store
}

func storedGuards(t *testing.T, store storage.Storage) []string {
	raw, ok, err := store.GetItem(GuardNodesKey)
	require.NoError(t, err)
	require.True(t, ok)
	var ids []string
	require.NoError(t, json.Unmarshal([]byte(raw), &ids))
	return ids
}

func TestPath(t *testing.T) {
	require := require.New(t)
	nodes := testutil.NewNodes(4)

	_, err := New(nodes[:2])
	require.ErrorIs(err, ErrInvalidPath)
	_, err = New([]*snode.Node{nodes[0], nodes[1], nodes[0]})
	require.ErrorIs(err, ErrInvalidPath)

	p, err := New(nodes[:3])
	require.NoError(err)
	require.Equal(nodes[0], p.Guard())
	require.True(p.Contains(nodes[2].ID()))
	require.False(p.Contains(nodes[3].ID()))

	r, err := p.withReplacement(nodes[1].ID(), nodes[3])
	require.NoError(err)
	require.True(r.Contains(nodes[3].ID()))
	require.False(r.Contains(nodes[1].ID()))
	require.True(p.Contains(nodes[1].ID()))

	_, err = p.withReplacement(nodes[1].ID(), nodes[2])
	require.ErrorIs(err, ErrInvalidPath)
}

func TestGetOnionPath(t *testing.T) {
	require := require.New(t)
	m, _, store := newTestManager(t, 10)
	ctx := context.Background()

	p, err := m.GetOnionPath(ctx, "")
	require.NoError(err)
	require.Len(p.Nodes(), Length)

	paths := m.Paths()
	require.Len(paths, 2)
	seen := make(map[string]bool)
	for _, p := range paths {
		for _, n := range p.Nodes() {
			require.False(seen[n.ID()], "node on two paths")
			seen[n.ID()] = true
		}
	}

	guards := m.Guards()
	require.Len(guards, 2)
	require.ElementsMatch([]string{guards[0].ID(), guards[1].ID()}, storedGuards(t, store))

	t.Run("excluding", func(t *testing.T) {
		target := paths[0].Nodes()[2].ID()
		for i := 0; i < 20; i++ {
			p, err := m.GetOnionPath(ctx, target)
			require.NoError(err)
			require.False(p.Contains(target))
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.GetOnionPath(cctx, "")
		require.ErrorIs(err, context.Canceled)
	})
}

func TestGetOnionPathEmptyPool(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	_, err := m.GetOnionPath(context.Background(), "")
	require.ErrorIs(t, err, ErrNoPath)
}

func TestIncrementBadSnodeCountOrDrop(t *testing.T) {
	require := require.New(t)
	m, pool, _ := newTestManager(t, 10)

	p, err := m.GetOnionPath(context.Background(), "")
	require.NoError(err)
	guard := p.Guard().ID()
	victim := p.Nodes()[1].ID()

	pool.UpdateSwarm("05aa", p.Nodes())

	m.IncrementBadSnodeCountOrDrop(victim, guard, "05aa")
	m.IncrementBadSnodeCountOrDrop(victim, guard, "05aa")
	require.Equal(2, m.Health().NodeCount(victim))
	_, ok := pool.Get(victim)
	require.True(ok)

	m.IncrementBadSnodeCountOrDrop(victim, guard, "05aa")
	_, ok = pool.Get(victim)
	require.False(ok)
	require.False(snode.Contains(pool.Swarm("05aa"), victim))
	require.Zero(m.Health().NodeCount(victim))

	// The path was repaired around the dropped node.
	require.Len(m.Paths(), 2)
	for _, p := range m.Paths() {
		require.False(p.Contains(victim))
	}
	var repaired *Path
	for _, p := range m.Paths() {
		if p.Guard().ID() == guard {
			repaired = p
		}
	}
	require.NotNil(repaired)

	// Counters restart from zero after a drop.
	m.IncrementBadSnodeCountOrDrop(victim, guard, "")
	require.Equal(1, m.Health().NodeCount(victim))
}

func TestIncrementBadPathCountOrDrop(t *testing.T) {
	require := require.New(t)
	m, pool, store := newTestManager(t, 12)

	p, err := m.GetOnionPath(context.Background(), "")
	require.NoError(err)
	guard := p.Guard().ID()
	others := p.Nodes()[1:]

	m.IncrementBadPathCountOrDrop(guard)
	m.IncrementBadPathCountOrDrop(guard)
	require.Equal(2, m.Health().PathCount(guard))
	require.Equal(12, pool.Len())

	m.IncrementBadPathCountOrDrop(guard)
	require.Zero(m.Health().PathCount(guard))
	require.Equal(9, pool.Len())
	for _, id := range []string{guard, others[0].ID(), others[1].ID()} {
		_, ok := pool.Get(id)
		require.False(ok)
		require.Zero(m.Health().NodeCount(id))
	}

	guards := m.Guards()
	require.Len(guards, 2)
	require.False(snode.Contains(guards, guard))
	require.NotContains(storedGuards(t, store), guard)

	paths := m.Paths()
	require.Len(paths, 2)
	for _, p := range paths {
		require.False(p.Contains(guard))
	}
}

func TestDropSnodeFromPath(t *testing.T) {
	require := require.New(t)

	t.Run("unknown node", func(t *testing.T) {
		m, _, _ := newTestManager(t, 6)
		require.NoError(m.DropSnodeFromPath("nope"))
	})

	t.Run("no replacement", func(t *testing.T) {
		m, pool, _ := newTestManager(t, 6)
		p, err := m.GetOnionPath(context.Background(), "")
		require.NoError(err)
		require.Len(m.Paths(), 2)

		victim := p.Nodes()[2].ID()
		pool.DropNode(victim)
		require.ErrorIs(m.DropSnodeFromPath(victim), ErrNoReplacement)
		for _, q := range m.Paths() {
			require.False(q.Contains(victim))
		}
		require.Len(m.Paths(), 1)
	})

	t.Run("guard", func(t *testing.T) {
		m, pool, store := newTestManager(t, 6)
		p, err := m.GetOnionPath(context.Background(), "")
		require.NoError(err)
		guard := p.Guard().ID()

		pool.DropNode(guard)
		require.NoError(m.DropSnodeFromPath(guard))
		require.False(snode.Contains(m.Guards(), guard))
		require.NotContains(storedGuards(t, store), guard)
	})
}

func TestInitRestoresGuards(t *testing.T) {
	require := require.New(t)
	backend := testutil.Backend()
	nodes := testutil.NewNodes(8)
	pool := snode.NewMemPool(backend.GetLogger("pool"), nodes...)
	store := storage.NewMem()

	raw, err := json.Marshal([]string{nodes[3].ID(), "gone", nodes[5].ID()})
	require.NoError(err)
	require.NoError(store.SetItem(GuardNodesKey, string(raw)))

	m := NewManager(&Config{}, backend, pool, store)
	defer m.Halt()
	require.NoError(m.Init())

	guards := m.Guards()
	require.Len(guards, 2)
	require.Equal(nodes[3].ID(), guards[0].ID())
	require.Equal(nodes[5].ID(), guards[1].ID())

	_, err = m.GetOnionPath(context.Background(), "")
	require.NoError(err)
	for _, p := range m.Paths() {
		require.True(snode.Contains(guards, p.Guard().ID()))
	}
}
