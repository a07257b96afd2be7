// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package poller

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onionswarm/internal/testutil"
	"github.com/katzenpost/onionswarm/rpc"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/storage"
)

const own = "05own"

type retrieval struct {
	pubkey   string
	lastHash string
}

type fakeFetcher struct {
	sync.Mutex

	node     *snode.Node
	messages map[string][]rpc.Message
	failing  map[string]bool
	calls    []retrieval
}

func (f *fakeFetcher) GetSwarmFor(ctx context.Context, pubkey string) ([]*snode.Node, error) {
	return []*snode.Node{f.node}, nil
}

func (f *fakeFetcher) Retrieve(ctx context.Context, target *snode.Node, pubkey, lastHash string) ([]rpc.Message, error) {
	f.Lock()
	defer f.Unlock()
	f.calls = append(f.calls, retrieval{pubkey, lastHash})
	if f.failing[pubkey] {
		return nil, errors.New("swarm unavailable")
	}
	return f.messages[pubkey], nil
}

// polled returns how often each pubkey was polled and forgets the calls.
func (f *fakeFetcher) polled() map[string]int {
	f.Lock()
	defer f.Unlock()
	out := make(map[string]int)
	for _, c := range f.calls {
		out[c.pubkey]++
	}
	f.calls = nil
	return out
}

type ingested struct {
	pubkey  string
	isGroup bool
	data    string
}

type fakeIngestor struct {
	sync.Mutex
	got []ingested

	// onIngest runs before a message is recorded.
	onIngest func(pubkey string)
}

func (f *fakeIngestor) Ingest(pubkey string, isGroup bool, data []byte) {
	if f.onIngest != nil {
		f.onIngest(pubkey)
	}
	f.Lock()
	defer f.Unlock()
	f.got = append(f.got, ingested{pubkey, isGroup, string(data)})
}

func (f *fakeIngestor) all() []ingested {
	f.Lock()
	defer f.Unlock()
	return append([]ingested(nil), f.got...)
}

type fakeActivity map[string]time.Time

func (a fakeActivity) LastActivity(pubkey string) (time.Time, bool) {
	t, ok := a[pubkey]
	return t, ok
}

type clock struct {
	sync.Mutex
	t time.Time
}

func (c *clock) now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.t = c.t.Add(d)
}

func message(hash, data string) rpc.Message {
	return rpc.Message{Hash: hash, Data: base64.StdEncoding.EncodeToString([]byte(data))}
}

func newTestPoller(t *testing.T, activity ActivitySource, groups ...string) (*Poller, *fakeFetcher, *fakeIngestor, storage.Storage) {
	fetcher := &fakeFetcher{
		node:     testutil.NewNodes(1)[0],
		messages: make(map[string][]rpc.Message),
		failing:  make(map[string]bool),
	}
	ingest := new(fakeIngestor)
	store := storage.NewMem()
	p, err := New(&Config{OwnPubkey: own, Groups: groups}, testutil.Backend(), fetcher, store, ingest, activity)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p, fetcher, ingest, store
}

func TestActivityFor(t *testing.T) {
	require := require.New(t)
	for _, v := range []struct {
		age      time.Duration
		known    bool
		activity Activity
		interval time.Duration
	}{
		{10 * time.Second, true, MostActive, 5 * time.Second},
		{29 * time.Second, true, MostActive, 5 * time.Second},
		{30 * time.Second, true, Active, 10 * time.Second},
		{59 * time.Minute, true, Active, 10 * time.Second},
		{2 * time.Hour, true, MediumActive, time.Minute},
		{48 * time.Hour, true, Inactive, time.Hour},
		{0, false, Inactive, time.Hour},
	} {
		a := ActivityFor(v.age, v.known)
		require.Equal(v.activity, a, "age %v", v.age)
		require.Equal(v.interval, a.Interval())
	}
}

func TestNewWithoutIdentity(t *testing.T) {
	_, err := New(&Config{}, testutil.Backend(), nil, storage.NewMem(), nil, nil)
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestPollForAllKeysCadence(t *testing.T) {
	require := require.New(t)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	activity := fakeActivity{
		"05hot":  clk.t.Add(-10 * time.Second),
		"05warm": clk.t.Add(-2 * time.Hour),
		"05cold": clk.t.Add(-48 * time.Hour),
	}
	p, fetcher, _, _ := newTestPoller(t, activity, "05hot", "05warm", "05cold", "05unknown")
	p.now = clk.now
	ctx := context.Background()

	p.pollAll(ctx)
	require.Equal(map[string]int{own: 1, "05hot": 1, "05warm": 1, "05cold": 1, "05unknown": 1}, fetcher.polled())

	clk.advance(5 * time.Second)
	p.pollForAllKeys(ctx)
	require.Equal(map[string]int{own: 1, "05hot": 1}, fetcher.polled())

	clk.advance(55 * time.Second)
	p.pollForAllKeys(ctx)
	require.Equal(map[string]int{own: 1, "05hot": 1, "05warm": 1}, fetcher.polled())

	clk.advance(time.Hour)
	p.pollForAllKeys(ctx)
	require.Equal(map[string]int{own: 1, "05hot": 1, "05warm": 1, "05cold": 1, "05unknown": 1}, fetcher.polled())

	p.RemoveGroup("05hot")
	p.AddGroup("05new")
	require.Equal([]string{"05cold", "05new", "05unknown", "05warm"}, p.Groups())
	clk.advance(time.Second)
	p.pollForAllKeys(ctx)
	require.Equal(map[string]int{own: 1, "05new": 1}, fetcher.polled())
}

func TestStartPollsImmediately(t *testing.T) {
	// Activity is two days old, so only the initial poll can happen
	// within the test.
	p, fetcher, _, _ := newTestPoller(t, fakeActivity{"05group": time.Now().Add(-48 * time.Hour)}, "05group")
	p.tick = time.Hour

	p.Start()
	p.Start()
	require.Eventually(t, func() bool {
		fetcher.Lock()
		defer fetcher.Unlock()
		return len(fetcher.calls) == 2
	}, 5*time.Second, 10*time.Millisecond)
	p.Stop()
	require.Equal(t, map[string]int{own: 1, "05group": 1}, fetcher.polled())
}

func TestPollOnce(t *testing.T) {
	require := require.New(t)
	p, fetcher, ingest, store := newTestPoller(t, nil, "05group")
	ctx := context.Background()

	fetcher.messages[own] = []rpc.Message{message("h1", "one"), message("h2", "two"), {Hash: "h3", Data: "!!"}}
	require.NoError(p.pollOnce(ctx, own, false))
	require.Equal([]ingested{{own, false, "one"}, {own, false, "two"}}, ingest.all())

	v, ok, err := store.GetItem(lastHashPrefix + fetcher.node.ID() + ":" + own)
	require.NoError(err)
	require.True(ok)
	require.Equal("h3", v)

	t.Run("duplicates are dropped", func(t *testing.T) {
		fetcher.messages[own] = []rpc.Message{message("h2", "two"), message("h4", "four")}
		require.NoError(p.pollOnce(ctx, own, false))
		got := ingest.all()
		require.Len(got, 3)
		require.Equal("four", got[2].data)
		require.Equal("h3", fetcher.calls[len(fetcher.calls)-1].lastHash)
	})

	t.Run("last hash advances after ingest", func(t *testing.T) {
		key := lastHashPrefix + fetcher.node.ID() + ":" + own
		var during []string
		ingest.onIngest = func(string) {
			v, _, err := store.GetItem(key)
			require.NoError(err)
			during = append(during, v)
		}
		defer func() { ingest.onIngest = nil }()

		fetcher.messages[own] = []rpc.Message{message("h5", "five"), message("h6", "six")}
		require.NoError(p.pollOnce(ctx, own, false))
		require.Equal([]string{"h4", "h4"}, during)
		v, _, err := store.GetItem(key)
		require.NoError(err)
		require.Equal("h6", v)
	})

	t.Run("failures do not stop other polls", func(t *testing.T) {
		fetcher.messages[own] = nil
		fetcher.failing[own] = true
		fetcher.messages["05group"] = []rpc.Message{message("g1", "hello group")}
		p.poll(ctx, []string{"05group"})
		got := ingest.all()
		require.Equal(ingested{"05group", true, "hello group"}, got[len(got)-1])
	})
}

func TestSeenSet(t *testing.T) {
	require := require.New(t)
	s, err := newSeenSet()
	require.NoError(err)

	const inserted = 3 * seenEntries
	for i := 0; i < inserted; i++ {
		require.False(s.testAndSet(fmt.Sprintf("old-%d", i)))
	}
	require.Len(s.exact, seenEntries)

	// Recent hashes are remembered exactly.
	for i := inserted - 1000; i < inserted; i++ {
		require.True(s.testAndSet(fmt.Sprintf("old-%d", i)))
	}

	// Fresh hashes are never reported as seen, whatever the filter says.
	for i := 0; i < 40000; i++ {
		require.False(s.testAndSet(fmt.Sprintf("fresh-%d", i)))
	}
}
