// poller.go - Swarm poller.
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

// Package poller periodically pulls new messages for the own identity and
// every tracked group from their swarms.
package poller

import (
	"context"
	"encoding/base64"
	"errors"
	mrand "math/rand"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/core/worker"
	"github.com/katzenpost/onionswarm/internal/instrument"
	"github.com/katzenpost/onionswarm/rpc"
	"github.com/katzenpost/onionswarm/snode"
	"github.com/katzenpost/onionswarm/storage"
)

const (
	// DefaultTickInterval is the period of the shared poll tick.
	DefaultTickInterval = 5 * time.Second

	lastHashPrefix = "lastHash:"
)

// ErrNoIdentity is returned when no own pubkey is configured.
var ErrNoIdentity = errors.New("poller: no own pubkey")

// Ingestor receives the bodies of newly retrieved messages.
type Ingestor interface {
	Ingest(pubkey string, isGroup bool, data []byte)
}

// ActivitySource reports when a conversation last saw activity.
type ActivitySource interface {
	LastActivity(pubkey string) (time.Time, bool)
}

// Fetcher looks up swarms and retrieves messages. *rpc.Client
// implements it.
type Fetcher interface {
	GetSwarmFor(ctx context.Context, pubkey string) ([]*snode.Node, error)
	Retrieve(ctx context.Context, target *snode.Node, pubkey, lastHash string) ([]rpc.Message, error)
}

// Config configures a Poller.
type Config struct {
	// OwnPubkey is the mailbox of the local identity.
	OwnPubkey string

	// Groups are the group mailboxes tracked from the start.
	Groups []string

	// TickInterval overrides DefaultTickInterval.
	TickInterval time.Duration
}

// Poller polls swarms for new messages on a shared tick.
type Poller struct {
	worker.Worker
	sync.Mutex

	log      *logging.Logger
	fetcher  Fetcher
	store    storage.Storage
	ingest   Ingestor
	activity ActivitySource

	own    string
	tick   time.Duration
	groups map[string]time.Time

	seen *seenSet

	rngMu sync.Mutex
	rng   *mrand.Rand

	now       func() time.Time
	startOnce sync.Once
}

// New returns a Poller. activity may be nil, in which case every group
// is polled at the Inactive cadence.
func New(cfg *Config, backend *log.Backend, fetcher Fetcher, store storage.Storage, ingest Ingestor, activity ActivitySource) (*Poller, error) {
	if cfg.OwnPubkey == "" {
		return nil, ErrNoIdentity
	}
	seen, err := newSeenSet()
	if err != nil {
		return nil, err
	}
	p := &Poller{
		log:      backend.GetLogger("poller"),
		fetcher:  fetcher,
		store:    store,
		ingest:   ingest,
		activity: activity,
		own:      cfg.OwnPubkey,
		tick:     cfg.TickInterval,
		groups:   make(map[string]time.Time),
		seen:     seen,
		rng:      rand.NewMath(),
		now:      time.Now,
	}
	if p.tick <= 0 {
		p.tick = DefaultTickInterval
	}
	for _, g := range cfg.Groups {
		p.groups[g] = time.Time{}
	}
	return p, nil
}

// AddGroup starts tracking a group mailbox.
func (p *Poller) AddGroup(pubkey string) {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.groups[pubkey]; !ok {
		p.log.Debugf("Tracking group %s", shortID(pubkey))
		p.groups[pubkey] = time.Time{}
	}
}

// RemoveGroup stops tracking a group mailbox.
func (p *Poller) RemoveGroup(pubkey string) {
	p.Lock()
	defer p.Unlock()
	delete(p.groups, pubkey)
}

// Groups returns the tracked group mailboxes.
func (p *Poller) Groups() []string {
	p.Lock()
	defer p.Unlock()
	out := make([]string, 0, len(p.groups))
	for g := range p.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Start polls the own identity and every group once, then keeps polling
// on the shared tick until Stop.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		p.Go(p.worker)
	})
}

// Stop halts polling and waits for in flight polls.
func (p *Poller) Stop() {
	p.Halt()
}

func (p *Poller) worker() {
	ctx := p.HaltContext()
	p.pollAll(ctx)

	t := time.NewTicker(p.tick)
	defer t.Stop()
	for {
		select {
		case <-p.HaltCh():
			p.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
			p.pollForAllKeys(ctx)
		}
	}
}

// PollNow polls the own identity and every group once, regardless of
// cadence, and returns when all polls finished.
func (p *Poller) PollNow(ctx context.Context) {
	p.pollAll(ctx)
}

func (p *Poller) pollAll(ctx context.Context) {
	now := p.now()
	p.Lock()
	due := make([]string, 0, len(p.groups))
	for g := range p.groups {
		p.groups[g] = now
		due = append(due, g)
	}
	p.Unlock()
	p.poll(ctx, due)
}

// pollForAllKeys polls the own identity, and each group whose cadence has
// elapsed since it was last polled.
func (p *Poller) pollForAllKeys(ctx context.Context) {
	now := p.now()
	p.Lock()
	var due []string
	for g, last := range p.groups {
		if last.IsZero() || now.Sub(last) >= p.activityOf(g, now).Interval() {
			p.groups[g] = now
			due = append(due, g)
		}
	}
	p.Unlock()
	p.poll(ctx, due)
}

func (p *Poller) activityOf(pubkey string, now time.Time) Activity {
	if p.activity == nil {
		return Inactive
	}
	last, ok := p.activity.LastActivity(pubkey)
	return ActivityFor(now.Sub(last), ok)
}

func (p *Poller) poll(ctx context.Context, groups []string) {
	var wg sync.WaitGroup
	run := func(pubkey string, isGroup bool) {
		defer wg.Done()
		if err := p.pollOnce(ctx, pubkey, isGroup); err != nil {
			p.log.Warningf("Polling %s failed: %v", shortID(pubkey), err)
		}
	}
	wg.Add(1 + len(groups))
	go run(p.own, false)
	for _, g := range groups {
		go run(g, true)
	}
	wg.Wait()
}

func (p *Poller) pollOnce(ctx context.Context, pubkey string, isGroup bool) error {
	kind := "own"
	if isGroup {
		kind = "group"
	}
	instrument.Poll(kind)

	swarm, err := p.fetcher.GetSwarmFor(ctx, pubkey)
	if err != nil {
		return err
	}
	if len(swarm) == 0 {
		return rpc.ErrNoSwarm
	}
	node := p.randomNode(swarm)

	key := lastHashPrefix + node.ID() + ":" + pubkey
	lastHash, _, err := p.store.GetItem(key)
	if err != nil {
		return err
	}
	msgs, err := p.fetcher.Retrieve(ctx, node, pubkey, lastHash)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	n := 0
	for _, m := range msgs {
		if p.seen.testAndSet(m.Hash) {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			p.log.Warningf("Dropping malformed message %s: %v", m.Hash, err)
			continue
		}
		p.ingest.Ingest(pubkey, isGroup, data)
		n++
	}
	if n > 0 {
		p.log.Debugf("%d new messages for %s", n, shortID(pubkey))
		instrument.MessagesIngested(n)
	}

	// Only advance past messages the ingestor has taken.
	if err := p.store.SetItem(key, msgs[len(msgs)-1].Hash); err != nil {
		p.log.Errorf("Failed to persist last hash of %s: %v", shortID(pubkey), err)
	}
	return nil
}

func (p *Poller) randomNode(nodes []*snode.Node) *snode.Node {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return nodes[p.rng.Intn(len(nodes))]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
