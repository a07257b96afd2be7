// inbox.go - Ingestion of polled messages.
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

package daemon

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/onionswarm/identity"
	"github.com/katzenpost/onionswarm/sending"
)

// Incoming is a message pulled from a swarm.
type Incoming struct {
	// Mailbox is the pubkey the message was stored under.
	Mailbox string

	IsGroup bool

	// Sender is the authenticated sender of a direct message. It is nil
	// for group messages, which are passed on still encrypted.
	Sender *ed25519.PublicKey

	Payload  []byte
	Received time.Time
}

// inbox opens direct messages, tracks per mailbox activity for the poller
// and buffers what it ingested until drained. The buffer is unbounded:
// the poller has moved past a message once it is ingested.
type inbox struct {
	sync.Mutex

	log     *logging.Logger
	id      *identity.Identity
	pending []*Incoming
	ready   chan struct{}
	last    map[string]time.Time
	now     func() time.Time
}

func newInbox(log *logging.Logger, id *identity.Identity) *inbox {
	return &inbox{
		log:   log,
		id:    id,
		ready: make(chan struct{}, 1),
		last:  make(map[string]time.Time),
		now:   time.Now,
	}
}

// Ingest implements poller.Ingestor.
func (b *inbox) Ingest(pubkey string, isGroup bool, data []byte) {
	now := b.now()
	b.Lock()
	b.last[pubkey] = now
	b.Unlock()

	in := &Incoming{Mailbox: pubkey, IsGroup: isGroup, Payload: data, Received: now}
	if !isGroup {
		padded, from, err := b.id.Open(data)
		if err != nil {
			b.log.Warningf("Dropping undecryptable message: %v", err)
			return
		}
		if in.Payload, err = sending.Unpad(padded); err != nil {
			b.log.Warningf("Dropping message from %x: %v", from.Bytes()[:8], err)
			return
		}
		in.Sender = from
	}

	b.Lock()
	b.pending = append(b.pending, in)
	b.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// LastActivity implements poller.ActivitySource.
func (b *inbox) LastActivity(pubkey string) (time.Time, bool) {
	b.Lock()
	defer b.Unlock()
	t, ok := b.last[pubkey]
	return t, ok
}

func (b *inbox) drain() []*Incoming {
	b.Lock()
	defer b.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
