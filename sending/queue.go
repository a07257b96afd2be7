// queue.go - Per device message queue.
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

package sending

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/onionswarm/core/crypto/envelope"
	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/internal/instrument"
	"github.com/katzenpost/onionswarm/rpc"
	"github.com/katzenpost/onionswarm/snode"
)

const (
	// MaxSwarmNodes is the number of distinct swarm nodes a message is
	// offered to before the delivery fails.
	MaxSwarmNodes = 3

	sessionIDPrefix = "05"
)

var (
	// ErrInvalidDevice is returned for a device that is not a session id.
	ErrInvalidDevice = errors.New("sending: invalid device id")

	errEmptySwarm = errors.New("sending: empty swarm")
)

// Handler learns the fate of every delivery.
type Handler interface {
	OnSent(msg *RawMessage)
	OnFailed(msg *RawMessage, err error)
}

// Sender stores envelopes on swarm nodes. *rpc.Client implements it.
type Sender interface {
	GetSwarmFor(ctx context.Context, pubkey string) ([]*snode.Node, error)
	Store(ctx context.Context, target *snode.Node, params *rpc.StoreParams) error
}

// DeviceKey returns the X25519 key named by a session id.
func DeviceKey(device string) ([]byte, error) {
	if !strings.HasPrefix(device, sessionIDPrefix) {
		return nil, ErrInvalidDevice
	}
	key, err := hex.DecodeString(device[len(sessionIDPrefix):])
	if err != nil || len(key) != envelope.KeySize {
		return nil, ErrInvalidDevice
	}
	return key, nil
}

// Queue delivers pending messages, one at a time per device.
type Queue struct {
	log     *logging.Logger
	cache   *Cache
	sender  Sender
	keys    envelope.SigningKeySource
	handler Handler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	rngMu sync.Mutex
	rng   *mrand.Rand
}

// NewQueue returns a queue draining cache through sender, signing with
// keys and reporting to handler.
func NewQueue(backend *log.Backend, cache *Cache, sender Sender, keys envelope.SigningKeySource, handler Handler) *Queue {
	return &Queue{
		log:     backend.GetLogger("queue"),
		cache:   cache,
		sender:  sender,
		keys:    keys,
		handler: handler,
		locks:   make(map[string]*sync.Mutex),
		rng:     rand.NewMath(),
	}
}

// Add queues msg for device and processes the device's pending messages.
func (q *Queue) Add(ctx context.Context, device string, msg *Message) error {
	if _, err := DeviceKey(device); err != nil {
		return err
	}
	if _, err := q.cache.Add(device, msg); err != nil {
		return err
	}
	return q.ProcessPending(ctx, device)
}

// ProcessAllPending processes every device with pending messages
// concurrently.
func (q *Queue) ProcessAllPending(ctx context.Context) {
	var wg sync.WaitGroup
	for _, device := range q.cache.GetDevices() {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			if err := q.ProcessPending(ctx, device); err != nil {
				q.log.Warningf("Processing %s: %v", shortID(device), err)
			}
		}(device)
	}
	wg.Wait()
}

// ProcessPending delivers the messages pending for device, oldest first.
// Delivered and failed messages leave the cache; an aborted delivery
// stays pending and ends processing.
func (q *Queue) ProcessPending(ctx context.Context, device string) error {
	lock := q.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	for _, m := range q.cache.GetForDevice(device) {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := q.deliver(ctx, m)
		if rpc.IsKind(err, rpc.KindAbort) {
			return err
		}
		if rmErr := q.cache.Remove(m); rmErr != nil {
			return rmErr
		}
		if err != nil {
			q.log.Warningf("Failed to deliver %s to %s: %v", m.Identifier, shortID(device), err)
			instrument.MessageSent("failed")
			q.handler.OnFailed(m, err)
			continue
		}
		q.log.Debugf("Delivered %s to %s", m.Identifier, shortID(device))
		instrument.MessageSent("sent")
		q.handler.OnSent(m)
	}
	return nil
}

func (q *Queue) deliver(ctx context.Context, m *RawMessage) error {
	recipient, err := DeviceKey(m.Device)
	if err != nil {
		return err
	}
	sealed, err := envelope.SealAndSign(q.keys, recipient, Pad(m.Plaintext))
	if err != nil {
		return err
	}
	swarm, err := q.sender.GetSwarmFor(ctx, m.Device)
	if err != nil {
		return err
	}
	if len(swarm) == 0 {
		return errEmptySwarm
	}

	params := &rpc.StoreParams{
		PubKey:    m.Device,
		TTL:       m.TTL,
		Timestamp: m.Timestamp,
		Data:      base64.StdEncoding.EncodeToString(sealed),
	}
	var lastErr error
	for i, idx := range q.perm(len(swarm)) {
		if i == MaxSwarmNodes {
			break
		}
		err := q.sender.Store(ctx, swarm[idx], params)
		if err == nil {
			return nil
		}
		lastErr = err
		if stopsDelivery(err) {
			break
		}
		q.log.Debugf("Store on %v failed: %v", swarm[idx], err)
	}
	return fmt.Errorf("sending: %s not stored: %w", m.Identifier, lastErr)
}

// stopsDelivery reports errors that another swarm node would not fix.
func stopsDelivery(err error) bool {
	return rpc.IsKind(err, rpc.KindAbort) ||
		rpc.IsKind(err, rpc.KindClockSkew) ||
		rpc.IsKind(err, rpc.KindNetworkUnreachable)
}

func (q *Queue) deviceLock(device string) *sync.Mutex {
	q.locksMu.Lock()
	defer q.locksMu.Unlock()
	l, ok := q.locks[device]
	if !ok {
		l = new(sync.Mutex)
		q.locks[device] = l
	}
	return l
}

func (q *Queue) perm(n int) []int {
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	return q.rng.Perm(n)
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}
