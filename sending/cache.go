// cache.go - Persistent pending message cache.
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

// Package sending queues outbound messages per destination device and
// delivers them to the device's swarm, keeping the queue persisted so
// undelivered messages survive a restart.
package sending

import (
	"encoding/base64"
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onionswarm/core/log"
	"github.com/katzenpost/onionswarm/internal/instrument"
	"github.com/katzenpost/onionswarm/storage"
)

// PendingMessagesKey is the storage key of the pending buffer.
const PendingMessagesKey = "pendingMessages"

// ErrEmptyDevice is returned when a message is added without a device.
var ErrEmptyDevice = errors.New("sending: empty device")

// Message is an outbound message not yet bound to a device.
type Message struct {
	Identifier string
	Timestamp  int64
	TTL        int64
	Plaintext  []byte
}

// RawMessage is a message queued for one device. It is unique by device
// and timestamp.
type RawMessage struct {
	Device     string `cbor:"device"`
	Identifier string `cbor:"identifier"`
	Timestamp  int64  `cbor:"timestamp"`
	TTL        int64  `cbor:"ttl"`
	Plaintext  []byte `cbor:"plaintext"`
}

func (m *RawMessage) sameAs(o *RawMessage) bool {
	return m.Device == o.Device && m.Timestamp == o.Timestamp
}

// Cache is the pending message buffer. Every mutation is persisted
// before it returns.
type Cache struct {
	sync.Mutex

	log     *logging.Logger
	store   storage.Storage
	entries []*RawMessage
}

// NewCache returns an empty cache persisted to store. Call Init to load
// the messages left pending by a previous run.
func NewCache(backend *log.Backend, store storage.Storage) *Cache {
	return &Cache{
		log:   backend.GetLogger("pending"),
		store: store,
	}
}

// Init replaces the in memory buffer with the persisted one.
func (c *Cache) Init() error {
	raw, ok, err := c.store.GetItem(PendingMessagesKey)
	if err != nil {
		return err
	}
	var entries []*RawMessage
	if ok && raw != "" {
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return err
		}
		if err := cbor.Unmarshal(b, &entries); err != nil {
			return err
		}
	}

	c.Lock()
	defer c.Unlock()
	c.entries = c.entries[:0]
	for _, e := range entries {
		if c.findLocked(e) == nil {
			c.entries = append(c.entries, e)
		}
	}
	c.log.Infof("Loaded %d pending messages", len(c.entries))
	instrument.PendingMessages(len(c.entries))
	return nil
}

// Add queues msg for device unless a message with the same timestamp is
// already pending for it, and returns the queued form.
func (c *Cache) Add(device string, msg *Message) (*RawMessage, error) {
	if device == "" {
		return nil, ErrEmptyDevice
	}
	raw := &RawMessage{
		Device:     device,
		Identifier: msg.Identifier,
		Timestamp:  msg.Timestamp,
		TTL:        msg.TTL,
		Plaintext:  append([]byte{}, msg.Plaintext...),
	}

	c.Lock()
	defer c.Unlock()
	if c.findLocked(raw) != nil {
		return raw, nil
	}
	entries := append(c.entries[:len(c.entries):len(c.entries)], raw)
	if err := c.syncLocked(entries); err != nil {
		return nil, err
	}
	return raw, nil
}

// Remove drops the message pending for msg's device at msg's timestamp.
func (c *Cache) Remove(msg *RawMessage) error {
	c.Lock()
	defer c.Unlock()
	if c.findLocked(msg) == nil {
		return nil
	}
	entries := make([]*RawMessage, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.sameAs(msg) {
			entries = append(entries, e)
		}
	}
	return c.syncLocked(entries)
}

// Find returns the pending message matching msg's device and timestamp.
func (c *Cache) Find(msg *RawMessage) (*RawMessage, bool) {
	c.Lock()
	defer c.Unlock()
	m := c.findLocked(msg)
	return m, m != nil
}

// GetForDevice returns the messages pending for device, oldest first.
func (c *Cache) GetForDevice(device string) []*RawMessage {
	c.Lock()
	defer c.Unlock()
	var out []*RawMessage
	for _, e := range c.entries {
		if e.Device == device {
			out = append(out, e)
		}
	}
	return out
}

// GetDevices returns every device with pending messages.
func (c *Cache) GetDevices() []string {
	c.Lock()
	defer c.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.entries {
		if !seen[e.Device] {
			seen[e.Device] = true
			out = append(out, e.Device)
		}
	}
	return out
}

// GetAll returns every pending message.
func (c *Cache) GetAll() []*RawMessage {
	c.Lock()
	defer c.Unlock()
	return append([]*RawMessage(nil), c.entries...)
}

// Clear drops every pending message.
func (c *Cache) Clear() error {
	c.Lock()
	defer c.Unlock()
	return c.syncLocked(nil)
}

func (c *Cache) findLocked(msg *RawMessage) *RawMessage {
	for _, e := range c.entries {
		if e.sameAs(msg) {
			return e
		}
	}
	return nil
}

// syncLocked persists entries and, once stored, makes them the buffer.
func (c *Cache) syncLocked(entries []*RawMessage) error {
	if entries == nil {
		entries = []*RawMessage{}
	}
	b, err := cbor.Marshal(entries)
	if err != nil {
		return err
	}
	if err := c.store.SetItem(PendingMessagesKey, base64.StdEncoding.EncodeToString(b)); err != nil {
		c.log.Errorf("Failed to persist pending messages: %v", err)
		return err
	}
	c.entries = entries
	instrument.PendingMessages(len(entries))
	return nil
}
