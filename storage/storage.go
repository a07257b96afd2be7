// storage.go - Key/value storage of opaque string blobs.
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

// Package storage provides the key/value store that persists the pending
// message buffer, the guard node list, the identity and poll state.
package storage

import (
	"errors"
	"sync"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("storage: closed")

// Storage persists opaque string values by id.
type Storage interface {
	// GetItem returns the value stored under id, and false if none is.
	GetItem(id string) (string, bool, error)

	// SetItem stores value under id, replacing any previous value.
	SetItem(id, value string) error

	// Close releases the store.
	Close() error
}

// Mem is a Storage held in memory, used by tests and ephemeral clients.
type Mem struct {
	sync.Mutex

	items  map[string]string
	writes int
	closed bool
}

// NewMem returns an empty in memory store.
func NewMem() *Mem {
	return &Mem{items: make(map[string]string)}
}

// GetItem implements Storage.
func (m *Mem) GetItem(id string) (string, bool, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.items[id]
	return v, ok, nil
}

// SetItem implements Storage.
func (m *Mem) SetItem(id, value string) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items[id] = value
	m.writes++
	return nil
}

// Writes returns how many times SetItem succeeded.
func (m *Mem) Writes() int {
	m.Lock()
	defer m.Unlock()
	return m.writes
}

// Close implements Storage.
func (m *Mem) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}
