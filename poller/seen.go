// seen.go - Retrieved message de-duplication.
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

package poller

import (
	"sync"

	"github.com/yawning/bloom"

	"github.com/katzenpost/hpqc/rand"
)

const (
	seenEntries = 1 << 16
	seenFPRate  = 0.001
)

// seenSet remembers the hashes of the most recent seenEntries messages.
// The bloom filter answers most lookups; its positives are confirmed
// against the exact set so a false positive never discards a message.
type seenSet struct {
	sync.Mutex

	filter *bloom.Filter
	exact  map[string]struct{}

	// order is a ring of the hashes in exact, oldest at head.
	order []string
	head  int
}

func newSeenSet() (*seenSet, error) {
	f, err := newSeenFilter()
	if err != nil {
		return nil, err
	}
	return &seenSet{
		filter: f,
		exact:  make(map[string]struct{}, seenEntries),
		order:  make([]string, 0, seenEntries),
	}, nil
}

// newSeenFilter holds twice the exact set, so a rebuilt filter always has
// room left.
func newSeenFilter() (*bloom.Filter, error) {
	return bloom.New(rand.Reader, bloom.DeriveSize(2*seenEntries, seenFPRate), seenFPRate)
}

// testAndSet reports whether hash was already recorded and records it.
func (s *seenSet) testAndSet(hash string) bool {
	s.Lock()
	defer s.Unlock()

	if s.filter.Test([]byte(hash)) {
		if _, ok := s.exact[hash]; ok {
			return true
		}
	}
	s.add(hash)
	return false
}

func (s *seenSet) add(hash string) {
	if len(s.order) < seenEntries {
		s.order = append(s.order, hash)
	} else {
		delete(s.exact, s.order[s.head])
		s.order[s.head] = hash
		s.head = (s.head + 1) % seenEntries
	}
	s.exact[hash] = struct{}{}

	if s.filter.Entries() >= s.filter.MaxEntries() {
		// Evicted hashes still occupy the filter; start over from the
		// exact set.
		f, err := newSeenFilter()
		if err != nil {
			return
		}
		for h := range s.exact {
			f.TestAndSet([]byte(h))
		}
		s.filter = f
		return
	}
	s.filter.TestAndSet([]byte(hash))
}
