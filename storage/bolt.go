// bolt.go - bbolt backed storage.
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

package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	itemsBucket    = "items"

	// BoltStorageVersion is the on disk format version.
	BoltStorageVersion = 0
)

// Bolt is a Storage backed by a bbolt database file.
type Bolt struct {
	db  *bolt.DB
	log *logging.Logger
}

// NewBolt opens or creates the database at path.
func NewBolt(path string, log *logging.Logger) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(itemsBucket)); err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != BoltStorageVersion {
				return fmt.Errorf("storage: incompatible version: %v", b)
			}
			log.Debugf("Loaded existing database %s", path)
			return nil
		}
		log.Debugf("Created database %s", path)
		return meta.Put([]byte(versionKey), []byte{BoltStorageVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, log: log}, nil
}

// GetItem implements Storage.
func (b *Bolt) GetItem(id string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(itemsBucket)).Get([]byte(id))
		if v != nil {
			// v is only valid for the life of the transaction.
			value, found = string(v), true
		}
		return nil
	})
	return value, found, err
}

// SetItem implements Storage.
func (b *Bolt) SetItem(id, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(itemsBucket)).Put([]byte(id), []byte(value))
	})
}

// Close implements Storage.
func (b *Bolt) Close() error {
	return b.db.Close()
}
