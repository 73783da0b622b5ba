// Package store implements a bbolt-backed registry.Store, persisting
// driver filter registrations across restarts as specification §4.6's
// orphan-rescan-on-registration behavior implies the registry's state
// should outlive a single process run (see SPEC_FULL.md §3).
//
// Grounded on guiperry-HASHER's pipeline/1_DATA_MINER/internal/checkpoint
// package: one bucket, bbolt.Open with default options, a bucket created
// on first use, JSON-encoded records keyed by name.
package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/ardnew/usbhostcore/registry"
)

const bucketName = "drivers"

// record is the on-disk shape of one driver's persisted registration.
type record struct {
	Filters   []registry.Filter `json:"filters"`
	Transport registry.Transport `json:"transport"`
}

// Store is a bbolt-backed registry.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and
// ensures the driver bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create driver bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists name's filter set and transport kind.
func (s *Store) Save(name string, filters []registry.Filter, transport registry.Transport) error {
	data, err := json.Marshal(record{Filters: filters, Transport: transport})
	if err != nil {
		return fmt.Errorf("marshal registration %q: %w", name, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(name), data)
	})
}

// Delete removes name's persisted registration, if any.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(name))
	})
}

// Load returns every persisted driver's filter set, keyed by name, for
// replay at startup.
func (s *Store) Load() (map[string][]registry.Filter, error) {
	out := make(map[string][]registry.Filter)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal registration %q: %w", k, err)
			}
			out[string(k)] = rec.Filters
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
