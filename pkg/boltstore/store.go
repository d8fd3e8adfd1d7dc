// Package boltstore persists accounts and world snapshots in a bbolt file.
// Records are deterministic CBOR; snapshots are zstd-compressed and carry a
// BLAKE3 digest that is checked on load.
package boltstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/world"
)

// Store wraps a bbolt database and implements store.Gateway.
type Store struct {
	bolt *bbolt.DB
}

var _ store.Gateway = (*Store)(nil)

// Open opens or creates a bbolt database file and ensures all buckets exist.
// It waits at most one second for the file lock held by another process.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	// Ensure all buckets exist.
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketAccounts, bucketNames, bucketWorld} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keyFormat) == nil {
			if err := meta.Put(keyFormat, intToKey(formatVersion)); err != nil {
				return err
			}
			return meta.Put(keyCreated, intToKey(time.Now().Unix()))
		}
		if v := keyToInt(meta.Get(keyFormat)); v != formatVersion {
			return fmt.Errorf("unsupported format version %d", v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{bolt: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// LoadIdentity finds an account by case-insensitive name.
func (s *Store) LoadIdentity(ctx context.Context, name string) (*store.Account, error) {
	var acct *store.Account
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketNames).Get([]byte(store.NameKey(name)))
		if id == nil {
			return fmt.Errorf("%w: identity %q", store.ErrNotFound, name)
		}
		data := tx.Bucket(bucketAccounts).Get(id)
		if data == nil {
			return fmt.Errorf("%w: account %s", store.ErrNotFound, id)
		}
		var err error
		acct, err = decodeAccount(data)
		if err != nil {
			return fmt.Errorf("boltstore: decode account %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CreateIdentity stores a new account and its name index entry.
func (s *Store) CreateIdentity(ctx context.Context, acct *store.Account) error {
	data, err := encodeAccount(acct)
	if err != nil {
		return fmt.Errorf("boltstore: encode account %s: %w", acct.Identity.ID, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		key := []byte(store.NameKey(acct.Identity.Name))
		if names.Get(key) != nil {
			return fmt.Errorf("%w: %q", store.ErrNameTaken, acct.Identity.Name)
		}
		if err := names.Put(key, []byte(acct.Identity.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketAccounts).Put([]byte(acct.Identity.ID), data)
	})
}

// SaveIdentity updates an existing account.
func (s *Store) SaveIdentity(ctx context.Context, acct *store.Account) error {
	data, err := encodeAccount(acct)
	if err != nil {
		return fmt.Errorf("boltstore: encode account %s: %w", acct.Identity.ID, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get([]byte(acct.Identity.ID)) == nil {
			return fmt.Errorf("%w: account %s", store.ErrNotFound, acct.Identity.ID)
		}
		return b.Put([]byte(acct.Identity.ID), data)
	})
}

// LoadWorldSnapshot returns the last saved snapshot after checking its digest.
func (s *Store) LoadWorldSnapshot(ctx context.Context) (*world.Snapshot, error) {
	var data, digest []byte
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorld)
		stored := b.Get(keySnapshot)
		if stored == nil {
			return fmt.Errorf("%w: world snapshot", store.ErrNotFound)
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), stored...)
		digest = append([]byte(nil), b.Get(keyDigest)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data, digest)
}

// SaveWorldSnapshot replaces the stored snapshot.
func (s *Store) SaveWorldSnapshot(ctx context.Context, snap *world.Snapshot) error {
	data, digest, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("boltstore: encode snapshot: %w", err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorld)
		if err := b.Put(keySnapshot, data); err != nil {
			return err
		}
		if err := b.Put(keyDigest, digest); err != nil {
			return err
		}
		return b.Put(keySaved, intToKey(time.Now().Unix()))
	})
}

// AccountCount returns the number of stored accounts.
func (s *Store) AccountCount() int {
	n := 0
	s.bolt.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketAccounts).Stats().KeyN
		return nil
	})
	return n
}

// Backup writes a consistent copy of the database to path.
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		if err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}
