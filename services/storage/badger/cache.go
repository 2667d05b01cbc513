// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

const (
	// cacheKeyPrefix versions the storage layout.
	cacheKeyPrefix = "transform/v1/"

	// DefaultTTL is the lifetime of a cached transform.
	DefaultTTL = 24 * time.Hour
)

var errCacheMiss = errors.New("cache miss")

// Cache stores transform results keyed by content hash.
//
// Description:
//
//	The cache does not own the DB. TTL is enforced by BadgerDB; an expired
//	key reads as a miss.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	db     *DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache creates a Cache on db. ttl <= 0 selects DefaultTTL.
func NewCache(db *DB, ttl time.Duration, logger *slog.Logger) *Cache {
	if db == nil {
		panic("NewCache: db must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{db: db, ttl: ttl, logger: logger}
}

// Key hashes the parts into a cache key. Parts are length-prefixed so
// ("ab", "c") and ("a", "bc") differ.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:", len(p))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the value stored under key. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(cacheKey(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errCacheMiss) {
		c.logger.Debug("transform cache: miss", slog.String("key", shortKey(key)))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("transform cache load: %w", err)
	}
	c.logger.Debug("transform cache: hit", slog.String("key", shortKey(key)))
	return value, true, nil
}

// Set stores value under key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(cacheKey(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("transform cache save: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(cacheKey(key))
	})
}

// Entry describes one stored transform.
type Entry struct {
	Key       string
	Size      int
	ExpiresAt time.Time // zero when no TTL is set
}

// Entries lists every stored transform in key order.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(cacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			e := Entry{
				Key:  strings.TrimPrefix(string(item.Key()), cacheKeyPrefix),
				Size: int(item.ValueSize()),
			}
			if exp := item.ExpiresAt(); exp > 0 {
				e.ExpiresAt = time.Unix(int64(exp), 0)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transform cache list: %w", err)
	}
	return entries, nil
}

// Purge deletes every stored transform and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return 0, err
	}
	err = c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, e := range entries {
			if err := txn.Delete(cacheKey(e.Key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("transform cache purge: %w", err)
	}
	c.logger.Info("transform cache purged", slog.Int("entries", len(entries)))
	return len(entries), nil
}

func cacheKey(key string) []byte {
	return []byte(cacheKeyPrefix + key)
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
