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
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/bugpilot/services/logging"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(Config{InMemory: true})
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c := NewCache(openTestDB(t), 0, logging.Discard())

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "k1", []byte("wrapped output")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got) != "wrapped output" {
		t.Errorf("got %q", got)
	}

	if err := c.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Error("expected miss after delete")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewCache(openTestDB(t), time.Hour, logging.Discard())

	if err := c.SetWithTTL(ctx, "short", []byte("v"), time.Second); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	time.Sleep(2100 * time.Millisecond)
	if _, ok, err := c.Get(ctx, "short"); err != nil || ok {
		t.Fatalf("expected expired entry to miss, got ok=%v err=%v", ok, err)
	}
}

func TestCache_Closed(t *testing.T) {
	db := openTestDB(t)
	c := NewCache(db, 0, logging.Discard())
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, _, err := c.Get(context.Background(), "k")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Set(context.Background(), "k", []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCache_CanceledContext(t *testing.T) {
	c := NewCache(openTestDB(t), 0, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Set(ctx, "k", []byte("v")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKey(t *testing.T) {
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("length prefix must separate parts")
	}
	if Key("x") != Key("x") {
		t.Error("Key must be deterministic")
	}
	if len(Key()) != 64 {
		t.Errorf("expected hex sha256, got %q", Key())
	}
}

func TestOpenDB_RequiresPath(t *testing.T) {
	if _, err := OpenDB(Config{}); err == nil {
		t.Fatal("expected error without path")
	}

	db, err := OpenDB(Config{Path: t.TempDir(), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("OpenDB on disk: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCache_EntriesAndPurge(t *testing.T) {
	ctx := context.Background()
	c := NewCache(openTestDB(t), time.Hour, logging.Discard())

	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty cache, got %d entries", len(entries))
	}

	for _, k := range []string{"b", "a", "c"} {
		if err := c.Set(ctx, k, []byte("value-"+k)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	entries, err = c.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Key != "a" || entries[2].Key != "c" {
		t.Errorf("entries not in key order: %+v", entries)
	}
	if entries[0].Size != len("value-a") {
		t.Errorf("Size = %d", entries[0].Size)
	}
	if entries[0].ExpiresAt.IsZero() || time.Until(entries[0].ExpiresAt) > time.Hour {
		t.Errorf("unexpected expiry %v", entries[0].ExpiresAt)
	}

	n, err := c.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 3 {
		t.Errorf("Purge removed %d, want 3", n)
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("expected miss after purge")
	}
}
