// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package strcache provides a content-addressed cache of interned
// byte-strings keyed by a 64-bit hash, shared across every reader that
// decodes an executable's symbol table.
package strcache

import (
	"hash/fnv"
	"sync"
)

// Cache maps a 64-bit content hash to the owned bytes it was computed
// from. All operations are safe under concurrent use.
type Cache struct {
	mu sync.RWMutex
	m  map[uint64][]byte
}

// New returns a Cache with the empty string pre-seeded at hash 0.
func New() *Cache {
	c := &Cache{m: make(map[uint64][]byte)}
	c.m[0] = []byte{}
	return c
}

// Hash returns the cache's 64-bit content hash for b. Hash does not
// itself touch the cache; it is exposed so callers can compute a key
// before deciding whether to Add.
func Hash(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// Add interns b, returning its hash. Repeated inserts of equal content
// are idempotent: the first writer wins and later callers get the same
// hash back without allocating again.
func (c *Cache) Add(b []byte) uint64 {
	h := Hash(b)
	c.mu.RLock()
	_, ok := c.m[h]
	c.mu.RUnlock()
	if ok {
		return h
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[h]; !ok {
		owned := make([]byte, len(b))
		copy(owned, b)
		c.m[h] = owned
	}
	return h
}

// AddString is a convenience wrapper around Add for string values.
func (c *Cache) AddString(s string) uint64 {
	return c.Add([]byte(s))
}

// Get returns the bytes for hash h, if present.
func (c *Cache) Get(h uint64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.m[h]
	return b, ok
}

// GetString is a convenience wrapper around Get for string values.
func (c *Cache) GetString(h uint64) (string, bool) {
	b, ok := c.Get(h)
	if !ok {
		return "", false
	}
	return string(b), true
}

// Len reports the number of distinct strings interned, including the
// empty string.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
