// Copyright 2024 Nimbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refresh

import (
	"crypto/rsa"
	"sync"
	"time"

	"github.com/nimbusdb/connector-go/instance"
	"github.com/nimbusdb/connector-go/internal/debug"
	"github.com/nimbusdb/connector-go/internal/telemetry"
)

// Cache is a process-wide (or rather, connector-wide) mapping from instance
// URI to its Refresher. Entries are created lazily on first Get and removed
// by Evict or Close.
type Cache struct {
	client  Client
	key     *rsa.PrivateKey
	timeout time.Duration
	logger  debug.ContextLogger
	rec     telemetry.Recorder

	mu      sync.Mutex
	entries map[instance.URI]*Refresher
}

// NewCache builds an empty Cache. client is shared across every Refresher
// the cache creates; key, if non-nil, is reused by every refresher in
// place of the process-wide DefaultKey (the connector passes the key set
// with WithRSAKey here).
func NewCache(client Client, key *rsa.PrivateKey, timeout time.Duration, logger debug.ContextLogger, rec telemetry.Recorder) *Cache {
	return &Cache{
		client:  client,
		key:     key,
		timeout: timeout,
		logger:  logger,
		rec:     rec,
		entries: make(map[instance.URI]*Refresher),
	}
}

// Get returns the Refresher for uri, creating one under the cache's mutex
// if none exists yet. Creation never blocks on the new refresher's first
// fetch.
func (c *Cache) Get(uri instance.URI) *Refresher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.entries[uri]; ok {
		return r
	}
	r := NewRefresher(uri, c.client, c.key, c.timeout, c.logger, c.rec)
	c.entries[uri] = r
	return r
}

// Evict removes and closes the refresher for uri, if present.
func (c *Cache) Evict(uri instance.URI) {
	c.mu.Lock()
	r, ok := c.entries[uri]
	delete(c.entries, uri)
	c.mu.Unlock()
	if ok {
		_ = r.Close()
	}
}

// Len reports the number of cached entries, chiefly for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close evicts and closes every cached refresher.
func (c *Cache) Close() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[instance.URI]*Refresher)
	c.mu.Unlock()
	for _, r := range entries {
		_ = r.Close()
	}
	return nil
}
