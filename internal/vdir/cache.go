// Copyright 2024 StackFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vdir

import (
	"sync"
	"time"
)

// Cache holds the latest listing of one directory node. A cached listing
// is valid while its version matches the directory version and it is not
// older than the maximum age (zero disables aging).
type Cache struct {
	mu     sync.Mutex
	l      *Listing
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates an empty cache.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{maxAge: maxAge, now: time.Now}
}

// Get returns the cached listing if still valid for version.
func (c *Cache) Get(version uint64) *Listing {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l == nil {
		return nil
	}
	if c.l.version != version || (c.maxAge > 0 && c.now().Sub(c.l.built) > c.maxAge) {
		c.l = nil
		return nil
	}
	return c.l
}

// Put stores l unless a listing of a newer version is already cached.
func (c *Cache) Put(l *Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.l != nil && c.l.version > l.version {
		return
	}
	c.l = l
}

// Invalidate drops the cached listing.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.l = nil
	c.mu.Unlock()
}
