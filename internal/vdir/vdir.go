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

// Package vdir builds merged directory listings across branches.
//
// A Listing is immutable once built. Directory nodes cache the latest
// listing; every open directory handle reads through its own Cursor over a
// snapshot, so concurrent readers at different offsets never interfere.
package vdir

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/whiteout"
)

// DefaultBlockSize is the number of entries per listing block.
const DefaultBlockSize = 256

// Entry is one merged directory entry.
type Entry struct {
	Name string
	Ino  uint64 // union inode number
	Type uint32 // file type bits
}

// Listing is a deduplicated, whiteout-filtered directory listing stored
// as fixed-size blocks.
type Listing struct {
	blocks  [][]Entry
	bsize   int
	n       int
	index   map[string]int
	version uint64
	built   time.Time
}

// Len returns the number of entries.
func (l *Listing) Len() int { return l.n }

// Version is the directory version the listing was built from.
func (l *Listing) Version() uint64 { return l.version }

// Built returns the build time.
func (l *Listing) Built() time.Time { return l.built }

// At returns the entry at serial position i.
func (l *Listing) At(i int) (Entry, bool) {
	if i < 0 || i >= l.n {
		return Entry{}, false
	}
	return l.blocks[i/l.bsize][i%l.bsize], true
}

// Lookup returns the entry called name.
func (l *Listing) Lookup(name string) (Entry, bool) {
	i, ok := l.index[name]
	if !ok {
		return Entry{}, false
	}
	return l.At(i)
}

// Entries returns every entry in listing order.
func (l *Listing) Entries() []Entry {
	out := make([]Entry, 0, l.n)
	for _, b := range l.blocks {
		out = append(out, b...)
	}
	return out
}

func (l *Listing) append(e Entry) {
	if len(l.blocks) == 0 || len(l.blocks[len(l.blocks)-1]) == l.bsize {
		l.blocks = append(l.blocks, make([]Entry, 0, l.bsize))
	}
	last := len(l.blocks) - 1
	l.blocks[last] = append(l.blocks[last], e)
	l.index[e.Name] = l.n
	l.n++
}

// Source is the raw content of one contributing branch directory.
type Source struct {
	Entries []lowerfs.DirEntry
	// WhiteoutAware branches have their whiteouts honored.
	WhiteoutAware bool
}

// InoFunc returns the union inode number of raw entry e of sources[src].
type InoFunc func(src int, e lowerfs.DirEntry) (uint64, error)

// Build merges sources, given in priority order, into a Listing.
//
// A whiteout hides its name in its own branch and every lower one. The
// first branch that shows a name wins. Metadata names are never listed.
func Build(sources []Source, ino InoFunc, blockSize int, version uint64) (*Listing, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	l := &Listing{bsize: blockSize, index: map[string]int{}, version: version, built: time.Now()}
	hidden := map[string]struct{}{}

	for i, src := range sources {
		if src.WhiteoutAware {
			for _, e := range src.Entries {
				if name, ok := whiteout.Strip(e.Name); ok {
					hidden[name] = struct{}{}
				}
			}
		}
		for _, e := range src.Entries {
			if e.Name == "." || e.Name == ".." || whiteout.Reserved(e.Name) {
				continue
			}
			if _, ok := l.index[e.Name]; ok {
				continue
			}
			if _, ok := hidden[e.Name]; ok {
				continue
			}
			n, err := ino(i, e)
			if err != nil {
				return nil, fmt.Errorf("inode number of %s: %w", e.Name, err)
			}
			l.append(Entry{Name: e.Name, Ino: n, Type: e.Type})
		}
	}
	log.Tracef("[vdir] built %d entries from %d branches", l.n, len(sources))
	return l, nil
}

// Cursor reads a listing snapshot from a position.
type Cursor struct {
	l   *Listing
	pos int
}

// NewCursor positions a cursor at the start of l.
func NewCursor(l *Listing) *Cursor { return &Cursor{l: l} }

// Listing returns the snapshot the cursor reads.
func (c *Cursor) Listing() *Listing { return c.l }

// Pos returns the serial position of the next entry.
func (c *Cursor) Pos() int { return c.pos }

// Next returns up to n entries and advances. n <= 0 reads the rest.
func (c *Cursor) Next(n int) []Entry {
	left := c.l.n - c.pos
	if n <= 0 || n > left {
		n = left
	}
	out := make([]Entry, 0, n)
	for len(out) < n {
		b, off := c.pos/c.l.bsize, c.pos%c.l.bsize
		take := c.l.blocks[b][off:]
		if len(take) > n-len(out) {
			take = take[:n-len(out)]
		}
		out = append(out, take...)
		c.pos += len(take)
	}
	return out
}

// Seek moves to serial position pos. Seeking to the end is allowed.
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > c.l.n {
		return fmt.Errorf("%w: directory offset %d of %d", common.ErrInvalidArgument, pos, c.l.n)
	}
	c.pos = pos
	return nil
}

// Reset replaces the snapshot and rewinds.
func (c *Cursor) Reset(l *Listing) {
	c.l = l
	c.pos = 0
}
