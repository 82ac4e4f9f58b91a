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

package xino

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/common"
)

// reserveBatch is how many numbers are reserved on disk per high-water
// mark update. A crash loses at most one batch.
const reserveBatch = 1024

// Allocator hands out union inode numbers. Numbers are never reused while
// the allocator (or its persisted high-water mark) lives.
type Allocator struct {
	mu   sync.Mutex
	next uint64
	max  uint64

	// persisted high-water mark, nil for memory-only allocators
	f        *os.File
	reserved uint64
}

// NewAllocator returns a memory-only allocator starting at FirstIno.
func NewAllocator() *Allocator {
	return &Allocator{next: FirstIno, max: math.MaxUint64}
}

// OpenAllocator returns an allocator whose high-water mark lives in the
// file at path, so numbers handed out by an earlier mount are not reused.
func OpenAllocator(path string) (*Allocator, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open xino generation %s: %w", path, err)
	}
	var buf [RecordSize]byte
	a := &Allocator{next: FirstIno, max: math.MaxUint64, f: f}
	if _, err := f.ReadAt(buf[:], 0); err == nil {
		if hw := binary.LittleEndian.Uint64(buf[:]); hw > a.next {
			a.next = hw
		}
	} else if !errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("read xino generation %s: %w", path, err)
	}
	a.reserved = a.next
	log.Debugf("[xino] allocator resumes at %d", a.next)
	return a, nil
}

// SetMax lowers the ceiling of the number space.
func (a *Allocator) SetMax(max uint64) {
	a.mu.Lock()
	a.max = max
	a.mu.Unlock()
}

// Next returns a fresh union inode number. Running out of numbers, or
// failing to persist the high-water mark, yields ErrExhausted.
func (a *Allocator) Next() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next > a.max || a.next == 0 {
		return 0, fmt.Errorf("%w: union inode numbers", common.ErrExhausted)
	}
	if a.f != nil && a.next >= a.reserved {
		hw := a.next + reserveBatch
		if hw < a.next {
			hw = math.MaxUint64
		}
		var buf [RecordSize]byte
		binary.LittleEndian.PutUint64(buf[:], hw)
		if _, err := a.f.WriteAt(buf[:], 0); err != nil {
			return 0, fmt.Errorf("%w: persist xino generation: %v", common.ErrExhausted, err)
		}
		a.reserved = hw
	}
	n := a.next
	a.next++
	return n, nil
}

// Close persists the exact high-water mark and releases the file.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[:], a.next)
	_, err := a.f.WriteAt(buf[:], 0)
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	a.f = nil
	return err
}
