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

package union

import (
	"fmt"
	"sync"

	"stackfs/internal/branch"
	"stackfs/internal/common"
)

// HandleID names an open file of the mount.
type HandleID uint64

// handleTable tracks the open files of a mount.
type handleTable struct {
	mu    sync.RWMutex
	files map[HandleID]*File
	next  HandleID
}

func newHandleTable() *handleTable {
	return &handleTable{
		files: make(map[HandleID]*File),
		next:  1,
	}
}

func (t *handleTable) add(f *File) HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.files[h] = f
	return h
}

func (t *handleTable) get(h HandleID) (*File, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.files[h]
	return f, ok
}

func (t *handleTable) remove(h HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, h)
}

func (t *handleTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// downgrade makes the write handles open on branch id read-only and
// returns how many there were.
func (t *handleTable) downgrade(id branch.ID) int {
	t.mu.RLock()
	files := make([]*File, 0, len(t.files))
	for _, f := range t.files {
		files = append(files, f)
	}
	t.mu.RUnlock()

	n := 0
	for _, f := range files {
		f.mu.Lock()
		if f.lf != nil && f.brID == id && f.writable && !f.downgraded {
			f.downgraded = true
			n++
		}
		f.mu.Unlock()
	}
	return n
}

// Handle returns the open file h.
func (m *Mount) Handle(h HandleID) (*File, error) {
	f, ok := m.handles.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", common.ErrInvalidHandle, h)
	}
	return f, nil
}

// OpenFiles returns the number of open files.
func (m *Mount) OpenFiles() int { return m.handles.count() }
