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

package branch

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
)

// MaxBranches is the largest stack a mount accepts.
const MaxBranches = 127

// Filesystem magics refused as branches.
const (
	aufsMagic    = 0x61756673
	overlayMagic = 0x794c7630
	nfsMagic     = 0x6969
)

// Table is the ordered branch stack of a mount. Index 0 has the highest
// priority. The table is not safe for concurrent mutation; the owning mount
// serializes changes under its exclusive lock.
type Table struct {
	branches    []*Branch
	nextID      ID
	mountPoint  string
	allowRemote bool
}

// NewTable creates an empty table. mountPoint, when set, is the host path
// the union is mounted on; no branch may overlap it.
func NewTable(mountPoint string, allowRemote bool) *Table {
	return &Table{mountPoint: mountPoint, allowRemote: allowRemote}
}

// Len returns the number of branches.
func (t *Table) Len() int { return len(t.branches) }

// At returns the branch at index i, or nil when out of range.
func (t *Table) At(i int) *Branch {
	if i < 0 || i >= len(t.branches) {
		return nil
	}
	return t.branches[i]
}

// All returns a copy of the ordered branch list.
func (t *Table) All() []*Branch {
	out := make([]*Branch, len(t.branches))
	copy(out, t.branches)
	return out
}

// FindByID returns the current index of the branch with the given id.
func (t *Table) FindByID(id ID) (int, error) {
	for i, b := range t.branches {
		if b.id == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("branch id %d: %w", id, common.ErrNotFound)
}

// IndexOf is FindByID returning -1 for unknown ids.
func (t *Table) IndexOf(id ID) int {
	i, _ := t.FindByID(id)
	return i
}

// Add inserts a branch at pos (-1 appends).
func (t *Table) Add(pos int, path string, perm Perm, fs lowerfs.FS) (*Branch, error) {
	if pos < 0 || pos > len(t.branches) {
		pos = len(t.branches)
	}
	if len(t.branches) >= MaxBranches {
		return nil, fmt.Errorf("%w: at most %d branches", common.ErrInvalidArgument, MaxBranches)
	}
	if err := t.checkCandidate(path, fs); err != nil {
		return nil, err
	}

	b := newBranch(t.nextID, path, perm, fs)
	t.nextID++
	t.branches = append(t.branches, nil)
	copy(t.branches[pos+1:], t.branches[pos:])
	t.branches[pos] = b
	log.Debugf("[branch] added %s at %d", b, pos)
	return b, nil
}

func (t *Table) checkCandidate(path string, fs lowerfs.FS) error {
	root := fs.Root()
	for _, b := range t.branches {
		if common.Overlaps(b.fs.Root(), root) {
			return fmt.Errorf("%w: %w: %s and %s", common.ErrInvalidArgument, common.ErrOverlap, root, b.fs.Root())
		}
	}
	if t.mountPoint != "" && strings.HasPrefix(root, "/") && common.Overlaps(t.mountPoint, root) {
		return fmt.Errorf("%w: %w: %s overlaps the mount point %s", common.ErrInvalidArgument, common.ErrOverlap, root, t.mountPoint)
	}
	st, err := fs.StatFS()
	if err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}
	switch st.Type {
	case aufsMagic, overlayMagic:
		return fmt.Errorf("%w: %s is itself a union filesystem", common.ErrInvalidArgument, path)
	case nfsMagic:
		if !t.allowRemote {
			return fmt.Errorf("%w: %s is a remote filesystem", common.ErrInvalidArgument, path)
		}
	}
	return nil
}

// Delete removes the branch at pos. It fails with ErrBusy while live
// objects still reference the branch or when it is the last one.
func (t *Table) Delete(pos int) (*Branch, error) {
	b := t.At(pos)
	if b == nil {
		return nil, fmt.Errorf("%w: no branch at index %d", common.ErrInvalidArgument, pos)
	}
	if len(t.branches) == 1 {
		return nil, fmt.Errorf("%w: cannot delete the last branch", common.ErrBusy)
	}
	if n := b.Refs(); n > 0 {
		return nil, fmt.Errorf("%w: branch %s has %d live objects", common.ErrBusy, b, n)
	}
	t.branches = append(t.branches[:pos], t.branches[pos+1:]...)
	log.Debugf("[branch] deleted %s from %d", b, pos)
	return b, nil
}

// ModifyPerm changes the permission of the branch at pos and returns the
// previous one. Handle downgrades and whiteout base upkeep are the
// caller's job.
func (t *Table) ModifyPerm(pos int, perm Perm) (Perm, error) {
	b := t.At(pos)
	if b == nil {
		return 0, fmt.Errorf("%w: no branch at index %d", common.ErrInvalidArgument, pos)
	}
	old := b.perm
	b.perm = perm
	log.Debugf("[branch] %s permission %s -> %s", b, old, perm)
	return old, nil
}

// TopWritable returns the nearest writable branch at index from or at a
// higher priority, or -1.
func (t *Table) TopWritable(from int) int {
	if from >= len(t.branches) {
		from = len(t.branches) - 1
	}
	for i := from; i >= 0; i-- {
		if t.branches[i].perm.Writable() {
			return i
		}
	}
	return -1
}

// AnyWritable returns the highest-priority writable branch, or -1.
func (t *Table) AnyWritable() int {
	for i, b := range t.branches {
		if b.perm.Writable() {
			return i
		}
	}
	return -1
}
