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
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lockorder"
)

// recoverPanic turns a panic inside an operation into ErrIO so a single
// bad request cannot take down a file server.
func recoverPanic(op string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[union] PANIC RECOVERED in %s: %v\nStack:\n%s", op, r, debug.Stack())
		if err != nil {
			*err = fmt.Errorf("%w: panic in %s", common.ErrIO, op)
		}
	}
}

type heldLock struct {
	role   lockorder.Role
	key    lockorder.Key
	d      *Dentry
	unlock func()
}

// op is one union operation: it holds the mount lock shared and records
// every lock taken so they are released in reverse order by end.
type op struct {
	m    *Mount
	ctx  context.Context
	name string
	t    *lockorder.Tracker
	held []heldLock
}

func (m *Mount) begin(ctx context.Context, name string) (*op, error) {
	o := &op{m: m, ctx: ctx, name: name, t: lockorder.Begin(name)}
	o.t.Acquire(lockorder.Mount, lockorder.Key{})
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		o.t.Release(lockorder.Mount, lockorder.Key{})
		return nil, errClosed
	}
	return o, nil
}

func (o *op) end() {
	for i := len(o.held) - 1; i >= 0; i-- {
		h := o.held[i]
		h.unlock()
		o.t.Release(h.role, h.key)
	}
	o.held = nil
	o.m.mu.RUnlock()
	o.t.Release(lockorder.Mount, lockorder.Key{})
	o.t.End()
}

func (o *op) push(role lockorder.Role, key lockorder.Key, d *Dentry, unlock func()) {
	o.held = append(o.held, heldLock{role: role, key: key, d: d, unlock: unlock})
}

// lockRename serializes operations that move or remove directories.
func (o *op) lockRename() {
	o.t.Acquire(lockorder.Rename, lockorder.Key{})
	o.m.renameMu.Lock()
	o.push(lockorder.Rename, lockorder.Key{}, nil, o.m.renameMu.Unlock)
}

// lock takes the entry lock of d for writing. Entries are locked deeper
// first, ties broken by id.
func (o *op) lock(d *Dentry, role lockorder.Role) {
	k := o.m.key(d)
	o.t.Acquire(role, k)
	d.mu.Lock()
	o.push(role, k, d, d.mu.Unlock)
}

func (o *op) rlock(d *Dentry, role lockorder.Role) {
	k := o.m.key(d)
	o.t.Acquire(role, k)
	d.mu.RLock()
	o.push(role, k, d, d.mu.RUnlock)
}

// holds reports whether the operation holds the entry lock of d.
func (o *op) holds(d *Dentry) bool {
	for _, h := range o.held {
		if h.d == d {
			return true
		}
	}
	return false
}

// unlock releases the entry lock of d ahead of end.
func (o *op) unlock(d *Dentry) {
	for i := len(o.held) - 1; i >= 0; i-- {
		if h := o.held[i]; h.d == d {
			h.unlock()
			o.t.Release(h.role, h.key)
			o.held = append(o.held[:i], o.held[i+1:]...)
			return
		}
	}
}

// lockDir takes the branch lock of directory dir on br.
func (o *op) lockDir(br *branch.Branch, dir string) {
	o.t.Acquire(lockorder.BranchDir, lockorder.Key{})
	o.push(lockorder.BranchDir, lockorder.Key{}, nil, br.LockDir(dir))
}

// lockDirs takes the branch locks of two directories on br.
func (o *op) lockDirs(br *branch.Branch, a, b string) {
	o.t.Acquire(lockorder.BranchDir, lockorder.Key{})
	o.push(lockorder.BranchDir, lockorder.Key{}, nil, br.LockDirs(a, b))
}

// unlockDirs releases the branch directory locks taken last.
func (o *op) unlockDirs() {
	for i := len(o.held) - 1; i >= 0; i-- {
		if h := o.held[i]; h.role == lockorder.BranchDir {
			h.unlock()
			o.t.Release(h.role, h.key)
			o.held = append(o.held[:i], o.held[i+1:]...)
		}
	}
}

// lockSorted write-locks a set of entries in lock order. Duplicates are
// locked once.
func (o *op) lockSorted(ds ...*Dentry) {
	type keyed struct {
		d *Dentry
		k lockorder.Key
	}
	var ks []keyed
	for _, d := range ds {
		dup := false
		for _, e := range ks {
			if e.d == d {
				dup = true
				break
			}
		}
		if !dup {
			ks = append(ks, keyed{d: d, k: o.m.key(d)})
		}
	}
	sort.Slice(ks, func(i, j int) bool {
		a, b := ks[i].k, ks[j].k
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		return a.ID < b.ID
	})
	for _, e := range ks {
		o.lock(e.d, lockorder.EntryChild)
	}
}

// unlockAll releases the entry locks of ds.
func (o *op) unlockAll(ds ...*Dentry) {
	for _, d := range ds {
		if o.holds(d) {
			o.unlock(d)
		}
	}
}
