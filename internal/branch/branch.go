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

// Package branch holds the branches of a union mount and their ordering.
package branch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"stackfs/internal/lowerfs"
	"stackfs/internal/xino"
)

// ID identifies a branch for the lifetime of a mount. IDs are never reused.
type ID int32

// Branch is one underlying filesystem in the stack.
type Branch struct {
	id   ID
	path string
	perm Perm
	fs   lowerfs.FS
	xino xino.Store

	// live objects (dentries, nodes, open files) holding this branch
	refs atomic.Int64

	dirs dirLocks

	// whiteout base state, guarded by whMu
	whMu   sync.RWMutex
	whBase bool
}

func newBranch(id ID, path string, perm Perm, fs lowerfs.FS) *Branch {
	return &Branch{id: id, path: path, perm: perm, fs: fs, dirs: dirLocks{m: map[string]*dirLock{}}}
}

func (b *Branch) ID() ID { return b.id }
func (b *Branch) Path() string { return b.path }
func (b *Branch) Perm() Perm { return b.perm }
func (b *Branch) FS() lowerfs.FS { return b.fs }
func (b *Branch) Xino() xino.Store { return b.xino }

// SetXino attaches the branch's external inode map.
func (b *Branch) SetXino(s xino.Store) { b.xino = s }

func (b *Branch) String() string {
	return fmt.Sprintf("b%d:%s=%s", b.id, b.path, b.perm)
}

// Get records one more live object referencing the branch.
func (b *Branch) Get() { b.refs.Add(1) }

// Put drops a reference taken with Get.
func (b *Branch) Put() {
	if b.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("branch %d: negative reference count", b.id))
	}
}

// Refs returns the live object count.
func (b *Branch) Refs() int64 { return b.refs.Load() }

// LockDir takes the exclusive lock of one directory inside the branch and
// returns the function releasing it.
func (b *Branch) LockDir(dir string) func() {
	l := b.dirs.lock(dir)
	return func() { b.dirs.unlock(dir, l) }
}

// LockDirs locks two directories in a stable order; used by rename.
func (b *Branch) LockDirs(a, c string) func() {
	if a == c {
		return b.LockDir(a)
	}
	if c < a {
		a, c = c, a
	}
	ua := b.LockDir(a)
	uc := b.LockDir(c)
	return func() {
		uc()
		ua()
	}
}

// WhiteoutBase reports whether the branch currently has a whiteout base
// object. The caller must hold the whiteout base lock.
func (b *Branch) WhiteoutBase() bool { return b.whBase }

// SetWhiteoutBase records the whiteout base state. The caller must hold
// the whiteout base lock for writing.
func (b *Branch) SetWhiteoutBase(ok bool) { b.whBase = ok }

// WhiteoutLock guards whiteout base reinitialization.
func (b *Branch) WhiteoutLock() *sync.RWMutex { return &b.whMu }

type dirLock struct {
	sync.Mutex
	refs int
}

type dirLocks struct {
	mu sync.Mutex
	m  map[string]*dirLock
}

func (d *dirLocks) lock(dir string) *dirLock {
	d.mu.Lock()
	l, ok := d.m[dir]
	if !ok {
		l = &dirLock{}
		d.m[dir] = l
	}
	l.refs++
	d.mu.Unlock()
	l.Lock()
	return l
}

func (d *dirLocks) unlock(dir string, l *dirLock) {
	l.Unlock()
	d.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(d.m, dir)
	}
	d.mu.Unlock()
}
