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
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"stackfs/internal/branch"
	"stackfs/internal/lockorder"
	"stackfs/internal/lowerfs"
	"stackfs/internal/whiteout"
)

// noBranch marks an unset branch index or id.
const noBranch = -1

// lowerEntry is the object a dentry has on one branch.
type lowerEntry struct {
	id      branch.ID
	ino     uint64 // branch-local
	mode    uint32
	plink   bool // reached through the pseudo-link directory
	present bool
}

func (e lowerEntry) isDir() bool { return e.mode&lowerfs.ModeType == lowerfs.ModeDir }

// Dentry is one name of the merged namespace.
//
// name, parent and children belong to the mount tree lock. Everything
// else is guarded by mu. Branch references are kept as ids and mapped to
// table indices whenever the generation changes.
type Dentry struct {
	mu sync.RWMutex
	id uint64

	name     string
	parent   *Dentry
	children map[string]*Dentry

	gen     uint64
	sig     uint64 // parent branch set the entry was resolved against
	bstart  int
	bend    int
	bwh     int
	bdiropq int
	whID    branch.ID
	opqID   branch.ID
	lower   []lowerEntry // indexed by branch index
	ino     uint64       // union inode number, 0 when negative
	dead    bool

	stale atomic.Bool
	opens atomic.Int32
}

func newDentry(id uint64, name string, parent *Dentry) *Dentry {
	return &Dentry{
		id:      id,
		name:    name,
		parent:  parent,
		bstart:  noBranch,
		bend:    noBranch,
		bwh:     noBranch,
		bdiropq: noBranch,
		whID:    noBranch,
		opqID:   noBranch,
	}
}

func (d *Dentry) positive() bool { return d.bstart >= 0 }

func (d *Dentry) isDir() bool {
	return d.positive() && d.lower[d.bstart].isDir()
}

func (d *Dentry) mode() uint32 {
	if !d.positive() {
		return 0
	}
	return d.lower[d.bstart].mode
}

func (d *Dentry) at(b int) lowerEntry {
	if b < 0 || b >= len(d.lower) {
		return lowerEntry{}
	}
	return d.lower[b]
}

// tail is the deepest branch whose content shows through the directory.
func (d *Dentry) tail() int {
	if d.bdiropq >= 0 && d.bdiropq < d.bend {
		return d.bdiropq
	}
	return d.bend
}

// signature summarizes the branch set a directory contributes, so children
// can tell whether they must be resolved again.
func (d *Dentry) signature(tbl *branch.Table) uint64 {
	h := fnv.New64a()
	var buf [5]byte
	for b := d.bstart; b >= 0 && b <= d.tail(); b++ {
		e := d.at(b)
		if !e.present {
			continue
		}
		buf[0], buf[1], buf[2], buf[3] = byte(e.id), byte(e.id>>8), byte(e.id>>16), byte(e.id>>24)
		buf[4] = 0xff
		if br := tbl.At(b); br != nil && br.ID() == e.id {
			buf[4] = byte(br.Perm())
		}
		h.Write(buf[:])
	}
	buf[0] = byte(d.bdiropq)
	h.Write(buf[:1])
	return h.Sum64()
}

// path returns the union path. Caller holds the tree lock.
func (d *Dentry) pathLocked() string {
	if d.parent == nil {
		return ""
	}
	var parts []string
	for e := d; e.parent != nil; e = e.parent {
		parts = append(parts, e.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func (d *Dentry) depthLocked() int {
	n := 0
	for e := d; e.parent != nil; e = e.parent {
		n++
	}
	return n
}

// lowerPath is where the object of d lives on branch b.
func (m *Mount) lowerPath(d *Dentry, b int) string {
	if e := d.at(b); e.plink {
		return whiteout.PlinkPath(d.ino, e.ino)
	}
	return m.path(d)
}

func (m *Mount) path(d *Dentry) string {
	m.tree.RLock()
	defer m.tree.RUnlock()
	return d.pathLocked()
}

func (m *Mount) key(d *Dentry) lockorder.Key {
	m.tree.RLock()
	defer m.tree.RUnlock()
	return lockorder.Key{Depth: d.depthLocked(), ID: d.id}
}

// child returns the cached dentry of name under p, creating an unresolved
// one when absent.
func (m *Mount) child(p *Dentry, name string) *Dentry {
	m.tree.RLock()
	c := p.children[name]
	m.tree.RUnlock()
	if c != nil {
		return c
	}
	m.tree.Lock()
	defer m.tree.Unlock()
	if c = p.children[name]; c != nil {
		return c
	}
	if p.children == nil {
		p.children = map[string]*Dentry{}
	}
	c = newDentry(m.dentryIDs.Add(1), name, p)
	p.children[name] = c
	return c
}

// setLower records the object of d on branch b. Caller holds d.mu.
func (m *Mount) setLower(d *Dentry, b int, e lowerEntry) {
	for len(d.lower) <= b {
		d.lower = append(d.lower, lowerEntry{})
	}
	old := d.lower[b]
	e.present = true
	d.lower[b] = e
	if d != m.root {
		if old.present {
			m.putBranch(old.id)
		}
		m.tbl.At(b).Get()
	}
	if d.bstart < 0 || b < d.bstart {
		d.bstart = b
	}
	if b > d.bend {
		d.bend = b
	}
}

// clearLower forgets every branch object of d, turning it negative.
// Caller holds d.mu.
func (m *Mount) clearLower(d *Dentry) {
	if d != m.root {
		for _, e := range d.lower {
			if e.present {
				m.putBranch(e.id)
			}
		}
	}
	d.lower = nil
	d.bstart, d.bend = noBranch, noBranch
	d.bdiropq, d.opqID = noBranch, noBranch
}

// truncateLower keeps only the object on branch b.
func (m *Mount) truncateLower(d *Dentry, b int) {
	keep := d.at(b)
	m.clearLower(d)
	if keep.present {
		m.setLower(d, b, keep)
	}
}

func (m *Mount) putBranch(id branch.ID) {
	if i := m.tbl.IndexOf(id); i >= 0 {
		m.tbl.At(i).Put()
	}
}

func (d *Dentry) setWhiteout(b int, id branch.ID) {
	d.bwh, d.whID = b, id
}

func (d *Dentry) setOpaque(b int, id branch.ID) {
	d.bdiropq, d.opqID = b, id
}

// detach unlinks d from the tree and drops its cached subtree. Dentries
// pinned by open files stay alive but become unreachable. Caller holds
// d.mu.
func (m *Mount) detach(d *Dentry) {
	m.tree.Lock()
	if d.parent != nil && d.parent.children[d.name] == d {
		delete(d.parent.children, d.name)
	}
	children := d.children
	d.children = nil
	m.tree.Unlock()
	d.dead = true
	for _, c := range children {
		m.dropSubtree(c)
	}
}

// dropSubtree releases a detached subtree. Dentries with open files keep
// their branch references until the last close.
func (m *Mount) dropSubtree(d *Dentry) {
	d.mu.Lock()
	m.tree.Lock()
	children := d.children
	d.children = nil
	m.tree.Unlock()
	d.dead = true
	if d.opens.Load() == 0 {
		m.releaseDentry(d)
	}
	d.mu.Unlock()
	for _, c := range children {
		m.dropSubtree(c)
	}
}

// releaseDentry drops the branch and node references of d. Caller holds
// d.mu.
func (m *Mount) releaseDentry(d *Dentry) {
	ino := d.ino
	m.clearLower(d)
	d.ino = 0
	if ino != 0 {
		m.putNode(ino)
	}
}

// shrink drops every cached dentry not needed by an open file. Called with
// the mount lock held exclusively.
func (m *Mount) shrink() int {
	var walk func(d *Dentry) (int, bool)
	walk = func(d *Dentry) (dropped int, pinned bool) {
		m.tree.RLock()
		children := make([]*Dentry, 0, len(d.children))
		for _, c := range d.children {
			children = append(children, c)
		}
		m.tree.RUnlock()
		for _, c := range children {
			n, p := walk(c)
			dropped += n
			if p {
				pinned = true
				continue
			}
			m.tree.Lock()
			delete(d.children, c.name)
			m.tree.Unlock()
			c.mu.Lock()
			c.dead = true
			m.releaseDentry(c)
			c.mu.Unlock()
			dropped++
		}
		return dropped, pinned || d.opens.Load() > 0
	}
	n, _ := walk(m.root)
	return n
}
