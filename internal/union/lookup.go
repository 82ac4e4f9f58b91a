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
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lockorder"
	"stackfs/internal/lowerfs"
	"stackfs/internal/whiteout"
)

// maxRelock bounds how often an operation retries after the entry it
// locked was moved or removed underneath it.
const maxRelock = 16

type found struct {
	b    int
	attr *lowerfs.Attr
}

// resolved is the outcome of looking a name up across the branches.
type resolved struct {
	found   []found
	bwh     int
	bdiropq int
}

func (r *resolved) positive() bool { return len(r.found) > 0 }

// resolveName looks name up below directory p, from branch index from down
// to the deepest branch p shows. A whiteout stops the scan. The first hit
// fixes the wanted type: a non-directory stops there, a directory collects
// every lower directory until an opaque one, and a lower object of another
// type ends it. Caller holds p.mu.
func (m *Mount) resolveName(p *Dentry, name string, from int) (*resolved, error) {
	r := &resolved{bwh: noBranch, bdiropq: noBranch}
	if !p.isDir() {
		return r, nil
	}
	dir := m.path(p)
	path := common.JoinPath(dir, name)
	for b := max(from, p.bstart); b <= p.tail(); b++ {
		if e := p.at(b); !e.present || !e.isDir() {
			continue
		}
		br := m.tbl.At(b)
		if br.Perm().WhiteoutAware() {
			wh, err := whiteout.Lookup(br, dir, name)
			if err != nil {
				return nil, fmt.Errorf("%w: whiteout of %s on %s: %v", common.ErrIO, path, br, err)
			}
			if wh {
				r.bwh = b
				break
			}
		}
		attr, err := br.FS().Lookup(path)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrNotDir) {
				continue
			}
			return nil, err
		}
		if len(r.found) > 0 && !attr.IsDir() {
			// a lower non-directory ends a directory
			break
		}
		r.found = append(r.found, found{b: b, attr: attr})
		if !attr.IsDir() {
			break
		}
		if br.Perm().WhiteoutAware() {
			opq, err := whiteout.IsOpaque(br, path)
			if err != nil {
				return nil, fmt.Errorf("%w: opaque marker of %s on %s: %v", common.ErrIO, path, br, err)
			}
			if opq {
				r.bdiropq = b
				break
			}
		}
	}
	return r, nil
}

// visibleBelow reports whether name shows through below branch index b.
func (m *Mount) visibleBelow(p *Dentry, name string, b int) (bool, error) {
	r, err := m.resolveName(p, name, b+1)
	if err != nil {
		return false, err
	}
	return r.positive(), nil
}

// apply installs a lookup result into d. Caller holds d.mu and p.mu.
func (m *Mount) apply(d *Dentry, r *resolved) error {
	m.clearLower(d)
	d.setWhiteout(noBranch, noBranch)
	if r.bwh >= 0 {
		d.setWhiteout(r.bwh, m.tbl.At(r.bwh).ID())
	}
	if !r.positive() {
		m.bindNode(d, 0)
		return nil
	}
	for _, f := range r.found {
		m.setLower(d, f.b, lowerEntry{id: m.tbl.At(f.b).ID(), ino: f.attr.Ino, mode: f.attr.Mode})
	}
	if r.bdiropq >= 0 {
		d.setOpaque(r.bdiropq, m.tbl.At(r.bdiropq).ID())
	}

	top := r.found[0]
	ino, err := m.inoFor(m.tbl.At(top.b), top.attr.Ino, false)
	if err != nil {
		m.clearLower(d)
		m.bindNode(d, 0)
		return err
	}
	n := m.bindNode(d, ino)
	n.setAttr(top.attr)
	for _, f := range r.found {
		n.setLocal(m.tbl.At(f.b).ID(), f.attr.Ino)
	}
	if top.attr.IsDir() {
		// the branches behind d may differ from the cached listing's
		n.touch()
		if m.watcher != nil {
			path := m.path(d)
			for _, f := range r.found {
				m.watcher.watchDir(m.tbl.At(f.b), path)
			}
		}
	} else if m.opts.Plink {
		m.attachPlink(d, n)
	}
	return nil
}

// attachPlink points a non-directory entry at the pseudo-link of its node
// on a writable branch above it, so every name of a copied-up hard link
// reaches the copy.
func (m *Mount) attachPlink(d *Dentry, n *Node) {
	for b := 0; b < d.bstart; b++ {
		br := m.tbl.At(b)
		if !br.Perm().Writable() {
			continue
		}
		local, ok := m.plinks.lookup(n.ino, br.ID())
		if !ok {
			continue
		}
		attr, err := br.FS().Lookup(whiteout.PlinkPath(n.ino, local))
		if err != nil {
			log.Debugf("[plink] i%d on %s vanished: %v", n.ino, br, err)
			m.plinks.remove(n.ino, br.ID())
			continue
		}
		m.setLower(d, b, lowerEntry{id: br.ID(), ino: local, mode: attr.Mode, plink: true})
		n.setAttr(attr)
		n.setLocal(br.ID(), local)
		return
	}
}

// needsRefresh reports whether d must be looked up again before use.
// Caller holds d.mu and p.mu.
func (m *Mount) needsRefresh(d, p *Dentry) bool {
	if d == m.root {
		return false
	}
	if d.gen != m.gen.Load() || d.stale.Load() || d.sig != p.signature(m.tbl) {
		return true
	}
	if m.opts.Udba == UdbaReval && !m.primaryValid(d) {
		d.stale.Store(true)
		return true
	}
	return false
}

// primaryValid checks that the object d resolved to is still in place.
func (m *Mount) primaryValid(d *Dentry) bool {
	if !d.positive() {
		return false
	}
	e := d.at(d.bstart)
	attr, err := m.tbl.At(d.bstart).FS().Lookup(m.lowerPath(d, d.bstart))
	if err != nil {
		return false
	}
	return attr.Ino == e.ino && attr.Type() == e.mode&lowerfs.ModeType
}

// refresh brings d up to date with the branch table. Entries whose parent
// still shows the same branches only have their indices remapped; the
// others are looked up again. Caller holds d.mu and p.mu.
func (m *Mount) refresh(d, p *Dentry) error {
	m.refreshes.Add(1)
	sig := p.signature(m.tbl)
	full := d.gen == 0 || d.stale.Load() || d.sig != sig
	if !full && !m.remap(d) {
		full = true
	}
	if full {
		r, err := m.resolveName(p, d.name, 0)
		if err != nil {
			return err
		}
		if err := m.apply(d, r); err != nil {
			return err
		}
	}
	d.gen, d.sig = m.gen.Load(), sig
	d.stale.Store(false)
	return nil
}

// remap moves the branch objects of d to the current indices of their
// branches. It fails when one of them was removed.
func (m *Mount) remap(d *Dentry) bool {
	lower := make([]lowerEntry, m.tbl.Len())
	bstart, bend := noBranch, noBranch
	for _, e := range d.lower {
		if !e.present {
			continue
		}
		i := m.tbl.IndexOf(e.id)
		if i < 0 {
			return false
		}
		lower[i] = e
		if bstart < 0 || i < bstart {
			bstart = i
		}
		if i > bend {
			bend = i
		}
	}
	index := func(id branch.ID) (int, bool) {
		if id == noBranch {
			return noBranch, true
		}
		i := m.tbl.IndexOf(id)
		return i, i >= 0
	}
	bwh, ok := index(d.whID)
	if !ok {
		return false
	}
	bdiropq, ok := index(d.opqID)
	if !ok {
		return false
	}
	d.lower, d.bstart, d.bend, d.bwh, d.bdiropq = lower, bstart, bend, bwh, bdiropq
	return true
}

// stamp records that d was just made consistent with p.
func (m *Mount) stamp(d, p *Dentry) {
	d.gen, d.sig = m.gen.Load(), p.signature(m.tbl)
	d.stale.Store(false)
}

// freshen refreshes d when needed. Caller holds d.mu and p.mu for writing.
func (m *Mount) freshen(d, p *Dentry) error {
	if !m.needsRefresh(d, p) {
		return nil
	}
	return m.refresh(d, p)
}

// linked reports whether c is still the entry of its name under p.
func (m *Mount) linked(p, c *Dentry) bool {
	m.tree.RLock()
	defer m.tree.RUnlock()
	return c.parent == p && p.children[c.name] == c
}

// walk resolves path component by component and returns the entry of the
// last one, which may be negative. No locks are held on return.
func (o *op) walk(path string) (*Dentry, error) {
	d := o.m.root
	for _, name := range common.SplitPath(path) {
		c, err := o.step(d, name)
		if err != nil {
			return nil, err
		}
		d = c
	}
	return d, nil
}

// checkLookupName validates a path component. Names with the whiteout
// prefix belong to the union and never resolve.
func checkLookupName(name string) error {
	if err := common.ValidName(name); err != nil {
		return err
	}
	if whiteout.Reserved(name) {
		return fmt.Errorf("%w: %s", common.ErrNotFound, name)
	}
	return nil
}

// step resolves name below directory p.
func (o *op) step(p *Dentry, name string) (*Dentry, error) {
	if err := checkLookupName(name); err != nil {
		return nil, err
	}
	for i := 0; i < maxRelock; i++ {
		c, err := o.lockLinked(p, name)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		err = o.m.freshen(c, p)
		o.unlock(p)
		o.unlock(c)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s keeps changing", common.ErrStale, name)
}

// lockLinked write-locks the entry of name and its parent p. It returns nil
// without locks when the entry was replaced while waiting, and an error
// when p is no longer a live directory.
func (o *op) lockLinked(p *Dentry, name string) (*Dentry, error) {
	c := o.m.child(p, name)
	o.lock(c, lockorder.EntryChild)
	o.lock(p, lockorder.EntryParent)
	switch {
	case p.dead || !p.positive():
		o.unlock(p)
		o.unlock(c)
		return nil, fmt.Errorf("%w: parent of %s", common.ErrNotFound, name)
	case !p.isDir():
		o.unlock(p)
		o.unlock(c)
		return nil, fmt.Errorf("%w: parent of %s", common.ErrNotDir, name)
	case !o.m.linked(p, c):
		o.unlock(p)
		o.unlock(c)
		return nil, nil
	}
	return c, nil
}

// lockChild resolves path and returns its entry and the parent directory
// entry, both fresh and write-locked until the operation ends.
func (o *op) lockChild(path string) (p, c *Dentry, err error) {
	path = common.NormalizePath(path)
	name := common.BaseName(path)
	if name == "" {
		return nil, nil, fmt.Errorf("%w: the root has no parent", common.ErrBusy)
	}
	if err := checkLookupName(name); err != nil {
		return nil, nil, err
	}
	for i := 0; i < maxRelock; i++ {
		p, err = o.walk(common.ParentPath(path))
		if err != nil {
			return nil, nil, err
		}
		c, err = o.lockLinked(p, name)
		if err != nil {
			return nil, nil, err
		}
		if c == nil {
			continue
		}
		if err := o.m.freshen(c, p); err != nil {
			return nil, nil, err
		}
		return p, c, nil
	}
	return nil, nil, fmt.Errorf("%w: %s keeps changing", common.ErrStale, path)
}

// lockEntry write-locks d and its current parent. It fails with ErrStale
// once d was removed from the namespace.
func (o *op) lockEntry(d *Dentry) (p *Dentry, err error) {
	if d == o.m.root {
		o.lock(d, lockorder.EntryChild)
		return nil, nil
	}
	for i := 0; i < maxRelock; i++ {
		o.lock(d, lockorder.EntryChild)
		if d.dead {
			o.unlock(d)
			return nil, fmt.Errorf("%w: entry was removed", common.ErrStale)
		}
		o.m.tree.RLock()
		p = d.parent
		o.m.tree.RUnlock()
		o.lock(p, lockorder.EntryParent)
		if o.m.linked(p, d) {
			if err := o.m.freshen(d, p); err != nil {
				return nil, err
			}
			return p, nil
		}
		o.unlock(p)
		o.unlock(d)
	}
	return nil, fmt.Errorf("%w: entry keeps moving", common.ErrStale)
}
