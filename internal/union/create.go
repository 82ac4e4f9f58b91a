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
	"time"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/whiteout"
)

// makeFunc creates one object on a branch.
type makeFunc func(fs lowerfs.FS, path string) (*lowerfs.Attr, error)

// Create creates a regular file.
func (m *Mount) Create(ctx context.Context, path string, mode uint32) (attr *lowerfs.Attr, err error) {
	defer recoverPanic("Create", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Create %q → %v (%v)", path, err, time.Since(start)) }()
	}
	return m.create(ctx, "Create", path, false, func(fs lowerfs.FS, p string) (*lowerfs.Attr, error) {
		return fs.Create(p, mode&lowerfs.ModePerm)
	})
}

// Mkdir creates a directory.
func (m *Mount) Mkdir(ctx context.Context, path string, mode uint32) (attr *lowerfs.Attr, err error) {
	defer recoverPanic("Mkdir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Mkdir %q → %v (%v)", path, err, time.Since(start)) }()
	}
	return m.create(ctx, "Mkdir", path, true, func(fs lowerfs.FS, p string) (*lowerfs.Attr, error) {
		return fs.Mkdir(p, mode&lowerfs.ModePerm)
	})
}

// Mknod creates a device node, FIFO or socket. mode carries the type bits.
func (m *Mount) Mknod(ctx context.Context, path string, mode uint32, rdev uint64) (attr *lowerfs.Attr, err error) {
	defer recoverPanic("Mknod", &err)
	switch mode & lowerfs.ModeType {
	case lowerfs.ModeChar, lowerfs.ModeBlock, lowerfs.ModeFIFO, lowerfs.ModeSocket:
	case 0, lowerfs.ModeRegular:
		return m.Create(ctx, path, mode)
	default:
		return nil, fmt.Errorf("%w: mknod type %o", common.ErrInvalidArgument, mode&lowerfs.ModeType)
	}
	return m.create(ctx, "Mknod", path, false, func(fs lowerfs.FS, p string) (*lowerfs.Attr, error) {
		return fs.Mknod(p, mode, rdev)
	})
}

// Symlink creates a symbolic link at path pointing to target.
func (m *Mount) Symlink(ctx context.Context, target, path string) (attr *lowerfs.Attr, err error) {
	defer recoverPanic("Symlink", &err)
	if target == "" {
		return nil, fmt.Errorf("%w: empty symlink target", common.ErrInvalidArgument)
	}
	return m.create(ctx, "Symlink", path, false, func(fs lowerfs.FS, p string) (*lowerfs.Attr, error) {
		return fs.Symlink(target, p)
	})
}

func (m *Mount) create(ctx context.Context, name, path string, isDir bool, mk makeFunc) (*lowerfs.Attr, error) {
	o, err := m.begin(ctx, name)
	if err != nil {
		return nil, err
	}
	defer o.end()
	if err := whiteout.CheckName(common.BaseName(path)); err != nil {
		return nil, err
	}
	p, d, err := o.lockChild(path)
	if err != nil {
		return nil, err
	}
	if d.positive() {
		return nil, fmt.Errorf("%w: %s", common.ErrExists, path)
	}
	bdst, err := o.wrBranch(p)
	if err != nil {
		return nil, err
	}
	return o.createAt(p, d, bdst, isDir, mk)
}

// createAt creates the object of negative entry d on branch bdst, where
// its parent p already exists. A whiteout of the name at bdst is consumed.
// Caller holds d.mu and p.mu for writing.
func (o *op) createAt(p, d *Dentry, bdst int, isDir bool, mk makeFunc) (*lowerfs.Attr, error) {
	m := o.m
	br := m.tbl.At(bdst)
	dir, path := m.path(p), m.path(d)
	o.lockDir(br, dir)
	defer o.unlockDirs()

	hadWh := d.bwh == bdst
	if !hadWh && br.Perm().WhiteoutAware() {
		// the cached entry may predate a whiteout made behind our back
		wh, err := whiteout.Lookup(br, dir, d.name)
		if err != nil {
			return nil, err
		}
		hadWh = wh
	}

	attr, err := mk(br.FS(), path)
	if err != nil {
		return nil, err
	}
	undo := func(err error) (*lowerfs.Attr, error) {
		if isDir {
			if rerr := whiteout.RemoveDir(br, path); rerr != nil {
				log.Warnf("[union] roll back %s on %s: %v", path, br, rerr)
			}
		} else {
			removeObject(br.FS(), path, attr)
		}
		return nil, err
	}

	opaque := isDir && (hadWh || m.opts.AlwaysDiropq)
	if opaque {
		if err := whiteout.MarkOpaque(o.ctx, br, path); err != nil {
			return undo(err)
		}
	}
	ino, err := m.inoFor(br, attr.Ino, true)
	if err != nil {
		return undo(err)
	}
	if hadWh {
		if err := whiteout.Remove(br, dir, d.name); err != nil {
			m.eraseIno(br, attr.Ino)
			return undo(err)
		}
	}

	m.clearLower(d)
	if hadWh || d.bwh < bdst {
		d.setWhiteout(noBranch, noBranch)
	}
	m.setLower(d, bdst, lowerEntry{id: br.ID(), ino: attr.Ino, mode: attr.Mode})
	if opaque {
		d.setOpaque(bdst, br.ID())
	}
	n := m.bindNode(d, ino)
	n.setAttr(attr)
	n.setLocal(br.ID(), attr.Ino)
	m.stamp(d, p)
	m.touchParent(p, bdst)

	out := *attr
	out.Ino = ino
	log.Debugf("[union] created %s on %s as i%d", path, br, ino)
	return &out, nil
}

// touchParent records an entry change in directory p made on branch b.
// Caller holds p.mu.
func (m *Mount) touchParent(p *Dentry, b int) {
	n := m.node(p.ino)
	if n == nil {
		return
	}
	n.touch()
	if b == p.bstart {
		if a, err := m.tbl.At(b).FS().Lookup(m.path(p)); err == nil {
			n.setAttr(a)
		}
	}
}

// Link gives the object at oldpath the additional name newpath.
func (m *Mount) Link(ctx context.Context, oldpath, newpath string) (attr *lowerfs.Attr, err error) {
	defer recoverPanic("Link", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Link %q %q → %v (%v)", oldpath, newpath, err, time.Since(start)) }()
	}
	o, err := m.begin(ctx, "Link")
	if err != nil {
		return nil, err
	}
	defer o.end()
	o.lockRename()

	pr, err := o.lockPair(oldpath, newpath)
	if err != nil {
		return nil, err
	}
	sp, src, dp, dst, bdst := pr.sp, pr.src, pr.dp, pr.dst, pr.bdst
	if !src.positive() {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, oldpath)
	}
	if src.isDir() {
		return nil, fmt.Errorf("%w: hard link to directory %s", common.ErrPermission, oldpath)
	}
	if dst.positive() {
		return nil, fmt.Errorf("%w: %s", common.ErrExists, newpath)
	}
	if dst.bwh != noBranch && dst.bwh < bdst {
		return nil, fmt.Errorf("%w: %s is whited out above the writable branches", common.ErrReadOnly, newpath)
	}

	// the new name must be on the branch of the object: reuse a copy there,
	// a pseudo-link, or copy the object up
	if e := src.at(bdst); !e.present {
		if err := o.copyUp(sp, src, bdst, -1); err != nil {
			return nil, err
		}
	}
	br := m.tbl.At(bdst)
	dir := m.path(dp)
	o.lockDir(br, dir)
	defer o.unlockDirs()

	hadWh := dst.bwh == bdst
	a, err := br.FS().Link(m.lowerPath(src, bdst), m.path(dst))
	if err != nil {
		return nil, err
	}
	if hadWh {
		if err := whiteout.Remove(br, dir, dst.name); err != nil {
			if uerr := br.FS().Unlink(m.path(dst)); uerr != nil {
				log.Errorf("[union] roll back link %s: %v", newpath, uerr)
			}
			return nil, err
		}
	}

	m.clearLower(dst)
	if hadWh || dst.bwh < bdst {
		dst.setWhiteout(noBranch, noBranch)
	}
	m.setLower(dst, bdst, lowerEntry{id: br.ID(), ino: a.Ino, mode: a.Mode})
	n := m.bindNode(dst, src.ino)
	n.setAttr(a)
	n.setLocal(br.ID(), a.Ino)
	m.stamp(dst, dp)
	m.touchParent(dp, bdst)

	out := *a
	out.Ino = src.ino
	return &out, nil
}

// pair is the locked state of a two-name operation.
type pair struct {
	sp, src *Dentry
	dp, dst *Dentry
	bdst    int
}

// pairBranch returns the branch a two-name operation writes to: the
// nearest writable one at or above every branch where either name, its
// parent or a whiteout of the new name was found. Anything higher would
// keep showing through.
func (m *Mount) pairBranch(sp, src, dp, dst *Dentry) int {
	from := min(sp.bstart, src.bstart, dp.bstart)
	if dst.positive() {
		from = min(from, dst.bstart)
	}
	if dst.bwh != noBranch {
		from = min(from, dst.bwh)
	}
	if b := m.tbl.TopWritable(from); b >= 0 {
		return b
	}
	return m.tbl.AnyWritable()
}

// lockPair locks the entries of a two-name operation together with their
// parents, after making sure both parents exist on the branch the
// operation writes to. Caller holds the rename lock.
func (o *op) lockPair(oldpath, newpath string) (*pair, error) {
	m := o.m
	oldpath, newpath = common.NormalizePath(oldpath), common.NormalizePath(newpath)
	sname, dname := common.BaseName(oldpath), common.BaseName(newpath)
	if sname == "" || dname == "" {
		return nil, fmt.Errorf("%w: the root cannot be linked or moved", common.ErrBusy)
	}
	if err := whiteout.CheckName(dname); err != nil {
		return nil, err
	}

	for i := 0; i < maxRelock; i++ {
		// phase one: pick the branch from both names, then copy each
		// parent up on its own
		sp, src, err := o.lockChild(oldpath)
		if err != nil {
			return nil, err
		}
		if !src.positive() {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, oldpath)
		}
		o.unlockAll(src, sp)
		dp, dst, err := o.lockChild(newpath)
		if err != nil {
			return nil, err
		}
		bdst := m.pairBranch(sp, src, dp, dst)
		o.unlockAll(dst, dp)
		if bdst < 0 {
			return nil, fmt.Errorf("%w: no writable branch", common.ErrReadOnly)
		}
		if sp, src, err = o.lockChild(oldpath); err != nil {
			return nil, err
		}
		if err := o.copyUpDirs(sp, bdst); err != nil {
			return nil, err
		}
		o.unlockAll(src, sp)
		if dp, dst, err = o.lockChild(newpath); err != nil {
			return nil, err
		}
		if err := o.copyUpDirs(dp, bdst); err != nil {
			return nil, err
		}
		o.unlockAll(dst, dp)

		// phase two: lock all four entries in order
		src, dst = m.child(sp, sname), m.child(dp, dname)
		o.lockSorted(src, sp, dst, dp)
		if sp.dead || dp.dead || !m.linked(sp, src) || !m.linked(dp, dst) ||
			!sp.at(bdst).present || !dp.at(bdst).present {
			o.unlockAll(src, sp, dst, dp)
			continue
		}
		if err := m.freshen(src, sp); err != nil {
			return nil, err
		}
		if err := m.freshen(dst, dp); err != nil {
			return nil, err
		}
		if !src.positive() {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, oldpath)
		}
		if m.pairBranch(sp, src, dp, dst) != bdst {
			o.unlockAll(src, sp, dst, dp)
			continue
		}
		return &pair{sp: sp, src: src, dp: dp, dst: dst, bdst: bdst}, nil
	}
	return nil, fmt.Errorf("%w: %s or %s keeps changing", common.ErrStale, oldpath, newpath)
}
