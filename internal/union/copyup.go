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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lockorder"
	"stackfs/internal/lowerfs"
	"stackfs/internal/whiteout"
)

// wrBranch picks the branch that receives new objects below directory p and
// makes sure p exists there. Caller holds p.mu for writing.
func (o *op) wrBranch(p *Dentry) (int, error) {
	m := o.m
	b := m.tbl.TopWritable(p.bstart)
	if b < 0 {
		b = m.tbl.AnyWritable()
	}
	if b < 0 {
		return noBranch, fmt.Errorf("%w: no writable branch", common.ErrReadOnly)
	}
	if err := o.copyUpDirs(p, b); err != nil {
		return noBranch, err
	}
	return b, nil
}

// copyUpDirs recreates directory p and every missing ancestor on branch
// bdst, top down, with the attributes of their current top copies. On
// failure the directories created so far are removed again. Caller holds
// p.mu for writing.
func (o *op) copyUpDirs(p *Dentry, bdst int) error {
	m := o.m
	if p.at(bdst).present {
		return nil
	}
	chain := []*Dentry{p}
	var taken []*Dentry
	defer func() {
		for _, a := range taken {
			o.unlock(a)
		}
	}()
	for d := p; ; {
		m.tree.RLock()
		a := d.parent
		m.tree.RUnlock()
		if a == nil {
			break
		}
		if !o.holds(a) {
			o.lock(a, lockorder.EntryParent)
			taken = append(taken, a)
		}
		chain = append(chain, a)
		if a.at(bdst).present {
			break
		}
		d = a
	}
	top := chain[len(chain)-1]
	if !top.at(bdst).present {
		return fmt.Errorf("%w: branch %d has no root", common.ErrIO, bdst)
	}

	var created []*Dentry
	for i := len(chain) - 2; i >= 0; i-- {
		d, parent := chain[i], chain[i+1]
		if err := o.copyUpDir(parent, d, bdst); err != nil {
			for j := len(created) - 1; j >= 0; j-- {
				o.undoCopyUpDir(created[j], bdst)
			}
			return err
		}
		created = append(created, d)
	}
	return nil
}

func (o *op) copyUpDir(parent, d *Dentry, bdst int) error {
	m := o.m
	if !d.isDir() {
		return fmt.Errorf("%w: %s", common.ErrNotDir, m.path(d))
	}
	br := m.tbl.At(bdst)
	dir, path := m.path(parent), m.path(d)
	src := m.tbl.At(d.bstart)
	attr, err := src.FS().Lookup(m.lowerPath(d, d.bstart))
	if err != nil {
		return err
	}

	unlock := br.LockDir(dir)
	defer unlock()
	ptimes := parentTimes(br, dir)
	created, err := m.copyObject(o.ctx, src, m.lowerPath(d, d.bstart), br, path, attr, -1)
	ptimes.restore(br, dir)
	if err != nil {
		return err
	}
	if err := m.setIno(br, created.Ino, d.ino); err != nil {
		br.FS().Rmdir(path)
		ptimes.restore(br, dir)
		return err
	}
	m.setLower(d, bdst, lowerEntry{id: br.ID(), ino: created.Ino, mode: created.Mode})
	if n := m.node(d.ino); n != nil {
		n.setLocal(br.ID(), created.Ino)
		n.setAttr(created)
	}
	m.stamp(d, parent)
	log.Debugf("[copyup] directory %s to %s", path, br)
	return nil
}

func (o *op) undoCopyUpDir(d *Dentry, bdst int) {
	m := o.m
	br := m.tbl.At(bdst)
	path := m.path(d)
	if err := br.FS().Rmdir(path); err != nil {
		log.Warnf("[copyup] roll back directory %s on %s: %v", path, br, err)
		return
	}
	e := d.at(bdst)
	m.eraseIno(br, e.ino)
	m.dropLower(d, bdst)
}

// dropLower forgets the object of d on branch b. Caller holds d.mu.
func (m *Mount) dropLower(d *Dentry, b int) {
	e := d.at(b)
	if !e.present {
		return
	}
	if d != m.root {
		m.putBranch(e.id)
	}
	d.lower[b] = lowerEntry{}
	d.bstart, d.bend = noBranch, noBranch
	for i, e := range d.lower {
		if !e.present {
			continue
		}
		if d.bstart < 0 {
			d.bstart = i
		}
		d.bend = i
	}
}

// copyUp copies the object of d to branch bdst, above its current top.
// size limits the copied data of regular files; -1 copies everything.
// Caller holds d.mu and p.mu for writing.
func (o *op) copyUp(p, d *Dentry, bdst int, size int64) error {
	m := o.m
	if !d.positive() {
		return fmt.Errorf("%w: %s", common.ErrNotFound, m.path(d))
	}
	if e := d.at(bdst); e.present {
		if e.plink {
			return o.materializePlink(p, d, bdst)
		}
		return nil
	}
	if bdst >= d.bstart {
		return fmt.Errorf("%w: copy-up of %s to branch %d from %d", common.ErrInvalidArgument, m.path(d), bdst, d.bstart)
	}
	br := m.tbl.At(bdst)
	if !br.Perm().Writable() {
		return fmt.Errorf("%w: %s", common.ErrReadOnly, br)
	}
	if err := o.copyUpDirs(p, bdst); err != nil {
		return err
	}
	if d.isDir() {
		return o.copyUpDir(p, d, bdst)
	}

	n := m.node(d.ino)
	if n == nil {
		return fmt.Errorf("%w: %s has no node", common.ErrStale, m.path(d))
	}
	// readers and writers of the old copy drain before the switch
	n.mu.Lock()
	defer n.mu.Unlock()

	src := m.tbl.At(d.bstart)
	srcPath := m.lowerPath(d, d.bstart)
	attr, err := src.FS().Lookup(srcPath)
	if err != nil {
		return err
	}
	dir, path := m.path(p), m.path(d)
	unlock := br.LockDir(dir)
	defer unlock()

	ptimes := parentTimes(br, dir)
	start := time.Now()
	created, err := m.copyObject(o.ctx, src, srcPath, br, path, attr, size)
	ptimes.restore(br, dir)
	if err != nil {
		log.Warnf("[copyup] %s from %s to %s: %v", path, src, br, err)
		return err
	}
	if err := m.setIno(br, created.Ino, d.ino); err != nil {
		removeObject(br.FS(), path, created)
		ptimes.restore(br, dir)
		return err
	}
	m.setLower(d, bdst, lowerEntry{id: br.ID(), ino: created.Ino, mode: created.Mode})
	n.setLocal(br.ID(), created.Ino)
	n.setAttr(created)
	m.stamp(d, p)

	if m.opts.Plink && attr.Nlink > 1 {
		m.plinkAdd(br, path, d.ino, created.Ino)
	}
	log.Debugf("[copyup] %s from %s to %s: %d bytes (%v)", path, src, br, created.Size, time.Since(start))
	return nil
}

// materializePlink gives the name of d on bdst back by linking the
// pseudo-link it currently reaches its node through.
func (o *op) materializePlink(p, d *Dentry, bdst int) error {
	m := o.m
	if err := o.copyUpDirs(p, bdst); err != nil {
		return err
	}
	br := m.tbl.At(bdst)
	e := d.at(bdst)
	dir, path := m.path(p), m.path(d)
	unlock := br.LockDir(dir)
	defer unlock()
	ptimes := parentTimes(br, dir)
	attr, err := br.FS().Link(whiteout.PlinkPath(d.ino, e.ino), path)
	ptimes.restore(br, dir)
	if err != nil {
		return err
	}
	e.plink = false
	e.mode = attr.Mode
	m.setLower(d, bdst, e)
	m.stamp(d, p)
	log.Debugf("[plink] %s linked back on %s", path, br)
	return nil
}

// copyObject creates a copy of the object at srcPath on src as dstPath on
// dst, attributes included. Nothing is left behind on failure.
func (m *Mount) copyObject(ctx context.Context, src *branch.Branch, srcPath string, dst *branch.Branch, dstPath string, attr *lowerfs.Attr, size int64) (*lowerfs.Attr, error) {
	fs := dst.FS()
	perm := attr.Mode & lowerfs.ModePerm
	var created *lowerfs.Attr
	var err error
	switch attr.Type() {
	case lowerfs.ModeRegular:
		// owner write access is needed to fill the copy
		created, err = fs.Create(dstPath, perm|0200)
	case lowerfs.ModeDir:
		created, err = fs.Mkdir(dstPath, perm|0700)
	case lowerfs.ModeSymlink:
		var target string
		target, err = src.FS().Readlink(srcPath)
		if err == nil {
			created, err = fs.Symlink(target, dstPath)
		}
	default:
		created, err = fs.Mknod(dstPath, attr.Mode, attr.Rdev)
	}
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*lowerfs.Attr, error) {
		removeObject(fs, dstPath, created)
		return nil, err
	}
	if attr.IsRegular() {
		length := attr.Size
		if size >= 0 {
			length = size
		}
		if err := m.copyData(ctx, src, srcPath, dst, dstPath, min(length, attr.Size), length); err != nil {
			return fail(err)
		}
	}
	final, err := copyAttr(fs, dstPath, attr, created)
	if err != nil {
		return fail(err)
	}
	return final, nil
}

// copyData copies n bytes and sets the copy's length. All-zero blocks are
// skipped so sparse files stay sparse.
func (m *Mount) copyData(ctx context.Context, src *branch.Branch, srcPath string, dst *branch.Branch, dstPath string, n, length int64) error {
	in, err := src.FS().Open(srcPath, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := dst.FS().Open(dstPath, os.O_WRONLY)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, m.opts.CopyBuffer)
	for off := int64(0); off < n; {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := buf[:min(int64(len(buf)), n-off)]
		if _, err := io.ReadFull(io.NewSectionReader(in, off, int64(len(chunk))), chunk); err != nil {
			return fmt.Errorf("%w: read %s at %d: %v", common.ErrIO, srcPath, off, err)
		}
		if !allZero(chunk) {
			if err := writeFull(out, chunk, off); err != nil {
				return fmt.Errorf("write %s at %d: %w", dstPath, off, err)
			}
		}
		off += int64(len(chunk))
	}
	if err := out.Truncate(length); err != nil {
		return err
	}
	return out.Sync()
}

func writeFull(f lowerfs.File, b []byte, off int64) error {
	for len(b) > 0 {
		n, err := f.WriteAt(b, off)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b, off = b[n:], off+int64(n)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// copyAttr gives the copy the attributes of the original. Ownership changes
// the branch refuses are tolerated.
func copyAttr(fs lowerfs.FS, path string, attr, created *lowerfs.Attr) (*lowerfs.Attr, error) {
	if attr.IsSymlink() {
		if attr.Uid == created.Uid && attr.Gid == created.Gid {
			return created, nil
		}
		a, err := fs.SetAttr(path, &lowerfs.SetAttr{Uid: &attr.Uid, Gid: &attr.Gid})
		if err != nil {
			log.Debugf("[copyup] keep owner of symlink %s: %v", path, err)
			return created, nil
		}
		return a, nil
	}
	if attr.Uid != created.Uid || attr.Gid != created.Gid {
		if _, err := fs.SetAttr(path, &lowerfs.SetAttr{Uid: &attr.Uid, Gid: &attr.Gid}); err != nil {
			if !errors.Is(err, common.ErrPermission) && !errors.Is(err, os.ErrPermission) {
				return nil, err
			}
			log.Debugf("[copyup] keep owner of %s: %v", path, err)
		}
	}
	perm := attr.Mode & lowerfs.ModePerm
	sa := &lowerfs.SetAttr{Mode: &perm, Atime: &attr.Atime, Mtime: &attr.Mtime}
	if attr.Flags != 0 {
		sa.Flags = &attr.Flags
	}
	return fs.SetAttr(path, sa)
}

func removeObject(fs lowerfs.FS, path string, attr *lowerfs.Attr) {
	var err error
	if attr != nil && attr.IsDir() {
		err = fs.Rmdir(path)
	} else {
		err = fs.Unlink(path)
	}
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		log.Warnf("[copyup] remove partial copy %s: %v", path, err)
	}
}

// dirTimes remembers the times of a branch directory so creating entries
// in it does not show as a change.
type dirTimes struct {
	atime, mtime time.Time
	ok           bool
}

func parentTimes(br *branch.Branch, dir string) dirTimes {
	a, err := br.FS().Lookup(dir)
	if err != nil {
		return dirTimes{}
	}
	return dirTimes{atime: a.Atime, mtime: a.Mtime, ok: true}
}

func (t dirTimes) restore(br *branch.Branch, dir string) {
	if !t.ok {
		return
	}
	if _, err := br.FS().SetAttr(dir, &lowerfs.SetAttr{Atime: &t.atime, Mtime: &t.mtime}); err != nil {
		log.Debugf("[copyup] restore times of %s on %s: %v", dir, br, err)
	}
}
