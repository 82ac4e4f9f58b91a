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
	"time"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/common"
	"stackfs/internal/whiteout"
)

// Rename moves oldpath to newpath, replacing a compatible newpath. The
// steps run as one transaction: a failure undoes the completed ones.
func (m *Mount) Rename(ctx context.Context, oldpath, newpath string) (err error) {
	defer recoverPanic("Rename", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Rename %q %q → %v (%v)", oldpath, newpath, err, time.Since(start)) }()
	}
	o, err := m.begin(ctx, "Rename")
	if err != nil {
		return err
	}
	defer o.end()
	o.lockRename()

	pr, err := o.lockPair(oldpath, newpath)
	if err != nil {
		return err
	}
	if pr.src == pr.dst {
		return nil
	}
	if err := o.checkRename(pr); err != nil {
		if errors.Is(err, errSameNode) {
			return nil
		}
		return err
	}
	return o.rename(pr)
}

func (o *op) checkRename(pr *pair) error {
	m := o.m
	src, dst := pr.src, pr.dst
	if !src.positive() {
		return fmt.Errorf("%w: %s", common.ErrNotFound, m.path(src))
	}
	// a read-only branch above the write branch would keep either name
	// showing through
	if src.bstart < pr.bdst || (dst.positive() && dst.bstart < pr.bdst) ||
		(dst.bwh != noBranch && dst.bwh < pr.bdst) {
		return fmt.Errorf("%w: %s or %s lives above the writable branches", common.ErrReadOnly, m.path(src), m.path(dst))
	}
	if dst.positive() {
		switch {
		case src.isDir() && !dst.isDir():
			return fmt.Errorf("%w: %s", common.ErrNotDir, m.path(dst))
		case !src.isDir() && dst.isDir():
			return fmt.Errorf("%w: %s", common.ErrIsDir, m.path(dst))
		}
		if dst.ino != 0 && dst.ino == src.ino {
			// two names of one node: nothing to do
			return errSameNode
		}
	}
	if !src.isDir() {
		return nil
	}
	// a directory cannot move below itself
	m.tree.RLock()
	for a := pr.dp; a != nil; a = a.parent {
		if a == src {
			m.tree.RUnlock()
			return fmt.Errorf("%w: %s is an ancestor of %s", common.ErrInvalidArgument, m.path(src), m.path(pr.dst))
		}
	}
	m.tree.RUnlock()
	if dst.positive() {
		if err := m.checkEmpty(dst); err != nil {
			return err
		}
	}
	// directories move only within the write branch
	for b := src.bstart; b <= src.tail(); b++ {
		if e := src.at(b); e.present && b != pr.bdst {
			return fmt.Errorf("%w: %s spans branches", common.ErrCrossBranch, m.path(src))
		}
	}
	return nil
}

// errSameNode ends a rename between two names of one node successfully.
var errSameNode = errors.New("same node")

// rename performs the moves of a checked rename. Every completed step is
// pushed on an undo ladder; a failure unwinds it in reverse.
func (o *op) rename(pr *pair) (err error) {
	m := o.m
	sp, src, dp, dst, bdst := pr.sp, pr.src, pr.dp, pr.dst, pr.bdst
	br := m.tbl.At(bdst)
	fs := br.FS()
	sdir, ddir := m.path(sp), m.path(dp)
	spath, dpath := m.path(src), m.path(dst)
	isDir := src.isDir()

	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if rerr := undo[i](); rerr != nil {
				log.Errorf("[union] rename %s to %s: rollback: %v", spath, dpath, rerr)
				err = fmt.Errorf("%w: %v (rollback failed: %v)", common.ErrIO, err, rerr)
				return
			}
		}
	}()

	// 1. bring the source to bdst
	if e := src.at(bdst); !e.present || e.plink {
		if err := o.copyUp(sp, src, bdst, -1); err != nil {
			return err
		}
		undo = append(undo, func() error {
			e := src.at(bdst)
			if !e.present {
				return nil
			}
			err := fs.Unlink(spath)
			if err == nil || errors.Is(err, common.ErrNotFound) {
				m.dropLower(src, bdst)
				return nil
			}
			return err
		})
	}
	srcVisibleBelow, err := m.visibleBelow(sp, src.name, bdst)
	if err != nil {
		return err
	}
	dstVisibleBelow, err := m.visibleBelow(dp, dst.name, bdst)
	if err != nil {
		return err
	}

	o.lockDirs(br, sdir, ddir)
	defer o.unlockDirs()

	// 2. move a replaced destination on bdst out of the way
	var dtmp string
	var replaced uint64
	dstWh := dst.bwh == bdst
	if de := dst.at(bdst); dst.positive() && de.present && !de.plink {
		dattr, err := fs.Lookup(dpath)
		if err != nil {
			return err
		}
		if dattr.IsDir() || dattr.Nlink <= 1 {
			replaced = dattr.Ino
		}
		dtmp = common.JoinPath(ddir, whiteout.TempName(dst.name))
		if err := fs.Rename(dpath, dtmp); err != nil {
			return err
		}
		undo = append(undo, func() error { return fs.Rename(dtmp, dpath) })
	}

	// 3. hide the old name when something below would show through
	if srcVisibleBelow {
		if err := whiteout.Create(o.ctx, br, sdir, src.name); err != nil {
			return err
		}
		undo = append(undo, func() error { return whiteout.Remove(br, sdir, src.name) })
	}

	// 4. the move itself
	if err := fs.Rename(spath, dpath); err != nil {
		return err
	}
	undo = append(undo, func() error { return fs.Rename(dpath, spath) })

	// 5. a moved directory must not merge with lower namesakes
	opaque := false
	if isDir && dstVisibleBelow {
		already, err := whiteout.IsOpaque(br, dpath)
		if err != nil {
			return err
		}
		if !already {
			if err := whiteout.MarkOpaque(o.ctx, br, dpath); err != nil {
				return err
			}
			undo = append(undo, func() error { return whiteout.ClearOpaque(br, dpath) })
		}
		opaque = true
	}

	// 6. the destination whiteout is consumed
	if !dstWh {
		wh, err := whiteout.Lookup(br, ddir, dst.name)
		if err != nil {
			return err
		}
		dstWh = wh
	}
	if dstWh {
		if err := whiteout.Remove(br, ddir, dst.name); err != nil {
			return err
		}
		undo = append(undo, func() error { return whiteout.Create(o.ctx, br, ddir, dst.name) })
	}

	// 7. drop the replaced destination; past this point nothing is undone
	if dtmp != "" {
		if dst.isDir() {
			o.removeTemp(br, dtmp)
		} else if err := fs.Unlink(dtmp); err != nil {
			log.Warnf("[union] remove %s on %s: %v", dtmp, br, err)
		}
	}
	undo = nil

	o.finishRename(pr, opaque, replaced)
	log.Debugf("[union] renamed %s to %s on %s", spath, dpath, br)
	return nil
}

// finishRename moves the cached entries after a successful rename.
func (o *op) finishRename(pr *pair, opaque bool, replaced uint64) {
	m := o.m
	sp, src, dp, dst, bdst := pr.sp, pr.src, pr.dp, pr.dst, pr.bdst
	br := m.tbl.At(bdst)

	if dst.positive() {
		if n := m.node(dst.ino); n != nil && !dst.isDir() {
			a := n.Attr()
			if a.Nlink > 0 {
				a.Nlink--
			}
			n.setAttr(&a)
		}
		if replaced != 0 {
			m.eraseIno(br, replaced)
		}
	}
	// the destination entry becomes the renamed object
	m.clearLower(dst)
	m.bindNode(dst, 0)
	m.detach(dst)

	m.tree.Lock()
	if sp.children[src.name] == src {
		delete(sp.children, src.name)
	}
	oldName := src.name
	src.name, src.parent = dst.name, dp
	if dp.children == nil {
		dp.children = map[string]*Dentry{}
	}
	dp.children[src.name] = src
	m.tree.Unlock()

	m.truncateLower(src, bdst)
	src.setWhiteout(noBranch, noBranch)
	if opaque {
		src.setOpaque(bdst, br.ID())
	}
	// force a lookup on next use, which picks up anything lower down
	src.gen = 0
	log.Debugf("[union] entry %s moved to %s", oldName, m.path(src))

	m.touchParent(sp, bdst)
	if dp != sp {
		m.touchParent(dp, bdst)
	}
}
