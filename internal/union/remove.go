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

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/whiteout"
	"stackfs/internal/workq"
)

// Unlink removes a non-directory name.
func (m *Mount) Unlink(ctx context.Context, path string) (err error) {
	defer recoverPanic("Unlink", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Unlink %q → %v (%v)", path, err, time.Since(start)) }()
	}
	o, err := m.begin(ctx, "Unlink")
	if err != nil {
		return err
	}
	defer o.end()
	p, d, err := o.lockChild(path)
	if err != nil {
		return err
	}
	if !d.positive() {
		return fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	if d.isDir() {
		return fmt.Errorf("%w: %s", common.ErrIsDir, path)
	}
	return o.remove(p, d)
}

// Rmdir removes an empty directory. A directory is empty when its merged
// listing is, whatever whiteouts its branch copies hold.
func (m *Mount) Rmdir(ctx context.Context, path string) (err error) {
	defer recoverPanic("Rmdir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Rmdir %q → %v (%v)", path, err, time.Since(start)) }()
	}
	o, err := m.begin(ctx, "Rmdir")
	if err != nil {
		return err
	}
	defer o.end()
	o.lockRename()
	p, d, err := o.lockChild(path)
	if err != nil {
		return err
	}
	if !d.positive() {
		return fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	if !d.isDir() {
		return fmt.Errorf("%w: %s", common.ErrNotDir, path)
	}
	if err := m.checkEmpty(d); err != nil {
		return err
	}
	return o.remove(p, d)
}

// checkEmpty fails with ErrNotEmpty when directory d shows any entry. The
// listing is built from the branches, never from the cache. Caller holds
// d.mu.
func (m *Mount) checkEmpty(d *Dentry) error {
	l, err := m.listing(d, nil)
	if err != nil {
		return err
	}
	if l.Len() > 0 {
		e, _ := l.At(0)
		return fmt.Errorf("%w: %s contains %s", common.ErrNotEmpty, m.path(d), e.Name)
	}
	return nil
}

// remove deletes the name of d. An object on the write branch is removed
// in place; one on a lower writable branch is first renamed to a temporary
// name on its own branch; one on a read-only branch or reached through a
// pseudo-link stays. A whiteout hides whatever remains below. Caller
// holds d.mu and p.mu for writing.
func (o *op) remove(p, d *Dentry) error {
	m := o.m
	bdst, err := o.wrBranch(p)
	if err != nil {
		return err
	}
	br := m.tbl.At(bdst)
	dir, path, name := m.path(p), m.path(d), d.name
	top := d.bstart
	te := d.at(top)
	tbr := m.tbl.At(top)
	isDir := d.isDir()
	physical := !te.plink && tbr.Perm().Writable()

	needWh := !physical
	if physical {
		below, err := m.visibleBelow(p, name, top)
		if err != nil {
			return err
		}
		needWh = below
	}

	attr, err := tbr.FS().Lookup(m.lowerPath(d, top))
	if err != nil {
		return err
	}

	if top == bdst {
		o.lockDir(br, dir)
	} else if physical {
		if tbr.ID() < br.ID() {
			o.lockDir(tbr, dir)
			o.lockDir(br, dir)
		} else {
			o.lockDir(br, dir)
			o.lockDir(tbr, dir)
		}
	} else {
		o.lockDir(br, dir)
	}
	defer o.unlockDirs()

	var tmp string
	if physical && (isDir || top != bdst) {
		tmp = common.JoinPath(dir, whiteout.TempName(name))
		if err := tbr.FS().Rename(path, tmp); err != nil {
			return err
		}
	}
	if needWh {
		if err := whiteout.Create(o.ctx, br, dir, name); err != nil {
			if tmp != "" {
				if rerr := tbr.FS().Rename(tmp, path); rerr != nil {
					log.Errorf("[union] restore %s on %s: %v", path, tbr, rerr)
					return fmt.Errorf("%w: %v (restore failed: %v)", common.ErrIO, err, rerr)
				}
			}
			return err
		}
	}
	if physical {
		switch {
		case tmp != "" && isDir:
			o.removeTemp(tbr, tmp)
		case tmp != "":
			if err := tbr.FS().Unlink(tmp); err != nil {
				log.Warnf("[union] remove %s on %s: %v", tmp, tbr, err)
			}
		default:
			if err := tbr.FS().Unlink(path); err != nil {
				if needWh {
					if rerr := whiteout.Remove(br, dir, name); rerr != nil {
						log.Errorf("[union] roll back whiteout of %s: %v", path, rerr)
						return fmt.Errorf("%w: %v (rollback failed: %v)", common.ErrIO, err, rerr)
					}
				}
				return err
			}
		}
		if isDir || attr.Nlink <= 1 {
			m.eraseIno(tbr, te.ino)
		}
	}

	n := m.node(d.ino)
	if n != nil && !isDir {
		a := n.Attr()
		if a.Nlink > 0 {
			a.Nlink--
		}
		n.setAttr(&a)
		if physical {
			n.dropLocal(tbr.ID())
		}
	}
	m.clearLower(d)
	m.bindNode(d, 0)
	d.setWhiteout(noBranch, noBranch)
	if needWh {
		d.setWhiteout(bdst, br.ID())
	}
	m.stamp(d, p)
	if isDir {
		m.detach(d)
	}
	m.touchParent(p, bdst)
	log.Debugf("[union] removed %s (top %s, whiteout %v)", path, tbr, needWh)
	return nil
}

// removeTemp deletes a directory renamed out of the way, in the
// background once it holds many whiteouts.
func (o *op) removeTemp(br *branch.Branch, tmp string) {
	m := o.m
	n, err := whiteout.Count(br, tmp)
	if err == nil && n >= m.opts.DirWh {
		br.Get()
		// the caller may lack write permission inside tmp; remove as root
		err := m.wq.Go("rmdir "+tmp, func(ctx context.Context) error {
			defer br.Put()
			return workq.RunAs(ctx, workq.Cred{}, func(context.Context) error {
				if err := whiteout.RemoveDir(br, tmp); err != nil {
					return fmt.Errorf("remove %s on %s: %w", tmp, br, err)
				}
				return nil
			})
		})
		if err == nil {
			return
		}
		br.Put()
	}
	if err := whiteout.RemoveDir(br, tmp); err != nil && !errors.Is(err, common.ErrNotFound) {
		log.Warnf("[union] remove %s on %s: %v", tmp, br, err)
	}
}
