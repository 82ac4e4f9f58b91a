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

// Package union is the union mount engine: it merges an ordered stack of
// branch filesystems into one namespace, copies objects up to a writable
// branch before they change, and records deletions of lower objects as
// whiteouts.
//
// Every operation takes the mount lock shared; branch table changes take
// it exclusively and bump the mount generation, which makes each cached
// entry refresh itself once on its next access.
package union

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/whiteout"
	"stackfs/internal/workq"
	"stackfs/internal/xino"
)

// XinoGenName is the file holding the union inode number high-water mark
// inside the xino directory.
const XinoGenName = "xino.gen"

var errClosed = fmt.Errorf("%w: mount is closed", common.ErrInvalidHandle)

// Mount is one union mount.
type Mount struct {
	id   string
	opts Options

	// mount-wide lock: shared by operations, exclusive for branch changes
	mu       sync.RWMutex
	renameMu sync.Mutex
	gen      atomic.Uint64
	tbl      *branch.Table
	alloc    *xino.Allocator

	// tree guards dentry names, parents and children maps
	tree      sync.RWMutex
	root      *Dentry
	dentryIDs atomic.Uint64

	nodesMu sync.Mutex
	nodes   map[uint64]*Node
	inoMu   sync.Mutex

	handles *handleTable
	plinks  *plinkTable
	wq      *workq.Pool
	watcher *watcher

	refreshes atomic.Uint64
	closed    bool
}

// New mounts the given branches, index 0 first.
func New(ctx context.Context, specs []BranchSpec, opts Options) (*Mount, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no branches", common.ErrInvalidConfig)
	}
	opts.applyDefaults()
	m := &Mount{
		id:      uuid.NewString(),
		opts:    opts,
		tbl:     branch.NewTable(opts.MountPoint, opts.AllowRemote),
		nodes:   map[uint64]*Node{},
		handles: newHandleTable(),
		plinks:  newPlinkTable(),
		wq:      workq.New(opts.Workers),
	}
	m.gen.Store(1)

	if opts.xinoOff() {
		m.alloc = xino.NewAllocator()
	} else {
		if err := os.MkdirAll(opts.Xino, 0700); err != nil {
			return nil, fmt.Errorf("create xino directory: %w", err)
		}
		a, err := xino.OpenAllocator(filepath.Join(opts.Xino, XinoGenName))
		if err != nil {
			return nil, err
		}
		m.alloc = a
	}

	for _, s := range specs {
		if _, err := m.attachBranch(-1, s); err != nil {
			m.closeBranches()
			m.alloc.Close()
			return nil, err
		}
	}

	m.root = newDentry(0, "", nil)
	if err := m.refreshRoot(); err != nil {
		m.closeBranches()
		m.alloc.Close()
		return nil, err
	}
	m.bindNode(m.root, xino.RootIno)

	if opts.Udba == UdbaWatch {
		w, err := newWatcher(m)
		if err != nil {
			m.closeBranches()
			m.alloc.Close()
			return nil, err
		}
		m.watcher = w
	}
	log.Infof("[union] mount %s: %d branches, xino=%s plink=%v udba=%s", m.id, m.tbl.Len(), xinoName(opts), opts.Plink, opts.Udba)
	return m, nil
}

func xinoName(o Options) string {
	if o.xinoOff() {
		return "off"
	}
	return o.Xino
}

// ID returns the mount id.
func (m *Mount) ID() string { return m.id }

// Generation returns the mount generation counter.
func (m *Mount) Generation() uint64 { return m.gen.Load() }

// attachBranch inserts a branch and prepares its xino map, whiteout base
// and pseudo-link directory. Caller holds m.mu exclusively or owns m.
func (m *Mount) attachBranch(pos int, s BranchSpec) (*branch.Branch, error) {
	br, err := m.tbl.Add(pos, s.Path, s.Perm, s.FS)
	if err != nil {
		return nil, err
	}
	undo := func(err error) (*branch.Branch, error) {
		if i := m.tbl.IndexOf(br.ID()); i >= 0 {
			m.tbl.Delete(i)
		}
		if br.Xino() != nil {
			br.Xino().Close()
		}
		return nil, err
	}

	if m.opts.xinoOff() {
		br.SetXino(xino.NewMemory())
	} else {
		x, err := xino.OpenFile(filepath.Join(m.opts.Xino, fmt.Sprintf("xino.%d", br.ID())))
		if err != nil {
			return undo(err)
		}
		br.SetXino(x)
	}
	if err := whiteout.InitBase(br); err != nil {
		return undo(err)
	}
	if s.Perm.Writable() && m.opts.Plink {
		if err := whiteout.EnsurePlinkDir(br); err != nil {
			return undo(err)
		}
		cleanPlinkDir(br)
	}
	return br, nil
}

// refreshRoot rebuilds the root dentry from every branch root. Caller
// holds m.mu exclusively or owns m.
func (m *Mount) refreshRoot() error {
	d := m.root
	d.mu.Lock()
	defer d.mu.Unlock()
	m.clearLower(d)
	for i, br := range m.tbl.All() {
		attr, err := br.FS().Lookup("")
		if err != nil {
			return fmt.Errorf("branch %s root: %w", br, err)
		}
		if !attr.IsDir() {
			return fmt.Errorf("%w: branch %s root", common.ErrNotDir, br)
		}
		m.setLower(d, i, lowerEntry{id: br.ID(), ino: attr.Ino, mode: attr.Mode})
		if err := m.setIno(br, attr.Ino, xino.RootIno); err != nil {
			return err
		}
		if i == 0 {
			if n := m.node(xino.RootIno); n != nil {
				n.setAttr(attr)
			}
		}
	}
	d.bwh, d.whID = noBranch, noBranch
	d.gen = m.gen.Load()
	if n := m.node(xino.RootIno); n != nil {
		n.touch()
	}
	return nil
}

// Branches lists the mounted branches in priority order.
func (m *Mount) Branches() []BranchInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BranchInfo, 0, m.tbl.Len())
	for i, br := range m.tbl.All() {
		out = append(out, BranchInfo{
			Index: i,
			ID:    br.ID(),
			Path:  br.Path(),
			Perm:  br.Perm(),
			Kind:  br.FS().Kind(),
			Refs:  br.Refs(),
		})
	}
	return out
}

// AddBranch inserts a branch at pos (-1 appends).
func (m *Mount) AddBranch(ctx context.Context, pos int, s BranchSpec) (err error) {
	defer recoverPanic("AddBranch", &err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	br, err := m.attachBranch(pos, s)
	if err != nil {
		return err
	}
	m.gen.Add(1)
	if err := m.refreshRoot(); err != nil {
		m.detachBranch(br)
		return err
	}
	if m.watcher != nil {
		m.watcher.addBranch(br)
	}
	log.Infof("[branch] added %s at %d, generation %d", br, m.tbl.IndexOf(br.ID()), m.gen.Load())
	return nil
}

// detachBranch takes a branch that failed to come up out of the table
// again. Caller holds m.mu exclusively.
func (m *Mount) detachBranch(br *branch.Branch) {
	if i := m.tbl.IndexOf(br.ID()); i >= 0 {
		if _, err := m.tbl.Delete(i); err != nil {
			log.Errorf("[branch] detach %s: %v", br, err)
		}
	}
	if err := br.Xino().Close(); err != nil {
		log.Warnf("[xino] close %s: %v", br, err)
	}
	m.gen.Add(1)
	if err := m.refreshRoot(); err != nil {
		log.Errorf("[branch] root after detaching %s: %v", br, err)
	}
}

// DeleteBranch removes the branch at pos. It fails with ErrBusy while open
// files or their entries still use the branch, or for the last branch.
func (m *Mount) DeleteBranch(ctx context.Context, pos int) (err error) {
	defer recoverPanic("DeleteBranch", &err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	br := m.tbl.At(pos)
	if br == nil {
		return fmt.Errorf("%w: no branch at index %d", common.ErrInvalidArgument, pos)
	}
	// deferred removals may still reference the branch
	m.wq.Wait()
	dropped := m.shrink()
	log.Debugf("[branch] dropped %d cached entries before deleting %s", dropped, br)

	if _, err := m.tbl.Delete(pos); err != nil {
		return err
	}
	m.plinks.dropBranch(br.ID())
	m.nodesMu.Lock()
	for _, n := range m.nodes {
		n.dropLocal(br.ID())
	}
	m.nodesMu.Unlock()
	if m.watcher != nil {
		m.watcher.removeBranch(br)
	}
	if err := br.Xino().Close(); err != nil {
		log.Warnf("[xino] close %s: %v", br, err)
	}
	m.gen.Add(1)
	if err := m.refreshRoot(); err != nil {
		return err
	}
	log.Infof("[branch] deleted %s, generation %d", br, m.gen.Load())
	return nil
}

// ModifyBranch changes the permission of the branch at pos. Losing write
// permission downgrades open write handles; losing link whiteouts removes
// the whiteout base.
func (m *Mount) ModifyBranch(ctx context.Context, pos int, perm branch.Perm) (err error) {
	defer recoverPanic("ModifyBranch", &err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	br := m.tbl.At(pos)
	if br == nil {
		return fmt.Errorf("%w: no branch at index %d", common.ErrInvalidArgument, pos)
	}
	if br.Perm() == perm {
		return nil
	}
	if perm.Writable() && br.FS().Kind() == "os" {
		if err := br.FS().Access("", lowerfs.AccessWrite); err != nil {
			return fmt.Errorf("%w: %s is not writable: %v", common.ErrInvalidArgument, br.Path(), err)
		}
	}

	old := br.Perm()
	if old.Writable() && !perm.Writable() {
		n := m.handles.downgrade(br.ID())
		log.Debugf("[branch] downgraded %d write handles on %s", n, br)
	}
	if old.LinkWhiteout() && !perm.LinkWhiteout() {
		if err := whiteout.DropBase(br); err != nil {
			return err
		}
	}
	if _, err := m.tbl.ModifyPerm(pos, perm); err != nil {
		return err
	}
	if perm.LinkWhiteout() && !old.LinkWhiteout() {
		if err := whiteout.InitBase(br); err != nil {
			return err
		}
	}
	if perm.Writable() && m.opts.Plink {
		if err := whiteout.EnsurePlinkDir(br); err != nil {
			return err
		}
	}
	m.gen.Add(1)
	if err := m.refreshRoot(); err != nil {
		return err
	}
	log.Infof("[branch] %s: %s -> %s, generation %d", br.Path(), old, perm, m.gen.Load())
	return nil
}

// StatFS sums capacity over the distinct branch filesystems.
func (m *Mount) StatFS(ctx context.Context) (st *lowerfs.StatFS, err error) {
	defer recoverPanic("StatFS", &err)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	seen := map[string]bool{}
	var fss []lowerfs.FS
	for _, br := range m.tbl.All() {
		if root := br.FS().Root(); !seen[root] {
			seen[root] = true
			fss = append(fss, br.FS())
		}
	}
	results := make([]*lowerfs.StatFS, len(fss))
	fns := make([]func(context.Context) error, len(fss))
	for i, fs := range fss {
		fns[i] = func(context.Context) error {
			s, err := fs.StatFS()
			if err != nil {
				return err
			}
			results[i] = s
			return nil
		}
	}
	if err := workq.Parallel(ctx, m.opts.Workers, fns...); err != nil {
		return nil, err
	}

	out := &lowerfs.StatFS{Bsize: results[0].Bsize, NameLen: common.MaxNameLen}
	for _, s := range results {
		scale := func(v uint64) uint64 {
			if s.Bsize == out.Bsize || out.Bsize == 0 {
				return v
			}
			return v * uint64(s.Bsize) / uint64(out.Bsize)
		}
		out.Blocks += scale(s.Blocks)
		out.Bfree += scale(s.Bfree)
		out.Bavail += scale(s.Bavail)
		out.Files += s.Files
		out.Ffree += s.Ffree
		if s.NameLen > 0 && s.NameLen < out.NameLen {
			out.NameLen = s.NameLen
		}
	}
	// whiteouts need room for their prefix
	out.NameLen -= uint32(len(whiteout.Prefix))
	return out, nil
}

// Close flushes the inode maps, removes pseudo-links and stops background
// work. Open files become unusable.
func (m *Mount) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if m.watcher != nil {
		errs = append(errs, m.watcher.close())
	}
	errs = append(errs, m.wq.Close())
	if m.opts.Plink {
		m.plinkPutAll()
	}
	errs = append(errs, m.closeBranches())
	errs = append(errs, m.alloc.Close())
	log.Infof("[union] mount %s closed", m.id)
	return errors.Join(errs...)
}

func (m *Mount) closeBranches() error {
	var errs []error
	for _, br := range m.tbl.All() {
		if x := br.Xino(); x != nil {
			if err := x.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close xino of %s: %w", br, err))
			}
		}
	}
	return errors.Join(errs...)
}
