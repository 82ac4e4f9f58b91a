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
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lockorder"
	"stackfs/internal/lowerfs"
	"stackfs/internal/vdir"
	"stackfs/internal/whiteout"
)

// DirEntry is one entry of a merged directory listing.
type DirEntry = vdir.Entry

// Entry describes how a name resolves across the branches.
type Entry struct {
	Path string
	Attr lowerfs.Attr
	// Bstart and Bend bound the branches holding an object of the name.
	Bstart, Bend int
	// Branches lists the ids of those branches, top first.
	Branches []branch.ID
	// Whiteout is the index of the branch whose whiteout hides the lower
	// branches, or -1.
	Whiteout int
	// Opaque is the index of the branch where an opaque directory stops
	// the merge, or -1.
	Opaque int
	// Plink reports that the top object is reached through a pseudo-link.
	Plink bool
}

// readEntry walks to path and read-locks its entry until the operation
// ends.
func (o *op) readEntry(path string) (*Dentry, error) {
	for i := 0; i < maxRelock; i++ {
		d, err := o.walk(path)
		if err != nil {
			return nil, err
		}
		o.rlock(d, lockorder.EntryChild)
		if d.dead {
			o.unlock(d)
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s keeps changing", common.ErrStale, path)
}

// attrOf reads the attributes of d from its top branch and reports them
// under the union inode number. Caller holds d.mu.
func (m *Mount) attrOf(d *Dentry) (*lowerfs.Attr, error) {
	br := m.tbl.At(d.bstart)
	a, err := br.FS().Lookup(m.lowerPath(d, d.bstart))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// changed behind our back: resolve again on next access
			d.stale.Store(true)
			return nil, fmt.Errorf("%w: %s vanished from %s", common.ErrStale, m.path(d), br)
		}
		return nil, err
	}
	if n := m.node(d.ino); n != nil {
		n.setAttr(a)
	}
	out := *a
	out.Ino = d.ino
	return &out, nil
}

// Lookup resolves path and reports where its object lives.
func (m *Mount) Lookup(ctx context.Context, path string) (e *Entry, err error) {
	defer recoverPanic("Lookup", &err)
	o, err := m.begin(ctx, "Lookup")
	if err != nil {
		return nil, err
	}
	defer o.end()
	d, err := o.readEntry(path)
	if err != nil {
		return nil, err
	}
	if !d.positive() {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	a, err := m.attrOf(d)
	if err != nil {
		return nil, err
	}
	e = &Entry{
		Path:     m.path(d),
		Attr:     *a,
		Bstart:   d.bstart,
		Bend:     d.bend,
		Whiteout: d.bwh,
		Opaque:   d.bdiropq,
		Plink:    d.at(d.bstart).plink,
	}
	for b := d.bstart; b <= d.bend; b++ {
		if le := d.at(b); le.present {
			e.Branches = append(e.Branches, le.id)
		}
	}
	return e, nil
}

// Stat returns the attributes of path.
func (m *Mount) Stat(ctx context.Context, path string) (attr *lowerfs.Attr, err error) {
	defer recoverPanic("Stat", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Stat %q → %v (%v)", path, err, time.Since(start)) }()
	}
	o, err := m.begin(ctx, "Stat")
	if err != nil {
		return nil, err
	}
	defer o.end()
	d, err := o.readEntry(path)
	if err != nil {
		return nil, err
	}
	if !d.positive() {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	return m.attrOf(d)
}

// Readlink returns the target of symbolic link path.
func (m *Mount) Readlink(ctx context.Context, path string) (target string, err error) {
	defer recoverPanic("Readlink", &err)
	o, err := m.begin(ctx, "Readlink")
	if err != nil {
		return "", err
	}
	defer o.end()
	d, err := o.readEntry(path)
	if err != nil {
		return "", err
	}
	if !d.positive() {
		return "", fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	if d.mode()&lowerfs.ModeType != lowerfs.ModeSymlink {
		return "", fmt.Errorf("%w: %s is not a symbolic link", common.ErrInvalidArgument, path)
	}
	return m.tbl.At(d.bstart).FS().Readlink(m.lowerPath(d, d.bstart))
}

// Access checks mask against path. Write access to an object on a
// read-only branch is granted when a copy-up could provide it.
func (m *Mount) Access(ctx context.Context, path string, mask uint32) (err error) {
	defer recoverPanic("Access", &err)
	o, err := m.begin(ctx, "Access")
	if err != nil {
		return err
	}
	defer o.end()
	d, err := o.readEntry(path)
	if err != nil {
		return err
	}
	if !d.positive() {
		return fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	br := m.tbl.At(d.bstart)
	if mask&lowerfs.AccessWrite != 0 && !br.Perm().Writable() {
		if m.tbl.TopWritable(d.bstart) < 0 {
			return fmt.Errorf("%w: %s", common.ErrReadOnly, path)
		}
		mask &^= lowerfs.AccessWrite
	}
	return br.FS().Access(m.lowerPath(d, d.bstart), mask)
}

// lockTarget write-locks the entry of path and its parent; the root comes
// back with a nil parent.
func (o *op) lockTarget(path string) (p, d *Dentry, err error) {
	if common.NormalizePath(path) == "" {
		o.lock(o.m.root, lockorder.EntryChild)
		return nil, o.m.root, nil
	}
	return o.lockChild(path)
}

// writable brings d to a writable branch above its current top, copying
// it up when needed. size bounds the copied data as in copyUp. Caller
// holds d.mu and p.mu for writing.
func (o *op) writable(p, d *Dentry, size int64) error {
	m := o.m
	if m.tbl.At(d.bstart).Perm().Writable() {
		if d.at(d.bstart).plink {
			return o.materializePlink(p, d, d.bstart)
		}
		return nil
	}
	bdst := m.tbl.TopWritable(d.bstart)
	if bdst < 0 || p == nil {
		return fmt.Errorf("%w: %s", common.ErrReadOnly, m.path(d))
	}
	return o.copyUp(p, d, bdst, size)
}

// SetAttr changes the attributes of path, copying it up first when it
// lives on a read-only branch. A size change on a copy-up copies only the
// data that survives.
func (m *Mount) SetAttr(ctx context.Context, path string, sa *lowerfs.SetAttr) (attr *lowerfs.Attr, err error) {
	defer recoverPanic("SetAttr", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] SetAttr %q → %v (%v)", path, err, time.Since(start)) }()
	}
	o, err := m.begin(ctx, "SetAttr")
	if err != nil {
		return nil, err
	}
	defer o.end()
	p, d, err := o.lockTarget(path)
	if err != nil {
		return nil, err
	}
	if !d.positive() {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, path)
	}
	size := int64(-1)
	if sa.Size != nil {
		if d.isDir() {
			return nil, fmt.Errorf("%w: %s", common.ErrIsDir, path)
		}
		if *sa.Size < 0 {
			return nil, fmt.Errorf("%w: size %d", common.ErrInvalidArgument, *sa.Size)
		}
		size = *sa.Size
	}
	if sa.Empty() {
		return m.attrOf(d)
	}
	if err := o.writable(p, d, size); err != nil {
		return nil, err
	}

	n := m.node(d.ino)
	if n != nil && sa.Size != nil {
		n.mu.Lock()
		defer n.mu.Unlock()
	}
	br := m.tbl.At(d.bstart)
	a, err := br.FS().SetAttr(m.lowerPath(d, d.bstart), sa)
	if err != nil {
		return nil, err
	}
	if n != nil {
		n.setAttr(a)
	}
	out := *a
	out.Ino = d.ino
	return &out, nil
}

// listing builds the merged listing of directory d from the branches
// that show through it. With a node the cached listing is used and
// refreshed. Caller holds d.mu.
func (m *Mount) listing(d *Dentry, n *Node) (*vdir.Listing, error) {
	var version uint64
	if n != nil {
		version = n.version.Load()
		if l := n.vdir.Get(version); l != nil {
			return l, nil
		}
	}
	var sources []vdir.Source
	var brs []*branch.Branch
	for b := d.bstart; b <= d.tail(); b++ {
		e := d.at(b)
		if !e.present || !e.isDir() {
			continue
		}
		br := m.tbl.At(b)
		ents, err := br.FS().ReadDir(m.path(d))
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				d.stale.Store(true)
				return nil, fmt.Errorf("%w: %s vanished from %s", common.ErrStale, m.path(d), br)
			}
			return nil, err
		}
		sources = append(sources, vdir.Source{Entries: ents, WhiteoutAware: br.Perm().WhiteoutAware()})
		brs = append(brs, br)
	}
	l, err := vdir.Build(sources, func(src int, e lowerfs.DirEntry) (uint64, error) {
		return m.inoFor(brs[src], e.Ino, false)
	}, m.opts.RdBlk, version)
	if err != nil {
		return nil, err
	}
	if n != nil {
		n.vdir.Put(l)
	}
	return l, nil
}

// File is an open file or directory of the mount.
//
// A regular file reads and writes the copy on the top branch of its
// entry; when a copy-up moves the entry to another branch the file
// follows on its next access. A directory reads a listing snapshot taken
// at open time.
type File struct {
	m      *Mount
	d      *Dentry
	node   *Node
	ino    uint64
	flags  int
	handle HandleID

	mu         sync.Mutex
	lf         lowerfs.File
	brID       branch.ID
	cursor     *vdir.Cursor
	writable   bool
	downgraded bool
	closed     bool
}

func writeIntent(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Open opens path. os.O_CREATE creates a missing regular file with mode;
// opening an object of a read-only branch for writing copies it up first.
func (m *Mount) Open(ctx context.Context, path string, flags int, mode uint32) (f *File, err error) {
	defer recoverPanic("Open", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[union] Open %q %#x → %v (%v)", path, flags, err, time.Since(start)) }()
	}
	o, err := m.begin(ctx, "Open")
	if err != nil {
		return nil, err
	}
	defer o.end()
	if base := common.BaseName(path); flags&os.O_CREATE != 0 && whiteout.Reserved(base) {
		return nil, whiteout.CheckName(base)
	}
	p, d, err := o.lockTarget(path)
	if err != nil {
		return nil, err
	}

	created := false
	switch {
	case !d.positive():
		if flags&os.O_CREATE == 0 {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, path)
		}
		if err := whiteout.CheckName(d.name); err != nil {
			return nil, err
		}
		bdst, err := o.wrBranch(p)
		if err != nil {
			return nil, err
		}
		if _, err := o.createAt(p, d, bdst, false, func(fs lowerfs.FS, path string) (*lowerfs.Attr, error) {
			return fs.Create(path, mode&lowerfs.ModePerm)
		}); err != nil {
			return nil, err
		}
		created = true
	case flags&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL:
		return nil, fmt.Errorf("%w: %s", common.ErrExists, path)
	}

	write := writeIntent(flags)
	if d.isDir() && (write || flags&os.O_TRUNC != 0) {
		return nil, fmt.Errorf("%w: %s", common.ErrIsDir, path)
	}
	if write && !created {
		size := int64(-1)
		if flags&os.O_TRUNC != 0 {
			size = 0
		}
		if err := o.writable(p, d, size); err != nil {
			return nil, err
		}
	}
	lflags := flags &^ (os.O_CREATE | os.O_EXCL)
	if created {
		lflags &^= os.O_TRUNC
	}
	return m.openEntry(d, lflags, write)
}

// openEntry opens the top object of d. Caller holds d.mu.
func (m *Mount) openEntry(d *Dentry, flags int, write bool) (*File, error) {
	f := &File{m: m, d: d, ino: d.ino, flags: flags, writable: write}
	if d.isDir() {
		n := m.node(d.ino)
		l, err := m.listing(d, n)
		if err != nil {
			return nil, err
		}
		f.cursor = vdir.NewCursor(l)
	} else {
		br := m.tbl.At(d.bstart)
		lf, err := br.FS().Open(m.lowerPath(d, d.bstart), flags)
		if err != nil {
			return nil, err
		}
		br.Get()
		f.lf, f.brID = lf, br.ID()
	}
	// the node stays registered while the file is open
	f.node = m.getNode(d.ino)
	d.opens.Add(1)
	f.handle = m.handles.add(f)
	return f, nil
}

// Handle returns the handle number of the file.
func (f *File) Handle() HandleID { return f.handle }

// Ino returns the union inode number of the file.
func (f *File) Ino() uint64 { return f.ino }

// IsDir reports whether the file is a directory.
func (f *File) IsDir() bool { return f.cursor != nil }

// data returns the branch file to use, following a copy-up of the entry,
// with the node data lock held shared. release undoes the locks.
func (f *File) data(write bool) (lf lowerfs.File, release func(), err error) {
	m := f.m
	m.mu.RLock()
	f.mu.Lock()
	fail := func(err error) (lowerfs.File, func(), error) {
		f.mu.Unlock()
		m.mu.RUnlock()
		return nil, nil, err
	}
	switch {
	case m.closed:
		return fail(errClosed)
	case f.closed:
		return fail(fmt.Errorf("%w: file is closed", common.ErrInvalidHandle))
	case f.lf == nil:
		return fail(fmt.Errorf("%w: %s", common.ErrIsDir, m.path(f.d)))
	case write && !f.writable:
		return fail(fmt.Errorf("%w: file is not open for writing", common.ErrInvalidHandle))
	case write && f.downgraded:
		return fail(fmt.Errorf("%w: branch became read-only", common.ErrInvalidHandle))
	}

	f.d.mu.RLock()
	var top lowerEntry
	var path string
	if !f.d.dead && f.d.positive() && f.d.ino == f.ino {
		top = f.d.at(f.d.bstart)
		path = m.lowerPath(f.d, f.d.bstart)
	}
	f.d.mu.RUnlock()
	if top.present && top.id != f.brID {
		if err := f.reopen(top.id, path); err != nil {
			return fail(err)
		}
	}
	lf = f.lf
	f.mu.Unlock()
	f.node.mu.RLock()
	return lf, func() {
		f.node.mu.RUnlock()
		m.mu.RUnlock()
	}, nil
}

// reopen switches the file to the copy on branch id. Caller holds f.mu
// and the mount lock shared.
func (f *File) reopen(id branch.ID, path string) error {
	m := f.m
	i := m.tbl.IndexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: branch %d is gone", common.ErrStale, id)
	}
	br := m.tbl.At(i)
	lf, err := br.FS().Open(path, f.flags&^(os.O_CREATE|os.O_EXCL|os.O_TRUNC))
	if err != nil {
		return err
	}
	br.Get()
	// in-flight I/O on the old copy drains first
	f.node.mu.Lock()
	old, oldID := f.lf, f.brID
	f.lf, f.brID = lf, id
	f.downgraded = false
	f.node.mu.Unlock()
	if err := old.Close(); err != nil {
		log.Warnf("[union] close old copy of %s: %v", path, err)
	}
	m.putBranch(oldID)
	log.Debugf("[union] handle %d of %s follows copy-up to %s", f.handle, path, br)
	return nil
}

// ReadAt reads from the file at offset off.
func (f *File) ReadAt(b []byte, off int64) (n int, err error) {
	defer recoverPanic("ReadAt", &err)
	lf, release, err := f.data(false)
	if err != nil {
		return 0, err
	}
	defer release()
	return lf.ReadAt(b, off)
}

// WriteAt writes to the file at offset off.
func (f *File) WriteAt(b []byte, off int64) (n int, err error) {
	defer recoverPanic("WriteAt", &err)
	lf, release, err := f.data(true)
	if err != nil {
		return 0, err
	}
	defer release()
	return lf.WriteAt(b, off)
}

// Truncate changes the size of the file.
func (f *File) Truncate(size int64) (err error) {
	defer recoverPanic("Truncate", &err)
	if size < 0 {
		return fmt.Errorf("%w: size %d", common.ErrInvalidArgument, size)
	}
	lf, release, err := f.data(true)
	if err != nil {
		return err
	}
	defer release()
	return lf.Truncate(size)
}

// Sync flushes the file to its branch.
func (f *File) Sync() (err error) {
	defer recoverPanic("Sync", &err)
	lf, release, err := f.data(false)
	if err != nil {
		if errors.Is(err, common.ErrIsDir) {
			return nil
		}
		return err
	}
	defer release()
	return lf.Sync()
}

// Stat returns the attributes of the open object. A file whose name was
// removed reports its last known attributes.
func (f *File) Stat() (*lowerfs.Attr, error) {
	m := f.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	if !f.d.dead && f.d.positive() && f.d.ino == f.ino {
		return m.attrOf(f.d)
	}
	a := f.node.Attr()
	return &a, nil
}

// ReadDir returns up to n entries from the listing snapshot; n <= 0 reads
// the rest. An empty result marks the end.
func (f *File) ReadDir(n int) ([]DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%w: file is closed", common.ErrInvalidHandle)
	}
	if f.cursor == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrNotDir, f.m.path(f.d))
	}
	return f.cursor.Next(n), nil
}

// Seek moves the directory position to pos. Seeking to 0 takes a new
// snapshot, so a rewind sees entries changed since open.
func (f *File) Seek(pos int) error {
	m := f.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("%w: file is closed", common.ErrInvalidHandle)
	}
	if f.cursor == nil {
		return fmt.Errorf("%w: %s", common.ErrNotDir, m.path(f.d))
	}
	if pos != 0 {
		return f.cursor.Seek(pos)
	}
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	if f.d.dead || !f.d.positive() {
		// a removed directory lists nothing
		f.cursor.Reset(&vdir.Listing{})
		return nil
	}
	l, err := m.listing(f.d, f.node)
	if err != nil {
		return err
	}
	f.cursor.Reset(l)
	return nil
}

// Close releases the file. Closing twice fails with ErrInvalidHandle.
func (f *File) Close() error {
	m := f.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("%w: file is closed", common.ErrInvalidHandle)
	}
	f.closed = true
	lf, id := f.lf, f.brID
	f.lf = nil
	f.mu.Unlock()

	m.handles.remove(f.handle)
	var err error
	if lf != nil {
		err = lf.Close()
		m.putBranch(id)
	}
	f.d.mu.Lock()
	if f.d.opens.Add(-1) == 0 && f.d.dead {
		m.releaseDentry(f.d)
	}
	f.d.mu.Unlock()
	m.putNode(f.ino)
	return err
}
