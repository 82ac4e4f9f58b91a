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

package lowerfs

import (
	"io"
	iofs "io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"stackfs/internal/common"
)

// DefaultLinkMax is the hard link ceiling of a MemFS unless changed.
const DefaultLinkMax = 65000

type memNode struct {
	ino      uint64
	mode     uint32
	nlink    uint32
	uid, gid uint32
	rdev     uint64
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
	flags    uint32
	data     []byte
	target   string
	children map[string]*memNode
}

func (n *memNode) isDir() bool { return n.mode&ModeType == ModeDir }

func (n *memNode) attr() *Attr {
	return &Attr{
		Ino:   n.ino,
		Mode:  n.mode,
		Nlink: n.nlink,
		Uid:   n.uid,
		Gid:   n.gid,
		Rdev:  n.rdev,
		Size:  n.size(),
		Atime: n.atime,
		Mtime: n.mtime,
		Ctime: n.ctime,
		Flags: n.flags,
	}
}

func (n *memNode) size() int64 {
	switch n.mode & ModeType {
	case ModeRegular:
		return int64(len(n.data))
	case ModeSymlink:
		return int64(len(n.target))
	case ModeDir:
		return int64(len(n.children))
	}
	return 0
}

// Fault makes matching MemFS operations fail. Op is one of the FS method
// names in lower case ("create", "rename", "write", ...). An empty Path
// matches every path. After lets that many matching calls succeed first;
// for "write" it counts bytes instead of calls.
type Fault struct {
	Op    string
	Path  string
	Err   error
	After int64

	seen int64
}

// MemFS is an inode-numbered in-memory branch filesystem. It supports hard
// links with a link ceiling, device nodes and fault injection, which makes
// it the backend of choice for exercising copy-up and whiteout rollback.
type MemFS struct {
	mu      sync.RWMutex
	name    string
	root    *memNode
	nextIno uint64
	linkMax uint32
	now     func() time.Time

	faultMu sync.Mutex
	faults  []*Fault
}

// NewMemFS creates an empty in-memory branch. Name only distinguishes
// branches in logs and overlap checks.
func NewMemFS(name string) *MemFS {
	m := &MemFS{
		name:    name,
		nextIno: 2,
		linkMax: DefaultLinkMax,
		now:     time.Now,
	}
	t := m.now()
	m.root = &memNode{ino: 1, mode: ModeDir | 0755, nlink: 2, atime: t, mtime: t, ctime: t, children: map[string]*memNode{}}
	return m
}

func (m *MemFS) Kind() string { return "mem" }
func (m *MemFS) Root() string { return "mem:" + m.name }

// SetLinkMax changes the hard link ceiling.
func (m *MemFS) SetLinkMax(n uint32) {
	m.mu.Lock()
	m.linkMax = n
	m.mu.Unlock()
}

// InjectFault registers a fault. Faults stay active until ClearFaults.
func (m *MemFS) InjectFault(f Fault) {
	m.faultMu.Lock()
	m.faults = append(m.faults, &f)
	m.faultMu.Unlock()
}

// ClearFaults removes every injected fault.
func (m *MemFS) ClearFaults() {
	m.faultMu.Lock()
	m.faults = nil
	m.faultMu.Unlock()
}

func (m *MemFS) fault(op, p string, n int64) error {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	p = common.NormalizePath(p)
	for _, f := range m.faults {
		if f.Op != op || (f.Path != "" && f.Path != p) {
			continue
		}
		if f.seen+n > f.After {
			return &iofs.PathError{Op: op, Path: p, Err: f.Err}
		}
		f.seen += n
	}
	return nil
}

func pathErr(op, p string, err error) error {
	return &iofs.PathError{Op: op, Path: p, Err: err}
}

// walk resolves p without following a final symlink. Must hold m.mu.
func (m *MemFS) walk(op, p string) (*memNode, error) {
	n := m.root
	for _, part := range common.SplitPath(p) {
		if !n.isDir() {
			return nil, pathErr(op, p, common.ErrNotDir)
		}
		child, ok := n.children[part]
		if !ok {
			return nil, pathErr(op, p, common.ErrNotFound)
		}
		n = child
	}
	return n, nil
}

// parentOf resolves the directory that holds p. Must hold m.mu.
func (m *MemFS) parentOf(op, p string) (*memNode, string, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return nil, "", pathErr(op, p, common.ErrBusy)
	}
	dir, err := m.walk(op, common.ParentPath(p))
	if err != nil {
		return nil, "", err
	}
	if !dir.isDir() {
		return nil, "", pathErr(op, p, common.ErrNotDir)
	}
	return dir, common.BaseName(p), nil
}

func (m *MemFS) Lookup(p string) (*Attr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault("lookup", p, 1); err != nil {
		return nil, err
	}
	n, err := m.walk("lookup", p)
	if err != nil {
		return nil, err
	}
	return n.attr(), nil
}

// add creates a child node under the parent of p. Must hold m.mu for writing.
func (m *MemFS) add(op, p string, mode uint32) (*memNode, error) {
	if err := m.fault(op, p, 1); err != nil {
		return nil, err
	}
	dir, name, err := m.parentOf(op, p)
	if err != nil {
		return nil, err
	}
	if _, ok := dir.children[name]; ok {
		return nil, pathErr(op, p, common.ErrExists)
	}
	t := m.now()
	n := &memNode{ino: m.nextIno, mode: mode, nlink: 1, atime: t, mtime: t, ctime: t}
	m.nextIno++
	if n.isDir() {
		if dir.nlink >= m.linkMax {
			return nil, pathErr(op, p, common.ErrTooManyLinks)
		}
		n.nlink = 2
		n.children = map[string]*memNode{}
		dir.nlink++
	}
	dir.children[name] = n
	dir.mtime, dir.ctime = t, t
	return n, nil
}

func (m *MemFS) Create(p string, mode uint32) (*Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.add("create", p, ModeRegular|mode&ModePerm)
	if err != nil {
		return nil, err
	}
	return n.attr(), nil
}

func (m *MemFS) Mkdir(p string, mode uint32) (*Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.add("mkdir", p, ModeDir|mode&ModePerm)
	if err != nil {
		return nil, err
	}
	return n.attr(), nil
}

func (m *MemFS) Mknod(p string, mode uint32, rdev uint64) (*Attr, error) {
	switch mode & ModeType {
	case ModeChar, ModeBlock, ModeFIFO, ModeSocket, ModeRegular:
	default:
		return nil, pathErr("mknod", p, common.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.add("mknod", p, mode)
	if err != nil {
		return nil, err
	}
	n.rdev = rdev
	return n.attr(), nil
}

func (m *MemFS) Symlink(target, p string) (*Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.add("symlink", p, ModeSymlink|0777)
	if err != nil {
		return nil, err
	}
	n.target = target
	return n.attr(), nil
}

func (m *MemFS) Readlink(p string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.walk("readlink", p)
	if err != nil {
		return "", err
	}
	if n.mode&ModeType != ModeSymlink {
		return "", pathErr("readlink", p, common.ErrInvalidArgument)
	}
	return n.target, nil
}

func (m *MemFS) Link(oldpath, newpath string) (*Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("link", newpath, 1); err != nil {
		return nil, err
	}
	src, err := m.walk("link", oldpath)
	if err != nil {
		return nil, err
	}
	if src.isDir() {
		return nil, pathErr("link", oldpath, common.ErrPermission)
	}
	if src.nlink >= m.linkMax {
		return nil, pathErr("link", oldpath, common.ErrTooManyLinks)
	}
	dir, name, err := m.parentOf("link", newpath)
	if err != nil {
		return nil, err
	}
	if _, ok := dir.children[name]; ok {
		return nil, pathErr("link", newpath, common.ErrExists)
	}
	t := m.now()
	dir.children[name] = src
	dir.mtime, dir.ctime = t, t
	src.nlink++
	src.ctime = t
	return src.attr(), nil
}

func (m *MemFS) Unlink(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("unlink", p, 1); err != nil {
		return err
	}
	dir, name, err := m.parentOf("unlink", p)
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		return pathErr("unlink", p, common.ErrNotFound)
	}
	if n.isDir() {
		return pathErr("unlink", p, common.ErrIsDir)
	}
	t := m.now()
	delete(dir.children, name)
	dir.mtime, dir.ctime = t, t
	n.nlink--
	n.ctime = t
	return nil
}

func (m *MemFS) Rmdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("rmdir", p, 1); err != nil {
		return err
	}
	dir, name, err := m.parentOf("rmdir", p)
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		return pathErr("rmdir", p, common.ErrNotFound)
	}
	if !n.isDir() {
		return pathErr("rmdir", p, common.ErrNotDir)
	}
	if len(n.children) > 0 {
		return pathErr("rmdir", p, common.ErrNotEmpty)
	}
	t := m.now()
	delete(dir.children, name)
	dir.nlink--
	dir.mtime, dir.ctime = t, t
	n.nlink = 0
	return nil
}

func (m *MemFS) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("rename", oldpath, 1); err != nil {
		return err
	}
	oldpath, newpath = common.NormalizePath(oldpath), common.NormalizePath(newpath)
	sdir, sname, err := m.parentOf("rename", oldpath)
	if err != nil {
		return err
	}
	src, ok := sdir.children[sname]
	if !ok {
		return pathErr("rename", oldpath, common.ErrNotFound)
	}
	if src.isDir() && (newpath == oldpath || strings.HasPrefix(newpath, oldpath+"/")) {
		if newpath == oldpath {
			return nil
		}
		return pathErr("rename", newpath, common.ErrInvalidArgument)
	}
	ddir, dname, err := m.parentOf("rename", newpath)
	if err != nil {
		return err
	}
	if dst, ok := ddir.children[dname]; ok {
		if dst == src {
			return nil
		}
		switch {
		case src.isDir() && !dst.isDir():
			return pathErr("rename", newpath, common.ErrNotDir)
		case !src.isDir() && dst.isDir():
			return pathErr("rename", newpath, common.ErrIsDir)
		case dst.isDir() && len(dst.children) > 0:
			return pathErr("rename", newpath, common.ErrNotEmpty)
		}
		if dst.isDir() {
			ddir.nlink--
			dst.nlink = 0
		} else {
			dst.nlink--
		}
	}
	t := m.now()
	delete(sdir.children, sname)
	ddir.children[dname] = src
	if src.isDir() && sdir != ddir {
		sdir.nlink--
		ddir.nlink++
	}
	sdir.mtime, sdir.ctime = t, t
	ddir.mtime, ddir.ctime = t, t
	src.ctime = t
	return nil
}

func (m *MemFS) Open(p string, flags int) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("open", p, 1); err != nil {
		return nil, err
	}
	n, err := m.walk("open", p)
	if err != nil {
		return nil, err
	}
	if n.isDir() && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, pathErr("open", p, common.ErrIsDir)
	}
	if flags&os.O_TRUNC != 0 && n.mode&ModeType == ModeRegular && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		n.data = nil
		n.mtime = m.now()
	}
	return &memFile{fs: m, node: n, path: common.NormalizePath(p), flags: flags}, nil
}

func (m *MemFS) ReadDir(p string) ([]DirEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault("readdir", p, 1); err != nil {
		return nil, err
	}
	n, err := m.walk("readdir", p)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, pathErr("readdir", p, common.ErrNotDir)
	}
	entries := make([]DirEntry, 0, len(n.children))
	for name, c := range n.children {
		entries = append(entries, DirEntry{Name: name, Ino: c.ino, Type: c.mode & ModeType})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *MemFS) SetAttr(p string, sa *SetAttr) (*Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("setattr", p, 1); err != nil {
		return nil, err
	}
	n, err := m.walk("setattr", p)
	if err != nil {
		return nil, err
	}
	if sa.Size != nil {
		if n.mode&ModeType != ModeRegular {
			return nil, pathErr("setattr", p, common.ErrInvalidArgument)
		}
		n.truncate(*sa.Size)
		n.mtime = m.now()
	}
	if sa.Mode != nil {
		n.mode = n.mode&ModeType | *sa.Mode&ModePerm
	}
	if sa.Uid != nil {
		n.uid = *sa.Uid
	}
	if sa.Gid != nil {
		n.gid = *sa.Gid
	}
	if sa.Atime != nil {
		n.atime = *sa.Atime
	}
	if sa.Mtime != nil {
		n.mtime = *sa.Mtime
	}
	if sa.Flags != nil {
		n.flags = *sa.Flags
	}
	n.ctime = m.now()
	return n.attr(), nil
}

func (n *memNode) truncate(size int64) {
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
		return
	}
	n.data = append(n.data, make([]byte, size-int64(len(n.data)))...)
}

func (m *MemFS) StatFS() (*StatFS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	used := m.nextIno
	return &StatFS{
		Bsize:   4096,
		Blocks:  1 << 20,
		Bfree:   1<<20 - used,
		Bavail:  1<<20 - used,
		Files:   1 << 20,
		Ffree:   1<<20 - used,
		NameLen: common.MaxNameLen,
	}, nil
}

func (m *MemFS) Access(p string, mask uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.walk("access", p)
	if err != nil {
		return err
	}
	perm := n.mode >> 6 & 7
	if perm&mask != mask {
		return pathErr("access", p, common.ErrPermission)
	}
	return nil
}

type memFile struct {
	fs     *MemFS
	node   *memNode
	path   string
	flags  int
	closed bool
}

func (f *memFile) ReadAt(b []byte, off int64) (int, error) {
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if err := f.fs.fault("read", f.path, int64(len(b))); err != nil {
		return 0, err
	}
	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.node.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(b []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, pathErr("write", f.path, common.ErrInvalidHandle)
	}
	if err := f.fs.fault("write", f.path, int64(len(b))); err != nil {
		return 0, err
	}
	if f.flags&os.O_APPEND != 0 {
		off = int64(len(f.node.data))
	}
	if end := off + int64(len(b)); end > int64(len(f.node.data)) {
		f.node.truncate(end)
	}
	copy(f.node.data[off:], b)
	f.node.mtime = f.fs.now()
	return len(b), nil
}

func (f *memFile) Truncate(size int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if err := f.fs.fault("truncate", f.path, 1); err != nil {
		return err
	}
	f.node.truncate(size)
	f.node.mtime = f.fs.now()
	return nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}
