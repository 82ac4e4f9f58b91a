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


package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/union"
)

// NFSServer wraps the go-nfs server
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
}

// NewNFSServer creates an NFS server exporting the union mount.
func NewNFSServer(m *union.Mount) *NFSServer {
	// Set go-nfs log level to match ours
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(m))
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		server: &nfs.Server{Handler: cacheHelper, Context: ctx},
		cancel: cancel,
	}
}

// Listen binds the server to addr and returns the bound address.
func (s *NFSServer) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return listener.Addr(), nil
}

// Serve serves NFS requests until Shutdown. Listen must come first.
func (s *NFSServer) Serve() error {
	if s.listener == nil {
		return errors.New("nfs server is not listening")
	}
	return s.server.Serve(s.listener)
}

// Shutdown stops the NFS server.
func (s *NFSServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// BillyAdapter exposes a union mount as a billy filesystem for go-nfs.
type BillyAdapter struct {
	m *union.Mount
}

// NewBillyAdapter creates a billy adapter for the mount.
func NewBillyAdapter(m *union.Mount) *BillyAdapter {
	return &BillyAdapter{m: m}
}

// osErr converts union errors into *os.PathError carrying an errno, the
// form go-nfs inspects to pick NFS status codes.
func osErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: common.ToErrno(err)}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	f, err := b.m.Open(context.Background(), filename, flag, uint32(perm.Perm()))
	if err != nil {
		return nil, osErr("open", filename, err)
	}
	bf := &BillyFile{adapter: b, file: f, name: filename}
	if flag&os.O_APPEND != 0 {
		if _, err := bf.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}
	return bf, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	a, err := b.m.Stat(context.Background(), filename)
	if err != nil {
		return nil, osErr("stat", filename, err)
	}
	return newFileInfo(path.Base(filename), a), nil
}

// Lstat and Stat are identical: the union never follows symlinks.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return osErr("rename", oldpath, b.m.Rename(context.Background(), oldpath, newpath))
}

// Remove removes a file or an empty directory.
func (b *BillyAdapter) Remove(filename string) error {
	ctx := context.Background()
	a, err := b.m.Stat(ctx, filename)
	if err != nil {
		return osErr("remove", filename, err)
	}
	if a.IsDir() {
		err = b.m.Rmdir(ctx, filename)
	} else {
		err = b.m.Unlink(ctx, filename)
	}
	return osErr("remove", filename, err)
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	ctx := context.Background()
	f, err := b.m.Open(ctx, dirname, os.O_RDONLY, 0)
	if err != nil {
		return nil, osErr("readdir", dirname, err)
	}
	defer f.Close()
	entries, err := f.ReadDir(0)
	if err != nil {
		return nil, osErr("readdir", dirname, err)
	}
	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		a, err := b.m.Stat(ctx, common.JoinPath(common.NormalizePath(dirname), e.Name))
		if err != nil {
			// removed between the listing and the stat
			if common.IsNotFound(err) {
				continue
			}
			return nil, osErr("readdir", dirname, err)
		}
		result = append(result, newFileInfo(e.Name, a))
	}
	return result, nil
}

// MkdirAll creates filename and any missing parents.
func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	ctx := context.Background()
	p := ""
	for _, name := range common.SplitPath(common.NormalizePath(filename)) {
		p = common.JoinPath(p, name)
		_, err := b.m.Mkdir(ctx, p, uint32(perm.Perm()))
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrExists) {
			return osErr("mkdir", p, err)
		}
		a, serr := b.m.Stat(ctx, p)
		if serr != nil {
			return osErr("mkdir", p, serr)
		}
		if !a.IsDir() {
			return osErr("mkdir", p, common.ErrNotDir)
		}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	_, err := b.m.Symlink(context.Background(), target, link)
	return osErr("symlink", link, err)
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	target, err := b.m.Readlink(context.Background(), link)
	return target, osErr("readlink", link, err)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) Root() string {
	return "/"
}

func (b *BillyAdapter) setAttr(op, name string, sa *lowerfs.SetAttr) error {
	_, err := b.m.SetAttr(context.Background(), name, sa)
	return osErr(op, name, err)
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	perm := uint32(mode.Perm())
	return b.setAttr("chmod", name, &lowerfs.SetAttr{Mode: &perm})
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	return b.Chown(name, uid, gid)
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	sa := &lowerfs.SetAttr{}
	if uid >= 0 {
		u := uint32(uid)
		sa.Uid = &u
	}
	if gid >= 0 {
		g := uint32(gid)
		sa.Gid = &g
	}
	if sa.Empty() {
		return nil
	}
	return b.setAttr("chown", name, sa)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	return b.setAttr("chtimes", name, &lowerfs.SetAttr{Atime: &atime, Mtime: &mtime})
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile is an open union file with a stream offset.
type BillyFile struct {
	adapter *BillyAdapter
	file    *union.File
	name    string
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	n, err = f.file.WriteAt(p, f.offset)
	f.offset += int64(n)
	if err != nil {
		return n, osErr("write", f.name, err)
	}
	return n, nil
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.file.ReadAt(p, f.offset)
	f.offset += int64(n)
	if err != nil && err != io.EOF {
		return n, osErr("read", f.name, err)
	}
	return n, err
}

func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = f.file.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, osErr("read", f.name, err)
	}
	return n, err
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		a, err := f.file.Stat()
		if err != nil {
			return 0, osErr("seek", f.name, err)
		}
		f.offset = a.Size + offset
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return osErr("close", f.name, f.file.Close())
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return osErr("truncate", f.name, f.file.Truncate(size))
}

// BillyFileInfo is an os.FileInfo over union attributes.
type BillyFileInfo struct {
	name string
	attr lowerfs.Attr
}

func newFileInfo(name string, a *lowerfs.Attr) *BillyFileInfo {
	if name == "." || name == "" {
		name = "/"
	}
	return &BillyFileInfo{name: name, attr: *a}
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return fi.attr.Size
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	mode := os.FileMode(fi.attr.Mode & 0777)
	if fi.attr.Mode&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if fi.attr.Mode&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if fi.attr.Mode&01000 != 0 {
		mode |= os.ModeSticky
	}
	switch fi.attr.Type() {
	case lowerfs.ModeDir:
		mode |= os.ModeDir
	case lowerfs.ModeSymlink:
		mode |= os.ModeSymlink
	case lowerfs.ModeChar:
		mode |= os.ModeDevice | os.ModeCharDevice
	case lowerfs.ModeBlock:
		mode |= os.ModeDevice
	case lowerfs.ModeSocket:
		mode |= os.ModeSocket
	case lowerfs.ModeFIFO:
		mode |= os.ModeNamedPipe
	}
	return mode
}

func (fi *BillyFileInfo) ModTime() time.Time {
	return fi.attr.Mtime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.attr.IsDir()
}

// Sys returns the go-nfs file info; go-nfs only reads ownership, link
// count and file id from *nfsfile.FileInfo.
func (fi *BillyFileInfo) Sys() interface{} {
	nlink := fi.attr.Nlink
	if nlink == 0 {
		nlink = 1
	}
	return &nfsfile.FileInfo{
		Nlink:  nlink,
		UID:    fi.attr.Uid,
		GID:    fi.attr.Gid,
		Fileid: fi.attr.Ino,
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
)
