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


package fusefs

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/union"
)

// node is a FUSE inode. It keeps no union state of its own: every call
// resolves the node's current path in the FUSE tree.
type node struct {
	fs.Inode
	m *union.Mount
}

var (
	_ fs.NodeGetattrer  = (*node)(nil)
	_ fs.NodeSetattrer  = (*node)(nil)
	_ fs.NodeLookuper   = (*node)(nil)
	_ fs.NodeAccesser   = (*node)(nil)
	_ fs.NodeReaddirer  = (*node)(nil)
	_ fs.NodeOpener     = (*node)(nil)
	_ fs.NodeCreater    = (*node)(nil)
	_ fs.NodeMkdirer    = (*node)(nil)
	_ fs.NodeMknoder    = (*node)(nil)
	_ fs.NodeSymlinker  = (*node)(nil)
	_ fs.NodeLinker     = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
	_ fs.NodeUnlinker   = (*node)(nil)
	_ fs.NodeRmdirer    = (*node)(nil)
	_ fs.NodeRenamer    = (*node)(nil)
	_ fs.NodeStatfser   = (*node)(nil)
)

func (n *node) path() string {
	return n.Path(nil)
}

func (n *node) child(name string) string {
	return common.JoinPath(n.path(), name)
}

// entry builds the inode for a freshly resolved child. A known union
// number yields the existing inode, which keeps hard links shared.
func (n *node) entry(ctx context.Context, a *lowerfs.Attr, out *fuse.EntryOut) *fs.Inode {
	fillAttr(&out.Attr, a)
	return n.NewInode(ctx, &node{m: n.m}, fs.StableAttr{Mode: a.Type(), Ino: a.Ino})
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var (
		a   *lowerfs.Attr
		err error
	)
	if h, ok := fh.(*handle); ok {
		a, err = h.f.Stat()
	} else {
		a, err = n.m.Stat(ctx, n.path())
	}
	if err != nil {
		return errno("getattr", n.path(), err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.path()
	sa := setAttrFrom(in, time.Now())
	h, _ := fh.(*handle)
	// ftruncate goes through the open file so unlinked files work
	if h != nil && sa.Size != nil {
		if err := h.f.Truncate(*sa.Size); err != nil {
			return errno("truncate", p, err)
		}
		sa.Size = nil
	}
	var (
		a   *lowerfs.Attr
		err error
	)
	if !sa.Empty() {
		if a, err = n.m.SetAttr(ctx, p, sa); err != nil {
			return errno("setattr", p, err)
		}
	}
	if h != nil {
		a, err = h.f.Stat()
	} else if a == nil {
		a, err = n.m.Stat(ctx, p)
	}
	if err != nil {
		return errno("setattr", p, err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	a, err := n.m.Stat(ctx, p)
	if err != nil {
		return nil, errno("lookup", p, err)
	}
	return n.entry(ctx, a, out), 0
}

func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return errno("access", n.path(), n.m.Access(ctx, n.path(), mask))
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	p := n.path()
	f, err := n.m.Open(ctx, p, os.O_RDONLY, 0)
	if err != nil {
		return nil, errno("readdir", p, err)
	}
	defer f.Close()
	ents, err := f.ReadDir(0)
	if err != nil {
		return nil, errno("readdir", p, err)
	}
	out := make([]fuse.DirEntry, 0, len(ents))
	for _, e := range ents {
		out = append(out, fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Type})
	}
	return fs.NewListDirStream(out), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	f, err := n.m.Open(ctx, p, int(flags)&^(syscall.O_CREAT|syscall.O_EXCL), 0)
	if err != nil {
		return nil, 0, errno("open", p, err)
	}
	return &handle{f: f, path: p}, 0, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.child(name)
	f, err := n.m.Open(ctx, p, int(flags)|os.O_CREATE, mode&lowerfs.ModePerm)
	if err != nil {
		return nil, nil, 0, errno("create", p, err)
	}
	a, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, errno("create", p, err)
	}
	return n.entry(ctx, a, out), &handle{f: f, path: p}, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	a, err := n.m.Mkdir(ctx, p, mode&lowerfs.ModePerm)
	if err != nil {
		return nil, errno("mkdir", p, err)
	}
	return n.entry(ctx, a, out), 0
}

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	a, err := n.m.Mknod(ctx, p, mode, uint64(dev))
	if err != nil {
		return nil, errno("mknod", p, err)
	}
	return n.entry(ctx, a, out), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	a, err := n.m.Symlink(ctx, target, p)
	if err != nil {
		return nil, errno("symlink", p, err)
	}
	return n.entry(ctx, a, out), 0
}

func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	a, err := n.m.Link(ctx, target.EmbeddedInode().Path(nil), p)
	if err != nil {
		return nil, errno("link", p, err)
	}
	return n.entry(ctx, a, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.m.Readlink(ctx, n.path())
	if err != nil {
		return nil, errno("readlink", n.path(), err)
	}
	return []byte(target), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)
	return errno("unlink", p, n.m.Unlink(ctx, p))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.child(name)
	return errno("rmdir", p, n.m.Rmdir(ctx, p))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	// RENAME_NOREPLACE and RENAME_EXCHANGE are not offered
	if flags != 0 {
		return syscall.EINVAL
	}
	oldPath := n.child(name)
	newPath := common.JoinPath(newParent.EmbeddedInode().Path(nil), newName)
	return errno("rename", oldPath, n.m.Rename(ctx, oldPath, newPath))
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.m.StatFS(ctx)
	if err != nil {
		return errno("statfs", "", err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = st.Bsize
	out.Frsize = st.Bsize
	out.NameLen = st.NameLen
	return 0
}
