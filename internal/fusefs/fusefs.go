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


// Package fusefs exports a union mount through the kernel FUSE interface.
package fusefs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/union"
	"stackfs/internal/xino"
)

// Options configures a FUSE mount.
type Options struct {
	Debug        bool
	AllowOther   bool
	EntryTimeout time.Duration
	AttrTimeout  time.Duration
	// Name is the source name shown in the mount table.
	Name string
}

// NewRoot returns the root node of the FUSE tree for m.
func NewRoot(m *union.Mount) fs.InodeEmbedder {
	return &node{m: m}
}

// Mount mounts m at mountpoint. The caller unmounts through the returned
// server; Wait returns once the kernel has dropped the mount.
func Mount(mountpoint string, m *union.Mount, opts Options) (*fuse.Server, error) {
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mount point: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = "stackfs"
	}
	entry, attr := opts.EntryTimeout, opts.AttrTimeout
	fsOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
			FsName:     name,
			Name:       "stackfs",
		},
		EntryTimeout:    &entry,
		AttrTimeout:     &attr,
		NegativeTimeout: &entry,
		RootStableAttr:  &fs.StableAttr{Ino: xino.RootIno, Mode: fuse.S_IFDIR},
	}
	server, err := fs.Mount(mountpoint, NewRoot(m), fsOpts)
	if err != nil {
		return nil, fmt.Errorf("fuse mount %s: %w", mountpoint, err)
	}
	return server, nil
}

// errno maps a union error to the errno returned to the kernel.
func errno(op, path string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	e := common.ToErrno(err)
	if e == syscall.EIO && !errors.Is(err, common.ErrIO) {
		log.Warnf("[fuse] %s %q: %v", op, path, err)
	} else {
		log.Debugf("[fuse] %s %q: %v", op, path, err)
	}
	return e
}

// fillAttr copies union attributes into a FUSE attribute block.
func fillAttr(out *fuse.Attr, a *lowerfs.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.Uid, Gid: a.Gid}
	out.Rdev = uint32(a.Rdev)
	out.Size = uint64(a.Size)
	out.Blocks = (uint64(a.Size) + 511) / 512
	out.Blksize = 4096
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

// setAttrFrom translates a FUSE setattr request.
func setAttrFrom(in *fuse.SetAttrIn, now time.Time) *lowerfs.SetAttr {
	sa := &lowerfs.SetAttr{}
	if mode, ok := in.GetMode(); ok {
		m := mode & lowerfs.ModePerm
		sa.Mode = &m
	}
	if uid, ok := in.GetUID(); ok {
		sa.Uid = &uid
	}
	if gid, ok := in.GetGID(); ok {
		sa.Gid = &gid
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		sa.Size = &s
	}
	if in.Valid&fuse.FATTR_ATIME != 0 {
		t := now
		if in.Valid&fuse.FATTR_ATIME_NOW == 0 {
			t = time.Unix(int64(in.Atime), int64(in.Atimensec))
		}
		sa.Atime = &t
	}
	if in.Valid&fuse.FATTR_MTIME != 0 {
		t := now
		if in.Valid&fuse.FATTR_MTIME_NOW == 0 {
			t = time.Unix(int64(in.Mtime), int64(in.Mtimensec))
		}
		sa.Mtime = &t
	}
	return sa
}
