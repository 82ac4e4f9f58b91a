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

//go:build linux

package lowerfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"stackfs/internal/common"
)

// OSFS is a branch backed by a host directory.
type OSFS struct {
	root string
}

// NewOSFS opens the host directory root as a branch.
func NewOSFS(root string) (*OSFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve branch root %s: %w", root, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return nil, mapErr("stat", abs, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, pathErr("stat", abs, common.ErrNotDir)
	}
	return &OSFS{root: filepath.Clean(abs)}, nil
}

func (o *OSFS) Kind() string { return "os" }
func (o *OSFS) Root() string { return o.root }

// full maps a branch path to a host path. Normalization keeps the result
// below the root.
func (o *OSFS) full(p string) string {
	p = common.NormalizePath(p)
	if p == "" {
		return o.root
	}
	return filepath.Join(o.root, filepath.FromSlash(p))
}

func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return pathErr(op, p, common.FromErrno(errno))
	}
	return pathErr(op, p, err)
}

func attrFromStat(st *unix.Stat_t) *Attr {
	return &Attr{
		Ino:   st.Ino,
		Mode:  st.Mode,
		Nlink: uint32(st.Nlink),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Rdev:  uint64(st.Rdev),
		Size:  st.Size,
		Atime: time.Unix(st.Atim.Unix()),
		Mtime: time.Unix(st.Mtim.Unix()),
		Ctime: time.Unix(st.Ctim.Unix()),
	}
}

func (o *OSFS) Lookup(p string) (*Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(o.full(p), &st); err != nil {
		return nil, mapErr("lookup", p, err)
	}
	return attrFromStat(&st), nil
}

func (o *OSFS) Create(p string, mode uint32) (*Attr, error) {
	fd, err := unix.Open(o.full(p), unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY|unix.O_CLOEXEC|unix.O_NOFOLLOW, mode&ModePerm)
	if err != nil {
		return nil, mapErr("create", p, err)
	}
	var st unix.Stat_t
	err = unix.Fstat(fd, &st)
	unix.Close(fd)
	if err != nil {
		return nil, mapErr("create", p, err)
	}
	return attrFromStat(&st), nil
}

func (o *OSFS) Mkdir(p string, mode uint32) (*Attr, error) {
	if err := unix.Mkdir(o.full(p), mode&ModePerm); err != nil {
		return nil, mapErr("mkdir", p, err)
	}
	return o.Lookup(p)
}

func (o *OSFS) Mknod(p string, mode uint32, rdev uint64) (*Attr, error) {
	if err := unix.Mknod(o.full(p), mode, int(rdev)); err != nil {
		return nil, mapErr("mknod", p, err)
	}
	return o.Lookup(p)
}

func (o *OSFS) Symlink(target, p string) (*Attr, error) {
	if err := unix.Symlink(target, o.full(p)); err != nil {
		return nil, mapErr("symlink", p, err)
	}
	return o.Lookup(p)
}

func (o *OSFS) Readlink(p string) (string, error) {
	target, err := os.Readlink(o.full(p))
	if err != nil {
		return "", mapErr("readlink", p, err)
	}
	return target, nil
}

func (o *OSFS) Link(oldpath, newpath string) (*Attr, error) {
	if err := unix.Link(o.full(oldpath), o.full(newpath)); err != nil {
		return nil, mapErr("link", newpath, err)
	}
	return o.Lookup(newpath)
}

func (o *OSFS) Unlink(p string) error {
	return mapErr("unlink", p, unix.Unlink(o.full(p)))
}

func (o *OSFS) Rmdir(p string) error {
	return mapErr("rmdir", p, unix.Rmdir(o.full(p)))
}

func (o *OSFS) Rename(oldpath, newpath string) error {
	return mapErr("rename", oldpath, unix.Rename(o.full(oldpath), o.full(newpath)))
}

func (o *OSFS) Open(p string, flags int) (File, error) {
	f, err := os.OpenFile(o.full(p), flags|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, mapErr("open", p, err)
	}
	return f, nil
}

func (o *OSFS) ReadDir(p string) ([]DirEntry, error) {
	dirents, err := os.ReadDir(o.full(p))
	if err != nil {
		return nil, mapErr("readdir", p, err)
	}
	entries := make([]DirEntry, 0, len(dirents))
	for _, de := range dirents {
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(o.full(p), de.Name()), &st); err != nil {
			// raced with a removal
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return nil, mapErr("readdir", p, err)
		}
		entries = append(entries, DirEntry{Name: de.Name(), Ino: st.Ino, Type: st.Mode & ModeType})
	}
	return entries, nil
}

func (o *OSFS) SetAttr(p string, sa *SetAttr) (*Attr, error) {
	full := o.full(p)
	if sa.Size != nil {
		if err := unix.Truncate(full, *sa.Size); err != nil {
			return nil, mapErr("truncate", p, err)
		}
	}
	if sa.Uid != nil || sa.Gid != nil {
		uid, gid := -1, -1
		if sa.Uid != nil {
			uid = int(*sa.Uid)
		}
		if sa.Gid != nil {
			gid = int(*sa.Gid)
		}
		if err := unix.Lchown(full, uid, gid); err != nil {
			return nil, mapErr("chown", p, err)
		}
	}
	if sa.Mode != nil {
		var st unix.Stat_t
		if err := unix.Lstat(full, &st); err != nil {
			return nil, mapErr("chmod", p, err)
		}
		// symlink permissions are fixed on Linux
		if st.Mode&unix.S_IFMT != unix.S_IFLNK {
			if err := unix.Chmod(full, *sa.Mode&ModePerm); err != nil {
				return nil, mapErr("chmod", p, err)
			}
		}
	}
	if sa.Atime != nil || sa.Mtime != nil {
		ts := []unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
		if sa.Atime != nil {
			ts[0] = unix.NsecToTimespec(sa.Atime.UnixNano())
		}
		if sa.Mtime != nil {
			ts[1] = unix.NsecToTimespec(sa.Mtime.UnixNano())
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, full, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return nil, mapErr("utimes", p, err)
		}
	}
	return o.Lookup(p)
}

func (o *OSFS) StatFS() (*StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(o.root, &st); err != nil {
		return nil, mapErr("statfs", "", err)
	}
	return &StatFS{
		Type:    int64(st.Type),
		Bsize:   uint32(st.Bsize),
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		NameLen: uint32(st.Namelen),
	}, nil
}

func (o *OSFS) Access(p string, mask uint32) error {
	return mapErr("access", p, unix.Access(o.full(p), mask))
}
