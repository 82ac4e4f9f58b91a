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

// Package lowerfs defines the contract a branch filesystem offers to the
// union engine, together with the in-memory and host-directory backends.
//
// All paths are branch-relative, slash separated and normalized; "" names
// the branch root. Errors wrap the sentinels in internal/common so callers
// can test them with errors.Is.
package lowerfs

import (
	"io"
	"time"
)

// POSIX file type bits
const (
	ModeType    = 0170000
	ModeSocket  = 0140000
	ModeSymlink = 0120000
	ModeRegular = 0100000
	ModeBlock   = 0060000
	ModeDir     = 0040000
	ModeChar    = 0020000
	ModeFIFO    = 0010000
	ModePerm    = 07777
)

// Attribute flags preserved by copy-up.
const (
	FlagImmutable uint32 = 1 << iota
	FlagAppend
)

// Access mask bits for Access.
const (
	AccessRead    uint32 = 4
	AccessWrite   uint32 = 2
	AccessExecute uint32 = 1
)

// Attr is the metadata of one branch object.
type Attr struct {
	Ino   uint64 // branch-local node number
	Mode  uint32 // type and permission bits
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Rdev  uint64
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Flags uint32
}

// Type returns the file type bits of the mode.
func (a *Attr) Type() uint32 { return a.Mode & ModeType }

func (a *Attr) IsDir() bool     { return a.Type() == ModeDir }
func (a *Attr) IsRegular() bool { return a.Type() == ModeRegular }
func (a *Attr) IsSymlink() bool { return a.Type() == ModeSymlink }

// SetAttr describes an attribute change. Nil fields are left untouched.
type SetAttr struct {
	Mode  *uint32 // permission bits only
	Uid   *uint32
	Gid   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
	Flags *uint32
}

// Empty reports whether no field is set.
func (s *SetAttr) Empty() bool {
	return s.Mode == nil && s.Uid == nil && s.Gid == nil && s.Size == nil &&
		s.Atime == nil && s.Mtime == nil && s.Flags == nil
}

// DirEntry is one raw directory entry as the branch reports it.
type DirEntry struct {
	Name string
	Ino  uint64
	Type uint32 // file type bits
}

// StatFS reports capacity information of a branch.
type StatFS struct {
	Type    int64 // filesystem magic, 0 when unknown
	Bsize   uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameLen uint32
}

// File is an open branch object.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FS is the branch filesystem contract consumed by the union engine.
type FS interface {
	// Kind names the backend ("mem", "os", "sqlite").
	Kind() string
	// Root identifies the branch root for overlap checks. Backends without
	// a host path return a unique opaque string.
	Root() string

	Lookup(path string) (*Attr, error)
	Create(path string, mode uint32) (*Attr, error)
	Mkdir(path string, mode uint32) (*Attr, error)
	Mknod(path string, mode uint32, rdev uint64) (*Attr, error)
	Symlink(target, path string) (*Attr, error)
	Readlink(path string) (string, error)
	Link(oldpath, newpath string) (*Attr, error)
	Unlink(path string) error
	Rmdir(path string) error
	Rename(oldpath, newpath string) error

	Open(path string, flags int) (File, error)
	ReadDir(path string) ([]DirEntry, error)
	SetAttr(path string, sa *SetAttr) (*Attr, error)
	StatFS() (*StatFS, error)
	Access(path string, mask uint32) error
}
