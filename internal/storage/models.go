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


package storage

import (
	"time"

	"github.com/uptrace/bun"

	"stackfs/internal/lowerfs"
)

// Bun ORM models for the branch database tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the inodes table.
// Times are stored as unix nanoseconds.
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino   int64 `bun:"ino,pk,autoincrement"`
	Mode  int64 `bun:"mode,notnull"`
	UID   int64 `bun:"uid,notnull"`
	GID   int64 `bun:"gid,notnull"`
	Rdev  int64 `bun:"rdev,notnull"`
	Size  int64 `bun:"size,notnull"`
	Atime int64 `bun:"atime,notnull"`
	Mtime int64 `bun:"mtime,notnull"`
	Ctime int64 `bun:"ctime,notnull"`
	Nlink int64 `bun:"nlink,notnull"`
	Flags int64 `bun:"flags,notnull"`
}

func (m *InodeModel) isDir() bool { return uint32(m.Mode)&lowerfs.ModeType == lowerfs.ModeDir }

// ToAttr converts an InodeModel to branch attributes.
func (m *InodeModel) ToAttr() *lowerfs.Attr {
	return &lowerfs.Attr{
		Ino:   uint64(m.Ino),
		Mode:  uint32(m.Mode),
		Nlink: uint32(m.Nlink),
		Uid:   uint32(m.UID),
		Gid:   uint32(m.GID),
		Rdev:  uint64(m.Rdev),
		Size:  m.Size,
		Atime: time.Unix(0, m.Atime),
		Mtime: time.Unix(0, m.Mtime),
		Ctime: time.Unix(0, m.Ctime),
		Flags: uint32(m.Flags),
	}
}

// newInodeModel returns a fresh inode stamped with now.
func newInodeModel(mode uint32, now time.Time) *InodeModel {
	ts := now.UnixNano()
	return &InodeModel{
		Mode:  int64(mode),
		Atime: ts,
		Mtime: ts,
		Ctime: ts,
		Nlink: 1,
	}
}

// DentryModel represents the dentries table
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// ContentModel represents the content table (file chunks)
type ContentModel struct {
	bun.BaseModel `bun:"table:content"`

	Ino      int64  `bun:"ino,pk"`
	ChunkIdx int64  `bun:"chunk_idx,pk"`
	Data     []byte `bun:"data,notnull"`
}

// SymlinkModel represents the symlinks table
type SymlinkModel struct {
	bun.BaseModel `bun:"table:symlinks"`

	Ino    int64  `bun:"ino,pk"`
	Target string `bun:"target,notnull"`
}
