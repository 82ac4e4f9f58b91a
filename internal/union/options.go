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
	"fmt"
	"strings"
	"time"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/vdir"
	"stackfs/internal/workq"
)

// Udba selects how the union notices changes made to branches behind its
// back.
type Udba uint8

const (
	// UdbaNone trusts cached entries until the generation changes.
	UdbaNone Udba = iota
	// UdbaReval re-checks the primary object of an entry on every access.
	UdbaReval
	// UdbaWatch invalidates entries from filesystem notifications.
	UdbaWatch
)

func (u Udba) String() string {
	switch u {
	case UdbaNone:
		return "none"
	case UdbaReval:
		return "reval"
	case UdbaWatch:
		return "watch"
	}
	return fmt.Sprintf("udba(%d)", uint8(u))
}

// ParseUdba parses a udba mode name.
func ParseUdba(s string) (Udba, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return UdbaNone, nil
	case "reval":
		return UdbaReval, nil
	case "watch", "notify":
		return UdbaWatch, nil
	}
	return 0, fmt.Errorf("%w: udba %q", common.ErrInvalidConfig, s)
}

// Defaults for Options fields left zero.
const (
	DefaultDirWh      = 3
	DefaultRdCache    = 10 * time.Second
	DefaultCopyBuffer = 64 * 1024
)

// Options configures a mount.
type Options struct {
	// Xino is the directory holding the external inode map files. Empty
	// or "off" keeps the maps in memory.
	Xino string
	// Plink enables pseudo-links. Off unless asked for: embedders opt in,
	// while the mount configuration file turns it on by default.
	Plink bool
	Udba  Udba
	// AlwaysDiropq marks every directory created by mkdir opaque, not only
	// those replacing a whiteout.
	AlwaysDiropq bool
	// DirWh is the whiteout count from which a removed directory is
	// deleted in the background.
	DirWh int
	// RdCache is the maximum age of a cached directory listing.
	RdCache time.Duration
	// RdBlk is the number of entries per listing block.
	RdBlk int
	// Workers sizes the background pool.
	Workers int
	// CopyBuffer is the copy-up block size.
	CopyBuffer int
	// WatchIgnore holds gitignore patterns of paths whose change
	// notifications are ignored (udba=watch).
	WatchIgnore []string
	// MountPoint is the host path the union is mounted on, if any.
	MountPoint string
	// AllowRemote accepts NFS branches.
	AllowRemote bool
}

func (o *Options) applyDefaults() {
	if o.DirWh <= 0 {
		o.DirWh = DefaultDirWh
	}
	if o.RdCache == 0 {
		o.RdCache = DefaultRdCache
	}
	if o.RdBlk <= 0 {
		o.RdBlk = vdir.DefaultBlockSize
	}
	if o.Workers <= 0 {
		o.Workers = workq.DefaultWorkers
	}
	if o.CopyBuffer <= 0 {
		o.CopyBuffer = DefaultCopyBuffer
	}
}

func (o *Options) xinoOff() bool {
	return o.Xino == "" || strings.EqualFold(o.Xino, "off")
}

// BranchSpec describes one branch to mount.
type BranchSpec struct {
	// Path is the location as configured, used for logs and listings.
	Path string
	Perm branch.Perm
	FS   lowerfs.FS
}

// BranchInfo describes a mounted branch.
type BranchInfo struct {
	Index int
	ID    branch.ID
	Path  string
	Perm  branch.Perm
	Kind  string
	Refs  int64
}
