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

package whiteout

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/util"
)

// markerMode is the mode of whiteouts, opaque markers and the base.
const markerMode = 0

// Lookup reports whether name is whited out in directory parent of br.
func Lookup(br *branch.Branch, parent, name string) (bool, error) {
	return exists(br.FS(), common.JoinPath(parent, Name(name)))
}

// Create hides name below directory parent of br. The caller holds the
// branch lock of parent.
func Create(ctx context.Context, br *branch.Branch, parent, name string) error {
	if len(Name(name)) > common.MaxNameLen {
		return fmt.Errorf("%w: whiteout of %q", common.ErrNameTooLong, name)
	}
	return createMarker(ctx, br, common.JoinPath(parent, Name(name)))
}

// Remove deletes the whiteout of name in parent. The caller holds the
// branch lock of parent.
func Remove(br *branch.Branch, parent, name string) error {
	p := common.JoinPath(parent, Name(name))
	if err := br.FS().Unlink(p); err != nil {
		return fmt.Errorf("remove whiteout %s on %s: %w", p, br, err)
	}
	log.Debugf("[whiteout] removed %s on %s", p, br)
	return nil
}

// MarkOpaque makes directory dir of br hide every lower branch.
func MarkOpaque(ctx context.Context, br *branch.Branch, dir string) error {
	return createMarker(ctx, br, common.JoinPath(dir, OpaqueName))
}

// ClearOpaque removes the opaque marker of dir, if any.
func ClearOpaque(br *branch.Branch, dir string) error {
	err := br.FS().Unlink(common.JoinPath(dir, OpaqueName))
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	return nil
}

// IsOpaque reports whether dir of br carries the opaque marker.
func IsOpaque(br *branch.Branch, dir string) (bool, error) {
	return exists(br.FS(), common.JoinPath(dir, OpaqueName))
}

func exists(fs lowerfs.FS, p string) (bool, error) {
	_, err := fs.Lookup(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrNotDir):
		return false, nil
	}
	return false, err
}

// errNoBase is internal: the branch has no usable whiteout base.
var errNoBase = errors.New("no whiteout base")

// createMarker links the whiteout base to p, reinitializing the base once
// when it ran out of links, and falls back to a fresh zero-length file.
func createMarker(ctx context.Context, br *branch.Branch, p string) error {
	if br.Perm().LinkWhiteout() {
		err := retry.Do(func() error {
			return linkBase(br, p)
		}, util.RetryOnceOptions(ctx, util.IsTooManyLinks, func(error) error {
			return ReinitBase(br)
		})...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errNoBase), util.IsTooManyLinks(err):
			log.Debugf("[whiteout] %s on %s: %v, creating a plain marker", p, br, err)
		default:
			return err
		}
	}
	if _, err := br.FS().Create(p, markerMode); err != nil {
		return fmt.Errorf("create whiteout %s on %s: %w", p, br, err)
	}
	log.Debugf("[whiteout] created %s on %s", p, br)
	return nil
}

func linkBase(br *branch.Branch, p string) error {
	mu := br.WhiteoutLock()
	mu.RLock()
	defer mu.RUnlock()
	if !br.WhiteoutBase() {
		return errNoBase
	}
	_, err := br.FS().Link(BaseName, p)
	if errors.Is(err, common.ErrNotFound) {
		if _, lerr := br.FS().Lookup(BaseName); errors.Is(lerr, common.ErrNotFound) {
			// removed behind our back
			return errNoBase
		}
	}
	if err == nil {
		log.Debugf("[whiteout] linked %s on %s", p, br)
	}
	return err
}

// InitBase prepares the whiteout base of a writable branch: branches that
// link whiteouts get a fresh base, other branches have theirs removed.
func InitBase(br *branch.Branch) error {
	if !br.Perm().LinkWhiteout() {
		if br.Perm().Writable() {
			return DropBase(br)
		}
		mu := br.WhiteoutLock()
		mu.Lock()
		br.SetWhiteoutBase(false)
		mu.Unlock()
		return nil
	}
	return ReinitBase(br)
}

// ReinitBase replaces the whiteout base with a new object. Existing
// whiteouts keep their links to the old one.
func ReinitBase(br *branch.Branch) error {
	mu := br.WhiteoutLock()
	mu.Lock()
	defer mu.Unlock()
	fs := br.FS()
	if err := fs.Unlink(BaseName); err != nil && !errors.Is(err, common.ErrNotFound) {
		br.SetWhiteoutBase(false)
		return fmt.Errorf("remove whiteout base on %s: %w", br, err)
	}
	if _, err := fs.Create(BaseName, markerMode); err != nil {
		br.SetWhiteoutBase(false)
		return fmt.Errorf("create whiteout base on %s: %w", br, err)
	}
	br.SetWhiteoutBase(true)
	log.Debugf("[whiteout] base initialized on %s", br)
	return nil
}

// DropBase removes the whiteout base; later whiteouts are plain files.
func DropBase(br *branch.Branch) error {
	mu := br.WhiteoutLock()
	mu.Lock()
	defer mu.Unlock()
	br.SetWhiteoutBase(false)
	if err := br.FS().Unlink(BaseName); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("remove whiteout base on %s: %w", br, err)
	}
	return nil
}

// EnsurePlinkDir creates the pseudo-link directory of br if needed.
func EnsurePlinkDir(br *branch.Branch) error {
	attr, err := br.FS().Lookup(PlinkDir)
	switch {
	case err == nil && attr.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("%w: %s on %s is not a directory", common.ErrNotDir, PlinkDir, br)
	case !errors.Is(err, common.ErrNotFound):
		return err
	}
	if _, err := br.FS().Mkdir(PlinkDir, 0700); err != nil && !errors.Is(err, common.ErrExists) {
		return fmt.Errorf("create pseudo-link directory on %s: %w", br, err)
	}
	return nil
}

// PlinkPath is the branch path of a pseudo-link.
func PlinkPath(uno, local uint64) string {
	return common.JoinPath(PlinkDir, PlinkName(uno, local))
}

// Count returns the number of whiteouts directly inside dir of br.
func Count(br *branch.Branch, dir string) (int, error) {
	entries, err := br.FS().ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if _, ok := Strip(e.Name); ok {
			n++
		}
	}
	return n, nil
}

// RemoveDir deletes directory dir of br together with the whiteouts and
// metadata it holds. Any other entry makes it fail with ErrNotEmpty. The
// directory is expected to be logically empty and unreachable.
func RemoveDir(br *branch.Branch, dir string) error {
	fs := br.FS()
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !Reserved(e.Name) {
			return fmt.Errorf("%w: %s/%s on %s", common.ErrNotEmpty, dir, e.Name, br)
		}
	}
	for _, e := range entries {
		p := common.JoinPath(dir, e.Name)
		if e.Type == lowerfs.ModeDir {
			if err := RemoveDir(br, p); err != nil {
				return err
			}
			continue
		}
		if err := fs.Unlink(p); err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
	}
	return fs.Rmdir(dir)
}
