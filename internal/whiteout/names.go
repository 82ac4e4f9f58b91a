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

// Package whiteout implements the markers that hide names of lower
// branches. The on-branch layout is aufs compatible:
//
//	.wh.<name>            whiteout of <name> in the same directory
//	.wh..wh..opq          inside a directory: hide every lower branch
//	.wh..wh.aufs          branch root: whiteout base, hard-linked by whiteouts
//	.wh..wh.plnk/         branch root: pseudo-link directory
//	.wh..wh.<name>.<hex>  temporary name of an object being removed
//
// Names starting with the double prefix are metadata and never shown.
package whiteout

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stackfs/internal/common"
)

const (
	Prefix     = ".wh."
	MetaPrefix = Prefix + Prefix
	OpaqueName = MetaPrefix + ".opq"
	BaseName   = MetaPrefix + "aufs"
	PlinkDir   = MetaPrefix + "plnk"
)

// Name returns the whiteout name hiding name.
func Name(name string) string { return Prefix + name }

// IsMeta reports whether name is union metadata (opaque marker, whiteout
// base, pseudo-link directory, temporary names).
func IsMeta(name string) bool { return strings.HasPrefix(name, MetaPrefix) }

// Strip returns the hidden name of a whiteout entry. ok is false for
// plain names and for metadata.
func Strip(name string) (hidden string, ok bool) {
	if !strings.HasPrefix(name, Prefix) || IsMeta(name) {
		return "", false
	}
	return name[len(Prefix):], true
}

// Reserved reports whether users may not create name.
func Reserved(name string) bool { return strings.HasPrefix(name, Prefix) }

// CheckName validates a user-supplied name: the usual rules plus the
// reserved prefix and room for the whiteout prefix.
func CheckName(name string) error {
	if err := common.ValidName(name); err != nil {
		return err
	}
	if Reserved(name) {
		return fmt.Errorf("%w: %q uses the reserved prefix %s", common.ErrInvalidArgument, name, Prefix)
	}
	if len(Name(name)) > common.MaxNameLen {
		return fmt.Errorf("%w: %q", common.ErrNameTooLong, name)
	}
	return nil
}

// TempName returns a unique hidden name for an object about to be removed.
func TempName(name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	max := common.MaxNameLen - len(MetaPrefix) - len(suffix) - 1
	if len(name) > max {
		name = name[:max]
	}
	return MetaPrefix + name + "." + suffix
}

// PlinkName is the name of the pseudo-link of union node uno whose object
// on the branch has local inode number local.
func PlinkName(uno, local uint64) string {
	return fmt.Sprintf("%d.%d", uno, local)
}

// ParsePlinkName is the inverse of PlinkName.
func ParsePlinkName(name string) (uno, local uint64, err error) {
	if _, err = fmt.Sscanf(name, "%d.%d", &uno, &local); err != nil {
		return 0, 0, fmt.Errorf("%w: pseudo-link name %q", common.ErrInvalidArgument, name)
	}
	return uno, local, nil
}
