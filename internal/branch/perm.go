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

package branch

import (
	"fmt"
	"strings"

	"stackfs/internal/common"
)

// Perm is the permission class of a branch.
type Perm uint8

const (
	// ReadWrite branches take copy-ups, new objects and whiteouts. Whiteouts
	// are hard links to the branch's whiteout base when possible.
	ReadWrite Perm = iota
	// ReadWriteNoLinkWhiteout is ReadWrite but always creates whiteouts as
	// fresh zero-length files.
	ReadWriteNoLinkWhiteout
	// ReadOnly branches are never written; whiteouts found in them are ignored.
	ReadOnly
	// ReadOnlyWhiteout is ReadOnly with its existing whiteouts honored.
	ReadOnlyWhiteout
	// ReadOnlyNoWhiteout ("real read-only") is never modified by anyone, so
	// it needs neither whiteout lookups nor external-change watching.
	ReadOnlyNoWhiteout
)

var permNames = map[Perm]string{
	ReadWrite:               "rw",
	ReadWriteNoLinkWhiteout: "rw+nolwh",
	ReadOnly:                "ro",
	ReadOnlyWhiteout:        "ro+wh",
	ReadOnlyNoWhiteout:      "rr",
}

func (p Perm) String() string {
	if s, ok := permNames[p]; ok {
		return s
	}
	return fmt.Sprintf("perm(%d)", uint8(p))
}

// ParsePerm parses the textual permission of a branch spec.
func ParsePerm(s string) (Perm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range permNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown branch permission %q", common.ErrInvalidConfig, s)
}

// Writable reports whether the union may modify the branch.
func (p Perm) Writable() bool {
	return p == ReadWrite || p == ReadWriteNoLinkWhiteout
}

// WhiteoutAware reports whether whiteouts and opaque markers inside the
// branch are honored by lookup and enumeration.
func (p Perm) WhiteoutAware() bool {
	return p.Writable() || p == ReadOnlyWhiteout
}

// LinkWhiteout reports whether whiteouts are created as links to the
// whiteout base.
func (p Perm) LinkWhiteout() bool {
	return p == ReadWrite
}

// RealReadOnly reports whether nothing ever modifies the branch.
func (p Perm) RealReadOnly() bool {
	return p == ReadOnlyNoWhiteout
}
