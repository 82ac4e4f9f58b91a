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

package common

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// MaxNameLen is the longest single component accepted by the union.
const MaxNameLen = 255

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ParentPath returns the parent directory of a path
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the base name of a path
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// ValidName checks a single path component.
func ValidName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	case strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return nil
}

// IsWithin reports whether host path child equals parent or lies below it.
func IsWithin(parent, child string) bool {
	parent = filepath.Clean(parent)
	child = filepath.Clean(child)
	if parent == child {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// Overlaps reports whether two host paths are identical or nested.
func Overlaps(a, b string) bool {
	return IsWithin(a, b) || IsWithin(b, a)
}
