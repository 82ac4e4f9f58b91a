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
	"errors"
	"syscall"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrNotDir          = errors.New("not a directory")
	ErrIsDir           = errors.New("is a directory")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrReadOnly        = errors.New("read-only filesystem")
	ErrIO              = errors.New("I/O error")
	ErrCrossBranch     = errors.New("operation spans branches")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrOverlap         = errors.New("branch overlaps another branch")
	ErrExhausted       = errors.New("inode numbers exhausted")
	ErrStale           = errors.New("stale entry")
	ErrBusy            = errors.New("resource busy")
	ErrTooManyLinks    = errors.New("too many links")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotSupported    = errors.New("operation not supported")
	ErrPermission      = errors.New("permission denied")
	ErrNameTooLong     = errors.New("file name too long")
)

// errnoTable is ordered: the first sentinel matched by errors.Is wins.
var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{ErrNotFound, syscall.ENOENT},
	{ErrExists, syscall.EEXIST},
	{ErrNotDir, syscall.ENOTDIR},
	{ErrIsDir, syscall.EISDIR},
	{ErrNotEmpty, syscall.ENOTEMPTY},
	{ErrInvalidPath, syscall.EINVAL},
	{ErrInvalidHandle, syscall.EBADF},
	{ErrReadOnly, syscall.EROFS},
	{ErrCrossBranch, syscall.EXDEV},
	{ErrInvalidConfig, syscall.EINVAL},
	{ErrOverlap, syscall.EINVAL},
	{ErrExhausted, syscall.EIO},
	{ErrStale, syscall.ESTALE},
	{ErrBusy, syscall.EBUSY},
	{ErrTooManyLinks, syscall.EMLINK},
	{ErrInvalidArgument, syscall.EINVAL},
	{ErrNotSupported, syscall.ENOTSUP},
	{ErrPermission, syscall.EACCES},
	{ErrNameTooLong, syscall.ENAMETOOLONG},
	{ErrIO, syscall.EIO},
}

// ToErrno maps an error from the union or a branch to a POSIX errno.
// Unknown errors become EIO. A bare syscall.Errno passes through.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// FromErrno maps a host errno into the error taxonomy. Errnos without a
// sentinel are returned unchanged so errors.Is against syscall values
// keeps working.
func FromErrno(errno syscall.Errno) error {
	switch errno {
	case 0:
		return nil
	case syscall.ENOENT:
		return ErrNotFound
	case syscall.EEXIST:
		return ErrExists
	case syscall.ENOTDIR:
		return ErrNotDir
	case syscall.EISDIR:
		return ErrIsDir
	case syscall.ENOTEMPTY:
		return ErrNotEmpty
	case syscall.EBADF:
		return ErrInvalidHandle
	case syscall.EROFS:
		return ErrReadOnly
	case syscall.EXDEV:
		return ErrCrossBranch
	case syscall.ESTALE:
		return ErrStale
	case syscall.EBUSY:
		return ErrBusy
	case syscall.EMLINK:
		return ErrTooManyLinks
	case syscall.EINVAL:
		return ErrInvalidArgument
	case syscall.ENOTSUP:
		return ErrNotSupported
	case syscall.EACCES, syscall.EPERM:
		return ErrPermission
	case syscall.ENAMETOOLONG:
		return ErrNameTooLong
	case syscall.EIO:
		return ErrIO
	}
	return errno
}

// IsNotFound reports whether err means the name is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
