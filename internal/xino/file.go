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

package xino

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"stackfs/internal/cache"
	"stackfs/internal/common"
)

const readCacheSize = 4096

// File is the persisted Store of one branch.
type File struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	lock  *flock.Flock
	cache *cache.Cache[uint64, uint64]
}

// OpenFile opens (creating if needed) the xino file at path and takes an
// exclusive advisory lock on it so two mounts cannot share one map.
func OpenFile(path string) (*File, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock xino %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: xino %s is used by another mount", common.ErrBusy, path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open xino %s: %w", path, err)
	}
	log.Debugf("[xino] opened %s", path)
	return &File{
		path:  path,
		f:     f,
		lock:  lock,
		cache: cache.New[uint64, uint64](readCacheSize, 0),
	}, nil
}

// Path returns the file location.
func (x *File) Path() string { return x.path }

func (x *File) Read(local uint64) (uint64, error) {
	if err := checkLocal(local); err != nil {
		return 0, err
	}
	if v, ok := x.cache.Get(local); ok {
		return v, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	var buf [RecordSize]byte
	n, err := x.f.ReadAt(buf[:], int64(local)*RecordSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read xino %s record %d: %w", x.path, local, err)
	}
	if n < RecordSize {
		// past the end of the file: never written
		return 0, nil
	}
	v := binary.LittleEndian.Uint64(buf[:])
	x.cache.Set(local, v)
	return v, nil
}

func (x *File) Write(local, union uint64) error {
	if err := checkLocal(local); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	off := int64(local) * RecordSize
	if union == 0 {
		// erasing past the end would only grow a hole
		st, err := x.f.Stat()
		if err == nil && off >= st.Size() {
			x.cache.InvalidateKey(local)
			return nil
		}
	}
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[:], union)
	if _, err := x.f.WriteAt(buf[:], off); err != nil {
		x.cache.InvalidateKey(local)
		return fmt.Errorf("%w: write xino %s record %d: %v", common.ErrExhausted, x.path, local, err)
	}
	x.cache.Set(local, union)
	return nil
}

// Truncate drops every mapping.
func (x *File) Truncate() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cache.Invalidate()
	return x.f.Truncate(0)
}

// Sync flushes the file to stable storage.
func (x *File) Sync() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.f.Sync()
}

func (x *File) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	err := x.f.Close()
	if uerr := x.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Dump calls fn for every non-zero record of the xino file at path, in
// local inode order. It reads without locking so it works on a live mount.
func Dump(path string, fn func(local, union uint64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, RecordSize*512)
	var local uint64
	for {
		n, err := io.ReadFull(f, buf)
		for i := 0; i+RecordSize <= n; i += RecordSize {
			if v := binary.LittleEndian.Uint64(buf[i:]); v != 0 {
				if ferr := fn(local, v); ferr != nil {
					return ferr
				}
			}
			local++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
