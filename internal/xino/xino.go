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

// Package xino maps branch-local inode numbers to stable union inode
// numbers.
//
// Each branch owns one Store. The file-backed Store is a flat array of
// fixed-size little-endian records: the union number for branch-local
// number n lives at offset n*RecordSize, and zero means "no mapping".
package xino

import (
	"fmt"
	"math"
	"sync"

	"stackfs/internal/common"
)

// RecordSize is the size of one persisted union inode number.
const RecordSize = 8

// Reserved union inode numbers.
const (
	RootIno  uint64 = 1
	FirstIno uint64 = 11
)

// maxLocal keeps record offsets inside an int64.
const maxLocal = math.MaxInt64/RecordSize - 1

// Store is the per-branch external inode map.
type Store interface {
	// Read returns the union number mapped to local, or 0.
	Read(local uint64) (uint64, error)
	// Write maps local to union. Writing 0 erases the mapping.
	Write(local, union uint64) error
	Close() error
}

// Erase drops the mapping of a deleted or stale branch object.
func Erase(s Store, local uint64) error {
	return s.Write(local, 0)
}

func checkLocal(local uint64) error {
	if local > maxLocal {
		return fmt.Errorf("%w: local inode %d out of range", common.ErrInvalidArgument, local)
	}
	return nil
}

// Memory is a Store for mounts running with xino=off. Numbers are stable
// for the lifetime of the mount only.
type Memory struct {
	mu sync.RWMutex
	m  map[uint64]uint64
}

// NewMemory creates an empty in-memory map.
func NewMemory() *Memory {
	return &Memory{m: make(map[uint64]uint64)}
}

func (x *Memory) Read(local uint64) (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.m[local], nil
}

func (x *Memory) Write(local, union uint64) error {
	if err := checkLocal(local); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if union == 0 {
		delete(x.m, local)
		return nil
	}
	x.m[local] = union
	return nil
}

func (x *Memory) Close() error { return nil }
