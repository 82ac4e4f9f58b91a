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
	"context"
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/whiteout"
)

// plinkTable records the pseudo-links of the mount: for a union node, the
// branch-local number of its copy on each branch that holds one.
type plinkTable struct {
	mu      sync.Mutex
	records map[uint64]map[branch.ID]uint64
}

func newPlinkTable() *plinkTable {
	return &plinkTable{records: map[uint64]map[branch.ID]uint64{}}
}

func (t *plinkTable) add(uno uint64, id branch.ID, local uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[uno]
	if !ok {
		r = map[branch.ID]uint64{}
		t.records[uno] = r
	}
	r[id] = local
}

func (t *plinkTable) lookup(uno uint64, id branch.ID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	local, ok := t.records[uno][id]
	return local, ok
}

func (t *plinkTable) remove(uno uint64, id branch.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[uno]; ok {
		delete(r, id)
		if len(r) == 0 {
			delete(t.records, uno)
		}
	}
}

func (t *plinkTable) dropBranch(id branch.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uno, r := range t.records {
		delete(r, id)
		if len(r) == 0 {
			delete(t.records, uno)
		}
	}
}

// Plink describes one pseudo-link.
type Plink struct {
	Ino    uint64
	Branch branch.ID
	Local  uint64
}

func (t *plinkTable) list() []Plink {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Plink
	for uno, r := range t.records {
		for id, local := range r {
			out = append(out, Plink{Ino: uno, Branch: id, Local: local})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ino != out[j].Ino {
			return out[i].Ino < out[j].Ino
		}
		return out[i].Branch < out[j].Branch
	})
	return out
}

// plinkAdd links the copy at path on br into the pseudo-link directory so
// the other names of node uno find it.
func (m *Mount) plinkAdd(br *branch.Branch, path string, uno, local uint64) {
	p := whiteout.PlinkPath(uno, local)
	if _, err := br.FS().Link(path, p); err != nil && !errors.Is(err, common.ErrExists) {
		log.Warnf("[plink] link %s to %s on %s: %v", path, p, br, err)
		return
	}
	m.plinks.add(uno, br.ID(), local)
	log.Debugf("[plink] added i%d on %s", uno, br)
}

// plinkRelease removes one pseudo-link and its record.
func (m *Mount) plinkRelease(pl Plink) bool {
	i := m.tbl.IndexOf(pl.Branch)
	if i < 0 {
		m.plinks.remove(pl.Ino, pl.Branch)
		return true
	}
	br := m.tbl.At(i)
	p := whiteout.PlinkPath(pl.Ino, pl.Local)
	attr, err := br.FS().Lookup(p)
	switch {
	case errors.Is(err, common.ErrNotFound):
		m.plinks.remove(pl.Ino, pl.Branch)
		return true
	case err != nil:
		log.Warnf("[plink] %s on %s: %v", p, br, err)
		return false
	}
	if err := br.FS().Unlink(p); err != nil && !errors.Is(err, common.ErrNotFound) {
		log.Warnf("[plink] remove %s on %s: %v", p, br, err)
		return false
	}
	m.plinks.remove(pl.Ino, pl.Branch)
	if attr.Nlink <= 1 {
		m.eraseIno(br, pl.Local)
	}
	log.Debugf("[plink] removed i%d on %s", pl.Ino, br)
	return true
}

// plinkPutAll removes every pseudo-link, at unmount.
func (m *Mount) plinkPutAll() {
	for _, pl := range m.plinks.list() {
		m.plinkRelease(pl)
	}
}

// cleanPlinkDir removes pseudo-links left behind by an earlier mount that
// did not shut down cleanly.
func cleanPlinkDir(br *branch.Branch) {
	entries, err := br.FS().ReadDir(whiteout.PlinkDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if _, _, err := whiteout.ParsePlinkName(e.Name); err != nil {
			continue
		}
		p := common.JoinPath(whiteout.PlinkDir, e.Name)
		if err := br.FS().Unlink(p); err != nil {
			log.Warnf("[plink] remove stale %s on %s: %v", p, br, err)
		}
	}
	if len(entries) > 0 {
		log.Infof("[plink] cleaned %d stale pseudo-links on %s", len(entries), br)
	}
}

// PlinkList returns the pseudo-links of the mount.
func (m *Mount) PlinkList() []Plink {
	return m.plinks.list()
}

// PlinkPrune scans the pseudo-link table and removes the records of
// nodes that are gone or no longer span more than one branch. It returns
// how many went away. Records otherwise live until unmount, so names of
// a copied-up hard link not looked up yet still reach the copy.
func (m *Mount) PlinkPrune(ctx context.Context) (n int, err error) {
	defer recoverPanic("PlinkPrune", &err)
	o, err := m.begin(ctx, "PlinkPrune")
	if err != nil {
		return 0, err
	}
	defer o.end()
	for _, pl := range m.plinks.list() {
		if node := m.node(pl.Ino); node != nil && node.branchCount() > 1 {
			continue
		}
		if m.plinkRelease(pl) {
			n++
		}
	}
	return n, nil
}
