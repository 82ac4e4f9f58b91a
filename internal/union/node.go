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
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/vdir"
	"stackfs/internal/xino"
)

// Node is the union inode. Every dentry naming the same file (hard links)
// shares one Node, found through the external inode map.
type Node struct {
	// data lock: copy-up holds it exclusively, file I/O shared
	mu  sync.RWMutex
	ino uint64

	attrMu sync.Mutex
	attr   lowerfs.Attr
	// branch-local inode numbers of the objects backing the node
	locals map[branch.ID]uint64

	// directory structure version, bumped on every entry change
	version atomic.Uint64
	vdir    *vdir.Cache

	refs int // dentries, guarded by the node table lock
}

// Ino returns the union inode number.
func (n *Node) Ino() uint64 { return n.ino }

// Attr returns a copy of the cached attributes.
func (n *Node) Attr() lowerfs.Attr {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.attr
}

func (n *Node) setAttr(a *lowerfs.Attr) {
	n.attrMu.Lock()
	n.attr = *a
	n.attr.Ino = n.ino
	n.attrMu.Unlock()
}

func (n *Node) setLocal(id branch.ID, local uint64) {
	n.attrMu.Lock()
	n.locals[id] = local
	n.attrMu.Unlock()
}

func (n *Node) dropLocal(id branch.ID) {
	n.attrMu.Lock()
	delete(n.locals, id)
	n.attrMu.Unlock()
}

func (n *Node) branchCount() int {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return len(n.locals)
}

// touch marks a directory changed so cached listings are rebuilt.
func (n *Node) touch() {
	n.version.Add(1)
	n.vdir.Invalidate()
}

// getNode returns the node of union inode ino, creating it, and takes a
// dentry reference.
func (m *Mount) getNode(ino uint64) *Node {
	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	n, ok := m.nodes[ino]
	if !ok {
		n = &Node{ino: ino, locals: map[branch.ID]uint64{}, vdir: vdir.NewCache(m.opts.RdCache)}
		m.nodes[ino] = n
	}
	n.refs++
	return n
}

// node returns a live node without taking a reference.
func (m *Mount) node(ino uint64) *Node {
	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	return m.nodes[ino]
}

// putNode drops a dentry reference; the last one evicts the node.
func (m *Mount) putNode(ino uint64) {
	m.nodesMu.Lock()
	n, ok := m.nodes[ino]
	if !ok {
		m.nodesMu.Unlock()
		return
	}
	n.refs--
	if n.refs <= 0 {
		delete(m.nodes, ino)
	}
	m.nodesMu.Unlock()
}

// inoFor maps the object local on br to its union inode number, assigning
// a new number on first sight. fresh forces a new number, for objects the
// union just created.
func (m *Mount) inoFor(br *branch.Branch, local uint64, fresh bool) (uint64, error) {
	m.inoMu.Lock()
	defer m.inoMu.Unlock()
	if !fresh {
		v, err := br.Xino().Read(local)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", common.ErrIO, err)
		}
		if v != 0 {
			return v, nil
		}
	}
	v, err := m.alloc.Next()
	if err != nil {
		log.Errorf("[xino] %v", err)
		return 0, err
	}
	if err := br.Xino().Write(local, v); err != nil {
		log.Errorf("[xino] %s: %v", br, err)
		return 0, err
	}
	return v, nil
}

// setIno records that the object local on br is union inode ino.
func (m *Mount) setIno(br *branch.Branch, local, ino uint64) error {
	m.inoMu.Lock()
	defer m.inoMu.Unlock()
	if err := br.Xino().Write(local, ino); err != nil {
		log.Errorf("[xino] %s: %v", br, err)
		return err
	}
	return nil
}

// eraseIno forgets a deleted branch object so its local number can be
// reused by the branch.
func (m *Mount) eraseIno(br *branch.Branch, local uint64) {
	m.inoMu.Lock()
	defer m.inoMu.Unlock()
	if err := xino.Erase(br.Xino(), local); err != nil {
		log.Warnf("[xino] erase %d on %s: %v", local, br, err)
	}
}

// bindNode attaches the node of inode ino to d, replacing any previous
// one. Caller holds d.mu.
func (m *Mount) bindNode(d *Dentry, ino uint64) *Node {
	if d.ino == ino && ino != 0 {
		// the reference taken when d was bound keeps the node alive
		return m.node(ino)
	}
	old := d.ino
	var n *Node
	if ino != 0 {
		n = m.getNode(ino)
	}
	d.ino = ino
	if old != 0 {
		m.putNode(old)
	}
	return n
}
