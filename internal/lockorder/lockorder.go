// Package lockorder names the lock roles of the union engine and checks,
// in builds tagged lockdebug, that every operation acquires them in order:
//
//	mount < rename < entry (child before parent) < node < branch directory < whiteout base
//
// Entry and node locks are keyed by tree depth and a stable id. Within
// those classes locks must be taken deepest first, ties broken by
// ascending id. Release builds compile the tracker down to nothing.
package lockorder

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Role is a named lock class.
type Role uint8

const (
	Mount Role = iota
	Rename
	EntryChild
	EntryParent
	NodeChild
	NodeParent
	BranchDir
	WhiteoutBase
)

var roleNames = [...]string{
	Mount:        "mount",
	Rename:       "rename",
	EntryChild:   "entry-child",
	EntryParent:  "entry-parent",
	NodeChild:    "node-child",
	NodeParent:   "node-parent",
	BranchDir:    "branch-dir",
	WhiteoutBase: "whiteout-base",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// class groups roles that may be interleaved under the key rule.
func (r Role) class() int {
	switch r {
	case EntryChild, EntryParent:
		return 2
	case NodeChild, NodeParent:
		return 3
	case BranchDir:
		return 4
	case WhiteoutBase:
		return 5
	}
	return int(r)
}

func (r Role) keyed() bool {
	c := r.class()
	return c == 2 || c == 3
}

// Key orders locks of one keyed class.
type Key struct {
	Depth int
	ID    uint64
}

// before reports whether a lock keyed k may be held while taking next.
func (k Key) before(next Key) bool {
	if k.Depth != next.Depth {
		return k.Depth > next.Depth
	}
	return k.ID < next.ID
}

type held struct {
	role Role
	key  Key
}

// Tracker records the locks held by one operation.
type Tracker struct {
	op   string
	held []held
}

// OnViolation is called with a description of an out-of-order acquisition.
var OnViolation = func(msg string) {
	log.Errorf("[lockorder] %s", msg)
	panic(msg)
}

// Begin starts tracking the locks of operation op. Release builds return
// nil, and every method accepts a nil tracker.
func Begin(op string) *Tracker {
	if !Enabled {
		return nil
	}
	return &Tracker{op: op}
}

// Acquire records that role is about to be locked.
func (t *Tracker) Acquire(role Role, key Key) {
	if t == nil {
		return
	}
	if err := t.check(role, key); err != nil {
		OnViolation(err.Error())
	}
	t.held = append(t.held, held{role: role, key: key})
}

// Release records that role keyed key was unlocked.
func (t *Tracker) Release(role Role, key Key) {
	if t == nil {
		return
	}
	for i := len(t.held) - 1; i >= 0; i-- {
		if h := t.held[i]; h.role == role && h.key == key {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}
	OnViolation(fmt.Sprintf("%s: release of %s %v not held", t.op, role, key))
}

// End asserts that the operation released everything.
func (t *Tracker) End() {
	if t == nil || len(t.held) == 0 {
		return
	}
	var b strings.Builder
	for _, h := range t.held {
		fmt.Fprintf(&b, " %s%v", h.role, h.key)
	}
	OnViolation(fmt.Sprintf("%s: ended holding%s", t.op, b.String()))
}

func (t *Tracker) check(role Role, key Key) error {
	for _, h := range t.held {
		hc, rc := h.role.class(), role.class()
		switch {
		case hc > rc:
			return fmt.Errorf("%s: %s acquired while holding %s", t.op, role, h.role)
		case hc == rc && role.keyed() && !h.key.before(key):
			return fmt.Errorf("%s: %s %v acquired while holding %s %v", t.op, role, key, h.role, h.key)
		case hc == rc && !role.keyed() && role != BranchDir:
			return fmt.Errorf("%s: %s acquired twice", t.op, role)
		}
	}
	return nil
}
