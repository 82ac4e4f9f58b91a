package lockorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mount", Mount.String())
	assert.Equal(t, "entry-child", EntryChild.String())
	assert.Equal(t, "whiteout-base", WhiteoutBase.String())
	assert.Equal(t, "role(99)", Role(99).String())
}

func TestCheck(t *testing.T) {
	t.Parallel()

	type step struct {
		role Role
		key  Key
	}
	tests := []struct {
		name  string
		steps []step
		ok    bool
	}{
		{"outer to inner", []step{{Mount, Key{}}, {EntryChild, Key{2, 5}}, {EntryParent, Key{1, 3}}, {NodeChild, Key{2, 5}}, {BranchDir, Key{}}, {WhiteoutBase, Key{}}}, true},
		{"parent before child", []step{{EntryParent, Key{1, 3}}, {EntryChild, Key{2, 5}}}, false},
		{"siblings by id", []step{{EntryChild, Key{2, 4}}, {EntryChild, Key{2, 9}}}, true},
		{"siblings reversed", []step{{EntryChild, Key{2, 9}}, {EntryChild, Key{2, 4}}}, false},
		{"entry after node", []step{{NodeChild, Key{2, 5}}, {EntryChild, Key{3, 1}}}, false},
		{"mount twice", []step{{Mount, Key{}}, {Mount, Key{}}}, false},
		{"rename after entry", []step{{EntryChild, Key{1, 1}}, {Rename, Key{}}}, false},
		{"two branch dirs", []step{{BranchDir, Key{}}, {BranchDir, Key{}}}, true},
		{"whiteout base then branch dir", []step{{WhiteoutBase, Key{}}, {BranchDir, Key{}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := &Tracker{op: tt.name}
			var err error
			for _, s := range tt.steps {
				if err = tr.check(s.role, s.key); err != nil {
					break
				}
				tr.held = append(tr.held, held{role: s.role, key: s.key})
			}
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTrackerViolations(t *testing.T) {
	var got []string
	old := OnViolation
	OnViolation = func(msg string) { got = append(got, msg) }
	defer func() { OnViolation = old }()

	tr := &Tracker{op: "test"}
	tr.Acquire(EntryParent, Key{1, 1})
	tr.Acquire(EntryChild, Key{2, 2})
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "entry-child")

	tr.Release(EntryChild, Key{2, 2})
	tr.Release(NodeChild, Key{})
	require.Len(t, got, 2)

	tr.End()
	require.Len(t, got, 3)
	assert.Contains(t, got[2], "ended holding")

	tr.Release(EntryParent, Key{1, 1})
	tr.End()
	assert.Len(t, got, 3)
}

func TestNilTracker(t *testing.T) {
	t.Parallel()

	var tr *Tracker
	tr.Acquire(Mount, Key{})
	tr.Release(Mount, Key{})
	tr.End()
	if !Enabled {
		assert.Nil(t, Begin("op"))
	}
}
