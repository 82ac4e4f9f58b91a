package branch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
)

func TestParsePerm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		want      Perm
		writable  bool
		whAware   bool
		linkWh    bool
		realRO    bool
		wantError bool
	}{
		{in: "rw", want: ReadWrite, writable: true, whAware: true, linkWh: true},
		{in: "RW+NOLWH", want: ReadWriteNoLinkWhiteout, writable: true, whAware: true},
		{in: "ro", want: ReadOnly},
		{in: " ro+wh ", want: ReadOnlyWhiteout, whAware: true},
		{in: "rr", want: ReadOnlyNoWhiteout, realRO: true},
		{in: "rx", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParsePerm(tt.in)
			if tt.wantError {
				assert.ErrorIs(t, err, common.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
			assert.Equal(t, tt.writable, p.Writable())
			assert.Equal(t, tt.whAware, p.WhiteoutAware())
			assert.Equal(t, tt.linkWh, p.LinkWhiteout())
			assert.Equal(t, tt.realRO, p.RealReadOnly())
		})
	}
	assert.Equal(t, "ro+wh", ReadOnlyWhiteout.String())
}

func TestTableOrder(t *testing.T) {
	t.Parallel()
	tbl := NewTable("", false)

	a, err := tbl.Add(-1, "a", ReadOnly, lowerfs.NewMemFS("a"))
	require.NoError(t, err)
	b, err := tbl.Add(0, "b", ReadWrite, lowerfs.NewMemFS("b"))
	require.NoError(t, err)
	c, err := tbl.Add(1, "c", ReadOnlyWhiteout, lowerfs.NewMemFS("c"))
	require.NoError(t, err)

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, []*Branch{b, c, a}, tbl.All())
	assert.Equal(t, 2, tbl.IndexOf(a.ID()))
	assert.Nil(t, tbl.At(3))
	assert.Nil(t, tbl.At(-1))
	assert.NotEqual(t, a.ID(), b.ID())

	assert.Equal(t, 0, tbl.TopWritable(2))
	assert.Equal(t, 0, tbl.AnyWritable())

	_, err = tbl.Delete(0)
	require.NoError(t, err)
	assert.Equal(t, -1, tbl.TopWritable(1))
	assert.Equal(t, -1, tbl.AnyWritable())
	assert.Equal(t, -1, tbl.IndexOf(b.ID()))
	_, err = tbl.FindByID(b.ID())
	assert.ErrorIs(t, err, common.ErrNotFound)

	// ids are never reused
	d, err := tbl.Add(-1, "d", ReadOnly, lowerfs.NewMemFS("d"))
	require.NoError(t, err)
	assert.Greater(t, d.ID(), c.ID())
}

func TestTableRefusals(t *testing.T) {
	t.Parallel()
	tbl := NewTable("", false)
	fs := lowerfs.NewMemFS("x")
	b, err := tbl.Add(-1, "x", ReadWrite, fs)
	require.NoError(t, err)

	_, err = tbl.Add(-1, "x again", ReadOnly, fs)
	assert.ErrorIs(t, err, common.ErrOverlap)

	_, err = tbl.Delete(0)
	assert.ErrorIs(t, err, common.ErrBusy)

	_, err = tbl.Add(-1, "y", ReadOnly, lowerfs.NewMemFS("y"))
	require.NoError(t, err)
	b.Get()
	_, err = tbl.Delete(0)
	assert.ErrorIs(t, err, common.ErrBusy)
	b.Put()
	_, err = tbl.Delete(0)
	assert.NoError(t, err)

	_, err = tbl.Delete(5)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestTableLimit(t *testing.T) {
	t.Parallel()
	tbl := NewTable("", false)
	for i := 0; i < MaxBranches; i++ {
		_, err := tbl.Add(-1, "m", ReadOnly, lowerfs.NewMemFS(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	_, err := tbl.Add(-1, "one too many", ReadOnly, lowerfs.NewMemFS("extra"))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestModifyPerm(t *testing.T) {
	t.Parallel()
	tbl := NewTable("", false)
	_, err := tbl.Add(-1, "a", ReadWrite, lowerfs.NewMemFS("a"))
	require.NoError(t, err)

	old, err := tbl.ModifyPerm(0, ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, old)
	assert.Equal(t, ReadOnly, tbl.At(0).Perm())
	_, err = tbl.ModifyPerm(1, ReadOnly)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestLockDirs(t *testing.T) {
	t.Parallel()
	tbl := NewTable("", false)
	b, err := tbl.Add(-1, "a", ReadWrite, lowerfs.NewMemFS("a"))
	require.NoError(t, err)

	// opposite argument orders must not deadlock
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := b.LockDirs("x", "y")
			counter++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := b.LockDirs("y", "x")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)

	unlock := b.LockDirs("same", "same")
	unlock()
	assert.Empty(t, b.dirs.m)
}
