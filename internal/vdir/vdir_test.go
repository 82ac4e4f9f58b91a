package vdir

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
)

func file(name string, ino uint64) lowerfs.DirEntry {
	return lowerfs.DirEntry{Name: name, Ino: ino, Type: lowerfs.ModeRegular}
}

func dir(name string, ino uint64) lowerfs.DirEntry {
	return lowerfs.DirEntry{Name: name, Ino: ino, Type: lowerfs.ModeDir}
}

// localIno encodes the source index so tests can tell which branch won.
func localIno(src int, e lowerfs.DirEntry) (uint64, error) {
	return uint64(src)*1000 + e.Ino, nil
}

func names(l *Listing) []string {
	var out []string
	for _, e := range l.Entries() {
		out = append(out, e.Name)
	}
	return out
}

func TestBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sources []Source
		want    []Entry
	}{
		{
			name: "higher branch wins",
			sources: []Source{
				{Entries: []lowerfs.DirEntry{file("a", 1)}, WhiteoutAware: true},
				{Entries: []lowerfs.DirEntry{file("a", 2), file("b", 3)}},
			},
			want: []Entry{
				{Name: "a", Ino: 1, Type: lowerfs.ModeRegular},
				{Name: "b", Ino: 1003, Type: lowerfs.ModeRegular},
			},
		},
		{
			name: "whiteout hides lower branches",
			sources: []Source{
				{Entries: []lowerfs.DirEntry{file(".wh.b", 5)}, WhiteoutAware: true},
				{Entries: []lowerfs.DirEntry{file("a", 2), file("b", 3)}},
			},
			want: []Entry{{Name: "a", Ino: 1002, Type: lowerfs.ModeRegular}},
		},
		{
			name: "whiteout hides its own branch",
			sources: []Source{
				{Entries: []lowerfs.DirEntry{file(".wh.a", 5), file("a", 6)}, WhiteoutAware: true},
			},
			want: []Entry{},
		},
		{
			name: "whiteouts of unaware branches are ignored",
			sources: []Source{
				{Entries: []lowerfs.DirEntry{file(".wh.b", 5)}},
				{Entries: []lowerfs.DirEntry{file("b", 3)}},
			},
			want: []Entry{{Name: "b", Ino: 1003, Type: lowerfs.ModeRegular}},
		},
		{
			name: "lower whiteout does not hide higher name",
			sources: []Source{
				{Entries: []lowerfs.DirEntry{dir("d", 7)}, WhiteoutAware: true},
				{Entries: []lowerfs.DirEntry{file(".wh.d", 8)}, WhiteoutAware: true},
			},
			want: []Entry{{Name: "d", Ino: 7, Type: lowerfs.ModeDir}},
		},
		{
			name: "metadata and dot entries are skipped",
			sources: []Source{
				{Entries: []lowerfs.DirEntry{
					dir(".", 1), dir("..", 1),
					file(".wh..wh.aufs", 2), dir(".wh..wh.plnk", 3), file(".wh..wh..opq", 4),
					file("x", 9),
				}, WhiteoutAware: true},
			},
			want: []Entry{{Name: "x", Ino: 9, Type: lowerfs.ModeRegular}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, err := Build(tt.sources, localIno, 2, 1)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, l.Entries()); diff != "" {
				t.Errorf("listing mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, len(tt.want), l.Len())
		})
	}
}

func TestBuildInoError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := Build([]Source{{Entries: []lowerfs.DirEntry{file("a", 1)}}},
		func(int, lowerfs.DirEntry) (uint64, error) { return 0, boom }, 0, 0)
	require.ErrorIs(t, err, boom)
}

func TestListingBlocks(t *testing.T) {
	t.Parallel()

	var raw []lowerfs.DirEntry
	for i := 0; i < 10; i++ {
		raw = append(raw, file(fmt.Sprintf("f%02d", i), uint64(i+1)))
	}
	l, err := Build([]Source{{Entries: raw}}, localIno, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 10, l.Len())
	assert.Len(t, l.blocks, 4)
	assert.Equal(t, uint64(4), l.Version())

	e, ok := l.At(7)
	require.True(t, ok)
	assert.Equal(t, "f07", e.Name)
	_, ok = l.At(10)
	assert.False(t, ok)

	e, ok = l.Lookup("f05")
	require.True(t, ok)
	assert.Equal(t, uint64(6), e.Ino)
	_, ok = l.Lookup("nope")
	assert.False(t, ok)
}

func TestCursor(t *testing.T) {
	t.Parallel()

	var raw []lowerfs.DirEntry
	for i := 0; i < 7; i++ {
		raw = append(raw, file(fmt.Sprintf("f%d", i), uint64(i+1)))
	}
	l, err := Build([]Source{{Entries: raw}}, localIno, 2, 1)
	require.NoError(t, err)

	c := NewCursor(l)
	var got []string
	for {
		batch := c.Next(3)
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			got = append(got, e.Name)
		}
	}
	assert.Equal(t, names(l), got)
	assert.Equal(t, 7, c.Pos())

	require.NoError(t, c.Seek(5))
	rest := c.Next(0)
	require.Len(t, rest, 2)
	assert.Equal(t, "f5", rest[0].Name)

	require.ErrorIs(t, c.Seek(8), common.ErrInvalidArgument)
	require.NoError(t, c.Seek(7))
	assert.Empty(t, c.Next(1))

	// two cursors over one listing are independent
	a, b := NewCursor(l), NewCursor(l)
	a.Next(4)
	assert.Equal(t, "f0", b.Next(1)[0].Name)
	assert.Equal(t, "f4", a.Next(1)[0].Name)

	empty, err := Build(nil, localIno, 2, 1)
	require.NoError(t, err)
	c.Reset(empty)
	assert.Equal(t, 0, c.Pos())
	assert.Empty(t, c.Next(0))
}

func TestCache(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	assert.Nil(t, c.Get(1))

	l := &Listing{bsize: 1, index: map[string]int{}, version: 1, built: now}
	c.Put(l)
	assert.Same(t, l, c.Get(1))

	t.Run("version change invalidates", func(t *testing.T) {
		assert.Nil(t, c.Get(2))
		assert.Nil(t, c.Get(1))
	})

	t.Run("age invalidates", func(t *testing.T) {
		c.Put(l)
		now = now.Add(2 * time.Minute)
		assert.Nil(t, c.Get(1))
	})

	t.Run("older listing does not replace newer", func(t *testing.T) {
		newer := &Listing{bsize: 1, index: map[string]int{}, version: 3, built: now}
		c.Put(newer)
		c.Put(&Listing{bsize: 1, index: map[string]int{}, version: 2, built: now})
		assert.Same(t, newer, c.Get(3))
		c.Invalidate()
		assert.Nil(t, c.Get(3))
	})
}
