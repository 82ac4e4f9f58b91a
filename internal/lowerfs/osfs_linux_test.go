//go:build linux

package lowerfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackfs/internal/common"
)

func testOSFS(t *testing.T) (*OSFS, string) {
	t.Helper()
	dir := t.TempDir()
	o, err := NewOSFS(dir)
	require.NoError(t, err)
	return o, dir
}

func TestOSFSRejectsFileRoot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(p, nil, 0644))
	_, err := NewOSFS(p)
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestOSFSOperations(t *testing.T) {
	t.Parallel()
	o, dir := testOSFS(t)

	writeFile(t, o, "a", "hello")
	assert.Equal(t, "hello", readFile(t, o, "a"))

	_, err := o.Create("a", 0644)
	assert.ErrorIs(t, err, common.ErrExists)

	_, err = o.Mkdir("d", 0750)
	require.NoError(t, err)
	attr, err := o.Link("a", "d/b")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), attr.Nlink)

	require.NoError(t, o.Rename("d/b", "c"))
	_, err = os.Stat(filepath.Join(dir, "c"))
	require.NoError(t, err)

	assert.ErrorIs(t, o.Unlink("missing"), common.ErrNotFound)
	assert.ErrorIs(t, o.Rmdir("a"), common.ErrNotDir)

	entries, err := o.ReadDir("")
	require.NoError(t, err)
	names := map[string]uint32{}
	for _, e := range entries {
		names[e.Name] = e.Type
	}
	assert.Equal(t, uint32(ModeRegular), names["a"])
	assert.Equal(t, uint32(ModeDir), names["d"])
}

func TestOSFSSetAttr(t *testing.T) {
	t.Parallel()
	o, _ := testOSFS(t)
	writeFile(t, o, "f", "0123456789")

	mtime := time.Unix(1_600_000_000, 0)
	size := int64(3)
	mode := uint32(0600)
	attr, err := o.SetAttr("f", &SetAttr{Size: &size, Mode: &mode, Mtime: &mtime})
	require.NoError(t, err)
	assert.Equal(t, int64(3), attr.Size)
	assert.Equal(t, uint32(0600), attr.Mode&ModePerm)
	assert.True(t, attr.Mtime.Equal(mtime))
}

func TestOSFSPathStaysInRoot(t *testing.T) {
	t.Parallel()
	o, dir := testOSFS(t)
	assert.Equal(t, dir, o.full(".."))
	assert.Equal(t, filepath.Join(dir, "etc"), o.full("../../etc"))
	assert.Equal(t, filepath.Join(dir, "etc"), o.full("/../etc"))
}
