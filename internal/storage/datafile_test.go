package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
)

// testDataFile creates a temporary branch database for testing.
// Uses t.TempDir() which automatically cleans up after the test.
func testDataFile(t *testing.T) (*DataFile, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "branch.db")

	df, err := Create(path)
	require.NoError(t, err, "failed to create branch database")

	return df, func() {
		df.Close()
	}
}

func writeAll(t *testing.T, df *DataFile, p string, data []byte) {
	t.Helper()
	f, err := df.Open(p, os.O_RDWR)
	require.NoError(t, err)
	n, err := f.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Close())
}

func readAll(t *testing.T, df *DataFile, p string) []byte {
	t.Helper()
	a, err := df.Lookup(p)
	require.NoError(t, err)
	f, err := df.Open(p, os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, a.Size)
	n, err := f.ReadAt(b, 0)
	if err != io.EOF {
		require.NoError(t, err)
	}
	return b[:n]
}

func TestCreateAndOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates new file with root", func(t *testing.T) {
		t.Parallel()
		df, cleanup := testDataFile(t)
		defer cleanup()

		_, err := os.Stat(df.Path())
		assert.NoError(t, err, "database file should exist")

		root, err := df.Lookup("")
		require.NoError(t, err)
		assert.True(t, root.IsDir())
		assert.Equal(t, uint64(RootIno), root.Ino)
		assert.Equal(t, "sqlite", df.Kind())
		assert.Contains(t, df.Root(), "sqlite:")
	})

	t.Run("fails when file already exists", func(t *testing.T) {
		t.Parallel()
		df, cleanup := testDataFile(t)
		defer cleanup()

		_, err := Create(df.Path())
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("reopen keeps content", func(t *testing.T) {
		t.Parallel()
		df, _ := testDataFile(t)
		_, err := df.Create("kept", 0644)
		require.NoError(t, err)
		writeAll(t, df, "kept", []byte("still here"))
		require.NoError(t, df.Close())

		df2, err := OpenOrCreate(df.Path())
		require.NoError(t, err)
		defer df2.Close()
		assert.Equal(t, "still here", string(readAll(t, df2, "kept")))
	})

	t.Run("open missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Open(filepath.Join(t.TempDir(), "missing.db"))
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestBusyTimeout(t *testing.T) {
	t.Setenv(EnvBusyTimeout, "1234")
	assert.Equal(t, 1234, GetBusyTimeout())
	assert.Contains(t, BuildDSN("/x.db"), "_busy_timeout=1234")

	t.Setenv(EnvBusyTimeout, "bogus")
	SetConfigBusyTimeout(777)
	defer SetConfigBusyTimeout(0)
	assert.Equal(t, 777, GetBusyTimeout())
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()
	stmts := splitStatements(`
-- comment; ignored
CREATE TABLE a (x INTEGER);
INSERT INTO a VALUES (1);
SELECT 1`)
	assert.Equal(t, []string{"CREATE TABLE a (x INTEGER);", "INSERT INTO a VALUES (1);", "SELECT 1"}, stmts)
}

func TestObjectKinds(t *testing.T) {
	t.Parallel()
	df, cleanup := testDataFile(t)
	defer cleanup()

	dir, err := df.Mkdir("d", 0750)
	require.NoError(t, err)
	assert.Equal(t, uint32(lowerfs.ModeDir|0750), dir.Mode)
	assert.Equal(t, uint32(2), dir.Nlink)

	root, err := df.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), root.Nlink)

	f, err := df.Create("d/f", 0600)
	require.NoError(t, err)
	assert.True(t, f.IsRegular())
	assert.NotEqual(t, dir.Ino, f.Ino)

	_, err = df.Create("d/f", 0600)
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = df.Create("nodir/f", 0600)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = df.Create("d/f/g", 0600)
	assert.ErrorIs(t, err, common.ErrNotDir)

	ln, err := df.Symlink("../target", "d/ln")
	require.NoError(t, err)
	assert.True(t, ln.IsSymlink())
	assert.Equal(t, int64(len("../target")), ln.Size)
	target, err := df.Readlink("d/ln")
	require.NoError(t, err)
	assert.Equal(t, "../target", target)
	_, err = df.Readlink("d/f")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	dev, err := df.Mknod("d/null", lowerfs.ModeChar|0666, 0x103)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x103), dev.Rdev)
	_, err = df.Mknod("d/bad", lowerfs.ModeDir|0755, 0)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	entries, err := df.ReadDir("d")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"f", "ln", "null"}, names)
	assert.Equal(t, uint32(lowerfs.ModeSymlink), entries[1].Type)

	_, err = df.ReadDir("d/f")
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestContentAcrossChunks(t *testing.T) {
	t.Parallel()
	df, cleanup := testDataFile(t)
	defer cleanup()

	_, err := df.Create("big", 0644)
	require.NoError(t, err)
	data := bytes.Repeat([]byte("0123456789abcdef"), ChunkSize/8+3) // a bit over two chunks
	writeAll(t, df, "big", data)
	assert.Equal(t, data, readAll(t, df, "big"))

	// overwrite straddling a chunk boundary
	f, err := df.Open("big", os.O_RDWR)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXX"), ChunkSize-2)
	require.NoError(t, err)
	copy(data[ChunkSize-2:], "XXXX")

	// short read at the tail reports EOF
	tail := make([]byte, 10)
	n, err := f.ReadAt(tail, int64(len(data)-4))
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)

	// write past the end leaves a zero hole
	_, err = f.WriteAt([]byte("end"), int64(len(data))+5)
	require.NoError(t, err)
	data = append(data, make([]byte, 5)...)
	data = append(data, "end"...)
	require.NoError(t, f.Close())
	assert.Equal(t, data, readAll(t, df, "big"))

	// append ignores the offset
	f, err = df.Open("big", os.O_WRONLY|os.O_APPEND)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("!"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	data = append(data, '!')
	assert.Equal(t, data, readAll(t, df, "big"))

	// read-only handles refuse writes
	f, err = df.Open("big", os.O_RDONLY)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, common.ErrInvalidHandle)
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Close(), os.ErrClosed)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	df, cleanup := testDataFile(t)
	defer cleanup()

	_, err := df.Create("f", 0644)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{0xAB}, ChunkSize+100)
	writeAll(t, df, "f", data)

	size := int64(ChunkSize + 10)
	a, err := df.SetAttr("f", &lowerfs.SetAttr{Size: &size})
	require.NoError(t, err)
	assert.Equal(t, size, a.Size)

	// grow again: the dropped bytes come back as zeros
	f, err := df.Open("f", os.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(ChunkSize+100))
	require.NoError(t, f.Close())
	want := append(bytes.Repeat([]byte{0xAB}, ChunkSize+10), make([]byte, 90)...)
	assert.Equal(t, want, readAll(t, df, "f"))

	// O_TRUNC empties the file
	f, err = df.Open("f", os.O_RDWR|os.O_TRUNC)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	a, err = df.Lookup("f")
	require.NoError(t, err)
	assert.Zero(t, a.Size)

	_, err = df.SetAttr("", &lowerfs.SetAttr{Size: &size})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestSetAttr(t *testing.T) {
	t.Parallel()
	df, cleanup := testDataFile(t)
	defer cleanup()

	_, err := df.Create("f", 0644)
	require.NoError(t, err)

	mode, uid, gid, flags := uint32(0600), uint32(1000), uint32(100), lowerfs.FlagAppend
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 678, time.UTC)
	a, err := df.SetAttr("f", &lowerfs.SetAttr{Mode: &mode, Uid: &uid, Gid: &gid, Mtime: &mtime, Flags: &flags})
	require.NoError(t, err)
	assert.Equal(t, uint32(lowerfs.ModeRegular|0600), a.Mode)
	assert.Equal(t, uid, a.Uid)
	assert.Equal(t, gid, a.Gid)
	assert.Equal(t, flags, a.Flags)
	assert.True(t, mtime.Equal(a.Mtime), "mtime keeps nanoseconds")

	assert.NoError(t, df.Access("f", lowerfs.AccessRead|lowerfs.AccessWrite))
	assert.ErrorIs(t, df.Access("f", lowerfs.AccessExecute), common.ErrPermission)
}

func TestLinksAndOrphans(t *testing.T) {
	t.Parallel()
	df, cleanup := testDataFile(t)
	defer cleanup()

	orig, err := df.Create("a", 0644)
	require.NoError(t, err)
	writeAll(t, df, "a", []byte("shared"))

	l, err := df.Link("a", "b")
	require.NoError(t, err)
	assert.Equal(t, orig.Ino, l.Ino)
	assert.Equal(t, uint32(2), l.Nlink)

	_, err = df.Mkdir("d", 0755)
	require.NoError(t, err)
	_, err = df.Link("d", "e")
	assert.ErrorIs(t, err, common.ErrPermission)
	_, err = df.Link("a", "b")
	assert.ErrorIs(t, err, common.ErrExists)

	require.NoError(t, df.Unlink("a"))
	a, err := df.Lookup("b")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a.Nlink)

	// the last name goes while a handle is open: content stays readable
	f, err := df.Open("b", os.O_RDONLY)
	require.NoError(t, err)
	require.NoError(t, df.Unlink("b"))
	_, err = df.Lookup("b")
	assert.ErrorIs(t, err, common.ErrNotFound)

	buf := make([]byte, 6)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(buf))
	assert.True(t, df.orphans[int64(orig.Ino)])

	require.NoError(t, f.Close())
	assert.Empty(t, df.orphans)
	assert.Empty(t, df.opens)

	assert.ErrorIs(t, df.Unlink("d"), common.ErrIsDir)
	assert.ErrorIs(t, df.Unlink("missing"), common.ErrNotFound)
}

func TestRmdir(t *testing.T) {
	t.Parallel()
	df, cleanup := testDataFile(t)
	defer cleanup()

	_, err := df.Mkdir("d", 0755)
	require.NoError(t, err)
	_, err = df.Create("d/f", 0644)
	require.NoError(t, err)

	assert.ErrorIs(t, df.Rmdir("d"), common.ErrNotEmpty)
	assert.ErrorIs(t, df.Rmdir("d/f"), common.ErrNotDir)
	require.NoError(t, df.Unlink("d/f"))
	require.NoError(t, df.Rmdir("d"))

	root, err := df.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), root.Nlink)

	// a recreated name must not resolve through the stale cache
	_, err = df.Lookup("d")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, df.Rmdir(""), common.ErrBusy)
}

func TestRename(t *testing.T) {
	t.Parallel()

	t.Run("moves a directory and its subtree", func(t *testing.T) {
		t.Parallel()
		df, cleanup := testDataFile(t)
		defer cleanup()

		_, err := df.Mkdir("src", 0755)
		require.NoError(t, err)
		_, err = df.Mkdir("src/sub", 0755)
		require.NoError(t, err)
		_, err = df.Create("src/sub/f", 0644)
		require.NoError(t, err)
		_, err = df.Mkdir("dst", 0755)
		require.NoError(t, err)

		// warm the resolve cache
		_, err = df.Lookup("src/sub/f")
		require.NoError(t, err)

		require.NoError(t, df.Rename("src/sub", "dst/moved"))
		_, err = df.Lookup("src/sub/f")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = df.Lookup("dst/moved/f")
		assert.NoError(t, err)

		src, err := df.Lookup("src")
		require.NoError(t, err)
		dst, err := df.Lookup("dst")
		require.NoError(t, err)
		assert.Equal(t, uint32(2), src.Nlink)
		assert.Equal(t, uint32(3), dst.Nlink)
	})

	t.Run("replaces a file", func(t *testing.T) {
		t.Parallel()
		df, cleanup := testDataFile(t)
		defer cleanup()

		_, err := df.Create("a", 0644)
		require.NoError(t, err)
		writeAll(t, df, "a", []byte("new"))
		_, err = df.Create("b", 0644)
		require.NoError(t, err)
		writeAll(t, df, "b", []byte("old"))

		require.NoError(t, df.Rename("a", "b"))
		assert.Equal(t, "new", string(readAll(t, df, "b")))
		_, err = df.Lookup("a")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("refusals", func(t *testing.T) {
		t.Parallel()
		df, cleanup := testDataFile(t)
		defer cleanup()

		_, err := df.Mkdir("d", 0755)
		require.NoError(t, err)
		_, err = df.Mkdir("full", 0755)
		require.NoError(t, err)
		_, err = df.Create("full/x", 0644)
		require.NoError(t, err)
		_, err = df.Create("f", 0644)
		require.NoError(t, err)

		assert.ErrorIs(t, df.Rename("d", "d/inside"), common.ErrInvalidArgument)
		assert.ErrorIs(t, df.Rename("d", "f"), common.ErrNotDir)
		assert.ErrorIs(t, df.Rename("f", "d"), common.ErrIsDir)
		assert.ErrorIs(t, df.Rename("d", "full"), common.ErrNotEmpty)
		assert.ErrorIs(t, df.Rename("missing", "x"), common.ErrNotFound)
		assert.NoError(t, df.Rename("d", "d"))

		// a failed rename leaves both names in place
		_, err = df.Lookup("full/x")
		assert.NoError(t, err)
		_, err = df.Lookup("d")
		assert.NoError(t, err)
	})
}

func TestStatFS(t *testing.T) {
	t.Parallel()
	df, cleanup := testDataFile(t)
	defer cleanup()

	before, err := df.StatFS()
	require.NoError(t, err)
	_, err = df.Create("f", 0644)
	require.NoError(t, err)
	after, err := df.StatFS()
	require.NoError(t, err)

	assert.NotZero(t, after.Bsize)
	assert.Equal(t, before.Ffree-1, after.Ffree)
	assert.Equal(t, uint32(common.MaxNameLen), after.NameLen)
}

func TestClosedDataFile(t *testing.T) {
	t.Parallel()
	df, _ := testDataFile(t)
	require.NoError(t, df.Close())
	require.NoError(t, df.Close())

	_, err := df.Lookup("")
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = df.Create("x", 0644)
	assert.ErrorIs(t, err, os.ErrClosed)
}
