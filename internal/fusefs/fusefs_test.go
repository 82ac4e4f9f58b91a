package fusefs

import (
	"context"
	"os"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/union"
)

// testRoot builds a rw-over-ro union and a FUSE tree rooted on it without
// mounting it in the kernel.
func testRoot(t *testing.T) (*node, *union.Mount, *lowerfs.MemFS, *lowerfs.MemFS) {
	t.Helper()
	upper := lowerfs.NewMemFS(t.Name() + "-upper")
	lower := lowerfs.NewMemFS(t.Name() + "-lower")

	_, err := lower.Mkdir("docs", 0755)
	require.NoError(t, err)
	_, err = lower.Create("docs/readme", 0644)
	require.NoError(t, err)
	f, err := lower.Open("docs/readme", os.O_WRONLY)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("lower"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err := union.New(context.Background(), []union.BranchSpec{
		{Path: "mem:upper", Perm: branch.ReadWrite, FS: upper},
		{Path: "mem:lower", Perm: branch.ReadOnly, FS: lower},
	}, union.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	root := NewRoot(m).(*node)
	fs.NewNodeFS(root, &fs.Options{})
	return root, m, upper, lower
}

func listNames(t *testing.T, n *node) []string {
	t.Helper()
	ds, errno := n.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	defer ds.Close()
	var out []string
	for ds.HasNext() {
		e, errno := ds.Next()
		require.Equal(t, syscall.Errno(0), errno)
		out = append(out, e.Name)
	}
	// branch order, not name order
	sort.Strings(out)
	return out
}

func TestFillAttr(t *testing.T) {
	t.Parallel()
	mtime := time.Unix(1700000000, 5)
	a := &lowerfs.Attr{
		Ino: 42, Mode: lowerfs.ModeRegular | 0640, Nlink: 2, Uid: 7, Gid: 8,
		Size: 1000, Atime: mtime, Mtime: mtime, Ctime: mtime,
	}
	var out fuse.Attr
	fillAttr(&out, a)
	assert.Equal(t, uint64(42), out.Ino)
	assert.Equal(t, uint32(lowerfs.ModeRegular|0640), out.Mode)
	assert.Equal(t, uint32(2), out.Nlink)
	assert.Equal(t, fuse.Owner{Uid: 7, Gid: 8}, out.Owner)
	assert.Equal(t, uint64(1000), out.Size)
	assert.Equal(t, uint64(2), out.Blocks)
	assert.Equal(t, uint64(1700000000), out.Mtime)
	assert.Equal(t, uint32(5), out.Mtimensec)
}

func TestSetAttrFrom(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)

	in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
		Valid: fuse.FATTR_MODE | fuse.FATTR_SIZE | fuse.FATTR_MTIME | fuse.FATTR_MTIME_NOW,
		Mode:  lowerfs.ModeRegular | 0600,
		Size:  42,
	}}
	sa := setAttrFrom(in, now)
	require.NotNil(t, sa.Mode)
	assert.Equal(t, uint32(0600), *sa.Mode)
	require.NotNil(t, sa.Size)
	assert.Equal(t, int64(42), *sa.Size)
	require.NotNil(t, sa.Mtime)
	assert.True(t, sa.Mtime.Equal(now))
	assert.Nil(t, sa.Atime)
	assert.Nil(t, sa.Uid)

	in = &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
		Valid: fuse.FATTR_UID | fuse.FATTR_ATIME,
		Owner: fuse.Owner{Uid: 1000},
		Atime: 10, Atimensec: 20,
	}}
	sa = setAttrFrom(in, now)
	require.NotNil(t, sa.Uid)
	assert.Equal(t, uint32(1000), *sa.Uid)
	assert.Nil(t, sa.Gid)
	require.NotNil(t, sa.Atime)
	assert.True(t, sa.Atime.Equal(time.Unix(10, 20)))

	assert.True(t, setAttrFrom(&fuse.SetAttrIn{}, now).Empty())
}

func TestErrno(t *testing.T) {
	t.Parallel()
	assert.Equal(t, syscall.Errno(0), errno("op", "p", nil))
	assert.Equal(t, syscall.ENOENT, errno("op", "p", common.ErrNotFound))
	assert.Equal(t, syscall.ENOTEMPTY, errno("op", "p", common.ErrNotEmpty))
	assert.Equal(t, syscall.EROFS, errno("op", "p", common.ErrReadOnly))
}

func TestLookupAndRead(t *testing.T) {
	t.Parallel()
	root, _, _, _ := testRoot(t)
	ctx := context.Background()

	var out fuse.EntryOut
	docs, errno := root.Lookup(ctx, "docs", &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.True(t, docs.IsDir())
	assert.Equal(t, uint32(fuse.S_IFDIR), out.Attr.Mode&syscall.S_IFMT)

	_, errno = root.Lookup(ctx, "missing", &out)
	assert.Equal(t, syscall.ENOENT, errno)

	var rootAttr fuse.AttrOut
	require.Equal(t, syscall.Errno(0), root.Getattr(ctx, nil, &rootAttr))
	assert.Equal(t, uint64(1), rootAttr.Ino)

	assert.Empty(t, cmp.Diff([]string{"docs"}, listNames(t, root)))
}

func TestCreateWriteAndList(t *testing.T) {
	t.Parallel()
	root, m, upper, _ := testRoot(t)
	ctx := context.Background()

	var out fuse.EntryOut
	ino, fh, _, errno := root.Create(ctx, "notes", uint32(os.O_RDWR), 0644, &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, ino)
	h := fh.(*handle)

	n, errno := h.Write(ctx, []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(5), n)

	buf := make([]byte, 16)
	res, errno := h.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "hello", string(data))

	var attr fuse.AttrOut
	require.Equal(t, syscall.Errno(0), h.Getattr(ctx, &attr))
	assert.Equal(t, uint64(5), attr.Size)
	require.Equal(t, syscall.Errno(0), h.Flush(ctx))
	require.Equal(t, syscall.Errno(0), h.Release(ctx))
	assert.Equal(t, 0, m.OpenFiles())

	_, err := upper.Lookup("notes")
	assert.NoError(t, err, "new files land on the writable branch")

	_, errno = root.Mkdir(ctx, "build", 0755, &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Empty(t, cmp.Diff([]string{"build", "docs", "notes"}, listNames(t, root)))

	assert.Equal(t, syscall.Errno(0), root.Unlink(ctx, "notes"))
	assert.Equal(t, syscall.Errno(0), root.Rmdir(ctx, "build"))
	assert.Equal(t, syscall.ENOENT, root.Unlink(ctx, "notes"))
	assert.Empty(t, cmp.Diff([]string{"docs"}, listNames(t, root)))
}

func TestWhiteoutThroughRoot(t *testing.T) {
	t.Parallel()
	root, _, upper, lower := testRoot(t)
	ctx := context.Background()

	_, errno := root.Symlink(ctx, "docs/readme", "link", &fuse.EntryOut{})
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, syscall.ENOTEMPTY, root.Rmdir(ctx, "docs"))

	assert.Equal(t, syscall.Errno(0), root.Rename(ctx, "link", root, "link2", 0))
	assert.Equal(t, syscall.EINVAL, root.Rename(ctx, "link2", root, "link3", 1))
	assert.Empty(t, cmp.Diff([]string{"docs", "link2"}, listNames(t, root)))

	_, err := upper.Lookup("link2")
	assert.NoError(t, err)
	_, err = lower.Lookup("docs/readme")
	assert.NoError(t, err, "lower branch is never written")
}

func TestStatfs(t *testing.T) {
	t.Parallel()
	root, _, _, _ := testRoot(t)
	var out fuse.StatfsOut
	require.Equal(t, syscall.Errno(0), root.Statfs(context.Background(), &out))
	assert.NotZero(t, out.Bsize)
	assert.Equal(t, out.Bsize, out.Frsize)
}
