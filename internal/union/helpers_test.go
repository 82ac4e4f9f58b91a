package union

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
)

// testMount mounts one fresh MemFS per perm, index 0 first, and returns
// the mount with its branch filesystems.
func testMount(t *testing.T, opts Options, perms ...branch.Perm) (*Mount, []*lowerfs.MemFS) {
	t.Helper()
	fss := make([]*lowerfs.MemFS, len(perms))
	specs := make([]BranchSpec, len(perms))
	for i, p := range perms {
		fss[i] = lowerfs.NewMemFS(fmt.Sprintf("%s-%d", t.Name(), i))
		specs[i] = BranchSpec{Path: fmt.Sprintf("mem:%d", i), Perm: p, FS: fss[i]}
	}
	m, err := New(context.Background(), specs, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, fss
}

// put writes a file straight into a branch, creating missing parents.
func put(t *testing.T, fs *lowerfs.MemFS, path, content string) {
	t.Helper()
	mkdirs(t, fs, common.ParentPath(common.NormalizePath(path)))
	_, err := fs.Create(path, 0644)
	require.NoError(t, err)
	f, err := fs.Open(path, os.O_WRONLY)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte(content), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func mkdirs(t *testing.T, fs *lowerfs.MemFS, dir string) {
	t.Helper()
	p := ""
	for _, name := range common.SplitPath(dir) {
		p = common.JoinPath(p, name)
		if _, err := fs.Mkdir(p, 0755); err != nil && !errors.Is(err, common.ErrExists) {
			require.NoError(t, err)
		}
	}
}

// branchContent reads a file straight from a branch.
func branchContent(t *testing.T, fs *lowerfs.MemFS, path string) string {
	t.Helper()
	a, err := fs.Lookup(path)
	require.NoError(t, err)
	f, err := fs.Open(path, os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, a.Size)
	_, err = f.ReadAt(b, 0)
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}
	return string(b)
}

func exists(fs *lowerfs.MemFS, path string) bool {
	_, err := fs.Lookup(path)
	return err == nil
}

// readFile reads a whole file through the union.
func readFile(m *Mount, path string) (string, error) {
	ctx := context.Background()
	a, err := m.Stat(ctx, path)
	if err != nil {
		return "", err
	}
	f, err := m.Open(ctx, path, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b := make([]byte, a.Size)
	n, err := f.ReadAt(b, 0)
	if err != nil && err != io.EOF {
		return "", err
	}
	return string(b[:n]), nil
}

// writeFile replaces the content of a file through the union.
func writeFile(m *Mount, path, content string) error {
	f, err := m.Open(context.Background(), path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(content), 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// names lists a directory through the union.
func names(m *Mount, path string) ([]string, error) {
	f, err := m.Open(context.Background(), path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ents, err := f.ReadDir(0)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range ents {
		out = append(out, e.Name)
	}
	return out, nil
}
