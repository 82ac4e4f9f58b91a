package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *MountConfig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lower"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lower", "seed"), []byte("seed"), 0644))
	cfg := &MountConfig{
		Branches: []string{
			"sqlite:" + filepath.Join(dir, "upper.db") + "=rw",
			filepath.Join(dir, "lower") + "=ro",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("STACKFS_CONFIG_DIR", t.TempDir())
	ctx := context.Background()

	d := New(testConfig(t))
	d.ServeNFS = true
	require.NoError(t, d.Start(ctx))

	require.NotNil(t, d.Mount())
	require.NotNil(t, d.NFSAddr())
	pid, running := IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	a, err := d.Mount().Stat(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.Size)
	_, err = d.Mount().Mkdir(ctx, "made", 0755)
	require.NoError(t, err)

	second := New(testConfig(t))
	assert.ErrorIs(t, second.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, d.Close())
	_, running = IsRunning()
	assert.False(t, running)

	// the sqlite branch keeps what was written through the union
	again := New(&MountConfig{Branches: d.Config.Branches})
	again.Config.ApplyDefaults()
	require.NoError(t, again.Start(ctx))
	a, err = again.Mount().Stat(ctx, "made")
	require.NoError(t, err)
	assert.True(t, a.IsDir())
	require.NoError(t, again.Close())
}

func TestDaemonRunStops(t *testing.T) {
	t.Setenv("STACKFS_CONFIG_DIR", t.TempDir())
	d := New(testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Stop before or after Start both end Run
	d.Stop()
	require.NoError(t, <-done)
}

func TestDaemonBadConfig(t *testing.T) {
	t.Setenv("STACKFS_CONFIG_DIR", t.TempDir())
	cfg := &MountConfig{Branches: []string{filepath.Join(t.TempDir(), "missing")}}
	cfg.ApplyDefaults()
	d := New(cfg)
	assert.Error(t, d.Start(context.Background()))

	// the lock was released on failure
	d2 := New(testConfig(t))
	require.NoError(t, d2.Start(context.Background()))
	require.NoError(t, d2.Close())
}
