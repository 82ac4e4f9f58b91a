package workq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	t.Parallel()

	p := New(2)
	var n atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Go("inc", func(context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	p.Wait()
	assert.Equal(t, int32(20), n.Load())
	require.NoError(t, p.Close())
}

func TestPoolRunsInlineWhenSaturated(t *testing.T) {
	t.Parallel()

	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Go("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	ran := false
	require.NoError(t, p.Go("inline", func(context.Context) error {
		ran = true
		return nil
	}))
	// the only worker is blocked, so the task already ran in this goroutine
	assert.True(t, ran)

	close(release)
	require.NoError(t, p.Close())
}

func TestPoolCollectsErrors(t *testing.T) {
	t.Parallel()

	p := New(2)
	boom := errors.New("boom")
	require.NoError(t, p.Go("fail", func(context.Context) error { return boom }))
	require.NoError(t, p.Go("panic", func(context.Context) error { panic("bad") }))

	err := p.Close()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "panic in panic")

	require.ErrorIs(t, p.Go("late", func(context.Context) error { return nil }), ErrClosed)
}

func TestParallel(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	fns := make([]func(context.Context) error, 10)
	for i := range fns {
		fns[i] = func(context.Context) error {
			n.Add(1)
			return nil
		}
	}
	require.NoError(t, Parallel(context.Background(), 3, fns...))
	assert.Equal(t, int32(10), n.Load())

	boom := errors.New("boom")
	err := Parallel(context.Background(), 0,
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
	)
	require.ErrorIs(t, err, boom)
}

func TestRunAs(t *testing.T) {
	t.Parallel()

	_, ok := CredFrom(context.Background())
	assert.False(t, ok)

	err := RunAs(context.Background(), Cred{Uid: 1000, Gid: 100}, func(ctx context.Context) error {
		c, ok := CredFrom(ctx)
		require.True(t, ok)
		assert.Equal(t, Cred{Uid: 1000, Gid: 100}, c)
		return nil
	})
	require.NoError(t, err)
}
