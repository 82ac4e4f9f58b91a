package util

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntil(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	err := PollUntil(context.Background(), PollConfig{Timeout: time.Second, Interval: time.Millisecond}, func() bool {
		return calls.Add(1) >= 3
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	err = PollUntil(context.Background(), PollConfig{Timeout: 20 * time.Millisecond, Interval: time.Millisecond}, func() bool {
		return false
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = PollUntil(ctx, PollConfig{Timeout: time.Second}, func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitWithDeadline(t *testing.T) {
	t.Parallel()
	assert.True(t, WaitWithDeadline(time.Now(), time.Millisecond, func() bool { return true }))
	assert.False(t, WaitWithDeadline(time.Now().Add(10*time.Millisecond), time.Millisecond, func() bool { return false }))
}

func TestStopProcess(t *testing.T) {
	t.Parallel()
	running := true
	err := StopProcess(context.Background(), 0, ProcessConfig{GracefulTimeout: time.Second, PollInterval: time.Millisecond},
		func() error { running = false; return nil },
		func() bool { return running })
	require.NoError(t, err)

	err = StopProcess(context.Background(), 0, ProcessConfig{GracefulTimeout: 5 * time.Millisecond, PollInterval: time.Millisecond, KillWait: 5 * time.Millisecond},
		nil,
		func() bool { return true })
	assert.Error(t, err)
}

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-5))
}
