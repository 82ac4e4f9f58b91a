package util

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackfs/internal/common"
)

func TestRetryOnce(t *testing.T) {
	t.Parallel()

	t.Run("recovers after hook", func(t *testing.T) {
		t.Parallel()
		calls, hooks := 0, 0
		err := Retry(context.Background(), func() error {
			calls++
			if calls == 1 {
				return fmt.Errorf("link: %w", common.ErrTooManyLinks)
			}
			return nil
		}, RetryOnceOptions(context.Background(), IsTooManyLinks, func(error) error {
			hooks++
			return nil
		})...)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, hooks)
	})

	t.Run("gives up after second failure", func(t *testing.T) {
		t.Parallel()
		calls, hooks := 0, 0
		err := Retry(context.Background(), func() error {
			calls++
			return common.ErrTooManyLinks
		}, RetryOnceOptions(context.Background(), IsTooManyLinks, func(error) error {
			hooks++
			return nil
		})...)
		assert.ErrorIs(t, err, common.ErrTooManyLinks)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, hooks)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		boom := errors.New("boom")
		err := Retry(context.Background(), func() error {
			calls++
			return boom
		}, RetryOnceOptions(context.Background(), IsTooManyLinks, nil)...)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()
	assert.False(t, IsDatabaseLocked(nil))
	assert.True(t, IsDatabaseLocked(errors.New("SQLITE_BUSY: database is locked")))
	assert.False(t, IsDatabaseLocked(errors.New("no such table")))
}
