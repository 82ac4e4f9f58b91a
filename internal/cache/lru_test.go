package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetSet(t *testing.T) {
	if Disabled {
		t.Skip("caching disabled via STACKFS_CACHE=0")
	}
	t.Parallel()

	c := New[uint64, uint64](2, 0)
	c.Set(1, 100)
	c.Set(2, 200)

	v, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(100), v)

	// 2 is now least recently used
	c.Set(3, 300)
	_, ok = c.Get(2)
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCacheInvalidateFunc(t *testing.T) {
	if Disabled {
		t.Skip("caching disabled via STACKFS_CACHE=0")
	}
	t.Parallel()

	c := New[string, int](0, 0)
	c.Set("a", 1)
	c.Set("a/b", 2)
	c.Set("a/b/c", 3)
	c.Set("ab", 4)

	c.InvalidateFunc(func(k string) bool { return strings.HasPrefix(k, "a/") })
	_, ok := c.Get("a/b")
	assert.False(t, ok)
	_, ok = c.Get("a/b/c")
	assert.False(t, ok)
	_, ok = c.Get("ab")
	assert.True(t, ok)

	c.InvalidateKey("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Invalidate()
	assert.Equal(t, 0, c.Size())
}

func TestCacheTTL(t *testing.T) {
	if Disabled {
		t.Skip("caching disabled via STACKFS_CACHE=0")
	}
	t.Parallel()

	c := New[string, int](10, 20*time.Millisecond)
	c.Set("k", 1)
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}
