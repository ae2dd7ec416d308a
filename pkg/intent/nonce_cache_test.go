package intent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNonceCacheEvictsOldest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	expiry := now.Add(time.Hour)
	c := NewNonceCache(10, 0.5)

	for i := range 6 {
		require.True(t, c.CheckAndRecord(fmt.Sprintf("n%d", i), expiry, now))
	}

	require.Equal(t, 5, c.Len())
	require.False(t, c.Seen("n0"))
	for i := 1; i < 6; i++ {
		require.True(t, c.Seen(fmt.Sprintf("n%d", i)))
	}
	require.False(t, c.CheckAndRecord("n5", expiry, now))
}

func TestNonceCachePrunesExpiredFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewNonceCache(4, 1)

	require.True(t, c.CheckAndRecord("old-1", now.Add(time.Second), now))
	require.True(t, c.CheckAndRecord("old-2", now.Add(time.Second), now))
	require.True(t, c.CheckAndRecord("fresh-1", now.Add(time.Hour), now))
	require.True(t, c.CheckAndRecord("fresh-2", now.Add(time.Hour), now))

	later := now.Add(time.Minute)
	require.True(t, c.CheckAndRecord("fresh-3", later.Add(time.Hour), later))

	require.Equal(t, 3, c.Len())
	require.False(t, c.Seen("old-1"))
	require.False(t, c.Seen("old-2"))
	require.True(t, c.Seen("fresh-1"))
	require.True(t, c.Seen("fresh-2"))
	require.True(t, c.Seen("fresh-3"))
}

func TestNonceCacheDefaults(t *testing.T) {
	c := NewNonceCache(0, 0)
	capacity, fill := DefaultNonceCapacity, DefaultNonceFillThreshold
	require.Equal(t, int(float64(capacity)*fill), c.threshold)
}
