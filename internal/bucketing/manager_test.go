package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"blog-auth-service/internal/config"
)

func newTestManager() *Manager {
	cfg := &config.Config{}
	cfg.Bucketing.UserBuckets = 256
	cfg.Bucketing.EventBuckets = 64
	return NewManager(cfg)
}

func TestUserBucket_StableAndInRange(t *testing.T) {
	m := newTestManager()

	first := m.UserBucket("user-abc")
	require.Equal(t, first, m.UserBucket("user-abc"), "same id must always land in the same bucket")
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, first, m.UserBuckets())
}

func TestUserBucket_SpreadsAcrossBuckets(t *testing.T) {
	m := newTestManager()

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		seen[m.UserBucket(fmt.Sprintf("user-%d", i))] = true
	}
	// 1000 ids over 256 buckets should touch a large share of them.
	require.Greater(t, len(seen), 150)
}

func TestEventBucket_InRange(t *testing.T) {
	m := newTestManager()

	for i := 0; i < 100; i++ {
		b := m.EventBucket(fmt.Sprintf("event-%d", i))
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, m.EventBuckets())
	}
}

func TestTimeBucket_AlignedToWindow(t *testing.T) {
	m := newTestManager()

	b := m.TimeBucket(300)
	require.Zero(t, b%300)
}
