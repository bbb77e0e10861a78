package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"blog-auth-service/internal/config"
)

// Manager assigns rows to fixed-size hash buckets so wide tables (users,
// events) spread evenly across partitions. Bucket counts are set once at
// deploy time; changing them reshuffles every key.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// UserBucket returns the consistent bucket for a user id (0 to userBuckets-1).
func (m *Manager) UserBucket(userID string) int {
	return m.bucket(userID, m.userBuckets)
}

// EventBucket returns the bucket for an event identifier.
func (m *Manager) EventBucket(identifier string) int {
	return m.bucket(identifier, m.eventBuckets)
}

// TimeBucket truncates now to the start of its window.
func (m *Manager) TimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC calendar day, used to partition event tables.
func (m *Manager) DateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (m *Manager) UserBuckets() int {
	return m.userBuckets
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(m.hash(key) % uint64(numBuckets))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
