package nonce

import (
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HailBahafi/KeyGuard-sub002/internal/metrics"
)

const (
	DefaultCapacity      = 1_000_000
	DefaultShards        = 64
	DefaultSweepInterval = 30 * time.Second
)

type shard struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
}

// MemoryStore is a sharded in-process replay cache with a hard entry bound.
// Contention is limited to one shard; a background sweep reclaims expired
// entries and full shards also reclaim lazily before refusing new ones.
type MemoryStore struct {
	shards      []*shard
	seed        maphash.Seed
	perShardCap int
	size        atomic.Int64
	now         func() time.Time

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithShards sets the number of shards.
func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// WithCapacity caps the total number of live entries. A capacity below the
// shard count reduces the number of shards.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.perShardCap = n
		}
	}
}

// WithSweepInterval sets how often expired entries are reclaimed. Zero or a
// negative value disables the sweep goroutine.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a MemoryStore and starts its sweep goroutine.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards:        make([]*shard, DefaultShards),
		seed:          maphash.MakeSeed(),
		perShardCap:   DefaultCapacity,
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	total := s.perShardCap
	if total < len(s.shards) {
		s.shards = make([]*shard, total)
	}
	s.perShardCap = (total + len(s.shards) - 1) / len(s.shards)
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]time.Time)}
	}

	if s.sweepInterval > 0 {
		go s.sweepLoop()
	} else {
		close(s.sweepDone)
	}
	return s
}

func key(deviceID, nonce string) string {
	return deviceID + "\x00" + nonce
}

func (s *MemoryStore) shardFor(k string) *shard {
	return s.shards[maphash.String(s.seed, k)%uint64(len(s.shards))]
}

// CheckAndMark records the pair under the shard lock.
func (s *MemoryStore) CheckAndMark(_ context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	if err := validate(deviceID, nonce); err != nil {
		return false, err
	}
	k := key(deviceID, nonce)
	sh := s.shardFor(k)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if exp, ok := sh.entries[k]; ok {
		if now.Before(exp) {
			return false, nil
		}
		sh.entries[k] = now.Add(ttl)
		return true, nil
	}

	if len(sh.entries) >= s.perShardCap {
		s.sweepShard(sh, now)
		if len(sh.entries) >= s.perShardCap {
			return false, ErrCapacity
		}
	}
	sh.entries[k] = now.Add(ttl)
	s.size.Add(1)
	return true, nil
}

// Seen reports whether the pair is recorded and unexpired.
func (s *MemoryStore) Seen(_ context.Context, deviceID, nonce string) (bool, error) {
	if err := validate(deviceID, nonce); err != nil {
		return false, err
	}
	k := key(deviceID, nonce)
	sh := s.shardFor(k)

	sh.mu.Lock()
	exp, ok := sh.entries[k]
	sh.mu.Unlock()
	return ok && s.now().Before(exp), nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (s *MemoryStore) Len() int {
	return int(s.size.Load())
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopSweep) })
	<-s.sweepDone
	return nil
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.Sweep()
			metrics.NonceEntries.Set(float64(s.Len()))
		}
	}
}

// Sweep removes every expired entry.
func (s *MemoryStore) Sweep() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		s.sweepShard(sh, now)
		sh.mu.Unlock()
	}
}

// sweepShard must be called with sh.mu held.
func (s *MemoryStore) sweepShard(sh *shard, now time.Time) {
	for k, exp := range sh.entries {
		if !now.Before(exp) {
			delete(sh.entries, k)
			s.size.Add(-1)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
