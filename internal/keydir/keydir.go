// Package keydir resolves signing key ids to enrolled devices.
package keydir

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

// Source loads devices from durable storage.
type Source interface {
	GetByKeyID(ctx context.Context, keyID string) (*models.Device, error)
}

// Directory is a read-through cache in front of a Source. Concurrent misses
// for the same key id share one load. Invalidate drops the entry locally and,
// when a Bus is configured, on every other instance.
//
// Devices returned by Lookup are shared with the cache and must not be
// modified.
type Directory struct {
	source Source
	cache  *expirable.LRU[string, *models.Device]
	group  singleflight.Group
	epoch  atomic.Uint64
	bus    Bus
	logger *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithBus publishes invalidations to other instances.
func WithBus(b Bus) Option {
	return func(d *Directory) {
		d.bus = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = l
	}
}

// New creates a Directory holding at most size devices for ttl each.
func New(source Source, size int, ttl time.Duration, opts ...Option) *Directory {
	d := &Directory{
		source: source,
		cache:  expirable.NewLRU[string, *models.Device](size, nil, ttl),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lookup returns the device registered under keyID, or nil if there is none.
// A storage error is returned as-is; callers must fail closed on it.
func (d *Directory) Lookup(ctx context.Context, keyID string) (*models.Device, error) {
	if dev, ok := d.cache.Get(keyID); ok {
		return dev, nil
	}

	v, err, _ := d.group.Do(keyID, func() (any, error) {
		epoch := d.epoch.Load()
		dev, err := d.source.GetByKeyID(ctx, keyID)
		if err != nil {
			return nil, fmt.Errorf("keydir: load %q: %w", keyID, err)
		}
		// An invalidation that raced this load wins; the result is still
		// returned to the waiting callers but not cached.
		if dev != nil && d.epoch.Load() == epoch {
			d.cache.Add(keyID, dev)
		}
		return dev, nil
	})
	if err != nil {
		return nil, err
	}
	dev, _ := v.(*models.Device)
	return dev, nil
}

// Invalidate drops keyID from this instance and broadcasts it.
func (d *Directory) Invalidate(ctx context.Context, keyID string) {
	d.evict(keyID)
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, keyID); err != nil {
		d.logger.Error("keydir: publish invalidation failed", "key_id", keyID, "error", err)
	}
}

func (d *Directory) evict(keyID string) {
	d.epoch.Add(1)
	d.group.Forget(keyID)
	d.cache.Remove(keyID)
}

// Run applies invalidations received from other instances until ctx is done.
func (d *Directory) Run(ctx context.Context) error {
	if d.bus == nil {
		<-ctx.Done()
		return nil
	}
	return d.bus.Listen(ctx, d.evict)
}

// Len returns the number of cached devices.
func (d *Directory) Len() int {
	return d.cache.Len()
}
