package keydir

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HailBahafi/KeyGuard-sub002/internal/database"
	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

type stubSource struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	calls   atomic.Int32
	gate    chan struct{}
	err     error
}

func (s *stubSource) GetByKeyID(_ context.Context, keyID string) (*models.Device, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[keyID]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (s *stubSource) setStatus(keyID string, status models.DeviceStatus) {
	s.mu.Lock()
	s.devices[keyID].Status = status
	s.mu.Unlock()
}

func newSource() *stubSource {
	return &stubSource{devices: map[string]*models.Device{
		"dev-1": {KeyID: "dev-1", Status: models.DeviceStatusActive},
	}}
}

func TestDirectory_LookupCaches(t *testing.T) {
	src := newSource()
	d := New(src, 16, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dev, err := d.Lookup(ctx, "dev-1")
		require.NoError(t, err)
		require.NotNil(t, dev)
	}
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, d.Len())
}

func TestDirectory_UnknownNotCached(t *testing.T) {
	src := newSource()
	d := New(src, 16, time.Minute)

	dev, err := d.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, dev)
	_, _ = d.Lookup(context.Background(), "nope")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestDirectory_ConcurrentMissesShareLoad(t *testing.T) {
	src := newSource()
	src.gate = make(chan struct{})
	d := New(src, 16, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev, err := d.Lookup(context.Background(), "dev-1")
			assert.NoError(t, err)
			assert.NotNil(t, dev)
		}()
	}
	assert.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestDirectory_InvalidateSeesRevocation(t *testing.T) {
	src := newSource()
	d := New(src, 16, time.Hour)
	ctx := context.Background()

	dev, err := d.Lookup(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, dev.Status)

	src.setStatus("dev-1", models.DeviceStatusRevoked)
	d.Invalidate(ctx, "dev-1")

	dev, err = d.Lookup(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusRevoked, dev.Status)
}

func TestDirectory_SourceError(t *testing.T) {
	src := newSource()
	src.err = errors.New("db down")
	d := New(src, 16, time.Minute)

	dev, err := d.Lookup(context.Background(), "dev-1")
	assert.Error(t, err)
	assert.Nil(t, dev)
}

func TestRedisBus_ListenAgain(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	bus := NewRedisBus(database.NewRedisFromClient(c), "kg:keydir")

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		got := make(chan string, 16)
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic: %v", r)
				}
			}()
			done <- bus.Listen(ctx, func(keyID string) {
				select {
				case got <- keyID:
				default:
				}
			})
		}()

		// Publish until the subscription delivers, so the listener is
		// subscribed before it is cancelled.
		require.Eventually(t, func() bool {
			select {
			case err := <-done:
				done <- err
				return true
			case <-got:
				return true
			default:
				_ = bus.Publish(context.Background(), "dev-1")
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
		cancel()
		require.NoError(t, <-done, "listen #%d", i+1)
	}
	select {
	case <-bus.Ready():
	default:
		t.Fatal("ready was not closed")
	}
}

func TestDirectory_RedisBusInvalidatesPeers(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *database.Redis {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return database.NewRedisFromClient(c)
	}

	src := newSource()
	busA := NewRedisBus(newClient(), "kg:keydir")
	busB := NewRedisBus(newClient(), "kg:keydir")
	a := New(src, 16, time.Hour, WithBus(busA))
	b := New(src, 16, time.Hour, WithBus(busB))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	<-busB.Ready()

	_, err := b.Lookup(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, 1, b.Len())

	a.Invalidate(ctx, "dev-1")
	assert.Eventually(t, func() bool { return b.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
