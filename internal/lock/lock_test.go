package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "monitor-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestLocalMutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocal())
}

func TestLocalTimeout(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	require.True(t, errors.Is(err, ErrNotAcquired))

	other, err := l.Lock(context.Background(), "other")
	require.NoError(t, err, "distinct keys do not contend")
	other()
}

func TestLocalUnlockTwice(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, time.Second), mr
}

func TestRedisMutualExclusion(t *testing.T) {
	r, _ := newRedis(t)
	exerciseMutualExclusion(t, r)
}

func TestRedisReleaseKeepsForeignLease(t *testing.T) {
	r, mr := newRedis(t)
	unlock, err := r.Lock(context.Background(), "m")
	require.NoError(t, err)

	// lease expires and another owner takes it
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("lookout:lock:m"))
	require.NoError(t, mr.Set("lookout:lock:m", "someone-else"))

	unlock()
	v, err := mr.Get("lookout:lock:m")
	require.NoError(t, err)
	require.Equal(t, "someone-else", v)
}

func TestRedisTimeout(t *testing.T) {
	r, _ := newRedis(t)
	unlock, err := r.Lock(context.Background(), "m")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, "m")
	require.ErrorIs(t, err, ErrNotAcquired)
}
