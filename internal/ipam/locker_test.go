package ipam

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return mr, c
}

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()

	var (
		wg      sync.WaitGroup
		holders int32
		maxSeen int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "10.0.0.1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	exerciseMutualExclusion(t, l)

	// keys are independent
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA() // idempotent
	unlockB()

	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()
	assert.Empty(t, l.(*localLocker).locks)
}

func TestRedisLocker(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "ipamd:lock:", time.Second)
	exerciseMutualExclusion(t, l)
	assert.False(t, mr.Exists("ipamd:lock:10.0.0.1"))

	unlock, err := l.Lock(context.Background(), "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, mr.Exists("ipamd:lock:10.0.0.2"))
	assert.Equal(t, time.Second, mr.TTL("ipamd:lock:10.0.0.2"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "10.0.0.2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists("ipamd:lock:10.0.0.2"))
}

func TestRedisLockerExpiredHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "lk:", 5*time.Second)

	stale, err := l.Lock(context.Background(), "x")
	require.NoError(t, err)

	// holder crashed; the ttl frees the key
	mr.FastForward(6 * time.Second)
	fresh, err := l.Lock(context.Background(), "x")
	require.NoError(t, err)

	// the stale unlock must not drop the new holder's lock
	stale()
	assert.True(t, mr.Exists("lk:x"))
	fresh()
	assert.False(t, mr.Exists("lk:x"))
}

func TestEngineWithRedisLocker(t *testing.T) {
	_, client := newTestRedis(t)
	env := newTestEnv(t, Options{}, WithLocker(NewRedisLocker(client, "ipamd:lock:", 0)))
	env.scenarioRange(t, true)

	rec := env.assign(t, "10.0.0.2", "server", 7)
	assert.Equal(t, "10.0.0.2", rec.Address)
	_, err := env.engine.Release(env.ctx, ReleaseRequest{Address: "10.0.0.2", SkipQuarantine: true})
	require.NoError(t, err)
}
