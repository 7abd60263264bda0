package ipam

import (
	"context"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Locker serialises mutations of a single address. The CAS update in the
// engine stays authoritative; the lock keeps losers from doing wasted work.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// NewLocalLocker returns an in-process keyed mutex.
func NewLocalLocker() Locker {
	return &localLocker{locks: map[string]*keyLock{}}
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

type localLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *localLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker shares per-address locks between several ipamd processes.
// ttl bounds how long a crashed holder can block an address.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisLocker{client: client, prefix: prefix, ttl: ttl, retry: 10 * time.Millisecond}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(k, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lock %s", k)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unlockScript.Run(l.client, []string{k}, token).Err()
		})
	}, nil
}
