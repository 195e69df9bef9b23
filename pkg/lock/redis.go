package lock

import (
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
)

// Locker is an advisory mutual-exclusion primitive shared between
// process instances. Acquisition failure only deduplicates concurrent
// work, it never blocks correctness.
type Locker interface {
	// TryAcquire returns true when the caller now holds the named lock
	// for at most ttl. It fails open: backend errors count as acquired.
	TryAcquire(key string, ttl time.Duration) bool

	// Release drops the lock early. Safe to call on a lock that was
	// never held or already expired.
	Release(key string)
}

// RedisLock implements Locker on top of a shared redis instance
type RedisLock struct {
	client *redis.Client
	holder string
}

var _ Locker = (*RedisLock)(nil)

func NewRedisLock(redisURL, holder string) (*RedisLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		return nil, err
	}

	return &RedisLock{client: client, holder: holder}, nil
}

func (l *RedisLock) TryAcquire(key string, ttl time.Duration) bool {
	ok, err := l.client.SetNX(l.lockKey(key), l.holder, ttl).Result()
	if err != nil {
		// Availability over strict mutual exclusion: an unreachable lock
		// store must not deadlock the whole pipeline
		log.WithError(err).WithField("key", key).Warn("lock backend unreachable, proceeding without lock")
		return true
	}

	return ok
}

func (l *RedisLock) Release(key string) {
	// Only drop our own lock, another instance may have re-acquired the
	// key after our TTL expired
	holder, err := l.client.Get(l.lockKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).WithField("key", key).Warn("failed to release lock")
		}

		return
	}

	if holder != l.holder {
		return
	}

	if err := l.client.Del(l.lockKey(key)).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("failed to release lock")
	}
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}

func (l *RedisLock) lockKey(key string) string {
	return "feedsync/lock/" + key
}

// Noop is used when no redis is configured: every acquisition succeeds,
// mutual exclusion is provided by the per-process scheduler flags only.
type Noop struct{}

var _ Locker = (*Noop)(nil)

func (Noop) TryAcquire(string, time.Duration) bool { return true }

func (Noop) Release(string) {}
