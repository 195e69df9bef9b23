package cache

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

var ErrNotFound = errors.New("not found")

// RedisCache keeps resolved source descriptors between runs so repeat
// resolutions skip the platform API entirely
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return RedisCache{}, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		return RedisCache{}, err
	}

	return RedisCache{client: client}, nil
}

func (c RedisCache) SaveItem(key string, item interface{}, exp time.Duration) error {
	data, err := msgpack.Marshal(item)
	if err != nil {
		return err
	}

	return c.client.Set(key, data, exp).Err()
}

func (c RedisCache) GetItem(key string, item interface{}) error {
	data, err := c.client.Get(key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	} else if err != nil {
		return err
	}

	if err := msgpack.Unmarshal(data, item); err != nil {
		return err
	}

	return nil
}

func (c RedisCache) Invalidate(keys ...string) error {
	return c.client.Del(keys...).Err()
}

func (c RedisCache) Close() error {
	return c.client.Close()
}
