package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "walletwatch/config"
	"walletwatch/internal/ratelimit"
	"walletwatch/logger"
)

// RedisStore keeps the rate limit state as one JSON value. The TTL, when
// set, lets an abandoned deployment's state expire on its own.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *logger.Log
}

func NewRedisStore(cfg appconfig.RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisStore(client, cfg.Key, cfg.TTL)
}

func newRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, key: key, ttl: ttl, log: logger.GetLogger()}
}

// Ping checks connectivity at startup.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context) (ratelimit.State, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ratelimit.State{Entries: map[string]time.Time{}}, nil
		}
		return ratelimit.State{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return ratelimit.DecodeState(data)
}

func (r *RedisStore) Save(ctx context.Context, st ratelimit.State) error {
	b, err := ratelimit.EncodeState(st)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	r.log.WithComponent("redis_store").WithFields(logger.Fields{
		"key":     r.key,
		"entries": len(st.Entries),
	}).Debug("rate limit state saved to redis")
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
