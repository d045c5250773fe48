package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs sessions with redis for multi-instance deployments.
// Expiry rides on redis TTLs, so Sweep has nothing to do.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func redisKey(chatID int64) string {
	return fmt.Sprintf("deploybot:session:%d", chatID)
}

func (r *RedisStore) Get(ctx context.Context, chatID int64) (*Session, bool, error) {
	raw, err := r.client.Get(ctx, redisKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKey(s.ChatID), raw, ExpiryWindow).Err()
}

func (r *RedisStore) Delete(ctx context.Context, chatID int64) error {
	return r.client.Del(ctx, redisKey(chatID)).Err()
}

func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
