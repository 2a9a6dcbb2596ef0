package draftstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	redisKeyPrefix    = "billpay:draft:"
	redisPingTimeout  = 5 * time.Second
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
)

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	options.DialTimeout = redisDialTimeout
	options.ReadTimeout = redisReadTimeout
	options.WriteTimeout = redisWriteTimeout
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps drafts in Redis with a TTL per key.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore wires a Redis-backed draft store.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(reference billing.Reference) string {
	return redisKeyPrefix + reference.String()
}

// Save writes the draft and refreshes its TTL.
func (store *RedisStore) Save(ctx context.Context, draft transfer.PeerTransfer) error {
	payload, err := encodeDraft(draft)
	if err != nil {
		return err
	}
	if err := store.client.Set(ctx, redisKey(draft.Reference), payload, store.ttl).Err(); err != nil {
		return billing.WrapError("draftstore", "save", "redis_set", err)
	}
	return nil
}

// Get loads a draft; missing or expired keys yield ErrDraftNotFound.
func (store *RedisStore) Get(ctx context.Context, reference billing.Reference) (transfer.PeerTransfer, error) {
	payload, err := store.client.Get(ctx, redisKey(reference)).Bytes()
	if errors.Is(err, redis.Nil) {
		return transfer.PeerTransfer{}, ErrDraftNotFound
	}
	if err != nil {
		return transfer.PeerTransfer{}, billing.WrapError("draftstore", "get", "redis_get", err)
	}
	return decodeDraft(payload)
}

// Delete removes a draft. Deleting a missing draft is not an error.
func (store *RedisStore) Delete(ctx context.Context, reference billing.Reference) error {
	if err := store.client.Del(ctx, redisKey(reference)).Err(); err != nil {
		return billing.WrapError("draftstore", "delete", "redis_del", err)
	}
	return nil
}
