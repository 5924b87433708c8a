package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"veriflow/internal/attempts/models"
	"veriflow/pkg/platform/sentinel"
)

const maxWatchRetries = 10

// RedisStore keeps each counter as a JSON value and applies updates with
// WATCH/MULTI, retrying when another writer touched the key first.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Update(ctx context.Context, key models.Key, fn UpdateFunc) (*models.Counter, error) {
	k := key.String()
	var next *models.Counter

	txf := func(tx *redis.Tx) error {
		current, err := load(ctx, tx, k)
		if err != nil {
			return err
		}
		next, err = fn(current)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode counter: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, encoded, 0)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: attempt counter contended", sentinel.ErrConflict)
}

func (s *RedisStore) Get(ctx context.Context, key models.Key) (*models.Counter, error) {
	c, err := load(ctx, s.client, key.String())
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, sentinel.ErrNotFound
	}
	return c, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, cmd getter, k string) (*models.Counter, error) {
	raw, err := cmd.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load counter: %w", err)
	}
	var c models.Counter
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode counter: %w", err)
	}
	return &c, nil
}
