package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	id "veriflow/pkg/domain"
)

// RedisChallengeStore keeps the gate as a key with a server-side TTL so it
// is shared across instances.
type RedisChallengeStore struct {
	client redis.UniversalClient
}

func NewRedisChallenges(client redis.UniversalClient) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

func challengeKey(userID id.UserID) string {
	return "voice_login:q1:" + userID.String()
}

func (s *RedisChallengeStore) Record(ctx context.Context, userID id.UserID, ttl time.Duration) error {
	if err := s.client.Set(ctx, challengeKey(userID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("record challenge: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) Passed(ctx context.Context, userID id.UserID) (bool, error) {
	n, err := s.client.Exists(ctx, challengeKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check challenge: %w", err)
	}
	return n == 1, nil
}

func (s *RedisChallengeStore) Clear(ctx context.Context, userID id.UserID) error {
	if err := s.client.Del(ctx, challengeKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear challenge: %w", err)
	}
	return nil
}
