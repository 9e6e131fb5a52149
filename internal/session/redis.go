package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "scorehub:session:"

// RedisStore is a Store backed by Redis so the capture proxy and the
// worker can run as separate processes against the same bot pool.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(friendCode string) string {
	return redisKeyPrefix + friendCode
}

// Get returns the session for a bot, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, friendCode string) (*Session, error) {
	raw, err := s.client.Get(ctx, redisKey(friendCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", friendCode, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", friendCode, err)
	}
	return &sess, nil
}

// Put stores or overwrites the session for a bot. Sessions are kept
// without TTL; they are only replaced by a newer capture.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.FriendCode, err)
	}
	if err := s.client.Set(ctx, redisKey(sess.FriendCode), raw, 0).Err(); err != nil {
		return fmt.Errorf("put session %s: %w", sess.FriendCode, err)
	}
	return s.client.SAdd(ctx, redisKeyPrefix+"codes", sess.FriendCode).Err()
}

// MarkExpired flags a bot's session as expired.
func (s *RedisStore) MarkExpired(ctx context.Context, friendCode string) error {
	return s.update(ctx, friendCode, func(sess *Session) {
		sess.Expired = true
	})
}

// MarkValid clears the expired flag and refreshes the validation time.
func (s *RedisStore) MarkValid(ctx context.Context, friendCode string) error {
	return s.update(ctx, friendCode, func(sess *Session) {
		sess.Expired = false
		sess.ValidatedAt = time.Now()
	})
}

func (s *RedisStore) update(ctx context.Context, friendCode string, mutate func(*Session)) error {
	sess, err := s.Get(ctx, friendCode)
	if err != nil {
		return err
	}
	mutate(sess)

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", friendCode, err)
	}
	return s.client.Set(ctx, redisKey(friendCode), raw, 0).Err()
}

// List returns every known session.
func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	codes, err := s.client.SMembers(ctx, redisKeyPrefix+"codes").Result()
	if err != nil {
		return nil, fmt.Errorf("list session codes: %w", err)
	}

	out := make([]*Session, 0, len(codes))
	for _, code := range codes {
		sess, getErr := s.Get(ctx, code)
		if errors.Is(getErr, ErrNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		out = append(out, sess)
	}
	return out, nil
}

// ListAvailable returns the friend codes of bots with non-expired sessions.
func (s *RedisStore) ListAvailable(ctx context.Context) ([]string, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.Expired {
			codes = append(codes, sess.FriendCode)
		}
	}
	return codes, nil
}
