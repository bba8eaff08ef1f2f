// Package session holds server-side session state for the auth managers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cofradia.org/internal/auth"
)

const (
	sessionPrefix = "sess:"
	revokedPrefix = "remember:revoked:"
)

// Redis stores sessions as JSON blobs with a garbage-collection TTL.
type Redis struct {
	rdb redis.UniversalClient
}

var _ auth.SessionStore = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Ping reports whether the backing Redis answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Save(ctx context.Context, s auth.Session, ttl time.Duration) error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty session id", auth.ErrInvalidInput)
	}
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, sessionPrefix+s.ID, blob, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Find(ctx context.Context, id string) (auth.Session, error) {
	blob, err := r.rdb.Get(ctx, sessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, unavailable(err)
	}
	var s auth.Session
	if err := json.Unmarshal(blob, &s); err != nil {
		return auth.Session{}, fmt.Errorf("session %s corrupt: %w", id, err)
	}
	return s, nil
}

func (r *Redis) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Del(ctx, sessionPrefix+id).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (r *Redis) RevokeRemember(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if ttl <= 0 {
		// already expired; the signature check rejects it anyway
		return nil
	}
	if err := r.rdb.Set(ctx, revokedPrefix+jti, 1, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) RememberRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.rdb.Exists(ctx, revokedPrefix+jti).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: redis: %v", auth.ErrUnavailable, err)
}
