// Package variables looks up per-user credentials such as OPENAI_API_KEY.
package variables

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCredentialMissing means neither the user's variables nor the
// service defaults hold a usable value
var ErrCredentialMissing = errors.New("credential missing")

// placeholder values stored by the UI before a user sets a real key
const placeholder = "dummy"

const keyPrefix = "voice-relay:variables:"

type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// Store resolves a variable for a user from Redis, then from the
// service-wide defaults loaded with the configuration. A nil Redis client
// means defaults only.
type Store struct {
	rdb      hashReader
	defaults map[string]string
}

// NewStore creates a store backed by rdb, which may be nil. defaults maps
// variable names to the values used when a user has none of their own.
func NewStore(rdb *redis.Client, defaults map[string]string) *Store {
	s := &Store{defaults: defaults}
	if rdb != nil {
		s.rdb = rdb
	}
	return s
}

// NewRedisClient connects to redisURL and checks it answers
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Key returns the Redis hash holding a user's variables
func Key(userID string) string {
	return keyPrefix + userID
}

// Get returns the value of name for userID
func (s *Store) Get(ctx context.Context, userID, name string) (string, error) {
	var storeErr error
	if s.rdb != nil && userID != "" {
		val, err := s.rdb.HGet(ctx, Key(userID), name).Result()
		if err == nil && usable(val) {
			return val, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			storeErr = err
		}
	}

	if val := s.defaults[name]; usable(val) {
		return val, nil
	}
	if storeErr != nil {
		return "", fmt.Errorf("%w: %s (variable store: %v)", ErrCredentialMissing, name, storeErr)
	}
	return "", fmt.Errorf("%w: %s", ErrCredentialMissing, name)
}

func usable(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != placeholder
}
