// Package cache provides the key/value store used for navigator configs and
// recent run history.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is not present or has expired
var ErrMiss = errors.New("cache miss")

// Store is a byte-oriented cache with optional expiry
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl keeps the value until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Push prepends value to the list at key and trims it to limit items
	Push(ctx context.Context, key string, value []byte, limit int) error
	// List returns the list at key, newest first
	List(ctx context.Context, key string) ([][]byte, error)
	Close() error
}
