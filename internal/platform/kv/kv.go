// Package kv is the small key-value layer behind favorites and the purchase
// ledger. Every backend guarantees that Update is an atomic read-modify-write
// of a single key.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("kv: not found")

// UpdateFunc receives the current value (nil when absent) and returns the
// replacement. Returning ErrSkip leaves the key unchanged.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// ErrSkip may be returned from an UpdateFunc to abandon the write without error.
var ErrSkip = errors.New("kv: update skipped")

// Store is the persistence contract shared by all backends.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Notifier fans change notifications out to subscribers of a channel.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages until ctx is cancelled or cancel is called.
	// The returned channel is closed afterwards.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
