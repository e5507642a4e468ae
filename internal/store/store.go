// Package store defines the durable coordination surface shared by the
// ingress and the batching worker: ordered lists with an atomic drain, a
// sorted deadline index, and expiring key/value markers.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the only shared mutable resource in the system. Per-key atomicity
// of DrainList is the single hard requirement; no cross-key transactions are
// assumed.
type Store interface {
	// AppendList pushes values onto the tail of the list, preserving order.
	AppendList(ctx context.Context, key string, values ...string) error
	// PopList removes and returns up to max values from the head of the list.
	PopList(ctx context.Context, key string, max int) ([]string, error)
	// DrainList atomically returns every value of the list and deletes it.
	// Two concurrent drains of the same key must never both see values.
	DrainList(ctx context.Context, key string) ([]string, error)
	// RangeList returns values between start and stop (inclusive, -1 = last)
	// without removing them.
	RangeList(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)

	UpsertScore(ctx context.Context, key, member string, score float64) error
	// RangeByMaxScore returns all members with score <= max, ascending.
	RangeByMaxScore(ctx context.Context, key string, max float64) ([]string, error)
	RemoveScore(ctx context.Context, key, member string) error
	ScoreCard(ctx context.Context, key string) (int64, error)

	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
}
