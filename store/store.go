// Package store is the persistence boundary for every stateful
// component: profiles, history windows, schedules, journal buckets,
// crisis logs, idempotency markers and the scheduler leader lock.
//
// The contract is deliberately small: JSON values with optional TTL,
// an atomic set-if-absent, bounded list append, and prefix scan. The
// two atomic lock primitives (SetNX and the value-checked ExtendTTL /
// DeleteIfValue pair) are the only mutual-exclusion tools in the
// system; nothing else may be built from separate read-then-write
// steps.
package store

import (
	"context"
	"time"
)

type Store interface {
	// GetJSON unmarshals the value at key into out. The bool reports
	// whether the key existed.
	GetJSON(ctx context.Context, key string, out any) (bool, error)

	// SetJSON stores value as JSON. ttl <= 0 means no expiry.
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error

	// SetNX atomically stores value only if key is absent. Returns true
	// when this call created the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetString returns the raw value at key.
	GetString(ctx context.Context, key string) (string, bool, error)

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// PushJSON appends value to the list at key, trimming to the newest
	// maxLen entries. ttl <= 0 means no expiry. Order is insertion order.
	PushJSON(ctx context.Context, key string, value any, maxLen int64, ttl time.Duration) error

	// ListJSON returns the raw JSON entries of the list at key, oldest
	// first. A missing key yields an empty slice.
	ListJSON(ctx context.Context, key string) ([]string, error)

	// ScanKeys returns all keys matching pattern ("prefix*" glob). This
	// is a full keyspace scan; acceptable at moderate key counts.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// ExtendTTL resets the TTL on key only while its value still equals
	// expect. Returns false if the key is gone or owned by another value.
	ExtendTTL(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)

	// DeleteIfValue removes key only while its value still equals expect.
	DeleteIfValue(ctx context.Context, key, expect string) (bool, error)
}
