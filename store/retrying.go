package store

import (
	"context"
	"time"

	"github.com/asterhq/aster/internal/retryutil"
)

// Retrying decorates a Store with the bounded exponential-backoff
// policy for transient backend errors. Exhaustion propagates the last
// error; callers degrade the feature rather than retry further.
//
// Lock primitives (SetNX, ExtendTTL, DeleteIfValue) are NOT retried:
// replaying an acquisition after an ambiguous failure could extend a
// lease the caller no longer holds.
type Retrying struct {
	inner  Store
	policy retryutil.Policy
}

func WithRetry(inner Store, policy retryutil.Policy) *Retrying {
	return &Retrying{inner: inner, policy: policy}
}

func (s *Retrying) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	var found bool
	err := retryutil.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		found, err = s.inner.GetJSON(ctx, key, out)
		return err
	})
	return found, err
}

func (s *Retrying) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	return retryutil.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.inner.SetJSON(ctx, key, value, ttl)
	})
}

func (s *Retrying) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.inner.SetNX(ctx, key, value, ttl)
}

func (s *Retrying) GetString(ctx context.Context, key string) (string, bool, error) {
	var (
		raw   string
		found bool
	)
	err := retryutil.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		raw, found, err = s.inner.GetString(ctx, key)
		return err
	})
	return raw, found, err
}

func (s *Retrying) Delete(ctx context.Context, keys ...string) error {
	return retryutil.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.inner.Delete(ctx, keys...)
	})
}

func (s *Retrying) PushJSON(ctx context.Context, key string, value any, maxLen int64, ttl time.Duration) error {
	return retryutil.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.inner.PushJSON(ctx, key, value, maxLen, ttl)
	})
}

func (s *Retrying) ListJSON(ctx context.Context, key string) ([]string, error) {
	var items []string
	err := retryutil.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		items, err = s.inner.ListJSON(ctx, key)
		return err
	})
	return items, err
}

func (s *Retrying) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := retryutil.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		keys, err = s.inner.ScanKeys(ctx, pattern)
		return err
	})
	return keys, err
}

func (s *Retrying) ExtendTTL(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	return s.inner.ExtendTTL(ctx, key, expect, ttl)
}

func (s *Retrying) DeleteIfValue(ctx context.Context, key, expect string) (bool, error) {
	return s.inner.DeleteIfValue(ctx, key, expect)
}
