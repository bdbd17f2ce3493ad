package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
// Expiry is evaluated lazily on access against the injected clock, so
// tests can step time without sleeping.
type Memory struct {
	mu    sync.Mutex
	vals  map[string]memoryValue
	lists map[string]memoryList
	nowFn func() time.Time
}

type memoryValue struct {
	raw       string
	expiresAt time.Time // zero = no expiry
}

type memoryList struct {
	items     []string
	expiresAt time.Time
}

type MemoryOptions struct {
	Now func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithOptions(MemoryOptions{})
}

func NewMemoryWithOptions(opts MemoryOptions) *Memory {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Memory{
		vals:  map[string]memoryValue{},
		lists: map[string]memoryList{},
		nowFn: nowFn,
	}
}

func (s *Memory) expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !s.nowFn().Before(expiresAt)
}

func (s *Memory) liveValue(key string) (memoryValue, bool) {
	v, ok := s.vals[key]
	if !ok {
		return memoryValue{}, false
	}
	if s.expired(v.expiresAt) {
		delete(s.vals, key)
		return memoryValue{}, false
	}
	return v, true
}

func (s *Memory) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(v.raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Memory) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = memoryValue{raw: string(raw), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveValue(key); ok {
		return false, nil
	}
	s.vals[key] = memoryValue{raw: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *Memory) GetString(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return "", false, nil
	}
	return v.raw, true, nil
}

func (s *Memory) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.vals, key)
		delete(s.lists, key)
	}
	return nil
}

func (s *Memory) PushJSON(ctx context.Context, key string, value any, maxLen int64, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if s.expired(l.expiresAt) {
		l = memoryList{}
	}
	l.items = append(l.items, string(raw))
	if maxLen > 0 && int64(len(l.items)) > maxLen {
		l.items = l.items[int64(len(l.items))-maxLen:]
	}
	if ttl > 0 {
		l.expiresAt = s.expiry(ttl)
	}
	s.lists[key] = l
	return nil
}

func (s *Memory) ListJSON(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || s.expired(l.expiresAt) {
		return nil, nil
	}
	out := make([]string, len(l.items))
	copy(out, l.items)
	return out, nil
}

func (s *Memory) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.vals {
		if _, ok := s.liveValue(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	for key, l := range s.lists {
		if s.expired(l.expiresAt) {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Memory) ExtendTTL(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok || v.raw != expect {
		return false, nil
	}
	v.expiresAt = s.expiry(ttl)
	s.vals[key] = v
	return true, nil
}

func (s *Memory) DeleteIfValue(ctx context.Context, key, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok || v.raw != expect {
		return false, nil
	}
	delete(s.vals, key)
	return true, nil
}

func (s *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.nowFn().Add(ttl)
}
