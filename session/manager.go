package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/asterhq/aster/store"
)

const historyMax = 50

type ManagerOptions struct {
	Now func() time.Time
}

type Manager struct {
	store store.Store
	nowFn func() time.Time
}

func NewManager(st store.Store) *Manager {
	return NewManagerWithOptions(st, ManagerOptions{})
}

func NewManagerWithOptions(st store.Store, opts ManagerOptions) *Manager {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{store: st, nowFn: nowFn}
}

func (m *Manager) ready() bool {
	return m != nil && m.store != nil
}

// GetOrCreate resolves the profile for identity, creating it on the
// first inbound event. created reports a fresh profile.
func (m *Manager) GetOrCreate(ctx context.Context, identity string) (UserProfile, bool, error) {
	if !m.ready() {
		return UserProfile{}, false, fmt.Errorf("nil session manager")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return UserProfile{}, false, fmt.Errorf("identity is required")
	}

	var profile UserProfile
	found, err := m.store.GetJSON(ctx, store.ProfileKey(identity), &profile)
	if err != nil {
		return UserProfile{}, false, err
	}
	if found {
		return profile, false, nil
	}

	now := m.nowFn().UTC()
	profile = UserProfile{
		Identity:        identity,
		OnboardingStage: StageInitial,
		Stats: Stats{
			JoinedAt:   now,
			LastActive: now,
		},
	}
	if err := m.Put(ctx, profile); err != nil {
		return UserProfile{}, false, err
	}
	return profile, true, nil
}

func (m *Manager) Get(ctx context.Context, identity string) (UserProfile, bool, error) {
	if !m.ready() {
		return UserProfile{}, false, fmt.Errorf("nil session manager")
	}
	var profile UserProfile
	found, err := m.store.GetJSON(ctx, store.ProfileKey(identity), &profile)
	return profile, found, err
}

func (m *Manager) Put(ctx context.Context, profile UserProfile) error {
	if !m.ready() {
		return fmt.Errorf("nil session manager")
	}
	if strings.TrimSpace(profile.Identity) == "" {
		return fmt.Errorf("identity is required")
	}
	return m.store.SetJSON(ctx, store.ProfileKey(profile.Identity), profile, 0)
}

// AppendMessage records one conversation message in the per-identity
// sliding window (oldest dropped beyond the cap).
func (m *Manager) AppendMessage(ctx context.Context, identity string, msg ConversationMessage) error {
	if !m.ready() {
		return fmt.Errorf("nil session manager")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = m.nowFn().UTC()
	}
	return m.store.PushJSON(ctx, store.HistoryKey(identity), msg, historyMax, 0)
}

// History returns up to limit most recent messages, oldest first.
// limit <= 0 returns the whole window.
func (m *Manager) History(ctx context.Context, identity string, limit int) ([]ConversationMessage, error) {
	if !m.ready() {
		return nil, fmt.Errorf("nil session manager")
	}
	items, err := m.store.ListJSON(ctx, store.HistoryKey(identity))
	if err != nil {
		return nil, err
	}
	msgs := make([]ConversationMessage, 0, len(items))
	for _, raw := range items {
		var msg ConversationMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// EraseAll removes every record kind for identity. This is the
// user-initiated "forget me" path; nothing survives it.
func (m *Manager) EraseAll(ctx context.Context, identity string) error {
	if !m.ready() {
		return fmt.Errorf("nil session manager")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	var keys []string
	for _, pattern := range store.IdentityPatterns(identity) {
		if strings.ContainsRune(pattern, '*') {
			matched, err := m.store.ScanKeys(ctx, pattern)
			if err != nil {
				return err
			}
			keys = append(keys, matched...)
			continue
		}
		keys = append(keys, pattern)
	}
	return m.store.Delete(ctx, keys...)
}
