// Package schedule holds the single per-user outreach schedule: the
// next morning check-in, the next evening journal prompt, and one-shot
// follow-ups.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asterhq/aster/store"
)

const (
	CheckInHour       = 9
	JournalPromptHour = 20
)

// Follow-up type tags.
const (
	FollowUpDistress = "distress_follow_up"
)

type FollowUp struct {
	Type    string    `json:"type"`
	Due     time.Time `json:"due"`
	Context string    `json:"context,omitempty"`
}

type Record struct {
	NextCheckIn       *time.Time `json:"next_check_in,omitempty"`
	NextJournalPrompt *time.Time `json:"next_journal_prompt,omitempty"`
	FollowUps         []FollowUp `json:"follow_ups,omitempty"`
}

type ManagerOptions struct {
	Location *time.Location
	Now      func() time.Time
}

type Manager struct {
	store store.Store
	loc   *time.Location
	nowFn func() time.Time
}

func NewManager(st store.Store) *Manager {
	return NewManagerWithOptions(st, ManagerOptions{})
}

func NewManagerWithOptions(st store.Store, opts ManagerOptions) *Manager {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{store: st, loc: loc, nowFn: nowFn}
}

func (m *Manager) ready() bool {
	return m != nil && m.store != nil
}

func (m *Manager) Location() *time.Location { return m.loc }

func (m *Manager) Get(ctx context.Context, identity string) (Record, bool, error) {
	if !m.ready() {
		return Record{}, false, fmt.Errorf("nil schedule manager")
	}
	var rec Record
	found, err := m.store.GetJSON(ctx, store.ScheduleKey(identity), &rec)
	return rec, found, err
}

func (m *Manager) Put(ctx context.Context, identity string, rec Record) error {
	if !m.ready() {
		return fmt.Errorf("nil schedule manager")
	}
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required")
	}
	return m.store.SetJSON(ctx, store.ScheduleKey(identity), rec, 0)
}

// Arm sets the initial check-in and journal-prompt slots, keeping any
// pending follow-ups. Used when onboarding consents and on "resume".
func (m *Manager) Arm(ctx context.Context, identity string) error {
	if !m.ready() {
		return fmt.Errorf("nil schedule manager")
	}
	rec, _, err := m.Get(ctx, identity)
	if err != nil {
		return err
	}
	now := m.nowFn().In(m.loc)
	checkIn := NextOccurrence(now, CheckInHour)
	prompt := NextOccurrence(now, JournalPromptHour)
	rec.NextCheckIn = &checkIn
	rec.NextJournalPrompt = &prompt
	return m.Put(ctx, identity, rec)
}

// Clear drops the check-in and prompt slots and pending follow-ups.
// Used for "stop"; the record itself stays so "resume" is cheap.
func (m *Manager) Clear(ctx context.Context, identity string) error {
	if !m.ready() {
		return fmt.Errorf("nil schedule manager")
	}
	return m.Put(ctx, identity, Record{})
}

func (m *Manager) AddFollowUp(ctx context.Context, identity string, fu FollowUp) error {
	if !m.ready() {
		return fmt.Errorf("nil schedule manager")
	}
	if strings.TrimSpace(fu.Type) == "" {
		return fmt.Errorf("follow_up type is required")
	}
	if fu.Due.IsZero() {
		return fmt.Errorf("follow_up due is required")
	}
	rec, _, err := m.Get(ctx, identity)
	if err != nil {
		return err
	}
	rec.FollowUps = append(rec.FollowUps, fu)
	return m.Put(ctx, identity, rec)
}

// NextOccurrence returns the next instant at hour:00 strictly after
// now: today if the hour is still ahead, otherwise tomorrow.
func NextOccurrence(now time.Time, hour int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if candidate.After(now) {
		return candidate
	}
	return candidate.AddDate(0, 0, 1)
}

// NextDayAt returns hour:00 on the day after now. Firing a slot always
// advances it with this, never NextOccurrence: the slot must move
// strictly forward even when the scheduler runs late.
func NextDayAt(now time.Time, hour int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
