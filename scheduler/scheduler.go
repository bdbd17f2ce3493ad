// Package scheduler is the leader-elected proactive loop. On each
// tick the leading replica scans every per-user schedule and fires
// due morning check-ins, evening journal prompts and one-shot
// follow-ups through the dispatcher.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asterhq/aster/assets"
	"github.com/asterhq/aster/schedule"
	"github.com/asterhq/aster/session"
	"github.com/asterhq/aster/store"
)

const DefaultTickInterval = 30 * time.Second

// Dispatcher delivers a proactive message. Satisfied by
// dispatch.Dispatcher.
type Dispatcher interface {
	Send(ctx context.Context, identity, text string) error
}

type Options struct {
	TickInterval time.Duration
	Now          func() time.Time
}

type Scheduler struct {
	leader     *Leader
	store      store.Store
	schedules  *schedule.Manager
	sessions   *session.Manager
	dispatcher Dispatcher
	content    assets.Content
	logger     *slog.Logger
	tick       time.Duration
	nowFn      func() time.Time

	isLeader bool
}

func New(leader *Leader, st store.Store, schedules *schedule.Manager, sessions *session.Manager, dispatcher Dispatcher, content assets.Content, logger *slog.Logger, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		leader:     leader,
		store:      st,
		schedules:  schedules,
		sessions:   sessions,
		dispatcher: dispatcher,
		content:    content,
		logger:     logger,
		tick:       opts.TickInterval,
		nowFn:      opts.Now,
	}
}

// Run ticks until ctx is done. Only the tick that holds the lease
// scans schedules; the lease is released on shutdown so a peer can
// take over without waiting out the TTL.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.isLeader {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := s.leader.Release(releaseCtx); err != nil && s.logger != nil {
					s.logger.Warn("leader_release_failed", "error", err.Error())
				}
				cancel()
			}
			return
		case <-ticker.C:
			if s.ensureLeadership(ctx) {
				s.runTick(ctx)
			}
		}
	}
}

// ensureLeadership renews a held lease or tries to acquire a free
// one. Any doubt (renewal miss, store error) means not leader; acting
// without a live lease risks duplicate outreach.
func (s *Scheduler) ensureLeadership(ctx context.Context) bool {
	if s.isLeader {
		ok, err := s.leader.Renew(ctx)
		if err != nil {
			s.isLeader = false
			if s.logger != nil {
				s.logger.Warn("leader_renew_failed", "replica", s.leader.ID(), "error", err.Error())
			}
			return false
		}
		if !ok {
			s.isLeader = false
			if s.logger != nil {
				s.logger.Info("leader_lost", "replica", s.leader.ID())
			}
			return false
		}
		return true
	}

	ok, err := s.leader.TryAcquire(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("leader_acquire_failed", "replica", s.leader.ID(), "error", err.Error())
		}
		return false
	}
	if ok {
		s.isLeader = true
		if s.logger != nil {
			s.logger.Info("leader_acquired", "replica", s.leader.ID())
		}
	}
	return s.isLeader
}

// runTick scans every schedule and processes each identity in
// isolation: one broken record never starves the rest of the scan.
func (s *Scheduler) runTick(ctx context.Context) {
	keys, err := s.store.ScanKeys(ctx, store.SchedulePattern())
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("scheduler_scan_failed", "error", err.Error())
		}
		return
	}
	if s.logger != nil {
		s.logger.Debug("scheduler_tick", "schedules", len(keys))
	}
	for _, key := range keys {
		identity, ok := store.IdentityFromScheduleKey(key)
		if !ok {
			continue
		}
		if err := s.processIdentity(ctx, identity); err != nil {
			if s.logger != nil {
				s.logger.Warn("scheduler_identity_failed", "identity", identity, "error", err.Error())
			}
		}
	}
}

func (s *Scheduler) processIdentity(ctx context.Context, identity string) error {
	rec, found, err := s.schedules.Get(ctx, identity)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if !found {
		return nil
	}

	now := s.nowFn().In(s.schedules.Location())
	changed := false

	if due(rec.NextCheckIn, now) {
		s.deliver(ctx, identity, rotate(s.content.CheckinMessages, now), session.MessageTypeProactive)
		next := schedule.NextDayAt(now, schedule.CheckInHour)
		rec.NextCheckIn = &next
		changed = true
	}

	if due(rec.NextJournalPrompt, now) {
		s.deliver(ctx, identity, rotate(s.content.JournalPrompts, now), session.MessageTypeJournalPrompt)
		next := schedule.NextDayAt(now, schedule.JournalPromptHour)
		rec.NextJournalPrompt = &next
		changed = true
	}

	if len(rec.FollowUps) > 0 {
		remaining := make([]schedule.FollowUp, 0, len(rec.FollowUps))
		for _, fu := range rec.FollowUps {
			if fu.Due.After(now) {
				remaining = append(remaining, fu)
				continue
			}
			s.deliver(ctx, identity, s.followUpText(fu), session.MessageTypeProactive)
			changed = true
		}
		rec.FollowUps = remaining
	}

	if !changed {
		return nil
	}
	// The slot must advance even when delivery failed; a write failure
	// drops the intent for this tick rather than retrying mid-scan.
	if err := s.schedules.Put(ctx, identity, rec); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return nil
}

// followUpText composes the follow-up from its stored context, so a
// distress follow-up refers back to what prompted it instead of
// reading like a generic check-in.
func (s *Scheduler) followUpText(fu schedule.FollowUp) string {
	text := s.content.FollowUpMessage
	if fu.Type == schedule.FollowUpDistress {
		if quote := strings.TrimSpace(fu.Context); quote != "" {
			text += "\n\nEarlier you said: \"" + quote + "\""
		}
	}
	return text
}

// deliver sends one proactive message and records it in history.
// Failures are logged, not returned: a missed delivery must not block
// the slot from advancing.
func (s *Scheduler) deliver(ctx context.Context, identity, text, msgType string) {
	if text == "" {
		return
	}
	if err := s.dispatcher.Send(ctx, identity, text); err != nil {
		if s.logger != nil {
			s.logger.Warn("proactive_send_failed", "identity", identity, "type", msgType, "error", err.Error())
		}
	}
	if err := s.sessions.AppendMessage(ctx, identity, session.ConversationMessage{
		Role:    session.RoleAssistant,
		Content: text,
		Type:    msgType,
		SentAt:  s.nowFn().UTC(),
	}); err != nil {
		if s.logger != nil {
			s.logger.Warn("proactive_history_write_failed", "identity", identity, "error", err.Error())
		}
	}
}

func due(slot *time.Time, now time.Time) bool {
	return slot != nil && !slot.After(now)
}

// rotate picks the day's variant so every identity sees the same copy
// on a given day and the set cycles over the week.
func rotate(variants []string, now time.Time) string {
	if len(variants) == 0 {
		return ""
	}
	return variants[now.YearDay()%len(variants)]
}
