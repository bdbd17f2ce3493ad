package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/asterhq/aster/assets"
	"github.com/asterhq/aster/schedule"
	"github.com/asterhq/aster/session"
	"github.com/asterhq/aster/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type sentMessage struct {
	identity string
	text     string
}

type fakeDispatcher struct {
	sent []sentMessage
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, identity, text string) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, sentMessage{identity: identity, text: text})
	return nil
}

func testContent() assets.Content {
	return assets.Content{
		CheckinMessages: []string{"good morning"},
		JournalPrompts:  []string{"evening prompt"},
		FollowUpMessage: "thinking of you",
	}
}

func newTestScheduler(t *testing.T, dispatcher *fakeDispatcher) (*Scheduler, *store.Memory, *schedule.Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)}
	mem := store.NewMemoryWithOptions(store.MemoryOptions{Now: clock.Now})
	schedules := schedule.NewManagerWithOptions(mem, schedule.ManagerOptions{Location: time.UTC, Now: clock.Now})
	sessions := session.NewManagerWithOptions(mem, session.ManagerOptions{Now: clock.Now})
	leader := NewLeader(mem, LeaderOptions{ReplicaID: "replica-1"})
	s := New(leader, mem, schedules, sessions, dispatcher, testContent(), slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Now: clock.Now})
	return s, mem, schedules, clock
}

func TestLeader_MutualExclusion(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryWithOptions(store.MemoryOptions{Now: clock.Now})
	ctx := context.Background()

	a := NewLeader(mem, LeaderOptions{ReplicaID: "a", LeaseTTL: 30 * time.Second})
	b := NewLeader(mem, LeaderOptions{ReplicaID: "b", LeaseTTL: 30 * time.Second})

	gotA, err := a.TryAcquire(ctx)
	if err != nil || !gotA {
		t.Fatalf("TryAcquire(a) = %v, %v, want true", gotA, err)
	}
	gotB, err := b.TryAcquire(ctx)
	if err != nil || gotB {
		t.Fatalf("TryAcquire(b) = %v, %v, want false while a holds", gotB, err)
	}

	ok, err := b.Renew(ctx)
	if err != nil || ok {
		t.Fatalf("Renew(b) = %v, %v, want false for non-holder", ok, err)
	}
	ok, err = a.Renew(ctx)
	if err != nil || !ok {
		t.Fatalf("Renew(a) = %v, %v, want true for holder", ok, err)
	}
}

func TestLeader_FailoverAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryWithOptions(store.MemoryOptions{Now: clock.Now})
	ctx := context.Background()

	a := NewLeader(mem, LeaderOptions{ReplicaID: "a", LeaseTTL: 30 * time.Second})
	b := NewLeader(mem, LeaderOptions{ReplicaID: "b", LeaseTTL: 30 * time.Second})

	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatalf("TryAcquire(a) = false, want true")
	}
	clock.Advance(31 * time.Second)

	if ok, err := b.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("TryAcquire(b) after expiry = %v, %v, want true", ok, err)
	}
	if ok, _ := a.Renew(ctx); ok {
		t.Fatalf("Renew(a) = true after losing the lease")
	}

	// a releasing must not touch b's lease.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release(a) error = %v", err)
	}
	holder, found, err := mem.GetString(ctx, store.LeaderLockKey)
	if err != nil || !found || holder != "b" {
		t.Fatalf("lock holder = %q, %v, %v, want b intact", holder, found, err)
	}
}

func TestLeader_DefaultLeaseSpansSeveralTicks(t *testing.T) {
	if DefaultLeaseTTL < 3*DefaultTickInterval {
		t.Fatalf("DefaultLeaseTTL = %v, want at least 3x DefaultTickInterval (%v): renewal only happens on the next tick", DefaultLeaseTTL, DefaultTickInterval)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryWithOptions(store.MemoryOptions{Now: clock.Now})
	ctx := context.Background()

	a := NewLeader(mem, LeaderOptions{ReplicaID: "a"})
	b := NewLeader(mem, LeaderOptions{ReplicaID: "b"})

	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatalf("TryAcquire(a) = false, want true")
	}

	// One full tick later the lease must still be live: the holder
	// renews and a peer cannot steal it.
	clock.Advance(DefaultTickInterval)
	if ok, err := a.Renew(ctx); err != nil || !ok {
		t.Fatalf("Renew(a) after one tick = %v, %v, want held", ok, err)
	}
	if ok, _ := b.TryAcquire(ctx); ok {
		t.Fatalf("TryAcquire(b) = true while a's lease is live")
	}
}

func TestScheduler_CheckInFiresAndAdvancesOnce(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, _, schedules, clock := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := schedules.Put(ctx, "+15550001", schedule.Record{NextCheckIn: &due}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s.runTick(ctx)
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].text != "good morning" {
		t.Fatalf("sent = %+v, want one check-in", dispatcher.sent)
	}

	rec, _, err := schedules.Get(ctx, "+15550001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	wantNext := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if rec.NextCheckIn == nil || !rec.NextCheckIn.Equal(wantNext) {
		t.Fatalf("NextCheckIn = %v, want %v", rec.NextCheckIn, wantNext)
	}

	// Same instant again: the slot advanced, nothing re-fires.
	s.runTick(ctx)
	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent = %d messages after second tick, want still 1", len(dispatcher.sent))
	}

	// Next morning it fires again, exactly once.
	clock.Advance(24 * time.Hour)
	s.runTick(ctx)
	if len(dispatcher.sent) != 2 {
		t.Fatalf("sent = %d messages next day, want 2", len(dispatcher.sent))
	}
}

func TestScheduler_JournalPromptRollsToNextEvening(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, _, schedules, clock := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	clock.now = time.Date(2026, 3, 1, 20, 10, 0, 0, time.UTC)
	due := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	if err := schedules.Put(ctx, "+15550001", schedule.Record{NextJournalPrompt: &due}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s.runTick(ctx)
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].text != "evening prompt" {
		t.Fatalf("sent = %+v, want one journal prompt", dispatcher.sent)
	}
	rec, _, _ := schedules.Get(ctx, "+15550001")
	wantNext := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	if rec.NextJournalPrompt == nil || !rec.NextJournalPrompt.Equal(wantNext) {
		t.Fatalf("NextJournalPrompt = %v, want %v", rec.NextJournalPrompt, wantNext)
	}
}

func TestScheduler_FollowUpRemovedOnceProcessed(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, _, schedules, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	rec := schedule.Record{FollowUps: []schedule.FollowUp{
		{Type: schedule.FollowUpDistress, Due: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{Type: schedule.FollowUpDistress, Due: time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)},
	}}
	if err := schedules.Put(ctx, "+15550001", rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s.runTick(ctx)
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].text != "thinking of you" {
		t.Fatalf("sent = %+v, want one follow-up", dispatcher.sent)
	}
	got, _, _ := schedules.Get(ctx, "+15550001")
	if len(got.FollowUps) != 1 || !got.FollowUps[0].Due.Equal(rec.FollowUps[1].Due) {
		t.Fatalf("remaining follow-ups = %+v, want only the future one", got.FollowUps)
	}

	s.runTick(ctx)
	if len(dispatcher.sent) != 1 {
		t.Fatalf("follow-up fired twice")
	}
}

func TestScheduler_DistressFollowUpCarriesContext(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, _, schedules, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	rec := schedule.Record{FollowUps: []schedule.FollowUp{{
		Type:    schedule.FollowUpDistress,
		Due:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Context: "everything feels pointless",
	}}}
	if err := schedules.Put(ctx, "+15550001", rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s.runTick(ctx)
	if len(dispatcher.sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(dispatcher.sent))
	}
	got := dispatcher.sent[0].text
	if !strings.HasPrefix(got, "thinking of you") {
		t.Fatalf("follow-up = %q, want the base copy first", got)
	}
	if !strings.Contains(got, "everything feels pointless") {
		t.Fatalf("follow-up = %q, want the stored context echoed", got)
	}
}

func TestScheduler_DeliveryFailureStillAdvancesSlot(t *testing.T) {
	dispatcher := &fakeDispatcher{err: fmt.Errorf("gateway down")}
	s, _, schedules, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := schedules.Put(ctx, "+15550001", schedule.Record{NextCheckIn: &due}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s.runTick(ctx)
	rec, _, _ := schedules.Get(ctx, "+15550001")
	if rec.NextCheckIn == nil || !rec.NextCheckIn.After(due) {
		t.Fatalf("NextCheckIn = %v, want advanced past %v despite send failure", rec.NextCheckIn, due)
	}
}

type brokenReads struct {
	store.Store
	badKey string
}

func (s *brokenReads) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if key == s.badKey {
		return false, fmt.Errorf("record corrupted")
	}
	return s.Store.GetJSON(ctx, key, out)
}

func TestScheduler_IdentityErrorsAreIsolated(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)}
	mem := store.NewMemoryWithOptions(store.MemoryOptions{Now: clock.Now})
	broken := &brokenReads{Store: mem, badKey: store.ScheduleKey("+15550001")}
	schedules := schedule.NewManagerWithOptions(broken, schedule.ManagerOptions{Location: time.UTC, Now: clock.Now})
	sessions := session.NewManagerWithOptions(broken, session.ManagerOptions{Now: clock.Now})
	leader := NewLeader(broken, LeaderOptions{ReplicaID: "replica-1"})
	s := New(leader, broken, schedules, sessions, dispatcher, testContent(), slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Now: clock.Now})
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := mem.SetJSON(ctx, store.ScheduleKey("+15550001"), schedule.Record{NextCheckIn: &due}, 0); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	if err := mem.SetJSON(ctx, store.ScheduleKey("+15550002"), schedule.Record{NextCheckIn: &due}, 0); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	s.runTick(ctx)
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].identity != "+15550002" {
		t.Fatalf("sent = %+v, want the healthy identity served", dispatcher.sent)
	}
}

func TestScheduler_EnsureLeadershipDemotesOnLostLease(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, mem, _, _ := newTestScheduler(t, dispatcher)
	ctx := context.Background()

	if !s.ensureLeadership(ctx) {
		t.Fatalf("ensureLeadership() = false, want initial acquisition")
	}
	if !s.ensureLeadership(ctx) {
		t.Fatalf("ensureLeadership() = false, want renewal to hold")
	}

	// Another replica takes the lock out from under us.
	if err := mem.Delete(ctx, store.LeaderLockKey); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := mem.SetNX(ctx, store.LeaderLockKey, "usurper", time.Minute); err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}

	if s.ensureLeadership(ctx) {
		t.Fatalf("ensureLeadership() = true after lease moved")
	}
}
