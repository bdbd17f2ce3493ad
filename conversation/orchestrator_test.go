package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/asterhq/aster/assets"
	"github.com/asterhq/aster/idempotency"
	"github.com/asterhq/aster/journal"
	"github.com/asterhq/aster/llm"
	"github.com/asterhq/aster/risk"
	"github.com/asterhq/aster/schedule"
	"github.com/asterhq/aster/session"
	"github.com/asterhq/aster/store"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.calls++
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.reply}, nil
}

type stubClassifier struct {
	level risk.Level
	calls int
}

func (c *stubClassifier) ClassifyRisk(ctx context.Context, message string, history []session.ConversationMessage) (risk.Classification, error) {
	c.calls++
	return risk.Classification{Level: c.level}, nil
}

type fakeDispatcher struct {
	sent []string
}

func (d *fakeDispatcher) Send(ctx context.Context, identity, text string) error {
	d.sent = append(d.sent, text)
	return nil
}

type testRig struct {
	orch       *Orchestrator
	mem        *store.Memory
	sessions   *session.Manager
	schedules  *schedule.Manager
	dispatcher *fakeDispatcher
	llm        *fakeLLM
	classifier *stubClassifier
	content    assets.Content
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }
	mem := store.NewMemoryWithOptions(store.MemoryOptions{Now: nowFn})
	sessions := session.NewManagerWithOptions(mem, session.ManagerOptions{Now: nowFn})
	schedules := schedule.NewManagerWithOptions(mem, schedule.ManagerOptions{Location: time.UTC, Now: nowFn})
	journals := journal.NewServiceWithOptions(mem, sessions, journal.ServiceOptions{Location: time.UTC, Now: nowFn})
	content := assets.MustLoad()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client := &fakeLLM{reply: "a gentle reply"}
	classifier := &stubClassifier{level: risk.LevelLow}
	assessor := risk.NewAssessorWithOptions(classifier, mem, schedules, content.CrisisResources, logger, risk.AssessorOptions{Now: nowFn})
	dispatcher := &fakeDispatcher{}

	orch := New(Deps{
		Guard:      idempotency.NewGuard(mem),
		Sessions:   sessions,
		Schedules:  schedules,
		Journals:   journals,
		Assessor:   assessor,
		LLM:        client,
		Dispatcher: dispatcher,
		Content:    content,
		Logger:     logger,
	}, Options{
		Model: "gpt-4o-mini",
		Now:   nowFn,
		Rand:  func(n int) int { return 0 },
	})

	return &testRig{
		orch:       orch,
		mem:        mem,
		sessions:   sessions,
		schedules:  schedules,
		dispatcher: dispatcher,
		llm:        client,
		classifier: classifier,
		content:    content,
	}
}

func textEvent(id, text string) Event {
	return Event{
		Type:     EventTypeText,
		EventID:  id,
		Identity: "+15550001",
		Content:  text,
		SentAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// seedProfile creates a profile past the welcome path.
func seedProfile(t *testing.T, r *testRig, stage session.OnboardingStage, messages int) {
	t.Helper()
	profile, _, err := r.sessions.GetOrCreate(context.Background(), "+15550001")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	profile.OnboardingStage = stage
	profile.Stats.MessageCount = messages
	if err := r.sessions.Put(context.Background(), profile); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestHandleEvent_WelcomesNewUser(t *testing.T) {
	r := newTestRig(t)

	if err := r.orch.HandleEvent(context.Background(), textEvent("ev-1", "hi there")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(r.dispatcher.sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(r.dispatcher.sent))
	}
	if !strings.HasPrefix(r.dispatcher.sent[0], r.content.WelcomeText) {
		t.Fatalf("reply %q does not open with the welcome text", r.dispatcher.sent[0])
	}
	if !strings.Contains(r.dispatcher.sent[0], "a gentle reply") {
		t.Fatalf("reply %q is missing the generated reply", r.dispatcher.sent[0])
	}
}

func TestHandleEvent_DuplicateEventProcessedOnce(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageComplete, 5)
	ctx := context.Background()

	ev := textEvent("ev-dup", "how's it going?")
	if err := r.orch.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if err := r.orch.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent() duplicate error = %v", err)
	}

	if r.llm.calls != 1 {
		t.Fatalf("llm calls = %d, want exactly 1", r.llm.calls)
	}
	if len(r.dispatcher.sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(r.dispatcher.sent))
	}
	profile, _, err := r.sessions.Get(ctx, "+15550001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if profile.Stats.MessageCount != 6 {
		t.Fatalf("MessageCount = %d, want 6 (single increment)", profile.Stats.MessageCount)
	}
}

func TestHandleEvent_JournalEntryShortCircuits(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageInitial, 5)
	ctx := context.Background()

	if err := r.orch.HandleEvent(ctx, textEvent("ev-j", "j: I feel grateful today")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	var bucket journal.Bucket
	key := store.JournalKey("+15550001", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	found, err := r.mem.GetJSON(ctx, key, &bucket)
	if err != nil || !found {
		t.Fatalf("journal bucket missing: %v", err)
	}
	if len(bucket.Entries) != 1 || bucket.Entries[0].Content != "I feel grateful today" {
		t.Fatalf("entries = %+v, want prefix stripped", bucket.Entries)
	}

	if r.llm.calls != 0 || r.classifier.calls != 0 {
		t.Fatalf("llm calls = %d, classifier calls = %d, want pipeline short-circuited", r.llm.calls, r.classifier.calls)
	}
	// Onboarding must not have advanced either, despite the message count.
	profile, _, _ := r.sessions.Get(ctx, "+15550001")
	if profile.OnboardingStage != session.StageInitial {
		t.Fatalf("stage = %q, want untouched initial", profile.OnboardingStage)
	}
	if profile.Stats.JournalCount != 1 {
		t.Fatalf("JournalCount = %d, want 1", profile.Stats.JournalCount)
	}
}

func TestHandleEvent_CriticalRiskShortCircuits(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageAskName, 5)
	r.classifier.level = risk.LevelCritical
	ctx := context.Background()

	if err := r.orch.HandleEvent(ctx, textEvent("ev-c", "I can't do this anymore")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(r.dispatcher.sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(r.dispatcher.sent))
	}
	if r.dispatcher.sent[0] != r.content.CrisisResources["critical"] {
		t.Fatalf("reply = %q, want the critical resource text alone", r.dispatcher.sent[0])
	}
	if r.llm.calls != 0 {
		t.Fatalf("llm calls = %d, want none on critical", r.llm.calls)
	}
	// Critical suppresses the onboarding step.
	profile, _, _ := r.sessions.Get(ctx, "+15550001")
	if profile.OnboardingStage != session.StageAskName {
		t.Fatalf("stage = %q, want unchanged on critical", profile.OnboardingStage)
	}
}

func TestHandleEvent_NonCriticalCrisisPrependsResources(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageComplete, 5)
	r.classifier.level = risk.LevelMedium

	if err := r.orch.HandleEvent(context.Background(), textEvent("ev-m", "everything feels heavy")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	got := r.dispatcher.sent[0]
	if !strings.HasPrefix(got, r.content.CrisisResources["medium"]) {
		t.Fatalf("reply %q does not open with medium resources", got)
	}
	if !strings.HasSuffix(got, "a gentle reply") {
		t.Fatalf("reply %q does not end with the generated reply", got)
	}
}

func TestHandleEvent_OnboardingPromptAppended(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageInitial, 5)

	if err := r.orch.HandleEvent(context.Background(), textEvent("ev-o", "nice to chat again")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	got := r.dispatcher.sent[0]
	if !strings.Contains(got, "what should I call you") {
		t.Fatalf("reply %q is missing the name prompt", got)
	}
	profile, _, _ := r.sessions.Get(context.Background(), "+15550001")
	if profile.OnboardingStage != session.StageAskName {
		t.Fatalf("stage = %q, want ask_name", profile.OnboardingStage)
	}
}

func TestHandleEvent_LLMFallbacksByErrorClass(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want func(assets.Content) string
	}{
		{name: "rate limited", err: llm.ErrRateLimited, want: func(c assets.Content) string { return c.Fallbacks.RateLimited }},
		{name: "timeout", err: fmt.Errorf("deadline: %w", llm.ErrTimeout), want: func(c assets.Content) string { return c.Fallbacks.Timeout }},
		{name: "server", err: llm.ErrServer, want: func(c assets.Content) string { return c.Fallbacks.ServerError }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRig(t)
			seedProfile(t, r, session.StageComplete, 5)
			r.llm.err = tc.err

			if err := r.orch.HandleEvent(context.Background(), textEvent("ev-f", "hello?")); err != nil {
				t.Fatalf("HandleEvent() error = %v", err)
			}
			if got, want := r.dispatcher.sent[0], tc.want(r.content); got != want {
				t.Fatalf("reply = %q, want fallback %q", got, want)
			}
		})
	}
}

func TestHandleEvent_ForgetMeErasesEverything(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageComplete, 5)
	ctx := context.Background()

	if err := r.schedules.Arm(ctx, "+15550001"); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if err := r.orch.HandleEvent(ctx, textEvent("ev-forget", "forget me")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	if r.dispatcher.sent[0] != r.content.Commands.Forget {
		t.Fatalf("reply = %q, want forget confirmation", r.dispatcher.sent[0])
	}
	_, found, err := r.sessions.Get(ctx, "+15550001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Fatalf("profile still present after forget me")
	}
	if _, found, _ := r.schedules.Get(ctx, "+15550001"); found {
		t.Fatalf("schedule still present after forget me")
	}
}

func TestHandleEvent_StopAndResumeManageSchedule(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageComplete, 5)
	ctx := context.Background()

	if err := r.schedules.Arm(ctx, "+15550001"); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if err := r.orch.HandleEvent(ctx, textEvent("ev-stop", "STOP")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	rec, _, err := r.schedules.Get(ctx, "+15550001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.NextCheckIn != nil || rec.NextJournalPrompt != nil {
		t.Fatalf("schedule = %+v, want cleared after stop", rec)
	}

	if err := r.orch.HandleEvent(ctx, textEvent("ev-resume", "resume")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	rec, _, err = r.schedules.Get(ctx, "+15550001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.NextCheckIn == nil || rec.NextJournalPrompt == nil {
		t.Fatalf("schedule = %+v, want re-armed after resume", rec)
	}
}

func TestHandleEvent_HelpAndCrisisCommands(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageComplete, 5)
	ctx := context.Background()

	if err := r.orch.HandleEvent(ctx, textEvent("ev-help", "help")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if r.dispatcher.sent[0] != r.content.HelpText {
		t.Fatalf("reply = %q, want help text", r.dispatcher.sent[0])
	}

	if err := r.orch.HandleEvent(ctx, textEvent("ev-res", "resources")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if r.dispatcher.sent[1] != r.content.CrisisResources["high"] {
		t.Fatalf("reply = %q, want crisis resources", r.dispatcher.sent[1])
	}
	if r.llm.calls != 0 {
		t.Fatalf("llm calls = %d, commands must not reach the model", r.llm.calls)
	}
}

func TestHandleEvent_MalformedEventDropped(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	events := []Event{
		{Type: EventTypeText, EventID: "ev-1", Identity: "", Content: "hello"},
		{Type: EventTypeText, EventID: "ev-2", Identity: "+15550001", Content: "   "},
	}
	for _, ev := range events {
		if err := r.orch.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent(%+v) error = %v", ev, err)
		}
	}
	if len(r.dispatcher.sent) != 0 {
		t.Fatalf("sent = %v, want nothing for malformed events", r.dispatcher.sent)
	}
	if _, found, _ := r.sessions.Get(ctx, "+15550001"); found {
		t.Fatalf("profile created from malformed event")
	}
}

func TestHandleEvent_VoiceGetsNotice(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageComplete, 5)

	ev := Event{Type: EventTypeVoice, EventID: "ev-v", Identity: "+15550001"}
	if err := r.orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(r.dispatcher.sent) != 1 || r.dispatcher.sent[0] != r.content.VoiceNotice {
		t.Fatalf("sent = %v, want the voice notice", r.dispatcher.sent)
	}
}

func TestHandleEvent_ReactionRecordsEmotion(t *testing.T) {
	r := newTestRig(t)
	seedProfile(t, r, session.StageComplete, 5)
	ctx := context.Background()

	ev := Event{Type: EventTypeReaction, EventID: "ev-r", Identity: "+15550001", Content: "😢"}
	if err := r.orch.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	profile, _, _ := r.sessions.Get(ctx, "+15550001")
	if profile.Emotional.Current != "sad" {
		t.Fatalf("emotion = %q, want sad", profile.Emotional.Current)
	}
	if len(r.dispatcher.sent) != 0 {
		t.Fatalf("sent = %v, reactions should not be replied to", r.dispatcher.sent)
	}
}

func TestHandleEvent_StatusIgnored(t *testing.T) {
	r := newTestRig(t)

	ev := Event{Type: EventTypeStatus, EventID: "ev-s", Identity: "+15550001"}
	if err := r.orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if len(r.dispatcher.sent) != 0 {
		t.Fatalf("sent = %v, want nothing for status events", r.dispatcher.sent)
	}
}
