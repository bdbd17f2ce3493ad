// Package conversation is the top-level composition for inbound
// events: idempotency, commands, journaling, risk assessment,
// onboarding and reply generation, in that order. Every replica runs
// this pipeline for the events it receives; deduplication rests
// entirely on the idempotency guard.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asterhq/aster/assets"
	"github.com/asterhq/aster/idempotency"
	"github.com/asterhq/aster/journal"
	"github.com/asterhq/aster/llm"
	"github.com/asterhq/aster/onboarding"
	"github.com/asterhq/aster/risk"
	"github.com/asterhq/aster/schedule"
	"github.com/asterhq/aster/session"
)

const defaultHistoryWindow = 12

// Dispatcher delivers the composed reply. Satisfied by
// dispatch.Dispatcher.
type Dispatcher interface {
	Send(ctx context.Context, identity, text string) error
}

type Deps struct {
	Guard      *idempotency.Guard
	Sessions   *session.Manager
	Schedules  *schedule.Manager
	Journals   *journal.Service
	Assessor   *risk.Assessor
	LLM        llm.Client
	Dispatcher Dispatcher
	Content    assets.Content
	Logger     *slog.Logger
}

type Options struct {
	Model         string
	HistoryWindow int
	Now           func() time.Time
	Rand          func(n int) int // for acknowledgment choice
}

type Orchestrator struct {
	deps          Deps
	model         string
	historyWindow int
	nowFn         func() time.Time
	randFn        func(n int) int
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		deps:          deps,
		model:         opts.Model,
		historyWindow: opts.HistoryWindow,
		nowFn:         opts.Now,
		randFn:        opts.Rand,
	}
}

func (o *Orchestrator) ready() bool {
	return o != nil && o.deps.Sessions != nil && o.deps.Dispatcher != nil
}

// HandleEvent runs one inbound event through the pipeline. Errors
// that only degrade the reply are logged, not returned; the returned
// error means the event could not be processed at all.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) error {
	if !o.ready() {
		return fmt.Errorf("nil conversation orchestrator")
	}
	if !ev.wellFormed() {
		o.warn("malformed_event_dropped", "type", ev.Type, "event_id", ev.EventID)
		return nil
	}

	if o.deps.Guard != nil && strings.TrimSpace(ev.EventID) != "" {
		already, err := o.deps.Guard.Claim(ctx, ev.EventID)
		if err != nil {
			// A failed claim processes conservatively rather than
			// dropping the event.
			o.warn("idempotency_claim_failed", "event_id", ev.EventID, "error", err.Error())
		} else if already {
			o.debug("duplicate_event_dropped", "event_id", ev.EventID)
			return nil
		}
	}

	switch ev.Type {
	case EventTypeStatus:
		return nil
	case EventTypeReaction:
		return o.handleReaction(ctx, ev)
	case EventTypeVoice:
		return o.handleVoice(ctx, ev)
	case EventTypeText:
		return o.handleText(ctx, ev)
	default:
		o.warn("unknown_event_type", "type", ev.Type, "event_id", ev.EventID)
		return nil
	}
}

func (o *Orchestrator) handleText(ctx context.Context, ev Event) error {
	identity := strings.TrimSpace(ev.Identity)
	text := strings.TrimSpace(ev.Content)
	now := o.nowFn().UTC()

	profile, created, err := o.deps.Sessions.GetOrCreate(ctx, identity)
	if err != nil {
		return fmt.Errorf("resolve profile: %w", err)
	}
	profile.TouchActivity(now)
	if tag := tagEmotion(text); tag != "" {
		profile.RecordEmotion(tag, now)
	}

	if cmd, ok := matchCommand(text); ok {
		return o.handleCommand(ctx, profile, ev, cmd)
	}

	if journal.IsEntry(text) {
		return o.handleJournalEntry(ctx, profile, ev)
	}

	if created {
		reply := o.content().WelcomeText
		if generated := o.generateReply(ctx, profile, nil, text); generated != "" {
			reply = reply + "\n\n" + generated
		}
		o.finishExchange(ctx, profile, ev, reply, session.MessageTypeText)
		return nil
	}

	history, err := o.deps.Sessions.History(ctx, identity, o.historyWindow)
	if err != nil {
		o.warn("history_load_failed", "identity", identity, "error", err.Error())
		history = nil
	}

	var assessment risk.Assessment
	if o.deps.Assessor != nil {
		assessment, err = o.deps.Assessor.Assess(ctx, identity, text, history)
		if err != nil {
			o.warn("risk_assess_failed", "identity", identity, "error", err.Error())
			assessment = risk.Assessment{}
		}
	}
	if assessment.IsCrisis && assessment.Level == risk.LevelCritical {
		// Critical suppresses everything else, including onboarding.
		o.finishExchange(ctx, profile, ev, assessment.Response, session.MessageTypeCrisis)
		return nil
	}

	reply := o.generateReply(ctx, profile, history, text)
	if assessment.IsCrisis && assessment.Response != "" {
		reply = assessment.Response + "\n\n" + reply
	}

	step := onboarding.Step(&profile, text)
	if step.Prompt != "" {
		reply = reply + "\n\n" + step.Prompt
	}
	if step.ArmSchedule && o.deps.Schedules != nil {
		if err := o.deps.Schedules.Arm(ctx, identity); err != nil {
			o.warn("schedule_arm_failed", "identity", identity, "error", err.Error())
		}
	}

	o.finishExchange(ctx, profile, ev, reply, session.MessageTypeText)
	return nil
}

func (o *Orchestrator) handleJournalEntry(ctx context.Context, profile session.UserProfile, ev Event) error {
	identity := profile.Identity
	entry := journal.Extract(strings.TrimSpace(ev.Content))

	// Persist activity before Record: it re-reads the profile to bump
	// the journal count.
	if err := o.deps.Sessions.Put(ctx, profile); err != nil {
		o.warn("profile_write_failed", "identity", identity, "error", err.Error())
	}

	ack := chooseAck(o.content().Acknowledgments, o.randFn)
	if err := o.deps.Journals.Record(ctx, identity, entry, o.wasPrompted(ctx, identity)); err != nil {
		o.warn("journal_record_failed", "identity", identity, "error", err.Error())
		// Apologize rather than staying silent about a lost entry.
		ack = o.content().Fallbacks.ServerError
	}

	o.appendHistory(ctx, identity, session.RoleUser, strings.TrimSpace(ev.Content), session.MessageTypeText, ev.SentAt)
	if ack != "" {
		o.appendHistory(ctx, identity, session.RoleAssistant, ack, session.MessageTypeText, time.Time{})
		o.send(ctx, identity, ack)
	}
	return nil
}

func (o *Orchestrator) handleReaction(ctx context.Context, ev Event) error {
	identity := strings.TrimSpace(ev.Identity)
	profile, found, err := o.deps.Sessions.Get(ctx, identity)
	if err != nil {
		return fmt.Errorf("resolve profile: %w", err)
	}
	if !found {
		return nil
	}
	if tag := tagReaction(ev.Content); tag != "" {
		profile.RecordEmotion(tag, o.nowFn().UTC())
		if err := o.deps.Sessions.Put(ctx, profile); err != nil {
			o.warn("profile_write_failed", "identity", identity, "error", err.Error())
		}
	}
	o.appendHistory(ctx, identity, session.RoleUser, strings.TrimSpace(ev.Content), session.MessageTypeReaction, ev.SentAt)
	return nil
}

func (o *Orchestrator) handleVoice(ctx context.Context, ev Event) error {
	identity := strings.TrimSpace(ev.Identity)
	profile, _, err := o.deps.Sessions.GetOrCreate(ctx, identity)
	if err != nil {
		return fmt.Errorf("resolve profile: %w", err)
	}
	profile.TouchActivity(o.nowFn().UTC())
	if err := o.deps.Sessions.Put(ctx, profile); err != nil {
		o.warn("profile_write_failed", "identity", identity, "error", err.Error())
	}
	o.appendHistory(ctx, identity, session.RoleUser, "[voice message]", session.MessageTypeVoice, ev.SentAt)
	notice := o.content().VoiceNotice
	if notice != "" {
		o.appendHistory(ctx, identity, session.RoleAssistant, notice, session.MessageTypeText, time.Time{})
		o.send(ctx, identity, notice)
	}
	return nil
}

type command int

const (
	cmdForget command = iota
	cmdStop
	cmdResume
	cmdHelp
	cmdCrisis
)

func matchCommand(text string) (command, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "forget me", "delete my data":
		return cmdForget, true
	case "stop", "stop check-ins", "unsubscribe":
		return cmdStop, true
	case "resume", "start check-ins":
		return cmdResume, true
	case "help", "?":
		return cmdHelp, true
	case "crisis", "help me", "resources":
		return cmdCrisis, true
	default:
		return 0, false
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, profile session.UserProfile, ev Event, cmd command) error {
	identity := profile.Identity
	content := o.content()
	reply := ""
	outType := session.MessageTypeText
	persist := true

	switch cmd {
	case cmdForget:
		if err := o.deps.Sessions.EraseAll(ctx, identity); err != nil {
			o.warn("erase_failed", "identity", identity, "error", err.Error())
			reply = content.Fallbacks.ServerError
		} else {
			reply = content.Commands.Forget
			// Writing anything after erasure would resurrect the user.
			persist = false
		}
	case cmdStop:
		profile.SetPreference(onboarding.PrefCheckins, "no")
		if o.deps.Schedules != nil {
			if err := o.deps.Schedules.Clear(ctx, identity); err != nil {
				o.warn("schedule_clear_failed", "identity", identity, "error", err.Error())
			}
		}
		reply = content.Commands.Stop
	case cmdResume:
		profile.SetPreference(onboarding.PrefCheckins, "yes")
		if o.deps.Schedules != nil {
			if err := o.deps.Schedules.Arm(ctx, identity); err != nil {
				o.warn("schedule_arm_failed", "identity", identity, "error", err.Error())
			}
		}
		reply = content.Commands.Resume
	case cmdHelp:
		reply = content.HelpText
	case cmdCrisis:
		reply = content.CrisisResources[risk.LevelHigh.String()]
		outType = session.MessageTypeCrisis
	}

	if persist {
		o.finishExchange(ctx, profile, ev, reply, outType)
		return nil
	}
	o.send(ctx, identity, reply)
	return nil
}

// finishExchange persists the profile, records both sides of the
// exchange and delivers the reply.
func (o *Orchestrator) finishExchange(ctx context.Context, profile session.UserProfile, ev Event, reply, outType string) {
	identity := profile.Identity
	if err := o.deps.Sessions.Put(ctx, profile); err != nil {
		o.warn("profile_write_failed", "identity", identity, "error", err.Error())
	}
	o.appendHistory(ctx, identity, session.RoleUser, strings.TrimSpace(ev.Content), session.MessageTypeText, ev.SentAt)
	if reply == "" {
		return
	}
	o.appendHistory(ctx, identity, session.RoleAssistant, reply, outType, time.Time{})
	o.send(ctx, identity, reply)
}

const replySystemPrompt = `You are Aster, a warm, attentive companion. You listen closely, remember what the user has told you, and reply in a few short, natural sentences. You never give medical advice and you never pretend to be a therapist.`

func (o *Orchestrator) generateReply(ctx context.Context, profile session.UserProfile, history []session.ConversationMessage, text string) string {
	content := o.content()
	if o.deps.LLM == nil {
		return content.Fallbacks.ServerError
	}

	system := replySystemPrompt
	if profile.DisplayName != "" {
		system += "\nThe user's name is " + profile.DisplayName + "."
	}
	if reason := profile.Preference(onboarding.PrefReason); reason != "" {
		system += "\nThey said they're here because: " + reason + "."
	}
	if profile.Emotional.Current != "" {
		system += "\nTheir recent mood reads as: " + profile.Emotional.Current + "."
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, h := range history {
		role := llm.RoleUser
		if h.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	res, err := o.deps.LLM.Chat(ctx, llm.Request{Model: o.model, Messages: msgs})
	if err != nil {
		o.warn("llm_reply_failed", "identity", profile.Identity, "error", err.Error())
		switch {
		case llm.IsRateLimited(err):
			return content.Fallbacks.RateLimited
		case llm.IsTimeout(err):
			return content.Fallbacks.Timeout
		default:
			return content.Fallbacks.ServerError
		}
	}
	reply := strings.TrimSpace(res.Text)
	if reply == "" {
		return content.Fallbacks.ServerError
	}
	return reply
}

// wasPrompted reports whether the latest history entry is tonight's
// journal prompt, so the entry is filed as prompted.
func (o *Orchestrator) wasPrompted(ctx context.Context, identity string) bool {
	history, err := o.deps.Sessions.History(ctx, identity, 1)
	if err != nil || len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.Role == session.RoleAssistant && last.Type == session.MessageTypeJournalPrompt
}

func (o *Orchestrator) appendHistory(ctx context.Context, identity, role, content, msgType string, at time.Time) {
	msg := session.ConversationMessage{Role: role, Content: content, Type: msgType, SentAt: at}
	if err := o.deps.Sessions.AppendMessage(ctx, identity, msg); err != nil {
		o.warn("history_write_failed", "identity", identity, "error", err.Error())
	}
}

func (o *Orchestrator) send(ctx context.Context, identity, text string) {
	if text == "" {
		return
	}
	if err := o.deps.Dispatcher.Send(ctx, identity, text); err != nil {
		o.warn("reply_delivery_failed", "identity", identity, "error", err.Error())
	}
}

func (o *Orchestrator) content() assets.Content { return o.deps.Content }

func (o *Orchestrator) warn(msg string, args ...any) {
	if o.deps.Logger != nil {
		o.deps.Logger.Warn(msg, args...)
	}
}

func (o *Orchestrator) debug(msg string, args ...any) {
	if o.deps.Logger != nil {
		o.deps.Logger.Debug(msg, args...)
	}
}
