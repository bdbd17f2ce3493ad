// Package session owns per-identity conversational state: the user
// profile and the bounded conversation-history window.
package session

import (
	"strings"
	"time"
)

// OnboardingStage values are strictly ordered; a profile's stage never
// regresses. Keep StageOrder in sync when adding stages.
type OnboardingStage string

const (
	StageInitial    OnboardingStage = "initial"
	StageAskName    OnboardingStage = "ask_name"
	StageAskReason  OnboardingStage = "ask_reason"
	StageAskCheckin OnboardingStage = "ask_checkin"
	StageComplete   OnboardingStage = "complete"
)

func StageOrder(stage OnboardingStage) int {
	switch stage {
	case StageInitial:
		return 0
	case StageAskName:
		return 1
	case StageAskReason:
		return 2
	case StageAskCheckin:
		return 3
	case StageComplete:
		return 4
	default:
		return -1
	}
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message type tags.
const (
	MessageTypeText          = "text"
	MessageTypeReaction      = "reaction"
	MessageTypeVoice         = "voice"
	MessageTypeProactive     = "proactive"
	MessageTypeJournalPrompt = "journal_prompt"
	MessageTypeCrisis        = "crisis"
)

type ConversationMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Type    string    `json:"type"`
	SentAt  time.Time `json:"sent_at"`
}

type EmotionTag struct {
	Tag string    `json:"tag"`
	At  time.Time `json:"at"`
}

type EmotionalState struct {
	Current string       `json:"current,omitempty"`
	History []EmotionTag `json:"history,omitempty"`
}

type Stats struct {
	JoinedAt     time.Time `json:"joined_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
	JournalCount int       `json:"journal_count"`
}

type UserProfile struct {
	Identity        string            `json:"identity"`
	DisplayName     string            `json:"display_name,omitempty"`
	OnboardingStage OnboardingStage   `json:"onboarding_stage"`
	Preferences     map[string]string `json:"preferences,omitempty"`
	Emotional       EmotionalState    `json:"emotional,omitempty"`
	Stats           Stats             `json:"stats"`
}

const emotionHistoryMax = 20

// RecordEmotion sets the current tag and appends to the bounded
// history window.
func (p *UserProfile) RecordEmotion(tag string, at time.Time) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return
	}
	p.Emotional.Current = tag
	p.Emotional.History = append(p.Emotional.History, EmotionTag{Tag: tag, At: at})
	if len(p.Emotional.History) > emotionHistoryMax {
		p.Emotional.History = p.Emotional.History[len(p.Emotional.History)-emotionHistoryMax:]
	}
}

// TouchActivity bumps the monotonic message counter and last-active
// stamp for one inbound event.
func (p *UserProfile) TouchActivity(at time.Time) {
	p.Stats.MessageCount++
	if at.After(p.Stats.LastActive) {
		p.Stats.LastActive = at
	}
}

// AdvanceStage moves the profile to next only when next is strictly
// later in the onboarding order. Returns whether the stage changed;
// unknown stages are refused.
func (p *UserProfile) AdvanceStage(next OnboardingStage) bool {
	current := p.OnboardingStage
	if current == "" {
		current = StageInitial
	}
	if StageOrder(next) <= StageOrder(current) {
		return false
	}
	p.OnboardingStage = next
	return true
}

func (p *UserProfile) Preference(key string) string {
	if p.Preferences == nil {
		return ""
	}
	return p.Preferences[key]
}

func (p *UserProfile) SetPreference(key, value string) {
	if p.Preferences == nil {
		p.Preferences = map[string]string{}
	}
	p.Preferences[key] = value
}
