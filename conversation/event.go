package conversation

import (
	"strings"
	"time"
)

// Inbound event types, normalized by the transport layer before they
// reach the orchestrator.
const (
	EventTypeText     = "text"
	EventTypeReaction = "reaction"
	EventTypeVoice    = "voice"
	EventTypeStatus   = "status"
)

type Event struct {
	Type     string    `json:"type"`
	EventID  string    `json:"event_id"`
	Identity string    `json:"identity"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// wellFormed reports whether the event carries enough to act on.
// Status events are valid without content.
func (e Event) wellFormed() bool {
	if strings.TrimSpace(e.Identity) == "" {
		return false
	}
	if e.Type == EventTypeText && strings.TrimSpace(e.Content) == "" {
		return false
	}
	return true
}
