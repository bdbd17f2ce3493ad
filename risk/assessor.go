// Package risk merges a deterministic keyword layer and a
// probabilistic external-assessment layer into one escalation
// decision. The external layer can raise but never lower the
// deterministic floor, and its outage degrades the assessor to the
// floor alone. Crisis handling is never silently disabled.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asterhq/aster/schedule"
	"github.com/asterhq/aster/session"
	"github.com/asterhq/aster/store"
)

const (
	crisisLogRetention = 90 * 24 * time.Hour
	excerptMax         = 120
)

type CrisisLogEntry struct {
	Excerpt   string    `json:"excerpt"`
	Level     string    `json:"level"`
	Rationale string    `json:"rationale,omitempty"`
	At        time.Time `json:"at"`
}

type Assessment struct {
	IsCrisis       bool
	Level          Level
	Response       string // canned resource text, empty at low
	ShouldFollowUp bool
	FollowUpDelay  time.Duration
}

type AssessorOptions struct {
	Now func() time.Time
}

type Assessor struct {
	classifier Classifier
	store      store.Store
	schedules  *schedule.Manager
	resources  map[string]string
	logger     *slog.Logger
	nowFn      func() time.Time
}

func NewAssessor(classifier Classifier, st store.Store, schedules *schedule.Manager, resources map[string]string, logger *slog.Logger) *Assessor {
	return NewAssessorWithOptions(classifier, st, schedules, resources, logger, AssessorOptions{})
}

func NewAssessorWithOptions(classifier Classifier, st store.Store, schedules *schedule.Manager, resources map[string]string, logger *slog.Logger, opts AssessorOptions) *Assessor {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Assessor{
		classifier: classifier,
		store:      st,
		schedules:  schedules,
		resources:  resources,
		logger:     logger,
		nowFn:      nowFn,
	}
}

// Assess runs both layers and applies the raise-only merge. Side
// effects at non-low levels: a crisis log entry and, when the external
// layer recommended one, a distress follow-up on the user's schedule.
func (a *Assessor) Assess(ctx context.Context, identity, message string, history []session.ConversationMessage) (Assessment, error) {
	if a == nil || a.store == nil {
		return Assessment{}, fmt.Errorf("nil risk assessor")
	}

	floor := keywordFloor(message)
	level := floor
	var followUpDelay time.Duration
	var rationale string

	if a.classifier != nil {
		classification, err := a.classifier.ClassifyRisk(ctx, message, history)
		if err != nil {
			// Degrade to the deterministic floor; never disable.
			if a.logger != nil {
				a.logger.Warn("risk_classifier_degraded", "identity", identity, "floor", floor.String(), "error", err.Error())
			}
		} else {
			level = MaxLevel(floor, classification.Level)
			followUpDelay = classification.FollowUpDelay
			rationale = classification.Rationale
		}
	}

	out := Assessment{Level: level}
	if level == LevelLow {
		return out, nil
	}

	out.IsCrisis = true
	out.Response = a.resourceFor(level)

	now := a.nowFn().UTC()
	entry := CrisisLogEntry{
		Excerpt:   excerpt(message),
		Level:     level.String(),
		Rationale: rationale,
		At:        now,
	}
	if err := a.store.SetJSON(ctx, store.CrisisLogKey(identity, now), entry, crisisLogRetention); err != nil {
		if a.logger != nil {
			a.logger.Warn("crisis_log_write_failed", "identity", identity, "error", err.Error())
		}
	}

	if followUpDelay > 0 && a.schedules != nil {
		out.ShouldFollowUp = true
		out.FollowUpDelay = followUpDelay
		fu := schedule.FollowUp{
			Type:    schedule.FollowUpDistress,
			Due:     now.Add(followUpDelay),
			Context: entry.Excerpt,
		}
		if err := a.schedules.AddFollowUp(ctx, identity, fu); err != nil {
			if a.logger != nil {
				a.logger.Warn("distress_follow_up_schedule_failed", "identity", identity, "error", err.Error())
			}
		}
	}

	return out, nil
}

func (a *Assessor) resourceFor(level Level) string {
	if a.resources == nil {
		return ""
	}
	if text := strings.TrimSpace(a.resources[level.String()]); text != "" {
		return text
	}
	// Fall back upward so a missing medium entry still says something.
	for l := level + 1; l <= LevelCritical; l++ {
		if text := strings.TrimSpace(a.resources[l.String()]); text != "" {
			return text
		}
	}
	return ""
}

// excerpt truncates on a rune boundary so the stored quote is always
// valid UTF-8.
func excerpt(message string) string {
	message = strings.TrimSpace(message)
	if len(message) <= excerptMax {
		return message
	}
	cut := excerptMax
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
