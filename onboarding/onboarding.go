// Package onboarding advances a profile through the fixed introduction
// sequence: initial → ask_name → ask_reason → ask_checkin → complete.
// Transitions are strictly forward and at most one happens per inbound
// event, so the stage is monotonic no matter how events interleave
// across replicas.
package onboarding

import (
	"regexp"
	"strings"

	"github.com/asterhq/aster/session"
)

// Message-count threshold before we ask for a name; the first couple
// of exchanges stay unstructured on purpose.
const askNameAfterMessages = 2

const (
	// Preference keys written during onboarding.
	PrefReason          = "onboarding_reason"
	PrefCheckins        = "checkins"
	PrefCheckinsAssumed = "checkins_assumed"
)

type StepResult struct {
	Stage       session.OnboardingStage
	Prompt      string // appended to the outbound reply, may be empty
	ArmSchedule bool   // true when the check-in preference came out positive
}

// Step runs at most one stage transition against profile, mutating it
// in place. The caller persists the profile afterwards.
func Step(profile *session.UserProfile, text string) StepResult {
	if profile == nil {
		return StepResult{}
	}
	switch profile.OnboardingStage {
	case "", session.StageInitial:
		if profile.Stats.MessageCount >= askNameAfterMessages {
			profile.AdvanceStage(session.StageAskName)
			return StepResult{
				Stage:  profile.OnboardingStage,
				Prompt: "By the way — what should I call you?",
			}
		}
		return StepResult{Stage: session.StageInitial}

	case session.StageAskName:
		name, ok := ExtractName(text)
		if !ok {
			// Stay put; the next message gets another chance.
			return StepResult{Stage: session.StageAskName}
		}
		profile.DisplayName = name
		profile.AdvanceStage(session.StageAskReason)
		return StepResult{
			Stage:  profile.OnboardingStage,
			Prompt: "Nice to meet you, " + name + "! What made you want a companion like me?",
		}

	case session.StageAskReason:
		reason := strings.TrimSpace(text)
		if len(reason) > 200 {
			reason = reason[:200]
		}
		if reason != "" {
			profile.SetPreference(PrefReason, reason)
		}
		profile.AdvanceStage(session.StageAskCheckin)
		return StepResult{
			Stage:  profile.OnboardingStage,
			Prompt: "Thanks for sharing that. Would you like me to check in with you each morning? (yes/no)",
		}

	case session.StageAskCheckin:
		positive, ambiguous := ParseYesNo(text)
		profile.AdvanceStage(session.StageComplete)
		if positive {
			profile.SetPreference(PrefCheckins, "yes")
			if ambiguous {
				// Consent was defaulted, not stated. Tagged so a later
				// "stop" can be honored without friction.
				profile.SetPreference(PrefCheckinsAssumed, "true")
			}
			return StepResult{
				Stage:       profile.OnboardingStage,
				Prompt:      "Great — I'll check in each morning and nudge you to journal in the evening. Say \"stop\" any time to pause.",
				ArmSchedule: true,
			}
		}
		profile.SetPreference(PrefCheckins, "no")
		return StepResult{
			Stage:  profile.OnboardingStage,
			Prompt: "No problem, I won't reach out on my own. Say \"resume\" if you ever change your mind.",
		}

	default:
		return StepResult{Stage: profile.OnboardingStage}
	}
}

var introPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is\s+([a-z][a-z'\-]*)`),
	regexp.MustCompile(`(?i)\bcall me\s+([a-z][a-z'\-]*)`),
	regexp.MustCompile(`(?i)\bi(?:'|’)?m\s+([a-z][a-z'\-]*)`),
	regexp.MustCompile(`(?i)\bi am\s+([a-z][a-z'\-]*)`),
	regexp.MustCompile(`(?i)\bit(?:'|’)?s\s+([a-z][a-z'\-]*)`),
}

// Common non-name words that would otherwise pass the short-reply
// heuristic.
var nameStoplist = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"yes": true, "yeah": true, "yep": true, "no": true, "nope": true,
	"ok": true, "okay": true, "sure": true, "fine": true, "good": true,
	"thanks": true, "thank": true, "you": true, "please": true,
	"what": true, "why": true, "who": true, "how": true,
	"morning": true, "evening": true, "night": true,
	"nothing": true, "nobody": true, "dunno": true, "idk": true,
	"lol": true, "haha": true, "hmm": true, "um": true,
	"not": true, "never": true, "maybe": true,
	"i": true, "im": true, "i'm": true, "i’m": true, "me": true,
}

// ExtractName pulls a name from self-introduction phrasing, or treats
// a short reply (at most two words) as a candidate, rejecting stoplist
// words either way.
func ExtractName(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	for _, pattern := range introPatterns {
		m := pattern.FindStringSubmatch(trimmed)
		if len(m) < 2 {
			continue
		}
		if name, ok := cleanName(m[1]); ok {
			return name, true
		}
	}

	words := strings.Fields(trimmed)
	if len(words) > 2 {
		return "", false
	}
	candidate := strings.Trim(words[0], ".,!?")
	if name, ok := cleanName(candidate); ok {
		return name, true
	}
	return "", false
}

func cleanName(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if nameStoplist[strings.ToLower(raw)] {
		return "", false
	}
	for _, r := range raw {
		if !isNameRune(r) {
			return "", false
		}
	}
	return strings.ToUpper(raw[:1]) + raw[1:], true
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r == '\'' || r == '-' || r == '’':
		return true
	default:
		return false
	}
}

var (
	positivePhrases = []string{"yes", "yeah", "yep", "sure", "ok", "okay", "please", "sounds good", "why not", "definitely", "absolutely", "i'd like that", "yes please"}
	negativePhrases = []string{"no", "nope", "nah", "don't", "dont", "stop", "rather not", "no thanks", "not really"}
)

// ParseYesNo scans for positive and negative phrase membership.
// Input that matches neither side, or both, defaults to yes; ambiguous
// reports that the default was applied.
func ParseYesNo(text string) (positive bool, ambiguous bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	hasNegative := containsAnyWordOrPhrase(lower, negativePhrases)
	hasPositive := containsAnyWordOrPhrase(lower, positivePhrases)
	switch {
	case hasNegative && !hasPositive:
		return false, false
	case hasPositive && !hasNegative:
		return true, false
	default:
		return true, true
	}
}

func containsAnyWordOrPhrase(lower string, phrases []string) bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(lower) {
		words[strings.Trim(w, ".,!?")] = true
	}
	for _, phrase := range phrases {
		if strings.ContainsRune(phrase, ' ') || strings.ContainsRune(phrase, '\'') {
			if strings.Contains(lower, phrase) {
				return true
			}
			continue
		}
		if words[phrase] {
			return true
		}
	}
	return false
}
