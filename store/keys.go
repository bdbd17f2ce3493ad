package store

import (
	"fmt"
	"strings"
	"time"
)

// Key layout. One record kind per prefix; identity is the normalized
// contact address.
const (
	profilePrefix   = "profile:"
	historyPrefix   = "history:"
	schedulePrefix  = "schedule:"
	journalPrefix   = "journal:"
	crisisLogPrefix = "crisislog:"
	idemPrefix      = "idem:"

	LeaderLockKey = "leader:scheduler"
)

func ProfileKey(identity string) string  { return profilePrefix + identity }
func HistoryKey(identity string) string  { return historyPrefix + identity }
func ScheduleKey(identity string) string { return schedulePrefix + identity }

func JournalKey(identity string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", journalPrefix, identity, day.Format("2006-01-02"))
}

func CrisisLogKey(identity string, at time.Time) string {
	return fmt.Sprintf("%s%s:%d", crisisLogPrefix, identity, at.UnixNano())
}

func IdempotencyKey(eventID string) string { return idemPrefix + eventID }

// SchedulePattern matches every per-identity schedule record; the
// scheduler's scan surface.
func SchedulePattern() string { return schedulePrefix + "*" }

// IdentityPatterns returns the scan patterns covering every record
// kind owned by one identity, for user-initiated erasure.
func IdentityPatterns(identity string) []string {
	return []string{
		profilePrefix + identity,
		historyPrefix + identity,
		schedulePrefix + identity,
		journalPrefix + identity + ":*",
		crisisLogPrefix + identity + ":*",
	}
}

func IdentityFromScheduleKey(key string) (string, bool) {
	if !strings.HasPrefix(key, schedulePrefix) {
		return "", false
	}
	identity := strings.TrimPrefix(key, schedulePrefix)
	if strings.TrimSpace(identity) == "" {
		return "", false
	}
	return identity, true
}
