// Package journal detects and files free-form journal entries. A
// classified entry short-circuits the rest of the inbound pipeline.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asterhq/aster/session"
	"github.com/asterhq/aster/store"
)

const retention = 365 * 24 * time.Hour

// Entry prefixes, matched case-insensitively at the start of a message.
var entryPrefixes = []string{"j:", "journal:"}

func IsEntry(text string) bool {
	_, ok := matchPrefix(text)
	return ok
}

// Extract strips the matched prefix and returns the entry content.
func Extract(text string) string {
	content, ok := matchPrefix(text)
	if !ok {
		return strings.TrimSpace(text)
	}
	return content
}

func matchPrefix(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, prefix := range entryPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):]), true
		}
	}
	return "", false
}

type DayEntry struct {
	Content  string    `json:"content"`
	Prompted bool      `json:"prompted"`
	At       time.Time `json:"at"`
}

// Bucket groups one day's entries.
type Bucket struct {
	Date    string     `json:"date"`
	Entries []DayEntry `json:"entries"`
}

type ServiceOptions struct {
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	store    store.Store
	sessions *session.Manager
	loc      *time.Location
	nowFn    func() time.Time
}

func NewService(st store.Store, sessions *session.Manager) *Service {
	return NewServiceWithOptions(st, sessions, ServiceOptions{})
}

func NewServiceWithOptions(st store.Store, sessions *session.Manager, opts ServiceOptions) *Service {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{store: st, sessions: sessions, loc: loc, nowFn: nowFn}
}

// Record files content into today's bucket and bumps the profile's
// journal count.
func (s *Service) Record(ctx context.Context, identity, content string, prompted bool) error {
	if s == nil || s.store == nil || s.sessions == nil {
		return fmt.Errorf("nil journal service")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("content is required")
	}

	now := s.nowFn().In(s.loc)
	key := store.JournalKey(identity, now)

	var bucket Bucket
	if _, err := s.store.GetJSON(ctx, key, &bucket); err != nil {
		return err
	}
	bucket.Date = now.Format("2006-01-02")
	bucket.Entries = append(bucket.Entries, DayEntry{
		Content:  content,
		Prompted: prompted,
		At:       now.UTC(),
	})
	if err := s.store.SetJSON(ctx, key, bucket, retention); err != nil {
		return err
	}

	profile, found, err := s.sessions.Get(ctx, identity)
	if err != nil {
		return err
	}
	if found {
		profile.Stats.JournalCount++
		if err := s.sessions.Put(ctx, profile); err != nil {
			return err
		}
	}
	return nil
}
