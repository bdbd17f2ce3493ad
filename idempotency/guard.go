// Package idempotency deduplicates inbound events under at-least-once
// delivery. Every replica processes the events it receives; this guard
// is the only thing preventing double processing, so the claim must be
// one atomic set-if-absent, never a check followed by a set.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asterhq/aster/store"
)

const defaultMarkerTTL = 10 * time.Minute

type Guard struct {
	store     store.Store
	markerTTL time.Duration
}

type GuardOptions struct {
	MarkerTTL time.Duration
}

func NewGuard(st store.Store) *Guard {
	return NewGuardWithOptions(st, GuardOptions{})
}

func NewGuardWithOptions(st store.Store, opts GuardOptions) *Guard {
	ttl := opts.MarkerTTL
	if ttl <= 0 {
		ttl = defaultMarkerTTL
	}
	return &Guard{store: st, markerTTL: ttl}
}

// Claim marks eventID as processed. alreadyClaimed reports that a
// marker existed, meaning some replica already handled the event. An
// error means the store was unavailable; callers must treat that as
// "process conservatively", not as a silent drop.
func (g *Guard) Claim(ctx context.Context, eventID string) (alreadyClaimed bool, err error) {
	if g == nil || g.store == nil {
		return false, fmt.Errorf("nil idempotency guard")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, fmt.Errorf("event_id is required")
	}
	created, err := g.store.SetNX(ctx, store.IdempotencyKey(eventID), "1", g.markerTTL)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", eventID, err)
	}
	return !created, nil
}
