package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/asterhq/aster/store"
)

// DefaultLeaseTTL must comfortably outlive DefaultTickInterval:
// renewal only happens on the next tick, so a lease as short as the
// tick expires before the holder ever gets to renew it and leadership
// flaps between replicas.
const DefaultLeaseTTL = 90 * time.Second

// Leader is one replica's handle on the singleton scheduler lease.
// Acquisition is a bare SetNX; renewal and release go through the
// value-checked store primitives so a replica can never extend or drop
// a lease it no longer holds. Lock operations are deliberately not
// retried: replaying an acquisition after a timeout could grab a lease
// the caller already gave up on.
type Leader struct {
	store store.Store
	id    string
	ttl   time.Duration
}

type LeaderOptions struct {
	ReplicaID string
	LeaseTTL  time.Duration
}

func NewLeader(st store.Store, opts LeaderOptions) *Leader {
	if opts.ReplicaID == "" {
		opts.ReplicaID = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Leader{store: st, id: opts.ReplicaID, ttl: opts.LeaseTTL}
}

func (l *Leader) ID() string { return l.id }

// TryAcquire claims the lease if no replica holds it. At most one
// concurrent caller observes true.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	if l == nil || l.store == nil {
		return false, fmt.Errorf("nil leader")
	}
	return l.store.SetNX(ctx, store.LeaderLockKey, l.id, l.ttl)
}

// Renew extends the lease only while this replica still holds it.
// false means the lease expired or moved; the caller must stop acting
// as leader immediately.
func (l *Leader) Renew(ctx context.Context) (bool, error) {
	if l == nil || l.store == nil {
		return false, fmt.Errorf("nil leader")
	}
	return l.store.ExtendTTL(ctx, store.LeaderLockKey, l.id, l.ttl)
}

// Release drops the lease if still held. Safe to call when not the
// holder; another replica's lease is never touched.
func (l *Leader) Release(ctx context.Context) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("nil leader")
	}
	_, err := l.store.DeleteIfValue(ctx, store.LeaderLockKey, l.id)
	return err
}
