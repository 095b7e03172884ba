package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"
	"custodia/internal/events"
	"custodia/internal/metrics"
	"custodia/internal/repo"
)

// ClaimLease takes or renews the advisory editing lease of a service. While
// the lease is live, mutations by other actors fail with a LeaseError.
func (e Engine) ClaimLease(ctx context.Context, serviceID, actorID string, ttl time.Duration) (lease domain.Lease, err error) {
	defer func() { metrics.Operation("claim_lease", resultLabel(err, true)) }()
	if err := checkID("service_id", serviceID); err != nil {
		return domain.Lease{}, err
	}
	if actorID == "" {
		return domain.Lease{}, invalid("actor_id", "is required")
	}
	if ttl < 0 {
		return domain.Lease{}, invalid("ttl", "must not be negative")
	}
	if ttl == 0 {
		ttl = e.config().LeaseTTL()
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, storeErr("begin claim_lease", err)
	}
	defer tx.Rollback()
	store := e.Repo.Tx(tx)

	if _, err := store.GetService(ctx, serviceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Lease{}, fmt.Errorf("service %s: %w", serviceID, repo.ErrNotFound)
		}
		return domain.Lease{}, storeErr("load service", err)
	}
	if err := e.checkLease(ctx, store, serviceID, actorID); err != nil {
		return domain.Lease{}, err
	}
	now := e.now()
	lease = domain.Lease{ServiceID: serviceID, OwnerID: actorID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if err := store.UpsertLease(ctx, lease); err != nil {
		return domain.Lease{}, storeErr("upsert lease", err)
	}
	payload := events.EventPayload{"owner_id": actorID, "expires_at": lease.ExpiresAt.Format(time.RFC3339)}
	if err := e.outbox().Append(ctx, tx, events.LeaseClaimed, serviceID, actorID, payload); err != nil {
		return domain.Lease{}, storeErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, storeErr("commit claim_lease", err)
	}
	return lease, nil
}

// ReleaseLease drops the lease held by actorID. Releasing an absent or
// expired lease is a no-op.
func (e Engine) ReleaseLease(ctx context.Context, serviceID, actorID string) (err error) {
	released := false
	defer func() { metrics.Operation("release_lease", resultLabel(err, released)) }()
	if err := checkID("service_id", serviceID); err != nil {
		return err
	}
	if actorID == "" {
		return invalid("actor_id", "is required")
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin release_lease", err)
	}
	defer tx.Rollback()
	store := e.Repo.Tx(tx)

	l, err := store.GetLease(ctx, serviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("load lease", err)
	}
	if l.OwnerID != actorID && e.now().Before(l.ExpiresAt) {
		return &LeaseError{ServiceID: serviceID, OwnerID: l.OwnerID, ExpiresAt: l.ExpiresAt}
	}
	if err := store.DeleteLease(ctx, serviceID); err != nil {
		return storeErr("delete lease", err)
	}
	if err := e.outbox().Append(ctx, tx, events.LeaseReleased, serviceID, actorID, events.EventPayload{"owner_id": l.OwnerID}); err != nil {
		return storeErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit release_lease", err)
	}
	released = true
	return nil
}

// GetLease returns the live lease of a service, or ErrNotFound.
func (e Engine) GetLease(ctx context.Context, serviceID string) (domain.Lease, error) {
	if err := checkID("service_id", serviceID); err != nil {
		return domain.Lease{}, err
	}
	l, err := e.Repo.GetLease(ctx, serviceID)
	if err != nil {
		return l, storeErr("load lease", err)
	}
	if !e.now().Before(l.ExpiresAt) {
		return domain.Lease{}, repo.ErrNotFound
	}
	return l, nil
}

// checkLease fails when a live lease belongs to someone other than actorID.
func (e Engine) checkLease(ctx context.Context, store repo.Repo, serviceID, actorID string) error {
	l, err := store.GetLease(ctx, serviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("load lease", err)
	}
	if l.OwnerID == actorID || !e.now().Before(l.ExpiresAt) {
		return nil
	}
	return &LeaseError{ServiceID: serviceID, OwnerID: l.OwnerID, ExpiresAt: l.ExpiresAt}
}
