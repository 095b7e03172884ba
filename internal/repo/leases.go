package repo

import (
	"context"
	"database/sql"

	"custodia/internal/domain"
)

func (r Repo) UpsertLease(ctx context.Context, lease domain.Lease) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO service_leases(service_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(service_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.ServiceID, lease.OwnerID, formatTime(lease.AcquiredAt), formatTime(lease.ExpiresAt))
	return err
}

func (r Repo) DeleteLease(ctx context.Context, serviceID string) error {
	_, err := r.conn().ExecContext(ctx, `DELETE FROM service_leases WHERE service_id=?`, serviceID)
	return err
}

func (r Repo) GetLease(ctx context.Context, serviceID string) (domain.Lease, error) {
	var (
		l                   domain.Lease
		acquired, expiresAt string
	)
	err := r.conn().QueryRowContext(ctx, `SELECT service_id,owner_id,acquired_at,expires_at FROM service_leases WHERE service_id=?`, serviceID).
		Scan(&l.ServiceID, &l.OwnerID, &acquired, &expiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return l, err
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return l, err
	}
	return l, nil
}
