package repo

import (
	"context"
	"database/sql"

	"custodia/internal/domain"
)

func (r Repo) InsertModification(ctx context.Context, m domain.ModificationLogEntry) (int64, error) {
	res, err := r.conn().ExecContext(ctx, `INSERT INTO service_modifications(service_id,action_type,previous_value,new_value,actor_id,reason,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ServiceID, m.ActionType, nullable(m.PreviousValue), nullable(m.NewValue), m.ActorID, nullable(m.Reason), formatTime(m.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListModifications returns the audit trail of a service, oldest first.
func (r Repo) ListModifications(ctx context.Context, serviceID string, limit int) ([]domain.ModificationLogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.conn().QueryContext(ctx, `SELECT id,service_id,action_type,previous_value,new_value,actor_id,reason,created_at
FROM service_modifications WHERE service_id=? ORDER BY id ASC LIMIT ?`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ModificationLogEntry
	for rows.Next() {
		var (
			m                  domain.ModificationLogEntry
			prev, next, reason sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&m.ID, &m.ServiceID, &m.ActionType, &prev, &next, &m.ActorID, &reason, &createdAt); err != nil {
			return nil, err
		}
		m.PreviousValue, m.NewValue, m.Reason = prev.String, next.String, reason.String
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
