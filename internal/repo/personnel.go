package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"custodia/internal/domain"
)

const personnelColumns = `id,role,name,phone,zone,lat,lon,service_types_json,experience_years,service_count,acceptance_rate,response_rate,rating,productivity_score,active,updated_at`

func scanPersonnel(row rowScanner) (domain.Personnel, error) {
	var (
		p                  domain.Personnel
		role, updatedAt    string
		phone, zone, types sql.NullString
		lat, lon           sql.NullFloat64
		active             int
	)
	err := row.Scan(&p.ID, &role, &p.Name, &phone, &zone, &lat, &lon, &types, &p.ExperienceYears, &p.ServiceCount,
		&p.AcceptanceRate, &p.ResponseRate, &p.Rating, &p.ProductivityScore, &active, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Role = domain.Role(role)
	p.Phone = phone.String
	p.Zone = zone.String
	p.Active = active != 0
	if lat.Valid {
		v := lat.Float64
		p.Lat = &v
	}
	if lon.Valid {
		v := lon.Float64
		p.Lon = &v
	}
	if types.Valid && types.String != "" {
		if err := json.Unmarshal([]byte(types.String), &p.ServiceTypes); err != nil {
			return p, fmt.Errorf("personnel %s service types: %w", p.ID, err)
		}
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

// UpsertPersonnel inserts or replaces a directory record.
func (r Repo) UpsertPersonnel(ctx context.Context, p domain.Personnel) error {
	var types any
	if len(p.ServiceTypes) > 0 {
		data, err := json.Marshal(p.ServiceTypes)
		if err != nil {
			return err
		}
		types = string(data)
	}
	var lat, lon any
	if p.Lat != nil {
		lat = *p.Lat
	}
	if p.Lon != nil {
		lon = *p.Lon
	}
	_, err := r.conn().ExecContext(ctx, `INSERT INTO personnel(`+personnelColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, name=excluded.name, phone=excluded.phone, zone=excluded.zone, lat=excluded.lat, lon=excluded.lon,
service_types_json=excluded.service_types_json, experience_years=excluded.experience_years, service_count=excluded.service_count,
acceptance_rate=excluded.acceptance_rate, response_rate=excluded.response_rate, rating=excluded.rating,
productivity_score=excluded.productivity_score, active=excluded.active, updated_at=excluded.updated_at`,
		p.ID, string(p.Role), p.Name, nullable(p.Phone), nullable(p.Zone), lat, lon, types, p.ExperienceYears, p.ServiceCount,
		p.AcceptanceRate, p.ResponseRate, p.Rating, p.ProductivityScore, boolInt(p.Active), formatTime(p.UpdatedAt))
	return err
}

func (r Repo) GetPersonnel(ctx context.Context, id string) (domain.Personnel, error) {
	return scanPersonnel(r.conn().QueryRowContext(ctx, `SELECT `+personnelColumns+` FROM personnel WHERE id=?`, id))
}

// FindPersonnelByName returns the directory records of role whose name
// matches case-insensitively.
func (r Repo) FindPersonnelByName(ctx context.Context, role domain.Role, name string) ([]domain.Personnel, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT `+personnelColumns+` FROM personnel WHERE role=? AND name=? COLLATE NOCASE ORDER BY id ASC`,
		string(role), strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Personnel
	for rows.Next() {
		p, err := scanPersonnel(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListPersonnel returns directory records, optionally filtered by role.
func (r Repo) ListPersonnel(ctx context.Context, role domain.Role, activeOnly bool) ([]domain.Personnel, error) {
	query := `SELECT ` + personnelColumns + ` FROM personnel WHERE 1=1`
	var args []any
	if role != "" {
		query += " AND role=?"
		args = append(args, string(role))
	}
	if activeOnly {
		query += " AND active=1"
	}
	query += " ORDER BY name COLLATE NOCASE ASC, id ASC"
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Personnel
	for rows.Next() {
		p, err := scanPersonnel(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
