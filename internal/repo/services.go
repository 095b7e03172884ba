package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"custodia/internal/domain"
)

const serviceColumns = `id,folio,client_name,client_contact,origin,destination,appointment_at,service_type,zone,priority,requires_armed_guard,planned_state,
custodian_id,custodian_name,custodian_phone,custodian_assigned_at,custodian_assigned_by,
armed_guard_id,armed_guard_name,armed_guard_phone,armed_guard_mode,armed_guard_provider_id,meeting_point,meeting_time,armed_guard_assigned_at,armed_guard_assigned_by,
observations,created_by,created_at,updated_at,cancelled_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (domain.ScheduledService, error) {
	var (
		s                                                    domain.ScheduledService
		clientContact, serviceType, zone, observations       sql.NullString
		custID, custName, custPhone, custAt, custBy          sql.NullString
		agID, agName, agPhone, agMode, agProvider, meetPoint sql.NullString
		meetTime, agAt, agBy, cancelledAt                    sql.NullString
		appointment, createdAt, updatedAt, state             string
		requires                                             int
	)
	err := row.Scan(&s.ID, &s.Folio, &s.ClientName, &clientContact, &s.Origin, &s.Destination, &appointment, &serviceType, &zone, &s.Priority, &requires, &state,
		&custID, &custName, &custPhone, &custAt, &custBy,
		&agID, &agName, &agPhone, &agMode, &agProvider, &meetPoint, &meetTime, &agAt, &agBy,
		&observations, &s.CreatedBy, &createdAt, &updatedAt, &cancelledAt, &s.Version)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ClientContact = clientContact.String
	s.ServiceType = serviceType.String
	s.Zone = zone.String
	s.Observations = observations.String
	s.RequiresArmedGuard = requires != 0
	s.State = domain.PlannedState(state)
	if s.AppointmentAt, err = parseTime(appointment); err != nil {
		return s, fmt.Errorf("service %s appointment_at: %w", s.ID, err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, fmt.Errorf("service %s created_at: %w", s.ID, err)
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return s, fmt.Errorf("service %s updated_at: %w", s.ID, err)
	}
	if s.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return s, err
	}
	if custName.Valid || custID.Valid {
		c := &domain.CustodianAssignment{
			PersonnelRef: domain.PersonnelRef{ID: custID.String, Name: custName.String, Phone: custPhone.String},
			AssignedBy:   custBy.String,
		}
		at, err := parseNullTime(custAt)
		if err != nil {
			return s, err
		}
		if at != nil {
			c.AssignedAt = *at
		}
		s.Custodian = c
	}
	if agName.Valid || agID.Valid || agProvider.Valid {
		g := &domain.ArmedGuardAssignment{
			PersonnelRef: domain.PersonnelRef{ID: agID.String, Name: agName.String, Phone: agPhone.String},
			Mode:         domain.ArmedGuardMode(agMode.String),
			ProviderID:   agProvider.String,
			MeetingPoint: meetPoint.String,
			AssignedBy:   agBy.String,
		}
		if g.MeetingTime, err = parseNullTime(meetTime); err != nil {
			return s, err
		}
		at, err := parseNullTime(agAt)
		if err != nil {
			return s, err
		}
		if at != nil {
			g.AssignedAt = *at
		}
		s.ArmedGuard = g
	}
	return s, nil
}

func serviceArgs(s domain.ScheduledService) []any {
	var custID, custName, custPhone, custAt, custBy any
	if c := s.Custodian; c != nil {
		custID, custName, custPhone = nullable(c.ID), nullable(c.Name), nullable(c.Phone)
		custAt, custBy = formatTimePtr(&c.AssignedAt), nullable(c.AssignedBy)
	}
	var agID, agName, agPhone, agMode, agProvider, meetPoint, meetTime, agAt, agBy any
	if g := s.ArmedGuard; g != nil {
		agID, agName, agPhone = nullable(g.ID), nullable(g.Name), nullable(g.Phone)
		agMode, agProvider = nullable(string(g.Mode)), nullable(g.ProviderID)
		meetPoint, meetTime = nullable(g.MeetingPoint), formatTimePtr(g.MeetingTime)
		agAt, agBy = formatTimePtr(&g.AssignedAt), nullable(g.AssignedBy)
	}
	return []any{
		s.Folio, s.ClientName, nullable(s.ClientContact), s.Origin, s.Destination, formatTime(s.AppointmentAt),
		nullable(s.ServiceType), nullable(s.Zone), s.Priority, boolInt(s.RequiresArmedGuard), string(s.State),
		custID, custName, custPhone, custAt, custBy,
		agID, agName, agPhone, agMode, agProvider, meetPoint, meetTime, agAt, agBy,
		nullable(s.Observations), s.CreatedBy, formatTime(s.CreatedAt), formatTime(s.UpdatedAt), formatTimePtr(s.CancelledAt),
	}
}

func (r Repo) InsertService(ctx context.Context, s domain.ScheduledService) error {
	args := append([]any{s.ID}, serviceArgs(s)...)
	args = append(args, s.Version)
	_, err := r.conn().ExecContext(ctx, `INSERT INTO services(`+serviceColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// UpdateService writes s iff the stored row still carries expectedVersion,
// and bumps the version. A lost race returns ErrStaleWrite.
func (r Repo) UpdateService(ctx context.Context, s domain.ScheduledService, expectedVersion int64) error {
	args := serviceArgs(s)
	args = append(args, s.ID, expectedVersion)
	res, err := r.conn().ExecContext(ctx, `UPDATE services SET folio=?, client_name=?, client_contact=?, origin=?, destination=?, appointment_at=?,
service_type=?, zone=?, priority=?, requires_armed_guard=?, planned_state=?,
custodian_id=?, custodian_name=?, custodian_phone=?, custodian_assigned_at=?, custodian_assigned_by=?,
armed_guard_id=?, armed_guard_name=?, armed_guard_phone=?, armed_guard_mode=?, armed_guard_provider_id=?, meeting_point=?, meeting_time=?, armed_guard_assigned_at=?, armed_guard_assigned_by=?,
observations=?, created_by=?, created_at=?, updated_at=?, cancelled_at=?, version=version+1
WHERE id=? AND version=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetService(ctx, s.ID); err != nil {
			return err
		}
		return ErrStaleWrite
	}
	return nil
}

func (r Repo) GetService(ctx context.Context, id string) (domain.ScheduledService, error) {
	return scanService(r.conn().QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id=?`, id))
}

func (r Repo) FindServiceByFolio(ctx context.Context, folio string) (domain.ScheduledService, error) {
	return scanService(r.conn().QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE folio=?`, folio))
}

// FindServiceByRequestID returns the service created under a client request
// id.
func (r Repo) FindServiceByRequestID(ctx context.Context, requestID string) (domain.ScheduledService, error) {
	var id string
	err := r.conn().QueryRowContext(ctx, `SELECT service_id FROM service_requests WHERE request_id=?`, requestID).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.ScheduledService{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledService{}, err
	}
	return r.GetService(ctx, id)
}

// InsertServiceRequest binds a client request id to the service it created.
func (r Repo) InsertServiceRequest(ctx context.Context, requestID, serviceID string, at time.Time) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO service_requests(request_id,service_id,created_at) VALUES (?,?,?)`,
		requestID, serviceID, formatTime(at))
	return err
}

type ServiceFilters struct {
	States    []domain.PlannedState
	From      *time.Time
	To        *time.Time
	Personnel *domain.PersonnelRef
	Limit     int
}

func (r Repo) ListServices(ctx context.Context, f ServiceFilters) ([]domain.ScheduledService, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.States) > 0 {
		clauses = append(clauses, stateClause(f.States, &args))
	}
	if f.From != nil {
		clauses = append(clauses, "appointment_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "appointment_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.Personnel != nil && !f.Personnel.Empty() {
		clauses = append(clauses, personnelClause(*f.Personnel, &args))
	}
	query := `SELECT ` + serviceColumns + ` FROM services`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY appointment_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryServices(ctx, query, args...)
}

// QueryServicesByPersonnelAndWindow returns services where ref holds a slot,
// appointed within [from, to] and in one of states. An empty excludeID
// leaves the exclusion clause out entirely.
func (r Repo) QueryServicesByPersonnelAndWindow(ctx context.Context, ref domain.PersonnelRef, from, to time.Time, states []domain.PlannedState, excludeID string) ([]domain.ScheduledService, error) {
	var args []any
	clauses := []string{personnelClause(ref, &args), "appointment_at >= ?", "appointment_at <= ?"}
	args = append(args, formatTime(from), formatTime(to))
	if len(states) > 0 {
		clauses = append(clauses, stateClause(states, &args))
	}
	if excludeID != "" {
		clauses = append(clauses, "id <> ?")
		args = append(args, excludeID)
	}
	query := `SELECT ` + serviceColumns + ` FROM services WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY appointment_at ASC, id ASC`
	return r.queryServices(ctx, query, args...)
}

// ServicesAtExactTime returns every live commitment of ref at exactly at.
func (r Repo) ServicesAtExactTime(ctx context.Context, ref domain.PersonnelRef, at time.Time) ([]domain.ScheduledService, error) {
	var args []any
	clause := personnelClause(ref, &args)
	args = append(args, formatTime(at), string(domain.StateCancelled), string(domain.StateRejected))
	query := `SELECT ` + serviceColumns + ` FROM services WHERE ` + clause + ` AND appointment_at = ? AND planned_state NOT IN (?,?) ORDER BY id ASC`
	return r.queryServices(ctx, query, args...)
}

// LastServiceBefore returns the latest live appointment of ref strictly before t.
func (r Repo) LastServiceBefore(ctx context.Context, ref domain.PersonnelRef, t time.Time) (*time.Time, error) {
	var args []any
	clause := personnelClause(ref, &args)
	args = append(args, formatTime(t), string(domain.StateCancelled), string(domain.StateRejected))
	var last sql.NullString
	err := r.conn().QueryRowContext(ctx, `SELECT MAX(appointment_at) FROM services WHERE `+clause+` AND appointment_at < ? AND planned_state NOT IN (?,?)`, args...).Scan(&last)
	if err != nil {
		return nil, err
	}
	return parseNullTime(last)
}

// CountServicesByState returns the number of services per planned state.
func (r Repo) CountServicesByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT planned_state, COUNT(*) FROM services GROUP BY planned_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var c int
		if err := rows.Scan(&state, &c); err != nil {
			return nil, err
		}
		res[state] = c
	}
	return res, rows.Err()
}

func (r Repo) queryServices(ctx context.Context, query string, args ...any) ([]domain.ScheduledService, error) {
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledService
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// personnelClause matches the slots held by ref. A ref with an id also
// matches slots dispatched by its name only; a name-only ref matches the name
// whatever the id columns hold.
func personnelClause(ref domain.PersonnelRef, args *[]any) string {
	name := strings.TrimSpace(ref.Name)
	if ref.ID == "" {
		*args = append(*args, name, name)
		return "(custodian_name = ? COLLATE NOCASE OR armed_guard_name = ? COLLATE NOCASE)"
	}
	if name == "" {
		*args = append(*args, ref.ID, ref.ID)
		return "(custodian_id = ? OR armed_guard_id = ?)"
	}
	*args = append(*args, ref.ID, ref.ID, name, name)
	return "(custodian_id = ? OR armed_guard_id = ?" +
		" OR (custodian_id IS NULL AND custodian_name = ? COLLATE NOCASE)" +
		" OR (armed_guard_id IS NULL AND armed_guard_name = ? COLLATE NOCASE))"
}

func stateClause(states []domain.PlannedState, args *[]any) string {
	marks := make([]string, len(states))
	for i, st := range states {
		marks[i] = "?"
		*args = append(*args, string(st))
	}
	return "planned_state IN (" + strings.Join(marks, ",") + ")"
}
