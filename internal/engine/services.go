package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"custodia/internal/audit"
	"custodia/internal/domain"
	"custodia/internal/engine/conflict"
	"custodia/internal/engine/planning"
	"custodia/internal/events"
	"custodia/internal/metrics"
	"custodia/internal/repo"
)

// CreateServiceOptions are parameters for scheduling a service.
type CreateServiceOptions struct {
	Folio              string    `json:"folio" validate:"max=64"`
	ClientName         string    `json:"client_name" validate:"required,max=200"`
	ClientContact      string    `json:"client_contact" validate:"max=200"`
	Origin             string    `json:"origin" validate:"required"`
	Destination        string    `json:"destination" validate:"required"`
	AppointmentAt      time.Time `json:"appointment_at" validate:"required"`
	ServiceType        string    `json:"service_type" validate:"max=64"`
	Zone               string    `json:"zone" validate:"max=64"`
	Priority           int       `json:"priority" validate:"gte=0"`
	RequiresArmedGuard bool      `json:"requires_armed_guard"`
	Observations       string    `json:"observations"`
	ActorID            string    `json:"actor_id" validate:"required"`

	// RequestID makes a retried create return the service the first attempt
	// stored instead of creating another one.
	RequestID string `json:"request_id" validate:"max=128"`
}

func (o *CreateServiceOptions) normalize() {
	o.Folio = strings.TrimSpace(o.Folio)
	o.ClientName = strings.TrimSpace(o.ClientName)
	o.ClientContact = strings.TrimSpace(o.ClientContact)
	o.Origin = strings.TrimSpace(o.Origin)
	o.Destination = strings.TrimSpace(o.Destination)
	o.ServiceType = strings.TrimSpace(o.ServiceType)
	o.Zone = strings.TrimSpace(o.Zone)
	o.ActorID = strings.TrimSpace(o.ActorID)
	o.RequestID = strings.TrimSpace(o.RequestID)
}

func (e Engine) CreateService(ctx context.Context, opts CreateServiceOptions) (res Result, err error) {
	defer func() { metrics.Operation("create_service", resultLabel(err, res.Changed)) }()
	opts.normalize()
	if err := validateStruct(opts); err != nil {
		return Result{}, err
	}
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	s := domain.ScheduledService{
		ID:                 domain.NewID(),
		Folio:              opts.Folio,
		ClientName:         opts.ClientName,
		ClientContact:      opts.ClientContact,
		Origin:             opts.Origin,
		Destination:        opts.Destination,
		AppointmentAt:      opts.AppointmentAt.UTC(),
		ServiceType:        opts.ServiceType,
		Zone:               opts.Zone,
		Priority:           opts.Priority,
		RequiresArmedGuard: opts.RequiresArmedGuard,
		State:              domain.StatePlanned,
		Observations:       opts.Observations,
		CreatedBy:          opts.ActorID,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, storeErr("begin create_service", err)
	}
	defer tx.Rollback()
	store := e.Repo.Tx(tx)

	if opts.RequestID != "" {
		existing, err := store.FindServiceByRequestID(ctx, opts.RequestID)
		if err == nil {
			return Result{Service: existing, State: existing.State}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return Result{}, storeErr("check request id", err)
		}
	}
	if s.Folio != "" {
		if _, err := store.FindServiceByFolio(ctx, s.Folio); err == nil {
			return Result{}, invalid("folio", "%s already exists", s.Folio)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return Result{}, storeErr("check folio", err)
		}
	} else {
		folio, err := e.generateFolio(ctx, store, s.AppointmentAt)
		if err != nil {
			return Result{}, err
		}
		s.Folio = folio
	}
	if err := store.InsertService(ctx, s); err != nil {
		return Result{}, storeErr("insert service", err)
	}
	if opts.RequestID != "" {
		if err := store.InsertServiceRequest(ctx, opts.RequestID, s.ID, now); err != nil {
			return Result{}, storeErr("record request id", err)
		}
	}
	ch := &change{
		event: events.ServiceCreated,
		payload: events.EventPayload{
			"folio":                s.Folio,
			"client_name":          s.ClientName,
			"appointment_at":       s.AppointmentAt.Format(time.RFC3339),
			"requires_armed_guard": s.RequiresArmedGuard,
			"planned_state":        s.State,
		},
		audits: []audit.Entry{{ServiceID: s.ID, ActionType: audit.ServiceCreated, New: s.Folio, ActorID: opts.ActorID}},
	}
	if err := e.outbox().Append(ctx, tx, ch.event, s.ID, opts.ActorID, ch.payload); err != nil {
		return Result{}, storeErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, storeErr("commit create_service", err)
	}
	e.afterCommit(ctx, s, ch)
	return Result{Service: s, State: s.State, Changed: true}, nil
}

// generateFolio returns SRV-YYYYMMDD-XXXX keyed by the local appointment day.
func (e Engine) generateFolio(ctx context.Context, store repo.Repo, at time.Time) (string, error) {
	day := at.In(e.config().Location()).Format("20060102")
	for i := 0; i < 5; i++ {
		folio := fmt.Sprintf("SRV-%s-%s", day, strings.ToUpper(domain.NewID()[:4]))
		_, err := store.FindServiceByFolio(ctx, folio)
		if errors.Is(err, repo.ErrNotFound) {
			return folio, nil
		}
		if err != nil {
			return "", storeErr("check folio", err)
		}
	}
	return "", errors.New("could not generate a unique folio")
}

// UpdateServiceOptions is a partial update; nil fields are left unchanged.
type UpdateServiceOptions struct {
	ServiceID          string
	ActorID            string
	Reason             string
	ClientName         *string
	ClientContact      *string
	Origin             *string
	Destination        *string
	AppointmentAt      *time.Time
	ServiceType        *string
	Zone               *string
	Priority           *int
	RequiresArmedGuard *bool
	Observations       *string
}

// UpdateServiceConfiguration applies a partial update. Moving the appointment
// re-checks the assigned personnel; flipping the armed-guard requirement
// re-derives the state and may release the armed guard.
func (e Engine) UpdateServiceConfiguration(ctx context.Context, opts UpdateServiceOptions) (Result, error) {
	return e.mutate(ctx, "update_service", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		if err := ensureMutable(*s); err != nil {
			return nil, err
		}
		prev, next := map[string]any{}, map[string]any{}
		setText := func(field string, dst *string, v *string, required bool) error {
			if v == nil {
				return nil
			}
			nv := strings.TrimSpace(*v)
			if required && nv == "" {
				return invalid(field, "is required")
			}
			if nv != *dst {
				prev[field], next[field] = *dst, nv
				*dst = nv
			}
			return nil
		}
		for _, f := range []struct {
			name     string
			dst      *string
			v        *string
			required bool
		}{
			{"client_name", &s.ClientName, opts.ClientName, true},
			{"client_contact", &s.ClientContact, opts.ClientContact, false},
			{"origin", &s.Origin, opts.Origin, true},
			{"destination", &s.Destination, opts.Destination, true},
			{"service_type", &s.ServiceType, opts.ServiceType, false},
			{"zone", &s.Zone, opts.Zone, false},
			{"observations", &s.Observations, opts.Observations, false},
		} {
			if err := setText(f.name, f.dst, f.v, f.required); err != nil {
				return nil, err
			}
		}
		if opts.Priority != nil && *opts.Priority != s.Priority {
			if *opts.Priority < 0 {
				return nil, invalid("priority", "must be at least 0")
			}
			prev["priority"], next["priority"] = s.Priority, *opts.Priority
			s.Priority = *opts.Priority
		}
		if opts.AppointmentAt != nil && !opts.AppointmentAt.IsZero() && !opts.AppointmentAt.Equal(s.AppointmentAt) {
			at := opts.AppointmentAt.UTC()
			if s.Custodian != nil {
				if err := e.checkConflicts(ctx, store, s.Custodian.PersonnelRef, *s, at); err != nil {
					return nil, err
				}
			}
			if g := s.ArmedGuard; g != nil && e.checksArmedGuard(g.Mode) {
				if err := e.checkConflicts(ctx, store, g.PersonnelRef, *s, at); err != nil {
					return nil, err
				}
			}
			prev["appointment_at"], next["appointment_at"] = s.AppointmentAt, at
			s.AppointmentAt = at
		}

		var audits []audit.Entry
		if len(next) > 0 {
			audits = append(audits, audit.Entry{ServiceID: s.ID, ActionType: audit.ConfigurationUpdated, Previous: prev, New: next, ActorID: opts.ActorID, Reason: opts.Reason})
		}
		flagChanged := opts.RequiresArmedGuard != nil && *opts.RequiresArmedGuard != s.RequiresArmedGuard
		if flagChanged {
			was := s.RequiresArmedGuard
			released := planning.SetRequiresArmedGuard(s, *opts.RequiresArmedGuard)
			audits = append(audits, audit.Entry{ServiceID: s.ID, ActionType: audit.ArmedGuardRequirement, Previous: was, New: s.RequiresArmedGuard, ActorID: opts.ActorID, Reason: opts.Reason})
			if released != nil {
				audits = append(audits, audit.Entry{ServiceID: s.ID, ActionType: audit.ArmedGuardRemoved, Previous: released.PersonnelRef, ActorID: opts.ActorID, Reason: "armed guard no longer required"})
			}
		}
		if len(audits) == 0 {
			return nil, nil
		}
		planning.Apply(s)
		fields := make([]string, 0, len(next)+1)
		for k := range next {
			fields = append(fields, k)
		}
		if flagChanged {
			fields = append(fields, "requires_armed_guard")
		}
		return &change{
			event:   events.ServiceUpdated,
			payload: events.EventPayload{"folio": s.Folio, "fields": fields, "planned_state": s.State},
			audits:  audits,
		}, nil
	})
}

type CancelOptions struct {
	ServiceID string
	Reason    string
	ActorID   string
}

// CancelService moves the service to cancelado. Cancelling twice is a no-op.
func (e Engine) CancelService(ctx context.Context, opts CancelOptions) (Result, error) {
	return e.mutate(ctx, "cancel_service", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		now := e.now()
		patterns := e.config().ClientReasonMatchers()
		noop, err := planning.EnsureCancellable(s.State, s.AppointmentAt, now, opts.Reason, patterns)
		switch {
		case errors.Is(err, planning.ErrReasonRequired):
			return nil, requireReason(opts.Reason)
		case err != nil:
			return nil, transitionError(err)
		case noop:
			return nil, nil
		}
		previous := s.State
		reason := strings.TrimSpace(opts.Reason)
		s.State = domain.StateCancelled
		s.CancelledAt = &now
		s.Observations = planning.AppendNote(s.Observations, planning.CancellationNote(now.In(e.config().Location()), reason))
		payload := events.EventPayload{
			"folio":            s.Folio,
			"reason":           reason,
			"previous_state":   previous,
			"client_initiated": planning.ClientInitiated(reason, patterns),
		}
		if s.Custodian != nil {
			payload["custodian_name"], payload["custodian_phone"] = s.Custodian.Name, s.Custodian.Phone
		}
		if s.ArmedGuard != nil {
			payload["armed_guard_name"], payload["armed_guard_phone"] = s.ArmedGuard.Name, s.ArmedGuard.Phone
		}
		return &change{
			event:   events.ServiceCancelled,
			payload: payload,
			audits: []audit.Entry{{
				ServiceID: s.ID, ActionType: audit.ServiceCancelled, Previous: string(previous), New: string(s.State),
				ActorID: opts.ActorID, Reason: reason,
			}},
		}, nil
	})
}

func (e Engine) GetService(ctx context.Context, id string) (domain.ScheduledService, error) {
	if err := checkID("service_id", id); err != nil {
		return domain.ScheduledService{}, err
	}
	s, err := e.Repo.GetService(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("service %s: %w", id, repo.ErrNotFound)
	}
	return s, storeErr("get service", err)
}

// ListServicesOptions filters a listing. Day is a YYYY-MM-DD date in the
// scheduling timezone and overrides From and To.
type ListServicesOptions struct {
	States        []domain.PlannedState
	Day           string
	From          *time.Time
	To            *time.Time
	PersonnelID   string
	PersonnelName string
	Limit         int
}

func (e Engine) ListServices(ctx context.Context, opts ListServicesOptions) ([]domain.ScheduledService, error) {
	f := repo.ServiceFilters{States: opts.States, From: opts.From, To: opts.To, Limit: opts.Limit}
	for _, st := range opts.States {
		if !st.Valid() {
			return nil, invalid("state", "%q is not a planned state", st)
		}
	}
	if opts.Day != "" {
		from, to, err := e.dayBounds(opts.Day)
		if err != nil {
			return nil, err
		}
		f.From, f.To = &from, &to
	}
	if opts.PersonnelID != "" || opts.PersonnelName != "" {
		if opts.PersonnelID != "" {
			if err := checkID("personnel_id", opts.PersonnelID); err != nil {
				return nil, err
			}
		}
		f.Personnel = &domain.PersonnelRef{ID: opts.PersonnelID, Name: strings.TrimSpace(opts.PersonnelName)}
	}
	list, err := e.Repo.ListServices(ctx, f)
	return list, storeErr("list services", err)
}

// dayBounds returns the UTC instants spanning a local calendar day.
func (e Engine) dayBounds(day string) (time.Time, time.Time, error) {
	loc := e.config().Location()
	d, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, invalid("day", "must be YYYY-MM-DD")
	}
	return d.UTC(), d.AddDate(0, 0, 1).Add(-time.Second).UTC(), nil
}

// History returns the modification trail of a service, oldest first.
func (e Engine) History(ctx context.Context, serviceID string, limit int) ([]domain.ModificationLogEntry, error) {
	if err := checkID("service_id", serviceID); err != nil {
		return nil, err
	}
	entries, err := e.Repo.ListModifications(ctx, serviceID, limit)
	return entries, storeErr("list history", err)
}

type CheckConflictsOptions struct {
	Personnel        domain.PersonnelRef
	At               time.Time
	ExcludeServiceID string
}

// CheckConflicts is the read-side check. It follows the configured fail policy.
func (e Engine) CheckConflicts(ctx context.Context, opts CheckConflictsOptions) (conflict.Result, error) {
	if opts.Personnel.ID != "" {
		if err := checkID("personnel_id", opts.Personnel.ID); err != nil {
			return conflict.Result{}, err
		}
	}
	if opts.Personnel.Empty() {
		return conflict.Result{}, invalid("personnel", "requires an id or a name")
	}
	if opts.At.IsZero() {
		return conflict.Result{}, invalid("at", "is required")
	}
	res, err := e.detector(e.Repo, false).Check(ctx, conflict.Query{Personnel: opts.Personnel, At: opts.At.UTC(), ExcludeServiceID: opts.ExcludeServiceID})
	return res, storeErr("check conflicts", err)
}

func (e Engine) checksArmedGuard(mode domain.ArmedGuardMode) bool {
	return e.config().Conflicts.CheckArmedGuards && mode == domain.ModeInternal
}
