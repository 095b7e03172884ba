// Package conflict detects schedule clashes for a person around a target
// appointment time.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"custodia/internal/config"
	"custodia/internal/domain"
	"custodia/internal/metrics"
)

const DefaultWindow = 8 * time.Hour

const (
	SourceExact  = "exact"
	SourceWindow = "window"
)

// CommittedStates are the states in which holding a slot blocks the person
// for the surrounding window.
var CommittedStates = []domain.PlannedState{domain.StateConfirmed, domain.StatePendingAssignment}

// Store is the read surface of the detector. repo.Repo satisfies it, bound or
// not to a transaction.
type Store interface {
	ServicesAtExactTime(ctx context.Context, ref domain.PersonnelRef, at time.Time) ([]domain.ScheduledService, error)
	QueryServicesByPersonnelAndWindow(ctx context.Context, ref domain.PersonnelRef, from, to time.Time, states []domain.PlannedState, excludeID string) ([]domain.ScheduledService, error)
}

type Query struct {
	Personnel        domain.PersonnelRef
	At               time.Time
	ExcludeServiceID string
}

type Result struct {
	HasConflicts bool                    `json:"has_conflicts"`
	Conflicts    []domain.ConflictRecord `json:"conflicts"`

	// Degraded is set when a failing check was treated as empty.
	Degraded bool `json:"degraded,omitempty"`
}

type Detector struct {
	Store  Store
	Window time.Duration
	Policy string
	Logger *zap.Logger
}

// Strict returns a copy of d that fails closed.
func (d Detector) Strict() Detector {
	d.Policy = config.FailClosed
	return d
}

func (d Detector) window() time.Duration {
	if d.Window <= 0 {
		return DefaultWindow
	}
	return d.Window
}

func (d Detector) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Check runs the exact-time check and the window scan and merges them by
// service id, preferring exact-time rows.
func (d Detector) Check(ctx context.Context, q Query) (Result, error) {
	res := Result{Conflicts: []domain.ConflictRecord{}}
	if q.Personnel.Empty() {
		return res, fmt.Errorf("personnel id or name is required")
	}
	if q.At.IsZero() {
		return res, fmt.Errorf("appointment time is required")
	}
	exclude := q.ExcludeServiceID
	if !domain.ValidID(exclude) {
		exclude = ""
	}

	merged := map[string]domain.ConflictRecord{}
	exact, err := d.Store.ServicesAtExactTime(ctx, q.Personnel, q.At)
	if err != nil {
		if err := d.degrade(SourceExact, q, err); err != nil {
			return res, err
		}
		res.Degraded = true
	}
	for _, s := range exact {
		if exclude != "" && s.ID == exclude {
			continue
		}
		merged[s.ID] = record(s, SourceExact)
	}

	w := d.window()
	near, err := d.Store.QueryServicesByPersonnelAndWindow(ctx, q.Personnel, q.At.Add(-w), q.At.Add(w), CommittedStates, exclude)
	if err != nil {
		if err := d.degrade(SourceWindow, q, err); err != nil {
			return res, err
		}
		res.Degraded = true
	}
	for _, s := range near {
		if _, ok := merged[s.ID]; ok {
			continue
		}
		merged[s.ID] = record(s, SourceWindow)
	}

	for _, rec := range merged {
		res.Conflicts = append(res.Conflicts, rec)
	}
	sort.Slice(res.Conflicts, func(i, j int) bool {
		a, b := res.Conflicts[i], res.Conflicts[j]
		if !a.AppointmentAt.Equal(b.AppointmentAt) {
			return a.AppointmentAt.Before(b.AppointmentAt)
		}
		return a.ServiceID < b.ServiceID
	})
	res.HasConflicts = len(res.Conflicts) > 0
	return res, nil
}

func (d Detector) degrade(check string, q Query, cause error) error {
	if d.Policy == config.FailClosed {
		return fmt.Errorf("conflict %s check: %w", check, cause)
	}
	metrics.ConflictCheckDegraded(check)
	d.logger().Warn("conflict check failed open; result may miss conflicts",
		zap.String("check", check),
		zap.String("personnel_id", q.Personnel.ID),
		zap.String("personnel_name", q.Personnel.Name),
		zap.Time("at", q.At),
		zap.Error(cause))
	return nil
}

func record(s domain.ScheduledService, source string) domain.ConflictRecord {
	return domain.ConflictRecord{
		ServiceID:     s.ID,
		Folio:         s.Folio,
		ClientName:    s.ClientName,
		Origin:        s.Origin,
		Destination:   s.Destination,
		AppointmentAt: s.AppointmentAt,
		State:         s.State,
		Source:        source,
	}
}
