package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"custodia/internal/domain"
	"custodia/internal/engine/conflict"
	"custodia/internal/engine/ranking"
	"custodia/internal/events"
	"custodia/internal/metrics"
	"custodia/internal/repo"
)

// PersonnelOptions is a directory upsert. An empty ID creates a new record.
type PersonnelOptions struct {
	ID                string   `json:"id"`
	Role              string   `json:"role" validate:"required,oneof=custodian armed_guard"`
	Name              string   `json:"name" validate:"required,max=200"`
	Phone             string   `json:"phone" validate:"max=64"`
	Zone              string   `json:"zone" validate:"max=64"`
	Lat               *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon               *float64 `json:"lon" validate:"omitempty,gte=-180,lte=180"`
	ServiceTypes      []string `json:"service_types"`
	ExperienceYears   int      `json:"experience_years" validate:"gte=0"`
	ServiceCount      int      `json:"service_count" validate:"gte=0"`
	AcceptanceRate    float64  `json:"acceptance_rate" validate:"gte=0,lte=1"`
	ResponseRate      float64  `json:"response_rate" validate:"gte=0,lte=1"`
	Rating            float64  `json:"rating" validate:"gte=0,lte=5"`
	ProductivityScore float64  `json:"productivity_score" validate:"gte=0,lte=100"`
	Active            bool     `json:"active"`
	ActorID           string   `json:"actor_id" validate:"required"`
}

func (e Engine) UpsertPersonnel(ctx context.Context, opts PersonnelOptions) (p domain.Personnel, err error) {
	defer func() { metrics.Operation("upsert_personnel", resultLabel(err, true)) }()
	opts.Name = strings.TrimSpace(opts.Name)
	opts.Phone = strings.TrimSpace(opts.Phone)
	opts.Zone = strings.TrimSpace(opts.Zone)
	if err := validateStruct(opts); err != nil {
		return domain.Personnel{}, err
	}
	if (opts.Lat == nil) != (opts.Lon == nil) {
		return domain.Personnel{}, invalid("lat", "and lon must be given together")
	}
	if opts.ID == "" {
		opts.ID = domain.NewID()
	} else if err := checkID("id", opts.ID); err != nil {
		return domain.Personnel{}, err
	}
	types := make([]string, 0, len(opts.ServiceTypes))
	for _, t := range opts.ServiceTypes {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	p = domain.Personnel{
		ID:                opts.ID,
		Role:              domain.Role(opts.Role),
		Name:              opts.Name,
		Phone:             opts.Phone,
		Zone:              opts.Zone,
		Lat:               opts.Lat,
		Lon:               opts.Lon,
		ServiceTypes:      types,
		ExperienceYears:   opts.ExperienceYears,
		ServiceCount:      opts.ServiceCount,
		AcceptanceRate:    opts.AcceptanceRate,
		ResponseRate:      opts.ResponseRate,
		Rating:            opts.Rating,
		ProductivityScore: opts.ProductivityScore,
		Active:            opts.Active,
		UpdatedAt:         e.now(),
	}
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Personnel{}, storeErr("begin upsert_personnel", err)
	}
	defer tx.Rollback()
	store := e.Repo.Tx(tx)
	if err := store.UpsertPersonnel(ctx, p); err != nil {
		return domain.Personnel{}, storeErr("upsert personnel", err)
	}
	payload := events.EventPayload{"role": p.Role, "name": p.Name, "active": p.Active}
	if err := e.outbox().Append(ctx, tx, events.PersonnelUpserted, p.ID, opts.ActorID, payload); err != nil {
		return domain.Personnel{}, storeErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Personnel{}, storeErr("commit upsert_personnel", err)
	}
	return p, nil
}

func (e Engine) GetPersonnel(ctx context.Context, id string) (domain.Personnel, error) {
	if err := checkID("personnel_id", id); err != nil {
		return domain.Personnel{}, err
	}
	p, err := e.Repo.GetPersonnel(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, fmt.Errorf("personnel %s: %w", id, repo.ErrNotFound)
	}
	return p, storeErr("get personnel", err)
}

func (e Engine) ListPersonnel(ctx context.Context, role domain.Role, activeOnly bool) ([]domain.Personnel, error) {
	if role != "" && !role.Valid() {
		return nil, invalid("role", "must be custodian or armed_guard")
	}
	list, err := e.Repo.ListPersonnel(ctx, role, activeOnly)
	return list, storeErr("list personnel", err)
}

// RankOptions selects what to rank candidates for. With a ServiceID the
// service supplies the time, zone and type, and explicit fields override
// them.
type RankOptions struct {
	ServiceID   string
	Role        domain.Role
	At          time.Time
	Zone        string
	ServiceType string
	Lat         *float64
	Lon         *float64
}

// RankCandidates scores the directory for one service. The result is
// advisory; assignment still runs the strict conflict check.
func (e Engine) RankCandidates(ctx context.Context, opts RankOptions) (ranking.Ranking, error) {
	if opts.Role == "" {
		opts.Role = domain.RoleCustodian
	}
	if !opts.Role.Valid() {
		return ranking.Ranking{}, invalid("role", "must be custodian or armed_guard")
	}
	sc := ranking.ServiceContext{At: opts.At, Zone: opts.Zone, ServiceType: opts.ServiceType, Lat: opts.Lat, Lon: opts.Lon}
	if opts.ServiceID != "" {
		s, err := e.GetService(ctx, opts.ServiceID)
		if err != nil {
			return ranking.Ranking{}, err
		}
		if sc.At.IsZero() {
			sc.At = s.AppointmentAt
		}
		if sc.Zone == "" {
			sc.Zone = s.Zone
		}
		if sc.ServiceType == "" {
			sc.ServiceType = s.ServiceType
		}
	}
	if sc.At.IsZero() {
		return ranking.Ranking{}, invalid("at", "is required without a service_id")
	}
	sc.At = sc.At.UTC()

	people, err := e.Repo.ListPersonnel(ctx, opts.Role, false)
	if err != nil {
		return ranking.Ranking{}, storeErr("list personnel", err)
	}
	loc := e.config().Location()
	local := sc.At.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
	dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Second)

	candidates := make([]ranking.Candidate, 0, len(people))
	for _, p := range people {
		c := ranking.Candidate{Personnel: p}
		if p.Active {
			day, err := e.Repo.QueryServicesByPersonnelAndWindow(ctx, p.Ref(), dayStart, dayEnd, conflict.CommittedStates, opts.ServiceID)
			if err != nil {
				return ranking.Ranking{}, storeErr("load workload", err)
			}
			c.ServicesToday = len(day)
			for _, s := range day {
				c.Commitments = append(c.Commitments, s.AppointmentAt)
			}
			if c.LastServiceAt, err = e.Repo.LastServiceBefore(ctx, p.Ref(), sc.At); err != nil {
				return ranking.Ranking{}, storeErr("load last service", err)
			}
		}
		candidates = append(candidates, c)
	}
	return ranking.Rank(candidates, sc), nil
}
