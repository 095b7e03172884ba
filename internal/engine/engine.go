package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"custodia/internal/audit"
	"custodia/internal/cache"
	"custodia/internal/config"
	"custodia/internal/domain"
	"custodia/internal/engine/conflict"
	"custodia/internal/engine/planning"
	"custodia/internal/events"
	"custodia/internal/metrics"
	"custodia/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Audit  audit.Recorder
	Cache  cache.Invalidator
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
}

// New wires an engine with a synchronous audit writer and no cache publisher.
func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Logger: logger,
		Cache:  cache.Nop{},
		Now:    time.Now,
	}
	e.Audit = audit.Writer{Store: r, Logger: logger}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) outbox() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// Result is the outcome of every assignment operation.
type Result struct {
	Service domain.ScheduledService `json:"service"`
	State   domain.PlannedState     `json:"planned_state"`

	// Changed is false when the call repeated an intent already applied.
	Changed bool `json:"changed"`
}

// change is what a mutation wants persisted beside the service row.
type change struct {
	event   string
	payload events.EventPayload
	audits  []audit.Entry
}

type mutation func(ctx context.Context, tx repo.Repo, s *domain.ScheduledService) (*change, error)

// detector builds a conflict detector over store. Strict detectors ignore
// the configured fail policy.
func (e Engine) detector(store conflict.Store, strict bool) conflict.Detector {
	cfg := e.config()
	d := conflict.Detector{
		Store:  store,
		Window: cfg.ConflictWindow(),
		Policy: cfg.Conflicts.FailPolicy,
		Logger: e.logger(),
	}
	if strict {
		return d.Strict()
	}
	return d
}

// mutate runs fn against the current row inside one IMMEDIATE transaction.
// A nil change means nothing to write. Caller cancellation does not abort
// the write once started.
func (e Engine) mutate(ctx context.Context, op, serviceID, actorID string, fn mutation) (res Result, err error) {
	defer func() { metrics.Operation(op, resultLabel(err, res.Changed)) }()
	if err := checkID("service_id", serviceID); err != nil {
		return Result{}, err
	}
	if actorID == "" {
		return Result{}, invalid("actor_id", "is required")
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, storeErr("begin "+op, err)
	}
	defer tx.Rollback()
	store := e.Repo.Tx(tx)

	s, err := store.GetService(ctx, serviceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, fmt.Errorf("service %s: %w", serviceID, repo.ErrNotFound)
		}
		return Result{}, storeErr("load service", err)
	}
	if err := e.checkLease(ctx, store, serviceID, actorID); err != nil {
		return Result{}, err
	}
	version := s.Version
	ch, err := fn(ctx, store, &s)
	if err != nil {
		return Result{}, err
	}
	if ch == nil {
		return Result{Service: s, State: s.State}, nil
	}
	s.UpdatedAt = e.now()
	if err := store.UpdateService(ctx, s, version); err != nil {
		return Result{}, storeErr("update service", err)
	}
	if err := e.outbox().Append(ctx, tx, ch.event, s.ID, actorID, ch.payload); err != nil {
		return Result{}, storeErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, storeErr("commit "+op, err)
	}
	s.Version = version + 1
	e.afterCommit(ctx, s, ch)
	return Result{Service: s, State: s.State, Changed: true}, nil
}

// afterCommit records audit rows and publishes the cache notice. Neither can
// fail the operation.
func (e Engine) afterCommit(ctx context.Context, s domain.ScheduledService, ch *change) {
	if e.Audit != nil {
		for _, entry := range ch.audits {
			if entry.At.IsZero() {
				entry.At = s.UpdatedAt
			}
			e.Audit.Record(ctx, entry)
		}
	}
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, cache.Notice{ServiceID: s.ID, Event: ch.event, Version: s.Version, At: s.UpdatedAt})
	}
}

// checkConflicts runs a strict re-check inside the write transaction.
func (e Engine) checkConflicts(ctx context.Context, store repo.Repo, ref domain.PersonnelRef, s domain.ScheduledService, at time.Time) error {
	res, err := e.detector(store, true).Check(ctx, conflict.Query{Personnel: ref, At: at, ExcludeServiceID: s.ID})
	if err != nil {
		return storeErr("conflict check", err)
	}
	if res.HasConflicts {
		metrics.ConflictDetected()
		e.logger().Info("assignment rejected by schedule conflict",
			zap.String("service_id", s.ID),
			zap.String("personnel_id", ref.ID),
			zap.String("personnel_name", ref.Name),
			zap.Int("conflicts", len(res.Conflicts)))
		return &ConflictError{Personnel: ref, At: at, Conflicts: res.Conflicts}
	}
	return nil
}

func ensureMutable(s domain.ScheduledService) error {
	if err := planning.EnsureMutable(s.State); err != nil {
		return transitionError(err)
	}
	return nil
}

func requireReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return &ValidationError{Field: "reason", Message: planning.ErrReasonRequired.Error(), Err: planning.ErrReasonRequired}
	}
	return nil
}
