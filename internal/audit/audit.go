// Package audit records the modification trail of scheduled services.
// Recording is best-effort: failures are logged and counted, never returned.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"custodia/internal/domain"
	"custodia/internal/metrics"
)

// Action types written to service_modifications.
const (
	ServiceCreated        = "service.created"
	CustodianAssigned     = "custodian.assigned"
	CustodianReassigned   = "custodian.reassigned"
	CustodianRemoved      = "custodian.removed"
	ArmedGuardAssigned    = "armed_guard.assigned"
	ArmedGuardReassigned  = "armed_guard.reassigned"
	ArmedGuardRemoved     = "armed_guard.removed"
	ServiceCancelled      = "service.cancelled"
	AssignmentDeclined    = "assignment.declined"
	ConfigurationUpdated  = "service.configuration_updated"
	ArmedGuardRequirement = "armed_guard_requirement.changed"
)

// Entry is one modification. Previous and New may be strings or any
// JSON-marshalable value.
type Entry struct {
	ServiceID  string
	ActionType string
	Previous   any
	New        any
	ActorID    string
	Reason     string

	// At defaults to the writer's clock.
	At time.Time
}

// Store is the persistence surface the writer needs.
type Store interface {
	InsertModification(ctx context.Context, m domain.ModificationLogEntry) (int64, error)
}

// Recorder is implemented by Writer and Async.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

type Writer struct {
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

func (w Writer) Record(ctx context.Context, e Entry) {
	if w.Store == nil {
		return
	}
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	at := e.At
	if at.IsZero() {
		if w.Now != nil {
			at = w.Now()
		} else {
			at = time.Now()
		}
	}
	row := domain.ModificationLogEntry{
		ServiceID:     e.ServiceID,
		ActionType:    e.ActionType,
		PreviousValue: Serialize(e.Previous),
		NewValue:      Serialize(e.New),
		ActorID:       e.ActorID,
		Reason:        e.Reason,
		CreatedAt:     at.UTC(),
	}
	if _, err := w.Store.InsertModification(context.WithoutCancel(ctx), row); err != nil {
		metrics.AuditFailure()
		logger.Warn("audit record failed",
			zap.String("service_id", e.ServiceID),
			zap.String("action", e.ActionType),
			zap.Error(err))
	}
}

// Serialize renders a value as text: strings verbatim, nil as empty,
// everything else as JSON.
func Serialize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	if string(data) == "null" {
		return ""
	}
	return string(data)
}

// Async runs a Recorder on a background worker so callers never wait on the
// audit store. Entries are dropped when the queue is full.
type Async struct {
	next   Recorder
	logger *zap.Logger
	queue  chan Entry
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Recorder, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{next: next, logger: logger, queue: make(chan Entry, size), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		a.next.Record(context.Background(), e)
	}
}

func (a *Async) Record(_ context.Context, e Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(e, "closed")
		return
	}
	select {
	case a.queue <- e:
	default:
		a.drop(e, "queue full")
	}
}

func (a *Async) drop(e Entry, why string) {
	metrics.AuditFailure()
	a.logger.Warn("audit record dropped",
		zap.String("reason", why),
		zap.String("service_id", e.ServiceID),
		zap.String("action", e.ActionType))
}

// Close stops accepting entries and waits until queued ones are written.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}
