package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"custodia/internal/domain"
	"custodia/internal/repo"
)

// ValidationError is a rejected input. Message is safe to show an operator.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// invalid builds a ValidationError whose message starts with field.
func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: field + " " + fmt.Sprintf(format, args...)}
}

func checkID(field, id string) error {
	if err := domain.ValidateID(field, id); err != nil {
		return &ValidationError{Field: field, Message: err.Error(), Err: err}
	}
	return nil
}

// transitionError wraps a planning rule violation.
func transitionError(err error) error {
	return &ValidationError{Field: "planned_state", Message: err.Error(), Err: err}
}

// ConflictError reports that the candidate already holds nearby services.
type ConflictError struct {
	Personnel domain.PersonnelRef
	At        time.Time
	Conflicts []domain.ConflictRecord
}

func (e *ConflictError) Error() string {
	who := e.Personnel.Name
	if who == "" {
		who = e.Personnel.ID
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		label := c.Folio
		if label == "" {
			label = c.ServiceID
		}
		parts = append(parts, fmt.Sprintf("%s (%s, %s → %s, %s)", label, c.ClientName, c.Origin, c.Destination, c.AppointmentAt.UTC().Format(time.RFC3339)))
	}
	return fmt.Sprintf("%s has %d conflicting service(s) near %s: %s", who, len(e.Conflicts), e.At.UTC().Format(time.RFC3339), strings.Join(parts, "; "))
}

// StoreError is a failed read or write against the store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) || errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrStaleWrite) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// LeaseError means another operator holds the editing lease of the service.
type LeaseError struct {
	ServiceID string
	OwnerID   string
	ExpiresAt time.Time
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("service %s is being edited by %s until %s", e.ServiceID, e.OwnerID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// resultLabel classifies an operation outcome for metrics.
func resultLabel(err error, changed bool) string {
	var (
		ve *ValidationError
		ce *ConflictError
		le *LeaseError
	)
	switch {
	case err == nil && !changed:
		return "noop"
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &le):
		return "lease"
	case errors.Is(err, repo.ErrStaleWrite):
		return "stale"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	}
	return "store"
}
