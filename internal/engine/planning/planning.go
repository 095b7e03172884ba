// Package planning owns the planned-state lifecycle of a scheduled service.
// Everything here is pure; state is always derived from the slots, never stored
// as an independent decision.
package planning

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"custodia/internal/domain"
)

var (
	ErrCancelled      = errors.New("service is cancelled; no further changes are allowed")
	ErrReasonRequired = errors.New("a reason is required")
	ErrStarted        = errors.New("service has already started; only a client-initiated cancellation is allowed")
)

// Slots is the staffing snapshot the transition rule is evaluated on.
type Slots struct {
	CustodianSet       bool
	ArmedGuardSet      bool
	RequiresArmedGuard bool
}

func SlotsOf(s domain.ScheduledService) Slots {
	return Slots{
		CustodianSet:       s.Custodian != nil,
		ArmedGuardSet:      s.ArmedGuard != nil,
		RequiresArmedGuard: s.RequiresArmedGuard,
	}
}

// Derive maps a slot snapshot to its planned state. It never yields
// cancelado or rechazado: those come from explicit operations.
func Derive(sl Slots) domain.PlannedState {
	if !sl.CustodianSet {
		if !sl.ArmedGuardSet && !sl.RequiresArmedGuard {
			return domain.StatePlanned
		}
		return domain.StatePendingAssignment
	}
	if !sl.RequiresArmedGuard || sl.ArmedGuardSet {
		return domain.StateConfirmed
	}
	return domain.StatePendingAssignment
}

// Apply re-derives the state of s in place. Cancelled services are left alone.
func Apply(s *domain.ScheduledService) domain.PlannedState {
	if s.State == domain.StateCancelled {
		return s.State
	}
	s.State = Derive(SlotsOf(*s))
	return s.State
}

// SetRequiresArmedGuard flips the requirement flag and re-derives the state.
// Turning the requirement off releases an assigned armed guard, which is
// returned so callers can record it.
func SetRequiresArmedGuard(s *domain.ScheduledService, requires bool) *domain.ArmedGuardAssignment {
	var released *domain.ArmedGuardAssignment
	if s.RequiresArmedGuard && !requires && s.ArmedGuard != nil {
		released = s.ArmedGuard
		s.ArmedGuard = nil
	}
	s.RequiresArmedGuard = requires
	Apply(s)
	return released
}

// EnsureMutable rejects slot or configuration changes on a terminal service.
func EnsureMutable(state domain.PlannedState) error {
	if state == domain.StateCancelled {
		return ErrCancelled
	}
	return nil
}

// EnsureCancellable reports whether a cancellation may proceed. noop is true
// when the service is already cancelled. Once the appointment has started the
// reason must match one of the client-initiated patterns.
func EnsureCancellable(state domain.PlannedState, appointment, now time.Time, reason string, patterns []*regexp.Regexp) (noop bool, err error) {
	if state == domain.StateCancelled {
		return true, nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return false, ErrReasonRequired
	}
	if now.Before(appointment) {
		return false, nil
	}
	if ClientInitiated(reason, patterns) {
		return false, nil
	}
	return false, ErrStarted
}

// ClientInitiated reports whether reason matches any pattern.
func ClientInitiated(reason string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re != nil && re.MatchString(reason) {
			return true
		}
	}
	return false
}

// EnsureDeclinable allows a decline only before the service is confirmed.
func EnsureDeclinable(state domain.PlannedState) error {
	switch state {
	case domain.StatePlanned, domain.StatePendingAssignment:
		return nil
	case domain.StateCancelled:
		return ErrCancelled
	}
	return fmt.Errorf("cannot decline an assignment of a %s service", state)
}

// CancellationNote formats the line appended to the observations on cancel.
func CancellationNote(at time.Time, reason string) string {
	return fmt.Sprintf("[CANCELADO %s] Motivo: %s", at.Format("2006-01-02 15:04"), strings.TrimSpace(reason))
}

// AppendNote adds note to observations on its own line.
func AppendNote(observations, note string) string {
	if strings.TrimSpace(observations) == "" {
		return note
	}
	return strings.TrimRight(observations, "\n") + "\n" + note
}
