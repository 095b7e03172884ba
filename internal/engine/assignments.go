package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"custodia/internal/audit"
	"custodia/internal/domain"
	"custodia/internal/engine/planning"
	"custodia/internal/events"
	"custodia/internal/repo"
)

// CustodianOptions names the custodian for an assign or reassign. Reason is
// required for reassignment only.
type CustodianOptions struct {
	ServiceID string
	Custodian domain.PersonnelRef
	Reason    string
	ActorID   string
}

// ArmedGuardOptions names the armed guard. Internal guards are identified by
// their personnel id; provider guards by ProviderID plus a name.
type ArmedGuardOptions struct {
	ServiceID    string
	ArmedGuard   domain.PersonnelRef
	Mode         domain.ArmedGuardMode
	ProviderID   string
	MeetingPoint string
	MeetingTime  *time.Time
	Reason       string
	ActorID      string
}

type SlotOptions struct {
	ServiceID string
	Slot      domain.Slot
	Reason    string
	ActorID   string
}

// AssignCustodian fills an empty custodian slot after a strict conflict
// re-check. Repeating the call for the current holder is a no-op.
func (e Engine) AssignCustodian(ctx context.Context, opts CustodianOptions) (Result, error) {
	if err := checkCandidate("custodian", opts.Custodian); err != nil {
		return Result{}, err
	}
	return e.mutate(ctx, "assign_custodian", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		if err := ensureMutable(*s); err != nil {
			return nil, err
		}
		if s.Custodian != nil {
			if s.Custodian.Same(opts.Custodian) {
				return nil, nil
			}
			return nil, invalid("custodian", "slot is held by %s; use reassign to replace", holder(s.Custodian.PersonnelRef))
		}
		ref, err := e.resolvePersonnel(ctx, store, "custodian", opts.Custodian, domain.RoleCustodian)
		if err != nil {
			return nil, err
		}
		if err := e.checkConflicts(ctx, store, ref, *s, s.AppointmentAt); err != nil {
			return nil, err
		}
		s.Custodian = &domain.CustodianAssignment{PersonnelRef: ref, AssignedAt: e.now(), AssignedBy: opts.ActorID}
		planning.Apply(s)
		return &change{
			event:   events.CustodianAssigned,
			payload: assignmentPayload(*s, ref),
			audits:  []audit.Entry{{ServiceID: s.ID, ActionType: audit.CustodianAssigned, New: ref, ActorID: opts.ActorID}},
		}, nil
	})
}

// ReassignCustodian swaps the current custodian for another one.
func (e Engine) ReassignCustodian(ctx context.Context, opts CustodianOptions) (Result, error) {
	if err := requireReason(opts.Reason); err != nil {
		return Result{}, err
	}
	if err := checkCandidate("custodian", opts.Custodian); err != nil {
		return Result{}, err
	}
	return e.mutate(ctx, "reassign_custodian", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		if err := ensureMutable(*s); err != nil {
			return nil, err
		}
		if s.Custodian == nil {
			return nil, invalid("custodian", "slot is empty; use assign")
		}
		if s.Custodian.Same(opts.Custodian) {
			return nil, nil
		}
		ref, err := e.resolvePersonnel(ctx, store, "custodian", opts.Custodian, domain.RoleCustodian)
		if err != nil {
			return nil, err
		}
		if err := e.checkConflicts(ctx, store, ref, *s, s.AppointmentAt); err != nil {
			return nil, err
		}
		previous := s.Custodian.PersonnelRef
		s.Custodian = &domain.CustodianAssignment{PersonnelRef: ref, AssignedAt: e.now(), AssignedBy: opts.ActorID}
		planning.Apply(s)
		payload := assignmentPayload(*s, ref)
		payload["previous"] = previous
		return &change{
			event:   events.CustodianReassigned,
			payload: payload,
			audits: []audit.Entry{{
				ServiceID: s.ID, ActionType: audit.CustodianReassigned, Previous: previous, New: ref,
				ActorID: opts.ActorID, Reason: strings.TrimSpace(opts.Reason),
			}},
		}, nil
	})
}

// AssignArmedGuard fills an empty armed-guard slot on a service that requires
// one. Internal guards are conflict-checked only when configured.
func (e Engine) AssignArmedGuard(ctx context.Context, opts ArmedGuardOptions) (Result, error) {
	if err := checkCandidate("armed_guard", opts.ArmedGuard); err != nil {
		return Result{}, err
	}
	return e.mutate(ctx, "assign_armed_guard", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		if err := ensureMutable(*s); err != nil {
			return nil, err
		}
		if !s.RequiresArmedGuard {
			return nil, invalid("armed_guard", "service does not require an armed guard")
		}
		g, err := e.resolveArmedGuard(ctx, store, opts)
		if err != nil {
			return nil, err
		}
		if s.ArmedGuard != nil {
			if !sameGuard(*s.ArmedGuard, g) {
				return nil, invalid("armed_guard", "slot is held by %s; use reassign to replace", holder(s.ArmedGuard.PersonnelRef))
			}
			return e.updateMeeting(s, g, opts)
		}
		if e.checksArmedGuard(g.Mode) {
			if err := e.checkConflicts(ctx, store, g.PersonnelRef, *s, s.AppointmentAt); err != nil {
				return nil, err
			}
		}
		g.AssignedAt, g.AssignedBy = e.now(), opts.ActorID
		s.ArmedGuard = &g
		planning.Apply(s)
		payload := assignmentPayload(*s, g.PersonnelRef)
		payload["mode"] = g.Mode
		return &change{
			event:   events.ArmedGuardAssigned,
			payload: payload,
			audits:  []audit.Entry{{ServiceID: s.ID, ActionType: audit.ArmedGuardAssigned, New: guardValue(g), ActorID: opts.ActorID}},
		}, nil
	})
}

// ReassignArmedGuard swaps the current armed guard for another one.
func (e Engine) ReassignArmedGuard(ctx context.Context, opts ArmedGuardOptions) (Result, error) {
	if err := requireReason(opts.Reason); err != nil {
		return Result{}, err
	}
	if err := checkCandidate("armed_guard", opts.ArmedGuard); err != nil {
		return Result{}, err
	}
	return e.mutate(ctx, "reassign_armed_guard", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		if err := ensureMutable(*s); err != nil {
			return nil, err
		}
		if s.ArmedGuard == nil {
			return nil, invalid("armed_guard", "slot is empty; use assign")
		}
		g, err := e.resolveArmedGuard(ctx, store, opts)
		if err != nil {
			return nil, err
		}
		if sameGuard(*s.ArmedGuard, g) {
			return nil, nil
		}
		if e.checksArmedGuard(g.Mode) {
			if err := e.checkConflicts(ctx, store, g.PersonnelRef, *s, s.AppointmentAt); err != nil {
				return nil, err
			}
		}
		previous := *s.ArmedGuard
		g.AssignedAt, g.AssignedBy = e.now(), opts.ActorID
		s.ArmedGuard = &g
		planning.Apply(s)
		payload := assignmentPayload(*s, g.PersonnelRef)
		payload["mode"] = g.Mode
		payload["previous"] = previous.PersonnelRef
		return &change{
			event:   events.ArmedGuardReassigned,
			payload: payload,
			audits: []audit.Entry{{
				ServiceID: s.ID, ActionType: audit.ArmedGuardReassigned, Previous: guardValue(previous), New: guardValue(g),
				ActorID: opts.ActorID, Reason: strings.TrimSpace(opts.Reason),
			}},
		}, nil
	})
}

// RemoveAssignment clears a slot and re-derives the state. Removing from an
// empty slot is a no-op.
func (e Engine) RemoveAssignment(ctx context.Context, opts SlotOptions) (Result, error) {
	if err := requireReason(opts.Reason); err != nil {
		return Result{}, err
	}
	if !opts.Slot.Valid() {
		return Result{}, invalid("slot", "must be custodian or armed_guard")
	}
	return e.mutate(ctx, "remove_assignment", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		if err := ensureMutable(*s); err != nil {
			return nil, err
		}
		previous, action := clearSlot(s, opts.Slot, audit.CustodianRemoved, audit.ArmedGuardRemoved)
		if previous == nil {
			return nil, nil
		}
		planning.Apply(s)
		return &change{
			event:   events.AssignmentRemoved,
			payload: events.EventPayload{"folio": s.Folio, "slot": opts.Slot, "previous": previous, "reason": strings.TrimSpace(opts.Reason), "planned_state": s.State},
			audits: []audit.Entry{{
				ServiceID: s.ID, ActionType: action, Previous: previous, ActorID: opts.ActorID, Reason: strings.TrimSpace(opts.Reason),
			}},
		}, nil
	})
}

// DeclineAssignment records that the holder of a pending slot turned it down.
// The slot is cleared and the service moves to rechazado until the next slot
// change re-derives it.
func (e Engine) DeclineAssignment(ctx context.Context, opts SlotOptions) (Result, error) {
	if err := requireReason(opts.Reason); err != nil {
		return Result{}, err
	}
	if !opts.Slot.Valid() {
		return Result{}, invalid("slot", "must be custodian or armed_guard")
	}
	return e.mutate(ctx, "decline_assignment", opts.ServiceID, opts.ActorID, func(ctx context.Context, store repo.Repo, s *domain.ScheduledService) (*change, error) {
		if err := planning.EnsureDeclinable(s.State); err != nil {
			return nil, transitionError(err)
		}
		previous, _ := clearSlot(s, opts.Slot, audit.AssignmentDeclined, audit.AssignmentDeclined)
		if previous == nil {
			return nil, invalid("slot", "%s slot is empty; nothing to decline", opts.Slot)
		}
		from := s.State
		s.State = domain.StateRejected
		return &change{
			event: events.AssignmentDeclined,
			payload: events.EventPayload{
				"folio": s.Folio, "slot": opts.Slot, "previous": previous, "previous_state": from,
				"reason": strings.TrimSpace(opts.Reason),
			},
			audits: []audit.Entry{{
				ServiceID: s.ID, ActionType: audit.AssignmentDeclined, Previous: previous, New: string(opts.Slot),
				ActorID: opts.ActorID, Reason: strings.TrimSpace(opts.Reason),
			}},
		}, nil
	})
}

// clearSlot empties slot and returns what it held with the matching action.
func clearSlot(s *domain.ScheduledService, slot domain.Slot, custodianAction, guardAction string) (*domain.PersonnelRef, string) {
	switch slot {
	case domain.SlotCustodian:
		if s.Custodian == nil {
			return nil, ""
		}
		ref := s.Custodian.PersonnelRef
		s.Custodian = nil
		return &ref, custodianAction
	case domain.SlotArmedGuard:
		if s.ArmedGuard == nil {
			return nil, ""
		}
		ref := s.ArmedGuard.PersonnelRef
		s.ArmedGuard = nil
		return &ref, guardAction
	}
	return nil, ""
}

// updateMeeting applies new meeting details for the current armed guard.
func (e Engine) updateMeeting(s *domain.ScheduledService, g domain.ArmedGuardAssignment, opts ArmedGuardOptions) (*change, error) {
	cur := s.ArmedGuard
	prev, next := map[string]any{}, map[string]any{}
	if g.MeetingPoint != "" && g.MeetingPoint != cur.MeetingPoint {
		prev["meeting_point"], next["meeting_point"] = cur.MeetingPoint, g.MeetingPoint
		cur.MeetingPoint = g.MeetingPoint
	}
	if g.MeetingTime != nil && (cur.MeetingTime == nil || !cur.MeetingTime.Equal(*g.MeetingTime)) {
		prev["meeting_time"], next["meeting_time"] = cur.MeetingTime, g.MeetingTime
		cur.MeetingTime = g.MeetingTime
	}
	if len(next) == 0 {
		return nil, nil
	}
	return &change{
		event:   events.ServiceUpdated,
		payload: events.EventPayload{"folio": s.Folio, "fields": []string{"meeting"}, "planned_state": s.State},
		audits:  []audit.Entry{{ServiceID: s.ID, ActionType: audit.ConfigurationUpdated, Previous: prev, New: next, ActorID: opts.ActorID}},
	}, nil
}

// checkCandidate rejects a malformed personnel id before any slot rule runs.
func checkCandidate(field string, ref domain.PersonnelRef) error {
	if id := strings.TrimSpace(ref.ID); id != "" {
		return checkID(field+"_id", id)
	}
	return nil
}

// resolvePersonnel validates ref and completes it from the directory. A
// name-only ref takes the id of the single directory record of role with that
// name; with no match, or several, it stays dispatched by name.
func (e Engine) resolvePersonnel(ctx context.Context, store repo.Repo, field string, ref domain.PersonnelRef, role domain.Role) (domain.PersonnelRef, error) {
	ref.ID = strings.TrimSpace(ref.ID)
	ref.Name = strings.TrimSpace(ref.Name)
	ref.Phone = strings.TrimSpace(ref.Phone)
	var p domain.Personnel
	if ref.ID == "" {
		if ref.Name == "" {
			return ref, invalid(field, "requires an id or a name")
		}
		matches, err := store.FindPersonnelByName(ctx, role, ref.Name)
		if err != nil {
			return ref, storeErr("find personnel", err)
		}
		if len(matches) != 1 {
			return ref, nil
		}
		p = matches[0]
		ref.ID = p.ID
	} else {
		if err := checkID(field+"_id", ref.ID); err != nil {
			return ref, err
		}
		var err error
		p, err = store.GetPersonnel(ctx, ref.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if ref.Name == "" {
				return ref, invalid(field+"_id", "%s is not in the personnel directory", ref.ID)
			}
			return ref, nil
		case err != nil:
			return ref, storeErr("load personnel", err)
		}
	}
	if p.Role != role {
		return ref, invalid(field, "%s is registered as %s", p.Name, p.Role)
	}
	if !p.Active {
		return ref, invalid(field, "%s is inactive", p.Name)
	}
	if ref.Name == "" {
		ref.Name = p.Name
	}
	if ref.Phone == "" {
		ref.Phone = p.Phone
	}
	return ref, nil
}

func (e Engine) resolveArmedGuard(ctx context.Context, store repo.Repo, opts ArmedGuardOptions) (domain.ArmedGuardAssignment, error) {
	mode := opts.Mode
	if mode == "" {
		mode = domain.ModeInternal
		if opts.ProviderID != "" {
			mode = domain.ModeProvider
		}
	}
	g := domain.ArmedGuardAssignment{Mode: mode, MeetingPoint: strings.TrimSpace(opts.MeetingPoint)}
	if opts.MeetingTime != nil && !opts.MeetingTime.IsZero() {
		mt := opts.MeetingTime.UTC()
		g.MeetingTime = &mt
	}
	switch mode {
	case domain.ModeInternal:
		if opts.ProviderID != "" {
			return g, invalid("provider_id", "must be empty for an internal armed guard")
		}
		if strings.TrimSpace(opts.ArmedGuard.ID) == "" {
			return g, invalid("armed_guard_id", "is required for an internal armed guard")
		}
		ref, err := e.resolvePersonnel(ctx, store, "armed_guard", opts.ArmedGuard, domain.RoleArmedGuard)
		if err != nil {
			return g, err
		}
		g.PersonnelRef = ref
	case domain.ModeProvider:
		if err := checkID("provider_id", opts.ProviderID); err != nil {
			return g, err
		}
		if strings.TrimSpace(opts.ArmedGuard.ID) != "" {
			return g, invalid("armed_guard_id", "must be empty for a provider armed guard")
		}
		g.Name = strings.TrimSpace(opts.ArmedGuard.Name)
		g.Phone = strings.TrimSpace(opts.ArmedGuard.Phone)
		if g.Name == "" {
			return g, invalid("armed_guard_name", "is required for a provider armed guard")
		}
		g.ProviderID = opts.ProviderID
	default:
		return g, invalid("mode", "must be internal or provider")
	}
	return g, nil
}

func sameGuard(a, b domain.ArmedGuardAssignment) bool {
	if a.Mode != b.Mode {
		return false
	}
	if a.Mode == domain.ModeProvider {
		return a.ProviderID == b.ProviderID && a.PersonnelRef.Same(b.PersonnelRef)
	}
	return a.ID != "" && a.ID == b.ID
}

func guardValue(g domain.ArmedGuardAssignment) map[string]any {
	v := map[string]any{"mode": g.Mode, "name": g.Name}
	if g.ID != "" {
		v["id"] = g.ID
	}
	if g.ProviderID != "" {
		v["provider_id"] = g.ProviderID
	}
	return v
}

func assignmentPayload(s domain.ScheduledService, ref domain.PersonnelRef) events.EventPayload {
	return events.EventPayload{
		"folio":          s.Folio,
		"appointment_at": s.AppointmentAt.Format(time.RFC3339),
		"origin":         s.Origin,
		"destination":    s.Destination,
		"personnel_id":   ref.ID,
		"personnel_name": ref.Name,
		"phone":          ref.Phone,
		"planned_state":  s.State,
	}
}

func holder(ref domain.PersonnelRef) string {
	if ref.Name != "" {
		return ref.Name
	}
	return ref.ID
}
