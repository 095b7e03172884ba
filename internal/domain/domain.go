package domain

import "time"

// PlannedState is the staffing readiness of a scheduled service.
type PlannedState string

const (
	StatePlanned           PlannedState = "planificado"
	StatePendingAssignment PlannedState = "pendiente_asignacion"
	StateConfirmed         PlannedState = "confirmado"
	StateCancelled         PlannedState = "cancelado"
	StateRejected          PlannedState = "rechazado"
)

// AllStates lists every planned state in lifecycle order.
var AllStates = []PlannedState{StatePlanned, StatePendingAssignment, StateConfirmed, StateCancelled, StateRejected}

func (s PlannedState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// ArmedGuardMode tells whether the armed guard comes from the internal roster or an external provider.
type ArmedGuardMode string

const (
	ModeInternal ArmedGuardMode = "internal"
	ModeProvider ArmedGuardMode = "provider"
)

func (m ArmedGuardMode) Valid() bool {
	return m == ModeInternal || m == ModeProvider
}

// Slot names one of the two personnel slots of a service.
type Slot string

const (
	SlotCustodian  Slot = "custodian"
	SlotArmedGuard Slot = "armed_guard"
)

func (s Slot) Valid() bool {
	return s == SlotCustodian || s == SlotArmedGuard
}

// Role is the directory role of a personnel record.
type Role string

const (
	RoleCustodian  Role = "custodian"
	RoleArmedGuard Role = "armed_guard"
)

func (r Role) Valid() bool {
	return r == RoleCustodian || r == RoleArmedGuard
}

// PersonnelRef identifies the holder of a slot. ID is optional for personnel
// dispatched by name only.
type PersonnelRef struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

func (p PersonnelRef) Empty() bool {
	return p.ID == "" && p.Name == ""
}

// Same reports whether two refs point at the same person.
func (p PersonnelRef) Same(o PersonnelRef) bool {
	if p.ID != "" || o.ID != "" {
		return p.ID == o.ID
	}
	return p.Name != "" && equalFold(p.Name, o.Name)
}

type CustodianAssignment struct {
	PersonnelRef
	AssignedAt time.Time `json:"assigned_at" format:"date-time"`
	AssignedBy string    `json:"assigned_by"`
}

type ArmedGuardAssignment struct {
	PersonnelRef
	Mode         ArmedGuardMode `json:"mode" enum:"internal,provider"`
	ProviderID   string         `json:"provider_id,omitempty"`
	MeetingPoint string         `json:"meeting_point,omitempty"`
	MeetingTime  *time.Time     `json:"meeting_time,omitempty" format:"date-time"`
	AssignedAt   time.Time      `json:"assigned_at" format:"date-time"`
	AssignedBy   string         `json:"assigned_by"`
}

// ScheduledService is a single transport/escort request.
type ScheduledService struct {
	ID                 string                `json:"id"`
	Folio              string                `json:"folio"`
	ClientName         string                `json:"client_name"`
	ClientContact      string                `json:"client_contact,omitempty"`
	Origin             string                `json:"origin"`
	Destination        string                `json:"destination"`
	AppointmentAt      time.Time             `json:"appointment_at" format:"date-time"`
	ServiceType        string                `json:"service_type,omitempty"`
	Zone               string                `json:"zone,omitempty"`
	Priority           int                   `json:"priority"`
	RequiresArmedGuard bool                  `json:"requires_armed_guard"`
	State              PlannedState          `json:"planned_state" enum:"planificado,pendiente_asignacion,confirmado,cancelado,rechazado"`
	Custodian          *CustodianAssignment  `json:"custodian,omitempty"`
	ArmedGuard         *ArmedGuardAssignment `json:"armed_guard,omitempty"`
	Observations       string                `json:"observations,omitempty"`
	CreatedBy          string                `json:"created_by"`
	CreatedAt          time.Time             `json:"created_at" format:"date-time"`
	UpdatedAt          time.Time             `json:"updated_at" format:"date-time"`
	CancelledAt        *time.Time            `json:"cancelled_at,omitempty" format:"date-time"`
	Version            int64                 `json:"version"`
}

// Holds reports whether ref currently occupies either slot.
func (s ScheduledService) Holds(ref PersonnelRef) bool {
	if s.Custodian != nil && s.Custodian.PersonnelRef.Same(ref) {
		return true
	}
	return s.ArmedGuard != nil && s.ArmedGuard.PersonnelRef.Same(ref)
}

// Personnel is a directory record for a custodian or an armed guard.
type Personnel struct {
	ID                string    `json:"id"`
	Role              Role      `json:"role" enum:"custodian,armed_guard"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone,omitempty"`
	Zone              string    `json:"zone,omitempty"`
	Lat               *float64  `json:"lat,omitempty"`
	Lon               *float64  `json:"lon,omitempty"`
	ServiceTypes      []string  `json:"service_types,omitempty"`
	ExperienceYears   int       `json:"experience_years"`
	ServiceCount      int       `json:"service_count"`
	AcceptanceRate    float64   `json:"acceptance_rate"`
	ResponseRate      float64   `json:"response_rate"`
	Rating            float64   `json:"rating"`
	ProductivityScore float64   `json:"productivity_score"`
	Active            bool      `json:"active"`
	UpdatedAt         time.Time `json:"updated_at" format:"date-time"`
}

// Ref returns the slot reference for this person.
func (p Personnel) Ref() PersonnelRef {
	return PersonnelRef{ID: p.ID, Name: p.Name, Phone: p.Phone}
}

// ConflictRecord describes another commitment of a person near a target time.
type ConflictRecord struct {
	ServiceID     string       `json:"service_id"`
	Folio         string       `json:"folio,omitempty"`
	ClientName    string       `json:"client_name"`
	Origin        string       `json:"origin"`
	Destination   string       `json:"destination"`
	AppointmentAt time.Time    `json:"appointment_at" format:"date-time"`
	State         PlannedState `json:"planned_state,omitempty"`
	Source        string       `json:"source" enum:"exact,window"`
}

// ModificationLogEntry is one append-only audit row.
type ModificationLogEntry struct {
	ID            int64     `json:"id"`
	ServiceID     string    `json:"service_id"`
	ActionType    string    `json:"action_type"`
	PreviousValue string    `json:"previous_value,omitempty"`
	NewValue      string    `json:"new_value,omitempty"`
	ActorID       string    `json:"actor_id"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

type Lease struct {
	ServiceID  string    `json:"service_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at" format:"date-time"`
	ExpiresAt  time.Time `json:"expires_at" format:"date-time"`
}

// Event is an outbox row consumed by the notification dispatcher.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
