package server

import (
	"time"

	"custodia/internal/domain"
)

type CreateServiceRequest struct {
	Folio              string    `json:"folio,omitempty" maxLength:"64"`
	ClientName         string    `json:"client_name" minLength:"1"`
	ClientContact      string    `json:"client_contact,omitempty"`
	Origin             string    `json:"origin" minLength:"1"`
	Destination        string    `json:"destination" minLength:"1"`
	AppointmentAt      time.Time `json:"appointment_at"`
	ServiceType        string    `json:"service_type,omitempty"`
	Zone               string    `json:"zone,omitempty"`
	Priority           int       `json:"priority,omitempty" minimum:"0"`
	RequiresArmedGuard bool      `json:"requires_armed_guard,omitempty"`
	Observations       string    `json:"observations,omitempty"`
	RequestID          string    `json:"request_id,omitempty" maxLength:"128" doc:"Client key that makes retried creates return the first result"`
}

type UpdateServiceRequest struct {
	Reason             string     `json:"reason,omitempty"`
	ClientName         *string    `json:"client_name,omitempty"`
	ClientContact      *string    `json:"client_contact,omitempty"`
	Origin             *string    `json:"origin,omitempty"`
	Destination        *string    `json:"destination,omitempty"`
	AppointmentAt      *time.Time `json:"appointment_at,omitempty"`
	ServiceType        *string    `json:"service_type,omitempty"`
	Zone               *string    `json:"zone,omitempty"`
	Priority           *int       `json:"priority,omitempty"`
	RequiresArmedGuard *bool      `json:"requires_armed_guard,omitempty"`
	Observations       *string    `json:"observations,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type CustodianRequest struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ArmedGuardRequest struct {
	ID           string     `json:"id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Mode         string     `json:"mode,omitempty" enum:"internal,provider"`
	ProviderID   string     `json:"provider_id,omitempty"`
	MeetingPoint string     `json:"meeting_point,omitempty"`
	MeetingTime  *time.Time `json:"meeting_time,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

type LeaseRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty" minimum:"0"`
}

type PersonnelRequest struct {
	Role              string   `json:"role" enum:"custodian,armed_guard"`
	Name              string   `json:"name" minLength:"1"`
	Phone             string   `json:"phone,omitempty"`
	Zone              string   `json:"zone,omitempty"`
	Lat               *float64 `json:"lat,omitempty"`
	Lon               *float64 `json:"lon,omitempty"`
	ServiceTypes      []string `json:"service_types,omitempty"`
	ExperienceYears   int      `json:"experience_years,omitempty"`
	ServiceCount      int      `json:"service_count,omitempty"`
	AcceptanceRate    float64  `json:"acceptance_rate,omitempty"`
	ResponseRate      float64  `json:"response_rate,omitempty"`
	Rating            float64  `json:"rating,omitempty"`
	ProductivityScore float64  `json:"productivity_score,omitempty"`
	Active            *bool    `json:"active,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id" minLength:"1"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ServiceList struct {
	Items []domain.ScheduledService `json:"items"`
}

type HistoryList struct {
	Items []domain.ModificationLogEntry `json:"items"`
}

type PersonnelList struct {
	Items []domain.Personnel `json:"items"`
}

type EventList struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type StatsResponse struct {
	ByState map[string]int `json:"by_state"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
