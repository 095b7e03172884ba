// Package custodiasdk is a small client for the Custodia dispatch API.
package custodiasdk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client calls the dispatch API. Set one of APIKey, BearerToken or ActorID.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string

	// ActorID is sent as X-Actor-Id; servers accept it only when started with
	// --allow-actor-header.
	ActorID string
	Timeout time.Duration

	http *resty.Client
}

// New creates a client for a server root such as http://127.0.0.1:8080/v1.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

type PersonnelRef struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type ArmedGuard struct {
	PersonnelRef
	Mode         string     `json:"mode"`
	ProviderID   string     `json:"provider_id,omitempty"`
	MeetingPoint string     `json:"meeting_point,omitempty"`
	MeetingTime  *time.Time `json:"meeting_time,omitempty"`
}

// Service represents the API service model (partial).
type Service struct {
	ID                 string        `json:"id"`
	Folio              string        `json:"folio"`
	ClientName         string        `json:"client_name"`
	Origin             string        `json:"origin"`
	Destination        string        `json:"destination"`
	AppointmentAt      time.Time     `json:"appointment_at"`
	RequiresArmedGuard bool          `json:"requires_armed_guard"`
	State              string        `json:"planned_state"`
	Custodian          *PersonnelRef `json:"custodian,omitempty"`
	ArmedGuard         *ArmedGuard   `json:"armed_guard,omitempty"`
	Version            int64         `json:"version"`
}

// Result is returned by every write on a service.
type Result struct {
	Service Service `json:"service"`
	State   string  `json:"planned_state"`
	Changed bool    `json:"changed"`
}

type NewService struct {
	Folio              string    `json:"folio,omitempty"`
	ClientName         string    `json:"client_name"`
	ClientContact      string    `json:"client_contact,omitempty"`
	Origin             string    `json:"origin"`
	Destination        string    `json:"destination"`
	AppointmentAt      time.Time `json:"appointment_at"`
	ServiceType        string    `json:"service_type,omitempty"`
	Zone               string    `json:"zone,omitempty"`
	Priority           int       `json:"priority,omitempty"`
	RequiresArmedGuard bool      `json:"requires_armed_guard,omitempty"`
	Observations       string    `json:"observations,omitempty"`
	RequestID          string    `json:"request_id,omitempty"`
}

type ArmedGuardAssignment struct {
	ID           string     `json:"id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	ProviderID   string     `json:"provider_id,omitempty"`
	MeetingPoint string     `json:"meeting_point,omitempty"`
	MeetingTime  *time.Time `json:"meeting_time,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

type Conflict struct {
	ServiceID     string    `json:"service_id"`
	Folio         string    `json:"folio"`
	ClientName    string    `json:"client_name"`
	AppointmentAt time.Time `json:"appointment_at"`
	State         string    `json:"planned_state"`
	Source        string    `json:"source"`
}

type ConflictResult struct {
	HasConflicts bool       `json:"has_conflicts"`
	Conflicts    []Conflict `json:"conflicts"`
	Degraded     bool       `json:"degraded"`
}

type Candidate struct {
	Personnel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"personnel"`
	Availability  string  `json:"availability"`
	ServicesToday int     `json:"services_today"`
	ScoreTotal    float64 `json:"score_total"`
	Reason        string  `json:"reason"`
}

type Ranking struct {
	Disponibles          []Candidate `json:"disponibles"`
	ParcialmenteOcupados []Candidate `json:"parcialmente_ocupados"`
	Ocupados             []Candidate `json:"ocupados"`
	NoDisponibles        []Candidate `json:"no_disponibles"`
}

type HistoryEntry struct {
	ID            int64     `json:"id"`
	ActionType    string    `json:"action_type"`
	PreviousValue string    `json:"previous_value"`
	NewValue      string    `json:"new_value"`
	ActorID       string    `json:"actor_id"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

// IsConflict reports whether err is a schedule conflict rejection.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "schedule_conflict"
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) CreateService(ctx context.Context, in NewService) (Result, error) {
	var out Result
	err := c.do(ctx, resty.MethodPost, "services", in, &out)
	return out, err
}

func (c *Client) GetService(ctx context.Context, id string) (Service, error) {
	var out Service
	err := c.do(ctx, resty.MethodGet, "services/"+url.PathEscape(id), nil, &out)
	return out, err
}

// AssignCustodian fills the custodian slot; set reason to replace the holder.
func (c *Client) AssignCustodian(ctx context.Context, serviceID string, who PersonnelRef, reason string) (Result, error) {
	body := map[string]string{"id": who.ID, "name": who.Name, "phone": who.Phone, "reason": reason}
	method := resty.MethodPost
	if reason != "" {
		method = resty.MethodPut
	}
	var out Result
	err := c.do(ctx, method, "services/"+url.PathEscape(serviceID)+"/custodian", body, &out)
	return out, err
}

// AssignArmedGuard fills the armed-guard slot; set Reason to replace the holder.
func (c *Client) AssignArmedGuard(ctx context.Context, serviceID string, in ArmedGuardAssignment) (Result, error) {
	method := resty.MethodPost
	if in.Reason != "" {
		method = resty.MethodPut
	}
	var out Result
	err := c.do(ctx, method, "services/"+url.PathEscape(serviceID)+"/armed-guard", in, &out)
	return out, err
}

func (c *Client) RemoveAssignment(ctx context.Context, serviceID, slot, reason string) (Result, error) {
	var out Result
	endpoint := fmt.Sprintf("services/%s/assignments/%s/remove", url.PathEscape(serviceID), url.PathEscape(slot))
	err := c.do(ctx, resty.MethodPost, endpoint, map[string]string{"reason": reason}, &out)
	return out, err
}

func (c *Client) CancelService(ctx context.Context, serviceID, reason string) (Result, error) {
	var out Result
	err := c.do(ctx, resty.MethodPost, "services/"+url.PathEscape(serviceID)+"/cancel", map[string]string{"reason": reason}, &out)
	return out, err
}

// CheckConflicts lists commitments of a person near at.
func (c *Client) CheckConflicts(ctx context.Context, who PersonnelRef, at time.Time, excludeServiceID string) (ConflictResult, error) {
	q := url.Values{}
	q.Set("at", at.UTC().Format(time.RFC3339))
	if who.ID != "" {
		q.Set("personnel_id", who.ID)
	}
	if who.Name != "" {
		q.Set("personnel_name", who.Name)
	}
	if excludeServiceID != "" {
		q.Set("exclude_service_id", excludeServiceID)
	}
	var out ConflictResult
	err := c.do(ctx, resty.MethodGet, "conflicts?"+q.Encode(), nil, &out)
	return out, err
}

// Rank returns candidates for a service, role custodian or armed_guard.
func (c *Client) Rank(ctx context.Context, serviceID, role string) (Ranking, error) {
	q := url.Values{}
	q.Set("service_id", serviceID)
	if role != "" {
		q.Set("role", role)
	}
	var out Ranking
	err := c.do(ctx, resty.MethodGet, "rankings?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, serviceID string) ([]HistoryEntry, error) {
	var out struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, resty.MethodGet, "services/"+url.PathEscape(serviceID)+"/history", nil, &out)
	return out.Items, err
}

func (c *Client) client() *resty.Client {
	if c.http == nil {
		c.http = resty.New().SetTimeout(c.Timeout)
	}
	return c.http
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var envelope errorEnvelope
	req := c.client().R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetError(&envelope)
	if out != nil {
		req.SetResult(out)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.APIKey != "":
		req.SetHeader("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.SetHeader("X-Actor-Id", c.ActorID)
	}
	resp, err := req.Execute(method, c.base()+"/"+strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &APIError{
			StatusCode: resp.StatusCode(),
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
			Details:    envelope.Error.Details,
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
