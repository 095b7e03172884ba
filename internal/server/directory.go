package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"custodia/internal/domain"
	"custodia/internal/engine"
)

func (h handlers) registerLeases(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "claim-lease",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/lease",
		Summary:     "Claim the editing lease",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		servicePath
		Body *LeaseRequest `required:"false"`
	}) (*response[domain.Lease], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var ttl time.Duration
		if input.Body != nil {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		lease, err := e.ClaimLease(ctx, input.ServiceID, actorID, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(lease), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lease",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/lease",
		Summary:     "Current editing lease",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *servicePath) (*response[domain.Lease], error) {
		lease, err := e.GetLease(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(lease), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-lease",
		Method:        http.MethodDelete,
		Path:          "/services/{service_id}/lease",
		Summary:       "Release the editing lease",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *servicePath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseLease(ctx, input.ServiceID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerPersonnel(api huma.API) {
	e := h.engine
	upsert := func(ctx context.Context, id string, b PersonnelRequest) (*response[domain.Personnel], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		active := true
		if b.Active != nil {
			active = *b.Active
		}
		p, err := e.UpsertPersonnel(ctx, engine.PersonnelOptions{
			ID:                id,
			Role:              b.Role,
			Name:              b.Name,
			Phone:             b.Phone,
			Zone:              b.Zone,
			Lat:               b.Lat,
			Lon:               b.Lon,
			ServiceTypes:      b.ServiceTypes,
			ExperienceYears:   b.ExperienceYears,
			ServiceCount:      b.ServiceCount,
			AcceptanceRate:    b.AcceptanceRate,
			ResponseRate:      b.ResponseRate,
			Rating:            b.Rating,
			ProductivityScore: b.ProductivityScore,
			Active:            active,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-personnel",
		Method:        http.MethodPost,
		Path:          "/personnel",
		Summary:       "Add a directory record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PersonnelRequest
	}) (*response[domain.Personnel], error) {
		return upsert(ctx, "", input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-personnel",
		Method:      http.MethodPut,
		Path:        "/personnel/{personnel_id}",
		Summary:     "Create or replace a directory record",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PersonnelID string `path:"personnel_id"`
		Body        PersonnelRequest
	}) (*response[domain.Personnel], error) {
		return upsert(ctx, input.PersonnelID, input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-personnel",
		Method:      http.MethodGet,
		Path:        "/personnel/{personnel_id}",
		Summary:     "Get a directory record",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PersonnelID string `path:"personnel_id"`
	}) (*response[domain.Personnel], error) {
		p, err := e.GetPersonnel(ctx, input.PersonnelID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-personnel",
		Method:      http.MethodGet,
		Path:        "/personnel",
		Summary:     "List the directory",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role       string `query:"role"`
		ActiveOnly bool   `query:"active_only"`
	}) (*response[PersonnelList], error) {
		items, err := e.ListPersonnel(ctx, domain.Role(input.Role), input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PersonnelList{Items: nonNilSlice(items)}), nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent outbox events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		ServiceID string `query:"service_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*response[EventList], error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursor, input.Type, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		out := EventList{Items: []domain.Event{}}
		if len(items) > limit {
			out.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		out.Items = append(out.Items, items...)
		return reply(out), nil
	})
}

func (h handlers) registerDevLogin(api huma.API) {
	secret := h.auth.JWTSecret
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*response[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(secret, actor, input.Body.Roles, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}
