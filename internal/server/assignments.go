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
	"custodia/internal/engine/conflict"
	"custodia/internal/engine/ranking"
)

func (h handlers) registerAssignments(api huma.API) {
	e := h.engine
	mutating := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict}

	custodian := func(reassign bool) func(context.Context, *struct {
		servicePath
		Body CustodianRequest
	}) (*response[engine.Result], error) {
		return func(ctx context.Context, input *struct {
			servicePath
			Body CustodianRequest
		}) (*response[engine.Result], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			b := input.Body
			opts := engine.CustodianOptions{
				ServiceID: input.ServiceID,
				Custodian: domain.PersonnelRef{ID: b.ID, Name: b.Name, Phone: b.Phone},
				Reason:    b.Reason,
				ActorID:   actorID,
			}
			op := e.AssignCustodian
			if reassign {
				op = e.ReassignCustodian
			}
			res, err := op(ctx, opts)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(res), nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "assign-custodian",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/custodian",
		Summary:     "Assign the custodian",
		Errors:      mutating,
	}, custodian(false))
	huma.Register(api, huma.Operation{
		OperationID: "reassign-custodian",
		Method:      http.MethodPut,
		Path:        "/services/{service_id}/custodian",
		Summary:     "Replace the custodian",
		Errors:      mutating,
	}, custodian(true))

	guard := func(reassign bool) func(context.Context, *struct {
		servicePath
		Body ArmedGuardRequest
	}) (*response[engine.Result], error) {
		return func(ctx context.Context, input *struct {
			servicePath
			Body ArmedGuardRequest
		}) (*response[engine.Result], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			b := input.Body
			opts := engine.ArmedGuardOptions{
				ServiceID:    input.ServiceID,
				ArmedGuard:   domain.PersonnelRef{ID: b.ID, Name: b.Name, Phone: b.Phone},
				Mode:         domain.ArmedGuardMode(b.Mode),
				ProviderID:   b.ProviderID,
				MeetingPoint: b.MeetingPoint,
				MeetingTime:  b.MeetingTime,
				Reason:       b.Reason,
				ActorID:      actorID,
			}
			op := e.AssignArmedGuard
			if reassign {
				op = e.ReassignArmedGuard
			}
			res, err := op(ctx, opts)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(res), nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "assign-armed-guard",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/armed-guard",
		Summary:     "Assign the armed guard",
		Errors:      mutating,
	}, guard(false))
	huma.Register(api, huma.Operation{
		OperationID: "reassign-armed-guard",
		Method:      http.MethodPut,
		Path:        "/services/{service_id}/armed-guard",
		Summary:     "Replace the armed guard",
		Errors:      mutating,
	}, guard(true))

	type slotInput struct {
		servicePath
		Slot string `path:"slot" enum:"custodian,armed_guard"`
		Body ReasonRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "remove-assignment",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/assignments/{slot}/remove",
		Summary:     "Clear a slot",
		Errors:      mutating,
	}, func(ctx context.Context, input *slotInput) (*response[engine.Result], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RemoveAssignment(ctx, engine.SlotOptions{ServiceID: input.ServiceID, Slot: domain.Slot(input.Slot), Reason: input.Body.Reason, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "decline-assignment",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/assignments/{slot}/decline",
		Summary:     "Record that the slot holder declined",
		Errors:      mutating,
	}, func(ctx context.Context, input *slotInput) (*response[engine.Result], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DeclineAssignment(ctx, engine.SlotOptions{ServiceID: input.ServiceID, Slot: domain.Slot(input.Slot), Reason: input.Body.Reason, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-conflicts",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "Commitments of a person near a time",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PersonnelID      string    `query:"personnel_id"`
		PersonnelName    string    `query:"personnel_name"`
		At               time.Time `query:"at" required:"true"`
		ExcludeServiceID string    `query:"exclude_service_id"`
	}) (*response[conflict.Result], error) {
		res, err := e.CheckConflicts(ctx, engine.CheckConflictsOptions{
			Personnel:        domain.PersonnelRef{ID: input.PersonnelID, Name: input.PersonnelName},
			At:               input.At,
			ExcludeServiceID: input.ExcludeServiceID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Conflicts = nonNilSlice(res.Conflicts)
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-candidates",
		Method:      http.MethodGet,
		Path:        "/rankings",
		Summary:     "Rank personnel for a service or a time",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ServiceID   string    `query:"service_id"`
		Role        string    `query:"role" enum:"custodian,armed_guard" default:"custodian"`
		At          time.Time `query:"at"`
		Zone        string    `query:"zone"`
		ServiceType string    `query:"service_type"`
		Lat         string    `query:"lat"`
		Lon         string    `query:"lon"`
	}) (*response[ranking.Ranking], error) {
		opts := engine.RankOptions{
			ServiceID:   input.ServiceID,
			Role:        domain.Role(input.Role),
			At:          input.At,
			Zone:        input.Zone,
			ServiceType: input.ServiceType,
		}
		var err error
		if opts.Lat, err = coordinate("lat", input.Lat); err != nil {
			return nil, err
		}
		if opts.Lon, err = coordinate("lon", input.Lon); err != nil {
			return nil, err
		}
		r, err := e.RankCandidates(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})
}

// coordinate parses an optional decimal degree query value.
func coordinate(name, raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", name+" must be a decimal number", map[string]any{"field": name})
	}
	return &v, nil
}
