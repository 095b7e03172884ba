package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"custodia/internal/domain"
	"custodia/internal/engine"
)

type response[T any] struct {
	Body T
}

func reply[T any](v T) *response[T] {
	return &response[T]{Body: v}
}

type servicePath struct {
	ServiceID string `path:"service_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func (h handlers) registerServices(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-service",
		Method:        http.MethodPost,
		Path:          "/services",
		Summary:       "Schedule a service",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateServiceRequest
	}) (*response[engine.Result], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		res, err := e.CreateService(ctx, engine.CreateServiceOptions{
			Folio:              b.Folio,
			ClientName:         b.ClientName,
			ClientContact:      b.ClientContact,
			Origin:             b.Origin,
			Destination:        b.Destination,
			AppointmentAt:      b.AppointmentAt,
			ServiceType:        b.ServiceType,
			Zone:               b.Zone,
			Priority:           b.Priority,
			RequiresArmedGuard: b.RequiresArmedGuard,
			Observations:       b.Observations,
			ActorID:            actorID,
			RequestID:          b.RequestID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List services",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State         []string  `query:"state" doc:"Planned states, comma separated"`
		Day           string    `query:"day" doc:"YYYY-MM-DD in the scheduling timezone"`
		From          time.Time `query:"from"`
		To            time.Time `query:"to"`
		PersonnelID   string    `query:"personnel_id"`
		PersonnelName string    `query:"personnel_name"`
		Limit         int       `query:"limit" default:"50"`
	}) (*response[ServiceList], error) {
		opts := engine.ListServicesOptions{
			Day:           input.Day,
			PersonnelID:   input.PersonnelID,
			PersonnelName: input.PersonnelName,
			Limit:         normalizeLimit(input.Limit),
		}
		for _, st := range input.State {
			opts.States = append(opts.States, domain.PlannedState(st))
		}
		if !input.From.IsZero() {
			opts.From = &input.From
		}
		if !input.To.IsZero() {
			opts.To = &input.To
		}
		items, err := e.ListServices(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ServiceList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-service",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}",
		Summary:     "Get a service",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *servicePath) (*response[domain.ScheduledService], error) {
		s, err := e.GetService(ctx, input.ServiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-service",
		Method:      http.MethodPatch,
		Path:        "/services/{service_id}",
		Summary:     "Update service configuration",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		servicePath
		Body UpdateServiceRequest
	}) (*response[engine.Result], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		res, err := e.UpdateServiceConfiguration(ctx, engine.UpdateServiceOptions{
			ServiceID:          input.ServiceID,
			ActorID:            actorID,
			Reason:             b.Reason,
			ClientName:         b.ClientName,
			ClientContact:      b.ClientContact,
			Origin:             b.Origin,
			Destination:        b.Destination,
			AppointmentAt:      b.AppointmentAt,
			ServiceType:        b.ServiceType,
			Zone:               b.Zone,
			Priority:           b.Priority,
			RequiresArmedGuard: b.RequiresArmedGuard,
			Observations:       b.Observations,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-service",
		Method:      http.MethodPost,
		Path:        "/services/{service_id}/cancel",
		Summary:     "Cancel a service",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		servicePath
		Body ReasonRequest
	}) (*response[engine.Result], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CancelService(ctx, engine.CancelOptions{ServiceID: input.ServiceID, Reason: input.Body.Reason, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "service-history",
		Method:      http.MethodGet,
		Path:        "/services/{service_id}/history",
		Summary:     "Modification history of a service",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		servicePath
		Limit int `query:"limit" default:"200"`
	}) (*response[HistoryList], error) {
		items, err := e.History(ctx, input.ServiceID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(HistoryList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "service-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Service counts by planned state",
	}, func(ctx context.Context, _ *struct{}) (*response[StatsResponse], error) {
		counts, err := e.Repo.CountServicesByState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(StatsResponse{ByState: counts}), nil
	})
}
