package custodiasdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/config"
	"custodia/internal/db"
	"custodia/internal/engine"
	"custodia/internal/migrate"
	"custodia/internal/server"
)

var now = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Scheduling.Timezone = "UTC"
	e := engine.New(conn, cfg, nil)
	e.Now = func() time.Time { return now }
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{AllowActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	c := New(srv.URL + "/v1")
	c.ActorID = "sdk"
	return c, e
}

func TestClientRoundTrip(t *testing.T) {
	c, e := newTestClient(t)
	ctx := context.Background()
	p, err := e.UpsertPersonnel(ctx, engine.PersonnelOptions{Role: "custodian", Name: "Juan Pérez", Active: true, ActorID: "seed"})
	require.NoError(t, err)

	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	created, err := c.CreateService(ctx, NewService{Folio: "SRV-1", ClientName: "ACME", Origin: "CDMX", Destination: "Puebla", AppointmentAt: at})
	require.NoError(t, err)
	assert.Equal(t, "planificado", created.State)

	res, err := c.AssignCustodian(ctx, created.Service.ID, PersonnelRef{ID: p.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, "confirmado", res.State)
	require.NotNil(t, res.Service.Custodian)
	assert.Equal(t, "Juan Pérez", res.Service.Custodian.Name)

	other, err := c.CreateService(ctx, NewService{Folio: "SRV-2", ClientName: "ACME", Origin: "CDMX", Destination: "Toluca", AppointmentAt: at.Add(3 * time.Hour)})
	require.NoError(t, err)
	_, err = c.AssignCustodian(ctx, other.Service.ID, PersonnelRef{ID: p.ID}, "")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	conflicts, err := c.CheckConflicts(ctx, PersonnelRef{ID: p.ID}, at.Add(3*time.Hour), other.Service.ID)
	require.NoError(t, err)
	assert.True(t, conflicts.HasConflicts)
	require.Len(t, conflicts.Conflicts, 1)
	assert.Equal(t, "SRV-1", conflicts.Conflicts[0].Folio)

	ranked, err := c.Rank(ctx, other.Service.ID, "custodian")
	require.NoError(t, err)
	require.Len(t, ranked.ParcialmenteOcupados, 1)
	assert.Equal(t, p.ID, ranked.ParcialmenteOcupados[0].Personnel.ID)

	cancelled, err := c.CancelService(ctx, created.Service.ID, "cliente cancelo")
	require.NoError(t, err)
	assert.Equal(t, "cancelado", cancelled.State)

	history, err := c.History(ctx, created.Service.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	got, err := c.GetService(ctx, created.Service.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelado", got.State)
}

func TestClientReportsValidationErrors(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.CreateService(context.Background(), NewService{ClientName: "ACME", Origin: "CDMX", AppointmentAt: now.Add(time.Hour)})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "validation_failed", apiErr.Code)
}

func TestClientSendsCredentials(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.History(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))

	c = New(srv.URL)
	c.APIKey = "key"
	_, err = c.History(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "key", got.Get("X-Api-Key"))
	assert.Empty(t, got.Get("Authorization"))
}
