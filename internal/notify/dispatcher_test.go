package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/config"
	"custodia/internal/domain"
)

type memSource struct {
	mu      sync.Mutex
	events  []domain.Event
	headErr error
}

func (m *memSource) add(evtType, entityID, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{ID: int64(len(m.events) + 1), Type: evtType, EntityID: entityID, ActorID: "dispatcher", TS: "2025-03-10T09:00:00Z", Payload: payload})
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return 0, m.headErr
	}
	return int64(len(m.events)), nil
}

type received struct {
	delivery  Delivery
	event     string
	signature string
}

func collector(t *testing.T, fail *atomic.Bool) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var d Delivery
		assert.NoError(t, json.Unmarshal(body, &d))
		mu.Lock()
		got = append(got, received{delivery: d, event: r.Header.Get("X-Custodia-Event"), signature: r.Header.Get("X-Custodia-Signature")})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestNewSkipsDisabledHooks(t *testing.T) {
	off := false
	assert.Nil(t, New(&memSource{}, nil, nil))
	assert.Nil(t, New(&memSource{}, []config.WebhookConfig{{URL: "http://x", Enabled: &off}, {URL: " "}}, nil))
}

func TestDispatchStartsAtHeadAndFilters(t *testing.T) {
	src := &memSource{}
	src.add("service.created", "old", `{}`)
	srv, got := collector(t, nil)
	d := New(src, []config.WebhookConfig{{URL: srv.URL, Events: []string{"custodian.*", "service.cancelled"}, Secret: "s3cret"}}, nil)
	require.NotNil(t, d)

	ctx := context.Background()
	d.DispatchAll(ctx)
	assert.Empty(t, got())

	src.add("custodian.assigned", "svc-1", `{"folio":"SRV-001"}`)
	src.add("lease.claimed", "svc-1", `{}`)
	src.add("service.cancelled", "svc-1", `not json`)
	d.DispatchAll(ctx)

	deliveries := got()
	require.Len(t, deliveries, 2)
	assert.Equal(t, "custodian.assigned", deliveries[0].event)
	assert.Equal(t, "svc-1", deliveries[0].delivery.ServiceID)
	assert.JSONEq(t, `{"folio":"SRV-001"}`, string(deliveries[0].delivery.Payload))
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, deliveries[0].signature)
	assert.Equal(t, "not json", deliveries[1].delivery.PayloadRaw)

	cur, ok := d.Cursor(0)
	require.True(t, ok)
	assert.Equal(t, int64(4), cur)
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	src := &memSource{}
	srv, got := collector(t, &fail)
	d := New(src, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	src.add("service.created", "svc-1", `{}`)
	src.add("service.updated", "svc-1", `{}`)
	d.DispatchAll(ctx)
	cur, _ := d.Cursor(0)
	assert.Equal(t, int64(0), cur)
	assert.Empty(t, got())

	fail.Store(false)
	d.DispatchAll(ctx)
	require.Len(t, got(), 2)
	cur, _ = d.Cursor(0)
	assert.Equal(t, int64(2), cur)
}

func TestHeadLookupFailureSkipsPass(t *testing.T) {
	src := &memSource{headErr: errors.New("database is locked")}
	for i := 0; i < 50; i++ {
		src.add("service.created", fmt.Sprintf("svc-%d", i), `{}`)
	}
	srv, got := collector(t, nil)
	d := New(src, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()

	d.DispatchAll(ctx)
	assert.Empty(t, got())
	_, ok := d.Cursor(0)
	assert.False(t, ok)

	src.mu.Lock()
	src.headErr = nil
	src.mu.Unlock()
	d.DispatchAll(ctx)
	assert.Empty(t, got())
	cur, ok := d.Cursor(0)
	require.True(t, ok)
	assert.Equal(t, int64(50), cur)

	src.add("service.cancelled", "svc-0", `{}`)
	d.DispatchAll(ctx)
	require.Len(t, got(), 1)
	assert.Equal(t, "service.cancelled", got()[0].event)
}

func TestSign(t *testing.T) {
	assert.Equal(t, Sign("k", []byte("body")), Sign("k", []byte("body")))
	assert.NotEqual(t, Sign("k", []byte("body")), Sign("j", []byte("body")))
	assert.Len(t, Sign("k", nil), 64)
}
