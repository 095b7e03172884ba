package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"custodia/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	rows    []domain.ModificationLogEntry
	err     error
	started chan struct{}
	gate    chan struct{}
}

func (m *memStore) InsertModification(_ context.Context, row domain.ModificationLogEntry) (int64, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.rows = append(m.rows, row)
	return int64(len(m.rows)), nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func TestSerialize(t *testing.T) {
	assert.Equal(t, "", Serialize(nil))
	assert.Equal(t, "Juan", Serialize("Juan"))
	assert.Equal(t, "true", Serialize(true))
	assert.Equal(t, `{"id":"c1","name":"Juan"}`, Serialize(domain.PersonnelRef{ID: "c1", Name: "Juan"}))
	var ref *domain.PersonnelRef
	assert.Equal(t, "", Serialize(ref))
}

func TestWriterRecords(t *testing.T) {
	store := &memStore{}
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	w := Writer{Store: store, Now: func() time.Time { return now }}
	w.Record(context.Background(), Entry{ServiceID: "s1", ActionType: CustodianAssigned, New: domain.PersonnelRef{ID: "c1", Name: "Juan"}, ActorID: "op"})
	require.Len(t, store.rows, 1)
	assert.Equal(t, CustodianAssigned, store.rows[0].ActionType)
	assert.Equal(t, "", store.rows[0].PreviousValue)
	assert.True(t, store.rows[0].CreatedAt.Equal(now))
}

func TestWriterSwallowsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	w := Writer{Store: &memStore{err: errors.New("disk full")}, Logger: zap.New(core)}

	assert.NotPanics(t, func() {
		w.Record(context.Background(), Entry{ServiceID: "s1", ActionType: ServiceCancelled, ActorID: "op"})
	})
	entries := logs.FilterMessage("audit record failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].ContextMap()["service_id"])
}

func TestAsyncDrainsOnClose(t *testing.T) {
	store := &memStore{}
	a := NewAsync(Writer{Store: store}, 16, nil)
	for i := 0; i < 10; i++ {
		a.Record(context.Background(), Entry{ServiceID: "s1", ActionType: ConfigurationUpdated, ActorID: "op"})
	}
	a.Close()
	assert.Equal(t, 10, store.count())

	a.Record(context.Background(), Entry{ServiceID: "s1", ActionType: ConfigurationUpdated, ActorID: "op"})
	a.Close()
	assert.Equal(t, 10, store.count())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &memStore{started: make(chan struct{}, 3), gate: make(chan struct{})}
	a := NewAsync(Writer{Store: store}, 1, zap.New(core))

	a.Record(context.Background(), Entry{ServiceID: "first"})
	<-store.started
	a.Record(context.Background(), Entry{ServiceID: "queued"})
	a.Record(context.Background(), Entry{ServiceID: "dropped"})

	close(store.gate)
	a.Close()
	assert.Equal(t, 2, store.count())
	dropped := logs.FilterMessage("audit record dropped").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "dropped", dropped[0].ContextMap()["service_id"])
}
