package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/events"
)

func TestAppendWritesOutboxRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.FixedZone("CST", -6*3600))
	w := events.Writer{Now: func() time.Time { return at }}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WithArgs("2025-03-10T15:00:00Z", events.CustodianAssigned, "svc-1", "dispatcher", `{"folio":"SRV-001"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), tx, events.CustodianAssigned, "svc-1", "dispatcher", events.EventPayload{"folio": "SRV-001"}))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendNilPayloadAndEmptyEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WithArgs(sqlmock.AnyArg(), events.LeaseReleased, nil, "ops", `{}`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	err = events.Writer{}.Append(context.Background(), tx, events.LeaseReleased, "", "ops", nil)
	assert.EqualError(t, err, "disk full")
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRejectsUnencodablePayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	err = events.Writer{}.Append(context.Background(), tx, events.ServiceUpdated, "svc", "ops", events.EventPayload{"bad": make(chan int)})
	assert.ErrorContains(t, err, "marshal event payload")
}
