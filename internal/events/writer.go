package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Outbox event types. The notification dispatcher filters on these.
const (
	ServiceCreated       = "service.created"
	ServiceUpdated       = "service.updated"
	ServiceCancelled     = "service.cancelled"
	CustodianAssigned    = "custodian.assigned"
	CustodianReassigned  = "custodian.reassigned"
	ArmedGuardAssigned   = "armed_guard.assigned"
	ArmedGuardReassigned = "armed_guard.reassigned"
	AssignmentRemoved    = "assignment.removed"
	AssignmentDeclined   = "assignment.declined"
	LeaseClaimed         = "lease.claimed"
	LeaseReleased        = "lease.released"
	PersonnelUpserted    = "personnel.upserted"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one outbox row inside tx so the event commits or rolls back
// with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
