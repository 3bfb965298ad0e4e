package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"boxoffice/internal/db"
)

// Event types appended by the stores.
const (
	TransactionStarted   = "transaction.started"
	TransactionConfirmed = "transaction.confirmed"
	TransactionCanceled  = "transaction.canceled"
	TransactionExpired   = "transaction.expired"
	TransactionExported  = "transaction.tasks_exported"
	TransactionReexport  = "transaction.tasks_reexport"
	ActionStarted        = "action.started"
	ActionCompleted      = "action.completed"
	ActionFailed         = "action.failed"
	ActionCanceled       = "action.canceled"
	TaskExecuted         = "task.executed"
	TaskRetried          = "task.retried"
	TaskAborted          = "task.aborted"
	OrderCreated         = "order.created"
	OrderStatusChanged   = "order.status_changed"
	InvoiceCreated       = "invoice.created"
	InvoicePaid          = "invoice.paid"
	ProjectTeardown      = "project.teardown"
)

// SystemActor is recorded for writes made by sweeps and task handlers.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		db.FormatTime(w.Now()), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
