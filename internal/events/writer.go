package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	AssignmentCreated    = "assignment.created"
	AssignmentReassigned = "assignment.reassigned"
	AssignmentCompleted  = "assignment.completed"
	CaseCreated          = "case.created"
	CaseNeedsManual      = "case.needs_manual_assignment"
	HandlerCreated       = "handler.created"
	HandlerUpdated       = "handler.updated"
	RuleCreated          = "rule.created"
	RuleToggled          = "rule.toggled"
	WorkloadBalanced     = "workload.balanced"
	WorkloadRecounted    = "workload.recounted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, actorID *int64, payload EventPayload) error {
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
	var actor any
	if actorID != nil {
		actor = *actorID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
