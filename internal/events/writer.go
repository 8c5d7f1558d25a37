package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stagegate/internal/domain"
)

// Event types written to the log.
const (
	SubmissionCreated      = "submission.created"
	SubmissionAutoApproved = "submission.auto_approved"
	InstanceDiscarded      = "instance.discarded"
	GateActivated          = "gate.activated"
	GateApproved           = "gate.approved"
	GateSatisfied          = "gate.satisfied"
	GateRejected           = "gate.rejected"
	InstanceOutcome        = "instance.outcome"
	TemplateSaved          = "template.saved"
	TemplateDeactivated    = "template.deactivated"
	TemplateActivated      = "template.activated"
)

// Types lists every event type, in lifecycle order.
var Types = []string{
	SubmissionCreated,
	SubmissionAutoApproved,
	InstanceDiscarded,
	GateActivated,
	GateApproved,
	GateSatisfied,
	GateRejected,
	InstanceOutcome,
	TemplateSaved,
	TemplateDeactivated,
	TemplateActivated,
}

type Writer struct {
	Now func() time.Time
}

// Append writes evts inside tx so they commit or roll back with the state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evts ...domain.NewEvent) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	for _, evt := range evts {
		payload := evt.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,company_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			ts, evt.Type, nullable(evt.CompanyID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data)); err != nil {
			return fmt.Errorf("append %s: %w", evt.Type, err)
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
