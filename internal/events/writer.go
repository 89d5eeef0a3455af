package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events. It deliberately writes on the shared
// connection, never inside the transaction of the transition it records:
// correctness of state lives in work_packages/script_versions, and an audit
// failure must not roll back a committed lease transition.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry describes one lifecycle transition to record.
type Entry struct {
	Type          string
	WorkPackageID string
	ActorID       string
	CorrelationID string
	FromState     string
	ToState       string
	Payload       EventPayload
}

func (w Writer) Append(ctx context.Context, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_events(ts,type,work_package_id,actor_id,correlation_id,from_state,to_state,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.WorkPackageID), e.ActorID, nullable(e.CorrelationID), nullable(e.FromState), nullable(e.ToState), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
