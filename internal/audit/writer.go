package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends immutable audit entries. Append always runs inside the
// caller's transaction so the audit order cannot diverge from the entity's
// own transition order.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry captures one accepted state change. Before/After snapshots hold the
// state value and, for versioned entities, the version read and written.
type Entry struct {
	Action        string
	EntityKind    string
	EntityID      string
	ResidentID    string
	ActorID       string
	BeforeState   string
	BeforeVersion int64
	AfterState    string
	AfterVersion  int64
	Reason        *string
	Payload       Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(ts,action,entity_kind,entity_id,resident_id,actor_id,before_state,before_version,after_state,after_version,reason,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ts, e.Action, e.EntityKind, e.EntityID, nullable(e.ResidentID), e.ActorID,
		nullable(e.BeforeState), e.BeforeVersion, nullable(e.AfterState), e.AfterVersion,
		nullableStringPtr(e.Reason), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
