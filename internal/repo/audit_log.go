package repo

import (
	"context"
	"database/sql"
	"strings"

	"careline/internal/domain"
)

const auditColumns = `id,ts,action,entity_kind,entity_id,resident_id,actor_id,before_state,before_version,after_state,after_version,reason,payload_json`

type auditScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row auditScanner) (domain.AuditEntry, error) {
	var a domain.AuditEntry
	var residentID, beforeState, afterState, reason sql.NullString
	err := row.Scan(&a.ID, &a.TS, &a.Action, &a.EntityKind, &a.EntityID, &residentID, &a.ActorID,
		&beforeState, &a.BeforeVersion, &afterState, &a.AfterVersion, &reason, &a.Payload)
	if err != nil {
		return a, err
	}
	a.ResidentID = residentID.String
	a.BeforeState = beforeState.String
	a.AfterState = afterState.String
	if reason.Valid {
		a.Reason = &reason.String
	}
	return a, nil
}

type AuditFilters struct {
	EntityKind string
	EntityID   string
	ResidentID string
	ActorID    string
	Action     string
	Limit      int
	AfterID    int64
}

func (r Repo) ListAuditEntries(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	var clauses []string
	var args []any
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ResidentID != "" {
		clauses = append(clauses, "resident_id=?")
		args = append(args, f.ResidentID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.AfterID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + auditColumns + ` FROM audit_entries ` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		a, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AuditEntriesAfter returns entries past a cursor in insertion order. The
// webhook dispatcher and the live stream both page with this.
func (r Repo) AuditEntriesAfter(ctx context.Context, afterID int64, limit int) ([]domain.AuditEntry, error) {
	return r.ListAuditEntries(ctx, AuditFilters{AfterID: afterID, Limit: limit})
}

func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM audit_entries`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// CountOverridesSinceTx counts ownership overrides by one actor since the
// given instant, used to enforce the per-actor override rate policy.
func (r Repo) CountOverridesSinceTx(ctx context.Context, tx *sql.Tx, actorID, since string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_entries WHERE action='task.override' AND actor_id=? AND ts >= ?`,
		actorID, since).Scan(&n)
	return n, err
}
