package repo

import (
	"context"
	"database/sql"
	"strings"

	"careline/internal/domain"
)

const escalationColumns = `id,task_id,resident_id,kind,priority,level,status,assigned_to,created_at,required_response_by,acknowledged_at,resolved_at,resolution_notes,compliance_flagged`

type escalationScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row escalationScanner) (domain.Escalation, error) {
	var e domain.Escalation
	var taskID, assignedTo, acknowledgedAt, resolvedAt, resolutionNotes sql.NullString
	var flagged int
	err := row.Scan(&e.ID, &taskID, &e.ResidentID, &e.Kind, &e.Priority, &e.Level, &e.Status,
		&assignedTo, &e.CreatedAt, &e.RequiredResponseBy, &acknowledgedAt,
		&resolvedAt, &resolutionNotes, &flagged)
	if err != nil {
		return e, err
	}
	if taskID.Valid {
		e.TaskID = &taskID.String
	}
	if assignedTo.Valid {
		e.AssignedTo = &assignedTo.String
	}
	if acknowledgedAt.Valid {
		e.AcknowledgedAt = &acknowledgedAt.String
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.String
	}
	if resolutionNotes.Valid {
		e.ResolutionNotes = &resolutionNotes.String
	}
	e.ComplianceFlagged = flagged != 0
	return e, nil
}

func (r Repo) InsertEscalationTx(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(`+escalationColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, nullableStringPtr(e.TaskID), e.ResidentID, e.Kind, e.Priority, e.Level, e.Status,
		nullableStringPtr(e.AssignedTo), e.CreatedAt, e.RequiredResponseBy,
		nullableStringPtr(e.AcknowledgedAt), nullableStringPtr(e.ResolvedAt),
		nullableStringPtr(e.ResolutionNotes), boolToInt(e.ComplianceFlagged))
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	e, err := scanEscalation(r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) GetEscalationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escalation, error) {
	e, err := scanEscalation(tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// GetOpenEscalationByTaskTx returns the single unresolved escalation for a
// task, enforced by a partial unique index on the table.
func (r Repo) GetOpenEscalationByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Escalation, error) {
	e, err := scanEscalation(tx.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE task_id=? AND status != 'resolved'`, taskID))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// GetOpenResidentEscalationTx returns an unresolved escalation of the given
// kind raised against the resident rather than a task.
func (r Repo) GetOpenResidentEscalationTx(ctx context.Context, tx *sql.Tx, residentID, kind string) (domain.Escalation, error) {
	e, err := scanEscalation(tx.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE resident_id=? AND kind=? AND task_id IS NULL AND status != 'resolved' LIMIT 1`,
		residentID, kind))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) UpdateEscalationTx(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE escalations SET level=?, status=?, assigned_to=?, required_response_by=?, acknowledged_at=?, resolved_at=?, resolution_notes=?, compliance_flagged=? WHERE id=?`,
		e.Level, e.Status, nullableStringPtr(e.AssignedTo), e.RequiredResponseBy,
		nullableStringPtr(e.AcknowledgedAt), nullableStringPtr(e.ResolvedAt),
		nullableStringPtr(e.ResolutionNotes), boolToInt(e.ComplianceFlagged), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EscalationFilters struct {
	ResidentID string
	Status     string
	Kind       string
	OpenOnly   bool
	Limit      int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.Escalation, error) {
	var clauses []string
	var args []any
	if f.ResidentID != "" {
		clauses = append(clauses, "resident_id=?")
		args = append(args, f.ResidentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.OpenOnly {
		clauses = append(clauses, "status != 'resolved'")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListOpenPastDeadline returns pending escalations whose response window has
// lapsed. The sweep raises their level from here; once a human acknowledges
// an escalation the level stops climbing.
func (r Repo) ListOpenPastDeadline(ctx context.Context, now string) ([]domain.Escalation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE status = 'pending' AND required_response_by <= ? ORDER BY created_at ASC, id ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
