package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"careline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertResidentTx(ctx context.Context, tx *sql.Tx, res domain.Resident) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO residents(id,name,unit,active,onboarded_at) VALUES (?,?,?,?,?)`,
		res.ID, res.Name, nullable(res.Unit), boolToInt(res.Active), res.OnboardedAt)
	return err
}

func (r Repo) GetResident(ctx context.Context, id string) (domain.Resident, error) {
	var res domain.Resident
	var unit sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,unit,active,onboarded_at FROM residents WHERE id=?`, id).
		Scan(&res.ID, &res.Name, &unit, &active, &res.OnboardedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if unit.Valid {
		res.Unit = unit.String
	}
	res.Active = active != 0
	return res, nil
}

func (r Repo) ListResidents(ctx context.Context, activeOnly bool) ([]domain.Resident, error) {
	query := `SELECT id,name,unit,active,onboarded_at FROM residents`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY onboarded_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Resident
	for rows.Next() {
		var res domain.Resident
		var unit sql.NullString
		var active int
		if err := rows.Scan(&res.ID, &res.Name, &unit, &active, &res.OnboardedAt); err != nil {
			return nil, err
		}
		if unit.Valid {
			res.Unit = unit.String
		}
		res.Active = active != 0
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r Repo) SetResidentActiveTx(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE residents SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- care states ---

func scanCareState(row *sql.Row) (domain.CareState, error) {
	var cs domain.CareState
	var emergency int
	err := row.Scan(&cs.ResidentID, &cs.State, &emergency, &cs.Version, &cs.UpdatedAt, &cs.UpdatedBy)
	if err == sql.ErrNoRows {
		return cs, ErrNotFound
	}
	if err != nil {
		return cs, err
	}
	cs.Emergency = emergency != 0
	return cs, nil
}

func (r Repo) InsertCareStateTx(ctx context.Context, tx *sql.Tx, cs domain.CareState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO care_states(resident_id,state,emergency,version,updated_at,updated_by) VALUES (?,?,?,?,?,?)`,
		cs.ResidentID, cs.State, boolToInt(cs.Emergency), cs.Version, cs.UpdatedAt, cs.UpdatedBy)
	return err
}

func (r Repo) GetCareState(ctx context.Context, residentID string) (domain.CareState, error) {
	return scanCareState(r.DB.QueryRowContext(ctx,
		`SELECT resident_id,state,emergency,version,updated_at,updated_by FROM care_states WHERE resident_id=?`, residentID))
}

func (r Repo) GetCareStateTx(ctx context.Context, tx *sql.Tx, residentID string) (domain.CareState, error) {
	return scanCareState(tx.QueryRowContext(ctx,
		`SELECT resident_id,state,emergency,version,updated_at,updated_by FROM care_states WHERE resident_id=?`, residentID))
}

// CompareAndSwapCareState writes the new state only if the stored version
// still equals readVersion, bumping version by exactly one. Returns false if
// another writer got there first.
func (r Repo) CompareAndSwapCareState(ctx context.Context, tx *sql.Tx, residentID string, readVersion int64, newState string, emergency bool, updatedAt, updatedBy string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE care_states SET state=?, emergency=?, version=version+1, updated_at=?, updated_by=? WHERE resident_id=? AND version=?`,
		newState, boolToInt(emergency), updatedAt, updatedBy, residentID, readVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- tasks ---

const taskColumns = `id,resident_id,name,description,category,priority,risk_level,scheduled_start,scheduled_end,requires_evidence,state,owner_id,claimed_at,escalation_level,outcome,evidence_count,skip_reason,created_at,updated_at,completed_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var t domain.Task
	var description, category, riskLevel, scheduledEnd, ownerID, claimedAt, outcome, skipReason, completedAt sql.NullString
	var requiresEvidence int
	err := row.Scan(&t.ID, &t.ResidentID, &t.Name, &description, &category, &t.Priority, &riskLevel,
		&t.ScheduledStart, &scheduledEnd, &requiresEvidence, &t.State, &ownerID, &claimedAt,
		&t.EscalationLevel, &outcome, &t.EvidenceCount, &skipReason, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if category.Valid {
		t.Category = category.String
	}
	if riskLevel.Valid {
		t.RiskLevel = riskLevel.String
	}
	if scheduledEnd.Valid {
		t.ScheduledEnd = &scheduledEnd.String
	}
	t.RequiresEvidence = requiresEvidence != 0
	if ownerID.Valid {
		t.OwnerID = &ownerID.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.String
	}
	if outcome.Valid {
		t.Outcome = &outcome.String
	}
	if skipReason.Valid {
		t.SkipReason = &skipReason.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ResidentID, t.Name, nullable(t.Description), nullable(t.Category), t.Priority, nullable(t.RiskLevel),
		t.ScheduledStart, nullableStringPtr(t.ScheduledEnd), boolToInt(t.RequiresEvidence), t.State,
		nullableStringPtr(t.OwnerID), nullableStringPtr(t.ClaimedAt), t.EscalationLevel,
		nullableStringPtr(t.Outcome), t.EvidenceCount, nullableStringPtr(t.SkipReason),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ClaimTaskCAS atomically sets ownership if the task is unowned and in a
// claimable state. Returns false without error when the guard fails; the
// caller re-reads and classifies the conflict.
func (r Repo) ClaimTaskCAS(ctx context.Context, tx *sql.Tx, taskID, ownerID string, claimableStates []string, claimedAt, updatedAt string) (bool, error) {
	if len(claimableStates) == 0 {
		return false, errors.New("no claimable states")
	}
	placeholders := strings.Repeat("?,", len(claimableStates))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{ownerID, claimedAt, updatedAt, taskID}
	for _, s := range claimableStates {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET owner_id=?, claimed_at=?, state='in_progress', updated_at=? WHERE id=? AND owner_id IS NULL AND state IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TakeOverTaskCAS replaces the current owner during an explicit override.
// Guarded on the previous owner so two overrides cannot both win.
func (r Repo) TakeOverTaskCAS(ctx context.Context, tx *sql.Tx, taskID, prevOwnerID, newOwnerID, claimedAt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET owner_id=?, claimed_at=?, state='in_progress', updated_at=? WHERE id=? AND owner_id=?`,
		newOwnerID, claimedAt, updatedAt, taskID, prevOwnerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, owner_id=?, claimed_at=?, escalation_level=?, outcome=?, evidence_count=?, skip_reason=?, updated_at=?, completed_at=? WHERE id=?`,
		t.State, nullableStringPtr(t.OwnerID), nullableStringPtr(t.ClaimedAt), t.EscalationLevel,
		nullableStringPtr(t.Outcome), t.EvidenceCount, nullableStringPtr(t.SkipReason),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	ResidentID      string
	State           string
	OwnerID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ResidentID != "" {
		clauses = append(clauses, "resident_id=?")
		args = append(args, f.ResidentID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListScheduledDueBefore returns scheduled tasks whose start has passed.
func (r Repo) ListScheduledDueBefore(ctx context.Context, cutoff string) ([]domain.Task, error) {
	return r.listTasksWhere(ctx, `state='scheduled' AND scheduled_start <= ?`, cutoff)
}

// ListUnclaimedOverdue returns due tasks whose scheduled start plus the grace
// window has elapsed without a claim.
func (r Repo) ListUnclaimedOverdue(ctx context.Context, graceCutoff string) ([]domain.Task, error) {
	return r.listTasksWhere(ctx, `state='due' AND owner_id IS NULL AND scheduled_start <= ?`, graceCutoff)
}

// ListInProgressPastEnd returns in-progress tasks running past their
// scheduled end plus the grace window.
func (r Repo) ListInProgressPastEnd(ctx context.Context, graceCutoff string) ([]domain.Task, error) {
	return r.listTasksWhere(ctx, `state='in_progress' AND scheduled_end IS NOT NULL AND scheduled_end <= ?`, graceCutoff)
}

func (r Repo) listTasksWhere(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY scheduled_start ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r Repo) MarkTaskDueTx(ctx context.Context, tx *sql.Tx, taskID, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state='due', updated_at=? WHERE id=? AND state='scheduled'`, updatedAt, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountTasksByState(ctx context.Context, residentID string) (map[string]int, error) {
	query := `SELECT state, count(*) FROM tasks`
	var args []any
	if residentID != "" {
		query += ` WHERE resident_id=?`
		args = append(args, residentID)
	}
	query += ` GROUP BY state`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsBusy reports whether the error is the driver's transient write-lock
// failure, which callers should retry rather than treat as a policy outcome.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
