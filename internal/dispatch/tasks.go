package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"careline/internal/audit"
	"careline/internal/collision"
	"careline/internal/domain"
	"careline/internal/repo"
)

type NewTaskParams struct {
	ID               string
	ResidentID       string
	Name             string
	Description      string
	Category         string
	Priority         string
	RiskLevel        string
	ScheduledStart   string
	ScheduledEnd     string
	RequiresEvidence bool
	ActorID          string
}

// NewTask schedules a task for a resident. It enters the lifecycle at
// scheduled; the sweep flips it to due once the start time passes.
func (d *Dispatcher) NewTask(ctx context.Context, p NewTaskParams) (domain.Task, error) {
	if p.Name == "" {
		return domain.Task{}, &ValidationError{Field: "name", Message: "task name is required"}
	}
	if _, err := d.ensureActiveResident(ctx, p.ResidentID); err != nil {
		return domain.Task{}, err
	}
	if p.Priority == "" {
		p.Priority = "medium"
	}
	if _, ok := d.Config.SLA.ResponseHours[p.Priority]; !ok {
		return domain.Task{}, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", p.Priority)}
	}
	start, err := time.Parse(time.RFC3339, p.ScheduledStart)
	if err != nil {
		return domain.Task{}, &ValidationError{Field: "scheduled_start", Message: err.Error()}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := d.nowRFC3339()
	t := domain.Task{
		ID:               p.ID,
		ResidentID:       p.ResidentID,
		Name:             p.Name,
		Description:      p.Description,
		Category:         p.Category,
		Priority:         p.Priority,
		RiskLevel:        p.RiskLevel,
		ScheduledStart:   start.UTC().Format(time.RFC3339),
		RequiresEvidence: p.RequiresEvidence,
		State:            domain.TaskScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.ScheduledEnd != "" {
		end, err := time.Parse(time.RFC3339, p.ScheduledEnd)
		if err != nil {
			return domain.Task{}, &ValidationError{Field: "scheduled_end", Message: err.Error()}
		}
		if !end.After(start) {
			return domain.Task{}, &ValidationError{Field: "scheduled_end", Message: "must be after scheduled_start"}
		}
		s := end.UTC().Format(time.RFC3339)
		t.ScheduledEnd = &s
	}
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:     "task.create",
		EntityKind: "task",
		EntityID:   t.ID,
		ResidentID: t.ResidentID,
		ActorID:    p.ActorID,
		AfterState: t.State,
		Payload:    audit.Payload{"name": t.Name, "priority": t.Priority},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type ClaimParams struct {
	TaskID   string
	ActorID  string
	Override bool
	Reason   string
}

// ClaimTask takes ownership of a task. A held task soft-rejects with the
// current owner unless Override is set, in which case ownership transfers,
// subject to the per-actor override allowance. A storage-level write race
// hard-rejects with a retry delay and can never be overridden.
func (d *Dispatcher) ClaimTask(ctx context.Context, p ClaimParams) (domain.Task, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := d.Repo.GetTaskTx(ctx, tx, p.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if domain.TerminalTaskState(t.State) {
		return domain.Task{}, ErrTerminalTask
	}
	now := d.now()
	nowStr := now.Format(time.RFC3339)

	if t.OwnerID != nil {
		if *t.OwnerID == p.ActorID {
			// claiming a task you already hold is a no-op
			return t, tx.Commit()
		}
		if !p.Override {
			res := collision.Classify(t, false, now)
			return domain.Task{}, &CollisionError{TaskID: t.ID, Owner: res.Owner, ClaimedAt: res.ClaimedAt, HeldFor: res.HeldFor}
		}
		return d.overrideClaim(ctx, tx, t, p, nowStr)
	}

	claimable := claimableStates(d.Config.Tasks.AllowEarlyStart)
	ok, err := d.Repo.ClaimTaskCAS(ctx, tx, t.ID, p.ActorID, claimable, nowStr, nowStr)
	if err != nil {
		if repo.IsBusy(err) {
			return domain.Task{}, &WriteConflictError{TaskID: t.ID, RetryAfter: collision.HardRetryDelay}
		}
		return domain.Task{}, err
	}
	if !ok {
		// the row moved under us between read and write
		fresh, rerr := d.Repo.GetTaskTx(ctx, tx, t.ID)
		if rerr != nil {
			return domain.Task{}, rerr
		}
		if fresh.OwnerID != nil {
			res := collision.Classify(fresh, false, now)
			return domain.Task{}, &CollisionError{TaskID: t.ID, Owner: res.Owner, ClaimedAt: res.ClaimedAt, HeldFor: res.HeldFor}
		}
		return domain.Task{}, &InvalidTransitionError{Entity: "task", From: fresh.State, To: domain.TaskInProgress}
	}

	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:      "task.claim",
		EntityKind:  "task",
		EntityID:    t.ID,
		ResidentID:  t.ResidentID,
		ActorID:     p.ActorID,
		BeforeState: t.State,
		AfterState:  domain.TaskInProgress,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		if repo.IsBusy(err) {
			return domain.Task{}, &WriteConflictError{TaskID: t.ID, RetryAfter: collision.HardRetryDelay}
		}
		return domain.Task{}, err
	}
	return d.Repo.GetTask(ctx, t.ID)
}

func (d *Dispatcher) overrideClaim(ctx context.Context, tx *sql.Tx, t domain.Task, p ClaimParams, nowStr string) (domain.Task, error) {
	if p.Reason == "" {
		return domain.Task{}, &ValidationError{Field: "reason", Message: "override requires a reason"}
	}
	since := d.now().Add(-time.Hour).Format(time.RFC3339)
	count, err := d.Repo.CountOverridesSinceTx(ctx, tx, p.ActorID, since)
	if err != nil {
		return domain.Task{}, err
	}
	if d.Config.Overrides.MaxPerActorPerHour > 0 && count >= d.Config.Overrides.MaxPerActorPerHour {
		return domain.Task{}, ErrOverrideLimit
	}
	prevOwner := *t.OwnerID
	ok, err := d.Repo.TakeOverTaskCAS(ctx, tx, t.ID, prevOwner, p.ActorID, nowStr, nowStr)
	if err != nil {
		if repo.IsBusy(err) {
			return domain.Task{}, &WriteConflictError{TaskID: t.ID, RetryAfter: collision.HardRetryDelay}
		}
		return domain.Task{}, err
	}
	if !ok {
		// owner changed while we were deciding; force the caller to look again
		return domain.Task{}, &WriteConflictError{TaskID: t.ID, RetryAfter: collision.HardRetryDelay}
	}
	payload := audit.Payload{"previous_owner": prevOwner, "overrides_last_hour": count + 1}
	if d.Config.Overrides.SupervisorNotifyAfter > 0 && count+1 >= d.Config.Overrides.SupervisorNotifyAfter {
		payload["supervisor_notify"] = true
	}
	reason := p.Reason
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:      "task.override",
		EntityKind:  "task",
		EntityID:    t.ID,
		ResidentID:  t.ResidentID,
		ActorID:     p.ActorID,
		BeforeState: t.State,
		AfterState:  domain.TaskInProgress,
		Reason:      &reason,
		Payload:     payload,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return d.Repo.GetTask(ctx, t.ID)
}

type CompleteParams struct {
	TaskID    string
	ActorID   string
	ActorRole string
	Outcome   string
}

// CompleteTask closes an in-progress task. Only the owner, or a supervisor,
// may complete it; evidence-requiring tasks refuse completion until at least
// one evidence item is attached.
func (d *Dispatcher) CompleteTask(ctx context.Context, p CompleteParams) (domain.Task, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := d.Repo.GetTaskTx(ctx, tx, p.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.State != domain.TaskInProgress {
		return domain.Task{}, &InvalidTransitionError{Entity: "task", From: t.State, To: domain.TaskCompleted}
	}
	if t.OwnerID != nil && *t.OwnerID != p.ActorID && !d.Config.SupervisorRole(p.ActorRole) {
		return domain.Task{}, &NotOwnerError{TaskID: t.ID, Owner: *t.OwnerID}
	}
	if t.RequiresEvidence && t.EvidenceCount == 0 {
		return domain.Task{}, ErrEvidenceRequired
	}
	now := d.nowRFC3339()
	before := t.State
	t.State = domain.TaskCompleted
	t.UpdatedAt = now
	t.CompletedAt = &now
	if p.Outcome != "" {
		t.Outcome = &p.Outcome
	}
	if err := d.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := d.resolveOpenEscalation(ctx, tx, t, p.ActorID, "task completed"); err != nil {
		return domain.Task{}, err
	}
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:      "task.complete",
		EntityKind:  "task",
		EntityID:    t.ID,
		ResidentID:  t.ResidentID,
		ActorID:     p.ActorID,
		BeforeState: before,
		AfterState:  t.State,
		Payload:     audit.Payload{"outcome": p.Outcome, "evidence_count": t.EvidenceCount},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type SkipParams struct {
	TaskID    string
	ActorID   string
	ActorRole string
	Reason    string
}

// SkipTask closes a task without doing it. A reason is mandatory; skipping
// an owned task requires the owner or a supervisor.
func (d *Dispatcher) SkipTask(ctx context.Context, p SkipParams) (domain.Task, error) {
	if p.Reason == "" {
		return domain.Task{}, &ValidationError{Field: "reason", Message: "skip requires a reason"}
	}
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := d.Repo.GetTaskTx(ctx, tx, p.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if domain.TerminalTaskState(t.State) {
		return domain.Task{}, ErrTerminalTask
	}
	if t.OwnerID != nil && *t.OwnerID != p.ActorID && !d.Config.SupervisorRole(p.ActorRole) {
		return domain.Task{}, &NotOwnerError{TaskID: t.ID, Owner: *t.OwnerID}
	}
	now := d.nowRFC3339()
	before := t.State
	t.State = domain.TaskSkipped
	t.UpdatedAt = now
	t.SkipReason = &p.Reason
	if err := d.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := d.resolveOpenEscalation(ctx, tx, t, p.ActorID, "task skipped: "+p.Reason); err != nil {
		return domain.Task{}, err
	}
	reason := p.Reason
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:      "task.skip",
		EntityKind:  "task",
		EntityID:    t.ID,
		ResidentID:  t.ResidentID,
		ActorID:     p.ActorID,
		BeforeState: before,
		AfterState:  t.State,
		Reason:      &reason,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AddEvidence attaches one evidence item to an in-progress task. Only the
// count is tracked; the artifact itself lives outside the engine.
func (d *Dispatcher) AddEvidence(ctx context.Context, taskID, actorID, note string) (domain.Task, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := d.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.State != domain.TaskInProgress {
		return domain.Task{}, &InvalidTransitionError{Entity: "task", From: t.State, To: t.State}
	}
	if t.OwnerID != nil && *t.OwnerID != actorID {
		return domain.Task{}, &NotOwnerError{TaskID: t.ID, Owner: *t.OwnerID}
	}
	t.EvidenceCount++
	t.UpdatedAt = d.nowRFC3339()
	if err := d.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:     "task.evidence",
		EntityKind: "task",
		EntityID:   t.ID,
		ResidentID: t.ResidentID,
		ActorID:    actorID,
		Payload:    audit.Payload{"note": note, "evidence_count": t.EvidenceCount},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func claimableStates(allowEarlyStart bool) []string {
	states := []string{domain.TaskDue, domain.TaskEscalated}
	if allowEarlyStart {
		states = append(states, domain.TaskScheduled)
	}
	return states
}
