package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"careline/internal/audit"
	"careline/internal/domain"
	"careline/internal/repo"
)

type EscalateParams struct {
	TaskID  string
	ActorID string
	Reason  string
}

// EscalateTask raises a manual escalation on a task. If the task already has
// an open escalation it is returned unchanged, so repeated calls cannot
// stack alerts.
func (d *Dispatcher) EscalateTask(ctx context.Context, p EscalateParams) (domain.Escalation, error) {
	if p.Reason == "" {
		return domain.Escalation{}, &ValidationError{Field: "reason", Message: "escalation requires a reason"}
	}
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()

	t, err := d.Repo.GetTaskTx(ctx, tx, p.TaskID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if domain.TerminalTaskState(t.State) {
		return domain.Escalation{}, ErrTerminalTask
	}
	if existing, err := d.Repo.GetOpenEscalationByTaskTx(ctx, tx, t.ID); err == nil {
		return existing, tx.Commit()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Escalation{}, err
	}

	esc, err := d.raiseEscalationTx(ctx, tx, t, domain.EscalationSLAEvent, p.Reason, p.ActorID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	return esc, nil
}

// raiseEscalationTx creates a level-1 escalation for a task and flips the
// task to escalated when it is still unclaimed. The response deadline comes
// from the task priority's SLA window and is never recomputed afterwards.
func (d *Dispatcher) raiseEscalationTx(ctx context.Context, tx *sql.Tx, t domain.Task, kind, reason, actorID string) (domain.Escalation, error) {
	now := d.now()
	nowStr := now.Format(time.RFC3339)
	esc := domain.Escalation{
		ID:                 uuid.NewString(),
		TaskID:             &t.ID,
		ResidentID:         t.ResidentID,
		Kind:               kind,
		Priority:           t.Priority,
		Level:              1,
		Status:             domain.EscalationPending,
		CreatedAt:          nowStr,
		RequiredResponseBy: now.Add(time.Duration(d.Config.ResponseHoursFor(t.Priority)) * time.Hour).Format(time.RFC3339),
	}
	if err := d.Repo.InsertEscalationTx(ctx, tx, esc); err != nil {
		return domain.Escalation{}, err
	}
	beforeTask := t.State
	if t.State == domain.TaskScheduled || t.State == domain.TaskDue {
		t.State = domain.TaskEscalated
	}
	t.EscalationLevel = esc.Level
	t.UpdatedAt = nowStr
	if err := d.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Escalation{}, err
	}
	r := reason
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:      "escalation.raise",
		EntityKind:  "escalation",
		EntityID:    esc.ID,
		ResidentID:  esc.ResidentID,
		ActorID:     actorID,
		AfterState:  esc.Status,
		Reason:      &r,
		Payload:     audit.Payload{"task_id": t.ID, "kind": kind, "level": esc.Level, "required_response_by": esc.RequiredResponseBy},
	}); err != nil {
		return domain.Escalation{}, err
	}
	if beforeTask != t.State {
		if err := d.Audit.Append(ctx, tx, audit.Entry{
			Action:      "task.escalate",
			EntityKind:  "task",
			EntityID:    t.ID,
			ResidentID:  t.ResidentID,
			ActorID:     actorID,
			BeforeState: beforeTask,
			AfterState:  t.State,
		}); err != nil {
			return domain.Escalation{}, err
		}
	}
	return esc, nil
}

// resolveOpenEscalation closes a task's open escalation, if any, when the
// task itself closes. Missing is fine.
func (d *Dispatcher) resolveOpenEscalation(ctx context.Context, tx *sql.Tx, t domain.Task, actorID, note string) error {
	esc, err := d.Repo.GetOpenEscalationByTaskTx(ctx, tx, t.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := d.nowRFC3339()
	before := esc.Status
	esc.Status = domain.EscalationResolved
	esc.ResolvedAt = &now
	esc.ResolutionNotes = &note
	if err := d.Repo.UpdateEscalationTx(ctx, tx, esc); err != nil {
		return err
	}
	return d.Audit.Append(ctx, tx, audit.Entry{
		Action:      "escalation.resolve",
		EntityKind:  "escalation",
		EntityID:    esc.ID,
		ResidentID:  esc.ResidentID,
		ActorID:     actorID,
		BeforeState: before,
		AfterState:  esc.Status,
		Payload:     audit.Payload{"task_id": t.ID, "note": note},
	})
}

// ensureEscalationTransition is the escalation response state machine.
func ensureEscalationTransition(from, to string) error {
	allowed := map[string][]string{
		domain.EscalationPending:      {domain.EscalationAcknowledged},
		domain.EscalationAcknowledged: {domain.EscalationInProgress, domain.EscalationResolved},
		domain.EscalationInProgress:   {domain.EscalationResolved},
	}
	for _, t := range allowed[from] {
		if t == to {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "escalation", From: from, To: to}
}

type EscalationActionParams struct {
	EscalationID string
	ActorID      string
	Note         string
}

// AcknowledgeEscalation records that a human saw the escalation. The actor
// becomes the assignee.
func (d *Dispatcher) AcknowledgeEscalation(ctx context.Context, p EscalationActionParams) (domain.Escalation, error) {
	return d.moveEscalation(ctx, p, domain.EscalationAcknowledged, "escalation.acknowledge")
}

// StartEscalation marks the escalation as actively being worked.
func (d *Dispatcher) StartEscalation(ctx context.Context, p EscalationActionParams) (domain.Escalation, error) {
	return d.moveEscalation(ctx, p, domain.EscalationInProgress, "escalation.start")
}

// ResolveEscalation closes the escalation with a note.
func (d *Dispatcher) ResolveEscalation(ctx context.Context, p EscalationActionParams) (domain.Escalation, error) {
	if p.Note == "" {
		return domain.Escalation{}, &ValidationError{Field: "note", Message: "resolution requires a note"}
	}
	return d.moveEscalation(ctx, p, domain.EscalationResolved, "escalation.resolve")
}

func (d *Dispatcher) moveEscalation(ctx context.Context, p EscalationActionParams, to, action string) (domain.Escalation, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()

	esc, err := d.Repo.GetEscalationTx(ctx, tx, p.EscalationID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if !esc.Open() {
		return domain.Escalation{}, ErrEscalationResolved
	}
	if err := ensureEscalationTransition(esc.Status, to); err != nil {
		return domain.Escalation{}, err
	}
	now := d.nowRFC3339()
	before := esc.Status
	esc.Status = to
	switch to {
	case domain.EscalationAcknowledged:
		esc.AcknowledgedAt = &now
		actor := p.ActorID
		esc.AssignedTo = &actor
	case domain.EscalationResolved:
		esc.ResolvedAt = &now
		if p.Note != "" {
			note := p.Note
			esc.ResolutionNotes = &note
		}
	}
	if err := d.Repo.UpdateEscalationTx(ctx, tx, esc); err != nil {
		return domain.Escalation{}, err
	}
	entry := audit.Entry{
		Action:      action,
		EntityKind:  "escalation",
		EntityID:    esc.ID,
		ResidentID:  esc.ResidentID,
		ActorID:     p.ActorID,
		BeforeState: before,
		AfterState:  esc.Status,
	}
	if p.Note != "" {
		note := p.Note
		entry.Reason = &note
	}
	if err := d.Audit.Append(ctx, tx, entry); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	return esc, nil
}

// raiseBrainDeniedEscalation records a resident-level escalation when the
// rule evaluator refuses a transition while the resident is in an emergency.
// The refused transition itself writes nothing; the escalation is the only
// change the transaction commits. At most one stays open per resident.
func (d *Dispatcher) raiseBrainDeniedEscalation(ctx context.Context, tx *sql.Tx, p TransitionParams, cs domain.CareState, denial string) error {
	_, err := d.Repo.GetOpenResidentEscalationTx(ctx, tx, p.ResidentID, domain.EscalationBrainDenied)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	now := d.now()
	nowStr := now.Format(time.RFC3339)
	esc := domain.Escalation{
		ID:                 uuid.NewString(),
		ResidentID:         p.ResidentID,
		Kind:               domain.EscalationBrainDenied,
		Priority:           "critical",
		Level:              1,
		Status:             domain.EscalationPending,
		CreatedAt:          nowStr,
		RequiredResponseBy: now.Add(time.Duration(d.Config.ResponseHoursFor("critical")) * time.Hour).Format(time.RFC3339),
	}
	if err := d.Repo.InsertEscalationTx(ctx, tx, esc); err != nil {
		return err
	}
	reason := denial
	return d.Audit.Append(ctx, tx, audit.Entry{
		Action:     "escalation.raise",
		EntityKind: "escalation",
		EntityID:   esc.ID,
		ResidentID: p.ResidentID,
		ActorID:    p.ActorID,
		AfterState: esc.Status,
		Reason:     &reason,
		Payload: audit.Payload{
			"kind":                 esc.Kind,
			"level":                esc.Level,
			"denied_from":          cs.State,
			"denied_to":            p.ToState,
			"required_response_by": esc.RequiredResponseBy,
		},
	})
}
