package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/migrate"
	"careline/internal/repo"
)

type testEnv struct {
	d  *Dispatcher
	at time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{at: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := config.Default("facility-test")
	env.d = New(conn, cfg)
	env.d.Now = func() time.Time { return env.at }
	env.d.Audit.Now = env.d.Now
	return env
}

func (e *testEnv) advance(delta time.Duration) {
	e.at = e.at.Add(delta)
}

func (e *testEnv) onboard(t *testing.T, name string) domain.Resident {
	t.Helper()
	res, err := e.d.OnboardResident(context.Background(), OnboardResidentParams{Name: name, Unit: "A", ActorID: "admin"})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	return res
}

func (e *testEnv) task(t *testing.T, residentID string, p NewTaskParams) domain.Task {
	t.Helper()
	p.ResidentID = residentID
	if p.Name == "" {
		p.Name = "morning meds"
	}
	if p.ScheduledStart == "" {
		p.ScheduledStart = e.at.Format(time.RFC3339)
	}
	if p.ActorID == "" {
		p.ActorID = "scheduler"
	}
	task, err := e.d.NewTask(context.Background(), p)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func (e *testEnv) dueTask(t *testing.T, residentID string) domain.Task {
	t.Helper()
	task := e.task(t, residentID, NewTaskParams{})
	var err error
	task, err = e.markDue(task)
	if err != nil {
		t.Fatalf("mark due: %v", err)
	}
	return task
}

func (e *testEnv) markDue(task domain.Task) (domain.Task, error) {
	ctx := context.Background()
	tx, err := e.d.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, err
	}
	defer tx.Rollback()
	if _, err := e.d.Repo.MarkTaskDueTx(ctx, tx, task.ID, e.at.Format(time.RFC3339)); err != nil {
		return task, err
	}
	if err := tx.Commit(); err != nil {
		return task, err
	}
	return e.d.Repo.GetTask(ctx, task.ID)
}

func TestOnboardSeedsCareStateAndAudit(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")

	cs, err := env.d.Repo.GetCareState(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("get care state: %v", err)
	}
	if cs.State != domain.CareIdle || cs.Version != 1 {
		t.Fatalf("expected idle v1, got %s v%d", cs.State, cs.Version)
	}

	entries, err := env.d.Repo.ListAuditEntries(context.Background(), repo.AuditFilters{ResidentID: res.ID})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Action != "resident.onboard" || entries[1].Action != "care_state.init" {
		t.Fatalf("unexpected actions: %s, %s", entries[0].Action, entries[1].Action)
	}
}

func TestClaimFreeTask(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)

	claimed, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.State != domain.TaskInProgress {
		t.Fatalf("expected in_progress, got %s", claimed.State)
	}
	if claimed.OwnerID == nil || *claimed.OwnerID != "cg-ana" {
		t.Fatalf("expected owner cg-ana, got %v", claimed.OwnerID)
	}
}

func TestClaimHeldTaskSoftRejects(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)

	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	env.advance(10 * time.Minute)

	_, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ben"})
	var coll *CollisionError
	if !errors.As(err, &coll) {
		t.Fatalf("expected collision error, got %v", err)
	}
	if coll.Owner != "cg-ana" {
		t.Fatalf("expected owner cg-ana, got %s", coll.Owner)
	}
	if coll.HeldFor != 10*time.Minute {
		t.Fatalf("expected held for 10m, got %s", coll.HeldFor)
	}

	// the soft reject must leave no audit trace
	entries, err := env.d.Repo.ListAuditEntries(context.Background(), repo.AuditFilters{ActorID: "cg-ben"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected claim must not be audited, found %d entries", len(entries))
	}
}

func TestClaimIdempotentForOwner(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)

	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	again, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"})
	if err != nil {
		t.Fatalf("re-claim by owner should be a no-op, got %v", err)
	}
	if again.OwnerID == nil || *again.OwnerID != "cg-ana" {
		t.Fatalf("owner changed: %v", again.OwnerID)
	}
}

func TestOverrideTransfersOwnership(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)

	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	taken, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ben", Override: true, Reason: "ana pulled into emergency"})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if taken.OwnerID == nil || *taken.OwnerID != "cg-ben" {
		t.Fatalf("expected owner cg-ben, got %v", taken.OwnerID)
	}

	entries, err := env.d.Repo.ListAuditEntries(context.Background(), repo.AuditFilters{Action: "task.override"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 override entry, got %d", len(entries))
	}
	if entries[0].Reason == nil || *entries[0].Reason != "ana pulled into emergency" {
		t.Fatal("override entry must carry the reason")
	}
}

func TestOverrideWithoutReasonRejected(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)
	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ben", Override: true})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("override without reason must be a validation rejection, got %v", err)
	}
	if validation.Field != "reason" {
		t.Fatalf("expected the reason field flagged, got %q", validation.Field)
	}
}

func TestOverrideRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.d.Config.Overrides.MaxPerActorPerHour = 2
	res := env.onboard(t, "Maria Lopez")

	for i := 0; i < 2; i++ {
		task := env.dueTask(t, res.ID)
		if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ben", Override: true, Reason: "cover"}); err != nil {
			t.Fatalf("override %d: %v", i, err)
		}
	}

	task := env.dueTask(t, res.ID)
	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ben", Override: true, Reason: "cover"})
	if !errors.Is(err, ErrOverrideLimit) {
		t.Fatalf("expected override limit, got %v", err)
	}

	// an hour later the window has rolled over
	env.advance(61 * time.Minute)
	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ben", Override: true, Reason: "cover"}); err != nil {
		t.Fatalf("override after window: %v", err)
	}
}

func TestCompleteRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)
	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := env.d.CompleteTask(context.Background(), CompleteParams{TaskID: task.ID, ActorID: "cg-ben"})
	var notOwner *NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("expected not-owner error, got %v", err)
	}

	// a supervisor may complete someone else's task
	env.d.Config.Roles.Supervisor = []string{"nurse_lead"}
	done, err := env.d.CompleteTask(context.Background(), CompleteParams{TaskID: task.ID, ActorID: "cg-ben", ActorRole: "nurse_lead", Outcome: "done"})
	if err != nil {
		t.Fatalf("supervisor complete: %v", err)
	}
	if done.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", done.State)
	}
}

func TestCompleteRequiresEvidence(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.task(t, res.ID, NewTaskParams{Name: "wound dressing", RequiresEvidence: true})
	task, err := env.markDue(task)
	if err != nil {
		t.Fatalf("mark due: %v", err)
	}
	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := env.d.CompleteTask(context.Background(), CompleteParams{TaskID: task.ID, ActorID: "cg-ana"}); !errors.Is(err, ErrEvidenceRequired) {
		t.Fatalf("expected evidence required, got %v", err)
	}

	if _, err := env.d.AddEvidence(context.Background(), task.ID, "cg-ana", "photo attached"); err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if _, err := env.d.CompleteTask(context.Background(), CompleteParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("complete with evidence: %v", err)
	}
}

func TestSkipRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)

	if _, err := env.d.SkipTask(context.Background(), SkipParams{TaskID: task.ID, ActorID: "cg-ana"}); err == nil {
		t.Fatal("skip without reason must fail")
	}
	skipped, err := env.d.SkipTask(context.Background(), SkipParams{TaskID: task.ID, ActorID: "cg-ana", Reason: "resident asleep"})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped.State != domain.TaskSkipped {
		t.Fatalf("expected skipped, got %s", skipped.State)
	}
	if skipped.SkipReason == nil || *skipped.SkipReason != "resident asleep" {
		t.Fatal("skip reason not recorded")
	}
}

func TestTerminalTaskRefusesEverything(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)
	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.d.CompleteTask(context.Background(), CompleteParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ben"}); !errors.Is(err, ErrTerminalTask) {
		t.Fatalf("expected terminal task, got %v", err)
	}
	if _, err := env.d.SkipTask(context.Background(), SkipParams{TaskID: task.ID, ActorID: "cg-ben", Reason: "late"}); !errors.Is(err, ErrTerminalTask) {
		t.Fatalf("expected terminal task, got %v", err)
	}
}

func TestTransitionBumpsVersionByOne(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")

	cs, err := env.d.TransitionCareState(context.Background(), TransitionParams{
		ResidentID: res.ID, ToState: domain.CarePreparing, ReadVersion: 1, ActorID: "cg-ana",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if cs.Version != 2 || cs.State != domain.CarePreparing {
		t.Fatalf("expected preparing v2, got %s v%d", cs.State, cs.Version)
	}
}

func TestTransitionStaleVersionRejected(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")

	if _, err := env.d.TransitionCareState(context.Background(), TransitionParams{
		ResidentID: res.ID, ToState: domain.CarePreparing, ReadVersion: 1, ActorID: "cg-ana",
	}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// second writer still holds version 1
	_, err := env.d.TransitionCareState(context.Background(), TransitionParams{
		ResidentID: res.ID, ToState: domain.CareInCare, ReadVersion: 1, ActorID: "cg-ben",
	})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}

	cs, err := env.d.Repo.GetCareState(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("get care state: %v", err)
	}
	if cs.Version != 2 {
		t.Fatalf("rejected write must not bump version, got v%d", cs.Version)
	}
}

func TestTransitionSameStateRejectedWithoutAudit(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")

	_, err := env.d.TransitionCareState(context.Background(), TransitionParams{
		ResidentID: res.ID, ToState: domain.CareIdle, ReadVersion: 1, ActorID: "cg-ana",
	})
	if !errors.Is(err, ErrSameState) {
		t.Fatalf("expected same state, got %v", err)
	}
	entries, err := env.d.Repo.ListAuditEntries(context.Background(), repo.AuditFilters{Action: "care_state.transition"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("same-state reject must not be audited, found %d", len(entries))
	}
}

func TestTransitionBrainDenied(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")

	_, err := env.d.TransitionCareState(context.Background(), TransitionParams{
		ResidentID: res.ID, ToState: domain.CareInCare, ReadVersion: 1, ActorID: "cg-ana",
	})
	var denied *BrainDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected brain denial, got %v", err)
	}
	if denied.From != domain.CareIdle || denied.To != domain.CareInCare {
		t.Fatalf("denial names wrong states: %s -> %s", denied.From, denied.To)
	}
}

func TestBrainDenialDuringEmergencyRaisesEscalation(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	ctx := context.Background()

	if _, err := env.d.TransitionCareState(ctx, TransitionParams{
		ResidentID: res.ID, ToState: domain.CarePreparing, ReadVersion: 1, ActorID: "cg-ana",
	}); err != nil {
		t.Fatalf("to preparing: %v", err)
	}
	if _, err := env.d.TransitionCareState(ctx, TransitionParams{
		ResidentID: res.ID, ToState: domain.CareInCare, ReadVersion: 2, ActorID: "cg-ana",
	}); err != nil {
		t.Fatalf("to in_care: %v", err)
	}
	if _, err := env.d.SetEmergency(ctx, res.ID, true, "nurse_lead", "fall detected"); err != nil {
		t.Fatalf("set emergency: %v", err)
	}

	// idle passes the emergency gate but in_care -> idle is not an allowed
	// transition, so the rule evaluator refuses it.
	_, err := env.d.TransitionCareState(ctx, TransitionParams{
		ResidentID: res.ID, ToState: domain.CareIdle, ReadVersion: 4, ActorID: "cg-ana",
	})
	var denied *BrainDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected brain denial, got %v", err)
	}

	escs, err := env.d.Repo.ListEscalations(ctx, repo.EscalationFilters{ResidentID: res.ID, OpenOnly: true})
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected 1 open escalation, got %d", len(escs))
	}
	esc := escs[0]
	if esc.Kind != domain.EscalationBrainDenied || esc.Priority != "critical" {
		t.Fatalf("expected critical brain_denied escalation, got kind=%s priority=%s", esc.Kind, esc.Priority)
	}
	if esc.TaskID != nil {
		t.Fatalf("expected a resident-level escalation, got task %s", *esc.TaskID)
	}

	// a second refused attempt must not stack another escalation
	if _, err := env.d.TransitionCareState(ctx, TransitionParams{
		ResidentID: res.ID, ToState: domain.CareIdle, ReadVersion: 4, ActorID: "cg-ana",
	}); !errors.As(err, &denied) {
		t.Fatalf("expected brain denial on retry, got %v", err)
	}
	escs, err = env.d.Repo.ListEscalations(ctx, repo.EscalationFilters{ResidentID: res.ID, OpenOnly: true})
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected the escalation to stay single, got %d", len(escs))
	}
}

func TestEmergencyGateBlocksTransitions(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")

	cs, err := env.d.SetEmergency(context.Background(), res.ID, true, "nurse_lead", "fall detected")
	if err != nil {
		t.Fatalf("set emergency: %v", err)
	}
	if cs.Version != 2 || !cs.Emergency {
		t.Fatalf("expected emergency v2, got v%d emergency=%v", cs.Version, cs.Emergency)
	}

	// preparing is not emergency-compatible in the default policy
	_, err = env.d.TransitionCareState(context.Background(), TransitionParams{
		ResidentID: res.ID, ToState: domain.CarePreparing, ReadVersion: 2, ActorID: "cg-ana",
	})
	if !errors.Is(err, ErrBlockedByEmergency) {
		t.Fatalf("expected emergency block, got %v", err)
	}

	cleared, err := env.d.SetEmergency(context.Background(), res.ID, false, "nurse_lead", "resolved")
	if err != nil {
		t.Fatalf("clear emergency: %v", err)
	}
	if _, err := env.d.TransitionCareState(context.Background(), TransitionParams{
		ResidentID: res.ID, ToState: domain.CarePreparing, ReadVersion: cleared.Version, ActorID: "cg-ana",
	}); err != nil {
		t.Fatalf("transition after clear: %v", err)
	}
}

func TestSetEmergencyTwiceRejected(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	if _, err := env.d.SetEmergency(context.Background(), res.ID, true, "nurse_lead", "fall"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := env.d.SetEmergency(context.Background(), res.ID, true, "nurse_lead", "fall"); !errors.Is(err, ErrSameState) {
		t.Fatalf("expected same state, got %v", err)
	}
}

func TestManualEscalationIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)

	first, err := env.d.EscalateTask(context.Background(), EscalateParams{TaskID: task.ID, ActorID: "cg-ana", Reason: "resident refusing meds"})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	second, err := env.d.EscalateTask(context.Background(), EscalateParams{TaskID: task.ID, ActorID: "cg-ben", Reason: "still refusing"})
	if err != nil {
		t.Fatalf("re-escalate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same open escalation, got %s and %s", first.ID, second.ID)
	}

	got, err := env.d.Repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskEscalated {
		t.Fatalf("expected escalated, got %s", got.State)
	}
}

func TestEscalationResponseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)
	esc, err := env.d.EscalateTask(context.Background(), EscalateParams{TaskID: task.ID, ActorID: "cg-ana", Reason: "overdue"})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}

	// resolving straight from pending is not allowed
	if _, err := env.d.ResolveEscalation(context.Background(), EscalationActionParams{EscalationID: esc.ID, ActorID: "nurse_lead", Note: "handled"}); err == nil {
		t.Fatal("resolve from pending must fail")
	}

	acked, err := env.d.AcknowledgeEscalation(context.Background(), EscalationActionParams{EscalationID: esc.ID, ActorID: "nurse_lead"})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.AssignedTo == nil || *acked.AssignedTo != "nurse_lead" {
		t.Fatal("acknowledging must assign the actor")
	}
	if _, err := env.d.StartEscalation(context.Background(), EscalationActionParams{EscalationID: esc.ID, ActorID: "nurse_lead"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	resolved, err := env.d.ResolveEscalation(context.Background(), EscalationActionParams{EscalationID: esc.ID, ActorID: "nurse_lead", Note: "spoke with resident"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.EscalationResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}

	if _, err := env.d.AcknowledgeEscalation(context.Background(), EscalationActionParams{EscalationID: esc.ID, ActorID: "nurse_lead"}); !errors.Is(err, ErrEscalationResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
}

func TestCompletingTaskResolvesItsEscalation(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	task := env.dueTask(t, res.ID)
	esc, err := env.d.EscalateTask(context.Background(), EscalateParams{TaskID: task.ID, ActorID: "cg-ana", Reason: "overdue"})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if _, err := env.d.ClaimTask(context.Background(), ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("claim escalated task: %v", err)
	}
	if _, err := env.d.CompleteTask(context.Background(), CompleteParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := env.d.Repo.GetEscalation(context.Background(), esc.ID)
	if err != nil {
		t.Fatalf("get escalation: %v", err)
	}
	if got.Status != domain.EscalationResolved {
		t.Fatalf("expected resolved escalation, got %s", got.Status)
	}
}

func TestDeactivatedResidentRefusesNewWork(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")
	if err := env.d.DeactivateResident(context.Background(), res.ID, "admin"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := env.d.NewTask(context.Background(), NewTaskParams{ResidentID: res.ID, Name: "meds", ScheduledStart: env.at.Format(time.RFC3339), ActorID: "scheduler"})
	if !errors.Is(err, ErrResidentInactive) {
		t.Fatalf("expected inactive resident, got %v", err)
	}
	_, err = env.d.TransitionCareState(context.Background(), TransitionParams{ResidentID: res.ID, ToState: domain.CarePreparing, ReadVersion: 1, ActorID: "cg-ana"})
	if !errors.Is(err, ErrResidentInactive) {
		t.Fatalf("expected inactive resident, got %v", err)
	}
}

func TestAuditOrderMatchesTransitionOrder(t *testing.T) {
	env := newTestEnv(t)
	res := env.onboard(t, "Maria Lopez")

	states := []string{domain.CarePreparing, domain.CareInCare, domain.CarePaused}
	version := int64(1)
	for _, s := range states {
		cs, err := env.d.TransitionCareState(context.Background(), TransitionParams{
			ResidentID: res.ID, ToState: s, ReadVersion: version, ActorID: "cg-ana",
		})
		if err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
		version = cs.Version
	}

	entries, err := env.d.Repo.ListAuditEntries(context.Background(), repo.AuditFilters{Action: "care_state.transition"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != len(states) {
		t.Fatalf("expected %d entries, got %d", len(states), len(entries))
	}
	for i, e := range entries {
		if e.AfterState != states[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, states[i], e.AfterState)
		}
		if e.AfterVersion != e.BeforeVersion+1 {
			t.Fatalf("entry %d: version must advance by one (%d -> %d)", i, e.BeforeVersion, e.AfterVersion)
		}
	}
}
