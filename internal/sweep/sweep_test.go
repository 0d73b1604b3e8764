package sweep

import (
	"context"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/dispatch"
	"careline/internal/domain"
	"careline/internal/migrate"
	"careline/internal/repo"
)

type testEnv struct {
	s  *Sweeper
	d  *dispatch.Dispatcher
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
	now := func() time.Time { return env.at }
	env.d = dispatch.New(conn, cfg)
	env.d.Now = now
	env.d.Audit.Now = now
	env.s = New(conn, cfg, time.Second)
	env.s.Now = now
	env.s.Audit.Now = now
	return env
}

func (e *testEnv) seed(t *testing.T, priority string) (domain.Resident, domain.Task) {
	t.Helper()
	res, err := e.d.OnboardResident(context.Background(), dispatch.OnboardResidentParams{Name: "Maria Lopez", ActorID: "admin"})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	task, err := e.d.NewTask(context.Background(), dispatch.NewTaskParams{
		ResidentID:     res.ID,
		Name:           "morning meds",
		Priority:       priority,
		ScheduledStart: e.at.Add(time.Minute).Format(time.RFC3339),
		ActorID:        "scheduler",
	})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return res, task
}

func TestSweepFlipsScheduledToDue(t *testing.T) {
	env := newTestEnv(t)
	_, task := env.seed(t, "medium")

	// before the start time nothing moves
	st, err := env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Due != 0 {
		t.Fatalf("expected no due flips, got %d", st.Due)
	}

	env.at = env.at.Add(2 * time.Minute)
	st, err = env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Due != 1 {
		t.Fatalf("expected 1 due flip, got %d", st.Due)
	}
	got, err := env.d.Repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskDue {
		t.Fatalf("expected due, got %s", got.State)
	}
}

func TestSweepEscalatesUnclaimedAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	_, task := env.seed(t, "high")

	env.at = env.at.Add(2 * time.Minute)
	if _, err := env.s.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// inside the grace window, no escalation yet
	env.at = env.at.Add(time.Duration(env.s.Config.SLA.GraceMinutes-5) * time.Minute)
	st, err := env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Escalated != 0 {
		t.Fatalf("escalated inside grace window")
	}

	env.at = env.at.Add(10 * time.Minute)
	st, err = env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Escalated != 1 {
		t.Fatalf("expected 1 escalation, got %d", st.Escalated)
	}

	got, err := env.d.Repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskEscalated || got.EscalationLevel != 1 {
		t.Fatalf("expected escalated level 1, got %s level %d", got.State, got.EscalationLevel)
	}

	escs, err := env.d.Repo.ListEscalations(context.Background(), repo.EscalationFilters{OpenOnly: true})
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected 1 open escalation, got %d", len(escs))
	}
	esc := escs[0]
	if esc.Kind != domain.EscalationTaskOverdue {
		t.Fatalf("expected task_overdue, got %s", esc.Kind)
	}
	// high priority gets the 2 hour response window in the default policy
	deadline, _ := time.Parse(time.RFC3339, esc.RequiredResponseBy)
	if want := env.at.Add(2 * time.Hour); !deadline.Equal(want) {
		t.Fatalf("expected deadline %s, got %s", want, deadline)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "medium")

	env.at = env.at.Add(time.Duration(env.s.Config.SLA.GraceMinutes+5) * time.Minute)
	if _, err := env.s.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	st, err := env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if st.Due != 0 || st.Escalated != 0 || st.Leveled != 0 {
		t.Fatalf("second pass over same state must change nothing, got %+v", st)
	}
}

func TestSweepLevelsUpAndFlagsAtMax(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "critical")

	env.at = env.at.Add(time.Duration(env.s.Config.SLA.GraceMinutes+5) * time.Minute)
	if _, err := env.s.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	window := time.Duration(env.s.Config.ResponseHoursFor("critical")) * time.Hour
	maxLevel := env.s.Config.SLA.MaxLevel
	for level := 2; level <= maxLevel; level++ {
		env.at = env.at.Add(window + time.Minute)
		st, err := env.s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if st.Leveled != 1 {
			t.Fatalf("expected level up to %d, got %+v", level, st)
		}
	}

	escs, err := env.d.Repo.ListEscalations(context.Background(), repo.EscalationFilters{OpenOnly: true})
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(escs) != 1 || escs[0].Level != maxLevel {
		t.Fatalf("expected level %d, got %+v", maxLevel, escs)
	}
	if escs[0].ComplianceFlagged {
		t.Fatal("flag must wait for the deadline to lapse at max level")
	}

	env.at = env.at.Add(window + time.Minute)
	st, err := env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Flagged != 1 {
		t.Fatalf("expected compliance flag, got %+v", st)
	}

	// flagging happens once
	env.at = env.at.Add(time.Minute)
	st, err = env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Flagged != 0 || st.Leveled != 0 {
		t.Fatalf("flag must not repeat, got %+v", st)
	}
}

func TestSweepAcknowledgedEscalationHoldsLevel(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "critical")

	env.at = env.at.Add(time.Duration(env.s.Config.SLA.GraceMinutes+5) * time.Minute)
	if _, err := env.s.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	escs, err := env.d.Repo.ListEscalations(context.Background(), repo.EscalationFilters{OpenOnly: true})
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected 1 open escalation, got %d", len(escs))
	}
	if _, err := env.d.AcknowledgeEscalation(context.Background(), dispatch.EscalationActionParams{
		EscalationID: escs[0].ID,
		ActorID:      "nurse-lena",
	}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// a human responded; blowing the deadline must not climb the level
	window := time.Duration(env.s.Config.ResponseHoursFor("critical")) * time.Hour
	env.at = env.at.Add(window + time.Minute)
	st, err := env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Leveled != 0 || st.Flagged != 0 {
		t.Fatalf("acknowledged escalation must hold its level, got %+v", st)
	}
	got, err := env.d.Repo.GetEscalation(context.Background(), escs[0].ID)
	if err != nil {
		t.Fatalf("get escalation: %v", err)
	}
	if got.Level != 1 || got.ComplianceFlagged {
		t.Fatalf("expected level 1 unflagged, got level %d flagged %v", got.Level, got.ComplianceFlagged)
	}
}

func TestSweepEscalatesLongRunningTask(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.d.OnboardResident(context.Background(), dispatch.OnboardResidentParams{Name: "Maria Lopez", ActorID: "admin"})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	task, err := env.d.NewTask(context.Background(), dispatch.NewTaskParams{
		ResidentID:     res.ID,
		Name:           "physio session",
		ScheduledStart: env.at.Format(time.RFC3339),
		ScheduledEnd:   env.at.Add(30 * time.Minute).Format(time.RFC3339),
		ActorID:        "scheduler",
	})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	env.at = env.at.Add(time.Minute)
	if _, err := env.s.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := env.d.ClaimTask(context.Background(), dispatch.ClaimParams{TaskID: task.ID, ActorID: "cg-ana"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// run long past the scheduled end plus grace
	env.at = env.at.Add(30*time.Minute + time.Duration(env.s.Config.SLA.GraceMinutes+5)*time.Minute)
	st, err := env.s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if st.Escalated != 1 {
		t.Fatalf("expected escalation for long-running task, got %+v", st)
	}

	// the task stays in_progress with its owner
	got, err := env.d.Repo.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskInProgress || got.OwnerID == nil {
		t.Fatalf("long-running task must keep its owner, got %s owner %v", got.State, got.OwnerID)
	}
	if got.EscalationLevel != 1 {
		t.Fatalf("expected escalation level 1, got %d", got.EscalationLevel)
	}
}
