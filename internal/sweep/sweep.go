package sweep

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"careline/internal/audit"
	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/repo"
)

// SystemActor is recorded on audit entries written by the sweep.
const SystemActor = "system"

// Sweeper is the time-based side of the engine. It flips scheduled tasks to
// due, raises overdue escalations once the grace window lapses, and bumps
// escalation levels whose response deadline passed. Every pass is
// idempotent: re-running over the same state changes nothing.
type Sweeper struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Config   *config.Config
	Interval time.Duration
	Now      func() time.Time
	Logf     func(format string, args ...any)
}

func New(db *sql.DB, cfg *config.Config, interval time.Duration) *Sweeper {
	return &Sweeper{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Config:   cfg,
		Interval: interval,
		Now:      time.Now,
	}
}

// Stats summarizes one sweep pass.
type Stats struct {
	Due       int `json:"due"`
	Escalated int `json:"escalated"`
	Leveled   int `json:"leveled"`
	Flagged   int `json:"flagged"`
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logf("sweep: %v", err)
			}
		}
	}
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.flipDue(ctx, &st); err != nil {
		return st, err
	}
	if err := s.escalateOverdue(ctx, &st); err != nil {
		return st, err
	}
	if err := s.raiseLevels(ctx, &st); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Sweeper) flipDue(ctx context.Context, st *Stats) error {
	now := s.now().Format(time.RFC3339)
	tasks, err := s.Repo.ListScheduledDueBefore(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		ok, err := s.Repo.MarkTaskDueTx(ctx, tx, t.ID, now)
		if err != nil {
			tx.Rollback()
			return err
		}
		if !ok {
			// someone claimed or closed it since the list
			tx.Rollback()
			continue
		}
		if err := s.Audit.Append(ctx, tx, audit.Entry{
			Action:      "task.due",
			EntityKind:  "task",
			EntityID:    t.ID,
			ResidentID:  t.ResidentID,
			ActorID:     SystemActor,
			BeforeState: domain.TaskScheduled,
			AfterState:  domain.TaskDue,
		}); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		st.Due++
	}
	return nil
}

func (s *Sweeper) escalateOverdue(ctx context.Context, st *Stats) error {
	now := s.now()
	graceCutoff := now.Add(-time.Duration(s.Config.SLA.GraceMinutes) * time.Minute).Format(time.RFC3339)

	unclaimed, err := s.Repo.ListUnclaimedOverdue(ctx, graceCutoff)
	if err != nil {
		return err
	}
	running, err := s.Repo.ListInProgressPastEnd(ctx, graceCutoff)
	if err != nil {
		return err
	}
	for _, t := range append(unclaimed, running...) {
		raised, err := s.raiseOverdue(ctx, t, now)
		if err != nil {
			return err
		}
		if raised {
			st.Escalated++
		}
	}
	return nil
}

func (s *Sweeper) raiseOverdue(ctx context.Context, t domain.Task, now time.Time) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := s.Repo.GetOpenEscalationByTaskTx(ctx, tx, t.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}

	nowStr := now.Format(time.RFC3339)
	esc := domain.Escalation{
		ID:                 uuid.NewString(),
		TaskID:             &t.ID,
		ResidentID:         t.ResidentID,
		Kind:               domain.EscalationTaskOverdue,
		Priority:           t.Priority,
		Level:              1,
		Status:             domain.EscalationPending,
		CreatedAt:          nowStr,
		RequiredResponseBy: now.Add(time.Duration(s.Config.ResponseHoursFor(t.Priority)) * time.Hour).Format(time.RFC3339),
	}
	if err := s.Repo.InsertEscalationTx(ctx, tx, esc); err != nil {
		if repo.IsBusy(err) {
			return false, nil
		}
		return false, err
	}

	before := t.State
	if t.State == domain.TaskDue {
		t.State = domain.TaskEscalated
	}
	t.EscalationLevel = esc.Level
	t.UpdatedAt = nowStr
	if err := s.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return false, err
	}

	reason := "task overdue past grace window"
	if err := s.Audit.Append(ctx, tx, audit.Entry{
		Action:     "escalation.raise",
		EntityKind: "escalation",
		EntityID:   esc.ID,
		ResidentID: esc.ResidentID,
		ActorID:    SystemActor,
		AfterState: esc.Status,
		Reason:     &reason,
		Payload:    audit.Payload{"task_id": t.ID, "kind": esc.Kind, "level": esc.Level, "required_response_by": esc.RequiredResponseBy},
	}); err != nil {
		return false, err
	}
	if before != t.State {
		if err := s.Audit.Append(ctx, tx, audit.Entry{
			Action:      "task.escalate",
			EntityKind:  "task",
			EntityID:    t.ID,
			ResidentID:  t.ResidentID,
			ActorID:     SystemActor,
			BeforeState: before,
			AfterState:  t.State,
		}); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *Sweeper) raiseLevels(ctx context.Context, st *Stats) error {
	now := s.now()
	nowStr := now.Format(time.RFC3339)
	lapsed, err := s.Repo.ListOpenPastDeadline(ctx, nowStr)
	if err != nil {
		return err
	}
	for _, esc := range lapsed {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if esc.Level < s.Config.SLA.MaxLevel {
			esc.Level++
			esc.RequiredResponseBy = now.Add(time.Duration(s.Config.ResponseHoursFor(esc.Priority)) * time.Hour).Format(time.RFC3339)
			if err := s.Repo.UpdateEscalationTx(ctx, tx, esc); err != nil {
				tx.Rollback()
				return err
			}
			if esc.TaskID != nil {
				if t, err := s.Repo.GetTaskTx(ctx, tx, *esc.TaskID); err == nil && !domain.TerminalTaskState(t.State) {
					t.EscalationLevel = esc.Level
					t.UpdatedAt = nowStr
					if err := s.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
						tx.Rollback()
						return err
					}
				}
			}
			if err := s.Audit.Append(ctx, tx, audit.Entry{
				Action:     "escalation.level_up",
				EntityKind: "escalation",
				EntityID:   esc.ID,
				ResidentID: esc.ResidentID,
				ActorID:    SystemActor,
				AfterState: esc.Status,
				Payload:    audit.Payload{"level": esc.Level, "required_response_by": esc.RequiredResponseBy},
			}); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			st.Leveled++
			continue
		}
		if esc.ComplianceFlagged {
			tx.Rollback()
			continue
		}
		esc.ComplianceFlagged = true
		if err := s.Repo.UpdateEscalationTx(ctx, tx, esc); err != nil {
			tx.Rollback()
			return err
		}
		if err := s.Audit.Append(ctx, tx, audit.Entry{
			Action:     "escalation.compliance_flag",
			EntityKind: "escalation",
			EntityID:   esc.ID,
			ResidentID: esc.ResidentID,
			ActorID:    SystemActor,
			AfterState: esc.Status,
			Payload:    audit.Payload{"level": esc.Level},
		}); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		st.Flagged++
	}
	return nil
}
