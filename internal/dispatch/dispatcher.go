package dispatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"careline/internal/audit"
	"careline/internal/brain"
	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/repo"
)

// Dispatcher is the write path of the engine. Every mutation runs in one
// transaction: read, validate against policy, write, append audit, commit.
// Rejections roll back without touching the audit log.
type Dispatcher struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Brain  brain.Evaluator
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Brain:  brain.NewTableEvaluator(cfg),
		Config: cfg,
		Now:    time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func (d *Dispatcher) nowRFC3339() string {
	return d.now().Format(time.RFC3339)
}

func (d *Dispatcher) begin(ctx context.Context) (*sql.Tx, error) {
	return d.DB.BeginTx(ctx, nil)
}

// --- residents ---

type OnboardResidentParams struct {
	ID      string
	Name    string
	Unit    string
	ActorID string
}

// OnboardResident registers a resident and seeds their care state at idle,
// version 1. Both rows and both audit entries land in one transaction.
func (d *Dispatcher) OnboardResident(ctx context.Context, p OnboardResidentParams) (domain.Resident, error) {
	if p.Name == "" {
		return domain.Resident{}, &ValidationError{Field: "name", Message: "resident name is required"}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := d.nowRFC3339()
	res := domain.Resident{
		ID:          p.ID,
		Name:        p.Name,
		Unit:        p.Unit,
		Active:      true,
		OnboardedAt: now,
	}
	cs := domain.CareState{
		ResidentID: p.ID,
		State:      domain.CareIdle,
		Version:    1,
		UpdatedAt:  now,
		UpdatedBy:  p.ActorID,
	}
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.Resident{}, err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertResidentTx(ctx, tx, res); err != nil {
		return domain.Resident{}, err
	}
	if err := d.Repo.InsertCareStateTx(ctx, tx, cs); err != nil {
		return domain.Resident{}, err
	}
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:     "resident.onboard",
		EntityKind: "resident",
		EntityID:   res.ID,
		ResidentID: res.ID,
		ActorID:    p.ActorID,
		AfterState: "active",
		Payload:    audit.Payload{"name": res.Name, "unit": res.Unit},
	}); err != nil {
		return domain.Resident{}, err
	}
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:       "care_state.init",
		EntityKind:   "care_state",
		EntityID:     res.ID,
		ResidentID:   res.ID,
		ActorID:      p.ActorID,
		AfterState:   cs.State,
		AfterVersion: cs.Version,
	}); err != nil {
		return domain.Resident{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Resident{}, err
	}
	return res, nil
}

// DeactivateResident retires a resident. Existing tasks keep their history
// but no new work can be dispatched for them.
func (d *Dispatcher) DeactivateResident(ctx context.Context, residentID, actorID string) error {
	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.SetResidentActiveTx(ctx, tx, residentID, false); err != nil {
		return err
	}
	if err := d.Audit.Append(ctx, tx, audit.Entry{
		Action:      "resident.deactivate",
		EntityKind:  "resident",
		EntityID:    residentID,
		ResidentID:  residentID,
		ActorID:     actorID,
		BeforeState: "active",
		AfterState:  "inactive",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Dispatcher) ensureActiveResident(ctx context.Context, residentID string) (domain.Resident, error) {
	res, err := d.Repo.GetResident(ctx, residentID)
	if err != nil {
		return res, err
	}
	if !res.Active {
		return res, ErrResidentInactive
	}
	return res, nil
}
