package dispatch

import (
	"context"

	"careline/internal/audit"
	"careline/internal/brain"
	"careline/internal/domain"
	"careline/internal/repo"
)

type TransitionParams struct {
	ResidentID  string
	ToState     string
	ReadVersion int64
	ActorID     string
	Reason      string
}

// TransitionCareState moves a resident to a new care state under optimistic
// concurrency. The caller submits the version it read; if the stored version
// moved, the write is refused and nothing is audited. Order of checks: same
// state, emergency gate, rule evaluation, then the version-guarded write.
// A rule denial during an emergency additionally raises a critical
// resident-level escalation before the refusal is reported.
func (d *Dispatcher) TransitionCareState(ctx context.Context, p TransitionParams) (domain.CareState, error) {
	if !validCareState(p.ToState) {
		return domain.CareState{}, &InvalidTransitionError{Entity: "care_state", From: "?", To: p.ToState}
	}
	if _, err := d.ensureActiveResident(ctx, p.ResidentID); err != nil {
		return domain.CareState{}, err
	}
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.CareState{}, err
	}
	defer tx.Rollback()

	cs, err := d.Repo.GetCareStateTx(ctx, tx, p.ResidentID)
	if err != nil {
		return domain.CareState{}, err
	}
	if cs.Version != p.ReadVersion {
		return domain.CareState{}, ErrVersionMismatch
	}
	if cs.State == p.ToState {
		return domain.CareState{}, ErrSameState
	}
	if cs.Emergency && !d.Config.EmergencyCompatible(p.ToState) {
		return domain.CareState{}, ErrBlockedByEmergency
	}
	out, err := d.Brain.Evaluate(ctx, brain.Request{
		ResidentID: p.ResidentID,
		From:       cs.State,
		To:         p.ToState,
		ActorID:    p.ActorID,
		Emergency:  cs.Emergency,
	})
	if err != nil {
		return domain.CareState{}, err
	}
	if !out.Allowed {
		denied := &BrainDeniedError{From: cs.State, To: p.ToState, Reason: out.Reason, FiredRules: out.FiredRules}
		if cs.Emergency {
			if err := d.raiseBrainDeniedEscalation(ctx, tx, p, cs, out.Reason); err != nil {
				return domain.CareState{}, err
			}
			if err := tx.Commit(); err != nil {
				return domain.CareState{}, err
			}
		}
		return domain.CareState{}, denied
	}

	now := d.nowRFC3339()
	ok, err := d.Repo.CompareAndSwapCareState(ctx, tx, p.ResidentID, p.ReadVersion, p.ToState, cs.Emergency, now, p.ActorID)
	if err != nil {
		if repo.IsBusy(err) {
			return domain.CareState{}, ErrVersionMismatch
		}
		return domain.CareState{}, err
	}
	if !ok {
		return domain.CareState{}, ErrVersionMismatch
	}

	entry := audit.Entry{
		Action:        "care_state.transition",
		EntityKind:    "care_state",
		EntityID:      p.ResidentID,
		ResidentID:    p.ResidentID,
		ActorID:       p.ActorID,
		BeforeState:   cs.State,
		BeforeVersion: cs.Version,
		AfterState:    p.ToState,
		AfterVersion:  cs.Version + 1,
	}
	if p.Reason != "" {
		entry.Reason = &p.Reason
	}
	if err := d.Audit.Append(ctx, tx, entry); err != nil {
		return domain.CareState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CareState{}, err
	}
	return domain.CareState{
		ResidentID: p.ResidentID,
		State:      p.ToState,
		Emergency:  cs.Emergency,
		Version:    cs.Version + 1,
		UpdatedAt:  now,
		UpdatedBy:  p.ActorID,
	}, nil
}

// SetEmergency raises or clears the emergency flag. The write is versioned
// like any other care-state change, but it bypasses the rule evaluator:
// declaring an emergency must never be vetoed.
func (d *Dispatcher) SetEmergency(ctx context.Context, residentID string, on bool, actorID, reason string) (domain.CareState, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return domain.CareState{}, err
	}
	defer tx.Rollback()

	cs, err := d.Repo.GetCareStateTx(ctx, tx, residentID)
	if err != nil {
		return domain.CareState{}, err
	}
	if cs.Emergency == on {
		return domain.CareState{}, ErrSameState
	}
	now := d.nowRFC3339()
	ok, err := d.Repo.CompareAndSwapCareState(ctx, tx, residentID, cs.Version, cs.State, on, now, actorID)
	if err != nil {
		return domain.CareState{}, err
	}
	if !ok {
		return domain.CareState{}, ErrVersionMismatch
	}
	action := "care_state.emergency_set"
	if !on {
		action = "care_state.emergency_clear"
	}
	entry := audit.Entry{
		Action:        action,
		EntityKind:    "care_state",
		EntityID:      residentID,
		ResidentID:    residentID,
		ActorID:       actorID,
		BeforeState:   cs.State,
		BeforeVersion: cs.Version,
		AfterState:    cs.State,
		AfterVersion:  cs.Version + 1,
	}
	if reason != "" {
		entry.Reason = &reason
	}
	if err := d.Audit.Append(ctx, tx, entry); err != nil {
		return domain.CareState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CareState{}, err
	}
	return domain.CareState{
		ResidentID: residentID,
		State:      cs.State,
		Emergency:  on,
		Version:    cs.Version + 1,
		UpdatedAt:  now,
		UpdatedBy:  actorID,
	}, nil
}

func validCareState(s string) bool {
	switch s {
	case domain.CareIdle, domain.CarePreparing, domain.CareInCare, domain.CarePaused, domain.CareCompleting:
		return true
	}
	return false
}
