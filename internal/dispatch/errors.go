package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVersionMismatch means the care state changed between read and
	// write. The caller re-reads and re-submits.
	ErrVersionMismatch = errors.New("care state changed since read, re-read and retry")

	// ErrSameState means a transition targeted the state the resident is
	// already in. Rejected so no audit noise or version bump happens.
	ErrSameState = errors.New("resident is already in the requested state")

	// ErrBlockedByEmergency means the emergency flag forbids normal
	// transitions until it is cleared.
	ErrBlockedByEmergency = errors.New("resident is in emergency, transition blocked")

	// ErrEvidenceRequired means completion was attempted on a task that
	// demands evidence none was attached to.
	ErrEvidenceRequired = errors.New("task requires evidence before completion")

	// ErrOverrideLimit means the actor exhausted the per-hour override
	// allowance.
	ErrOverrideLimit = errors.New("override limit reached for this actor, ask a supervisor")

	// ErrResidentInactive means the operation targeted a deactivated
	// resident.
	ErrResidentInactive = errors.New("resident is deactivated")

	// ErrTerminalTask means the task already reached completed or skipped.
	ErrTerminalTask = errors.New("task is in a terminal state")

	// ErrEscalationResolved means the escalation was already closed.
	ErrEscalationResolved = errors.New("escalation is already resolved")
)

// ValidationError rejects malformed or incomplete input before any write
// happens. It is an expected condition, never an internal fault.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CollisionError is the soft claim rejection: someone else owns the task.
// It carries enough for the caller to decide between backing off and an
// explicit override.
type CollisionError struct {
	TaskID    string
	Owner     string
	ClaimedAt time.Time
	HeldFor   time.Duration
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("task %s is held by %s (for %s)", e.TaskID, e.Owner, e.HeldFor.Round(time.Second))
}

// WriteConflictError is the hard rejection: two writes raced in the store.
// Unlike a collision it cannot be overridden, only retried.
type WriteConflictError struct {
	TaskID     string
	RetryAfter time.Duration
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on task %s, retry after %s", e.TaskID, e.RetryAfter)
}

// BrainDeniedError reports a care-state transition vetoed by the rule
// evaluator, with every rule that fired.
type BrainDeniedError struct {
	From       string
	To         string
	Reason     string
	FiredRules []string
}

func (e *BrainDeniedError) Error() string {
	return fmt.Sprintf("transition %s -> %s denied: %s", e.From, e.To, e.Reason)
}

// InvalidTransitionError reports a task or escalation lifecycle move outside
// the state machine.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s cannot go from %s to %s", e.Entity, e.From, e.To)
}

// NotOwnerError reports an actor touching a task someone else holds.
type NotOwnerError struct {
	TaskID string
	Owner  string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("task %s is owned by %s", e.TaskID, e.Owner)
}
