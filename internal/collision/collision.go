package collision

import (
	"time"

	"careline/internal/domain"
)

// Kind classifies what a caregiver ran into while trying to claim a task.
type Kind int

const (
	// NoConflict means the task is free to claim.
	NoConflict Kind = iota
	// SoftConflict means another caregiver already holds the task. The
	// claim is rejected but may be retried with an explicit override.
	SoftConflict
	// HardConflict means two writes raced inside the store itself. The
	// claim is rejected outright and should be retried after a pause.
	HardConflict
)

// Result describes a claim conflict. Owner and HeldFor are set only for soft
// conflicts; RetryAfter only for hard ones.
type Result struct {
	Kind       Kind
	Owner      string
	ClaimedAt  time.Time
	HeldFor    time.Duration
	RetryAfter time.Duration
}

// HardRetryDelay is the pause suggested after a storage-level write race.
const HardRetryDelay = 2 * time.Second

// Classify inspects a task after a failed claim CAS and decides which kind
// of conflict occurred. busy reports whether the store rejected the write at
// the locking level rather than the row level.
func Classify(task domain.Task, busy bool, now time.Time) Result {
	if busy {
		return Result{Kind: HardConflict, RetryAfter: HardRetryDelay}
	}
	if task.OwnerID != nil {
		res := Result{Kind: SoftConflict, Owner: *task.OwnerID}
		if task.ClaimedAt != nil {
			if at, err := time.Parse(time.RFC3339, *task.ClaimedAt); err == nil {
				res.ClaimedAt = at
				res.HeldFor = now.Sub(at)
			}
		}
		return res
	}
	return Result{Kind: NoConflict}
}
