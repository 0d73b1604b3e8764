package domain

// Task lifecycle states.
const (
	TaskScheduled  = "scheduled"
	TaskDue        = "due"
	TaskEscalated  = "escalated"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskSkipped    = "skipped"
)

// Care states.
const (
	CareIdle       = "idle"
	CarePreparing  = "preparing"
	CareInCare     = "in_care"
	CarePaused     = "paused"
	CareCompleting = "completing"
)

// Escalation statuses.
const (
	EscalationPending      = "pending"
	EscalationAcknowledged = "acknowledged"
	EscalationInProgress   = "in_progress"
	EscalationResolved     = "resolved"
)

// Escalation kinds.
const (
	EscalationTaskOverdue = "task_overdue"
	EscalationBrainDenied = "brain_denied"
	EscalationSLAEvent    = "sla_event"
)

type Resident struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	Active      bool   `json:"active"`
	OnboardedAt string `json:"onboarded_at" format:"date-time"`
}

// CareState is the versioned operational phase of a resident. Version
// increases by exactly one on every accepted transition and is the unit of
// optimistic concurrency.
type CareState struct {
	ResidentID string `json:"resident_id"`
	State      string `json:"state" enum:"idle,preparing,in_care,paused,completing"`
	Emergency  bool   `json:"emergency"`
	Version    int64  `json:"version"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
	UpdatedBy  string `json:"updated_by"`
}

// Task is a unit of caregiving work. Owner is non-null only while the task is
// in_progress; ownership changes go through the claim CAS.
type Task struct {
	ID               string  `json:"id"`
	ResidentID       string  `json:"resident_id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	Category         string  `json:"category,omitempty"`
	Priority         string  `json:"priority" enum:"low,medium,high,critical"`
	RiskLevel        string  `json:"risk_level,omitempty"`
	ScheduledStart   string  `json:"scheduled_start" format:"date-time"`
	ScheduledEnd     *string `json:"scheduled_end,omitempty" format:"date-time"`
	RequiresEvidence bool    `json:"requires_evidence"`
	State            string  `json:"state" enum:"scheduled,due,escalated,in_progress,completed,skipped"`
	OwnerID          *string `json:"owner_id,omitempty"`
	ClaimedAt        *string `json:"claimed_at,omitempty" format:"date-time"`
	EscalationLevel  int     `json:"escalation_level"`
	Outcome          *string `json:"outcome,omitempty"`
	EvidenceCount    int     `json:"evidence_count"`
	SkipReason       *string `json:"skip_reason,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
}

// Escalation is a time-bound exception requiring human acknowledgment.
// RequiredResponseBy is fixed at creation; breach and SLA remaining are
// derived on read, never stored.
type Escalation struct {
	ID                 string  `json:"id"`
	TaskID             *string `json:"task_id,omitempty"`
	ResidentID         string  `json:"resident_id"`
	Kind               string  `json:"kind" enum:"task_overdue,brain_denied,sla_event"`
	Priority           string  `json:"priority" enum:"low,medium,high,critical"`
	Level              int     `json:"level"`
	Status             string  `json:"status" enum:"pending,acknowledged,in_progress,resolved"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	RequiredResponseBy string  `json:"required_response_by" format:"date-time"`
	AcknowledgedAt     *string `json:"acknowledged_at,omitempty" format:"date-time"`
	ResolvedAt         *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolutionNotes    *string `json:"resolution_notes,omitempty"`
	ComplianceFlagged  bool    `json:"compliance_flagged"`
}

// AuditEntry is an immutable fact appended once per accepted state change.
// The autoincrement ID defines append order, which matches each entity's own
// transition order because the append shares the transition's transaction.
type AuditEntry struct {
	ID            int64   `json:"id"`
	TS            string  `json:"ts" format:"date-time"`
	Action        string  `json:"action"`
	EntityKind    string  `json:"entity_kind"`
	EntityID      string  `json:"entity_id"`
	ResidentID    string  `json:"resident_id,omitempty"`
	ActorID       string  `json:"actor_id"`
	BeforeState   string  `json:"before_state,omitempty"`
	BeforeVersion int64   `json:"before_version"`
	AfterState    string  `json:"after_state,omitempty"`
	AfterVersion  int64   `json:"after_version"`
	Reason        *string `json:"reason,omitempty"`
	Payload       string  `json:"payload_json,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TerminalTaskState reports whether a task state admits no further
// transitions.
func TerminalTaskState(state string) bool {
	return state == TaskCompleted || state == TaskSkipped
}

// ClaimableTaskState reports whether a task in the given state may be
// claimed. Scheduled tasks are claimable only when early start is allowed.
func ClaimableTaskState(state string, allowEarlyStart bool) bool {
	switch state {
	case TaskDue, TaskEscalated:
		return true
	case TaskScheduled:
		return allowEarlyStart
	}
	return false
}

// Open reports whether the escalation still needs human action.
func (e Escalation) Open() bool {
	return e.Status != EscalationResolved
}
