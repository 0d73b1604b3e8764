package server

import (
	"time"

	"careline/internal/domain"
)

type ResidentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	Active      bool   `json:"active"`
	OnboardedAt string `json:"onboarded_at"`
}

func residentResponse(r domain.Resident) ResidentResponse {
	return ResidentResponse{
		ID:          r.ID,
		Name:        r.Name,
		Unit:        r.Unit,
		Active:      r.Active,
		OnboardedAt: r.OnboardedAt,
	}
}

type CareStateResponse struct {
	ResidentID string `json:"resident_id"`
	State      string `json:"state"`
	Emergency  bool   `json:"emergency"`
	Version    int64  `json:"version"`
	UpdatedAt  string `json:"updated_at"`
	UpdatedBy  string `json:"updated_by"`
}

func careStateResponse(cs domain.CareState) CareStateResponse {
	return CareStateResponse{
		ResidentID: cs.ResidentID,
		State:      cs.State,
		Emergency:  cs.Emergency,
		Version:    cs.Version,
		UpdatedAt:  cs.UpdatedAt,
		UpdatedBy:  cs.UpdatedBy,
	}
}

type TaskResponse struct {
	ID               string  `json:"id"`
	ResidentID       string  `json:"resident_id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	Category         string  `json:"category,omitempty"`
	Priority         string  `json:"priority"`
	RiskLevel        string  `json:"risk_level,omitempty"`
	ScheduledStart   string  `json:"scheduled_start"`
	ScheduledEnd     *string `json:"scheduled_end,omitempty"`
	RequiresEvidence bool    `json:"requires_evidence"`
	State            string  `json:"state"`
	OwnerID          *string `json:"owner_id,omitempty"`
	ClaimedAt        *string `json:"claimed_at,omitempty"`
	EscalationLevel  int     `json:"escalation_level"`
	Outcome          *string `json:"outcome,omitempty"`
	EvidenceCount    int     `json:"evidence_count"`
	SkipReason       *string `json:"skip_reason,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

// TaskPageResponse is one page of tasks. NextCursor is set only when the
// page filled its limit; feed it back as the cursor query parameter.
type TaskPageResponse struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		ResidentID:       t.ResidentID,
		Name:             t.Name,
		Description:      t.Description,
		Category:         t.Category,
		Priority:         t.Priority,
		RiskLevel:        t.RiskLevel,
		ScheduledStart:   t.ScheduledStart,
		ScheduledEnd:     t.ScheduledEnd,
		RequiresEvidence: t.RequiresEvidence,
		State:            t.State,
		OwnerID:          t.OwnerID,
		ClaimedAt:        t.ClaimedAt,
		EscalationLevel:  t.EscalationLevel,
		Outcome:          t.Outcome,
		EvidenceCount:    t.EvidenceCount,
		SkipReason:       t.SkipReason,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		CompletedAt:      t.CompletedAt,
	}
}

type EscalationResponse struct {
	ID                 string  `json:"id"`
	TaskID             *string `json:"task_id,omitempty"`
	ResidentID         string  `json:"resident_id"`
	Kind               string  `json:"kind"`
	Priority           string  `json:"priority"`
	Level              int     `json:"level"`
	Status             string  `json:"status"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	CreatedAt          string  `json:"created_at"`
	RequiredResponseBy string  `json:"required_response_by"`
	AcknowledgedAt     *string `json:"acknowledged_at,omitempty"`
	ResolvedAt         *string `json:"resolved_at,omitempty"`
	ResolutionNotes    *string `json:"resolution_notes,omitempty"`
	ComplianceFlagged  bool    `json:"compliance_flagged"`
	Breached           bool    `json:"breached"`
	SLARemaining       string  `json:"sla_remaining,omitempty"`
}

// escalationResponse derives breach and remaining-window fields on read.
func escalationResponse(e domain.Escalation, now time.Time) EscalationResponse {
	resp := EscalationResponse{
		ID:                 e.ID,
		TaskID:             e.TaskID,
		ResidentID:         e.ResidentID,
		Kind:               e.Kind,
		Priority:           e.Priority,
		Level:              e.Level,
		Status:             e.Status,
		AssignedTo:         e.AssignedTo,
		CreatedAt:          e.CreatedAt,
		RequiredResponseBy: e.RequiredResponseBy,
		AcknowledgedAt:     e.AcknowledgedAt,
		ResolvedAt:         e.ResolvedAt,
		ResolutionNotes:    e.ResolutionNotes,
		ComplianceFlagged:  e.ComplianceFlagged,
	}
	if deadline, err := time.Parse(time.RFC3339, e.RequiredResponseBy); err == nil && e.Open() {
		if now.After(deadline) {
			resp.Breached = true
		} else {
			resp.SLARemaining = deadline.Sub(now).Round(time.Second).String()
		}
	}
	return resp
}

type AuditEntryResponse struct {
	ID            int64   `json:"id"`
	TS            string  `json:"ts"`
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

func auditEntryResponse(a domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:            a.ID,
		TS:            a.TS,
		Action:        a.Action,
		EntityKind:    a.EntityKind,
		EntityID:      a.EntityID,
		ResidentID:    a.ResidentID,
		ActorID:       a.ActorID,
		BeforeState:   a.BeforeState,
		BeforeVersion: a.BeforeVersion,
		AfterState:    a.AfterState,
		AfterVersion:  a.AfterVersion,
		Reason:        a.Reason,
		Payload:       a.Payload,
	}
}

type OnboardResidentRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Unit string `json:"unit,omitempty"`
}

type CreateTaskRequest struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Category         string `json:"category,omitempty"`
	Priority         string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	RiskLevel        string `json:"risk_level,omitempty"`
	ScheduledStart   string `json:"scheduled_start" format:"date-time"`
	ScheduledEnd     string `json:"scheduled_end,omitempty" format:"date-time"`
	RequiresEvidence bool   `json:"requires_evidence,omitempty"`
}

type ClaimTaskRequest struct {
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type CompleteTaskRequest struct {
	Outcome string `json:"outcome,omitempty"`
}

type SkipTaskRequest struct {
	Reason string `json:"reason"`
}

type EvidenceRequest struct {
	Note string `json:"note,omitempty"`
}

type EscalateTaskRequest struct {
	Reason string `json:"reason"`
}

type TransitionRequest struct {
	ToState     string `json:"to_state" enum:"idle,preparing,in_care,paused,completing"`
	ReadVersion int64  `json:"read_version"`
	Reason      string `json:"reason,omitempty"`
}

type EmergencyRequest struct {
	Emergency bool   `json:"emergency"`
	Reason    string `json:"reason,omitempty"`
}

type EscalationActionRequest struct {
	Note string `json:"note,omitempty"`
}
