// Package incident turns raw anomalies into deduplicated, diagnosed
// incidents and drives them through the review state machine.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/sentinel"
)

// Incident statuses. open, investigating and pending_review are internal and
// monotonic; resolved and dismissed are terminal and externally driven.
const (
	StatusOpen          = "open"
	StatusInvestigating = "investigating"
	StatusPendingReview = "pending_review"
	StatusResolved      = "resolved"
	StatusDismissed     = "dismissed"
)

// Remediation action statuses.
const (
	ActionPendingApproval = "pending_approval"
	ActionManual          = "manual"
)

var (
	// ErrNotFound indicates no incident exists with the given ID.
	ErrNotFound = errors.New("incident not found")

	// ErrInvalidTransition indicates a transition from a terminal or
	// incompatible status.
	ErrInvalidTransition = errors.New("invalid incident transition")

	// ErrMissingReason indicates a dismiss without a non-empty reason.
	ErrMissingReason = errors.New("dismiss requires a reason")

	// ErrDuplicateActive indicates a create raced with another active
	// incident for the same (table, anomaly type). The loser merges.
	ErrDuplicateActive = errors.New("active incident already exists")
)

// IsTerminal reports whether a status forbids further transitions.
func IsTerminal(status string) bool {
	return status == StatusResolved || status == StatusDismissed
}

type (
	// Recommendation is one ordered step of a diagnosis.
	Recommendation struct {
		Action      string  `json:"action"`
		Description string  `json:"description"`
		SQL         *string `json:"sql"`
		Priority    int     `json:"priority"`
	}

	// Diagnosis is the Architect's structured output.
	Diagnosis struct {
		RootCause       string           `json:"root_cause"`
		RootCauseTable  string           `json:"root_cause_table"`
		BlastRadius     []string         `json:"blast_radius"`
		Severity        string           `json:"severity"`
		Confidence      float64          `json:"confidence"`
		Recommendations []Recommendation `json:"recommendations"`
	}

	// RemediationAction is one executable or manual step of a plan.
	RemediationAction struct {
		Type        string  `json:"type"`
		Description string  `json:"description"`
		SQL         *string `json:"sql"`
		Status      string  `json:"status"`
		Priority    int     `json:"priority"`
	}

	// Remediation is the ordered plan produced by the Executor. Nothing in
	// it is ever executed by Aegis.
	Remediation struct {
		Actions     []RemediationAction `json:"actions"`
		Summary     string              `json:"summary"`
		GeneratedAt time.Time           `json:"generated_at"`
	}

	// Incident is the user-facing record. At most one non-terminal incident
	// exists per (table, anomaly type) at any instant.
	Incident struct {
		ID            uuid.UUID    `json:"id"`
		AnomalyID     uuid.UUID    `json:"anomaly_id"`
		TableID       uuid.UUID    `json:"table_id"`
		AnomalyType   string       `json:"anomaly_type"`
		Status        string       `json:"status"`
		Severity      string       `json:"severity"`
		Diagnosis     *Diagnosis   `json:"diagnosis,omitempty"`
		BlastRadius   []string     `json:"blast_radius"`
		Remediation   *Remediation `json:"remediation,omitempty"`
		Report        *Report      `json:"report,omitempty"`
		LastError     string       `json:"last_error,omitempty"`
		ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
		ResolvedBy    string       `json:"resolved_by,omitempty"`
		DismissReason string       `json:"dismiss_reason,omitempty"`
		CreatedAt     time.Time    `json:"created_at"`
		UpdatedAt     time.Time    `json:"updated_at"`
	}

	// Report is the derived, self-contained presentation document.
	// Regenerated idempotently from the incident's inputs.
	Report struct {
		Title              string              `json:"title"`
		Severity           string              `json:"severity"`
		Status             string              `json:"status"`
		GeneratedAt        time.Time           `json:"generated_at"`
		Summary            string              `json:"summary"`
		AnomalyDetails     AnomalyDetails      `json:"anomaly_details"`
		RootCause          string              `json:"root_cause,omitempty"`
		BlastRadius        ReportBlastRadius   `json:"blast_radius"`
		RecommendedActions []RemediationAction `json:"recommended_actions"`
		Timeline           []TimelineEntry     `json:"timeline"`
	}

	// AnomalyDetails is the anomaly section of a report.
	AnomalyDetails struct {
		Type       string    `json:"type"`
		Table      string    `json:"table"`
		Severity   string    `json:"severity"`
		Detail     any       `json:"detail"`
		DetectedAt time.Time `json:"detected_at"`
	}

	// ReportBlastRadius is the blast radius section of a report.
	ReportBlastRadius struct {
		Count  int      `json:"count"`
		Tables []string `json:"tables"`
	}

	// TimelineEntry is one dated event in a report timeline.
	TimelineEntry struct {
		At    time.Time `json:"at"`
		Event string    `json:"event"`
	}

	// Store is the incident persistence contract.
	Store interface {
		// CreateIncident inserts a new incident. Returns ErrDuplicateActive
		// when an active incident for the same (table, type) exists.
		CreateIncident(ctx context.Context, inc *Incident) error

		// UpdateIncident persists the full incident row in one statement.
		UpdateIncident(ctx context.Context, inc *Incident) error

		// GetIncident returns an incident or ErrNotFound.
		GetIncident(ctx context.Context, id uuid.UUID) (*Incident, error)

		// FindActiveIncident returns the non-terminal incident for the
		// (table, anomaly type) pair, or nil when none exists.
		FindActiveIncident(ctx context.Context, tableID uuid.UUID, anomalyType string) (*Incident, error)
	}

	// HistoryStore serves recent-anomaly context for the Architect prompt.
	HistoryStore interface {
		RecentAnomalies(ctx context.Context, tableID uuid.UUID, since time.Time) ([]sentinel.Anomaly, error)
	}

	// Broadcaster is the slice of the notifier the orchestrator needs.
	Broadcaster interface {
		Publish(kind string, payload map[string]any)
	}
)
