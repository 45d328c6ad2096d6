package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/notify"
	"github.com/aegis-dq/aegis/internal/sentinel"
)

// Orchestrator owns the incident lifecycle: deduplication against active
// incidents, the investigation pipeline (architect, executor, reporter) and
// the externally driven terminal transitions.
type Orchestrator struct {
	store     Store
	architect *Architect
	executor  *Executor
	reporter  *Reporter
	events    Broadcaster
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator. events may be nil in tests.
func NewOrchestrator(store Store, architect *Architect, executor *Executor, reporter *Reporter, events Broadcaster, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		architect: architect,
		executor:  executor,
		reporter:  reporter,
		events:    events,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleAnomaly routes a fresh anomaly into the incident machinery. If an
// active incident already covers the (table, anomaly type) pair the anomaly
// merges into it; otherwise a new incident is created and investigated.
// Investigation failures leave the incident in investigating with an error
// annotation so the next scan cycle retries it.
func (o *Orchestrator) HandleAnomaly(ctx context.Context, anomaly *sentinel.Anomaly, table sentinel.Table) (*Incident, error) {
	existing, err := o.store.FindActiveIncident(ctx, anomaly.TableID, anomaly.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active incident: %w", err)
	}

	if existing != nil {
		return o.merge(ctx, existing, anomaly, table)
	}

	now := o.now()
	inc := &Incident{
		ID:          uuid.New(),
		AnomalyID:   anomaly.ID,
		TableID:     anomaly.TableID,
		AnomalyType: anomaly.Type,
		Status:      StatusInvestigating,
		Severity:    anomaly.Severity,
		BlastRadius: []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := o.store.CreateIncident(ctx, inc); err != nil {
		// Lost a create race; the winner's incident absorbs this anomaly.
		if errors.Is(err, ErrDuplicateActive) {
			existing, ferr := o.store.FindActiveIncident(ctx, anomaly.TableID, anomaly.Type)
			if ferr == nil && existing != nil {
				return o.merge(ctx, existing, anomaly, table)
			}
		}

		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	if err := o.investigate(ctx, inc, anomaly, table); err != nil {
		return inc, o.annotateFailure(ctx, inc, err)
	}

	o.publishCreated(inc, table)

	return inc, nil
}

// merge absorbs a repeat anomaly into an active incident. An investigating
// incident without a diagnosis re-runs the investigation pipeline; anything
// else just raises severity and touches updated_at.
func (o *Orchestrator) merge(ctx context.Context, inc *Incident, anomaly *sentinel.Anomaly, table sentinel.Table) (*Incident, error) {
	inc.Severity = sentinel.MaxSeverity(inc.Severity, anomaly.Severity)

	if inc.Status == StatusInvestigating && inc.Diagnosis == nil {
		inc.AnomalyID = anomaly.ID

		if err := o.investigate(ctx, inc, anomaly, table); err != nil {
			return inc, o.annotateFailure(ctx, inc, err)
		}

		o.publishCreated(inc, table)

		return inc, nil
	}

	inc.UpdatedAt = o.now()

	if err := o.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to merge anomaly into incident %s: %w", inc.ID, err)
	}

	o.publishUpdated(inc)

	return inc, nil
}

// investigate runs the diagnosis pipeline and persists the outcome as one
// row update, moving the incident to pending_review.
func (o *Orchestrator) investigate(ctx context.Context, inc *Incident, anomaly *sentinel.Anomaly, table sentinel.Table) error {
	diagnosis, err := o.architect.Analyze(ctx, anomaly, table)
	if err != nil {
		return fmt.Errorf("diagnosis failed: %w", err)
	}

	inc.Diagnosis = diagnosis
	inc.Severity = sentinel.MaxSeverity(inc.Severity, diagnosis.Severity)
	inc.BlastRadius = diagnosis.BlastRadius

	if inc.BlastRadius == nil {
		inc.BlastRadius = []string{}
	}

	inc.Remediation = o.executor.Prepare(diagnosis)
	inc.Status = StatusPendingReview
	inc.LastError = ""
	inc.UpdatedAt = o.now()
	inc.Report = o.reporter.Assemble(inc, anomaly, table)

	if err := o.store.UpdateIncident(ctx, inc); err != nil {
		return fmt.Errorf("failed to persist investigation outcome: %w", err)
	}

	return nil
}

// annotateFailure records a pipeline failure on the incident without
// advancing its status. Persistence errors here are returned; the anomaly is
// already stored, so nothing is lost.
func (o *Orchestrator) annotateFailure(ctx context.Context, inc *Incident, cause error) error {
	o.logger.Error("investigation failed",
		slog.String("incident_id", inc.ID.String()),
		slog.String("error", cause.Error()))

	inc.LastError = cause.Error()
	inc.UpdatedAt = o.now()

	if err := o.store.UpdateIncident(ctx, inc); err != nil {
		return fmt.Errorf("failed to annotate incident %s: %w", inc.ID, err)
	}

	return nil
}

// Approve resolves a pending_review incident.
func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID, actor string) (*Incident, error) {
	inc, err := o.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	if inc.Status != StatusPendingReview {
		return nil, fmt.Errorf("%w: cannot approve incident in status %s", ErrInvalidTransition, inc.Status)
	}

	if actor == "" {
		actor = "operator"
	}

	now := o.now()
	inc.Status = StatusResolved
	inc.ResolvedAt = &now
	inc.ResolvedBy = actor
	inc.UpdatedAt = now

	if err := o.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to resolve incident %s: %w", id, err)
	}

	o.publishUpdated(inc)

	return inc, nil
}

// Dismiss closes any non-terminal incident with a mandatory reason.
func (o *Orchestrator) Dismiss(ctx context.Context, id uuid.UUID, reason string) (*Incident, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrMissingReason
	}

	inc, err := o.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	if IsTerminal(inc.Status) {
		return nil, fmt.Errorf("%w: incident is already %s", ErrInvalidTransition, inc.Status)
	}

	now := o.now()
	inc.Status = StatusDismissed
	inc.DismissReason = reason
	inc.ResolvedAt = &now
	inc.UpdatedAt = now

	if err := o.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to dismiss incident %s: %w", id, err)
	}

	o.publishUpdated(inc)

	return inc, nil
}

// RegenerateReport rebuilds the presentation document from the incident's
// stored inputs. The result is identical to the stored report apart from the
// generation timestamp.
func (o *Orchestrator) RegenerateReport(inc *Incident, anomaly *sentinel.Anomaly, table sentinel.Table) *Report {
	return o.reporter.Assemble(inc, anomaly, table)
}

func (o *Orchestrator) publishCreated(inc *Incident, table sentinel.Table) {
	if o.events == nil {
		return
	}

	o.events.Publish(notify.KindIncidentCreated, map[string]any{
		"incident_id": inc.ID.String(),
		"severity":    inc.Severity,
		"table":       table.FQN,
		"type":        inc.AnomalyType,
	})
}

func (o *Orchestrator) publishUpdated(inc *Incident) {
	if o.events == nil {
		return
	}

	o.events.Publish(notify.KindIncidentUpdated, map[string]any{
		"incident_id": inc.ID.String(),
		"status":      inc.Status,
		"severity":    inc.Severity,
	})
}
