package incident

import (
	"fmt"
	"sort"
	"time"
)

// Executor turns a diagnosis into an ordered remediation plan. It never
// executes anything: actions carrying SQL are staged for human approval,
// actions without SQL are marked manual.
type Executor struct {
	now func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{now: func() time.Time { return time.Now().UTC() }}
}

// Prepare builds a remediation plan from a diagnosis. Pure apart from the
// generation timestamp.
func (e *Executor) Prepare(diagnosis *Diagnosis) *Remediation {
	actions := make([]RemediationAction, 0, len(diagnosis.Recommendations))

	for _, rec := range diagnosis.Recommendations {
		status := ActionManual
		if rec.SQL != nil && *rec.SQL != "" {
			status = ActionPendingApproval
		}

		actions = append(actions, RemediationAction{
			Type:        rec.Action,
			Description: rec.Description,
			SQL:         rec.SQL,
			Status:      status,
			Priority:    rec.Priority,
		})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority < actions[j].Priority
	})

	pending := 0

	for _, action := range actions {
		if action.Status == ActionPendingApproval {
			pending++
		}
	}

	return &Remediation{
		Actions:     actions,
		Summary:     fmt.Sprintf("%d remediation action(s) prepared, %d awaiting approval", len(actions), pending),
		GeneratedAt: e.now(),
	}
}
