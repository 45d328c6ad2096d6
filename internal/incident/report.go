package incident

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-dq/aegis/internal/sentinel"
)

var anomalyTypeLabels = map[string]string{
	sentinel.TypeSchemaDrift:        "Schema drift",
	sentinel.TypeFreshnessViolation: "Freshness violation",
}

// Reporter assembles the presentation document for an incident. Assembly is
// a pure function of the incident's stored inputs, so regenerating a report
// yields an identical document apart from the generation timestamp.
type Reporter struct {
	now func() time.Time
}

// NewReporter creates a Reporter.
func NewReporter() *Reporter {
	return &Reporter{now: func() time.Time { return time.Now().UTC() }}
}

// Assemble builds the report for an incident from its anomaly and table.
func (r *Reporter) Assemble(inc *Incident, anomaly *sentinel.Anomaly, table sentinel.Table) *Report {
	report := &Report{
		Title:       fmt.Sprintf("[%s] %s on %s", strings.ToUpper(inc.Severity), anomalyTypeLabel(inc.AnomalyType), table.FQN),
		Severity:    inc.Severity,
		Status:      inc.Status,
		GeneratedAt: r.now(),
		Summary:     r.summary(inc, table),
		AnomalyDetails: AnomalyDetails{
			Type:       anomaly.Type,
			Table:      table.FQN,
			Severity:   anomaly.Severity,
			Detail:     decodeDetail(anomaly.Detail),
			DetectedAt: anomaly.DetectedAt,
		},
		BlastRadius: ReportBlastRadius{
			Count:  len(inc.BlastRadius),
			Tables: inc.BlastRadius,
		},
		RecommendedActions: []RemediationAction{},
		Timeline: []TimelineEntry{
			{At: anomaly.DetectedAt, Event: "anomaly detected"},
			{At: inc.CreatedAt, Event: "incident created"},
		},
	}

	if inc.Diagnosis != nil {
		report.RootCause = inc.Diagnosis.RootCause
	}

	if inc.Remediation != nil {
		report.RecommendedActions = inc.Remediation.Actions
		report.Timeline = append(report.Timeline,
			TimelineEntry{At: inc.Remediation.GeneratedAt, Event: "diagnosis completed"},
			TimelineEntry{At: inc.Remediation.GeneratedAt, Event: "remediation plan generated"},
		)
	}

	if inc.ResolvedAt != nil {
		event := "incident resolved"
		if inc.Status == StatusDismissed {
			event = "incident dismissed"
		}

		report.Timeline = append(report.Timeline, TimelineEntry{At: *inc.ResolvedAt, Event: event})
	}

	return report
}

func (r *Reporter) summary(inc *Incident, table sentinel.Table) string {
	var b strings.Builder

	fmt.Fprintf(&b, "A %s severity %s was detected on %s.", inc.Severity, strings.ToLower(anomalyTypeLabel(inc.AnomalyType)), table.FQN)

	switch {
	case inc.Diagnosis == nil:
		b.WriteString(" Diagnosis is pending.")
	case inc.Diagnosis.Confidence == 0:
		b.WriteString(" Automatic diagnosis was unavailable; the incident requires manual investigation.")
	default:
		fmt.Fprintf(&b, " Likely root cause: %s.", inc.Diagnosis.RootCauseTable)
	}

	switch count := len(inc.BlastRadius); count {
	case 0:
		b.WriteString(" No downstream tables are known to be affected.")
	case 1:
		b.WriteString(" 1 downstream table may be affected.")
	default:
		fmt.Fprintf(&b, " %d downstream tables may be affected.", count)
	}

	return b.String()
}

func anomalyTypeLabel(anomalyType string) string {
	if label, ok := anomalyTypeLabels[anomalyType]; ok {
		return label
	}

	return anomalyType
}

func decodeDetail(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	var detail any
	if err := json.Unmarshal(raw, &detail); err != nil {
		return string(raw)
	}

	return detail
}
