package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aegis-dq/aegis/internal/lineage"
	"github.com/aegis-dq/aegis/internal/llm"
	"github.com/aegis-dq/aegis/internal/sentinel"
)

const (
	architectAttempts  = 3
	architectBaseDelay = 2 * time.Second
	architectMaxTokens = 2048

	// Lineage context included in the diagnosis prompt is bounded to three
	// hops; the fallback blast radius uses the full downstream reach.
	promptLineageDepth = 3

	historyWindow = 30 * 24 * time.Hour
)

const architectSystemPrompt = `You are a data reliability engineer diagnosing a data quality incident.
Respond with a single JSON object and nothing else, using exactly these keys:
{
  "root_cause": "one-paragraph explanation",
  "root_cause_table": "schema.table most likely at fault",
  "blast_radius": ["schema.table", ...],
  "severity": "low|medium|high|critical",
  "confidence": 0.0,
  "recommendations": [
    {"action": "short_slug", "description": "what to do", "sql": null, "priority": 1}
  ]
}
Only include tables from the provided lineage context in blast_radius.
Set sql to a string only when a concrete statement applies, otherwise null.`

// LineageReader is the slice of the lineage graph the Architect consumes.
// *lineage.Graph satisfies it.
type LineageReader interface {
	Upstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
	Downstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
}

// Architect produces a diagnosis for an anomaly, preferring the LLM and
// degrading to a deterministic lineage-only diagnosis when the model is
// unconfigured, unreachable, or persistently malformed.
type Architect struct {
	chat    llm.ChatClient
	graph   LineageReader
	history HistoryStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchitect creates an Architect. chat may be nil, in which case every
// diagnosis takes the deterministic path.
func NewArchitect(chat llm.ChatClient, graph LineageReader, history HistoryStore, logger *slog.Logger) *Architect {
	return &Architect{
		chat:    chat,
		graph:   graph,
		history: history,
		logger:  logger.With(slog.String("component", "architect")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Analyze diagnoses an anomaly. The returned diagnosis carries confidence 0.0
// when it came from the deterministic fallback. An error is returned only
// when even the fallback cannot be computed.
func (a *Architect) Analyze(ctx context.Context, anomaly *sentinel.Anomaly, table sentinel.Table) (*Diagnosis, error) {
	if a.chat == nil {
		return a.fallback(ctx, anomaly, table)
	}

	prompt, err := a.buildPrompt(ctx, anomaly, table)
	if err != nil {
		return nil, fmt.Errorf("failed to build diagnosis prompt: %w", err)
	}

	raw, err := a.complete(ctx, prompt)
	if err != nil {
		a.logger.Warn("llm diagnosis failed, using deterministic fallback",
			slog.String("table", table.FQN),
			slog.String("error", err.Error()))

		return a.fallback(ctx, anomaly, table)
	}

	diagnosis, err := parseDiagnosis(raw)
	if err != nil {
		// One strict re-prompt; malformed output is a model problem, not a
		// transport problem, so it gets exactly one more chance.
		raw, retryErr := a.complete(ctx, strictReprompt(prompt, raw))
		if retryErr == nil {
			diagnosis, err = parseDiagnosis(raw)
		}

		if err != nil || retryErr != nil {
			a.logger.Warn("llm diagnosis malformed after re-prompt, using deterministic fallback",
				slog.String("table", table.FQN))

			return a.fallback(ctx, anomaly, table)
		}
	}

	normalizeDiagnosis(diagnosis, anomaly)

	return diagnosis, nil
}

// complete runs one prompt through the retry driver.
func (a *Architect) complete(ctx context.Context, prompt string) (string, error) {
	var out string

	err := llm.Retry(ctx, architectAttempts, architectBaseDelay, func(ctx context.Context) error {
		raw, err := a.chat.Complete(ctx, llm.ChatRequest{
			System:    architectSystemPrompt,
			Prompt:    prompt,
			MaxTokens: architectMaxTokens,
		})
		if err != nil {
			return err
		}

		out = raw

		return nil
	})

	return out, err
}

// buildPrompt assembles the anomaly, its lineage neighborhood and the table's
// recent anomaly history into one prompt.
func (a *Architect) buildPrompt(ctx context.Context, anomaly *sentinel.Anomaly, table sentinel.Table) (string, error) {
	upstream, err := a.graph.Upstream(ctx, table.FQN, promptLineageDepth)
	if err != nil {
		return "", err
	}

	downstream, err := a.graph.Downstream(ctx, table.FQN, promptLineageDepth)
	if err != nil {
		return "", err
	}

	history, err := a.history.RecentAnomalies(ctx, anomaly.TableID, a.now().Add(-historyWindow))
	if err != nil {
		return "", err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Anomaly: %s (severity %s) on table %s, detected at %s.\n",
		anomaly.Type, anomaly.Severity, table.FQN, anomaly.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Detail: %s\n\n", string(anomaly.Detail))

	b.WriteString("Upstream tables (potential causes):\n")
	writeLineageContext(&b, upstream)

	b.WriteString("\nDownstream tables (potential impact):\n")
	writeLineageContext(&b, downstream)

	fmt.Fprintf(&b, "\nAnomalies on this table in the last 30 days: %d\n", len(history))

	for i, past := range history {
		if i >= 10 {
			fmt.Fprintf(&b, "  ... and %d more\n", len(history)-i)

			break
		}

		fmt.Fprintf(&b, "  - %s (%s) at %s\n", past.Type, past.Severity, past.DetectedAt.Format(time.RFC3339))
	}

	return b.String(), nil
}

func writeLineageContext(b *strings.Builder, nodes []lineage.Node) {
	if len(nodes) == 0 {
		b.WriteString("  (none known)\n")

		return
	}

	for _, node := range nodes {
		fmt.Fprintf(b, "  - %s (depth %d, confidence %.2f)\n", node.Table, node.Depth, node.Confidence)
	}
}

func strictReprompt(prompt, malformed string) string {
	return fmt.Sprintf("%s\n\nYour previous reply was not valid JSON:\n%s\n\nReply again with ONLY the JSON object, no prose, no code fences.",
		prompt, truncate(malformed, 500))
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit] + "..."
}

// fallback produces the deterministic diagnosis: blast radius from the full
// downstream reach, severity inherited from the anomaly, confidence pinned to
// zero so consumers can tell it apart from a model diagnosis.
func (a *Architect) fallback(ctx context.Context, anomaly *sentinel.Anomaly, table sentinel.Table) (*Diagnosis, error) {
	downstream, err := a.graph.Downstream(ctx, table.FQN, 0)
	if err != nil {
		return nil, fmt.Errorf("fallback diagnosis failed: %w", err)
	}

	blast := make([]string, 0, len(downstream))
	for _, node := range downstream {
		blast = append(blast, node.Table)
	}

	return &Diagnosis{
		RootCause: fmt.Sprintf("Automatic diagnosis is unavailable. A %s anomaly was detected on %s; review the table and its upstream dependencies manually.",
			anomaly.Type, table.FQN),
		RootCauseTable: table.FQN,
		BlastRadius:    blast,
		Severity:       anomaly.Severity,
		Confidence:     0.0,
		Recommendations: []Recommendation{
			{
				Action:      "investigate",
				Description: fmt.Sprintf("Manually investigate the %s anomaly on %s and its %d downstream dependencies.", anomaly.Type, table.FQN, len(blast)),
				Priority:    1,
			},
		},
	}, nil
}

// parseDiagnosis extracts and validates the JSON object from a model reply.
// Code fences and surrounding prose are tolerated.
func parseDiagnosis(raw string) (*Diagnosis, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")

	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", llm.ErrMalformedOutput)
	}

	var diagnosis Diagnosis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &diagnosis); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrMalformedOutput, err)
	}

	if strings.TrimSpace(diagnosis.RootCause) == "" {
		return nil, fmt.Errorf("%w: missing root_cause", llm.ErrMalformedOutput)
	}

	return &diagnosis, nil
}

// normalizeDiagnosis clamps model output into the domain: severity falls back
// to the anomaly's own, confidence is clamped to [0, 1], recommendations sort
// by priority.
func normalizeDiagnosis(d *Diagnosis, anomaly *sentinel.Anomaly) {
	if sentinel.SeverityRank(d.Severity) == 0 {
		d.Severity = anomaly.Severity
	}

	if d.Confidence < 0 {
		d.Confidence = 0
	} else if d.Confidence > 1 {
		d.Confidence = 1
	}

	sort.SliceStable(d.Recommendations, func(i, j int) bool {
		return d.Recommendations[i].Priority < d.Recommendations[j].Priority
	})
}
