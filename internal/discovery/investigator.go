package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aegis-dq/aegis/internal/llm"
	"github.com/aegis-dq/aegis/internal/warehouse"
)

const (
	maxToolCalls      = 25
	maxMalformedTurns = 3
	agentWallClock    = 2 * time.Minute
	agentMaxTokens    = 4096

	agentAttempts  = 3
	agentBaseDelay = 2 * time.Second
)

const agentSystemPrompt = `You are a data engineer surveying a warehouse to decide which tables deserve monitoring.
You may call tools by replying with a single JSON object:
  {"tool": "<name>", "args": {...}}
Available tools:
  list_warehouse_schemas            args: {}
  list_schema_tables                args: {"schema": "..."}
  inspect_table_columns             args: {"schema": "...", "table": "..."}
  check_table_freshness             args: {"schema": "...", "table": "..."}
  get_known_lineage                 args: {"fqn": "schema.table"}
When you have seen enough, reply with:
  {"final": {"proposals": [{"schema": "...", "table": "...", "role": "fact|dimension|staging|raw|snapshot|system|unknown",
    "recommended_checks": ["schema", "freshness"], "suggested_sla_minutes": 360, "reasoning": "...", "skip": false}],
    "concerns": ["..."]}}
Reply with exactly one JSON object per turn and nothing else. Prefer broad coverage over deep inspection;
skip scratch and backup tables.`

// Investigator runs warehouse discovery and rediscovery for a connection.
type Investigator struct {
	chat       llm.ChatClient
	graph      LineageReader
	monitored  MonitoredLister
	classifier *Classifier
	logger     *slog.Logger
	wallClock  time.Duration
	now        func() time.Time
}

// NewInvestigator creates an Investigator. chat may be nil; discovery then
// always takes the deterministic walk.
func NewInvestigator(chat llm.ChatClient, graph LineageReader, monitored MonitoredLister, classifier *Classifier, logger *slog.Logger) *Investigator {
	return &Investigator{
		chat:       chat,
		graph:      graph,
		monitored:  monitored,
		classifier: classifier,
		logger:     logger.With(slog.String("component", "investigator")),
		wallClock:  agentWallClock,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Discover surveys the warehouse behind conn and proposes tables to enroll.
// The agentic path is bounded by a tool-call budget and a wall clock; any
// failure inside it degrades to the deterministic classifier walk.
func (inv *Investigator) Discover(ctx context.Context, conn warehouse.Connector, target Target) (*DiscoveryReport, error) {
	if inv.chat == nil {
		return inv.walkDiscover(ctx, conn, target)
	}

	agentCtx, cancel := context.WithTimeout(ctx, inv.wallClock)
	defer cancel()

	report, err := inv.agentDiscover(agentCtx, conn, target)
	if err != nil {
		inv.logger.Warn("agentic discovery failed, using deterministic walk",
			slog.String("connection", target.Name),
			slog.String("error", err.Error()))

		return inv.walkDiscover(ctx, conn, target)
	}

	return report, nil
}

// Rediscover diffs the warehouse table set against the monitored set.
// Purely deterministic; never calls the LLM.
func (inv *Investigator) Rediscover(ctx context.Context, conn warehouse.Connector, target Target) ([]TableDelta, error) {
	inWarehouse := make(map[string]warehouse.TableRef)

	schemas, err := conn.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	for _, schema := range schemas {
		tables, err := conn.ListTables(ctx, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
		}

		for _, table := range tables {
			inWarehouse[table.FQN()] = table
		}
	}

	monitoredFQNs, err := inv.monitored.MonitoredFQNs(ctx, target.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load monitored tables: %w", err)
	}

	monitored := make(map[string]bool, len(monitoredFQNs))
	for _, fqn := range monitoredFQNs {
		monitored[fqn] = true
	}

	var deltas []TableDelta

	for fqn, table := range inWarehouse {
		if !monitored[fqn] {
			deltas = append(deltas, TableDelta{
				Action: DeltaNew,
				Schema: table.Schema,
				Table:  table.Name,
				FQN:    fqn,
			})
		}
	}

	for fqn := range monitored {
		if _, ok := inWarehouse[fqn]; !ok {
			schema, table := splitFQN(fqn)
			deltas = append(deltas, TableDelta{
				Action: DeltaDropped,
				Schema: schema,
				Table:  table,
				FQN:    fqn,
			})
		}
	}

	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].FQN != deltas[j].FQN {
			return deltas[i].FQN < deltas[j].FQN
		}

		return deltas[i].Action < deltas[j].Action
	})

	return deltas, nil
}

// walkDiscover is the deterministic path: enumerate everything the connector
// can see and classify by name pattern. Per-schema failures become concerns
// rather than aborting the survey.
func (inv *Investigator) walkDiscover(ctx context.Context, conn warehouse.Connector, target Target) (*DiscoveryReport, error) {
	schemas, err := conn.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	report := &DiscoveryReport{
		ConnectionID:   target.ConnectionID,
		ConnectionName: target.Name,
		SchemasFound:   schemas,
		Proposals:      []TableProposal{},
		Concerns:       []string{},
		GeneratedAt:    inv.now(),
	}

	for _, schema := range schemas {
		tables, err := conn.ListTables(ctx, schema)
		if err != nil {
			report.Concerns = append(report.Concerns, fmt.Sprintf("could not list tables in schema %s: %v", schema, err))

			continue
		}

		for _, table := range tables {
			report.TotalTables++

			columns, err := conn.FetchColumns(ctx, table.Schema, table.Name)
			if err != nil {
				report.Concerns = append(report.Concerns, fmt.Sprintf("could not inspect columns of %s: %v", table.FQN(), err))

				continue
			}

			report.Proposals = append(report.Proposals, inv.classifier.Classify(table.Schema, table.Name, columns))
		}
	}

	sortProposals(report.Proposals)

	return report, nil
}

// agentTurn is what the model is expected to reply with on each turn.
type agentTurn struct {
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
	Final *agentFinal    `json:"final"`
}

type agentFinal struct {
	Proposals []TableProposal `json:"proposals"`
	Concerns  []string        `json:"concerns"`
}

// agentDiscover runs the tool loop. The transcript is replayed into every
// completion because the chat contract is single-turn.
func (inv *Investigator) agentDiscover(ctx context.Context, conn warehouse.Connector, target Target) (*DiscoveryReport, error) {
	schemas, err := conn.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	tools := newToolset(conn, inv.graph, maxToolCalls)

	var transcript strings.Builder

	fmt.Fprintf(&transcript, "Warehouse connection %q has these schemas: %s.\nSurvey it and propose tables to monitor.\n",
		target.Name, strings.Join(schemas, ", "))

	malformed := 0

	for {
		raw, err := inv.complete(ctx, transcript.String())
		if err != nil {
			return nil, err
		}

		turn, err := parseAgentTurn(raw)
		if err != nil {
			malformed++
			if malformed > maxMalformedTurns {
				return nil, fmt.Errorf("agent output stayed malformed after %d turns: %w", malformed, err)
			}

			fmt.Fprintf(&transcript, "\nYour reply was not valid JSON. Reply with exactly one JSON object, either a tool call or a final report.\n")

			continue
		}

		if turn.Final != nil {
			return inv.assembleAgentReport(target, schemas, tools.calls, turn.Final), nil
		}

		result, err := tools.invoke(ctx, turn.Tool, turn.Args)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrToolBudgetExhausted) {
				return nil, err
			}

			fmt.Fprintf(&transcript, "\nTool call: %s\nError: %v\n", turn.Tool, err)

			continue
		}

		observation, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool result: %w", err)
		}

		fmt.Fprintf(&transcript, "\nTool call: %s %s\nResult: %s\n", turn.Tool, encodeArgs(turn.Args), observation)
	}
}

func (inv *Investigator) complete(ctx context.Context, prompt string) (string, error) {
	var out string

	err := llm.Retry(ctx, agentAttempts, agentBaseDelay, func(ctx context.Context) error {
		raw, err := inv.chat.Complete(ctx, llm.ChatRequest{
			System:    agentSystemPrompt,
			Prompt:    prompt,
			MaxTokens: agentMaxTokens,
		})
		if err != nil {
			return err
		}

		out = raw

		return nil
	})

	return out, err
}

func (inv *Investigator) assembleAgentReport(target Target, schemas []string, toolCalls int, final *agentFinal) *DiscoveryReport {
	proposals := final.Proposals
	if proposals == nil {
		proposals = []TableProposal{}
	}

	for i := range proposals {
		if proposals[i].FQN == "" {
			proposals[i].FQN = proposals[i].Schema + "." + proposals[i].Table
		}

		if proposals[i].Role == "" {
			proposals[i].Role = RoleUnknown
		}
	}

	concerns := final.Concerns
	if concerns == nil {
		concerns = []string{}
	}

	sortProposals(proposals)

	inv.logger.Info("agentic discovery completed",
		slog.String("connection", target.Name),
		slog.Int("tool_calls", toolCalls),
		slog.Int("proposals", len(proposals)))

	return &DiscoveryReport{
		ConnectionID:   target.ConnectionID,
		ConnectionName: target.Name,
		SchemasFound:   schemas,
		TotalTables:    len(proposals),
		Proposals:      proposals,
		Concerns:       concerns,
		GeneratedAt:    inv.now(),
	}
}

func parseAgentTurn(raw string) (*agentTurn, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")

	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", llm.ErrMalformedOutput)
	}

	var turn agentTurn
	if err := json.Unmarshal([]byte(raw[start:end+1]), &turn); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrMalformedOutput, err)
	}

	if turn.Final == nil && turn.Tool == "" {
		return nil, fmt.Errorf("%w: neither tool call nor final report", llm.ErrMalformedOutput)
	}

	return &turn, nil
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}

	return string(encoded)
}

func sortProposals(proposals []TableProposal) {
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].FQN < proposals[j].FQN
	})
}

func splitFQN(fqn string) (string, string) {
	if idx := strings.Index(fqn, "."); idx >= 0 {
		return fqn[:idx], fqn[idx+1:]
	}

	return "", fqn
}
