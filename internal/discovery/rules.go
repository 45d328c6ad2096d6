package discovery

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegis-dq/aegis/internal/warehouse"
)

// SLA defaults per role, in minutes.
const (
	stagingSLAMinutes = 60
	rawSLAMinutes     = 1440
	modeledSLAMinutes = 360
)

var scratchMarkers = []string{"_tmp", "_temp", "_test", "_backup"}

type (
	// OverrideRule pins the classification of tables matching a glob on the
	// schema-qualified name. Loaded from an optional operator-provided file.
	OverrideRule struct {
		Match      string   `yaml:"match"`
		Role       string   `yaml:"role"`
		Checks     []string `yaml:"checks"`
		SLAMinutes *int     `yaml:"sla_minutes"`
		Skip       bool     `yaml:"skip"`
	}

	overrideFile struct {
		Rules []OverrideRule `yaml:"rules"`
	}

	// Classifier assigns a role, recommended checks and a suggested SLA to a
	// table from its name, schema and columns. Overrides win over the
	// built-in patterns.
	Classifier struct {
		overrides []OverrideRule
	}
)

// NewClassifier creates a classifier with the built-in rules only.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// NewClassifierFromFile loads override rules from a YAML file. An empty path
// yields the built-in rules.
func NewClassifierFromFile(rulesPath string) (*Classifier, error) {
	if rulesPath == "" {
		return NewClassifier(), nil
	}

	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery rules file: %w", err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse discovery rules file: %w", err)
	}

	for _, rule := range file.Rules {
		if _, err := path.Match(rule.Match, "probe"); err != nil {
			return nil, fmt.Errorf("invalid discovery rule pattern %q: %w", rule.Match, err)
		}
	}

	return &Classifier{overrides: file.Rules}, nil
}

// Classify builds a proposal for one table.
func (c *Classifier) Classify(schema, table string, columns []warehouse.Column) TableProposal {
	proposal := TableProposal{
		Schema:  schema,
		Table:   table,
		FQN:     schema + "." + table,
		Columns: columns,
	}

	for _, rule := range c.overrides {
		if ok, _ := path.Match(rule.Match, proposal.FQN); ok {
			proposal.Role = rule.Role
			proposal.RecommendedChecks = rule.Checks
			proposal.SuggestedSLAMinutes = rule.SLAMinutes
			proposal.Skip = rule.Skip
			proposal.Reasoning = fmt.Sprintf("matched operator rule %q", rule.Match)

			return proposal
		}
	}

	classifyBuiltin(&proposal, columns)

	return proposal
}

// classifyBuiltin applies the name-pattern table. First match wins; scratch
// markers outrank everything because a stg_orders_tmp is still scratch.
func classifyBuiltin(p *TableProposal, columns []warehouse.Column) {
	name := strings.ToLower(p.Table)
	schema := strings.ToLower(p.Schema)
	hasTimestamp := hasTimestampColumn(columns)

	schemaOnly := []string{CheckSchema}

	switch {
	case containsAny(name, scratchMarkers):
		p.Role = RoleSystem
		p.Skip = true
		p.Reasoning = "name marks the table as scratch or backup; not worth monitoring"

	case strings.HasPrefix(name, "stg_") || schema == "staging" || schema == "stg":
		p.Role = RoleStaging
		p.RecommendedChecks = schemaOnly
		p.SuggestedSLAMinutes = intPtr(stagingSLAMinutes)
		p.Reasoning = "staging model; expected to refresh with every pipeline run"

	case strings.HasPrefix(name, "raw_") || schema == "raw" || schema == "landing":
		p.Role = RoleRaw
		p.RecommendedChecks = schemaOnly
		p.SuggestedSLAMinutes = intPtr(rawSLAMinutes)
		p.Reasoning = "raw landing table; daily load cadence assumed"

	case strings.HasPrefix(name, "dim_"):
		p.Role = RoleDimension
		p.RecommendedChecks = modeledChecks(hasTimestamp)
		p.Reasoning = "dimension table by naming convention"

		if hasTimestamp {
			p.SuggestedSLAMinutes = intPtr(modeledSLAMinutes)
		}

	case strings.HasPrefix(name, "fct_") || strings.HasPrefix(name, "fact_"):
		p.Role = RoleFact
		p.RecommendedChecks = modeledChecks(hasTimestamp)
		p.Reasoning = "fact table by naming convention"

		if hasTimestamp {
			p.SuggestedSLAMinutes = intPtr(modeledSLAMinutes)
		}

	case strings.HasSuffix(name, "_snapshot") || strings.Contains(name, "_hist"):
		p.Role = RoleSnapshot
		p.RecommendedChecks = schemaOnly
		p.Reasoning = "snapshot or history table; freshness follows its own schedule"

	default:
		p.Role = RoleUnknown
		p.RecommendedChecks = modeledChecks(hasTimestamp)
		p.Reasoning = "no naming convention matched; schema monitoring recommended as a baseline"
	}
}

func modeledChecks(hasTimestamp bool) []string {
	if hasTimestamp {
		return []string{CheckSchema, CheckFreshness}
	}

	return []string{CheckSchema}
}

// hasTimestampColumn reports whether any column carries a temporal type a
// freshness check could read.
func hasTimestampColumn(columns []warehouse.Column) bool {
	for _, col := range columns {
		t := strings.ToLower(col.Type)
		if strings.Contains(t, "timestamp") || strings.Contains(t, "datetime") || t == "date" {
			return true
		}
	}

	return false
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}

	return false
}

func intPtr(v int) *int { return &v }
