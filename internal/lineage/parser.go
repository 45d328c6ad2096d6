package lineage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrNoWriteTarget indicates the statement has no recognizable write
	// target (not INSERT, CREATE-AS or MERGE). Skipped silently by callers.
	ErrNoWriteTarget = errors.New("statement has no write target")

	// ErrNoSources indicates the statement writes a target but reads no tables.
	ErrNoSources = errors.New("statement has no source tables")
)

// Confidence decays with the nesting depth at which a source is referenced.
const (
	confidenceDirect = 1.0
	confidenceNested = 0.8
	confidenceDeep   = 0.6

	deepNestingLevel = 3
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	insertTargetRe = regexp.MustCompile(`^\s*insert\s+into\s+([a-z0-9_."]+)`)
	createTargetRe = regexp.MustCompile(
		`^\s*create\s+(?:or\s+replace\s+)?(?:table|materialized\s+view|view)\s+(?:if\s+not\s+exists\s+)?([a-z0-9_."]+)\s+as\b`)
	mergeTargetRe = regexp.MustCompile(`^\s*merge\s+into\s+([a-z0-9_."]+)`)

	cteNameRe    = regexp.MustCompile(`(?:\bwith\s+(?:recursive\s+)?|,\s*)([a-z0-9_]+)\s+as\s*\(`)
	withPrefixRe = regexp.MustCompile(`^with\s+(?:recursive\s+)?`)
	sourceRe     = regexp.MustCompile(`\b(?:from|join|using)\s+([a-z0-9_."]+)`)
	groupByRe    = regexp.MustCompile(`\bgroup\s+by\b`)
)

type (
	// ParsedLineage is the lineage extracted from one statement: a single
	// write target and the distinct source tables feeding it.
	ParsedLineage struct {
		Target     string
		Sources    []ParsedSource
		Aggregated bool
	}

	// ParsedSource is one source table with the confidence implied by the
	// nesting depth of its reference.
	ParsedSource struct {
		Table      string
		Confidence float64
	}
)

// Parse extracts lineage from a single SQL statement. Only statements with
// target-modifying semantics (INSERT, CREATE ... AS, MERGE) produce lineage;
// everything else fails with ErrNoWriteTarget.
//
// The extractor is heuristic by design: it tokenizes rather than fully
// parses, identifies the write target, and assigns each FROM/JOIN/USING
// source a confidence from the parenthesis nesting depth at the reference
// site. Depth 0 is a direct read (1.0), depth 1-2 a subquery or CTE body
// (0.8), depth >= 3 a deeply nested reference (0.6).
func Parse(statement string) (*ParsedLineage, error) {
	normalized := normalize(statement)
	if normalized == "" {
		return nil, ErrNoWriteTarget
	}

	target := extractTarget(normalized)
	if target == "" {
		return nil, ErrNoWriteTarget
	}

	cteNames := extractCTENames(normalized)

	best := make(map[string]float64)

	for _, match := range sourceRe.FindAllStringSubmatchIndex(normalized, -1) {
		identStart, identEnd := match[2], match[3]
		ident := cleanIdentifier(normalized[identStart:identEnd])

		if ident == "" || ident == target || cteNames[ident] {
			continue
		}

		// A name immediately followed by "(" is a function call, not a table.
		if identEnd < len(normalized) && normalized[identEnd] == '(' {
			continue
		}

		confidence := confidenceAtDepth(parenDepth(normalized[:identStart]))
		if confidence > best[ident] {
			best[ident] = confidence
		}
	}

	if len(best) == 0 {
		return nil, fmt.Errorf("%w: target %s", ErrNoSources, target)
	}

	sources := make([]ParsedSource, 0, len(best))
	for table, confidence := range best {
		sources = append(sources, ParsedSource{Table: table, Confidence: confidence})
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Table < sources[j].Table })

	return &ParsedLineage{
		Target:     target,
		Sources:    sources,
		Aggregated: groupByRe.MatchString(normalized),
	}, nil
}

// Edges converts a parse result into storable edges. Self-edges never occur
// because Parse excludes the target from its source set.
func (p *ParsedLineage) Edges(queryHash string) []Edge {
	edges := make([]Edge, 0, len(p.Sources))

	for _, source := range p.Sources {
		relationship := RelationshipDerived

		switch {
		case p.Aggregated:
			relationship = RelationshipAggregated
		case source.Confidence == confidenceDirect:
			relationship = RelationshipDirect
		}

		edges = append(edges, Edge{
			Source:       source.Table,
			Target:       p.Target,
			Relationship: relationship,
			Confidence:   source.Confidence,
			QueryHash:    queryHash,
		})
	}

	return edges
}

// HashQuery returns a short stable fingerprint of a statement, keyed on its
// normalized form so formatting changes do not produce new hashes.
func HashQuery(statement string) string {
	sum := sha256.Sum256([]byte(normalize(statement)))

	return hex.EncodeToString(sum[:])[:16]
}

func normalize(statement string) string {
	s := lineCommentRe.ReplaceAllString(statement, " ")
	s = blockCommentRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")

	return strings.ToLower(strings.TrimSpace(s))
}

func extractTarget(normalized string) string {
	head := statementHead(normalized)

	for _, re := range []*regexp.Regexp{insertTargetRe, createTargetRe, mergeTargetRe} {
		if match := re.FindStringSubmatch(head); match != nil {
			return cleanIdentifier(match[1])
		}
	}

	return ""
}

// statementHead skips a leading WITH clause so CTE-prefixed DML
// (WITH x AS (...) INSERT INTO ...) still exposes its write target. The CTE
// list is walked by balanced parentheses; anything malformed falls through to
// the full statement.
func statementHead(normalized string) string {
	loc := withPrefixRe.FindStringIndex(normalized)
	if loc == nil {
		return normalized
	}

	rest := normalized[loc[1]:]

	for {
		open := strings.IndexByte(rest, '(')
		if open < 0 {
			return normalized
		}

		end := matchingParen(rest, open)
		if end < 0 {
			return normalized
		}

		rest = strings.TrimLeft(rest[end+1:], " ")
		if !strings.HasPrefix(rest, ",") {
			return rest
		}

		rest = strings.TrimLeft(rest[1:], " ")
	}
}

// matchingParen returns the index of the parenthesis closing the one at open,
// or -1 when the statement is unbalanced.
func matchingParen(s string, open int) int {
	depth := 0

	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}

func extractCTENames(normalized string) map[string]bool {
	names := make(map[string]bool)

	for _, match := range cteNameRe.FindAllStringSubmatch(normalized, -1) {
		names[match[1]] = true
	}

	return names
}

func cleanIdentifier(ident string) string {
	return strings.Trim(strings.ReplaceAll(ident, `"`, ""), ".")
}

func parenDepth(prefix string) int {
	depth := 0

	for _, r := range prefix {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		}
	}

	if depth < 0 {
		return 0
	}

	return depth
}

func confidenceAtDepth(depth int) float64 {
	switch {
	case depth >= deepNestingLevel:
		return confidenceDeep
	case depth >= 1:
		return confidenceNested
	default:
		return confidenceDirect
	}
}
