package lineage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

const tableNamePattern = "((?:`?[a-z0-9_]+`?\\s*\\.\\s*)?`?[a-z0-9_]+`?)"

var (
	inputContextPattern = regexp.MustCompile(`(?i)\b(?:JOIN|USING)\s+` + tableNamePattern)

	fromKeywordPattern = regexp.MustCompile(`(?i)\bFROM\b`)
	leadingNamePattern = regexp.MustCompile(`(?i)^\s*` + tableNamePattern)
	aliasPattern       = regexp.MustCompile("(?i)^\\s+(?:AS\\s+)?`?([a-z0-9_]+)`?")
	listSeparator      = regexp.MustCompile(`^\s*,`)

	outputContextPattern = regexp.MustCompile(`(?i)\b(?:INSERT\s+(?:INTO|OVERWRITE(?:\s+TABLE)?(?:\s+INTO)?)|REPLACE\s+INTO|MERGE\s+INTO|CREATE\s+TABLE(?:\s+IF\s+NOT\s+EXISTS)?)\s+` + tableNamePattern)

	updateTargetPattern = regexp.MustCompile(`(?i)\bUPDATE\s+` + tableNamePattern + `\s+(?:[a-z0-9_]+\s+)?SET\b`)

	cteAliasPattern = regexp.MustCompile("(?i)(?:\\bWITH\\b|,)\\s*`?([a-z0-9_]+)`?\\s+AS\\s*\\(")
)

// Catalog resolves db.table names to active catalog rows. An empty db matches
// the table in any database.
type Catalog interface {
	FindActiveTables(ctx context.Context, db, table string) ([]models.CatalogTable, error)
}

// Matcher extracts table references from SQL and resolves them through a Catalog.
type Matcher struct {
	catalog Catalog
}

func NewMatcher(catalog Catalog) *Matcher {
	return &Matcher{catalog: catalog}
}

type rawRef struct {
	direction models.RefDirection
	raw       string
	db        string
	table     string
	spans     []models.Span
}

// Analyze extracts and resolves the tables read and written by sql. Non-SQL
// node types and empty SQL yield an empty result.
func (m *Matcher) Analyze(ctx context.Context, sql, nodeType string) (models.LineageResult, error) {
	result := models.LineageResult{
		InputRefs:  []models.TableRefMatch{},
		OutputRefs: []models.TableRefMatch{},
		Unmatched:  []string{},
		Ambiguous:  []string{},
		Statements: []models.Statement{},
	}
	if strings.TrimSpace(sql) == "" || (nodeType != "" && !strings.EqualFold(nodeType, models.SQLNodeType)) {
		return result, nil
	}

	masked := Mask(sql)
	result.Statements = SplitStatements(sql)
	refs := extractRefs(sql, masked)

	lookups := make(map[string][]models.CatalogTable)
	for _, ref := range refs {
		key := ref.db + "." + ref.table
		candidates, ok := lookups[key]
		if !ok {
			rows, err := m.catalog.FindActiveTables(ctx, ref.db, ref.table)
			if err != nil {
				return models.LineageResult{}, fmt.Errorf("resolve table %s: %w", ref.raw, err)
			}
			candidates = CollapseCandidates(rows)
			lookups[key] = candidates
		}
		match := resolve(ref, candidates)
		if ref.direction == models.InputRef {
			result.InputRefs = append(result.InputRefs, match)
		} else {
			result.OutputRefs = append(result.OutputRefs, match)
		}
		switch match.Status {
		case models.Unmatched:
			result.Unmatched = appendUnique(result.Unmatched, match.QualifiedName())
		case models.Ambiguous:
			result.Ambiguous = appendUnique(result.Ambiguous, match.QualifiedName())
		}
	}
	return result, nil
}

// extractRefs finds the distinct input and output mentions in sql. masked must
// be Mask(sql). CTE aliases referenced without a database are not inputs.
func extractRefs(sql, masked string) []*rawRef {
	ctes := make(map[string]struct{})
	for _, m := range cteAliasPattern.FindAllStringSubmatch(masked, -1) {
		ctes[strings.ToLower(m[1])] = struct{}{}
	}

	index := make(map[string]*rawRef)
	var ordered []*rawRef
	add := func(direction models.RefDirection, start, end int) {
		raw := strings.TrimSpace(sql[start:end])
		db, table := splitName(raw)
		if table == "" {
			return
		}
		if direction == models.InputRef && db == "" {
			if _, isCTE := ctes[table]; isCTE {
				return
			}
		}
		key := string(direction) + ":" + db + "." + table
		ref, ok := index[key]
		if !ok {
			ref = &rawRef{direction: direction, raw: raw, db: db, table: table}
			index[key] = ref
			ordered = append(ordered, ref)
		}
		ref.spans = append(ref.spans, models.Span{Start: start, End: end})
	}
	collect := func(pattern *regexp.Regexp, direction models.RefDirection) {
		for _, loc := range pattern.FindAllStringSubmatchIndex(masked, -1) {
			add(direction, loc[2], loc[3])
		}
	}
	inputs := fromListNames(masked)
	for _, loc := range inputContextPattern.FindAllStringSubmatchIndex(masked, -1) {
		inputs = append(inputs, models.Span{Start: loc[2], End: loc[3]})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Start < inputs[j].Start })
	for _, span := range inputs {
		add(models.InputRef, span.Start, span.End)
	}
	collect(outputContextPattern, models.OutputRef)
	collect(updateTargetPattern, models.OutputRef)
	return ordered
}

// clauseKeywords end a FROM item list and are never table aliases.
var clauseKeywords = map[string]struct{}{
	"where": {}, "group": {}, "order": {}, "limit": {}, "having": {}, "union": {},
	"join": {}, "inner": {}, "left": {}, "right": {}, "full": {}, "cross": {},
	"outer": {}, "natural": {}, "lateral": {}, "on": {}, "using": {}, "window": {},
	"select": {}, "set": {}, "into": {}, "values": {}, "insert": {}, "with": {},
	"qualify": {}, "distribute": {}, "sort": {}, "cluster": {}, "partition": {},
}

// fromListNames walks every FROM item list in masked and returns the spans of
// the plain table names in it. Parenthesised items are skipped whole; the
// FROM clauses inside them are visited on their own. The walk stops at the
// first item not followed by a comma.
func fromListNames(masked string) []models.Span {
	var spans []models.Span
	for _, loc := range fromKeywordPattern.FindAllStringIndex(masked, -1) {
		pos := loc[1]
		for {
			rest := masked[pos:]
			trimmed := strings.TrimLeft(rest, " \t\r\n")
			if strings.HasPrefix(trimmed, "(") {
				open := pos + len(rest) - len(trimmed)
				closeAt := matchingParen(masked, open)
				if closeAt < 0 {
					break
				}
				pos = closeAt + 1
			} else {
				m := leadingNamePattern.FindStringSubmatchIndex(rest)
				if m == nil {
					break
				}
				if _, kw := clauseKeywords[strings.ToLower(rest[m[2]:m[3]])]; kw {
					break
				}
				spans = append(spans, models.Span{Start: pos + m[2], End: pos + m[3]})
				pos += m[1]
			}
			if a := aliasPattern.FindStringSubmatchIndex(masked[pos:]); a != nil {
				if _, kw := clauseKeywords[strings.ToLower(masked[pos+a[2]:pos+a[3]])]; !kw {
					pos += a[1]
				}
			}
			sep := listSeparator.FindStringIndex(masked[pos:])
			if sep == nil {
				break
			}
			pos += sep[1]
		}
	}
	return spans
}

// matchingParen returns the index of the parenthesis closing the one at open,
// or -1 when it is unbalanced.
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

// CollapseCandidates drops deprecated and soft-deleted rows, then collapses rows
// sharing a cluster+db+table identity into one (lowest table id wins). The
// result is ordered by cluster, db, table.
func CollapseCandidates(rows []models.CatalogTable) []models.CatalogTable {
	active := make([]models.CatalogTable, 0, len(rows))
	for _, r := range rows {
		if r.Deleted || strings.EqualFold(r.Status, "deprecated") {
			continue
		}
		active = append(active, r)
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].TableID < active[j].TableID })

	seen := make(map[string]struct{}, len(active))
	out := make([]models.CatalogTable, 0, len(active))
	for _, r := range active {
		key := fmt.Sprintf("%d|%s|%s", r.ClusterID, strings.ToLower(r.DBName), strings.ToLower(r.TableName))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ClusterName != b.ClusterName {
			return a.ClusterName < b.ClusterName
		}
		if a.DBName != b.DBName {
			return a.DBName < b.DBName
		}
		return a.TableName < b.TableName
	})
	return out
}

func resolve(ref *rawRef, candidates []models.CatalogTable) models.TableRefMatch {
	match := models.TableRefMatch{
		RawName:    ref.raw,
		Database:   ref.db,
		Table:      ref.table,
		Direction:  ref.direction,
		Candidates: candidates,
		Spans:      ref.spans,
	}
	switch len(candidates) {
	case 0:
		match.Status = models.Unmatched
		match.Candidates = []models.CatalogTable{}
	case 1:
		chosen := candidates[0]
		match.Status = models.Matched
		match.ChosenTable = &chosen
		match.Confidence = 1.0
		if ref.db == "" {
			match.Confidence = 0.9
		}
	default:
		match.Status = models.Ambiguous
		match.Confidence = 0.6
		if ref.db == "" {
			match.Confidence = 0.5
		}
	}
	return match
}

// splitName normalizes a raw reference into lower-case db and table parts.
func splitName(raw string) (string, string) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '`', '"', '\'', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, raw)
	cleaned = strings.ToLower(cleaned)
	parts := strings.Split(cleaned, ".")
	if len(parts) == 1 {
		return "", parts[0]
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
