package service

import (
	"context"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/internal/lineage"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/pkg/errors"
)

// AnalyzeSQL resolves the tables sql reads and writes. Statements carrying a
// risky keyword are reported as warnings.
func (s *WorkflowService) AnalyzeSQL(ctx context.Context, sql, nodeType string) (models.Outcome[models.LineageResult], error) {
	result, err := s.matcher.Analyze(ctx, sql, nodeType)
	if err != nil {
		return models.Outcome[models.LineageResult]{}, errors.Wrap(err, "failed to analyze sql")
	}
	var issues models.Issues
	for i, st := range result.Statements {
		if !st.Risky {
			continue
		}
		kind := "modifies data"
		if lineage.IsDestructive(st) {
			kind = "is destructive"
		}
		issue := models.Warning(models.SQLRiskyStatement, "statement %d (%s) %s", i+1, st.Type, kind)
		issue.Detail = st.Text
		issues = append(issues, issue)
	}
	return models.Succeed(result, issues...), nil
}

// LineageGraph returns the table lineage graph. A nil center returns every
// table; otherwise the graph is walked up to depth hops each way from center,
// depth < 0 meaning unlimited.
func (s *WorkflowService) LineageGraph(center *int64, depth int) (models.LineageGraph, error) {
	tables, err := s.store.ListCatalogTables()
	if err != nil {
		return models.LineageGraph{}, errors.Wrap(err, "failed to list catalog tables")
	}
	records, err := s.store.ListLineage()
	if err != nil {
		return models.LineageGraph{}, errors.Wrap(err, "failed to list lineage")
	}
	active := make([]models.CatalogTable, 0, len(tables))
	for _, t := range tables {
		if t.Deleted || strings.EqualFold(t.Status, "deprecated") {
			continue
		}
		active = append(active, t)
	}
	g := lineage.BuildGraph(active, records)
	if center == nil {
		return g.All(), nil
	}
	return g.Subgraph(*center, depth), nil
}
