package models

import (
	"fmt"
	"sort"
)

// EntryTaskCode is the sentinel upstream code of an entry edge.
const EntryTaskCode int64 = 0

// Edge defines a relationship where PostTaskCode runs after PreTaskCode.
type Edge struct {
	PreTaskCode  int64 `json:"pre_task_code" db:"pre_task_code"`
	PostTaskCode int64 `json:"post_task_code" db:"post_task_code"`
}

// IsEntry reports whether the edge only marks a DAG start node.
func (e Edge) IsEntry() bool {
	return e.PreTaskCode == EntryTaskCode
}

// Valid reports whether the edge can be kept at all.
func (e Edge) Valid() bool {
	return e.PostTaskCode > 0 && e.PreTaskCode >= 0
}

func (e Edge) String() string {
	return fmt.Sprintf("%d->%d", e.PreTaskCode, e.PostTaskCode)
}

// NormalizeEdges drops invalid, entry and self-loop edges, de-duplicates and
// sorts.
func NormalizeEdges(edges []Edge) []Edge {
	seen := make(map[Edge]struct{}, len(edges))
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if !e.Valid() || e.IsEntry() || e.PreTaskCode == e.PostTaskCode {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	SortEdges(out)
	return out
}

// SortEdges orders edges by upstream then downstream code.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].PreTaskCode != edges[j].PreTaskCode {
			return edges[i].PreTaskCode < edges[j].PreTaskCode
		}
		return edges[i].PostTaskCode < edges[j].PostTaskCode
	})
}
