package lineage

import (
	"sort"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

// Graph is a table-level lineage graph built from task lineage records.
type Graph struct {
	tables     map[int64]models.CatalogTable
	edges      []models.LineageEdge
	downstream map[int64][]models.LineageEdge
	upstream   map[int64][]models.LineageEdge
}

// BuildGraph connects every input table of a task to every output table of
// the same task. Records pointing at tables outside tables are ignored.
func BuildGraph(tables []models.CatalogTable, records []models.LineageRecord) *Graph {
	g := &Graph{
		tables:     make(map[int64]models.CatalogTable, len(tables)),
		downstream: make(map[int64][]models.LineageEdge),
		upstream:   make(map[int64][]models.LineageEdge),
	}
	for _, t := range tables {
		g.tables[t.TableID] = t
	}

	type taskSides struct {
		inputs  []int64
		outputs []int64
	}
	byTask := make(map[int64]*taskSides)
	var taskOrder []int64
	for _, r := range records {
		sides, ok := byTask[r.TaskID]
		if !ok {
			sides = &taskSides{}
			byTask[r.TaskID] = sides
			taskOrder = append(taskOrder, r.TaskID)
		}
		if r.UpstreamTableID != nil {
			sides.inputs = append(sides.inputs, *r.UpstreamTableID)
		}
		if r.DownstreamTableID != nil {
			sides.outputs = append(sides.outputs, *r.DownstreamTableID)
		}
	}
	sort.Slice(taskOrder, func(i, j int) bool { return taskOrder[i] < taskOrder[j] })

	seen := make(map[[2]int64]struct{})
	for _, taskID := range taskOrder {
		sides := byTask[taskID]
		for _, in := range sides.inputs {
			for _, out := range sides.outputs {
				if in == out {
					continue
				}
				if _, ok := g.tables[in]; !ok {
					continue
				}
				if _, ok := g.tables[out]; !ok {
					continue
				}
				key := [2]int64{in, out}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				e := models.LineageEdge{Source: in, Target: out, TaskID: taskID}
				g.edges = append(g.edges, e)
				g.downstream[in] = append(g.downstream[in], e)
				g.upstream[out] = append(g.upstream[out], e)
			}
		}
	}
	return g
}

// All returns every table and edge of the graph.
func (g *Graph) All() models.LineageGraph {
	nodes := make(map[int64]struct{}, len(g.tables))
	for id := range g.tables {
		nodes[id] = struct{}{}
	}
	return g.render(nodes, g.edges)
}

// Subgraph returns the tables reachable from center within depth hops. Upstream
// and downstream are walked separately so a sibling reached through a shared
// parent is not included. depth < 0 means unlimited. An unknown center yields
// an empty graph.
func (g *Graph) Subgraph(center int64, depth int) models.LineageGraph {
	if _, ok := g.tables[center]; !ok {
		return models.LineageGraph{Nodes: []models.LineageNode{}, Edges: []models.LineageEdge{}}
	}
	nodes := map[int64]struct{}{center: {}}
	edgeSet := make(map[models.LineageEdge]struct{})
	var edges []models.LineageEdge

	walk := func(adjacent map[int64][]models.LineageEdge, next func(models.LineageEdge) int64) {
		visited := map[int64]struct{}{center: {}}
		frontier := []int64{center}
		for hop := 0; len(frontier) > 0 && (depth < 0 || hop < depth); hop++ {
			var following []int64
			for _, id := range frontier {
				for _, e := range adjacent[id] {
					if _, ok := edgeSet[e]; !ok {
						edgeSet[e] = struct{}{}
						edges = append(edges, e)
					}
					n := next(e)
					if _, ok := visited[n]; ok {
						continue
					}
					visited[n] = struct{}{}
					nodes[n] = struct{}{}
					following = append(following, n)
				}
			}
			frontier = following
		}
	}
	walk(g.downstream, func(e models.LineageEdge) int64 { return e.Target })
	walk(g.upstream, func(e models.LineageEdge) int64 { return e.Source })
	return g.render(nodes, edges)
}

func (g *Graph) render(ids map[int64]struct{}, edges []models.LineageEdge) models.LineageGraph {
	out := models.LineageGraph{
		Nodes: make([]models.LineageNode, 0, len(ids)),
		Edges: make([]models.LineageEdge, 0, len(edges)),
	}
	for id := range ids {
		t := g.tables[id]
		out.Nodes = append(out.Nodes, models.LineageNode{
			TableID:   id,
			TableName: t.TableName,
			DBName:    t.DBName,
			Layer:     t.Layer,
		})
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].TableID < out.Nodes[j].TableID })
	out.Edges = append(out.Edges, edges...)
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].Source != out.Edges[j].Source {
			return out.Edges[i].Source < out.Edges[j].Source
		}
		return out.Edges[i].Target < out.Edges[j].Target
	})
	return out
}
