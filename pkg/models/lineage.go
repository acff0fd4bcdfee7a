package models

// CatalogTable is an active catalog row the lineage matcher resolves names against.
type CatalogTable struct {
	TableID     int64  `json:"table_id" db:"id"`
	ClusterID   int64  `json:"cluster_id" db:"cluster_id"`
	ClusterName string `json:"cluster_name" db:"cluster_name"`
	SourceType  string `json:"source_type" db:"source_type"`
	DBName      string `json:"db_name" db:"db_name"`
	TableName   string `json:"table_name" db:"table_name"`
	Layer       string `json:"layer,omitempty" db:"layer"`
	Status      string `json:"status" db:"status"`
	Deleted     bool   `json:"deleted" db:"deleted"`
}

type MatchStatus string

const (
	Matched   MatchStatus = "matched"
	Ambiguous MatchStatus = "ambiguous"
	Unmatched MatchStatus = "unmatched"
)

type RefDirection string

const (
	InputRef  RefDirection = "input"
	OutputRef RefDirection = "output"
)

// Span is a half-open character range in the SQL text.
type Span struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// TableRefMatch is one distinct table mention and its catalog resolution.
type TableRefMatch struct {
	RawName     string         `json:"raw_name" yaml:"raw_name"`
	Database    string         `json:"database,omitempty" yaml:"database,omitempty"`
	Table       string         `json:"table" yaml:"table"`
	Direction   RefDirection   `json:"direction" yaml:"direction"`
	Status      MatchStatus    `json:"match_status" yaml:"match_status"`
	Candidates  []CatalogTable `json:"candidates" yaml:"candidates"`
	ChosenTable *CatalogTable  `json:"chosen_table,omitempty" yaml:"chosen_table,omitempty"`
	Confidence  float64        `json:"confidence" yaml:"confidence"`
	Spans       []Span         `json:"spans" yaml:"spans"`
}

// QualifiedName is "db.table" or "table".
func (r TableRefMatch) QualifiedName() string {
	if r.Database == "" {
		return r.Table
	}
	return r.Database + "." + r.Table
}

// Statement is one ';'-separated SQL statement.
type Statement struct {
	Text  string `json:"text" yaml:"text"`
	Type  string `json:"type" yaml:"type"`
	Risky bool   `json:"risky" yaml:"risky"`
}

// LineageResult is the analysis of one task's SQL.
type LineageResult struct {
	InputRefs  []TableRefMatch `json:"input_refs" yaml:"input_refs"`
	OutputRefs []TableRefMatch `json:"output_refs" yaml:"output_refs"`
	Unmatched  []string        `json:"unmatched" yaml:"unmatched"`
	Ambiguous  []string        `json:"ambiguous" yaml:"ambiguous"`
	Statements []Statement     `json:"statements" yaml:"statements"`
}

// InputTableIDs returns the chosen table ids of matched inputs.
func (r LineageResult) InputTableIDs() []int64 {
	return chosenIDs(r.InputRefs)
}

// OutputTableIDs returns the chosen table ids of matched outputs.
func (r LineageResult) OutputTableIDs() []int64 {
	return chosenIDs(r.OutputRefs)
}

func chosenIDs(refs []TableRefMatch) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, r := range refs {
		if r.Status != Matched || r.ChosenTable == nil {
			continue
		}
		if _, ok := seen[r.ChosenTable.TableID]; ok {
			continue
		}
		seen[r.ChosenTable.TableID] = struct{}{}
		out = append(out, r.ChosenTable.TableID)
	}
	return out
}

// LineageGraph is a table-level lineage graph.
type LineageGraph struct {
	Nodes []LineageNode `json:"nodes"`
	Edges []LineageEdge `json:"edges"`
}

type LineageNode struct {
	TableID   int64  `json:"table_id"`
	TableName string `json:"table_name"`
	DBName    string `json:"db_name"`
	Layer     string `json:"layer,omitempty"`
}

type LineageEdge struct {
	Source int64 `json:"source"`
	Target int64 `json:"target"`
	TaskID int64 `json:"task_id"`
}
