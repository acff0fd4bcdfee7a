package models

import (
	"strconv"
	"strings"
	"time"
)

// SQLNodeType is the only node type the sync core admits.
const SQLNodeType = "SQL"

// DefaultTaskPriority is what the scheduler assigns when a task has none.
const DefaultTaskPriority = "MEDIUM"

type RelationType string

const (
	ReadRelation  RelationType = "read"
	WriteRelation RelationType = "write"
)

// Task is a SQL task. It persists independently of the workflows it is bound to.
type Task struct {
	ID             int64     `json:"id" db:"id"`
	TaskCode       int64     `json:"task_code" db:"task_code"` // Scheduler task code
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description" db:"description"`
	NodeType       string    `json:"node_type" db:"node_type"`
	SQL            string    `json:"sql" db:"sql_text"`
	DatasourceName string    `json:"datasource_name" db:"datasource_name"`
	DatasourceType string    `json:"datasource_type" db:"datasource_type"`
	TaskGroupName  string    `json:"task_group_name" db:"task_group_name"`
	Priority       string    `json:"priority" db:"priority"`
	RetryTimes     int       `json:"retry_times" db:"retry_times"`
	RetryInterval  int       `json:"retry_interval" db:"retry_interval"`
	TimeoutSeconds int       `json:"timeout_seconds" db:"timeout_seconds"`
	TaskVersion    int       `json:"task_version" db:"task_version"`   // Scheduler bookkeeping
	DatasourceID   int64     `json:"datasource_id" db:"datasource_id"` // Scheduler bookkeeping
	TaskGroupID    int64     `json:"task_group_id" db:"task_group_id"` // Scheduler bookkeeping
	Owner          string    `json:"owner" db:"owner"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
	InputTableIDs  []int64   `json:"input_table_ids,omitempty" db:"-"`
	OutputTableIDs []int64   `json:"output_table_ids,omitempty" db:"-"`
}

// WorkflowTaskBinding ties a task to a workflow. Entry and Exit are derived from edges.
type WorkflowTaskBinding struct {
	WorkflowID int64 `json:"workflow_id" db:"workflow_id"`
	TaskID     int64 `json:"task_id" db:"task_id"`
	Entry      bool  `json:"entry" db:"is_entry"`
	Exit       bool  `json:"exit" db:"is_exit"`
}

// TaskTableRelation records that a task reads or writes a catalog table.
type TaskTableRelation struct {
	TaskID       int64        `json:"task_id" db:"task_id"`
	TableID      int64        `json:"table_id" db:"table_id"`
	RelationType RelationType `json:"relation_type" db:"relation_type"`
}

// LineageRecord is one side of a task's table lineage.
type LineageRecord struct {
	ID                int64  `json:"id" db:"id"`
	TaskID            int64  `json:"task_id" db:"task_id"`
	UpstreamTableID   *int64 `json:"upstream_table_id,omitempty" db:"upstream_table_id"`
	DownstreamTableID *int64 `json:"downstream_table_id,omitempty" db:"downstream_table_id"`
	LineageType       string `json:"lineage_type" db:"lineage_type"` // "input" or "output"
}

var namedPriorities = map[string]struct{}{
	"HIGHEST": {}, "HIGH": {}, "MEDIUM": {}, "LOW": {}, "LOWEST": {},
}

// NormalizePriority maps named or numeric priorities onto HIGHEST..LOWEST.
// Unknown text is returned trimmed; empty stays empty.
func NormalizePriority(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	upper := strings.ToUpper(v)
	if _, ok := namedPriorities[upper]; ok {
		return upper
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return v
	}
	switch {
	case n == 0:
		return "HIGHEST"
	case n == 1:
		return "HIGH"
	case n == 2:
		return "MEDIUM"
	case n == 3:
		return "LOW"
	case n == 4:
		return "LOWEST"
	case n >= 9:
		return "HIGHEST"
	case n >= 7:
		return "HIGH"
	case n >= 5:
		return "MEDIUM"
	}
	return "LOWEST"
}
