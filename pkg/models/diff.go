package models

// Snapshot is the canonical, hashed JSON form of a workflow definition.
type Snapshot struct {
	SchemaVersion int    `json:"schema_version"`
	JSON          string `json:"json"`
	Hash          string `json:"hash"`
}

// FieldChange is one field difference. Field is the key within its section.
type FieldChange struct {
	Field  string  `json:"field" yaml:"field"`
	Before *string `json:"before" yaml:"before"`
	After  *string `json:"after" yaml:"after"`
}

// TaskChange is a task-level difference.
type TaskChange struct {
	TaskCode     int64         `json:"task_code" yaml:"task_code"`
	TaskName     string        `json:"task_name" yaml:"task_name"`
	FieldChanges []FieldChange `json:"field_changes,omitempty" yaml:"field_changes,omitempty"`
}

// EdgeChange is an added or removed dependency.
type EdgeChange struct {
	PreTaskCode  int64  `json:"pre_task_code" yaml:"pre_task_code"`
	PostTaskCode int64  `json:"post_task_code" yaml:"post_task_code"`
	PreTaskName  string `json:"pre_task_name" yaml:"pre_task_name"`
	PostTaskName string `json:"post_task_name" yaml:"post_task_name"`
}

// DiffBucket holds one class (added, removed or modified) of changes.
type DiffBucket struct {
	WorkflowFields []FieldChange `json:"workflow_fields" yaml:"workflow_fields"`
	ScheduleFields []FieldChange `json:"schedule_fields" yaml:"schedule_fields"`
	Tasks          []TaskChange  `json:"tasks" yaml:"tasks"`
	Edges          []EdgeChange  `json:"edges" yaml:"edges"`
}

// Empty reports whether the bucket holds no change.
func (b DiffBucket) Empty() bool {
	return len(b.WorkflowFields) == 0 && len(b.ScheduleFields) == 0 && len(b.Tasks) == 0 && len(b.Edges) == 0
}

// Count is the number of entries in the bucket.
func (b DiffBucket) Count() int {
	return len(b.WorkflowFields) + len(b.ScheduleFields) + len(b.Tasks) + len(b.Edges)
}

// DiffSummary is the structural difference between two snapshots.
type DiffSummary struct {
	BaselineHash string     `json:"baseline_hash" yaml:"baseline_hash"`
	CurrentHash  string     `json:"current_hash" yaml:"current_hash"`
	Changed      bool       `json:"changed" yaml:"changed"`
	Added        DiffBucket `json:"added" yaml:"added"`
	Removed      DiffBucket `json:"removed" yaml:"removed"`
	Modified     DiffBucket `json:"modified" yaml:"modified"`
}

// Refresh recomputes Changed from the buckets.
func (d *DiffSummary) Refresh() {
	d.Changed = !d.Added.Empty() || !d.Removed.Empty() || !d.Modified.Empty()
}

type ParityStatus string

const (
	ParityNotChecked   ParityStatus = "not_checked"
	ParityConsistent   ParityStatus = "consistent"
	ParityInconsistent ParityStatus = "inconsistent"
)

// ParityResult compares the primary and shadow parsing paths.
type ParityResult struct {
	Status          ParityStatus `json:"status"`
	PrimaryHash     string       `json:"primary_hash,omitempty"`
	ShadowHash      string       `json:"shadow_hash,omitempty"`
	WorkflowChanges int          `json:"workflow_changes"`
	TaskAdded       int          `json:"task_added"`
	TaskRemoved     int          `json:"task_removed"`
	TaskModified    int          `json:"task_modified"`
	EdgeAdded       int          `json:"edge_added"`
	EdgeRemoved     int          `json:"edge_removed"`
	ScheduleChanges int          `json:"schedule_changes"`
	Samples         []string     `json:"samples,omitempty"`
}
