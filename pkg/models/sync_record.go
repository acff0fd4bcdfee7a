package models

import "time"

// Statuses shared by sync and publish records.
const (
	RecordStatusPending      = "pending"
	RecordStatusSuccess      = "success"
	RecordStatusFailed       = "failed"
	RecordStatusInconsistent = "inconsistent"
	RecordStatusApproved     = "approved" // publish records only
	RecordStatusRejected     = "rejected" // publish records only
)

// SyncRecord audits one runtime -> design synchronization attempt.
type SyncRecord struct {
	ID           int64     `json:"id" db:"id"`
	OperationID  string    `json:"operation_id" db:"operation_id"`
	WorkflowID   *int64    `json:"workflow_id,omitempty" db:"workflow_id"`
	ProjectCode  int64     `json:"project_code" db:"project_code"`
	WorkflowCode int64     `json:"workflow_code" db:"workflow_code"`
	VersionID    *int64    `json:"version_id,omitempty" db:"version_id"`
	Operator     string    `json:"operator" db:"operator"`
	Status       string    `json:"status" db:"status"`
	SnapshotHash string    `json:"snapshot_hash" db:"snapshot_hash"`
	SnapshotJSON string    `json:"snapshot_json" db:"snapshot_json"`
	DiffJSON     string    `json:"diff_json" db:"diff_json"`
	IngestMode   string    `json:"ingest_mode" db:"ingest_mode"`
	ParityStatus string    `json:"parity_status" db:"parity_status"`
	ErrorCode    string    `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// PublishRecord audits one design -> runtime publish attempt.
type PublishRecord struct {
	ID                 int64     `json:"id" db:"id"`
	OperationID        string    `json:"operation_id" db:"operation_id"`
	WorkflowID         int64     `json:"workflow_id" db:"workflow_id"`
	VersionID          *int64    `json:"version_id,omitempty" db:"version_id"`
	Operation          string    `json:"operation" db:"operation"`
	TargetEngine       string    `json:"target_engine" db:"target_engine"`
	Status             string    `json:"status" db:"status"`
	EngineWorkflowCode int64     `json:"engine_workflow_code" db:"engine_workflow_code"`
	Operator           string    `json:"operator" db:"operator"`
	SnapshotHash       string    `json:"snapshot_hash" db:"snapshot_hash"`
	DiffJSON           string    `json:"diff_json" db:"diff_json"`
	Log                string    `json:"log,omitempty" db:"log"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}
