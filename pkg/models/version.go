package models

import "time"

type TriggerSource string

const (
	TriggerManual          TriggerSource = "manual"
	TriggerImportFile      TriggerSource = "import_file"
	TriggerImportDolphin   TriggerSource = "import_dolphin"
	TriggerRuntimeSync     TriggerSource = "runtime_sync"
	TriggerDeploy          TriggerSource = "deploy"
	TriggerOnline          TriggerSource = "online"
	TriggerVersionRollback TriggerSource = "version_rollback"
)

// CanonicalSchemaVersion is the first snapshot schema that supports compare and rollback.
const CanonicalSchemaVersion = 2

// Version is an immutable entry in a workflow's history.
type Version struct {
	ID                    int64         `json:"id" db:"id"`
	WorkflowID            int64         `json:"workflow_id" db:"workflow_id"`
	VersionNo             int           `json:"version_no" db:"version_no"`
	SchemaVersion         int           `json:"schema_version" db:"schema_version"`
	Snapshot              string        `json:"snapshot" db:"snapshot"`
	SnapshotHash          string        `json:"snapshot_hash" db:"snapshot_hash"`
	ChangeSummary         string        `json:"change_summary" db:"change_summary"`
	TriggerSource         TriggerSource `json:"trigger_source" db:"trigger_source"`
	RollbackFromVersionID *int64        `json:"rollback_from_version_id,omitempty" db:"rollback_from_version_id"`
	CreatedBy             string        `json:"created_by" db:"created_by"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
}

// Canonical reports whether the version can be compared and rolled back.
func (v Version) Canonical() bool {
	return v.SchemaVersion >= CanonicalSchemaVersion
}
