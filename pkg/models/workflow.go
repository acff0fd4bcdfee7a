package models

import "time"

type WorkflowStatus string

const (
	DraftWorkflowStatus   WorkflowStatus = "draft"
	OnlineWorkflowStatus  WorkflowStatus = "online"
	OfflineWorkflowStatus WorkflowStatus = "offline"
)

// Publish states recorded on a workflow.
const (
	PublishStatusNever     = "never"
	PublishStatusPublished = "published"
	PublishStatusFailed    = "failed"
	PublishStatusPending   = "pending_approval"
)

// ScheduleSpec is the timer configuration pushed to the scheduler.
type ScheduleSpec struct {
	ScheduleID              int64  `json:"schedule_id" db:"schedule_id"`       // Scheduler schedule id, 0 when never materialized
	ScheduleState           string `json:"schedule_state" db:"schedule_state"` // ONLINE / OFFLINE
	Cron                    string `json:"cron" db:"schedule_cron"`
	Timezone                string `json:"timezone" db:"schedule_timezone"`
	StartTime               string `json:"start_time" db:"schedule_start_time"` // "2006-01-02 15:04:05"
	EndTime                 string `json:"end_time" db:"schedule_end_time"`
	FailureStrategy         string `json:"failure_strategy" db:"schedule_failure_strategy"`
	WarningType             string `json:"warning_type" db:"schedule_warning_type"`
	WarningGroupID          int64  `json:"warning_group_id" db:"schedule_warning_group_id"`
	ProcessInstancePriority string `json:"process_instance_priority" db:"schedule_instance_priority"`
	WorkerGroup             string `json:"worker_group" db:"schedule_worker_group"`
	TenantCode              string `json:"tenant_code" db:"schedule_tenant_code"`
	EnvironmentCode         int64  `json:"environment_code" db:"schedule_environment_code"`
}

// Workflow is the locally designed, versioned workflow.
type Workflow struct {
	ID               int64          `json:"id" db:"id"`                       // PostgreSQL auto-increment
	ProjectCode      int64          `json:"project_code" db:"project_code"`   // Scheduler project
	WorkflowCode     int64          `json:"workflow_code" db:"workflow_code"` // Scheduler workflow code, 0 until first deploy
	Name             string         `json:"name" db:"name"`
	Description      string         `json:"description" db:"description"`
	GlobalParams     string         `json:"global_params" db:"global_params"`
	TaskGroupName    string         `json:"task_group_name" db:"task_group_name"`
	Status           WorkflowStatus `json:"status" db:"status"`
	PublishStatus    string         `json:"publish_status" db:"publish_status"`
	SyncSource       string         `json:"sync_source" db:"sync_source"`
	CurrentVersionID *int64         `json:"current_version_id,omitempty" db:"current_version_id"`
	ScheduleSpec
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Tasks     []Task    `json:"tasks,omitempty" db:"-"` // Bound tasks (populated at runtime)
	Edges     []Edge    `json:"edges,omitempty" db:"-"`
}

// HasRuntime reports whether the workflow was ever deployed to the scheduler.
func (w Workflow) HasRuntime() bool {
	return w.WorkflowCode > 0
}

// ReleaseState maps the local status onto the scheduler's release vocabulary.
func (w Workflow) ReleaseState() string {
	switch w.Status {
	case OnlineWorkflowStatus:
		return "ONLINE"
	case OfflineWorkflowStatus:
		return "OFFLINE"
	}
	return string(w.Status)
}

// StatusFromReleaseState maps a scheduler release state onto a local status.
func StatusFromReleaseState(state string) WorkflowStatus {
	switch state {
	case "ONLINE", "online":
		return OnlineWorkflowStatus
	case "OFFLINE", "offline":
		return OfflineWorkflowStatus
	}
	return DraftWorkflowStatus
}
