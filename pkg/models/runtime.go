package models

// ExportVariant tags which export shape a runtime definition was read from.
type ExportVariant string

const (
	WorkflowDefinitionVariant ExportVariant = "workflowDefinition" // newer scheduler releases
	ProcessDefinitionVariant  ExportVariant = "processDefinition"  // older scheduler releases
	LegacyVariant             ExportVariant = "legacy"             // embedded JSON strings only
	PlatformVariant           ExportVariant = "platform"           // built from the local design
)

// RuntimeWorkflowDefinition is the canonical view of a workflow definition,
// whether it came from the scheduler or from the local design.
type RuntimeWorkflowDefinition struct {
	Variant       ExportVariant    `json:"variant"`
	ProjectCode   int64            `json:"project_code"`
	WorkflowCode  int64            `json:"workflow_code"`
	WorkflowName  string           `json:"workflow_name"`
	Description   string           `json:"description"`
	ReleaseState  string           `json:"release_state"`
	GlobalParams  string           `json:"global_params"`
	Tasks         []RuntimeTask    `json:"tasks"`
	ExplicitEdges []Edge           `json:"explicit_edges"`
	Schedule      *RuntimeSchedule `json:"schedule,omitempty"`
	RawJSON       string           `json:"-"`
}

// RuntimeTask is one task of a RuntimeWorkflowDefinition.
type RuntimeTask struct {
	TaskCode       int64   `json:"task_code"`
	TaskVersion    int     `json:"task_version"`
	TaskName       string  `json:"task_name"`
	Description    string  `json:"description"`
	NodeType       string  `json:"node_type"`
	SQL            string  `json:"sql"`
	DatasourceID   int64   `json:"datasource_id"`
	DatasourceName string  `json:"datasource_name"`
	DatasourceType string  `json:"datasource_type"`
	TaskGroupID    int64   `json:"task_group_id"`
	TaskGroupName  string  `json:"task_group_name"`
	TaskPriority   string  `json:"task_priority"`
	RetryTimes     int     `json:"retry_times"`
	RetryInterval  int     `json:"retry_interval"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	InputTableIDs  []int64 `json:"input_table_ids"`
	OutputTableIDs []int64 `json:"output_table_ids"`
}

// RuntimeSchedule is the scheduler's timer for a workflow.
type RuntimeSchedule struct {
	ScheduleID              int64  `json:"schedule_id"`
	ReleaseState            string `json:"release_state"`
	Crontab                 string `json:"crontab"`
	TimezoneID              string `json:"timezone_id"`
	StartTime               string `json:"start_time"`
	EndTime                 string `json:"end_time"`
	FailureStrategy         string `json:"failure_strategy"`
	WarningType             string `json:"warning_type"`
	WarningGroupID          int64  `json:"warning_group_id"`
	ProcessInstancePriority string `json:"process_instance_priority"`
	WorkerGroup             string `json:"worker_group"`
	TenantCode              string `json:"tenant_code"`
	EnvironmentCode         int64  `json:"environment_code"`
}

// HasSchedule reports whether the scheduler materialized a real schedule.
func (d RuntimeWorkflowDefinition) HasSchedule() bool {
	return d.Schedule != nil && d.Schedule.ScheduleID > 0
}

// TaskByCode indexes tasks by their scheduler code.
func (d RuntimeWorkflowDefinition) TaskByCode() map[int64]RuntimeTask {
	out := make(map[int64]RuntimeTask, len(d.Tasks))
	for _, t := range d.Tasks {
		out[t.TaskCode] = t
	}
	return out
}

// ToSchedule converts a stored ScheduleSpec into a RuntimeSchedule.
func (s ScheduleSpec) ToSchedule() *RuntimeSchedule {
	return &RuntimeSchedule{
		ScheduleID:              s.ScheduleID,
		ReleaseState:            s.ScheduleState,
		Crontab:                 s.Cron,
		TimezoneID:              s.Timezone,
		StartTime:               s.StartTime,
		EndTime:                 s.EndTime,
		FailureStrategy:         s.FailureStrategy,
		WarningType:             s.WarningType,
		WarningGroupID:          s.WarningGroupID,
		ProcessInstancePriority: s.ProcessInstancePriority,
		WorkerGroup:             s.WorkerGroup,
		TenantCode:              s.TenantCode,
		EnvironmentCode:         s.EnvironmentCode,
	}
}

// ToSpec converts a RuntimeSchedule into the stored ScheduleSpec.
func (s *RuntimeSchedule) ToSpec() ScheduleSpec {
	if s == nil {
		return ScheduleSpec{}
	}
	return ScheduleSpec{
		ScheduleID:              s.ScheduleID,
		ScheduleState:           s.ReleaseState,
		Cron:                    s.Crontab,
		Timezone:                s.TimezoneID,
		StartTime:               s.StartTime,
		EndTime:                 s.EndTime,
		FailureStrategy:         s.FailureStrategy,
		WarningType:             s.WarningType,
		WarningGroupID:          s.WarningGroupID,
		ProcessInstancePriority: s.ProcessInstancePriority,
		WorkerGroup:             s.WorkerGroup,
		TenantCode:              s.TenantCode,
		EnvironmentCode:         s.EnvironmentCode,
	}
}
