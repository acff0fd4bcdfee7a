package dolphin

import (
	"errors"
	"fmt"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

// ErrWorkflowNotFound is returned when the scheduler has no definition for a code.
var ErrWorkflowNotFound = errors.New("runtime workflow not found")

// codeProcessDefinitionNotExist is the scheduler's "process definition does not exist" status.
const codeProcessDefinitionNotExist = 50003

// APIError is a non-zero status returned by the scheduler.
type APIError struct {
	Code    int
	Message string
	Path    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is match ErrWorkflowNotFound on the scheduler's not-exist status.
func (e *APIError) Is(target error) bool {
	return target == ErrWorkflowNotFound && e.Code == codeProcessDefinitionNotExist
}

type Project struct {
	Code int64  `json:"code"`
	Name string `json:"name"`
}

type Datasource struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type TaskGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Tenant struct {
	ID   int64  `json:"id"`
	Code string `json:"tenant_code"`
}

type Environment struct {
	Code int64  `json:"code"`
	Name string `json:"name"`
}

type ProcessInstance struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	ProcessDefinitionCode int64  `json:"process_definition_code"`
	State                 string `json:"state"`
	StartTime             string `json:"start_time"`
	EndTime               string `json:"end_time"`
	Host                  string `json:"host"`
	RunTimes              int    `json:"run_times"`
}

// DefinitionRequest is everything needed to create or update a definition.
// WorkflowCode 0 creates a new definition.
type DefinitionRequest struct {
	ProjectCode   int64
	WorkflowCode  int64
	Name          string
	Description   string
	GlobalParams  string
	TenantCode    string
	WorkerGroup   string
	ExecutionType string
	Tasks         []models.RuntimeTask
	// Edges must include entry edges; every task needs at least one relation.
	Edges []models.Edge
}

// ScheduleRequest creates or updates the timer of a definition.
type ScheduleRequest struct {
	ProjectCode  int64
	WorkflowCode int64
	models.RuntimeSchedule
}

// InstanceQuery filters process instance listings.
type InstanceQuery struct {
	WorkflowCode int64
	PageNo       int
	PageSize     int
}
