package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

// Build renders the canonical snapshot of def with the given edges.
func Build(def models.RuntimeWorkflowDefinition, edges []models.Edge) models.Snapshot {
	return FromDocument(NewDocument(def, edges))
}

// FromDocument encodes doc and hashes its comparable view.
func FromDocument(doc Document) models.Snapshot {
	if doc.Tasks == nil {
		doc.Tasks = []TaskSection{}
	}
	if doc.Edges == nil {
		doc.Edges = []EdgeSection{}
	}
	// Document holds only strings, numbers and slices of them.
	raw, _ := json.Marshal(doc)
	return models.Snapshot{
		SchemaVersion: doc.SchemaVersion,
		JSON:          string(raw),
		Hash:          Hash(doc),
	}
}

type hashedTask struct {
	TaskCode       int64   `json:"taskCode"`
	TaskName       string  `json:"taskName"`
	Description    string  `json:"description"`
	NodeType       string  `json:"nodeType"`
	SQL            string  `json:"sql"`
	DatasourceName string  `json:"datasourceName"`
	DatasourceType string  `json:"datasourceType"`
	TaskGroupName  string  `json:"taskGroupName"`
	TaskPriority   string  `json:"taskPriority"`
	RetryTimes     int     `json:"retryTimes"`
	RetryInterval  int     `json:"retryInterval"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
	InputTableIDs  []int64 `json:"inputTableIds"`
	OutputTableIDs []int64 `json:"outputTableIds"`
}

type hashedSchedule struct {
	ScheduleID   int64  `json:"scheduleId"`
	ReleaseState string `json:"releaseState"`
	Crontab      string `json:"crontab"`
	TimezoneID   string `json:"timezoneId"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
	WorkerGroup  string `json:"workerGroup"`
	TenantCode   string `json:"tenantCode"`
}

type hashedView struct {
	WorkflowName string          `json:"workflowName"`
	Description  string          `json:"description"`
	GlobalParams string          `json:"globalParams"`
	Tasks        []hashedTask    `json:"tasks"`
	Edges        []EdgeSection   `json:"edges"`
	Schedule     *hashedSchedule `json:"schedule"`
}

// Hash is the SHA-256 of the fields Diff compares. Scheduler bookkeeping,
// entry edges and unmaterialized schedules do not contribute.
func Hash(doc Document) string {
	view := hashedView{
		WorkflowName: doc.Workflow.WorkflowName,
		Description:  doc.Workflow.Description,
		GlobalParams: doc.Workflow.GlobalParams,
		Tasks:        make([]hashedTask, 0, len(doc.Tasks)),
		Edges:        make([]EdgeSection, 0, len(doc.Edges)),
	}
	for _, t := range doc.Tasks {
		view.Tasks = append(view.Tasks, hashedTask{
			TaskCode:       t.TaskCode,
			TaskName:       t.TaskName,
			Description:    t.Description,
			NodeType:       t.NodeType,
			SQL:            NormalizeSQL(t.SQL),
			DatasourceName: t.DatasourceName,
			DatasourceType: t.DatasourceType,
			TaskGroupName:  t.TaskGroupName,
			TaskPriority:   priorityOrDefault(t.TaskPriority),
			RetryTimes:     t.RetryTimes,
			RetryInterval:  t.RetryInterval,
			TimeoutSeconds: t.TimeoutSeconds,
			InputTableIDs:  sortedIDs(t.InputTableIDs),
			OutputTableIDs: sortedIDs(t.OutputTableIDs),
		})
	}
	for _, e := range doc.Edges {
		if e.PreTaskCode == models.EntryTaskCode {
			continue
		}
		view.Edges = append(view.Edges, e)
	}
	if s := doc.Schedule; s != nil && s.ScheduleID > 0 {
		view.Schedule = &hashedSchedule{
			ScheduleID:   s.ScheduleID,
			ReleaseState: s.ReleaseState,
			Crontab:      s.Crontab,
			TimezoneID:   s.TimezoneID,
			StartTime:    s.StartTime,
			EndTime:      s.EndTime,
			WorkerGroup:  s.WorkerGroup,
			TenantCode:   s.TenantCode,
		}
	}
	raw, _ := json.Marshal(view)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
