// Package snapshot builds canonical, hashed workflow snapshots and computes
// structural diffs between them.
package snapshot

import (
	"sort"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/tidwall/gjson"
)

// Document is the canonical snapshot layout. Field order is fixed by the
// struct declarations, so encoding a Document is deterministic.
type Document struct {
	SchemaVersion int              `json:"schemaVersion"`
	Workflow      WorkflowSection  `json:"workflow"`
	Tasks         []TaskSection    `json:"tasks"`
	Edges         []EdgeSection    `json:"edges"`
	Schedule      *ScheduleSection `json:"schedule"`
}

type WorkflowSection struct {
	ProjectCode  int64  `json:"projectCode"`
	WorkflowCode int64  `json:"workflowCode"`
	WorkflowName string `json:"workflowName"`
	Description  string `json:"description"`
	GlobalParams string `json:"globalParams"`
	ReleaseState string `json:"releaseState"`
}

type TaskSection struct {
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
	// Scheduler bookkeeping, kept for rollback but never hashed or diffed.
	DatasourceID int64 `json:"datasourceId"`
	TaskGroupID  int64 `json:"taskGroupId"`
	TaskVersion  int   `json:"taskVersion"`
}

type EdgeSection struct {
	PreTaskCode  int64 `json:"preTaskCode"`
	PostTaskCode int64 `json:"postTaskCode"`
}

type ScheduleSection struct {
	ScheduleID              int64  `json:"scheduleId"`
	ReleaseState            string `json:"releaseState"`
	Crontab                 string `json:"crontab"`
	TimezoneID              string `json:"timezoneId"`
	StartTime               string `json:"startTime"`
	EndTime                 string `json:"endTime"`
	FailureStrategy         string `json:"failureStrategy"`
	WarningType             string `json:"warningType"`
	WarningGroupID          int64  `json:"warningGroupId"`
	ProcessInstancePriority string `json:"processInstancePriority"`
	WorkerGroup             string `json:"workerGroup"`
	TenantCode              string `json:"tenantCode"`
	EnvironmentCode         int64  `json:"environmentCode"`
}

// NewDocument canonicalizes a definition. Entry and invalid edges are dropped,
// tasks are ordered by code then name, SQL line endings are normalized and
// table id lists are sorted and de-duplicated.
func NewDocument(def models.RuntimeWorkflowDefinition, edges []models.Edge) Document {
	doc := Document{
		SchemaVersion: models.CanonicalSchemaVersion,
		Workflow: WorkflowSection{
			ProjectCode:  def.ProjectCode,
			WorkflowCode: def.WorkflowCode,
			WorkflowName: strings.TrimSpace(def.WorkflowName),
			Description:  strings.TrimSpace(def.Description),
			GlobalParams: strings.TrimSpace(def.GlobalParams),
			ReleaseState: strings.TrimSpace(def.ReleaseState),
		},
		Tasks: make([]TaskSection, 0, len(def.Tasks)),
		Edges: make([]EdgeSection, 0, len(edges)),
	}
	for _, t := range def.Tasks {
		doc.Tasks = append(doc.Tasks, TaskSection{
			TaskCode:       t.TaskCode,
			TaskName:       strings.TrimSpace(t.TaskName),
			Description:    strings.TrimSpace(t.Description),
			NodeType:       strings.ToUpper(strings.TrimSpace(t.NodeType)),
			SQL:            NormalizeSQL(t.SQL),
			DatasourceName: strings.TrimSpace(t.DatasourceName),
			DatasourceType: strings.TrimSpace(t.DatasourceType),
			TaskGroupName:  strings.TrimSpace(t.TaskGroupName),
			TaskPriority:   priorityOrDefault(t.TaskPriority),
			RetryTimes:     t.RetryTimes,
			RetryInterval:  t.RetryInterval,
			TimeoutSeconds: t.TimeoutSeconds,
			InputTableIDs:  sortedIDs(t.InputTableIDs),
			OutputTableIDs: sortedIDs(t.OutputTableIDs),
			DatasourceID:   t.DatasourceID,
			TaskGroupID:    t.TaskGroupID,
			TaskVersion:    t.TaskVersion,
		})
	}
	sort.SliceStable(doc.Tasks, func(i, j int) bool {
		if doc.Tasks[i].TaskCode != doc.Tasks[j].TaskCode {
			return doc.Tasks[i].TaskCode < doc.Tasks[j].TaskCode
		}
		return doc.Tasks[i].TaskName < doc.Tasks[j].TaskName
	})
	for _, e := range models.NormalizeEdges(edges) {
		doc.Edges = append(doc.Edges, EdgeSection{PreTaskCode: e.PreTaskCode, PostTaskCode: e.PostTaskCode})
	}
	if s := def.Schedule; s != nil {
		doc.Schedule = &ScheduleSection{
			ScheduleID:              s.ScheduleID,
			ReleaseState:            s.ReleaseState,
			Crontab:                 strings.TrimSpace(s.Crontab),
			TimezoneID:              s.TimezoneID,
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
	return doc
}

// Definition converts the document back into a definition. Edges are
// returned separately because they are not part of the export shape.
func (d Document) Definition() (models.RuntimeWorkflowDefinition, []models.Edge) {
	def := models.RuntimeWorkflowDefinition{
		Variant:      models.PlatformVariant,
		ProjectCode:  d.Workflow.ProjectCode,
		WorkflowCode: d.Workflow.WorkflowCode,
		WorkflowName: d.Workflow.WorkflowName,
		Description:  d.Workflow.Description,
		GlobalParams: d.Workflow.GlobalParams,
		ReleaseState: d.Workflow.ReleaseState,
		Tasks:        make([]models.RuntimeTask, 0, len(d.Tasks)),
	}
	for _, t := range d.Tasks {
		def.Tasks = append(def.Tasks, models.RuntimeTask{
			TaskCode:       t.TaskCode,
			TaskVersion:    t.TaskVersion,
			TaskName:       t.TaskName,
			Description:    t.Description,
			NodeType:       t.NodeType,
			SQL:            t.SQL,
			DatasourceID:   t.DatasourceID,
			DatasourceName: t.DatasourceName,
			DatasourceType: t.DatasourceType,
			TaskGroupID:    t.TaskGroupID,
			TaskGroupName:  t.TaskGroupName,
			TaskPriority:   t.TaskPriority,
			RetryTimes:     t.RetryTimes,
			RetryInterval:  t.RetryInterval,
			TimeoutSeconds: t.TimeoutSeconds,
			InputTableIDs:  t.InputTableIDs,
			OutputTableIDs: t.OutputTableIDs,
		})
	}
	if s := d.Schedule; s != nil {
		def.Schedule = &models.RuntimeSchedule{
			ScheduleID:              s.ScheduleID,
			ReleaseState:            s.ReleaseState,
			Crontab:                 s.Crontab,
			TimezoneID:              s.TimezoneID,
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
	edges := make([]models.Edge, 0, len(d.Edges))
	for _, e := range d.Edges {
		edges = append(edges, models.Edge{PreTaskCode: e.PreTaskCode, PostTaskCode: e.PostTaskCode})
	}
	return def, edges
}

// Load reads a stored snapshot. Blank or invalid input yields an empty
// document with schemaVersion 0. Snapshots written before the canonical
// layout are read on a best-effort basis.
func Load(raw string) Document {
	if strings.TrimSpace(raw) == "" || !gjson.Valid(raw) {
		return Document{Tasks: []TaskSection{}, Edges: []EdgeSection{}}
	}
	r := gjson.Parse(raw)
	doc := Document{
		SchemaVersion: SchemaVersionOf(raw),
		Tasks:         []TaskSection{},
		Edges:         []EdgeSection{},
	}
	wf := r.Get("workflow")
	if !wf.IsObject() {
		wf = r
	}
	doc.Workflow = WorkflowSection{
		ProjectCode:  wf.Get("projectCode").Int(),
		WorkflowCode: wf.Get("workflowCode").Int(),
		WorkflowName: firstString(wf, "workflowName", "name"),
		Description:  wf.Get("description").String(),
		GlobalParams: wf.Get("globalParams").String(),
		ReleaseState: wf.Get("releaseState").String(),
	}
	r.Get("tasks").ForEach(func(_, t gjson.Result) bool {
		doc.Tasks = append(doc.Tasks, TaskSection{
			TaskCode:       t.Get("taskCode").Int(),
			TaskName:       firstString(t, "taskName", "name"),
			Description:    t.Get("description").String(),
			NodeType:       firstString(t, "nodeType", "taskType"),
			SQL:            t.Get("sql").String(),
			DatasourceName: t.Get("datasourceName").String(),
			DatasourceType: t.Get("datasourceType").String(),
			TaskGroupName:  t.Get("taskGroupName").String(),
			TaskPriority:   firstString(t, "taskPriority", "priority"),
			RetryTimes:     int(t.Get("retryTimes").Int()),
			RetryInterval:  int(t.Get("retryInterval").Int()),
			TimeoutSeconds: int(t.Get("timeoutSeconds").Int()),
			InputTableIDs:  ints(t.Get("inputTableIds")),
			OutputTableIDs: ints(t.Get("outputTableIds")),
			DatasourceID:   t.Get("datasourceId").Int(),
			TaskGroupID:    t.Get("taskGroupId").Int(),
			TaskVersion:    int(t.Get("taskVersion").Int()),
		})
		return true
	})
	r.Get("edges").ForEach(func(_, e gjson.Result) bool {
		doc.Edges = append(doc.Edges, EdgeSection{
			PreTaskCode:  e.Get("preTaskCode").Int(),
			PostTaskCode: e.Get("postTaskCode").Int(),
		})
		return true
	})
	if s := r.Get("schedule"); s.IsObject() {
		doc.Schedule = &ScheduleSection{
			ScheduleID:              s.Get("scheduleId").Int(),
			ReleaseState:            s.Get("releaseState").String(),
			Crontab:                 s.Get("crontab").String(),
			TimezoneID:              s.Get("timezoneId").String(),
			StartTime:               s.Get("startTime").String(),
			EndTime:                 s.Get("endTime").String(),
			FailureStrategy:         s.Get("failureStrategy").String(),
			WarningType:             s.Get("warningType").String(),
			WarningGroupID:          s.Get("warningGroupId").Int(),
			ProcessInstancePriority: s.Get("processInstancePriority").String(),
			WorkerGroup:             s.Get("workerGroup").String(),
			TenantCode:              s.Get("tenantCode").String(),
			EnvironmentCode:         s.Get("environmentCode").Int(),
		}
	}
	return doc
}

// SchemaVersionOf reads schemaVersion from a stored snapshot, defaulting to 1.
func SchemaVersionOf(raw string) int {
	v := gjson.Get(raw, "schemaVersion")
	if v.Type != gjson.Number || v.Int() <= 0 {
		return 1
	}
	return int(v.Int())
}

// NormalizeSQL converts CRLF to LF and trims surrounding whitespace.
func NormalizeSQL(sql string) string {
	return strings.TrimSpace(strings.ReplaceAll(sql, "\r\n", "\n"))
}

func priorityOrDefault(p string) string {
	if n := models.NormalizePriority(p); n != "" {
		return n
	}
	return models.DefaultTaskPriority
}

func sortedIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func ints(r gjson.Result) []int64 {
	out := []int64{}
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.Int())
		return true
	})
	return out
}
