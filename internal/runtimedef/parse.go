// Package runtimedef normalizes scheduler export payloads into
// models.RuntimeWorkflowDefinition. Both export shapes are recognized here so
// nothing downstream needs to know which one a definition came from.
package runtimedef

import (
	"errors"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/tidwall/gjson"
)

var (
	ErrEmptyDefinition   = errors.New("exported definition is empty")
	ErrUnsupportedFormat = errors.New("exported definition format is unsupported")
)

var (
	taskListKeys     = []string{"taskDefinitionJson", "taskDefinitionList", "taskList", "tasks"}
	relationListKeys = []string{"taskRelationJson", "taskRelationList", "processTaskRelationList", "workflowTaskRelationList", "edges"}
)

// Parse reads an export payload in either the workflowDefinition or the
// processDefinition shape, falling back to JSON embedded in string fields.
func Parse(payload []byte) (models.RuntimeWorkflowDefinition, error) {
	r, ok := root(payload)
	if !ok {
		return models.RuntimeWorkflowDefinition{}, ErrEmptyDefinition
	}

	variant := models.ProcessDefinitionVariant
	def := present(r, "workflowDefinition")
	if def.IsObject() {
		variant = models.WorkflowDefinitionVariant
	} else {
		def = present(r, "processDefinition")
		if !def.IsObject() {
			def = normalize(present(r, "processDefinitionJson"))
		}
	}
	if !def.IsObject() {
		if !looksLikeDefinition(r) {
			return models.RuntimeWorkflowDefinition{}, ErrUnsupportedFormat
		}
		def = r
	}
	if present(r, "workflowTaskRelationList").Exists() {
		variant = models.WorkflowDefinitionVariant
	}

	out := models.RuntimeWorkflowDefinition{
		Variant:      variant,
		ProjectCode:  int64Of(def, "projectCode"),
		WorkflowCode: int64Of(def, "code", "workflowCode", "processDefinitionCode"),
		WorkflowName: text(def, "name", "workflowName"),
		Description:  text(def, "description", "desc"),
		ReleaseState: text(def, "releaseState", "publishStatus", "scheduleReleaseState"),
		GlobalParams: jsonField(node(def, "globalParams")),
		RawJSON:      r.Raw,
	}
	if out.ProjectCode == 0 {
		out.ProjectCode = int64Of(r, "projectCode")
	}

	out.Schedule = parseSchedule(present(r, "schedule"))
	if out.Schedule == nil {
		out.Schedule = parseSchedule(present(def, "schedule"))
	}
	if out.Schedule != nil && out.Schedule.ReleaseState == "" {
		out.Schedule.ReleaseState = text(def, "scheduleReleaseState", "releaseState")
	}

	out.Tasks = parseTasks(unwrapList(present(r, "taskDefinitionList", "tasks", "taskDefinitionJson"), taskListKeys...))
	if len(out.Tasks) == 0 {
		out.Tasks = parseTasks(unwrapList(present(def, taskListKeys...), taskListKeys...))
	}

	out.ExplicitEdges = parseEdges(unwrapList(present(r, "workflowTaskRelationList", "processTaskRelationList", "taskRelationList", "edges", "taskRelationJson"), relationListKeys...))
	if len(out.ExplicitEdges) == 0 {
		out.ExplicitEdges = parseEdges(unwrapList(present(def, relationListKeys...), relationListKeys...))
	}
	return out, nil
}

func looksLikeDefinition(r gjson.Result) bool {
	for _, key := range []string{"name", "workflowName", "code", "workflowCode", "taskDefinitionList", "tasks"} {
		if present(r, key).Exists() {
			return true
		}
	}
	return false
}

func parseTasks(list gjson.Result) []models.RuntimeTask {
	tasks := []models.RuntimeTask{}
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		t := models.RuntimeTask{
			TaskCode:       int64Of(item, "code", "taskCode"),
			TaskVersion:    intOf(item, "version", "taskVersion"),
			TaskName:       text(item, "name", "taskName"),
			Description:    text(item, "description", "taskDesc"),
			NodeType:       text(item, "taskType", "nodeType", "type"),
			TimeoutSeconds: intOf(item, "timeout", "timeoutSeconds"),
			RetryTimes:     intOf(item, "failRetryTimes", "retryTimes"),
			RetryInterval:  intOf(item, "failRetryInterval", "retryInterval"),
			TaskPriority:   models.NormalizePriority(text(item, "taskPriority", "priority")),
			TaskGroupID:    int64Of(item, "taskGroupId"),
			TaskGroupName:  text(item, "taskGroupName"),
			InputTableIDs:  idList(node(item, "inputTableIds")),
			OutputTableIDs: idList(node(item, "outputTableIds")),
		}
		if params := normalize(node(item, "taskParams")); params.IsObject() {
			t.SQL = text(params, "sql", "rawScript")
			t.DatasourceID = int64Of(params, "datasource", "datasourceId")
			t.DatasourceName = text(params, "datasourceName")
			t.DatasourceType = text(params, "type", "datasourceType")
		}
		if t.SQL == "" {
			t.SQL = text(item, "sql", "rawScript")
		}
		if t.DatasourceName == "" {
			t.DatasourceName = text(item, "datasourceName")
		}
		if t.DatasourceType == "" {
			t.DatasourceType = text(item, "datasourceType")
		}
		if !strings.EqualFold(t.NodeType, models.SQLNodeType) {
			t.SQL = ""
		}
		tasks = append(tasks, t)
		return true
	})
	return tasks
}

func parseEdges(list gjson.Result) []models.Edge {
	edges := []models.Edge{}
	list.ForEach(func(_, rel gjson.Result) bool {
		if !rel.IsObject() {
			return true
		}
		post, ok := integer(rel, "postTaskCode", "postTask", "downstreamTaskCode")
		if !ok || post <= 0 {
			return true
		}
		pre, ok := integer(rel, "preTaskCode", "preTask", "upstreamTaskCode")
		if !ok || pre < 0 {
			return true
		}
		edges = append(edges, models.Edge{PreTaskCode: pre, PostTaskCode: post})
		return true
	})
	return edges
}

func parseSchedule(r gjson.Result) *models.RuntimeSchedule {
	n := normalize(r)
	if !n.IsObject() {
		return nil
	}
	return &models.RuntimeSchedule{
		ScheduleID:              int64Of(n, "id", "scheduleId"),
		ReleaseState:            text(n, "releaseState"),
		Crontab:                 text(n, "crontab", "cron"),
		TimezoneID:              text(n, "timezoneId", "timezone"),
		StartTime:               text(n, "startTime"),
		EndTime:                 text(n, "endTime"),
		FailureStrategy:         text(n, "failureStrategy"),
		WarningType:             text(n, "warningType"),
		WarningGroupID:          int64Of(n, "warningGroupId"),
		ProcessInstancePriority: text(n, "processInstancePriority"),
		WorkerGroup:             text(n, "workerGroup"),
		TenantCode:              text(n, "tenantCode"),
		EnvironmentCode:         int64Of(n, "environmentCode"),
	}
}
