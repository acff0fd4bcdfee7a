package runtimedef

import (
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/tidwall/gjson"
)

// ParseLegacy reads the pre-export definition shape: the definition and its
// task and relation lists carried as JSON strings under their legacy names.
// It shares no field fallbacks with Parse so the two can be cross-checked.
func ParseLegacy(payload []byte) (models.RuntimeWorkflowDefinition, error) {
	r, ok := root(payload)
	if !ok {
		return models.RuntimeWorkflowDefinition{}, ErrEmptyDefinition
	}
	def := normalize(node(r, "processDefinitionJson"))
	if !def.IsObject() {
		def = present(r, "processDefinition")
	}
	if !def.IsObject() {
		def = r
	}

	out := models.RuntimeWorkflowDefinition{
		Variant:      models.LegacyVariant,
		ProjectCode:  int64Of(def, "projectCode"),
		WorkflowCode: int64Of(def, "code"),
		WorkflowName: text(def, "name"),
		Description:  text(def, "description"),
		ReleaseState: text(def, "releaseState"),
		GlobalParams: jsonField(node(def, "globalParams")),
		RawJSON:      r.Raw,
	}
	if out.WorkflowCode == 0 && out.WorkflowName == "" {
		return models.RuntimeWorkflowDefinition{}, ErrEmptyDefinition
	}

	if s := parseSchedule(present(r, "schedule")); s != nil {
		out.Schedule = s
		if s.ReleaseState == "" {
			s.ReleaseState = text(def, "scheduleReleaseState")
		}
	}

	tasks := normalize(present(r, "taskDefinitionJson", "taskDefinitionList"))
	if !tasks.IsArray() {
		tasks = normalize(present(def, "taskDefinitionJson"))
	}
	out.Tasks = parseLegacyTasks(tasks)

	relations := normalize(present(r, "taskRelationJson", "processTaskRelationList"))
	if !relations.IsArray() {
		relations = normalize(present(def, "taskRelationJson"))
	}
	out.ExplicitEdges = parseLegacyEdges(relations)
	return out, nil
}

func parseLegacyTasks(list gjson.Result) []models.RuntimeTask {
	tasks := []models.RuntimeTask{}
	if !list.IsArray() {
		return tasks
	}
	for _, item := range list.Array() {
		if !item.IsObject() {
			continue
		}
		t := models.RuntimeTask{
			TaskCode:       int64Of(item, "code"),
			TaskVersion:    intOf(item, "version"),
			TaskName:       text(item, "name"),
			Description:    text(item, "description"),
			NodeType:       text(item, "taskType"),
			TimeoutSeconds: intOf(item, "timeout"),
			RetryTimes:     intOf(item, "failRetryTimes"),
			RetryInterval:  intOf(item, "failRetryInterval"),
			TaskPriority:   models.NormalizePriority(text(item, "taskPriority")),
			TaskGroupID:    int64Of(item, "taskGroupId"),
			TaskGroupName:  text(item, "taskGroupName"),
		}
		params := normalize(node(item, "taskParams"))
		if params.IsObject() && strings.EqualFold(t.NodeType, models.SQLNodeType) {
			t.SQL = text(params, "sql")
		}
		if params.IsObject() {
			t.DatasourceID = int64Of(params, "datasource")
			t.DatasourceName = text(params, "datasourceName")
			t.DatasourceType = text(params, "type")
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func parseLegacyEdges(list gjson.Result) []models.Edge {
	edges := []models.Edge{}
	if !list.IsArray() {
		return edges
	}
	for _, rel := range list.Array() {
		post := int64Of(rel, "postTaskCode")
		pre, ok := integer(rel, "preTaskCode")
		if post <= 0 || !ok || pre < 0 {
			continue
		}
		edges = append(edges, models.Edge{PreTaskCode: pre, PostTaskCode: post})
	}
	return edges
}
