package service

import (
	"sort"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

// platformDefinition renders a local workflow as a definition so it can be
// snapshotted and diffed against the runtime side.
func platformDefinition(wf models.Workflow, tasks []models.Task, edges []models.Edge) models.RuntimeWorkflowDefinition {
	def := models.RuntimeWorkflowDefinition{
		Variant:       models.PlatformVariant,
		ProjectCode:   wf.ProjectCode,
		WorkflowCode:  wf.WorkflowCode,
		WorkflowName:  wf.Name,
		Description:   wf.Description,
		ReleaseState:  wf.ReleaseState(),
		GlobalParams:  wf.GlobalParams,
		Tasks:         make([]models.RuntimeTask, 0, len(tasks)),
		ExplicitEdges: edges,
	}
	for _, t := range tasks {
		def.Tasks = append(def.Tasks, runtimeTask(t))
	}
	if wf.Cron != "" || wf.ScheduleID > 0 {
		def.Schedule = wf.ToSchedule()
	}
	return def
}

func runtimeTask(t models.Task) models.RuntimeTask {
	return models.RuntimeTask{
		TaskCode:       t.TaskCode,
		TaskVersion:    t.TaskVersion,
		TaskName:       t.Name,
		Description:    t.Description,
		NodeType:       orDefault(t.NodeType, models.SQLNodeType),
		SQL:            t.SQL,
		DatasourceID:   t.DatasourceID,
		DatasourceName: t.DatasourceName,
		DatasourceType: t.DatasourceType,
		TaskGroupID:    t.TaskGroupID,
		TaskGroupName:  t.TaskGroupName,
		TaskPriority:   t.Priority,
		RetryTimes:     t.RetryTimes,
		RetryInterval:  t.RetryInterval,
		TimeoutSeconds: t.TimeoutSeconds,
		InputTableIDs:  t.InputTableIDs,
		OutputTableIDs: t.OutputTableIDs,
	}
}

// localTask converts a runtime task into the local task to persist under name.
func localTask(rt models.RuntimeTask, name, owner string) models.Task {
	return models.Task{
		TaskCode:       rt.TaskCode,
		Name:           name,
		Description:    rt.Description,
		NodeType:       models.SQLNodeType,
		SQL:            rt.SQL,
		DatasourceName: rt.DatasourceName,
		DatasourceType: rt.DatasourceType,
		TaskGroupName:  rt.TaskGroupName,
		Priority:       orDefault(models.NormalizePriority(rt.TaskPriority), models.DefaultTaskPriority),
		RetryTimes:     rt.RetryTimes,
		RetryInterval:  rt.RetryInterval,
		TimeoutSeconds: rt.TimeoutSeconds,
		TaskVersion:    max(rt.TaskVersion, 1),
		DatasourceID:   rt.DatasourceID,
		TaskGroupID:    rt.TaskGroupID,
		Owner:          owner,
		InputTableIDs:  rt.InputTableIDs,
		OutputTableIDs: rt.OutputTableIDs,
	}
}

// inferEdges derives A->B whenever A writes a table B reads, A != B. Tasks
// without a code take no part.
func inferEdges(tasks []models.RuntimeTask) []models.Edge {
	var edges []models.Edge
	for _, down := range tasks {
		if down.TaskCode <= 0 || len(down.InputTableIDs) == 0 {
			continue
		}
		reads := make(map[int64]struct{}, len(down.InputTableIDs))
		for _, id := range down.InputTableIDs {
			reads[id] = struct{}{}
		}
		for _, up := range tasks {
			if up.TaskCode <= 0 || up.TaskCode == down.TaskCode {
				continue
			}
			for _, id := range up.OutputTableIDs {
				if _, ok := reads[id]; ok {
					edges = append(edges, models.Edge{PreTaskCode: up.TaskCode, PostTaskCode: down.TaskCode})
					break
				}
			}
		}
	}
	return models.NormalizeEdges(edges)
}

// knownEdges keeps the non-entry edges whose endpoints are both tasks of the
// definition.
func knownEdges(tasks []models.RuntimeTask, edges []models.Edge) []models.Edge {
	codes := make(map[int64]struct{}, len(tasks))
	for _, t := range tasks {
		codes[t.TaskCode] = struct{}{}
	}
	kept := make([]models.Edge, 0, len(edges))
	for _, e := range models.NormalizeEdges(edges) {
		_, pre := codes[e.PreTaskCode]
		_, post := codes[e.PostTaskCode]
		if pre && post {
			kept = append(kept, e)
		}
	}
	return kept
}

// bindings builds the workflow membership of taskIDs (by task code), with
// entry and exit flags derived from the edges.
func bindings(tasks []models.RuntimeTask, taskIDs map[int64]int64, edges []models.Edge) []models.WorkflowTaskBinding {
	hasUpstream := make(map[int64]bool)
	hasDownstream := make(map[int64]bool)
	for _, e := range edges {
		if e.IsEntry() {
			continue
		}
		hasUpstream[e.PostTaskCode] = true
		hasDownstream[e.PreTaskCode] = true
	}
	out := make([]models.WorkflowTaskBinding, 0, len(tasks))
	for _, t := range tasks {
		id, ok := taskIDs[t.TaskCode]
		if !ok {
			continue
		}
		out = append(out, models.WorkflowTaskBinding{
			TaskID: id,
			Entry:  !hasUpstream[t.TaskCode],
			Exit:   !hasDownstream[t.TaskCode],
		})
	}
	return out
}

// sortedTasks orders tasks by code, then name.
func sortedTasks(tasks []models.RuntimeTask) []models.RuntimeTask {
	out := append([]models.RuntimeTask(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TaskCode != out[j].TaskCode {
			return out[i].TaskCode < out[j].TaskCode
		}
		return out[i].TaskName < out[j].TaskName
	})
	return out
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
