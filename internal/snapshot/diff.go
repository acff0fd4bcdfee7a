package snapshot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

// Diff compares a stored baseline snapshot with the current one. A blank
// baseline diffs against an empty definition. Schedule fields are skipped
// when the current side has no materialized schedule.
func Diff(baselineJSON string, current models.Snapshot) models.DiffSummary {
	before := Load(baselineJSON)
	after := Load(current.JSON)
	summary := DiffDocuments(before, after)
	if strings.TrimSpace(baselineJSON) != "" {
		summary.BaselineHash = Hash(before)
	}
	summary.CurrentHash = current.Hash
	return summary
}

// DiffDocuments computes the structural difference between two documents.
func DiffDocuments(before, after Document) models.DiffSummary {
	var d models.DiffSummary
	d.Added, d.Removed, d.Modified = emptyBucket(), emptyBucket(), emptyBucket()

	classify(&d, workflowFields(before.Workflow), workflowFields(after.Workflow), func(b *models.DiffBucket, c models.FieldChange) {
		b.WorkflowFields = append(b.WorkflowFields, c)
	})
	if after.Schedule != nil && after.Schedule.ScheduleID > 0 {
		classify(&d, scheduleFields(before.Schedule), scheduleFields(after.Schedule), func(b *models.DiffBucket, c models.FieldChange) {
			b.ScheduleFields = append(b.ScheduleFields, c)
		})
	}
	diffTasks(&d, before.Tasks, after.Tasks)
	diffEdges(&d, before, after)
	d.Refresh()
	return d
}

func emptyBucket() models.DiffBucket {
	return models.DiffBucket{
		WorkflowFields: []models.FieldChange{},
		ScheduleFields: []models.FieldChange{},
		Tasks:          []models.TaskChange{},
		Edges:          []models.EdgeChange{},
	}
}

// field is one named, comparable value. A nil value means unset.
type field struct {
	name  string
	value *string
}

func str(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func num(n int64) *string {
	if n <= 0 {
		return nil
	}
	s := strconv.FormatInt(n, 10)
	return &s
}

func count(n int) *string {
	s := strconv.Itoa(n)
	return &s
}

func idsValue(ids []int64) *string {
	ids = sortedIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	s := strings.Join(parts, ",")
	return &s
}

func workflowFields(w WorkflowSection) []field {
	return []field{
		{"workflowName", str(w.WorkflowName)},
		{"description", str(w.Description)},
		{"globalParams", str(w.GlobalParams)},
	}
}

func scheduleFields(s *ScheduleSection) []field {
	if s == nil {
		s = &ScheduleSection{}
	}
	return []field{
		{"crontab", str(s.Crontab)},
		{"timezoneId", str(s.TimezoneID)},
		{"startTime", str(s.StartTime)},
		{"endTime", str(s.EndTime)},
		{"workerGroup", str(s.WorkerGroup)},
		{"tenantCode", str(s.TenantCode)},
		{"scheduleId", num(s.ScheduleID)},
		{"releaseState", str(s.ReleaseState)},
	}
}

func taskFields(t TaskSection) []field {
	return []field{
		{"taskName", str(t.TaskName)},
		{"description", str(t.Description)},
		{"nodeType", str(t.NodeType)},
		{"sql", str(NormalizeSQL(t.SQL))},
		{"datasourceName", str(t.DatasourceName)},
		{"datasourceType", str(t.DatasourceType)},
		{"taskGroupName", str(t.TaskGroupName)},
		{"taskPriority", str(priorityOrDefault(t.TaskPriority))},
		{"retryTimes", count(t.RetryTimes)},
		{"retryInterval", count(t.RetryInterval)},
		{"timeoutSeconds", count(t.TimeoutSeconds)},
		{"inputTableIds", idsValue(t.InputTableIDs)},
		{"outputTableIds", idsValue(t.OutputTableIDs)},
	}
}

func changes(before, after []field) []models.FieldChange {
	var out []models.FieldChange
	for i := range after {
		b, a := before[i].value, after[i].value
		if b == nil && a == nil {
			continue
		}
		if b != nil && a != nil && *b == *a {
			continue
		}
		out = append(out, models.FieldChange{Field: after[i].name, Before: b, After: a})
	}
	return out
}

// classify routes each changed field to added, removed or modified.
func classify(d *models.DiffSummary, before, after []field, add func(*models.DiffBucket, models.FieldChange)) {
	for _, c := range changes(before, after) {
		switch {
		case c.Before == nil:
			add(&d.Added, c)
		case c.After == nil:
			add(&d.Removed, c)
		default:
			add(&d.Modified, c)
		}
	}
}

func diffTasks(d *models.DiffSummary, before, after []TaskSection) {
	byCode := make(map[int64]int)
	byName := make(map[string]int)
	for i, t := range before {
		if t.TaskCode > 0 {
			byCode[t.TaskCode] = i
		}
		if _, ok := byName[t.TaskName]; !ok && t.TaskName != "" {
			byName[t.TaskName] = i
		}
	}
	matched := make(map[int]bool, len(before))
	find := func(t TaskSection) (int, bool) {
		if t.TaskCode > 0 {
			if i, ok := byCode[t.TaskCode]; ok && !matched[i] {
				return i, true
			}
		}
		if i, ok := byName[t.TaskName]; ok && !matched[i] && t.TaskName != "" {
			if t.TaskCode <= 0 || before[i].TaskCode <= 0 {
				return i, true
			}
		}
		return 0, false
	}

	for _, t := range after {
		i, ok := find(t)
		if !ok {
			d.Added.Tasks = append(d.Added.Tasks, models.TaskChange{TaskCode: t.TaskCode, TaskName: t.TaskName})
			continue
		}
		matched[i] = true
		if fc := changes(taskFields(before[i]), taskFields(t)); len(fc) > 0 {
			d.Modified.Tasks = append(d.Modified.Tasks, models.TaskChange{TaskCode: t.TaskCode, TaskName: t.TaskName, FieldChanges: fc})
		}
	}
	for i, t := range before {
		if !matched[i] {
			d.Removed.Tasks = append(d.Removed.Tasks, models.TaskChange{TaskCode: t.TaskCode, TaskName: t.TaskName})
		}
	}
}

func diffEdges(d *models.DiffSummary, before, after Document) {
	names := make(map[int64]string)
	for _, t := range before.Tasks {
		names[t.TaskCode] = t.TaskName
	}
	for _, t := range after.Tasks {
		names[t.TaskCode] = t.TaskName
	}
	set := func(doc Document) map[EdgeSection]struct{} {
		out := make(map[EdgeSection]struct{})
		for _, e := range doc.Edges {
			if e.PreTaskCode == models.EntryTaskCode || e.PostTaskCode <= 0 {
				continue
			}
			out[e] = struct{}{}
		}
		return out
	}
	beforeSet, afterSet := set(before), set(after)
	change := func(e EdgeSection) models.EdgeChange {
		return models.EdgeChange{
			PreTaskCode:  e.PreTaskCode,
			PostTaskCode: e.PostTaskCode,
			PreTaskName:  names[e.PreTaskCode],
			PostTaskName: names[e.PostTaskCode],
		}
	}
	for _, e := range sortedEdges(afterSet) {
		if _, ok := beforeSet[e]; !ok {
			d.Added.Edges = append(d.Added.Edges, change(e))
		}
	}
	for _, e := range sortedEdges(beforeSet) {
		if _, ok := afterSet[e]; !ok {
			d.Removed.Edges = append(d.Removed.Edges, change(e))
		}
	}
}

func sortedEdges(set map[EdgeSection]struct{}) []EdgeSection {
	edges := make([]models.Edge, 0, len(set))
	for e := range set {
		edges = append(edges, models.Edge{PreTaskCode: e.PreTaskCode, PostTaskCode: e.PostTaskCode})
	}
	models.SortEdges(edges)
	out := make([]EdgeSection, 0, len(edges))
	for _, e := range edges {
		out = append(out, EdgeSection{PreTaskCode: e.PreTaskCode, PostTaskCode: e.PostTaskCode})
	}
	return out
}

// TaskLabel renders a task as name(code).
func TaskLabel(name string, code int64) string {
	return fmt.Sprintf("%s(%d)", name, code)
}
