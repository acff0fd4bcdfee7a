package snapshot

import (
	"fmt"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

// MaxParitySamples bounds the mismatch samples kept on a ParityResult.
const MaxParitySamples = 12

// Compare checks that the primary and shadow parsing paths produced the same
// definition, each snapshotted over its own explicit edges.
func Compare(primary, shadow *models.RuntimeWorkflowDefinition) models.ParityResult {
	if primary == nil || shadow == nil {
		return models.ParityResult{Status: models.ParityNotChecked}
	}
	p := Build(*primary, primary.ExplicitEdges)
	s := Build(*shadow, shadow.ExplicitEdges)
	diff := Diff(s.JSON, p)

	workflow := concat(diff.Added.WorkflowFields, diff.Removed.WorkflowFields, diff.Modified.WorkflowFields)
	schedule := concat(diff.Added.ScheduleFields, diff.Removed.ScheduleFields, diff.Modified.ScheduleFields)
	result := models.ParityResult{
		Status:          models.ParityConsistent,
		PrimaryHash:     p.Hash,
		ShadowHash:      s.Hash,
		WorkflowChanges: len(workflow),
		TaskAdded:       len(diff.Added.Tasks),
		TaskRemoved:     len(diff.Removed.Tasks),
		TaskModified:    len(diff.Modified.Tasks),
		EdgeAdded:       len(diff.Added.Edges),
		EdgeRemoved:     len(diff.Removed.Edges),
		ScheduleChanges: len(schedule),
		Samples:         []string{},
	}
	if diff.Changed {
		result.Status = models.ParityInconsistent
	}

	add := func(section, item string) {
		if len(result.Samples) < MaxParitySamples {
			result.Samples = append(result.Samples, section+": "+item)
		}
	}
	for _, c := range workflow {
		add("workflow", c.Field)
	}
	for _, t := range diff.Added.Tasks {
		add("task_added", TaskLabel(t.TaskName, t.TaskCode))
	}
	for _, t := range diff.Removed.Tasks {
		add("task_removed", TaskLabel(t.TaskName, t.TaskCode))
	}
	for _, t := range diff.Modified.Tasks {
		fields := make([]string, 0, len(t.FieldChanges))
		for _, c := range t.FieldChanges {
			fields = append(fields, c.Field)
		}
		add("task_modified", fmt.Sprintf("%s %v", TaskLabel(t.TaskName, t.TaskCode), fields))
	}
	for _, e := range diff.Added.Edges {
		add("edge_added", EdgeLabel(e))
	}
	for _, e := range diff.Removed.Edges {
		add("edge_removed", EdgeLabel(e))
	}
	for _, c := range schedule {
		add("schedule", c.Field)
	}
	return result
}

// EdgeLabel renders an edge as name(code) -> name(code).
func EdgeLabel(e models.EdgeChange) string {
	return TaskLabel(e.PreTaskName, e.PreTaskCode) + " -> " + TaskLabel(e.PostTaskName, e.PostTaskCode)
}

func concat(parts ...[]models.FieldChange) []models.FieldChange {
	var out []models.FieldChange
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
