package service

import (
	"sort"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService persists tasks together with their table relations.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// UpsertTask updates the task with the same task code, else the task with the
// same name, else creates it. tx must be a transaction store.
func (ts *TaskService) UpsertTask(tx storage.Store, task models.Task) (models.Task, error) {
	existing, found, err := ts.findExisting(tx, task)
	if err != nil {
		return models.Task{}, err
	}
	if found {
		task.ID = existing.ID
		if task.Owner == "" {
			task.Owner = existing.Owner
		}
		if err := tx.UpdateTask(task); err != nil {
			ts.logger.Errorf("Failed to update task %d: %v", task.ID, err)
			return models.Task{}, errors.Wrapf(err, "failed to update task %d", task.ID)
		}
		return task, nil
	}
	id, err := tx.SaveTask(task)
	if err != nil {
		ts.logger.Errorf("Failed to save task %s: %v", task.Name, err)
		return models.Task{}, errors.Wrapf(err, "failed to save task %s", task.Name)
	}
	task.ID = id
	return task, nil
}

func (ts *TaskService) findExisting(tx storage.Store, task models.Task) (models.Task, bool, error) {
	if task.TaskCode > 0 {
		byCode, err := tx.FindTasksByCode(task.TaskCode)
		if err != nil {
			return models.Task{}, false, errors.Wrapf(err, "failed to find task code %d", task.TaskCode)
		}
		if len(byCode) > 0 {
			return byCode[0], true, nil
		}
	}
	if task.Name == "" {
		return models.Task{}, false, nil
	}
	byName, err := tx.FindTaskByName(task.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, errors.Wrapf(err, "failed to find task %s", task.Name)
	}
	return byName, true, nil
}

// WriteTableRelations rewrites the read/write relations and lineage rows of a task.
func (ts *TaskService) WriteTableRelations(tx storage.Store, taskID int64, inputs, outputs []int64) error {
	relations := make([]models.TaskTableRelation, 0, len(inputs)+len(outputs))
	records := make([]models.LineageRecord, 0, len(inputs)+len(outputs))
	for _, id := range uniqueIDs(inputs) {
		tableID := id
		relations = append(relations, models.TaskTableRelation{TaskID: taskID, TableID: tableID, RelationType: models.ReadRelation})
		records = append(records, models.LineageRecord{TaskID: taskID, UpstreamTableID: &tableID, LineageType: string(models.InputRef)})
	}
	for _, id := range uniqueIDs(outputs) {
		tableID := id
		relations = append(relations, models.TaskTableRelation{TaskID: taskID, TableID: tableID, RelationType: models.WriteRelation})
		records = append(records, models.LineageRecord{TaskID: taskID, DownstreamTableID: &tableID, LineageType: string(models.OutputRef)})
	}
	if err := tx.ReplaceTaskRelations(taskID, relations); err != nil {
		return errors.Wrapf(err, "failed to write table relations of task %d", taskID)
	}
	if err := tx.ReplaceLineage(taskID, records); err != nil {
		return errors.Wrapf(err, "failed to write lineage of task %d", taskID)
	}
	return nil
}

// LoadWorkflowTasks returns the tasks bound to a workflow with their input and
// output table ids filled from the stored relations.
func (ts *TaskService) LoadWorkflowTasks(store storage.Store, workflowID int64) ([]models.Task, error) {
	tasks, err := store.ListWorkflowTasks(workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tasks of workflow %d", workflowID)
	}
	for i := range tasks {
		relations, err := store.ListTaskRelations(tasks[i].ID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list relations of task %d", tasks[i].ID)
		}
		tasks[i].InputTableIDs, tasks[i].OutputTableIDs = nil, nil
		for _, r := range relations {
			switch r.RelationType {
			case models.ReadRelation:
				tasks[i].InputTableIDs = append(tasks[i].InputTableIDs, r.TableID)
			case models.WriteRelation:
				tasks[i].OutputTableIDs = append(tasks[i].OutputTableIDs, r.TableID)
			}
		}
	}
	return tasks, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
