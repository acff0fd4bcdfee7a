package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/internal/snapshot"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Publish operations.
const (
	OperationDeploy  = "deploy"
	OperationOnline  = "online"
	OperationOffline = "offline"
)

// TargetEngine names the scheduler publish records point at.
const TargetEngine = "dolphinscheduler"

// publishNoiseFields are task fields the scheduler rewrites or cannot report,
// so they never count as a publish difference.
var publishNoiseFields = map[string]bool{
	"datasourceName": true,
	"inputTableIds":  true,
	"outputTableIds": true,
	"taskPriority":   true,
}

var scheduleNoiseFields = map[string]bool{
	"scheduleId":   true,
	"releaseState": true,
}

// PublishRequest asks to push a local workflow to the scheduler.
type PublishRequest struct {
	Operation       string `json:"operation"`
	ConfirmDiff     bool   `json:"confirm_diff,omitempty"`
	RequireApproval bool   `json:"require_approval,omitempty"`
	Operator        string `json:"operator,omitempty"`
	VersionID       *int64 `json:"version_id,omitempty"`
}

// PublishPreview is the difference between the runtime definition and the
// local design that a deploy would push.
type PublishPreview struct {
	WorkflowID     int64              `json:"workflow_id" yaml:"workflow_id"`
	WorkflowCode   int64              `json:"workflow_code" yaml:"workflow_code"`
	FirstDeploy    bool               `json:"first_deploy" yaml:"first_deploy"`
	SnapshotHash   string             `json:"snapshot_hash" yaml:"snapshot_hash"`
	Diff           models.DiffSummary `json:"diff" yaml:"diff"`
	CanPublish     bool               `json:"can_publish" yaml:"can_publish"`
	RequireConfirm bool               `json:"require_confirm" yaml:"require_confirm"`
}

// PublishResult is the outcome of a publish.
type PublishResult struct {
	RecordID      int64  `json:"record_id" yaml:"record_id"`
	OperationID   string `json:"operation_id" yaml:"operation_id"`
	Operation     string `json:"operation" yaml:"operation"`
	Status        string `json:"status" yaml:"status"`
	WorkflowCode  int64  `json:"workflow_code" yaml:"workflow_code"`
	ScheduleID    int64  `json:"schedule_id,omitempty" yaml:"schedule_id,omitempty"`
	VersionID     *int64 `json:"version_id,omitempty" yaml:"version_id,omitempty"`
	PublishStatus string `json:"publish_status" yaml:"publish_status"`
}

// publishContext is a loaded design ready to be diffed or pushed.
type publishContext struct {
	wf       models.Workflow
	tasks    []models.Task
	stored   []models.Edge
	edges    []models.Edge
	def      models.RuntimeWorkflowDefinition
	snapshot models.Snapshot
	preview  PublishPreview
	issues   models.Issues
}

// PreviewPublish diffs the local design against what the scheduler runs.
func (s *WorkflowService) PreviewPublish(ctx context.Context, workflowID int64) (models.Outcome[PublishPreview], error) {
	pc, err := s.preparePublish(ctx, workflowID)
	if err != nil {
		return models.Outcome[PublishPreview]{}, err
	}
	return models.Outcome[PublishPreview]{Value: pc.preview, Issues: pc.issues}, nil
}

// resolveEdges picks the edges to push: the stored ones between known tasks,
// or the lineage-inferred ones when none survive. The snapshot follows.
func (pc *publishContext) resolveEdges() {
	pc.edges = knownEdges(pc.def.Tasks, pc.stored)
	if len(pc.edges) == 0 {
		pc.edges = inferEdges(pc.def.Tasks)
	}
	pc.def.ExplicitEdges = pc.edges
	pc.snapshot = snapshot.Build(pc.def, pc.edges)
	pc.preview.SnapshotHash = pc.snapshot.Hash
}

func (s *WorkflowService) preparePublish(ctx context.Context, workflowID int64) (*publishContext, error) {
	pc := &publishContext{preview: PublishPreview{WorkflowID: workflowID}}
	defer func() {
		pc.preview.CanPublish = !pc.issues.Blocking()
		pc.preview.RequireConfirm = pc.preview.Diff.Changed
	}()

	wf, err := s.store.GetWorkflow(workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		pc.issues = append(pc.issues, models.Fatal(models.WorkflowNotFound, "workflow %d not found", workflowID))
		return pc, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get workflow %d", workflowID)
	}
	pc.wf = wf
	pc.preview.WorkflowCode = wf.WorkflowCode

	if pc.tasks, err = s.tasks.LoadWorkflowTasks(s.store, workflowID); err != nil {
		return nil, err
	}
	if len(pc.tasks) == 0 {
		pc.issues = append(pc.issues, models.Fatal(models.PublishPreviewFailed, "workflow %d has no tasks", workflowID))
		return pc, nil
	}
	if wf.ProjectCode <= 0 {
		pc.issues = append(pc.issues, models.Fatal(models.PublishPreviewFailed, "workflow %d has no scheduler project", workflowID))
		return pc, nil
	}
	if pc.stored, err = s.store.ListEdges(workflowID); err != nil {
		return nil, errors.Wrapf(err, "failed to list edges of workflow %d", workflowID)
	}

	pc.def = platformDefinition(wf, pc.tasks, nil)
	pc.resolveEdges()

	if !wf.HasRuntime() {
		pc.preview.FirstDeploy = true
		pc.issues = append(pc.issues, models.Warning(models.PublishFirstDeploy, "workflow %d was never deployed, the scheduler definition will be created", workflowID))
		pc.preview.Diff = snapshot.Diff("", pc.snapshot)
		return pc, nil
	}

	load, err := s.loadRuntime(ctx, wf.ProjectCode, wf.WorkflowCode, s.opts.IngestMode, false)
	pc.issues = append(pc.issues, load.issues...)
	switch {
	case errors.Is(err, dolphin.ErrWorkflowNotFound):
		pc.preview.FirstDeploy = true
		pc.issues = append(pc.issues, models.Warning(models.PublishRuntimeWorkflowNotFound,
			"runtime workflow %d no longer exists, it will be created again", wf.WorkflowCode))
		pc.preview.Diff = snapshot.Diff("", pc.snapshot)
		return pc, nil
	case err != nil:
		s.logger.Warnf("Publish preview of workflow %d failed to read the runtime definition: %v", workflowID, err)
		pc.issues = append(pc.issues, models.Fatal(models.PublishPreviewFailed, "failed to read runtime workflow %d: %v", wf.WorkflowCode, err))
		return pc, nil
	}

	runtimeEdges := knownEdges(load.def.Tasks, load.def.ExplicitEdges)
	if len(runtimeEdges) == 0 {
		runtimeEdges = inferEdges(load.def.Tasks)
	}
	runtimeSnap := snapshot.Build(load.def, runtimeEdges)
	diff := snapshot.Diff(runtimeSnap.JSON, pc.snapshot)
	filterPublishNoise(&diff, load.def.HasSchedule())
	pc.preview.Diff = diff
	return pc, nil
}

// filterPublishNoise drops the differences a deploy cannot settle.
func filterPublishNoise(d *models.DiffSummary, runtimeHasSchedule bool) {
	for _, b := range []*models.DiffBucket{&d.Added, &d.Removed, &d.Modified} {
		if !runtimeHasSchedule {
			b.ScheduleFields = []models.FieldChange{}
		} else {
			b.ScheduleFields = dropFields(b.ScheduleFields, scheduleNoiseFields)
		}
	}
	tasks := make([]models.TaskChange, 0, len(d.Modified.Tasks))
	for _, t := range d.Modified.Tasks {
		t.FieldChanges = dropFields(t.FieldChanges, publishNoiseFields)
		if len(t.FieldChanges) > 0 {
			tasks = append(tasks, t)
		}
	}
	d.Modified.Tasks = tasks
	d.Refresh()
}

func dropFields(changes []models.FieldChange, noise map[string]bool) []models.FieldChange {
	kept := make([]models.FieldChange, 0, len(changes))
	for _, c := range changes {
		if !noise[c.Field] {
			kept = append(kept, c)
		}
	}
	return kept
}

// Publish pushes a workflow to the scheduler. Remote calls come first; the
// local record of them is written in one transaction afterwards.
func (s *WorkflowService) Publish(ctx context.Context, workflowID int64, req PublishRequest) (models.Outcome[PublishResult], error) {
	operation := strings.ToLower(strings.TrimSpace(req.Operation))
	switch operation {
	case OperationDeploy, OperationOnline, OperationOffline:
	default:
		return models.Reject[PublishResult](models.Fatal(models.PublishOperationUnsupported, "unsupported publish operation %q", req.Operation)), nil
	}
	operator := s.operator(req.Operator)

	pc, err := s.preparePublish(ctx, workflowID)
	if err != nil {
		return models.Outcome[PublishResult]{}, err
	}
	if pc.issues.Has(models.WorkflowNotFound) {
		return models.Reject[PublishResult](pc.issues...), nil
	}

	versionID := pc.wf.CurrentVersionID
	if req.VersionID != nil {
		v, issue, err := s.workflowVersion(workflowID, *req.VersionID)
		if err != nil {
			return models.Outcome[PublishResult]{}, err
		}
		if issue != nil {
			return models.Reject[PublishResult](*issue), nil
		}
		versionID = &v.ID
	}

	if req.RequireApproval {
		return s.requestApproval(pc, operation, operator, versionID)
	}

	switch operation {
	case OperationDeploy:
		return s.deploy(ctx, pc, req, operator, versionID)
	default:
		return s.release(ctx, pc, operation, operator, versionID)
	}
}

func (s *WorkflowService) requestApproval(pc *publishContext, operation, operator string, versionID *int64) (models.Outcome[PublishResult], error) {
	rec := models.PublishRecord{
		OperationID:        uuid.NewString(),
		WorkflowID:         pc.wf.ID,
		VersionID:          versionID,
		Operation:          operation,
		TargetEngine:       TargetEngine,
		Status:             models.RecordStatusPending,
		EngineWorkflowCode: pc.wf.WorkflowCode,
		Operator:           operator,
		SnapshotHash:       pc.snapshot.Hash,
		DiffJSON:           diffJSON(pc.preview.Diff),
	}
	var recordID int64
	err := s.withTx(func(tx storage.Store) error {
		id, err := tx.SavePublishRecord(rec)
		if err != nil {
			return errors.Wrap(err, "failed to save publish record")
		}
		recordID = id
		wf := pc.wf
		wf.PublishStatus = models.PublishStatusPending
		return errors.Wrapf(tx.UpdateWorkflow(wf), "failed to update workflow %d", wf.ID)
	})
	if err != nil {
		return models.Outcome[PublishResult]{}, err
	}
	s.logger.Infof("Publish %s of workflow %d waits for approval", operation, pc.wf.ID)
	return models.Succeed(PublishResult{
		RecordID:      recordID,
		OperationID:   rec.OperationID,
		Operation:     operation,
		Status:        rec.Status,
		WorkflowCode:  pc.wf.WorkflowCode,
		VersionID:     versionID,
		PublishStatus: models.PublishStatusPending,
	}, pc.issues.Warnings()...), nil
}

func (s *WorkflowService) deploy(ctx context.Context, pc *publishContext, req PublishRequest, operator string, versionID *int64) (models.Outcome[PublishResult], error) {
	if pc.issues.Blocking() {
		return models.Reject[PublishResult](pc.issues...), nil
	}
	if pc.preview.Diff.Changed && !req.ConfirmDiff {
		issue := models.Confirm(models.PublishDiffConfirmRequired, "the design differs from the runtime definition, confirm to deploy (%s)",
			changeSummary(pc.preview.Diff))
		issue.Detail = pc.preview.Diff
		return models.Reject[PublishResult](append(pc.issues, issue)...), nil
	}

	wf := pc.wf
	generated, err := s.assignTaskCodes(ctx, pc)
	if err != nil {
		s.recordRemoteFailure(pc, OperationDeploy, operator, versionID, err)
		return models.Outcome[PublishResult]{}, errors.Wrap(err, "failed to generate task codes")
	}
	if len(generated) > 0 {
		// Tasks without a code could not take part in edges until now.
		pc.resolveEdges()
	}

	code, err := s.scheduler.CreateOrUpdateDefinition(ctx, dolphin.DefinitionRequest{
		ProjectCode:   wf.ProjectCode,
		WorkflowCode:  wf.WorkflowCode,
		Name:          wf.Name,
		Description:   wf.Description,
		GlobalParams:  wf.GlobalParams,
		TenantCode:    orDefault(wf.TenantCode, s.opts.TenantCode),
		WorkerGroup:   orDefault(wf.WorkerGroup, s.opts.WorkerGroup),
		ExecutionType: "PARALLEL",
		Tasks:         pc.def.Tasks,
		Edges:         pc.edges,
	})
	if err != nil {
		s.recordRemoteFailure(pc, OperationDeploy, operator, versionID, err)
		return models.Outcome[PublishResult]{}, errors.Wrapf(err, "failed to deploy workflow %d", wf.ID)
	}
	wf.WorkflowCode = code
	pc.def.WorkflowCode = code

	if strings.TrimSpace(wf.Cron) != "" {
		schedule := *wf.ToSchedule()
		schedule.WorkerGroup = orDefault(schedule.WorkerGroup, s.opts.WorkerGroup)
		schedule.TenantCode = orDefault(schedule.TenantCode, s.opts.TenantCode)
		sreq := dolphin.ScheduleRequest{ProjectCode: wf.ProjectCode, WorkflowCode: code, RuntimeSchedule: schedule}
		if wf.ScheduleID > 0 {
			err = s.scheduler.UpdateSchedule(ctx, sreq)
		} else {
			wf.ScheduleID, err = s.scheduler.CreateSchedule(ctx, sreq)
		}
		if err != nil {
			s.recordPartialDeploy(pc, wf, generated, operator, versionID, err)
			return models.Outcome[PublishResult]{}, errors.Wrapf(err, "failed to write schedule of workflow %d", wf.ID)
		}
		pc.def.Schedule = wf.ToSchedule()
	}

	wf.Status = models.OfflineWorkflowStatus
	wf.PublishStatus = models.PublishStatusPublished
	snap := snapshot.Build(pc.def, pc.edges)
	result, err := s.persistPublish(pc, wf, generated, OperationDeploy, operator, &snap)
	if err != nil {
		return models.Outcome[PublishResult]{}, err
	}
	s.logger.Infof("Deployed workflow %d as runtime workflow %d", wf.ID, code)
	return models.Succeed(result, pc.issues...), nil
}

// assignTaskCodes asks the scheduler for codes for tasks that have none and
// returns the local tasks that got one.
func (s *WorkflowService) assignTaskCodes(ctx context.Context, pc *publishContext) ([]models.Task, error) {
	var missing []int
	for i, t := range pc.tasks {
		if t.TaskCode <= 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	codes, err := s.scheduler.GenerateTaskCodes(ctx, pc.wf.ProjectCode, len(missing))
	if err != nil {
		return nil, err
	}
	generated := make([]models.Task, 0, len(missing))
	for n, i := range missing {
		pc.tasks[i].TaskCode = codes[n]
		pc.def.Tasks[i].TaskCode = codes[n]
		generated = append(generated, pc.tasks[i])
	}
	return generated, nil
}

func (s *WorkflowService) release(ctx context.Context, pc *publishContext, operation, operator string, versionID *int64) (models.Outcome[PublishResult], error) {
	if pc.issues.Blocking() {
		return models.Reject[PublishResult](pc.issues...), nil
	}
	wf := pc.wf
	if !wf.HasRuntime() {
		return models.Reject[PublishResult](models.Fatal(models.PublishPreviewFailed, "workflow %d was never deployed, deploy it before %s", wf.ID, operation)), nil
	}
	state, status := "ONLINE", models.OnlineWorkflowStatus
	if operation == OperationOffline {
		state, status = "OFFLINE", models.OfflineWorkflowStatus
	}

	if operation == OperationOffline && wf.ScheduleID > 0 {
		if err := s.scheduler.OfflineSchedule(ctx, wf.ProjectCode, wf.ScheduleID); err != nil {
			s.recordRemoteFailure(pc, operation, operator, versionID, err)
			return models.Outcome[PublishResult]{}, errors.Wrapf(err, "failed to take schedule %d offline", wf.ScheduleID)
		}
	}
	if err := s.scheduler.Release(ctx, wf.ProjectCode, wf.WorkflowCode, state); err != nil {
		s.recordRemoteFailure(pc, operation, operator, versionID, err)
		return models.Outcome[PublishResult]{}, errors.Wrapf(err, "failed to release workflow %d %s", wf.ID, state)
	}
	if operation == OperationOnline && wf.ScheduleID > 0 {
		if err := s.scheduler.OnlineSchedule(ctx, wf.ProjectCode, wf.ScheduleID); err != nil {
			s.recordRemoteFailure(pc, operation, operator, versionID, err)
			return models.Outcome[PublishResult]{}, errors.Wrapf(err, "failed to bring schedule %d online", wf.ScheduleID)
		}
	}
	if wf.ScheduleID > 0 {
		wf.ScheduleState = state
	}
	wf.Status = status
	wf.PublishStatus = models.PublishStatusPublished

	var snap *models.Snapshot
	if operation == OperationOnline {
		pc.def.ReleaseState = state
		if pc.def.Schedule != nil {
			pc.def.Schedule = wf.ToSchedule()
		}
		built := snapshot.Build(pc.def, pc.edges)
		snap = &built
	}
	result, err := s.persistPublish(pc, wf, nil, operation, operator, snap)
	if err != nil {
		return models.Outcome[PublishResult]{}, err
	}
	if snap == nil {
		result.VersionID = versionID
	}
	s.logger.Infof("Released workflow %d %s", wf.ID, state)
	return models.Succeed(result, pc.issues.Warnings()...), nil
}

// persistPublish records a successful remote publish. A nil snap appends no
// version. A failure here leaves the scheduler ahead of the local design and
// is reported as an InconsistencyError.
func (s *WorkflowService) persistPublish(pc *publishContext, wf models.Workflow, generated []models.Task, operation, operator string, snap *models.Snapshot) (PublishResult, error) {
	result := PublishResult{
		OperationID:   uuid.NewString(),
		Operation:     operation,
		Status:        models.RecordStatusSuccess,
		WorkflowCode:  wf.WorkflowCode,
		ScheduleID:    wf.ScheduleID,
		PublishStatus: wf.PublishStatus,
	}
	rec := models.PublishRecord{
		OperationID:        result.OperationID,
		WorkflowID:         wf.ID,
		Operation:          operation,
		TargetEngine:       TargetEngine,
		Status:             models.RecordStatusSuccess,
		EngineWorkflowCode: wf.WorkflowCode,
		Operator:           operator,
		SnapshotHash:       pc.snapshot.Hash,
		DiffJSON:           diffJSON(pc.preview.Diff),
	}
	err := s.withTx(func(tx storage.Store) error {
		if err := storeTaskCodes(tx, pc, wf.ID, generated); err != nil {
			return err
		}
		if snap != nil {
			trigger := models.TriggerDeploy
			if operation == OperationOnline {
				trigger = models.TriggerOnline
			}
			version, err := s.appendVersion(tx, wf.ID, *snap, changeSummary(pc.preview.Diff), trigger, operator, nil)
			if err != nil {
				return err
			}
			wf.CurrentVersionID = &version.ID
			result.VersionID = &version.ID
			rec.VersionID = &version.ID
			rec.SnapshotHash = snap.Hash
		}
		if err := tx.UpdateWorkflow(wf); err != nil {
			return errors.Wrapf(err, "failed to update workflow %d", wf.ID)
		}
		id, err := tx.SavePublishRecord(rec)
		if err != nil {
			return errors.Wrap(err, "failed to save publish record")
		}
		result.RecordID = id
		return nil
	})
	if err != nil {
		s.logger.Errorf("Workflow %d was published (%s) but the local record failed: %v", wf.ID, operation, err)
		rec.Status = models.RecordStatusInconsistent
		rec.VersionID = nil
		rec.Log = err.Error()
		if _, saveErr := s.store.SavePublishRecord(rec); saveErr != nil {
			s.logger.Errorf("Failed to save inconsistent publish record of workflow %d: %v", wf.ID, saveErr)
		}
		return PublishResult{}, &InconsistencyError{Code: PublishLocalInconsistent, WorkflowID: wf.ID, Err: err}
	}
	return result, nil
}

// storeTaskCodes saves the codes the scheduler generated and, once every task
// has one, the edges that were pushed with them.
func storeTaskCodes(tx storage.Store, pc *publishContext, workflowID int64, generated []models.Task) error {
	if len(generated) == 0 {
		return nil
	}
	for _, t := range generated {
		if err := tx.UpdateTask(t); err != nil {
			return errors.Wrapf(err, "failed to store task code of task %d", t.ID)
		}
	}
	taskIDs := make(map[int64]int64, len(pc.tasks))
	for _, t := range pc.tasks {
		taskIDs[t.TaskCode] = t.ID
	}
	if err := tx.ReplaceBindings(workflowID, bindings(pc.def.Tasks, taskIDs, pc.edges)); err != nil {
		return errors.Wrapf(err, "failed to rewrite bindings of workflow %d", workflowID)
	}
	return errors.Wrapf(tx.ReplaceEdges(workflowID, pc.edges), "failed to store edges of workflow %d", workflowID)
}

// recordPartialDeploy keeps what a deploy already created remotely when a later
// remote step fails, so a retry updates that definition instead of creating
// another one.
func (s *WorkflowService) recordPartialDeploy(pc *publishContext, wf models.Workflow, generated []models.Task, operator string, versionID *int64, cause error) {
	wf.PublishStatus = models.PublishStatusFailed
	rec := models.PublishRecord{
		OperationID:        uuid.NewString(),
		WorkflowID:         wf.ID,
		VersionID:          versionID,
		Operation:          OperationDeploy,
		TargetEngine:       TargetEngine,
		Status:             models.RecordStatusFailed,
		EngineWorkflowCode: wf.WorkflowCode,
		Operator:           operator,
		SnapshotHash:       pc.snapshot.Hash,
		DiffJSON:           diffJSON(pc.preview.Diff),
		Log:                fmt.Sprintf("definition %d written, schedule failed: %v", wf.WorkflowCode, cause),
	}
	err := s.withTx(func(tx storage.Store) error {
		if err := storeTaskCodes(tx, pc, wf.ID, generated); err != nil {
			return err
		}
		if err := tx.UpdateWorkflow(wf); err != nil {
			return errors.Wrapf(err, "failed to update workflow %d", wf.ID)
		}
		_, err := tx.SavePublishRecord(rec)
		return errors.Wrap(err, "failed to save publish record")
	})
	if err != nil {
		s.logger.Errorf("Workflow %d has runtime definition %d but the local record failed: %v", wf.ID, wf.WorkflowCode, err)
		rec.Status = models.RecordStatusInconsistent
		rec.Log = fmt.Sprintf("%s; local record failed: %v", rec.Log, err)
		if _, saveErr := s.store.SavePublishRecord(rec); saveErr != nil {
			s.logger.Errorf("Failed to save inconsistent publish record of workflow %d: %v", wf.ID, saveErr)
		}
	}
}

// recordRemoteFailure writes a failed publish record. Errors are logged only.
func (s *WorkflowService) recordRemoteFailure(pc *publishContext, operation, operator string, versionID *int64, cause error) {
	rec := models.PublishRecord{
		OperationID:        uuid.NewString(),
		WorkflowID:         pc.wf.ID,
		VersionID:          versionID,
		Operation:          operation,
		TargetEngine:       TargetEngine,
		Status:             models.RecordStatusFailed,
		EngineWorkflowCode: pc.wf.WorkflowCode,
		Operator:           operator,
		SnapshotHash:       pc.snapshot.Hash,
		DiffJSON:           diffJSON(pc.preview.Diff),
		Log:                fmt.Sprintf("%v", cause),
	}
	if _, err := s.store.SavePublishRecord(rec); err != nil {
		s.logger.Errorf("Failed to save failed publish record of workflow %d: %v", pc.wf.ID, err)
	}
}
