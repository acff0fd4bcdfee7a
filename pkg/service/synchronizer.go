package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/internal/runtimedef"
	"github.com/MingkeVan/opendataworks-sub002/internal/snapshot"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// maxTaskNameLength bounds local task names.
const maxTaskNameLength = 100

// SyncSourceRuntime marks workflows last written by a runtime sync.
const SyncSourceRuntime = "runtime"

// SyncRequest identifies the runtime workflow to pull into the local design.
type SyncRequest struct {
	ProjectCode         int64  `json:"project_code"`
	WorkflowCode        int64  `json:"workflow_code"`
	IngestMode          string `json:"ingest_mode,omitempty"`
	Operator            string `json:"operator,omitempty"`
	ConfirmEdgeMismatch bool   `json:"confirm_edge_mismatch,omitempty"`
}

// EdgeMismatch compares the explicit edges of a definition with the edges its
// lineage implies. Entries read "name(code) -> name(code)".
type EdgeMismatch struct {
	ExplicitEdges  []string `json:"explicit_edges" yaml:"explicit_edges"`
	InferredEdges  []string `json:"inferred_edges" yaml:"inferred_edges"`
	OnlyInExplicit []string `json:"only_in_explicit" yaml:"only_in_explicit"`
	OnlyInInferred []string `json:"only_in_inferred" yaml:"only_in_inferred"`
}

// RenamePlan is a task that will be stored under another name because its
// runtime name is taken by an unrelated local task.
type RenamePlan struct {
	TaskCode     int64  `json:"task_code" yaml:"task_code"`
	OriginalName string `json:"original_name" yaml:"original_name"`
	TargetName   string `json:"target_name" yaml:"target_name"`
	Reason       string `json:"reason" yaml:"reason"`
}

// SyncPreview is everything a sync would write, computed without writing.
type SyncPreview struct {
	ProjectCode   int64                `json:"project_code" yaml:"project_code"`
	WorkflowCode  int64                `json:"workflow_code" yaml:"workflow_code"`
	WorkflowName  string               `json:"workflow_name" yaml:"workflow_name"`
	WorkflowID    *int64               `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	IngestMode    string               `json:"ingest_mode" yaml:"ingest_mode"`
	Variant       models.ExportVariant `json:"variant,omitempty" yaml:"variant,omitempty"`
	SnapshotHash  string               `json:"snapshot_hash" yaml:"snapshot_hash"`
	Diff          models.DiffSummary   `json:"diff" yaml:"diff"`
	Parity        models.ParityResult  `json:"parity" yaml:"parity"`
	Tasks         []models.RuntimeTask `json:"tasks" yaml:"tasks"`
	Edges         []models.Edge        `json:"edges" yaml:"edges"`
	InferredEdges []models.Edge        `json:"inferred_edges" yaml:"inferred_edges"`
	EdgeMismatch  *EdgeMismatch        `json:"edge_mismatch,omitempty" yaml:"edge_mismatch,omitempty"`
	RenamePlan    []RenamePlan         `json:"rename_plan" yaml:"rename_plan"`
	CanSync       bool                 `json:"can_sync" yaml:"can_sync"`
}

// SyncResult is the outcome of an executed sync.
type SyncResult struct {
	WorkflowID   int64              `json:"workflow_id" yaml:"workflow_id"`
	VersionID    int64              `json:"version_id" yaml:"version_id"`
	VersionNo    int                `json:"version_no" yaml:"version_no"`
	SyncRecordID int64              `json:"sync_record_id" yaml:"sync_record_id"`
	SnapshotHash string             `json:"snapshot_hash" yaml:"snapshot_hash"`
	Diff         models.DiffSummary `json:"diff" yaml:"diff"`
	RenamePlan   []RenamePlan       `json:"rename_plan" yaml:"rename_plan"`
}

// syncContext carries one preview through execution.
type syncContext struct {
	req      SyncRequest
	loaded   bool
	def      models.RuntimeWorkflowDefinition
	local    *models.Workflow
	existing map[int64]models.Task // local tasks by runtime task code
	names    map[int64]string      // final local name by task code
	snapshot models.Snapshot
	preview  SyncPreview
	issues   models.Issues
}

// PreviewSync validates a runtime definition and reports what a sync would
// change. It never writes.
func (s *WorkflowService) PreviewSync(ctx context.Context, req SyncRequest) (models.Outcome[SyncPreview], error) {
	sc, err := s.prepareSync(ctx, req)
	if err != nil {
		return models.Outcome[SyncPreview]{}, err
	}
	return models.Outcome[SyncPreview]{Value: sc.preview, Issues: sc.issues}, nil
}

func (s *WorkflowService) prepareSync(ctx context.Context, req SyncRequest) (*syncContext, error) {
	mode := strings.TrimSpace(req.IngestMode)
	if mode == "" {
		mode = s.opts.IngestMode
	}
	sc := &syncContext{
		req:      req,
		existing: make(map[int64]models.Task),
		names:    make(map[int64]string),
		preview: SyncPreview{
			ProjectCode:   req.ProjectCode,
			WorkflowCode:  req.WorkflowCode,
			IngestMode:    mode,
			Parity:        models.ParityResult{Status: models.ParityNotChecked},
			Tasks:         []models.RuntimeTask{},
			Edges:         []models.Edge{},
			InferredEdges: []models.Edge{},
			RenamePlan:    []RenamePlan{},
		},
	}
	defer func() { sc.preview.CanSync = sc.loaded && !sc.issues.Blocking() }()

	if req.WorkflowCode <= 0 {
		sc.issues = append(sc.issues, models.Fatal(models.RuntimeWorkflowNotFound, "workflow code must be positive"))
		return sc, nil
	}

	local, err := s.store.FindWorkflowByCode(req.ProjectCode, req.WorkflowCode)
	switch {
	case err == nil:
		sc.local = &local
		sc.preview.WorkflowID = &local.ID
	case !errors.Is(err, storage.ErrNotFound):
		return nil, errors.Wrapf(err, "failed to find local workflow %d", req.WorkflowCode)
	}

	load, err := s.loadRuntime(ctx, req.ProjectCode, req.WorkflowCode, mode, true)
	sc.issues = append(sc.issues, load.issues...)
	if err != nil {
		issue, ok := runtimeLoadIssue(err, req.WorkflowCode)
		if !ok {
			return nil, errors.Wrapf(err, "failed to load runtime workflow %d", req.WorkflowCode)
		}
		sc.issues = append(sc.issues, issue)
		return sc, nil
	}
	sc.loaded = true
	sc.preview.IngestMode = load.mode
	sc.preview.Variant = load.def.Variant
	sc.preview.WorkflowName = load.def.WorkflowName
	if len(load.def.Tasks) == 0 {
		sc.issues = append(sc.issues, models.Fatal(models.DefinitionFormatUnsupported, "runtime workflow %d has no tasks", req.WorkflowCode))
		sc.loaded = false
		return sc, nil
	}

	// Parity is checked on the parsed shapes, before lineage fills table ids.
	if load.shadow != nil {
		sc.preview.Parity = snapshot.Compare(&load.def, load.shadow)
		if sc.preview.Parity.Status == models.ParityInconsistent {
			issue := models.Warning(models.DefinitionParityMismatch, "export and legacy definitions differ: %s",
				strings.Join(sc.preview.Parity.Samples, "; "))
			issue.Detail = sc.preview.Parity
			sc.issues = append(sc.issues, issue)
		}
	}

	def := load.def
	def.Tasks = sortedTasks(def.Tasks)
	s.checkTasks(sc, def.Tasks)
	if err := s.resolveLineage(ctx, sc, def.Tasks); err != nil {
		return nil, err
	}
	s.checkDatasources(ctx, sc, def.Tasks)
	if err := s.checkOwnership(sc, def.Tasks); err != nil {
		return nil, err
	}

	explicit := knownEdges(def.Tasks, def.ExplicitEdges)
	if dropped := len(models.NormalizeEdges(def.ExplicitEdges)) - len(explicit); dropped > 0 {
		s.logger.Warnf("Dropped %d edges of workflow %d pointing at unknown tasks", dropped, req.WorkflowCode)
	}
	inferred := inferEdges(def.Tasks)
	switch {
	case len(explicit) == 0 && len(def.Tasks) >= 2:
		sc.issues = append(sc.issues, models.Fatal(models.DolphinExplicitEdgeMissing,
			"runtime workflow has %d tasks but no explicit dependency", len(def.Tasks)))
	case len(explicit) > 0 && len(inferred) > 0 && !sameEdges(explicit, inferred):
		mismatch := edgeMismatch(def.Tasks, explicit, inferred)
		issue := models.Warning(models.EdgeMismatch, "explicit edges differ from lineage: %d only explicit, %d only inferred",
			len(mismatch.OnlyInExplicit), len(mismatch.OnlyInInferred))
		issue.Detail = mismatch
		sc.issues = append(sc.issues, issue)
		sc.preview.EdgeMismatch = mismatch
	}
	def.ExplicitEdges = explicit
	sc.def = def
	sc.preview.Tasks = def.Tasks
	sc.preview.Edges = explicit
	sc.preview.InferredEdges = inferred

	if err := s.buildSyncArtifacts(sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// runtimeLoadIssue maps a load failure that is a property of the definition
// onto an issue. Other failures are infrastructure errors.
func runtimeLoadIssue(err error, workflowCode int64) (models.Issue, bool) {
	switch {
	case errors.Is(err, dolphin.ErrWorkflowNotFound):
		return models.Fatal(models.RuntimeWorkflowNotFound, "runtime workflow %d not found", workflowCode), true
	case errors.Is(err, runtimedef.ErrEmptyDefinition), errors.Is(err, runtimedef.ErrUnsupportedFormat):
		return models.Fatal(models.DefinitionFormatUnsupported, "runtime workflow %d: %v", workflowCode, err), true
	}
	return models.Issue{}, false
}

func (s *WorkflowService) checkTasks(sc *syncContext, tasks []models.RuntimeTask) {
	for _, t := range tasks {
		if t.TaskCode <= 0 {
			sc.issues = append(sc.issues, models.Fatal(models.TaskCodeInvalid, "task %q has no valid task code", t.TaskName).ForTask(t.TaskCode, t.TaskName))
		}
		if !strings.EqualFold(t.NodeType, models.SQLNodeType) {
			sc.issues = append(sc.issues, models.Fatal(models.UnsupportedNodeType, "task %q has node type %q, only SQL is supported",
				t.TaskName, t.NodeType).ForTask(t.TaskCode, t.TaskName))
		}
	}
}

// resolveLineage analyzes every SQL task and fills its table ids.
func (s *WorkflowService) resolveLineage(ctx context.Context, sc *syncContext, tasks []models.RuntimeTask) error {
	results, errs := s.analyzeTasks(ctx, tasks)
	if len(errs) > 0 {
		codes := make([]int64, 0, len(errs))
		for code := range errs {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		return errors.Wrapf(errs[codes[0]], "failed to analyze sql of task %d", codes[0])
	}
	for i := range tasks {
		t := &tasks[i]
		if !strings.EqualFold(t.NodeType, models.SQLNodeType) {
			continue
		}
		r := results[i]
		if len(r.Ambiguous) > 0 {
			issue := models.Fatal(models.SQLTableAmbiguous, "task %q references ambiguous tables: %s",
				t.TaskName, strings.Join(r.Ambiguous, ", ")).ForTask(t.TaskCode, t.TaskName)
			issue.Detail = ambiguousRefs(r)
			sc.issues = append(sc.issues, issue)
		}
		if len(r.Unmatched) > 0 {
			sc.issues = append(sc.issues, models.Fatal(models.SQLTableUnmatched, "task %q references unknown tables: %s",
				t.TaskName, strings.Join(r.Unmatched, ", ")).ForTask(t.TaskCode, t.TaskName))
		}
		t.InputTableIDs = r.InputTableIDs()
		t.OutputTableIDs = r.OutputTableIDs()
		if len(t.InputTableIDs) == 0 && len(t.OutputTableIDs) == 0 {
			sc.issues = append(sc.issues, models.Fatal(models.SQLLineageIncomplete, "task %q resolves no input or output table",
				t.TaskName).ForTask(t.TaskCode, t.TaskName))
		}
	}
	return nil
}

func ambiguousRefs(r models.LineageResult) []models.TableRefMatch {
	var out []models.TableRefMatch
	for _, refs := range [][]models.TableRefMatch{r.InputRefs, r.OutputRefs} {
		for _, ref := range refs {
			if ref.Status == models.Ambiguous {
				out = append(out, ref)
			}
		}
	}
	return out
}

// checkDatasources requires every SQL task's datasource to exist in the
// scheduler and fills in its name and type.
func (s *WorkflowService) checkDatasources(ctx context.Context, sc *syncContext, tasks []models.RuntimeTask) {
	datasources := s.scheduler.ListDatasources(ctx)
	byID := make(map[int64]dolphin.Datasource, len(datasources))
	byName := make(map[string]dolphin.Datasource, len(datasources))
	for _, ds := range datasources {
		byID[ds.ID] = ds
		byName[ds.Name] = ds
	}
	for i := range tasks {
		t := &tasks[i]
		if !strings.EqualFold(t.NodeType, models.SQLNodeType) {
			continue
		}
		var (
			ds    dolphin.Datasource
			found bool
			label string
		)
		switch {
		case t.DatasourceID > 0:
			ds, found = byID[t.DatasourceID]
			label = fmt.Sprintf("id %d", t.DatasourceID)
		case t.DatasourceName != "":
			ds, found = byName[t.DatasourceName]
			label = fmt.Sprintf("%q", t.DatasourceName)
		default:
			label = "(none)"
		}
		if !found {
			sc.issues = append(sc.issues, models.Fatal(models.DatasourceNotFound, "task %q uses datasource %s which the scheduler does not list",
				t.TaskName, label).ForTask(t.TaskCode, t.TaskName))
			continue
		}
		t.DatasourceID = ds.ID
		if t.DatasourceName == "" {
			t.DatasourceName = ds.Name
		}
		if t.DatasourceType == "" {
			t.DatasourceType = ds.Type
		}
	}
}

// checkOwnership rejects task codes repeated in the definition or held by
// several local tasks, and tasks already bound to another local workflow.
func (s *WorkflowService) checkOwnership(sc *syncContext, tasks []models.RuntimeTask) error {
	counts := make(map[int64]int, len(tasks))
	for _, t := range tasks {
		counts[t.TaskCode]++
	}
	checked := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		if t.TaskCode <= 0 || checked[t.TaskCode] {
			continue
		}
		checked[t.TaskCode] = true
		if n := counts[t.TaskCode]; n > 1 {
			sc.issues = append(sc.issues, models.Fatal(models.TaskCodeDuplicate, "task code %d appears %d times in the definition",
				t.TaskCode, n).ForTask(t.TaskCode, t.TaskName))
			continue
		}

		found, err := s.store.FindTasksByCode(t.TaskCode)
		if err != nil {
			return errors.Wrapf(err, "failed to find local task code %d", t.TaskCode)
		}
		if len(found) > 1 {
			sc.issues = append(sc.issues, models.Fatal(models.TaskCodeDuplicate, "task code %d is held by %d local tasks",
				t.TaskCode, len(found)).ForTask(t.TaskCode, t.TaskName))
			continue
		}
		if len(found) == 0 {
			continue
		}
		sc.existing[t.TaskCode] = found[0]
		bound, err := s.store.ListBindingsForTask(found[0].ID)
		if err != nil {
			return errors.Wrapf(err, "failed to list bindings of task %d", found[0].ID)
		}
		for _, b := range bound {
			if sc.local == nil || b.WorkflowID != sc.local.ID {
				sc.issues = append(sc.issues, models.Fatal(models.WorkflowBindingConflict, "task code %d is already bound to local workflow %d",
					t.TaskCode, b.WorkflowID).ForTask(t.TaskCode, t.TaskName))
				break
			}
		}
	}
	return nil
}

func sameEdges(a, b []models.Edge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func edgeMismatch(tasks []models.RuntimeTask, explicit, inferred []models.Edge) *EdgeMismatch {
	names := make(map[int64]string, len(tasks))
	for _, t := range tasks {
		names[t.TaskCode] = t.TaskName
	}
	label := func(e models.Edge) string {
		return snapshot.TaskLabel(names[e.PreTaskCode], e.PreTaskCode) + " -> " +
			snapshot.TaskLabel(names[e.PostTaskCode], e.PostTaskCode)
	}
	in := func(set []models.Edge) map[models.Edge]struct{} {
		m := make(map[models.Edge]struct{}, len(set))
		for _, e := range set {
			m[e] = struct{}{}
		}
		return m
	}
	explicitSet, inferredSet := in(explicit), in(inferred)
	m := &EdgeMismatch{
		ExplicitEdges:  []string{},
		InferredEdges:  []string{},
		OnlyInExplicit: []string{},
		OnlyInInferred: []string{},
	}
	for _, e := range explicit {
		m.ExplicitEdges = append(m.ExplicitEdges, label(e))
		if _, ok := inferredSet[e]; !ok {
			m.OnlyInExplicit = append(m.OnlyInExplicit, label(e))
		}
	}
	for _, e := range inferred {
		m.InferredEdges = append(m.InferredEdges, label(e))
		if _, ok := explicitSet[e]; !ok {
			m.OnlyInInferred = append(m.OnlyInInferred, label(e))
		}
	}
	for _, list := range [][]string{m.ExplicitEdges, m.InferredEdges, m.OnlyInExplicit, m.OnlyInInferred} {
		sort.Strings(list)
	}
	return m
}

// buildSyncArtifacts computes the snapshot, the diff against the last
// successful sync and the rename plan.
func (s *WorkflowService) buildSyncArtifacts(sc *syncContext) error {
	sc.snapshot = snapshot.Build(sc.def, sc.def.ExplicitEdges)
	sc.preview.SnapshotHash = sc.snapshot.Hash

	baseline := ""
	latest, err := s.store.LatestSyncRecord(sc.def.ProjectCode, sc.def.WorkflowCode)
	switch {
	case err == nil:
		baseline = latest.SnapshotJSON
	case !errors.Is(err, storage.ErrNotFound):
		return errors.Wrap(err, "failed to read the latest sync record")
	}
	sc.preview.Diff = snapshot.Diff(baseline, sc.snapshot)

	all, err := s.store.ListTasks()
	if err != nil {
		return errors.Wrap(err, "failed to list local tasks")
	}
	managed := make(map[int64]struct{}, len(sc.existing))
	for _, t := range sc.existing {
		managed[t.ID] = struct{}{}
	}
	reserved := make(map[string]struct{}, len(all))
	for _, t := range all {
		if _, ok := managed[t.ID]; !ok {
			reserved[t.Name] = struct{}{}
		}
	}
	for _, t := range sc.def.Tasks {
		name := strings.TrimSpace(t.TaskName)
		if name == "" {
			name = fmt.Sprintf("task_%d", t.TaskCode)
		}
		target := name
		if _, taken := reserved[name]; taken {
			target = renamedTaskName(name, sc.def.WorkflowCode, t.TaskCode, reserved)
			sc.preview.RenamePlan = append(sc.preview.RenamePlan, RenamePlan{
				TaskCode:     t.TaskCode,
				OriginalName: name,
				TargetName:   target,
				Reason:       "name is already used by another local task",
			})
		}
		reserved[target] = struct{}{}
		sc.names[t.TaskCode] = target
	}
	return nil
}

// renamedTaskName appends __ds_<workflowCode>_<taskCode> (and a counter when
// needed) so the name is free, truncating the original to fit.
func renamedTaskName(name string, workflowCode, taskCode int64, reserved map[string]struct{}) string {
	suffix := fmt.Sprintf("__ds_%d_%d", workflowCode, taskCode)
	candidate := fitTaskName(name, suffix)
	for n := 2; ; n++ {
		if _, taken := reserved[candidate]; !taken {
			return candidate
		}
		candidate = fitTaskName(name, fmt.Sprintf("%s_%d", suffix, n))
	}
}

func fitTaskName(name, suffix string) string {
	if len(suffix) >= maxTaskNameLength {
		return suffix[:maxTaskNameLength]
	}
	keep := maxTaskNameLength - len(suffix)
	if r := []rune(name); len(string(r)) > keep {
		for len(string(r)) > keep {
			r = r[:len(r)-1]
		}
		name = string(r)
	}
	return name + suffix
}

// ExecuteSync re-runs the preview and, when nothing blocks, writes the runtime
// definition into the local design in one transaction. Every attempt leaves a
// SyncRecord.
func (s *WorkflowService) ExecuteSync(ctx context.Context, req SyncRequest) (models.Outcome[SyncResult], error) {
	operator := s.operator(req.Operator)
	sc, err := s.prepareSync(ctx, req)
	if err != nil {
		return models.Outcome[SyncResult]{}, err
	}

	issues := append(models.Issues{}, sc.issues...)
	if fatal := issues.Fatal(); len(fatal) > 0 {
		return s.failSync(sc, issues, fatal[0], operator), nil
	}
	if sc.preview.Parity.Status == models.ParityInconsistent {
		issue := models.Fatal(models.DefinitionParityMismatch, "export and legacy definitions differ, sync refused: %s",
			strings.Join(sc.preview.Parity.Samples, "; "))
		issue.Detail = sc.preview.Parity
		issues = append(issues, issue)
		return s.failSync(sc, issues, issue, operator), nil
	}
	if sc.preview.EdgeMismatch != nil && !req.ConfirmEdgeMismatch {
		issue := models.Confirm(models.EdgeMismatchConfirmRequired, "explicit edges differ from lineage, confirm to sync the explicit edges")
		issue.Detail = sc.preview.EdgeMismatch
		issues = append(issues, issue)
		return s.failSync(sc, issues, issue, operator), nil
	}

	result, err := s.persistSync(sc, operator)
	if err != nil {
		s.logger.Errorf("Runtime sync of workflow %d failed: %v", req.WorkflowCode, err)
		issue := models.Fatal(models.SyncPersistFailed, "failed to write the synced workflow: %v", err)
		issues = append(issues, issue)
		return s.failSync(sc, issues, issue, operator), nil
	}
	s.logger.Infof("Synced runtime workflow %d into workflow %d as version %d", req.WorkflowCode, result.WorkflowID, result.VersionNo)
	return models.Succeed(result, issues...), nil
}

func (s *WorkflowService) failSync(sc *syncContext, issues models.Issues, cause models.Issue, operator string) models.Outcome[SyncResult] {
	id := s.saveFailedSyncRecord(sc, cause, operator)
	return models.Outcome[SyncResult]{Value: SyncResult{SyncRecordID: id, SnapshotHash: sc.snapshot.Hash, Diff: sc.preview.Diff}, Issues: issues}
}

func (s *WorkflowService) saveFailedSyncRecord(sc *syncContext, cause models.Issue, operator string) int64 {
	rec := models.SyncRecord{
		OperationID:  uuid.NewString(),
		ProjectCode:  sc.req.ProjectCode,
		WorkflowCode: sc.req.WorkflowCode,
		Operator:     operator,
		Status:       models.RecordStatusFailed,
		SnapshotHash: sc.snapshot.Hash,
		SnapshotJSON: sc.snapshot.JSON,
		DiffJSON:     diffJSON(sc.preview.Diff),
		IngestMode:   sc.preview.IngestMode,
		ParityStatus: string(sc.preview.Parity.Status),
		ErrorCode:    string(cause.Code),
		ErrorMessage: cause.Message,
	}
	if sc.local != nil {
		id := sc.local.ID
		rec.WorkflowID = &id
	}
	id, err := s.store.SaveSyncRecord(rec)
	if err != nil {
		s.logger.Errorf("Failed to save failed sync record for workflow %d: %v", sc.req.WorkflowCode, err)
		return 0
	}
	return id
}

func (s *WorkflowService) persistSync(sc *syncContext, operator string) (result SyncResult, err error) {
	err = s.withTx(func(tx storage.Store) error {
		taskIDs := make(map[int64]int64, len(sc.def.Tasks))
		for _, rt := range sc.def.Tasks {
			task, err := s.tasks.UpsertTask(tx, localTask(rt, sc.names[rt.TaskCode], operator))
			if err != nil {
				return err
			}
			if err := s.tasks.WriteTableRelations(tx, task.ID, rt.InputTableIDs, rt.OutputTableIDs); err != nil {
				return err
			}
			taskIDs[rt.TaskCode] = task.ID
		}

		wf := models.Workflow{}
		if sc.local != nil {
			wf = *sc.local
		}
		applyRuntimeFields(&wf, sc.def)
		if sc.local == nil {
			id, err := tx.SaveWorkflow(wf)
			if err != nil {
				return errors.Wrap(err, "failed to save workflow")
			}
			wf.ID = id
		}
		if err := tx.ReplaceBindings(wf.ID, bindings(sc.def.Tasks, taskIDs, sc.def.ExplicitEdges)); err != nil {
			return errors.Wrapf(err, "failed to bind tasks of workflow %d", wf.ID)
		}
		if err := tx.ReplaceEdges(wf.ID, sc.def.ExplicitEdges); err != nil {
			return errors.Wrapf(err, "failed to write edges of workflow %d", wf.ID)
		}

		version, err := s.appendVersion(tx, wf.ID, sc.snapshot, changeSummary(sc.preview.Diff), models.TriggerRuntimeSync, operator, nil)
		if err != nil {
			return err
		}
		wf.CurrentVersionID = &version.ID
		if err := tx.UpdateWorkflow(wf); err != nil {
			return errors.Wrapf(err, "failed to update workflow %d", wf.ID)
		}

		workflowID, versionID := wf.ID, version.ID
		recordID, err := tx.SaveSyncRecord(models.SyncRecord{
			OperationID:  uuid.NewString(),
			WorkflowID:   &workflowID,
			ProjectCode:  sc.def.ProjectCode,
			WorkflowCode: sc.def.WorkflowCode,
			VersionID:    &versionID,
			Operator:     operator,
			Status:       models.RecordStatusSuccess,
			SnapshotHash: sc.snapshot.Hash,
			SnapshotJSON: sc.snapshot.JSON,
			DiffJSON:     diffJSON(sc.preview.Diff),
			IngestMode:   sc.preview.IngestMode,
			ParityStatus: string(sc.preview.Parity.Status),
		})
		if err != nil {
			return errors.Wrap(err, "failed to save sync record")
		}
		result = SyncResult{
			WorkflowID:   wf.ID,
			VersionID:    version.ID,
			VersionNo:    version.VersionNo,
			SyncRecordID: recordID,
			SnapshotHash: sc.snapshot.Hash,
			Diff:         sc.preview.Diff,
			RenamePlan:   sc.preview.RenamePlan,
		}
		return nil
	})
	return result, err
}

// applyRuntimeFields copies the runtime definition's workflow-level fields.
func applyRuntimeFields(wf *models.Workflow, def models.RuntimeWorkflowDefinition) {
	wf.ProjectCode = def.ProjectCode
	wf.WorkflowCode = def.WorkflowCode
	wf.Name = orDefault(def.WorkflowName, fmt.Sprintf("workflow_%d", def.WorkflowCode))
	wf.Description = def.Description
	wf.GlobalParams = def.GlobalParams
	wf.Status = models.StatusFromReleaseState(def.ReleaseState)
	wf.PublishStatus = models.PublishStatusPublished
	wf.SyncSource = SyncSourceRuntime
	wf.ScheduleSpec = def.Schedule.ToSpec()
}

func diffJSON(d models.DiffSummary) string {
	raw, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
