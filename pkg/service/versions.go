package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/internal/snapshot"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/pkg/errors"
)

// VersionComparison is the difference between two versions of a workflow.
// Left is nil when the right version was compared against an empty baseline.
type VersionComparison struct {
	Left        *models.Version    `json:"left,omitempty" yaml:"left,omitempty"`
	Right       models.Version     `json:"right" yaml:"right"`
	Diff        models.DiffSummary `json:"diff" yaml:"diff"`
	UnifiedDiff string             `json:"unified_diff" yaml:"unified_diff"`
}

// RollbackResult reports the version a rollback appended.
type RollbackResult struct {
	WorkflowID            int64 `json:"workflow_id" yaml:"workflow_id"`
	VersionID             int64 `json:"version_id" yaml:"version_id"`
	VersionNo             int   `json:"version_no" yaml:"version_no"`
	RollbackFromVersionID int64 `json:"rollback_from_version_id" yaml:"rollback_from_version_id"`
}

// CreateVersion appends a version holding raw verbatim.
func (s *WorkflowService) CreateVersion(ctx context.Context, workflowID int64, raw string, trigger models.TriggerSource, summary, operator string) (models.Version, error) {
	if err := ctx.Err(); err != nil {
		return models.Version{}, err
	}
	snap := models.Snapshot{SchemaVersion: snapshot.SchemaVersionOf(raw), JSON: raw}
	if snap.SchemaVersion >= models.CanonicalSchemaVersion {
		snap.Hash = snapshot.Hash(snapshot.Load(raw))
	}
	var version models.Version
	err := s.withTx(func(tx storage.Store) error {
		v, err := s.appendVersion(tx, workflowID, snap, summary, trigger, s.operator(operator), nil)
		version = v
		return err
	})
	return version, err
}

// appendVersion writes the next version of a workflow. tx must be a
// transaction store.
func (s *WorkflowService) appendVersion(tx storage.Store, workflowID int64, snap models.Snapshot, summary string,
	trigger models.TriggerSource, operator string, rollbackFrom *int64) (models.Version, error) {
	maxNo, err := tx.MaxVersionNo(workflowID)
	if err != nil {
		return models.Version{}, errors.Wrapf(err, "failed to read version number of workflow %d", workflowID)
	}
	v := models.Version{
		WorkflowID:            workflowID,
		VersionNo:             maxNo + 1,
		SchemaVersion:         snap.SchemaVersion,
		Snapshot:              snap.JSON,
		SnapshotHash:          snap.Hash,
		ChangeSummary:         summary,
		TriggerSource:         trigger,
		RollbackFromVersionID: rollbackFrom,
		CreatedBy:             operator,
	}
	id, err := tx.SaveVersion(v)
	if err != nil {
		return models.Version{}, errors.Wrapf(err, "failed to save version %d of workflow %d", v.VersionNo, workflowID)
	}
	v.ID = id
	return v, nil
}

// ListVersions returns the history of a workflow, newest first.
func (s *WorkflowService) ListVersions(ctx context.Context, workflowID int64) ([]models.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list versions of workflow %d", workflowID)
	}
	sort.SliceStable(versions, func(i, j int) bool { return versions[i].VersionNo > versions[j].VersionNo })
	return versions, nil
}

// workflowVersion fetches a version and checks it belongs to the workflow.
func (s *WorkflowService) workflowVersion(workflowID, versionID int64) (models.Version, *models.Issue, error) {
	v, err := s.store.GetVersion(versionID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && v.WorkflowID != workflowID) {
		issue := models.Fatal(models.VersionNotFound, "version %d not found in workflow %d", versionID, workflowID)
		return models.Version{}, &issue, nil
	}
	if err != nil {
		return models.Version{}, nil, errors.Wrapf(err, "failed to get version %d", versionID)
	}
	return v, nil, nil
}

func legacyVersion(v models.Version) models.Issue {
	return models.Fatal(models.VersionSnapshotUnsupported, "version %d uses snapshot schema %d, compare and rollback need schema %d or later",
		v.VersionNo, v.SchemaVersion, models.CanonicalSchemaVersion)
}

// CompareVersions diffs two versions of a workflow, older on the left. A nil
// leftID compares rightID against an empty workflow.
func (s *WorkflowService) CompareVersions(ctx context.Context, workflowID int64, leftID *int64, rightID int64) (models.Outcome[VersionComparison], error) {
	if err := ctx.Err(); err != nil {
		return models.Outcome[VersionComparison]{}, err
	}
	if leftID != nil && *leftID == rightID {
		return models.Reject[VersionComparison](models.Fatal(models.VersionCompareInvalid, "cannot compare version %d with itself", rightID)), nil
	}

	right, issue, err := s.workflowVersion(workflowID, rightID)
	if err != nil {
		return models.Outcome[VersionComparison]{}, err
	}
	if issue != nil {
		return models.Reject[VersionComparison](*issue), nil
	}
	var left *models.Version
	if leftID != nil {
		v, issue, err := s.workflowVersion(workflowID, *leftID)
		if err != nil {
			return models.Outcome[VersionComparison]{}, err
		}
		if issue != nil {
			return models.Reject[VersionComparison](*issue), nil
		}
		left = &v
		if left.VersionNo > right.VersionNo {
			right, *left = *left, right
		}
	}

	var issues models.Issues
	for _, v := range []*models.Version{left, &right} {
		if v != nil && !v.Canonical() {
			issues = append(issues, legacyVersion(*v))
		}
	}
	if len(issues) > 0 {
		return models.Reject[VersionComparison](issues...), nil
	}

	leftJSON, leftLabel := "", "empty"
	if left != nil {
		leftJSON, leftLabel = left.Snapshot, fmt.Sprintf("v%d", left.VersionNo)
	}
	cmp := VersionComparison{
		Left:        left,
		Right:       right,
		Diff:        snapshot.Diff(leftJSON, models.Snapshot{SchemaVersion: right.SchemaVersion, JSON: right.Snapshot, Hash: right.SnapshotHash}),
		UnifiedDiff: snapshot.UnifiedDiff(leftLabel, leftJSON, fmt.Sprintf("v%d", right.VersionNo), right.Snapshot),
	}
	return models.Succeed(cmp), nil
}

// RollbackVersion restores the design of a workflow from one of its versions
// and appends a version_rollback version. The scheduler is not touched.
func (s *WorkflowService) RollbackVersion(ctx context.Context, workflowID, versionID int64, operator string) (models.Outcome[RollbackResult], error) {
	if err := ctx.Err(); err != nil {
		return models.Outcome[RollbackResult]{}, err
	}
	operator = s.operator(operator)
	wf, err := s.store.GetWorkflow(workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Reject[RollbackResult](models.Fatal(models.WorkflowNotFound, "workflow %d not found", workflowID)), nil
	}
	if err != nil {
		return models.Outcome[RollbackResult]{}, errors.Wrapf(err, "failed to get workflow %d", workflowID)
	}
	target, issue, err := s.workflowVersion(workflowID, versionID)
	if err != nil {
		return models.Outcome[RollbackResult]{}, err
	}
	if issue != nil {
		return models.Reject[RollbackResult](*issue), nil
	}
	if !target.Canonical() {
		return models.Reject[RollbackResult](legacyVersion(target)), nil
	}

	doc := snapshot.Load(target.Snapshot)
	def, edges := doc.Definition()
	edges = knownEdges(def.Tasks, edges)

	var result RollbackResult
	err = s.withTx(func(tx storage.Store) error {
		taskIDs := make(map[int64]int64, len(def.Tasks))
		var uncoded []models.WorkflowTaskBinding
		for i, rt := range def.Tasks {
			name := orDefault(rt.TaskName, fmt.Sprintf("task_%d", rt.TaskCode))
			if rt.TaskCode <= 0 {
				name = orDefault(rt.TaskName, fmt.Sprintf("task_%d_%d", workflowID, i+1))
			}
			task, err := s.tasks.UpsertTask(tx, localTask(rt, name, ""))
			if err != nil {
				return err
			}
			if err := s.tasks.WriteTableRelations(tx, task.ID, rt.InputTableIDs, rt.OutputTableIDs); err != nil {
				return err
			}
			if rt.TaskCode > 0 {
				taskIDs[rt.TaskCode] = task.ID
			} else {
				uncoded = append(uncoded, models.WorkflowTaskBinding{TaskID: task.ID, Entry: true, Exit: true})
			}
		}
		if err := tx.ReplaceBindings(workflowID, append(bindings(def.Tasks, taskIDs, edges), uncoded...)); err != nil {
			return errors.Wrapf(err, "failed to bind tasks of workflow %d", workflowID)
		}
		if err := tx.ReplaceEdges(workflowID, edges); err != nil {
			return errors.Wrapf(err, "failed to write edges of workflow %d", workflowID)
		}

		wf.Name = orDefault(def.WorkflowName, wf.Name)
		wf.Description = def.Description
		wf.GlobalParams = def.GlobalParams
		scheduleID := wf.ScheduleID
		wf.ScheduleSpec = def.Schedule.ToSpec()
		if wf.ScheduleID == 0 {
			wf.ScheduleID = scheduleID
		}

		from := target.ID
		version, err := s.appendVersion(tx, workflowID, snapshot.FromDocument(doc),
			fmt.Sprintf("rollback to version %d", target.VersionNo), models.TriggerVersionRollback, operator, &from)
		if err != nil {
			return err
		}
		wf.CurrentVersionID = &version.ID
		if err := tx.UpdateWorkflow(wf); err != nil {
			return errors.Wrapf(err, "failed to update workflow %d", workflowID)
		}
		result = RollbackResult{
			WorkflowID:            workflowID,
			VersionID:             version.ID,
			VersionNo:             version.VersionNo,
			RollbackFromVersionID: target.ID,
		}
		return nil
	})
	if err != nil {
		return models.Outcome[RollbackResult]{}, err
	}
	s.logger.Infof("Rolled workflow %d back to version %d as version %d", workflowID, target.VersionNo, result.VersionNo)
	return models.Succeed(result), nil
}

// changeSummary renders a diff as one line, e.g. "tasks +1 ~2, edges -1".
func changeSummary(d models.DiffSummary) string {
	if !d.Changed {
		return "no changes"
	}
	var parts []string
	section := func(name string, added, removed, modified int) {
		var b strings.Builder
		for _, c := range []struct {
			sign string
			n    int
		}{{"+", added}, {"-", removed}, {"~", modified}} {
			if c.n > 0 {
				fmt.Fprintf(&b, " %s%d", c.sign, c.n)
			}
		}
		if b.Len() > 0 {
			parts = append(parts, name+b.String())
		}
	}
	section("workflow", len(d.Added.WorkflowFields), len(d.Removed.WorkflowFields), len(d.Modified.WorkflowFields))
	section("schedule", len(d.Added.ScheduleFields), len(d.Removed.ScheduleFields), len(d.Modified.ScheduleFields))
	section("tasks", len(d.Added.Tasks), len(d.Removed.Tasks), len(d.Modified.Tasks))
	section("edges", len(d.Added.Edges), len(d.Removed.Edges), len(d.Modified.Edges))
	return strings.Join(parts, ", ")
}
