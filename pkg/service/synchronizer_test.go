package service_test

import (
	"context"
	"testing"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewSync(t *testing.T) {
	ctx := context.Background()

	t.Run("Pipeline", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.False(t, out.Blocked(), out.Issues.String())

		p := out.Value
		assert.True(t, p.CanSync)
		assert.Nil(t, p.WorkflowID)
		assert.Equal(t, "dwd_daily", p.WorkflowName)
		assert.Equal(t, service.IngestExportOnly, p.IngestMode)
		assert.NotEmpty(t, p.SnapshotHash)
		assert.True(t, p.Diff.Changed)
		assert.Len(t, p.Diff.Added.Tasks, 2)
		assert.Empty(t, p.RenamePlan)
		assert.Nil(t, p.EdgeMismatch)

		require.Len(t, p.Tasks, 2)
		assert.Equal(t, []int64{1001}, p.Tasks[0].InputTableIDs)
		assert.Equal(t, []int64{1002}, p.Tasks[0].OutputTableIDs)
		assert.Equal(t, "warehouse", p.Tasks[0].DatasourceName)
		assert.Equal(t, []models.Edge{{PreTaskCode: 101, PostTaskCode: 102}}, p.Edges)
		assert.Equal(t, p.Edges, p.InferredEdges)

		workflows, err := f.store.ListWorkflows()
		require.NoError(t, err)
		assert.Empty(t, workflows)
		assert.Empty(t, f.store.SyncRecords())
	})

	t.Run("InvalidWorkflowCode", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		req := f.syncRequest()
		req.WorkflowCode = 0
		out, err := f.svc.PreviewSync(ctx, req)
		require.NoError(t, err)
		assert.True(t, out.Issues.Has(models.RuntimeWorkflowNotFound))
		assert.False(t, out.Value.CanSync)
	})

	t.Run("RuntimeWorkflowMissing", func(t *testing.T) {
		f := newFixture(t, service.IngestExportShadow)
		delete(f.scheduler.exports, testWorkflow)
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.RuntimeWorkflowNotFound}, codes(out.Issues))
	})

	t.Run("UnsupportedNodeType", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exports[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", loadDWD),
			`{"code": 102, "name": "notify", "taskType": "SHELL", "taskParams": {"rawScript": "echo done"}}`,
		}, [2]int64{0, 101}, [2]int64{101, 102})
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		require.True(t, out.Blocked())
		fatal := out.Issues.Fatal()
		require.Len(t, fatal, 1)
		assert.Equal(t, models.UnsupportedNodeType, fatal[0].Code)
		assert.Equal(t, int64(102), fatal[0].TaskCode)
	})

	t.Run("UnmatchedTable", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exports[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", "INSERT INTO dwd.missing SELECT * FROM ods.orders"),
		}, [2]int64{0, 101})
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.SQLTableUnmatched}, codes(out.Issues))
	})

	t.Run("NoResolvedTable", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exports[testWorkflow] = exportOf([]string{
			sqlTask(101, "noop", "SELECT 1"),
		}, [2]int64{0, 101})
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.SQLLineageIncomplete}, codes(out.Issues))
	})

	t.Run("AmbiguousTable", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		_, err := f.store.SaveCatalogTable(models.CatalogTable{TableID: 1004, ClusterID: 2, ClusterName: "backup", DBName: "ods", TableName: "orders"})
		require.NoError(t, err)
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		require.True(t, out.Issues.Has(models.SQLTableAmbiguous))
		for _, issue := range out.Issues.Fatal() {
			if issue.Code == models.SQLTableAmbiguous {
				assert.Equal(t, int64(101), issue.TaskCode)
				assert.Contains(t, issue.Message, "ods.orders")
			}
		}
	})

	t.Run("DatasourceMissing", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.datasources = nil
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.DatasourceNotFound, models.DatasourceNotFound}, codes(out.Issues))
	})

	t.Run("DuplicateTaskCode", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exports[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", loadDWD),
			sqlTask(101, "load_dwd_copy", loadDWD),
		}, [2]int64{0, 101})
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.True(t, out.Issues.Has(models.TaskCodeDuplicate))
	})

	t.Run("MissingExplicitEdges", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exports[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", loadDWD),
			sqlTask(102, "build_ads", buildADS),
		}, [2]int64{0, 101}, [2]int64{0, 102})
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.DolphinExplicitEdgeMissing}, codes(out.Issues))
	})

	t.Run("EdgeMismatch", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exports[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", loadDWD),
			sqlTask(102, "build_ads", buildADS),
			sqlTask(103, "report", "INSERT INTO ads.orders_daily SELECT * FROM ods.orders"),
		}, [2]int64{0, 101}, [2]int64{101, 102}, [2]int64{102, 103})
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.False(t, out.Blocked())
		assert.Equal(t, []models.IssueCode{models.EdgeMismatch}, codes(out.Issues))

		m := out.Value.EdgeMismatch
		require.NotNil(t, m)
		assert.Equal(t, []string{"build_ads(102) -> report(103)"}, m.OnlyInExplicit)
		assert.Empty(t, m.OnlyInInferred)
		assert.Equal(t, []string{"build_ads(102) -> report(103)", "load_dwd(101) -> build_ads(102)"}, m.ExplicitEdges)
	})

	t.Run("BindingConflict", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		otherID, err := f.store.SaveWorkflow(models.Workflow{ProjectCode: testProject, WorkflowCode: 900, Name: "other"})
		require.NoError(t, err)
		taskID, err := f.store.SaveTask(models.Task{TaskCode: 101, Name: "shared", NodeType: models.SQLNodeType})
		require.NoError(t, err)
		require.NoError(t, f.store.ReplaceBindings(otherID, []models.WorkflowTaskBinding{{TaskID: taskID, Entry: true, Exit: true}}))

		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.WorkflowBindingConflict}, codes(out.Issues))
	})

	t.Run("RenamePlan", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		_, err := f.store.SaveTask(models.Task{Name: "load_dwd", NodeType: models.SQLNodeType})
		require.NoError(t, err)

		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		require.Len(t, out.Value.RenamePlan, 1)
		plan := out.Value.RenamePlan[0]
		assert.Equal(t, int64(101), plan.TaskCode)
		assert.Equal(t, "load_dwd", plan.OriginalName)
		assert.Equal(t, "load_dwd__ds_500_101", plan.TargetName)
	})

	t.Run("ExportFallsBackToLegacy", func(t *testing.T) {
		f := newFixture(t, service.IngestExportShadow)
		f.scheduler.exportErr = &dolphin.APIError{Code: 10001, Message: "export failed"}
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.False(t, out.Blocked(), out.Issues.String())
		assert.True(t, out.Issues.Has(models.ExportFallbackLegacy))
		assert.Equal(t, service.IngestLegacy, out.Value.IngestMode)
	})

	t.Run("ExportOnlyFailure", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exportErr = &dolphin.APIError{Code: 10001, Message: "export failed"}
		_, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.Error(t, err)
		var apiErr *dolphin.APIError
		assert.True(t, errors.As(err, &apiErr))
		assert.Contains(t, err.Error(), "export failed")
	})

	t.Run("ParityMismatch", func(t *testing.T) {
		f := newFixture(t, service.IngestExportShadow)
		f.scheduler.legacy[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", "INSERT INTO dwd.orders SELECT id FROM ods.orders"),
			sqlTask(102, "build_ads", buildADS),
		}, [2]int64{0, 101}, [2]int64{101, 102})
		out, err := f.svc.PreviewSync(ctx, f.syncRequest())
		require.NoError(t, err)
		assert.False(t, out.Blocked())
		assert.Equal(t, []models.IssueCode{models.DefinitionParityMismatch}, codes(out.Issues))
		assert.Equal(t, models.ParityInconsistent, out.Value.Parity.Status)
		assert.Equal(t, 1, out.Value.Parity.TaskModified)
	})
}

func TestExecuteSync(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstAndRepeatedSync", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		first := f.sync(t)
		assert.Positive(t, first.WorkflowID)
		assert.Equal(t, 1, first.VersionNo)
		assert.True(t, first.Diff.Changed)

		wf, err := f.svc.GetWorkflow(first.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, testWorkflow, wf.WorkflowCode)
		assert.Equal(t, "dwd_daily", wf.Name)
		assert.Equal(t, models.OnlineWorkflowStatus, wf.Status)
		assert.Equal(t, models.PublishStatusPublished, wf.PublishStatus)
		assert.Equal(t, service.SyncSourceRuntime, wf.SyncSource)
		require.NotNil(t, wf.CurrentVersionID)
		assert.Equal(t, first.VersionID, *wf.CurrentVersionID)
		require.Len(t, wf.Tasks, 2)
		assert.Equal(t, []models.Edge{{PreTaskCode: 101, PostTaskCode: 102}}, wf.Edges)
		for _, task := range wf.Tasks {
			assert.Equal(t, "alice", task.Owner)
			assert.Equal(t, models.DefaultTaskPriority, task.Priority)
			if task.TaskCode == 102 {
				assert.Equal(t, []int64{1002}, task.InputTableIDs)
				assert.Equal(t, []int64{1003}, task.OutputTableIDs)
			}
		}

		bindings, err := f.store.ListBindings(first.WorkflowID)
		require.NoError(t, err)
		require.Len(t, bindings, 2)

		second := f.sync(t)
		assert.Equal(t, first.WorkflowID, second.WorkflowID)
		assert.Equal(t, 2, second.VersionNo)
		assert.False(t, second.Diff.Changed)
		assert.Equal(t, first.SnapshotHash, second.SnapshotHash)

		records, err := f.svc.ListSyncRecords(first.WorkflowID)
		require.NoError(t, err)
		require.Len(t, records, 2)
		for _, r := range records {
			assert.Equal(t, models.RecordStatusSuccess, r.Status)
			assert.NotEmpty(t, r.SnapshotHash)
			assert.NotEmpty(t, r.DiffJSON)
			assert.NotNil(t, r.VersionID)
		}
		versions, err := f.svc.ListVersions(ctx, first.WorkflowID)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, models.TriggerRuntimeSync, versions[0].TriggerSource)
		assert.Equal(t, 2, versions[0].VersionNo)
	})

	t.Run("FatalIssueWritesFailedRecord", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.datasources = nil
		out, err := f.svc.ExecuteSync(ctx, f.syncRequest())
		require.NoError(t, err)
		require.True(t, out.Blocked())
		assert.Positive(t, out.Value.SyncRecordID)

		records := f.store.SyncRecords()
		require.Len(t, records, 1)
		assert.Equal(t, models.RecordStatusFailed, records[0].Status)
		assert.Equal(t, string(models.DatasourceNotFound), records[0].ErrorCode)
		assert.NotEmpty(t, records[0].SnapshotHash)

		workflows, err := f.store.ListWorkflows()
		require.NoError(t, err)
		assert.Empty(t, workflows)
	})

	t.Run("EdgeMismatchNeedsConfirmation", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.scheduler.exports[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", loadDWD),
			sqlTask(102, "build_ads", buildADS),
			sqlTask(103, "report", "INSERT INTO ads.orders_daily SELECT * FROM ods.orders"),
		}, [2]int64{0, 101}, [2]int64{101, 102}, [2]int64{102, 103})

		out, err := f.svc.ExecuteSync(ctx, f.syncRequest())
		require.NoError(t, err)
		require.True(t, out.Blocked())
		assert.Empty(t, out.Issues.Fatal())
		require.Len(t, out.Issues.Confirms(), 1)
		assert.Equal(t, models.EdgeMismatchConfirmRequired, out.Issues.Confirms()[0].Code)
		assert.Equal(t, models.RecordStatusFailed, f.store.SyncRecords()[0].Status)

		req := f.syncRequest()
		req.ConfirmEdgeMismatch = true
		out, err = f.svc.ExecuteSync(ctx, req)
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())
		assert.True(t, out.Issues.Has(models.EdgeMismatch))

		edges, err := f.store.ListEdges(out.Value.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, []models.Edge{{PreTaskCode: 101, PostTaskCode: 102}, {PreTaskCode: 102, PostTaskCode: 103}}, edges)
	})

	t.Run("ParityMismatchIsFatal", func(t *testing.T) {
		f := newFixture(t, service.IngestExportShadow)
		f.scheduler.legacy[testWorkflow] = exportOf([]string{
			sqlTask(101, "load_dwd", loadDWD),
			sqlTask(102, "build_ads_v2", buildADS),
		}, [2]int64{0, 101}, [2]int64{101, 102})
		out, err := f.svc.ExecuteSync(ctx, f.syncRequest())
		require.NoError(t, err)
		require.True(t, out.Blocked())
		require.Len(t, out.Issues.Fatal(), 1)
		assert.Equal(t, models.DefinitionParityMismatch, out.Issues.Fatal()[0].Code)
		assert.Equal(t, string(models.ParityInconsistent), f.store.SyncRecords()[0].ParityStatus)
	})

	t.Run("RenamedTaskIsStoredUnderNewName", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		_, err := f.store.SaveTask(models.Task{Name: "load_dwd", NodeType: models.SQLNodeType})
		require.NoError(t, err)
		res := f.sync(t)
		require.Len(t, res.RenamePlan, 1)

		renamed, err := f.store.FindTaskByName("load_dwd__ds_500_101")
		require.NoError(t, err)
		assert.Equal(t, int64(101), renamed.TaskCode)
		untouched, err := f.store.FindTaskByName("load_dwd")
		require.NoError(t, err)
		assert.Zero(t, untouched.TaskCode)
	})

	t.Run("PersistFailure", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		f.store.FailOn("ReplaceEdges", errors.New("disk full"))
		out, err := f.svc.ExecuteSync(ctx, f.syncRequest())
		require.NoError(t, err)
		require.True(t, out.Blocked())
		assert.True(t, out.Issues.Has(models.SyncPersistFailed))

		records := f.store.SyncRecords()
		require.Len(t, records, 1)
		assert.Equal(t, models.RecordStatusFailed, records[0].Status)
		assert.Equal(t, string(models.SyncPersistFailed), records[0].ErrorCode)

		workflows, err := f.store.ListWorkflows()
		require.NoError(t, err)
		assert.Empty(t, workflows, "transaction must roll back")
		tasks, err := f.store.ListTasks()
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})
}
