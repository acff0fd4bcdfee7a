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

// draftWorkflow stores a never deployed workflow with one task.
func draftWorkflow(t *testing.T, f fixture, cron string) int64 {
	t.Helper()
	wf := models.Workflow{ProjectCode: testProject, Name: "fresh", Status: models.DraftWorkflowStatus}
	wf.Cron = cron
	wfID, err := f.store.SaveWorkflow(wf)
	require.NoError(t, err)
	taskID, err := f.store.SaveTask(models.Task{Name: "fresh_load", NodeType: models.SQLNodeType, SQL: loadDWD, DatasourceID: 9})
	require.NoError(t, err)
	require.NoError(t, f.store.ReplaceBindings(wfID, []models.WorkflowTaskBinding{{TaskID: taskID, Entry: true, Exit: true}}))
	return wfID
}

func TestPreviewPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("InSync", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)

		out, err := f.svc.PreviewPublish(ctx, res.WorkflowID)
		require.NoError(t, err)
		assert.Empty(t, out.Issues, out.Issues.String())
		assert.False(t, out.Value.Diff.Changed)
		assert.True(t, out.Value.CanPublish)
		assert.False(t, out.Value.RequireConfirm)
		assert.False(t, out.Value.FirstDeploy)
	})

	t.Run("LocalEdit", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		tasks, err := f.store.FindTasksByCode(101)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		tasks[0].SQL = "INSERT INTO dwd.orders SELECT id FROM ods.orders"
		require.NoError(t, f.store.UpdateTask(tasks[0]))

		out, err := f.svc.PreviewPublish(ctx, res.WorkflowID)
		require.NoError(t, err)
		assert.True(t, out.Value.RequireConfirm)
		require.Len(t, out.Value.Diff.Modified.Tasks, 1)
		change := out.Value.Diff.Modified.Tasks[0]
		assert.Equal(t, int64(101), change.TaskCode)
		require.Len(t, change.FieldChanges, 1)
		assert.Equal(t, "sql", change.FieldChanges[0].Field)
	})

	t.Run("FirstDeploy", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		wfID := draftWorkflow(t, f, "")
		out, err := f.svc.PreviewPublish(ctx, wfID)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.PublishFirstDeploy}, codes(out.Issues))
		assert.True(t, out.Value.FirstDeploy)
		assert.True(t, out.Value.CanPublish)
		assert.True(t, out.Value.Diff.Changed)
	})

	t.Run("RuntimeWorkflowGone", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		delete(f.scheduler.exports, testWorkflow)
		out, err := f.svc.PreviewPublish(ctx, res.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.PublishRuntimeWorkflowNotFound}, codes(out.Issues))
		assert.True(t, out.Value.CanPublish)
	})

	t.Run("RemoteFailure", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		f.scheduler.exportErr = &dolphin.APIError{Code: 10001, Message: "boom"}
		out, err := f.svc.PreviewPublish(ctx, res.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.PublishPreviewFailed}, codes(out.Issues))
		assert.False(t, out.Value.CanPublish)
	})

	t.Run("NoTasks", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		wfID, err := f.store.SaveWorkflow(models.Workflow{ProjectCode: testProject, Name: "empty"})
		require.NoError(t, err)
		out, err := f.svc.PreviewPublish(ctx, wfID)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.PublishPreviewFailed}, codes(out.Issues))
	})

	t.Run("MissingWorkflow", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		out, err := f.svc.PreviewPublish(ctx, 4242)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.WorkflowNotFound}, codes(out.Issues))
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("DeployNeedsConfirmation", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		tasks, err := f.store.FindTasksByCode(102)
		require.NoError(t, err)
		tasks[0].RetryTimes = 3
		require.NoError(t, f.store.UpdateTask(tasks[0]))

		out, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "deploy"})
		require.NoError(t, err)
		require.True(t, out.Blocked())
		assert.Equal(t, []models.IssueCode{models.PublishDiffConfirmRequired}, codes(out.Issues.Confirms()))
		assert.Empty(t, f.scheduler.definitions)

		out, err = f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "deploy", ConfirmDiff: true, Operator: "bob"})
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())
		assert.Equal(t, models.RecordStatusSuccess, out.Value.Status)
		assert.Equal(t, testWorkflow, out.Value.WorkflowCode)
		require.NotNil(t, out.Value.VersionID)

		require.Len(t, f.scheduler.definitions, 1)
		def := f.scheduler.definitions[0]
		assert.Equal(t, testWorkflow, def.WorkflowCode)
		assert.Equal(t, "etl", def.TenantCode)
		assert.Len(t, def.Tasks, 2)
		assert.Equal(t, []models.Edge{{PreTaskCode: 101, PostTaskCode: 102}}, def.Edges)

		wf, err := f.svc.GetWorkflow(res.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, models.OfflineWorkflowStatus, wf.Status)
		assert.Equal(t, *out.Value.VersionID, *wf.CurrentVersionID)

		versions, err := f.svc.ListVersions(ctx, res.WorkflowID)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, models.TriggerDeploy, versions[0].TriggerSource)
		assert.Equal(t, "bob", versions[0].CreatedBy)

		records, err := f.svc.ListPublishRecords(res.WorkflowID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "deploy", records[0].Operation)
		assert.Equal(t, service.TargetEngine, records[0].TargetEngine)
	})

	t.Run("FirstDeployAssignsCodes", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		wfID := draftWorkflow(t, f, "0 0 2 * * ? *")

		out, err := f.svc.Publish(ctx, wfID, service.PublishRequest{Operation: "deploy", ConfirmDiff: true})
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())
		assert.True(t, out.Issues.Has(models.PublishFirstDeploy))
		assert.Equal(t, int64(7002), out.Value.WorkflowCode)
		assert.Equal(t, int64(41), out.Value.ScheduleID)

		require.Len(t, f.scheduler.definitions, 1)
		assert.Zero(t, f.scheduler.definitions[0].WorkflowCode)
		assert.Equal(t, int64(7001), f.scheduler.definitions[0].Tasks[0].TaskCode)
		require.Len(t, f.scheduler.schedules, 1)
		assert.Equal(t, int64(7002), f.scheduler.schedules[0].WorkflowCode)
		assert.Equal(t, "etl", f.scheduler.schedules[0].TenantCode)

		wf, err := f.svc.GetWorkflow(wfID)
		require.NoError(t, err)
		assert.Equal(t, int64(7002), wf.WorkflowCode)
		assert.Equal(t, int64(41), wf.ScheduleID)
		require.Len(t, wf.Tasks, 1)
		assert.Equal(t, int64(7001), wf.Tasks[0].TaskCode)
	})

	t.Run("FirstDeployPushesInferredEdges", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		wfID, err := f.store.SaveWorkflow(models.Workflow{ProjectCode: testProject, Name: "fresh", Status: models.DraftWorkflowStatus})
		require.NoError(t, err)
		loadID, err := f.store.SaveTask(models.Task{Name: "load", NodeType: models.SQLNodeType, SQL: loadDWD, DatasourceID: 9})
		require.NoError(t, err)
		adsID, err := f.store.SaveTask(models.Task{Name: "ads", NodeType: models.SQLNodeType, SQL: buildADS, DatasourceID: 9})
		require.NoError(t, err)
		require.NoError(t, f.store.ReplaceTaskRelations(loadID, []models.TaskTableRelation{
			{TaskID: loadID, TableID: 1001, RelationType: models.ReadRelation},
			{TaskID: loadID, TableID: 1002, RelationType: models.WriteRelation},
		}))
		require.NoError(t, f.store.ReplaceTaskRelations(adsID, []models.TaskTableRelation{
			{TaskID: adsID, TableID: 1002, RelationType: models.ReadRelation},
			{TaskID: adsID, TableID: 1003, RelationType: models.WriteRelation},
		}))
		require.NoError(t, f.store.ReplaceBindings(wfID, []models.WorkflowTaskBinding{{TaskID: loadID}, {TaskID: adsID}}))

		out, err := f.svc.Publish(ctx, wfID, service.PublishRequest{Operation: "deploy", ConfirmDiff: true})
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())

		require.Len(t, f.scheduler.definitions, 1)
		def := f.scheduler.definitions[0]
		byName := make(map[string]int64)
		for _, task := range def.Tasks {
			byName[task.TaskName] = task.TaskCode
		}
		require.Positive(t, byName["load"])
		require.Positive(t, byName["ads"])
		want := models.Edge{PreTaskCode: byName["load"], PostTaskCode: byName["ads"]}
		assert.Equal(t, []models.Edge{want}, def.Edges)

		stored, err := f.store.ListEdges(wfID)
		require.NoError(t, err)
		assert.Contains(t, stored, want)
	})

	t.Run("ScheduleFailureKeepsRuntimeCode", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		wfID := draftWorkflow(t, f, "0 0 2 * * ? *")
		f.scheduler.scheduleErr = &dolphin.APIError{Code: 10001, Message: "cron rejected"}

		_, err := f.svc.Publish(ctx, wfID, service.PublishRequest{Operation: "deploy", ConfirmDiff: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cron rejected")

		wf, err := f.svc.GetWorkflow(wfID)
		require.NoError(t, err)
		assert.Equal(t, int64(7002), wf.WorkflowCode)
		assert.Equal(t, models.PublishStatusFailed, wf.PublishStatus)
		require.Len(t, wf.Tasks, 1)
		assert.Equal(t, int64(7001), wf.Tasks[0].TaskCode)

		records, err := f.svc.ListPublishRecords(wfID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, models.RecordStatusFailed, records[0].Status)
		assert.Equal(t, int64(7002), records[0].EngineWorkflowCode)

		f.scheduler.scheduleErr = nil
		out, err := f.svc.Publish(ctx, wfID, service.PublishRequest{Operation: "deploy", ConfirmDiff: true})
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())
		assert.Equal(t, int64(7002), out.Value.WorkflowCode)
		require.Len(t, f.scheduler.definitions, 2)
		assert.Equal(t, int64(7002), f.scheduler.definitions[1].WorkflowCode)
		assert.Equal(t, 1, f.scheduler.generated, "no new task codes on retry")
	})

	t.Run("OnlineAndOffline", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)

		out, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "online"})
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())
		require.NotNil(t, out.Value.VersionID)

		out, err = f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "OFFLINE"})
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())
		assert.Equal(t, []string{"ONLINE", "OFFLINE"}, f.scheduler.releases)

		wf, err := f.svc.GetWorkflow(res.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, models.OfflineWorkflowStatus, wf.Status)

		versions, err := f.svc.ListVersions(ctx, res.WorkflowID)
		require.NoError(t, err)
		require.Len(t, versions, 2, "offline appends no version")
		assert.Equal(t, models.TriggerOnline, versions[0].TriggerSource)
	})

	t.Run("RequireApproval", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)

		out, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "online", RequireApproval: true})
		require.NoError(t, err)
		require.False(t, out.Blocked())
		assert.Equal(t, models.RecordStatusPending, out.Value.Status)
		assert.Empty(t, f.scheduler.releases)

		wf, err := f.svc.GetWorkflow(res.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, models.PublishStatusPending, wf.PublishStatus)
	})

	t.Run("ReleaseBlockedByPreviewFailure", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		f.scheduler.exportErr = &dolphin.APIError{Code: 10001, Message: "boom"}

		out, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "online"})
		require.NoError(t, err)
		require.True(t, out.Blocked())
		assert.True(t, out.Issues.Has(models.PublishPreviewFailed))
		assert.Empty(t, f.scheduler.releases)
		assert.Empty(t, f.scheduler.online)
	})

	t.Run("UnsupportedOperation", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		out, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "restart"})
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.PublishOperationUnsupported}, codes(out.Issues))
	})

	t.Run("NeverDeployed", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		wfID := draftWorkflow(t, f, "")
		out, err := f.svc.Publish(ctx, wfID, service.PublishRequest{Operation: "online"})
		require.NoError(t, err)
		assert.True(t, out.Issues.Has(models.PublishPreviewFailed))
		assert.Empty(t, f.scheduler.releases)
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		missing := int64(98765)
		out, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "online", VersionID: &missing})
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.VersionNotFound}, codes(out.Issues))
	})

	t.Run("RemoteFailure", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		f.scheduler.deployErr = &dolphin.APIError{Code: 10001, Message: "scheduler unavailable"}

		_, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "deploy"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler unavailable")

		records, err := f.svc.ListPublishRecords(res.WorkflowID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, models.RecordStatusFailed, records[0].Status)
	})

	t.Run("LocalInconsistency", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		res := f.sync(t)
		f.store.FailOn("UpdateWorkflow", errors.New("connection reset"))

		_, err := f.svc.Publish(ctx, res.WorkflowID, service.PublishRequest{Operation: "offline"})
		require.Error(t, err)
		var inconsistent *service.InconsistencyError
		require.True(t, errors.As(err, &inconsistent))
		assert.Equal(t, service.PublishLocalInconsistent, inconsistent.Code)
		assert.Equal(t, []string{"OFFLINE"}, f.scheduler.releases)

		records, err := f.svc.ListPublishRecords(res.WorkflowID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, models.RecordStatusInconsistent, records[0].Status)
	})
}
