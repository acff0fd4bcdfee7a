package service_test

import (
	"context"
	"testing"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoVersions syncs the pipeline, then syncs it again after the runtime SQL
// of load_dwd changed.
func twoVersions(t *testing.T) (fixture, service.SyncResult, service.SyncResult) {
	t.Helper()
	f := newFixture(t, service.IngestExportOnly)
	first := f.sync(t)
	f.scheduler.exports[testWorkflow] = exportOf([]string{
		sqlTask(101, "load_dwd", "INSERT INTO dwd.orders SELECT id, amount FROM ods.orders"),
		sqlTask(102, "build_ads", buildADS),
	}, [2]int64{0, 101}, [2]int64{101, 102})
	second := f.sync(t)
	require.True(t, second.Diff.Changed)
	return f, first, second
}

func TestCompareVersions(t *testing.T) {
	ctx := context.Background()

	t.Run("OlderOnTheLeft", func(t *testing.T) {
		f, first, second := twoVersions(t)
		for _, pair := range [][2]int64{{first.VersionID, second.VersionID}, {second.VersionID, first.VersionID}} {
			left := pair[0]
			out, err := f.svc.CompareVersions(ctx, first.WorkflowID, &left, pair[1])
			require.NoError(t, err)
			require.False(t, out.Blocked(), out.Issues.String())

			cmp := out.Value
			require.NotNil(t, cmp.Left)
			assert.Equal(t, 1, cmp.Left.VersionNo)
			assert.Equal(t, 2, cmp.Right.VersionNo)
			require.Len(t, cmp.Diff.Modified.Tasks, 1)
			assert.Equal(t, "sql", cmp.Diff.Modified.Tasks[0].FieldChanges[0].Field)
			assert.Contains(t, cmp.UnifiedDiff, "--- v1")
			assert.Contains(t, cmp.UnifiedDiff, "+++ v2")
			assert.Contains(t, cmp.UnifiedDiff, "+    \"sql\": \"INSERT INTO dwd.orders SELECT id, amount FROM ods.orders\"")
		}
	})

	t.Run("EmptyBaseline", func(t *testing.T) {
		f, first, _ := twoVersions(t)
		out, err := f.svc.CompareVersions(ctx, first.WorkflowID, nil, first.VersionID)
		require.NoError(t, err)
		require.False(t, out.Blocked())
		assert.Nil(t, out.Value.Left)
		assert.Len(t, out.Value.Diff.Added.Tasks, 2)
		assert.Contains(t, out.Value.UnifiedDiff, "--- empty")
	})

	t.Run("SameVersion", func(t *testing.T) {
		f, first, _ := twoVersions(t)
		left := first.VersionID
		out, err := f.svc.CompareVersions(ctx, first.WorkflowID, &left, first.VersionID)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.VersionCompareInvalid}, codes(out.Issues))
	})

	t.Run("ForeignVersion", func(t *testing.T) {
		f, first, _ := twoVersions(t)
		otherID, err := f.store.SaveWorkflow(models.Workflow{Name: "other"})
		require.NoError(t, err)
		out, err := f.svc.CompareVersions(ctx, otherID, nil, first.VersionID)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.VersionNotFound}, codes(out.Issues))
	})

	t.Run("LegacySnapshot", func(t *testing.T) {
		f, first, _ := twoVersions(t)
		legacy, err := f.svc.CreateVersion(ctx, first.WorkflowID, `{"tasks": []}`, models.TriggerManual, "imported", "")
		require.NoError(t, err)
		assert.Equal(t, 1, legacy.SchemaVersion)
		assert.Equal(t, 3, legacy.VersionNo)
		assert.Equal(t, service.DefaultOperator, legacy.CreatedBy)

		left := first.VersionID
		out, err := f.svc.CompareVersions(ctx, first.WorkflowID, &left, legacy.ID)
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.VersionSnapshotUnsupported}, codes(out.Issues))
	})
}

func TestRollbackVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("RestoresDesign", func(t *testing.T) {
		f, first, _ := twoVersions(t)

		out, err := f.svc.RollbackVersion(ctx, first.WorkflowID, first.VersionID, "carol")
		require.NoError(t, err)
		require.False(t, out.Blocked(), out.Issues.String())
		assert.Equal(t, 3, out.Value.VersionNo)
		assert.Equal(t, first.VersionID, out.Value.RollbackFromVersionID)

		tasks, err := f.store.FindTasksByCode(101)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, loadDWD, tasks[0].SQL)
		assert.Equal(t, "alice", tasks[0].Owner)

		wf, err := f.svc.GetWorkflow(first.WorkflowID)
		require.NoError(t, err)
		require.NotNil(t, wf.CurrentVersionID)
		assert.Equal(t, out.Value.VersionID, *wf.CurrentVersionID)
		assert.Equal(t, []models.Edge{{PreTaskCode: 101, PostTaskCode: 102}}, wf.Edges)

		versions, err := f.svc.ListVersions(ctx, first.WorkflowID)
		require.NoError(t, err)
		require.Len(t, versions, 3)
		latest := versions[0]
		assert.Equal(t, models.TriggerVersionRollback, latest.TriggerSource)
		require.NotNil(t, latest.RollbackFromVersionID)
		assert.Equal(t, first.VersionID, *latest.RollbackFromVersionID)
		assert.Equal(t, "carol", latest.CreatedBy)

		cmp, err := f.svc.CompareVersions(ctx, first.WorkflowID, &first.VersionID, latest.ID)
		require.NoError(t, err)
		assert.False(t, cmp.Value.Diff.Changed)
	})

	t.Run("LegacySnapshot", func(t *testing.T) {
		f, first, _ := twoVersions(t)
		legacy, err := f.svc.CreateVersion(ctx, first.WorkflowID, `{"tasks": []}`, models.TriggerManual, "imported", "dave")
		require.NoError(t, err)
		out, err := f.svc.RollbackVersion(ctx, first.WorkflowID, legacy.ID, "dave")
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.VersionSnapshotUnsupported}, codes(out.Issues))
	})

	t.Run("MissingWorkflow", func(t *testing.T) {
		f := newFixture(t, service.IngestExportOnly)
		out, err := f.svc.RollbackVersion(ctx, 31337, 1, "")
		require.NoError(t, err)
		assert.Equal(t, []models.IssueCode{models.WorkflowNotFound}, codes(out.Issues))
	})
}
