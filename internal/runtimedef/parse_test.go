package runtimedef_test

import (
	"testing"

	"github.com/MingkeVan/opendataworks-sub002/internal/runtimedef"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workflowDefinitionExport = `[{
  "workflowDefinition": {
    "code": 9001, "projectCode": 11, "name": "dwd_daily", "description": "daily build",
    "releaseState": "ONLINE", "globalParams": [{"prop":"dt","value":"${date}"}]
  },
  "schedule": {"id": 31, "crontab": "0 0 2 * * ? *", "timezoneId": "Asia/Shanghai",
    "startTime": "2024-01-01 00:00:00", "endTime": "2099-01-01 00:00:00",
    "workerGroup": "default", "tenantCode": "etl", "warningGroupId": 2},
  "taskDefinitionList": [
    {"code": 101, "version": 3, "name": "load_ods", "taskType": "SQL", "taskPriority": "high",
     "failRetryTimes": 2, "failRetryInterval": 5, "timeout": 60, "taskGroupId": 4,
     "taskParams": {"sql": "INSERT INTO dwd.t SELECT * FROM ods.t", "datasource": 7, "type": "MYSQL"}},
    {"code": "102", "name": "notify", "taskType": "SHELL", "taskPriority": 8,
     "taskParams": "{\"rawScript\": \"echo done\"}"}
  ],
  "workflowTaskRelationList": [
    {"preTaskCode": 0, "postTaskCode": 101},
    {"preTaskCode": 101, "postTaskCode": 102},
    {"preTaskCode": -1, "postTaskCode": 102},
    {"preTaskCode": 101, "postTaskCode": 0}
  ]
}]`

const processDefinitionExport = `{
  "processDefinition": {"code": 77, "name": "legacy_flow", "releaseState": "OFFLINE"},
  "processTaskRelationList": [{"preTask": 0, "postTask": 5}, {"preTask": 5, "postTask": 6}],
  "taskDefinitionList": "[{\"taskCode\": 5, \"taskName\": \"a\", \"nodeType\": \"SQL\", \"priority\": \"1\", \"sql\": \"SELECT 1\"}, {\"taskCode\": 6, \"taskName\": \"b\", \"nodeType\": \"SQL\"}]"
}`

const embeddedDefinitionExport = `{
  "processDefinitionJson": "{\"code\": 55, \"name\": \"embedded\", \"taskDefinitionJson\": \"[{\\\"code\\\": 1, \\\"name\\\": \\\"x\\\", \\\"taskType\\\": \\\"SQL\\\", \\\"taskParams\\\": {\\\"sql\\\": \\\"SELECT 2\\\"}}]\", \"taskRelationJson\": \"[{\\\"preTaskCode\\\": 0, \\\"postTaskCode\\\": 1}]\"}"
}`

func TestParse(t *testing.T) {
	t.Run("WorkflowDefinitionShape", func(t *testing.T) {
		def, err := runtimedef.Parse([]byte(workflowDefinitionExport))
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowDefinitionVariant, def.Variant)
		assert.Equal(t, int64(9001), def.WorkflowCode)
		assert.Equal(t, int64(11), def.ProjectCode)
		assert.Equal(t, "dwd_daily", def.WorkflowName)
		assert.Equal(t, "ONLINE", def.ReleaseState)
		assert.JSONEq(t, `[{"prop":"dt","value":"${date}"}]`, def.GlobalParams)

		require.NotNil(t, def.Schedule)
		assert.True(t, def.HasSchedule())
		assert.Equal(t, "0 0 2 * * ? *", def.Schedule.Crontab)
		assert.Equal(t, "ONLINE", def.Schedule.ReleaseState)
		assert.Equal(t, int64(2), def.Schedule.WarningGroupID)

		require.Len(t, def.Tasks, 2)
		sqlTask := def.Tasks[0]
		assert.Equal(t, int64(101), sqlTask.TaskCode)
		assert.Equal(t, 3, sqlTask.TaskVersion)
		assert.Equal(t, "HIGH", sqlTask.TaskPriority)
		assert.Equal(t, 2, sqlTask.RetryTimes)
		assert.Equal(t, 5, sqlTask.RetryInterval)
		assert.Equal(t, 60, sqlTask.TimeoutSeconds)
		assert.Equal(t, int64(4), sqlTask.TaskGroupID)
		assert.Equal(t, int64(7), sqlTask.DatasourceID)
		assert.Equal(t, "MYSQL", sqlTask.DatasourceType)
		assert.Equal(t, "INSERT INTO dwd.t SELECT * FROM ods.t", sqlTask.SQL)

		shell := def.Tasks[1]
		assert.Equal(t, int64(102), shell.TaskCode)
		assert.Equal(t, "HIGH", shell.TaskPriority)
		assert.Empty(t, shell.SQL)

		assert.Equal(t, []models.Edge{
			{PreTaskCode: 0, PostTaskCode: 101},
			{PreTaskCode: 101, PostTaskCode: 102},
		}, def.ExplicitEdges)
	})

	t.Run("ProcessDefinitionShape", func(t *testing.T) {
		def, err := runtimedef.Parse([]byte(processDefinitionExport))
		require.NoError(t, err)
		assert.Equal(t, models.ProcessDefinitionVariant, def.Variant)
		assert.Equal(t, int64(77), def.WorkflowCode)
		assert.Nil(t, def.Schedule)
		assert.False(t, def.HasSchedule())
		require.Len(t, def.Tasks, 2)
		assert.Equal(t, "HIGH", def.Tasks[0].TaskPriority)
		assert.Equal(t, "SELECT 1", def.Tasks[0].SQL)
		assert.Len(t, def.ExplicitEdges, 2)
	})

	t.Run("EmbeddedJSONStrings", func(t *testing.T) {
		def, err := runtimedef.Parse([]byte(embeddedDefinitionExport))
		require.NoError(t, err)
		assert.Equal(t, int64(55), def.WorkflowCode)
		require.Len(t, def.Tasks, 1)
		assert.Equal(t, "SELECT 2", def.Tasks[0].SQL)
		assert.Equal(t, []models.Edge{{PreTaskCode: 0, PostTaskCode: 1}}, def.ExplicitEdges)
	})

	t.Run("Empty", func(t *testing.T) {
		for _, payload := range []string{"", "   ", "{}", "[]", "not json", "null"} {
			_, err := runtimedef.Parse([]byte(payload))
			assert.ErrorIs(t, err, runtimedef.ErrEmptyDefinition, payload)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := runtimedef.Parse([]byte(`{"foo": 1}`))
		assert.ErrorIs(t, err, runtimedef.ErrUnsupportedFormat)
	})
}

func TestParseLegacy(t *testing.T) {
	t.Run("EmbeddedStrings", func(t *testing.T) {
		def, err := runtimedef.ParseLegacy([]byte(embeddedDefinitionExport))
		require.NoError(t, err)
		assert.Equal(t, models.LegacyVariant, def.Variant)
		assert.Equal(t, int64(55), def.WorkflowCode)
		require.Len(t, def.Tasks, 1)
		assert.Equal(t, "SELECT 2", def.Tasks[0].SQL)
		assert.Equal(t, []models.Edge{{PreTaskCode: 0, PostTaskCode: 1}}, def.ExplicitEdges)
	})

	t.Run("AgreesWithParseOnLegacyNames", func(t *testing.T) {
		payload := []byte(`{
		  "processDefinition": {"code": 3, "name": "wf"},
		  "taskDefinitionList": [{"code": 1, "name": "a", "taskType": "SQL", "taskPriority": "2",
		    "taskParams": {"sql": "SELECT 1", "datasource": 9, "type": "MYSQL"}}],
		  "processTaskRelationList": [{"preTaskCode": 0, "postTaskCode": 1}]
		}`)
		primary, err := runtimedef.Parse(payload)
		require.NoError(t, err)
		shadow, err := runtimedef.ParseLegacy(payload)
		require.NoError(t, err)
		assert.Equal(t, primary.Tasks, shadow.Tasks)
		assert.Equal(t, primary.ExplicitEdges, shadow.ExplicitEdges)
		assert.Equal(t, primary.WorkflowName, shadow.WorkflowName)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := runtimedef.ParseLegacy([]byte(`{"other": true}`))
		assert.ErrorIs(t, err, runtimedef.ErrEmptyDefinition)
	})
}

func TestNormalizePriority(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"medium":  "MEDIUM",
		" LOWEST": "LOWEST",
		"0":       "HIGHEST",
		"3":       "LOW",
		"4":       "LOWEST",
		"6":       "MEDIUM",
		"7":       "HIGH",
		"10":      "HIGHEST",
		"-2":      "LOWEST",
		"urgent":  "urgent",
	}
	for in, want := range cases {
		assert.Equal(t, want, models.NormalizePriority(in), in)
	}
}
