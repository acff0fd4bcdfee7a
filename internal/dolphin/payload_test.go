package dolphin_test

import (
	"testing"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestTaskDefinitionJSON(t *testing.T) {
	out, err := dolphin.TaskDefinitionJSON([]models.RuntimeTask{
		{TaskCode: 1, TaskName: "clean", SQL: "SELECT 1\r\nFROM dual", DatasourceName: "doris", DatasourceType: "MYSQL", TimeoutSeconds: 60},
		{TaskCode: 2, TaskName: "agg", NodeType: "SQL", SQL: "insert into t select 1", DatasourceID: 3, TaskGroupID: 4, TaskPriority: "HIGH", TaskVersion: 5},
	}, "")
	require.NoError(t, err)

	tasks := gjson.Parse(out).Array()
	require.Len(t, tasks, 2)

	first := tasks[0]
	assert.Equal(t, "SQL", first.Get("taskType").String())
	assert.Equal(t, int64(1), first.Get("version").Int())
	assert.Equal(t, "MEDIUM", first.Get("taskPriority").String())
	assert.Equal(t, "default", first.Get("workerGroup").String())
	assert.Equal(t, "OPEN", first.Get("timeoutFlag").String())
	assert.False(t, first.Get("taskGroupId").Exists())
	assert.Equal(t, "doris", first.Get("taskParams.datasource").String())
	assert.Equal(t, "1", first.Get("taskParams.sqlType").String())
	assert.Equal(t, "SELECT 1\nFROM dual", first.Get("taskParams.sql").String())
	assert.True(t, first.Get("taskParams.localParams").IsArray())

	second := tasks[1]
	assert.Equal(t, int64(5), second.Get("version").Int())
	assert.Equal(t, "CLOSE", second.Get("timeoutFlag").String())
	assert.Equal(t, int64(4), second.Get("taskGroupId").Int())
	assert.Equal(t, int64(3), second.Get("taskParams.datasource").Int())
	assert.Equal(t, "0", second.Get("taskParams.sqlType").String())
}

func TestLocationJSON(t *testing.T) {
	tasks := []models.RuntimeTask{{TaskCode: 3}, {TaskCode: 1}, {TaskCode: 2}, {TaskCode: 4}}
	edges := []models.Edge{{PreTaskCode: 1, PostTaskCode: 2}, {PreTaskCode: 2, PostTaskCode: 3}, {PreTaskCode: 1, PostTaskCode: 3}}

	levels := dolphin.Levels(tasks, edges)
	assert.Equal(t, map[int64]int{1: 0, 2: 1, 3: 2, 4: 0}, levels)

	out, err := dolphin.LocationJSON(tasks, edges)
	require.NoError(t, err)
	locs := gjson.Parse(out).Array()
	require.Len(t, locs, 4)
	assert.Equal(t, int64(1), locs[0].Get("taskCode").Int())
	assert.Equal(t, int64(220), locs[0].Get("x").Int())
	assert.Equal(t, int64(140), locs[0].Get("y").Int())
	assert.Equal(t, int64(4), locs[1].Get("taskCode").Int())
	assert.Equal(t, int64(280), locs[1].Get("y").Int())
	assert.Equal(t, int64(580), locs[3].Get("x").Int())
}

func TestLevelsCycle(t *testing.T) {
	tasks := []models.RuntimeTask{{TaskCode: 1}, {TaskCode: 2}}
	levels := dolphin.Levels(tasks, []models.Edge{{PreTaskCode: 1, PostTaskCode: 2}, {PreTaskCode: 2, PostTaskCode: 1}})
	assert.Len(t, levels, 2)
}

func TestTaskRelationJSON(t *testing.T) {
	tasks := []models.RuntimeTask{{TaskCode: 1, TaskVersion: 2}, {TaskCode: 2}}
	out, err := dolphin.TaskRelationJSON(tasks, []models.Edge{{PreTaskCode: 1, PostTaskCode: 2}, {PreTaskCode: 1, PostTaskCode: 2}, {PreTaskCode: 0, PostTaskCode: 1}})
	require.NoError(t, err)
	rels := gjson.Parse(out).Array()
	require.Len(t, rels, 2)
	assert.Equal(t, int64(0), rels[0].Get("preTaskVersion").Int())
	assert.Equal(t, int64(2), rels[0].Get("postTaskVersion").Int())
	assert.Equal(t, int64(2), rels[1].Get("preTaskVersion").Int())
	assert.Equal(t, "NONE", rels[1].Get("conditionType").String())
}
