package dolphin

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/tidwall/sjson"
)

// Canvas geometry of the scheduler UI.
const (
	locationOriginX = 220
	locationOriginY = 140
	locationStepX   = 180
	locationStepY   = 140
)

// DefinitionForm encodes a definition request as the scheduler's form body.
func DefinitionForm(req DefinitionRequest) (url.Values, error) {
	tasks, err := TaskDefinitionJSON(req.Tasks, req.WorkerGroup)
	if err != nil {
		return nil, err
	}
	relations, err := TaskRelationJSON(req.Tasks, req.Edges)
	if err != nil {
		return nil, err
	}
	locations, err := LocationJSON(req.Tasks, req.Edges)
	if err != nil {
		return nil, err
	}
	executionType := req.ExecutionType
	if executionType == "" {
		executionType = "PARALLEL"
	}
	globalParams := req.GlobalParams
	if strings.TrimSpace(globalParams) == "" {
		globalParams = "[]"
	}
	form := url.Values{}
	form.Set("name", req.Name)
	form.Set("description", req.Description)
	form.Set("globalParams", globalParams)
	form.Set("tenantCode", req.TenantCode)
	form.Set("executionType", executionType)
	form.Set("taskDefinitionJson", tasks)
	form.Set("taskRelationJson", relations)
	form.Set("locations", locations)
	form.Set("timeout", "0")
	return form, nil
}

// TaskDefinitionJSON renders the task definition list.
func TaskDefinitionJSON(tasks []models.RuntimeTask, workerGroup string) (string, error) {
	items := make([]string, 0, len(tasks))
	for _, t := range tasks {
		item, err := taskDefinition(t, workerGroup)
		if err != nil {
			return "", fmt.Errorf("task %d: %w", t.TaskCode, err)
		}
		items = append(items, item)
	}
	return jsonArray(items), nil
}

func taskDefinition(t models.RuntimeTask, workerGroup string) (string, error) {
	nodeType := t.NodeType
	if nodeType == "" {
		nodeType = models.SQLNodeType
	}
	timeoutFlag := "CLOSE"
	if t.TimeoutSeconds > 0 {
		timeoutFlag = "OPEN"
	}
	priority := t.TaskPriority
	if priority == "" {
		priority = models.DefaultTaskPriority
	}
	if workerGroup == "" {
		workerGroup = "default"
	}
	fields := []struct {
		path  string
		value any
	}{
		{"code", t.TaskCode},
		{"name", t.TaskName},
		{"version", max(t.TaskVersion, 1)},
		{"description", t.Description},
		{"delayTime", 0},
		{"failRetryInterval", max(t.RetryInterval, 1)},
		{"failRetryTimes", max(t.RetryTimes, 0)},
		{"flag", "YES"},
		{"taskPriority", priority},
		{"workerGroup", workerGroup},
		{"environmentCode", -1},
		{"taskType", nodeType},
		{"timeout", t.TimeoutSeconds},
		{"timeoutFlag", timeoutFlag},
		{"timeoutNotifyStrategy", ""},
	}
	item := "{}"
	var err error
	for _, f := range fields {
		if item, err = sjson.Set(item, f.path, f.value); err != nil {
			return "", err
		}
	}
	if t.TaskGroupID > 0 {
		if item, err = sjson.Set(item, "taskGroupId", t.TaskGroupID); err != nil {
			return "", err
		}
	}
	params, err := taskParams(t)
	if err != nil {
		return "", err
	}
	return sjson.SetRaw(item, "taskParams", params)
}

func taskParams(t models.RuntimeTask) (string, error) {
	params := `{"localParams":[],"resourceList":[],"preStatements":[],"postStatements":[]}`
	sqlType := 0
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(t.SQL)), "SELECT") {
		sqlType = 1
	}
	var datasource any = t.DatasourceName
	if t.DatasourceID > 0 {
		datasource = t.DatasourceID
	}
	var err error
	for _, f := range []struct {
		path  string
		value any
	}{
		{"type", t.DatasourceType},
		{"datasource", datasource},
		{"datasourceName", t.DatasourceName},
		{"sql", strings.ReplaceAll(t.SQL, "\r\n", "\n")},
		{"sqlType", strconv.Itoa(sqlType)},
		{"displayRows", 10},
	} {
		if params, err = sjson.Set(params, f.path, f.value); err != nil {
			return "", err
		}
	}
	return params, nil
}

// withEntryEdges returns edges plus an entry edge for every task that has no
// upstream, in the scheduler's relation order.
func withEntryEdges(tasks []models.RuntimeTask, edges []models.Edge) []models.Edge {
	out := make([]models.Edge, 0, len(edges)+len(tasks))
	hasUpstream := make(map[int64]bool)
	for _, e := range edges {
		if !e.Valid() {
			continue
		}
		out = append(out, e)
		hasUpstream[e.PostTaskCode] = true
	}
	for _, t := range tasks {
		if !hasUpstream[t.TaskCode] {
			out = append(out, models.Edge{PreTaskCode: models.EntryTaskCode, PostTaskCode: t.TaskCode})
			hasUpstream[t.TaskCode] = true
		}
	}
	seen := make(map[models.Edge]struct{}, len(out))
	dedup := out[:0]
	for _, e := range out {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		dedup = append(dedup, e)
	}
	models.SortEdges(dedup)
	return dedup
}

// TaskRelationJSON renders the relation list, entry edges included.
func TaskRelationJSON(tasks []models.RuntimeTask, edges []models.Edge) (string, error) {
	versions := make(map[int64]int, len(tasks))
	for _, t := range tasks {
		versions[t.TaskCode] = max(t.TaskVersion, 1)
	}
	var items []string
	for _, e := range withEntryEdges(tasks, edges) {
		rel := "{}"
		var err error
		for _, f := range []struct {
			path  string
			value any
		}{
			{"name", ""},
			{"preTaskCode", e.PreTaskCode},
			{"preTaskVersion", versions[e.PreTaskCode]},
			{"postTaskCode", e.PostTaskCode},
			{"postTaskVersion", versions[e.PostTaskCode]},
			{"conditionType", "NONE"},
			{"conditionParams", "{}"},
		} {
			if rel, err = sjson.Set(rel, f.path, f.value); err != nil {
				return "", err
			}
		}
		items = append(items, rel)
	}
	return jsonArray(items), nil
}

// LocationJSON lays tasks out by DAG level (x) and position within the level (y).
func LocationJSON(tasks []models.RuntimeTask, edges []models.Edge) (string, error) {
	levels := Levels(tasks, edges)
	lanes := make(map[int]int)
	ordered := append([]models.RuntimeTask(nil), tasks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if levels[ordered[i].TaskCode] != levels[ordered[j].TaskCode] {
			return levels[ordered[i].TaskCode] < levels[ordered[j].TaskCode]
		}
		return ordered[i].TaskCode < ordered[j].TaskCode
	})
	items := make([]string, 0, len(ordered))
	for _, t := range ordered {
		level := levels[t.TaskCode]
		lane := lanes[level]
		lanes[level]++
		items = append(items, fmt.Sprintf(`{"taskCode":%d,"x":%d,"y":%d}`, t.TaskCode, locationOriginX+level*locationStepX, locationOriginY+lane*locationStepY))
	}
	return jsonArray(items), nil
}

func jsonArray(items []string) string {
	return "[" + strings.Join(items, ",") + "]"
}

// Levels assigns each task its longest distance from an entry task. Tasks on
// a cycle keep the level they had when the cycle was detected.
func Levels(tasks []models.RuntimeTask, edges []models.Edge) map[int64]int {
	upstream := make(map[int64][]int64)
	for _, e := range edges {
		if e.Valid() && !e.IsEntry() {
			upstream[e.PostTaskCode] = append(upstream[e.PostTaskCode], e.PreTaskCode)
		}
	}
	levels := make(map[int64]int, len(tasks))
	visiting := make(map[int64]bool)
	var level func(code int64) int
	level = func(code int64) int {
		if l, ok := levels[code]; ok {
			return l
		}
		if visiting[code] {
			return 0
		}
		visiting[code] = true
		l := 0
		for _, pre := range upstream[code] {
			l = max(l, level(pre)+1)
		}
		visiting[code] = false
		levels[code] = l
		return l
	}
	for _, t := range tasks {
		level(t.TaskCode)
	}
	return levels
}

// scheduleJSON renders the timer body the scheduler expects in the
// "schedule" form field.
func scheduleJSON(s models.RuntimeSchedule) (string, error) {
	if strings.TrimSpace(s.Crontab) == "" {
		return "", fmt.Errorf("schedule crontab is empty")
	}
	timezone := s.TimezoneID
	if timezone == "" {
		timezone = "Asia/Shanghai"
	}
	body := "{}"
	var err error
	for _, f := range []struct {
		path  string
		value string
	}{
		{"startTime", s.StartTime},
		{"endTime", s.EndTime},
		{"crontab", s.Crontab},
		{"timezoneId", timezone},
	} {
		if body, err = sjson.Set(body, f.path, f.value); err != nil {
			return "", err
		}
	}
	return body, nil
}
