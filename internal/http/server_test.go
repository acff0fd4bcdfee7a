package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	internal_http "github.com/MingkeVan/opendataworks-sub002/internal/http"
	"github.com/MingkeVan/opendataworks-sub002/internal/log"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/service"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	projectCode  int64 = 11
	workflowCode int64 = 500
)

// scheduler serves one export and accepts every write.
type scheduler struct {
	export  []byte
	failing bool
}

func (s *scheduler) ResolveProjectCode(ctx context.Context, name string) (int64, error) {
	return projectCode, nil
}

func (s *scheduler) GenerateTaskCodes(ctx context.Context, project int64, n int) ([]int64, error) {
	codes := make([]int64, n)
	for i := range codes {
		codes[i] = int64(8000 + i)
	}
	return codes, nil
}

func (s *scheduler) CreateOrUpdateDefinition(ctx context.Context, req dolphin.DefinitionRequest) (int64, error) {
	if s.failing {
		return 0, &dolphin.APIError{Code: 10001, Message: "scheduler unavailable"}
	}
	return workflowCode, nil
}

func (s *scheduler) Release(ctx context.Context, project, code int64, state string) error {
	return nil
}

func (s *scheduler) ExportDefinitionByCode(ctx context.Context, project, code int64) ([]byte, error) {
	if code != workflowCode {
		return nil, &dolphin.APIError{Code: 50003, Message: "process definition does not exist"}
	}
	return s.export, nil
}

func (s *scheduler) GetDefinitionByCode(ctx context.Context, project, code int64) ([]byte, error) {
	return s.ExportDefinitionByCode(ctx, project, code)
}

func (s *scheduler) GetSchedule(ctx context.Context, project, code int64) (*models.RuntimeSchedule, error) {
	return nil, nil
}

func (s *scheduler) CreateSchedule(ctx context.Context, req dolphin.ScheduleRequest) (int64, error) {
	return 1, nil
}

func (s *scheduler) UpdateSchedule(ctx context.Context, req dolphin.ScheduleRequest) error {
	return nil
}

func (s *scheduler) OnlineSchedule(ctx context.Context, project, id int64) error  { return nil }
func (s *scheduler) OfflineSchedule(ctx context.Context, project, id int64) error { return nil }

func (s *scheduler) ListInstances(ctx context.Context, project int64, q dolphin.InstanceQuery) []dolphin.ProcessInstance {
	return []dolphin.ProcessInstance{{ID: 3, ProcessDefinitionCode: q.WorkflowCode, State: "SUCCESS"}}
}

func (s *scheduler) GetInstance(ctx context.Context, project, id int64) (dolphin.ProcessInstance, error) {
	return dolphin.ProcessInstance{ID: id, State: "RUNNING_EXECUTION"}, nil
}

func (s *scheduler) ListDatasources(ctx context.Context) []dolphin.Datasource {
	return []dolphin.Datasource{{ID: 9, Name: "warehouse", Type: "MYSQL"}}
}

func (s *scheduler) ListTaskGroups(ctx context.Context) []dolphin.TaskGroup     { return nil }
func (s *scheduler) ListWorkerGroups(ctx context.Context) []string               { return []string{"default"} }
func (s *scheduler) ListTenants(ctx context.Context) []dolphin.Tenant           { return nil }
func (s *scheduler) ListEnvironments(ctx context.Context) []dolphin.Environment { return nil }

func sqlTask(code int64, name, sql string) string {
	return fmt.Sprintf(`{"code": %d, "name": %q, "taskType": "SQL", "taskParams": {"sql": %q, "datasource": 9, "type": "MYSQL"}}`, code, name, sql)
}

func export(tasks []string, relations ...[2]int64) []byte {
	rels := make([]string, 0, len(relations))
	for _, r := range relations {
		rels = append(rels, fmt.Sprintf(`{"preTaskCode": %d, "postTaskCode": %d}`, r[0], r[1]))
	}
	return []byte(fmt.Sprintf(`{
  "processDefinition": {"code": %d, "projectCode": %d, "name": "dwd_daily", "releaseState": "ONLINE"},
  "taskDefinitionList": [%s],
  "processTaskRelationList": [%s]
}`, workflowCode, projectCode, strings.Join(tasks, ","), strings.Join(rels, ",")))
}

var pipeline = export([]string{
	sqlTask(101, "load_dwd", "INSERT INTO dwd.orders SELECT * FROM ods.orders"),
	sqlTask(102, "build_ads", "INSERT INTO ads.orders_daily SELECT * FROM dwd.orders"),
}, [2]int64{0, 101}, [2]int64{101, 102})

type env struct {
	srv       *httptest.Server
	store     *storage.MockStore
	scheduler *scheduler
}

func newEnv(t *testing.T) env {
	t.Helper()
	store := storage.NewMockStore()
	for _, table := range []models.CatalogTable{
		{TableID: 1001, ClusterID: 1, DBName: "ods", TableName: "orders", Status: "active"},
		{TableID: 1002, ClusterID: 1, DBName: "dwd", TableName: "orders", Status: "active"},
		{TableID: 1003, ClusterID: 1, DBName: "ads", TableName: "orders_daily", Status: "active"},
	} {
		_, err := store.SaveCatalogTable(table)
		require.NoError(t, err)
	}
	sched := &scheduler{export: pipeline}
	svc := service.NewWorkflowService(context.Background(), store, sched, log.GetLogger(), service.Options{
		IngestMode: service.IngestExportOnly,
		TenantCode: "etl",
		Workers:    2,
	})
	srv := httptest.NewServer(internal_http.NewServer(svc))
	t.Cleanup(srv.Close)
	return env{srv: srv, store: store, scheduler: sched}
}

func (e env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internal_http.OperatorHeader, "alice")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func issueCodes(t *testing.T, out map[string]any) []string {
	t.Helper()
	list, ok := out["issues"].([]any)
	require.True(t, ok, "issues missing in %v", out)
	codes := make([]string, 0, len(list))
	for _, i := range list {
		codes = append(codes, i.(map[string]any)["code"].(string))
	}
	return codes
}

func syncBody() map[string]any {
	return map[string]any{"project_code": projectCode, "workflow_code": workflowCode}
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		e := newEnv(t)
		resp, err := e.srv.Client().Get(e.srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "wfsync server is running", string(body))
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	})

	t.Run("AnalyzeSQL", func(t *testing.T) {
		e := newEnv(t)
		resp, out := e.do(t, http.MethodPost, "/api/v1/sql/analyze", map[string]any{
			"sql": "INSERT INTO dwd.orders SELECT * FROM ods.orders",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{string(models.SQLRiskyStatement)}, issueCodes(t, out))
		value := out["value"].(map[string]any)
		assert.Len(t, value["input_refs"], 1)
		assert.Len(t, value["output_refs"], 1)

		resp, _ = e.do(t, http.MethodPost, "/api/v1/sql/analyze", map[string]any{"sql": "  "})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("SyncThenPublish", func(t *testing.T) {
		e := newEnv(t)
		resp, out := e.do(t, http.MethodPost, "/api/v1/runtime-sync/preview", syncBody())
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		assert.Equal(t, true, out["value"].(map[string]any)["can_sync"])

		resp, out = e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", syncBody())
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		id := int64(out["value"].(map[string]any)["workflow_id"].(float64))

		resp, out = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d/publish/preview", id), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		assert.Equal(t, false, out["value"].(map[string]any)["diff"].(map[string]any)["changed"])

		resp, out = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/publish", id), map[string]any{"operation": "deploy"})
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		assert.Equal(t, "success", out["value"].(map[string]any)["status"])

		records, err := e.store.ListPublishRecords(id)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "alice", records[0].Operator)
	})

	t.Run("ConfirmationIsConflict", func(t *testing.T) {
		e := newEnv(t)
		e.scheduler.export = export([]string{
			sqlTask(101, "load_dwd", "INSERT INTO dwd.orders SELECT * FROM ods.orders"),
			sqlTask(102, "build_ads", "INSERT INTO ads.orders_daily SELECT * FROM dwd.orders"),
			sqlTask(103, "report", "INSERT INTO ads.orders_daily SELECT * FROM ods.orders"),
		}, [2]int64{0, 101}, [2]int64{101, 102}, [2]int64{102, 103})

		resp, out := e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", syncBody())
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, issueCodes(t, out), string(models.EdgeMismatchConfirmRequired))

		body := syncBody()
		body["confirm_edge_mismatch"] = true
		resp, out = e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode, out)
	})

	t.Run("FatalIsUnprocessable", func(t *testing.T) {
		e := newEnv(t)
		resp, out := e.do(t, http.MethodPost, "/api/v1/runtime-sync/preview", map[string]any{"project_code": projectCode, "workflow_code": 0})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, []string{string(models.RuntimeWorkflowNotFound)}, issueCodes(t, out))
	})

	t.Run("RemoteFailureIsBadGateway", func(t *testing.T) {
		e := newEnv(t)
		_, out := e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", syncBody())
		id := int64(out["value"].(map[string]any)["workflow_id"].(float64))

		e.scheduler.failing = true
		resp, out := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/publish", id), map[string]any{"operation": "deploy"})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "10001", out["code"])
		assert.Contains(t, out["message"], "scheduler unavailable")
	})

	t.Run("PublishApproval", func(t *testing.T) {
		e := newEnv(t)
		_, out := e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", syncBody())
		id := int64(out["value"].(map[string]any)["workflow_id"].(float64))

		held := func() int64 {
			resp, out := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/publish", id), map[string]any{"operation": "online", "require_approval": true})
			require.Equal(t, http.StatusOK, resp.StatusCode, out)
			assert.Equal(t, models.RecordStatusPending, out["value"].(map[string]any)["status"])
			return int64(out["value"].(map[string]any)["record_id"].(float64))
		}

		approved := held()
		resp, out := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/publish-records/%d/approve", id, approved), map[string]any{"comment": "ok"})
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		assert.Equal(t, models.RecordStatusSuccess, out["value"].(map[string]any)["status"])

		resp, out = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/publish-records/%d/approve", id, approved), nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, []string{string(models.PublishApprovalInvalid)}, issueCodes(t, out))

		rejected := held()
		resp, out = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/publish-records/%d/reject", id, rejected), map[string]any{"comment": "freeze"})
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		assert.Equal(t, models.RecordStatusRejected, out["value"].(map[string]any)["status"])

		resp, out = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/publish-records/9999/reject", id), nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, []string{string(models.PublishRecordNotFound)}, issueCodes(t, out))
	})

	t.Run("Versions", func(t *testing.T) {
		e := newEnv(t)
		_, out := e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", syncBody())
		first := out["value"].(map[string]any)
		id := int64(first["workflow_id"].(float64))
		v1 := int64(first["version_id"].(float64))

		e.scheduler.export = export([]string{
			sqlTask(101, "load_dwd", "INSERT INTO dwd.orders SELECT id FROM ods.orders"),
			sqlTask(102, "build_ads", "INSERT INTO ads.orders_daily SELECT * FROM dwd.orders"),
		}, [2]int64{0, 101}, [2]int64{101, 102})
		_, out = e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", syncBody())
		v2 := int64(out["value"].(map[string]any)["version_id"].(float64))

		resp, err := e.srv.Client().Get(fmt.Sprintf("%s/api/v1/workflows/%d/versions", e.srv.URL, id))
		require.NoError(t, err)
		var versions []models.Version
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&versions))
		resp.Body.Close()
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].VersionNo)

		resp, out = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d/versions/compare?left=%d&right=%d", id, v2, v1), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		assert.Contains(t, out["value"].(map[string]any)["unified_diff"], "+++ v2")

		resp, out = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d/versions/compare?left=%d&right=%d", id, v1, v1), nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, []string{string(models.VersionCompareInvalid)}, issueCodes(t, out))

		resp, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d/versions/compare", id), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, out = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/versions/%d/rollback", id, v1), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, out)
		assert.Equal(t, float64(3), out["value"].(map[string]any)["version_no"])
	})

	t.Run("LineageAndRuntime", func(t *testing.T) {
		e := newEnv(t)
		_, out := e.do(t, http.MethodPost, "/api/v1/runtime-sync/execute", syncBody())
		id := int64(out["value"].(map[string]any)["workflow_id"].(float64))

		resp, out := e.do(t, http.MethodGet, "/api/v1/lineage?center=1003&depth=1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, out["nodes"], 2)
		assert.Len(t, out["edges"], 1)

		resp, _ = e.do(t, http.MethodGet, "/api/v1/lineage?depth=abc", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, out = e.do(t, http.MethodGet, "/api/v1/runtime/options", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, out["datasources"], 1)

		resp, out = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d/instances/77", id), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(77), out["id"])
	})

	t.Run("NotFound", func(t *testing.T) {
		e := newEnv(t)
		resp, _ := e.do(t, http.MethodGet, "/api/v1/workflows/999", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, _ = e.do(t, http.MethodGet, "/api/v1/workflows/abc", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, out := e.do(t, http.MethodGet, "/api/v1/workflows/999/publish/preview", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, []string{string(models.WorkflowNotFound)}, issueCodes(t, out))
	})
}
