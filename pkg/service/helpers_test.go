package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/service"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/stretchr/testify/require"
)

const (
	testProject  int64 = 11
	testWorkflow int64 = 500
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// fakeScheduler serves canned definitions and records every write.
type fakeScheduler struct {
	mu          sync.Mutex
	exports     map[int64][]byte
	legacy      map[int64][]byte
	exportErr   error
	datasources []dolphin.Datasource
	schedule    *models.RuntimeSchedule
	nextCode    int64
	deployErr   error
	scheduleErr error

	definitions []dolphin.DefinitionRequest
	schedules   []dolphin.ScheduleRequest
	releases    []string
	online      []int64
	offline     []int64
	generated   int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		exports:     make(map[int64][]byte),
		legacy:      make(map[int64][]byte),
		datasources: []dolphin.Datasource{{ID: 9, Name: "warehouse", Type: "MYSQL"}},
		nextCode:    7000,
	}
}

func notExist(code int64) error {
	return &dolphin.APIError{Code: 50003, Message: fmt.Sprintf("process definition %d does not exist", code)}
}

func (f *fakeScheduler) ResolveProjectCode(ctx context.Context, name string) (int64, error) {
	return testProject, nil
}

func (f *fakeScheduler) GenerateTaskCodes(ctx context.Context, projectCode int64, n int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := make([]int64, n)
	for i := range codes {
		f.nextCode++
		codes[i] = f.nextCode
	}
	f.generated += n
	return codes, nil
}

func (f *fakeScheduler) CreateOrUpdateDefinition(ctx context.Context, req dolphin.DefinitionRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return 0, f.deployErr
	}
	f.definitions = append(f.definitions, req)
	if req.WorkflowCode > 0 {
		return req.WorkflowCode, nil
	}
	f.nextCode++
	return f.nextCode, nil
}

func (f *fakeScheduler) Release(ctx context.Context, projectCode, workflowCode int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, state)
	return nil
}

func (f *fakeScheduler) ExportDefinitionByCode(ctx context.Context, projectCode, workflowCode int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	raw, ok := f.exports[workflowCode]
	if !ok {
		return nil, notExist(workflowCode)
	}
	return raw, nil
}

func (f *fakeScheduler) GetDefinitionByCode(ctx context.Context, projectCode, workflowCode int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.legacy[workflowCode]
	if !ok {
		raw, ok = f.exports[workflowCode]
	}
	if !ok {
		return nil, notExist(workflowCode)
	}
	return raw, nil
}

func (f *fakeScheduler) GetSchedule(ctx context.Context, projectCode, workflowCode int64) (*models.RuntimeSchedule, error) {
	return f.schedule, nil
}

func (f *fakeScheduler) CreateSchedule(ctx context.Context, req dolphin.ScheduleRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = append(f.schedules, req)
	if f.scheduleErr != nil {
		return 0, f.scheduleErr
	}
	return 41, nil
}

func (f *fakeScheduler) UpdateSchedule(ctx context.Context, req dolphin.ScheduleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = append(f.schedules, req)
	return f.scheduleErr
}

func (f *fakeScheduler) OnlineSchedule(ctx context.Context, projectCode, scheduleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, scheduleID)
	return nil
}

func (f *fakeScheduler) OfflineSchedule(ctx context.Context, projectCode, scheduleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, scheduleID)
	return nil
}

func (f *fakeScheduler) ListInstances(ctx context.Context, projectCode int64, q dolphin.InstanceQuery) []dolphin.ProcessInstance {
	return []dolphin.ProcessInstance{{ID: 1, ProcessDefinitionCode: q.WorkflowCode, State: "SUCCESS"}}
}

func (f *fakeScheduler) GetInstance(ctx context.Context, projectCode, instanceID int64) (dolphin.ProcessInstance, error) {
	return dolphin.ProcessInstance{ID: instanceID, State: "SUCCESS"}, nil
}

func (f *fakeScheduler) ListDatasources(ctx context.Context) []dolphin.Datasource {
	return f.datasources
}

func (f *fakeScheduler) ListTaskGroups(ctx context.Context) []dolphin.TaskGroup {
	return []dolphin.TaskGroup{}
}

func (f *fakeScheduler) ListWorkerGroups(ctx context.Context) []string {
	return []string{"default"}
}

func (f *fakeScheduler) ListTenants(ctx context.Context) []dolphin.Tenant {
	return []dolphin.Tenant{}
}

func (f *fakeScheduler) ListEnvironments(ctx context.Context) []dolphin.Environment {
	return []dolphin.Environment{}
}

// sqlTask renders one SQL task of an export.
func sqlTask(code int64, name, sql string) string {
	return fmt.Sprintf(`{"code": %d, "name": %q, "taskType": "SQL", "taskParams": {"sql": %q, "datasource": 9, "type": "MYSQL"}}`, code, name, sql)
}

// exportOf renders an export of testWorkflow with the given tasks and
// pre->post relations.
func exportOf(tasks []string, relations ...[2]int64) []byte {
	rels := make([]string, 0, len(relations))
	for _, r := range relations {
		rels = append(rels, fmt.Sprintf(`{"preTaskCode": %d, "postTaskCode": %d}`, r[0], r[1]))
	}
	return []byte(fmt.Sprintf(`{
  "processDefinition": {"code": %d, "projectCode": %d, "name": "dwd_daily", "releaseState": "ONLINE"},
  "taskDefinitionList": [%s],
  "processTaskRelationList": [%s]
}`, testWorkflow, testProject, strings.Join(tasks, ","), strings.Join(rels, ",")))
}

const (
	loadDWD  = "INSERT INTO dwd.orders SELECT * FROM ods.orders"
	buildADS = "INSERT INTO ads.orders_daily SELECT * FROM dwd.orders"
)

// pipelineExport is load_dwd(101) -> build_ads(102).
func pipelineExport() []byte {
	return exportOf([]string{
		sqlTask(101, "load_dwd", loadDWD),
		sqlTask(102, "build_ads", buildADS),
	}, [2]int64{0, 101}, [2]int64{101, 102})
}

// seedCatalog registers ods.orders (1001), dwd.orders (1002) and
// ads.orders_daily (1003).
func seedCatalog(t *testing.T, store *storage.MockStore) {
	t.Helper()
	for _, table := range []models.CatalogTable{
		{TableID: 1001, ClusterID: 1, ClusterName: "main", DBName: "ods", TableName: "orders", Layer: "ODS", Status: "active"},
		{TableID: 1002, ClusterID: 1, ClusterName: "main", DBName: "dwd", TableName: "orders", Layer: "DWD", Status: "active"},
		{TableID: 1003, ClusterID: 1, ClusterName: "main", DBName: "ads", TableName: "orders_daily", Layer: "ADS", Status: "active"},
	} {
		_, err := store.SaveCatalogTable(table)
		require.NoError(t, err)
	}
}

func newService(t *testing.T, store storage.Store, scheduler service.Scheduler, mode string) *service.WorkflowService {
	t.Helper()
	svc := service.NewWorkflowService(context.Background(), store, scheduler, logger{}, service.Options{
		IngestMode:  mode,
		TenantCode:  "etl",
		WorkerGroup: "default",
		Workers:     2,
	})
	return svc
}

// fixture is a service over a seeded catalog and a scheduler serving the
// two-task pipeline.
type fixture struct {
	store     *storage.MockStore
	scheduler *fakeScheduler
	svc       *service.WorkflowService
}

func newFixture(t *testing.T, mode string) fixture {
	t.Helper()
	store := storage.NewMockStore()
	seedCatalog(t, store)
	scheduler := newFakeScheduler()
	scheduler.exports[testWorkflow] = pipelineExport()
	return fixture{store: store, scheduler: scheduler, svc: newService(t, store, scheduler, mode)}
}

func (f fixture) syncRequest() service.SyncRequest {
	return service.SyncRequest{ProjectCode: testProject, WorkflowCode: testWorkflow, Operator: "alice"}
}

// sync runs a sync that is expected to succeed.
func (f fixture) sync(t *testing.T) service.SyncResult {
	t.Helper()
	out, err := f.svc.ExecuteSync(context.Background(), f.syncRequest())
	require.NoError(t, err)
	require.False(t, out.Blocked(), out.Issues.String())
	return out.Value
}

func codes(issues models.Issues) []models.IssueCode {
	out := make([]models.IssueCode, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}
