package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/pkg/errors"
)

// mockData is the in-memory state shared by a MockStore and its transactions.
type mockData struct {
	workflows      []models.Workflow
	tasks          []models.Task
	bindings       map[int64][]models.WorkflowTaskBinding
	edges          map[int64][]models.Edge
	relations      map[int64][]models.TaskTableRelation
	lineage        map[int64][]models.LineageRecord
	catalog        []models.CatalogTable
	versions       []models.Version
	syncRecords    []models.SyncRecord
	publishRecords []models.PublishRecord
	nextID         int64
}

func newMockData() *mockData {
	return &mockData{
		bindings:  make(map[int64][]models.WorkflowTaskBinding),
		edges:     make(map[int64][]models.Edge),
		relations: make(map[int64][]models.TaskTableRelation),
		lineage:   make(map[int64][]models.LineageRecord),
	}
}

func (d *mockData) clone() *mockData {
	c := &mockData{
		workflows:      append([]models.Workflow(nil), d.workflows...),
		tasks:          append([]models.Task(nil), d.tasks...),
		bindings:       make(map[int64][]models.WorkflowTaskBinding, len(d.bindings)),
		edges:          make(map[int64][]models.Edge, len(d.edges)),
		relations:      make(map[int64][]models.TaskTableRelation, len(d.relations)),
		lineage:        make(map[int64][]models.LineageRecord, len(d.lineage)),
		catalog:        append([]models.CatalogTable(nil), d.catalog...),
		versions:       append([]models.Version(nil), d.versions...),
		syncRecords:    append([]models.SyncRecord(nil), d.syncRecords...),
		publishRecords: append([]models.PublishRecord(nil), d.publishRecords...),
		nextID:         d.nextID,
	}
	for k, v := range d.bindings {
		c.bindings[k] = append([]models.WorkflowTaskBinding(nil), v...)
	}
	for k, v := range d.edges {
		c.edges[k] = append([]models.Edge(nil), v...)
	}
	for k, v := range d.relations {
		c.relations[k] = append([]models.TaskTableRelation(nil), v...)
	}
	for k, v := range d.lineage {
		c.lineage[k] = append([]models.LineageRecord(nil), v...)
	}
	return c
}

// checkTaskCode mirrors the unique index on positive task codes.
func (d *mockData) checkTaskCode(t models.Task) error {
	if t.TaskCode <= 0 {
		return nil
	}
	for _, existing := range d.tasks {
		if existing.TaskCode == t.TaskCode && existing.ID != t.ID {
			return fmt.Errorf("task code %d already used by task %d", t.TaskCode, existing.ID)
		}
	}
	return nil
}

func (d *mockData) id() int64 {
	d.nextID++
	return d.nextID
}

// MockStore implements Store in memory. A transaction works on a copy of the
// parent's data and publishes it on Commit.
type MockStore struct {
	mu        *sync.Mutex
	data      *mockData
	parent    *MockStore
	committed bool
	failures  map[string]error
}

func NewMockStore() *MockStore {
	return &MockStore{mu: &sync.Mutex{}, data: newMockData(), failures: make(map[string]error)}
}

// FailOn makes every later call of the named method return err.
func (m *MockStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *MockStore) fail(method string) error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	return m.failures[method]
}

func (m *MockStore) Begin() (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Begin"]; err != nil {
		return nil, err
	}
	return &MockStore{mu: m.mu, data: m.data.clone(), parent: m, failures: m.failures}, nil
}

func (m *MockStore) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parent == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.committed {
		return errors.New("already committed")
	}
	if err := m.failures["Commit"]; err != nil {
		return err
	}
	m.committed = true
	m.parent.data = m.data
	return nil
}

func (m *MockStore) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parent == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	m.committed = true
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveWorkflow"); err != nil {
		return 0, err
	}
	w.ID = m.data.id()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	w.UpdatedAt = w.CreatedAt
	w.Tasks, w.Edges = nil, nil
	m.data.workflows = append(m.data.workflows, w)
	return w.ID, nil
}

func (m *MockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetWorkflow"); err != nil {
		return models.Workflow{}, err
	}
	for _, w := range m.data.workflows {
		if w.ID == id {
			return w, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *MockStore) FindWorkflowByCode(projectCode, workflowCode int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindWorkflowByCode"); err != nil {
		return models.Workflow{}, err
	}
	for _, w := range m.data.workflows {
		if w.WorkflowCode == workflowCode && (projectCode <= 0 || w.ProjectCode == projectCode) {
			return w, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *MockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Workflow{}, m.data.workflows...), nil
}

func (m *MockStore) UpdateWorkflow(w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateWorkflow"); err != nil {
		return err
	}
	for i, existing := range m.data.workflows {
		if existing.ID == w.ID {
			w.CreatedAt = existing.CreatedAt
			w.UpdatedAt = time.Now()
			w.Tasks, w.Edges = nil, nil
			m.data.workflows[i] = w
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) SaveTask(t models.Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveTask"); err != nil {
		return 0, err
	}
	if err := m.data.checkTaskCode(t); err != nil {
		return 0, err
	}
	t.ID = m.data.id()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	t.InputTableIDs, t.OutputTableIDs = nil, nil
	m.data.tasks = append(m.data.tasks, t)
	return t.ID, nil
}

func (m *MockStore) UpdateTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateTask"); err != nil {
		return err
	}
	if err := m.data.checkTaskCode(t); err != nil {
		return err
	}
	for i, existing := range m.data.tasks {
		if existing.ID == t.ID {
			t.CreatedAt = existing.CreatedAt
			t.UpdatedAt = time.Now()
			t.InputTableIDs, t.OutputTableIDs = nil, nil
			m.data.tasks[i] = t
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) GetTask(id int64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.data.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *MockStore) FindTasksByCode(taskCode int64) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindTasksByCode"); err != nil {
		return nil, err
	}
	out := []models.Task{}
	for _, t := range m.data.tasks {
		if t.TaskCode == taskCode {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStore) FindTaskByName(name string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.data.tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *MockStore) ListTasks() ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Task{}, m.data.tasks...), nil
}

func (m *MockStore) ReplaceBindings(workflowID int64, bindings []models.WorkflowTaskBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReplaceBindings"); err != nil {
		return err
	}
	out := make([]models.WorkflowTaskBinding, 0, len(bindings))
	for _, b := range bindings {
		b.WorkflowID = workflowID
		out = append(out, b)
	}
	m.data.bindings[workflowID] = out
	return nil
}

func (m *MockStore) ListBindings(workflowID int64) ([]models.WorkflowTaskBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.WorkflowTaskBinding{}, m.data.bindings[workflowID]...), nil
}

func (m *MockStore) ListBindingsForTask(taskID int64) ([]models.WorkflowTaskBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.WorkflowTaskBinding{}
	for _, bs := range m.data.bindings {
		for _, b := range bs {
			if b.TaskID == taskID {
				out = append(out, b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (m *MockStore) ListWorkflowTasks(workflowID int64) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListWorkflowTasks"); err != nil {
		return nil, err
	}
	out := []models.Task{}
	for _, b := range m.data.bindings[workflowID] {
		for _, t := range m.data.tasks {
			if t.ID == b.TaskID {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) ReplaceEdges(workflowID int64, edges []models.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReplaceEdges"); err != nil {
		return err
	}
	m.data.edges[workflowID] = models.NormalizeEdges(edges)
	return nil
}

func (m *MockStore) ListEdges(workflowID int64) ([]models.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Edge{}, m.data.edges[workflowID]...), nil
}

func (m *MockStore) ReplaceTaskRelations(taskID int64, relations []models.TaskTableRelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReplaceTaskRelations"); err != nil {
		return err
	}
	out := make([]models.TaskTableRelation, 0, len(relations))
	for _, r := range relations {
		r.TaskID = taskID
		out = append(out, r)
	}
	m.data.relations[taskID] = out
	return nil
}

func (m *MockStore) ListTaskRelations(taskID int64) ([]models.TaskTableRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TaskTableRelation{}, m.data.relations[taskID]...), nil
}

func (m *MockStore) ReplaceLineage(taskID int64, records []models.LineageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReplaceLineage"); err != nil {
		return err
	}
	out := make([]models.LineageRecord, 0, len(records))
	for _, r := range records {
		r.ID = m.data.id()
		r.TaskID = taskID
		out = append(out, r)
	}
	m.data.lineage[taskID] = out
	return nil
}

func (m *MockStore) ListLineage() ([]models.LineageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.LineageRecord{}
	for _, rs := range m.data.lineage {
		out = append(out, rs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) SaveCatalogTable(t models.CatalogTable) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.TableID <= 0 {
		t.TableID = m.data.id()
	}
	m.data.catalog = append(m.data.catalog, t)
	return t.TableID, nil
}

func (m *MockStore) FindCatalogTables(dbName, tableName string) ([]models.CatalogTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindCatalogTables"); err != nil {
		return nil, err
	}
	out := []models.CatalogTable{}
	for _, t := range m.data.catalog {
		if t.Deleted || !strings.EqualFold(t.TableName, tableName) {
			continue
		}
		if dbName != "" && !strings.EqualFold(t.DBName, dbName) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *MockStore) ListCatalogTables() ([]models.CatalogTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.CatalogTable{}
	for _, t := range m.data.catalog {
		if !t.Deleted {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStore) SaveVersion(v models.Version) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveVersion"); err != nil {
		return 0, err
	}
	for _, existing := range m.data.versions {
		if existing.WorkflowID == v.WorkflowID && existing.VersionNo == v.VersionNo {
			return 0, errors.Errorf("version %d already exists for workflow %d", v.VersionNo, v.WorkflowID)
		}
	}
	v.ID = m.data.id()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	m.data.versions = append(m.data.versions, v)
	return v.ID, nil
}

func (m *MockStore) GetVersion(id int64) (models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.data.versions {
		if v.ID == id {
			return v, nil
		}
	}
	return models.Version{}, ErrNotFound
}

func (m *MockStore) ListVersions(workflowID int64) ([]models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Version{}
	for _, v := range m.data.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNo > out[j].VersionNo })
	return out, nil
}

func (m *MockStore) MaxVersionNo(workflowID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxNo := 0
	for _, v := range m.data.versions {
		if v.WorkflowID == workflowID && v.VersionNo > maxNo {
			maxNo = v.VersionNo
		}
	}
	return maxNo, nil
}

func (m *MockStore) SaveSyncRecord(r models.SyncRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveSyncRecord"); err != nil {
		return 0, err
	}
	r.ID = m.data.id()
	r.CreatedAt = time.Now()
	m.data.syncRecords = append(m.data.syncRecords, r)
	return r.ID, nil
}

func (m *MockStore) LatestSyncRecord(projectCode, workflowCode int64) (models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.data.syncRecords) - 1; i >= 0; i-- {
		r := m.data.syncRecords[i]
		if r.Status == models.RecordStatusSuccess && r.ProjectCode == projectCode && r.WorkflowCode == workflowCode {
			return r, nil
		}
	}
	return models.SyncRecord{}, ErrNotFound
}

func (m *MockStore) ListSyncRecords(workflowID int64) ([]models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.SyncRecord{}
	for i := len(m.data.syncRecords) - 1; i >= 0; i-- {
		r := m.data.syncRecords[i]
		if r.WorkflowID != nil && *r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

// SyncRecords returns every sync record, oldest first.
func (m *MockStore) SyncRecords() []models.SyncRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SyncRecord{}, m.data.syncRecords...)
}

func (m *MockStore) SavePublishRecord(r models.PublishRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SavePublishRecord"); err != nil {
		return 0, err
	}
	r.ID = m.data.id()
	r.CreatedAt = time.Now()
	m.data.publishRecords = append(m.data.publishRecords, r)
	return r.ID, nil
}

func (m *MockStore) GetPublishRecord(id int64) (models.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.data.publishRecords {
		if r.ID == id {
			return r, nil
		}
	}
	return models.PublishRecord{}, ErrNotFound
}

func (m *MockStore) UpdatePublishRecord(r models.PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdatePublishRecord"); err != nil {
		return err
	}
	for i := range m.data.publishRecords {
		if m.data.publishRecords[i].ID == r.ID {
			r.CreatedAt = m.data.publishRecords[i].CreatedAt
			m.data.publishRecords[i] = r
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) ListPublishRecords(workflowID int64) ([]models.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.PublishRecord{}
	for i := len(m.data.publishRecords) - 1; i >= 0; i-- {
		if m.data.publishRecords[i].WorkflowID == workflowID {
			out = append(out, m.data.publishRecords[i])
		}
	}
	return out, nil
}
