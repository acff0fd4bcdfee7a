package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const workflowColumns = `id, project_code, workflow_code, name, description, global_params, task_group_name,
	status, publish_status, sync_source, current_version_id,
	schedule_id, schedule_state, schedule_cron, schedule_timezone, schedule_start_time, schedule_end_time,
	schedule_failure_strategy, schedule_warning_type, schedule_warning_group_id, schedule_instance_priority,
	schedule_worker_group, schedule_tenant_code, schedule_environment_code, created_at, updated_at`

// SaveWorkflow creates a new workflow and returns its ID (no tasks/edges)
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflows (project_code, workflow_code, name, description, global_params, task_group_name,
			status, publish_status, sync_source, current_version_id,
			schedule_id, schedule_state, schedule_cron, schedule_timezone, schedule_start_time, schedule_end_time,
			schedule_failure_strategy, schedule_warning_type, schedule_warning_group_id, schedule_instance_priority,
			schedule_worker_group, schedule_tenant_code, schedule_environment_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING id`,
		w.ProjectCode, w.WorkflowCode, w.Name, w.Description, w.GlobalParams, w.TaskGroupName,
		orStatus(w.Status), orDefault(w.PublishStatus, models.PublishStatusNever), w.SyncSource, w.CurrentVersionID,
		w.ScheduleID, w.ScheduleState, w.Cron, w.Timezone, w.StartTime, w.EndTime,
		w.FailureStrategy, w.WarningType, w.WarningGroupID, w.ProcessInstancePriority,
		w.WorkerGroup, w.TenantCode, w.EnvironmentCode).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return id, nil
}

// GetWorkflow retrieves a workflow by ID, without tasks or edges
func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	return wf, nil
}

// FindWorkflowByCode finds the local workflow bound to a scheduler workflow.
// projectCode 0 matches any project.
func (s *PostgresStore) FindWorkflowByCode(projectCode, workflowCode int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT "+workflowColumns+` FROM workflows
		WHERE workflow_code = $1 AND ($2 = 0 OR project_code = $2)
		ORDER BY updated_at DESC, id DESC LIMIT 1`, workflowCode, projectCode)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("find workflow by code %d: %w", workflowCode, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT "+workflowColumns+" FROM workflows ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

// UpdateWorkflow rewrites every mutable column of a workflow
func (s *PostgresStore) UpdateWorkflow(w models.Workflow) error {
	res, err := s.db.Exec(`
		UPDATE workflows SET project_code = $1, workflow_code = $2, name = $3, description = $4, global_params = $5,
			task_group_name = $6, status = $7, publish_status = $8, sync_source = $9, current_version_id = $10,
			schedule_id = $11, schedule_state = $12, schedule_cron = $13, schedule_timezone = $14,
			schedule_start_time = $15, schedule_end_time = $16, schedule_failure_strategy = $17,
			schedule_warning_type = $18, schedule_warning_group_id = $19, schedule_instance_priority = $20,
			schedule_worker_group = $21, schedule_tenant_code = $22, schedule_environment_code = $23,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $24`,
		w.ProjectCode, w.WorkflowCode, w.Name, w.Description, w.GlobalParams,
		w.TaskGroupName, orStatus(w.Status), orDefault(w.PublishStatus, models.PublishStatusNever), w.SyncSource, w.CurrentVersionID,
		w.ScheduleID, w.ScheduleState, w.Cron, w.Timezone,
		w.StartTime, w.EndTime, w.FailureStrategy,
		w.WarningType, w.WarningGroupID, w.ProcessInstancePriority,
		w.WorkerGroup, w.TenantCode, w.EnvironmentCode,
		w.ID)
	if err != nil {
		return fmt.Errorf("update workflow %d: %w", w.ID, err)
	}
	return expectOne(res)
}

const taskColumns = `id, task_code, name, description, node_type, sql_text, datasource_name, datasource_type,
	task_group_name, priority, retry_times, retry_interval, timeout_seconds, task_version, datasource_id,
	task_group_id, owner, created_at, updated_at`

// SaveTask creates a task and returns its ID
func (s *PostgresStore) SaveTask(t models.Task) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO tasks (task_code, name, description, node_type, sql_text, datasource_name, datasource_type,
			task_group_name, priority, retry_times, retry_interval, timeout_seconds, task_version, datasource_id,
			task_group_id, owner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		t.TaskCode, t.Name, t.Description, orDefault(t.NodeType, models.SQLNodeType), t.SQL, t.DatasourceName, t.DatasourceType,
		t.TaskGroupName, t.Priority, t.RetryTimes, t.RetryInterval, t.TimeoutSeconds, t.TaskVersion, t.DatasourceID,
		t.TaskGroupID, t.Owner).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save task %q: %w", t.Name, err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateTask(t models.Task) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET task_code = $1, name = $2, description = $3, node_type = $4, sql_text = $5,
			datasource_name = $6, datasource_type = $7, task_group_name = $8, priority = $9, retry_times = $10,
			retry_interval = $11, timeout_seconds = $12, task_version = $13, datasource_id = $14,
			task_group_id = $15, owner = $16, updated_at = CURRENT_TIMESTAMP
		WHERE id = $17`,
		t.TaskCode, t.Name, t.Description, orDefault(t.NodeType, models.SQLNodeType), t.SQL,
		t.DatasourceName, t.DatasourceType, t.TaskGroupName, t.Priority, t.RetryTimes,
		t.RetryInterval, t.TimeoutSeconds, t.TaskVersion, t.DatasourceID,
		t.TaskGroupID, t.Owner, t.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	return expectOne(res)
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(id int64) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) FindTasksByCode(taskCode int64) ([]models.Task, error) {
	tasks := []models.Task{}
	if err := s.db.Select(&tasks, "SELECT "+taskColumns+" FROM tasks WHERE task_code = $1 ORDER BY id", taskCode); err != nil {
		return nil, fmt.Errorf("find tasks by code %d: %w", taskCode, err)
	}
	return tasks, nil
}

func (s *PostgresStore) FindTaskByName(name string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT "+taskColumns+" FROM tasks WHERE name = $1 ORDER BY id LIMIT 1", name)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) ListTasks() ([]models.Task, error) {
	tasks := []models.Task{}
	if err := s.db.Select(&tasks, "SELECT "+taskColumns+" FROM tasks ORDER BY id"); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ReplaceBindings drops the workflow's bindings and inserts the given ones
func (s *PostgresStore) ReplaceBindings(workflowID int64, bindings []models.WorkflowTaskBinding) error {
	if _, err := s.db.Exec("DELETE FROM workflow_task_bindings WHERE workflow_id = $1", workflowID); err != nil {
		return fmt.Errorf("clear bindings of workflow %d: %w", workflowID, err)
	}
	for _, b := range bindings {
		_, err := s.db.Exec("INSERT INTO workflow_task_bindings (workflow_id, task_id, is_entry, is_exit) VALUES ($1, $2, $3, $4)",
			workflowID, b.TaskID, b.Entry, b.Exit)
		if err != nil {
			return fmt.Errorf("bind task %d to workflow %d: %w", b.TaskID, workflowID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListBindings(workflowID int64) ([]models.WorkflowTaskBinding, error) {
	bindings := []models.WorkflowTaskBinding{}
	err := s.db.Select(&bindings, "SELECT workflow_id, task_id, is_entry, is_exit FROM workflow_task_bindings WHERE workflow_id = $1 ORDER BY task_id", workflowID)
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

func (s *PostgresStore) ListBindingsForTask(taskID int64) ([]models.WorkflowTaskBinding, error) {
	bindings := []models.WorkflowTaskBinding{}
	err := s.db.Select(&bindings, "SELECT workflow_id, task_id, is_entry, is_exit FROM workflow_task_bindings WHERE task_id = $1 ORDER BY workflow_id", taskID)
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

// ListWorkflowTasks returns the tasks bound to a workflow
func (s *PostgresStore) ListWorkflowTasks(workflowID int64) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `
		SELECT t.id, t.task_code, t.name, t.description, t.node_type, t.sql_text, t.datasource_name, t.datasource_type,
			t.task_group_name, t.priority, t.retry_times, t.retry_interval, t.timeout_seconds, t.task_version,
			t.datasource_id, t.task_group_id, t.owner, t.created_at, t.updated_at
		FROM tasks t JOIN workflow_task_bindings b ON b.task_id = t.id
		WHERE b.workflow_id = $1 ORDER BY t.id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of workflow %d: %w", workflowID, err)
	}
	return tasks, nil
}

// ReplaceEdges stores the workflow's non-entry edges
func (s *PostgresStore) ReplaceEdges(workflowID int64, edges []models.Edge) error {
	if _, err := s.db.Exec("DELETE FROM workflow_edges WHERE workflow_id = $1", workflowID); err != nil {
		return fmt.Errorf("clear edges of workflow %d: %w", workflowID, err)
	}
	for _, e := range models.NormalizeEdges(edges) {
		_, err := s.db.Exec("INSERT INTO workflow_edges (workflow_id, pre_task_code, post_task_code) VALUES ($1, $2, $3)",
			workflowID, e.PreTaskCode, e.PostTaskCode)
		if err != nil {
			return fmt.Errorf("save edge %s of workflow %d: %w", e, workflowID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEdges(workflowID int64) ([]models.Edge, error) {
	edges := []models.Edge{}
	err := s.db.Select(&edges, "SELECT pre_task_code, post_task_code FROM workflow_edges WHERE workflow_id = $1 ORDER BY pre_task_code, post_task_code", workflowID)
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func (s *PostgresStore) ReplaceTaskRelations(taskID int64, relations []models.TaskTableRelation) error {
	if _, err := s.db.Exec("DELETE FROM task_table_relations WHERE task_id = $1", taskID); err != nil {
		return fmt.Errorf("clear relations of task %d: %w", taskID, err)
	}
	for _, r := range relations {
		_, err := s.db.Exec(`INSERT INTO task_table_relations (task_id, table_id, relation_type) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, taskID, r.TableID, r.RelationType)
		if err != nil {
			return fmt.Errorf("save relation of task %d: %w", taskID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListTaskRelations(taskID int64) ([]models.TaskTableRelation, error) {
	relations := []models.TaskTableRelation{}
	err := s.db.Select(&relations, "SELECT task_id, table_id, relation_type FROM task_table_relations WHERE task_id = $1 ORDER BY relation_type, table_id", taskID)
	if err != nil {
		return nil, err
	}
	return relations, nil
}

func (s *PostgresStore) ReplaceLineage(taskID int64, records []models.LineageRecord) error {
	if _, err := s.db.Exec("DELETE FROM table_lineage WHERE task_id = $1", taskID); err != nil {
		return fmt.Errorf("clear lineage of task %d: %w", taskID, err)
	}
	for _, r := range records {
		_, err := s.db.Exec("INSERT INTO table_lineage (task_id, upstream_table_id, downstream_table_id, lineage_type) VALUES ($1, $2, $3, $4)",
			taskID, r.UpstreamTableID, r.DownstreamTableID, r.LineageType)
		if err != nil {
			return fmt.Errorf("save lineage of task %d: %w", taskID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListLineage() ([]models.LineageRecord, error) {
	records := []models.LineageRecord{}
	err := s.db.Select(&records, "SELECT id, task_id, upstream_table_id, downstream_table_id, lineage_type FROM table_lineage ORDER BY id")
	if err != nil {
		return nil, err
	}
	return records, nil
}

const catalogColumns = "id, cluster_id, cluster_name, source_type, db_name, table_name, layer, status, deleted"

func (s *PostgresStore) SaveCatalogTable(t models.CatalogTable) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO catalog_tables (cluster_id, cluster_name, source_type, db_name, table_name, layer, status, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		t.ClusterID, t.ClusterName, t.SourceType, t.DBName, t.TableName, t.Layer, orDefault(t.Status, "active"), t.Deleted).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save catalog table %s.%s: %w", t.DBName, t.TableName, err)
	}
	return id, nil
}

// FindCatalogTables matches names case-insensitively; an empty dbName
// matches every database. Soft-deleted rows are skipped.
func (s *PostgresStore) FindCatalogTables(dbName, tableName string) ([]models.CatalogTable, error) {
	tables := []models.CatalogTable{}
	err := s.db.Select(&tables, "SELECT "+catalogColumns+` FROM catalog_tables
		WHERE deleted = FALSE AND LOWER(table_name) = LOWER($1) AND ($2 = '' OR LOWER(db_name) = LOWER($2))
		ORDER BY id`, tableName, dbName)
	if err != nil {
		return nil, fmt.Errorf("find catalog table %s.%s: %w", dbName, tableName, err)
	}
	return tables, nil
}

func (s *PostgresStore) ListCatalogTables() ([]models.CatalogTable, error) {
	tables := []models.CatalogTable{}
	if err := s.db.Select(&tables, "SELECT "+catalogColumns+" FROM catalog_tables WHERE deleted = FALSE ORDER BY id"); err != nil {
		return nil, err
	}
	return tables, nil
}

const versionColumns = `id, workflow_id, version_no, schema_version, snapshot, snapshot_hash, change_summary,
	trigger_source, rollback_from_version_id, created_by, created_at`

// SaveVersion inserts an immutable version row. (workflow_id, version_no) is unique.
func (s *PostgresStore) SaveVersion(v models.Version) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflow_versions (workflow_id, version_no, schema_version, snapshot, snapshot_hash, change_summary,
			trigger_source, rollback_from_version_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		v.WorkflowID, v.VersionNo, v.SchemaVersion, v.Snapshot, v.SnapshotHash, v.ChangeSummary,
		v.TriggerSource, v.RollbackFromVersionID, v.CreatedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save version %d of workflow %d: %w", v.VersionNo, v.WorkflowID, err)
	}
	return id, nil
}

func (s *PostgresStore) GetVersion(id int64) (models.Version, error) {
	var v models.Version
	err := s.db.Get(&v, "SELECT "+versionColumns+" FROM workflow_versions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Version{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Version{}, err
	}
	return v, nil
}

// ListVersions returns a workflow's versions, newest first
func (s *PostgresStore) ListVersions(workflowID int64) ([]models.Version, error) {
	versions := []models.Version{}
	err := s.db.Select(&versions, "SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = $1 ORDER BY version_no DESC", workflowID)
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *PostgresStore) MaxVersionNo(workflowID int64) (int, error) {
	var n int
	if err := s.db.Get(&n, "SELECT COALESCE(MAX(version_no), 0) FROM workflow_versions WHERE workflow_id = $1", workflowID); err != nil {
		return 0, fmt.Errorf("max version of workflow %d: %w", workflowID, err)
	}
	return n, nil
}

const syncRecordColumns = `id, operation_id, workflow_id, project_code, workflow_code, version_id, operator, status,
	snapshot_hash, snapshot_json, diff_json, ingest_mode, parity_status, error_code, error_message, created_at`

func (s *PostgresStore) SaveSyncRecord(r models.SyncRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO sync_records (operation_id, workflow_id, project_code, workflow_code, version_id, operator, status,
			snapshot_hash, snapshot_json, diff_json, ingest_mode, parity_status, error_code, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		r.OperationID, r.WorkflowID, r.ProjectCode, r.WorkflowCode, r.VersionID, r.Operator, r.Status,
		r.SnapshotHash, r.SnapshotJSON, r.DiffJSON, r.IngestMode, r.ParityStatus, r.ErrorCode, r.ErrorMessage).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save sync record: %w", err)
	}
	return id, nil
}

// LatestSyncRecord returns the newest successful sync of a scheduler workflow
func (s *PostgresStore) LatestSyncRecord(projectCode, workflowCode int64) (models.SyncRecord, error) {
	var r models.SyncRecord
	err := s.db.Get(&r, "SELECT "+syncRecordColumns+` FROM sync_records
		WHERE project_code = $1 AND workflow_code = $2 AND status = $3
		ORDER BY id DESC LIMIT 1`, projectCode, workflowCode, models.RecordStatusSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.SyncRecord{}, err
	}
	return r, nil
}

func (s *PostgresStore) ListSyncRecords(workflowID int64) ([]models.SyncRecord, error) {
	records := []models.SyncRecord{}
	err := s.db.Select(&records, "SELECT "+syncRecordColumns+" FROM sync_records WHERE workflow_id = $1 ORDER BY id DESC", workflowID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

const publishRecordColumns = `id, operation_id, workflow_id, version_id, operation, target_engine, status,
	engine_workflow_code, operator, snapshot_hash, diff_json, log, created_at`

func (s *PostgresStore) SavePublishRecord(r models.PublishRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO publish_records (operation_id, workflow_id, version_id, operation, target_engine, status,
			engine_workflow_code, operator, snapshot_hash, diff_json, log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		r.OperationID, r.WorkflowID, r.VersionID, r.Operation, orDefault(r.TargetEngine, "dolphin"), r.Status,
		r.EngineWorkflowCode, r.Operator, r.SnapshotHash, r.DiffJSON, r.Log).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save publish record: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetPublishRecord(id int64) (models.PublishRecord, error) {
	var r models.PublishRecord
	err := s.db.Get(&r, "SELECT "+publishRecordColumns+" FROM publish_records WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PublishRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.PublishRecord{}, err
	}
	return r, nil
}

// UpdatePublishRecord rewrites the mutable fields of an approval-gated record.
func (s *PostgresStore) UpdatePublishRecord(r models.PublishRecord) error {
	res, err := s.db.Exec(`
		UPDATE publish_records SET version_id = $1, status = $2, engine_workflow_code = $3, operator = $4, log = $5
		WHERE id = $6`,
		r.VersionID, r.Status, r.EngineWorkflowCode, r.Operator, r.Log, r.ID)
	if err != nil {
		return fmt.Errorf("update publish record %d: %w", r.ID, err)
	}
	return expectOne(res)
}

func (s *PostgresStore) ListPublishRecords(workflowID int64) ([]models.PublishRecord, error) {
	records := []models.PublishRecord{}
	err := s.db.Select(&records, "SELECT "+publishRecordColumns+" FROM publish_records WHERE workflow_id = $1 ORDER BY id DESC", workflowID)
	if err != nil {
		return nil, err
	}
	return records, nil
}
