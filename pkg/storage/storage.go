package storage

import (
	"errors"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the storage operations of the sync core. Begin returns a
// Store bound to one transaction; Commit and Rollback only work on such a
// Store.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	SaveWorkflow(w models.Workflow) (int64, error)
	GetWorkflow(id int64) (models.Workflow, error)
	FindWorkflowByCode(projectCode, workflowCode int64) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	UpdateWorkflow(w models.Workflow) error

	// Task operations
	SaveTask(t models.Task) (int64, error)
	UpdateTask(t models.Task) error
	GetTask(id int64) (models.Task, error)
	FindTasksByCode(taskCode int64) ([]models.Task, error)
	FindTaskByName(name string) (models.Task, error)
	ListTasks() ([]models.Task, error)

	// Binding and edge operations
	ReplaceBindings(workflowID int64, bindings []models.WorkflowTaskBinding) error
	ListBindings(workflowID int64) ([]models.WorkflowTaskBinding, error)
	ListBindingsForTask(taskID int64) ([]models.WorkflowTaskBinding, error)
	ListWorkflowTasks(workflowID int64) ([]models.Task, error)
	ReplaceEdges(workflowID int64, edges []models.Edge) error
	ListEdges(workflowID int64) ([]models.Edge, error)

	// Table relation and lineage operations
	ReplaceTaskRelations(taskID int64, relations []models.TaskTableRelation) error
	ListTaskRelations(taskID int64) ([]models.TaskTableRelation, error)
	ReplaceLineage(taskID int64, records []models.LineageRecord) error
	ListLineage() ([]models.LineageRecord, error)

	// Catalog operations
	SaveCatalogTable(t models.CatalogTable) (int64, error)
	FindCatalogTables(dbName, tableName string) ([]models.CatalogTable, error)
	ListCatalogTables() ([]models.CatalogTable, error)

	// Version operations
	SaveVersion(v models.Version) (int64, error)
	GetVersion(id int64) (models.Version, error)
	ListVersions(workflowID int64) ([]models.Version, error)
	MaxVersionNo(workflowID int64) (int, error)

	// Audit record operations
	SaveSyncRecord(r models.SyncRecord) (int64, error)
	LatestSyncRecord(projectCode, workflowCode int64) (models.SyncRecord, error)
	ListSyncRecords(workflowID int64) ([]models.SyncRecord, error)
	SavePublishRecord(r models.PublishRecord) (int64, error)
	GetPublishRecord(id int64) (models.PublishRecord, error)
	UpdatePublishRecord(r models.PublishRecord) error
	ListPublishRecords(workflowID int64) ([]models.PublishRecord, error)
}
