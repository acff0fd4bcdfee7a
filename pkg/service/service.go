// Package service implements the publish, runtime sync and version operations
// of the workflow sync core on top of a Store and a Scheduler.
package service

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/internal/lineage"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for WorkflowService
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Scheduler is the part of the scheduler API the sync core needs.
// *dolphin.Client implements it.
type Scheduler interface {
	ResolveProjectCode(ctx context.Context, name string) (int64, error)
	GenerateTaskCodes(ctx context.Context, projectCode int64, n int) ([]int64, error)
	CreateOrUpdateDefinition(ctx context.Context, req dolphin.DefinitionRequest) (int64, error)
	Release(ctx context.Context, projectCode, workflowCode int64, state string) error
	ExportDefinitionByCode(ctx context.Context, projectCode, workflowCode int64) ([]byte, error)
	GetDefinitionByCode(ctx context.Context, projectCode, workflowCode int64) ([]byte, error)
	GetSchedule(ctx context.Context, projectCode, workflowCode int64) (*models.RuntimeSchedule, error)
	CreateSchedule(ctx context.Context, req dolphin.ScheduleRequest) (int64, error)
	UpdateSchedule(ctx context.Context, req dolphin.ScheduleRequest) error
	OnlineSchedule(ctx context.Context, projectCode, scheduleID int64) error
	OfflineSchedule(ctx context.Context, projectCode, scheduleID int64) error
	ListInstances(ctx context.Context, projectCode int64, q dolphin.InstanceQuery) []dolphin.ProcessInstance
	GetInstance(ctx context.Context, projectCode, instanceID int64) (dolphin.ProcessInstance, error)
	ListDatasources(ctx context.Context) []dolphin.Datasource
	ListTaskGroups(ctx context.Context) []dolphin.TaskGroup
	ListWorkerGroups(ctx context.Context) []string
	ListTenants(ctx context.Context) []dolphin.Tenant
	ListEnvironments(ctx context.Context) []dolphin.Environment
}

var _ Scheduler = (*dolphin.Client)(nil)

// Ingest modes of a runtime sync.
const (
	IngestExportShadow = "export_shadow"
	IngestExportOnly   = "export_only"
	IngestLegacy       = "legacy"
)

const DefaultOperator = "system"

// PublishLocalInconsistent tags an InconsistencyError raised by Publish.
const PublishLocalInconsistent = "PUBLISH_LOCAL_INCONSISTENT"

// Options configures a WorkflowService.
type Options struct {
	IngestMode      string
	DefaultOperator string
	TenantCode      string
	WorkerGroup     string
	Workers         int // lineage analysis workers, 0 means runtime.NumCPU
}

// InconsistencyError reports a remote write that succeeded while the local
// transaction recording it failed. It is never retried.
type InconsistencyError struct {
	Code       string
	WorkflowID int64
	Err        error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s: workflow %d: %v", e.Code, e.WorkflowID, e.Err)
}

func (e *InconsistencyError) Unwrap() error {
	return e.Err
}

// storeCatalog resolves table names against the catalog rows of a Store.
type storeCatalog struct {
	store storage.Store
}

func (c storeCatalog) FindActiveTables(ctx context.Context, db, table string) ([]models.CatalogTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.FindCatalogTables(db, table)
}

// WorkflowService publishes local workflows to the scheduler, syncs runtime
// definitions back and manages the version history.
type WorkflowService struct {
	store     storage.Store
	scheduler Scheduler
	ctx       context.Context
	logger    Logger
	matcher   *lineage.Matcher
	tasks     *TaskService
	opts      Options
}

func NewWorkflowService(ctx context.Context, store storage.Store, scheduler Scheduler, logger Logger, opts Options) *WorkflowService {
	if opts.IngestMode == "" {
		opts.IngestMode = IngestExportShadow
	}
	if opts.DefaultOperator == "" {
		opts.DefaultOperator = DefaultOperator
	}
	return &WorkflowService{
		store:     store,
		scheduler: scheduler,
		ctx:       ctx,
		logger:    logger,
		matcher:   lineage.NewMatcher(storeCatalog{store: store}),
		tasks:     NewTaskService(store, logger),
		opts:      opts,
	}
}

// analyzeTasks resolves the lineage of a batch of tasks on a worker pool that
// lives for this call only.
func (s *WorkflowService) analyzeTasks(ctx context.Context, tasks []models.RuntimeTask) ([]models.LineageResult, map[int64]error) {
	workers := s.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp := NewWorkerPool(s.ctx, s.matcher, s.logger)
	wp.Start(min(workers, max(len(tasks), 1)))
	defer wp.Stop()
	return wp.AnalyzeTasks(ctx, uuid.NewString(), tasks)
}

func (s *WorkflowService) operator(op string) string {
	if op = strings.TrimSpace(op); op != "" {
		return op
	}
	return s.opts.DefaultOperator
}

// withTx runs fn inside one transaction, committing when fn succeeds.
func (s *WorkflowService) withTx(fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

func (s *WorkflowService) ListWorkflows() ([]models.Workflow, error) {
	return s.store.ListWorkflows()
}

// GetWorkflow fetches a workflow with its bound tasks and design edges.
func (s *WorkflowService) GetWorkflow(workflowID int64) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "failed to get workflow %d", workflowID)
	}
	if wf.Tasks, err = s.tasks.LoadWorkflowTasks(s.store, workflowID); err != nil {
		return models.Workflow{}, err
	}
	if wf.Edges, err = s.store.ListEdges(workflowID); err != nil {
		return models.Workflow{}, errors.Wrapf(err, "failed to list edges of workflow %d", workflowID)
	}
	return wf, nil
}

// ListSyncRecords returns the sync audit trail of a workflow, newest first.
func (s *WorkflowService) ListSyncRecords(workflowID int64) ([]models.SyncRecord, error) {
	return s.store.ListSyncRecords(workflowID)
}

// ListPublishRecords returns the publish audit trail of a workflow, newest first.
func (s *WorkflowService) ListPublishRecords(workflowID int64) ([]models.PublishRecord, error) {
	return s.store.ListPublishRecords(workflowID)
}
