package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
)

const (
	// default analysis timeout per task is 30s
	DefaultAnalysisTimeout = 30 * time.Second
)

// Analyzer resolves the lineage of one task's SQL.
type Analyzer interface {
	Analyze(ctx context.Context, sql, nodeType string) (models.LineageResult, error)
}

// executionState holds state for a single batch of tasks
type executionState struct {
	results      []models.LineageResult
	done         []bool
	taskErrors   map[int64]error
	pendingCount int           // Tasks not yet analyzed
	completeChan chan struct{} // Signals completion
	mu           sync.Mutex
	cleanupOnce  sync.Once
}

type analysisJob struct {
	index       int
	task        models.RuntimeTask
	executionID string
	ctx         context.Context
}

// WorkerPool analyzes task SQL in parallel. Results keep the input order.
type WorkerPool struct {
	analyzer   Analyzer
	logger     Logger
	timeout    time.Duration
	jobChan    chan analysisJob
	executions map[string]*executionState
	mu         sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
}

func NewWorkerPool(mainCtx context.Context, analyzer Analyzer, logger Logger) *WorkerPool {
	return &WorkerPool{
		analyzer:   analyzer,
		logger:     logger,
		timeout:    DefaultAnalysisTimeout,
		executions: make(map[string]*executionState),
		ctx:        mainCtx,
	}
}

// SetTimeout changes the per-task analysis timeout.
func (wp *WorkerPool) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		wp.timeout = timeout
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobChan = make(chan analysisJob, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully stops the worker pool
func (wp *WorkerPool) Stop() {
	close(wp.jobChan)
	wp.wg.Wait()

	wp.mu.RLock()
	ids := make([]string, 0, len(wp.executions))
	for execID := range wp.executions {
		ids = append(ids, execID)
	}
	wp.mu.RUnlock()
	for _, execID := range ids {
		wp.cleanupExecution(execID)
	}
}

// AnalyzeTasks analyzes every task of one batch. The returned slice is
// index-aligned with tasks; failed tasks are reported by task code.
func (wp *WorkerPool) AnalyzeTasks(ctx context.Context, execID string, tasks []models.RuntimeTask) ([]models.LineageResult, map[int64]error) {
	if len(tasks) == 0 {
		return []models.LineageResult{}, map[int64]error{}
	}

	wp.mu.Lock()
	if _, exists := wp.executions[execID]; exists {
		wp.mu.Unlock()
		wp.logger.Errorf("execution %s already running", execID)
		return nil, map[int64]error{0: fmt.Errorf("execution %s already running", execID)}
	}
	state := &executionState{
		results:      make([]models.LineageResult, len(tasks)),
		done:         make([]bool, len(tasks)),
		taskErrors:   make(map[int64]error),
		pendingCount: len(tasks),
		completeChan: make(chan struct{}),
	}
	wp.executions[execID] = state
	wp.mu.Unlock()

	for i, task := range tasks {
		job := analysisJob{index: i, task: task, executionID: execID, ctx: ctx}
		select {
		case wp.jobChan <- job:
		case <-ctx.Done():
			return wp.abort(execID, state, tasks, ctx.Err())
		case <-wp.ctx.Done():
			return wp.abort(execID, state, tasks, wp.ctx.Err())
		}
	}

	select {
	case <-state.completeChan:
	case <-ctx.Done():
		return wp.abort(execID, state, tasks, ctx.Err())
	case <-wp.ctx.Done():
		return wp.abort(execID, state, tasks, wp.ctx.Err())
	}
	return collect(state)
}

// abort fails every task of the execution that has not finished yet.
func (wp *WorkerPool) abort(execID string, state *executionState, tasks []models.RuntimeTask, err error) ([]models.LineageResult, map[int64]error) {
	wp.logger.Infof("Context cancelled for execution %s: %v", execID, err)
	state.mu.Lock()
	for i, task := range tasks {
		if !state.done[i] {
			state.done[i] = true
			state.taskErrors[task.TaskCode] = err
		}
	}
	state.mu.Unlock()
	wp.cleanupExecution(execID)
	return collect(state)
}

func collect(state *executionState) ([]models.LineageResult, map[int64]error) {
	state.mu.Lock()
	defer state.mu.Unlock()
	results := append([]models.LineageResult(nil), state.results...)
	errs := make(map[int64]error, len(state.taskErrors))
	for k, err := range state.taskErrors {
		errs[k] = err
	}
	return results, errs
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobChan {
		if wp.ctx.Err() != nil {
			return
		}

		wp.mu.RLock()
		state, ok := wp.executions[job.executionID]
		wp.mu.RUnlock()
		if !ok {
			wp.logger.Infof("Skipping task %d: execution %s has been cleaned up", job.task.TaskCode, job.executionID)
			continue
		}
		wp.analyze(state, job)
	}
}

func (wp *WorkerPool) analyze(state *executionState, job analysisJob) {
	ctx, cancel := context.WithTimeout(job.ctx, wp.timeout)
	defer cancel()

	result, err := wp.analyzer.Analyze(ctx, job.task.SQL, job.task.NodeType)

	state.mu.Lock()
	if state.done[job.index] {
		state.mu.Unlock()
		return
	}
	state.done[job.index] = true
	if err != nil {
		wp.logger.Warnf("Lineage analysis of task %d failed: %v", job.task.TaskCode, err)
		state.taskErrors[job.task.TaskCode] = err
	} else {
		state.results[job.index] = result
	}
	state.pendingCount--
	last := state.pendingCount == 0
	state.mu.Unlock()

	if last {
		wp.cleanupExecution(job.executionID)
	}
}

func (wp *WorkerPool) cleanupExecution(execID string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if state, ok := wp.executions[execID]; ok {
		state.cleanupOnce.Do(func() {
			close(state.completeChan)
			delete(wp.executions, execID)
		})
	}
}
