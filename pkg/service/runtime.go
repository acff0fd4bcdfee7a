package service

import (
	"context"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/internal/runtimedef"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/pkg/errors"
)

// runtimeLoad is a definition read from the scheduler.
type runtimeLoad struct {
	def    models.RuntimeWorkflowDefinition
	shadow *models.RuntimeWorkflowDefinition // legacy parse, export_shadow only
	mode   string                            // effective ingest mode
	issues models.Issues
}

// loadRuntime reads a definition the way mode asks for. export_shadow and
// unknown modes fall back to the legacy path when the export fails;
// export_only does not. withShadow also reads the legacy definition in
// export_shadow mode.
func (s *WorkflowService) loadRuntime(ctx context.Context, projectCode, workflowCode int64, mode string, withShadow bool) (runtimeLoad, error) {
	load := runtimeLoad{mode: mode}
	switch mode {
	case IngestLegacy:
		def, err := s.loadLegacy(ctx, projectCode, workflowCode)
		if err != nil {
			return load, err
		}
		load.def = def
		s.fillSchedule(ctx, &load.def)
		return load, nil
	case IngestExportShadow, IngestExportOnly:
	default:
		load.issues = append(load.issues, models.Warning(models.ExportFallbackLegacy,
			"unknown ingest mode %q, reading the legacy definition", mode))
		load.mode = IngestLegacy
		def, err := s.loadLegacy(ctx, projectCode, workflowCode)
		if err != nil {
			return load, err
		}
		load.def = def
		s.fillSchedule(ctx, &load.def)
		return load, nil
	}

	def, err := s.loadExport(ctx, projectCode, workflowCode)
	if err != nil {
		if mode == IngestExportOnly || errors.Is(err, dolphin.ErrWorkflowNotFound) {
			return load, err
		}
		s.logger.Warnf("Export of workflow %d failed, falling back to legacy: %v", workflowCode, err)
		legacy, legacyErr := s.loadLegacy(ctx, projectCode, workflowCode)
		if legacyErr != nil {
			return load, errors.WithMessagef(legacyErr, "export failed (%v), legacy fallback failed", err)
		}
		load.def = legacy
		load.mode = IngestLegacy
		load.issues = append(load.issues, models.Warning(models.ExportFallbackLegacy,
			"export failed, read the legacy definition instead: %v", err))
		s.fillSchedule(ctx, &load.def)
		return load, nil
	}
	load.def = def
	s.fillSchedule(ctx, &load.def)

	if mode == IngestExportShadow && withShadow {
		shadow, err := s.loadLegacy(ctx, projectCode, workflowCode)
		if err != nil {
			s.logger.Warnf("Shadow legacy read of workflow %d failed: %v", workflowCode, err)
			load.issues = append(load.issues, models.Warning(models.ExportFallbackLegacy,
				"shadow legacy read failed, parity not checked: %v", err))
		} else {
			if shadow.Schedule == nil {
				shadow.Schedule = load.def.Schedule
			}
			load.shadow = &shadow
		}
	}
	return load, nil
}

func (s *WorkflowService) loadExport(ctx context.Context, projectCode, workflowCode int64) (models.RuntimeWorkflowDefinition, error) {
	raw, err := s.scheduler.ExportDefinitionByCode(ctx, projectCode, workflowCode)
	if err != nil {
		return models.RuntimeWorkflowDefinition{}, err
	}
	def, err := runtimedef.Parse(raw)
	if err != nil {
		return models.RuntimeWorkflowDefinition{}, err
	}
	return withCodes(def, projectCode, workflowCode), nil
}

func (s *WorkflowService) loadLegacy(ctx context.Context, projectCode, workflowCode int64) (models.RuntimeWorkflowDefinition, error) {
	raw, err := s.scheduler.GetDefinitionByCode(ctx, projectCode, workflowCode)
	if err != nil {
		return models.RuntimeWorkflowDefinition{}, err
	}
	def, err := runtimedef.ParseLegacy(raw)
	if err != nil {
		return models.RuntimeWorkflowDefinition{}, err
	}
	return withCodes(def, projectCode, workflowCode), nil
}

// fillSchedule looks the schedule up when the definition carried none. A
// failed lookup leaves the definition without schedule.
func (s *WorkflowService) fillSchedule(ctx context.Context, def *models.RuntimeWorkflowDefinition) {
	if def.Schedule != nil {
		return
	}
	schedule, err := s.scheduler.GetSchedule(ctx, def.ProjectCode, def.WorkflowCode)
	if err != nil {
		s.logger.Warnf("Failed to read schedule of workflow %d: %v", def.WorkflowCode, err)
		return
	}
	def.Schedule = schedule
}

func withCodes(def models.RuntimeWorkflowDefinition, projectCode, workflowCode int64) models.RuntimeWorkflowDefinition {
	if def.ProjectCode == 0 {
		def.ProjectCode = projectCode
	}
	if def.WorkflowCode == 0 {
		def.WorkflowCode = workflowCode
	}
	return def
}

// RuntimeOptions lists what the scheduler offers for task and schedule settings.
type RuntimeOptions struct {
	Datasources  []dolphin.Datasource  `json:"datasources" yaml:"datasources"`
	TaskGroups   []dolphin.TaskGroup   `json:"task_groups" yaml:"task_groups"`
	WorkerGroups []string              `json:"worker_groups" yaml:"worker_groups"`
	Tenants      []dolphin.Tenant      `json:"tenants" yaml:"tenants"`
	Environments []dolphin.Environment `json:"environments" yaml:"environments"`
}

// RuntimeOptions never fails: unavailable lists come back empty.
func (s *WorkflowService) RuntimeOptions(ctx context.Context) RuntimeOptions {
	return RuntimeOptions{
		Datasources:  s.scheduler.ListDatasources(ctx),
		TaskGroups:   s.scheduler.ListTaskGroups(ctx),
		WorkerGroups: s.scheduler.ListWorkerGroups(ctx),
		Tenants:      s.scheduler.ListTenants(ctx),
		Environments: s.scheduler.ListEnvironments(ctx),
	}
}

// ListRuntimeInstances lists the scheduler's runs of a deployed workflow.
func (s *WorkflowService) ListRuntimeInstances(ctx context.Context, workflowID int64, pageNo, pageSize int) ([]dolphin.ProcessInstance, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get workflow %d", workflowID)
	}
	if !wf.HasRuntime() {
		return []dolphin.ProcessInstance{}, nil
	}
	return s.scheduler.ListInstances(ctx, wf.ProjectCode, dolphin.InstanceQuery{
		WorkflowCode: wf.WorkflowCode,
		PageNo:       pageNo,
		PageSize:     pageSize,
	}), nil
}

// GetRuntimeInstance returns one run of a workflow's project.
func (s *WorkflowService) GetRuntimeInstance(ctx context.Context, workflowID, instanceID int64) (dolphin.ProcessInstance, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return dolphin.ProcessInstance{}, errors.Wrapf(err, "failed to get workflow %d", workflowID)
	}
	return s.scheduler.GetInstance(ctx, wf.ProjectCode, instanceID)
}

// ResolveProjectCode maps a scheduler project name to its code.
func (s *WorkflowService) ResolveProjectCode(ctx context.Context, name string) (int64, error) {
	return s.scheduler.ResolveProjectCode(ctx, name)
}
