package models

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityFatal   Severity = "fatal"   // always blocks
	SeverityConfirm Severity = "confirm" // blocks unless the caller confirms on retry
	SeverityWarning Severity = "warning" // informational
)

type IssueCode string

// Fatal codes.
const (
	UnsupportedNodeType         IssueCode = "UNSUPPORTED_NODE_TYPE"
	SQLTableAmbiguous           IssueCode = "SQL_TABLE_AMBIGUOUS"
	SQLTableUnmatched           IssueCode = "SQL_TABLE_UNMATCHED"
	SQLLineageIncomplete        IssueCode = "SQL_LINEAGE_INCOMPLETE"
	DolphinExplicitEdgeMissing  IssueCode = "DOLPHIN_EXPLICIT_EDGE_MISSING"
	TaskCodeInvalid             IssueCode = "TASK_CODE_INVALID"
	TaskCodeDuplicate           IssueCode = "TASK_CODE_DUPLICATE"
	WorkflowBindingConflict     IssueCode = "WORKFLOW_BINDING_CONFLICT"
	DatasourceNotFound          IssueCode = "DATASOURCE_NOT_FOUND"
	DefinitionFormatUnsupported IssueCode = "DEFINITION_FORMAT_UNSUPPORTED"
	RuntimeWorkflowNotFound     IssueCode = "RUNTIME_WORKFLOW_NOT_FOUND"
	WorkflowNotFound            IssueCode = "WORKFLOW_NOT_FOUND"
	SyncPersistFailed           IssueCode = "SYNC_PERSIST_FAILED"
	VersionSnapshotUnsupported  IssueCode = "VERSION_SNAPSHOT_UNSUPPORTED"
	VersionCompareInvalid       IssueCode = "VERSION_COMPARE_INVALID"
	VersionNotFound             IssueCode = "VERSION_NOT_FOUND"
	PublishPreviewFailed        IssueCode = "PUBLISH_PREVIEW_FAILED"
	PublishOperationUnsupported IssueCode = "PUBLISH_OPERATION_UNSUPPORTED"
	PublishRecordNotFound       IssueCode = "PUBLISH_RECORD_NOT_FOUND"
	PublishApprovalInvalid      IssueCode = "PUBLISH_APPROVAL_INVALID"
)

// Confirmation-gated codes.
const (
	EdgeMismatchConfirmRequired IssueCode = "EDGE_MISMATCH_CONFIRM_REQUIRED"
	PublishDiffConfirmRequired  IssueCode = "PUBLISH_DIFF_CONFIRM_REQUIRED"
	DefinitionParityMismatch    IssueCode = "DEFINITION_PARITY_MISMATCH"
)

// Warning codes.
const (
	EdgeMismatch                   IssueCode = "EDGE_MISMATCH"
	ExportFallbackLegacy           IssueCode = "EXPORT_FALLBACK_LEGACY"
	PublishFirstDeploy             IssueCode = "PUBLISH_FIRST_DEPLOY"
	PublishRuntimeWorkflowNotFound IssueCode = "PUBLISH_RUNTIME_WORKFLOW_NOT_FOUND"
	SQLRiskyStatement              IssueCode = "SQL_RISKY_STATEMENT"
)

// Issue is one finding reported by an operation.
type Issue struct {
	Code         IssueCode `json:"code" yaml:"code"`
	Severity     Severity  `json:"severity" yaml:"severity"`
	Message      string    `json:"message" yaml:"message"`
	WorkflowCode int64     `json:"workflow_code,omitempty" yaml:"workflow_code,omitempty"`
	TaskCode     int64     `json:"task_code,omitempty" yaml:"task_code,omitempty"`
	TaskName     string    `json:"task_name,omitempty" yaml:"task_name,omitempty"`
	Detail       any       `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

func Fatal(code IssueCode, format string, args ...any) Issue {
	return Issue{Code: code, Severity: SeverityFatal, Message: fmt.Sprintf(format, args...)}
}

func Confirm(code IssueCode, format string, args ...any) Issue {
	return Issue{Code: code, Severity: SeverityConfirm, Message: fmt.Sprintf(format, args...)}
}

func Warning(code IssueCode, format string, args ...any) Issue {
	return Issue{Code: code, Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)}
}

// ForTask attaches the task identity to the issue.
func (i Issue) ForTask(code int64, name string) Issue {
	i.TaskCode = code
	i.TaskName = name
	return i
}

// Issues is an ordered list of findings.
type Issues []Issue

func (is Issues) filter(sev Severity) Issues {
	var out Issues
	for _, i := range is {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

func (is Issues) Fatal() Issues    { return is.filter(SeverityFatal) }
func (is Issues) Confirms() Issues { return is.filter(SeverityConfirm) }
func (is Issues) Warnings() Issues { return is.filter(SeverityWarning) }

// Blocking reports whether any issue prevents a write.
func (is Issues) Blocking() bool {
	for _, i := range is {
		if i.Severity != SeverityWarning {
			return true
		}
	}
	return false
}

// Has reports whether an issue with the code is present.
func (is Issues) Has(code IssueCode) bool {
	for _, i := range is {
		if i.Code == code {
			return true
		}
	}
	return false
}

// First returns the first blocking issue, fatal before confirm.
func (is Issues) First() (Issue, bool) {
	if f := is.Fatal(); len(f) > 0 {
		return f[0], true
	}
	if c := is.Confirms(); len(c) > 0 {
		return c[0], true
	}
	return Issue{}, false
}

func (is Issues) String() string {
	parts := make([]string, 0, len(is))
	for _, i := range is {
		parts = append(parts, i.Error())
	}
	return strings.Join(parts, "; ")
}

// Outcome is the result-or-issues union returned by every public operation.
// When Blocked is true Value may be partial or zero.
type Outcome[T any] struct {
	Value  T      `json:"value" yaml:"value"`
	Issues Issues `json:"issues" yaml:"issues"`
}

// Blocked reports whether a fatal or confirmation-gated issue stopped the operation.
func (o Outcome[T]) Blocked() bool {
	return o.Issues.Blocking()
}

// Succeed wraps a value with its informational issues.
func Succeed[T any](v T, issues ...Issue) Outcome[T] {
	return Outcome[T]{Value: v, Issues: issues}
}

// Reject returns an outcome that carries only issues.
func Reject[T any](issues ...Issue) Outcome[T] {
	var zero T
	return Outcome[T]{Value: zero, Issues: issues}
}
