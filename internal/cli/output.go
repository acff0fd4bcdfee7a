package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/service"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ErrBlocked is returned after printing an outcome stopped by fatal or
// unconfirmed issues, so the process exits non-zero.
var ErrBlocked = fmt.Errorf("operation blocked, see issues above")

// printer renders command results as tables, JSON or YAML.
type printer struct {
	cmd    *cobra.Command
	w      io.Writer
	format string
}

func newPrinter(cmd *cobra.Command) *printer {
	format, _ := cmd.Flags().GetString("output")
	return &printer{cmd: cmd, w: cmd.OutOrStdout(), format: strings.ToLower(format)}
}

// structured writes v as JSON or YAML and reports whether it did.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func (p *printer) table(header []string, rows [][]string) {
	t := tablewriter.NewWriter(p.w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.AppendBulk(rows)
	t.Render()
}

func (p *printer) title(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// outcome prints issues and converts a blocked outcome into ErrBlocked.
func (p *printer) outcome(issues models.Issues) error {
	if len(issues) > 0 {
		p.title("Issues:")
		rows := make([][]string, 0, len(issues))
		for _, i := range issues {
			task := ""
			if i.TaskCode != 0 || i.TaskName != "" {
				task = fmt.Sprintf("%s(%d)", i.TaskName, i.TaskCode)
			}
			rows = append(rows, []string{string(i.Severity), string(i.Code), task, i.Message})
		}
		p.table([]string{"SEVERITY", "CODE", "TASK", "MESSAGE"}, rows)
	}
	if issues.Blocking() {
		return ErrBlocked
	}
	return nil
}

func structuredOutcome[T any](p *printer, out models.Outcome[T]) (bool, error) {
	ok, err := p.structured(out)
	if !ok || err != nil {
		return ok, err
	}
	if out.Blocked() {
		return true, ErrBlocked
	}
	return true, nil
}

func strPtr(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func idPtr(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func (p *printer) diff(d models.DiffSummary) {
	if !d.Changed {
		p.title("No differences.")
		return
	}
	var rows [][]string
	add := func(class string, b models.DiffBucket) {
		for _, f := range b.WorkflowFields {
			rows = append(rows, []string{class, "workflow", "", f.Field, strPtr(f.Before), strPtr(f.After)})
		}
		for _, f := range b.ScheduleFields {
			rows = append(rows, []string{class, "schedule", "", f.Field, strPtr(f.Before), strPtr(f.After)})
		}
		for _, tc := range b.Tasks {
			name := fmt.Sprintf("%s(%d)", tc.TaskName, tc.TaskCode)
			if len(tc.FieldChanges) == 0 {
				rows = append(rows, []string{class, "task", name, "", "", ""})
			}
			for _, f := range tc.FieldChanges {
				rows = append(rows, []string{class, "task", name, f.Field, strPtr(f.Before), strPtr(f.After)})
			}
		}
		for _, e := range b.Edges {
			rows = append(rows, []string{class, "edge",
				fmt.Sprintf("%s(%d) -> %s(%d)", e.PreTaskName, e.PreTaskCode, e.PostTaskName, e.PostTaskCode), "", "", ""})
		}
	}
	add("added", d.Added)
	add("removed", d.Removed)
	add("modified", d.Modified)
	p.table([]string{"CHANGE", "KIND", "NAME", "FIELD", "BEFORE", "AFTER"}, rows)
}

func (p *printer) workflows(workflows []models.Workflow) error {
	if ok, err := p.structured(workflows); ok {
		return err
	}
	if len(workflows) == 0 {
		p.title("No workflows found.")
		return nil
	}
	rows := make([][]string, 0, len(workflows))
	for _, wf := range workflows {
		rows = append(rows, []string{
			strconv.FormatInt(wf.ID, 10), wf.Name, string(wf.Status), wf.PublishStatus,
			strconv.FormatInt(wf.ProjectCode, 10), strconv.FormatInt(wf.WorkflowCode, 10),
			idPtr(wf.CurrentVersionID), wf.UpdatedAt.Format(time.RFC3339),
		})
	}
	p.table([]string{"ID", "NAME", "STATUS", "PUBLISH", "PROJECT", "CODE", "VERSION", "UPDATED"}, rows)
	return nil
}

func (p *printer) workflow(wf models.Workflow) error {
	if ok, err := p.structured(wf); ok {
		return err
	}
	p.title("Workflow %d %q (%s, publish %s)", wf.ID, wf.Name, wf.Status, wf.PublishStatus)
	p.title("Scheduler: project %d, workflow %d, cron %q", wf.ProjectCode, wf.WorkflowCode, wf.Cron)
	rows := make([][]string, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10), strconv.FormatInt(t.TaskCode, 10), t.Name, t.NodeType,
			t.DatasourceName, joinIDs(t.InputTableIDs), joinIDs(t.OutputTableIDs),
		})
	}
	p.table([]string{"ID", "CODE", "NAME", "TYPE", "DATASOURCE", "READS", "WRITES"}, rows)
	edges := make([]string, 0, len(wf.Edges))
	for _, e := range wf.Edges {
		edges = append(edges, e.String())
	}
	p.title("Edges: %s", strings.Join(edges, ", "))
	return nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

func (p *printer) records(syncs []models.SyncRecord, publishes []models.PublishRecord) error {
	if ok, err := p.structured(map[string]any{"sync_records": syncs, "publish_records": publishes}); ok {
		return err
	}
	p.title("Sync records:")
	rows := make([][]string, 0, len(syncs))
	for _, r := range syncs {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10), r.Status, r.IngestMode, r.ParityStatus, idPtr(r.VersionID),
			r.Operator, r.ErrorCode, r.CreatedAt.Format(time.RFC3339),
		})
	}
	p.table([]string{"ID", "STATUS", "MODE", "PARITY", "VERSION", "OPERATOR", "ERROR", "CREATED"}, rows)

	p.title("Publish records:")
	rows = make([][]string, 0, len(publishes))
	for _, r := range publishes {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10), r.Operation, r.Status, strconv.FormatInt(r.EngineWorkflowCode, 10),
			idPtr(r.VersionID), r.Operator, r.CreatedAt.Format(time.RFC3339),
		})
	}
	p.table([]string{"ID", "OPERATION", "STATUS", "ENGINE CODE", "VERSION", "OPERATOR", "CREATED"}, rows)
	return nil
}

func (p *printer) syncPreview(out models.Outcome[service.SyncPreview]) error {
	if ok, err := structuredOutcome(p, out); ok {
		return err
	}
	v := out.Value
	p.title("Runtime workflow %d %q in project %d (mode %s, parity %s)", v.WorkflowCode, v.WorkflowName, v.ProjectCode, v.IngestMode, v.Parity.Status)
	if v.WorkflowID != nil {
		p.title("Local workflow: %d", *v.WorkflowID)
	} else {
		p.title("Local workflow: new")
	}
	rows := make([][]string, 0, len(v.Tasks))
	for _, t := range v.Tasks {
		rows = append(rows, []string{
			strconv.FormatInt(t.TaskCode, 10), t.TaskName, t.NodeType, t.DatasourceName,
			joinIDs(t.InputTableIDs), joinIDs(t.OutputTableIDs),
		})
	}
	p.table([]string{"CODE", "NAME", "TYPE", "DATASOURCE", "READS", "WRITES"}, rows)
	if len(v.RenamePlan) > 0 {
		p.title("Renames:")
		rows = rows[:0]
		for _, r := range v.RenamePlan {
			rows = append(rows, []string{strconv.FormatInt(r.TaskCode, 10), r.OriginalName, r.TargetName, r.Reason})
		}
		p.table([]string{"CODE", "FROM", "TO", "REASON"}, rows)
	}
	if m := v.EdgeMismatch; m != nil {
		p.title("Edges only in the definition: %s", strings.Join(m.OnlyInExplicit, "; "))
		p.title("Edges only in the lineage: %s", strings.Join(m.OnlyInInferred, "; "))
	}
	p.diff(v.Diff)
	p.title("Can sync: %t", v.CanSync)
	return p.outcome(out.Issues)
}

func (p *printer) syncResult(out models.Outcome[service.SyncResult]) error {
	if ok, err := structuredOutcome(p, out); ok {
		return err
	}
	if !out.Blocked() {
		v := out.Value
		p.title("Synced into workflow %d as version %d (id %d), record %d", v.WorkflowID, v.VersionNo, v.VersionID, v.SyncRecordID)
		p.diff(v.Diff)
	}
	return p.outcome(out.Issues)
}

func (p *printer) publishPreview(out models.Outcome[service.PublishPreview]) error {
	if ok, err := structuredOutcome(p, out); ok {
		return err
	}
	v := out.Value
	p.title("Workflow %d -> runtime workflow %d (first deploy: %t)", v.WorkflowID, v.WorkflowCode, v.FirstDeploy)
	p.diff(v.Diff)
	p.title("Can publish: %t, needs confirmation: %t", v.CanPublish, v.RequireConfirm)
	return p.outcome(out.Issues)
}

func (p *printer) publishResult(out models.Outcome[service.PublishResult]) error {
	if ok, err := structuredOutcome(p, out); ok {
		return err
	}
	if !out.Blocked() {
		v := out.Value
		p.title("%s %s: runtime workflow %d, record %d (operation %s), publish status %s",
			v.Operation, v.Status, v.WorkflowCode, v.RecordID, v.OperationID, v.PublishStatus)
	}
	return p.outcome(out.Issues)
}

func (p *printer) versions(versions []models.Version) error {
	if ok, err := p.structured(versions); ok {
		return err
	}
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{
			strconv.FormatInt(v.ID, 10), strconv.Itoa(v.VersionNo), string(v.TriggerSource),
			v.ChangeSummary, idPtr(v.RollbackFromVersionID), v.CreatedBy, v.CreatedAt.Format(time.RFC3339),
		})
	}
	p.table([]string{"ID", "NO", "TRIGGER", "SUMMARY", "ROLLBACK FROM", "BY", "CREATED"}, rows)
	return nil
}

func (p *printer) comparison(out models.Outcome[service.VersionComparison]) error {
	if ok, err := structuredOutcome(p, out); ok {
		return err
	}
	if !out.Blocked() {
		p.diff(out.Value.Diff)
		fmt.Fprintln(p.w, out.Value.UnifiedDiff)
	}
	return p.outcome(out.Issues)
}

func (p *printer) rollback(out models.Outcome[service.RollbackResult]) error {
	if ok, err := structuredOutcome(p, out); ok {
		return err
	}
	if !out.Blocked() {
		v := out.Value
		p.title("Workflow %d rolled back to version %d as version %d (id %d)", v.WorkflowID, v.RollbackFromVersionID, v.VersionNo, v.VersionID)
	}
	return p.outcome(out.Issues)
}

func refRows(refs []models.TableRefMatch) [][]string {
	rows := make([][]string, 0, len(refs))
	for _, r := range refs {
		chosen := ""
		if r.ChosenTable != nil {
			chosen = strconv.FormatInt(r.ChosenTable.TableID, 10)
		}
		rows = append(rows, []string{
			string(r.Direction), r.QualifiedName(), string(r.Status), chosen,
			strconv.Itoa(len(r.Candidates)), strconv.FormatFloat(r.Confidence, 'f', 2, 64),
		})
	}
	return rows
}

func (p *printer) analysis(out models.Outcome[models.LineageResult]) error {
	if ok, err := structuredOutcome(p, out); ok {
		return err
	}
	rows := append(refRows(out.Value.InputRefs), refRows(out.Value.OutputRefs)...)
	p.table([]string{"DIRECTION", "TABLE", "MATCH", "TABLE ID", "CANDIDATES", "CONFIDENCE"}, rows)
	p.title("%d statement(s)", len(out.Value.Statements))
	return p.outcome(out.Issues)
}

func (p *printer) lineage(g models.LineageGraph) error {
	if ok, err := p.structured(g); ok {
		return err
	}
	names := make(map[int64]string, len(g.Nodes))
	rows := make([][]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		names[n.TableID] = n.DBName + "." + n.TableName
		rows = append(rows, []string{strconv.FormatInt(n.TableID, 10), names[n.TableID], n.Layer})
	}
	p.table([]string{"ID", "TABLE", "LAYER"}, rows)
	rows = make([][]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		rows = append(rows, []string{names[e.Source], names[e.Target], strconv.FormatInt(e.TaskID, 10)})
	}
	p.table([]string{"SOURCE", "TARGET", "TASK"}, rows)
	return nil
}

func (p *printer) runtimeOptions(opts service.RuntimeOptions) error {
	if ok, err := p.structured(opts); ok {
		return err
	}
	rows := make([][]string, 0, len(opts.Datasources))
	for _, d := range opts.Datasources {
		rows = append(rows, []string{strconv.FormatInt(d.ID, 10), d.Name, d.Type})
	}
	p.title("Datasources:")
	p.table([]string{"ID", "NAME", "TYPE"}, rows)
	p.title("Worker groups: %s", strings.Join(opts.WorkerGroups, ", "))
	return nil
}

func (p *printer) instances(list []dolphin.ProcessInstance) error {
	if ok, err := p.structured(list); ok {
		return err
	}
	rows := make([][]string, 0, len(list))
	for _, i := range list {
		rows = append(rows, []string{strconv.FormatInt(i.ID, 10), i.Name, i.State, i.StartTime, i.EndTime})
	}
	p.table([]string{"ID", "NAME", "STATE", "START", "END"}, rows)
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
