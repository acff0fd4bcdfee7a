package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MingkeVan/opendataworks-sub002/internal/config"
	"github.com/MingkeVan/opendataworks-sub002/internal/dolphin"
	internal_http "github.com/MingkeVan/opendataworks-sub002/internal/http"
	"github.com/MingkeVan/opendataworks-sub002/internal/log"
	internal_storage "github.com/MingkeVan/opendataworks-sub002/internal/storage"
	"github.com/MingkeVan/opendataworks-sub002/pkg/models"
	"github.com/MingkeVan/opendataworks-sub002/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// app is the wiring shared by every subcommand.
type app struct {
	cfg   *config.Config
	store *internal_storage.PostgresStore
	svc   *service.WorkflowService
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.GetLogger().Warnf("Failed to close store: %v", err)
		}
	}
}

var clients *dolphin.ClientCache

// newApp loads the configuration, connects the store and builds a service
// whose scheduler client comes from the process-wide client cache.
func newApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	log.Configure(log.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	dbConnStr, _ := cmd.Flags().GetString("db")
	if dbConnStr == "" {
		dbConnStr = cfg.ConnString()
	}
	log.GetLogger().Debugf("Connecting to %s:%d/%s", cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize store")
	}

	if clients == nil {
		clients = dolphin.NewClientCache(dolphin.Config{
			Timeout:   cfg.Dolphin.Timeout,
			RateLimit: cfg.Dolphin.RateLimit,
			Burst:     cfg.Dolphin.Burst,
		}, cfg.Dolphin.ClientTTL, log.GetLogger())
	}
	clients.Purge()
	client, err := clients.Get(cfg.Dolphin.URL, cfg.Dolphin.Token)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "failed to create scheduler client")
	}

	svc := service.NewWorkflowService(cmd.Context(), store, client, log.GetLogger(), service.Options{
		IngestMode:      cfg.Sync.IngestMode,
		DefaultOperator: cfg.Sync.DefaultOperator,
		TenantCode:      cfg.Dolphin.TenantCode,
		WorkerGroup:     cfg.Dolphin.WorkerGroup,
		Workers:         cfg.Sync.Workers,
	})
	return &app{cfg: cfg, store: store, svc: svc}, nil
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app, out *printer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, newPrinter(cmd), args)
	}
}

// SetupCLI registers every subcommand and the persistent flags on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides the db config section)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json or yaml")
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(
		serveCmd(),
		workflowsCmd(),
		syncCmd(),
		publishCmd(),
		versionsCmd(),
		analyzeCmd(),
		lineageCmd(),
		runtimeCmd(),
	)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			port := a.cfg.Server.Port
			if p, _ := out.cmd.Flags().GetString("port"); p != "" {
				port = p
			}
			return internal_http.StartServer(port, a.svc)
		}),
	}
	cmd.Flags().String("port", "", "Port to listen on (overrides server.port)")
	return cmd
}

func workflowsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflows", Short: "Inspect local workflows"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			workflows, err := a.svc.ListWorkflows()
			if err != nil {
				return err
			}
			return out.workflows(workflows)
		}),
	}, &cobra.Command{
		Use:   "show [id]",
		Short: "Show one workflow with its tasks and edges",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			wf, err := a.svc.GetWorkflow(id)
			if err != nil {
				return err
			}
			return out.workflow(wf)
		}),
	}, &cobra.Command{
		Use:   "records [id]",
		Short: "Show the sync and publish audit trail of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			syncs, err := a.svc.ListSyncRecords(id)
			if err != nil {
				return err
			}
			publishes, err := a.svc.ListPublishRecords(id)
			if err != nil {
				return err
			}
			return out.records(syncs, publishes)
		}),
	})
	return cmd
}

func syncRequest(ctx context.Context, cmd *cobra.Command, a *app) (service.SyncRequest, error) {
	flags := cmd.Flags()
	projectCode, _ := flags.GetInt64("project-code")
	workflowCode, _ := flags.GetInt64("workflow-code")
	mode, _ := flags.GetString("ingest-mode")
	operator, _ := flags.GetString("operator")
	confirm, _ := flags.GetBool("confirm-edge-mismatch")
	if projectCode == 0 {
		name, _ := flags.GetString("project-name")
		if name == "" {
			name = a.cfg.Dolphin.ProjectName
		}
		if name == "" {
			return service.SyncRequest{}, fmt.Errorf("--project-code or --project-name is required")
		}
		code, err := a.svc.ResolveProjectCode(ctx, name)
		if err != nil {
			return service.SyncRequest{}, errors.Wrapf(err, "failed to resolve project %q", name)
		}
		projectCode = code
	}
	return service.SyncRequest{
		ProjectCode:         projectCode,
		WorkflowCode:        workflowCode,
		IngestMode:          mode,
		Operator:            operator,
		ConfirmEdgeMismatch: confirm,
	}, nil
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Pull a runtime workflow into the local design"}
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Show what a sync would write",
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			req, err := syncRequest(ctx, out.cmd, a)
			if err != nil {
				return err
			}
			res, err := a.svc.PreviewSync(ctx, req)
			if err != nil {
				return err
			}
			return out.syncPreview(res)
		}),
	}
	execute := &cobra.Command{
		Use:   "execute",
		Short: "Sync a runtime workflow",
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			req, err := syncRequest(ctx, out.cmd, a)
			if err != nil {
				return err
			}
			res, err := a.svc.ExecuteSync(ctx, req)
			if err != nil {
				return err
			}
			return out.syncResult(res)
		}),
	}
	for _, c := range []*cobra.Command{preview, execute} {
		c.Flags().Int64("project-code", 0, "Scheduler project code")
		c.Flags().String("project-name", "", "Scheduler project name, resolved when --project-code is not set")
		c.Flags().Int64("workflow-code", 0, "Runtime workflow code")
		c.Flags().String("ingest-mode", "", "legacy, export_shadow or export_only (default from config)")
		c.Flags().String("operator", "", "Acting user")
		c.Flags().Bool("confirm-edge-mismatch", false, "Accept explicit edges that differ from lineage")
		_ = c.MarkFlagRequired("workflow-code")
	}
	cmd.AddCommand(preview, execute)
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "publish", Short: "Push a local workflow to the scheduler"}
	cmd.AddCommand(&cobra.Command{
		Use:   "preview [workflow-id]",
		Short: "Diff the local design against the runtime definition",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := a.svc.PreviewPublish(ctx, id)
			if err != nil {
				return err
			}
			return out.publishPreview(res)
		}),
	})

	run := &cobra.Command{
		Use:   "run [workflow-id] [deploy|online|offline]",
		Short: "Deploy, bring online or take offline a workflow",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			flags := out.cmd.Flags()
			req := service.PublishRequest{Operation: args[1]}
			req.ConfirmDiff, _ = flags.GetBool("confirm")
			req.RequireApproval, _ = flags.GetBool("require-approval")
			req.Operator, _ = flags.GetString("operator")
			if v, _ := flags.GetInt64("version-id"); v > 0 {
				req.VersionID = &v
			}
			res, err := a.svc.Publish(ctx, id, req)
			if err != nil {
				return err
			}
			return out.publishResult(res)
		}),
	}
	run.Flags().Bool("confirm", false, "Deploy even though the design differs from the runtime definition")
	run.Flags().Bool("require-approval", false, "Record a pending publish instead of pushing")
	run.Flags().String("operator", "", "Acting user")
	run.Flags().Int64("version-id", 0, "Version the publish is based on")
	cmd.AddCommand(run,
		decisionCmd("approve", "Perform a publish held for approval", (*service.WorkflowService).ApprovePublish),
		decisionCmd("reject", "Close a publish held for approval without pushing", (*service.WorkflowService).RejectPublish))
	return cmd
}

type publishDecision func(s *service.WorkflowService, ctx context.Context, workflowID, recordID int64, req service.ApprovalRequest) (models.Outcome[service.PublishResult], error)

func decisionCmd(use, short string, decide publishDecision) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [workflow-id] [record-id]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			recordID, err := parseID(args[1])
			if err != nil {
				return err
			}
			var req service.ApprovalRequest
			req.Approver, _ = out.cmd.Flags().GetString("approver")
			req.Comment, _ = out.cmd.Flags().GetString("comment")
			res, err := decide(a.svc, ctx, id, recordID, req)
			if err != nil {
				return err
			}
			return out.publishResult(res)
		}),
	}
	cmd.Flags().String("approver", "", "Deciding user")
	cmd.Flags().String("comment", "", "Reason recorded with the decision")
	return cmd
}

func versionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "versions", Short: "Inspect and restore workflow versions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [workflow-id]",
		Short: "List versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			versions, err := a.svc.ListVersions(ctx, id)
			if err != nil {
				return err
			}
			return out.versions(versions)
		}),
	})

	compare := &cobra.Command{
		Use:   "compare [workflow-id] [right-version-id]",
		Short: "Diff two versions, or one version against an empty baseline",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			right, err := parseID(args[1])
			if err != nil {
				return err
			}
			var left *int64
			if v, _ := out.cmd.Flags().GetInt64("left"); v > 0 {
				left = &v
			}
			res, err := a.svc.CompareVersions(ctx, id, left, right)
			if err != nil {
				return err
			}
			return out.comparison(res)
		}),
	}
	compare.Flags().Int64("left", 0, "Left version id (default empty baseline)")

	rollback := &cobra.Command{
		Use:   "rollback [workflow-id] [version-id]",
		Short: "Restore the design stored in a version",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			versionID, err := parseID(args[1])
			if err != nil {
				return err
			}
			operator, _ := out.cmd.Flags().GetString("operator")
			res, err := a.svc.RollbackVersion(ctx, id, versionID, operator)
			if err != nil {
				return err
			}
			return out.rollback(res)
		}),
	}
	rollback.Flags().String("operator", "", "Acting user")
	cmd.AddCommand(compare, rollback)
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [sql]",
		Short: "Resolve the tables a SQL script reads and writes",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			sql, err := readSQL(out.cmd, args)
			if err != nil {
				return err
			}
			nodeType, _ := out.cmd.Flags().GetString("node-type")
			res, err := a.svc.AnalyzeSQL(ctx, sql, nodeType)
			if err != nil {
				return err
			}
			return out.analysis(res)
		}),
	}
	cmd.Flags().StringP("file", "f", "", "Read the SQL from a file ('-' for stdin)")
	cmd.Flags().String("node-type", "SQL", "Task node type")
	return cmd
}

func readSQL(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	file, _ := cmd.Flags().GetString("file")
	switch file {
	case "":
		return "", fmt.Errorf("pass the SQL as an argument or with --file")
	case "-":
		raw, err := io.ReadAll(cmd.InOrStdin())
		return string(raw), err
	default:
		raw, err := os.ReadFile(file)
		return string(raw), err
	}
}

func lineageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Print the table lineage graph",
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			var center *int64
			if v, _ := out.cmd.Flags().GetInt64("center"); v > 0 {
				center = &v
			}
			depth, _ := out.cmd.Flags().GetInt("depth")
			graph, err := a.svc.LineageGraph(center, depth)
			if err != nil {
				return err
			}
			return out.lineage(graph)
		}),
	}
	cmd.Flags().Int64("center", 0, "Center table id (default whole graph)")
	cmd.Flags().Int("depth", -1, "Hops from the center, -1 for unlimited")
	return cmd
}

func runtimeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runtime", Short: "Query the scheduler"}
	cmd.AddCommand(&cobra.Command{
		Use:   "options",
		Short: "List datasources, task groups, worker groups, tenants and environments",
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return out.runtimeOptions(a.svc.RuntimeOptions(ctx))
		}),
	})

	instances := &cobra.Command{
		Use:   "instances [workflow-id]",
		Short: "List the runs of a deployed workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, out *printer, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			pageNo, _ := out.cmd.Flags().GetInt("page")
			pageSize, _ := out.cmd.Flags().GetInt("page-size")
			list, err := a.svc.ListRuntimeInstances(ctx, id, pageNo, pageSize)
			if err != nil {
				return err
			}
			return out.instances(list)
		}),
	}
	instances.Flags().Int("page", 1, "Page number")
	instances.Flags().Int("page-size", 20, "Page size")
	cmd.AddCommand(instances)
	return cmd
}
