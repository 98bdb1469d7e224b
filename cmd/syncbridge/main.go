// Command syncbridge runs the county data synchronization service: a
// long-running daemon (serve), a one-shot sync job (run), and small
// operator utilities (schedules, version).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/internal/orchestrator"
	"github.com/countygov/syncbridge/pkg/alert"
	"github.com/countygov/syncbridge/pkg/api"
	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/detect"
	"github.com/countygov/syncbridge/pkg/load"
	"github.com/countygov/syncbridge/pkg/logger"
	"github.com/countygov/syncbridge/pkg/mapping"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/notify"
	"github.com/countygov/syncbridge/pkg/quality"
	"github.com/countygov/syncbridge/pkg/schedule"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

var version = "0.1.0"

// Operator exit codes.
const (
	exitOK          = 0
	exitBadConfig   = 1
	exitUnreachable = 2
	exitJobFailed   = 3
	exitCancelled   = 4
)

func main() {
	_ = godotenv.Load() // .env is optional

	var configPath string

	root := &cobra.Command{
		Use:   "syncbridge",
		Short: "Bi-directional synchronization of county assessor data",
		Long: `syncbridge keeps the legacy assessment system and the modern records
platform in agreement: it detects changed rows, transforms and validates
them, resolves conflicts, and loads the survivors, with a full audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "syncbridge.yaml",
		"path to the service configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncbridge v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon: workers, scheduler, quality engine, HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	var dataType, direction, mappingName string
	var dryRun bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a single sync job and exit",
		Long: `Run one synchronization job to completion in the foreground.
The exit code reports the outcome: 0 on success (including partial
completion), 3 when the job failed, 4 when it was cancelled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(configPath, dataType, direction, mappingName, dryRun)
		},
	}
	runCmd.Flags().StringVar(&dataType, "data-type", "", "data type to synchronize")
	runCmd.Flags().StringVar(&direction, "direction", "up", "sync direction: up or down")
	runCmd.Flags().StringVar(&mappingName, "mapping", "", "named field mapping to apply")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"run every phase except load and report what would change")
	_ = runCmd.MarkFlagRequired("data-type")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "schedules",
		Short: "List configured sync schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSchedules(configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Purge audit logs and notifications past their retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweepRetention(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "syncbridge: %v\n", err)
		os.Exit(exitFor(err))
	}
}

// exitFor maps an error to the operator exit code.
func exitFor(err error) int {
	switch syncerrors.KindOf(err) {
	case syncerrors.KindConfig:
		return exitBadConfig
	case syncerrors.KindTransient:
		return exitUnreachable
	default:
		return exitBadConfig
	}
}

// app holds the wired service components shared by serve and run.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *store.Store
	target *load.PgxTarget
	source *sql.DB
	orch   *orchestrator.Orchestrator
	qual   *quality.Engine
	alerts *alert.Manager
	notify *notify.Dispatcher
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.AuditConnStr)
	if err != nil {
		return nil, err
	}
	target, err := load.NewPgxTarget(ctx, cfg.TargetConnStr)
	if err != nil {
		s.Close()
		return nil, err
	}
	source, driver, err := openSource(cfg.SourceConnStr)
	if err != nil {
		target.Close()
		s.Close()
		return nil, err
	}

	dispatcher := notify.New(s, cfg, log)
	alerts := alert.New(s, dispatcher, log)
	qual := quality.New(s, target, cfg, log)
	qual.SetAlerts(alerts)

	orch := orchestrator.New(orchestrator.Deps{
		Cfg:      cfg,
		Store:    s,
		Target:   target,
		Mappings: mapping.NewLoader(s),
		Detectors: func(table *config.TableSync) (detect.Detector, error) {
			return detect.For(cfg, table, detect.Deps{
				Source:       source,
				SourceDriver: driver,
				Baselines:    s,
			})
		},
		Quality: qual,
		Alerts:  alerts,
		Log:     log,
	})

	return &app{
		cfg:    cfg,
		log:    log,
		store:  s,
		target: target,
		source: source,
		orch:   orch,
		qual:   qual,
		alerts: alerts,
		notify: dispatcher,
	}, nil
}

func (a *app) close() {
	a.source.Close()
	a.target.Close()
	a.store.Close()
	_ = a.log.Sync()
}

// openSource opens the source-of-record database. The dialect drives
// identifier quoting and placeholder style in the change detectors.
func openSource(connStr string) (*sql.DB, string, error) {
	driverName, dialect := "mysql", "mysql"
	switch {
	case strings.HasPrefix(connStr, "postgres://"),
		strings.HasPrefix(connStr, "postgresql://"):
		driverName, dialect = "pgx", "postgres"
	case strings.HasSuffix(connStr, ".db"), connStr == ":memory:",
		strings.HasPrefix(connStr, "file:"):
		driverName, dialect = "sqlite", "sqlite"
	}
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, "", syncerrors.Wrap(err, syncerrors.KindConfig, "cli", "open source database")
	}
	return db, dialect, nil
}

func serve(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Ping(ctx); err != nil {
		return err
	}
	if err := a.target.Ping(ctx); err != nil {
		return err
	}

	server := api.New(api.Deps{
		Cfg:     a.cfg,
		Store:   a.store,
		Jobs:    a.orch,
		Target:  a.target,
		Quality: a.qual,
		Alerts:  a.alerts,
		Notify:  a.notify,
		Probes: map[string]api.Prober{
			"audit":  a.store.Ping,
			"target": a.target.Ping,
			"source": a.source.PingContext,
		},
		Log: a.log,
	})
	httpServer := &http.Server{
		Addr:              a.cfg.HTTP.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := schedule.New(a.store, a.orch, a.cfg, a.log)

	a.log.Info("syncbridge starting",
		zap.String("version", version),
		zap.String("listen", a.cfg.HTTP.Listen),
		zap.Int("workers", a.cfg.WorkerCount),
		zap.Int("tables", len(a.cfg.Tables)))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- syncerrors.Wrap(err, syncerrors.KindTransient, "cli", "http server")
		}
	}()
	go sched.Run(ctx)
	go a.qual.Run(ctx)

	done := make(chan struct{})
	go func() {
		a.orch.Run(ctx)
		close(done)
	}()

	select {
	case err := <-errCh:
		stop()
		<-done
		return err
	case <-ctx.Done():
	}

	a.log.Info("syncbridge shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	<-done
	return nil
}

func runOnce(configPath, dataType, direction, mappingName string, dryRun bool) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	job := &model.SyncJob{
		DataType:    dataType,
		Direction:   model.Direction(direction),
		MappingName: mappingName,
		DryRun:      dryRun,
	}
	if err := a.orch.Submit(ctx, job); err != nil {
		return err
	}
	a.orch.Execute(ctx, job.ID)

	final, err := a.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	fmt.Printf("job %s: %s (extracted %d, loaded %d, invalid %d, conflicts %d)\n",
		final.ID, final.Status, final.Counters.Extracted, final.Counters.Loaded,
		final.Counters.Invalid, final.Counters.Conflicts)

	switch final.Status {
	case model.JobFailed:
		os.Exit(exitJobFailed)
	case model.JobCancelled:
		os.Exit(exitCancelled)
	}
	return nil
}

func sweepRetention(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	s, err := store.Open(cfg.AuditConnStr)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logAge := time.Duration(cfg.Retention.SyncLogDays) * 24 * time.Hour
	notifAge := time.Duration(cfg.Retention.NotificationDays) * 24 * time.Hour
	purged, err := s.RetentionSweep(ctx, logAge, notifAge)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d rows\n", purged)
	return nil
}

func listSchedules(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	s, err := store.Open(cfg.AuditConnStr)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return err
	}
	if len(schedules) == 0 {
		fmt.Println("no schedules configured")
		return nil
	}
	fmt.Printf("%-24s %-12s %-5s %-16s %-8s %s\n",
		"NAME", "DATA TYPE", "DIR", "SPEC", "ENABLED", "NEXT FIRE")
	for _, sc := range schedules {
		next := "-"
		if sc.NextFire != nil {
			next = sc.NextFire.Format(time.RFC3339)
		}
		fmt.Printf("%-24s %-12s %-5s %-16s %-8t %s\n",
			sc.Name, sc.DataType, sc.Direction, sc.Spec, sc.Enabled, next)
	}
	return nil
}
