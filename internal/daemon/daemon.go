package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/api"
	"github.com/ktstudio/ktstudio/internal/app/batch"
	"github.com/ktstudio/ktstudio/internal/app/retention"
	"github.com/ktstudio/ktstudio/internal/app/tasks"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/health"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
	"github.com/ktstudio/ktstudio/internal/infra/events"
	"github.com/ktstudio/ktstudio/internal/infra/planner"
	"github.com/ktstudio/ktstudio/internal/infra/scheduler"
	"github.com/ktstudio/ktstudio/internal/infra/sqlite"
	"github.com/ktstudio/ktstudio/internal/logging"
	"github.com/ktstudio/ktstudio/internal/pipeline"
)

// Daemon is the core ktstudio runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Log       *zap.Logger
	DB        *sqlite.DB
	Backend   *comfy.Client
	Planner   *planner.Client
	Events    *events.Hub
	Scheduler *scheduler.Scheduler
	Tasks     *tasks.Service
	Batch     *batch.Supervisor
	Health    *health.Checker
	Retention *retention.Service
	Server    *api.Server

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	db, err := sqlite.Open(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, Log: log, DB: db}

	// ─── Collaborators ─────────────────────────────────────────────────

	d.Backend = comfy.New(cfg.ComfyConfig(), log.Named("comfy"))
	d.Planner = planner.New(cfg.PlannerClientConfig(), log.Named("planner"))
	d.Events = events.NewHub(log.Named("events"))
	templates := comfy.NewTemplates(cfg.Backend.WorkflowsDir)

	// ─── Execution ─────────────────────────────────────────────────────

	env := adapter.NewEnv(d.Backend, db, d.Planner, templates,
		cfg.Storage.OutputDir, cfg.AdapterDefaults(), log.Named("adapter"))

	d.Scheduler = scheduler.New(cfg.SchedulerConfig(), db, d.Backend, log.Named("scheduler"),
		scheduler.WithEvents(d.Events))
	for kind, a := range env.Adapters() {
		d.Scheduler.Register(kind, a)
	}
	composite := pipeline.New(db, d.Planner, env, log.Named("composite")).
		WithStepTimeout(cfg.CompositeStepTimeout())
	d.Scheduler.Register(domain.KindSceneComposite, env.WithEntityStatus(composite))

	// ─── Application ───────────────────────────────────────────────────

	d.Tasks = tasks.NewService(db, d.Scheduler, log.Named("tasks"))
	d.Batch = batch.New(d.Tasks, db, cfg.BatchConfig(), log.Named("batch"))
	d.Health = health.NewChecker(db, cfg.Storage.OutputDir, d.Backend, templates, log.Named("health"))
	d.Retention = retention.New(db, cfg.RetentionJobConfig(), log.Named("retention"))

	// ─── API ───────────────────────────────────────────────────────────

	srv := api.NewServer(d.Tasks, log.Named("api"))
	srv.SetBatch(d.Batch)
	srv.SetEvents(d.Events)
	srv.SetLogs(db)
	srv.SetHealth(d.Health)
	srv.SetCORSOrigins(cfg.API.CORSOrigins)
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// Serve recovers interrupted tasks, starts the background services and the
// HTTP server, and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	d.cancel = cancel

	// A previous process may have died with a task running.
	recovered, err := d.DB.RecoverInterrupted(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if len(recovered) > 0 {
		d.Log.Warn("failed tasks interrupted by restart", zap.Int64s("task_ids", recovered))
	}

	// ─── Background services ───────────────────────────────────────────

	d.Server.SetBackground(ctx)
	d.Scheduler.Start(ctx)
	go d.Health.Run(ctx)
	if err := d.Retention.Start(ctx); err != nil {
		return err
	}

	addr := d.Config.API.Addr()
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     d.Server.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		d.Log.Info("ktstudio serving",
			zap.String("addr", "http://"+addr),
			zap.String("backend", d.Config.Backend.BaseURL),
			zap.Bool("metrics", d.Config.API.Metrics))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	d.Log.Info("shutting down")
	_ = httpServer.Shutdown(shutdownCtx)
	d.Close()
	return serveErr
}

// Close shuts down all daemon resources. Safe to call more than once.
func (d *Daemon) Close() {
	d.closeOnce.Do(d.close)
}

func (d *Daemon) close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Retention != nil {
		d.Retention.Stop()
	}
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.Events != nil {
		_ = d.Events.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
	if d.Log != nil {
		_ = d.Log.Sync()
	}
}
