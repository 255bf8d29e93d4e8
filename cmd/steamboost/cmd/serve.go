package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/api"
	"github.com/Dicklesworthstone/steamboost/internal/config"
	"github.com/Dicklesworthstone/steamboost/internal/db"
	"github.com/Dicklesworthstone/steamboost/internal/fleet"
	"github.com/Dicklesworthstone/steamboost/internal/session"
	"github.com/Dicklesworthstone/steamboost/internal/signals"
	"github.com/Dicklesworthstone/steamboost/internal/status"
	"github.com/Dicklesworthstone/steamboost/internal/steam"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon and dashboard",
	Long: `Run the daemon: load accounts, serve the dashboard and HTTP API, and keep
started accounts online until interrupted.

Accounts listed in the config file are added to the registry on startup
and whenever the file changes. Accounts added through the API live only
in the registry state file.

On SIGINT or SIGTERM every session is logged off, the state file and the
activity database are flushed, and the process exits. SIGHUP re-reads the
config file (see "steamboost reload"); SIGUSR1 logs a status summary.

Only one daemon may run per PID file.

Examples:
  steamboost serve
  steamboost serve --autostart
  PORT=8080 steamboost serve --config ./steamboost.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAutostart bool
	serveNoWatch   bool
	servePIDFile   string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveAutostart, "autostart", false, "start every account after boot")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file on change")
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "PID file (default: $STEAMBOOST_HOME/steamboost.pid)")
}

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = 6 * time.Hour
)

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, verbose)
	if err != nil {
		return err
	}
	logger = logger.With("run_id", uuid.New().String()[:8])

	pidPath := servePIDFile
	if pidPath == "" {
		pidPath = signals.DefaultPIDFilePath()
	}
	if err := signals.AcquirePIDFile(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := signals.RemovePIDFile(pidPath); err != nil {
			logger.Warn("failed to remove pid file", "path", pidPath, "error", err)
		}
	}()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	sigs, err := signals.New()
	if err != nil {
		d.Close()
		return fmt.Errorf("install signal handlers: %w", err)
	}
	defer sigs.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		d.Close()
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	var watcher *config.Watcher
	if !serveNoWatch {
		watcher, err = config.Watch(path)
		if err != nil {
			logger.Warn("config watching disabled", "path", path, "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Serve(ln)
	}()
	d.Run(ctx, watcher)

	fmt.Fprintf(cmd.OutOrStdout(), "steamboost %s serving %d account(s) on http://%s\n", Version, d.registry.Len(), ln.Addr())
	if serveAutostart {
		d.startAll(ctx)
	}

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case sig := <-sigs.Shutdown():
			logger.Info("shutdown requested", "signal", sig.String())
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			break wait
		case <-sigs.Reload():
			d.reload(path)
		case <-sigs.DumpStats():
			d.dumpStats()
		case err = <-errCh:
			if err != nil {
				err = fmt.Errorf("API server error: %w", err)
			}
			break wait
		}
	}

	if watcher != nil {
		_ = watcher.Close()
	}
	d.Close()
	return err
}

// daemon owns every long-lived component of a serve run.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *account.Registry
	database  *db.DB
	recorder  *db.Recorder
	fleet     *fleet.Manager
	projector *status.Projector
	hub       *status.Hub
	server    *api.Server

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// newDaemon wires the components described by cfg. The activity database
// is optional: when it cannot be opened the daemon runs without history.
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, done: make(chan struct{})}

	factory, err := newFactory(cfg.Driver)
	if err != nil {
		return nil, err
	}

	records, err := cfg.Records(os.Getenv)
	if err != nil {
		logger.Warn("some configured accounts were skipped", "error", err)
	}
	d.registry = account.NewRegistry(
		account.NewFileStore(cfg.ResolvedStatePath()),
		account.WithDefaults(records),
		account.WithLogger(logger.With("component", "registry")))
	source := d.registry.Load()
	if added := d.registry.Merge(records); added > 0 {
		logger.Info("added accounts from config", "count", added)
	}
	logger.Info("accounts loaded", "source", source, "count", d.registry.Len(), "path", cfg.ResolvedStatePath())

	opts := fleet.Options{
		Registry:      d.registry,
		Factory:       factory,
		Policy:        cfg.RetryPolicy(),
		Logger:        logger.With("component", "fleet"),
		JournalSize:   cfg.JournalSize,
		UsageTimeout:  cfg.UsageTimeout,
		UsageInterval: cfg.UsageInterval,
		CodeInterval:  cfg.Challenge.Interval,
		CodeBurst:     cfg.Challenge.Burst,
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = db.DefaultPath()
	}
	if database, err := db.OpenAt(dbPath); err != nil {
		logger.Warn("activity history disabled", "path", dbPath, "error", err)
	} else {
		d.database = database
		logger.Debug("activity database opened", "path", database.Path())
		d.recorder = db.NewRecorder(database, 0, logger.With("component", "activity"))
		opts.Activity = d.recorder
	}

	d.fleet = fleet.New(opts)
	d.projector = status.NewProjector(d.registry, d.fleet, nil, 0)
	d.hub = status.NewHub(d.projector, cfg.BroadcastInterval, logger.With("component", "hub"))

	apiOpts := api.Options{
		Addr:      cfg.Listen,
		Fleet:     d.fleet,
		Projector: d.projector,
		Hub:       d.hub,
		Auth: api.BasicAuth{
			Username:     cfg.Dashboard.Username,
			PasswordHash: cfg.Dashboard.PasswordHash,
		},
		Logger: logger.With("component", "api"),
	}
	if d.database != nil {
		apiOpts.History = d.database
	}
	d.server = api.NewServer(apiOpts)
	return d, nil
}

// Run starts the hub and the background maintenance loop. watcher may be
// nil.
func (d *daemon) Run(ctx context.Context, watcher *config.Watcher) {
	ctx, d.cancel = context.WithCancel(ctx)

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		d.hub.Run(ctx)
	}()

	go func() {
		defer close(d.done)
		d.maintain(ctx, watcher)
		<-hubDone
	}()
}

func (d *daemon) maintain(ctx context.Context, watcher *config.Watcher) {
	var (
		changes <-chan *config.Config
		errs    <-chan error
	)
	if watcher != nil {
		changes = watcher.Changes()
		errs = watcher.Errors()
	}

	d.prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-changes:
			d.applyConfig(cfg)
		case err := <-errs:
			d.logger.Warn("config reload failed", "error", err)
		case <-ticker.C:
			d.prune()
		}
	}
}

// applyConfig merges accounts that appeared in a reloaded config. Other
// settings take effect on the next restart.
func (d *daemon) applyConfig(cfg *config.Config) {
	records, err := cfg.Records(os.Getenv)
	if err != nil {
		d.logger.Warn("some configured accounts were skipped", "error", err)
	}
	if added := d.registry.Merge(records); added > 0 {
		d.logger.Info("added accounts from reloaded config", "count", added)
		d.hub.Publish()
	}
}

// reload re-reads the config file on request.
func (d *daemon) reload(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		d.logger.Warn("config reload failed", "path", path, "error", err)
		return
	}
	d.logger.Info("config reloaded", "path", path)
	d.applyConfig(cfg)
}

// dumpStats logs a one-line summary per state plus queue health.
func (d *daemon) dumpStats() {
	snap := d.projector.Snapshot()
	args := []any{"accounts", len(snap.Order), "active", len(d.fleet.Active())}
	for state, n := range snap.Counts() {
		args = append(args, string(state), n)
	}
	if d.recorder != nil {
		args = append(args, "activity_dropped", d.recorder.Dropped())
	}
	d.logger.Info("status", args...)
}

func (d *daemon) prune() {
	if d.database == nil || d.cfg.HistoryRetention <= 0 {
		return
	}
	n, err := d.database.Prune(time.Now().Add(-d.cfg.HistoryRetention))
	if err != nil {
		d.logger.Warn("failed to prune activity history", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("pruned activity history", "rows", n)
	}
}

func (d *daemon) startAll(ctx context.Context) {
	failures := d.fleet.StartAll(ctx)
	d.logger.Info("autostart complete", "accounts", d.registry.Len(), "failed", len(failures))
}

// Close shuts everything down in dependency order: stop serving, log every
// session off, stop the hub, then flush state and history. Safe to call
// more than once.
func (d *daemon) Close() {
	d.closeOnce.Do(d.close)
}

func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		d.logger.Warn("API shutdown error", "error", err)
	}

	d.fleet.Close()

	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	if err := d.registry.Save(); err != nil {
		d.logger.Warn("failed to save account state", "error", err)
	}

	if d.recorder != nil {
		d.recorder.Close()
		if n := d.recorder.Dropped(); n > 0 {
			d.logger.Warn("activity events dropped during run", "count", n)
		}
	}
	if d.database != nil {
		if err := d.database.Checkpoint(); err != nil {
			d.logger.Warn("activity database checkpoint failed", "error", err)
		}
		if err := d.database.Close(); err != nil {
			d.logger.Warn("failed to close activity database", "error", err)
		}
	}
	d.logger.Info("daemon stopped")
}

func newLogger(level string, verbose bool) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// newFactory returns the client factory for the configured driver. An empty
// name selects the simulated driver.
func newFactory(driver config.DriverConfig) (steam.Factory, error) {
	switch driver.Name {
	case "", config.DriverSimulated:
		return steam.NewSimulatedFactory(func(string) steam.SimulatedOptions {
			return steam.SimulatedOptions{
				Latency:          driver.Latency,
				RequireGuard:     driver.RequireGuard,
				BaseUsageMinutes: driver.BaseUsageMinutes,
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", driver.Name)
	}
}

// The daemon hands its recorder to sessions through this interface.
var _ session.ActivityRecorder = (*db.Recorder)(nil)
