package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/api"
	"github.com/kylemclaren/patrol-tasks/internal/config"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/logging"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/report"
	"github.com/kylemclaren/patrol-tasks/internal/scheduler"
	"github.com/kylemclaren/patrol-tasks/internal/stream"
	"github.com/kylemclaren/patrol-tasks/internal/tui"
	"github.com/kylemclaren/patrol-tasks/internal/version"
	"github.com/kylemclaren/patrol-tasks/internal/webhook"
)

func main() {
	cmd := "tui"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	var err error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("patrol-tasks %s\n", version.Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "tui":
		err = runTUI(args)
	case "daemon":
		err = runDaemon()
	case "serve":
		err = runServer(args)
	case "sweep":
		err = runSweep()
	case "report":
		err = runReport(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every command needs
type app struct {
	cfg       *config.Config
	log       *logrus.Logger
	logCloser io.Closer
	db        *db.DB
}

func setup(quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	opts := logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Quiet: quiet}
	if cfg.LogFile || quiet {
		opts.File = cfg.LogPath()
	}
	log, closer, err := logging.New(opts)
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.DBPath(),
		db.WithDefaultZone(cfg.Location()),
		db.WithDefaultMatchRadius(cfg.MatchRadius),
	)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return &app{cfg: cfg, log: log, logCloser: closer, db: database}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.logCloser.Close()
}

func (a *app) newScheduler(streams scheduler.Publisher) *scheduler.Scheduler {
	return scheduler.New(a.db, webhook.NewNotifier(), streams, a.log)
}

func runTUI(args []string) error {
	tuiCmd := flag.NewFlagSet("tui", flag.ExitOnError)
	enterprise := tuiCmd.String("enterprise", "", "Only show tasks of this enterprise")
	_ = tuiCmd.Parse(args)

	a, err := setup(true)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath := filepath.Join(a.cfg.DataDir, "daemon.pid")

	var sched *scheduler.Scheduler
	if pid, running := isDaemonRunning(pidPath); running {
		// The daemon owns the sweep
		fmt.Printf("Daemon running (PID %d), sweep disabled\n", pid)
	} else {
		sched = a.newScheduler(nil)
		if err := sched.Start(a.cfg.SweepCron); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	return tui.Run(a.db, sched, *enterprise)
}

func runDaemon() error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath := filepath.Join(a.cfg.DataDir, "daemon.pid")
	if pid, running := isDaemonRunning(pidPath); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	sched := a.newScheduler(nil)
	if err := sched.Start(a.cfg.SweepCron); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	log := logging.Component(a.log, "daemon")
	log.WithFields(logrus.Fields{
		"pid":      os.Getpid(),
		"database": a.cfg.DBPath(),
		"sweep":    a.cfg.SweepCron,
	}).Info("patrol-tasks daemon started")

	waitForSignal()
	log.Info("shutting down")
	return nil
}

func runServer(args []string) error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	defer a.Close()

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("port", a.cfg.Port, "HTTP server port")
	noSweep := serveCmd.Bool("no-sweep", false, "Do not run the occurrence sweep")
	_ = serveCmd.Parse(args)

	log := logging.Component(a.log, "server")

	// Progress and completion events are shared by ingest and the sweep
	streamMgr := stream.NewManager()

	if !*noSweep {
		sched := a.newScheduler(streamMgr)
		if err := sched.Start(a.cfg.SweepCron); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	server := api.NewServer(a.db, streamMgr, a.log, api.WithCORSOrigins(a.cfg.CORSOrigins))

	addr := fmt.Sprintf(":%d", *port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.WithFields(logrus.Fields{
		"addr":     addr,
		"database": a.cfg.DBPath(),
		"sweep":    !*noSweep,
	}).Info("patrol-tasks API server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sigCh:
	}

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runSweep() error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.newScheduler(nil).RunOnce(context.Background(), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Swept %d task(s): %d closed, %d sealed, %d completed, %d missed\n",
		sum.Tasks, sum.Closed, sum.Sealed, sum.Completed, sum.Missed)
	return nil
}

func runReport(args []string) error {
	reportCmd := flag.NewFlagSet("report", flag.ExitOnError)
	from := reportCmd.String("from", "", "First date (YYYY-MM-DD), default 13 days before --to")
	to := reportCmd.String("to", "", "Last date (YYYY-MM-DD), default today in the enterprise zone")
	format := reportCmd.String("format", "term", "Output format: term, markdown or json")
	reportCmd.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: patrol-tasks report [options] <task-id>")
		reportCmd.PrintDefaults()
	}
	_ = reportCmd.Parse(args)
	if reportCmd.NArg() != 1 {
		reportCmd.Usage()
		return errors.New("missing task id")
	}

	a, err := setup(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	analyzer := analysis.New(a.db)
	task, err := a.db.GetTask(ctx, reportCmd.Arg(0))
	if err != nil {
		return err
	}
	plan, err := analyzer.Plan(ctx, task)
	if err != nil {
		return err
	}

	last := plan.Rule.DateAt(time.Now())
	if *to != "" {
		if last, err = recurrence.ParseDate(*to); err != nil {
			return err
		}
	}
	first := last.AddDays(-13)
	if *from != "" {
		if first, err = recurrence.ParseDate(*from); err != nil {
			return err
		}
	}

	r, err := analyzer.AnalyzeTask(ctx, task, first, last)
	if err != nil {
		return err
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "markdown", "md":
		fmt.Print(report.Markdown(r))
		return nil
	default:
		out, err := report.Render(r, 100)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// isDaemonRunning checks if a daemon is running by reading PID file and checking process
func isDaemonRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// On Unix, FindProcess always succeeds, so send signal 0 to check if alive
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	return pid, true
}

func printHelp() {
	fmt.Println(`patrol-tasks - Recurring patrol tasks with checkpoint completion tracking

Usage:
  patrol-tasks                     Launch the interactive TUI
  patrol-tasks tui [--enterprise]  Launch the TUI scoped to one enterprise
  patrol-tasks daemon              Run the occurrence sweep in foreground (for services)
  patrol-tasks serve               Run the HTTP API server with the sweep
  patrol-tasks sweep               Close elapsed occurrences once and exit
  patrol-tasks report <task-id>    Print the analysis of a task
  patrol-tasks version             Show version information
  patrol-tasks help                Show this help message

Serve Options:
  --port                           HTTP server port (default: 8080)
  --no-sweep                       Serve the API without sweeping

Report Options:
  --from, --to                     Date range (YYYY-MM-DD), default the last 14 days
  --format                         term, markdown or json

Environment Variables:
  PATROL_TASKS_DATA                Data directory (default: ~/.patrol-tasks)
  PATROL_TASKS_PORT                HTTP server port
  PATROL_TASKS_LOG_LEVEL           debug, info, warn or error
  PATROL_TASKS_LOG_JSON            Log as JSON
  PATROL_TASKS_LOG_FILE            Also log to <data>/logs/patrol-tasks.log
  PATROL_TASKS_MATCH_RADIUS        Initial checkpoint matching radius in meters
  PATROL_TASKS_DEFAULT_TZ          Zone of enterprises without one configured
  PATROL_TASKS_SWEEP_CRON          Sweep schedule, cron with seconds
  PATROL_TASKS_CORS_ORIGINS        Comma separated allowed origins

Variables may also be set in .env or <data>/.env.`)
}
