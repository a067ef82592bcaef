package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/leafy/internal/audit"
	"github.com/basket/leafy/internal/bus"
	"github.com/basket/leafy/internal/cache"
	"github.com/basket/leafy/internal/config"
	otelPkg "github.com/basket/leafy/internal/otel"
	"github.com/basket/leafy/internal/persistence"
	"github.com/basket/leafy/internal/tasks"
	"github.com/basket/leafy/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s <command> [args]

COMMANDS:
  daemon                      Run maintenance jobs and watch config.yaml
  note save <title> <content> [-tags t]
  note get <title>
  note search <keyword>
  note list [-limit n]
  note delete <title>
  history add <command> [-status s] [-duration d] [-result r]
  history list [-limit n]
  history search <keyword> [-limit n]
  history top [-n n]
  history prune [-days n]
  setting set <key> <value> [-type string|int|float|bool|json]
  setting get <key>
  setting list
  cache put <type> <query> <response> [-ttl seconds]
  cache get <type> <query>
  cache sweep
  cache clear
  backup [path]               Copy the database (default: timestamped file next to it)
  restore <path>              Replace the database contents from a backup
  stats [-json]               Row counts per table
  doctor [-json]              Run diagnostic checks

ENVIRONMENT VARIABLES:
  LEAFY_HOME                  Data directory (default: ~/.leafy)
  LEAFY_LOG_LEVEL             debug, info, warn or error
  LEAFY_DB_PATH               Database path, relative to LEAFY_HOME if not absolute
`, os.Args[0])
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(dispatch(ctx, flag.Args(), os.Stdout))
}

func dispatch(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	case "daemon":
		return runDaemonCommand(ctx, rest)
	case "note", "notes":
		return runNoteCommand(ctx, rest, out)
	case "history":
		return runHistoryCommand(ctx, rest, out)
	case "setting", "settings":
		return runSettingCommand(ctx, rest, out)
	case "cache":
		return runCacheCommand(ctx, rest, out)
	case "backup":
		return runBackupCommand(ctx, rest, out)
	case "restore":
		return runRestoreCommand(ctx, rest, out)
	case "stats":
		return runStatsCommand(ctx, rest, out)
	case "doctor":
		return runDoctorCommand(ctx, rest, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

// app bundles the components a command needs. Close releases them in
// reverse order of construction.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	audit   *audit.Log
	bus     *bus.Bus
	logSink *telemetry.Sink
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	store   *persistence.Store
	tasks   *tasks.Manager
	cache   *cache.Cache

	closers []func()
}

// openApp loads config and opens the store. Logs go to stdout only when
// quiet is false and stdout is a terminal.
func openApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if !quiet && !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		quiet = true
	}

	a := &app{cfg: cfg}
	logger, sink, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a.logger, a.logSink = logger, sink
	a.closers = append(a.closers, func() { _ = sink.Close() })

	a.audit, err = audit.Open(cfg.HomeDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("audit init: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.audit.Close() })

	a.otel, err = otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.otel.Shutdown(shutdownCtx)
	})
	a.metrics, err = otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	a.bus = bus.New()
	a.closers = append(a.closers, a.bus.Close)

	a.store, err = persistence.Open(cfg.ResolvedDBPath(), persistence.Options{
		Logger:       logger,
		Meter:        a.otel.Meter,
		MaxOpenConns: cfg.WorkerCount,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("store open: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	a.tasks = tasks.New(tasks.Config{
		Workers:    cfg.WorkerCount,
		QueueDepth: cfg.MaxQueueDepth,
		Logger:     logger,
		Bus:        a.bus,
		Metrics:    a.metrics,
	})
	a.closers = append(a.closers, func() {
		if err := a.tasks.Close(cfg.DrainTimeout()); err != nil {
			logger.Warn("task drain incomplete", "error", err)
		}
	})

	a.cache = cache.New(cache.Config{
		Store:   a.store,
		Policy:  cfg.Cache.TTL,
		Tasks:   a.tasks,
		Logger:  logger,
		Bus:     a.bus,
		Metrics: a.metrics,
		Tracer:  a.otel.Tracer,
	})
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// withApp opens a quiet app for a one-shot command.
func withApp(ctx context.Context, fn func(*app) int) int {
	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()
	return fn(a)
}

// fatalStartup logs a startup failure with a reason code and exits.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"leafy","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// parseInterspersed parses flags that may appear after positional
// arguments, as in "note save title body -tags x".
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}
