package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/leafy/internal/config"
	"github.com/basket/leafy/internal/maintenance"
)

func runDaemonCommand(ctx context.Context, args []string) int {
	if len(args) > 0 {
		if isHelpArg(args[0]) {
			printDaemonUsage(os.Stdout)
			return 0
		}
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", args[0])
		return 2
	}

	a, err := openApp(ctx, false)
	if err != nil {
		fatalStartup(nil, "E_APP_INIT", err)
	}
	defer a.Close()
	logger := a.logger
	logger.Info("startup phase", "phase", "store_opened", "db", a.store.Path(), "config", a.cfg.Fingerprint())

	if a.cfg.Missing {
		path, err := config.WriteDefault(a.cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", path)
	}

	stopAudit := auditEvents(a.bus, a.audit, logger)
	defer stopAudit()

	sched, err := maintenance.New(maintenance.Config{
		Schedule: maintenance.Schedule{
			CacheSweep:   a.cfg.Maintenance.CacheSweep,
			HistoryPrune: a.cfg.Maintenance.HistoryPrune,
			Backup:       a.cfg.Maintenance.Backup,
		},
		RetentionDays: a.cfg.HistoryRetentionDays,
		BackupDir:     a.cfg.ResolvedBackupDir(),
		Sweeper:       a.cache,
		Store:         a.store,
		Tasks:         a.tasks,
		Logger:        logger,
		Bus:           a.bus,
		Metrics:       a.metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	sched.Start()
	for _, j := range sched.Jobs() {
		logger.Info("maintenance job scheduled", "job", j.Name, "spec", j.Spec, "next", j.Next)
	}

	// Expired rows left over from the last run are cleared right away.
	if _, err := sched.RunNow(maintenance.JobCacheSweep); err != nil {
		logger.Warn("initial cache sweep not submitted", "error", err)
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	}

	reloads := watcher.Events()

	logger.Info("startup phase", "phase", "ready", "workers", a.cfg.WorkerCount, "queue_depth", a.cfg.MaxQueueDepth)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout()+time.Second)
			sched.Stop(stopCtx)
			if snap, err := a.otel.Snapshot(stopCtx); err == nil && len(snap) > 0 {
				logger.Info("session metrics", "metrics", snap)
			}
			cancel()
			return 0
		case ev, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			reloadConfig(a, ev.Path)
		}
	}
}

// reloadConfig applies the TTL policy and log level from config.yaml at
// runtime. Pool sizes and schedules need a restart.
func reloadConfig(a *app, path string) {
	next, err := config.LoadFrom(a.cfg.HomeDir)
	if err != nil {
		a.logger.Error("config reload rejected", "path", path, "error", err)
		return
	}
	if next.Fingerprint() == a.cfg.Fingerprint() {
		return
	}
	if next.Cache.TTL != a.cfg.Cache.TTL {
		a.cache.SetPolicy(next.Cache.TTL)
	}
	if next.LogLevel != a.cfg.LogLevel {
		a.logSink.SetLevel(next.LogLevel)
		a.logger.Info("log level changed", "level", next.LogLevel)
	}
	if next.WorkerCount != a.cfg.WorkerCount || next.MaxQueueDepth != a.cfg.MaxQueueDepth ||
		next.Maintenance != a.cfg.Maintenance || next.ResolvedDBPath() != a.cfg.ResolvedDBPath() {
		a.logger.Warn("config change needs a restart to take effect", "path", path)
	}
	a.cfg = next
	a.logger.Info("config reloaded", "fingerprint", next.Fingerprint())
}

func printDaemonUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: leafy daemon")
	fmt.Fprintln(w, "Runs scheduled cache sweeps, history pruning and backups until interrupted.")
}
