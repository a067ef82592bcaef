package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/leafy/internal/config"
	"github.com/basket/leafy/internal/maintenance"
	"github.com/basket/leafy/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkMaintenance,
		checkBackupDir,
		checkTelemetry,
	}

	// Checks are independent; results keep the declared order.
	d.Results = make([]CheckResult, len(checks))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, check := range checks {
		g.Go(func() error {
			d.Results[i] = check(gCtx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, using defaults",
			Detail:  fmt.Sprintf("expected at %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := cfg.ResolvedDBPath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: "WARN", Message: "Database not created yet", Detail: dbPath}
	}

	store, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err), Detail: dbPath}
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: dbPath}
	}

	var integrity string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA quick_check").Scan(&integrity); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity check failed: %v", err), Detail: dbPath}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check reported problems", Detail: integrity}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail: fmt.Sprintf("path=%s notes=%d commands=%d cache=%d settings=%d",
			dbPath, st.Notes, st.Commands, st.CacheEntries, st.Settings),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkMaintenance(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Maintenance", Status: "SKIP", Message: "Config missing"}
	}
	specs := []struct{ job, spec string }{
		{maintenance.JobCacheSweep, cfg.Maintenance.CacheSweep},
		{maintenance.JobHistoryPrune, cfg.Maintenance.HistoryPrune},
		{maintenance.JobBackup, cfg.Maintenance.Backup},
	}
	var details, bad []string
	for _, s := range specs {
		spec := strings.TrimSpace(s.spec)
		if spec == "" || strings.EqualFold(spec, maintenance.Off) {
			details = append(details, s.job+": off")
			continue
		}
		if err := maintenance.ValidateSpec(spec); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", s.job, err))
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s", s.job, spec))
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Maintenance", Status: "FAIL", Message: "Invalid maintenance schedule", Detail: strings.Join(bad, "; ")}
	}
	return CheckResult{Name: "Maintenance", Status: "PASS", Message: "Schedules valid", Detail: strings.Join(details, ", ")}
}

func checkBackupDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backups", Status: "SKIP", Message: "Config missing"}
	}
	dir := cfg.ResolvedBackupDir()
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return CheckResult{Name: "Backups", Status: "PASS", Message: "Backup dir will be created on first backup", Detail: dir}
	case err != nil:
		return CheckResult{Name: "Backups", Status: "FAIL", Message: fmt.Sprintf("Backup dir unreadable: %v", err), Detail: dir}
	case !info.IsDir():
		return CheckResult{Name: "Backups", Status: "FAIL", Message: "Backup path is not a directory", Detail: dir}
	}
	entries, err := filepath.Glob(filepath.Join(dir, "leafy_backup_*.db"))
	if err != nil {
		return CheckResult{Name: "Backups", Status: "WARN", Message: err.Error(), Detail: dir}
	}
	if cfg.Maintenance.Backup != "" && len(entries) == 0 {
		return CheckResult{Name: "Backups", Status: "WARN", Message: "Scheduled backups enabled but none taken yet", Detail: dir}
	}
	return CheckResult{Name: "Backups", Status: "PASS", Message: fmt.Sprintf("%d backups found", len(entries)), Detail: dir}
}

// checkTelemetry resolves the OTLP endpoint host when export is enabled.
func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.OTel.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "OpenTelemetry disabled"}
	}
	if cfg.OTel.Exporter != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporter %q needs no network", cfg.OTel.Exporter)}
	}

	endpoint := cfg.OTel.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("endpoint=%s, latency=%dms", endpoint, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Telemetry",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("endpoint=%s, addresses=%v", endpoint, addrs),
	}
}
