// Package doctor runs preflight diagnostics for the daemon: config,
// credentials, tracker storage, filesystem permissions, and network
// reachability of the endpoints the daemon depends on.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sociotechnica-org/lifebuild/internal/config"
	"github.com/sociotechnica-org/lifebuild/internal/tracker"
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

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkTracker,
		checkPermissions,
		checkDirectoryEndpoint,
		checkLLMEndpoint,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg config.Config) CheckResult {
	if cfg.HomeDir == "" {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Home directory not resolved"}
	}
	if cfg.Workspace.DirectoryURL == "" {
		return CheckResult{Name: "Config", Status: "WARN", Message: "workspace.directory_url is not set; reconciliation will fail"}
	}
	if cfg.Workspace.StoreURL == "" {
		return CheckResult{Name: "Config", Status: "WARN", Message: "workspace.store_url is not set; stores cannot be provisioned"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg config.Config) CheckResult {
	envVar := cfg.LLM.APIKeyEnv
	if envVar == "" {
		envVar = "ANTHROPIC_API_KEY"
	}
	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set; recurring-task runs will fail", envVar),
		Detail:  "Export the key or point llm.api_key_env at another variable",
	}
}

func checkTracker(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.TrackerPath == "" {
		return CheckResult{Name: "Tracker", Status: "SKIP", Message: "No tracker path configured"}
	}
	ledger := tracker.New(cfg.TrackerPath)
	if err := ledger.Initialize(ctx); err != nil {
		return CheckResult{Name: "Tracker", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer ledger.Close()
	if _, err := ledger.ProcessedCount(ctx, ""); err != nil {
		return CheckResult{Name: "Tracker", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Tracker", Status: "PASS", Message: "Ledger opens and queries"}
}

func checkPermissions(_ context.Context, cfg config.Config) CheckResult {
	if cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Home directory not resolved"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDirectoryEndpoint(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.Workspace.DirectoryURL == "" {
		return CheckResult{Name: "Directory", Status: "SKIP", Message: "No directory URL configured"}
	}
	return resolveHost(ctx, "Directory", cfg.Workspace.DirectoryURL)
}

func checkLLMEndpoint(ctx context.Context, _ config.Config) CheckResult {
	return resolveHost(ctx, "LLM Endpoint", "https://api.anthropic.com")
}

func resolveHost(ctx context.Context, name, rawURL string) CheckResult {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: name, Status: "FAIL", Message: fmt.Sprintf("Unparseable URL %q", rawURL)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    name,
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
