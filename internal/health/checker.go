// Package health runs periodic checks against the store, the output
// directory, the generation backend and the workflow templates.
package health

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/adapter"
	"github.com/ktstudio/ktstudio/internal/infra/comfy"
	"github.com/ktstudio/ktstudio/internal/infra/metrics"
	"github.com/ktstudio/ktstudio/internal/infra/sqlite"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is the part of the backend client the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

// NewChecker creates a health checker with the standard checks.
func NewChecker(db *sqlite.DB, outputDir string, backend Pinger, templates *comfy.Templates, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		interval: 60 * time.Second,
		timeout:  10 * time.Second,
		log:      log,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "output_dir",
				CheckFn: func(ctx context.Context) error {
					return checkOutputDir(outputDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(outputDir, 0o755)
				},
			},
			{
				Name:    "backend",
				CheckFn: backend.Ping,
			},
			{
				Name: "workflows",
				CheckFn: func(ctx context.Context) error {
					return checkWorkflows(templates)
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

// RunNow runs every check once and returns the fresh results.
func (c *Checker) RunNow(ctx context.Context) []Status {
	c.runAll(ctx)
	return c.Statuses()
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := c.runCheck(ctx, check); err != nil {
			s.Error = err.Error()
			c.log.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.log.Warn("health recovery failed", zap.String("check", check.Name), zap.Error(rerr))
				}
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(gauge(s.Healthy))
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) runCheck(ctx context.Context, check Check) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return check.CheckFn(ctx)
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

func gauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check output dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", dir)
	}
	return nil
}

func checkWorkflows(t *comfy.Templates) error {
	if missing := t.Missing(adapter.Workflows...); len(missing) > 0 {
		return fmt.Errorf("missing workflow templates in %s: %s", t.Dir(), strings.Join(missing, ", "))
	}
	return nil
}
