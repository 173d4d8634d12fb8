// Package health runs readiness checks against the dependencies of the
// storage core and serves them over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the health of a check or of the whole system.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a check registered without its own timeout.
const DefaultTimeout = 5 * time.Second

// Check probes one dependency. A Critical check failing makes the system
// unhealthy, any other failing check only degrades it.
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Probe    func(ctx context.Context) error
}

// Result is the outcome of one check.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Critical bool          `json:"critical"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of every check.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Results   []Result  `json:"results"`
}

// Ready reports whether every critical check passed.
func (r *Report) Ready() bool {
	for _, res := range r.Results {
		if res.Critical && res.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// Checker holds the registered checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	now     func() time.Time
}

// NewChecker creates an empty Checker.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		version: version,
		now:     time.Now,
	}
}

// Register adds or replaces a check.
func (c *Checker) Register(check Check) error {
	if check.Name == "" {
		return errors.New("health check name cannot be empty")
	}
	if check.Probe == nil {
		return fmt.Errorf("health check '%s' has no probe", check.Name)
	}
	if check.Timeout <= 0 {
		check.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[check.Name] = check
	return nil
}

// Run executes every check concurrently. Results are ordered by name.
func (c *Checker) Run(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make([]Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = c.run(ctx, check)
		}(i, check)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return &Report{
		Status:    overall(results),
		Timestamp: c.now().UTC(),
		Version:   c.version,
		Results:   results,
	}
}

func (c *Checker) run(ctx context.Context, check Check) Result {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := c.now()
	err := check.Probe(ctx)
	res := Result{
		Name:     check.Name,
		Status:   StatusHealthy,
		Critical: check.Critical,
		Duration: c.now().Sub(start),
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}

func overall(results []Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	status := StatusHealthy
	for _, res := range results {
		if res.Status == StatusHealthy {
			continue
		}
		if res.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// Handler serves /health with the full report, /health/live and
// /health/ready for orchestrator probes.
func Handler(c *Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusHealthy)})
	})
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		if c.Run(r.Context()).Ready() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
