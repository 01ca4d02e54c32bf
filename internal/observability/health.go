package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Set at build time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one readiness probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is a dependency that can report whether it is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc lets a ping method such as pgxpool.Pool.Ping serve as a
// HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what the readiness endpoint probes. The
// definitions probe always runs and fails when DefinitionsLoaded is nil.
// The others run only when set.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	OpenAPILoaded     func() bool

	Database    HealthChecker
	OutputStore HealthChecker
	Platform    HealthChecker
}

const checkTimeout = 2 * time.Second

type probe struct {
	name  string
	check func(ctx context.Context) error
}

func flagProbe(name string, loaded func() bool, missing string) probe {
	return probe{name: name, check: func(context.Context) error {
		if loaded == nil || !loaded() {
			return errors.New(missing)
		}
		return nil
	}}
}

func (c ReadinessChecks) probes() []probe {
	probes := []probe{flagProbe("definitions", c.DefinitionsLoaded, "no entity configuration loaded")}
	if c.OpenAPILoaded != nil {
		probes = append(probes, flagProbe("openapi_index", c.OpenAPILoaded, "no custom API operations indexed"))
	}
	for _, dep := range []struct {
		name    string
		checker HealthChecker
	}{
		{"database", c.Database},
		{"output_store", c.OutputStore},
		{"platform", c.Platform},
	} {
		if dep.checker != nil {
			probes = append(probes, probe{name: dep.name, check: dep.checker.HealthCheck})
		}
	}
	return probes
}

func (p probe) run(parent context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// HandleHealth answers liveness probes with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every configured probe in parallel and answers 503
// when any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make([]CheckResult, len(probes))

		var wg sync.WaitGroup
		for i, p := range probes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = p.run(r.Context())
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(probes))}
		status := http.StatusOK
		for i, p := range probes {
			resp.Checks[p.name] = results[i]
			if results[i].Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, status, resp)
	}
}
