package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// readyzBudget bounds the whole /readyz pass; orchestrator probes are tight.
const readyzBudget = 250 * time.Millisecond

// Pinger is the minimal key/value store surface needed for readiness.
type Pinger interface{ Ping(ctx context.Context) error }

// StoreChecker is the minimal object store surface needed for readiness.
type StoreChecker interface{ Check(ctx context.Context) error }

// BackendProber is the minimal generation backend surface needed for health.
type BackendProber interface{ Health(ctx context.Context) bool }

// Checker aggregates dependency probes for /health and /readyz.
type Checker struct {
	KV      Pinger
	Store   StoreChecker
	Backend BackendProber
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks"`
}

func (c *Checker) kvCheck(ctx context.Context) error {
	if c.KV == nil {
		return fmt.Errorf("kv not configured")
	}
	return c.KV.Ping(ctx)
}

func (c *Checker) storeCheck(ctx context.Context) error {
	if c.Store == nil {
		return fmt.Errorf("store not configured")
	}
	return c.Store.Check(ctx)
}

// HealthHandler runs the full dependency sweep, backend probe included, and
// reports per-dependency detail. Any failure degrades the overall status.
func (c *Checker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: map[string]checkResult{}}
		record := func(name string, err error) {
			if err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = checkResult{Status: "down", Error: err.Error()}
				return
			}
			resp.Checks[name] = checkResult{Status: "ok"}
		}
		record("redis", c.kvCheck(ctx))
		record("object_store", c.storeCheck(ctx))
		if c.Backend != nil {
			if c.Backend.Health(ctx) {
				resp.Checks["comfyui"] = checkResult{Status: "ok"}
			} else {
				resp.Status = "degraded"
				resp.Checks["comfyui"] = checkResult{Status: "down", Error: "health probes exhausted"}
			}
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// ReadyzHandler checks only the stores the API needs to accept work. A backend
// outage does not gate readiness; queued jobs wait for it to come back.
func (c *Checker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyzBudget)
		defer cancel()

		if err := c.kvCheck(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := c.storeCheck(ctx); err != nil {
			http.Error(w, "object store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
