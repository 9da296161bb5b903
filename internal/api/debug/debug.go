// Package debug provides the side HTTP surface every host serves next to its
// main work: liveness and readiness probes, pprof and statsviz.
package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/arl/statsviz"

	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Config contains what the handlers need.
type Config struct {
	Build string
	Log   *logger.Logger
	// Checks are run on every readiness probe, keyed by dependency name.
	Checks map[string]Check
	// CheckTimeout bounds each readiness check. Defaults to one second.
	CheckTimeout time.Duration
}

// Mux returns the debug handler with every route bound.
func Mux(cfg Config) (*http.ServeMux, error) {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = time.Second
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}

	mux.HandleFunc("GET /v1/liveness", liveness(cfg))
	mux.HandleFunc("GET /v1/readiness", readiness(cfg))

	return mux, nil
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(r.Context(), cfg.Log, w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

// readyResponse represents the response for readiness check.
type readyResponse struct {
	Status string            `json:"status"`
	Errors map[string]string `json:"errors,omitempty"`
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyResponse{Status: "ready"}
		for name, check := range cfg.Checks {
			ctx, cancel := context.WithTimeout(r.Context(), cfg.CheckTimeout)
			err := check(ctx)
			cancel()
			if err == nil {
				continue
			}
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[name] = err.Error()
			cfg.Log.Warn(r.Context(), "readiness check failed", "dependency", name, "error", err)
		}

		status := http.StatusOK
		if len(resp.Errors) > 0 {
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
		}
		respond(r.Context(), cfg.Log, w, status, resp)
	}
}

func respond(ctx context.Context, log *logger.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(ctx, "failed to write debug response", "error", err)
	}
}
