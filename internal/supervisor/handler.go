package supervisor

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"plan-engine/internal/observability"
)

// HealthCheck reports whether the engine can serve requests.
type HealthCheck func(ctx context.Context) error

// NewHandler serves /metrics from g and /health from check. A nil check always passes.
func NewHandler(g prometheus.Gatherer, check HealthCheck) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(g))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
