package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminRouter builds the handler for the unix admin socket: status, metrics,
// and graceful stop. The socket lives in /tmp with owner-only reachability
// through the daemon home hash, so no auth layer is mounted.
func (d *Daemon) adminRouter(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Post("/stop", func(w http.ResponseWriter, req *http.Request) {
		d.RequestStop()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"stopping":true}`))
	})

	return r
}
