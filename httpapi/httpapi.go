// Package httpapi provides the HTTP surface: JSON trace submission,
// WebSocket subscriptions, prometheus exposition and health.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nickman/tsdblite/ingest"
	"github.com/nickman/tsdblite/metric"
	"github.com/nickman/tsdblite/registry"
	"github.com/nickman/tsdblite/sub"
)

// maxBodyBytes bounds one JSON submission body.
const maxBodyBytes = 1 << 20

// Deps holds the collaborators of the HTTP handler.
type Deps struct {
	Ingestor *ingest.Ingestor
	Manager  *sub.Manager
	Cache    *metric.Cache
	Registry *registry.Registry
	Logger   *slog.Logger

	// WriteTimeout bounds one WebSocket write.
	WriteTimeout time.Duration
}

type handler struct {
	deps  Deps
	core  *registry.CoreMetrics
	mux   *http.ServeMux
	start time.Time
}

// NewHandler builds the HTTP routing surface.
func NewHandler(deps Deps) http.Handler {
	h := &handler{
		deps:  deps,
		mux:   http.NewServeMux(),
		start: time.Now(),
	}
	if deps.Registry != nil {
		h.core = deps.Registry.Core
	}
	h.deps.Logger = deps.Logger.With("component", "httpapi")

	h.mux.HandleFunc("/api/", h.handleAPI)
	h.mux.HandleFunc("/ws", h.handleWS)
	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/favicon.ico", http.NotFound)
	if deps.Registry != nil {
		h.mux.Handle("/metrics", deps.Registry.Handler())
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleAPI strips the /api prefix and routes on the first path segment.
func (h *handler) handleAPI(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/")
	segment, _, _ := strings.Cut(rest, "/")

	switch segment {
	case "put":
		h.handlePut(w, r)
	case "s":
		// Static content serving is not provided.
		http.NotFound(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handlePut accepts one JSON submission body: a single trace object or an
// array of them. Any invalid element rejects the whole payload.
func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	n, err := h.deps.Ingestor.IngestJSON(body)
	if err != nil {
		if h.core != nil {
			h.core.DecodeErrors.WithLabelValues("http").Inc()
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.core != nil {
		h.core.TracesIngested.WithLabelValues("http").Add(float64(n))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness plus a cache stats snapshot.
func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(h.start).Round(time.Second).String(),
		"metrics": h.deps.Cache.Size(),
		"cache":   h.deps.Cache.Stats(),
		"subs":    h.deps.Manager.SubscriptionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.deps.Logger.Warn("health encode failed", "error", err)
	}
}
