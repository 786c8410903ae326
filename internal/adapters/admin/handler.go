// Package admin exposes the adapter's HTTP surface: index revalidation and
// status, facility lookups, cycle intake and the metrics endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/adapters/cycles"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/codeindex"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/core"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
)

// maxBatchBytes caps the size of a posted batch.
const maxBatchBytes = 32 << 20

// Service is the part of core.Service the handler needs.
type Service interface {
	Revalidate(ctx context.Context) (bool, error)
	IndexStatus(ctx context.Context) core.IndexStatus
	ResolveFacility(ctx context.Context, facilityID string, t time.Time) (codeindex.FacilityView, error)
}

// Scheduler accepts batches for the cycle worker.
type Scheduler interface {
	Enqueue(ctx context.Context, b enrich.Batch) (cycles.Record, error)
	Get(id string) (cycles.Record, bool)
}

// Handler serves the admin and lookup routes.
type Handler struct {
	Service Service
	Cycles  Scheduler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Vars serves /debug/vars when set.
	Vars   http.Handler
	Logger *zap.Logger
	now    func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(svc Service, sched Scheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Cycles: sched, Logger: logger, now: time.Now}
}

// Routes returns a router with every route registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// Register adds the routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/admin/revalidate", h.handleRevalidate)
	r.Get("/admin/index", h.handleIndex)
	r.Get("/api/v1/facilities/{id}", h.handleFacility)
	r.Post("/api/v1/cycles", h.handleCycleCreate)
	r.Get("/api/v1/cycles/{id}", h.handleCycleGet)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	if h.Vars != nil {
		r.Method(http.MethodGet, "/debug/vars", h.Vars)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.Service.IndexStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"index_loaded":  st.BuiltAt != nil,
		"index_state":   st.State,
		"retry_records": st.RetryBinRecords,
	})
}

func (h *Handler) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	// a build outlives a client that hangs up
	ran, err := h.Service.Revalidate(context.WithoutCancel(r.Context()))
	if err != nil {
		h.Logger.Error("revalidate request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if !ran {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"ran": ran, "index": h.Service.IndexStatus(r.Context())})
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"index": h.Service.IndexStatus(r.Context())})
}

type facilityResponse struct {
	Facility codeindex.FacilityView `json:"facility"`
	Warning  string                 `json:"warning,omitempty"`
}

func (h *Handler) handleFacility(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusNotFound, "facility not found")
		return
	}
	at := h.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC3339 timestamp")
			return
		}
		at = parsed
	}

	view, err := h.Service.ResolveFacility(r.Context(), id, at)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, facilityResponse{Facility: view})
	case errors.Is(err, codeindex.ErrNoNationalID):
		writeJSON(w, http.StatusOK, facilityResponse{Facility: view, Warning: err.Error()})
	case errors.Is(err, codeindex.ErrFacilityNotFound), errors.Is(err, codeindex.ErrNoFacilityState):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrIndexUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) handleCycleCreate(w http.ResponseWriter, r *http.Request) {
	if h.Cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle worker not configured")
		return
	}
	var b enrich.Batch
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBatchBytes))
	if err := dec.Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch payload")
		return
	}
	rec, err := h.Cycles.Enqueue(r.Context(), b)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"cycle": rec})
	case errors.Is(err, enrich.ErrNoFileTimestamp):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cycles.ErrQueueFull), errors.Is(err, cycles.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) handleCycleGet(w http.ResponseWriter, r *http.Request) {
	if h.Cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle worker not configured")
		return
	}
	rec, ok := h.Cycles.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "cycle not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": rec})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
