package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/obsidianstack/datasync/internal/cache"
	"github.com/obsidianstack/datasync/internal/coordinator"
	"github.com/obsidianstack/datasync/internal/realtime"
	"github.com/obsidianstack/datasync/internal/scheduler"
	"github.com/obsidianstack/datasync/pkg/types"
)

const maxFilterBody = 64 << 10

// Widgets is the set of mounted widgets.
type Widgets interface {
	List() []coordinator.Widget
	Get(id string) (coordinator.Widget, bool)
}

// Cache is the shared cache store.
type Cache interface {
	Stats() cache.Stats
	Clear()
}

// Jobs is the polling scheduler.
type Jobs interface {
	GetAllJobs() []scheduler.Job
	Stats() scheduler.Stats
}

// Connection is the push channel.
type Connection interface {
	Status() types.ConnectionState
	Stats() realtime.Stats
}

// Deps are the components the API reads and drives. Conn may be nil when
// push is disabled.
type Deps struct {
	Widgets Widgets
	Cache   Cache
	Jobs    Jobs
	Conn    Connection
	Logger  *slog.Logger
}

// Handler is the HTTP handler for /api/v1/* and /metrics.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &Handler{deps: deps, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/widgets", h.listWidgets)
	h.mux.HandleFunc("/api/v1/widgets/{id}", h.getWidget)
	h.mux.HandleFunc("/api/v1/widgets/{id}/refresh", h.refreshWidget)
	h.mux.HandleFunc("/api/v1/widgets/{id}/clear-error", h.clearWidgetError)
	h.mux.HandleFunc("/api/v1/widgets/{id}/filters", h.updateWidgetFilters)
	h.mux.HandleFunc("/api/v1/cache/stats", h.cacheStats)
	h.mux.HandleFunc("/api/v1/cache", h.clearCache)
	h.mux.HandleFunc("/api/v1/jobs", h.jobs)
	h.mux.HandleFunc("/api/v1/connection", h.connection)
	h.mux.HandleFunc("/metrics", h.metrics)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	resp := HealthResponse{Connection: h.connStatus()}
	for _, wd := range h.deps.Widgets.List() {
		v := wd.View()
		resp.WidgetCount++
		if v.Loading {
			resp.LoadingCount++
		}
		if v.Error != "" {
			resp.ErrorCount++
		}
	}

	switch {
	case resp.WidgetCount == 0:
		resp.State = "unknown"
	case resp.ErrorCount > 0 || resp.LoadingCount > 0:
		resp.State = "degraded"
	default:
		resp.State = "ok"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listWidgets returns GET /api/v1/widgets.
func (h *Handler) listWidgets(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ws := h.deps.Widgets.List()
	out := make([]coordinator.View, 0, len(ws))
	for _, wd := range ws {
		out = append(out, wd.View())
	}
	jsonResp(w, http.StatusOK, out)
}

// getWidget returns GET /api/v1/widgets/{id}.
func (h *Handler) getWidget(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	wd, ok := h.widget(w, r)
	if !ok {
		return
	}
	jsonResp(w, http.StatusOK, wd.View())
}

// refreshWidget handles POST /api/v1/widgets/{id}/refresh.
func (h *Handler) refreshWidget(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	wd, ok := h.widget(w, r)
	if !ok {
		return
	}
	if err := wd.Refresh(r.Context()); err != nil {
		h.loadFailed(w, wd, err)
		return
	}
	jsonResp(w, http.StatusOK, wd.View())
}

// clearWidgetError handles POST /api/v1/widgets/{id}/clear-error.
func (h *Handler) clearWidgetError(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	wd, ok := h.widget(w, r)
	if !ok {
		return
	}
	wd.ClearError()
	jsonResp(w, http.StatusOK, wd.View())
}

// updateWidgetFilters handles PUT /api/v1/widgets/{id}/filters.
func (h *Handler) updateWidgetFilters(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}
	wd, ok := h.widget(w, r)
	if !ok {
		return
	}

	var filters types.Filters
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFilterBody))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read body")
		return
	}
	if err := json.Unmarshal(body, &filters); err != nil {
		jsonErr(w, http.StatusBadRequest, "filters must be a JSON object")
		return
	}

	if err := wd.UpdateFilters(r.Context(), filters); err != nil {
		h.loadFailed(w, wd, err)
		return
	}
	jsonResp(w, http.StatusOK, wd.View())
}

// cacheStats returns GET /api/v1/cache/stats.
func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Cache.Stats())
}

// clearCache handles DELETE /api/v1/cache.
func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	h.deps.Cache.Clear()
	h.deps.Logger.Info("api: cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

// jobs returns GET /api/v1/jobs.
func (h *Handler) jobs(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	jsonResp(w, http.StatusOK, JobsResponse{
		Jobs:  h.deps.Jobs.GetAllJobs(),
		Stats: h.deps.Jobs.Stats(),
	})
}

// connection returns GET /api/v1/connection.
func (h *Handler) connection(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	resp := ConnectionResponse{Status: types.Disconnected}
	if h.deps.Conn != nil {
		st := h.deps.Conn.Stats()
		resp.Status = h.deps.Conn.Status()
		resp.Received = st.Received
		resp.Dropped = st.Dropped
		resp.Reconnects = st.Reconnects
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) widget(w http.ResponseWriter, r *http.Request) (coordinator.Widget, bool) {
	wd, ok := h.deps.Widgets.Get(r.PathValue("id"))
	if !ok {
		jsonErr(w, http.StatusNotFound, "widget not found")
		return nil, false
	}
	return wd, true
}

func (h *Handler) loadFailed(w http.ResponseWriter, wd coordinator.Widget, err error) {
	if errors.Is(err, coordinator.ErrClosed) {
		jsonErr(w, http.StatusNotFound, "widget not found")
		return
	}
	h.deps.Logger.Warn("api: widget load failed", "widget", wd.ID(), "err", err)
	jsonErr(w, http.StatusBadGateway, err.Error())
}

func (h *Handler) connStatus() types.ConnectionState {
	if h.deps.Conn == nil {
		return types.Disconnected
	}
	return h.deps.Conn.Status()
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
