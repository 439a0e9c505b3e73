// Package api serves the REST surface next to the collaboration socket:
// health and metrics, projects, versions, and history mutations that act on
// the live room.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/planroom/internal/apperr"
	"github.com/manpreetbhatti/planroom/internal/auth"
	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/layout"
	"github.com/manpreetbhatti/planroom/internal/metrics"
	"github.com/manpreetbhatti/planroom/internal/protocol"
	"github.com/manpreetbhatti/planroom/internal/ratelimit"
	"github.com/manpreetbhatti/planroom/internal/room"
)

const metricsPrefix = "planroom_"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type API struct {
	registry *room.Registry
	store    db.Store
	bridge   Pinger
	resolver auth.Resolver
	limiters *ratelimit.ClientLimiters
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(registry *room.Registry, store db.Store, bridge Pinger, resolver auth.Resolver, limiters *ratelimit.ClientLimiters, m *metrics.Metrics, logger *slog.Logger) *API {
	return &API{
		registry: registry,
		store:    store,
		bridge:   bridge,
		resolver: resolver,
		limiters: limiters,
		metrics:  m,
		logger:   logger,
	}
}

// Routes registers every REST endpoint on r. The diff route is registered
// before the single-version route so "diff" is never taken for an id.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", a.MetricsHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)

	api.HandleFunc("/projects", a.ListProjectsHandler).Methods(http.MethodGet)
	api.Handle("/projects", a.limited(a.CreateProjectHandler)).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}", a.GetProjectHandler).Methods(http.MethodGet)

	api.HandleFunc("/projects/{id}/versions", a.ListVersionsHandler).Methods(http.MethodGet)
	api.Handle("/projects/{id}/versions", a.limited(a.CreateVersionHandler)).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/versions/diff", a.DiffVersionsHandler).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/versions/{vid}", a.GetVersionHandler).Methods(http.MethodGet)

	api.Handle("/projects/{id}/undo", a.limited(a.UndoHandler)).Methods(http.MethodPost)
	api.Handle("/projects/{id}/redo", a.limited(a.RedoHandler)).Methods(http.MethodPost)
	api.Handle("/projects/{id}/rollback/{vid}", a.limited(a.RollbackHandler)).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/ops/recent", a.RecentOpsHandler).Methods(http.MethodGet)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode json response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// fail writes err with the status its code maps to. Uncoded errors are
// logged and reported as internal.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	errorResponse(w, status, apperr.MessageOf(err))
}

// callerKey identifies a caller for rate limiting: the token's user when it
// resolves, the remote address otherwise.
func (a *API) callerKey(r *http.Request) string {
	if a.resolver != nil {
		if id, ok := a.resolver.Resolve(auth.BearerToken(r)); ok {
			return "user:" + id.UserID
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func (a *API) limited(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiters != nil && !a.limiters.Allow(a.callerKey(r)) {
			errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	})
}

func pagination(r *http.Request, def int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = def
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]interface{}{
		"status":    "ok",
		"storage":   "ok",
		"bridge":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := a.store.Ping(ctx); err != nil {
		body["status"] = "unavailable"
		body["storage"] = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	if a.bridge != nil {
		if err := a.bridge.Ping(ctx); err != nil {
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
			body["bridge"] = "error: " + err.Error()
		}
	}

	jsonResponse(w, status, body)
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.registry.Len(),
		"active_clients": a.metrics.ActiveConnections.Load(),
		"ops_total":      a.metrics.OpsTotal.Load(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.store.Stats(r.Context())
	if err == nil {
		stats["total_projects"] = dbStats.ProjectCount
		stats["journal_entries"] = dbStats.JournalEntries
		stats["total_versions"] = dbStats.VersionCount
	}

	jsonResponse(w, http.StatusOK, stats)
}

func (a *API) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	if err := a.metrics.WriteText(w, metricsPrefix); err != nil {
		a.logger.Error("write metrics", "error", err)
	}
}

// Project handlers

type ProjectResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name,omitempty"`
	OwnerID     string              `json:"owner_id,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	ActiveUsers int                 `json:"active_users"`
	Users       []protocol.Presence `json:"users,omitempty"`
	Layout      *layout.Layout      `json:"layout,omitempty"`
}

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func projectResponse(p db.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		OwnerID:   p.OwnerID,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (a *API) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)

	projects, err := a.store.ListProjects(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error("list projects", "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	response := make([]ProjectResponse, len(projects))
	for i, p := range projects {
		response[i] = projectResponse(p)
		if rm, ok := a.registry.Get(p.ID); ok {
			response[i].ActiveUsers = rm.PeerCount()
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"projects": response,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.RequireUser(a.resolver, r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	existing, err := a.store.GetProject(r.Context(), req.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if existing != nil {
		errorResponse(w, http.StatusConflict, "Project already exists")
		return
	}

	if err := a.store.CreateProject(r.Context(), req.ID, req.Name, caller.UserID); err != nil {
		a.logger.Error("create project", "project_id", req.ID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	p, err := a.store.GetProject(r.Context(), req.ID)
	if err != nil || p == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get project")
		return
	}

	a.logger.Info("project created", "project_id", p.ID, "owner_id", p.OwnerID)
	jsonResponse(w, http.StatusCreated, projectResponse(*p))
}

// GetProjectHandler returns the project with its current layout. An open
// room is authoritative; otherwise the stored snapshot is returned.
func (a *API) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	p, err := a.store.GetProject(r.Context(), projectID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if p == nil {
		a.fail(w, r, apperr.ErrProjectNotFound)
		return
	}

	resp := projectResponse(*p)
	if rm, ok := a.registry.Get(projectID); ok {
		l := rm.Layout()
		resp.Layout = &l
		resp.Users = rm.Presence()
		resp.ActiveUsers = rm.PeerCount()
	} else {
		l, _, err := a.store.LoadLayout(r.Context(), projectID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		resp.Layout = &l
	}

	jsonResponse(w, http.StatusOK, resp)
}
