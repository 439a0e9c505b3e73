package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/planroom/internal/apperr"
	"github.com/manpreetbhatti/planroom/internal/auth"
	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/layout"
)

type CreateVersionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type VersionResponse struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Layout      *layout.Layout `json:"layout,omitempty"` // Omit in list view
	ContentHash string         `json:"content_hash"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	IsAuto      bool           `json:"is_auto"`
}

func versionResponse(v db.Version, withLayout bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		ProjectID:   v.ProjectID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if withLayout {
		l := v.Layout
		resp.Layout = &l
	}
	return resp
}

// projectVersion loads a version and checks it belongs to projectID.
func (a *API) projectVersion(r *http.Request, projectID, versionID string) (*db.Version, error) {
	v, err := a.store.GetVersion(r.Context(), versionID)
	if err != nil {
		return nil, err
	}
	if v == nil || v.ProjectID != projectID {
		return nil, apperr.ErrVersionNotFound
	}
	return v, nil
}

func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	limit, offset := pagination(r, 50)

	versions, err := a.store.ListVersions(r.Context(), projectID, limit, offset)
	if err != nil {
		a.logger.Error("list versions", "project_id", projectID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list versions")
		return
	}

	response := make([]VersionResponse, len(versions))
	for i, v := range versions {
		response[i] = versionResponse(v, false)
	}

	total, _ := a.store.VersionCount(r.Context(), projectID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// CreateVersionHandler snapshots the current layout as a manual version.
// The caller is recorded as author when the request carries a valid token.
func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var createdBy string
	if id, err := auth.RequireUser(a.resolver, r); err == nil {
		createdBy = id.UserID
	}

	var current layout.Layout
	if rm, ok := a.registry.Get(projectID); ok {
		current = rm.Layout()
	} else {
		p, err := a.store.GetProject(r.Context(), projectID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if p == nil {
			a.fail(w, r, apperr.ErrProjectNotFound)
			return
		}
		l, _, err := a.store.LoadLayout(r.Context(), projectID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		current = l
	}

	hash, err := db.HashLayout(current)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("Version %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	v, err := a.store.CreateVersion(r.Context(), db.Version{
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
		Layout:      current,
		ContentHash: hash,
		CreatedBy:   createdBy,
	})
	if err != nil {
		a.logger.Error("create version", "project_id", projectID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create version")
		return
	}
	a.metrics.MarkSnapshot(time.Now())

	a.logger.Info("version created", "project_id", projectID, "version_id", v.ID)
	jsonResponse(w, http.StatusCreated, versionResponse(*v, false))
}

// GetVersionHandler retrieves a specific version with its full layout
func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	v, err := a.projectVersion(r, vars["id"], vars["vid"])
	if err != nil {
		a.fail(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, versionResponse(*v, true))
}

// DiffVersionsHandler compares two versions of the same project entry by entry.
func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	fromID := r.URL.Query().Get("from")
	toID := r.URL.Query().Get("to")
	if fromID == "" || toID == "" {
		errorResponse(w, http.StatusBadRequest, "'from' and 'to' version IDs are required")
		return
	}

	from, err := a.projectVersion(r, projectID, fromID)
	if err != nil {
		if apperr.IsNotFound(err) {
			errorResponse(w, http.StatusNotFound, "From version not found")
			return
		}
		a.fail(w, r, err)
		return
	}

	to, err := a.projectVersion(r, projectID, toID)
	if err != nil {
		if apperr.IsNotFound(err) {
			errorResponse(w, http.StatusNotFound, "To version not found")
			return
		}
		a.fail(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from": versionResponse(*from, false),
		"to":   versionResponse(*to, false),
		"diff": layout.Diff(from.Layout, to.Layout),
	})
}
