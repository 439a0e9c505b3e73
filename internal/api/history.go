package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/planroom/internal/apperr"
	"github.com/manpreetbhatti/planroom/internal/auth"
	"github.com/manpreetbhatti/planroom/internal/oplog"
	"github.com/manpreetbhatti/planroom/internal/room"
)

const (
	defaultRecentOps = 10
	maxRecentOps     = 1000
)

// authorize resolves the caller and checks they own the project. Projects
// without an owner accept any authenticated caller. Nothing touches room
// state before this passes.
func (a *API) authorize(r *http.Request, projectID string) (auth.Identity, error) {
	caller, err := auth.RequireUser(a.resolver, r)
	if err != nil {
		return auth.Identity{}, err
	}

	p, err := a.store.GetProject(r.Context(), projectID)
	if err != nil {
		return auth.Identity{}, err
	}
	if p == nil {
		return auth.Identity{}, apperr.ErrProjectNotFound
	}
	if p.OwnerID != "" && p.OwnerID != caller.UserID {
		return auth.Identity{}, apperr.ErrForbidden
	}
	return caller, nil
}

// withRoom runs fn against the live room for projectID, opening it if
// needed and evicting it again afterwards when nobody is connected.
func (a *API) withRoom(w http.ResponseWriter, r *http.Request, fn func(rm *room.Room, caller auth.Identity) (any, error)) {
	projectID := mux.Vars(r)["id"]

	caller, err := a.authorize(r, projectID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	rm, err := a.registry.Acquire(r.Context(), projectID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer a.registry.Release(r.Context(), projectID)

	resp, err := fn(rm, caller)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (a *API) UndoHandler(w http.ResponseWriter, r *http.Request) {
	a.withRoom(w, r, func(rm *room.Room, caller auth.Identity) (any, error) {
		rec, l, err := rm.Undo(r.Context(), caller.UserID)
		if err != nil {
			return nil, err
		}
		a.logger.Info("REST undo", "project_id", rm.ID, "user_id", caller.UserID, "op_id", rec.OpID)
		return map[string]interface{}{
			"status":    "ok",
			"undone_op": rec,
			"layout":    l,
		}, nil
	})
}

func (a *API) RedoHandler(w http.ResponseWriter, r *http.Request) {
	a.withRoom(w, r, func(rm *room.Room, caller auth.Identity) (any, error) {
		rec, l, err := rm.Redo(r.Context(), caller.UserID)
		if err != nil {
			return nil, err
		}
		a.logger.Info("REST redo", "project_id", rm.ID, "user_id", caller.UserID, "op_id", rec.OpID)
		return map[string]interface{}{
			"status":    "ok",
			"redone_op": rec,
			"layout":    l,
		}, nil
	})
}

func (a *API) RollbackHandler(w http.ResponseWriter, r *http.Request) {
	versionID := mux.Vars(r)["vid"]
	a.withRoom(w, r, func(rm *room.Room, caller auth.Identity) (any, error) {
		l, err := rm.Rollback(r.Context(), versionID)
		if err != nil {
			return nil, err
		}
		a.logger.Info("REST rollback", "project_id", rm.ID, "user_id", caller.UserID, "version_id", versionID)
		return map[string]interface{}{
			"status":     "ok",
			"version_id": versionID,
			"layout":     l,
		}, nil
	})
}

// RecentOpsHandler returns the newest journal entries, newest first.
func (a *API) RecentOpsHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	count := defaultRecentOps
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, maxRecentOps)
	}

	entries, err := a.store.Recent(r.Context(), projectID, count)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	ops := make([]oplog.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		ops = append(ops, entries[i])
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{"ops": ops})
}
