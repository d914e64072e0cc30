package api

import (
	"context"
	"net/http"

	"github.com/openfroyo/froyobox/pkg/cronjobs"
	"github.com/openfroyo/froyobox/pkg/engine"
)

// Cronjobs manages the cronjobs of boxes.
type Cronjobs interface {
	Create(ctx context.Context, req cronjobs.CreateRequest) (*engine.Cronjob, error)
	Get(ctx context.Context, id string) (*engine.Cronjob, error)
	List(ctx context.Context, boxID string) ([]*engine.Cronjob, error)
	Update(ctx context.Context, id string, req cronjobs.UpdateRequest) (*engine.Cronjob, error)
	Toggle(ctx context.Context, id string, enabled bool) (*engine.Cronjob, error)
	Delete(ctx context.Context, id string) error
	Runs(ctx context.Context, id string, limit int) ([]*engine.CronjobExecution, error)
}

// createCronjobRequest is the body of POST /v1/boxes/{id}/cronjobs.
type createCronjobRequest struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Command  string `json:"command"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// CreateCronjob handles POST /v1/boxes/{id}/cronjobs.
func (h *Handler) CreateCronjob(w http.ResponseWriter, r *http.Request) {
	var req createCronjobRequest
	if !h.decode(w, r, &req) {
		return
	}

	box, err := h.boxes.GetOwned(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	cj, err := h.cronjobs.Create(r.Context(), cronjobs.CreateRequest{
		BoxID:    box.ID,
		Name:     req.Name,
		Schedule: req.Schedule,
		Timezone: req.Timezone,
		Command:  req.Command,
		Enabled:  req.Enabled,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, cj)
}

// ListCronjobs handles GET /v1/boxes/{id}/cronjobs.
func (h *Handler) ListCronjobs(w http.ResponseWriter, r *http.Request) {
	box, err := h.boxes.GetOwned(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	list, err := h.cronjobs.List(r.Context(), box.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if list == nil {
		list = []*engine.Cronjob{}
	}

	writeJSON(w, http.StatusOK, list)
}

// GetCronjob handles GET /v1/cronjobs/{id}.
func (h *Handler) GetCronjob(w http.ResponseWriter, r *http.Request) {
	cj, err := h.ownedCronjob(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cj)
}

// UpdateCronjob handles PATCH /v1/cronjobs/{id}.
func (h *Handler) UpdateCronjob(w http.ResponseWriter, r *http.Request) {
	var req cronjobs.UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	cj, err := h.ownedCronjob(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	cj, err = h.cronjobs.Update(r.Context(), cj.ID, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cj)
}

// ToggleCronjob handles POST /v1/cronjobs/{id}/toggle.
func (h *Handler) ToggleCronjob(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.handleError(w, r, engine.ValidationError("enabled is required"))
		return
	}

	cj, err := h.ownedCronjob(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	cj, err = h.cronjobs.Toggle(r.Context(), cj.ID, *req.Enabled)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cj)
}

// DeleteCronjob handles DELETE /v1/cronjobs/{id}.
func (h *Handler) DeleteCronjob(w http.ResponseWriter, r *http.Request) {
	cj, err := h.ownedCronjob(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.cronjobs.Delete(r.Context(), cj.ID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CronjobRuns handles GET /v1/cronjobs/{id}/runs.
func (h *Handler) CronjobRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	cj, err := h.ownedCronjob(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	runs, err := h.cronjobs.Runs(r.Context(), cj.ID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*engine.CronjobExecution{}
	}

	writeJSON(w, http.StatusOK, runs)
}

// ownedCronjob loads the cronjob named by the path and checks that its box
// belongs to the caller.
func (h *Handler) ownedCronjob(r *http.Request) (*engine.Cronjob, error) {
	id := r.PathValue("id")
	cj, err := h.cronjobs.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if _, err := h.boxes.GetOwned(r.Context(), owner(r), cj.BoxID); err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NotFoundError("cronjob", id)
		}
		return nil, err
	}
	return cj, nil
}
