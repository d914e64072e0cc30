// Package api serves the froyobox HTTP API and provides a client for it.
//
// Every /v1 route acts on behalf of the owner named by the X-Owner-ID
// header. Boxes and cronjobs of other owners are reported as not found.
// Errors are returned as {"error": {"code", "message", ...}} with the
// status code given by HTTPStatus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/boxes"
	"github.com/openfroyo/froyobox/pkg/engine"
)

// maxRequestBodySize limits request bodies to 1 MiB.
const maxRequestBodySize = 1 << 20

// defaultListLimit applies to history and run listings without ?limit.
const defaultListLimit = 50

// Boxes is the box registry as seen by the API.
type Boxes interface {
	Create(ctx context.Context, req boxes.CreateRequest) (*engine.Box, error)
	List(ctx context.Context, ownerID string) ([]*engine.Box, error)
	GetOwned(ctx context.Context, ownerID, id string) (*engine.Box, error)
	History(ctx context.Context, id string, limit int) ([]*engine.AuditEntry, error)
}

// Deployments starts, cancels and inspects deployments.
type Deployments interface {
	Deploy(ctx context.Context, boxID, ownerID string) (*engine.Box, error)
	Delete(ctx context.Context, boxID, ownerID string) (*engine.Box, error)
	Steps(ctx context.Context, boxID, ownerID string, attempt int) ([]*engine.DeployStep, error)
	Plan(ctx context.Context, boxID, ownerID string) (string, error)
}

// Handler contains the HTTP handlers of the API.
type Handler struct {
	boxes       Boxes
	deployments Deployments
	cronjobs    Cronjobs
	logger      zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(b Boxes, d Deployments, c Cronjobs, logger zerolog.Logger) *Handler {
	return &Handler{
		boxes:       b,
		deployments: d,
		cronjobs:    c,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// createBoxRequest is the body of POST /v1/boxes.
type createBoxRequest struct {
	Name   string   `json:"name"`
	Skills []string `json:"skills"`
}

// CreateBox handles POST /v1/boxes.
func (h *Handler) CreateBox(w http.ResponseWriter, r *http.Request) {
	var req createBoxRequest
	if !h.decode(w, r, &req) {
		return
	}

	box, err := h.boxes.Create(r.Context(), boxes.CreateRequest{
		Name:    req.Name,
		OwnerID: owner(r),
		Skills:  req.Skills,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, box)
}

// ListBoxes handles GET /v1/boxes.
func (h *Handler) ListBoxes(w http.ResponseWriter, r *http.Request) {
	list, err := h.boxes.List(r.Context(), owner(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if list == nil {
		list = []*engine.Box{}
	}

	writeJSON(w, http.StatusOK, list)
}

// GetBox handles GET /v1/boxes/{id}.
func (h *Handler) GetBox(w http.ResponseWriter, r *http.Request) {
	box, err := h.boxes.GetOwned(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, box)
}

// DeleteBox handles DELETE /v1/boxes/{id}.
func (h *Handler) DeleteBox(w http.ResponseWriter, r *http.Request) {
	box, err := h.deployments.Delete(r.Context(), r.PathValue("id"), owner(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, box)
}

// DeployBox handles POST /v1/boxes/{id}/deploy. The deployment runs in the
// background; the response carries the box in status deploying.
func (h *Handler) DeployBox(w http.ResponseWriter, r *http.Request) {
	box, err := h.deployments.Deploy(r.Context(), r.PathValue("id"), owner(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, box)
}

// ListSteps handles GET /v1/boxes/{id}/steps. ?attempt selects a single
// attempt; without it every attempt is returned.
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	attempt, err := queryInt(r, "attempt", 0)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	steps, err := h.deployments.Steps(r.Context(), r.PathValue("id"), owner(r), attempt)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*engine.DeployStep{}
	}

	writeJSON(w, http.StatusOK, steps)
}

// PlanBox handles GET /v1/boxes/{id}/plan and returns the deploy DAG of
// the next attempt in DOT format.
func (h *Handler) PlanBox(w http.ResponseWriter, r *http.Request) {
	dot, err := h.deployments.Plan(r.Context(), r.PathValue("id"), owner(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, dot)
}

// BoxHistory handles GET /v1/boxes/{id}/history.
func (h *Handler) BoxHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	box, err := h.boxes.GetOwned(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	entries, err := h.boxes.History(r.Context(), box.ID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*engine.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// decode reads a JSON body into v. It writes a 400 and returns false when
// the body is not valid JSON.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.handleError(w, r, engine.ValidationError("request body exceeds %d bytes", maxErr.Limit))
		} else {
			h.handleError(w, r, engine.ValidationError("invalid request body: %v", err))
		}
		return false
	}
	return true
}

// handleError logs err and writes it with the mapped status code.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= 500 {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	} else {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}
	writeError(w, err)
}

func owner(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, engine.ValidationError("%s must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), errorResponse{Error: publicError(err)})
}
