/*
handlers.go - HTTP API handlers for the PN case engine

PURPOSE:
  Exposes the case lifecycle engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to caseflow.

ENDPOINTS:
  Cases:
    GET    /api/cases/{id}          Case view with allowed targets
    GET    /api/cases/{id}/history  Status history
    POST   /api/cases/{id}/status   Request a transition
    POST   /api/cases/{id}/reverse  Reverse a completion (admin)
    POST   /api/cases/{id}/cancel   Cancel
    DELETE /api/cases/{id}          Delete a PENDING case

  Courses:
    GET    /api/courses/{id}        Balance
    GET    /api/courses/{id}/usage  USE / RETURN ledger

ACTOR:
  X-Actor-ID (required on writes), X-Actor-Role, X-Clinic-ID.

ERROR HANDLING:
  Engine rejections are returned as JSON with the error kind:
  - 403: Unauthorized
  - 404: NotFound
  - 409: InvalidTransition, NotPending, NotCompleted, StorageConflict (retryable)
  - 422: PreconditionFailed (missing_fields lists what to supply)
  - 500: LedgerInconsistent, internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/pncase-engine/caseflow"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
	headerClinicID  = "X-Clinic-ID"
)

// Store is what the HTTP layer needs beyond the engine: read models,
// seeding for scenarios and a reset for reloading them.
type Store interface {
	caseflow.Reader
	caseflow.Seeder
	Reset(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *caseflow.Engine
	Store  Store
	log    zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(engine *caseflow.Engine, store Store, log zerolog.Logger) *Handler {
	return &Handler{Engine: engine, Store: store, log: log}
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

// GetCase returns one case.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCase(r.Context(), caseflow.CaseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(c))
}

// GetHistory returns the status history of a case, oldest first. History
// outlives a deleted case, so an unknown id yields an empty list.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.History(r.Context(), caseflow.CaseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]HistoryDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toHistoryDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ChangeStatus requests a transition to the status in the body.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req StatusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required", nil)
		return
	}

	res, err := h.Engine.RequestTransition(r.Context(), caseflow.TransitionRequest{
		CaseID:  caseflow.CaseID(chi.URLParam(r, "id")),
		Target:  caseflow.Status(strings.ToUpper(req.Status)),
		Payload: req.payload(),
		Actor:   actor,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// ReverseCompletion moves a COMPLETED case back to ACCEPTED.
func (h *Handler) ReverseCompletion(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	res, err := h.Engine.ReverseCompletion(r.Context(), caseflow.CaseID(chi.URLParam(r, "id")), actor, req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// CancelCase cancels a case. The body is optional.
func (h *Handler) CancelCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return
		}
	}
	res, err := h.Engine.Cancel(r.Context(), caseflow.CaseID(chi.URLParam(r, "id")), actor, req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// DeleteCase removes a PENDING case and its dependent records.
func (h *Handler) DeleteCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.DeleteCase(r.Context(), caseflow.CaseID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResultDTO{CaseID: string(res.CaseID), DependentsRemoved: res.DependentsRemoved})
}

// =============================================================================
// COURSE HANDLERS
// =============================================================================

func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCourse(r.Context(), caseflow.CourseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCourseDTO(c))
}

func (h *Handler) GetCourseUsage(w http.ResponseWriter, r *http.Request) {
	id := caseflow.CourseID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetCourse(r.Context(), id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	events, err := h.Store.UsageEvents(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]UsageEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toUsageEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// =============================================================================
// HELPERS
// =============================================================================

// actorFromRequest reads the actor headers. It writes a 400 and returns
// false when X-Actor-ID is missing or the role is unknown.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (caseflow.Actor, bool) {
	actor := caseflow.Actor{
		ID:       strings.TrimSpace(r.Header.Get(headerActorID)),
		Role:     caseflow.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(headerActorRole)))),
		ClinicID: strings.TrimSpace(r.Header.Get(headerClinicID)),
	}
	if actor.ID == "" {
		writeError(w, http.StatusBadRequest, headerActorID+" header is required", nil)
		return actor, false
	}
	switch actor.Role {
	case caseflow.RoleAdmin, caseflow.RoleClinic, caseflow.RolePT, caseflow.RoleReception:
	default:
		writeError(w, http.StatusBadRequest, "unknown actor role", errors.New(string(actor.Role)))
		return actor, false
	}
	return actor, true
}

var kindStatus = map[caseflow.ErrorKind]int{
	caseflow.KindNotFound:           http.StatusNotFound,
	caseflow.KindInvalidTransition:  http.StatusConflict,
	caseflow.KindNotPending:         http.StatusConflict,
	caseflow.KindNotCompleted:       http.StatusConflict,
	caseflow.KindPreconditionFailed: http.StatusUnprocessableEntity,
	caseflow.KindUnauthorized:       http.StatusForbidden,
	caseflow.KindStorageConflict:    http.StatusConflict,
	caseflow.KindLedgerInconsistent: http.StatusInternalServerError,
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	kind := caseflow.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		h.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", err)
		return
	}
	if kind == caseflow.KindLedgerInconsistent {
		h.log.Error().Err(err).Msg("ledger inconsistent")
	}
	resp := ErrorResponse{
		Error:     string(kind),
		Kind:      string(kind),
		Details:   err.Error(),
		Retryable: caseflow.IsRetryable(err),
	}
	var terr *caseflow.TransitionError
	if errors.As(err, &terr) {
		resp.MissingFields = terr.MissingFields
		resp.Reason = terr.Reason
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
