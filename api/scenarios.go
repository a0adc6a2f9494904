/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with small, realistic case/course/appointment sets
	that exercise the lifecycle rules end to end.

AVAILABLE SCENARIOS:

	five-session-course:  course total=5, one PENDING case with an appointment
	single-session-course: course total=1, accepting flips it to COMPLETED
	referral-needs-pt:    neither clinic is the home clinic, PT assessment required
	completed-case:       a case driven to COMPLETED, ready for reversal
	pending-delete:       PENDING case with appointment, shows cascade delete

HOW SCENARIOS WORK:
 1. Reset the store
 2. Seed courses, appointments and cases
 3. Optionally drive transitions through the engine as a system admin

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "five-session-course"}

NOTE:

	Scenarios reset the store. The routes are mounted only when ENV is
	development, and loading needs ADMIN actor headers.
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/pncase-engine/caseflow"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "five-session-course",
		Name:        "Five-Session Course",
		Description: "Accept debits one session, cancel returns it",
	},
	{
		ID:          "single-session-course",
		Name:        "Single-Session Course",
		Description: "Accepting uses the last session and completes the course; un-accepting reactivates it",
	},
	{
		ID:          "referral-needs-pt",
		Name:        "External Referral",
		Description: "Neither clinic is the home clinic, so accepting needs a PT assessment",
	},
	{
		ID:          "completed-case",
		Name:        "Completed Case",
		Description: "Case already accepted and completed with a SOAP note; an admin may reverse it",
	},
	{
		ID:          "pending-delete",
		Name:        "Pending Delete",
		Description: "PENDING case with an appointment; delete is refused once accepted",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"five-session-course":   (*Handler).loadFiveSessionScenario,
	"single-session-course": (*Handler).loadSingleSessionScenario,
	"referral-needs-pt":     (*Handler).loadReferralScenario,
	"completed-case":        (*Handler).loadCompletedCaseScenario,
	"pending-delete":        (*Handler).loadPendingDeleteScenario,
}

// systemActor drives scenario transitions.
var systemActor = caseflow.Actor{ID: "scenario-loader", Role: caseflow.RoleAdmin}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario. Only an
// ADMIN actor may call it.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	if actor.Role != caseflow.RoleAdmin {
		writeError(w, http.StatusForbidden, "scenario loading requires the ADMIN role", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.log.Info().Str("scenario", req.ScenarioID).Str("actor_id", actor.ID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const (
	homeClinic  = "CL001"
	otherClinic = "CL002"
	thirdClinic = "CL003"
)

// seedLinkedCase creates a course, an appointment and a PENDING case that
// references both.
func (h *Handler) seedLinkedCase(ctx context.Context, caseID, courseID, apptID string, total int, source, target string) error {
	course := caseflow.CourseID(courseID)
	appt := caseflow.AppointmentID(apptID)
	cid := caseflow.CaseID(caseID)

	if err := h.Store.CreateCourse(ctx, caseflow.Course{ID: course, TotalSessions: total}); err != nil {
		return err
	}
	if err := h.Store.CreateAppointment(ctx, caseflow.Appointment{ID: appt, CaseID: &cid, CourseID: &course}); err != nil {
		return err
	}
	return h.Store.CreateCase(ctx, caseflow.Case{
		ID:             cid,
		Code:           "PN-" + caseID,
		CourseID:       &course,
		AppointmentID:  &appt,
		SourceClinicID: source,
		TargetClinicID: target,
		Diagnosis:      "Low back pain",
		Purpose:        "Physical therapy",
	})
}

func (h *Handler) loadFiveSessionScenario(ctx context.Context) error {
	return h.seedLinkedCase(ctx, "case-a", "course-5", "appt-a", 5, homeClinic, otherClinic)
}

func (h *Handler) loadSingleSessionScenario(ctx context.Context) error {
	return h.seedLinkedCase(ctx, "case-b", "course-1", "appt-b", 1, homeClinic, otherClinic)
}

func (h *Handler) loadReferralScenario(ctx context.Context) error {
	return h.seedLinkedCase(ctx, "case-ref", "course-ref", "appt-ref", 10, otherClinic, thirdClinic)
}

func (h *Handler) loadPendingDeleteScenario(ctx context.Context) error {
	return h.seedLinkedCase(ctx, "case-del", "course-del", "appt-del", 3, homeClinic, otherClinic)
}

func (h *Handler) loadCompletedCaseScenario(ctx context.Context) error {
	if err := h.seedLinkedCase(ctx, "case-done", "course-done", "appt-done", 10, otherClinic, thirdClinic); err != nil {
		return err
	}
	pain := decimal.NewFromInt(4)
	steps := []caseflow.TransitionRequest{
		{
			CaseID: "case-done",
			Target: caseflow.StatusAccepted,
			Payload: caseflow.Payload{PT: &caseflow.PTAssessment{
				Diagnosis:      "Lumbar strain",
				ChiefComplaint: "Pain when bending",
				PresentHistory: "Two weeks after lifting injury",
				PainScore:      &pain,
			}},
			Actor: systemActor,
		},
		{
			CaseID: "case-done",
			Target: caseflow.StatusCompleted,
			Payload: caseflow.Payload{SOAP: &caseflow.SOAP{
				Subjective: "Pain reduced",
				Objective:  "Full range of motion",
				Assessment: "Improving",
				Plan:       "Home exercises",
			}},
			Actor: systemActor,
		},
	}
	for _, step := range steps {
		if _, err := h.Engine.RequestTransition(ctx, step); err != nil {
			return fmt.Errorf("drive case to %s: %w", step.Target, err)
		}
	}
	return nil
}
