/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the caseflow domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Cases:       CaseDTO, PTAssessmentDTO, HistoryDTO
  Transitions: StatusChangeRequest, ReasonRequest, TransitionResultDTO, DeleteResultDTO
  Courses:     CourseDTO, UsageEventDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest
  Errors:      ErrorResponse

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/pncase-engine/caseflow"
)

// =============================================================================
// CASE DTOs
// =============================================================================

type CaseDTO struct {
	ID                 string           `json:"id"`
	Code               string           `json:"code"`
	Status             string           `json:"status"`
	CourseID           *string          `json:"course_id,omitempty"`
	AppointmentID      *string          `json:"appointment_id,omitempty"`
	SourceClinicID     string           `json:"source_clinic_id"`
	TargetClinicID     string           `json:"target_clinic_id"`
	Diagnosis          string           `json:"diagnosis,omitempty"`
	Purpose            string           `json:"purpose,omitempty"`
	PTAssessment       *PTAssessmentDTO `json:"pt_assessment,omitempty"`
	WasReversed        bool             `json:"was_reversed"`
	LastReversalReason string           `json:"last_reversal_reason,omitempty"`
	LastReversedAt     *time.Time       `json:"last_reversed_at,omitempty"`
	AcceptedAt         *time.Time       `json:"accepted_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	CancellationReason string           `json:"cancellation_reason,omitempty"`
	Version            int64            `json:"version"`
	UpdatedAt          time.Time        `json:"updated_at"`
	AllowedTargets     []string         `json:"allowed_targets"`
}

type PTAssessmentDTO struct {
	Diagnosis      string           `json:"diagnosis"`
	ChiefComplaint string           `json:"chief_complaint"`
	PresentHistory string           `json:"present_history"`
	PainScore      *decimal.Decimal `json:"pain_score"`
}

type HistoryDTO struct {
	ID         string    `json:"id"`
	OldStatus  string    `json:"old_status"`
	NewStatus  string    `json:"new_status"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	IsReversal bool      `json:"is_reversal"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// TRANSITION DTOs
// =============================================================================

type SOAPDTO struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// StatusChangeRequest is the body of POST /api/cases/{id}/status.
type StatusChangeRequest struct {
	Status       string           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	PTAssessment *PTAssessmentDTO `json:"pt_assessment,omitempty"`
	SOAP         *SOAPDTO         `json:"soap,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type TransitionResultDTO struct {
	CaseID              string    `json:"case_id"`
	From                string    `json:"from"`
	To                  string    `json:"to"`
	Debited             bool      `json:"debited"`
	Credited            bool      `json:"credited"`
	AppointmentStatus   string    `json:"appointment_status,omitempty"`
	RequiresSOAPReentry bool      `json:"requires_soap_reentry"`
	At                  time.Time `json:"at"`
}

type DeleteResultDTO struct {
	CaseID            string `json:"case_id"`
	DependentsRemoved int64  `json:"dependents_removed"`
}

// =============================================================================
// COURSE DTOs
// =============================================================================

type CourseDTO struct {
	ID                string     `json:"id"`
	TotalSessions     int        `json:"total_sessions"`
	UsedSessions      int        `json:"used_sessions"`
	RemainingSessions int        `json:"remaining_sessions"`
	Status            string     `json:"status"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
}

type UsageEventDTO struct {
	ID              string    `json:"id"`
	CaseID          string    `json:"case_id"`
	Action          string    `json:"action"`
	Delta           int       `json:"delta"`
	ReversesEventID *string   `json:"reverses_event_id,omitempty"`
	BillID          *string   `json:"bill_id,omitempty"`
	Note            string    `json:"note,omitempty"`
	Actor           string    `json:"actor"`
	UsageDate       time.Time `json:"usage_date"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERROR DTO
// =============================================================================

type ErrorResponse struct {
	Error         string   `json:"error"`
	Kind          string   `json:"kind,omitempty"`
	Details       string   `json:"details,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Retryable     bool     `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCaseDTO(c *caseflow.Case) CaseDTO {
	dto := CaseDTO{
		ID:                 string(c.ID),
		Code:               c.Code,
		Status:             string(c.Status),
		SourceClinicID:     c.SourceClinicID,
		TargetClinicID:     c.TargetClinicID,
		Diagnosis:          c.Diagnosis,
		Purpose:            c.Purpose,
		WasReversed:        c.WasReversed,
		LastReversalReason: c.LastReversalReason,
		LastReversedAt:     c.LastReversedAt,
		AcceptedAt:         c.AcceptedAt,
		CompletedAt:        c.CompletedAt,
		CancelledAt:        c.CancelledAt,
		CancellationReason: c.CancellationReason,
		Version:            c.Version,
		UpdatedAt:          c.UpdatedAt,
		AllowedTargets:     []string{},
	}
	if c.CourseID != nil {
		s := string(*c.CourseID)
		dto.CourseID = &s
	}
	if c.AppointmentID != nil {
		s := string(*c.AppointmentID)
		dto.AppointmentID = &s
	}
	if c.PT != (caseflow.PTAssessment{}) {
		dto.PTAssessment = &PTAssessmentDTO{
			Diagnosis:      c.PT.Diagnosis,
			ChiefComplaint: c.PT.ChiefComplaint,
			PresentHistory: c.PT.PresentHistory,
			PainScore:      c.PT.PainScore,
		}
	}
	for _, s := range caseflow.AllowedTargets(c.Status) {
		dto.AllowedTargets = append(dto.AllowedTargets, string(s))
	}
	return dto
}

func (r StatusChangeRequest) payload() caseflow.Payload {
	p := caseflow.Payload{Reason: r.Reason}
	if r.PTAssessment != nil {
		p.PT = &caseflow.PTAssessment{
			Diagnosis:      r.PTAssessment.Diagnosis,
			ChiefComplaint: r.PTAssessment.ChiefComplaint,
			PresentHistory: r.PTAssessment.PresentHistory,
			PainScore:      r.PTAssessment.PainScore,
		}
	}
	if r.SOAP != nil {
		p.SOAP = &caseflow.SOAP{
			Subjective: r.SOAP.Subjective,
			Objective:  r.SOAP.Objective,
			Assessment: r.SOAP.Assessment,
			Plan:       r.SOAP.Plan,
		}
	}
	return p
}

func toTransitionResultDTO(r *caseflow.TransitionResult) TransitionResultDTO {
	dto := TransitionResultDTO{
		CaseID:              string(r.CaseID),
		From:                string(r.From),
		To:                  string(r.To),
		Debited:             r.Debited,
		Credited:            r.Credited,
		RequiresSOAPReentry: r.RequiresSOAPReentry,
		At:                  r.At,
	}
	if r.Appointment != nil {
		dto.AppointmentStatus = string(*r.Appointment)
	}
	return dto
}

func toCourseDTO(c *caseflow.Course) CourseDTO {
	return CourseDTO{
		ID:                string(c.ID),
		TotalSessions:     c.TotalSessions,
		UsedSessions:      c.UsedSessions,
		RemainingSessions: c.RemainingSessions,
		Status:            string(c.Status),
		ExpiryDate:        c.ExpiryDate,
	}
}

func toUsageEventDTO(ev caseflow.UsageEvent) UsageEventDTO {
	dto := UsageEventDTO{
		ID:        string(ev.ID),
		CaseID:    string(ev.CaseID),
		Action:    string(ev.Action),
		Delta:     ev.Delta,
		BillID:    ev.BillID,
		Note:      ev.Note,
		Actor:     ev.Actor,
		UsageDate: ev.UsageDate,
	}
	if ev.ReversesEventID != nil {
		s := string(*ev.ReversesEventID)
		dto.ReversesEventID = &s
	}
	return dto
}

func toHistoryDTO(h caseflow.StatusHistory) HistoryDTO {
	return HistoryDTO{
		ID:         h.ID,
		OldStatus:  string(h.OldStatus),
		NewStatus:  string(h.NewStatus),
		Actor:      h.Actor,
		Reason:     h.Reason,
		IsReversal: h.IsReversal,
		CreatedAt:  h.CreatedAt,
	}
}
