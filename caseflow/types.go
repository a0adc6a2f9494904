/*
Package caseflow provides the PN case lifecycle engine.

PURPOSE:
  A PN case moves through a fixed set of statuses. Some of those moves
  debit or credit a pre-paid pool of treatment sessions (a Course) and
  keep a linked Appointment in step with the case. This package owns the
  state machine, the session ledger and the audit trail that justifies
  every change.

KEY CONCEPTS IN THIS FILE (types.go):
  - Case:          the clinical workflow record; Status is the only source of truth
  - Course:        a finite pool of sessions (total/used/remaining)
  - UsageEvent:    append-only ledger row (USE or RETURN) explaining a balance change
  - Appointment:   scheduling record mirrored from case status
  - StatusHistory: append-only audit row, one per accepted transition
  - Actor:         who is asking, with role and clinic

DESIGN PRINCIPLES:
  1. Timestamps (AcceptedAt, CompletedAt, CancelledAt) are audit
     conveniences. The engine never branches on them.
  2. Course balances only move together with a UsageEvent.
  3. A RETURN event always names the USE event it reverses.

SEE ALSO:
  - engine.go: Transition Engine
  - ledger.go: debit/credit rules
  - store.go:  persistence contracts
*/
package caseflow

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CaseID string
type CourseID string
type AppointmentID string
type UsageEventID string

// =============================================================================
// CASE STATUS
// =============================================================================

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// =============================================================================
// CASE
// =============================================================================

// PTAssessment holds the physiotherapy intake fields. They are mandatory
// when a case is accepted between two clinics that are both not the home clinic.
type PTAssessment struct {
	Diagnosis      string
	ChiefComplaint string
	PresentHistory string
	PainScore      *decimal.Decimal
}

// Case is a PN case.
type Case struct {
	ID             CaseID
	Code           string
	Status         Status
	CourseID       *CourseID
	AppointmentID  *AppointmentID
	SourceClinicID string
	TargetClinicID string

	// Clinical fields, opaque to the engine
	Diagnosis string
	Purpose   string
	Notes     string

	PT PTAssessment

	// Reversal metadata
	WasReversed        bool
	LastReversalReason string
	LastReversedAt     *time.Time

	// Status-entry timestamps
	AcceptedAt         *time.Time
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	CancellationReason string

	// Version is bumped on every write; used for optimistic concurrency.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Case) HasCourse() bool      { return c.CourseID != nil && *c.CourseID != "" }
func (c *Case) HasAppointment() bool { return c.AppointmentID != nil && *c.AppointmentID != "" }

// =============================================================================
// COURSE - finite pool of pre-paid sessions
// =============================================================================

type CourseStatus string

const (
	CourseActive    CourseStatus = "ACTIVE"
	CourseCompleted CourseStatus = "COMPLETED"
)

type Course struct {
	ID                CourseID
	TotalSessions     int
	UsedSessions      int
	RemainingSessions int
	Status            CourseStatus
	ExpiryDate        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the course expiry date lies before now.
func (c Course) Expired(now time.Time) bool {
	return c.ExpiryDate != nil && c.ExpiryDate.Before(now)
}

// =============================================================================
// USAGE EVENT - append-only ledger row
// =============================================================================

type UsageAction string

const (
	UsageUse    UsageAction = "USE"
	UsageReturn UsageAction = "RETURN"
)

type UsageEvent struct {
	ID       UsageEventID
	CourseID CourseID
	CaseID   CaseID
	BillID   *string
	// Delta is the session count moved. Always 1 in this domain.
	Delta  int
	Action UsageAction
	// ReversesEventID is set on RETURN events and points at the USE being undone.
	ReversesEventID *UsageEventID
	Note            string
	Actor           string
	UsageDate       time.Time
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "SCHEDULED"
	AppointmentCompleted AppointmentStatus = "COMPLETED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
)

type Appointment struct {
	ID                 AppointmentID
	CaseID             *CaseID
	CourseID           *CourseID
	Status             AppointmentStatus
	CancellationReason string
	UpdatedAt          time.Time
}

// =============================================================================
// HISTORY & NOTES
// =============================================================================

type StatusHistory struct {
	ID         string
	CaseID     CaseID
	OldStatus  Status
	NewStatus  Status
	Actor      string
	Reason     string
	IsReversal bool
	CreatedAt  time.Time
}

// SOAPNote is the clinical note written on completion. Append-only.
type SOAPNote struct {
	ID         string
	CaseID     CaseID
	Subjective string
	Objective  string
	Assessment string
	Plan       string
	Actor      string
	CreatedAt  time.Time
}

// =============================================================================
// ACTOR
// =============================================================================

type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleClinic    Role = "CLINIC"
	RolePT        Role = "PT"
	RoleReception Role = "RECEPTION"
)

type Actor struct {
	ID       string
	Role     Role
	ClinicID string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
