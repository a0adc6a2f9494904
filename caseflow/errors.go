/*
errors.go - Error kinds returned by the case engine

PURPOSE:
  Every rejection the engine produces carries one ErrorKind and enough
  structured detail (current vs requested status, missing field names)
  for the caller to build its own message. The engine never formats
  human-readable text for end users.

ERROR CATEGORIES:
  1. Lookup errors     - NotFound
  2. Lifecycle errors  - InvalidTransition, NotPending, NotCompleted
  3. Validation errors - PreconditionFailed, Unauthorized
  4. Ledger errors     - LedgerInconsistent
  5. Store errors      - StorageConflict (the only retryable kind)

USAGE:
  _, err := engine.RequestTransition(ctx, req)
  var terr *caseflow.TransitionError
  if errors.As(err, &terr) && terr.Kind == caseflow.KindPreconditionFailed {
      // terr.MissingFields lists what to ask for
  }
*/
package caseflow

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a case, course or appointment id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when the target status is not reachable.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPreconditionFailed is returned when required payload fields are missing.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrUnauthorized is returned when the actor lacks authority for the transition.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLedgerInconsistent is returned when a credit has no open debit to reverse.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")

	// ErrStorageConflict is returned when a concurrent modification is detected.
	// The whole transition is safe to retry from a fresh read.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrNotPending is returned when deleting a case that is not PENDING.
	ErrNotPending = errors.New("case is not pending")

	// ErrNotCompleted is returned when reversing a case that is not COMPLETED.
	ErrNotCompleted = errors.New("case is not completed")
)

// ErrorKind names a rejection category.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "NotFound"
	KindInvalidTransition  ErrorKind = "InvalidTransition"
	KindPreconditionFailed ErrorKind = "PreconditionFailed"
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindLedgerInconsistent ErrorKind = "LedgerInconsistent"
	KindStorageConflict    ErrorKind = "StorageConflict"
	KindNotPending         ErrorKind = "NotPending"
	KindNotCompleted       ErrorKind = "NotCompleted"
)

// Reason values narrow a PreconditionFailed that is not about a missing
// payload field.
const (
	ReasonCourseExhausted = "course_exhausted"
	ReasonCourseExpired   = "course_expired"
)

// kindOrder fixes the order KindOf tries sentinels in.
var kindOrder = []ErrorKind{
	KindStorageConflict,
	KindLedgerInconsistent,
	KindNotFound,
	KindInvalidTransition,
	KindNotPending,
	KindNotCompleted,
	KindPreconditionFailed,
	KindUnauthorized,
}

var kindSentinels = map[ErrorKind]error{
	KindNotFound:           ErrNotFound,
	KindInvalidTransition:  ErrInvalidTransition,
	KindPreconditionFailed: ErrPreconditionFailed,
	KindUnauthorized:       ErrUnauthorized,
	KindLedgerInconsistent: ErrLedgerInconsistent,
	KindStorageConflict:    ErrStorageConflict,
	KindNotPending:         ErrNotPending,
	KindNotCompleted:       ErrNotCompleted,
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// TransitionError is the structured rejection returned by the engine.
type TransitionError struct {
	Kind          ErrorKind
	CaseID        CaseID
	Current       Status
	Requested     Status
	MissingFields []string
	Reason        string
	Detail        string
}

func (e *TransitionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.CaseID != "" {
		fmt.Fprintf(&b, ": case %s", e.CaseID)
	}
	if e.Current != "" || e.Requested != "" {
		fmt.Fprintf(&b, " (%s -> %s)", e.Current, e.Requested)
	}
	if len(e.MissingFields) > 0 {
		fmt.Fprintf(&b, " missing [%s]", strings.Join(e.MissingFields, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " [%s]", e.Reason)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *TransitionError) Unwrap() error {
	return kindSentinels[e.Kind]
}

func rejectf(kind ErrorKind, c *Case, to Status, format string, args ...any) *TransitionError {
	e := &TransitionError{Kind: kind, Requested: to, Detail: fmt.Sprintf(format, args...)}
	if c != nil {
		e.CaseID = c.ID
		e.Current = c.Status
	}
	return e
}

func missing(c *Case, to Status, fields []string) *TransitionError {
	return &TransitionError{
		Kind:          KindPreconditionFailed,
		CaseID:        c.ID,
		Current:       c.Status,
		Requested:     to,
		MissingFields: fields,
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the ErrorKind of err, or "" if err is not a known rejection.
func KindOf(err error) ErrorKind {
	var terr *TransitionError
	if errors.As(err, &terr) {
		return terr.Kind
	}
	for _, kind := range kindOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrNotCompleted)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
