/*
store.go - Persistence contracts for the case engine

PURPOSE:
  Defines the boundary between the engine and the relational store.
  Every transition runs inside one TxStore.WithTx call. Inside it the
  engine sees a Tx that reads and writes cases, courses, usage events,
  appointments, history and notes. Either everything commits or nothing.

KEY INTERFACES:
  TxStore:          opens the atomic unit of work
  Tx:               everything a transition may touch, scoped to one unit
  LedgerStore:      course balances + append-only usage events
  CaseStore:        cases + append-only status history
  AppointmentStore: linked scheduling records
  AuditSink:        best-effort audit forwarding, outside the unit

APPEND-ONLY CONTRACT:
  UsageEvent, StatusHistory and SOAPNote have no Update or Delete.
  Course balances change only through ApplyDelta, which also appends
  the UsageEvent that justifies the change.

CONCURRENCY:
  LockCase must be the first read of a transition. Implementations make
  it exclusive for the lifetime of the unit (row lock, single-writer
  transaction, or a store-wide mutex). UpdateCase additionally checks
  the version it was given and returns ErrStorageConflict on mismatch.

IMPLEMENTATIONS:
  - caseflow/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go:   SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package caseflow

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	// GetCourse returns ErrNotFound if the course does not exist.
	GetCourse(ctx context.Context, id CourseID) (*Course, error)

	// HasUnreversedUse reports whether an open USE event exists for the pair.
	HasUnreversedUse(ctx context.Context, courseID CourseID, caseID CaseID) (bool, error)

	// OpenUse returns the open USE event for the pair, or nil.
	OpenUse(ctx context.Context, courseID CourseID, caseID CaseID) (*UsageEvent, error)

	// ApplyDelta moves the course balance by delta (+1 credit, -1 debit) and
	// appends ev in the same unit. Returns the updated course.
	ApplyDelta(ctx context.Context, courseID CourseID, delta int, ev UsageEvent) (*Course, error)

	// UsageEvents returns the ledger for a course, oldest first.
	UsageEvents(ctx context.Context, courseID CourseID) ([]UsageEvent, error)
}

// =============================================================================
// CASE STORE
// =============================================================================

type CaseStore interface {
	// LockCase loads a case and holds it exclusively until the unit ends.
	LockCase(ctx context.Context, id CaseID) (*Case, error)

	// UpdateCase persists c if the stored version equals expectedVersion.
	// c.Version is set to the new version on success.
	UpdateCase(ctx context.Context, c *Case, expectedVersion int64) error

	// DeleteCase removes the case row.
	DeleteCase(ctx context.Context, id CaseID) error

	AppendHistory(ctx context.Context, h StatusHistory) error
	History(ctx context.Context, id CaseID) ([]StatusHistory, error)

	// AppendSOAPNote writes the clinical note for a completion.
	AppendSOAPNote(ctx context.Context, n SOAPNote) error
}

// =============================================================================
// APPOINTMENT STORE
// =============================================================================

type AppointmentStore interface {
	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)
	SetAppointmentStatus(ctx context.Context, id AppointmentID, status AppointmentStatus, reason string, at time.Time) error
}

// =============================================================================
// CASCADE
// =============================================================================

// DependentsStore removes scheduling, visit, attachment and certificate
// records that hang off a case. Only DeleteCase calls it.
type DependentsStore interface {
	DeleteCaseDependents(ctx context.Context, id CaseID) (int64, error)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Tx is the view of the store inside one atomic unit.
type Tx interface {
	CaseStore
	LedgerStore
	AppointmentStore
	DependentsStore
}

// TxStore opens atomic units of work.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Seeder creates the records the engine later mutates. Case creation
// belongs to an outside workflow; stores expose it for that workflow,
// for demo scenarios and for tests.
type Seeder interface {
	CreateCase(ctx context.Context, c Case) error
	CreateCourse(ctx context.Context, c Course) error
	CreateAppointment(ctx context.Context, a Appointment) error
}

// Reader exposes read-only queries outside a transition.
type Reader interface {
	GetCase(ctx context.Context, id CaseID) (*Case, error)
	GetCourse(ctx context.Context, id CourseID) (*Course, error)
	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)
	History(ctx context.Context, id CaseID) ([]StatusHistory, error)
	UsageEvents(ctx context.Context, courseID CourseID) ([]UsageEvent, error)
}

// =============================================================================
// AUDIT SINK - outside the unit of work, best effort
// =============================================================================

type AuditAction string

const (
	AuditStatusChanged    AuditAction = "status_changed"
	AuditCompletionUndone AuditAction = "completion_reversed"
	AuditCaseCancelled    AuditAction = "case_cancelled"
	AuditCaseDeleted      AuditAction = "case_deleted"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	OldValue   map[string]any
	NewValue   map[string]any
}

// AuditSink receives audit entries after a transition commits.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AuditSinkFunc is a function adapter for AuditSink.
type AuditSinkFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditSinkFunc) Record(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}
