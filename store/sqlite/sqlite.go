/*
Package sqlite provides a SQLite-backed implementation of the caseflow storage interfaces.

PURPOSE:
  Implements caseflow.TxStore, caseflow.Reader, caseflow.Seeder and
  caseflow.AuditSink on one SQLite database. Case, Course, UsageEvent,
  Appointment and StatusHistory live side by side so a transition can
  write all of them in one transaction.

APPEND-ONLY ENFORCEMENT:
  - course_usage, case_status_history, soap_notes and audit_log are only
    ever INSERTed into
  - a course balance changes only in applyDelta, which inserts the
    justifying course_usage row in the same transaction

KEY TABLES:
  cases:               one row per PN case, status is the source of truth
  courses:             session pools, CHECKs keep remaining = total - used
  course_usage:        USE / RETURN ledger
  appointments:        scheduling records mirrored from case status
  case_status_history: audit trail of transitions
  soap_notes:          completion notes
  case_visits, case_attachments, case_certificates: cascade-delete targets
  audit_log:           forwarded audit entries

INDEXES:
  - idx_usage_use_cycle:    one USE per (course, case, cycle); a second
                            concurrent debit of the same pair fails here
  - idx_usage_reverses:     a USE can be reversed once
  - idx_usage_course_date:  ledger listing

CONCURRENCY:
  The pool is limited to one connection and transactions start with
  BEGIN IMMEDIATE (_txlock=immediate), so a unit holds the write lock
  from its first read. Busy/locked and unique-index errors surface as
  caseflow.ErrStorageConflict.

USAGE:
  store, err := sqlite.New("./data/pncase.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := caseflow.NewEngine(store, caseflow.EngineConfig{...})
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/pncase-engine/caseflow"
)

// Store implements the caseflow storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

const dsnParams = "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"

// dsn appends the connection parameters, keeping any query string the
// path already carries.
func dsn(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + dsnParams
	}
	return dbPath + "?" + dsnParams
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','ACCEPTED','IN_PROGRESS','COMPLETED','CANCELLED')),
		course_id TEXT,
		appointment_id TEXT,
		source_clinic_id TEXT NOT NULL DEFAULT '',
		target_clinic_id TEXT NOT NULL DEFAULT '',
		diagnosis TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		pt_diagnosis TEXT NOT NULL DEFAULT '',
		pt_chief_complaint TEXT NOT NULL DEFAULT '',
		pt_present_history TEXT NOT NULL DEFAULT '',
		pt_pain_score TEXT,
		was_reversed INTEGER NOT NULL DEFAULT 0,
		last_reversal_reason TEXT NOT NULL DEFAULT '',
		last_reversed_at TEXT,
		accepted_at TEXT,
		completed_at TEXT,
		cancelled_at TEXT,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
	CREATE INDEX IF NOT EXISTS idx_cases_course ON cases(course_id) WHERE course_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		total_sessions INTEGER NOT NULL CHECK (total_sessions >= 0),
		used_sessions INTEGER NOT NULL DEFAULT 0 CHECK (used_sessions >= 0),
		remaining_sessions INTEGER NOT NULL CHECK (remaining_sessions >= 0),
		status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE','COMPLETED')),
		expiry_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (remaining_sessions = total_sessions - used_sessions)
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS course_usage (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		bill_id TEXT,
		delta INTEGER NOT NULL DEFAULT 1,
		action TEXT NOT NULL CHECK (action IN ('USE','RETURN')),
		cycle INTEGER NOT NULL DEFAULT 0,
		reverses_event_id TEXT,
		note TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		usage_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_use_cycle
		ON course_usage(course_id, case_id, cycle) WHERE action = 'USE';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_reverses
		ON course_usage(reverses_event_id) WHERE reverses_event_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_usage_course_date
		ON course_usage(course_id, usage_date);
	CREATE INDEX IF NOT EXISTS idx_usage_pair
		ON course_usage(course_id, case_id, action);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		case_id TEXT,
		course_id TEXT,
		status TEXT NOT NULL DEFAULT 'SCHEDULED' CHECK (status IN ('SCHEDULED','COMPLETED','CANCELLED')),
		cancellation_reason TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_case ON appointments(case_id);

	CREATE TABLE IF NOT EXISTS case_status_history (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		old_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		is_reversal INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_case ON case_status_history(case_id, created_at);

	CREATE TABLE IF NOT EXISTS soap_notes (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		subjective TEXT NOT NULL,
		objective TEXT NOT NULL,
		assessment TEXT NOT NULL,
		plan TEXT NOT NULL,
		actor TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_soap_case ON soap_notes(case_id);

	-- Dependent records removed when a PENDING case is deleted
	CREATE TABLE IF NOT EXISTS case_visits (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		visit_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS case_attachments (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS case_certificates (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		certificate_no TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_visits_case ON case_visits(case_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_case ON case_attachments(case_id);
	CREATE INDEX IF NOT EXISTS idx_certificates_case ON case_certificates(case_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		old_value_json TEXT,
		new_value_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (caseflow.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(caseflow.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: queries{db: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

type txStore struct {
	q queries
}

func (t *txStore) LockCase(ctx context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	return t.q.getCase(ctx, id)
}

func (t *txStore) UpdateCase(ctx context.Context, c *caseflow.Case, expectedVersion int64) error {
	return t.q.updateCase(ctx, c, expectedVersion)
}

func (t *txStore) DeleteCase(ctx context.Context, id caseflow.CaseID) error {
	return t.q.deleteCase(ctx, id)
}

func (t *txStore) AppendHistory(ctx context.Context, h caseflow.StatusHistory) error {
	return t.q.appendHistory(ctx, h)
}

func (t *txStore) History(ctx context.Context, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	return t.q.history(ctx, id)
}

func (t *txStore) AppendSOAPNote(ctx context.Context, n caseflow.SOAPNote) error {
	return t.q.appendSOAPNote(ctx, n)
}

func (t *txStore) GetCourse(ctx context.Context, id caseflow.CourseID) (*caseflow.Course, error) {
	return t.q.getCourse(ctx, id)
}

func (t *txStore) HasUnreversedUse(ctx context.Context, courseID caseflow.CourseID, caseID caseflow.CaseID) (bool, error) {
	ev, err := t.q.openUse(ctx, courseID, caseID)
	return ev != nil, err
}

func (t *txStore) OpenUse(ctx context.Context, courseID caseflow.CourseID, caseID caseflow.CaseID) (*caseflow.UsageEvent, error) {
	return t.q.openUse(ctx, courseID, caseID)
}

func (t *txStore) ApplyDelta(ctx context.Context, courseID caseflow.CourseID, delta int, ev caseflow.UsageEvent) (*caseflow.Course, error) {
	return t.q.applyDelta(ctx, courseID, delta, ev)
}

func (t *txStore) UsageEvents(ctx context.Context, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	return t.q.usageEvents(ctx, courseID)
}

func (t *txStore) GetAppointment(ctx context.Context, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	return t.q.getAppointment(ctx, id)
}

func (t *txStore) SetAppointmentStatus(ctx context.Context, id caseflow.AppointmentID, status caseflow.AppointmentStatus, reason string, at time.Time) error {
	return t.q.setAppointmentStatus(ctx, id, status, reason, at)
}

func (t *txStore) DeleteCaseDependents(ctx context.Context, id caseflow.CaseID) (int64, error) {
	return t.q.deleteDependents(ctx, id)
}

// =============================================================================
// READS (caseflow.Reader interface)
// =============================================================================

func (s *Store) GetCase(ctx context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	return s.q.getCase(ctx, id)
}

func (s *Store) GetCourse(ctx context.Context, id caseflow.CourseID) (*caseflow.Course, error) {
	return s.q.getCourse(ctx, id)
}

func (s *Store) GetAppointment(ctx context.Context, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	return s.q.getAppointment(ctx, id)
}

func (s *Store) History(ctx context.Context, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	return s.q.history(ctx, id)
}

func (s *Store) UsageEvents(ctx context.Context, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	return s.q.usageEvents(ctx, courseID)
}

// SOAPNotes returns the notes written for a case, oldest first.
func (s *Store) SOAPNotes(ctx context.Context, id caseflow.CaseID) ([]caseflow.SOAPNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, subjective, objective, assessment, plan, actor, created_at
		FROM soap_notes WHERE case_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query soap notes: %w", err)
	}
	defer rows.Close()

	var notes []caseflow.SOAPNote
	for rows.Next() {
		var n caseflow.SOAPNote
		var createdAt string
		if err := rows.Scan(&n.ID, &n.CaseID, &n.Subjective, &n.Objective, &n.Assessment, &n.Plan, &n.Actor, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(createdAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// =============================================================================
// SEEDING (caseflow.Seeder interface)
// =============================================================================

func (s *Store) CreateCase(ctx context.Context, c caseflow.Case) error {
	if c.Status == "" {
		c.Status = caseflow.StatusPending
	}
	if c.Code == "" {
		c.Code = string(c.ID)
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (id, code, status, course_id, appointment_id, source_clinic_id, target_clinic_id,
			diagnosis, purpose, notes, pt_diagnosis, pt_chief_complaint, pt_present_history, pt_pain_score,
			accepted_at, completed_at, cancelled_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.Code, c.Status, courseIDValue(c.CourseID), appointmentIDValue(c.AppointmentID),
		c.SourceClinicID, c.TargetClinicID, c.Diagnosis, c.Purpose, c.Notes,
		c.PT.Diagnosis, c.PT.ChiefComplaint, c.PT.PresentHistory, painScoreValue(c.PT.PainScore),
		nullTime(c.AcceptedAt), nullTime(c.CompletedAt), nullTime(c.CancelledAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create case: %w", err)
	}
	return nil
}

func (s *Store) CreateCourse(ctx context.Context, c caseflow.Course) error {
	c.RemainingSessions = c.TotalSessions - c.UsedSessions
	if c.Status == "" {
		c.Status = caseflow.CourseActive
		if c.RemainingSessions <= 0 {
			c.Status = caseflow.CourseCompleted
		}
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, total_sessions, used_sessions, remaining_sessions, status, expiry_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TotalSessions, c.UsedSessions, c.RemainingSessions, c.Status, nullTime(c.ExpiryDate), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create course: %w", err)
	}
	return nil
}

func (s *Store) CreateAppointment(ctx context.Context, a caseflow.Appointment) error {
	if a.Status == "" {
		a.Status = caseflow.AppointmentScheduled
	}
	var caseID, courseID any
	if a.CaseID != nil {
		caseID = string(*a.CaseID)
	}
	if a.CourseID != nil {
		courseID = string(*a.CourseID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, case_id, course_id, status, cancellation_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, caseID, courseID, a.Status, a.CancellationReason, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

// Reset deletes all data from every table.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"audit_log", "soap_notes", "case_status_history", "course_usage",
		"case_visits", "case_attachments", "case_certificates",
		"appointments", "courses", "cases",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// DependentKind names a table removed by the cascade delete.
type DependentKind string

const (
	DependentVisit       DependentKind = "case_visits"
	DependentAttachment  DependentKind = "case_attachments"
	DependentCertificate DependentKind = "case_certificates"
)

// AddDependent inserts one dependent record for a case.
func (s *Store) AddDependent(ctx context.Context, kind DependentKind, id string, caseID caseflow.CaseID) error {
	now := formatTime(time.Now())
	var query string
	switch kind {
	case DependentVisit:
		query = `INSERT INTO case_visits (id, case_id, visit_date, created_at) VALUES (?, ?, ?, ?)`
	case DependentAttachment:
		query = `INSERT INTO case_attachments (id, case_id, file_name, created_at) VALUES (?, ?, ?, ?)`
	case DependentCertificate:
		query = `INSERT INTO case_certificates (id, case_id, certificate_no, created_at) VALUES (?, ?, ?, ?)`
	default:
		return fmt.Errorf("unknown dependent kind %q", kind)
	}
	_, err := s.db.ExecContext(ctx, query, id, caseID, id, now)
	return err
}

// CountDependents returns how many dependent rows of every kind a case has.
func (s *Store) CountDependents(ctx context.Context, caseID caseflow.CaseID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM case_visits WHERE case_id = ?)
		     + (SELECT COUNT(*) FROM case_attachments WHERE case_id = ?)
		     + (SELECT COUNT(*) FROM case_certificates WHERE case_id = ?)
		     + (SELECT COUNT(*) FROM appointments
		        WHERE case_id = ? OR id = (SELECT appointment_id FROM cases WHERE id = ?))`,
		caseID, caseID, caseID, caseID, caseID,
	).Scan(&n)
	return n, err
}

// =============================================================================
// AUDIT LOG (caseflow.AuditSink interface)
// =============================================================================

// Record appends an audit entry.
func (s *Store) Record(ctx context.Context, e caseflow.AuditEntry) error {
	oldJSON, err := json.Marshal(e.OldValue)
	if err != nil {
		return fmt.Errorf("failed to encode audit old value: %w", err)
	}
	newJSON, err := json.Marshal(e.NewValue)
	if err != nil {
		return fmt.Errorf("failed to encode audit new value: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, entity_type, entity_id, old_value_json, new_value_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.ActorID, e.Action, e.EntityType, e.EntityID, string(oldJSON), string(newJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns audit entries for an entity, oldest first.
func (s *Store) AuditEntries(ctx context.Context, entityType, entityID string) ([]caseflow.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, actor_id, action, entity_type, entity_id, old_value_json, new_value_json
		FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY timestamp ASC, rowid ASC`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []caseflow.AuditEntry
	for rows.Next() {
		var (
			e                caseflow.AuditEntry
			ts               string
			oldJSON, newJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &oldJSON, &newJSON); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		if oldJSON.Valid && oldJSON.String != "" {
			if err := json.Unmarshal([]byte(oldJSON.String), &e.OldValue); err != nil {
				return nil, fmt.Errorf("failed to decode audit entry %s old value: %w", e.ID, err)
			}
		}
		if newJSON.Valid && newJSON.String != "" {
			if err := json.Unmarshal([]byte(newJSON.String), &e.NewValue); err != nil {
				return nil, fmt.Errorf("failed to decode audit entry %s new value: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

const caseCols = `id, code, status, course_id, appointment_id, source_clinic_id, target_clinic_id,
	diagnosis, purpose, notes, pt_diagnosis, pt_chief_complaint, pt_present_history, pt_pain_score,
	was_reversed, last_reversal_reason, last_reversed_at, accepted_at, completed_at, cancelled_at,
	cancellation_reason, version, created_at, updated_at`

func scanCase(row scanner) (*caseflow.Case, error) {
	var (
		c                                                    caseflow.Case
		courseID, appointmentID                              sql.NullString
		painScore                                            decimal.NullDecimal
		lastReversedAt, acceptedAt, completedAt, cancelledAt sql.NullString
		createdAt, updatedAt                                 string
	)
	err := row.Scan(&c.ID, &c.Code, &c.Status, &courseID, &appointmentID, &c.SourceClinicID, &c.TargetClinicID,
		&c.Diagnosis, &c.Purpose, &c.Notes, &c.PT.Diagnosis, &c.PT.ChiefComplaint, &c.PT.PresentHistory, &painScore,
		&c.WasReversed, &c.LastReversalReason, &lastReversedAt, &acceptedAt, &completedAt, &cancelledAt,
		&c.CancellationReason, &c.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if courseID.Valid {
		id := caseflow.CourseID(courseID.String)
		c.CourseID = &id
	}
	if appointmentID.Valid {
		id := caseflow.AppointmentID(appointmentID.String)
		c.AppointmentID = &id
	}
	if painScore.Valid {
		d := painScore.Decimal
		c.PT.PainScore = &d
	}
	c.LastReversedAt = parseNullTime(lastReversedAt)
	c.AcceptedAt = parseNullTime(acceptedAt)
	c.CompletedAt = parseNullTime(completedAt)
	c.CancelledAt = parseNullTime(cancelledAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (q queries) getCase(ctx context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	c, err := scanCase(q.db.QueryRowContext(ctx, `SELECT `+caseCols+` FROM cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, caseflow.ErrNotFound)
	}
	if err != nil {
		return nil, translate(fmt.Errorf("failed to load case %s: %w", id, err))
	}
	return c, nil
}

func (q queries) updateCase(ctx context.Context, c *caseflow.Case, expectedVersion int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE cases SET
			status = ?, pt_diagnosis = ?, pt_chief_complaint = ?, pt_present_history = ?, pt_pain_score = ?,
			was_reversed = ?, last_reversal_reason = ?, last_reversed_at = ?,
			accepted_at = ?, completed_at = ?, cancelled_at = ?, cancellation_reason = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.Status, c.PT.Diagnosis, c.PT.ChiefComplaint, c.PT.PresentHistory, painScoreValue(c.PT.PainScore),
		c.WasReversed, c.LastReversalReason, nullTime(c.LastReversedAt),
		nullTime(c.AcceptedAt), nullTime(c.CompletedAt), nullTime(c.CancelledAt), c.CancellationReason,
		formatTime(c.UpdatedAt), c.ID, expectedVersion,
	)
	if err != nil {
		return translate(fmt.Errorf("failed to update case %s: %w", c.ID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("case %s changed since version %d: %w", c.ID, expectedVersion, caseflow.ErrStorageConflict)
	}
	c.Version = expectedVersion + 1
	return nil
}

func (q queries) deleteCase(ctx context.Context, id caseflow.CaseID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM cases WHERE id = ? AND status = 'PENDING'`, id)
	if err != nil {
		return translate(fmt.Errorf("failed to delete case %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("case %s not deletable: %w", id, caseflow.ErrStorageConflict)
	}
	return nil
}

func (q queries) deleteDependents(ctx context.Context, id caseflow.CaseID) (int64, error) {
	var total int64
	for _, table := range []string{"case_visits", "case_attachments", "case_certificates"} {
		res, err := q.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE case_id = ?`, id)
		if err != nil {
			return total, translate(fmt.Errorf("failed to delete from %s: %w", table, err))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	// The appointment may be linked from either side.
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM appointments
		WHERE case_id = ? OR id = (SELECT appointment_id FROM cases WHERE id = ?)`, id, id)
	if err != nil {
		return total, translate(fmt.Errorf("failed to delete appointments: %w", err))
	}
	n, _ := res.RowsAffected()
	return total + n, nil
}

func (q queries) appendHistory(ctx context.Context, h caseflow.StatusHistory) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO case_status_history (id, case_id, old_status, new_status, actor, reason, is_reversal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.CaseID, h.OldStatus, h.NewStatus, h.Actor, h.Reason, h.IsReversal, formatTime(h.CreatedAt),
	)
	if err != nil {
		return translate(fmt.Errorf("failed to append history: %w", err))
	}
	return nil
}

func (q queries) history(ctx context.Context, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, case_id, old_status, new_status, actor, reason, is_reversal, created_at
		FROM case_status_history WHERE case_id = ? ORDER BY created_at ASC, rowid ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []caseflow.StatusHistory
	for rows.Next() {
		var h caseflow.StatusHistory
		var createdAt string
		if err := rows.Scan(&h.ID, &h.CaseID, &h.OldStatus, &h.NewStatus, &h.Actor, &h.Reason, &h.IsReversal, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (q queries) appendSOAPNote(ctx context.Context, n caseflow.SOAPNote) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO soap_notes (id, case_id, subjective, objective, assessment, plan, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.CaseID, n.Subjective, n.Objective, n.Assessment, n.Plan, n.Actor, formatTime(n.CreatedAt),
	)
	if err != nil {
		return translate(fmt.Errorf("failed to append soap note: %w", err))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

const courseCols = `id, total_sessions, used_sessions, remaining_sessions, status, expiry_date, created_at, updated_at`

func scanCourse(row scanner) (*caseflow.Course, error) {
	var (
		c                    caseflow.Course
		expiry               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.TotalSessions, &c.UsedSessions, &c.RemainingSessions, &c.Status, &expiry, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ExpiryDate = parseNullTime(expiry)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (q queries) getCourse(ctx context.Context, id caseflow.CourseID) (*caseflow.Course, error) {
	c, err := scanCourse(q.db.QueryRowContext(ctx, `SELECT `+courseCols+` FROM courses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %s: %w", id, caseflow.ErrNotFound)
	}
	if err != nil {
		return nil, translate(fmt.Errorf("failed to load course %s: %w", id, err))
	}
	return c, nil
}

const usageCols = `id, course_id, case_id, bill_id, delta, action, reverses_event_id, note, actor, usage_date`

func scanUsage(row scanner) (*caseflow.UsageEvent, error) {
	var (
		ev               caseflow.UsageEvent
		billID, reverses sql.NullString
		usageDate        string
	)
	if err := row.Scan(&ev.ID, &ev.CourseID, &ev.CaseID, &billID, &ev.Delta, &ev.Action, &reverses, &ev.Note, &ev.Actor, &usageDate); err != nil {
		return nil, err
	}
	if billID.Valid {
		b := billID.String
		ev.BillID = &b
	}
	if reverses.Valid {
		r := caseflow.UsageEventID(reverses.String)
		ev.ReversesEventID = &r
	}
	ev.UsageDate = parseTime(usageDate)
	return &ev, nil
}

func (q queries) openUse(ctx context.Context, courseID caseflow.CourseID, caseID caseflow.CaseID) (*caseflow.UsageEvent, error) {
	ev, err := scanUsage(q.db.QueryRowContext(ctx, `
		SELECT `+usageCols+` FROM course_usage u
		WHERE u.course_id = ? AND u.case_id = ? AND u.action = 'USE'
		  AND NOT EXISTS (SELECT 1 FROM course_usage r WHERE r.reverses_event_id = u.id)
		ORDER BY u.usage_date ASC
		LIMIT 1`, courseID, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(fmt.Errorf("failed to query usage: %w", err))
	}
	return ev, nil
}

func (q queries) applyDelta(ctx context.Context, courseID caseflow.CourseID, delta int, ev caseflow.UsageEvent) (*caseflow.Course, error) {
	course, err := q.getCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	updated, err := caseflow.ApplySessionDelta(*course, delta)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = ev.UsageDate

	res, err := q.db.ExecContext(ctx, `
		UPDATE courses SET used_sessions = ?, remaining_sessions = ?, status = ?, updated_at = ?
		WHERE id = ? AND used_sessions = ?`,
		updated.UsedSessions, updated.RemainingSessions, updated.Status, formatTime(updated.UpdatedAt),
		courseID, course.UsedSessions,
	)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to update course %s: %w", courseID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("course %s balance moved: %w", courseID, caseflow.ErrStorageConflict)
	}

	// cycle numbers USE rows per pair so the unique index admits exactly one
	// debit per open cycle.
	var cycle int
	if ev.Action == caseflow.UsageUse {
		if err := q.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM course_usage WHERE course_id = ? AND case_id = ? AND action = 'USE'`,
			courseID, ev.CaseID).Scan(&cycle); err != nil {
			return nil, translate(fmt.Errorf("failed to count usage: %w", err))
		}
	}

	var reverses any
	if ev.ReversesEventID != nil {
		reverses = string(*ev.ReversesEventID)
	}
	var billID any
	if ev.BillID != nil {
		billID = *ev.BillID
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO course_usage (id, course_id, case_id, bill_id, delta, action, cycle, reverses_event_id, note, actor, usage_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, courseID, ev.CaseID, billID, ev.Delta, ev.Action, cycle, reverses, ev.Note, ev.Actor,
		formatTime(ev.UsageDate), formatTime(time.Now()),
	)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to append usage event: %w", err))
	}
	return &updated, nil
}

func (q queries) usageEvents(ctx context.Context, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+usageCols+` FROM course_usage WHERE course_id = ? ORDER BY usage_date ASC, rowid ASC`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var out []caseflow.UsageEvent
	for rows.Next() {
		ev, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Appointments
// -----------------------------------------------------------------------------

func (q queries) getAppointment(ctx context.Context, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	var (
		a                caseflow.Appointment
		caseID, courseID sql.NullString
		updatedAt        string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, case_id, course_id, status, cancellation_reason, updated_at FROM appointments WHERE id = ?`, id,
	).Scan(&a.ID, &caseID, &courseID, &a.Status, &a.CancellationReason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("appointment %s: %w", id, caseflow.ErrNotFound)
	}
	if err != nil {
		return nil, translate(fmt.Errorf("failed to load appointment %s: %w", id, err))
	}
	if caseID.Valid {
		cid := caseflow.CaseID(caseID.String)
		a.CaseID = &cid
	}
	if courseID.Valid {
		cid := caseflow.CourseID(courseID.String)
		a.CourseID = &cid
	}
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (q queries) setAppointmentStatus(ctx context.Context, id caseflow.AppointmentID, status caseflow.AppointmentStatus, reason string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE appointments SET status = ?, cancellation_reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, formatTime(at), id,
	)
	if err != nil {
		return translate(fmt.Errorf("failed to update appointment %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %s: %w", id, caseflow.ErrNotFound)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// translate maps SQLite contention and unique-index failures to
// caseflow.ErrStorageConflict.
func translate(err error) error {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch {
	case serr.Code == sqlite3.ErrBusy, serr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", caseflow.ErrStorageConflict, err)
	case serr.ExtendedCode == sqlite3.ErrConstraintUnique, serr.ExtendedCode == sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%w: %v", caseflow.ErrStorageConflict, err)
	}
	return err
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func painScoreValue(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func courseIDValue(id *caseflow.CourseID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func appointmentIDValue(id *caseflow.AppointmentID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}
