// Package postgres implements the caseflow storage interfaces on PostgreSQL
// through a pgx connection pool.
//
// Every unit of work runs in a READ COMMITTED transaction. LockCase and the
// course balance update take row locks (SELECT ... FOR UPDATE), so two
// concurrent transitions of one case serialise on the case row.
// Serialization failures, deadlocks, lock timeouts and unique violations
// surface as caseflow.ErrStorageConflict.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/pncase-engine/caseflow"
)

// NewPool parses the URL, sizes the pool and checks connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL caseflow store.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
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
	pt_pain_score NUMERIC(4,2),
	was_reversed BOOLEAN NOT NULL DEFAULT FALSE,
	last_reversal_reason TEXT NOT NULL DEFAULT '',
	last_reversed_at TIMESTAMPTZ,
	accepted_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	cancellation_reason TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);

CREATE TABLE IF NOT EXISTS courses (
	id TEXT PRIMARY KEY,
	total_sessions INTEGER NOT NULL CHECK (total_sessions >= 0),
	used_sessions INTEGER NOT NULL DEFAULT 0 CHECK (used_sessions >= 0),
	remaining_sessions INTEGER NOT NULL CHECK (remaining_sessions >= 0),
	status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE','COMPLETED')),
	expiry_date TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (remaining_sessions = total_sessions - used_sessions)
);

CREATE TABLE IF NOT EXISTS course_usage (
	id TEXT PRIMARY KEY,
	course_id TEXT NOT NULL REFERENCES courses(id),
	case_id TEXT NOT NULL,
	bill_id TEXT,
	delta INTEGER NOT NULL DEFAULT 1,
	action TEXT NOT NULL CHECK (action IN ('USE','RETURN')),
	cycle INTEGER NOT NULL DEFAULT 0,
	reverses_event_id TEXT REFERENCES course_usage(id),
	note TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	usage_date TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_use_cycle
	ON course_usage(course_id, case_id, cycle) WHERE action = 'USE';
CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_reverses
	ON course_usage(reverses_event_id) WHERE reverses_event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_usage_course_date ON course_usage(course_id, usage_date);

CREATE TABLE IF NOT EXISTS appointments (
	id TEXT PRIMARY KEY,
	case_id TEXT,
	course_id TEXT,
	status TEXT NOT NULL DEFAULT 'SCHEDULED' CHECK (status IN ('SCHEDULED','COMPLETED','CANCELLED')),
	cancellation_reason TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_appointments_case ON appointments(case_id);

CREATE TABLE IF NOT EXISTS case_status_history (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	old_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	actor TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	is_reversal BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
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
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS case_visits (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	visit_date TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS case_attachments (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS case_certificates (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	certificate_no TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	old_value JSONB,
	new_value JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Reset truncates every table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE audit_log, soap_notes, case_status_history, course_usage,
		case_visits, case_attachments, case_certificates, appointments, courses, cases`)
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

// WithTx runs fn in one transaction. The transaction commits only if fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(caseflow.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// READS / SEEDING
// =============================================================================

func (s *Store) GetCase(ctx context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	return getCase(ctx, s.pool, id, false)
}

func (s *Store) GetCourse(ctx context.Context, id caseflow.CourseID) (*caseflow.Course, error) {
	return getCourse(ctx, s.pool, id, false)
}

func (s *Store) GetAppointment(ctx context.Context, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	return getAppointment(ctx, s.pool, id)
}

func (s *Store) History(ctx context.Context, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	return history(ctx, s.pool, id)
}

func (s *Store) UsageEvents(ctx context.Context, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	return usageEvents(ctx, s.pool, courseID)
}

func (s *Store) CreateCase(ctx context.Context, c caseflow.Case) error {
	if c.Status == "" {
		c.Status = caseflow.StatusPending
	}
	if c.Code == "" {
		c.Code = string(c.ID)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cases (id, code, status, course_id, appointment_id, source_clinic_id, target_clinic_id,
			diagnosis, purpose, notes, pt_diagnosis, pt_chief_complaint, pt_present_history, pt_pain_score,
			accepted_at, completed_at, cancelled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,CAST($14::text AS NUMERIC),$15,$16,$17)`,
		string(c.ID), c.Code, string(c.Status), courseIDArg(c.CourseID), appointmentIDArg(c.AppointmentID),
		c.SourceClinicID, c.TargetClinicID, c.Diagnosis, c.Purpose, c.Notes,
		c.PT.Diagnosis, c.PT.ChiefComplaint, c.PT.PresentHistory, painScoreArg(c.PT.PainScore),
		c.AcceptedAt, c.CompletedAt, c.CancelledAt)
	if err != nil {
		return fmt.Errorf("create case: %w", err)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courses (id, total_sessions, used_sessions, remaining_sessions, status, expiry_date)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		string(c.ID), c.TotalSessions, c.UsedSessions, c.RemainingSessions, string(c.Status), c.ExpiryDate)
	if err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

func (s *Store) CreateAppointment(ctx context.Context, a caseflow.Appointment) error {
	if a.Status == "" {
		a.Status = caseflow.AppointmentScheduled
	}
	var caseID, courseID *string
	if a.CaseID != nil {
		v := string(*a.CaseID)
		caseID = &v
	}
	if a.CourseID != nil {
		v := string(*a.CourseID)
		courseID = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointments (id, case_id, course_id, status, cancellation_reason)
		VALUES ($1,$2,$3,$4,$5)`,
		string(a.ID), caseID, courseID, string(a.Status), a.CancellationReason)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

// Record writes an audit entry to audit_log.
func (s *Store) Record(ctx context.Context, e caseflow.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, entity_type, entity_id, old_value, new_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.Timestamp, e.ActorID, string(e.Action), e.EntityType, e.EntityID, e.OldValue, e.NewValue)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txStore struct {
	q queryable
}

func (t *txStore) LockCase(ctx context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	return getCase(ctx, t.q, id, true)
}

func (t *txStore) UpdateCase(ctx context.Context, c *caseflow.Case, expectedVersion int64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE cases SET
			status=$2, pt_diagnosis=$3, pt_chief_complaint=$4, pt_present_history=$5,
			pt_pain_score=CAST($6::text AS NUMERIC), was_reversed=$7, last_reversal_reason=$8, last_reversed_at=$9,
			accepted_at=$10, completed_at=$11, cancelled_at=$12, cancellation_reason=$13,
			version=version+1, updated_at=$14
		WHERE id=$1 AND version=$15`,
		string(c.ID), string(c.Status), c.PT.Diagnosis, c.PT.ChiefComplaint, c.PT.PresentHistory,
		painScoreArg(c.PT.PainScore), c.WasReversed, c.LastReversalReason, c.LastReversedAt,
		c.AcceptedAt, c.CompletedAt, c.CancelledAt, c.CancellationReason, c.UpdatedAt, expectedVersion)
	if err != nil {
		return translate(fmt.Errorf("update case %s: %w", c.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("case %s changed since version %d: %w", c.ID, expectedVersion, caseflow.ErrStorageConflict)
	}
	c.Version = expectedVersion + 1
	return nil
}

func (t *txStore) DeleteCase(ctx context.Context, id caseflow.CaseID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM cases WHERE id=$1 AND status='PENDING'`, string(id))
	if err != nil {
		return translate(fmt.Errorf("delete case %s: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("case %s not deletable: %w", id, caseflow.ErrStorageConflict)
	}
	return nil
}

func (t *txStore) DeleteCaseDependents(ctx context.Context, id caseflow.CaseID) (int64, error) {
	var total int64
	for _, table := range []string{"case_visits", "case_attachments", "case_certificates"} {
		tag, err := t.q.Exec(ctx, `DELETE FROM `+table+` WHERE case_id=$1`, string(id))
		if err != nil {
			return total, translate(fmt.Errorf("delete from %s: %w", table, err))
		}
		total += tag.RowsAffected()
	}
	// The appointment may be linked from either side.
	tag, err := t.q.Exec(ctx, `
		DELETE FROM appointments
		WHERE case_id=$1 OR id = (SELECT appointment_id FROM cases WHERE id=$1)`, string(id))
	if err != nil {
		return total, translate(fmt.Errorf("delete appointments: %w", err))
	}
	return total + tag.RowsAffected(), nil
}

func (t *txStore) AppendHistory(ctx context.Context, h caseflow.StatusHistory) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO case_status_history (id, case_id, old_status, new_status, actor, reason, is_reversal, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, string(h.CaseID), string(h.OldStatus), string(h.NewStatus), h.Actor, h.Reason, h.IsReversal, h.CreatedAt)
	if err != nil {
		return translate(fmt.Errorf("append history: %w", err))
	}
	return nil
}

func (t *txStore) History(ctx context.Context, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	return history(ctx, t.q, id)
}

func (t *txStore) AppendSOAPNote(ctx context.Context, n caseflow.SOAPNote) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO soap_notes (id, case_id, subjective, objective, assessment, plan, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, string(n.CaseID), n.Subjective, n.Objective, n.Assessment, n.Plan, n.Actor, n.CreatedAt)
	if err != nil {
		return translate(fmt.Errorf("append soap note: %w", err))
	}
	return nil
}

func (t *txStore) GetCourse(ctx context.Context, id caseflow.CourseID) (*caseflow.Course, error) {
	return getCourse(ctx, t.q, id, false)
}

func (t *txStore) HasUnreversedUse(ctx context.Context, courseID caseflow.CourseID, caseID caseflow.CaseID) (bool, error) {
	ev, err := openUse(ctx, t.q, courseID, caseID)
	return ev != nil, err
}

func (t *txStore) OpenUse(ctx context.Context, courseID caseflow.CourseID, caseID caseflow.CaseID) (*caseflow.UsageEvent, error) {
	return openUse(ctx, t.q, courseID, caseID)
}

// ApplyDelta recomputes the balance from the row it locks, so a debit that
// passed an earlier unlocked read is rejected here once the course is empty.
func (t *txStore) ApplyDelta(ctx context.Context, courseID caseflow.CourseID, delta int, ev caseflow.UsageEvent) (*caseflow.Course, error) {
	course, err := getCourse(ctx, t.q, courseID, true)
	if err != nil {
		return nil, err
	}
	updated, err := caseflow.ApplySessionDelta(*course, delta)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = ev.UsageDate

	if _, err := t.q.Exec(ctx, `
		UPDATE courses SET used_sessions=$2, remaining_sessions=$3, status=$4, updated_at=$5 WHERE id=$1`,
		string(courseID), updated.UsedSessions, updated.RemainingSessions, string(updated.Status), updated.UpdatedAt); err != nil {
		return nil, translate(fmt.Errorf("update course %s: %w", courseID, err))
	}

	var cycle int
	if ev.Action == caseflow.UsageUse {
		if err := t.q.QueryRow(ctx, `
			SELECT COUNT(*) FROM course_usage WHERE course_id=$1 AND case_id=$2 AND action='USE'`,
			string(courseID), string(ev.CaseID)).Scan(&cycle); err != nil {
			return nil, translate(fmt.Errorf("count usage: %w", err))
		}
	}

	var reverses *string
	if ev.ReversesEventID != nil {
		v := string(*ev.ReversesEventID)
		reverses = &v
	}
	if _, err := t.q.Exec(ctx, `
		INSERT INTO course_usage (id, course_id, case_id, bill_id, delta, action, cycle, reverses_event_id, note, actor, usage_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		string(ev.ID), string(courseID), string(ev.CaseID), ev.BillID, ev.Delta, string(ev.Action),
		cycle, reverses, ev.Note, ev.Actor, ev.UsageDate); err != nil {
		return nil, translate(fmt.Errorf("append usage event: %w", err))
	}
	return &updated, nil
}

func (t *txStore) UsageEvents(ctx context.Context, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	return usageEvents(ctx, t.q, courseID)
}

func (t *txStore) GetAppointment(ctx context.Context, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	return getAppointment(ctx, t.q, id)
}

func (t *txStore) SetAppointmentStatus(ctx context.Context, id caseflow.AppointmentID, status caseflow.AppointmentStatus, reason string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments SET status=$2, cancellation_reason=$3, updated_at=$4 WHERE id=$1`,
		string(id), string(status), reason, at)
	if err != nil {
		return translate(fmt.Errorf("update appointment %s: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", id, caseflow.ErrNotFound)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

const caseCols = `id, code, status, course_id, appointment_id, source_clinic_id, target_clinic_id,
	diagnosis, purpose, notes, pt_diagnosis, pt_chief_complaint, pt_present_history, pt_pain_score::text,
	was_reversed, last_reversal_reason, last_reversed_at, accepted_at, completed_at, cancelled_at,
	cancellation_reason, version, created_at, updated_at`

func getCase(ctx context.Context, q queryable, id caseflow.CaseID, forUpdate bool) (*caseflow.Case, error) {
	query := `SELECT ` + caseCols + ` FROM cases WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		c                                  caseflow.Case
		cid, code, status                  string
		courseID, appointmentID, painScore *string
	)
	err := q.QueryRow(ctx, query, string(id)).Scan(&cid, &code, &status, &courseID, &appointmentID,
		&c.SourceClinicID, &c.TargetClinicID, &c.Diagnosis, &c.Purpose, &c.Notes,
		&c.PT.Diagnosis, &c.PT.ChiefComplaint, &c.PT.PresentHistory, &painScore,
		&c.WasReversed, &c.LastReversalReason, &c.LastReversedAt, &c.AcceptedAt, &c.CompletedAt, &c.CancelledAt,
		&c.CancellationReason, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, caseflow.ErrNotFound)
	}
	if err != nil {
		return nil, translate(fmt.Errorf("load case %s: %w", id, err))
	}
	c.ID = caseflow.CaseID(cid)
	c.Code = code
	c.Status = caseflow.Status(status)
	if courseID != nil {
		v := caseflow.CourseID(*courseID)
		c.CourseID = &v
	}
	if appointmentID != nil {
		v := caseflow.AppointmentID(*appointmentID)
		c.AppointmentID = &v
	}
	if painScore != nil {
		d, err := decimal.NewFromString(*painScore)
		if err != nil {
			return nil, fmt.Errorf("case %s pain score: %w", id, err)
		}
		c.PT.PainScore = &d
	}
	return &c, nil
}

func getCourse(ctx context.Context, q queryable, id caseflow.CourseID, forUpdate bool) (*caseflow.Course, error) {
	query := `SELECT id, total_sessions, used_sessions, remaining_sessions, status, expiry_date, created_at, updated_at
		FROM courses WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		c          caseflow.Course
		cid, state string
	)
	err := q.QueryRow(ctx, query, string(id)).Scan(&cid, &c.TotalSessions, &c.UsedSessions, &c.RemainingSessions,
		&state, &c.ExpiryDate, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("course %s: %w", id, caseflow.ErrNotFound)
	}
	if err != nil {
		return nil, translate(fmt.Errorf("load course %s: %w", id, err))
	}
	c.ID = caseflow.CourseID(cid)
	c.Status = caseflow.CourseStatus(state)
	return &c, nil
}

func getAppointment(ctx context.Context, q queryable, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	var (
		a                caseflow.Appointment
		aid, status      string
		caseID, courseID *string
	)
	err := q.QueryRow(ctx, `
		SELECT id, case_id, course_id, status, cancellation_reason, updated_at FROM appointments WHERE id = $1`,
		string(id)).Scan(&aid, &caseID, &courseID, &status, &a.CancellationReason, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("appointment %s: %w", id, caseflow.ErrNotFound)
	}
	if err != nil {
		return nil, translate(fmt.Errorf("load appointment %s: %w", id, err))
	}
	a.ID = caseflow.AppointmentID(aid)
	a.Status = caseflow.AppointmentStatus(status)
	if caseID != nil {
		v := caseflow.CaseID(*caseID)
		a.CaseID = &v
	}
	if courseID != nil {
		v := caseflow.CourseID(*courseID)
		a.CourseID = &v
	}
	return &a, nil
}

func history(ctx context.Context, q queryable, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	rows, err := q.Query(ctx, `
		SELECT id, case_id, old_status, new_status, actor, reason, is_reversal, created_at
		FROM case_status_history WHERE case_id = $1 ORDER BY created_at, seq`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []caseflow.StatusHistory
	for rows.Next() {
		var (
			h                          caseflow.StatusHistory
			caseID, oldStatus, newStat string
		)
		if err := rows.Scan(&h.ID, &caseID, &oldStatus, &newStat, &h.Actor, &h.Reason, &h.IsReversal, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.CaseID = caseflow.CaseID(caseID)
		h.OldStatus = caseflow.Status(oldStatus)
		h.NewStatus = caseflow.Status(newStat)
		out = append(out, h)
	}
	return out, rows.Err()
}

const usageCols = `id, course_id, case_id, bill_id, delta, action, reverses_event_id, note, actor, usage_date`

func scanUsage(row pgx.Row) (*caseflow.UsageEvent, error) {
	var (
		ev                        caseflow.UsageEvent
		id, courseID, caseID, act string
		reverses                  *string
	)
	if err := row.Scan(&id, &courseID, &caseID, &ev.BillID, &ev.Delta, &act, &reverses, &ev.Note, &ev.Actor, &ev.UsageDate); err != nil {
		return nil, err
	}
	ev.ID = caseflow.UsageEventID(id)
	ev.CourseID = caseflow.CourseID(courseID)
	ev.CaseID = caseflow.CaseID(caseID)
	ev.Action = caseflow.UsageAction(act)
	if reverses != nil {
		r := caseflow.UsageEventID(*reverses)
		ev.ReversesEventID = &r
	}
	return &ev, nil
}

func openUse(ctx context.Context, q queryable, courseID caseflow.CourseID, caseID caseflow.CaseID) (*caseflow.UsageEvent, error) {
	ev, err := scanUsage(q.QueryRow(ctx, `
		SELECT `+usageCols+` FROM course_usage u
		WHERE u.course_id = $1 AND u.case_id = $2 AND u.action = 'USE'
		  AND NOT EXISTS (SELECT 1 FROM course_usage r WHERE r.reverses_event_id = u.id)
		ORDER BY u.usage_date
		LIMIT 1`, string(courseID), string(caseID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(fmt.Errorf("query usage: %w", err))
	}
	return ev, nil
}

func usageEvents(ctx context.Context, q queryable, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	rows, err := q.Query(ctx, `SELECT `+usageCols+` FROM course_usage WHERE course_id = $1 ORDER BY usage_date, created_at`, string(courseID))
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var out []caseflow.UsageEvent
	for rows.Next() {
		ev, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// Postgres error codes treated as retryable conflicts.
var conflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"23505": true, // unique_violation
	"23514": true, // check_violation, a balance moved under us
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && conflictCodes[pgErr.Code] {
		return fmt.Errorf("%w: %v", caseflow.ErrStorageConflict, err)
	}
	return err
}

func painScoreArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func courseIDArg(id *caseflow.CourseID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func appointmentIDArg(id *caseflow.AppointmentID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
