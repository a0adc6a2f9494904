// Package store provides an in-memory caseflow store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/pncase-engine/caseflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds every record in maps guarded by one lock. WithTx holds the
// write lock for the whole unit, so units are fully serialised.
type Memory struct {
	mu           sync.RWMutex
	cases        map[caseflow.CaseID]caseflow.Case
	courses      map[caseflow.CourseID]caseflow.Course
	appointments map[caseflow.AppointmentID]caseflow.Appointment
	usage        []caseflow.UsageEvent
	history      []caseflow.StatusHistory
	notes        []caseflow.SOAPNote
	// dependents counts visit, attachment and certificate rows per case.
	dependents map[caseflow.CaseID]int64
}

func NewMemory() *Memory {
	return &Memory{
		cases:        make(map[caseflow.CaseID]caseflow.Case),
		courses:      make(map[caseflow.CourseID]caseflow.Course),
		appointments: make(map[caseflow.AppointmentID]caseflow.Appointment),
		dependents:   make(map[caseflow.CaseID]int64),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) CreateCase(_ context.Context, c caseflow.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; ok {
		return fmt.Errorf("case %s already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = caseflow.StatusPending
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.cases[c.ID] = c
	return nil
}

func (m *Memory) CreateCourse(_ context.Context, c caseflow.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[c.ID]; ok {
		return fmt.Errorf("course %s already exists", c.ID)
	}
	c.RemainingSessions = c.TotalSessions - c.UsedSessions
	if c.Status == "" {
		c.Status = caseflow.CourseActive
		if c.RemainingSessions <= 0 {
			c.Status = caseflow.CourseCompleted
		}
	}
	m.courses[c.ID] = c
	return nil
}

func (m *Memory) CreateAppointment(_ context.Context, a caseflow.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appointments[a.ID]; ok {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	if a.Status == "" {
		a.Status = caseflow.AppointmentScheduled
	}
	m.appointments[a.ID] = a
	return nil
}

// AddDependentRecords registers n visit/attachment/certificate rows for a case.
func (m *Memory) AddDependentRecords(id caseflow.CaseID, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependents[id] += n
}

// DependentRecords returns the number of dependent rows left for a case.
func (m *Memory) DependentRecords(id caseflow.CaseID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dependents[id]
}

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore(memorySnapshot{
		cases:        make(map[caseflow.CaseID]caseflow.Case),
		courses:      make(map[caseflow.CourseID]caseflow.Course),
		appointments: make(map[caseflow.AppointmentID]caseflow.Appointment),
		dependents:   make(map[caseflow.CaseID]int64),
	})
	return nil
}

// =============================================================================
// READS (caseflow.Reader)
// =============================================================================

func (m *Memory) GetCase(_ context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCaseLocked(id)
}

func (m *Memory) GetCourse(_ context.Context, id caseflow.CourseID) (*caseflow.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCourseLocked(id)
}

func (m *Memory) GetAppointment(_ context.Context, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAppointmentLocked(id)
}

func (m *Memory) History(_ context.Context, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(id), nil
}

func (m *Memory) UsageEvents(_ context.Context, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usageLocked(courseID), nil
}

// SOAPNotes returns the notes written for a case, oldest first.
func (m *Memory) SOAPNotes(id caseflow.CaseID) []caseflow.SOAPNote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []caseflow.SOAPNote
	for _, n := range m.notes {
		if n.CaseID == id {
			out = append(out, n)
		}
	}
	return out
}

func (m *Memory) getCaseLocked(id caseflow.CaseID) (*caseflow.Case, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, caseflow.ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) getCourseLocked(id caseflow.CourseID) (*caseflow.Course, error) {
	c, ok := m.courses[id]
	if !ok {
		return nil, fmt.Errorf("course %s: %w", id, caseflow.ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) getAppointmentLocked(id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	a, ok := m.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %s: %w", id, caseflow.ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) historyLocked(id caseflow.CaseID) []caseflow.StatusHistory {
	var out []caseflow.StatusHistory
	for _, h := range m.history {
		if h.CaseID == id {
			out = append(out, h)
		}
	}
	return out
}

func (m *Memory) usageLocked(courseID caseflow.CourseID) []caseflow.UsageEvent {
	var out []caseflow.UsageEvent
	for _, ev := range m.usage {
		if ev.CourseID == courseID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UsageDate.Before(out[j].UsageDate) })
	return out
}

func (m *Memory) openUseLocked(courseID caseflow.CourseID, caseID caseflow.CaseID) *caseflow.UsageEvent {
	reversed := make(map[caseflow.UsageEventID]bool)
	for _, ev := range m.usage {
		if ev.Action == caseflow.UsageReturn && ev.ReversesEventID != nil {
			reversed[*ev.ReversesEventID] = true
		}
	}
	for i := range m.usage {
		ev := m.usage[i]
		if ev.Action == caseflow.UsageUse && ev.CourseID == courseID && ev.CaseID == caseID && !reversed[ev.ID] {
			return &ev
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(caseflow.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	cases        map[caseflow.CaseID]caseflow.Case
	courses      map[caseflow.CourseID]caseflow.Course
	appointments map[caseflow.AppointmentID]caseflow.Appointment
	usage        []caseflow.UsageEvent
	history      []caseflow.StatusHistory
	notes        []caseflow.SOAPNote
	dependents   map[caseflow.CaseID]int64
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		cases:        make(map[caseflow.CaseID]caseflow.Case, len(m.cases)),
		courses:      make(map[caseflow.CourseID]caseflow.Course, len(m.courses)),
		appointments: make(map[caseflow.AppointmentID]caseflow.Appointment, len(m.appointments)),
		usage:        append([]caseflow.UsageEvent{}, m.usage...),
		history:      append([]caseflow.StatusHistory{}, m.history...),
		notes:        append([]caseflow.SOAPNote{}, m.notes...),
		dependents:   make(map[caseflow.CaseID]int64, len(m.dependents)),
	}
	for k, v := range m.cases {
		s.cases[k] = v
	}
	for k, v := range m.courses {
		s.courses[k] = v
	}
	for k, v := range m.appointments {
		s.appointments[k] = v
	}
	for k, v := range m.dependents {
		s.dependents[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.cases = s.cases
	m.courses = s.courses
	m.appointments = s.appointments
	m.usage = s.usage
	m.history = s.history
	m.notes = s.notes
	m.dependents = s.dependents
}

// txView runs with m.mu already held.
type txView struct {
	m *Memory
}

func (t *txView) LockCase(_ context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	return t.m.getCaseLocked(id)
}

func (t *txView) UpdateCase(_ context.Context, c *caseflow.Case, expectedVersion int64) error {
	stored, ok := t.m.cases[c.ID]
	if !ok {
		return fmt.Errorf("case %s: %w", c.ID, caseflow.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("case %s version %d, expected %d: %w", c.ID, stored.Version, expectedVersion, caseflow.ErrStorageConflict)
	}
	c.Version = expectedVersion + 1
	t.m.cases[c.ID] = *c
	return nil
}

func (t *txView) DeleteCase(_ context.Context, id caseflow.CaseID) error {
	if _, ok := t.m.cases[id]; !ok {
		return fmt.Errorf("case %s: %w", id, caseflow.ErrNotFound)
	}
	delete(t.m.cases, id)
	return nil
}

func (t *txView) AppendHistory(_ context.Context, h caseflow.StatusHistory) error {
	t.m.history = append(t.m.history, h)
	return nil
}

func (t *txView) History(_ context.Context, id caseflow.CaseID) ([]caseflow.StatusHistory, error) {
	return t.m.historyLocked(id), nil
}

func (t *txView) AppendSOAPNote(_ context.Context, n caseflow.SOAPNote) error {
	t.m.notes = append(t.m.notes, n)
	return nil
}

func (t *txView) GetCourse(_ context.Context, id caseflow.CourseID) (*caseflow.Course, error) {
	return t.m.getCourseLocked(id)
}

func (t *txView) HasUnreversedUse(_ context.Context, courseID caseflow.CourseID, caseID caseflow.CaseID) (bool, error) {
	return t.m.openUseLocked(courseID, caseID) != nil, nil
}

func (t *txView) OpenUse(_ context.Context, courseID caseflow.CourseID, caseID caseflow.CaseID) (*caseflow.UsageEvent, error) {
	return t.m.openUseLocked(courseID, caseID), nil
}

func (t *txView) ApplyDelta(_ context.Context, courseID caseflow.CourseID, delta int, ev caseflow.UsageEvent) (*caseflow.Course, error) {
	course, err := t.m.getCourseLocked(courseID)
	if err != nil {
		return nil, err
	}
	// Same guarantee the SQL stores get from their unique index.
	if ev.Action == caseflow.UsageUse && t.m.openUseLocked(courseID, ev.CaseID) != nil {
		return nil, fmt.Errorf("open USE exists for course %s case %s: %w", courseID, ev.CaseID, caseflow.ErrStorageConflict)
	}
	updated, err := caseflow.ApplySessionDelta(*course, delta)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = ev.UsageDate
	t.m.courses[courseID] = updated
	t.m.usage = append(t.m.usage, ev)
	return &updated, nil
}

func (t *txView) UsageEvents(_ context.Context, courseID caseflow.CourseID) ([]caseflow.UsageEvent, error) {
	return t.m.usageLocked(courseID), nil
}

func (t *txView) GetAppointment(_ context.Context, id caseflow.AppointmentID) (*caseflow.Appointment, error) {
	return t.m.getAppointmentLocked(id)
}

func (t *txView) SetAppointmentStatus(_ context.Context, id caseflow.AppointmentID, status caseflow.AppointmentStatus, reason string, at time.Time) error {
	a, ok := t.m.appointments[id]
	if !ok {
		return fmt.Errorf("appointment %s: %w", id, caseflow.ErrNotFound)
	}
	a.Status = status
	a.CancellationReason = reason
	a.UpdatedAt = at
	t.m.appointments[id] = a
	return nil
}

func (t *txView) DeleteCaseDependents(_ context.Context, id caseflow.CaseID) (int64, error) {
	n := t.m.dependents[id]
	delete(t.m.dependents, id)
	for aid, a := range t.m.appointments {
		if a.CaseID != nil && *a.CaseID == id {
			delete(t.m.appointments, aid)
			n++
		}
	}
	if c, ok := t.m.cases[id]; ok && c.AppointmentID != nil {
		if _, ok := t.m.appointments[*c.AppointmentID]; ok {
			delete(t.m.appointments, *c.AppointmentID)
			n++
		}
	}
	return n, nil
}
