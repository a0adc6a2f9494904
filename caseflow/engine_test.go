package caseflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pncase-engine/caseflow"
	"github.com/warp/pncase-engine/caseflow/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	homeClinic  = "CL001"
	otherClinic = "CL002"
	thirdClinic = "CL003"
)

var (
	admin     = caseflow.Actor{ID: "admin-1", Role: caseflow.RoleAdmin}
	clinician = caseflow.Actor{ID: "pt-1", Role: caseflow.RolePT, ClinicID: otherClinic}
	outsider  = caseflow.Actor{ID: "rc-9", Role: caseflow.RoleReception, ClinicID: "CL999"}
)

// tickingClock returns a time that moves forward one second per call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type fixture struct {
	store  *store.Memory
	engine *caseflow.Engine
	audit  *recordingSink
	obs    *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, store.NewMemory(), nil)
}

func newFixtureWith(t *testing.T, mem *store.Memory, tx caseflow.TxStore) *fixture {
	t.Helper()
	if tx == nil {
		tx = mem
	}
	f := &fixture{store: mem, audit: &recordingSink{}, obs: &recordingObserver{}}
	f.engine = caseflow.NewEngine(tx, caseflow.EngineConfig{
		HomeClinicID: homeClinic,
		AuditSink:    f.audit,
		Observer:     f.obs,
		Logger:       zerolog.Nop(),
		Now:          tickingClock(),
	})
	return f
}

// seed creates a course of total sessions, an appointment and a case
// linking both, between the given clinics.
func (f *fixture) seed(t *testing.T, id string, total int, source, target string) {
	t.Helper()
	ctx := context.Background()
	caseID := caseflow.CaseID(id)
	course := caseflow.CourseID("course-" + id)
	appt := caseflow.AppointmentID("appt-" + id)

	require.NoError(t, f.store.CreateCourse(ctx, caseflow.Course{ID: course, TotalSessions: total}))
	require.NoError(t, f.store.CreateAppointment(ctx, caseflow.Appointment{ID: appt, CaseID: &caseID, CourseID: &course}))
	require.NoError(t, f.store.CreateCase(ctx, caseflow.Case{
		ID:             caseID,
		Code:           "PN-" + id,
		CourseID:       &course,
		AppointmentID:  &appt,
		SourceClinicID: source,
		TargetClinicID: target,
	}))
}

func (f *fixture) move(t *testing.T, id string, to caseflow.Status, p caseflow.Payload) *caseflow.TransitionResult {
	t.Helper()
	res, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: caseflow.CaseID(id), Target: to, Payload: p, Actor: admin,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) caseOf(t *testing.T, id string) *caseflow.Case {
	t.Helper()
	c, err := f.store.GetCase(context.Background(), caseflow.CaseID(id))
	require.NoError(t, err)
	return c
}

func (f *fixture) courseOf(t *testing.T, id string) *caseflow.Course {
	t.Helper()
	c, err := f.store.GetCourse(context.Background(), caseflow.CourseID("course-"+id))
	require.NoError(t, err)
	return c
}

func (f *fixture) apptOf(t *testing.T, id string) *caseflow.Appointment {
	t.Helper()
	a, err := f.store.GetAppointment(context.Background(), caseflow.AppointmentID("appt-"+id))
	require.NoError(t, err)
	return a
}

func (f *fixture) usageOf(t *testing.T, id string) []caseflow.UsageEvent {
	t.Helper()
	evs, err := f.store.UsageEvents(context.Background(), caseflow.CourseID("course-"+id))
	require.NoError(t, err)
	return evs
}

func fullSOAP() *caseflow.SOAP {
	return &caseflow.SOAP{Subjective: "s", Objective: "o", Assessment: "a", Plan: "p"}
}

func fullPT(pain int64) *caseflow.PTAssessment {
	score := decimal.NewFromInt(pain)
	return &caseflow.PTAssessment{
		Diagnosis:      "Lumbar strain",
		ChiefComplaint: "Pain when bending",
		PresentHistory: "Two weeks",
		PainScore:      &score,
	}
}

func assertKind(t *testing.T, err error, kind caseflow.ErrorKind) *caseflow.TransitionError {
	t.Helper()
	require.Error(t, err)
	var terr *caseflow.TransitionError
	require.True(t, errors.As(err, &terr), "expected *TransitionError, got %T: %v", err, err)
	assert.Equal(t, kind, terr.Kind)
	return terr
}

func assertBalance(t *testing.T, c *caseflow.Course, used, remaining int, status caseflow.CourseStatus) {
	t.Helper()
	assert.Equal(t, used, c.UsedSessions, "used")
	assert.Equal(t, remaining, c.RemainingSessions, "remaining")
	assert.Equal(t, c.TotalSessions, c.UsedSessions+c.RemainingSessions, "remaining = total - used")
	assert.Equal(t, status, c.Status, "course status")
}

type recordingSink struct {
	mu      sync.Mutex
	entries []caseflow.AuditEntry
}

func (s *recordingSink) Record(_ context.Context, e caseflow.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	applied  []string
	rejected []caseflow.ErrorKind
	ledger   []caseflow.UsageAction
}

func (o *recordingObserver) TransitionApplied(from, to caseflow.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, string(from)+"->"+string(to))
}

func (o *recordingObserver) TransitionRejected(kind caseflow.ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, kind)
}

func (o *recordingObserver) LedgerMoved(action caseflow.UsageAction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ledger = append(o.ledger, action)
}

// =============================================================================
// ACCEPT / UNACCEPT
// =============================================================================

func TestAccept_DebitsOneSession(t *testing.T) {
	// GIVEN: course total=5, PENDING case with appointment
	// WHEN: accepted
	// THEN: used=1, remaining=4, one USE, appointment COMPLETED
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	res := f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})

	assert.True(t, res.Debited)
	assert.False(t, res.Credited)
	require.NotNil(t, res.Appointment)
	assert.Equal(t, caseflow.AppointmentCompleted, *res.Appointment)

	c := f.caseOf(t, "c1")
	assert.Equal(t, caseflow.StatusAccepted, c.Status)
	assert.NotNil(t, c.AcceptedAt)
	assert.Equal(t, int64(1), c.Version)

	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
	evs := f.usageOf(t, "c1")
	require.Len(t, evs, 1)
	assert.Equal(t, caseflow.UsageUse, evs[0].Action)
	assert.Equal(t, caseflow.CaseID("c1"), evs[0].CaseID)
	assert.Equal(t, admin.ID, evs[0].Actor)

	assert.Equal(t, caseflow.AppointmentCompleted, f.apptOf(t, "c1").Status)

	hist, err := f.store.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, caseflow.StatusPending, hist[0].OldStatus)
	assert.Equal(t, caseflow.StatusAccepted, hist[0].NewStatus)
	assert.False(t, hist[0].IsReversal)
}

func TestAccept_Twice_IsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})

	_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: "c1", Target: caseflow.StatusAccepted, Actor: admin,
	})

	terr := assertKind(t, err, caseflow.KindInvalidTransition)
	assert.Equal(t, caseflow.StatusAccepted, terr.Current)
	assert.Equal(t, caseflow.StatusAccepted, terr.Requested)
	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
	assert.Len(t, f.usageOf(t, "c1"), 1)
}

func TestAccept_ExistingOpenUse_SkipsDebit(t *testing.T) {
	// GIVEN: an open USE for the pair already exists (another entry point charged it)
	// WHEN: the case is accepted
	// THEN: nothing else is charged
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	ctx := context.Background()
	err := f.store.WithTx(ctx, func(tx caseflow.Tx) error {
		_, err := caseflow.NewLedger(nil).Debit(ctx, tx, "course-c1", "c1", "booking", "booked")
		return err
	})
	require.NoError(t, err)

	res := f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})

	assert.False(t, res.Debited)
	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
	assert.Len(t, f.usageOf(t, "c1"), 1)
}

func TestAcceptUnacceptAccept_RoundTrip(t *testing.T) {
	// GIVEN: course total=5
	// WHEN: accept, unaccept, accept
	// THEN: USE, RETURN (reversing the first USE), USE; remaining=4
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	res := f.move(t, "c1", caseflow.StatusPending, caseflow.Payload{})
	assert.True(t, res.Credited)
	assertBalance(t, f.courseOf(t, "c1"), 0, 5, caseflow.CourseActive)
	assert.Equal(t, caseflow.AppointmentScheduled, f.apptOf(t, "c1").Status)
	assert.Nil(t, f.caseOf(t, "c1").AcceptedAt)

	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)

	evs := f.usageOf(t, "c1")
	require.Len(t, evs, 3)
	assert.Equal(t, caseflow.UsageUse, evs[0].Action)
	assert.Equal(t, caseflow.UsageReturn, evs[1].Action)
	require.NotNil(t, evs[1].ReversesEventID)
	assert.Equal(t, evs[0].ID, *evs[1].ReversesEventID)
	assert.Equal(t, caseflow.UsageUse, evs[2].Action)
	assert.NotEqual(t, evs[0].ID, evs[2].ID)
}

func TestAccept_SingleSessionCourse_FlipsStatus(t *testing.T) {
	// GIVEN: course total=1
	// WHEN: accept, then unaccept
	// THEN: COMPLETED with remaining=0, then ACTIVE with remaining=1
	f := newFixture(t)
	f.seed(t, "c1", 1, homeClinic, otherClinic)

	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	assertBalance(t, f.courseOf(t, "c1"), 1, 0, caseflow.CourseCompleted)

	f.move(t, "c1", caseflow.StatusPending, caseflow.Payload{})
	assertBalance(t, f.courseOf(t, "c1"), 0, 1, caseflow.CourseActive)
}

func TestAccept_ExhaustedCourse_PreconditionFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := caseflow.CourseID("course-x")
	require.NoError(t, f.store.CreateCourse(ctx, caseflow.Course{ID: course, TotalSessions: 2, UsedSessions: 2}))
	require.NoError(t, f.store.CreateCase(ctx, caseflow.Case{ID: "cx", CourseID: &course, SourceClinicID: homeClinic}))

	_, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "cx", Target: caseflow.StatusAccepted, Actor: admin})

	terr := assertKind(t, err, caseflow.KindPreconditionFailed)
	assert.Empty(t, terr.MissingFields)
	assert.Equal(t, caseflow.ReasonCourseExhausted, terr.Reason)
	assert.Equal(t, caseflow.CaseID("cx"), terr.CaseID)
	assert.Equal(t, caseflow.StatusPending, f.caseOf(t, "cx").Status)
}

func TestAccept_ExpiredCourse_PreconditionFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := caseflow.CourseID("course-old")
	expired := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.CreateCourse(ctx, caseflow.Course{ID: course, TotalSessions: 5, ExpiryDate: &expired}))
	require.NoError(t, f.store.CreateCase(ctx, caseflow.Case{ID: "cx", CourseID: &course, SourceClinicID: homeClinic}))

	_, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "cx", Target: caseflow.StatusAccepted, Actor: admin})

	terr := assertKind(t, err, caseflow.KindPreconditionFailed)
	assert.Empty(t, terr.MissingFields)
	assert.Equal(t, caseflow.ReasonCourseExpired, terr.Reason)
	c, err := f.store.GetCourse(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsedSessions)
}

func TestAccept_WithoutCourse_NoLedgerEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCase(ctx, caseflow.Case{ID: "bare", SourceClinicID: homeClinic}))

	res, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "bare", Target: caseflow.StatusAccepted, Actor: admin})

	require.NoError(t, err)
	assert.False(t, res.Debited)
	assert.Nil(t, res.Appointment)
}

func TestUnaccept_NoOpenUse_LedgerInconsistent(t *testing.T) {
	// GIVEN: a case recorded as ACCEPTED whose USE event is missing
	// WHEN: un-accepted
	// THEN: LedgerInconsistent, nothing written
	f := newFixture(t)
	ctx := context.Background()
	course := caseflow.CourseID("course-c1")
	appt := caseflow.AppointmentID("appt-c1")
	require.NoError(t, f.store.CreateCourse(ctx, caseflow.Course{ID: course, TotalSessions: 5, UsedSessions: 1}))
	require.NoError(t, f.store.CreateAppointment(ctx, caseflow.Appointment{ID: appt, Status: caseflow.AppointmentCompleted}))
	require.NoError(t, f.store.CreateCase(ctx, caseflow.Case{
		ID: "c1", Status: caseflow.StatusAccepted, CourseID: &course, AppointmentID: &appt, SourceClinicID: homeClinic,
	}))

	_, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "c1", Target: caseflow.StatusPending, Actor: admin})

	assertKind(t, err, caseflow.KindLedgerInconsistent)
	assert.ErrorIs(t, err, caseflow.ErrLedgerInconsistent)
	assert.Equal(t, caseflow.StatusAccepted, f.caseOf(t, "c1").Status)
	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
	assert.Empty(t, f.usageOf(t, "c1"))
	assert.Equal(t, caseflow.AppointmentCompleted, f.apptOf(t, "c1").Status)
}

// =============================================================================
// PT ASSESSMENT
// =============================================================================

func TestAccept_ExternalReferral_RequiresPTAssessment(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ref", 10, otherClinic, thirdClinic)
	ctx := context.Background()

	_, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "ref", Target: caseflow.StatusAccepted, Actor: admin})
	terr := assertKind(t, err, caseflow.KindPreconditionFailed)
	assert.ElementsMatch(t, []string{"pt_diagnosis", "pt_chief_complaint", "pt_present_history", "pt_pain_score"}, terr.MissingFields)
	assert.Empty(t, f.usageOf(t, "ref"))

	_, err = f.engine.RequestTransition(ctx, caseflow.TransitionRequest{
		CaseID: "ref", Target: caseflow.StatusAccepted, Actor: admin, Payload: caseflow.Payload{PT: fullPT(11)},
	})
	terr = assertKind(t, err, caseflow.KindPreconditionFailed)
	assert.Equal(t, []string{"pt_pain_score"}, terr.MissingFields)

	res := f.move(t, "ref", caseflow.StatusAccepted, caseflow.Payload{PT: fullPT(7)})
	assert.True(t, res.Debited)
	c := f.caseOf(t, "ref")
	require.NotNil(t, c.PT.PainScore)
	assert.True(t, c.PT.PainScore.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, "Lumbar strain", c.PT.Diagnosis)
}

func TestAccept_HomeClinicInvolved_PTOptional(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, otherClinic, homeClinic)

	res := f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})

	assert.Equal(t, caseflow.StatusAccepted, res.To)
	assert.Nil(t, f.caseOf(t, "c1").PT.PainScore)
}

// =============================================================================
// COMPLETE
// =============================================================================

func TestComplete_EmptySOAP_ChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})

	_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: "c1", Target: caseflow.StatusCompleted, Actor: admin,
		Payload: caseflow.Payload{SOAP: &caseflow.SOAP{Subjective: "better", Plan: "  "}},
	})

	terr := assertKind(t, err, caseflow.KindPreconditionFailed)
	assert.Equal(t, []string{"objective", "assessment", "plan"}, terr.MissingFields)
	c := f.caseOf(t, "c1")
	assert.Equal(t, caseflow.StatusAccepted, c.Status)
	assert.Nil(t, c.CompletedAt)
	assert.Empty(t, f.store.SOAPNotes("c1"))
	hist, err := f.store.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestComplete_WritesSOAPNote(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})

	res := f.move(t, "c1", caseflow.StatusCompleted, caseflow.Payload{SOAP: fullSOAP()})

	assert.False(t, res.Debited)
	assert.False(t, res.Credited)
	c := f.caseOf(t, "c1")
	assert.Equal(t, caseflow.StatusCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
	notes := f.store.SOAPNotes("c1")
	require.Len(t, notes, 1)
	assert.Equal(t, "p", notes[0].Plan)
	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
}

func TestInProgress_IsNeverEntered(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: "c1", Target: caseflow.StatusInProgress, Actor: admin,
	})
	assertKind(t, err, caseflow.KindInvalidTransition)

	// A legacy IN_PROGRESS row can still complete.
	ctx := context.Background()
	require.NoError(t, f.store.CreateCase(ctx, caseflow.Case{ID: "legacy", Status: caseflow.StatusInProgress, SourceClinicID: homeClinic}))
	res := f.move(t, "legacy", caseflow.StatusCompleted, caseflow.Payload{SOAP: fullSOAP()})
	assert.Equal(t, caseflow.StatusInProgress, res.From)
}

func TestRequestTransition_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: "c1", Target: "ARCHIVED", Actor: admin,
	})

	assertKind(t, err, caseflow.KindInvalidTransition)
	assert.True(t, caseflow.IsClientError(err))
}

func TestRequestTransition_UnknownCase(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: "ghost", Target: caseflow.StatusAccepted, Actor: admin,
	})

	assertKind(t, err, caseflow.KindNotFound)
	assert.True(t, caseflow.IsNotFound(err))
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestRequestTransition_ClinicScope(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	ctx := context.Background()

	_, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "c1", Target: caseflow.StatusAccepted, Actor: outsider})
	assertKind(t, err, caseflow.KindUnauthorized)
	assertBalance(t, f.courseOf(t, "c1"), 0, 5, caseflow.CourseActive)

	res, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "c1", Target: caseflow.StatusAccepted, Actor: clinician})
	require.NoError(t, err)
	assert.True(t, res.Debited)
}

func TestRequestTransition_CustomAuthorizer(t *testing.T) {
	mem := store.NewMemory()
	eng := caseflow.NewEngine(mem, caseflow.EngineConfig{
		HomeClinicID: homeClinic,
		Authorizer: caseflow.AuthorizerFunc(func(context.Context, caseflow.Actor, *caseflow.Case) (bool, error) {
			return false, nil
		}),
	})
	ctx := context.Background()
	require.NoError(t, mem.CreateCase(ctx, caseflow.Case{ID: "c1", SourceClinicID: homeClinic}))

	_, err := eng.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "c1", Target: caseflow.StatusAccepted, Actor: admin})

	assertKind(t, err, caseflow.KindUnauthorized)
}

// =============================================================================
// REVERSE COMPLETION
// =============================================================================

func TestReverseCompletion(t *testing.T) {
	// GIVEN: an accepted and completed case
	// WHEN: reversed by non-admin, by admin without reason, then by admin with reason
	// THEN: Unauthorized, PreconditionFailed, then ACCEPTED with SOAP re-entry required
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	f.move(t, "c1", caseflow.StatusCompleted, caseflow.Payload{SOAP: fullSOAP()})
	ctx := context.Background()

	_, err := f.engine.ReverseCompletion(ctx, "c1", clinician, "wrong patient")
	assertKind(t, err, caseflow.KindUnauthorized)

	_, err = f.engine.ReverseCompletion(ctx, "c1", admin, "   ")
	terr := assertKind(t, err, caseflow.KindPreconditionFailed)
	assert.Equal(t, []string{"reason"}, terr.MissingFields)

	res, err := f.engine.ReverseCompletion(ctx, "c1", admin, "wrong patient")
	require.NoError(t, err)
	assert.True(t, res.RequiresSOAPReentry)
	assert.Nil(t, res.Appointment)
	assert.False(t, res.Credited)
	assert.False(t, res.Debited)

	c := f.caseOf(t, "c1")
	assert.Equal(t, caseflow.StatusAccepted, c.Status)
	assert.True(t, c.WasReversed)
	assert.Equal(t, "wrong patient", c.LastReversalReason)
	assert.NotNil(t, c.LastReversedAt)
	assert.Nil(t, c.CompletedAt)

	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
	assert.Equal(t, caseflow.AppointmentCompleted, f.apptOf(t, "c1").Status)

	hist, err := f.store.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	last := hist[2]
	assert.True(t, last.IsReversal)
	assert.Equal(t, "wrong patient", last.Reason)
	assert.Equal(t, caseflow.StatusCompleted, last.OldStatus)

	// Completing again needs a fresh SOAP note.
	f.move(t, "c1", caseflow.StatusCompleted, caseflow.Payload{SOAP: fullSOAP()})
	assert.Len(t, f.store.SOAPNotes("c1"), 2)
}

func TestReverseCompletion_NotCompleted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	ctx := context.Background()

	_, err := f.engine.ReverseCompletion(ctx, "c1", admin, "mistake")
	terr := assertKind(t, err, caseflow.KindNotCompleted)
	assert.Equal(t, caseflow.StatusPending, terr.Current)

	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	_, err = f.engine.ReverseCompletion(ctx, "c1", admin, "mistake")
	assertKind(t, err, caseflow.KindNotCompleted)
}

func TestReverseCompletion_AuthorizesBeforeStatusCheck(t *testing.T) {
	// GIVEN: a PENDING case
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	// WHEN: a non-admin asks to reverse it
	_, err := f.engine.ReverseCompletion(context.Background(), "c1", clinician, "mistake")

	// THEN: Unauthorized, with no hint of the current status
	terr := assertKind(t, err, caseflow.KindUnauthorized)
	assert.Empty(t, terr.Current)
	assert.NotContains(t, err.Error(), string(caseflow.StatusPending))
}

func TestRequestTransition_CompletedToAccepted_AdminOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	f.move(t, "c1", caseflow.StatusCompleted, caseflow.Payload{SOAP: fullSOAP()})

	_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: "c1", Target: caseflow.StatusAccepted, Actor: clinician, Payload: caseflow.Payload{Reason: "x"},
	})

	assertKind(t, err, caseflow.KindUnauthorized)
	assert.Equal(t, caseflow.StatusCompleted, f.caseOf(t, "c1").Status)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_NeverAccepted_NoCredit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	res, err := f.engine.Cancel(context.Background(), "c1", admin, "")

	require.NoError(t, err)
	assert.False(t, res.Credited)
	assertBalance(t, f.courseOf(t, "c1"), 0, 5, caseflow.CourseActive)
	assert.Empty(t, f.usageOf(t, "c1"))

	c := f.caseOf(t, "c1")
	assert.Equal(t, caseflow.StatusCancelled, c.Status)
	assert.Equal(t, "Cancelled by system", c.CancellationReason)
	assert.NotNil(t, c.CancelledAt)

	a := f.apptOf(t, "c1")
	assert.Equal(t, caseflow.AppointmentCancelled, a.Status)
	assert.Equal(t, "Cancelled by system", a.CancellationReason)
}

func TestCancel_Accepted_ReturnsSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})

	res, err := f.engine.Cancel(context.Background(), "c1", admin, "patient moved")

	require.NoError(t, err)
	assert.True(t, res.Credited)
	assertBalance(t, f.courseOf(t, "c1"), 0, 5, caseflow.CourseActive)
	evs := f.usageOf(t, "c1")
	require.Len(t, evs, 2)
	assert.Equal(t, caseflow.UsageReturn, evs[1].Action)
	assert.Equal(t, "patient moved", f.caseOf(t, "c1").CancellationReason)
}

func TestCancel_Completed_KeepsSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	f.move(t, "c1", caseflow.StatusCompleted, caseflow.Payload{SOAP: fullSOAP()})

	res, err := f.engine.Cancel(context.Background(), "c1", admin, "billing")

	require.NoError(t, err)
	assert.False(t, res.Credited)
	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
}

func TestCancel_IsTerminal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	_, err := f.engine.Cancel(context.Background(), "c1", admin, "")
	require.NoError(t, err)

	for _, to := range []caseflow.Status{caseflow.StatusPending, caseflow.StatusAccepted, caseflow.StatusCancelled} {
		_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{CaseID: "c1", Target: to, Actor: admin})
		assertKind(t, err, caseflow.KindInvalidTransition)
	}
	assert.Empty(t, caseflow.AllowedTargets(caseflow.StatusCancelled))
}

func TestCancel_ConfiguredDefaultReason(t *testing.T) {
	mem := store.NewMemory()
	eng := caseflow.NewEngine(mem, caseflow.EngineConfig{HomeClinicID: homeClinic, DefaultCancelReason: "No show"})
	ctx := context.Background()
	require.NoError(t, mem.CreateCase(ctx, caseflow.Case{ID: "c1", SourceClinicID: homeClinic}))

	_, err := eng.Cancel(ctx, "c1", admin, "")
	require.NoError(t, err)

	c, err := mem.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "No show", c.CancellationReason)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteCase_OnlyWhilePending(t *testing.T) {
	// GIVEN: an accepted case with 3 dependent records and an appointment
	// WHEN: deleted while ACCEPTED, then after un-accepting
	// THEN: NotPending, then removed with all dependents; history survives
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	f.store.AddDependentRecords("c1", 3)
	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	ctx := context.Background()

	_, err := f.engine.DeleteCase(ctx, "c1", admin)
	assertKind(t, err, caseflow.KindNotPending)
	assert.Equal(t, int64(3), f.store.DependentRecords("c1"))

	f.move(t, "c1", caseflow.StatusPending, caseflow.Payload{})
	res, err := f.engine.DeleteCase(ctx, "c1", admin)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.DependentsRemoved)

	_, err = f.store.GetCase(ctx, "c1")
	assert.ErrorIs(t, err, caseflow.ErrNotFound)
	_, err = f.store.GetAppointment(ctx, "appt-c1")
	assert.ErrorIs(t, err, caseflow.ErrNotFound)
	assert.Zero(t, f.store.DependentRecords("c1"))

	hist, err := f.store.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	assertBalance(t, f.courseOf(t, "c1"), 0, 5, caseflow.CourseActive)
}

func TestDeleteCase_RemovesAppointmentLinkedFromCase(t *testing.T) {
	// GIVEN: an appointment that only the case points at
	f := newFixture(t)
	ctx := context.Background()
	appt := caseflow.AppointmentID("ap")
	require.NoError(t, f.store.CreateAppointment(ctx, caseflow.Appointment{ID: appt}))
	require.NoError(t, f.store.CreateCase(ctx, caseflow.Case{ID: "c1", AppointmentID: &appt, SourceClinicID: homeClinic}))

	// WHEN: the case is deleted
	res, err := f.engine.DeleteCase(ctx, "c1", admin)

	// THEN: the appointment goes with it
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DependentsRemoved)
	_, err = f.store.GetAppointment(ctx, appt)
	assert.ErrorIs(t, err, caseflow.ErrNotFound)
}

func TestDeleteCase_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.DeleteCase(context.Background(), "ghost", admin)
	assertKind(t, err, caseflow.KindNotFound)
}

func TestDeleteCase_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	_, err := f.engine.DeleteCase(context.Background(), "c1", outsider)

	assertKind(t, err, caseflow.KindUnauthorized)
	assert.Equal(t, caseflow.StatusPending, f.caseOf(t, "c1").Status)
}

// =============================================================================
// CONCURRENCY & ATOMICITY
// =============================================================================

// staleStore hands the engine a case whose version is one behind the
// stored row, as if another writer committed in between.
type staleStore struct {
	mem *store.Memory
}

func (s staleStore) WithTx(ctx context.Context, fn func(caseflow.Tx) error) error {
	return s.mem.WithTx(ctx, func(tx caseflow.Tx) error {
		return fn(staleTx{tx})
	})
}

type staleTx struct {
	caseflow.Tx
}

func (t staleTx) LockCase(ctx context.Context, id caseflow.CaseID) (*caseflow.Case, error) {
	c, err := t.Tx.LockCase(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Version--
	return c, nil
}

func TestRequestTransition_VersionMismatch_RollsBack(t *testing.T) {
	mem := store.NewMemory()
	f := newFixtureWith(t, mem, staleStore{mem: mem})
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
		CaseID: "c1", Target: caseflow.StatusAccepted, Actor: admin,
	})

	assertKind(t, err, caseflow.KindStorageConflict)
	assert.True(t, caseflow.IsRetryable(err))
	assertBalance(t, f.courseOf(t, "c1"), 0, 5, caseflow.CourseActive)
	assert.Empty(t, f.usageOf(t, "c1"))
	assert.Equal(t, caseflow.AppointmentScheduled, f.apptOf(t, "c1").Status)
	assert.Empty(t, f.audit.entries)
}

func TestConcurrentAccept_ChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RequestTransition(context.Background(), caseflow.TransitionRequest{
				CaseID: "c1", Target: caseflow.StatusAccepted, Actor: admin,
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assertBalance(t, f.courseOf(t, "c1"), 1, 4, caseflow.CourseActive)
	assert.Len(t, f.usageOf(t, "c1"), 1)
}

// =============================================================================
// AUDIT & OBSERVER
// =============================================================================

func TestAuditSink_FailureDoesNotFailTransition(t *testing.T) {
	mem := store.NewMemory()
	eng := caseflow.NewEngine(mem, caseflow.EngineConfig{
		HomeClinicID: homeClinic,
		AuditSink: caseflow.AuditSinkFunc(func(context.Context, caseflow.AuditEntry) error {
			return errors.New("broker down")
		}),
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()
	require.NoError(t, mem.CreateCase(ctx, caseflow.Case{ID: "c1", SourceClinicID: homeClinic}))

	res, err := eng.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "c1", Target: caseflow.StatusAccepted, Actor: admin})

	require.NoError(t, err)
	assert.Equal(t, caseflow.StatusAccepted, res.To)
	c, err := mem.GetCase(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, caseflow.StatusAccepted, c.Status)
}

func TestAuditSink_ReceivesEntries(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	ctx := context.Background()

	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	f.move(t, "c1", caseflow.StatusCompleted, caseflow.Payload{SOAP: fullSOAP()})
	_, err := f.engine.ReverseCompletion(ctx, "c1", admin, "typo")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, "c1", admin, "moved away")
	require.NoError(t, err)

	require.Len(t, f.audit.entries, 4)
	actions := make([]caseflow.AuditAction, len(f.audit.entries))
	for i, e := range f.audit.entries {
		actions[i] = e.Action
		assert.Equal(t, "c1", e.EntityID)
		assert.Equal(t, admin.ID, e.ActorID)
	}
	assert.Equal(t, []caseflow.AuditAction{
		caseflow.AuditStatusChanged,
		caseflow.AuditStatusChanged,
		caseflow.AuditCompletionUndone,
		caseflow.AuditCaseCancelled,
	}, actions)
	assert.Equal(t, "typo", f.audit.entries[2].NewValue["reason"])
	assert.Equal(t, "COMPLETED", f.audit.entries[2].OldValue["status"])
}

func TestObserver_SeesOutcomes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 5, homeClinic, otherClinic)
	ctx := context.Background()

	f.move(t, "c1", caseflow.StatusAccepted, caseflow.Payload{})
	f.move(t, "c1", caseflow.StatusPending, caseflow.Payload{})
	_, err := f.engine.RequestTransition(ctx, caseflow.TransitionRequest{CaseID: "c1", Target: caseflow.StatusCompleted, Actor: admin})
	require.Error(t, err)

	assert.Equal(t, []string{"PENDING->ACCEPTED", "ACCEPTED->PENDING"}, f.obs.applied)
	assert.Equal(t, []caseflow.UsageAction{caseflow.UsageUse, caseflow.UsageReturn}, f.obs.ledger)
	assert.Equal(t, []caseflow.ErrorKind{caseflow.KindInvalidTransition}, f.obs.rejected)
}

// =============================================================================
// STATUS GRAPH
// =============================================================================

func TestAllowedTargets(t *testing.T) {
	tests := []struct {
		from caseflow.Status
		want []caseflow.Status
	}{
		{caseflow.StatusPending, []caseflow.Status{caseflow.StatusAccepted, caseflow.StatusCancelled}},
		{caseflow.StatusAccepted, []caseflow.Status{caseflow.StatusPending, caseflow.StatusCompleted, caseflow.StatusCancelled}},
		{caseflow.StatusInProgress, []caseflow.Status{caseflow.StatusCompleted, caseflow.StatusCancelled}},
		{caseflow.StatusCompleted, []caseflow.Status{caseflow.StatusAccepted, caseflow.StatusCancelled}},
		{caseflow.StatusCancelled, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.want, caseflow.AllowedTargets(tt.from))
		})
	}
}
