package caseflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pncase-engine/caseflow"
	"github.com/warp/pncase-engine/caseflow/store"
)

func TestApplySessionDelta(t *testing.T) {
	tests := []struct {
		name   string
		start  caseflow.Course
		delta  int
		used   int
		remain int
		status caseflow.CourseStatus
	}{
		{
			name:   "debit active course",
			start:  caseflow.Course{TotalSessions: 5, UsedSessions: 0, RemainingSessions: 5, Status: caseflow.CourseActive},
			delta:  -1,
			used:   1,
			remain: 4,
			status: caseflow.CourseActive,
		},
		{
			name:   "debit last session completes course",
			start:  caseflow.Course{TotalSessions: 1, UsedSessions: 0, RemainingSessions: 1, Status: caseflow.CourseActive},
			delta:  -1,
			used:   1,
			remain: 0,
			status: caseflow.CourseCompleted,
		},
		{
			name:   "credit reactivates completed course",
			start:  caseflow.Course{TotalSessions: 1, UsedSessions: 1, RemainingSessions: 0, Status: caseflow.CourseCompleted},
			delta:  1,
			used:   0,
			remain: 1,
			status: caseflow.CourseActive,
		},
		{
			name:   "zero delta is a no-op",
			start:  caseflow.Course{TotalSessions: 3, UsedSessions: 2, RemainingSessions: 1, Status: caseflow.CourseActive},
			delta:  0,
			used:   2,
			remain: 1,
			status: caseflow.CourseActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := caseflow.ApplySessionDelta(tt.start, tt.delta)
			require.NoError(t, err)
			assert.Equal(t, tt.used, got.UsedSessions)
			assert.Equal(t, tt.remain, got.RemainingSessions)
			assert.Equal(t, tt.status, got.Status)
		})
	}
}

func TestApplySessionDelta_RefusesToLeaveBalanceInconsistent(t *testing.T) {
	// GIVEN: an exhausted course and an unused course
	exhausted := caseflow.Course{ID: "crs", TotalSessions: 1, UsedSessions: 1, RemainingSessions: 0, Status: caseflow.CourseCompleted}
	unused := caseflow.Course{ID: "crs", TotalSessions: 1, UsedSessions: 0, RemainingSessions: 1, Status: caseflow.CourseActive}

	// WHEN: debiting the first and crediting the second
	_, debitErr := caseflow.ApplySessionDelta(exhausted, -1)
	_, creditErr := caseflow.ApplySessionDelta(unused, 1)

	// THEN: neither moves the balance
	assert.ErrorIs(t, debitErr, caseflow.ErrPreconditionFailed)
	var terr *caseflow.TransitionError
	require.ErrorAs(t, debitErr, &terr)
	assert.Equal(t, caseflow.ReasonCourseExhausted, terr.Reason)
	assert.ErrorIs(t, creditErr, caseflow.ErrLedgerInconsistent)
}

func TestLedger_DebitThenCredit(t *testing.T) {
	// GIVEN: a course with 2 sessions
	// WHEN: debit twice for the same case, then credit
	// THEN: one USE, then a RETURN that names it; balance back to full
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateCourse(ctx, caseflow.Course{ID: "crs", TotalSessions: 2}))
	ledger := caseflow.NewLedger(func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) })

	var first, second bool
	err := mem.WithTx(ctx, func(tx caseflow.Tx) error {
		var err error
		if first, err = ledger.Debit(ctx, tx, "crs", "case-1", "u1", "accept"); err != nil {
			return err
		}
		second, err = ledger.Debit(ctx, tx, "crs", "case-1", "u1", "accept again")
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	c, err := mem.GetCourse(ctx, "crs")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedSessions)
	assert.Equal(t, 1, c.RemainingSessions)

	err = mem.WithTx(ctx, func(tx caseflow.Tx) error {
		return ledger.Credit(ctx, tx, "crs", "case-1", "u1", "unaccept")
	})
	require.NoError(t, err)

	evs, err := mem.UsageEvents(ctx, "crs")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, caseflow.UsageUse, evs[0].Action)
	assert.Equal(t, 1, evs[0].Delta)
	assert.Equal(t, caseflow.UsageReturn, evs[1].Action)
	require.NotNil(t, evs[1].ReversesEventID)
	assert.Equal(t, evs[0].ID, *evs[1].ReversesEventID)

	c, err = mem.GetCourse(ctx, "crs")
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsedSessions)
	assert.Equal(t, 2, c.RemainingSessions)
}

func TestLedger_DebitsArePerCase(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateCourse(ctx, caseflow.Course{ID: "crs", TotalSessions: 2}))
	ledger := caseflow.NewLedger(nil)

	err := mem.WithTx(ctx, func(tx caseflow.Tx) error {
		for _, id := range []caseflow.CaseID{"case-1", "case-2"} {
			if _, err := ledger.Debit(ctx, tx, "crs", id, "u1", ""); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	c, err := mem.GetCourse(ctx, "crs")
	require.NoError(t, err)
	assert.Equal(t, 0, c.RemainingSessions)
	assert.Equal(t, caseflow.CourseCompleted, c.Status)

	// A third case finds nothing left.
	err = mem.WithTx(ctx, func(tx caseflow.Tx) error {
		_, err := ledger.Debit(ctx, tx, "crs", "case-3", "u1", "")
		return err
	})
	assert.ErrorIs(t, err, caseflow.ErrPreconditionFailed)
}

func TestLedger_CreditWithoutUse(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateCourse(ctx, caseflow.Course{ID: "crs", TotalSessions: 2}))

	err := mem.WithTx(ctx, func(tx caseflow.Tx) error {
		return caseflow.NewLedger(nil).Credit(ctx, tx, "crs", "case-1", "u1", "")
	})

	assert.ErrorIs(t, err, caseflow.ErrLedgerInconsistent)
	assert.Equal(t, caseflow.KindLedgerInconsistent, caseflow.KindOf(err))
	c, err := mem.GetCourse(ctx, "crs")
	require.NoError(t, err)
	assert.Equal(t, 2, c.RemainingSessions)
}

func TestLedger_UnknownCourse(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	err := mem.WithTx(ctx, func(tx caseflow.Tx) error {
		_, err := caseflow.NewLedger(nil).Debit(ctx, tx, "missing", "case-1", "u1", "")
		return err
	})

	assert.ErrorIs(t, err, caseflow.ErrNotFound)
}

// staleCourseTx reports a full course on GetCourse, the way an unlocked
// read can before a concurrent debit commits.
type staleCourseTx struct {
	caseflow.Tx
	stale caseflow.Course
}

func (s staleCourseTx) GetCourse(context.Context, caseflow.CourseID) (*caseflow.Course, error) {
	c := s.stale
	return &c, nil
}

func TestLedger_DebitRechecksBalanceUnderLock(t *testing.T) {
	// GIVEN: the last session already taken by case-1
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateCourse(ctx, caseflow.Course{ID: "crs", TotalSessions: 1}))
	stale, err := mem.GetCourse(ctx, "crs")
	require.NoError(t, err)
	ledger := caseflow.NewLedger(nil)
	require.NoError(t, mem.WithTx(ctx, func(tx caseflow.Tx) error {
		_, err := ledger.Debit(ctx, tx, "crs", "case-1", "u1", "")
		return err
	}))

	// WHEN: case-2 debits after reading the balance from before that commit
	err = mem.WithTx(ctx, func(tx caseflow.Tx) error {
		_, err := ledger.Debit(ctx, staleCourseTx{Tx: tx, stale: *stale}, "crs", "case-2", "u1", "")
		return err
	})

	// THEN: the debit is a structured rejection and the balance holds
	var terr *caseflow.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, caseflow.KindPreconditionFailed, terr.Kind)
	assert.Equal(t, caseflow.ReasonCourseExhausted, terr.Reason)
	assert.Equal(t, caseflow.CaseID("case-2"), terr.CaseID)

	c, err := mem.GetCourse(ctx, "crs")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedSessions)
	assert.Equal(t, 0, c.RemainingSessions)
	evs, err := mem.UsageEvents(ctx, "crs")
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}
