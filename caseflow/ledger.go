/*
ledger.go - Session debits and credits against a Course

PURPOSE:
  Every movement of a Course balance goes through here and lands in the
  store as one ApplyDelta call, which writes the balance and the
  UsageEvent that justifies it in the same unit.

CRITICAL INVARIANTS:
  1. remaining = total - used, both never negative
  2. at most one open USE event per (course, case)
  3. every RETURN names the USE it reverses

IDEMPOTENCY:
  Debit first asks HasUnreversedUse. If an open USE already exists the
  debit is skipped and the caller is told nothing was charged. Accept is
  therefore safe to retry, and a case accepted through two entry points
  is charged once.

EXAMPLE FLOW (course total=5):
  accept  -> USE    used=1 remaining=4
  unaccept-> RETURN used=0 remaining=5 (links the USE above)
  accept  -> USE    used=1 remaining=4 (previous USE is closed, new one opens)
*/
package caseflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// BALANCE ARITHMETIC
// =============================================================================

// ApplySessionDelta returns c moved by delta sessions. delta < 0 debits,
// delta > 0 credits. Status flips to COMPLETED when nothing remains and
// back to ACTIVE when a credit makes sessions available again.
//
// A debit larger than the remaining balance is a PreconditionFailed
// rejection and a credit larger than the used count is LedgerInconsistent.
// Neither is clamped, so remaining = total - used holds for every result.
func ApplySessionDelta(c Course, delta int) (Course, error) {
	switch {
	case delta < 0:
		n := -delta
		if c.RemainingSessions < n {
			return c, courseExhausted(c.ID)
		}
		c.UsedSessions += n
		c.RemainingSessions -= n
		if c.RemainingSessions == 0 {
			c.Status = CourseCompleted
		}
	case delta > 0:
		if c.UsedSessions < delta {
			return c, &TransitionError{
				Kind:   KindLedgerInconsistent,
				Detail: fmt.Sprintf("course %s has %d used sessions, cannot return %d", c.ID, c.UsedSessions, delta),
			}
		}
		c.UsedSessions -= delta
		c.RemainingSessions += delta
		if c.Status == CourseCompleted && c.RemainingSessions > 0 {
			c.Status = CourseActive
		}
	}
	return c, nil
}

func courseExhausted(id CourseID) *TransitionError {
	return &TransitionError{
		Kind:   KindPreconditionFailed,
		Reason: ReasonCourseExhausted,
		Detail: fmt.Sprintf("course %s has no remaining sessions", id),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger applies debits and credits inside a unit of work.
type Ledger struct {
	now func() time.Time
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Debit charges one session to courseID for caseID unless an open USE
// already exists for the pair. Returns whether a session was charged.
func (l *Ledger) Debit(ctx context.Context, tx LedgerStore, courseID CourseID, caseID CaseID, actor, note string) (bool, error) {
	open, err := tx.HasUnreversedUse(ctx, courseID, caseID)
	if err != nil {
		return false, fmt.Errorf("check usage for course %s: %w", courseID, err)
	}
	if open {
		return false, nil
	}

	course, err := tx.GetCourse(ctx, courseID)
	if err != nil {
		return false, err
	}
	now := l.now()
	// Unlocked read. ApplyDelta checks the balance again under the lock.
	if course.RemainingSessions <= 0 {
		terr := courseExhausted(courseID)
		terr.CaseID = caseID
		return false, terr
	}
	if course.Expired(now) {
		return false, &TransitionError{
			Kind:   KindPreconditionFailed,
			CaseID: caseID,
			Reason: ReasonCourseExpired,
			Detail: fmt.Sprintf("course %s expired on %s", courseID, course.ExpiryDate.Format("2006-01-02")),
		}
	}

	ev := UsageEvent{
		ID:        UsageEventID(uuid.NewString()),
		CourseID:  courseID,
		CaseID:    caseID,
		Delta:     1,
		Action:    UsageUse,
		Note:      note,
		Actor:     actor,
		UsageDate: now,
	}
	if _, err := tx.ApplyDelta(ctx, courseID, -1, ev); err != nil {
		var terr *TransitionError
		if errors.As(err, &terr) && terr.CaseID == "" {
			terr.CaseID = caseID
		}
		return false, fmt.Errorf("debit course %s: %w", courseID, err)
	}
	return true, nil
}

// Credit returns one session to courseID by reversing the open USE event
// for caseID. A credit with nothing to reverse is a LedgerInconsistent
// rejection, never a silent balance change.
func (l *Ledger) Credit(ctx context.Context, tx LedgerStore, courseID CourseID, caseID CaseID, actor, note string) error {
	use, err := tx.OpenUse(ctx, courseID, caseID)
	if err != nil {
		return fmt.Errorf("find usage for course %s: %w", courseID, err)
	}
	if use == nil {
		return &TransitionError{
			Kind:   KindLedgerInconsistent,
			CaseID: caseID,
			Detail: fmt.Sprintf("no open USE event for course %s", courseID),
		}
	}

	reverses := use.ID
	ev := UsageEvent{
		ID:              UsageEventID(uuid.NewString()),
		CourseID:        courseID,
		CaseID:          caseID,
		BillID:          use.BillID,
		Delta:           1,
		Action:          UsageReturn,
		ReversesEventID: &reverses,
		Note:            note,
		Actor:           actor,
		UsageDate:       l.now(),
	}
	if _, err := tx.ApplyDelta(ctx, courseID, 1, ev); err != nil {
		return fmt.Errorf("credit course %s: %w", courseID, err)
	}
	return nil
}
