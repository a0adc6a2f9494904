/*
reversal.go - Reversal and audit facade

PURPOSE:
  Special entry points on top of RequestTransition, plus the audit trail
  every committed transition leaves behind.

  ReverseCompletion: COMPLETED -> ACCEPTED, admin only, reason mandatory.
                     Rejected with NotCompleted from any other status.
  Cancel:            any -> CANCELLED, reason defaults to the configured one.

AUDIT TRAIL:
  recordHistory writes one StatusHistory row inside the unit of work.
  forward hands an AuditEntry to the AuditSink after commit. A sink
  failure is logged and never fails the transition.
*/
package caseflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReverseCompletion moves a COMPLETED case back to ACCEPTED. The caller
// must collect a new SOAP note before completing again.
func (e *Engine) ReverseCompletion(ctx context.Context, id CaseID, actor Actor, reason string) (*TransitionResult, error) {
	return e.transition(ctx, TransitionRequest{
		CaseID:  id,
		Target:  StatusAccepted,
		Payload: Payload{Reason: reason},
		Actor:   actor,
	}, StatusCompleted)
}

// Cancel moves a case to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, id CaseID, actor Actor, reason string) (*TransitionResult, error) {
	return e.RequestTransition(ctx, TransitionRequest{
		CaseID:  id,
		Target:  StatusCancelled,
		Payload: Payload{Reason: reason},
		Actor:   actor,
	})
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

const auditEntityCase = "pn_case"

type auditTrail struct {
	sink AuditSink
	log  zerolog.Logger
	now  func() time.Time
}

func newAuditTrail(sink AuditSink, log zerolog.Logger, now func() time.Time) *auditTrail {
	return &auditTrail{sink: sink, log: log, now: now}
}

func (a *auditTrail) recordHistory(ctx context.Context, tx CaseStore, id CaseID, oldStatus, newStatus Status, actor, reason string, isReversal bool) error {
	return tx.AppendHistory(ctx, StatusHistory{
		ID:         newID(),
		CaseID:     id,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		Actor:      actor,
		Reason:     reason,
		IsReversal: isReversal,
		CreatedAt:  a.now(),
	})
}

func (a *auditTrail) transitionEntry(actor Actor, rule transitionRule, before, after *Case) AuditEntry {
	action := AuditStatusChanged
	switch rule.kind {
	case kindReverse:
		action = AuditCompletionUndone
	case kindCancel:
		action = AuditCaseCancelled
	}
	newValue := map[string]any{"status": string(after.Status)}
	switch rule.kind {
	case kindReverse:
		newValue["reason"] = after.LastReversalReason
	case kindCancel:
		newValue["reason"] = after.CancellationReason
	}
	return AuditEntry{
		ID:         newID(),
		Timestamp:  a.now(),
		ActorID:    actor.ID,
		Action:     action,
		EntityType: auditEntityCase,
		EntityID:   string(after.ID),
		OldValue:   map[string]any{"status": string(before.Status)},
		NewValue:   newValue,
	}
}

func (a *auditTrail) deleteEntry(actor Actor, c *Case) AuditEntry {
	return AuditEntry{
		ID:         newID(),
		Timestamp:  a.now(),
		ActorID:    actor.ID,
		Action:     AuditCaseDeleted,
		EntityType: auditEntityCase,
		EntityID:   string(c.ID),
		OldValue:   map[string]any{"status": string(c.Status), "code": c.Code},
	}
}

// forward is best effort.
func (a *auditTrail) forward(ctx context.Context, entry AuditEntry) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Record(ctx, entry); err != nil {
		a.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", string(entry.Action)).
			Msg("audit sink delivery failed")
	}
}

func newID() string { return uuid.NewString() }

func trimmed(s string) string { return strings.TrimSpace(s) }
