/*
engine.go - Transition Engine

PURPOSE:
  Moves a case from one status to another as a single atomic unit:
  read the case (locked), validate, compute ledger and appointment
  effects, write everything, append history, commit. Any failure rolls
  back every write of the unit.

REQUEST FLOW:
  1. LockCase                      (NotFound)
  2. look up (from, to) edge       (InvalidTransition)
  3. authorize actor               (Unauthorized)
  4. validate payload              (PreconditionFailed)
  5. apply effects                 (ledger, appointment, case fields)
  6. UpdateCase with version check (StorageConflict)
  7. append StatusHistory
  8. after commit: observer, log, audit sink (best effort)

EXAMPLE:
  eng := caseflow.NewEngine(store, caseflow.EngineConfig{HomeClinicID: "CL001"})
  res, err := eng.RequestTransition(ctx, caseflow.TransitionRequest{
      CaseID: "case-1",
      Target: caseflow.StatusAccepted,
      Actor:  caseflow.Actor{ID: "u1", Role: caseflow.RoleAdmin},
  })

SEE ALSO:
  - transitions.go: status graph and payload rules
  - ledger.go:      debit/credit
  - reversal.go:    ReverseCompletion, Cancel, audit trail
*/
package caseflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const defaultCancelReason = "Cancelled by system"

// EngineConfig wires the engine to its collaborators. Zero values fall
// back to ClinicAuthorizer, no audit sink, no observer, a disabled
// logger and time.Now.
type EngineConfig struct {
	HomeClinicID        string
	DefaultCancelReason string
	Authorizer          Authorizer
	AuditSink           AuditSink
	Observer            Observer
	Logger              zerolog.Logger
	Now                 func() time.Time
}

// Engine is the case lifecycle state machine.
type Engine struct {
	store        TxStore
	authz        Authorizer
	ledger       *Ledger
	appointments *AppointmentSync
	trail        *auditTrail
	observer     Observer
	log          zerolog.Logger
	home         string
	cancelReason string
	now          func() time.Time
}

func NewEngine(store TxStore, cfg EngineConfig) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	authz := cfg.Authorizer
	if authz == nil {
		authz = ClinicAuthorizer{}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	reason := cfg.DefaultCancelReason
	if reason == "" {
		reason = defaultCancelReason
	}
	return &Engine{
		store:        store,
		authz:        authz,
		ledger:       NewLedger(now),
		appointments: NewAppointmentSync(now),
		trail:        newAuditTrail(cfg.AuditSink, cfg.Logger, now),
		observer:     obs,
		log:          cfg.Logger,
		home:         cfg.HomeClinicID,
		cancelReason: reason,
		now:          now,
	}
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type TransitionRequest struct {
	CaseID  CaseID
	Target  Status
	Payload Payload
	Actor   Actor
}

// TransitionResult describes an applied transition.
type TransitionResult struct {
	CaseID      CaseID
	From        Status
	To          Status
	Debited     bool
	Credited    bool
	Appointment *AppointmentStatus
	// RequiresSOAPReentry is set after a completion is reversed: the SOAP
	// note must be supplied again before the case can complete.
	RequiresSOAPReentry bool
	At                  time.Time
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// RequestTransition validates and applies one status change.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	return e.transition(ctx, req, "")
}

// transition runs the unit of work. mustBeFrom, when set, rejects with
// NotCompleted before the status graph is consulted.
func (e *Engine) transition(ctx context.Context, req TransitionRequest, mustBeFrom Status) (*TransitionResult, error) {
	var (
		res   *TransitionResult
		entry AuditEntry
	)
	if !req.Target.Valid() {
		err := rejectf(KindInvalidTransition, &Case{ID: req.CaseID}, req.Target, "unknown status %q", req.Target)
		e.reject(err)
		return nil, err
	}

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCase(ctx, req.CaseID)
		if err != nil {
			return classify(err, &Case{ID: req.CaseID}, req.Target)
		}
		// A pinned source status is authorized against its own rule first so
		// an unauthorized caller does not learn the current status.
		if mustBeFrom != "" {
			pinned, _ := lookupTransition(mustBeFrom, req.Target)
			if err := e.authorize(ctx, req.Actor, c, req.Target, pinned); err != nil {
				var terr *TransitionError
				if errors.As(err, &terr) {
					terr.Current = ""
				}
				return err
			}
			if c.Status != mustBeFrom {
				return &TransitionError{Kind: KindNotCompleted, CaseID: c.ID, Current: c.Status, Requested: req.Target}
			}
		}

		rule, ok := lookupTransition(c.Status, req.Target)
		if !ok {
			return &TransitionError{Kind: KindInvalidTransition, CaseID: c.ID, Current: c.Status, Requested: req.Target}
		}
		if mustBeFrom == "" {
			if err := e.authorize(ctx, req.Actor, c, req.Target, rule); err != nil {
				return err
			}
		}
		if err := e.validate(c, req.Target, rule, &req.Payload); err != nil {
			return err
		}

		before := *c
		r, err := e.apply(ctx, tx, c, req, rule)
		if err != nil {
			return classify(err, &before, req.Target)
		}
		if err := tx.UpdateCase(ctx, c, before.Version); err != nil {
			return classify(err, &before, req.Target)
		}
		if err := e.trail.recordHistory(ctx, tx, c.ID, before.Status, c.Status, req.Actor.ID, historyReason(rule, req.Payload, c), rule.isReversal); err != nil {
			return classify(err, &before, req.Target)
		}

		res = r
		entry = e.trail.transitionEntry(req.Actor, rule, &before, c)
		return nil
	})
	if err != nil {
		err = classify(err, &Case{ID: req.CaseID}, req.Target)
		e.reject(err)
		return nil, err
	}

	e.observer.TransitionApplied(res.From, res.To)
	if res.Debited {
		e.observer.LedgerMoved(UsageUse)
	}
	if res.Credited {
		e.observer.LedgerMoved(UsageReturn)
	}
	e.log.Info().
		Str("case_id", string(res.CaseID)).
		Str("from", string(res.From)).
		Str("to", string(res.To)).
		Str("actor", req.Actor.ID).
		Bool("debited", res.Debited).
		Bool("credited", res.Credited).
		Msg("case transition applied")
	e.trail.forward(ctx, entry)
	return res, nil
}

func (e *Engine) authorize(ctx context.Context, actor Actor, c *Case, to Status, rule transitionRule) error {
	if rule.adminOnly && !actor.IsAdmin() {
		return rejectf(KindUnauthorized, c, to, "role %s cannot %s", actor.Role, rule.kind)
	}
	ok, err := e.authz.CanChangeStatus(ctx, actor, c)
	if err != nil {
		return fmt.Errorf("authorize actor %s: %w", actor.ID, err)
	}
	if !ok {
		return &TransitionError{Kind: KindUnauthorized, CaseID: c.ID, Current: c.Status, Requested: to}
	}
	return nil
}

func (e *Engine) validate(c *Case, to Status, rule transitionRule, p *Payload) error {
	switch rule.kind {
	case kindAccept:
		if requiresPTAssessment(c, e.home) {
			if fields := missingPTFields(p.PT); len(fields) > 0 {
				return missing(c, to, fields)
			}
		}
	case kindComplete:
		if fields := missingSOAPFields(p.SOAP); len(fields) > 0 {
			return missing(c, to, fields)
		}
	case kindReverse:
		if trimmed(p.Reason) == "" {
			return missing(c, to, []string{"reason"})
		}
	case kindCancel:
		if trimmed(p.Reason) == "" {
			p.Reason = e.cancelReason
		}
	}
	return nil
}

// apply mutates c in memory and writes every dependent record through tx.
func (e *Engine) apply(ctx context.Context, tx Tx, c *Case, req TransitionRequest, rule transitionRule) (*TransitionResult, error) {
	now := e.now()
	from := c.Status
	res := &TransitionResult{CaseID: c.ID, From: from, To: req.Target, At: now}
	note := fmt.Sprintf("case %s %s -> %s", c.Code, from, req.Target)

	if c.HasCourse() {
		if _, err := tx.GetCourse(ctx, *c.CourseID); err != nil {
			return nil, fmt.Errorf("course %s: %w", *c.CourseID, err)
		}
	}
	if c.HasAppointment() {
		if _, err := tx.GetAppointment(ctx, *c.AppointmentID); err != nil {
			return nil, fmt.Errorf("appointment %s: %w", *c.AppointmentID, err)
		}
	}

	switch rule.kind {
	case kindAccept:
		if requiresPTAssessment(c, e.home) {
			c.PT = *req.Payload.PT
		}
		c.AcceptedAt = &now
		if c.HasCourse() {
			debited, err := e.ledger.Debit(ctx, tx, *c.CourseID, c.ID, req.Actor.ID, note)
			if err != nil {
				return nil, err
			}
			res.Debited = debited
		}

	case kindUnaccept:
		c.AcceptedAt = nil
		// A case with a course but no appointment was never debited by a
		// booking, so nothing is returned.
		if c.HasCourse() && c.HasAppointment() {
			if err := e.ledger.Credit(ctx, tx, *c.CourseID, c.ID, req.Actor.ID, note); err != nil {
				return nil, err
			}
			res.Credited = true
		}

	case kindComplete:
		s := req.Payload.SOAP
		if err := tx.AppendSOAPNote(ctx, SOAPNote{
			ID:         newID(),
			CaseID:     c.ID,
			Subjective: s.Subjective,
			Objective:  s.Objective,
			Assessment: s.Assessment,
			Plan:       s.Plan,
			Actor:      req.Actor.ID,
			CreatedAt:  now,
		}); err != nil {
			return nil, fmt.Errorf("append soap note: %w", err)
		}
		c.CompletedAt = &now

	case kindReverse:
		c.CompletedAt = nil
		c.WasReversed = true
		c.LastReversalReason = trimmed(req.Payload.Reason)
		c.LastReversedAt = &now
		res.RequiresSOAPReentry = true

	case kindCancel:
		c.CancelledAt = &now
		c.CancellationReason = req.Payload.Reason
		if from == StatusAccepted && c.HasCourse() && c.HasAppointment() {
			if err := e.ledger.Credit(ctx, tx, *c.CourseID, c.ID, req.Actor.ID, "cancelled: "+req.Payload.Reason); err != nil {
				return nil, err
			}
			res.Credited = true
		}
	}

	if c.HasAppointment() && rule.kind != kindReverse {
		if target, ok := AppointmentTarget(req.Target); ok {
			if err := e.appointments.SyncToCase(ctx, tx, *c.AppointmentID, target, req.Payload.Reason); err != nil {
				return nil, fmt.Errorf("sync appointment %s: %w", *c.AppointmentID, err)
			}
			res.Appointment = &target
		}
	}

	c.Status = req.Target
	c.UpdatedAt = now
	return res, nil
}

// =============================================================================
// DELETE
// =============================================================================

type DeleteResult struct {
	CaseID            CaseID
	DependentsRemoved int64
}

// DeleteCase hard-deletes a PENDING case together with its dependent
// scheduling, visit, attachment and certificate records.
func (e *Engine) DeleteCase(ctx context.Context, id CaseID, actor Actor) (*DeleteResult, error) {
	var (
		res   *DeleteResult
		entry AuditEntry
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCase(ctx, id)
		if err != nil {
			return classify(err, &Case{ID: id}, "")
		}
		ok, err := e.authz.CanChangeStatus(ctx, actor, c)
		if err != nil {
			return fmt.Errorf("authorize actor %s: %w", actor.ID, err)
		}
		if !ok {
			return &TransitionError{Kind: KindUnauthorized, CaseID: c.ID, Current: c.Status}
		}
		if c.Status != StatusPending {
			return &TransitionError{Kind: KindNotPending, CaseID: c.ID, Current: c.Status}
		}
		n, err := tx.DeleteCaseDependents(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("delete dependents of case %s: %w", c.ID, err)
		}
		if err := tx.DeleteCase(ctx, c.ID); err != nil {
			return classify(err, c, "")
		}
		res = &DeleteResult{CaseID: c.ID, DependentsRemoved: n}
		entry = e.trail.deleteEntry(actor, c)
		return nil
	})
	if err != nil {
		err = classify(err, &Case{ID: id}, "")
		e.reject(err)
		return nil, err
	}
	e.log.Info().Str("case_id", string(id)).Str("actor", actor.ID).Int64("dependents", res.DependentsRemoved).Msg("case deleted")
	e.trail.forward(ctx, entry)
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) reject(err error) {
	kind := KindOf(err)
	if kind == "" {
		e.log.Error().Err(err).Msg("case transition failed")
		return
	}
	e.observer.TransitionRejected(kind)
	e.log.Debug().Err(err).Str("kind", string(kind)).Msg("case transition rejected")
}

// classify turns store errors into structured rejections. Errors that are
// already a *TransitionError get their case context filled in.
func classify(err error, c *Case, to Status) error {
	var terr *TransitionError
	if errors.As(err, &terr) {
		if terr.CaseID == "" {
			terr.CaseID = c.ID
		}
		if terr.Current == "" {
			terr.Current = c.Status
		}
		if terr.Requested == "" {
			terr.Requested = to
		}
		return terr
	}
	switch {
	case errors.Is(err, ErrStorageConflict):
		return &TransitionError{Kind: KindStorageConflict, CaseID: c.ID, Current: c.Status, Requested: to, Detail: err.Error()}
	case errors.Is(err, ErrNotFound):
		return &TransitionError{Kind: KindNotFound, CaseID: c.ID, Current: c.Status, Requested: to, Detail: err.Error()}
	}
	return err
}

func historyReason(rule transitionRule, p Payload, c *Case) string {
	switch rule.kind {
	case kindCancel:
		return c.CancellationReason
	case kindReverse:
		return c.LastReversalReason
	}
	return trimmed(p.Reason)
}
