/*
transitions.go - The case status graph and per-transition payload rules

PURPOSE:
  Declares which status moves exist, who may make them and what payload
  each one needs. Side effects live in engine.go; this file only answers
  "is this move legal, and is the request complete?".

STATUS GRAPH:

    PENDING ──accept──▶ ACCEPTED ──complete──▶ COMPLETED
       ▲                  │  ▲                   │
       └────unaccept──────┘  └──reverse (admin)──┘

    IN_PROGRESS ──complete──▶ COMPLETED
    any status except CANCELLED ──cancel──▶ CANCELLED (terminal)

  Deletion is not a transition: see Engine.DeleteCase.
*/
package caseflow

import (
	"strings"

	"github.com/shopspring/decimal"
)

type transitionKind string

const (
	kindAccept   transitionKind = "accept"
	kindUnaccept transitionKind = "unaccept"
	kindComplete transitionKind = "complete"
	kindReverse  transitionKind = "reverse"
	kindCancel   transitionKind = "cancel"
)

type transitionRule struct {
	kind       transitionKind
	isReversal bool
	adminOnly  bool
}

type edge struct {
	from, to Status
}

// transitionTable lists every legal (from, to) pair.
var transitionTable = map[edge]transitionRule{
	{StatusPending, StatusAccepted}:     {kind: kindAccept},
	{StatusAccepted, StatusPending}:     {kind: kindUnaccept},
	{StatusAccepted, StatusCompleted}:   {kind: kindComplete},
	{StatusInProgress, StatusCompleted}: {kind: kindComplete},
	{StatusCompleted, StatusAccepted}:   {kind: kindReverse, isReversal: true, adminOnly: true},
	{StatusPending, StatusCancelled}:    {kind: kindCancel},
	{StatusAccepted, StatusCancelled}:   {kind: kindCancel},
	{StatusInProgress, StatusCancelled}: {kind: kindCancel},
	{StatusCompleted, StatusCancelled}:  {kind: kindCancel},
}

func lookupTransition(from, to Status) (transitionRule, bool) {
	r, ok := transitionTable[edge{from, to}]
	return r, ok
}

// CanTransition reports whether the status graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	_, ok := lookupTransition(from, to)
	return ok
}

// AllowedTargets returns the statuses reachable from s.
func AllowedTargets(s Status) []Status {
	var out []Status
	for _, to := range []Status{StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled} {
		if CanTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// =============================================================================
// PAYLOAD
// =============================================================================

// SOAP is the clinical note required to complete a case.
type SOAP struct {
	Subjective string
	Objective  string
	Assessment string
	Plan       string
}

// Payload carries the transition-specific input.
type Payload struct {
	PT     *PTAssessment // accept, when neither clinic is home
	SOAP   *SOAP         // complete
	Reason string        // cancel, reverse
}

// missingSOAPFields returns the names of empty SOAP fields.
func missingSOAPFields(s *SOAP) []string {
	if s == nil {
		return []string{"subjective", "objective", "assessment", "plan"}
	}
	var out []string
	for _, f := range []struct {
		name, val string
	}{
		{"subjective", s.Subjective},
		{"objective", s.Objective},
		{"assessment", s.Assessment},
		{"plan", s.Plan},
	} {
		if strings.TrimSpace(f.val) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

var maxPainScore = decimal.NewFromInt(10)

// missingPTFields returns the names of absent PT-assessment fields.
// The pain score must lie within 0..10.
func missingPTFields(pt *PTAssessment) []string {
	if pt == nil {
		return []string{"pt_diagnosis", "pt_chief_complaint", "pt_present_history", "pt_pain_score"}
	}
	var out []string
	if strings.TrimSpace(pt.Diagnosis) == "" {
		out = append(out, "pt_diagnosis")
	}
	if strings.TrimSpace(pt.ChiefComplaint) == "" {
		out = append(out, "pt_chief_complaint")
	}
	if strings.TrimSpace(pt.PresentHistory) == "" {
		out = append(out, "pt_present_history")
	}
	if pt.PainScore == nil || pt.PainScore.IsNegative() || pt.PainScore.GreaterThan(maxPainScore) {
		out = append(out, "pt_pain_score")
	}
	return out
}

// requiresPTAssessment is true when neither clinic on the case is home.
func requiresPTAssessment(c *Case, homeClinicID string) bool {
	return c.SourceClinicID != homeClinicID && c.TargetClinicID != homeClinicID
}
