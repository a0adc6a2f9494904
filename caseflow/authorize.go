package caseflow

import "context"

// Authorizer decides whether an actor may change a case's status.
// The policy itself belongs to the surrounding application.
type Authorizer interface {
	CanChangeStatus(ctx context.Context, actor Actor, c *Case) (bool, error)
}

// AuthorizerFunc is a function adapter for Authorizer.
type AuthorizerFunc func(ctx context.Context, actor Actor, c *Case) (bool, error)

func (f AuthorizerFunc) CanChangeStatus(ctx context.Context, actor Actor, c *Case) (bool, error) {
	return f(ctx, actor, c)
}

// ClinicAuthorizer lets admins change any case and everyone else change
// cases whose source or target clinic is their own.
type ClinicAuthorizer struct{}

func (ClinicAuthorizer) CanChangeStatus(_ context.Context, actor Actor, c *Case) (bool, error) {
	if actor.IsAdmin() {
		return true, nil
	}
	if actor.ClinicID == "" {
		return false, nil
	}
	return actor.ClinicID == c.SourceClinicID || actor.ClinicID == c.TargetClinicID, nil
}

// Observer is notified of engine outcomes. Implementations must not block.
type Observer interface {
	TransitionApplied(from, to Status)
	TransitionRejected(kind ErrorKind)
	LedgerMoved(action UsageAction)
}

type nopObserver struct{}

func (nopObserver) TransitionApplied(Status, Status) {}
func (nopObserver) TransitionRejected(ErrorKind)     {}
func (nopObserver) LedgerMoved(UsageAction)          {}
