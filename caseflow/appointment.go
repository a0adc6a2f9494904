package caseflow

import (
	"context"
	"time"
)

// appointmentTargets maps a case status to the status its linked
// appointment must carry. Statuses absent here leave the appointment alone.
var appointmentTargets = map[Status]AppointmentStatus{
	StatusPending:   AppointmentScheduled,
	StatusAccepted:  AppointmentCompleted,
	StatusCompleted: AppointmentCompleted,
	StatusCancelled: AppointmentCancelled,
}

// AppointmentTarget returns the appointment status that mirrors case status s.
func AppointmentTarget(s Status) (AppointmentStatus, bool) {
	a, ok := appointmentTargets[s]
	return a, ok
}

// AppointmentSync writes appointment status changes decided by the engine.
// It holds no rules of its own.
type AppointmentSync struct {
	now func() time.Time
}

func NewAppointmentSync(now func() time.Time) *AppointmentSync {
	if now == nil {
		now = time.Now
	}
	return &AppointmentSync{now: now}
}

// SyncToCase sets the appointment to target inside the caller's unit.
func (s *AppointmentSync) SyncToCase(ctx context.Context, tx AppointmentStore, id AppointmentID, target AppointmentStatus, reason string) error {
	if _, err := tx.GetAppointment(ctx, id); err != nil {
		return err
	}
	if target != AppointmentCancelled {
		reason = ""
	}
	return tx.SetAppointmentStatus(ctx, id, target, reason, s.now())
}
