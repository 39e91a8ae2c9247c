package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrEntryNotFound       = errors.New("waitlist entry not found")

	// ErrOverlapExists is returned by InsertAppointmentIfFree when a
	// scheduled appointment already occupies part of the requested interval.
	ErrOverlapExists = errors.New("overlapping scheduled appointment exists")

	// ErrStatusMismatch is returned by the compare-and-swap updates when the
	// row is not in the expected current status.
	ErrStatusMismatch = errors.New("status precondition failed")
)

// Repository contains all storage interactions needed by the service.
// Implementations must make InsertAppointmentIfFree and the status updates
// conditional writes, so correctness does not rest on the lock alone.
type Repository interface {
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// Ledger reads and writes
	FindScheduledAppointments(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	InsertAppointmentIfFree(ctx context.Context, appt Appointment) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)

	// Waitlist
	InsertWaitlistEntry(ctx context.Context, entry WaitlistEntry) (*WaitlistEntry, error)
	GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)
	FindWaitingEntries(ctx context.Context, providerID uuid.UUID) ([]WaitlistEntry, error)
	UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus, notifiedAt *time.Time) (*WaitlistEntry, error)
	UpdateWaitlistPriority(ctx context.Context, id uuid.UUID, priority Priority) (*WaitlistEntry, error)

	// Offer lapse sweep
	FindLapsedNotified(ctx context.Context, olderThan time.Time) ([]WaitlistEntry, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
