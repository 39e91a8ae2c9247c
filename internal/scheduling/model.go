package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

type WaitlistStatus string

const (
	WaitlistWaiting  WaitlistStatus = "waiting"
	WaitlistNotified WaitlistStatus = "notified"
	WaitlistBooked   WaitlistStatus = "booked"
	WaitlistExpired  WaitlistStatus = "expired"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities so that urgent > high > medium > low.
// Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type TimeBand string

const (
	BandMorning   TimeBand = "morning"
	BandAfternoon TimeBand = "afternoon"
	BandEvening   TimeBand = "evening"
	BandAny       TimeBand = "any"
)

func (b TimeBand) Valid() bool {
	switch b {
	case BandMorning, BandAfternoon, BandEvening, BandAny, "":
		return true
	}
	return false
}

// OpenInterval is one weekday's working hours, in minutes since local
// midnight. Start < End whenever IsOpen is true.
type OpenInterval struct {
	StartMinute int
	EndMinute   int
	IsOpen      bool
}

// WeeklyAvailability maps each weekday to at most one open interval.
// Weekdays without an entry are closed.
type WeeklyAvailability map[time.Weekday]OpenInterval

type Provider struct {
	ID           uuid.UUID
	Name         string
	Specialty    *string
	Timezone     string
	Availability WeeklyAvailability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Location resolves the provider's time zone, falling back to UTC when
// the stored name does not load.
func (p *Provider) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Start      time.Time
	End        time.Time
	Status     AppointmentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CandidateSlot is an ephemeral bookable interval. It is never persisted;
// the assigner re-validates it against the ledger before booking.
// Intervals are half-open [Start, End), so a slot ending at 10:00 does not
// conflict with one starting at 10:00.
type CandidateSlot struct {
	ProviderID uuid.UUID
	Start      time.Time
	End        time.Time
}

// Overlaps reports whether the half-open intervals of two slots intersect.
func (s CandidateSlot) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && start.Before(s.End)
}

type WaitlistEntry struct {
	ID                uuid.UUID
	ProviderID        uuid.UUID
	PatientID         uuid.UUID
	Priority          Priority
	Status            WaitlistStatus
	PreferredWeekdays []time.Weekday
	PreferredTimeBand TimeBand
	CreatedAt         time.Time
	UpdatedAt         time.Time
	NotifiedAt        *time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	EntryID       *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
