package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a map-backed Repository. It honors the same
// conditional-write contract as the Postgres implementation and is used by
// the package tests and the local simulation mode.
type MemoryRepository struct {
	mu           sync.RWMutex
	providers    map[uuid.UUID]Provider
	patients     map[uuid.UUID]Patient
	appointments map[uuid.UUID]Appointment
	waitlist     map[uuid.UUID]WaitlistEntry
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		providers:    make(map[uuid.UUID]Provider),
		patients:     make(map[uuid.UUID]Patient),
		appointments: make(map[uuid.UUID]Appointment),
		waitlist:     make(map[uuid.UUID]WaitlistEntry),
	}
}

func (r *MemoryRepository) PutProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = p
}

func (r *MemoryRepository) PutPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

// PutWaitlistEntry stores an entry as-is, bypassing the insert defaults.
// Test hook for constructing specific CreatedAt orderings.
func (r *MemoryRepository) PutWaitlistEntry(e WaitlistEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitlist[e.ID] = e
}

// Events returns a copy of the recorded event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

func (r *MemoryRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) FindScheduledAppointments(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.ProviderID != providerID || a.Status != StatusScheduled {
			continue
		}
		if a.Start.Before(to) && from.Before(a.End) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) InsertAppointmentIfFree(ctx context.Context, appt Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.appointments {
		if existing.ProviderID != appt.ProviderID || existing.Status != StatusScheduled {
			continue
		}
		if existing.Start.Before(appt.End) && appt.Start.Before(existing.End) {
			return nil, ErrOverlapExists
		}
	}

	now := time.Now()
	appt.Status = StatusScheduled
	appt.CreatedAt = now
	appt.UpdatedAt = now
	r.appointments[appt.ID] = appt
	return &appt, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusMismatch
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	r.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) InsertWaitlistEntry(ctx context.Context, entry WaitlistEntry) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry.Status = WaitlistWaiting
	entry.CreatedAt = now
	entry.UpdatedAt = now
	r.waitlist[entry.ID] = entry
	return &entry, nil
}

func (r *MemoryRepository) GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.waitlist[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

func (r *MemoryRepository) FindWaitingEntries(ctx context.Context, providerID uuid.UUID) ([]WaitlistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []WaitlistEntry
	for _, e := range r.waitlist {
		if e.ProviderID == providerID && e.Status == WaitlistWaiting {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus, notifiedAt *time.Time) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.waitlist[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status != from {
		return nil, ErrStatusMismatch
	}
	e.Status = to
	e.NotifiedAt = notifiedAt
	e.UpdatedAt = time.Now()
	r.waitlist[id] = e
	return &e, nil
}

func (r *MemoryRepository) UpdateWaitlistPriority(ctx context.Context, id uuid.UUID, priority Priority) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.waitlist[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	e.Priority = priority
	e.UpdatedAt = time.Now()
	r.waitlist[id] = e
	return &e, nil
}

func (r *MemoryRepository) FindLapsedNotified(ctx context.Context, olderThan time.Time) ([]WaitlistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []WaitlistEntry
	for _, e := range r.waitlist {
		if e.Status == WaitlistNotified && e.NotifiedAt != nil && e.NotifiedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}
