package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telacare/scheduling/internal/config"
	redisclient "github.com/telacare/scheduling/internal/redis"
)

const (
	EventSlotBooked           = "SLOT_BOOKED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventWaitlistNotified     = "WAITLIST_NOTIFIED"
	EventOfferExpired         = "WAITLIST_OFFER_EXPIRED"
)

var (
	// ErrInvalidRange covers start >= end, non-positive durations, and
	// ranges entirely in the past. Rejected before any lock is taken.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrSlotConflict means the slot became unavailable between generation
	// and assignment. Expected under concurrency; callers regenerate and retry.
	ErrSlotConflict = errors.New("slot already booked")

	// ErrProviderBusy means the provider lock could not be acquired. The
	// remedy is the same as for a conflict: retry shortly.
	ErrProviderBusy = errors.New("provider calendar is busy, please retry")

	ErrAlreadyCancelled = errors.New("appointment is already cancelled")
	ErrEntryNotWaiting  = errors.New("waitlist entry is not in an assignable state")
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
	}
}

// GetAvailableSlots expands the provider's weekly availability between the
// from and to days (inclusive) into open candidate slots of the requested
// duration. The result is a snapshot; BookSlot re-validates it.
func (s *Service) GetAvailableSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time, duration time.Duration) ([]CandidateSlot, error) {
	if duration <= 0 {
		duration = s.cfg.DefaultAppointmentDuration
	}
	if duration <= 0 || to.Before(from) {
		return nil, ErrInvalidRange
	}

	provider, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	// Query dates are calendar days on the provider's calendar, whatever
	// zone the caller parsed them in.
	loc := provider.Location()
	fromDay := localDate(from, loc)
	toDay := localDate(to, loc)

	now := time.Now().In(loc)
	if endOfDay(toDay).Before(now) {
		return nil, ErrInvalidRange
	}

	booked, err := s.scheduledBetween(ctx, providerID, fromDay, toDay)
	if err != nil {
		return nil, err
	}

	return GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        fromDay,
		To:          toDay,
		Granularity: s.cfg.SlotGranularity,
		Duration:    duration,
		Booked:      booked,
		Now:         now,
	}), nil
}

// BookSlot reserves [start, end) for a patient directly, without a waitlist
// entry. The overlap check and the insert run under the provider lock, and
// the insert itself is conditional, so two concurrent calls for overlapping
// slots cannot both succeed.
func (s *Service) BookSlot(ctx context.Context, providerID, patientID uuid.UUID, start, end time.Time) (*Appointment, error) {
	if err := s.validateSlotRange(start, end); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	var created *Appointment

	err := s.locker.WithProviderLock(ctx, providerID, func(lockCtx context.Context) error {
		appt, err := s.insertScheduled(lockCtx, providerID, patientID, start, end)
		if err != nil {
			return err
		}
		created = appt

		s.logEvent(lockCtx, &appt.ID, nil, EventSlotBooked, map[string]any{
			"provider_id": providerID.String(),
			"patient_id":  patientID.String(),
			"start":       start,
			"end":         end,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrProviderBusy
		}
		return nil, err
	}

	return created, nil
}

// AssignWaitlistEntryToSlot books a slot on behalf of a waitlist entry,
// transitioning the entry to booked in the same critical section as the
// ledger insert. The entry must be waiting or notified.
func (s *Service) AssignWaitlistEntryToSlot(ctx context.Context, entryID uuid.UUID, start, end time.Time) (*Appointment, error) {
	if err := s.validateSlotRange(start, end); err != nil {
		return nil, err
	}

	entry, err := s.repo.GetWaitlistEntryByID(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load waitlist entry: %w", err)
	}
	if entry.Status != WaitlistWaiting && entry.Status != WaitlistNotified {
		return nil, ErrEntryNotWaiting
	}

	var created *Appointment

	err = s.locker.WithProviderLock(ctx, entry.ProviderID, func(lockCtx context.Context) error {
		appt, err := s.insertScheduled(lockCtx, entry.ProviderID, entry.PatientID, start, end)
		if err != nil {
			return err
		}

		if _, err := s.repo.UpdateWaitlistStatus(lockCtx, entry.ID, entry.Status, WaitlistBooked, entry.NotifiedAt); err != nil {
			if errors.Is(err, ErrStatusMismatch) {
				// The entry moved under us (e.g. expired by the sweep).
				// Roll the ledger insert back so the slot stays free.
				if _, rbErr := s.repo.UpdateAppointmentStatus(lockCtx, appt.ID, StatusScheduled, StatusCancelled); rbErr != nil {
					log.Printf("rollback of appointment %s failed: %v", appt.ID, rbErr)
				}
				return ErrEntryNotWaiting
			}
			return fmt.Errorf("transition waitlist entry: %w", err)
		}

		created = appt

		s.logEvent(lockCtx, &appt.ID, &entry.ID, EventSlotBooked, map[string]any{
			"provider_id": entry.ProviderID.String(),
			"patient_id":  entry.PatientID.String(),
			"entry_id":    entry.ID.String(),
			"start":       start,
			"end":         end,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrProviderBusy
		}
		return nil, err
	}

	return created, nil
}

// CancelAppointment flips a scheduled appointment to cancelled and, inside
// the same critical section, notifies the best-matching waiting entry for
// the freed slot. Cancelling an already-cancelled appointment returns
// ErrAlreadyCancelled and does not notify again.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status != StatusScheduled {
		if appt.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		// Completed and no-show rows are just as final, but say which.
		return fmt.Errorf("%w: appointment is %s", ErrAlreadyCancelled, appt.Status)
	}

	err = s.locker.WithProviderLock(ctx, appt.ProviderID, func(lockCtx context.Context) error {
		updated, err := s.repo.UpdateAppointmentStatus(lockCtx, appt.ID, StatusScheduled, StatusCancelled)
		if err != nil {
			if errors.Is(err, ErrStatusMismatch) {
				return ErrAlreadyCancelled
			}
			return fmt.Errorf("cancel appointment: %w", err)
		}

		s.logEvent(lockCtx, &updated.ID, nil, EventAppointmentCancelled, map[string]any{
			"provider_id": updated.ProviderID.String(),
			"start":       updated.Start,
			"end":         updated.End,
		})

		s.notifyForFreedSlot(lockCtx, CandidateSlot{
			ProviderID: updated.ProviderID,
			Start:      updated.Start,
			End:        updated.End,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return ErrProviderBusy
		}
		return err
	}

	return nil
}

// AddToWaitlist records a standing request for the next suitable opening.
func (s *Service) AddToWaitlist(ctx context.Context, providerID, patientID uuid.UUID, priority Priority, weekdays []time.Weekday, band TimeBand) (*WaitlistEntry, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRange, priority)
	}
	if !band.Valid() {
		return nil, fmt.Errorf("%w: unknown time band %q", ErrInvalidRange, band)
	}
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	entry := WaitlistEntry{
		ID:                uuid.New(),
		ProviderID:        providerID,
		PatientID:         patientID,
		Priority:          priority,
		Status:            WaitlistWaiting,
		PreferredWeekdays: weekdays,
		PreferredTimeBand: band,
	}

	created, err := s.repo.InsertWaitlistEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("insert waitlist entry: %w", err)
	}
	return created, nil
}

// GetMatchingSlotsForWaitlistEntry returns the open slots satisfying the
// entry's preferences. An empty result is returned as-is; relaxing to the
// unfiltered list is the caller's explicit choice via
// GetAllSlotsIgnoringPreferences.
func (s *Service) GetMatchingSlotsForWaitlistEntry(ctx context.Context, entryID uuid.UUID, from, to time.Time, duration time.Duration) ([]CandidateSlot, error) {
	entry, slots, err := s.entrySlots(ctx, entryID, from, to, duration)
	if err != nil {
		return nil, err
	}
	return FilterSlots(slots, entry), nil
}

// GetAllSlotsIgnoringPreferences is the explicit relaxation of the
// preference filter, for when the matched list comes back empty.
func (s *Service) GetAllSlotsIgnoringPreferences(ctx context.Context, entryID uuid.UUID, from, to time.Time, duration time.Duration) ([]CandidateSlot, error) {
	_, slots, err := s.entrySlots(ctx, entryID, from, to, duration)
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// SetWaitlistPriority is the staff override for an entry's priority. Only
// non-terminal entries can be reprioritized.
func (s *Service) SetWaitlistPriority(ctx context.Context, entryID uuid.UUID, priority Priority) (*WaitlistEntry, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRange, priority)
	}

	entry, err := s.repo.GetWaitlistEntryByID(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load waitlist entry: %w", err)
	}
	if entry.Status == WaitlistBooked || entry.Status == WaitlistExpired {
		return nil, ErrEntryNotWaiting
	}

	updated, err := s.repo.UpdateWaitlistPriority(ctx, entryID, priority)
	if err != nil {
		return nil, fmt.Errorf("update waitlist priority: %w", err)
	}
	return updated, nil
}

// ExpireLapsedOffers moves notified entries whose offer is older than ttl
// to expired. The ttl is policy owned by the caller (the offer worker);
// the core never expires an offer on its own.
func (s *Service) ExpireLapsedOffers(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	lapsed, err := s.repo.FindLapsedNotified(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find lapsed offers: %w", err)
	}

	expired := 0
	for _, entry := range lapsed {
		if _, err := s.repo.UpdateWaitlistStatus(ctx, entry.ID, WaitlistNotified, WaitlistExpired, entry.NotifiedAt); err != nil {
			if errors.Is(err, ErrStatusMismatch) || errors.Is(err, ErrEntryNotFound) {
				continue
			}
			log.Printf("failed to expire waitlist entry %s: %v", entry.ID, err)
			continue
		}
		expired++
		s.logEvent(ctx, nil, &entry.ID, EventOfferExpired, map[string]any{
			"provider_id": entry.ProviderID.String(),
			"notified_at": entry.NotifiedAt,
		})
	}

	return expired, nil
}

// GetAppointment retrieves an appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// GetWaitlistEntry retrieves a waitlist entry by ID.
func (s *Service) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	entry, err := s.repo.GetWaitlistEntryByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	return entry, nil
}

// insertScheduled performs the conditional ledger insert. Must be called
// with the provider lock held.
func (s *Service) insertScheduled(ctx context.Context, providerID, patientID uuid.UUID, start, end time.Time) (*Appointment, error) {
	appt, err := s.repo.InsertAppointmentIfFree(ctx, Appointment{
		ID:         uuid.New(),
		ProviderID: providerID,
		PatientID:  patientID,
		Start:      start,
		End:        end,
		Status:     StatusScheduled,
	})
	if err != nil {
		if errors.Is(err, ErrOverlapExists) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return appt, nil
}

// notifyForFreedSlot selects the highest-priority waiting entry whose
// preferences match the freed slot, ties broken by earliest CreatedAt, and
// marks it notified. Re-running for the same slot is a no-op: the winner
// is no longer waiting, so the status CAS simply skips it.
func (s *Service) notifyForFreedSlot(ctx context.Context, freed CandidateSlot) {
	// Preferences are judged on the provider's wall clock. The stored
	// instants may carry another zone, so re-anchor them first.
	provider, err := s.repo.GetProviderByID(ctx, freed.ProviderID)
	if err != nil {
		log.Printf("load provider %s for notification: %v", freed.ProviderID, err)
		return
	}
	loc := provider.Location()
	freed.Start = freed.Start.In(loc)
	freed.End = freed.End.In(loc)

	waiting, err := s.repo.FindWaitingEntries(ctx, freed.ProviderID)
	if err != nil {
		log.Printf("find waiting entries for provider %s: %v", freed.ProviderID, err)
		return
	}

	var candidates []WaitlistEntry
	for _, e := range waiting {
		if Matches(freed, &e) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	winner := candidates[0]
	now := time.Now()

	if _, err := s.repo.UpdateWaitlistStatus(ctx, winner.ID, WaitlistWaiting, WaitlistNotified, &now); err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			return
		}
		log.Printf("notify waitlist entry %s: %v", winner.ID, err)
		return
	}

	s.logEvent(ctx, nil, &winner.ID, EventWaitlistNotified, map[string]any{
		"provider_id": freed.ProviderID.String(),
		"slot_start":  freed.Start,
		"slot_end":    freed.End,
	})
}

func (s *Service) entrySlots(ctx context.Context, entryID uuid.UUID, from, to time.Time, duration time.Duration) (*WaitlistEntry, []CandidateSlot, error) {
	entry, err := s.repo.GetWaitlistEntryByID(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("load waitlist entry: %w", err)
	}

	slots, err := s.GetAvailableSlots(ctx, entry.ProviderID, from, to, duration)
	if err != nil {
		return nil, nil, err
	}
	return entry, slots, nil
}

func (s *Service) validateSlotRange(start, end time.Time) error {
	if !start.Before(end) {
		return ErrInvalidRange
	}
	if start.Before(time.Now()) {
		return ErrInvalidRange
	}
	return nil
}

func (s *Service) scheduledBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	booked, err := s.repo.FindScheduledAppointments(ctx, providerID, startOfDay(from), endOfDay(to))
	if err != nil {
		return nil, fmt.Errorf("find scheduled appointments: %w", err)
	}
	return booked, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID, entryID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		EntryID:       entryID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s: %v", eventType, err)
	}
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

func localDate(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
