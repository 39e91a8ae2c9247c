package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/telacare/scheduling/internal/config"
	redisclient "github.com/telacare/scheduling/internal/redis"
)

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := NewMemoryRepository()
	locker := redisclient.NewRedisProviderLocker(client, 5*time.Second)
	cfg := config.Config{
		SlotGranularity:            30 * time.Minute,
		DefaultAppointmentDuration: 30 * time.Minute,
	}

	return NewService(repo, locker, cfg), repo
}

func seedProviderAndPatient(t *testing.T, repo *MemoryRepository) (*Provider, *Patient) {
	t.Helper()

	provider := testProvider()
	patient := &Patient{ID: uuid.New(), Name: "Pat"}
	repo.PutProvider(*provider)
	repo.PutPatient(*patient)
	return provider, patient
}

func seedWaiting(repo *MemoryRepository, providerID uuid.UUID, priority Priority, createdAt time.Time) WaitlistEntry {
	entry := WaitlistEntry{
		ID:         uuid.New(),
		ProviderID: providerID,
		PatientID:  uuid.New(),
		Priority:   priority,
		Status:     WaitlistWaiting,
		CreatedAt:  createdAt,
	}
	repo.PutWaitlistEntry(entry)
	return entry
}

func TestBookSlot(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	start := monday.Add(10 * time.Hour)
	end := start.Add(30 * time.Minute)

	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, end)
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, appt.Status)
	require.Equal(t, provider.ID, appt.ProviderID)
	require.Equal(t, patient.ID, appt.PatientID)
}

func TestBookSlotConflict(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	start := monday.Add(10 * time.Hour)
	end := start.Add(30 * time.Minute)

	_, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, end)
	require.NoError(t, err)

	// Same interval again.
	_, err = svc.BookSlot(context.Background(), provider.ID, patient.ID, start, end)
	require.ErrorIs(t, err, ErrSlotConflict)

	// Partial overlap conflicts too.
	_, err = svc.BookSlot(context.Background(), provider.ID, patient.ID, start.Add(15*time.Minute), end.Add(15*time.Minute))
	require.ErrorIs(t, err, ErrSlotConflict)

	// An abutting slot does not.
	_, err = svc.BookSlot(context.Background(), provider.ID, patient.ID, end, end.Add(30*time.Minute))
	require.NoError(t, err)
}

func TestBookSlotValidation(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	start := monday.Add(10 * time.Hour)

	_, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(-30*time.Minute))
	require.ErrorIs(t, err, ErrInvalidRange)

	past := time.Now().Add(-48 * time.Hour)
	_, err = svc.BookSlot(context.Background(), provider.ID, patient.ID, past, past.Add(30*time.Minute))
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.BookSlot(context.Background(), provider.ID, uuid.New(), start, start.Add(30*time.Minute))
	require.ErrorIs(t, err, ErrPatientNotFound)

	_, err = svc.BookSlot(context.Background(), uuid.New(), patient.ID, start, start.Add(30*time.Minute))
	require.ErrorIs(t, err, ErrProviderNotFound)
}

// The core double-booking property: any mix of concurrent booking calls for
// one provider must leave the ledger free of overlapping scheduled rows.
func TestConcurrentBookingNoDoubleBooking(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	// 4 distinct slots, 40 goroutines all fighting over them.
	targets := make([]CandidateSlot, 4)
	for i := range targets {
		start := monday.Add(9*time.Hour + time.Duration(i)*30*time.Minute)
		targets[i] = CandidateSlot{ProviderID: provider.ID, Start: start, End: start.Add(30 * time.Minute)}
	}

	var wg sync.WaitGroup
	for g := 0; g < 40; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			slot := targets[n%len(targets)]
			// The lock makes contenders fail fast with ErrProviderBusy;
			// retry a bounded number of times like a real caller would.
			for attempt := 0; attempt < 100; attempt++ {
				_, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, slot.Start, slot.End)
				if err == nil || errors.Is(err, ErrSlotConflict) {
					return
				}
				if errors.Is(err, ErrProviderBusy) {
					time.Sleep(time.Millisecond)
					continue
				}
				t.Errorf("unexpected booking error: %v", err)
				return
			}
		}(g)
	}
	wg.Wait()

	scheduled, err := repo.FindScheduledAppointments(context.Background(), provider.ID, monday, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, scheduled, len(targets))

	for i := 0; i < len(scheduled); i++ {
		for j := i + 1; j < len(scheduled); j++ {
			a, b := scheduled[i], scheduled[j]
			require.False(t, a.Start.Before(b.End) && b.Start.Before(a.End),
				"appointments %s and %s overlap", a.ID, b.ID)
		}
	}
}

func TestGetAvailableSlotsExcludesBooked(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	start := monday.Add(10 * time.Hour)
	_, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)

	slots, err := svc.GetAvailableSlots(context.Background(), provider.ID, monday, monday, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, slots, 15)
	for _, s := range slots {
		require.NotEqual(t, start, s.Start)
	}
}

func TestGetAvailableSlotsInvalidRange(t *testing.T) {
	svc, repo := newTestService(t)
	provider, _ := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	_, err := svc.GetAvailableSlots(context.Background(), provider.ID, monday.AddDate(0, 0, 3), monday, 30*time.Minute)
	require.ErrorIs(t, err, ErrInvalidRange)

	past := time.Date(2020, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err = svc.GetAvailableSlots(context.Background(), provider.ID, past, past.AddDate(0, 0, 4), 30*time.Minute)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.GetAvailableSlots(context.Background(), uuid.New(), monday, monday, 30*time.Minute)
	require.ErrorIs(t, err, ErrProviderNotFound)
}

func TestCancelNotifiesHighestPriority(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)
	base := time.Now()

	low := seedWaiting(repo, provider.ID, PriorityLow, base)
	urgent := seedWaiting(repo, provider.ID, PriorityUrgent, base.Add(time.Minute))
	medium := seedWaiting(repo, provider.ID, PriorityMedium, base.Add(2*time.Minute))

	start := monday.Add(10 * time.Hour)
	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)

	require.NoError(t, svc.CancelAppointment(context.Background(), appt.ID))

	// Urgent wins despite being created after low.
	got, err := repo.GetWaitlistEntryByID(context.Background(), urgent.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistNotified, got.Status)
	require.NotNil(t, got.NotifiedAt)

	for _, id := range []uuid.UUID{low.ID, medium.ID} {
		e, err := repo.GetWaitlistEntryByID(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, WaitlistWaiting, e.Status)
		require.Nil(t, e.NotifiedAt)
	}
}

func TestCancelNotifiesFIFOWithinPriority(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)
	base := time.Now()

	first := seedWaiting(repo, provider.ID, PriorityHigh, base)
	second := seedWaiting(repo, provider.ID, PriorityHigh, base.Add(time.Second))

	start := monday.Add(11 * time.Hour)
	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)

	require.NoError(t, svc.CancelAppointment(context.Background(), appt.ID))

	got, err := repo.GetWaitlistEntryByID(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistNotified, got.Status)

	got, err = repo.GetWaitlistEntryByID(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistWaiting, got.Status)
}

func TestCancelRespectsPreferencesOfWaiting(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)
	base := time.Now()

	// Urgent entry only wants evenings; the freed slot is mid-morning, so
	// the lower-priority unconstrained entry gets the offer.
	evenings := seedWaiting(repo, provider.ID, PriorityUrgent, base)
	evenings.PreferredTimeBand = BandEvening
	repo.PutWaitlistEntry(evenings)

	flexible := seedWaiting(repo, provider.ID, PriorityLow, base.Add(time.Minute))

	start := monday.Add(10 * time.Hour)
	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, svc.CancelAppointment(context.Background(), appt.ID))

	got, err := repo.GetWaitlistEntryByID(context.Background(), flexible.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistNotified, got.Status)

	got, err = repo.GetWaitlistEntryByID(context.Background(), evenings.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistWaiting, got.Status)
}

func TestCancelMatchesPreferencesInProviderLocalTime(t *testing.T) {
	svc, repo := newTestService(t)

	provider := testProvider()
	provider.Timezone = "America/New_York"
	patient := &Patient{ID: uuid.New(), Name: "Pat"}
	repo.PutProvider(*provider)
	repo.PutPatient(*patient)

	// Monday 22:00 in New York, stored as the UTC instant Tuesday 03:00.
	// Both the weekday and the band only match on the provider's clock.
	monday := futureMonday(t)
	start := monday.AddDate(0, 0, 1).Add(3 * time.Hour)

	entry := seedWaiting(repo, provider.ID, PriorityHigh, time.Now())
	entry.PreferredWeekdays = []time.Weekday{time.Monday}
	entry.PreferredTimeBand = BandEvening
	repo.PutWaitlistEntry(entry)

	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, svc.CancelAppointment(context.Background(), appt.ID))

	got, err := repo.GetWaitlistEntryByID(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistNotified, got.Status)
}

func TestCancelTwiceDoesNotNotifyTwice(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)
	base := time.Now()

	seedWaiting(repo, provider.ID, PriorityHigh, base)
	seedWaiting(repo, provider.ID, PriorityHigh, base.Add(time.Second))

	start := monday.Add(10 * time.Hour)
	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)

	require.NoError(t, svc.CancelAppointment(context.Background(), appt.ID))
	require.ErrorIs(t, svc.CancelAppointment(context.Background(), appt.ID), ErrAlreadyCancelled)

	notified := 0
	for _, e := range mustWaitlistAll(t, repo, provider.ID) {
		if e.Status == WaitlistNotified {
			notified++
		}
	}
	require.Equal(t, 1, notified, "second cancel must not produce a second offer")
}

func TestCancelTerminalStatusesReportWhich(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	start := monday.Add(10 * time.Hour)
	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)

	_, err = repo.UpdateAppointmentStatus(context.Background(), appt.ID, StatusScheduled, StatusCompleted)
	require.NoError(t, err)

	err = svc.CancelAppointment(context.Background(), appt.ID)
	require.ErrorIs(t, err, ErrAlreadyCancelled)
	require.ErrorContains(t, err, "completed")
}

func TestCancelNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	require.ErrorIs(t, svc.CancelAppointment(context.Background(), uuid.New()), ErrAppointmentNotFound)
}

func TestAddToWaitlist(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)

	entry, err := svc.AddToWaitlist(context.Background(), provider.ID, patient.ID, PriorityMedium,
		[]time.Weekday{time.Monday}, BandMorning)
	require.NoError(t, err)
	require.Equal(t, WaitlistWaiting, entry.Status)
	require.Equal(t, PriorityMedium, entry.Priority)
	require.Nil(t, entry.NotifiedAt)

	_, err = svc.AddToWaitlist(context.Background(), provider.ID, patient.ID, Priority("asap"), nil, BandAny)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.AddToWaitlist(context.Background(), provider.ID, patient.ID, PriorityLow, nil, TimeBand("dawn"))
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestWaitlistSlotFilteringAndExplicitRelaxation(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	entry, err := svc.AddToWaitlist(context.Background(), provider.ID, patient.ID, PriorityMedium,
		[]time.Weekday{time.Monday}, BandMorning)
	require.NoError(t, err)

	matched, err := svc.GetMatchingSlotsForWaitlistEntry(context.Background(), entry.ID, monday, monday.AddDate(0, 0, 6), 30*time.Minute)
	require.NoError(t, err)
	// Monday mornings only: 09:00 through 11:30.
	require.Len(t, matched, 6)
	for _, s := range matched {
		require.Equal(t, time.Monday, s.Start.Weekday())
		require.Less(t, s.Start.Hour(), 12)
	}

	all, err := svc.GetAllSlotsIgnoringPreferences(context.Background(), entry.ID, monday, monday.AddDate(0, 0, 6), 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, all, 80)
}

func TestAssignWaitlistEntryToSlot(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	entry, err := svc.AddToWaitlist(context.Background(), provider.ID, patient.ID, PriorityHigh, nil, BandAny)
	require.NoError(t, err)

	start := monday.Add(14 * time.Hour)
	appt, err := svc.AssignWaitlistEntryToSlot(context.Background(), entry.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, appt.Status)
	require.Equal(t, entry.PatientID, appt.PatientID)

	got, err := repo.GetWaitlistEntryByID(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistBooked, got.Status)

	// Terminal entries cannot be assigned again.
	_, err = svc.AssignWaitlistEntryToSlot(context.Background(), entry.ID, start.Add(time.Hour), start.Add(90*time.Minute))
	require.ErrorIs(t, err, ErrEntryNotWaiting)
}

func TestAssignNotifiedEntry(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)
	base := time.Now()

	entry := seedWaiting(repo, provider.ID, PriorityUrgent, base)

	// Cancel frees a slot and notifies the entry.
	start := monday.Add(10 * time.Hour)
	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, svc.CancelAppointment(context.Background(), appt.ID))

	notified, err := repo.GetWaitlistEntryByID(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistNotified, notified.Status)

	// The offer does not auto-book; assignment is an explicit call, and the
	// freed interval is open again for it.
	booked, err := svc.AssignWaitlistEntryToSlot(context.Background(), entry.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, booked.Status)

	final, err := repo.GetWaitlistEntryByID(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistBooked, final.Status)
}

func TestAssignConflictLeavesEntryWaiting(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	entry, err := svc.AddToWaitlist(context.Background(), provider.ID, patient.ID, PriorityHigh, nil, BandAny)
	require.NoError(t, err)

	start := monday.Add(10 * time.Hour)
	_, err = svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)

	_, err = svc.AssignWaitlistEntryToSlot(context.Background(), entry.ID, start, start.Add(30*time.Minute))
	require.ErrorIs(t, err, ErrSlotConflict)

	got, err := repo.GetWaitlistEntryByID(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistWaiting, got.Status)
}

func TestSetWaitlistPriority(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)

	entry, err := svc.AddToWaitlist(context.Background(), provider.ID, patient.ID, PriorityLow, nil, BandAny)
	require.NoError(t, err)

	updated, err := svc.SetWaitlistPriority(context.Background(), entry.ID, PriorityUrgent)
	require.NoError(t, err)
	require.Equal(t, PriorityUrgent, updated.Priority)

	_, err = svc.SetWaitlistPriority(context.Background(), entry.ID, Priority("whenever"))
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.SetWaitlistPriority(context.Background(), uuid.New(), PriorityHigh)
	require.ErrorIs(t, err, ErrEntryNotFound)

	// Terminal entries are immutable.
	booked := *entry
	booked.ID = uuid.New()
	booked.Status = WaitlistBooked
	repo.PutWaitlistEntry(booked)
	_, err = svc.SetWaitlistPriority(context.Background(), booked.ID, PriorityHigh)
	require.ErrorIs(t, err, ErrEntryNotWaiting)
}

func TestExpireLapsedOffers(t *testing.T) {
	svc, repo := newTestService(t)
	provider, _ := seedProviderAndPatient(t, repo)

	stale := time.Now().Add(-2 * time.Hour)
	fresh := time.Now().Add(-5 * time.Minute)

	lapsed := WaitlistEntry{
		ID: uuid.New(), ProviderID: provider.ID, PatientID: uuid.New(),
		Priority: PriorityHigh, Status: WaitlistNotified,
		CreatedAt: stale.Add(-time.Hour), NotifiedAt: &stale,
	}
	current := WaitlistEntry{
		ID: uuid.New(), ProviderID: provider.ID, PatientID: uuid.New(),
		Priority: PriorityHigh, Status: WaitlistNotified,
		CreatedAt: fresh.Add(-time.Hour), NotifiedAt: &fresh,
	}
	repo.PutWaitlistEntry(lapsed)
	repo.PutWaitlistEntry(current)

	expired, err := svc.ExpireLapsedOffers(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	got, err := repo.GetWaitlistEntryByID(context.Background(), lapsed.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistExpired, got.Status)

	got, err = repo.GetWaitlistEntryByID(context.Background(), current.ID)
	require.NoError(t, err)
	require.Equal(t, WaitlistNotified, got.Status)

	// Idempotent on re-run.
	expired, err = svc.ExpireLapsedOffers(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, expired)
}

func TestBookingEventsRecorded(t *testing.T) {
	svc, repo := newTestService(t)
	provider, patient := seedProviderAndPatient(t, repo)
	monday := futureMonday(t)

	start := monday.Add(10 * time.Hour)
	appt, err := svc.BookSlot(context.Background(), provider.ID, patient.ID, start, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, svc.CancelAppointment(context.Background(), appt.ID))

	var types []string
	for _, ev := range repo.Events() {
		types = append(types, ev.EventType)
	}
	require.Contains(t, types, EventSlotBooked)
	require.Contains(t, types, EventAppointmentCancelled)
}

func mustWaitlistAll(t *testing.T, repo *MemoryRepository, providerID uuid.UUID) []WaitlistEntry {
	t.Helper()

	// FindWaitingEntries filters to waiting; walk the store via the lapse
	// query plus waiting query to see every non-terminal status.
	waiting, err := repo.FindWaitingEntries(context.Background(), providerID)
	require.NoError(t, err)

	notified, err := repo.FindLapsedNotified(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	return append(waiting, notified...)
}
