package scheduling

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// weekdayClinic is open Mon-Fri 09:00-17:00, closed weekends.
func weekdayClinic() WeeklyAvailability {
	av := make(WeeklyAvailability)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		av[wd] = OpenInterval{StartMinute: 9 * 60, EndMinute: 17 * 60, IsOpen: true}
	}
	return av
}

func testProvider() *Provider {
	return &Provider{
		ID:           uuid.New(),
		Name:         "Dr. Test",
		Timezone:     "UTC",
		Availability: weekdayClinic(),
	}
}

// futureMonday returns a Monday comfortably in the future so "now"
// filtering never interferes unless a test wants it to.
func futureMonday(t *testing.T) time.Time {
	t.Helper()
	day := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for day.Weekday() != time.Monday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func TestGenerateFullWeek(t *testing.T) {
	provider := testProvider()
	monday := futureMonday(t)

	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        monday,
		To:          monday.AddDate(0, 0, 6), // Mon through Sun
		Granularity: 30 * time.Minute,
		Duration:    30 * time.Minute,
		Now:         monday.Add(-24 * time.Hour),
	})

	// 16 slots/day over 5 open days.
	require.Len(t, slots, 80)

	perDay := make(map[time.Weekday]int)
	for _, s := range slots {
		require.Equal(t, 30*time.Minute, s.End.Sub(s.Start))
		require.Equal(t, provider.ID, s.ProviderID)
		perDay[s.Start.Weekday()]++
	}
	require.Zero(t, perDay[time.Saturday])
	require.Zero(t, perDay[time.Sunday])
	for wd := time.Monday; wd <= time.Friday; wd++ {
		require.Equal(t, 16, perDay[wd], "weekday %s", wd)
	}

	// Ordered by start time.
	for i := 1; i < len(slots); i++ {
		require.True(t, slots[i-1].Start.Before(slots[i].Start))
	}
}

func TestGenerateExcludesBookedSlot(t *testing.T) {
	provider := testProvider()
	monday := futureMonday(t)

	booked := []Appointment{{
		ID:         uuid.New(),
		ProviderID: provider.ID,
		Start:      monday.Add(10 * time.Hour),
		End:        monday.Add(10*time.Hour + 30*time.Minute),
		Status:     StatusScheduled,
	}}

	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        monday,
		To:          monday,
		Granularity: 30 * time.Minute,
		Duration:    30 * time.Minute,
		Booked:      booked,
		Now:         monday.Add(-24 * time.Hour),
	})

	require.Len(t, slots, 15)

	starts := make(map[time.Time]bool)
	for _, s := range slots {
		starts[s.Start] = true
	}
	require.False(t, starts[monday.Add(10*time.Hour)], "10:00 should be excluded")
	require.True(t, starts[monday.Add(9*time.Hour+30*time.Minute)], "09:30 should remain")
	require.True(t, starts[monday.Add(10*time.Hour+30*time.Minute)], "10:30 should remain")
}

func TestGenerateIgnoresNonScheduled(t *testing.T) {
	provider := testProvider()
	monday := futureMonday(t)

	booked := []Appointment{{
		ProviderID: provider.ID,
		Start:      monday.Add(10 * time.Hour),
		End:        monday.Add(10*time.Hour + 30*time.Minute),
		Status:     StatusCancelled,
	}}

	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        monday,
		To:          monday,
		Granularity: 30 * time.Minute,
		Duration:    30 * time.Minute,
		Booked:      booked,
		Now:         monday.Add(-24 * time.Hour),
	})

	// A cancelled appointment frees its interval.
	require.Len(t, slots, 16)
}

func TestGenerateDropsTrailingRemainder(t *testing.T) {
	provider := &Provider{
		ID:       uuid.New(),
		Timezone: "UTC",
		Availability: WeeklyAvailability{
			time.Monday: {StartMinute: 9 * 60, EndMinute: 10*60 + 45, IsOpen: true},
		},
	}
	monday := futureMonday(t)

	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        monday,
		To:          monday,
		Granularity: 30 * time.Minute,
		Duration:    30 * time.Minute,
		Now:         monday.Add(-24 * time.Hour),
	})

	// 09:00, 09:30, 10:00. The 10:30 step would run past 10:45.
	require.Len(t, slots, 3)
	require.Equal(t, monday.Add(10*time.Hour), slots[2].Start)
}

func TestGenerateDurationLongerThanWindow(t *testing.T) {
	provider := testProvider()
	monday := futureMonday(t)

	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        monday,
		To:          monday,
		Granularity: 30 * time.Minute,
		Duration:    9 * time.Hour,
		Now:         monday.Add(-24 * time.Hour),
	})

	require.Empty(t, slots)
}

func TestGenerateKeepsWallClockAcrossDSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	provider := &Provider{
		ID:       uuid.New(),
		Timezone: "America/New_York",
		Availability: WeeklyAvailability{
			time.Sunday: {StartMinute: 9 * 60, EndMinute: 13 * 60, IsOpen: true},
		},
	}

	// Spring-forward Sunday: the 02:00-03:00 hour does not exist, so nine
	// hours after midnight is 10:00 on the wall clock. Opening time must
	// still be 09:00.
	springForward := time.Date(2030, 3, 10, 0, 0, 0, 0, loc)

	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        springForward,
		To:          springForward,
		Granularity: 30 * time.Minute,
		Duration:    30 * time.Minute,
		Now:         springForward.AddDate(0, 0, -1),
	})

	require.NotEmpty(t, slots)
	require.Equal(t, 9, slots[0].Start.In(loc).Hour())
	require.Equal(t, 0, slots[0].Start.In(loc).Minute())
	require.Equal(t, 13, slots[len(slots)-1].End.In(loc).Hour())
}

func TestGenerateExcludesPastStarts(t *testing.T) {
	provider := testProvider()
	monday := futureMonday(t)

	// "Now" is 12:15 on the queried day.
	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        monday,
		To:          monday,
		Granularity: 30 * time.Minute,
		Duration:    30 * time.Minute,
		Now:         monday.Add(12*time.Hour + 15*time.Minute),
	})

	require.NotEmpty(t, slots)
	require.Equal(t, monday.Add(12*time.Hour+30*time.Minute), slots[0].Start)
	for _, s := range slots {
		require.False(t, s.Start.Before(monday.Add(12*time.Hour+15*time.Minute)))
	}
}

func TestGenerateDurationSpansGranularity(t *testing.T) {
	provider := testProvider()
	monday := futureMonday(t)

	// 60-minute appointments on a 30-minute grid: starts still step by 30,
	// and a booked hour knocks out every overlapping start.
	booked := []Appointment{{
		ProviderID: provider.ID,
		Start:      monday.Add(10 * time.Hour),
		End:        monday.Add(11 * time.Hour),
		Status:     StatusScheduled,
	}}

	slots := GenerateSlots(GenerateParams{
		Provider:    provider,
		From:        monday,
		To:          monday,
		Granularity: 30 * time.Minute,
		Duration:    time.Hour,
		Booked:      booked,
		Now:         monday.Add(-24 * time.Hour),
	})

	for _, s := range slots {
		require.Equal(t, time.Hour, s.End.Sub(s.Start))
		require.False(t, s.Overlaps(booked[0].Start, booked[0].End),
			"slot %s-%s overlaps the booked hour", s.Start, s.End)
	}
	// 09:30 would end at 10:30, inside the booked hour; 10:00 ends at 11:00
	// i.e. starts inside it. Both must be gone.
	for _, s := range slots {
		require.NotEqual(t, monday.Add(9*time.Hour+30*time.Minute), s.Start)
		require.NotEqual(t, monday.Add(10*time.Hour), s.Start)
	}
}

func TestSlotOverlapsBoundary(t *testing.T) {
	monday := futureMonday(t)

	first := CandidateSlot{
		Start: monday.Add(9 * time.Hour),
		End:   monday.Add(9*time.Hour + 30*time.Minute),
	}

	// Abutting intervals share an instant but not a minute of time.
	require.False(t, first.Overlaps(monday.Add(9*time.Hour+30*time.Minute), monday.Add(10*time.Hour)))
	require.True(t, first.Overlaps(monday.Add(9*time.Hour+15*time.Minute), monday.Add(9*time.Hour+45*time.Minute)))
	require.False(t, first.Overlaps(monday.Add(8*time.Hour), monday.Add(9*time.Hour)))
}
