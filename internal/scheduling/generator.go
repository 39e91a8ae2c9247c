package scheduling

import "time"

// GenerateParams is the full input of a slot generation pass. Slots are a
// pure function of these values plus the Booked snapshot, so a caller can
// regenerate after a conflict by re-reading the ledger and calling again.
type GenerateParams struct {
	Provider    *Provider
	From        time.Time // first day of the range, provider-local
	To          time.Time // last day of the range, inclusive
	Granularity time.Duration
	Duration    time.Duration
	Booked      []Appointment // scheduled appointments overlapping the range
	Now         time.Time
}

// GenerateSlots expands the provider's weekly availability over the date
// range into candidate slots, ordered by start time.
//
// For each open day it walks from the interval start in Granularity steps
// and emits a [t, t+Duration) slot for every step where the whole duration
// still fits before the interval end; any trailing remainder is dropped.
// Slots starting before Now and slots overlapping a scheduled appointment
// are suppressed.
func GenerateSlots(p GenerateParams) []CandidateSlot {
	if p.Provider == nil || p.Granularity <= 0 || p.Duration <= 0 {
		return nil
	}

	loc := p.Provider.Location()
	now := p.Now.In(loc)

	day := startOfDay(p.From.In(loc))
	last := startOfDay(p.To.In(loc))

	var out []CandidateSlot
	for !day.After(last) {
		out = append(out, slotsForDay(p, day, now)...)
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func slotsForDay(p GenerateParams, day, now time.Time) []CandidateSlot {
	iv, ok := p.Provider.Availability[day.Weekday()]
	if !ok || !iv.IsOpen {
		return nil
	}

	// Anchor the interval bounds as wall-clock minutes, not offsets from
	// midnight; the two disagree on DST transition days.
	open := time.Date(day.Year(), day.Month(), day.Day(), 0, iv.StartMinute, 0, 0, day.Location())
	until := time.Date(day.Year(), day.Month(), day.Day(), 0, iv.EndMinute, 0, 0, day.Location())

	var out []CandidateSlot
	for t := open; !t.Add(p.Duration).After(until); t = t.Add(p.Granularity) {
		if t.Before(now) {
			continue
		}
		slot := CandidateSlot{
			ProviderID: p.Provider.ID,
			Start:      t,
			End:        t.Add(p.Duration),
		}
		if overlapsAny(slot, p.Booked) {
			continue
		}
		out = append(out, slot)
	}
	return out
}

func overlapsAny(slot CandidateSlot, booked []Appointment) bool {
	for _, a := range booked {
		if a.Status != StatusScheduled {
			continue
		}
		if slot.Overlaps(a.Start, a.End) {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
