package scheduling

// Matches reports whether a candidate slot satisfies a waitlist entry's
// preferences. An absent weekday set or an empty/"any" time band matches
// everything. The band is decided by the slot's start hour in the slot's
// own (provider-local) zone: morning <12, afternoon 12-16, evening >=17.
func Matches(slot CandidateSlot, entry *WaitlistEntry) bool {
	if len(entry.PreferredWeekdays) > 0 {
		found := false
		for _, wd := range entry.PreferredWeekdays {
			if slot.Start.Weekday() == wd {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	switch entry.PreferredTimeBand {
	case "", BandAny:
		return true
	case BandMorning:
		return slot.Start.Hour() < 12
	case BandAfternoon:
		h := slot.Start.Hour()
		return h >= 12 && h < 17
	case BandEvening:
		return slot.Start.Hour() >= 17
	default:
		return false
	}
}

// FilterSlots keeps the candidates matching the entry's preferences,
// preserving order. Callers wanting the unfiltered list must ask for it
// explicitly; there is no silent fallback here.
func FilterSlots(slots []CandidateSlot, entry *WaitlistEntry) []CandidateSlot {
	var out []CandidateSlot
	for _, s := range slots {
		if Matches(s, entry) {
			out = append(out, s)
		}
	}
	return out
}
