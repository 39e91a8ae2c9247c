package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	redisclient "github.com/telacare/scheduling/internal/redis"
	"github.com/telacare/scheduling/internal/scheduling"
)

const dateLayout = "2006-01-02"

func getAvailableSlotsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "providerID must be a valid UUID")
			return
		}

		from, to, duration, ok := parseSlotQuery(w, r)
		if !ok {
			return
		}

		slots, err := svc.GetAvailableSlots(r.Context(), providerID, from, to, duration)
		if err != nil {
			handleSlotsError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotList(slots))
	}
}

func bookSlotHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		appt, err := svc.BookSlot(r.Context(), providerID, patientID, req.Start, req.End)
		if err != nil {
			handleAssignError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointment(appt))
	}
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			if errors.Is(err, scheduling.ErrAppointmentNotFound) {
				writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, toAppointment(appt))
	}
}

func cancelAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if err := svc.CancelAppointment(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, scheduling.ErrAppointmentNotFound):
				writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
			case errors.Is(err, scheduling.ErrAlreadyCancelled):
				writeError(w, http.StatusConflict, "already_cancelled", err.Error())
			case errors.Is(err, scheduling.ErrProviderBusy), errors.Is(err, redisclient.ErrLockNotAcquired):
				writeError(w, http.StatusConflict, "provider_busy", "provider calendar is busy, please retry shortly")
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			}
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func addToWaitlistHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddToWaitlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		weekdays := make([]time.Weekday, 0, len(req.PreferredWeekdays))
		for _, wd := range req.PreferredWeekdays {
			if wd < 0 || wd > 6 {
				writeError(w, http.StatusBadRequest, "invalid_weekday", "preferred_weekdays values must be 0 (Sunday) through 6 (Saturday)")
				return
			}
			weekdays = append(weekdays, time.Weekday(wd))
		}

		entry, err := svc.AddToWaitlist(r.Context(), providerID, patientID,
			scheduling.Priority(req.Priority), weekdays, scheduling.TimeBand(req.PreferredTimeBand))
		if err != nil {
			switch {
			case errors.Is(err, scheduling.ErrProviderNotFound):
				writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
			case errors.Is(err, scheduling.ErrPatientNotFound):
				writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
			case errors.Is(err, scheduling.ErrInvalidRange):
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			}
			return
		}

		writeJSON(w, http.StatusCreated, toWaitlistEntry(entry))
	}
}

func getWaitlistEntryHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		entry, err := svc.GetWaitlistEntry(r.Context(), id)
		if err != nil {
			if errors.Is(err, scheduling.ErrEntryNotFound) {
				writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, toWaitlistEntry(entry))
	}
}

func waitlistSlotsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		from, to, duration, ok := parseSlotQuery(w, r)
		if !ok {
			return
		}

		var slots []scheduling.CandidateSlot
		if r.URL.Query().Get("ignore_preferences") == "true" {
			slots, err = svc.GetAllSlotsIgnoringPreferences(r.Context(), id, from, to, duration)
		} else {
			slots, err = svc.GetMatchingSlotsForWaitlistEntry(r.Context(), id, from, to, duration)
		}
		if err != nil {
			handleSlotsError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotList(slots))
	}
}

func assignWaitlistEntryHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		var req AssignSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.AssignWaitlistEntryToSlot(r.Context(), id, req.Start, req.End)
		if err != nil {
			handleAssignError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointment(appt))
	}
}

func setWaitlistPriorityHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		var req SetPriorityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		entry, err := svc.SetWaitlistPriority(r.Context(), id, scheduling.Priority(req.Priority))
		if err != nil {
			switch {
			case errors.Is(err, scheduling.ErrEntryNotFound):
				writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
			case errors.Is(err, scheduling.ErrEntryNotWaiting):
				writeError(w, http.StatusConflict, "entry_not_waiting", err.Error())
			case errors.Is(err, scheduling.ErrInvalidRange):
				writeError(w, http.StatusBadRequest, "invalid_priority", err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			}
			return
		}

		writeJSON(w, http.StatusOK, toWaitlistEntry(entry))
	}
}

// Shared error mapping for the booking paths. SlotConflict and ProviderBusy
// both map to 409 so callers can drive the same regenerate-and-retry loop.
func handleAssignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, scheduling.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, scheduling.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, scheduling.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
	case errors.Is(err, scheduling.ErrEntryNotWaiting):
		writeError(w, http.StatusConflict, "entry_not_waiting", err.Error())
	case errors.Is(err, scheduling.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, scheduling.ErrProviderBusy), errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "provider_busy", "provider calendar is busy, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleSlotsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, scheduling.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, scheduling.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseSlotQuery(w http.ResponseWriter, r *http.Request) (from, to time.Time, duration time.Duration, ok bool) {
	q := r.URL.Query()

	from, err := time.Parse(dateLayout, q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be a YYYY-MM-DD date")
		return time.Time{}, time.Time{}, 0, false
	}
	to, err = time.Parse(dateLayout, q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be a YYYY-MM-DD date")
		return time.Time{}, time.Time{}, 0, false
	}

	// duration_minutes is optional; 0 selects the configured default.
	if raw := q.Get("duration_minutes"); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil || mins <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration", "duration_minutes must be a positive integer")
			return time.Time{}, time.Time{}, 0, false
		}
		duration = time.Duration(mins) * time.Minute
	}

	return from, to, duration, true
}

func toSlotList(slots []scheduling.CandidateSlot) SlotListResponse {
	out := SlotListResponse{Slots: make([]SlotResponse, 0, len(slots))}
	for _, s := range slots {
		out.Slots = append(out.Slots, SlotResponse{
			ProviderID: s.ProviderID,
			Start:      s.Start,
			End:        s.End,
		})
	}
	out.Count = len(out.Slots)
	return out
}

func toAppointment(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:         a.ID,
		ProviderID: a.ProviderID,
		PatientID:  a.PatientID,
		Start:      a.Start,
		End:        a.End,
		Status:     string(a.Status),
	}
}

func toWaitlistEntry(e *scheduling.WaitlistEntry) WaitlistEntryResponse {
	weekdays := make([]int, 0, len(e.PreferredWeekdays))
	for _, wd := range e.PreferredWeekdays {
		weekdays = append(weekdays, int(wd))
	}
	return WaitlistEntryResponse{
		ID:                e.ID,
		ProviderID:        e.ProviderID,
		PatientID:         e.PatientID,
		Priority:          string(e.Priority),
		Status:            string(e.Status),
		PreferredWeekdays: weekdays,
		PreferredTimeBand: string(e.PreferredTimeBand),
		CreatedAt:         e.CreatedAt,
		NotifiedAt:        e.NotifiedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
