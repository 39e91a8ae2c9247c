package api

import (
	"time"

	"github.com/google/uuid"
)

type BookSlotRequest struct {
	ProviderID string    `json:"provider_id"`
	PatientID  string    `json:"patient_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type AddToWaitlistRequest struct {
	ProviderID        string `json:"provider_id"`
	PatientID         string `json:"patient_id"`
	Priority          string `json:"priority"`
	PreferredWeekdays []int  `json:"preferred_weekdays,omitempty"`
	PreferredTimeBand string `json:"preferred_time_band,omitempty"`
}

type AssignSlotRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type SetPriorityRequest struct {
	Priority string `json:"priority"`
}

type SlotResponse struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type SlotListResponse struct {
	Slots []SlotResponse `json:"slots"`
	Count int            `json:"count"`
}

type AppointmentResponse struct {
	ID         uuid.UUID `json:"id"`
	ProviderID uuid.UUID `json:"provider_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Status     string    `json:"status"`
}

type WaitlistEntryResponse struct {
	ID                uuid.UUID  `json:"id"`
	ProviderID        uuid.UUID  `json:"provider_id"`
	PatientID         uuid.UUID  `json:"patient_id"`
	Priority          string     `json:"priority"`
	Status            string     `json:"status"`
	PreferredWeekdays []int      `json:"preferred_weekdays,omitempty"`
	PreferredTimeBand string     `json:"preferred_time_band,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	NotifiedAt        *time.Time `json:"notified_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
