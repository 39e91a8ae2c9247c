package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the repository needs. pgxmock satisfies
// it too, which is how the repository is tested without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.PatientID,
		&a.Start,
		&a.End,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanWaitlistEntry(row pgx.Row) (*WaitlistEntry, error) {
	var e WaitlistEntry
	var weekdays []int32
	var band *string
	var notifiedAt *time.Time

	err := row.Scan(
		&e.ID,
		&e.ProviderID,
		&e.PatientID,
		&e.Priority,
		&e.Status,
		&weekdays,
		&band,
		&e.CreatedAt,
		&e.UpdatedAt,
		&notifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	for _, wd := range weekdays {
		e.PreferredWeekdays = append(e.PreferredWeekdays, time.Weekday(wd))
	}
	if band != nil {
		e.PreferredTimeBand = TimeBand(*band)
	}
	e.NotifiedAt = notifiedAt
	return &e, nil
}

// Interface methods

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, timezone, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)

	var p Provider
	var specialty *string
	err := row.Scan(&p.ID, &p.Name, &specialty, &p.Timezone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	p.Specialty = specialty

	rows, err := r.db.Query(ctx, `
		SELECT weekday, start_minute, end_minute, is_open
		FROM provider_availability
		WHERE provider_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p.Availability = make(WeeklyAvailability)
	for rows.Next() {
		var weekday int32
		var iv OpenInterval
		if err := rows.Scan(&weekday, &iv.StartMinute, &iv.EndMinute, &iv.IsOpen); err != nil {
			return nil, err
		}
		p.Availability[time.Weekday(weekday)] = iv
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) FindScheduledAppointments(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, provider_id, patient_id, start_time, end_time, status, created_at, updated_at
		FROM appointments
		WHERE provider_id = $1
		  AND status = 'scheduled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, provider_id, patient_id, start_time, end_time, status, created_at, updated_at
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// InsertAppointmentIfFree inserts the appointment only when no scheduled
// row overlaps its half-open interval. The NOT EXISTS guard makes the write
// conditional at the storage layer, independent of the provider lock.
func (r *PgRepository) InsertAppointmentIfFree(ctx context.Context, appt Appointment) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, provider_id, patient_id, start_time, end_time, status, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, 'scheduled', now(), now()
		WHERE NOT EXISTS (
			SELECT 1 FROM appointments
			WHERE provider_id = $2
			  AND status = 'scheduled'
			  AND start_time < $5
			  AND end_time > $4
		)
		RETURNING id, provider_id, patient_id, start_time, end_time, status, created_at, updated_at
	`, appt.ID, appt.ProviderID, appt.PatientID, appt.Start, appt.End)

	created, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrOverlapExists
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING id, provider_id, patient_id, start_time, end_time, status, created_at, updated_at
	`, id, to, from)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Decide whether the row is missing or just in another status.
			if _, getErr := r.GetAppointmentByID(ctx, id); getErr == nil {
				return nil, ErrStatusMismatch
			}
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) InsertWaitlistEntry(ctx context.Context, entry WaitlistEntry) (*WaitlistEntry, error) {
	weekdays := make([]int32, 0, len(entry.PreferredWeekdays))
	for _, wd := range entry.PreferredWeekdays {
		weekdays = append(weekdays, int32(wd))
	}

	var band *string
	if entry.PreferredTimeBand != "" {
		b := string(entry.PreferredTimeBand)
		band = &b
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO waitlist_entries (id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'waiting', $5, $6, now(), now())
		RETURNING id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at, notified_at
	`, entry.ID, entry.ProviderID, entry.PatientID, entry.Priority, weekdays, band)

	return scanWaitlistEntry(row)
}

func (r *PgRepository) GetWaitlistEntryByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at, notified_at
		FROM waitlist_entries
		WHERE id = $1
	`, id)
	return scanWaitlistEntry(row)
}

func (r *PgRepository) FindWaitingEntries(ctx context.Context, providerID uuid.UUID) ([]WaitlistEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at, notified_at
		FROM waitlist_entries
		WHERE provider_id = $1
		  AND status = 'waiting'
		ORDER BY created_at
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus, notifiedAt *time.Time) (*WaitlistEntry, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET status = $2,
		    notified_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		RETURNING id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at, notified_at
	`, id, to, notifiedAt, from)

	updated, err := scanWaitlistEntry(row)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			if _, getErr := r.GetWaitlistEntryByID(ctx, id); getErr == nil {
				return nil, ErrStatusMismatch
			}
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) UpdateWaitlistPriority(ctx context.Context, id uuid.UUID, priority Priority) (*WaitlistEntry, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET priority = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at, notified_at
	`, id, priority)

	return scanWaitlistEntry(row)
}

func (r *PgRepository) FindLapsedNotified(ctx context.Context, olderThan time.Time) ([]WaitlistEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at, notified_at
		FROM waitlist_entries
		WHERE status = 'notified'
		  AND notified_at IS NOT NULL
		  AND notified_at < $1
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, entry_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.EntryID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
