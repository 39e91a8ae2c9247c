package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telacare/scheduling/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	providerIDs, err := seedProviders(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	patientIDs, err := seedPatients(context.Background(), pool, 5000)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedWaitlist(context.Background(), pool, providerIDs, patientIDs, 400); err != nil {
		log.Fatalf("seed waitlist: %v", err)
	}

	log.Println("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d providers", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	timezones := []string{
		"America/New_York",
		"America/Chicago",
		"America/Denver",
		"America/Los_Angeles",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, timezone, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, name, spec, tz)
		if err != nil {
			return nil, err
		}

		// Weekday clinic hours; roughly a third of providers also take
		// Saturday mornings.
		openSat := gofakeit.Number(0, 2) == 0
		for wd := time.Monday; wd <= time.Friday; wd++ {
			startMin := 8*60 + gofakeit.Number(0, 2)*30
			endMin := 16*60 + gofakeit.Number(0, 4)*30
			_, err := tx.Exec(ctx, `
				INSERT INTO provider_availability (provider_id, weekday, start_minute, end_minute, is_open)
				VALUES ($1, $2, $3, $4, true)
			`, id, int(wd), startMin, endMin)
			if err != nil {
				return nil, err
			}
		}
		if openSat {
			_, err := tx.Exec(ctx, `
				INSERT INTO provider_availability (provider_id, weekday, start_minute, end_minute, is_open)
				VALUES ($1, $2, $3, $4, true)
			`, id, int(time.Saturday), 9*60, 13*60)
			if err != nil {
				return nil, err
			}
		}

		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("providers seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return ids, nil
}

func seedWaitlist(ctx context.Context, pool *pgxpool.Pool, providers, patients []uuid.UUID, count int) error {
	log.Printf("seeding %d waitlist entries", count)

	priorities := []string{"low", "medium", "high", "urgent"}
	bands := []string{"", "any", "morning", "afternoon", "evening"}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		providerID := providers[gofakeit.Number(0, len(providers)-1)]
		patientID := patients[gofakeit.Number(0, len(patients)-1)]
		priority := priorities[gofakeit.Number(0, len(priorities)-1)]
		band := bands[gofakeit.Number(0, len(bands)-1)]

		var weekdays []int32
		if gofakeit.Bool() {
			for wd := 1; wd <= 5; wd++ {
				if gofakeit.Bool() {
					weekdays = append(weekdays, int32(wd))
				}
			}
		}

		var bandArg *string
		if band != "" {
			bandArg = &band
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO waitlist_entries (id, provider_id, patient_id, priority, status, preferred_weekdays, preferred_time_band, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'waiting', $5, $6, now(), now())
		`, uuid.New(), providerID, patientID, priority, weekdays, bandArg)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("waitlist entries seeded")
	return nil
}
