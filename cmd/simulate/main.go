package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telacare/scheduling/internal/db"
)

// simulate drives a booking storm against one provider through the HTTP
// API: many workers fetch the open slots, race to book them, and a few
// cancel what they booked so the waitlist notification path runs too. At
// the end it queries the ledger for overlapping scheduled rows, which must
// come back empty.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	CancelRatio float64
	PostgresDSN string
	ProviderID  uuid.UUID
}

func loadSimConfig() (SimConfig, error) {
	cfg := SimConfig{
		APIBaseURL:  envOr("SIM_API_URL", "http://127.0.0.1:8080"),
		Duration:    30 * time.Second,
		Workers:     16,
		CancelRatio: 0.2,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}

	if v := os.Getenv("SIM_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid SIM_DURATION: %w", err)
		}
		cfg.Duration = d
	}
	if v := os.Getenv("SIM_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid SIM_WORKERS: %q", v)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("SIM_CANCEL_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return cfg, fmt.Errorf("invalid SIM_CANCEL_RATIO: %q", v)
		}
		cfg.CancelRatio = f
	}
	if cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("POSTGRES_DSN is required")
	}

	raw := os.Getenv("SIM_PROVIDER_ID")
	if raw == "" {
		return cfg, fmt.Errorf("SIM_PROVIDER_ID is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return cfg, fmt.Errorf("invalid SIM_PROVIDER_ID: %w", err)
	}
	cfg.ProviderID = id

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Report(name string) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		log.Printf("%s: no operations recorded", name)
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	p := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	log.Printf("%s: total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s max=%s",
		name,
		atomic.LoadInt64(&om.Total),
		atomic.LoadInt64(&om.Success),
		atomic.LoadInt64(&om.Conflict),
		atomic.LoadInt64(&om.Error),
		sum/time.Duration(len(latencies)),
		p(50), p(95),
		latencies[len(latencies)-1],
	)
}

type slotPayload struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type slotListPayload struct {
	Slots []slotPayload `json:"slots"`
}

type appointmentPayload struct {
	ID string `json:"id"`
}

type simulator struct {
	cfg      SimConfig
	client   *http.Client
	patients []uuid.UUID

	mu      sync.Mutex
	created []string

	bookings OperationMetrics
	cancels  OperationMetrics
	listings OperationMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulate starting")

	cfg, err := loadSimConfig()
	if err != nil {
		log.Fatalf("sim config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration+time.Minute)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	patients, err := loadPatients(ctx, pool, 200)
	if err != nil {
		log.Fatalf("load patients: %v", err)
	}
	log.Printf("loaded %d patients, provider=%s workers=%d duration=%s",
		len(patients), cfg.ProviderID, cfg.Workers, cfg.Duration)

	sim := &simulator{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		patients: patients,
	}

	deadline := time.Now().Add(cfg.Duration)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for time.Now().Before(deadline) && ctx.Err() == nil {
				sim.step(ctx, rng)
			}
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()

	sim.listings.Report("list-slots")
	sim.bookings.Report("book")
	sim.cancels.Report("cancel")

	if err := verifyNoOverlaps(ctx, pool, cfg.ProviderID); err != nil {
		log.Fatalf("VERIFICATION FAILED: %v", err)
	}
	log.Println("verification passed: no overlapping scheduled appointments")
}

func (s *simulator) step(ctx context.Context, rng *rand.Rand) {
	if rng.Float64() < s.cfg.CancelRatio {
		if id, ok := s.takeCreated(rng); ok {
			s.cancelAppointment(ctx, id)
			return
		}
	}
	s.bookRandomSlot(ctx, rng)
}

func (s *simulator) bookRandomSlot(ctx context.Context, rng *rand.Rand) {
	slots, ok := s.listSlots(ctx)
	if !ok || len(slots) == 0 {
		return
	}

	// Many workers picking from the head of the same list maximizes
	// contention, which is the point of the exercise.
	pick := slots[rng.Intn(min(len(slots), 5))]
	patient := s.patients[rng.Intn(len(s.patients))]

	body, _ := json.Marshal(map[string]any{
		"provider_id": s.cfg.ProviderID.String(),
		"patient_id":  patient.String(),
		"start":       pick.Start,
		"end":         pick.End,
	})

	start := time.Now()
	resp, err := s.client.Post(s.cfg.APIBaseURL+"/appointments", "application/json", bytes.NewReader(body))
	latency := time.Since(start)
	if err != nil {
		s.bookings.Record(latency, false, false)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var appt appointmentPayload
		if err := json.NewDecoder(resp.Body).Decode(&appt); err == nil && appt.ID != "" {
			s.addCreated(appt.ID)
		}
		s.bookings.Record(latency, true, false)
	case http.StatusConflict:
		s.bookings.Record(latency, false, true)
	default:
		s.bookings.Record(latency, false, false)
	}
}

func (s *simulator) cancelAppointment(ctx context.Context, id string) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBaseURL+"/appointments/"+id+"/cancel", nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.cancels.Record(latency, false, false)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		s.cancels.Record(latency, true, false)
	case http.StatusConflict:
		s.cancels.Record(latency, false, true)
	default:
		s.cancels.Record(latency, false, false)
	}
}

func (s *simulator) listSlots(ctx context.Context) ([]slotPayload, bool) {
	from := time.Now().Format("2006-01-02")
	to := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	url := fmt.Sprintf("%s/providers/%s/slots?from=%s&to=%s", s.cfg.APIBaseURL, s.cfg.ProviderID, from, to)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.listings.Record(latency, false, false)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.listings.Record(latency, false, false)
		return nil, false
	}

	var list slotListPayload
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		s.listings.Record(latency, false, false)
		return nil, false
	}

	s.listings.Record(latency, true, false)
	return list.Slots, true
}

func (s *simulator) addCreated(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, id)
}

func (s *simulator) takeCreated(rng *rand.Rand) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.created) == 0 {
		return "", false
	}
	idx := rng.Intn(len(s.created))
	id := s.created[idx]
	s.created = append(s.created[:idx], s.created[idx+1:]...)
	return id, true
}

func loadPatients(ctx context.Context, pool *pgxpool.Pool, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no patients found, run cmd/seed first")
	}
	return ids, nil
}

// verifyNoOverlaps is the ground truth check: after the storm, no two
// scheduled appointments for the provider may overlap.
func verifyNoOverlaps(ctx context.Context, pool *pgxpool.Pool, providerID uuid.UUID) error {
	row := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.provider_id = b.provider_id
		 AND a.id < b.id
		 AND a.start_time < b.end_time
		 AND b.start_time < a.end_time
		WHERE a.provider_id = $1
		  AND a.status = 'scheduled'
		  AND b.status = 'scheduled'
	`, providerID)

	var overlaps int
	if err := row.Scan(&overlaps); err != nil {
		return err
	}
	if overlaps > 0 {
		return fmt.Errorf("found %d overlapping scheduled appointment pairs", overlaps)
	}
	return nil
}
