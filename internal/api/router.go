package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/telacare/scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service *scheduling.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Availability
	r.Get("/providers/{providerID}/slots", getAvailableSlotsHandler(cfg.Service))

	// Booking
	r.Post("/appointments", bookSlotHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))

	// Waitlist
	r.Post("/waitlist", addToWaitlistHandler(cfg.Service))
	r.Get("/waitlist/{id}", getWaitlistEntryHandler(cfg.Service))
	r.Get("/waitlist/{id}/slots", waitlistSlotsHandler(cfg.Service))
	r.Post("/waitlist/{id}/assign", assignWaitlistEntryHandler(cfg.Service))
	r.Put("/waitlist/{id}/priority", setWaitlistPriorityHandler(cfg.Service))

	return r
}
