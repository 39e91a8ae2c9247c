package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/telacare/scheduling/internal/config"
	"github.com/telacare/scheduling/internal/db"
	redisclient "github.com/telacare/scheduling/internal/redis"
	"github.com/telacare/scheduling/internal/scheduling"
)

// The offer worker owns the lapse policy for notified waitlist offers: the
// core only records notified_at, and this worker decides (via OFFER_TTL)
// when an unanswered offer expires.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("offer-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running offer worker in env=%s interval=%s offer_ttl=%s", cfg.Env, cfg.WorkerInterval, cfg.OfferTTL)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.Connect(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	rdb, err := redisclient.NewClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	repo := scheduling.NewPgRepository(pgPool)
	locker := redisclient.NewRedisProviderLocker(rdb, cfg.LockTTL)
	svc := scheduling.NewService(repo, locker, cfg)

	// Run once at startup
	runOnce(rootCtx, svc, cfg.OfferTTL)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping offer worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg.OfferTTL)
		}
	}
}

func runOnce(ctx context.Context, svc *scheduling.Service, ttl time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := svc.ExpireLapsedOffers(runCtx, ttl)
	if err != nil {
		log.Printf("offer sweep error: %v", err)
		return
	}
	log.Printf("offer sweep complete in %s, expired=%d", time.Since(start), expired)
}
