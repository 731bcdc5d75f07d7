package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"fleetwatch-backend/internal/auth"
	"fleetwatch-backend/internal/authz"
	"fleetwatch-backend/internal/cache"
	"fleetwatch-backend/internal/config"
	"fleetwatch-backend/internal/handlers"
	"fleetwatch-backend/internal/hub"
	"fleetwatch-backend/internal/ingest"
	"fleetwatch-backend/internal/models"
	"fleetwatch-backend/internal/natsbus"
	"fleetwatch-backend/internal/queue"
	"fleetwatch-backend/internal/registry"
	"fleetwatch-backend/internal/services"
	"fleetwatch-backend/internal/storage"
	"fleetwatch-backend/internal/workers"
)

func main() {
	cfg := config.FromEnv()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// Database connection (with retries)
	var db *sqlx.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sqlx.Connect("postgres", cfg.DSN())
		if err == nil {
			break
		}
		log.Printf("DB connection attempt %d failed: %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("INFO Connected to database")

	store := storage.NewStorage(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	// Redis: liveness TTL keys, presence expiry events, command queues.
	redisClient, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// NATS event mirror is optional; skipped when NATS_URL is unset.
	var mirror ingest.Mirror
	if cfg.NATSURL != "" {
		natsClient, err := natsbus.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()
		mirror = natsClient
	} else {
		log.Println("INFO NATS_URL not set; event mirror disabled")
	}

	// Core wiring. The registry publishes presence transitions through the
	// hub, and the hub resolves ownership through the registry.
	reg := registry.New(store, store, redisClient, nil, cfg.LivenessWindow)
	eventHub := hub.New(reg)
	reg.SetPublisher(eventHub)

	cmdQueue := queue.NewRedis(redisClient.RDB(), cfg.CommandQueueDepth)
	router := ingest.NewRouter(store, reg, eventHub, mirror, services.NewTelegramClient(), cfg.Watchlist)
	guard := authz.New(reg)

	session, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to init session service: %v", err)
	}
	authHandler := auth.NewHandler(store, session)

	if err := seedAdmin(ctx, store, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Fatalf("Failed to seed admin account: %v", err)
	}

	// Presence: key-expiry events flip agents offline; the periodic sweep
	// covers Redis setups without keyspace notifications.
	if !workers.StartExpiryWorker(ctx, redisClient, reg) {
		log.Println("WARN Redis keyspace notifications are not active; fallback sweep will be used")
		workers.StartPresenceSweep(ctx, store, reg)
	}
	workers.StartRetentionWorker(ctx, store, cfg.RetentionDays)

	h := handlers.New(reg, cmdQueue, router, eventHub, guard, store, session, authHandler, redisClient)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	h.RegisterRoutes(r)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO Server starting on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

// seedAdmin provisions the initial admin account when configured and
// missing. Safe to run on every boot.
func seedAdmin(ctx context.Context, store *storage.Storage, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	if _, err := store.GetOperatorByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrOperatorNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	err = store.CreateOperator(ctx, &models.Operator{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         models.RoleAdmin,
	})
	if err != nil && !errors.Is(err, storage.ErrEmailTaken) {
		return err
	}
	log.Printf("INFO Seeded admin account %s", email)
	return nil
}
