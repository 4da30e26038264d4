// Package main is the entry point for the tenant node server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/config"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/database"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/handler"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/ingest"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/middleware"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/orgconfig"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/policy"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/repository"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/service"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting tenant node server",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("tenants", len(cfg.Tenants)),
	)

	// Select the storage backend
	var store repository.Storage
	var db *database.Postgres
	switch cfg.Storage.Driver {
	case "memory":
		store = repository.NewMemoryStorage()
		logger.Info("Using in-memory storage")
	default:
		db, err = database.NewPostgres(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		logger.Info("Connected to PostgreSQL")

		if err := db.RunMigrations(cfg.Database); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("Database migrations completed")

		store = repository.NewPostgresStorage(db.Pool())
	}

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Org config resolution, backed by Redis so cached configs and key
	// sets survive restarts and are shared across replicas.
	resolver := orgconfig.NewHTTPResolver(
		orgconfig.WithCaches(
			orgconfig.NewRedisCache(redis.Client(), "orgconfig"),
			orgconfig.NewRedisCache(redis.Client(), "jwks"),
		),
	)

	// Tenant routing
	extractor, err := handler.NewHostIDExtractor(cfg.Hosting.URLTemplate)
	if err != nil {
		log.Fatalf("Failed to parse hosting URL template: %v", err)
	}
	registry := handler.NewRegistry(extractor)

	policyRegistry := policy.NewRegistry()
	for _, tc := range cfg.Tenants {
		tenant, err := installTenant(cfg, tc, store, resolver, extractor, policyRegistry, logger)
		if err != nil {
			log.Fatalf("Failed to install tenant %s: %v", tc.HostID, err)
		}
		registry.Install(tenant)
		logger.Info("Installed tenant",
			slog.String("host_id", tc.HostID),
			slog.String("org_url", tenant.OrgURL()),
			slog.Int("producers", len(tc.Producers)),
		)
	}
	defer registry.Destroy()

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(middleware.Metrics())
	r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))

	// Health check endpoints (no auth required)
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	// Everything else routes to a tenant node by host id.
	r.Handle("/*", registry)

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// installTenant builds one tenant node: its signing key, offer model,
// listing policy, and ingestion scheduler.
func installTenant(cfg *config.Config, tc config.TenantConfig, store repository.Storage,
	resolver *orgconfig.HTTPResolver, extractor *handler.HostIDExtractor,
	policyRegistry *config.Registry[policy.Policy], logger *slog.Logger) (*handler.TenantNode, error) {

	paths := handler.EndpointPaths{
		OrgFile:        tc.Endpoints.OrgFile,
		JWKS:           tc.Endpoints.JWKS,
		ListProducts:   tc.Endpoints.ListProducts,
		AcceptProduct:  tc.Endpoints.AcceptProduct,
		RejectProduct:  tc.Endpoints.RejectProduct,
		ReserveProduct: tc.Endpoints.ReserveProduct,
		History:        tc.Endpoints.History,
	}
	orgFilePath := paths.OrgFile
	if orgFilePath == "" {
		orgFilePath = handler.OrgFilePath
	}
	orgURL := extractor.URLRoot(tc.HostID) + orgFilePath

	keySet, err := jwk.ReadFile(tc.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", tc.PrivateKey, err)
	}
	key, ok := keySet.Key(0)
	if !ok {
		return nil, fmt.Errorf("private key file %s contains no keys", tc.PrivateKey)
	}
	signer, err := chain.NewSigner(orgURL, key, nil)
	if err != nil {
		return nil, fmt.Errorf("building signer: %w", err)
	}
	publicKeys, err := jwk.PublicSetOf(keySet)
	if err != nil {
		return nil, fmt.Errorf("deriving public key set: %w", err)
	}

	listingPolicy, err := policyRegistry.Build(tc.ListingPolicy)
	if err != nil {
		return nil, fmt.Errorf("building listing policy: %w", err)
	}

	model := service.NewOfferModel(orgURL, store, listingPolicy, signer, nil, logger)
	verifier := chain.NewVerifier(resolver, nil)

	tenant := handler.NewTenantNode(handler.TenantParams{
		HostID:            tc.HostID,
		OrgURL:            orgURL,
		Name:              tc.Name,
		EnrollmentURL:     tc.EnrollmentURL,
		TermsURL:          tc.TermsURL,
		Model:             model,
		Signer:            signer,
		Verifier:          verifier,
		AccessControlList: tc.AccessControlList,
		PublicKeys:        publicKeys,
		Paths:             paths,
		ScopesDisabled:    tc.ScopesDisabled,
		StrictCorrectness: tc.StrictCorrectness,
		Logger:            logger,
	})

	if len(tc.Producers) > 0 {
		client := ingest.NewClient(signer, resolver, nil, nil)
		producers := make([]ingest.OfferProducer, 0, len(tc.Producers))
		for _, peer := range tc.Producers {
			producers = append(producers, ingest.NewFeedProducer(peer, client, cfg.Ingest.PollInterval, nil))
		}
		scheduler := ingest.NewScheduler(orgURL, store, model, producers, cfg.Ingest.FailureBackoff, nil, logger)

		ctx, cancel := context.WithCancel(context.Background())
		go scheduler.Run(ctx, cfg.Ingest.PollInterval)
		tenant.OnDestroy(cancel)
	}

	return tenant, nil
}

// healthHandler returns a simple health check that always succeeds if the server is running.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler returns a readiness check that verifies database and Redis connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		// db is nil when the in-memory driver is selected.
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"error","component":"database"}`))
				return
			}
		}

		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}
