package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romvault/netplay-server-go/internal/auth"
	"github.com/romvault/netplay-server-go/internal/config"
	"github.com/romvault/netplay-server-go/internal/database"
	"github.com/romvault/netplay-server-go/internal/handler"
	"github.com/romvault/netplay-server-go/internal/jobs"
	"github.com/romvault/netplay-server-go/internal/middleware"
	"github.com/romvault/netplay-server-go/internal/redis"
	"github.com/romvault/netplay-server-go/internal/repository"
	"github.com/romvault/netplay-server-go/internal/service"
	"github.com/romvault/netplay-server-go/internal/signaling"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)
	participantRepo := repository.NewParticipantRepository(db.DB)
	signalRepo := repository.NewSignalRepository(db.DB)
	contentRepo := repository.NewCachedContentRepository(
		repository.NewContentRepository(db.DB), cfg.ContentCacheTTL(),
	)
	go contentRepo.Start()
	defer contentRepo.Stop()

	broker := signaling.NewBroker(redisClient)
	defer broker.Close()

	sessionService := service.NewSessionService(
		db,
		sessionRepo,
		participantRepo,
		signalRepo,
		contentRepo,
		service.NewCapacityGate(cfg.MaxSessionsPerHost, cfg.MaxSessionsGlobal),
		broker,
		service.SessionServiceConfig{
			IdleTimeout:           cfg.IdleTimeout(),
			MaxSignalPayloadBytes: cfg.MaxSignalPayloadBytes,
		},
	)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	verifier := auth.NewJWTVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthJWTAudience)

	authMiddleware := middleware.NewAuthMiddleware(verifier)
	userRateLimitMiddleware := middleware.NewUserRateLimitMiddleware(rateLimiter, cfg.RateLimitPerMin)
	handshakeRateLimitMiddleware := middleware.NewHandshakeRateLimitMiddleware(rateLimiter, cfg.HandshakeLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	sessionHandler := handler.NewSessionHandler(sessionService)
	redisPing := func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}
	healthHandler := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"database": db.Ping,
		"redis":    redisPing,
	}, config.DBPingTimeout)
	gateway := signaling.NewGateway(verifier, sessionService, broker, cfg.AllowedOrigins)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/netplay", func(r chi.Router) {
		// Long-lived; kept out of the request timeout and body limit.
		r.With(handshakeRateLimitMiddleware.Handler).Get("/ws", gateway.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(securityHeadersMiddleware.Handler)
			r.Use(bodyLimitMiddleware.Handler)
			r.Use(authMiddleware.Handler)
			r.Use(userRateLimitMiddleware.Handler)
			r.Mount("/sessions", sessionHandler.Routes())
		})
	})

	cleanupJob := jobs.NewCleanupJob(sessionRepo, cfg.SessionRetention(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Release signaling connections before draining HTTP.
	broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
