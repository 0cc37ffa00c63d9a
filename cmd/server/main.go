package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/config"
	"github.com/enduid/enduid-server/internal/database"
	"github.com/enduid/enduid-server/internal/handler"
	"github.com/enduid/enduid-server/internal/jobs"
	"github.com/enduid/enduid-server/internal/middleware"
	"github.com/enduid/enduid-server/internal/redis"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/runstate"
	"github.com/enduid/enduid-server/internal/service"
	"github.com/enduid/enduid-server/internal/sink"
	"github.com/enduid/enduid-server/internal/skland"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load sign timezone")
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
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	userRepo := repository.NewUserRepository(db.DB)
	bindRepo := repository.NewBindRepository(db.DB)
	signRecordRepo := repository.NewSignRecordRepository(db.DB)
	gachaRepo := repository.NewGachaRepository(db.DB)

	deviceID := skland.NewNodeDeviceID(cfg.DeviceIDNodeBinary, cfg.DeviceIDRunnerPath, cfg.DeviceIDSDKPath)
	checkNode(deviceID)

	client, err := skland.NewClient(skland.Options{
		BaseURL:      cfg.SklandBaseURL,
		AuthBaseURL:  cfg.HypergryphAuthURL,
		GachaBaseURL: cfg.GachaBaseURL,
		Timeout:      cfg.HTTPTimeout(),
		ProxyURL:     cfg.ProxyURL,
		DeviceID:     deviceID,
	}, userRepo)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create skland client")
	}

	var stateStore runstate.Store
	switch cfg.RunStateBackend {
	case config.RunStateBackendRedis:
		stateStore = runstate.NewRedisStore(redisClient)
	default:
		stateStore = runstate.NewFileStore(cfg.RunStatePath, loc)
	}
	log.Info().Str("backend", string(cfg.RunStateBackend)).Msg("run state store ready")

	sender := sink.New(cfg.SinkURL, cfg.SinkToken)

	statusService := service.NewStatusService(redisClient)
	bindService := service.NewBindService(client, db, userRepo, bindRepo)
	signService := service.NewSignService(client, bindService, userRepo, signRecordRepo, statusService, service.SignOptions{
		MaxRetries: cfg.SignMaxRetries,
		RetryDelay: cfg.SignRetryDelay(),
		Location:   loc,
	})
	loginService := service.NewLoginService(client, bindService, sender)
	gachaService := service.NewGachaService(client, bindService, gachaRepo)
	cardService := service.NewCardService(client, bindService, userRepo, cfg.ActiveWindow(), loc)
	annService := service.NewAnnouncementService(client, redisClient, sender, service.AnnouncementOptions{
		PushEnabled: cfg.AnnPushEnabled,
		Location:    loc,
	})
	limiter := service.NewCommandLimiter(redisClient, cfg.CommandRateLimit, config.CommandRateWindow)
	reporter := service.NewReporter(sender, bindRepo, service.ReportOptions{
		Private: cfg.PrivateSignReport,
		Group:   cfg.GroupSignReport,
	})

	intervalMin, intervalMax := cfg.SignInterval()
	runner := jobs.NewSignRunner(signService, userRepo, signRecordRepo, stateStore, statusService, reporter, sender, jobs.SignRunnerOptions{
		Concurrent:  cfg.SignConcurrentNum,
		IntervalMin: intervalMin,
		IntervalMax: intervalMax,
		Location:    loc,
	})
	if resumed, err := runner.Resume(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to resume check-in run")
	} else if resumed {
		log.Info().Msg("interrupted check-in run resumed")
	}

	if cfg.SignScheduleEnabled {
		hour, minute, err := cfg.SignClock()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid sign time")
		}
		scheduler, err := jobs.NewSignScheduler(runner, hour, minute, loc)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create sign scheduler")
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Info().Time("next", scheduler.Next()).Msg("daily check-in scheduled")
	}

	if cfg.AnnPushEnabled {
		annJob, err := jobs.NewAnnouncementJob(annService, cfg.AnnCheckInterval())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create announcement job")
		}
		annJob.Start()
		defer annJob.Stop()
		log.Info().Dur("interval", cfg.AnnCheckInterval()).Msg("announcement push enabled")
	}

	cleanupJob := jobs.NewCleanupJob(signRecordRepo, stateStore, loc, cfg.CleanupInterval())
	cleanupJob.Start()
	defer cleanupJob.Stop()

	signatureMiddleware := middleware.NewSignatureMiddleware(cfg.WebhookSecret)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction())

	webhookHandler := handler.NewWebhookHandler(handler.WebhookServices{
		Sign:   signService,
		Bind:   bindService,
		Login:  loginService,
		Gacha:  gachaService,
		Card:   cardService,
		Ann:    annService,
		Runner: runner,
		Status: statusService,
		State:  stateStore,
	}, limiter, cfg.IsAdmin, handler.WebhookOptions{
		Location:          loc,
		AllowBareCommands: cfg.CommandAllowNoPrefix,
	})
	statusHandler := handler.NewStatusHandler(statusService, stateStore, loc)
	healthHandler := handler.NewHealthHandler(config.DBPingTimeout, map[string]handler.HealthCheck{
		"database": db.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.Health)

	r.Group(func(r chi.Router) {
		r.Use(signatureMiddleware.Handler)
		r.Post("/bot/webhook", webhookHandler.Webhook)
		r.Get("/api/sign/status", statusHandler.SignStatus)
	})

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	loginService.Shutdown()
	runner.Shutdown()

	log.Info().Msg("server stopped")
}

// checkNode warns when the device id runtime is missing. Only card lookups
// need it, so the server still starts.
func checkNode(deviceID *skland.NodeDeviceID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	version := deviceID.NodeVersion(ctx)
	if version == "" {
		log.Warn().Str("binary", deviceID.NodeBinary).Msg("node runtime not found, card lookups will fail")
		return
	}
	if deviceID.RunnerPath == "" || deviceID.SDKPath == "" {
		log.Warn().Str("node", version).Msg("device id runner not configured, card lookups will fail")
		return
	}
	log.Info().Str("node", version).Msg("device id runtime available")
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
