package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/api"
	"carwatch/internal/circuitbreaker"
	"carwatch/internal/config"
	"carwatch/internal/db"
	"carwatch/internal/digest"
	"carwatch/internal/events"
	"carwatch/internal/match"
	"carwatch/internal/metrics"
	"carwatch/internal/observ"
	"carwatch/internal/redis"
	"carwatch/internal/sched"
	"carwatch/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("carwatch-engine", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting carwatch engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.String("database", cfg.DBName),
	)

	alertRepo := db.NewAlertRepo(database, logger)
	listingRepo := db.NewListingRepo(database, logger)
	notifRepo := db.NewNotificationRepo(database, logger)
	runRepo := db.NewMatchRunRepo(database, logger)
	queueRepo := db.NewQueueRepo(database, logger)
	prefsRepo := db.NewPreferencesRepo(database, logger)

	// Redis is optional: without it quotas fall back to database counts,
	// job locks become process-local and the in-app feed cache is off.
	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, running degraded",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var quota match.Quota
	var locker sched.Locker
	var inbox worker.Inbox
	if redisClient != nil {
		quota = redis.NewQuotaKeeper(redisClient, logger)
		locker = redis.NewJobLocker(redisClient, instanceID(), logger)
		inbox = redisClient
	} else {
		quota = match.NewStoreQuota(notifRepo)
	}

	engine := match.New(alertRepo, listingRepo, notifRepo, runRepo, prefsRepo, quota, match.Config{
		WindowOverlap:   cfg.WindowOverlap,
		InitialLookback: cfg.InitialLookback,
		MaxListings:     cfg.MaxListings,
	}, logger)

	sender, breakers := buildSender(ctx, cfg, inbox, logger)

	renderer, err := worker.NewTemplateRenderer()
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	w := worker.New(queueRepo, notifRepo, prefsRepo, sender, renderer, worker.Config{
		BatchSize:   cfg.BatchSize,
		MaxRetries:  cfg.MaxRetries,
		SendTimeout: cfg.SendTimeout,
	}, logger)

	digestBuilder := digest.New(notifRepo, prefsRepo, logger)

	var publisher *events.Publisher
	if cfg.EventsEnabled() {
		publisher, err = events.NewPublisher(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, queueRepo, cfg.MaxRetries, logger)
		if err != nil {
			logger.Warn("event publisher unavailable, exhausted entries will not be reported",
				zap.Error(err),
			)
			publisher = nil
		}
	}

	scheduler := sched.New(sched.RealClock(), locker, logger)
	if err := registerJobs(scheduler, cfg, engine, w, digestBuilder, publisher,
		queueRepo, notifRepo, runRepo, logger); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	schedDone := make(chan struct{})
	go func() {
		scheduler.Start(schedCtx)
		close(schedDone)
	}()

	// HTTP surface: ops endpoints, health, metrics.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	handler := api.NewHandler(logger, engine, scheduler, queueRepo, notifRepo, breakers...)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", handler.TriggerRun)
		r.Get("/jobs", handler.ListJobs)
		r.Post("/jobs/{id}/trigger", handler.TriggerJob)
		r.Post("/jobs/{id}/pause", handler.PauseJob)
		r.Post("/jobs/{id}/resume", handler.ResumeJob)
		r.Get("/queue/stats", handler.QueueStats)
		r.Get("/breakers", handler.Breakers)
		r.Get("/notifications", handler.ListNotifications)
		r.Post("/notifications/{id}/read", handler.MarkNotificationRead)
	})
	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		schedCancel()
		<-schedDone

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("engine stopped gracefully")
	}

	return nil
}

// buildSender assembles the channel senders. Without SES the email and
// push channels route to the log sender for development.
func buildSender(ctx context.Context, cfg *config.Config, inbox worker.Inbox, logger *zap.Logger) (worker.Sender, []*circuitbreaker.CircuitBreaker) {
	inApp := worker.NewInAppSender(inbox, logger)

	sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email deliveries will be logged", zap.Error(err))
		return worker.NewMultiSender(logger, inApp, worker.NewLogSender(logger)), nil
	}

	snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, push notifications disabled", zap.Error(err))
		snsSender = nil
	}

	sesBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
	breakers := []*circuitbreaker.CircuitBreaker{sesBreaker}
	senders := []worker.Sender{
		inApp,
		circuitbreaker.NewProtectedSender(sesSender, sesBreaker, logger),
	}

	if snsSender != nil {
		snsBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger)
		breakers = append(breakers, snsBreaker)
		senders = append(senders, circuitbreaker.NewProtectedSender(snsSender, snsBreaker, logger))
	}

	logger.Info("initialized delivery channels",
		zap.Bool("email_enabled", true),
		zap.Bool("push_enabled", snsSender != nil),
	)

	return worker.NewMultiSender(logger, senders...), breakers
}

func registerJobs(
	scheduler *sched.Scheduler,
	cfg *config.Config,
	engine *match.Engine,
	w *worker.Worker,
	digestBuilder *digest.Builder,
	publisher *events.Publisher,
	queueRepo *db.QueueRepo,
	notifRepo *db.NotificationRepo,
	runRepo *db.MatchRunRepo,
	logger *zap.Logger,
) error {
	jobs := []sched.Job{
		{
			ID:       "match-run",
			Interval: cfg.MatchInterval,
			Run: func(ctx context.Context) error {
				_, err := engine.Run(ctx, nil, 0)
				return err
			},
		},
		{
			ID:           "queue-drain",
			Interval:     cfg.DrainInterval,
			MisfireGrace: cfg.DrainInterval,
			Run: func(ctx context.Context) error {
				if _, err := w.DrainOnce(ctx); err != nil {
					return err
				}
				if stats, err := queueRepo.Stats(ctx); err == nil {
					metrics.SetQueueDepth(db.QueueStatusQueued, stats.Queued)
					metrics.SetQueueDepth(db.QueueStatusProcessing, stats.Processing)
					metrics.SetQueueDepth(db.QueueStatusFailed, stats.Failed)
				}
				return nil
			},
		},
		{
			ID:       "retry-sweep",
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				released, err := queueRepo.ReleaseStale(ctx, cfg.StaleAge)
				if err != nil {
					return err
				}
				if released > 0 {
					logger.Warn("released stale queue entries", zap.Int64("count", released))
				}

				ids, err := queueRepo.SweepRetryable(ctx, cfg.MaxRetries, cfg.RetryBackoff)
				if err != nil {
					return err
				}
				metrics.RecordRetriesSwept(len(ids))

				if publisher != nil {
					if _, err := publisher.ReportExhausted(ctx, 100); err != nil {
						logger.Error("failed to report exhausted entries", zap.Error(err))
					}
				}
				return nil
			},
		},
		{
			ID:       "digest",
			Interval: cfg.DigestInterval,
			Run: func(ctx context.Context) error {
				_, err := digestBuilder.Run(ctx, time.Now().UTC())
				return err
			},
		},
		{
			ID:       "cleanup",
			Interval: cfg.CleanupInterval,
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				cutoff := time.Now().UTC().Add(-cfg.Retention)

				entries, err := queueRepo.PruneTerminalOlderThan(ctx, cutoff)
				if err != nil {
					return err
				}
				notifs, err := notifRepo.PruneTerminalOlderThan(ctx, cutoff)
				if err != nil {
					return err
				}
				runs, err := runRepo.PruneOlderThan(ctx, cutoff)
				if err != nil {
					return err
				}

				logger.Info("cleanup completed",
					zap.Int64("queue_entries", entries),
					zap.Int64("notifications", notifs),
					zap.Int64("match_runs", runs),
				)
				return nil
			},
		},
	}

	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			return err
		}
	}

	return nil
}

func instanceID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
