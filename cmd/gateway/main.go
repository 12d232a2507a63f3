package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/directory"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/preference"
	"github.com/lalithlochan/courier/internal/quiethours"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/templates"
	"github.com/lalithlochan/courier/internal/worker"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("delivery_mode", cfg.DeliveryMode),
		zap.String("message_store", cfg.MessageStore),
		zap.String("preference_store", cfg.PreferenceStore),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Message history
	var messages dispatch.MessageStore
	if cfg.MessageStore == "postgres" {
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
		messages = db.NewRepository(database, logger)
	} else {
		messages = db.NewMemoryStore()
	}

	// Redis backs idempotency, rate limiting and optionally preferences
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.PreferenceStore == "redis" {
			return fmt.Errorf("redis required for preference store: %w", err)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var prefs preference.Store = preference.NewMemoryStore()
	if cfg.PreferenceStore == "redis" {
		prefs = redis.NewPreferenceStore(redisClient, logger)
	}

	// Templates
	registry := templates.NewRegistry(templates.NewCache())
	if cfg.TemplatesFile != "" {
		n, err := templates.LoadFile(registry, cfg.TemplatesFile)
		if err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
		logger.Info("templates loaded", zap.String("file", cfg.TemplatesFile), zap.Int("count", n))

		if cfg.TemplatesWatch {
			watcher := templates.NewWatcher(cfg.TemplatesFile, registry, logger)
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logger.Error("template watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	// AWS
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}
	if cfg.AWSEndpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWSEndpoint)
	}
	snsCfg := awsCfg.Copy()
	snsCfg.Region = cfg.SNSRegion

	// Circuit breakers, one per provider
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold:    cfg.BreakerFailureThreshold,
		ResetTimeout:        cfg.BreakerResetTimeout,
		CallTimeout:         cfg.BreakerCallTimeout,
		MonitorInterval:     cfg.BreakerMonitorInterval,
		HalfOpenMaxRequests: 1,
	}, logger, circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
		metrics.RecordBreakerTransition(name, to.String())
	}))

	var userDirectory directory.UserDirectory
	if cfg.UserDirectoryURL != "" {
		userDirectory = directory.NewHTTPDirectory(cfg.UserDirectoryURL, cfg.UserDirectoryTimeout, logger)
	} else {
		userDirectory = directory.NewStaticDirectory(nil)
	}

	var emailAdapter, smsAdapter, pushAdapter channel.Adapter
	if cfg.DeliveryMode == "aws" {
		snsClient := awssns.NewFromConfig(snsCfg)
		emailAdapter = channel.NewThrottledAdapter(
			channel.NewSESAdapter(awsCfg, cfg.SESFromEmail, logger),
			cfg.SESRatePerSec, max(1, int(cfg.SESRatePerSec)),
		)
		smsAdapter = channel.NewSMSAdapter(snsClient, cfg.SMSSenderID, logger)
		pushAdapter = channel.NewPushAdapter(snsClient, logger)
	} else {
		emailAdapter = channel.NewLogAdapter(db.ChannelEmail, logger)
		smsAdapter = channel.NewLogAdapter(db.ChannelSMS, logger)
		pushAdapter = channel.NewLogAdapter(db.ChannelPush, logger)
	}
	adapters := []channel.Adapter{
		circuitbreaker.NewProtectedAdapter(emailAdapter, breakers.Get("email-service"), logger),
		circuitbreaker.NewProtectedAdapter(smsAdapter, breakers.Get("sms-service"), logger),
		circuitbreaker.NewProtectedAdapter(channel.NewDeviceResolver(userDirectory, pushAdapter), breakers.Get("push-service"), logger),
	}

	// Lifecycle events
	bus := events.NewBus()
	sinks := events.Multi{bus}
	if cfg.EventsTopicARN != "" {
		sinks = append(sinks, sns.NewEventPublisher(snsCfg, cfg.EventsTopicARN, cfg.AWSEndpoint))
		logger.Info("lifecycle events published to sns", zap.String("topic_arn", cfg.EventsTopicARN))
	}
	sentEvents, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	go func() {
		for e := range sentEvents {
			logger.Debug("lifecycle event",
				zap.String("type", e.Type),
				zap.String("message_id", e.MessageID),
				zap.String("channel", string(e.Channel)),
			)
		}
	}()

	engine := dispatch.New(dispatch.Deps{
		Templates:   registry,
		Preferences: prefs,
		Messages:    messages,
		QuietHours:  quiethours.New(logger),
		Adapters:    adapters,
		Events:      sinks,
	}, dispatch.Config{BatchSize: cfg.BatchSize}, logger)

	collector, err := metrics.NewCollector(cfg.MetricsSchedule, breakers, registry.Cache(), logger)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	collector.Start()
	defer collector.Stop()

	handlerOpts := []api.Option{api.WithBreakers(breakers)}

	var rateLimiter api.Limiter
	if redisClient != nil {
		handlerOpts = append(handlerOpts, api.WithIdempotency(redis.NewIdempotencyService(redisClient, logger)))
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	// Command queue
	if cfg.CommandQueueURL != "" {
		sqsClient := sqs.NewClient(awsCfg, cfg.AWSEndpoint)
		handlerOpts = append(handlerOpts, api.WithProducer(sqs.NewProducer(sqsClient, cfg.CommandQueueURL, logger)))

		w := worker.New(sqs.NewConsumer(sqsClient, cfg.CommandQueueURL, logger), engine, worker.Config{}, logger)
		go w.Start(ctx)
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, engine, registry, handlerOpts...)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.ClientKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
