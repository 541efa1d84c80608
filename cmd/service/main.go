package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"racecontrol/internal/cache"
	"racecontrol/internal/circuitbreaker"
	"racecontrol/internal/circuits"
	"racecontrol/internal/client"
	"racecontrol/internal/config"
	"racecontrol/internal/degraded"
	httphandler "racecontrol/internal/http"
	"racecontrol/internal/lifecycle"
	"racecontrol/internal/observability"
	"racecontrol/internal/route"
	"racecontrol/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	forecastClient, err := client.NewOpenMeteoClientWithRetry(
		cfg.ForecastAPIURL,
		cfg.ForecastAPITimeout,
		cfg.ForecastLookback,
		cfg.ForecastHorizon,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("forecast client", zap.Error(err))
	}

	if cfg.BreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerHalfOpenProbes,
			Timeout:          cfg.BreakerCooldown,
			Component:        "forecast_api",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("forecast_api", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("forecast_api", float64(to))
			},
		})
		forecastClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("forecast_api", 0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.BreakerFailureThreshold),
			zap.Duration("cooldown", cfg.BreakerCooldown))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache(cfg.StaleCacheTTL)
		logger.Info("cache backend: in_memory")
	}

	registry := circuits.NewRegistry()
	if cfg.CircuitsFile != "" {
		registry, err = circuits.LoadRegistry(cfg.CircuitsFile)
		if err != nil {
			logger.Fatal("circuit registry", zap.String("file", cfg.CircuitsFile), zap.Error(err))
		}
		logger.Info("circuit registry loaded", zap.String("file", cfg.CircuitsFile), zap.Int("circuits", len(registry.List())))
	}
	routes := route.NewStore(cfg.RoutesDir, cfg.SampleIntervalKM)

	strategyService := service.NewStrategyService(
		forecastClient,
		cacheSvc,
		registry,
		routes,
		cfg.CacheTTL,
		cfg.StaleCacheTTL,
		cfg.CoalescingEnabled,
		cfg.CoalescingTimeout,
	)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		DegradedRetryInitial:   cfg.DegradedRetryInitial,
		DegradedRetryMax:       cfg.DegradedRetryMax,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(strategyService, forecastClient, healthConfig, logger, limiter, 0)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCircuits) > 0 {
		observability.SetTrackedCircuits(cfg.TrackedCircuits)
	}

	if cfg.WarmCache && len(cfg.TrackedCircuits) > 0 {
		tracked := make([]circuits.Circuit, 0, len(cfg.TrackedCircuits))
		for _, name := range cfg.TrackedCircuits {
			c, err := registry.Get(name)
			if err != nil {
				logger.Warn("tracked circuit not in registry, skipping warm", zap.String("circuit", name))
				continue
			}
			tracked = append(tracked, c)
		}
		warmer := cache.NewCacheWarmer(strategyService, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, tracked); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), tracked, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	// Recovery probes the upstream after degraded notifications, backing off
	// between attempts. Exhausting the delay sequence flags shutdown.
	recoveryCtx, recoveryCancel := context.WithCancel(context.Background())
	defer recoveryCancel()
	degraded.StartRecoveryListener(recoveryCtx, forecastClient.Ping, cfg.DegradedRetryInitial, cfg.DegradedRetryMax, func() {
		logger.Error("recovery attempts exhausted; flagging shutdown")
		lifecycle.SetShuttingDown(true)
	})

	inFlight := httphandler.NewInFlightTracker()

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware(inFlight))
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/circuits", handler.ListCircuits).Methods("GET")
	router.HandleFunc("/routes", handler.ListRoutes).Methods("GET")

	forecastRouter := router.PathPrefix("/forecast").Subrouter()
	forecastRouter.Use(httphandler.RateLimitMiddleware(limiter))
	forecastRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	forecastRouter.HandleFunc("", handler.GetForecast).Methods("GET")

	strategyRouter := router.PathPrefix("/strategy").Subrouter()
	strategyRouter.Use(httphandler.RateLimitMiddleware(limiter))
	strategyRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	strategyRouter.HandleFunc("", handler.GetStrategy).Methods("GET")
	strategyRouter.HandleFunc("/circuit/{name}", handler.GetCircuitStrategy).Methods("GET")
	strategyRouter.HandleFunc("/route/{name}", handler.GetRouteStrategy).Methods("GET")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	remaining := inFlight.Count()
	logger.Info("waiting for in-flight requests", zap.Int("count", remaining))
	observability.RecordShutdownInFlight(int64(remaining))
	if left := inFlight.Wait(cfg.InFlightDrain); left > 0 {
		logger.Warn("in-flight requests not completed", zap.Int("remaining", left))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
