package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	ForecastAPIURL     string
	ForecastAPITimeout time.Duration
	ForecastLookback   time.Duration
	ForecastHorizon    time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	StaleCacheTTL  time.Duration
	CacheBackend   string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CoalescingEnabled bool
	CoalescingTimeout time.Duration

	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	BreakerHalfOpenProbes   int

	ShutdownTimeout time.Duration
	InFlightDrain   time.Duration

	ReadyDelay             time.Duration
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration

	CircuitsFile     string
	RoutesDir        string
	SampleIntervalKM float64

	TrackedCircuits []string
	WarmCache       bool
	WarmInterval    time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	ForecastAPI struct {
		URL      string `yaml:"url"`
		Timeout  string `yaml:"timeout"`
		Lookback string `yaml:"lookback"`
		Horizon  string `yaml:"horizon"`
	} `yaml:"forecast_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		StaleTTL  string `yaml:"stale_ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts  int    `yaml:"retry_max_attempts"`
		RetryBaseDelay    string `yaml:"retry_base_delay"`
		RetryMaxDelay     string `yaml:"retry_max_delay"`
		RateLimitRPS      int    `yaml:"rate_limit_rps"`
		RateLimitBurst    int    `yaml:"rate_limit_burst"`
		CoalescingEnabled *bool  `yaml:"coalescing_enabled"`
		CoalescingTimeout string `yaml:"coalescing_timeout"`
		Breaker           struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			Cooldown         string `yaml:"cooldown"`
			HalfOpenProbes   int    `yaml:"half_open_probes"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout       string `yaml:"timeout"`
		InFlightDrain string `yaml:"in_flight_drain"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		ReadyDelay             string `yaml:"ready_delay"`
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial   string `yaml:"degraded_retry_initial"`
		DegradedRetryMax       string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`

	Strategy struct {
		CircuitsFile     string  `yaml:"circuits_file"`
		RoutesDir        string  `yaml:"routes_dir"`
		SampleIntervalKM float64 `yaml:"sample_interval_km"`
	} `yaml:"strategy"`

	Metrics struct {
		TrackedCircuits []string `yaml:"tracked_circuits"`
	} `yaml:"metrics"`

	Warming struct {
		Enabled  *bool  `yaml:"enabled"`
		Interval string `yaml:"interval"`
	} `yaml:"warming"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev).
// The forecast API is keyless, so there is no secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.ForecastAPIURL = strings.TrimSpace(os.Getenv("OPEN_METEO_URL"))
	if cfg.ForecastAPIURL == "" {
		cfg.ForecastAPIURL = fc.ForecastAPI.URL
	}
	if cfg.ForecastAPIURL == "" {
		cfg.ForecastAPIURL = "https://api.open-meteo.com/v1/forecast"
	}
	cfg.ForecastAPITimeout = parseDurationOrZero(fc.ForecastAPI.Timeout, 2*time.Second)
	cfg.ForecastLookback = parseDuration(fc.ForecastAPI.Lookback, 15*time.Minute)
	cfg.ForecastHorizon = parseDuration(fc.ForecastAPI.Horizon, 3*time.Hour)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	cfg.StaleCacheTTL = parseDurationOrZero(fc.Cache.StaleTTL, 30*time.Minute)
	if cfg.StaleCacheTTL < 0 {
		cfg.StaleCacheTTL = 0
	}
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	if cfg.MemcachedTimeout <= 0 {
		cfg.MemcachedTimeout = 500 * time.Millisecond
	}
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.CoalescingEnabled = true
	if fc.Reliability.CoalescingEnabled != nil {
		cfg.CoalescingEnabled = *fc.Reliability.CoalescingEnabled
	}
	cfg.CoalescingTimeout = parseDuration(fc.Reliability.CoalescingTimeout, 10*time.Second)

	cfg.BreakerEnabled = true
	if fc.Reliability.Breaker.Enabled != nil {
		cfg.BreakerEnabled = *fc.Reliability.Breaker.Enabled
	}
	cfg.BreakerFailureThreshold = fc.Reliability.Breaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerCooldown = parseDuration(fc.Reliability.Breaker.Cooldown, 30*time.Second)
	cfg.BreakerHalfOpenProbes = fc.Reliability.Breaker.HalfOpenProbes
	if cfg.BreakerHalfOpenProbes <= 0 {
		cfg.BreakerHalfOpenProbes = 1
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightDrain = parseDuration(fc.Shutdown.InFlightDrain, 10*time.Second)

	cfg.ReadyDelay = parseDuration(fc.Lifecycle.ReadyDelay, 3*time.Second)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 5
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, 1*time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	cfg.CircuitsFile = strings.TrimSpace(fc.Strategy.CircuitsFile)
	cfg.RoutesDir = strings.TrimSpace(fc.Strategy.RoutesDir)
	if cfg.RoutesDir == "" {
		cfg.RoutesDir = "routes"
	}
	cfg.SampleIntervalKM = fc.Strategy.SampleIntervalKM
	if cfg.SampleIntervalKM <= 0 {
		cfg.SampleIntervalKM = 5
	}

	cfg.TrackedCircuits = fc.Metrics.TrackedCircuits

	cfg.WarmCache = false
	if fc.Warming.Enabled != nil {
		cfg.WarmCache = *fc.Warming.Enabled
	}
	cfg.WarmInterval = parseDuration(fc.Warming.Interval, 10*time.Minute)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Ensures ForecastAPITimeout is positive, RequestTimeout > ForecastAPITimeout,
// lookback/horizon form a non-empty window, and CacheBackend is a valid value.
func validate(cfg *Config) error {
	if cfg.ForecastAPITimeout <= 0 {
		return fmt.Errorf("forecast_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.ForecastAPITimeout {
		cfg.RequestTimeout = cfg.ForecastAPITimeout + time.Second
	}
	if cfg.ForecastLookback < 0 || cfg.ForecastHorizon <= 0 {
		return fmt.Errorf("forecast window invalid: lookback=%v horizon=%v", cfg.ForecastLookback, cfg.ForecastHorizon)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	return nil
}
