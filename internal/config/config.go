package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// DatabaseURL empty selects the in-memory store. Fine for development
	// and the one-shot subcommands; production runs point at Postgres.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	DBMinConns  int32  `envconfig:"NW_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"NW_DB_MAX_CONNS" default:"8"`

	HTTPHost        string `envconfig:"NW_HTTP_HOST" default:"0.0.0.0"`
	HTTPPort        int    `envconfig:"NW_HTTP_PORT" default:"8080"`
	AdminToken      string `envconfig:"NW_ADMIN_TOKEN" default:""`
	FeedWindowDays  int    `envconfig:"NW_FEED_WINDOW_DAYS" default:"7"`
	CacheTTLSeconds int    `envconfig:"NW_CACHE_TTL_SECONDS" default:"30"`

	FeedsFile           string  `envconfig:"NW_FEEDS_FILE" default:""`
	CategoryTablesFile  string  `envconfig:"NW_CATEGORY_TABLES_FILE" default:""`
	PollCycleSeconds    int     `envconfig:"NW_POLL_CYCLE_SECONDS" default:"10"`
	PollBatchSize       int     `envconfig:"NW_POLL_BATCH_SIZE" default:"5"`
	PollMaxConcurrent   int     `envconfig:"NW_POLL_MAX_CONCURRENT" default:"10"`
	FetchTimeoutSeconds int     `envconfig:"NW_FETCH_TIMEOUT_SECONDS" default:"30"`
	FetchRatePerSecond  float64 `envconfig:"NW_FETCH_RATE_PER_SECOND" default:"5"`

	CandidateWindowHours  int     `envconfig:"NW_CANDIDATE_WINDOW_HOURS" default:"72"`
	AttachThreshold       float64 `envconfig:"NW_ATTACH_THRESHOLD" default:"0.45"`
	BreakingWindowMinutes int     `envconfig:"NW_BREAKING_WINDOW_MINUTES" default:"30"`
	StatusSweepMinutes    int     `envconfig:"NW_STATUS_SWEEP_MINUTES" default:"2"`

	OpenAIAPIKey          string  `envconfig:"OPENAI_API_KEY" default:""`
	LLMModel              string  `envconfig:"NW_LLM_MODEL" default:""`
	LLMTimeoutSeconds     int     `envconfig:"NW_LLM_TIMEOUT_SECONDS" default:"30"`
	SummaryWorkers        int     `envconfig:"NW_SUMMARY_WORKERS" default:"4"`
	SummaryQueueCapacity  int     `envconfig:"NW_SUMMARY_QUEUE_CAPACITY" default:"256"`
	MaxConcurrentLLMCalls int     `envconfig:"NW_MAX_CONCURRENT_LLM_CALLS" default:"4"`
	BackfillWindowHours   int     `envconfig:"NW_BACKFILL_WINDOW_HOURS" default:"4"`
	BackfillSweepMinutes  int     `envconfig:"NW_BACKFILL_SWEEP_MINUTES" default:"10"`
	HourlyCostCeilingUSD  float64 `envconfig:"NW_HOURLY_COST_CEILING_USD" default:"5"`
	BatchThreshold        int     `envconfig:"NW_BATCH_THRESHOLD" default:"32"`
	BatchMaxSize          int     `envconfig:"NW_BATCH_MAX_SIZE" default:"50"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBMinConns < 0 {
		return fmt.Errorf("NW_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("NW_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("NW_DB_MIN_CONNS (%d) cannot exceed NW_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("NW_HTTP_PORT must be a valid port")
	}
	if c.PollCycleSeconds < 1 {
		return fmt.Errorf("NW_POLL_CYCLE_SECONDS must be >= 1")
	}
	if c.PollBatchSize < 1 {
		return fmt.Errorf("NW_POLL_BATCH_SIZE must be >= 1")
	}
	if c.AttachThreshold <= 0 || c.AttachThreshold >= 1 {
		return fmt.Errorf("NW_ATTACH_THRESHOLD must be in (0, 1)")
	}
	if c.BreakingWindowMinutes < 1 {
		return fmt.Errorf("NW_BREAKING_WINDOW_MINUTES must be >= 1")
	}
	if c.BackfillWindowHours < 1 {
		return fmt.Errorf("NW_BACKFILL_WINDOW_HOURS must be >= 1")
	}
	if c.SummaryWorkers < 1 {
		return fmt.Errorf("NW_SUMMARY_WORKERS must be >= 1")
	}
	if c.HourlyCostCeilingUSD <= 0 {
		return fmt.Errorf("NW_HOURLY_COST_CEILING_USD must be > 0")
	}
	if strings.TrimSpace(c.Environment) == "" {
		return fmt.Errorf("ENVIRONMENT is required")
	}
	return nil
}

// UsesPostgres reports whether a real database is configured.
func (c *Config) UsesPostgres() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func (c *Config) PollCycle() time.Duration {
	return time.Duration(c.PollCycleSeconds) * time.Second
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) CandidateWindow() time.Duration {
	return time.Duration(c.CandidateWindowHours) * time.Hour
}

func (c *Config) BreakingWindow() time.Duration {
	return time.Duration(c.BreakingWindowMinutes) * time.Minute
}
func (c *Config) BackfillWindow() time.Duration {
	return time.Duration(c.BackfillWindowHours) * time.Hour
}
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

func (c *Config) FeedWindow() time.Duration {
	return time.Duration(c.FeedWindowDays) * 24 * time.Hour
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
