// Package config loads process configuration from the environment, the
// same way the teacher's worker and API entry points do.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every tunable named in the spec's Process Configuration
// table plus the connection strings for the durable collaborators.
type Config struct {
	// Server (external front door)
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`

	// Collaborators
	PostgresURL    string `envconfig:"POSTGRES_URL" required:"true"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`
	RedisURL       string `envconfig:"REDIS_URL" required:"true"`
	NATSURL        string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`

	// Session lifetime
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"168h"`

	// Adaptive concurrency controller (spec §6)
	MinConcurrency           int           `envconfig:"MIN_CONCURRENCY" default:"20"`
	MaxConcurrency           int           `envconfig:"MAX_CONCURRENCY" default:"50"`
	CooldownMs               time.Duration `envconfig:"COOLDOWN_MS" default:"30s"`
	CBErrorThreshold         float64       `envconfig:"CB_ERROR_THRESHOLD" default:"0.30"`
	CBResetTimeout           time.Duration `envconfig:"CB_RESET_TIMEOUT" default:"60s"`
	HistoryLength            int           `envconfig:"HISTORY_LENGTH" default:"5"`
	TrendHistoryLength       int           `envconfig:"TREND_HISTORY_LENGTH" default:"3"`
	SystemHealthHistory      int           `envconfig:"SYSTEM_HEALTH_HISTORY" default:"10"`
	PredictionUpdateInterval time.Duration `envconfig:"PREDICTION_UPDATE_INTERVAL" default:"15m"`
	ErrorWindow              time.Duration `envconfig:"ERROR_WINDOW_MS" default:"5m"`
	PoolTaskTimeout          time.Duration `envconfig:"POOL_TASK_TIMEOUT" default:"30s"`

	// Rate limiter (spec §4.1)
	RLReservoir        int           `envconfig:"RL_RESERVOIR" default:"100"`
	RLRefillInterval   time.Duration `envconfig:"RL_REFILL_INTERVAL" default:"60s"`
	RLInitialMax       int           `envconfig:"RL_INITIAL_MAX_CONCURRENT" default:"5"`
	RLInitialMinTimeMs time.Duration `envconfig:"RL_INITIAL_MIN_TIME" default:"100ms"`
}

// Load reads Config from the environment, applying defaults for unset vars.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
