// Package config loads the control plane configuration from environment
// variables, with a .env file honored in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	// HTTP API.
	Host string
	Port int

	// Redis, for cross-pod event delivery. Empty disables it.
	RedisAddr     string
	RedisPassword string

	// Dispatcher.
	SandboxMode          bool // spawn sandboxes per task instead of using long-lived agents
	DispatchConcurrency  int
	DispatchIdleSleep    time.Duration
	TaskTimeoutSweep     time.Duration
	SandboxProviderURL   string
	SandboxProviderToken string

	// Idle detection.
	HeartbeatWindow time.Duration
	IdleThreshold   time.Duration
	IdleSweep       time.Duration

	// Monitoring loop.
	GuardianInterval  time.Duration
	ConductorInterval time.Duration
	WatchdogInterval  time.Duration
	MonitoringWorkers int

	// LLM.
	AnthropicAPIKey string
	GuardianModel   string

	// Validation.
	ValidationEnabled       bool
	MaxValidationIterations int

	// Cost.
	BudgetAlertThreshold float64
	ForecastBuffer       float64
	AvgTokensPerTask     int

	// Approval gate.
	ApprovalTimeout time.Duration

	// GitHub webhooks.
	GitHubWebhookSecret string

	// Workspace.
	WorkspaceRoot string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:                    getEnv("HOST", "0.0.0.0"),
		Port:                    getEnvInt("PORT", 8080),
		RedisAddr:               getEnv("REDIS_ADDR", ""),
		RedisPassword:           getEnv("REDIS_PASSWORD", ""),
		SandboxMode:             getEnvBool("SANDBOX_MODE", true),
		DispatchConcurrency:     getEnvInt("DISPATCH_CONCURRENCY", 4),
		DispatchIdleSleep:       getEnvDuration("DISPATCH_IDLE_SLEEP", 10*time.Second),
		TaskTimeoutSweep:        getEnvDuration("TASK_TIMEOUT_SWEEP", 30*time.Second),
		SandboxProviderURL:      getEnv("SANDBOX_PROVIDER_URL", ""),
		SandboxProviderToken:    getEnv("SANDBOX_PROVIDER_TOKEN", ""),
		HeartbeatWindow:         getEnvDuration("HEARTBEAT_WINDOW", 90*time.Second),
		IdleThreshold:           getEnvDuration("IDLE_THRESHOLD", 3*time.Minute),
		IdleSweep:               getEnvDuration("IDLE_SWEEP", 5*time.Second),
		GuardianInterval:        getEnvDuration("GUARDIAN_INTERVAL", 60*time.Second),
		ConductorInterval:       getEnvDuration("CONDUCTOR_INTERVAL", 300*time.Second),
		WatchdogInterval:        getEnvDuration("WATCHDOG_INTERVAL", 30*time.Second),
		MonitoringWorkers:       getEnvInt("MONITORING_WORKERS", 5),
		AnthropicAPIKey:         getEnv("ANTHROPIC_API_KEY", ""),
		GuardianModel:           getEnv("GUARDIAN_MODEL", "claude-sonnet-4.5"),
		ValidationEnabled:       getEnvBool("TASK_VALIDATION_ENABLED", true),
		MaxValidationIterations: getEnvInt("MAX_VALIDATION_ITERATIONS", 3),
		BudgetAlertThreshold:    getEnvFloat("BUDGET_ALERT_THRESHOLD", 0.8),
		ForecastBuffer:          getEnvFloat("FORECAST_BUFFER", 1.2),
		AvgTokensPerTask:        getEnvInt("AVG_TOKENS_PER_TASK", 5000),
		ApprovalTimeout:         getEnvDuration("APPROVAL_TIMEOUT", 24*time.Hour),
		GitHubWebhookSecret:     getEnv("GITHUB_WEBHOOK_SECRET", ""),
		WorkspaceRoot:           getEnv("WORKSPACE_ROOT", "/var/lib/maestro/workspaces"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive, got %d", c.DispatchConcurrency)
	}
	if c.MonitoringWorkers <= 0 {
		return fmt.Errorf("MONITORING_WORKERS must be positive, got %d", c.MonitoringWorkers)
	}
	if c.MaxValidationIterations <= 0 {
		return fmt.Errorf("MAX_VALIDATION_ITERATIONS must be positive, got %d", c.MaxValidationIterations)
	}
	if c.BudgetAlertThreshold <= 0 || c.BudgetAlertThreshold > 1 {
		return fmt.Errorf("BUDGET_ALERT_THRESHOLD must be in (0, 1], got %v", c.BudgetAlertThreshold)
	}
	if c.ForecastBuffer < 1 {
		return fmt.Errorf("FORECAST_BUFFER must be at least 1, got %v", c.ForecastBuffer)
	}
	if c.HeartbeatWindow >= c.IdleThreshold {
		return fmt.Errorf("HEARTBEAT_WINDOW (%v) must be shorter than IDLE_THRESHOLD (%v)",
			c.HeartbeatWindow, c.IdleThreshold)
	}
	if c.SandboxMode && c.SandboxProviderURL == "" {
		return fmt.Errorf("SANDBOX_PROVIDER_URL is required when SANDBOX_MODE is enabled")
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
