// Package config handles session configuration with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete session configuration
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Broker    BrokerConfig    `yaml:"broker"`
	Risk      RiskConfig      `yaml:"risk"`
	Provider  ProviderConfig  `yaml:"provider"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SessionConfig describes one trading session
type SessionConfig struct {
	Symbol             string  `yaml:"symbol" validate:"required"`
	Interval           string  `yaml:"interval" validate:"required,oneof=1m 3m 5m 15m 1h"`
	DurationMin        int     `yaml:"duration_min" validate:"required,min=1"`
	ExecutionMode      string  `yaml:"execution_mode" validate:"oneof=paper live"`
	StateDir           string  `yaml:"state_dir" validate:"required"`
	LogsDir            string  `yaml:"logs_dir"`
	StartingBalance    float64 `yaml:"starting_balance" validate:"required,min=0"`
	DryRun             bool    `yaml:"dry_run"`
	ExecutionLatencyMS int     `yaml:"execution_latency_ms" validate:"min=0,max=10000"`
	StaleTimeoutSec    int     `yaml:"stale_timeout_sec" validate:"min=1,max=3600"`
	MinHistoryBars     int     `yaml:"min_history_bars" validate:"min=0,max=5000"`
	MaxCandleBuffer    int     `yaml:"max_candle_buffer" validate:"min=10,max=100000"`
}

// BrokerConfig contains fill simulation and safety gate parameters
type BrokerConfig struct {
	TakerFeeBps          float64            `yaml:"taker_fee_bps" validate:"min=0,max=100"`
	MakerFeeBps          float64            `yaml:"maker_fee_bps" validate:"min=0,max=100"`
	SlippageBps          float64            `yaml:"slippage_bps" validate:"min=0,max=100"`
	IsInverse            bool               `yaml:"is_inverse"`
	VolumeCapRatio       float64            `yaml:"volume_cap_ratio" validate:"min=0,max=1"`
	MaxOrdersPerMinute   int                `yaml:"max_orders_per_minute" validate:"min=1,max=600"`
	MaxPositionSizeUSD   float64            `yaml:"max_position_size_usd" validate:"min=0"`
	MaxPositionPerSymbol map[string]float64 `yaml:"max_position_per_symbol"`
	TrailMult            float64            `yaml:"trail_mult" validate:"min=0,max=10"`
	TrailActivateR       float64            `yaml:"trail_activate_r" validate:"min=0,max=10"`
	HistoryDBPath        string             `yaml:"history_db_path"`
}

// RiskConfig contains circuit breaker parameters
type RiskConfig struct {
	MaxFailures          int     `yaml:"max_failures" validate:"min=1,max=100"`
	ResetTimeoutSec      int     `yaml:"reset_timeout_sec" validate:"min=1,max=3600"`
	MaxDailyDrawdownPct  float64 `yaml:"max_daily_drawdown_pct" validate:"min=0,max=100"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" validate:"min=1,max=100"`
	MaxErrorsPerSession  int     `yaml:"max_errors_per_session" validate:"min=1,max=1000"`
}

// ProviderConfig selects and configures the market data provider
type ProviderConfig struct {
	Name      string `yaml:"name" validate:"oneof=bitunix replay"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	APIKey    string `yaml:"api_key"`    // defaults to BITUNIX_API_KEY
	SecretKey string `yaml:"secret_key"` // defaults to BITUNIX_API_SECRET
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides pulls secrets from the environment when the file
// leaves them empty.
func (c *Config) applyEnvOverrides() {
	if c.Provider.APIKey == "" {
		c.Provider.APIKey = os.Getenv("BITUNIX_API_KEY")
	}
	if c.Provider.SecretKey == "" {
		c.Provider.SecretKey = os.Getenv("BITUNIX_API_SECRET")
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSession(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateProvider(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSession() error {
	if c.Session.Symbol == "" {
		return ValidationError{Field: "session.symbol", Message: "symbol is required"}
	}
	validIntervals := []string{"1m", "3m", "5m", "15m", "1h"}
	if !contains(validIntervals, c.Session.Interval) {
		return ValidationError{
			Field:   "session.interval",
			Value:   c.Session.Interval,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validIntervals, ", ")),
		}
	}
	if c.Session.DurationMin <= 0 {
		return ValidationError{Field: "session.duration_min", Value: c.Session.DurationMin, Message: "must be positive"}
	}
	if c.Session.ExecutionMode != "paper" && c.Session.ExecutionMode != "live" {
		return ValidationError{Field: "session.execution_mode", Value: c.Session.ExecutionMode, Message: "must be paper or live"}
	}
	if c.Session.StateDir == "" {
		return ValidationError{Field: "session.state_dir", Message: "state_dir is required"}
	}
	if c.Session.StartingBalance <= 0 {
		return ValidationError{Field: "session.starting_balance", Value: c.Session.StartingBalance, Message: "must be positive"}
	}
	if c.Session.StaleTimeoutSec <= 0 {
		return ValidationError{Field: "session.stale_timeout_sec", Value: c.Session.StaleTimeoutSec, Message: "must be positive"}
	}
	if c.Session.MaxCandleBuffer < 10 {
		return ValidationError{Field: "session.max_candle_buffer", Value: c.Session.MaxCandleBuffer, Message: "must be at least 10"}
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.VolumeCapRatio <= 0 || c.Broker.VolumeCapRatio > 1 {
		return ValidationError{Field: "broker.volume_cap_ratio", Value: c.Broker.VolumeCapRatio, Message: "must be in (0, 1]"}
	}
	if c.Broker.MaxOrdersPerMinute <= 0 {
		return ValidationError{Field: "broker.max_orders_per_minute", Value: c.Broker.MaxOrdersPerMinute, Message: "must be positive"}
	}
	if c.Broker.MaxPositionSizeUSD <= 0 {
		return ValidationError{Field: "broker.max_position_size_usd", Value: c.Broker.MaxPositionSizeUSD, Message: "must be positive"}
	}
	if c.Broker.TrailMult < 0 {
		return ValidationError{Field: "broker.trail_mult", Value: c.Broker.TrailMult, Message: "must be non-negative"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxFailures <= 0 {
		return ValidationError{Field: "risk.max_failures", Value: c.Risk.MaxFailures, Message: "must be positive"}
	}
	if c.Risk.ResetTimeoutSec <= 0 {
		return ValidationError{Field: "risk.reset_timeout_sec", Value: c.Risk.ResetTimeoutSec, Message: "must be positive"}
	}
	if c.Risk.MaxDailyDrawdownPct <= 0 || c.Risk.MaxDailyDrawdownPct > 100 {
		return ValidationError{Field: "risk.max_daily_drawdown_pct", Value: c.Risk.MaxDailyDrawdownPct, Message: "must be in (0, 100]"}
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return ValidationError{Field: "risk.max_consecutive_losses", Value: c.Risk.MaxConsecutiveLosses, Message: "must be positive"}
	}
	if c.Risk.MaxErrorsPerSession <= 0 {
		return ValidationError{Field: "risk.max_errors_per_session", Value: c.Risk.MaxErrorsPerSession, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateProvider() error {
	validProviders := []string{"bitunix", "replay"}
	if !contains(validProviders, c.Provider.Name) {
		return ValidationError{
			Field:   "provider.name",
			Value:   c.Provider.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validProviders, ", ")),
		}
	}
	if c.Provider.Name == "bitunix" && c.Session.ExecutionMode == "live" {
		if c.Provider.APIKey == "" || c.Provider.SecretKey == "" {
			return ValidationError{
				Field:   "provider.api_key",
				Message: "BITUNIX_API_KEY and BITUNIX_API_SECRET are required in live mode",
			}
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} references in the YAML content
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// String returns a printable config summary with secrets masked
func (c *Config) String() string {
	return fmt.Sprintf("Config{symbol=%s interval=%s mode=%s duration=%dmin provider=%s api_key=%s}",
		c.Session.Symbol, c.Session.Interval, c.Session.ExecutionMode,
		c.Session.DurationMin, c.Provider.Name, maskString(c.Provider.APIKey))
}

func maskString(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// DefaultConfig returns a configuration populated with safe defaults
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Interval:           "1m",
			DurationMin:        480,
			ExecutionMode:      "paper",
			StateDir:           "state",
			LogsDir:            "logs",
			ExecutionLatencyMS: 150,
			StaleTimeoutSec:    90,
			MinHistoryBars:     200,
			MaxCandleBuffer:    2000,
		},
		Broker: BrokerConfig{
			TakerFeeBps:        6,
			MakerFeeBps:        2,
			SlippageBps:        2,
			VolumeCapRatio:     0.10,
			MaxOrdersPerMinute: 10,
			MaxPositionSizeUSD: 100000,
			TrailMult:          1.5,
			TrailActivateR:     0.5,
		},
		Risk: RiskConfig{
			MaxFailures:          5,
			ResetTimeoutSec:      60,
			MaxDailyDrawdownPct:  5,
			MaxConsecutiveLosses: 4,
			MaxErrorsPerSession:  20,
		},
		Provider: ProviderConfig{
			Name: "replay",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
}
