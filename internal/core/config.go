package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the entire bastion configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Bus           BusConfig                `yaml:"bus"`
	Logging       LoggingConfig            `yaml:"logging"`
	Sanitizer     SanitizerConfig          `yaml:"sanitizer"`
	Threat        ThreatConfig             `yaml:"threat"`
	Quarantine    QuarantineConfig         `yaml:"quarantine"`
	Transactions  TransactionConfig        `yaml:"transactions"`
	Crypto        CryptoConfig             `yaml:"crypto"`
	Breakers      map[string]BreakerConfig `yaml:"breakers" validate:"dive"`
	Monitor       MonitorConfig            `yaml:"monitor"`
	Notifications NotificationConfig       `yaml:"notifications"`
	Emergency     EmergencyConfig          `yaml:"emergency"`
	MFA           MFAConfig                `yaml:"mfa"`
}

// ServerConfig holds operator API settings.
type ServerConfig struct {
	Host        string   `yaml:"host" validate:"required"`
	Port        int      `yaml:"port" validate:"min=1,max=65535"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateLimit   int      `yaml:"rate_limit" validate:"min=0"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port" validate:"min=-1,max=65535"`
}

// LoggingConfig holds logging and audit log settings.
type LoggingConfig struct {
	Level           string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format          string `yaml:"format" validate:"omitempty,oneof=console json"`
	AuditFile       string `yaml:"audit_file"`
	AuditMaxSizeMB  int    `yaml:"audit_max_size_mb" validate:"min=0"`
	AuditMaxBackups int    `yaml:"audit_max_backups" validate:"min=0"`
	AuditMaxAgeDays int    `yaml:"audit_max_age_days" validate:"min=0"`
}

// SanitizerConfig bounds sanitized input.
type SanitizerConfig struct {
	MaxStringLength int `yaml:"max_string_length" validate:"min=1"`
	MaxObjectDepth  int `yaml:"max_object_depth" validate:"min=1"`
}

// ThresholdConfig holds the ascending threat-level thresholds.
type ThresholdConfig struct {
	Low      float64 `yaml:"low" validate:"min=0"`
	Medium   float64 `yaml:"medium" validate:"gtefield=Low"`
	High     float64 `yaml:"high" validate:"gtefield=Medium"`
	Critical float64 `yaml:"critical" validate:"gtefield=High"`
}

// ThreatConfig configures the threat analyzer.
type ThreatConfig struct {
	Thresholds ThresholdConfig `yaml:"thresholds"`
	// RulesFile replaces the embedded default ruleset when set.
	RulesFile string `yaml:"rules_file"`
}

// QuarantineConfig configures quarantine persistence and retention.
type QuarantineConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory sqlite"`
	SQLitePath    string        `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
	Retention     time.Duration `yaml:"retention" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	WriteBuffer   int           `yaml:"write_buffer" validate:"min=1"`
}

// TransactionConfig holds fiat transaction validation limits.
type TransactionConfig struct {
	MaxAmount              float64       `yaml:"max_amount" validate:"gt=0"`
	AllowedCurrencies      []string      `yaml:"allowed_currencies" validate:"min=1,dive,len=3"`
	VelocityLimit          int           `yaml:"velocity_limit" validate:"min=1"`
	VelocityWindow         time.Duration `yaml:"velocity_window" validate:"gt=0"`
	BlockedAccountPatterns []string      `yaml:"blocked_account_patterns"`
}

// AmountBounds is an expected amount range for one crypto currency.
type AmountBounds struct {
	Min float64 `yaml:"min" validate:"min=0"`
	Max float64 `yaml:"max" validate:"gtfield=Min"`
}

// CryptoConfig holds crypto payout validation settings.
type CryptoConfig struct {
	Bounds        map[string]AmountBounds `yaml:"bounds" validate:"dive"`
	ScamAddresses []string                `yaml:"scam_addresses"`
	RedisURL      string                  `yaml:"redis_url"`
	RedisKey      string                  `yaml:"redis_key"`
}

// BreakerConfig configures one protected dependency.
type BreakerConfig struct {
	Threshold   int           `yaml:"threshold" validate:"min=1"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
}

// MonitorConfig configures the background security sweep.
type MonitorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval" validate:"gt=0"`
	Window         time.Duration `yaml:"window" validate:"gt=0"`
	ActivityBuffer int           `yaml:"activity_buffer" validate:"min=1"`
}

// NotificationConfig holds shoutrrr URLs per audience.
type NotificationConfig struct {
	SecurityTeam []string `yaml:"security_team"`
	Regulators   []string `yaml:"regulators"`
}

// EmergencyConfig configures emergency purge reporting.
type EmergencyConfig struct {
	ReportableReasons []string `yaml:"reportable_reasons"`
}

// MFAConfig configures MFA enforcement.
type MFAConfig struct {
	RiskThreshold    float64       `yaml:"risk_threshold" validate:"min=0,max=1"`
	Methods          []string      `yaml:"methods" validate:"min=1"`
	ChallengeTimeout time.Duration `yaml:"challenge_timeout" validate:"gt=0"`
}

// DefaultBreakerConfig is applied to dependencies without explicit settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Timeout:     60 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8470,
			RateLimit: 100,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Logging: LoggingConfig{
			Level:           "info",
			Format:          "console",
			AuditMaxSizeMB:  50,
			AuditMaxBackups: 10,
			AuditMaxAgeDays: 90,
		},
		Sanitizer: SanitizerConfig{
			MaxStringLength: 10000,
			MaxObjectDepth:  10,
		},
		Threat: ThreatConfig{
			Thresholds: ThresholdConfig{Low: 0, Medium: 0.6, High: 0.8, Critical: 0.9},
		},
		Quarantine: QuarantineConfig{
			Backend:       "memory",
			SQLitePath:    "./data/quarantine.db",
			Retention:     30 * 24 * time.Hour,
			SweepInterval: time.Hour,
			WriteBuffer:   256,
		},
		Transactions: TransactionConfig{
			MaxAmount:         1_000_000,
			AllowedCurrencies: []string{"USD", "EUR", "GBP", "CAD", "AUD", "JPY", "CHF"},
			VelocityLimit:     3,
			VelocityWindow:    5 * time.Minute,
			BlockedAccountPatterns: []string{
				`^0+$`,
				`^(1+|9+)$`,
				`(?i)^(test|fake|null|none|void)`,
			},
		},
		Crypto: CryptoConfig{
			Bounds: map[string]AmountBounds{
				"BTC":  {Min: 0.00001, Max: 10},
				"ETH":  {Min: 0.0001, Max: 200},
				"LTC":  {Min: 0.001, Max: 2000},
				"USDT": {Min: 1, Max: 500_000},
				"XRP":  {Min: 1, Max: 1_000_000},
				"DOGE": {Min: 1, Max: 5_000_000},
			},
			RedisKey: "bastion:scam_addresses",
		},
		Breakers: map[string]BreakerConfig{
			"ai_inference": DefaultBreakerConfig(),
		},
		Monitor: MonitorConfig{
			Enabled:        true,
			Interval:       5 * time.Minute,
			Window:         5 * time.Minute,
			ActivityBuffer: 5000,
		},
		Emergency: EmergencyConfig{
			ReportableReasons: []string{"data_breach", "financial_fraud", "account_compromise"},
		},
		MFA: MFAConfig{
			RiskThreshold:    0.5,
			Methods:          []string{"totp", "sms", "email"},
			ChallengeTimeout: 5 * time.Minute,
		},
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Errors here abort startup.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return NewError(KindConfig, "config.validate", "invalid configuration", err)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, NewError(KindConfig, "config.load", "parsing config file", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, NewError(KindConfig, "config.load", "reading config file", err)
		}
	}

	// Load API keys from environment if not set in config
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("BASTION_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}

	for i, c := range cfg.Transactions.AllowedCurrencies {
		cfg.Transactions.AllowedCurrencies[i] = strings.ToUpper(c)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Breaker returns the settings for a named dependency.
func (c *Config) Breaker(name string) BreakerConfig {
	if bc, ok := c.Breakers[name]; ok {
		return bc
	}
	return DefaultBreakerConfig()
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
