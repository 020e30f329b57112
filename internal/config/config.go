package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-ledger/budget"
	"gopkg.in/yaml.v3"
)

// Config holds the budget ledger service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownSec     int      `yaml:"shutdown_timeout_sec"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, memory (default: sqlite)
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

// RedisConfig enables the status cache when Addr is set.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StatusTTLSec int    `yaml:"status_ttl_sec"`
}

// LedgerConfig holds reservation and status settings.
type LedgerConfig struct {
	DefaultTTLSec int      `yaml:"default_ttl_sec"`
	MaxTTLSec     int      `yaml:"max_ttl_sec"`
	MaxRetries    int      `yaml:"max_retries"`
	Thresholds    []string `yaml:"thresholds"` // utilization fractions, e.g. "0.75"
}

// SweeperConfig controls the in-process expiration sweeper.
type SweeperConfig struct {
	Enabled     *bool `yaml:"enabled"` // default: true
	IntervalSec int   `yaml:"interval_sec"`
	BatchSize   int   `yaml:"batch_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, decodes, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "./data/budget.db"
	}
	if c.Redis.StatusTTLSec <= 0 {
		c.Redis.StatusTTLSec = 30
	}
	if c.Ledger.DefaultTTLSec <= 0 {
		c.Ledger.DefaultTTLSec = 900
	}
	if c.Ledger.MaxTTLSec <= 0 {
		c.Ledger.MaxTTLSec = 86400
	}
	if c.Ledger.MaxRetries <= 0 {
		c.Ledger.MaxRetries = 32
	}
	if len(c.Ledger.Thresholds) == 0 {
		c.Ledger.Thresholds = []string{"0.75", "0.9", "1"}
	}
	if c.Sweeper.Enabled == nil {
		enabled := true
		c.Sweeper.Enabled = &enabled
	}
	if c.Sweeper.IntervalSec <= 0 {
		c.Sweeper.IntervalSec = 60
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 500
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", c.Database.Driver)
	}
	if c.Ledger.DefaultTTLSec > c.Ledger.MaxTTLSec {
		return fmt.Errorf("ledger.default_ttl_sec (%d) exceeds ledger.max_ttl_sec (%d)", c.Ledger.DefaultTTLSec, c.Ledger.MaxTTLSec)
	}
	for _, raw := range c.Ledger.Thresholds {
		t, err := decimal.NewFromString(raw)
		if err != nil || !t.IsPositive() || t.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("ledger.thresholds must be fractions in (0, 1], got %q", raw)
		}
	}
	return nil
}

// SweeperEnabled reports whether the server runs the periodic sweeper.
func (c *Config) SweeperEnabled() bool {
	return c.Sweeper.Enabled == nil || *c.Sweeper.Enabled
}

// LedgerOptions converts the ledger and sweeper sections to budget.Config.
// Call after Validate.
func (c *Config) LedgerOptions() budget.Config {
	thresholds := make([]decimal.Decimal, 0, len(c.Ledger.Thresholds))
	for _, raw := range c.Ledger.Thresholds {
		thresholds = append(thresholds, decimal.RequireFromString(raw))
	}
	return budget.Config{
		DefaultTTL:     time.Duration(c.Ledger.DefaultTTLSec) * time.Second,
		MaxTTL:         time.Duration(c.Ledger.MaxTTLSec) * time.Second,
		MaxRetries:     c.Ledger.MaxRetries,
		Thresholds:     thresholds,
		SweepBatchSize: c.Sweeper.BatchSize,
		SweepInterval:  time.Duration(c.Sweeper.IntervalSec) * time.Second,
	}
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
