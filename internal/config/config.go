package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SteelMorgan/log-shipper/internal/retry"
)

// Sink kinds
const (
	SinkClickHouse = "clickhouse"
	SinkRedis      = "redis"
)

// Config holds all configuration for the application
type Config struct {
	// Shippers to run; from SHIPPERS_FILE or the single-shipper env vars
	Shippers []ShipperConfig

	// ClickHouse configuration
	ClickHouseHost        string
	ClickHousePort        int
	ClickHouseDB          string
	ClickHouseUser        string
	ClickHousePassword    string
	ClickHouseTable       string
	ClickHouseCreateTable bool

	// Redis configuration
	RedisAddr   string
	RedisMaxLen int64

	// Retry settings for sink connections
	RetryMaxAttempts    int
	RetryInitialDelayMs int
	RetryMaxDelayMs     int
	RetryMultiplier     float64

	// Observability
	LogLevel        string
	LogFile         string
	TracingEnabled  bool
	TracingEndpoint string
	TracingProtocol string // grpc or http
	TracingSample   float64
}

// ShipperConfig describes one buffer prefix and where its lines go
type ShipperConfig struct {
	Name               string        `yaml:"name"`
	BufferBaseFilename string        `yaml:"buffer_base_filename"`
	BufferSuffix       *string       `yaml:"buffer_suffix"`
	BatchPostingLimit  int           `yaml:"batch_posting_limit"`
	Period             time.Duration `yaml:"period"`
	Destination        string        `yaml:"destination"`
	Sink               string        `yaml:"sink"`
}

// BufferPrefix returns the path prefix the shipper reads. Every sink gets
// its own suffix so two destinations never share a bookmark.
func (s ShipperConfig) BufferPrefix() string {
	if s.BufferSuffix != nil {
		return s.BufferBaseFilename + *s.BufferSuffix
	}
	switch s.Sink {
	case SinkRedis:
		return s.BufferBaseFilename + ".stream"
	case SinkClickHouse:
		return s.BufferBaseFilename + ".clickhouse"
	}
	return s.BufferBaseFilename
}

type shippersFile struct {
	Shippers []ShipperConfig `yaml:"shippers"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ClickHouseHost:        getEnv("CLICKHOUSE_HOST", "localhost"),
		ClickHousePort:        getEnvInt("CLICKHOUSE_PORT", 9000),
		ClickHouseDB:          getEnv("CLICKHOUSE_DB", "logs"),
		ClickHouseUser:        getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword:    getEnv("CLICKHOUSE_PASSWORD", ""),
		ClickHouseTable:       getEnv("CLICKHOUSE_TABLE", "shipped_logs"),
		ClickHouseCreateTable: getEnvBool("CLICKHOUSE_CREATE_TABLE", true),

		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisMaxLen: int64(getEnvInt("REDIS_MAXLEN", 0)),

		RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelayMs: getEnvInt("RETRY_INITIAL_DELAY_MS", 100),
		RetryMaxDelayMs:     getEnvInt("RETRY_MAX_DELAY_MS", 5000),
		RetryMultiplier:     getEnvFloat("RETRY_MULTIPLIER", 2.0),

		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("LOG_FILE", ""),
		TracingEnabled:  getEnvBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4317"),
		TracingProtocol: getEnv("TRACING_PROTOCOL", "grpc"),
		TracingSample:   getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
	}

	if path := getEnv("SHIPPERS_FILE", ""); path != "" {
		shippers, err := LoadShippers(path)
		if err != nil {
			return nil, err
		}
		cfg.Shippers = shippers
	} else if base := getEnv("BUFFER_BASE_FILENAME", ""); base != "" {
		cfg.Shippers = []ShipperConfig{{
			Name:               getEnv("DESTINATION", "default"),
			BufferBaseFilename: base,
			BatchPostingLimit:  getEnvInt("BATCH_POSTING_LIMIT", 500),
			Period:             getEnvDuration("PERIOD", 2*time.Second),
			Destination:        getEnv("DESTINATION", "default"),
			Sink:               getEnv("SINK", SinkClickHouse),
		}}
		if suffix, ok := os.LookupEnv("BUFFER_SUFFIX"); ok {
			cfg.Shippers[0].BufferSuffix = &suffix
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadShippers reads shipper definitions from a YAML file and fills in
// defaults for omitted fields
func LoadShippers(path string) ([]ShipperConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shippers file: %w", err)
	}

	var f shippersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse shippers file: %w", err)
	}

	for i := range f.Shippers {
		s := &f.Shippers[i]
		if s.BatchPostingLimit == 0 {
			s.BatchPostingLimit = 500
		}
		if s.Period == 0 {
			s.Period = 2 * time.Second
		}
		if s.Sink == "" {
			s.Sink = SinkClickHouse
		}
		if s.Destination == "" {
			s.Destination = s.Name
		}
	}

	return f.Shippers, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Shippers) == 0 {
		return fmt.Errorf("no shippers configured: set SHIPPERS_FILE or BUFFER_BASE_FILENAME")
	}

	names := make(map[string]bool)
	prefixes := make(map[string]string)
	needClickHouse := false
	for i, s := range c.Shippers {
		if s.Name == "" {
			return fmt.Errorf("shipper %d: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("shipper %q is defined twice", s.Name)
		}
		names[s.Name] = true

		if s.BufferBaseFilename == "" {
			return fmt.Errorf("shipper %q: buffer_base_filename is required", s.Name)
		}
		if s.BatchPostingLimit < 1 {
			return fmt.Errorf("shipper %q: batch_posting_limit must be at least 1", s.Name)
		}
		if s.Period <= 0 {
			return fmt.Errorf("shipper %q: period must be positive", s.Name)
		}
		switch s.Sink {
		case SinkClickHouse:
			needClickHouse = true
		case SinkRedis:
		default:
			return fmt.Errorf("shipper %q: unknown sink %q (want %s or %s)", s.Name, s.Sink, SinkClickHouse, SinkRedis)
		}

		prefix := strings.ToLower(s.BufferPrefix())
		if other, ok := prefixes[prefix]; ok {
			return fmt.Errorf("shippers %q and %q read the same buffer files", other, s.Name)
		}
		prefixes[prefix] = s.Name
	}

	if needClickHouse {
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
		}
		if c.ClickHouseDB == "" {
			return fmt.Errorf("CLICKHOUSE_DB is required")
		}
		if c.ClickHouseTable == "" {
			return fmt.Errorf("CLICKHOUSE_TABLE is required")
		}
	}
	if c.RedisMaxLen < 0 {
		return fmt.Errorf("REDIS_MAXLEN must not be negative")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.TracingProtocol != "grpc" && c.TracingProtocol != "http" {
		return fmt.Errorf("TRACING_PROTOCOL must be grpc or http")
	}
	if c.TracingSample < 0 || c.TracingSample > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be between 0 and 1")
	}

	return nil
}

// RetryConfig builds the retry configuration for sink connections
func (c *Config) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.RetryMaxAttempts
	cfg.InitialDelay = time.Duration(c.RetryInitialDelayMs) * time.Millisecond
	cfg.MaxDelay = time.Duration(c.RetryMaxDelayMs) * time.Millisecond
	cfg.Multiplier = c.RetryMultiplier
	return cfg
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable ("2s", "500ms") or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
