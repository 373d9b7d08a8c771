package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/llm-adapter/services/providers"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      *DatabaseConfig // Optional: enables the usage ledger. Nil when no database is configured.
	Providers     []providers.ProviderConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// ProvidersFile is the layout of the optional YAML provider file
type ProvidersFile struct {
	Providers []providers.ProviderConfig `yaml:"providers"`
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	providerConfigs, err := loadProviders()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:  loadDatabaseConfig(),
		Providers: providerConfigs,
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	if c.Database != nil && c.Database.ConnectionString == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be listed")
	}
	seen := make(map[providers.ProviderTag]bool, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Provider.Valid() {
			return fmt.Errorf("unknown provider %q", p.Provider)
		}
		if seen[p.Provider] {
			return fmt.Errorf("provider %s is listed twice", p.Provider)
		}
		seen[p.Provider] = true
	}

	// Provider validation (at least one provider API key required in production)
	if c.IsProduction() && c.ConfiguredProviders() == 0 {
		return fmt.Errorf("at least one LLM provider must be configured in production")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// ConfiguredProviders counts providers that carry an API key
func (c *Config) ConfiguredProviders() int {
	n := 0
	for _, p := range c.Providers {
		if strings.TrimSpace(p.APIKey) != "" {
			n++
		}
	}
	return n
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// Returns nil when neither is set.
func loadDatabaseConfig() *DatabaseConfig {
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		return &DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	if getEnv("DB_HOST", "") == "" {
		return nil
	}
	return &DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", ""),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "llm_adapter"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadProviders reads the provider list from LLM_CONFIG_FILE when set and
// from the environment otherwise. LLM_PROVIDERS orders and filters the list.
func loadProviders() ([]providers.ProviderConfig, error) {
	var order []providers.ProviderTag
	if raw := getEnv("LLM_PROVIDERS", ""); raw != "" {
		parsed, err := ParseProviderOrder(raw)
		if err != nil {
			return nil, err
		}
		order = parsed
	}

	var configs []providers.ProviderConfig
	if path := getEnv("LLM_CONFIG_FILE", ""); path != "" {
		fromFile, err := LoadProvidersFile(path)
		if err != nil {
			return nil, err
		}
		configs = fromFile
	} else {
		tags := order
		if tags == nil {
			tags = providers.AllProviders()
		}
		for _, tag := range tags {
			configs = append(configs, providerFromEnv(tag))
		}
	}

	if order != nil {
		configs = applyOrder(configs, order)
	}
	return ResolveCredentials(configs), nil
}

// LoadProvidersFile parses a YAML provider list. Entries start from the
// vendor defaults.
func LoadProvidersFile(path string) ([]providers.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider file: %w", err)
	}

	var raw struct {
		Providers []yaml.Node `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse provider file: %w", err)
	}

	out := make([]providers.ProviderConfig, 0, len(raw.Providers))
	for i := range raw.Providers {
		var head struct {
			Provider providers.ProviderTag `yaml:"provider"`
		}
		if err := raw.Providers[i].Decode(&head); err != nil {
			return nil, fmt.Errorf("provider entry %d: %w", i, err)
		}

		cfg := providers.DefaultProviderConfig(head.Provider)
		if err := raw.Providers[i].Decode(&cfg); err != nil {
			return nil, fmt.Errorf("provider entry %d: %w", i, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ParseProviderOrder parses a comma separated priority list such as
// "anthropic,openai,gemini"
func ParseProviderOrder(raw string) ([]providers.ProviderTag, error) {
	var out []providers.ProviderTag
	seen := make(map[providers.ProviderTag]bool)
	for _, field := range strings.Split(raw, ",") {
		tag := providers.ProviderTag(strings.ToLower(strings.TrimSpace(field)))
		if tag == "" {
			continue
		}
		if !tag.Valid() {
			return nil, fmt.Errorf("unknown provider %q in LLM_PROVIDERS", tag)
		}
		if seen[tag] {
			return nil, fmt.Errorf("provider %q listed twice in LLM_PROVIDERS", tag)
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("LLM_PROVIDERS is empty")
	}
	return out, nil
}

// ResolveCredentials returns a copy of configs where empty API keys are
// filled from <PROVIDER>_API_KEY. Gemini also accepts GOOGLE_API_KEY.
func ResolveCredentials(configs []providers.ProviderConfig) []providers.ProviderConfig {
	out := make([]providers.ProviderConfig, len(configs))
	for i, cfg := range configs {
		if strings.TrimSpace(cfg.APIKey) == "" {
			cfg.APIKey = apiKeyFromEnv(cfg.Provider)
		}
		out[i] = cfg
	}
	return out
}

func apiKeyFromEnv(tag providers.ProviderTag) string {
	key := getEnv(envPrefix(tag)+"_API_KEY", "")
	if key == "" && tag == providers.ProviderGemini {
		key = getEnv("GOOGLE_API_KEY", "")
	}
	return key
}

func providerFromEnv(tag providers.ProviderTag) providers.ProviderConfig {
	prefix := envPrefix(tag)
	defaults := providers.DefaultProviderConfig(tag)

	cfg := defaults
	cfg.BaseURL = getEnv(prefix+"_BASE_URL", "")
	cfg.DefaultModel = getEnv(prefix+"_MODEL", "")
	cfg.EmbeddingModel = getEnv(prefix+"_EMBEDDING_MODEL", "")
	cfg.OrgID = getEnv(prefix+"_ORG_ID", "")
	cfg.Timeout = getEnvAsDuration(prefix+"_TIMEOUT", defaults.Timeout)
	cfg.MaxRetries = getEnvAsInt(prefix+"_MAX_RETRIES", defaults.MaxRetries)
	cfg.RetryDelay = getEnvAsDuration(prefix+"_RETRY_DELAY", defaults.RetryDelay)

	rl := providers.RateLimitConfig{
		RequestsPerMinute: getEnvAsInt(prefix+"_RPM", 0),
		TokensPerMinute:   getEnvAsInt(prefix+"_TPM", 0),
		MaxConcurrent:     getEnvAsInt(prefix+"_MAX_CONCURRENT", 0),
	}
	if rl != (providers.RateLimitConfig{}) {
		cfg.RateLimit = &rl
	}
	return cfg
}

// applyOrder keeps only the configs named in order, in that order
func applyOrder(configs []providers.ProviderConfig, order []providers.ProviderTag) []providers.ProviderConfig {
	byTag := make(map[providers.ProviderTag]providers.ProviderConfig, len(configs))
	for _, cfg := range configs {
		byTag[cfg.Provider] = cfg
	}

	out := make([]providers.ProviderConfig, 0, len(order))
	for _, tag := range order {
		if cfg, ok := byTag[tag]; ok {
			out = append(out, cfg)
		}
	}
	return out
}

func envPrefix(tag providers.ProviderTag) string {
	return strings.ToUpper(tag.String())
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
