// Package config loads service configuration from the environment with an
// optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds connection settings for the shared fast store.
type RedisConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// GatewayConfig is the configuration for the gateway service.
type GatewayConfig struct {
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `yaml:"trust_proxy" json:"trust_proxy"`

	JWT struct {
		AccessSecret   string        `yaml:"access_secret" json:"-"`
		RefreshSecret  string        `yaml:"refresh_secret" json:"-"`
		AccessExpires  time.Duration `yaml:"access_expires" json:"access_expires"`
		RefreshExpires time.Duration `yaml:"refresh_expires" json:"refresh_expires"`
		Issuer         string        `yaml:"issuer" json:"issuer"`
	} `yaml:"jwt" json:"jwt"`

	Redis RedisConfig `yaml:"redis" json:"redis"`

	KafkaBrokers []string `yaml:"kafka_brokers" json:"kafka_brokers"`

	StorageServiceURL string `yaml:"storage_service_url" json:"storage_service_url"`

	RateLimit struct {
		Window      time.Duration `yaml:"window" json:"window"`
		MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	} `yaml:"rate_limit" json:"rate_limit"`

	// Upstream routing table: path prefix under /api/v1 -> base URL.
	Upstreams map[string]string `yaml:"upstreams" json:"upstreams"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DeviceConfig is the configuration for the device management service.
type DeviceConfig struct {
	Port              int         `yaml:"port" json:"port"`
	StorageServiceURL string      `yaml:"storage_service_url" json:"storage_service_url"`
	InfluxURL         string      `yaml:"influxdb_url" json:"influxdb_url"`
	InfluxToken       string      `yaml:"influxdb_token" json:"-"`
	InfluxOrg         string      `yaml:"influxdb_org" json:"influxdb_org"`
	InfluxBucket      string      `yaml:"influxdb_bucket" json:"influxdb_bucket"`
	KafkaBrokers      []string    `yaml:"kafka_brokers" json:"kafka_brokers"`
	Redis             RedisConfig `yaml:"redis" json:"redis"`
	ProbeConcurrency  int         `yaml:"probe_concurrency" json:"probe_concurrency"`
	LogLevel          string      `yaml:"log_level" json:"log_level"`
}

// DatabaseConfig holds SQL database settings for the LLM service.
// SQLite is the zero-config default; Postgres and MySQL are selected when
// their host is set.
type DatabaseConfig struct {
	Type     string `yaml:"type" json:"type"`
	Path     string `yaml:"path" json:"path"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// LLMServiceConfig is the configuration for the LLM service.
type LLMServiceConfig struct {
	Port            int            `yaml:"port" json:"port"`
	OpenAIAPIKey    string         `yaml:"openai_api_key" json:"-"`
	AnthropicAPIKey string         `yaml:"anthropic_api_key" json:"-"`
	Database        DatabaseConfig `yaml:"database" json:"database"`
	Redis           RedisConfig    `yaml:"redis" json:"redis"`
	KafkaBrokers    []string       `yaml:"kafka_brokers" json:"kafka_brokers"`
	EncryptionKey   string         `yaml:"encryption_key" json:"-"`
	CacheTTL        time.Duration  `yaml:"cache_ttl" json:"cache_ttl"`
	ReloadInterval  time.Duration  `yaml:"reload_interval" json:"reload_interval"`
	LogLevel        string         `yaml:"log_level" json:"log_level"`
}

// LoadGateway reads gateway configuration from the environment.
func LoadGateway() (*GatewayConfig, error) {
	cfg := &GatewayConfig{}
	cfg.Host = envStr("GATEWAY_HOST", "0.0.0.0")
	cfg.Port = envInt("GATEWAY_PORT", 8080)
	cfg.CORSOrigins = envCSV("CORS_ORIGINS", nil)
	cfg.TrustProxy = envBool("TRUST_PROXY", false)

	cfg.JWT.AccessSecret = os.Getenv("JWT_ACCESS_SECRET")
	cfg.JWT.RefreshSecret = os.Getenv("JWT_REFRESH_SECRET")
	cfg.JWT.AccessExpires = envDuration("JWT_ACCESS_EXPIRES_IN", time.Hour)
	cfg.JWT.RefreshExpires = envDuration("JWT_REFRESH_EXPIRES_IN", 7*24*time.Hour)
	cfg.JWT.Issuer = envStr("JWT_ISSUER", "opshub-gateway")

	cfg.Redis = loadRedis("gateway")
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", []string{"localhost:9092"})
	cfg.StorageServiceURL = envStr("STORAGE_SERVICE_URL", "http://localhost:8200")

	cfg.RateLimit.Window = time.Duration(envInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond
	cfg.RateLimit.MaxRequests = envInt("RATE_LIMIT_MAX_REQUESTS", 100)

	cfg.Upstreams = map[string]string{
		"storage":   cfg.StorageServiceURL,
		"devices":   envStr("DEVICE_SERVICE_URL", "http://localhost:8101"),
		"mcp":       envStr("MCP_SERVICE_URL", "http://localhost:8201"),
		"llm":       envStr("LLM_SERVICE_URL", "http://localhost:8301"),
		"workflows": envStr("WORKFLOW_SERVICE_URL", "http://localhost:8301"),
	}

	cfg.LogLevel = envStr("LOG_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants that must hold before the gateway starts.
func (c *GatewayConfig) Validate() error {
	if len(c.JWT.AccessSecret) < 32 {
		return fmt.Errorf("JWT_ACCESS_SECRET must be at least 32 bytes")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		return fmt.Errorf("JWT_REFRESH_SECRET must be at least 32 bytes")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Port)
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	return nil
}

// LoadDevice reads device service configuration from the environment.
func LoadDevice() (*DeviceConfig, error) {
	cfg := &DeviceConfig{
		Port:              envInt("PORT", 8101),
		StorageServiceURL: envStr("STORAGE_SERVICE_URL", "http://localhost:8200"),
		InfluxURL:         os.Getenv("INFLUXDB_URL"),
		InfluxToken:       os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:         envStr("INFLUXDB_ORG", "opshub"),
		InfluxBucket:      envStr("INFLUXDB_BUCKET", "device-metrics"),
		KafkaBrokers:      envCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		Redis:             loadRedis("devices"),
		ProbeConcurrency:  envInt("PROBE_CONCURRENCY", 64),
		LogLevel:          envStr("LOG_LEVEL", "info"),
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid device service port %d", cfg.Port)
	}
	if cfg.ProbeConcurrency <= 0 {
		return nil, fmt.Errorf("PROBE_CONCURRENCY must be positive")
	}
	return cfg, nil
}

// LoadLLM reads LLM service configuration from the environment.
func LoadLLM() (*LLMServiceConfig, error) {
	cfg := &LLMServiceConfig{
		Port:            envInt("LLM_SERVICE_PORT", 8301),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Redis:           loadRedis("llm"),
		KafkaBrokers:    envCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		EncryptionKey:   os.Getenv("ENCRYPTION_KEY"),
		CacheTTL:        envDuration("LLM_CACHE_TTL", time.Hour),
		ReloadInterval:  envDuration("PROVIDER_RELOAD_INTERVAL", 30*time.Second),
		LogLevel:        envStr("LOG_LEVEL", "info"),
	}

	cfg.Database = DatabaseConfig{
		Type:     envStr("DB_TYPE", ""),
		Path:     envStr("SQLITE_PATH", ""),
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     envInt("POSTGRES_PORT", 5432),
		Name:     envStr("POSTGRES_DB", "opshub_llm"),
		User:     envStr("POSTGRES_USER", "opshub"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:  envStr("POSTGRES_SSL_MODE", "disable"),
	}
	if cfg.Database.Type == "" {
		if cfg.Database.Host != "" {
			cfg.Database.Type = "postgres"
		} else {
			cfg.Database.Type = "sqlite"
		}
	}

	if len(cfg.EncryptionKey) < 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be at least 32 characters")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid LLM service port %d", cfg.Port)
	}
	return cfg, nil
}

// ApplyFile overlays values from a YAML file onto an already-loaded config
// struct. A missing file is not an error; the environment always wins on
// secrets because it loads first and YAML only fills zero values the file
// names explicitly.
func ApplyFile(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadRedis(defaultPrefix string) RedisConfig {
	return RedisConfig{
		Host:      envStr("REDIS_HOST", "localhost"),
		Port:      envInt("REDIS_PORT", 6379),
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        envInt("REDIS_DB", 0),
		KeyPrefix: envStr("REDIS_KEY_PREFIX", "opshub:"+defaultPrefix+":"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func envCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envDuration accepts Go duration strings ("1h", "30s") and falls back to
// plain seconds for numeric values. Day shorthand like "7d" appears in
// deployment manifests and is accepted too.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if strings.HasSuffix(v, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(v, "d")); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return def
}
