package config

import "time"

type Config struct {
	Env         string `yaml:"env" env:"ENVIRONMENT"`
	Port        int    `yaml:"port" env:"PORT"`
	Version     string `yaml:"version" env:"APP_VERSION"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`
	TestMode    bool   `yaml:"test_mode" env:"TEST_MODE"`

	Logger   LoggerConfig   `yaml:"logger"`
	Auth     AuthConfig     `yaml:"auth"`
	Access   AccessConfig   `yaml:"access"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Sources  SourcesConfig  `yaml:"sources"`
	LLM      LLMConfig      `yaml:"llm"`
	Audit    AuditConfig    `yaml:"audit"`
	TLS      TLSConfig      `yaml:"tls"`
	CORS     CORSConfig     `yaml:"cors"`
	Rate     RateConfig     `yaml:"rate_limit"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	KMS      KMSConfig      `yaml:"kms"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type LoggerConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL"`
	Format      string `yaml:"format" env:"LOG_FORMAT"`
	Output      string `yaml:"output" env:"LOG_OUTPUT"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT"`
}

type AuthConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLE_AUTH"`
	JWTSecret    string        `yaml:"jwt_secret" env:"JWT_SECRET_KEY"`
	JWTAlgorithm string        `yaml:"jwt_algorithm" env:"JWT_ALGORITHM"`
	TokenTTL     time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL"`
	Domain       string        `yaml:"domain" env:"AUTH0_DOMAIN"`
	Audience     string        `yaml:"audience" env:"AUTH0_AUDIENCE"`
	ClaimsNS     string        `yaml:"claims_namespace" env:"AUTH_CLAIMS_NAMESPACE"`
	JWKSTimeout  time.Duration `yaml:"jwks_timeout" env:"JWKS_TIMEOUT"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL"`
}

// External reports whether tokens are verified against an identity provider.
func (a AuthConfig) External() bool {
	return a.Domain != "" && a.Audience != ""
}

type AccessConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLE_DATA_ACCESS_CONTROL"`
}

type SanitizeConfig struct {
	MaxQuestionLength int `yaml:"max_question_length" env:"MAX_QUESTION_LENGTH"`
}

type SourcesConfig struct {
	Disabled  []string `yaml:"disabled" env:"DISABLE_SOURCES"`
	ScoresCSV string   `yaml:"scores_csv" env:"SCORES_CSV_PATH"`
}

type LLMConfig struct {
	APIKey    string        `yaml:"api_key" env:"GEMINI_API_KEY"`
	Model     string        `yaml:"model" env:"GEMINI_MODEL"`
	BaseURL   string        `yaml:"base_url" env:"GEMINI_BASE_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"LLM_TIMEOUT"`
	MaxTokens int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS"`
}

type AuditConfig struct {
	ToFile     bool   `yaml:"to_file" env:"AUDIT_LOG_TO_FILE"`
	ToStdout   bool   `yaml:"to_stdout" env:"AUDIT_LOG_STDOUT"`
	File       string `yaml:"file" env:"AUDIT_LOG_FILE"`
	MaxBytes   int64  `yaml:"max_bytes" env:"AUDIT_LOG_MAX_BYTES"`
	ArchiveDir string `yaml:"archive_dir" env:"AUDIT_ARCHIVE_DIR"`
	// per-category routing: all, file, log or off
	DataAccess string `yaml:"data_access" env:"AUDIT_DATA_ACCESS"`
	Harmful    string `yaml:"harmful_content" env:"AUDIT_HARMFUL_CONTENT"`
	Security   string `yaml:"security" env:"AUDIT_SECURITY"`
}

type TLSConfig struct {
	Require           bool     `yaml:"require" env:"REQUIRE_TLS"`
	ForceRedirect     bool     `yaml:"force_redirect" env:"ENFORCE_HTTPS"`
	HSTSMaxAge        int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
	IncludeSubdomains bool     `yaml:"include_subdomains" env:"HSTS_INCLUDE_SUBDOMAINS"`
	Preload           bool     `yaml:"preload" env:"HSTS_PRELOAD"`
	CSP               string   `yaml:"csp" env:"CONTENT_SECURITY_POLICY"`
	ExcludedPaths     []string `yaml:"excluded_paths"`
	TrustProxyHeader  bool     `yaml:"trust_proxy_header" env:"TRUST_PROXY_HEADER"`
	AllowedHosts      []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type RateConfig struct {
	Enabled           bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	RatePerInterval   int           `yaml:"rate_per_interval" env:"RATE_LIMIT_PER_INTERVAL"`
	Interval          time.Duration `yaml:"interval" env:"RATE_LIMIT_INTERVAL"`
	Burst             int           `yaml:"burst" env:"RATE_LIMIT_BURST"`
	TrustedProxyCIDRs []string      `yaml:"trusted_proxy_cidrs" env:"RATE_LIMIT_TRUSTED_PROXIES"`
}

type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS"`
	TopicAudit    string        `yaml:"topic_audit" env:"KAFKA_TOPIC_AUDIT"`
	TopicAlerts   string        `yaml:"topic_alerts" env:"KAFKA_TOPIC_ALERTS"`
	BatchSize     int           `yaml:"batch_size"`
	FlushEvery    time.Duration `yaml:"flush_every"`
	QueueCapacity int           `yaml:"queue_capacity"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	TLS           bool          `yaml:"tls" env:"KAFKA_TLS"`
}

type KMSConfig struct {
	KeyID     string        `yaml:"key_id" env:"AUDIT_KMS_KEY_ID"`
	Timeout   time.Duration `yaml:"timeout" env:"AUDIT_KMS_TIMEOUT"`
	Algorithm string        `yaml:"algorithm" env:"AUDIT_KMS_ALGORITHM"`
}

type TracingConfig struct {
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"OTEL_SAMPLE_RATIO"`
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}
