package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from YAML and environment variables.
// A missing file is not an error: defaults plus environment apply.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			// Expand environment variables in YAML
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	cfg := &Config{
		Env:     "development",
		Port:    8000,
		Version: "0.1.0",
	}
	cfg.Logger = LoggerConfig{Level: "info", Format: "json", Output: "stdout"}
	cfg.Auth = AuthConfig{
		Enabled:      true,
		JWTAlgorithm: "HS256",
		TokenTTL:     time.Hour,
		ClaimsNS:     "https://tilli.com",
		JWKSTimeout:  5 * time.Second,
		JWKSCacheTTL: time.Hour,
	}
	cfg.Access = AccessConfig{Enabled: true}
	cfg.Sanitize = SanitizeConfig{MaxQuestionLength: 1000}
	cfg.Sources = SourcesConfig{ScoresCSV: "data/scores_export_2025-11-16.csv"}
	cfg.LLM = LLMConfig{
		Model:     "gemini-1.5-flash",
		BaseURL:   "https://generativelanguage.googleapis.com/v1beta",
		Timeout:   30 * time.Second,
		MaxTokens: 500,
	}
	cfg.Audit = AuditConfig{
		ToFile:     true,
		File:       "logs/audit.log",
		MaxBytes:   10 * 1024 * 1024,
		ArchiveDir: "logs/archive",
		DataAccess: "all",
		Harmful:    "all",
		Security:   "all",
	}
	cfg.TLS = TLSConfig{
		HSTSMaxAge:        31536000,
		IncludeSubdomains: true,
		ExcludedPaths:     []string{"/health", "/health/live", "/health/ready", "/metrics"},
	}
	cfg.CORS = CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}}
	cfg.Rate = RateConfig{
		Enabled:         true,
		RatePerInterval: 60,
		Interval:        time.Minute,
		Burst:           10,
	}
	cfg.Kafka = KafkaConfig{
		TopicAudit:    "ferpa-audit",
		TopicAlerts:   "safety-alerts",
		BatchSize:     100,
		FlushEvery:    time.Second,
		QueueCapacity: 10000,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
	cfg.KMS = KMSConfig{Timeout: 3 * time.Second, Algorithm: "RSASSA_PSS_SHA_256"}
	cfg.Tracing = TracingConfig{ServiceName: "master-agent", SampleRatio: 1}
	return cfg
}

// Validate rejects combinations that cannot serve requests safely.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Auth.Enabled && !c.Auth.External() && c.Auth.JWTSecret == "" {
		return errors.New("auth enabled but neither JWT_SECRET_KEY nor AUTH0_DOMAIN/AUTH0_AUDIENCE is set")
	}
	if c.Auth.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported local JWT algorithm %q", c.Auth.JWTAlgorithm)
	}
	if c.Audit.ToFile && c.Audit.MaxBytes <= 0 {
		return fmt.Errorf("audit max bytes must be positive, got %d", c.Audit.MaxBytes)
	}
	return nil
}

// overrideWithEnv walks the struct tree and applies every `env` tag that is
// present in the process environment.
func overrideWithEnv(cfg *Config) error {
	return applyEnv(reflect.ValueOf(cfg).Elem())
}

var durationType = reflect.TypeOf(time.Duration(0))

func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct {
			if err := applyEnv(fieldVal); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		envValue, exists := os.LookupEnv(envKey)
		if !exists {
			continue
		}
		if err := setField(fieldVal, envValue); err != nil {
			return fmt.Errorf("env %s: %w", envKey, err)
		}
	}
	return nil
}

func setField(fieldVal reflect.Value, envValue string) error {
	if fieldVal.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return err
		}
		fieldVal.SetInt(int64(d))
		return nil
	}

	switch fieldVal.Kind() {
	case reflect.String:
		fieldVal.SetString(envValue)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return err
		}
		fieldVal.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return err
		}
		fieldVal.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return err
		}
		fieldVal.SetBool(b)
	case reflect.Slice:
		if fieldVal.Type().Elem().Kind() == reflect.String {
			fieldVal.Set(reflect.ValueOf(splitList(envValue)))
		}
	}
	return nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
