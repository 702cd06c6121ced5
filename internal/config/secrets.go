package config

import (
	"context"
	"fmt"
	"strings"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const (
	secretsManagerPrefix = "secretsmanager:"
	ssmPrefix            = "ssm:"
)

// SecretResolver turns secret references in config values into plain values.
type SecretResolver struct {
	secrets *AWSSecretsLoader
	params  *SSMLoader
}

func NewSecretResolver(secrets *AWSSecretsLoader, params *SSMLoader) *SecretResolver {
	return &SecretResolver{secrets: secrets, params: params}
}

// NewAWSSecretResolver builds a resolver from the default AWS credential chain.
func NewAWSSecretResolver(ctx context.Context) (*SecretResolver, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretResolver(
		NewAWSSecretsLoader(secretsmanager.NewFromConfig(awsCfg)),
		NewSSMLoader(ssm.NewFromConfig(awsCfg)),
	), nil
}

// IsSecretRef reports whether v points at Secrets Manager or SSM.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, secretsManagerPrefix) || strings.HasPrefix(v, ssmPrefix)
}

// Resolve returns v unchanged unless it is a secret reference.
func (r *SecretResolver) Resolve(ctx context.Context, v string) (string, error) {
	switch {
	case strings.HasPrefix(v, secretsManagerPrefix):
		if r.secrets == nil {
			return "", fmt.Errorf("no secrets manager client for %q", v)
		}
		return r.secrets.GetSecret(ctx, strings.TrimPrefix(v, secretsManagerPrefix))
	case strings.HasPrefix(v, ssmPrefix):
		if r.params == nil {
			return "", fmt.Errorf("no ssm client for %q", v)
		}
		return r.params.GetParameter(ctx, strings.TrimPrefix(v, ssmPrefix), true)
	default:
		return v, nil
	}
}

// secretFields lists the config values that may hold references.
func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"auth.jwt_secret": &cfg.Auth.JWTSecret,
		"llm.api_key":     &cfg.LLM.APIKey,
		"database_url":    &cfg.DatabaseURL,
	}
}

// NeedsSecretResolution reports whether any secret field is a reference.
func NeedsSecretResolution(cfg *Config) bool {
	for _, p := range secretFields(cfg) {
		if IsSecretRef(*p) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every secret reference in cfg in place.
func ResolveSecrets(ctx context.Context, cfg *Config, r *SecretResolver) error {
	for name, p := range secretFields(cfg) {
		if !IsSecretRef(*p) {
			continue
		}
		v, err := r.Resolve(ctx, *p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*p = v
	}
	return nil
}
