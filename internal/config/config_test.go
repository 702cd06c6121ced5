package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "s3cret")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.True(t, cfg.Access.Enabled)
	assert.Equal(t, int64(10*1024*1024), cfg.Audit.MaxBytes)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
port: 9090
auth:
  enabled: true
  jwt_secret: ${TEST_JWT}
  jwks_timeout: 2s
audit:
  max_bytes: 4096
  archive_dir: /var/audit
sources:
  disabled: [REAL]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("TEST_JWT", "from-yaml")
	t.Setenv("ENABLE_DATA_ACCESS_CONTROL", "false")
	t.Setenv("DISABLE_SOURCES", "EMT, SEL")
	t.Setenv("LLM_TIMEOUT", "12s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "from-yaml", cfg.Auth.JWTSecret)
	assert.Equal(t, 2*time.Second, cfg.Auth.JWKSTimeout)
	assert.Equal(t, int64(4096), cfg.Audit.MaxBytes)
	assert.False(t, cfg.Access.Enabled)
	assert.Equal(t, []string{"EMT", "SEL"}, cfg.Sources.Disabled)
	assert.Equal(t, 12*time.Second, cfg.LLM.Timeout)
}

func TestLoadConfig_BadEnvValue(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "x")
	t.Setenv("PORT", "not-a-number")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = ""
	assert.Error(t, cfg.Validate(), "auth enabled without any verifier")

	cfg.Auth.Domain = "tenant.auth0.com"
	cfg.Auth.Audience = "https://api"
	assert.NoError(t, cfg.Validate())

	cfg.Auth.Enabled = false
	cfg.Auth.Domain = ""
	assert.NoError(t, cfg.Validate())

	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}

type fakeSecrets struct {
	values map[string]string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

type fakeSSM struct {
	values map[string]string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestResolveSecrets(t *testing.T) {
	r := NewSecretResolver(
		NewAWSSecretsLoader(&fakeSecrets{values: map[string]string{"prod/jwt": "jwt-value"}}),
		NewSSMLoader(&fakeSSM{values: map[string]string{"/agent/llm": "llm-value"}}),
	)
	cfg := Default()
	cfg.Auth.JWTSecret = "secretsmanager:prod/jwt"
	cfg.LLM.APIKey = "ssm:/agent/llm"
	cfg.DatabaseURL = "postgres://plain"

	require.True(t, NeedsSecretResolution(cfg))
	require.NoError(t, ResolveSecrets(context.Background(), cfg, r))

	assert.Equal(t, "jwt-value", cfg.Auth.JWTSecret)
	assert.Equal(t, "llm-value", cfg.LLM.APIKey)
	assert.Equal(t, "postgres://plain", cfg.DatabaseURL)
	assert.False(t, NeedsSecretResolution(cfg))
}

func TestResolveSecrets_MissingSecret(t *testing.T) {
	r := NewSecretResolver(NewAWSSecretsLoader(&fakeSecrets{}), nil)
	cfg := Default()
	cfg.Auth.JWTSecret = "secretsmanager:absent"

	err := ResolveSecrets(context.Background(), cfg, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")

	cfg.Auth.JWTSecret = "ssm:/absent"
	assert.Error(t, ResolveSecrets(context.Background(), cfg, r), "no ssm client configured")
}
