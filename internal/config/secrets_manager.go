package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tilli/master-agent/internal/util/logger"
)

// SecretsManagerClient defines a minimal interface for AWS Secrets Manager
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsLoader loads secrets from AWS Secrets Manager
type AWSSecretsLoader struct {
	client SecretsManagerClient
}

// NewAWSSecretsLoader wraps an existing client.
func NewAWSSecretsLoader(client SecretsManagerClient) *AWSSecretsLoader {
	return &AWSSecretsLoader{client: client}
}

// GetSecret retrieves a secret value from AWS Secrets Manager
func (l *AWSSecretsLoader) GetSecret(ctx context.Context, secretName string) (string, error) {
	logger.Infof("[SecretsLoader] Retrieving secret: %s", secretName)

	result, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		logger.Errorf("[SecretsLoader] Failed to get secret %s: %v", secretName, err)
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret value is nil")
	}
	return *result.SecretString, nil
}
