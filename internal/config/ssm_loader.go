package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/tilli/master-agent/internal/util/logger"
)

// SSMParameterStoreClient defines an interface for AWS SSM client
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMLoader loads parameters from AWS Systems Manager Parameter Store
type SSMLoader struct {
	client SSMParameterStoreClient
}

func NewSSMLoader(client SSMParameterStoreClient) *SSMLoader {
	return &SSMLoader{client: client}
}

// GetParameter retrieves a parameter from SSM
func (l *SSMLoader) GetParameter(ctx context.Context, paramName string, decrypt bool) (string, error) {
	logger.Infof("[SSMLoader] Retrieving parameter: %s", paramName)

	result, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		logger.Errorf("[SSMLoader] Failed to get parameter %s: %v", paramName, err)
		return "", fmt.Errorf("failed to get parameter: %w", err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", errors.New("parameter value is nil")
	}
	return *result.Parameter.Value, nil
}
