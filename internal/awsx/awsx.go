// Package awsx carga la aws.Config compartida por los adapters de DynamoDB,
// DynamoDB Streams, S3 y Secrets Manager.
package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Options de carga. Los campos vacíos caen en la cadena default del SDK
// (env, perfil, rol de la instancia).
type Options struct {
	Region string
	// Endpoint fuerza un endpoint base (LocalStack, DynamoDB local, MinIO).
	Endpoint string
	Profile  string
	// Credenciales estáticas, solo para desarrollo.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxAttempts     int
}

// Load arma la aws.Config.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	var loaders []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loaders = append(loaders, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)))
	}
	if opts.MaxAttempts > 0 {
		loaders = append(loaders, awsconfig.WithRetryMaxAttempts(opts.MaxAttempts))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("awsx: load config: %w", err)
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return cfg, nil
}
