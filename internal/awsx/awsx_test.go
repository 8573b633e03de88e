package awsx

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"
)

func TestLoad_StaticCredentialsAndEndpoint(t *testing.T) {
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	cfg, err := Load(context.Background(), Options{
		Region:          "sa-east-1",
		Endpoint:        "http://localhost:4566",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
	})
	require.NoError(t, err)
	require.Equal(t, "sa-east-1", cfg.Region)
	require.Equal(t, "http://localhost:4566", aws.ToString(cfg.BaseEndpoint))

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "AKID", creds.AccessKeyID)
}
