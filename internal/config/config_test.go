package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsAndYAML(t *testing.T) {
	p := writeYAML(t, `
store:
  driver: dynamodb
  table: jwks-keys
feed:
  driver: dynamodb-streams
sink:
  driver: s3
  bucket: my-bucket
rotation:
  read_timeout: 3s
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, "dev", c.App.Env)
	require.Equal(t, "jwks-keys", c.Store.Table)
	require.Equal(t, 3*time.Second, c.Rotation.ReadTimeout)
	require.Equal(t, 10*time.Second, c.Rotation.WriteTimeout)
	require.Equal(t, ".well-known/jwks.json", c.Sink.Path)
	require.Equal(t, "trim_horizon", c.Feed.StartPosition)
	require.Equal(t, "kid", c.KID.VersionStagePrefix)
	require.Equal(t, "#", c.KID.VersionStageSeparator)
	require.EqualValues(t, 30, c.Secrets.RecoveryWindowDays)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	p := writeYAML(t, `
sink:
  driver: fs
  fs_root: /tmp/a
`)
	t.Setenv("SINK_FS_ROOT", "/srv/jwks")
	t.Setenv("SINK_PATH", "/keys/jwks.json")
	t.Setenv("ROTATION_WRITE_TIMEOUT", "250ms")
	t.Setenv("ROTATION_WORKERS", "4")
	t.Setenv("SECRETS_REPLICA_REGIONS", "eu-west-1, sa-east-1")

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "/srv/jwks", c.Sink.FSRoot)
	require.Equal(t, "keys/jwks.json", c.Sink.Path)
	require.Equal(t, 250*time.Millisecond, c.Rotation.WriteTimeout)
	require.Equal(t, 4, c.Rotation.Workers)
	require.Equal(t, []string{"eu-west-1", "sa-east-1"}, c.Secrets.ReplicaRegions)
}

func TestFromEnv_MemoryPipelineIsValid(t *testing.T) {
	c := FromEnv()
	require.NoError(t, c.Validate())
	require.Equal(t, "memory", c.Store.Driver)
	require.Equal(t, "memory", c.Feed.Driver)
	require.Equal(t, "memory", c.Sink.Driver)
}

func TestValidate_Errors(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("FEED_DRIVER", "redis")
	t.Setenv("SECRETS_RECOVERY_WINDOW_DAYS", "3")

	err := FromEnv().Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "store.dsn is required")
	require.Contains(t, err.Error(), "feed.redis.addr is required")
	require.Contains(t, err.Error(), "recovery_window_days")
	require.Contains(t, err.Error(), "not allowed in prod")
}

func TestValidate_MemoryFeedNeedsMemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DSN", "postgres://localhost/jwks")
	err := FromEnv().Validate()
	require.ErrorContains(t, err, "feed.driver memory only pairs with store.driver memory")
}
