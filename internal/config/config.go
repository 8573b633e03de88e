package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	AWS struct {
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"` // LocalStack / DynamoDB local
		Profile  string `yaml:"profile"`
	} `yaml:"aws"`

	Store struct {
		// memory | dynamodb | postgres
		Driver   string `yaml:"driver"`
		Table    string `yaml:"table"`
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
		// Si true, una tabla inexistente es error en vez de set vacío.
		RefuseUnprovisioned bool `yaml:"refuse_unprovisioned"`
		// Intervalo de purga de vencidos (solo postgres/memory). 0 = no purgar.
		PurgeInterval time.Duration `yaml:"purge_interval"`
	} `yaml:"store"`

	Feed struct {
		// memory | dynamodb-streams | redis
		Driver        string        `yaml:"driver"`
		StreamARN     string        `yaml:"stream_arn"`
		BatchSize     int           `yaml:"batch_size"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		StartPosition string        `yaml:"start_position"` // trim_horizon | latest
		Partitions    int           `yaml:"partitions"`
		Redis         struct {
			Addr      string        `yaml:"addr"`
			Password  string        `yaml:"password"`
			DB        int           `yaml:"db"`
			Stream    string        `yaml:"stream"`
			Group     string        `yaml:"group"`
			Consumer  string        `yaml:"consumer"`
			ClaimIdle time.Duration `yaml:"claim_idle"`
		} `yaml:"redis"`
	} `yaml:"feed"`

	Sink struct {
		// memory | fs | s3
		Driver       string `yaml:"driver"`
		Path         string `yaml:"path"`
		CacheControl string `yaml:"cache_control"`
		FSRoot       string `yaml:"fs_root"`
		// Metadata y temporales del driver fs, fuera de fs_root.
		FSStateDir   string `yaml:"fs_state_dir"`
		Bucket       string `yaml:"bucket"`
		UsePathStyle bool   `yaml:"use_path_style"`
		// Dominio propio delante del bucket (solo para imprimir el JWKS URI).
		CustomDomain string `yaml:"custom_domain"`
	} `yaml:"sink"`

	Rotation struct {
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		Workers      int           `yaml:"workers"`
		Backoff      time.Duration `yaml:"backoff"`
		MaxBackoff   time.Duration `yaml:"max_backoff"`
		// Escritura condicional por stamp (ver sink.ConditionalSink). El stamp
		// es el reloj de cada réplica: supone relojes sincronizados (NTP). Si
		// la sink tiene un stamp adelantado al reloj local el lote no se
		// confirma (rotation.ErrClockSkew) y se reintenta.
		Conditional bool `yaml:"conditional"`
	} `yaml:"rotation"`

	Server struct {
		Addr     string        `yaml:"addr"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
		// Vacío deshabilita POST /v1/rebuild.
		AdminAPIKey string `yaml:"admin_api_key"`
		// Rebuilds manuales por ventana; 0 = sin límite.
		RebuildLimit  int           `yaml:"rebuild_limit"`
		RebuildWindow time.Duration `yaml:"rebuild_window"`
	} `yaml:"server"`

	Secrets struct {
		Prefix             string   `yaml:"prefix"`
		RecoveryWindowDays int64    `yaml:"recovery_window_days"`
		ReplicaRegions     []string `yaml:"replica_regions"`
		KMSKeyID           string   `yaml:"kms_key_id"`
	} `yaml:"secrets"`

	// Formato de kid por versión que usa el lado de emisión: "<prefix><sep><version>".
	KID struct {
		VersionStagePrefix    string `yaml:"version_stage_prefix"`
		VersionStageSeparator string `yaml:"version_stage_separator"`
	} `yaml:"kid"`
}

// Load lee el YAML, aplica .env, overrides de entorno y defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	loadDotEnv()
	c.applyEnvOverrides()
	c.applyDefaults()
	return &c, nil
}

// FromEnv arma la config solo desde variables de entorno (y .env).
func FromEnv() *Config {
	var c Config
	loadDotEnv()
	c.applyEnvOverrides()
	c.applyDefaults()
	return &c
}

// loadDotEnv no pisa variables ya definidas en el entorno.
func loadDotEnv() {
	_ = godotenv.Load(".env")
	if env := strings.ToLower(os.Getenv("APP_ENV")); env != "" {
		_ = godotenv.Load(".env." + env)
	}
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Feed.Driver == "" {
		c.Feed.Driver = "memory"
	}
	if c.Feed.BatchSize == 0 {
		c.Feed.BatchSize = 100
	}
	if c.Feed.PollInterval == 0 {
		c.Feed.PollInterval = time.Second
	}
	if c.Feed.StartPosition == "" {
		c.Feed.StartPosition = "trim_horizon"
	}
	if c.Feed.Partitions == 0 {
		c.Feed.Partitions = 4
	}
	if c.Feed.Redis.ClaimIdle == 0 {
		c.Feed.Redis.ClaimIdle = time.Minute
	}
	if c.Sink.Driver == "" {
		c.Sink.Driver = "memory"
	}
	if c.Sink.Path == "" {
		c.Sink.Path = ".well-known/jwks.json"
	}
	if c.Sink.CacheControl == "" {
		c.Sink.CacheControl = "public, max-age=300"
	}
	if c.Rotation.ReadTimeout == 0 {
		c.Rotation.ReadTimeout = 10 * time.Second
	}
	if c.Rotation.WriteTimeout == 0 {
		c.Rotation.WriteTimeout = 10 * time.Second
	}
	if c.Rotation.Workers == 0 {
		c.Rotation.Workers = 1
	}
	if c.Rotation.Backoff == 0 {
		c.Rotation.Backoff = 500 * time.Millisecond
	}
	if c.Rotation.MaxBackoff == 0 {
		c.Rotation.MaxBackoff = 30 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.CacheTTL == 0 {
		c.Server.CacheTTL = 30 * time.Second
	}
	if c.Server.RebuildWindow == 0 {
		c.Server.RebuildWindow = time.Minute
	}
	if c.Secrets.RecoveryWindowDays == 0 {
		c.Secrets.RecoveryWindowDays = 30
	}
	if c.KID.VersionStagePrefix == "" {
		c.KID.VersionStagePrefix = "kid"
	}
	if c.KID.VersionStageSeparator == "" {
		c.KID.VersionStageSeparator = "#"
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}

	// AWS
	if v, ok := getEnvStr("AWS_REGION"); ok {
		c.AWS.Region = v
	}
	if v, ok := getEnvStr("AWS_ENDPOINT_URL"); ok {
		c.AWS.Endpoint = v
	}
	if v, ok := getEnvStr("AWS_PROFILE"); ok {
		c.AWS.Profile = v
	}

	// STORE
	if v, ok := getEnvStr("STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := getEnvStr("STORE_TABLE"); ok {
		c.Store.Table = v
	}
	if v, ok := getEnvStr("STORE_DSN"); ok {
		c.Store.DSN = v
	}
	if v, ok := getEnvBool("STORE_REFUSE_UNPROVISIONED"); ok {
		c.Store.RefuseUnprovisioned = v
	}
	if v, ok := getEnvDur("STORE_PURGE_INTERVAL"); ok {
		c.Store.PurgeInterval = v
	}

	// FEED
	if v, ok := getEnvStr("FEED_DRIVER"); ok {
		c.Feed.Driver = v
	}
	if v, ok := getEnvStr("FEED_STREAM_ARN"); ok {
		c.Feed.StreamARN = v
	}
	if v, ok := getEnvInt("FEED_BATCH_SIZE"); ok {
		c.Feed.BatchSize = v
	}
	if v, ok := getEnvDur("FEED_POLL_INTERVAL"); ok {
		c.Feed.PollInterval = v
	}
	if v, ok := getEnvStr("FEED_START_POSITION"); ok {
		c.Feed.StartPosition = strings.ToLower(v)
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Feed.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Feed.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Feed.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_STREAM"); ok {
		c.Feed.Redis.Stream = v
	}
	if v, ok := getEnvStr("REDIS_GROUP"); ok {
		c.Feed.Redis.Group = v
	}
	if v, ok := getEnvStr("REDIS_CONSUMER"); ok {
		c.Feed.Redis.Consumer = v
	}

	// SINK
	if v, ok := getEnvStr("SINK_DRIVER"); ok {
		c.Sink.Driver = v
	}
	if v, ok := getEnvStr("SINK_BUCKET"); ok {
		c.Sink.Bucket = v
	}
	if v, ok := getEnvStr("SINK_PATH"); ok {
		c.Sink.Path = strings.TrimPrefix(v, "/")
	}
	if v, ok := getEnvStr("SINK_FS_ROOT"); ok {
		c.Sink.FSRoot = v
	}
	if v, ok := getEnvStr("SINK_FS_STATE_DIR"); ok {
		c.Sink.FSStateDir = v
	}
	if v, ok := getEnvStr("SINK_CACHE_CONTROL"); ok {
		c.Sink.CacheControl = v
	}
	if v, ok := getEnvStr("SINK_CUSTOM_DOMAIN"); ok {
		c.Sink.CustomDomain = v
	}
	if v, ok := getEnvBool("SINK_USE_PATH_STYLE"); ok {
		c.Sink.UsePathStyle = v
	}

	// ROTATION
	if v, ok := getEnvDur("ROTATION_READ_TIMEOUT"); ok {
		c.Rotation.ReadTimeout = v
	}
	if v, ok := getEnvDur("ROTATION_WRITE_TIMEOUT"); ok {
		c.Rotation.WriteTimeout = v
	}
	if v, ok := getEnvInt("ROTATION_WORKERS"); ok {
		c.Rotation.Workers = v
	}
	if v, ok := getEnvBool("ROTATION_CONDITIONAL"); ok {
		c.Rotation.Conditional = v
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvDur("SERVER_CACHE_TTL"); ok {
		c.Server.CacheTTL = v
	}
	if v, ok := getEnvStr("ADMIN_API_KEY"); ok {
		c.Server.AdminAPIKey = v
	}
	if v, ok := getEnvInt("SERVER_REBUILD_LIMIT"); ok {
		c.Server.RebuildLimit = v
	}
	if v, ok := getEnvDur("SERVER_REBUILD_WINDOW"); ok {
		c.Server.RebuildWindow = v
	}

	// SECRETS
	if v, ok := getEnvStr("SECRETS_PREFIX"); ok {
		c.Secrets.Prefix = v
	}
	if v, ok := getEnvInt("SECRETS_RECOVERY_WINDOW_DAYS"); ok {
		c.Secrets.RecoveryWindowDays = int64(v)
	}
	if v, ok := getEnvCSV("SECRETS_REPLICA_REGIONS"); ok {
		c.Secrets.ReplicaRegions = v
	}
}

// Validate revisa combinaciones que no pueden arrancar.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "dynamodb":
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for dynamodb"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Feed.Driver {
	case "memory":
		if c.Store.Driver != "memory" {
			errs = append(errs, errors.New("feed.driver memory only pairs with store.driver memory"))
		}
	case "dynamodb-streams":
		if c.Feed.StreamARN == "" && c.Store.Table == "" {
			errs = append(errs, errors.New("feed.stream_arn or store.table is required for dynamodb-streams"))
		}
	case "redis":
		if c.Feed.Redis.Addr == "" {
			errs = append(errs, errors.New("feed.redis.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown feed.driver %q", c.Feed.Driver))
	}
	if c.Feed.StartPosition != "trim_horizon" && c.Feed.StartPosition != "latest" {
		errs = append(errs, fmt.Errorf("feed.start_position must be trim_horizon or latest, got %q", c.Feed.StartPosition))
	}

	switch c.Sink.Driver {
	case "memory":
	case "fs":
		if c.Sink.FSRoot == "" {
			errs = append(errs, errors.New("sink.fs_root is required for fs"))
		}
	case "s3":
		if c.Sink.Bucket == "" {
			errs = append(errs, errors.New("sink.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.driver %q", c.Sink.Driver))
	}
	if strings.Contains(c.Sink.Path, "..") {
		errs = append(errs, fmt.Errorf("sink.path %q must not contain '..'", c.Sink.Path))
	}

	if c.Rotation.ReadTimeout <= 0 || c.Rotation.WriteTimeout <= 0 {
		errs = append(errs, errors.New("rotation timeouts must be positive"))
	}
	if c.Rotation.Workers < 1 {
		errs = append(errs, errors.New("rotation.workers must be >= 1"))
	}
	if c.Server.RebuildLimit > 0 && c.Server.RebuildWindow <= 0 {
		errs = append(errs, errors.New("server.rebuild_window must be positive"))
	}
	if d := c.Secrets.RecoveryWindowDays; d < 7 || d > 30 {
		errs = append(errs, fmt.Errorf("secrets.recovery_window_days must be within [7,30], got %d", d))
	}
	if c.App.Env == "prod" && c.Sink.Driver == "memory" {
		errs = append(errs, errors.New("sink.driver memory is not allowed in prod"))
	}
	return errors.Join(errs...)
}

// IsProd indica entorno productivo.
func (c *Config) IsProd() bool { return c.App.Env == "prod" }
