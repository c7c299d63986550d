package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Store backends selectable with CONFIG_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreS3       = "s3"
)

// Config holds runtime configuration for the pipelined service.
type Config struct {
	Addr               string   `env:"ADDR,default=:8080"`
	AllowedOrigins     []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE,default=120"`

	ConfigStore    string `env:"CONFIG_STORE,default=memory"`
	DBDSN          string `env:"DB_DSN"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3ConfigPrefix string `env:"S3_CONFIG_PREFIX,default=pipelined"`

	NATSURL  string `env:"NATS_URL"`
	Schedule string `env:"PIPELINE_SCHEDULE"`

	Cooldown      time.Duration `env:"PIPELINE_COOLDOWN,default=500ms"`
	StageMin      time.Duration `env:"PIPELINE_STAGE_MIN,default=2s"`
	StageMax      time.Duration `env:"PIPELINE_STAGE_MAX,default=4s"`
	Ticks         int           `env:"PIPELINE_TICKS,default=10"`
	StreamBuffer  int           `env:"STREAM_BUFFER,default=64"`
	KeepAlive     time.Duration `env:"STREAM_KEEPALIVE,default=15s"`
	OTLPEndpoint  string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel      string        `env:"LOG_LEVEL,default=info"`
	LogFormat     string        `env:"LOG_FORMAT,default=json"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE,default=10s"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	c.ConfigStore = strings.ToLower(strings.TrimSpace(c.ConfigStore))
	switch c.ConfigStore {
	case StoreMemory:
	case StorePostgres:
		if c.DBDSN == "" {
			return errors.New("DB_DSN is required when CONFIG_STORE=postgres")
		}
	case StoreS3:
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required when CONFIG_STORE=s3")
		}
	default:
		return fmt.Errorf("unsupported CONFIG_STORE %q", c.ConfigStore)
	}

	if c.StageMin <= 0 || c.StageMax < c.StageMin {
		return fmt.Errorf("invalid stage duration range %s..%s", c.StageMin, c.StageMax)
	}
	if c.Ticks <= 0 {
		return errors.New("PIPELINE_TICKS must be positive")
	}
	if c.StreamBuffer <= 0 {
		return errors.New("STREAM_BUFFER must be positive")
	}
	return nil
}
