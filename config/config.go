package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Client configures access to the remote artifact store.
type Client struct {
	ApiKey    string        `env:"API_KEY"`
	ServerUrl string        `env:"SERVER_URL, default=http://127.0.0.1:8888"`
	Timeout   time.Duration `env:"TIMEOUT, default=30s"`
	Retries   uint          `env:"RETRIES, default=3"`
	LogLevel  string        `env:"LOG_LEVEL, default=info"`
	// Telemetry is one of off, stdout or otlp.
	Telemetry string `env:"TELEMETRY, default=off"`
}

// CanPush reports whether an upload credential is configured.
func (c Client) CanPush() bool {
	return c.ApiKey != ""
}

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:8888"`
	DBPath     string `env:"DB_PATH, default=magpie.db"`
	BlobDir    string `env:"BLOB_DIR, default=artifacts"`
	ApiKey     string `env:"API_KEY"`
	// MaxUploadSize is in bytes.
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE, default=536870912"`
	Telemetry     string `env:"TELEMETRY, default=off"`
}

type Config struct {
	Client Client `env:",prefix=MAGPIE_"`
	Server Server `env:",prefix=MAGPIE_SERVER_"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

// LoadFrom reads configuration from an explicit set of variables.
func LoadFrom(ctx context.Context, env map[string]string) (*Config, error) {
	return load(ctx, envconfig.MapLookuper(env))
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
