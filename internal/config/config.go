package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"db/migrations"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	UploadDir string `env:"UPLOAD_DIR" envDefault:"./data/uploads"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"90s"`
	ReaperInterval    time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`

	DefaultMaxRetries int `env:"DEFAULT_MAX_RETRIES" envDefault:"3"`
	BulkParallelism   int `env:"BULK_PARALLELISM" envDefault:"4"`

	AIDrawingURL     string        `env:"AI_DRAWING_URL"`
	AIDrawingToken   string        `env:"AI_DRAWING_TOKEN"`
	AIDrawingTimeout time.Duration `env:"AI_DRAWING_TIMEOUT" envDefault:"120s"`
	CADConverterBin  string        `env:"CAD_CONVERTER_BIN" envDefault:"cadconv"`
}

func Load() (Config, error) {
	// Dev convenience; missing .env is fine.
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if c.HeartbeatTimeout < 3*c.HeartbeatInterval {
		return Config{}, errors.Errorf(
			"HEARTBEAT_TIMEOUT (%s) must be at least 3x HEARTBEAT_INTERVAL (%s) to avoid reclaiming live jobs",
			c.HeartbeatTimeout, c.HeartbeatInterval,
		)
	}
	return c, nil
}
