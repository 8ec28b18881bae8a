package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"medrag"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"medrag"`

	// Remote processing service (split/OCR/embedding pipeline).
	PipelineURL   string `envconfig:"PIPELINE_URL" default:"http://localhost:8000"`
	PipelineWSURL string `envconfig:"PIPELINE_WS_URL" default:"ws://localhost:8000/ws/pipeline"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Progress tracking. "stream" consumes the pipeline WebSocket, one job
	// at a time; "poll" tails the pipeline log and tracks whole batches.
	TrackerMode     string `envconfig:"TRACKER_MODE" default:"stream"`
	PollIntervalMS  int    `envconfig:"POLL_INTERVAL_MS" default:"500"`
	StatusTailLimit int    `envconfig:"STATUS_TAIL_LIMIT" default:"100"`
	CleanTempFiles  bool   `envconfig:"CLEAN_TEMP_FILES" default:"false"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	MigrationPath   string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	UploadDir       string `envconfig:"MEDRAG_UPLOAD_DIR" default:"./uploads"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.PipelineURL == "" {
		return fmt.Errorf("%w: PIPELINE_URL", ErrMissingRequired)
	}
	if c.TrackerMode != "stream" && c.TrackerMode != "poll" {
		return fmt.Errorf("TRACKER_MODE must be \"stream\" or \"poll\", got %q", c.TrackerMode)
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMS)
	}
	return nil
}
