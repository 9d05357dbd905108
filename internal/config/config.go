// Package config loads the service configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendR2  = "r2"
	BackendGCS = "gcs"
)

// Config is the full service configuration.
type Config struct {
	Port          string        `env:"PORT" envDefault:"8080"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	Storage   StorageConfig
	R2        R2Config `envPrefix:"R2_"`
	GCP       GCPConfig
	Sandbox   SandboxConfig
	Agent     AgentConfig `envPrefix:"AGENT_"`
	Redis     RedisConfig `envPrefix:"REDIS_"`
	Records   RecordsConfig
	Workflow  WorkflowConfig `envPrefix:"WORKFLOW_"`
	Callbacks CallbackConfig
}

type StorageConfig struct {
	// Backend selects the object store: "r2" or "gcs".
	Backend   string `env:"STORAGE_BACKEND" envDefault:"r2"`
	GCSBucket string `env:"GCS_BUCKET"`
}

type R2Config struct {
	AccountID       string `env:"ACCOUNT_ID"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	Bucket          string `env:"BUCKET"`
	// Endpoint overrides the host derived from AccountID, e.g. for a local MinIO.
	Endpoint string `env:"ENDPOINT"`
	// Insecure talks plain HTTP to Endpoint.
	Insecure bool `env:"INSECURE" envDefault:"false"`
}

type GCPConfig struct {
	ProjectID    string `env:"PROJECT_ID"`
	VertexRegion string `env:"VERTEX_AI_REGION" envDefault:"us-central1"`
	VertexModel  string `env:"VERTEX_MODEL" envDefault:"gemini-2.5-pro"`
}

type SandboxConfig struct {
	Dir           string        `env:"SANDBOX_DIR"`
	PythonBin     string        `env:"PYTHON_BIN" envDefault:"python3"`
	ScriptTimeout time.Duration `env:"SCRIPT_TIMEOUT" envDefault:"60s"`
	HelperTimeout time.Duration `env:"HELPER_TIMEOUT" envDefault:"60s"`
}

type AgentConfig struct {
	MaxSteps           int `env:"MAX_STEPS" envDefault:"20"`
	MaxExecuteAttempts int `env:"MAX_EXECUTE_ATTEMPTS" envDefault:"3"`
	MaxVerifyRetries   int `env:"MAX_VERIFY_RETRIES" envDefault:"2"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type RecordsConfig struct {
	Enabled    bool          `env:"JOB_RECORDS_ENABLED" envDefault:"false"`
	Collection string        `env:"FIRESTORE_COLLECTION" envDefault:"statement_jobs"`
	DedupeTTL  time.Duration `env:"DEDUPE_TTL" envDefault:"15m"`
}

type WorkflowConfig struct {
	ID       string        `env:"ID"`
	Location string        `env:"LOCATION" envDefault:"us-central1"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

type CallbackConfig struct {
	Timeout time.Duration `env:"CALLBACK_TIMEOUT" envDefault:"10s"`
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize applies guardrails to values loaded from env.
func (c *Config) Sanitize() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	switch {
	case c.Agent.MaxSteps <= 0:
		c.Agent.MaxSteps = 20
	case c.Agent.MaxSteps < 15:
		c.Agent.MaxSteps = 15
	case c.Agent.MaxSteps > 25:
		c.Agent.MaxSteps = 25
	}
	if c.Agent.MaxExecuteAttempts <= 0 {
		c.Agent.MaxExecuteAttempts = 3
	}
	if c.Agent.MaxVerifyRetries <= 0 {
		c.Agent.MaxVerifyRetries = 2
	}
	if c.Sandbox.ScriptTimeout <= 0 {
		c.Sandbox.ScriptTimeout = 60 * time.Second
	}
	if c.Sandbox.HelperTimeout <= 0 {
		c.Sandbox.HelperTimeout = 60 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Workflow.Timeout <= 0 {
		c.Workflow.Timeout = 30 * time.Second
	}
	if c.Records.DedupeTTL <= 0 {
		c.Records.DedupeTTL = 15 * time.Minute
	}
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendR2:
		if c.R2.Bucket == "" {
			errs = append(errs, errors.New("R2_BUCKET is required"))
		}
		if c.R2.AccountID == "" && c.R2.Endpoint == "" {
			errs = append(errs, errors.New("R2_ACCOUNT_ID or R2_ENDPOINT is required"))
		}
		if c.R2.AccessKeyID == "" || c.R2.SecretAccessKey == "" {
			errs = append(errs, errors.New("R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY are required"))
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("PROJECT_ID is required"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL onto a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger installs a JSON slog handler on stdout as the default logger.
func InitLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
