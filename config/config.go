// Package config reads the stackup settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/furvino/go-stackutils/stack"
	"github.com/furvino/go-stackutils/stack/waiter"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/furvino/go-stackutils/upload/sink"
	"github.com/go-playground/validator/v10"
)

const (
	SinkFilesystem = "filesystem"
	SinkS3         = "s3"
)

// Config ...
type Config struct {
	StackAPIURL     string `env:"STACK_API_URL" validate:"omitempty,url"`
	StackUsername   string `env:"STACK_USERNAME" validate:"required_with=StackPassword"`
	StackPassword   Secret `env:"STACK_PASSWORD" validate:"required_with=StackUsername"`
	StackPathPrefix string `env:"STACK_PATH_PREFIX" default:"/files/furvino" validate:"required,startswith=/"`

	Sink        string `env:"SINK" default:"filesystem" validate:"oneof=filesystem s3"`
	StorageRoot string `env:"STORAGE_ROOT"`
	StagingDir  string `env:"STAGING_DIR" validate:"required"`

	PartSize       int64         `env:"UPLOAD_PART_SIZE,size" default:"8MiB" validate:"gtefield=MinPartSize,ltefield=MaxPartSize"`
	MinPartSize    int64         `env:"UPLOAD_MIN_PART_SIZE,size" default:"1MiB" validate:"gt=0"`
	MaxPartSize    int64         `env:"UPLOAD_MAX_PART_SIZE,size" default:"64MiB" validate:"gtefield=MinPartSize"`
	MaxParts       int           `env:"UPLOAD_MAX_PARTS" default:"10000" validate:"gt=0"`
	SessionTTL     time.Duration `env:"UPLOAD_SESSION_TTL" default:"24h" validate:"gt=0"`
	AllowedFolders []string      `env:"UPLOAD_ALLOWED_FOLDERS"`

	WaiterInterval    time.Duration `env:"WAITER_INTERVAL" default:"1s" validate:"gt=0"`
	WaiterMaxAttempts int           `env:"WAITER_MAX_ATTEMPTS" default:"300" validate:"gt=0"`

	ShareTTL           time.Duration `env:"SHARE_TTL" default:"1h" validate:"gt=0"`
	ShareAllowDegraded bool          `env:"SHARE_ALLOW_DEGRADED"`

	S3Bucket          string `env:"S3_BUCKET" validate:"required_if=Sink s3"`
	S3Region          string `env:"S3_REGION" validate:"required_if=Sink s3"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID" validate:"required_with=S3SecretAccessKey"`
	S3SecretAccessKey Secret `env:"S3_SECRET_ACCESS_KEY" validate:"required_with=S3AccessKeyID"`
	S3KeyPrefix       string `env:"S3_KEY_PREFIX"`

	ListenAddr string `env:"LISTEN_ADDR" default:":8080" validate:"required"`
	Debug      bool   `env:"DEBUG"`
}

// Load parses and validates the configuration. STAGING_DIR defaults to a
// directory under the system temp dir.
func Load(envGetter EnvGetter) (Config, error) {
	var cfg Config
	if err := parse(&cfg, envGetter); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "stackup-staging")
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return Config{}, fmt.Errorf("invalid config: %w", validationErrs)
		}
		return Config{}, err
	}
	return cfg, nil
}

// HasStack reports whether enough is set to talk to the STACK API.
func (c Config) HasStack() bool {
	return c.StackAPIURL != "" && c.StackUsername != "" && c.StackPassword != ""
}

// SessionConfig ...
func (c Config) SessionConfig() session.Config {
	return session.Config{
		Dir:            c.StagingDir,
		PartSize:       c.PartSize,
		MinPartSize:    c.MinPartSize,
		MaxPartSize:    c.MaxPartSize,
		MaxParts:       c.MaxParts,
		AllowedFolders: c.AllowedFolders,
	}
}

// StackOptions ...
func (c Config) StackOptions() stack.Options {
	return stack.Options{
		BaseURL:     c.StackAPIURL,
		Username:    c.StackUsername,
		Password:    string(c.StackPassword),
		SharePolicy: stack.SharePolicy{AllowDegraded: c.ShareAllowDegraded},
	}
}

// WaiterConfig ...
func (c Config) WaiterConfig() waiter.Config {
	return waiter.Config{
		Interval:    c.WaiterInterval,
		MaxAttempts: c.WaiterMaxAttempts,
	}
}

// S3Params ...
func (c Config) S3Params() sink.S3Params {
	return sink.S3Params{
		Bucket:          c.S3Bucket,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: string(c.S3SecretAccessKey),
		KeyPrefix:       c.S3KeyPrefix,
	}
}
