// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads ttrsync settings. Defaults are overridden by an
// optional YAML file, then by environment variables (a .env file is read
// first when present).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/TTR-x/ttr-gestion-sub000/media"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Session SessionConfig `yaml:"session"`
	Replica ReplicaConfig `yaml:"replica"`
	Remote  RemoteConfig  `yaml:"remote"`
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Media   MediaConfig   `yaml:"media"`
	AMQP    AMQPConfig    `yaml:"amqp"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// SessionConfig identifies the device user.
type SessionConfig struct {
	BusinessID  string `yaml:"business_id"`
	WorkspaceID string `yaml:"workspace_id"`
	User        string `yaml:"user"`
	Name        string `yaml:"name"`
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
	Plan        string `yaml:"plan" validate:"oneof=free pro unlimited"`
	// PhoneRegion is the default region for client phone numbers.
	PhoneRegion string `yaml:"phone_region" validate:"len=2"`
}

type ReplicaConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type RemoteConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

type ServerConfig struct {
	Listen      string        `yaml:"listen" validate:"required"`
	DatabaseURL string        `yaml:"database_url"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl" validate:"gt=0"`
	DevSignin   bool          `yaml:"dev_signin"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type MediaConfig struct {
	GCS          media.GCSConfig `yaml:"gcs"`
	MaxDimension int             `yaml:"max_dimension" validate:"gt=0"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Session: SessionConfig{Plan: "free", PhoneRegion: "TG"},
		Replica: ReplicaConfig{Path: "ttrsync.db"},
		Remote:  RemoteConfig{URL: "http://localhost:8080", PollInterval: 2 * time.Second},
		Server:  ServerConfig{Listen: ":8080", TokenTTL: 24 * time.Hour},
		Media:   MediaConfig{MaxDimension: media.DefaultMaxDimension},
		AMQP:    AMQPConfig{Exchange: "ttr.changes"},
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides. With no envFiles, a .env in the working directory is loaded if it
// exists.
func Load(path string, envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")

	str(&c.Session.BusinessID, "TTR_BUSINESS_ID")
	str(&c.Session.WorkspaceID, "TTR_WORKSPACE_ID")
	str(&c.Session.User, "TTR_USER")
	str(&c.Session.Name, "TTR_USER_NAME")
	str(&c.Session.DeviceID, "TTR_DEVICE_ID")
	str(&c.Session.DeviceName, "TTR_DEVICE_NAME")
	str(&c.Session.Plan, "TTR_PLAN")
	str(&c.Session.PhoneRegion, "TTR_PHONE_REGION")

	str(&c.Replica.Path, "TTR_SQLITE_PATH")
	str(&c.Remote.URL, "TTR_REMOTE_URL")
	str(&c.Remote.Token, "TTR_TOKEN")

	str(&c.Server.Listen, "LISTEN_ADDR")
	str(&c.Server.DatabaseURL, "DATABASE_URL")
	str(&c.Server.JWTSecret, "JWT_SECRET")

	str(&c.Redis.Addr, "REDIS_ADDR")
	str(&c.Redis.Password, "REDIS_PASSWORD")
	str(&c.Media.GCS.Bucket, "GCS_BUCKET")
	str(&c.Media.GCS.CredentialsJSON, "GCS_CREDENTIALS_JSON")
	str(&c.AMQP.URL, "AMQP_URL")

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("TTR_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TTR_POLL_INTERVAL: %w", err)
		}
		c.Remote.PollInterval = d
	}
	if v := os.Getenv("TTR_DEV_SIGNIN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TTR_DEV_SIGNIN: %w", err)
		}
		c.Server.DevSignin = b
	}
	return nil
}

var validate = validator.New()

// Validate checks value ranges. Presence of settings needed by a single
// command is checked by that command.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
