// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration.
//
// # Description
//
// Load reads an optional YAML file, applies STATESYNC_* environment
// overrides, fills defaults and validates the result. Watch reloads the file
// on change.
//
// Environment overrides:
//
//	STATESYNC_HOST              server.host
//	STATESYNC_PORT              server.port
//	STATESYNC_BACKEND           manager.backend (memory, redis, badger)
//	STATESYNC_REDIS_URL         manager.redis_url
//	STATESYNC_BADGER_DIR        manager.badger_dir
//	STATESYNC_TOKEN_EXPIRATION  manager.token_expiration
//	STATESYNC_LOCK_EXPIRATION   manager.lock_expiration
//	STATESYNC_IDLE_TTL          sessions.idle_ttl
//	STATESYNC_RATE_LIMIT        events.rate_limit
//	STATESYNC_LOG_LEVEL         log.level
//	STATESYNC_LOG_EXPORT_FILE   log.export_file
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/statesync/services/statesync/telemetry"
)

// Manager backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// ErrInvalidConfig wraps every validation and parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Manager   ManagerConfig    `yaml:"manager"`
	Sessions  SessionConfig    `yaml:"sessions"`
	Events    EventConfig      `yaml:"events"`
	Upload    UploadConfig     `yaml:"upload"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	GinMode         string        `yaml:"gin_mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ManagerConfig selects and tunes the state manager.
type ManagerConfig struct {
	Backend         string        `yaml:"backend" validate:"oneof=memory redis badger"`
	RedisURL        string        `yaml:"redis_url" validate:"required_if=Backend redis"`
	BadgerDir       string        `yaml:"badger_dir"`
	BadgerInMemory  bool          `yaml:"badger_in_memory"`
	TokenExpiration time.Duration `yaml:"token_expiration" validate:"gt=0"`
	LockExpiration  time.Duration `yaml:"lock_expiration" validate:"gt=0"`
}

// SessionConfig controls idle session eviction for the memory backend.
type SessionConfig struct {
	IdleTTL          time.Duration `yaml:"idle_ttl" validate:"gt=0"`
	EvictionInterval time.Duration `yaml:"eviction_interval" validate:"gt=0"`
}

// EventConfig tunes the event socket. A zero RateLimit disables limiting.
type EventConfig struct {
	RateLimit    float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst        int           `yaml:"burst" validate:"gte=1"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
}

// UploadConfig bounds upload requests.
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes" validate:"gt=0"`
}

// LogConfig configures pkg/logging. ExportFile, when set, receives every
// entry as a JSON line for log shippers.
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON       bool   `yaml:"json"`
	Dir        string `yaml:"dir"`
	ExportFile string `yaml:"export_file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            12300,
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Manager: ManagerConfig{
			Backend:         BackendMemory,
			BadgerDir:       "./data/statesync",
			TokenExpiration: time.Hour,
			LockExpiration:  10 * time.Second,
		},
		Sessions: SessionConfig{
			IdleTTL:          time.Hour,
			EvictionInterval: time.Minute,
		},
		Events: EventConfig{
			RateLimit:    50,
			Burst:        100,
			WriteTimeout: 10 * time.Second,
		},
		Upload:    UploadConfig{MaxBytes: 32 << 20},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from path (optional) and the process
// environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// applyDefaults fills fields a partial file left empty.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = def.Server.GinMode
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Manager.Backend == "" {
		cfg.Manager.Backend = def.Manager.Backend
	}
	if cfg.Manager.BadgerDir == "" {
		cfg.Manager.BadgerDir = def.Manager.BadgerDir
	}
	if cfg.Manager.TokenExpiration == 0 {
		cfg.Manager.TokenExpiration = def.Manager.TokenExpiration
	}
	if cfg.Manager.LockExpiration == 0 {
		cfg.Manager.LockExpiration = def.Manager.LockExpiration
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = def.Sessions.IdleTTL
	}
	if cfg.Sessions.EvictionInterval == 0 {
		cfg.Sessions.EvictionInterval = def.Sessions.EvictionInterval
	}
	if cfg.Events.Burst == 0 {
		cfg.Events.Burst = def.Events.Burst
	}
	if cfg.Events.WriteTimeout == 0 {
		cfg.Events.WriteTimeout = def.Events.WriteTimeout
	}
	if cfg.Upload.MaxBytes == 0 {
		cfg.Upload.MaxBytes = def.Upload.MaxBytes
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("STATESYNC_HOST", &cfg.Server.Host)
	if v, ok := lookup("STATESYNC_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("STATESYNC_PORT: %w", err))
		} else {
			cfg.Server.Port = p
		}
	}
	str("STATESYNC_BACKEND", &cfg.Manager.Backend)
	str("STATESYNC_REDIS_URL", &cfg.Manager.RedisURL)
	str("STATESYNC_BADGER_DIR", &cfg.Manager.BadgerDir)
	dur("STATESYNC_TOKEN_EXPIRATION", &cfg.Manager.TokenExpiration)
	dur("STATESYNC_LOCK_EXPIRATION", &cfg.Manager.LockExpiration)
	dur("STATESYNC_IDLE_TTL", &cfg.Sessions.IdleTTL)
	if v, ok := lookup("STATESYNC_RATE_LIMIT"); ok && v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("STATESYNC_RATE_LIMIT: %w", err))
		} else {
			cfg.Events.RateLimit = r
		}
	}
	str("STATESYNC_LOG_LEVEL", &cfg.Log.Level)
	str("STATESYNC_LOG_EXPORT_FILE", &cfg.Log.ExportFile)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
