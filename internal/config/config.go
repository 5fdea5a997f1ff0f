// Package config loads Tillwatch configuration from defaults, an optional
// YAML file and TILLWATCH_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/tillwatch/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override. Nested keys are
	// separated by a double underscore: TILLWATCH_ENGINE__SLIDING_WINDOW_SIZE.
	EnvPrefix = "TILLWATCH_"

	// DefaultFile is read when TILLWATCH_CONFIG is unset. It is optional.
	DefaultFile = "./tillwatch.yaml"
)

// Options controls where configuration is read from.
type Options struct {
	// Profile selects the defaults: "" or "single" for DefaultConfig, "cluster" for ClusterConfig.
	Profile string
	// File is the YAML config path. Missing files are ignored.
	File string
}

// Load reads configuration using TILLWATCH_PROFILE and TILLWATCH_CONFIG from the process environment.
func Load() (*domain.Config, error) {
	file := os.Getenv(EnvPrefix + "CONFIG")
	if file == "" {
		file = DefaultFile
	}
	return LoadWith(Options{
		Profile: os.Getenv(EnvPrefix + "PROFILE"),
		File:    file,
	})
}

// LoadWith reads configuration using explicit options.
func LoadWith(opts Options) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(opts.Profile, "cluster") {
		defaults = domain.ClusterConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", opts.File, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps TILLWATCH_ENGINE__RULE_ENGINE_TIMEOUT_MS to engine.rule_engine_timeout_ms.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *domain.Config) error {
	var problems []string

	if cfg.Engine.RuleEngineTimeoutMs <= 0 {
		problems = append(problems, "engine.rule_engine_timeout_ms must be positive")
	}
	if cfg.Engine.SlidingWindowSize <= 0 {
		problems = append(problems, "engine.sliding_window_size must be positive")
	}
	if cfg.Engine.MaxWorkers <= 0 {
		problems = append(problems, "engine.max_workers must be positive")
	}
	if cfg.Engine.ShutdownGraceMs < 0 {
		problems = append(problems, "engine.shutdown_grace_ms must not be negative")
	}
	if _, err := time.LoadLocation(cfg.Engine.BusinessTimezone); err != nil {
		problems = append(problems, fmt.Sprintf("engine.business_timezone: %v", err))
	}
	if cfg.Dispatch.ActionTimeoutMs <= 0 {
		problems = append(problems, "dispatch.action_timeout_ms must be positive")
	}
	if cfg.Dispatch.MaxRetries < 0 {
		problems = append(problems, "dispatch.max_retries must not be negative")
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("repository.driver %q is not supported", cfg.Repository.Driver))
	}
	switch cfg.Window.Type {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("window.type %q is not supported", cfg.Window.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		problems = append(problems, fmt.Sprintf("event_bus.type %q is not supported", cfg.EventBus.Type))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
