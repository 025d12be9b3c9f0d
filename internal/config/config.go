// Package config loads CLI configuration from understory.yaml, UNDERSTORY_*
// environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jward/understory/internal/scheduler"
)

// Config represents the understory configuration.
type Config struct {
	Manifest       string        `mapstructure:"manifest"`
	DB             string        `mapstructure:"db"`
	AttrsDir       string        `mapstructure:"attrs_dir"`
	ScriptsDir     string        `mapstructure:"scripts_dir"`
	Workers        int           `mapstructure:"workers"`
	RecursionLimit int           `mapstructure:"recursion_limit"`
	MissingDeps    string        `mapstructure:"missing_deps"`
	MaxOutput      int           `mapstructure:"max_output"`
	ExpandTimeout  time.Duration `mapstructure:"expand_timeout"`
	Log            LogConfig     `mapstructure:"log"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding set
// up. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("manifest", "understory.hcl")
	v.SetDefault("db", ".understory/index.db")
	v.SetDefault("attrs_dir", ".understory/attrs")
	v.SetDefault("scripts_dir", "")
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("recursion_limit", 8)
	v.SetDefault("missing_deps", "soft")
	v.SetDefault("max_output", 1<<20)
	v.SetDefault("expand_timeout", "0s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetEnvPrefix("understory")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile, or understory.yaml in the working directory when
// configFile is empty, over the defaults in v.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("understory")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.RecursionLimit < 1 {
		return fmt.Errorf("config: recursion_limit must be positive, got %d", c.RecursionLimit)
	}
	if c.MaxOutput < 1 {
		return fmt.Errorf("config: max_output must be positive, got %d", c.MaxOutput)
	}
	if c.ExpandTimeout < 0 {
		return fmt.Errorf("config: expand_timeout must not be negative, got %s", c.ExpandTimeout)
	}
	if c.DB == "" {
		return errors.New("config: db must be set")
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Log.level(); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Policy returns the missing-dependency policy.
func (c *Config) Policy() (scheduler.Policy, error) {
	return scheduler.ParsePolicy(c.MissingDeps)
}

func (l LogConfig) level() (zapcore.Level, error) {
	var lvl zapcore.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}

// BuildLogger constructs the process logger. Logs go to stderr so command
// output on stdout stays machine-readable.
func (l LogConfig) BuildLogger() (*zap.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	var zc zap.Config
	if l.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
