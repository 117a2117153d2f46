// Package config loads habits configuration from an optional file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/habitsync/internal/binder"
	"github.com/mschirtzinger/habitsync/internal/logging"
	"github.com/mschirtzinger/habitsync/internal/replica/daemon"
	"github.com/mschirtzinger/habitsync/internal/replica/dashboard"
)

// EnvPrefix prefixes every environment override, e.g. HABITS_DB_PATH.
const EnvPrefix = "HABITS"

// DefaultDir is the directory searched for habits.yaml and holding the
// record store by default.
const DefaultDir = ".habits"

// Config aggregates configuration for the application.
type Config struct {
	// Scope is the owner whose flags are loaded. Empty means a fresh scope
	// is generated per process.
	Scope string `mapstructure:"scope"`

	DB        DBConfig        `mapstructure:"db"`
	Records   RecordsConfig   `mapstructure:"records"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Binder    BinderConfig    `mapstructure:"binder"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       logging.Config  `mapstructure:"log"`
}

type DBConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type RecordsConfig struct {
	// Dir holds {entity}--{key}.json record files. Empty disables them.
	Dir string `mapstructure:"dir"`
}

type FeedConfig struct {
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
	Resync   time.Duration `mapstructure:"resync" validate:"gte=0"`
}

type BinderConfig struct {
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	d := daemon.DefaultConfig()
	return &Config{
		DB:      DBConfig{Path: filepath.Join(DefaultDir, "flags.db")},
		Records: RecordsConfig{Dir: filepath.Join(DefaultDir, "records")},
		Feed: FeedConfig{
			Debounce: d.DebounceInterval,
			Resync:   d.ResyncInterval,
		},
		Binder:    BinderConfig{Debounce: binder.DefaultDebounce},
		Dashboard: DashboardConfig{Host: "localhost", Port: dashboard.DefaultConfig().Port},
		Log:       logging.DefaultConfig(),
	}
}

// Load reads configuration from path, or from habits.{yaml,toml,json} in
// .habits/ or the working directory when path is empty, then applies
// environment variables. Environment variables use the prefix "HABITS" and
// the dot character in keys is replaced by an underscore. For example,
// "db.path" becomes "HABITS_DB_PATH".
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("habits")
		v.AddConfigPath(DefaultDir)
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts[:len(parts):len(parts)], tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
