// Package config loads server settings and the per-device identity
// file. Settings come from a YAML config file with environment
// overrides; the device identity lives in a small TOML file so every
// installation pushes changes under a stable device id.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Settings is the full server configuration.
type Settings struct {
	Server ServerSettings `yaml:"server" mapstructure:"server"`
	Store  StoreSettings  `yaml:"store" mapstructure:"store"`
	Media  MediaSettings  `yaml:"media" mapstructure:"media"`
	Sync   SyncSettings   `yaml:"sync" mapstructure:"sync"`
	Log    LogSettings    `yaml:"log" mapstructure:"log"`
}

// ServerSettings configures the HTTP surface.
type ServerSettings struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// StoreSettings selects the normalized store backend. DSN accepts a
// filesystem path for embedded SQLite or a libsql:// URL for a hosted
// database; AuthToken applies only to the latter.
type StoreSettings struct {
	DSN       string `yaml:"dsn" mapstructure:"dsn"`
	AuthToken string `yaml:"authtoken" mapstructure:"authtoken"`
}

// MediaSettings configures blob storage.
type MediaSettings struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// SyncSettings tunes the translation layer.
type SyncSettings struct {
	// PageSize bounds one download page.
	PageSize int `yaml:"pagesize" mapstructure:"pagesize"`

	// ExternalizeKB is the field size in KiB above which content is
	// pushed to media storage instead of the normalized store.
	ExternalizeKB int `yaml:"externalizekb" mapstructure:"externalizekb"`
}

// LogSettings configures the rotating server log. An empty path logs to
// stderr only.
type LogSettings struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"maxsizemb" mapstructure:"maxsizemb"`
	MaxBackups int    `yaml:"maxbackups" mapstructure:"maxbackups"`
	MaxAgeDays int    `yaml:"maxagedays" mapstructure:"maxagedays"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// EnvPrefix namespaces environment overrides, e.g. PAGEKEEP_SERVER_PORT.
const EnvPrefix = "PAGEKEEP"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8575)
	v.SetDefault("store.dsn", "pagekeep.db")
	v.SetDefault("store.authtoken", "")
	v.SetDefault("media.dir", "media")
	v.SetDefault("sync.pagesize", 50)
	v.SetDefault("sync.externalizekb", 256)
	v.SetDefault("log.path", "")
	v.SetDefault("log.maxsizemb", 20)
	v.SetDefault("log.maxbackups", 3)
	v.SetDefault("log.maxagedays", 30)
	v.SetDefault("log.compress", true)
}

// Load reads settings from the YAML file at path, if it exists, applies
// environment overrides, and fills everything else from defaults. A
// missing file is not an error; a malformed one is.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return settings, nil
}

// Write renders settings as YAML at path, creating parent directories.
// Refuses to overwrite an existing file.
func Write(settings *Settings, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// WriteDefault writes a fully populated default config to path.
func WriteDefault(path string) error {
	defaults, err := Load("")
	if err != nil {
		return err
	}
	return Write(defaults, path)
}

// NewLogger builds the server logger. With a log path set, output is
// rotated with lumberjack and mirrored to stderr; otherwise stderr only.
func NewLogger(settings *LogSettings) *log.Logger {
	out := io.Writer(os.Stderr)
	if settings != nil && settings.Path != "" {
		_ = os.MkdirAll(filepath.Dir(settings.Path), 0o755)
		rotated := &lumberjack.Logger{
			Filename:   settings.Path,
			MaxSize:    settings.MaxSizeMB,
			MaxBackups: settings.MaxBackups,
			MaxAge:     settings.MaxAgeDays,
			Compress:   settings.Compress,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}
	return log.New(out, "", log.LstdFlags)
}

// Device is the persistent identity of one installation. Its id
// attributes every change this device pushes.
type Device struct {
	ID      string    `toml:"id"`
	Name    string    `toml:"name"`
	Created time.Time `toml:"created"`
}

// LoadDevice reads the device identity at path, creating a fresh one on
// first run. The generated id is stable across restarts.
func LoadDevice(path, name string) (*Device, error) {
	var device Device
	if _, err := toml.DecodeFile(path, &device); err == nil {
		if device.ID == "" {
			return nil, fmt.Errorf("device file %s has no id", path)
		}
		return &device, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read device file %s: %w", path, err)
	}

	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "device"
		}
	}
	device = Device{
		ID:      uuid.NewString(),
		Name:    name,
		Created: time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create device file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(device); err != nil {
		return nil, fmt.Errorf("failed to write device file: %w", err)
	}
	return &device, nil
}
