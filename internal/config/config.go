package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Waveform WaveformConfig `mapstructure:"waveform" yaml:"waveform"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
}

type CaptureConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend" validate:"oneof=auto miniaudio"`
	Device     string `mapstructure:"device" yaml:"device"` // substring match against device names, empty = system default
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate" validate:"required,min=8000,max=192000"`
	Channels   int    `mapstructure:"channels" yaml:"channels" validate:"required,min=1,max=2"`
	TapSize    int    `mapstructure:"tap_size" yaml:"tap_size" validate:"required,min=32,max=32768"`
}

type WaveformConfig struct {
	Width  int `mapstructure:"width" yaml:"width" validate:"required,min=16"`
	Height int `mapstructure:"height" yaml:"height" validate:"required,min=16"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend" validate:"oneof=filesystem s3"`
	Root          string `mapstructure:"root" yaml:"root"`
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
	Bucket        string `mapstructure:"bucket" yaml:"bucket"`
	Region        string `mapstructure:"region" yaml:"region"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key"`
}

type AuthConfig struct {
	// Secret signs bearer tokens. serve refuses to start without one;
	// capture-only commands run fine with it empty.
	Secret   string `mapstructure:"secret" yaml:"secret"`
	TokenTTL string `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// TTL parses the configured token lifetime. Zero means use the default.
func (a AuthConfig) TTL() (time.Duration, error) {
	if a.TokenTTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(a.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid auth.token_ttl %q: %w", a.TokenTTL, err)
	}
	return ttl, nil
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

var defaultConfig = Config{
	Server: ServerConfig{
		Host: "127.0.0.1",
		Port: 8080,
	},
	Capture: CaptureConfig{
		Backend:    "auto",
		SampleRate: 44100,
		Channels:   1,
		TapSize:    2048,
	},
	Waveform: WaveformConfig{
		Width:  800,
		Height: 256,
	},
	Database: DatabaseConfig{
		Driver: "sqlite",
		DSN:    "~/.voicenote/voicenote.db",
	},
	Storage: StorageConfig{
		Backend:       "filesystem",
		Root:          "~/.voicenote/objects",
		PublicBaseURL: "/api/objects",
		Region:        "us-east-1",
	},
	Auth: AuthConfig{
		TokenTTL: "24h",
	},
	Log: LogConfig{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
}

// DefaultPath returns where Load looks for the config file by default.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voicenote.yaml"
	}
	return filepath.Join(home, ".voicenote.yaml")
}

// Load reads the config file, applies VOICENOTE_* environment overrides and
// defaults, and validates the result. With an empty configFile a missing
// default file is fine; an explicitly named file must exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigType("yaml")
		v.SetConfigName(".voicenote")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VOICENOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.DSN = expandPath(cfg.Database.DSN)
	cfg.Storage.Root = expandPath(cfg.Storage.Root)
	cfg.Log.File = expandPath(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", defaultConfig.Server.Host)
	v.SetDefault("server.port", defaultConfig.Server.Port)
	v.SetDefault("capture.backend", defaultConfig.Capture.Backend)
	v.SetDefault("capture.device", "")
	v.SetDefault("capture.sample_rate", defaultConfig.Capture.SampleRate)
	v.SetDefault("capture.channels", defaultConfig.Capture.Channels)
	v.SetDefault("capture.tap_size", defaultConfig.Capture.TapSize)
	v.SetDefault("waveform.width", defaultConfig.Waveform.Width)
	v.SetDefault("waveform.height", defaultConfig.Waveform.Height)
	v.SetDefault("database.driver", defaultConfig.Database.Driver)
	v.SetDefault("database.dsn", defaultConfig.Database.DSN)
	v.SetDefault("storage.backend", defaultConfig.Storage.Backend)
	v.SetDefault("storage.root", defaultConfig.Storage.Root)
	v.SetDefault("storage.public_base_url", defaultConfig.Storage.PublicBaseURL)
	v.SetDefault("storage.region", defaultConfig.Storage.Region)
	v.SetDefault("auth.token_ttl", defaultConfig.Auth.TokenTTL)
	v.SetDefault("log.level", defaultConfig.Log.Level)
	v.SetDefault("log.max_size_mb", defaultConfig.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaultConfig.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaultConfig.Log.MaxAgeDays)
}

// Validate checks field constraints plus the cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage.backend is 's3'")
	}
	if c.Storage.Backend == "filesystem" && c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required when storage.backend is 'filesystem'")
	}
	if _, err := c.Auth.TTL(); err != nil {
		return err
	}
	return nil
}

// WriteDefault writes a starter config file with a freshly generated auth
// secret. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if path == "" {
		return fmt.Errorf("no config path specified")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate auth secret: %w", err)
	}
	cfg := defaultConfig
	cfg.Auth.Secret = hex.EncodeToString(secret)

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// 0600 because the file carries the token-signing secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error writing config file %s: %w", path, err)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
