// Package config provides configuration management for Quill
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Enhance  EnhanceConfig  `mapstructure:"enhance"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig configures the local inference engine
type EngineConfig struct {
	ExecutablePath string        `mapstructure:"executable_path"` // whisper.cpp binary (default: whisper-cli in PATH)
	ModelDir       string        `mapstructure:"model_dir"`       // directory holding ggml-<size>.bin files
	Model          string        `mapstructure:"model"`           // model size/name (tiny, base, small, medium, large)
	Language       string        `mapstructure:"language"`
	NumThreads     int           `mapstructure:"num_threads"`
	EnableGPU      bool          `mapstructure:"enable_gpu"`
	IdleUnload     time.Duration `mapstructure:"idle_unload"` // unload after this long with no session holding the engine
}

// CaptureConfig configures audio capture
type CaptureConfig struct {
	Command    string `mapstructure:"command"` // external capture tool (reads mic, writes PCM to stdout)
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	BitDepth   int    `mapstructure:"bit_depth"`
}

// EnhanceConfig configures the remote enhancement client
type EnhanceConfig struct {
	RequestTimeout time.Duration             `mapstructure:"request_timeout"` // per-attempt timeout, also the backoff base
	MaxAttempts    int                       `mapstructure:"max_attempts"`
	MaxDelay       time.Duration             `mapstructure:"max_delay"`    // backoff ceiling
	MinInterval    time.Duration             `mapstructure:"min_interval"` // per-provider spacing between calls
	Providers      map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig configures one enhancement provider
type ProviderConfig struct {
	APIKey   string `mapstructure:"api_key"` // empty means look up <PROVIDER>_API_KEY from env
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// ProfilesConfig holds the context-resolution profiles
type ProfilesConfig struct {
	Default Profile              `mapstructure:"default"`
	Apps    map[string]AppConfig `mapstructure:"apps"`
}

// Profile is one resolved-settings candidate
type Profile struct {
	Enhance  bool   `mapstructure:"enhance"`
	Provider string `mapstructure:"provider"`
	Prompt   string `mapstructure:"prompt"`
}

// AppConfig is a per-application profile with optional URL overrides
type AppConfig struct {
	Profile `mapstructure:",squash"`
	URLs    []URLOverride `mapstructure:"urls"` // checked in order, first match wins
}

// URLOverride is a URL-pattern-scoped profile nested under an app
type URLOverride struct {
	Pattern string `mapstructure:"pattern"`
	Profile `mapstructure:",squash"`
}

// HistoryConfig configures the session archive
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Engine: EngineConfig{
			ModelDir:   filepath.Join(home, ".quill", "models"),
			Model:      "base",
			Language:   "auto",
			NumThreads: 4,
			EnableGPU:  true,
			IdleUnload: 3 * time.Minute,
		},
		Capture: CaptureConfig{
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
		},
		Enhance: EnhanceConfig{
			RequestTimeout: 10 * time.Second,
			MaxAttempts:    3,
			MaxDelay:       30 * time.Second,
			MinInterval:    1 * time.Second,
			Providers: map[string]ProviderConfig{
				"openai": {Model: "gpt-4o-mini"},
				"groq":   {Model: "llama-3.3-70b-versatile"},
				"ollama": {Endpoint: "http://127.0.0.1:11434", Model: "llama3"},
			},
		},
		Profiles: ProfilesConfig{
			Default: Profile{
				Enhance:  false,
				Provider: "openai",
				Prompt:   "default",
			},
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  filepath.Join(home, ".quill", "history.sqlite"),
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".quill"), nil
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := Dir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("QUILL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Watch reloads the config file on change and invokes onChange with the
// freshly unmarshalled configuration.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		cfg := DefaultConfig()
		if err := viper.Unmarshal(cfg); err != nil {
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("engine", cfg.Engine)
	viper.Set("capture", cfg.Capture)
	viper.Set("enhance", cfg.Enhance)
	viper.Set("profiles", cfg.Profiles)
	viper.Set("history", cfg.History)
	viper.Set("logging", cfg.Logging)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}
