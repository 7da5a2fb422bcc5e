// Package config provides configuration management for voxboard.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	UI        UIConfig        `mapstructure:"ui"`
	Log       LogConfig       `mapstructure:"log"`

	// APIKey comes from the environment only and is never written back
	// to the config file.
	APIKey string `mapstructure:"-"`
}

// SessionConfig configures the duplex voice session.
type SessionConfig struct {
	Model             string `mapstructure:"model"`
	Voice             string `mapstructure:"voice"`
	Endpoint          string `mapstructure:"endpoint"`
	SystemInstruction string `mapstructure:"system_instruction"`
}

// AudioConfig configures capture and playback.
type AudioConfig struct {
	CaptureRate       int           `mapstructure:"capture_rate"`
	OutputRate        int           `mapstructure:"output_rate"`
	BlockSize         int           `mapstructure:"block_size"`
	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	SafetyMargin      time.Duration `mapstructure:"safety_margin"`
	InputDevice       string        `mapstructure:"input_device"`
}

// ReconnectConfig configures the reconnection policy.
type ReconnectConfig struct {
	Auto             bool          `mapstructure:"auto"`
	Delay            time.Duration `mapstructure:"delay"`
	MinViableSession time.Duration `mapstructure:"min_viable_session"`
}

// AssetsConfig configures remote asset generation.
type AssetsConfig struct {
	ImageModel        string        `mapstructure:"image_model"`
	VideoModel        string        `mapstructure:"video_model"`
	TextModel         string        `mapstructure:"text_model"`
	VideoPollInterval time.Duration `mapstructure:"video_poll_interval"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	SuggestOnTurnEnd  bool          `mapstructure:"suggest_on_turn_end"`
}

// KnowledgeConfig bounds the reference document store.
type KnowledgeConfig struct {
	CharLimit int `mapstructure:"char_limit"`
}

// UIConfig persists front-end preferences across runs.
type UIConfig struct {
	AdminPanelOpen bool `mapstructure:"admin_panel_open"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Model: "models/gemini-2.0-flash-live-001",
			Voice: "Aoede",
			SystemInstruction: "You are a voice assistant for a visual whiteboard. " +
				"Keep spoken answers short and offer to create visuals when they would help.",
		},
		Audio: AudioConfig{
			CaptureRate:       16000,
			OutputRate:        24000,
			BlockSize:         2048,
			SpeakingThreshold: 0.01,
			SafetyMargin:      40 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			Auto:             true,
			Delay:            5 * time.Second,
			MinViableSession: 10 * time.Second,
		},
		Assets: AssetsConfig{
			ImageModel:        "imagen-3.0-generate-002",
			VideoModel:        "veo-2.0-generate-001",
			TextModel:         "gemini-2.0-flash",
			VideoPollInterval: 5 * time.Second,
			RetryAttempts:     3,
			RetryBaseDelay:    time.Second,
			SuggestOnTurnEnd:  true,
		},
		Knowledge: KnowledgeConfig{
			CharLimit: 100_000,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("VOXBOARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	cfg.APIKey = apiKeyFromEnv()
	return cfg, nil
}

// Save writes the configuration to file. The API key is excluded.
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}

	viper.Set("session", cfg.Session)
	viper.Set("audio", cfg.Audio)
	viper.Set("reconnect", cfg.Reconnect)
	viper.Set("assets", cfg.Assets)
	viper.Set("knowledge", cfg.Knowledge)
	viper.Set("ui", cfg.UI)
	viper.Set("log", cfg.Log)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".voxboard"), nil
}

func apiKeyFromEnv() string {
	for _, name := range []string{"VOXBOARD_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}
