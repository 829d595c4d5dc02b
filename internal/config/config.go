package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for antigravity.
// It is loaded from ~/.antigravity/config.yaml and can be overridden by
// environment variables.
type Config struct {
	Paths PathsConfig `mapstructure:"paths" yaml:"paths"`
	// CustomModelPaths are extra model search roots, scanned in order after
	// the primary llm directory.
	CustomModelPaths []string          `mapstructure:"custom_model_paths" yaml:"custom_model_paths"`
	Preferences      PreferencesConfig `mapstructure:"preferences" yaml:"preferences"`
	Logging          LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Sessions         SessionsConfig    `mapstructure:"sessions" yaml:"sessions"`
	Server           ServerConfig      `mapstructure:"server" yaml:"server"`
	Engines          EnginesConfig     `mapstructure:"engines" yaml:"engines"`
	Image            ImageConfig       `mapstructure:"image" yaml:"image"`
	STT              STTConfig         `mapstructure:"stt" yaml:"stt"`
	TTS              TTSConfig         `mapstructure:"tts" yaml:"tts"`

	// path is the file this config was loaded from; Save writes back to it.
	path string
}

// PathsConfig contains filesystem locations for model artifacts.
type PathsConfig struct {
	// ModelsRoot is the base directory; llm, image, stt and voice live below it.
	ModelsRoot string `mapstructure:"models_root" yaml:"models_root"`
}

// PreferencesConfig contains user-facing defaults.
type PreferencesConfig struct {
	// VoiceID is the default TTS voice ("lokal-" prefix selects the local engine)
	VoiceID string `mapstructure:"voice_id" yaml:"voice_id"`
	// Personality selects the system instruction for text turns
	Personality string `mapstructure:"personality" yaml:"personality"`
	// Theme is the UI theme ("dark" or "light")
	Theme string `mapstructure:"theme" yaml:"theme"`
	// AutoLoad loads a small installed text model when the server starts
	AutoLoad bool `mapstructure:"auto_load" yaml:"auto_load"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
}

// SessionsConfig selects and locates the session store.
type SessionsConfig struct {
	// Backend is "file" (one JSON document per session) or "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Dir holds session JSON files for the file backend
	Dir string `mapstructure:"dir" yaml:"dir"`
	// DBPath is the sqlite database for the sqlite backend
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// ServerConfig contains the HTTP listener configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// EnginesConfig locates the inference servers behind each backend.
type EnginesConfig struct {
	Text      EngineConfig `mapstructure:"text" yaml:"text"`
	Image     EngineConfig `mapstructure:"image" yaml:"image"`
	STT       EngineConfig `mapstructure:"stt" yaml:"stt"`
	TTSLocal  EngineConfig `mapstructure:"tts_local" yaml:"tts_local"`
	TTSRemote EngineConfig `mapstructure:"tts_remote" yaml:"tts_remote"`
}

// EngineConfig contains connection settings for one inference server.
type EngineConfig struct {
	// Endpoint is the base URL of the server
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// APIKey is sent as a bearer token when set
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// TimeoutSec bounds non-streaming requests; streams use it as idle timeout
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// ImageConfig contains diffusion defaults.
type ImageConfig struct {
	DefaultModel string  `mapstructure:"default_model" yaml:"default_model"`
	Steps        int     `mapstructure:"steps" yaml:"steps"`
	Guidance     float64 `mapstructure:"guidance" yaml:"guidance"`
}

// STTConfig contains speech recognition defaults.
type STTConfig struct {
	// ModelSize is the whisper model size loaded on first use
	ModelSize string `mapstructure:"model_size" yaml:"model_size"`
}

// TTSConfig contains speech synthesis defaults.
type TTSConfig struct {
	// CacheSize is the number of synthesized clips kept in memory
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
	// LocalModelFile must exist under the voice directory for local voices to be offered
	LocalModelFile string `mapstructure:"local_model_file" yaml:"local_model_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".antigravity")

	return &Config{
		Paths: PathsConfig{
			ModelsRoot: "models",
		},
		CustomModelPaths: []string{},
		Preferences: PreferencesConfig{
			VoiceID:     "en-US-AriaNeural",
			Personality: "helpful",
			Theme:       "dark",
			AutoLoad:    true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "antigravity.log"),
		},
		Sessions: SessionsConfig{
			Backend: "file",
			Dir:     filepath.Join(dataDir, "sessions"),
			DBPath:  filepath.Join(dataDir, "sessions.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8000",
		},
		Engines: EnginesConfig{
			Text:      EngineConfig{Endpoint: "http://127.0.0.1:8080", TimeoutSec: 120},
			Image:     EngineConfig{Endpoint: "http://127.0.0.1:7860", TimeoutSec: 300},
			STT:       EngineConfig{Endpoint: "http://127.0.0.1:8081", TimeoutSec: 120},
			TTSLocal:  EngineConfig{Endpoint: "http://127.0.0.1:8880", TimeoutSec: 60},
			TTSRemote: EngineConfig{Endpoint: "http://127.0.0.1:5050", TimeoutSec: 60},
		},
		Image: ImageConfig{
			DefaultModel: "runwayml/stable-diffusion-v1-5",
			Steps:        25,
			Guidance:     7.5,
		},
		STT: STTConfig{
			ModelSize: "tiny",
		},
		TTS: TTSConfig{
			CacheSize:      64,
			LocalModelFile: "kokoro-v0_19.onnx",
		},
		path: filepath.Join(dataDir, "config.yaml"),
	}
}

// Load reads configuration from the default location (~/.antigravity/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	return LoadFromPath(filepath.Join(homeDir, ".antigravity", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: ANTIGRAVITY_ENGINES_TEXT_ENDPOINT=http://gpu-box:8080
	v.SetEnvPrefix("ANTIGRAVITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so keys missing from the file keep their documented values.
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.path = path

	cfg.Paths.ModelsRoot = expandPath(cfg.Paths.ModelsRoot)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Sessions.Dir = expandPath(cfg.Sessions.Dir)
	cfg.Sessions.DBPath = expandPath(cfg.Sessions.DBPath)
	for i, p := range cfg.CustomModelPaths {
		cfg.CustomModelPaths[i] = expandPath(p)
	}

	return cfg, nil
}

// Save rewrites the file the config was loaded from.
func (c *Config) Save() error {
	return c.SaveToPath(c.Path())
}

// SaveToPath writes the full configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// Path returns the config file location.
func (c *Config) Path() string {
	if c.path == "" {
		return Default().path
	}
	return c.path
}

// LLMDir is the primary text model root.
func (c *Config) LLMDir() string { return filepath.Join(c.Paths.ModelsRoot, "llm") }

// ImageDir holds generated images.
func (c *Config) ImageDir() string { return filepath.Join(c.Paths.ModelsRoot, "image") }

// STTDir holds speech recognition models.
func (c *Config) STTDir() string { return filepath.Join(c.Paths.ModelsRoot, "stt") }

// VoiceDir holds local voice models.
func (c *Config) VoiceDir() string { return filepath.Join(c.Paths.ModelsRoot, "voice") }

// ModelRoots returns the ordered text model search roots.
func (c *Config) ModelRoots() []string {
	return append([]string{c.LLMDir()}, c.CustomModelPaths...)
}

// AddCustomModelPath appends a search root unless it is already present.
// It reports whether the list changed.
func (c *Config) AddCustomModelPath(path string) bool {
	path = expandPath(path)
	if slices.Contains(c.CustomModelPaths, path) {
		return false
	}
	c.CustomModelPaths = append(c.CustomModelPaths, path)
	return true
}

// EnsureDirectories creates the model, session and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.LLMDir(),
		c.ImageDir(),
		c.STTDir(),
		c.VoiceDir(),
		filepath.Dir(c.Logging.File),
	}
	switch c.Sessions.Backend {
	case "sqlite":
		dirs = append(dirs, filepath.Dir(c.Sessions.DBPath))
	default:
		dirs = append(dirs, c.Sessions.Dir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Paths.ModelsRoot == "" {
		return fmt.Errorf("paths.models_root cannot be empty")
	}

	if c.Preferences.Theme != "dark" && c.Preferences.Theme != "light" {
		return fmt.Errorf("invalid theme '%s', must be 'dark' or 'light'", c.Preferences.Theme)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	switch c.Sessions.Backend {
	case "file":
		if c.Sessions.Dir == "" {
			return fmt.Errorf("sessions.dir cannot be empty for the file backend")
		}
	case "sqlite":
		if c.Sessions.DBPath == "" {
			return fmt.Errorf("sessions.db_path cannot be empty for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid sessions.backend '%s', must be 'file' or 'sqlite'", c.Sessions.Backend)
	}

	if c.Image.Steps <= 0 {
		return fmt.Errorf("image.steps must be positive")
	}
	if c.Image.Guidance <= 0 {
		return fmt.Errorf("image.guidance must be positive")
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
