// Package config provides configuration management for antigravity.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. Keys missing from the file fall back to the values
// returned by Default. Saving always rewrites the whole file.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the ANTIGRAVITY_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - ANTIGRAVITY_PATHS_MODELS_ROOT=/srv/models
//   - ANTIGRAVITY_ENGINES_TEXT_ENDPOINT=http://gpu-box:8080
//   - ANTIGRAVITY_LOGGING_LEVEL=debug
//
// # Configuration Sections
//
//   - Paths: models_root; llm, image, stt and voice directories live below it
//   - CustomModelPaths: extra text model roots, searched after models_root/llm
//   - Preferences: default voice, personality, theme, startup auto-load
//   - Sessions: file or sqlite session store
//   - Engines: base URLs of the inference servers
//   - Image, STT, TTS: generation defaults
//
// # Thread Safety
//
// Config instances are not thread-safe. Callers that mutate a shared Config
// (for example when adding a search root at runtime) must serialize access.
package config
