package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/c360/duplexbus/errors"
)

// EnvPrefix prefixes every environment variable read by the Loader.
const EnvPrefix = "DUPLEXBUS_"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	envFile    string
	envPrefix  string
	validation bool
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: EnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones
// field by field.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// SetEnvFile names a .env file read before the environment overlay. A missing
// file is ignored.
func (l *Loader) SetEnvFile(path string) {
	l.envFile = path
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load starts from Default, applies every layer in order, then the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadLayer(path, cfg); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "load layer")
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadLayer decodes one file onto cfg. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func (l *Loader) loadLayer(path string, cfg *Config) error {
	data, err := readConfigFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides reads the optional .env file and overlays every prefixed
// variable that is set.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", l.envFile, err)
		}
	}

	if err := checkEnviron(os.Environ(), l.envPrefix); err != nil {
		return err
	}

	return env.ParseWithOptions(cfg, env.Options{Prefix: l.envPrefix})
}
