// Package appconfig resolves tuinnel's on-disk directory layout and loads
// the ambient, non-spec'd application settings (log level, TUI refresh
// interval) that sit alongside the spec'd GlobalConfig/PID-registry files.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// Config holds ambient application settings that are not part of the
// spec'd GlobalConfig (spec §3/§6) — things a real deployment would want
// to tune but that have no bearing on tunnel lifecycle semantics.
type Config struct {
	LogLevel string   `yaml:"log_level"`
	UI       UIConfig `yaml:"ui"`
}

// Default returns the default ambient configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		UI:       UIConfig{RefreshSeconds: 3},
	}
}

// Dir returns $HOME/.tuinnel, the directory spec §6 roots every on-disk
// artifact under (config.json, .pids.json, bin/, events.jsonl).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".tuinnel"), nil
}

// ConfigFilePath returns the path to the spec'd GlobalConfig file.
func ConfigFilePath() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.json"), nil
}

// PidFilePath returns the path to the PID registry file.
func PidFilePath() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, ".pids.json"), nil
}

// BinDir returns the directory the connector binary manager caches its
// downloaded binary and version file under.
func BinDir() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "bin"), nil
}

// EventsFilePath returns the path to the lifecycle-event journal.
func EventsFilePath() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// BundlesFilePath returns the path to the named tunnel-group definitions.
func BundlesFilePath() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "bundles.yaml"), nil
}

func ambientFilePath() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "appconfig.yaml"), nil
}

// Load reads the ambient settings file, creating it with defaults on first
// run — the same load-or-create-defaults pattern the teacher app uses for
// its own config.yaml.
func Load() (Config, error) {
	d, err := Dir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return Config{}, err
	}
	path, err := ambientFilePath()
	if err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = 3
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// Save writes the ambient settings file.
func Save(cfg Config) error {
	d, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return err
	}
	path, err := ambientFilePath()
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
