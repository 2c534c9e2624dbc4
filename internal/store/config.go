// Package store persists and loads the spec'd GlobalConfig
// ($HOME/.tuinnel/config.json): atomic temp-then-rename writes, a schema
// version gate, and API token resolution across environment variables and
// the file itself.
//
// This generalizes the atomic-write discipline of the teacher's
// internal/config/writer.go (open-with-explicit-mode, no partial-write
// window) from an append-only host block to a full temp+rename cycle,
// since spec §8 requires that a concurrent reader never observe a partial
// write — append alone doesn't give that guarantee for a full-file rewrite.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/NickDunas/tuinnel/internal/appconfig"
	"github.com/NickDunas/tuinnel/internal/model"
)

// EnvAPIToken and EnvAppToken are the two environment variables that
// override the config file's apiToken (spec §6); EnvAPIToken wins when
// both are set, matching the order they're listed in the spec.
const (
	EnvAPIToken = "CLOUDFLARE_API_TOKEN"
	EnvAppToken = "TUINNEL_API_TOKEN"
)

var globalAPIKeyShape = regexp.MustCompile(`^[0-9a-f]{37}$`)

// Load reads config.json, creating an empty v1 config on first run.
// Rejects any on-disk version other than model.CurrentConfigVersion — per
// spec §6 this is a fatal error, not a silent migration.
func Load() (model.GlobalConfig, error) {
	path, err := appconfig.ConfigFilePath()
	if err != nil {
		return model.GlobalConfig{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := model.GlobalConfig{Version: model.CurrentConfigVersion, Tunnels: map[string]model.TunnelConfig{}}
			return cfg, Save(cfg)
		}
		return model.GlobalConfig{}, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return model.GlobalConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var cfg model.GlobalConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return model.GlobalConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	// Extra top-level fields are silently stripped (spec §6) — json.Unmarshal
	// into the typed struct already does this; we only needed `raw` to
	// confirm the version key was present at all.
	if _, ok := raw["version"]; !ok {
		return model.GlobalConfig{}, fmt.Errorf("config %s is missing a schema version", path)
	}
	if cfg.Version != model.CurrentConfigVersion {
		return model.GlobalConfig{}, fmt.Errorf("config %s has unsupported schema version %d (want %d)", path, cfg.Version, model.CurrentConfigVersion)
	}
	if cfg.Tunnels == nil {
		cfg.Tunnels = map[string]model.TunnelConfig{}
	}
	return cfg, nil
}

// Save writes cfg to config.json atomically (temp file in the same
// directory, then rename) with 0600 permissions, per spec §3/§6.
func Save(cfg model.GlobalConfig) error {
	path, err := appconfig.ConfigFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if cfg.Version == 0 {
		cfg.Version = model.CurrentConfigVersion
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, b, 0o600)
}

// atomicWrite writes b to a temp file beside path and renames it into
// place, so a concurrent reader of path always sees either the old
// contents or the new, never a partial write (spec §8).
func atomicWrite(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// ResolveToken returns the API token to use: environment variables take
// priority over the config file's apiToken (spec §6), and a 37-character
// all-hex token is rejected as a Global API Key rather than a scoped
// bearer token.
func ResolveToken(cfg model.GlobalConfig) (string, error) {
	token := cfg.APIToken
	if v := os.Getenv(EnvAppToken); v != "" {
		token = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		token = v
	}
	if globalAPIKeyShape.MatchString(token) {
		return "", fmt.Errorf("configured token looks like a Global API Key (37 hex characters), not a scoped API token")
	}
	return token, nil
}
