package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NickDunas/tuinnel/internal/model"
)

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	withHome(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != model.CurrentConfigVersion {
		t.Fatalf("version = %d, want %d", cfg.Version, model.CurrentConfigVersion)
	}
	if cfg.Tunnels == nil {
		t.Fatalf("Tunnels map is nil")
	}
}

func TestRoundTrip(t *testing.T) {
	withHome(t)
	cfg := model.GlobalConfig{
		Version:     model.CurrentConfigVersion,
		DefaultZone: "example.com",
		Tunnels: map[string]model.TunnelConfig{
			"app": {Port: 3000, Subdomain: "app", Zone: "example.com", Protocol: model.ProtocolHTTP},
		},
	}
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DefaultZone != cfg.DefaultZone {
		t.Fatalf("DefaultZone = %q, want %q", got.DefaultZone, cfg.DefaultZone)
	}
	if got.Tunnels["app"] != cfg.Tunnels["app"] {
		t.Fatalf("Tunnels[app] = %+v, want %+v", got.Tunnels["app"], cfg.Tunnels["app"])
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	home := withHome(t)
	dir := filepath.Join(home, ".tuinnel")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"version":2,"tunnels":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unsupported schema version")
	}
}

func TestSaveStripsUnknownFieldsOnNextLoad(t *testing.T) {
	home := withHome(t)
	dir := filepath.Join(home, ".tuinnel")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"tunnels":{},"unexpectedField":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) == "" {
		t.Fatal("empty file")
	}
	if strings.Contains(string(b), "unexpectedField") {
		t.Fatalf("re-saved config still contains stripped field: %s", b)
	}
}

func TestResolveTokenPrefersEnv(t *testing.T) {
	cfg := model.GlobalConfig{APIToken: "file-token"}
	t.Setenv(EnvAppToken, "app-token")
	t.Setenv(EnvAPIToken, "")
	tok, err := ResolveToken(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "app-token" {
		t.Fatalf("token = %q, want app-token", tok)
	}

	t.Setenv(EnvAPIToken, "cf-token")
	tok, err = ResolveToken(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "cf-token" {
		t.Fatalf("token = %q, want cf-token (CLOUDFLARE_API_TOKEN wins)", tok)
	}
}

func TestResolveTokenRejectsGlobalAPIKeyShape(t *testing.T) {
	t.Setenv(EnvAppToken, "")
	t.Setenv(EnvAPIToken, "")
	cfg := model.GlobalConfig{APIToken: "0123456789abcdef0123456789abcdef01234"} // 37 hex chars
	if _, err := ResolveToken(cfg); err == nil {
		t.Fatalf("expected rejection of Global API Key shaped token")
	}
}
