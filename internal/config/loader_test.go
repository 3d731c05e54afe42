package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
worker_token: sekret
cache_capacity: 60
target_fps: 4.5
grace_period_sec: 120
state_dir: /var/lib/dreamrelay
cors_origins:
  - https://example.com
provider:
  base_url: https://api.compute.example/v2
  endpoint_id: ep-1
  api_key: key-1
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.WorkerToken != "sekret" || cfg.CacheCapacity != 60 || cfg.TargetFPS != 4.5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.GracePeriodSec != 120 || cfg.StateDir != "/var/lib/dreamrelay" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://example.com" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
	if !cfg.Provider.Configured() || cfg.Provider.EndpointID != "ep-1" {
		t.Fatalf("unexpected provider: %+v", cfg.Provider)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","cache_capacity":15,"provider":{"base_url":"https://api","endpoint_id":"ep","api_key":"k"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.CacheCapacity != 15 || !cfg.Provider.Configured() {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\ntarget_fps=6.0\n[provider]\nbase_url=\"https://api\"\nendpoint_id=\"ep\"\napi_key=\"k\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.TargetFPS != 6.0 || !cfg.Provider.Configured() {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	bad := writeTempFile(t, d, "bad.yaml", "addr: :8080\n: broken\n")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestProviderConfigured(t *testing.T) {
	p := ProviderConfig{BaseURL: "https://api", EndpointID: "ep"}
	if p.Configured() {
		t.Fatalf("expected not configured without api key")
	}
	p.APIKey = "k"
	if !p.Configured() {
		t.Fatalf("expected configured")
	}
}

func TestLoadEnv(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, ".env", "DREAMRELAY_TEST_VAR=from-dotenv\n")

	t.Cleanup(func() { _ = os.Unsetenv("DREAMRELAY_TEST_VAR") })
	if err := LoadEnv(p); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := GetEnv("DREAMRELAY_TEST_VAR", "fallback"); got != "from-dotenv" {
		t.Fatalf("GetEnv = %q", got)
	}

	// A missing file is not an error.
	if err := LoadEnv(filepath.Join(d, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("DREAMRELAY_INT", "42")
	t.Setenv("DREAMRELAY_FLOAT", "2.5")
	t.Setenv("DREAMRELAY_BAD", "nope")

	if got := GetEnvInt("DREAMRELAY_INT", 7); got != 42 {
		t.Fatalf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("DREAMRELAY_BAD", 7); got != 7 {
		t.Fatalf("GetEnvInt fallback = %d", got)
	}
	if got := GetEnvFloat("DREAMRELAY_FLOAT", 1); got != 2.5 {
		t.Fatalf("GetEnvFloat = %v", got)
	}
	if got := GetEnv("DREAMRELAY_UNSET", "fb"); got != "fb" {
		t.Fatalf("GetEnv = %q", got)
	}
}
