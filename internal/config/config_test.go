package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "ezcal.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != defaultListen || cfg.Mistral.Model != defaultMistralModel {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ezcal.yaml")
	data := []byte(`
listen: ":9000"
log_level: LOUD
mistral:
  model: mistral-large
watch:
  - url: https://example.com/events
    name: example
    cron: "0 * * * *"
basic_auth:
  username: ""
  password: secret
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("unknown log level should fall back to info, got %q", cfg.LogLevel)
	}
	if cfg.Mistral.Model != "mistral-large" || cfg.Mistral.TimeoutSeconds != defaultMistralTimeout {
		t.Errorf("mistral = %+v", cfg.Mistral)
	}
	if cfg.Firecrawl.BaseURL != defaultFirecrawlURL || cfg.Firecrawl.Timeout().Seconds() != 20 {
		t.Errorf("firecrawl = %+v", cfg.Firecrawl)
	}
	if len(cfg.Watch) != 1 || cfg.Watch[0].Cron != "0 * * * *" {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if cfg.BasicAuth != nil {
		t.Errorf("auth without username should be dropped")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ezcal.yaml")
	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Paris"
	cfg.WebmailHosts = []string{"mail.example.org"}
	cfg.BasicAuth = &BasicAuthConfig{Username: "me", Password: "pw"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Timezone != "Europe/Paris" || len(got.WebmailHosts) != 1 || got.BasicAuth == nil || got.BasicAuth.Password != "pw" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ezcal.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	if loc, err := cfg.Location(); err != nil || loc == nil {
		t.Fatalf("empty timezone: %v %v", loc, err)
	}
	cfg.Timezone = "Not/AZone"
	if _, err := cfg.Location(); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}

func TestPathAndEnvCredentials(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := Path(""); got != DefaultPath {
		t.Errorf("Path() = %q", got)
	}
	t.Setenv(EnvConfigPath, "/etc/ezcal.yaml")
	if got := Path(""); got != "/etc/ezcal.yaml" {
		t.Errorf("Path() = %q", got)
	}
	if got := Path("x.yaml"); got != "x.yaml" {
		t.Errorf("explicit path ignored: %q", got)
	}

	t.Setenv(EnvFirecrawlAPIKey, "  fc-1  ")
	t.Setenv(EnvMistralAPIKey, "   ")
	creds := EnvCredentials()
	if creds[EnvFirecrawlAPIKey] != "fc-1" {
		t.Errorf("firecrawl key = %q", creds[EnvFirecrawlAPIKey])
	}
	if _, ok := creds[EnvMistralAPIKey]; ok {
		t.Errorf("blank key should be omitted")
	}
}
