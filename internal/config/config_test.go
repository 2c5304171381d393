package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDeriveAllowedOrigins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty allows any origin", in: "", want: []string{"*"}},
		{name: "bare domain", in: "example.com", want: []string{"https://example.com", "https://*.example.com"}},
		{name: "with protocol", in: "https://example.com", want: []string{"https://example.com", "https://*.example.com"}},
		{name: "with path", in: "example.com/app", want: []string{"https://example.com", "https://*.example.com"}},
		{name: "with port", in: "example.com:8443", want: []string{"https://example.com", "https://*.example.com"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := deriveAllowedOrigins(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("deriveAllowedOrigins(%q) = %v, want %v", tc.in, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("deriveAllowedOrigins(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestLoadRequiresJWTSettings(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("JWKS_URL", "")
	t.Setenv("JWT_ISSUER", "")
	t.Setenv("AUTH_DISABLED", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWKS_URL is unset")
	}

	t.Setenv("JWKS_URL", "https://auth.example.com/.well-known/jwks.json")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWT_ISSUER is unset")
	}

	t.Setenv("JWT_ISSUER", "https://auth.example.com")
	if _, err := Load(); err != nil {
		t.Fatalf("Load returned error with full JWT settings: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("JWKS_URL", "")
	t.Setenv("JWT_ISSUER", "")
	t.Setenv("ENGINE_COMMAND", "")
	t.Setenv("ENGINE_ARGS", "")
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("BASE_DOMAIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port=%d, want 8080", cfg.Port)
	}
	if cfg.EngineCommand != "claude" {
		t.Errorf("EngineCommand=%q, want %q", cfg.EngineCommand, "claude")
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval=%v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.WorkerGracePeriod != 2*time.Second {
		t.Errorf("WorkerGracePeriod=%v, want 2s", cfg.WorkerGracePeriod)
	}
	if want := filepath.Join(home, ".agent-gateway", "gateway.db"); cfg.DBPath != want {
		t.Errorf("DBPath=%q, want %q", cfg.DBPath, want)
	}
	if want := filepath.Join(home, ".claude", "projects"); cfg.TranscriptRoot != want {
		t.Errorf("TranscriptRoot=%q, want %q", cfg.TranscriptRoot, want)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins=%v, want wildcard", cfg.AllowedOrigins)
	}
}

func TestLoadParsesEngineArgs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("ENGINE_ARGS", "--model, sonnet ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.EngineArgs) != 2 || cfg.EngineArgs[0] != "--model" || cfg.EngineArgs[1] != "sonnet" {
		t.Fatalf("EngineArgs=%v, want [--model sonnet]", cfg.EngineArgs)
	}
}

func TestLoadDerivesOriginsFromBaseDomain(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("BASE_DOMAIN", "example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" {
		t.Fatalf("AllowedOrigins=%v, want derived pair", cfg.AllowedOrigins)
	}
}

func TestGetEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_DURATION_VALUE", "not-a-duration")

	if got := getEnvDuration("TEST_DURATION_VALUE", 5*time.Second); got != 5*time.Second {
		t.Fatalf("getEnvDuration=%v, want fallback 5s", got)
	}
}
