// Package config provides configuration loading for the agent gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the agent gateway.
type Config struct {
	// Server settings
	Port           int
	Host           string
	BaseDomain     string
	AllowedOrigins []string

	// Auth settings
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string
	AuthDisabled bool

	// Cookie session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	CookieName             string
	CookieSecure           bool

	// Engine settings
	EngineCommand   string
	EngineArgs      []string
	EngineConfigDir string

	// Worker settings
	WorkerGracePeriod time.Duration
	WorkerTimeout     time.Duration

	// Storage settings
	WorkspaceRoot  string
	TranscriptRoot string
	DBPath         string

	// Connection liveness settings
	HeartbeatInterval time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg := &Config{
		// Default values
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "0.0.0.0"),
		BaseDomain:     getEnv("BASE_DOMAIN", ""),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil), // Parsed from comma-separated list

		JWKSEndpoint: getEnv("JWKS_URL", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "agent-gateway"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		AuthDisabled: getEnvBool("AUTH_DISABLED", false),

		SessionTTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		CookieName:             getEnv("COOKIE_NAME", "agent_session"),
		CookieSecure:           getEnvBool("COOKIE_SECURE", true),

		EngineCommand:   getEnv("ENGINE_COMMAND", "claude"),
		EngineArgs:      getEnvStringSlice("ENGINE_ARGS", nil),
		EngineConfigDir: getEnv("ENGINE_CONFIG_DIR", filepath.Join(home, ".claude")),

		WorkerGracePeriod: getEnvDuration("WORKER_GRACE_PERIOD", 2*time.Second),
		WorkerTimeout:     getEnvDuration("WORKER_TIMEOUT", 10*time.Minute),

		WorkspaceRoot:  getEnv("WORKSPACE_ROOT", filepath.Join(home, ".agent-gateway", "workspaces")),
		TranscriptRoot: getEnv("TRANSCRIPT_ROOT", filepath.Join(home, ".claude", "projects")),
		DBPath:         getEnv("DB_PATH", filepath.Join(home, ".agent-gateway", "gateway.db")),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		// HTTP server timeouts
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		// WebSocket buffer sizes
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	// Validate required fields. JWT validation needs a key source and an
	// issuer; everything else has a workable default.
	if !cfg.AuthDisabled {
		if cfg.JWKSEndpoint == "" {
			return nil, fmt.Errorf("JWKS_URL is required unless AUTH_DISABLED=true")
		}
		if cfg.JWTIssuer == "" {
			return nil, fmt.Errorf("JWT_ISSUER is required unless AUTH_DISABLED=true")
		}
	}

	// Derive allowed origins from the base domain if not explicitly set
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = deriveAllowedOrigins(cfg.BaseDomain)
	}

	return cfg, nil
}

// deriveAllowedOrigins builds the origin allowlist from the base domain.
// e.g. example.com -> allow https://example.com and https://*.example.com.
// With no base domain configured the gateway accepts any origin, which is
// only appropriate behind a trusted proxy.
func deriveAllowedOrigins(baseDomain string) []string {
	if baseDomain == "" {
		return []string{"*"}
	}

	// Strip any protocol or path the operator may have included
	domain := baseDomain
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	if idx := strings.Index(domain, "/"); idx != -1 {
		domain = domain[:idx]
	}
	if idx := strings.Index(domain, ":"); idx != -1 {
		domain = domain[:idx]
	}

	return []string{
		"https://" + domain,
		"https://*." + domain, // Allow app subdomains
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
