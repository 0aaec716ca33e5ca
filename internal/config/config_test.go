package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var serverKeys = []string{
	"CHAT_PORT", "CHAT_TLS_CERT", "CHAT_TLS_KEY", "CHAT_DB_DRIVER", "CHAT_DB_DSN",
	"CHAT_REDIS_URL", "CHAT_DELIVERY_MODE", "CHAT_ALLOWED_ORIGINS", "CHAT_MDNS", "CHAT_SEND_BUFFER",
}

func clearServerEnv(t *testing.T) {
	t.Helper()
	for _, key := range serverKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearServerEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.DBDriver != DefaultDBDriver || cfg.DBDSN != DefaultDBDSN {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DeliveryMode != DefaultDeliveryMode || cfg.SendBuffer != DefaultSendBuffer {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TLS() || cfg.MDNS || cfg.RedisURL != "" || len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected optional features off by default, got %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("CHAT_PORT", "9443")
	t.Setenv("CHAT_DB_DRIVER", "postgres")
	t.Setenv("CHAT_DB_DSN", "postgres://localhost/chat?sslmode=disable")
	t.Setenv("CHAT_DELIVERY_MODE", "Direct")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "https://chat.example.com, http://localhost:5173 ,")
	t.Setenv("CHAT_MDNS", "true")
	t.Setenv("CHAT_TLS_CERT", "cert.pem")
	t.Setenv("CHAT_TLS_KEY", "key.pem")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9443 || cfg.DBDriver != "postgres" || cfg.DeliveryMode != "direct" || !cfg.MDNS || !cfg.TLS() {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CHAT_PORT":          "not-a-port",
		"CHAT_DB_DRIVER":     "mysql",
		"CHAT_DELIVERY_MODE": "multicast",
		"CHAT_MDNS":          "maybe",
		"CHAT_SEND_BUFFER":   "0",
		"CHAT_TLS_CERT":      "cert.pem",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearServerEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	clearServerEnv(t)
	t.Setenv("CHAT_PORT", "7000")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CHAT_PORT=9000\nCHAT_DB_DSN=from-dotenv.db\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 7000 {
		t.Fatalf("expected existing CHAT_PORT to win, got %d", cfg.Port)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CHAT_SERVER_URL", "")
	t.Setenv("CHAT_ATTACHMENT_SECRET", "")
	t.Setenv("CHAT_PROFILE_PATH", "")
	if _, err := LoadClient(); err == nil || !strings.Contains(err.Error(), "CHAT_ATTACHMENT_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	t.Setenv("CHAT_ATTACHMENT_SECRET", "s3cret")
	t.Setenv("CHAT_PROFILE_PATH", "/tmp/profile.json")
	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}
	if cfg.ServerURL != DefaultServerURL || cfg.ProfilePath != "/tmp/profile.json" {
		t.Fatalf("unexpected client config %+v", cfg)
	}
}
