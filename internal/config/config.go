// Package config loads server and client settings from the environment,
// after applying an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// DefaultPort matches the original deployment.
	DefaultPort = 8081
	// DefaultDBDriver keeps the server self-contained.
	DefaultDBDriver = "sqlite3"
	// DefaultDBDSN is the SQLite file used when no DSN is given.
	DefaultDBDSN = "securechat.db"
	// DefaultDeliveryMode preserves the broadcast-to-all behaviour.
	DefaultDeliveryMode = "broadcast"
	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 64
	// DefaultServerURL is where the CLI client connects by default.
	DefaultServerURL = "http://localhost:8081"
	// AppDirectoryName is the per-user directory for client state.
	AppDirectoryName = "securechat"
)

// Config holds server settings.
type Config struct {
	Port           int
	TLSCertFile    string
	TLSKeyFile     string
	DBDriver       string
	DBDSN          string
	RedisURL       string
	DeliveryMode   string
	AllowedOrigins []string
	MDNS           bool
	SendBuffer     int
}

// ClientConfig holds CLI client settings.
type ClientConfig struct {
	ServerURL        string
	AttachmentSecret string
	ProfilePath      string
}

// LoadDotEnv applies path (or ".env" when empty) to the environment. A
// missing file is not an error; existing variables are never overridden.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads server settings. Unset variables take defaults; malformed ones are errors.
func Load() (Config, error) {
	cfg := Config{
		Port:         DefaultPort,
		DBDriver:     DefaultDBDriver,
		DBDSN:        DefaultDBDSN,
		DeliveryMode: DefaultDeliveryMode,
		SendBuffer:   DefaultSendBuffer,
	}

	var err error
	if cfg.Port, err = intEnv("CHAT_PORT", cfg.Port); err != nil {
		return Config{}, err
	}
	if cfg.SendBuffer, err = intEnv("CHAT_SEND_BUFFER", cfg.SendBuffer); err != nil {
		return Config{}, err
	}
	if cfg.MDNS, err = boolEnv("CHAT_MDNS", false); err != nil {
		return Config{}, err
	}

	cfg.TLSCertFile = os.Getenv("CHAT_TLS_CERT")
	cfg.TLSKeyFile = os.Getenv("CHAT_TLS_KEY")
	cfg.DBDriver = stringEnv("CHAT_DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = stringEnv("CHAT_DB_DSN", cfg.DBDSN)
	cfg.RedisURL = os.Getenv("CHAT_REDIS_URL")
	cfg.DeliveryMode = strings.ToLower(stringEnv("CHAT_DELIVERY_MODE", cfg.DeliveryMode))
	cfg.AllowedOrigins = listEnv("CHAT_ALLOWED_ORIGINS")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: CHAT_PORT out of range: %d", c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: CHAT_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported CHAT_DB_DRIVER %q", c.DBDriver)
	}
	switch c.DeliveryMode {
	case "broadcast", "direct":
	default:
		return fmt.Errorf("config: unsupported CHAT_DELIVERY_MODE %q", c.DeliveryMode)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("config: CHAT_TLS_CERT and CHAT_TLS_KEY must be set together")
	}
	return nil
}

// TLS reports whether the server should serve HTTPS.
func (c Config) TLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// LoadClient reads CLI client settings.
func LoadClient() (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:        stringEnv("CHAT_SERVER_URL", DefaultServerURL),
		AttachmentSecret: os.Getenv("CHAT_ATTACHMENT_SECRET"),
		ProfilePath:      os.Getenv("CHAT_PROFILE_PATH"),
	}
	if cfg.AttachmentSecret == "" {
		return ClientConfig{}, errors.New("config: CHAT_ATTACHMENT_SECRET is required")
	}
	if cfg.ProfilePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return ClientConfig{}, fmt.Errorf("resolve user config dir: %w", err)
		}
		cfg.ProfilePath = filepath.Join(dir, AppDirectoryName, "profile.json")
	}
	return cfg, nil
}

func stringEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return b, nil
}

func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
