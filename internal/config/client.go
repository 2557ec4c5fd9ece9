package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ClientConfig holds runtime configuration for the terminal client binary.
type ClientConfig struct {
	Host           string
	Port           int
	KeyPath        string // optional client Ed25519 key for auth
	Password       string
	NoEncrypt      bool
	KnownHostsPath string
	ExpectedHostKey string // base64 fingerprint pinned by the caller, if any
	DisplayName    string
	LogPath        string
	LogLevel       string
}

// LoadClient parses client configuration from CLI flags.
func LoadClient(args []string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	fs := flag.NewFlagSet("asciichat-client", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", "localhost", "server hostname or IP")
	fs.IntVar(&cfg.Port, "port", defaultPort, "server port")
	fs.StringVar(&cfg.KeyPath, "key", "", "path to client Ed25519 private key (for server-required auth)")
	fs.StringVar(&cfg.Password, "password", "", "shared password for the handshake")
	fs.BoolVar(&cfg.NoEncrypt, "no-encrypt", false, "disable session encryption (debug only)")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", "", "path to known_hosts file (default $XDG_CONFIG_HOME/asciichat/known_hosts)")
	fs.StringVar(&cfg.ExpectedHostKey, "expect-host-key", "", "base64 host key fingerprint to pin; mismatch is always fatal")
	fs.StringVar(&cfg.DisplayName, "name", "", "display name presented to other participants")
	fs.StringVar(&cfg.LogPath, "log", "", "path to log file (default stderr)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	if cfg.KnownHostsPath == "" {
		cfg.KnownHostsPath = ConfigDir() + "/known_hosts"
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.Password != "" && cfg.NoEncrypt {
		return nil, fmt.Errorf("password and no-encrypt are mutually exclusive")
	}
	return cfg, nil
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *ClientConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenLogSink opens the configured log destination, defaulting to stderr so
// the terminal UI itself is never polluted with log output.
func (c *ClientConfig) OpenLogSink() (*os.File, error) {
	if c.LogPath == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", c.LogPath, err)
	}
	return f, nil
}
