// Package config loads server and client runtime configuration from CLI
// flags. Server configuration also falls back to environment variables,
// precedence CLI > env > default; client configuration is read from flags
// only.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// envPrefix is the prefix for all environment variables this project reads.
const envPrefix = "ASCIICHAT_"

// defaults
const (
	defaultPort        = 27224
	defaultAddress     = "0.0.0.0"
	defaultMaxClients  = 200
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultMetricsPort = 9090
)

// ServerConfig holds all runtime configuration for the server binary.
// Precedence: CLI flags > env vars > defaults.
type ServerConfig struct {
	Port        int
	Address     string
	KeyPath     string // path to a raw base64 Ed25519 private key file; "gpg:<keyid>" is rejected
	ClientKeys  string // path to an authorized-client-keys file (allowlist)
	Password    string // optional shared password mixed into the handshake transcript
	NoEncrypt   bool   // disable the AEAD session layer entirely (debug only)
	MaxClients  int
	LogPath     string // "" means stderr
	LogLevel    string
	LogFormat   string
	MetricsPort int // 0 disables the /metrics and /healthz HTTP surface

	// AcceptRatePerSecond and AcceptBurst throttle the TCP accept loop
	// against a connection flood; 0 disables throttling.
	AcceptRatePerSecond float64
	AcceptBurst         int
}

// Exit codes, per spec.md §6.
const (
	ExitOK              = 0
	ExitConfigError     = 1
	ExitBindFailure     = 2
	ExitCryptoInitError = 3
	ExitConnectFailure  = 4
	ExitHandshakeFailed = 5
)

// LoadServer parses server configuration from CLI flags and environment
// variables.
func LoadServer(args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{}

	fs := flag.NewFlagSet("asciichat-server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", defaultPort, "TCP/WebSocket listen port")
	fs.StringVar(&cfg.Address, "address", defaultAddress, "listen address")
	fs.StringVar(&cfg.KeyPath, "key", "", "path to host Ed25519 private key (raw base64; gpg:<keyid> is not supported)")
	fs.StringVar(&cfg.ClientKeys, "client-keys", "", "path to authorized client public keys (allowlist)")
	fs.StringVar(&cfg.Password, "password", "", "shared password mixed into the handshake transcript")
	fs.BoolVar(&cfg.NoEncrypt, "no-encrypt", false, "disable session encryption (debug only)")
	fs.IntVar(&cfg.MaxClients, "max-clients", defaultMaxClients, "maximum concurrent admitted clients")
	fs.StringVar(&cfg.LogPath, "log", "", "path to log file (default stderr)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", defaultMetricsPort, "port for the /metrics and /healthz HTTP surface (0 disables it)")
	fs.Float64Var(&cfg.AcceptRatePerSecond, "accept-rate", 0, "max new TCP connections accepted per second (0 disables throttling)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", 10, "burst size for -accept-rate")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyServerEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyServerEnvOverrides(fs *flag.FlagSet, cfg *ServerConfig) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	lookup := func(name string) (string, bool) {
		if set[name] {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := lookup("port"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := lookup("address"); ok {
		cfg.Address = v
	}
	if v, ok := lookup("key"); ok {
		cfg.KeyPath = v
	}
	if v, ok := lookup("client-keys"); ok {
		cfg.ClientKeys = v
	}
	if v, ok := lookup("password"); ok {
		cfg.Password = v
	}
	if v, ok := lookup("no-encrypt"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NoEncrypt = b
		}
	}
	if v, ok := lookup("max-clients"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxClients = n
		}
	}
	if v, ok := lookup("log"); ok {
		cfg.LogPath = v
	}
	if v, ok := lookup("log-level"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("log-format"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("metrics-port"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
	if v, ok := lookup("accept-rate"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AcceptRatePerSecond = f
		}
	}
	if v, ok := lookup("accept-burst"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AcceptBurst = n
		}
	}
}

func (c *ServerConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("max-clients must be >= 1, got %d", c.MaxClients)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.Password != "" && c.NoEncrypt {
		return fmt.Errorf("password and no-encrypt are mutually exclusive")
	}
	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// and level, writing to w.
func (c *ServerConfig) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *ServerConfig) SlogLevel() slog.Level {
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

// OpenLogSink opens the configured log destination. Callers must Close it
// (a no-op for stderr) when swapping sinks during shutdown.
func (c *ServerConfig) OpenLogSink() (*os.File, error) {
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

// ConfigDir returns the base directory for per-user config (known_hosts,
// keys), honoring XDG_CONFIG_HOME and falling back to the user's home
// directory (HOME/USERPROFILE), per spec.md §6. XDG_CONFIG_DIRS is not
// consulted.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "asciichat")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		if h := os.Getenv("HOME"); h != "" {
			home = h
		} else if h := os.Getenv("USERPROFILE"); h != "" {
			home = h
		}
	}
	return filepath.Join(home, ".config", "asciichat")
}
