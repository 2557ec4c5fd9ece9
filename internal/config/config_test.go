package config

import (
	"testing"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.Address != defaultAddress {
		t.Errorf("Address = %q, want %q", cfg.Address, defaultAddress)
	}
	if cfg.MaxClients != defaultMaxClients {
		t.Errorf("MaxClients = %d, want %d", cfg.MaxClients, defaultMaxClients)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.LogFormat != defaultLogFormat {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, defaultLogFormat)
	}
	if cfg.MetricsPort != defaultMetricsPort {
		t.Errorf("MetricsPort = %d, want %d", cfg.MetricsPort, defaultMetricsPort)
	}
}

func TestLoadServerFlagOverride(t *testing.T) {
	cfg, err := LoadServer([]string{"-port", "9999", "-max-clients", "5", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.MaxClients != 5 {
		t.Errorf("MaxClients = %d, want 5", cfg.MaxClients)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadServerEnvOverride(t *testing.T) {
	t.Setenv("ASCIICHAT_PORT", "8123")
	t.Setenv("ASCIICHAT_MAX_CLIENTS", "42")

	cfg, err := LoadServer(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8123 {
		t.Errorf("Port = %d, want 8123 from env", cfg.Port)
	}
	if cfg.MaxClients != 42 {
		t.Errorf("MaxClients = %d, want 42 from env", cfg.MaxClients)
	}
}

func TestLoadServerFlagBeatsEnv(t *testing.T) {
	t.Setenv("ASCIICHAT_PORT", "8123")

	cfg, err := LoadServer([]string{"-port", "7000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 (flag should beat env)", cfg.Port)
	}
}

func TestLoadServerRejectsPasswordWithNoEncrypt(t *testing.T) {
	_, err := LoadServer([]string{"-password", "secret", "-no-encrypt"})
	if err == nil {
		t.Fatal("expected an error when password and no-encrypt are both set")
	}
}

func TestLoadServerRejectsBadPort(t *testing.T) {
	_, err := LoadServer([]string{"-port", "0"})
	if err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}

func TestLoadServerRejectsBadLogLevel(t *testing.T) {
	_, err := LoadServer([]string{"-log-level", "verbose"})
	if err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestLoadServerAcceptRateFlagOverride(t *testing.T) {
	cfg, err := LoadServer([]string{"-accept-rate", "5.5", "-accept-burst", "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AcceptRatePerSecond != 5.5 {
		t.Errorf("AcceptRatePerSecond = %v, want 5.5", cfg.AcceptRatePerSecond)
	}
	if cfg.AcceptBurst != 3 {
		t.Errorf("AcceptBurst = %d, want 3", cfg.AcceptBurst)
	}
}

func TestLoadServerAcceptRateDefaultsToDisabled(t *testing.T) {
	cfg, err := LoadServer(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AcceptRatePerSecond != 0 {
		t.Errorf("AcceptRatePerSecond = %v, want 0 (disabled) by default", cfg.AcceptRatePerSecond)
	}
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "localhost" {
		t.Errorf("Host = %q, want localhost", cfg.Host)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.KnownHostsPath == "" {
		t.Error("KnownHostsPath should default to a non-empty path")
	}
}

func TestLoadClientRejectsPasswordWithNoEncrypt(t *testing.T) {
	_, err := LoadClient([]string{"-password", "secret", "-no-encrypt"})
	if err == nil {
		t.Fatal("expected an error when password and no-encrypt are both set")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		level string
		want  string
	}{
		{"debug", "DEBUG"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"info", "INFO"},
		{"", "INFO"},
	}
	for _, c := range cases {
		cfg := &ServerConfig{LogLevel: c.level}
		if got := cfg.SlogLevel().String(); got != c.want {
			t.Errorf("SlogLevel(%q) = %q, want %q", c.level, got, c.want)
		}
	}
}
