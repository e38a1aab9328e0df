package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mend.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{KeyListen, "127.0.0.1:8765", func(k string) interface{} { return GetString(k) }},
		{KeyHostVersion, "dev", func(k string) interface{} { return GetString(k) }},
		{KeyIdleTimeout, 30 * time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{KeyFinishedRetention, time.Minute, func(k string) interface{} { return GetDuration(k) }},
		{KeySweepInterval, 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyMaxConns, 100, func(k string) interface{} { return GetInt(k) }},
		{KeyMaxMessageBytes, int64(1 << 20), func(k string) interface{} { return GetInt64(k) }},
		{KeyLogLevel, "info", func(k string) interface{} { return GetString(k) }},
		{KeyJSON, false, func(k string) interface{} { return GetBool(k) }},
		{KeyTelemetry, false, func(k string) interface{} { return GetBool(k) }},
		{KeyTelemetryInterval, 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := tt.getter(tt.key)
			if got != tt.expected {
				t.Errorf("Get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}

	if ConfigFileUsed() != "" {
		t.Errorf("ConfigFileUsed() = %q, want none", ConfigFileUsed())
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9000
host-version: 2022.7.0
flows:
  idle-timeout: 5m
server:
  max-conns: 7
log:
  format: json
`)
	if err := Initialize(path); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	cfg := Load()
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.HostVersion != "2022.7.0" {
		t.Errorf("HostVersion = %q", cfg.HostVersion)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.FinishedRetention != time.Minute {
		t.Errorf("FinishedRetention = %v, want default", cfg.FinishedRetention)
	}
	if cfg.MaxConns != 7 {
		t.Errorf("MaxConns = %d", cfg.MaxConns)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", ConfigFileUsed(), path)
	}
}

func TestMissingExplicitConfigFile(t *testing.T) {
	if err := Initialize(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestConfigDiscoveredInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	oldWD, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(oldWD) }()

	if err := os.WriteFile("mend.yaml", []byte("host-version: found\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if got := GetString(KeyHostVersion); got != "found" {
		t.Errorf("host-version = %q, want found", got)
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar   string
		key      string
		value    string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"MEND_LISTEN", KeyListen, ":7000", ":7000", func(k string) interface{} { return GetString(k) }},
		{"MEND_HOST_VERSION", KeyHostVersion, "2023.1", "2023.1", func(k string) interface{} { return GetString(k) }},
		{"MEND_FLOWS_IDLE_TIMEOUT", KeyIdleTimeout, "10s", 10 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{"MEND_SERVER_MAX_CONNS", KeyMaxConns, "3", 3, func(k string) interface{} { return GetInt(k) }},
		{"MEND_JSON", KeyJSON, "true", true, func(k string) interface{} { return GetBool(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			if err := Initialize(""); err != nil {
				t.Fatalf("Initialize() returned error: %v", err)
			}
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("Get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestDeprecatedListenAddr(t *testing.T) {
	t.Run("fills in listen", func(t *testing.T) {
		path := writeConfig(t, "listen-addr: 0.0.0.0:9100\n")
		if err := Initialize(path); err != nil {
			t.Fatal(err)
		}
		if got := GetString(KeyListen); got != "0.0.0.0:9100" {
			t.Errorf("listen = %q, want value of listen-addr", got)
		}
	})

	t.Run("new key wins", func(t *testing.T) {
		path := writeConfig(t, "listen-addr: 0.0.0.0:9100\nlisten: 0.0.0.0:9200\n")
		if err := Initialize(path); err != nil {
			t.Fatal(err)
		}
		if got := GetString(KeyListen); got != "0.0.0.0:9200" {
			t.Errorf("listen = %q, want 0.0.0.0:9200", got)
		}
	})

	t.Run("flag wins", func(t *testing.T) {
		path := writeConfig(t, "listen-addr: 0.0.0.0:9100\n")
		if err := Initialize(path); err != nil {
			t.Fatal(err)
		}
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.String("listen", "", "")
		if err := fs.Parse([]string{"--listen", ":9300"}); err != nil {
			t.Fatal(err)
		}
		if err := BindPFlag(KeyListen, fs.Lookup("listen")); err != nil {
			t.Fatal(err)
		}
		if got := GetString(KeyListen); got != ":9300" {
			t.Errorf("listen = %q, want flag value", got)
		}
	})
}

func TestGettersWithoutInitialize(t *testing.T) {
	ResetForTesting()
	defer ResetForTesting()

	if got := GetString(KeyLogFormat); got != "text" {
		t.Errorf("log.format = %q, want default", got)
	}
}
