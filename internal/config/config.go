// Package config loads mend's settings from a YAML file, MEND_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MEND_FLOWS_IDLE_TIMEOUT for flows.idle-timeout.
const EnvPrefix = "MEND"

// Keys.
const (
	KeyListen            = "listen"
	KeySocket            = "socket"
	KeyHostVersion       = "host-version"
	KeyIdleTimeout       = "flows.idle-timeout"
	KeyFinishedRetention = "flows.finished-retention"
	KeySweepInterval     = "flows.sweep-interval"
	KeyMaxConns          = "server.max-conns"
	KeyReadTimeout       = "server.read-timeout"
	KeyMaxMessageBytes   = "server.max-message-bytes"
	KeyLogLevel          = "log.level"
	KeyLogFormat         = "log.format"
	KeyTelemetry         = "telemetry.enabled"
	KeyTelemetryStdout   = "telemetry.stdout"
	KeyTelemetryEndpoint = "telemetry.endpoint"
	KeyTelemetryInterval = "telemetry.export-interval"
	KeyJSON              = "json"
)

// DeprecatedKeys maps keys that are still honoured to their replacement.
var DeprecatedKeys = map[string]string{
	"listen-addr": KeyListen,
}

var v *viper.Viper

// Initialize (re)loads configuration. An empty configFile searches the
// working directory and the user config directory for mend.yaml; a missing
// file is not an error.
func Initialize(configFile string) error {
	v = viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mend")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "mend"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	// A deprecated key only fills in for an unset replacement, so flags and
	// the new key always win.
	for old, key := range DeprecatedKeys {
		if v.IsSet(old) && !v.InConfig(key) && os.Getenv(envName(key)) == "" {
			v.SetDefault(key, v.Get(old))
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyListen, "127.0.0.1:8765")
	v.SetDefault(KeySocket, defaultSocketPath())
	v.SetDefault(KeyHostVersion, "dev")
	v.SetDefault(KeyIdleTimeout, 30*time.Minute)
	v.SetDefault(KeyFinishedRetention, time.Minute)
	v.SetDefault(KeySweepInterval, 30*time.Second)
	v.SetDefault(KeyMaxConns, 100)
	v.SetDefault(KeyReadTimeout, 5*time.Minute)
	v.SetDefault(KeyMaxMessageBytes, 1<<20)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyTelemetry, false)
	v.SetDefault(KeyTelemetryStdout, false)
	v.SetDefault(KeyTelemetryEndpoint, "")
	v.SetDefault(KeyTelemetryInterval, 30*time.Second)
	v.SetDefault(KeyJSON, false)
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "mend", "mend.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("mend-%d", os.Getuid()), "mend.sock")
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func ensure() *viper.Viper {
	if v == nil {
		v = viper.New()
		setDefaults(v)
	}
	return v
}

// BindPFlag lets a command-line flag override key when the flag is set.
func BindPFlag(key string, flag *pflag.Flag) error {
	return ensure().BindPFlag(key, flag)
}

// ConfigFileUsed returns the path of the loaded file, or "" if none was found.
func ConfigFileUsed() string {
	return ensure().ConfigFileUsed()
}

// GetString returns the value of key as a string.
func GetString(key string) string { return ensure().GetString(key) }

// GetBool returns the value of key as a bool.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetInt returns the value of key as an int.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetInt64 returns the value of key as an int64.
func GetInt64(key string) int64 { return ensure().GetInt64(key) }

// GetDuration returns the value of key as a duration.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// Set overrides key for the rest of the process.
func Set(key string, value any) { ensure().Set(key, value) }

// Config is a typed snapshot of the loaded settings.
type Config struct {
	Listen      string
	Socket      string
	HostVersion string

	IdleTimeout       time.Duration
	FinishedRetention time.Duration
	SweepInterval     time.Duration

	MaxConns        int
	ReadTimeout     time.Duration
	MaxMessageBytes int64

	LogLevel  string
	LogFormat string

	Telemetry         bool
	TelemetryStdout   bool
	TelemetryEndpoint string
	TelemetryInterval time.Duration
}

// Load returns the current settings.
func Load() Config {
	return Config{
		Listen:            GetString(KeyListen),
		Socket:            GetString(KeySocket),
		HostVersion:       GetString(KeyHostVersion),
		IdleTimeout:       GetDuration(KeyIdleTimeout),
		FinishedRetention: GetDuration(KeyFinishedRetention),
		SweepInterval:     GetDuration(KeySweepInterval),
		MaxConns:          GetInt(KeyMaxConns),
		ReadTimeout:       GetDuration(KeyReadTimeout),
		MaxMessageBytes:   GetInt64(KeyMaxMessageBytes),
		LogLevel:          GetString(KeyLogLevel),
		LogFormat:         GetString(KeyLogFormat),
		Telemetry:         GetBool(KeyTelemetry),
		TelemetryStdout:   GetBool(KeyTelemetryStdout),
		TelemetryEndpoint: GetString(KeyTelemetryEndpoint),
		TelemetryInterval: GetDuration(KeyTelemetryInterval),
	}
}

// ResetForTesting drops the loaded configuration.
func ResetForTesting() {
	v = nil
}
