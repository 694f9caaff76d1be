// Package config loads daemon configuration from environment variables
// (spec.md §6), layered through viper the way the teacher's
// internal/config package layers env vars over an optional config file.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/thisnick/agent-rdp/internal/logging"
)

var log = logging.L("config")

// Config holds everything the run command needs to start one session
// daemon (spec.md §6 "Environment variables").
type Config struct {
	Session string `mapstructure:"session"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	StreamPort    int `mapstructure:"stream_port"`
	StreamFPS     int `mapstructure:"stream_fps"`
	StreamQuality int `mapstructure:"stream_quality"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
}

// Default returns the documented defaults (spec.md §6).
func Default() *Config {
	return &Config{
		Session:            "default",
		Port:               3389,
		StreamPort:         0,
		StreamFPS:          10,
		StreamQuality:      80,
		LogLevel:           "info",
		LogFormat:          "text",
		IdleTimeoutSeconds: 1800,
	}
}

// Load reads configuration from AGENT_RDP_* environment variables, with an
// optional file overlay (cfgFile, or ./agent-rdp.yaml if present).
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent-rdp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("AGENT_RDP")
	// Unmarshal only sees keys viper already knows, so each field's
	// AGENT_RDP_<KEY> variable is bound explicitly.
	for _, key := range []string{
		"session", "host", "port", "username", "password",
		"stream_port", "stream_fps", "stream_quality",
		"log_level", "log_format", "log_file", "idle_timeout_seconds",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	for _, w := range cfg.clampWarnings() {
		log.Warn("config validation", "error", w)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Session == "" {
		return fmt.Errorf("config: session name must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.StreamQuality < 0 || c.StreamQuality > 100 {
		return fmt.Errorf("config: stream quality must be 0-100, got %d", c.StreamQuality)
	}
	return nil
}

// TmpRoot returns the root directory session directories are created
// under: /tmp on POSIX, the user temp folder on Windows (spec.md §6).
func TmpRoot() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("TEMP"); dir != "" {
			return dir
		}
		return os.TempDir()
	}
	return "/tmp"
}

// SessionDir returns the persisted session directory for a session name:
// <tmp>/agent-rdp/<session>/ (spec.md §6 "Persisted session layout").
func SessionDir(session string) string {
	return filepath.Join(TmpRoot(), "agent-rdp", session)
}

// ephemeralPortBase and ephemeralPortRange bound the Windows loopback TCP
// port derived from a session name (spec.md §6 "port derived by a hash of
// the session name into the ephemeral range").
const (
	ephemeralPortBase  = 49152
	ephemeralPortRange = 65535 - ephemeralPortBase
)

// IPCAddress returns the network and address the local IPC listener binds
// to for session: a file socket under SessionDir on POSIX, or a loopback
// TCP port derived from a hash of the session name on Windows (spec.md §6).
func IPCAddress(session string) (network, address string) {
	if runtime.GOOS == "windows" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(session))
		port := ephemeralPortBase + int(h.Sum32())%ephemeralPortRange
		return "tcp", fmt.Sprintf("127.0.0.1:%d", port)
	}
	return "unix", filepath.Join(SessionDir(session), "socket")
}
