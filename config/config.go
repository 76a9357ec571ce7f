package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"alacrite/logging"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "alacrite"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ALACRITE_"

	DefaultDiscoveryPort        = 8080
	DefaultSessionPort          = 9090
	DefaultLogLevel             = "info"
	DefaultLogFormat            = logging.FormatConsole
	DefaultDiscoveryWaitSeconds = 5

	configFileName   = "config.json"
	databaseFileName = "history.db"
	keysDirName      = "keys"
)

const (
	EnvDataDir   = EnvPrefix + "DATA_DIR"
	EnvUDPPort   = EnvPrefix + "UDP_PORT"
	EnvWSPort    = EnvPrefix + "WS_PORT"
	EnvLogLevel  = EnvPrefix + "LOG_LEVEL"
	EnvLogFormat = EnvPrefix + "LOG_FORMAT"
	EnvLocal     = EnvPrefix + "LOCAL"
	EnvMDNS      = EnvPrefix + "MDNS"
)

// Config contains persistent local settings plus per-run overrides.
type Config struct {
	DeviceName           string `json:"device_name"`
	DiscoveryPort        int    `json:"discovery_port"`
	SessionPort          int    `json:"session_port"`
	LogLevel             string `json:"log_level"`
	LogFormat            string `json:"log_format"`
	MDNSEnabled          bool   `json:"mdns_enabled"`
	DiscoveryWaitSeconds int    `json:"discovery_wait_seconds"`

	// Local is an explicit peer address (host:port) that bypasses discovery.
	// It is never written to disk.
	Local string `json:"-"`
}

// DiscoveryWait returns how long to wait for a discovered peer before listening.
func (c *Config) DiscoveryWait() time.Duration {
	return time.Duration(c.DiscoveryWaitSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// A non-empty override wins, then ALACRITE_DATA_DIR, then the OS default.
func ResolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv(EnvDataDir); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DatabasePath returns the session history database path.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFileName)
}

// KeysDir returns the identity key directory.
func KeysDir(dataDir string) string {
	return filepath.Join(dataDir, keysDirName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, KeysDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config.json exist, filling
// missing fields with defaults, and returns the config and its path.
func LoadOrCreate(dataDir string) (*Config, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = Default()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

// Default returns a config with every field at its default.
func Default() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

// ApplyEnv overlays ALACRITE_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if raw, ok := os.LookupEnv(EnvUDPPort); ok {
		port, err := parsePort(EnvUDPPort, raw)
		if err != nil {
			return err
		}
		c.DiscoveryPort = port
	}
	if raw, ok := os.LookupEnv(EnvWSPort); ok {
		port, err := parsePort(EnvWSPort, raw)
		if err != nil {
			return err
		}
		c.SessionPort = port
	}
	if raw, ok := os.LookupEnv(EnvLogLevel); ok && raw != "" {
		c.LogLevel = raw
	}
	if raw, ok := os.LookupEnv(EnvLogFormat); ok && raw != "" {
		c.LogFormat = raw
	}
	if raw, ok := os.LookupEnv(EnvLocal); ok {
		c.Local = strings.TrimSpace(raw)
	}
	if raw, ok := os.LookupEnv(EnvMDNS); ok && raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMDNS, err)
		}
		c.MDNSEnabled = enabled
	}
	return nil
}

// Validate rejects values the runtime cannot use.
func (c *Config) Validate() error {
	if err := checkPort("discovery_port", c.DiscoveryPort); err != nil {
		return err
	}
	if err := checkPort("session_port", c.SessionPort); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	if c.DiscoveryWaitSeconds < 0 {
		return fmt.Errorf("discovery_wait_seconds must be >= 0, got %d", c.DiscoveryWaitSeconds)
	}
	if c.Local != "" {
		host, port, err := net.SplitHostPort(c.Local)
		if err != nil {
			return fmt.Errorf("local peer %q: %w", c.Local, err)
		}
		if host == "" {
			return fmt.Errorf("local peer %q: missing host", c.Local)
		}
		if _, err := parsePort("local peer", port); err != nil {
			return err
		}
	}
	return nil
}

func parsePort(name, raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid port %q", name, raw)
	}
	if err := checkPort(name, port); err != nil {
		return 0, err
	}
	return port, nil
}

func checkPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range 1-65535", name, port)
	}
	return nil
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.DeviceName == "" {
		deviceName := "alacrite"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}
	if cfg.SessionPort == 0 {
		cfg.SessionPort = DefaultSessionPort
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
		updated = true
	}
	if cfg.DiscoveryWaitSeconds == 0 {
		cfg.DiscoveryWaitSeconds = DefaultDiscoveryWaitSeconds
		updated = true
	}

	return updated
}
