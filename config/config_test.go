package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	dataDir := t.TempDir()

	first, firstPath, err := LoadOrCreate(dataDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dataDir, "config.json"), firstPath)
	require.NotEmpty(t, first.DeviceName)
	require.Equal(t, DefaultDiscoveryPort, first.DiscoveryPort)
	require.Equal(t, DefaultSessionPort, first.SessionPort)
	require.Equal(t, "info", first.LogLevel)
	require.Equal(t, "console", first.LogFormat)
	require.False(t, first.MDNSEnabled)
	require.Equal(t, 5*time.Second, first.DiscoveryWait())
	require.DirExists(t, KeysDir(dataDir))

	second, secondPath, err := LoadOrCreate(dataDir)
	require.NoError(t, err)
	require.Equal(t, firstPath, secondPath)
	require.Equal(t, first, second)
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, EnsureDataDirectories(dataDir))
	require.NoError(t, os.WriteFile(ConfigPath(dataDir), []byte(`{"device_name":"den","session_port":9191}`), 0o600))

	cfg, path, err := LoadOrCreate(dataDir)
	require.NoError(t, err)
	require.Equal(t, "den", cfg.DeviceName)
	require.Equal(t, 9191, cfg.SessionPort)
	require.Equal(t, DefaultDiscoveryPort, cfg.DiscoveryPort)

	persisted, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultDiscoveryPort, persisted.DiscoveryPort)
	require.Equal(t, 9191, persisted.SessionPort)
}

func TestLoadOrCreateRejectsCorruptFile(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, EnsureDataDirectories(dataDir))
	require.NoError(t, os.WriteFile(ConfigPath(dataDir), []byte("{not json"), 0o600))

	_, _, err := LoadOrCreate(dataDir)
	require.Error(t, err)
}

func TestLocalOverrideIsNotPersisted(t *testing.T) {
	dataDir := t.TempDir()
	cfg, path, err := LoadOrCreate(dataDir)
	require.NoError(t, err)

	cfg.Local = "10.0.0.2:9090"
	require.NoError(t, Save(path, cfg))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, reloaded.Local)
}

func TestResolveDataDirPrecedence(t *testing.T) {
	t.Setenv(EnvDataDir, "/from/env")

	dir, err := ResolveDataDir("/from/flag")
	require.NoError(t, err)
	require.Equal(t, "/from/flag", dir)

	dir, err = ResolveDataDir("")
	require.NoError(t, err)
	require.Equal(t, "/from/env", dir)

	t.Setenv(EnvDataDir, "")
	dir, err = ResolveDataDir("")
	require.NoError(t, err)
	require.Equal(t, AppDirectoryName, filepath.Base(dir))
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvUDPPort, "18080")
	t.Setenv(EnvWSPort, "19090")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLocal, " 192.168.1.5:9090 ")
	t.Setenv(EnvMDNS, "true")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	require.Equal(t, 18080, cfg.DiscoveryPort)
	require.Equal(t, 19090, cfg.SessionPort)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, "192.168.1.5:9090", cfg.Local)
	require.True(t, cfg.MDNSEnabled)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsInvalidValues(t *testing.T) {
	t.Setenv(EnvUDPPort, "eighty")
	require.Error(t, Default().ApplyEnv())

	t.Setenv(EnvUDPPort, "8080")
	t.Setenv(EnvWSPort, "70000")
	require.Error(t, Default().ApplyEnv())

	t.Setenv(EnvWSPort, "9090")
	t.Setenv(EnvMDNS, "maybe")
	require.Error(t, Default().ApplyEnv())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"discovery port zero":  func(c *Config) { c.DiscoveryPort = 0 },
		"session port too big": func(c *Config) { c.SessionPort = 65536 },
		"bad level":            func(c *Config) { c.LogLevel = "chatty" },
		"bad format":           func(c *Config) { c.LogFormat = "yaml" },
		"negative wait":        func(c *Config) { c.DiscoveryWaitSeconds = -1 },
		"local without port":   func(c *Config) { c.Local = "10.0.0.1" },
		"local without host":   func(c *Config) { c.Local = ":9090" },
		"local bad port":       func(c *Config) { c.Local = "10.0.0.1:http" },
	}

	require.NoError(t, Default().Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsMixedCaseLogSettings(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "JSON"
	cfg.LogLevel = "Debug"
	require.NoError(t, cfg.Validate())

	cfg.LogFormat = " Console "
	require.NoError(t, cfg.Validate())
}

func TestLoadOrCreateIgnoresLegacySharingSections(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, EnsureDataDirectories(dataDir))
	legacy := `{"device_name":"den","sharing":{"max_queue_length":10},"downloads":{"directory":"/tmp"}}`
	require.NoError(t, os.WriteFile(ConfigPath(dataDir), []byte(legacy), 0o600))

	cfg, _, err := LoadOrCreate(dataDir)
	require.NoError(t, err)
	require.Equal(t, "den", cfg.DeviceName)
	require.Equal(t, DefaultSessionPort, cfg.SessionPort)
	require.NoError(t, cfg.Validate())
}
