package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	noEnvFile(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "local", cfg.Archive.Driver)
	assert.Equal(t, BackendCLI, cfg.Runtime.Backend)
	assert.Equal(t, "podman", cfg.Runtime.Binary)
	assert.Equal(t, 500*time.Millisecond, cfg.Runtime.StartupDelay)
	assert.Equal(t, "dart:stable", cfg.Build.CompilerImage)
	assert.Equal(t, 10*time.Minute, cfg.Build.Timeout)
	assert.Equal(t, 10, cfg.Execution.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Execution.DefaultTimeout)
	assert.Equal(t, 0.5, cfg.Execution.CPUs)
	assert.Equal(t, 0.5, cfg.Execution.MemoryFraction)
	assert.Equal(t, int64(16<<20), cfg.Execution.MinMemory)
}

func TestLoadOverrides(t *testing.T) {
	noEnvFile(t)
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RUNTIME_BACKEND", "bridge")
	t.Setenv("TARGET_PLATFORM", "linux/x86_64")
	t.Setenv("MIN_MEMORY", "64m")
	t.Setenv("DEFAULT_TIMEOUT", "5s")
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "3")
	t.Setenv("ARCHIVE_USE_SSL", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, BackendBridge, cfg.Runtime.Backend)
	assert.Equal(t, "linux/amd64", cfg.Build.Platform)
	assert.Equal(t, int64(64<<20), cfg.Execution.MinMemory)
	assert.Equal(t, 5*time.Second, cfg.Execution.DefaultTimeout)
	assert.Equal(t, 3, cfg.Execution.MaxConcurrent)
	assert.False(t, cfg.Archive.UseSSL)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faas.env")
	require.NoError(t, os.WriteFile(path, []byte("LISTEN_ADDR=:9090\nCOMPILER_IMAGE=dart:3.5\n"), 0o644))
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables already set
	t.Setenv("COMPILER_IMAGE", "dart:beta")
	t.Setenv("LISTEN_ADDR", "")
	require.NoError(t, os.Unsetenv("LISTEN_ADDR"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "dart:beta", cfg.Build.CompilerImage)
}

func TestLoadReportsEveryMalformedValue(t *testing.T) {
	noEnvFile(t)
	t.Setenv("DEFAULT_TIMEOUT", "soon")
	t.Setenv("MIN_MEMORY", "lots")
	t.Setenv("CPU_SHARE", "half")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_TIMEOUT")
	assert.Contains(t, err.Error(), "MIN_MEMORY")
	assert.Contains(t, err.Error(), "CPU_SHARE")
}

func TestLoadValidates(t *testing.T) {
	cases := map[string][2]string{
		"unknown backend":       {"RUNTIME_BACKEND", "lxc"},
		"unknown store":         {"STORE_DRIVER", "sqlite"},
		"zero concurrency":      {"MAX_CONCURRENT_EXECUTIONS", "0"},
		"s3 without bucket":     {"ARCHIVE_DRIVER", "s3"},
		"negative memory share": {"MEMORY_FRACTION", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			noEnvFile(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestMustLoadPanics(t *testing.T) {
	noEnvFile(t)
	t.Setenv("BUILD_TIMEOUT", "forever")
	assert.Panics(t, func() { MustLoad() })
}
