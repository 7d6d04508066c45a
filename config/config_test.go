package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// inTempDir runs the test from an empty directory so no .env file is picked up
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	return dir
}

func TestDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 6379, cfg.Port)
	assert.Equal(t, "/tmp/redis-files", cfg.Dir)
	assert.Equal(t, "dump.rdb", cfg.DBFilename)
	assert.Equal(t, "", cfg.ReplicaOf)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, Default(), cfg)
}

func TestEnvironment(t *testing.T) {
	inTempDir(t)
	t.Setenv("RESPKV_PORT", "7001")
	t.Setenv("RESPKV_REPLICAOF", "localhost 6379")
	t.Setenv("RESPKV_SWEEP_INTERVAL", "1s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, time.Second, cfg.SweepInterval)

	addr, ok := cfg.MasterAddr()
	assert.True(t, ok)
	assert.Equal(t, "localhost:6379", addr)
}

func TestDotEnvFiles(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RESPKV_DIR=/from/env\nRESPKV_PORT=7100\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("RESPKV_DBFILENAME=local.rdb\n"), 0o644))
	t.Setenv("RESPKV_PORT", "7200")
	t.Cleanup(func() {
		os.Unsetenv("RESPKV_DIR")
		os.Unsetenv("RESPKV_DBFILENAME")
	})

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Dir)
	assert.Equal(t, "local.rdb", cfg.DBFilename)
	assert.Equal(t, 7200, cfg.Port, "the process environment wins over .env")
}

func TestViperOverlay(t *testing.T) {
	dir := inTempDir(t)
	t.Setenv("RESPKV_PORT", "7001")

	path := filepath.Join(dir, "respkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7300\ndir: /data\nwrite-timeout: 2s\n"), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	v.Set("dbfilename", "flag.rdb")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7300, cfg.Port)
	assert.Equal(t, "/data", cfg.Dir)
	assert.Equal(t, "flag.rdb", cfg.DBFilename)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout, "unset keys keep their value")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.Port = 0 }, "Port must be at least 1"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "Port must not exceed 65535"},
		{"empty dir", func(c *Config) { c.Dir = "" }, "Dir is required"},
		{"bad replicaof", func(c *Config) { c.ReplicaOf = "localhost:6379" }, "ReplicaOf must be \"host port\""},
		{"bad replicaof port", func(c *Config) { c.ReplicaOf = "localhost abc" }, "ReplicaOf"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "LogLevel must be one of"},
		{"negative shards", func(c *Config) { c.Shards = -1 }, "Shards"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	inTempDir(t)

	t.Setenv("RESPKV_PORT", "not-a-port")
	_, err := Load(nil)
	assert.Error(t, err)

	t.Setenv("RESPKV_PORT", "0")
	_, err = Load(nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGet(t *testing.T) {
	cfg := Default()
	cfg.ReplicaOf = "master 6380"

	for name, want := range map[string]string{
		"port":       "6379",
		"dir":        "/tmp/redis-files",
		"dbfilename": "dump.rdb",
		"replicaof":  "master 6380",
		"bind":       "0.0.0.0",
		"loglevel":   "info",
	} {
		got, ok := cfg.Get(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := cfg.Get("maxmemory")
	assert.False(t, ok)

	for _, name := range cfg.Names() {
		_, ok := cfg.Get(name)
		assert.True(t, ok, name)
	}
}

func TestAddresses(t *testing.T) {
	cfg := Default()
	cfg.Bind = "127.0.0.1"
	cfg.Port = 7000
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr())

	_, ok := cfg.MasterAddr()
	assert.False(t, ok)
}

func TestDump(t *testing.T) {
	cfg := Default()
	cfg.ReplicaOf = "localhost 6379"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "write-timeout: 10s")
	assert.Contains(t, string(out), "replicaof: localhost 6379")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, *cfg, back)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24)
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
