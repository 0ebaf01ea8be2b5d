package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	lo, hi, err := cfg.Engine.Bounds()
	require.NoError(t, err)
	assert.Equal(t, "0", lo.String())
	assert.Equal(t, "18446744073709551615", hi.String())
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Verifier.Timeout))
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privutxo.json")
	body := `{
		"engine": {"max_value": "65535", "hasher": "blake2b"},
		"storage": {"backend": "badger", "badger_dir": "/tmp/utxo"},
		"verifier": {"timeout": "5s"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "65535", cfg.Engine.MaxValue)
	assert.Equal(t, "0", cfg.Engine.MinValue)
	assert.Equal(t, "blake2b", cfg.Engine.Hasher)
	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Verifier.Timeout))
	assert.Equal(t, 32, cfg.Verifier.TreeDepth)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.json")
	cfg := DefaultConfig()
	cfg.Engine.SNARK = true
	cfg.Verifier.P2P.BootstrapPeers = []string{"/ip4/10.0.0.1/tcp/9645/p2p/QmPeer"}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PRIVUTXO_STORAGE_BACKEND": "redis",
		"PRIVUTXO_REDIS_ADDR":      "localhost:6379",
		"PRIVUTXO_CHAIN_ID":        "1",
		"PRIVUTXO_SEAL":            "true",
		"PRIVUTXO_LOG_LEVEL":       "debug",
		"PRIVUTXO_CIRCUIT_DIR":     "/var/lib/privutxo/circuits",
	}))
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, int64(1), cfg.Engine.ChainID)
	assert.Equal(t, "/var/lib/privutxo/circuits", cfg.Engine.CircuitDir)
	assert.True(t, cfg.Storage.Seal)
	require.NoError(t, cfg.Validate())

	err = DefaultConfig().ApplyEnv(envMap(map[string]string{"PRIVUTXO_CHAIN_ID": "one"}))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted range", func(c *Config) { c.Engine.MinValue, c.Engine.MaxValue = "10", "5" }},
		{"negative min", func(c *Config) { c.Engine.MinValue = "-1" }},
		{"bad max", func(c *Config) { c.Engine.MaxValue = "lots" }},
		{"unknown hasher", func(c *Config) { c.Engine.Hasher = "md5" }},
		{"bad contract", func(c *Config) { c.Engine.VerifyingContract = "0x12" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = BackendRedis }},
		{"zero timeout", func(c *Config) { c.Verifier.Timeout = 0 }},
		{"tree too deep", func(c *Config) { c.Verifier.TreeDepth = 65 }},
		{"tree too shallow", func(c *Config) { c.Verifier.TreeDepth = 1 }},
		{"snark without circuit dir", func(c *Config) { c.Engine.SNARK, c.Engine.CircuitDir = true, "" }},
		{"snark with wide values", func(c *Config) { c.Engine.SNARK, c.Engine.MaxValue = true, "18446744073709551616" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewCircuits(t *testing.T) {
	cfg := DefaultConfig()
	circuits, err := cfg.Engine.NewCircuits()
	require.NoError(t, err)
	assert.Nil(t, circuits)

	cfg.Engine.SNARK = true
	cfg.Engine.CircuitDir = filepath.Join(t.TempDir(), "circuits")
	require.NoError(t, cfg.Validate())
	circuits, err = cfg.Engine.NewCircuits()
	require.NoError(t, err)
	assert.NotNil(t, circuits)
	assert.DirExists(t, cfg.Engine.CircuitDir)
}

func TestEngineFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MaxValue = "1000"
	cfg.Engine.Hasher = "blake2b"
	cfg.Engine.VerifyingContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

	engine, err := cfg.Engine.NewEngine()
	require.NoError(t, err)
	lo, hi := engine.Bounds()
	assert.Equal(t, int64(0), lo.Int64())
	assert.Equal(t, int64(1000), hi.Int64())

	domain := cfg.Engine.Domain()
	assert.Equal(t, int64(31337), domain.ChainID)
	assert.Equal(t, cfg.Engine.ContractAddress(), domain.VerifyingContract)

	cfg.Engine.Hasher = "sha1"
	_, err = cfg.Engine.NewEngine()
	assert.Error(t, err)
}
