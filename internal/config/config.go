// Package config holds the configuration shared by verifierd and the wallet CLI.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/internal/zkp"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PRIVUTXO_"

// MinTreeDepth keeps the commitment tree large enough that a small deployment does
// not run out of leaves
const MinTreeDepth = 16

// Config represents the application configuration
type Config struct {
	Log      log.Config     `json:"log"`
	Engine   EngineConfig   `json:"engine"`
	Storage  StorageConfig  `json:"storage"`
	Verifier VerifierConfig `json:"verifier"`
	Metrics  MetricsConfig  `json:"metrics"`
	Wallet   WalletConfig   `json:"wallet"`
}

// EngineConfig holds cryptographic parameters. Wallet and verifier must agree on all
// of them.
type EngineConfig struct {
	// MinValue and MaxValue bound every committed value (decimal strings)
	MinValue string `json:"min_value"`
	MaxValue string `json:"max_value"`

	// Hasher is keccak256 or blake2b
	Hasher string `json:"hasher"`

	// SNARK attaches Groth16 conservation proofs to splits. Wallet and verifier
	// must share CircuitDir so that they use the same keys.
	SNARK      bool   `json:"snark"`
	CircuitDir string `json:"circuit_dir"`

	ChainID           int64  `json:"chain_id"`
	VerifyingContract string `json:"verifying_contract"`
}

// StorageConfig selects the UTXO repository backend
type StorageConfig struct {
	Backend string `json:"backend"`

	// Seal encrypts values and blinding factors at rest
	Seal bool `json:"seal"`

	BadgerDir string `json:"badger_dir"`

	PostgresDSN      string `json:"postgres_dsn"`
	PostgresMaxConns int32  `json:"postgres_max_conns"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`
}

// VerifierConfig configures the daemon and the client that talks to it
type VerifierConfig struct {
	ListenAddr string    `json:"listen_addr"`
	Endpoint   string    `json:"endpoint"`
	Timeout    Duration  `json:"timeout"`
	TreeDepth  int       `json:"tree_depth"`
	P2P        P2PConfig `json:"p2p"`
}

// P2PConfig configures spend gossip between verifier nodes
type P2PConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenAddrs    []string `json:"listen_addrs"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	Topic          string   `json:"topic"`
	EnableMDNS     bool     `json:"enable_mdns"`
	MaxPeers       int      `json:"max_peers"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WalletConfig locates the wallet's signing key
type WalletConfig struct {
	KeyFile    string `json:"key_file"`
	Passphrase string `json:"passphrase"`
}

// Duration is a time.Duration encoded as a string such as "30s"
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Log: log.DefaultConfig(),
		Engine: EngineConfig{
			MinValue:          "0",
			MaxValue:          "18446744073709551615",
			Hasher:            "keccak256",
			CircuitDir:        "data/circuits",
			ChainID:           31337,
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			BadgerDir:        "data/utxo",
			PostgresMaxConns: 10,
			RedisPrefix:      "privutxo",
		},
		Verifier: VerifierConfig{
			ListenAddr: ":8645",
			Endpoint:   "http://127.0.0.1:8645",
			Timeout:    Duration(30 * time.Second),
			TreeDepth:  32,
			P2P: P2PConfig{
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/9645"},
				Topic:       "privutxo/spends/1",
				EnableMDNS:  true,
				MaxPeers:    50,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig reads a JSON file over the defaults and applies environment overrides.
// An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as indented JSON
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides fields from PRIVUTXO_* variables. lookup is os.LookupEnv in
// production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("HASHER", &c.Engine.Hasher)
	str("CIRCUIT_DIR", &c.Engine.CircuitDir)
	str("VERIFYING_CONTRACT", &c.Engine.VerifyingContract)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("BADGER_DIR", &c.Storage.BadgerDir)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	str("REDIS_PASSWORD", &c.Storage.RedisPassword)
	str("LISTEN_ADDR", &c.Verifier.ListenAddr)
	str("VERIFIER_ENDPOINT", &c.Verifier.Endpoint)
	str("KEY_FILE", &c.Wallet.KeyFile)
	str("KEY_PASSPHRASE", &c.Wallet.Passphrase)

	if v, ok := lookup(EnvPrefix + "CHAIN_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHAIN_ID: %w", EnvPrefix, err)
		}
		c.Engine.ChainID = id
	}
	if v, ok := lookup(EnvPrefix + "SNARK"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSNARK: %w", EnvPrefix, err)
		}
		c.Engine.SNARK = b
	}
	if v, ok := lookup(EnvPrefix + "SEAL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSEAL: %w", EnvPrefix, err)
		}
		c.Storage.Seal = b
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	minV, maxV, err := c.Engine.Bounds()
	if err != nil {
		errs = append(errs, err)
	} else if minV.Sign() < 0 || maxV.Cmp(minV) < 0 {
		errs = append(errs, fmt.Errorf("engine: invalid value range [%s, %s]", minV, maxV))
	}
	switch strings.ToLower(c.Engine.Hasher) {
	case "", "keccak256", "blake2b":
	default:
		errs = append(errs, fmt.Errorf("engine: unknown hasher %q", c.Engine.Hasher))
	}
	if c.Engine.SNARK {
		if c.Engine.CircuitDir == "" {
			errs = append(errs, errors.New("engine: circuit_dir is required with snark"))
		}
		if maxV != nil && maxV.BitLen() > zkp.ConservationValueBits {
			errs = append(errs, fmt.Errorf("engine: snark needs max_value below 2^%d", zkp.ConservationValueBits))
		}
	}
	if !common.IsHexAddress(c.Engine.VerifyingContract) {
		errs = append(errs, fmt.Errorf("engine: invalid verifying contract %q", c.Engine.VerifyingContract))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Storage.BadgerDir == "" {
			errs = append(errs, errors.New("storage: badger_dir is required"))
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage: postgres_dsn is required"))
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage: redis_addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend))
	}

	if c.Verifier.Timeout <= 0 {
		errs = append(errs, errors.New("verifier: timeout must be positive"))
	}
	if c.Verifier.TreeDepth < MinTreeDepth || c.Verifier.TreeDepth > 64 {
		errs = append(errs, fmt.Errorf("verifier: tree_depth %d out of range", c.Verifier.TreeDepth))
	}
	if c.Verifier.P2P.Enabled && c.Verifier.P2P.Topic == "" {
		errs = append(errs, errors.New("verifier: p2p topic is required"))
	}

	return errors.Join(errs...)
}

// Bounds parses the configured value range
func (e EngineConfig) Bounds() (*big.Int, *big.Int, error) {
	minV, ok := new(big.Int).SetString(e.MinValue, 10)
	if !ok {
		return nil, nil, fmt.Errorf("engine: invalid min_value %q", e.MinValue)
	}
	maxV, ok := new(big.Int).SetString(e.MaxValue, 10)
	if !ok {
		return nil, nil, fmt.Errorf("engine: invalid max_value %q", e.MaxValue)
	}
	return minV, maxV, nil
}

// ContractAddress returns the verifying contract as an address
func (e EngineConfig) ContractAddress() common.Address {
	return common.HexToAddress(e.VerifyingContract)
}

// NewEngine builds the proof engine described by e
func (e EngineConfig) NewEngine() (*zkp.Engine, error) {
	minV, maxV, err := e.Bounds()
	if err != nil {
		return nil, err
	}
	var hasher zkp.HashProvider
	switch strings.ToLower(e.Hasher) {
	case "", "keccak256":
		hasher = zkp.Keccak256()
	case "blake2b":
		hasher = zkp.Blake2b()
	default:
		return nil, fmt.Errorf("engine: unknown hasher %q", e.Hasher)
	}
	return zkp.NewEngine(&zkp.EngineConfig{
		Rng:      zkp.DefaultRng(),
		Hasher:   hasher,
		MinValue: minV,
		MaxValue: maxV,
	}), nil
}

// NewCircuits opens the Groth16 key directory, or returns nil when SNARK is off
func (e EngineConfig) NewCircuits() (*zkp.CircuitManager, error) {
	if !e.SNARK {
		return nil, nil
	}
	return zkp.OpenCircuitManager(e.CircuitDir)
}

// Domain returns the EIP-712 domain attestations are signed under
func (e EngineConfig) Domain() protocol.Domain {
	return protocol.Domain{
		ChainID:           e.ChainID,
		VerifyingContract: e.ContractAddress(),
	}
}
