package zkp

import (
	"math/big"

	"github.com/ccoin/privutxo/pkg/types"
)

// DefaultMaxValue is the largest value a UTXO may hold by default (2^64 - 1)
var DefaultMaxValue = new(big.Int).SetUint64(^uint64(0))

// EngineConfig holds the injected providers and the accepted value range
type EngineConfig struct {
	Rng      RngProvider
	Hasher   HashProvider
	MinValue *big.Int
	MaxValue *big.Int
}

// DefaultEngineConfig returns crypto/rand, Keccak-256 and the range [0, 2^64)
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Rng:      DefaultRng(),
		Hasher:   Keccak256(),
		MinValue: big.NewInt(0),
		MaxValue: new(big.Int).Set(DefaultMaxValue),
	}
}

// Engine bundles commitment, nullifier and proof operations over one set of providers.
// It is safe for concurrent use as long as the RngProvider is.
type Engine struct {
	rng      RngProvider
	hasher   HashProvider
	nonces   *NonceSource
	minValue *big.Int
	maxValue *big.Int
}

// NewEngine creates an engine. Missing fields fall back to DefaultEngineConfig.
func NewEngine(cfg *EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg == nil {
		cfg = def
	}
	e := &Engine{
		rng:      cfg.Rng,
		hasher:   cfg.Hasher,
		minValue: cfg.MinValue,
		maxValue: cfg.MaxValue,
	}
	if e.rng == nil {
		e.rng = def.Rng
	}
	if e.hasher == nil {
		e.hasher = def.Hasher
	}
	if e.minValue == nil {
		e.minValue = def.MinValue
	}
	if e.maxValue == nil {
		e.maxValue = def.MaxValue
	}
	e.nonces = NewNonceSource(e.rng)
	return e
}

// Hasher returns the configured hash provider
func (e *Engine) Hasher() HashProvider {
	return e.hasher
}

// Bounds returns the accepted value range
func (e *Engine) Bounds() (lo, hi *big.Int) {
	return new(big.Int).Set(e.minValue), new(big.Int).Set(e.maxValue)
}

// GenerateBlindingFactor draws a blinding factor in [1, n)
func (e *Engine) GenerateBlindingFactor() (*big.Int, error) {
	return GenerateBlindingFactor(e.rng)
}

// NextNonce returns a nonce that is unique within this engine
func (e *Engine) NextNonce() (types.Hash, error) {
	return e.nonces.Next()
}

// GenerateNullifier derives a nullifier with the engine's hasher
func (e *Engine) GenerateNullifier(commitment types.Commitment, owner types.Address, nonce types.Hash) types.Nullifier {
	return GenerateNullifier(e.hasher, commitment, owner, nonce)
}

// Digest hashes arbitrary parts with the engine's hasher
func (e *Engine) Digest(parts ...[]byte) types.Hash {
	return e.hasher.Sum(parts...)
}
