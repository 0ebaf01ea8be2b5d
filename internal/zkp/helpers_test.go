package zkp

import (
	"math/big"
	"math/rand"
	"testing"
)

// testEngine returns an engine with a seeded RNG and a small value range so proofs
// stay fast.
func testEngine(t *testing.T, seed int64) *Engine {
	t.Helper()
	return NewEngine(&EngineConfig{
		Rng:      rand.New(rand.NewSource(seed)),
		Hasher:   Keccak256(),
		MinValue: big.NewInt(0),
		MaxValue: big.NewInt(1<<16 - 1),
	})
}

func bi(v int64) *big.Int {
	return big.NewInt(v)
}
