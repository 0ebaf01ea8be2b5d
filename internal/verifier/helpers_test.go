package verifier

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/internal/signer"
	"github.com/ccoin/privutxo/internal/zkp"
	"github.com/ccoin/privutxo/pkg/types"
)

var (
	tokenX     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tokenY     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	recipient  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	testDomain = protocol.Domain{
		ChainID:           31337,
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
)

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}

func testEngine(seed int64) *zkp.Engine {
	return zkp.NewEngine(&zkp.EngineConfig{
		Rng:      &lockedRand{r: rand.New(rand.NewSource(seed))},
		Hasher:   zkp.Keccak256(),
		MinValue: big.NewInt(0),
		MaxValue: big.NewInt(1<<16 - 1),
	})
}

func newTestLocal(t *testing.T, cfg *Config) *Local {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Engine == nil {
		cfg.Engine = testEngine(1)
	}
	cfg.Domain = testDomain
	v, err := NewLocal(context.Background(), cfg)
	require.NoError(t, err)
	return v
}

// wallet builds bundles by hand so tests can tamper with them
type wallet struct {
	engine *zkp.Engine
	key    *signer.KeySigner
	addr   types.Address
}

type note struct {
	value    *big.Int
	blinding *big.Int
	pc       *zkp.PedersenCommitment
	rec      protocol.OutputRecord
}

func newWallet(t *testing.T, seed int64) *wallet {
	t.Helper()
	key, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	addr, err := key.GetAddress(context.Background())
	require.NoError(t, err)
	return &wallet{engine: testEngine(seed), key: key, addr: addr}
}

func (w *wallet) note(t *testing.T, value int64, owner types.Address) *note {
	t.Helper()
	blinding, err := w.engine.GenerateBlindingFactor()
	require.NoError(t, err)
	pc, err := zkp.CreateCommitment(big.NewInt(value), blinding)
	require.NoError(t, err)
	nonce, err := w.engine.NextNonce()
	require.NoError(t, err)
	c := pc.Commitment()
	return &note{
		value:    big.NewInt(value),
		blinding: blinding,
		pc:       pc,
		rec: protocol.OutputRecord{
			Commitment: c,
			Owner:      owner,
			Nullifier:  w.engine.GenerateNullifier(c, owner, nonce),
			Note:       zkp.NoteHash(big.NewInt(value), blinding),
		},
	}
}

func (w *wallet) sign(t *testing.T, st protocol.Statement) protocol.Attestation {
	t.Helper()
	sig, err := w.key.SignTypedData(context.Background(), testDomain.TypedData(st))
	require.NoError(t, err)
	return protocol.Attestation{Signer: w.addr, Signature: sig}
}

func (w *wallet) deposit(t *testing.T, token types.Address, n *note) *protocol.DepositBundle {
	t.Helper()
	binding := protocol.ProofBinding(types.OpDeposit, token, n.rec.Nullifier)
	lo, hi := w.engine.Bounds()
	rp, err := w.engine.GenerateRangeProof(n.value, n.blinding, lo, hi, binding)
	require.NoError(t, err)
	opening, err := w.engine.GenerateOpeningProof(n.pc, n.value, n.blinding, binding)
	require.NoError(t, err)

	b := &protocol.DepositBundle{
		Token:      token,
		Amount:     new(big.Int).Set(n.value),
		Output:     n.rec,
		RangeProof: rp,
		Opening:    opening,
	}
	b.Attestation = w.sign(t, b.Statement())
	return b
}

func (w *wallet) transfer(t *testing.T, token types.Address, in, out *note) *protocol.TransferBundle {
	t.Helper()
	binding := protocol.ProofBinding(types.OpTransfer, token, in.rec.Nullifier)
	proof, err := w.engine.GenerateEqualityProof(in.pc, out.pc, in.value, in.blinding, out.blinding, binding)
	require.NoError(t, err)

	b := &protocol.TransferBundle{
		Token:           token,
		InputCommitment: in.rec.Commitment,
		Nullifier:       in.rec.Nullifier,
		Output:          out.rec,
		Proof:           proof,
	}
	b.Attestation = w.sign(t, b.Statement())
	return b
}

func (w *wallet) split(t *testing.T, token types.Address, in *note, outs ...*note) *protocol.SplitBundle {
	t.Helper()
	values := make([]*big.Int, len(outs))
	blindings := make([]*big.Int, len(outs))
	records := make([]protocol.OutputRecord, len(outs))
	for i, o := range outs {
		values[i], blindings[i], records[i] = o.value, o.blinding, o.rec
	}
	binding := protocol.ProofBinding(types.OpSplit, token, in.rec.Nullifier)
	proof, err := w.engine.GenerateSplitProof(in.value, values, in.blinding, blindings, binding)
	require.NoError(t, err)

	b := &protocol.SplitBundle{
		Token:           token,
		InputCommitment: in.rec.Commitment,
		Nullifier:       in.rec.Nullifier,
		Outputs:         records,
		Proof:           proof,
	}
	b.Attestation = w.sign(t, b.Statement())
	return b
}

func (w *wallet) withdraw(t *testing.T, token types.Address, in *note) *protocol.WithdrawBundle {
	t.Helper()
	binding := protocol.ProofBinding(types.OpWithdraw, token, in.rec.Nullifier)
	proof, err := w.engine.GenerateOpeningProof(in.pc, in.value, in.blinding, binding)
	require.NoError(t, err)

	b := &protocol.WithdrawBundle{
		Token:      token,
		Commitment: in.rec.Commitment,
		Nullifier:  in.rec.Nullifier,
		Recipient:  recipient,
		Amount:     new(big.Int).Set(in.value),
		Proof:      proof,
	}
	b.Attestation = w.sign(t, b.Statement())
	return b
}
