// Package verifier implements the authority that accepts or rejects private UTXO
// operations, together with its HTTP transport and peer gossip.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/curve"
	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/internal/metrics"
	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/internal/zkp"
	"github.com/ccoin/privutxo/pkg/types"
)

// ErrReceiptNotFound is returned for unknown receipt IDs
var ErrReceiptNotFound = errors.New("receipt not found")

// Config holds the verifier's collaborators
type Config struct {
	// Engine must use the same hasher and value range as the wallets
	Engine *zkp.Engine
	Domain protocol.Domain

	Nullifiers zkp.NullifierStore
	TreeStore  zkp.TreeStore
	TreeDepth  int

	// Circuits checks conservation proofs attached to splits. Without it such
	// bundles are rejected.
	Circuits *zkp.CircuitManager

	// RequireConservation rejects splits without a conservation proof
	RequireConservation bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// commitmentEntry is what the verifier knows about a registered commitment
type commitmentEntry struct {
	Owner     types.Address
	Token     types.Address
	Nullifier types.Nullifier
	Note      types.Hash
	Spent     bool
}

// Accepted describes an operation the verifier applied
type Accepted struct {
	Kind    types.OperationKind
	Bundle  interface{}
	Receipt *protocol.Receipt
}

// Local is an in-process verifier. It keeps the registry of live commitments, the
// spent nullifier set, the commitment tree and per-token pool balances. Submissions
// are applied one at a time.
type Local struct {
	mu sync.Mutex

	engine     *zkp.Engine
	domain     protocol.Domain
	nullifiers *zkp.NullifierSet
	tree       *zkp.CommitmentTree
	circuits   *zkp.CircuitManager
	requireCP  bool

	commitments map[types.Commitment]*commitmentEntry

	// nullifier -> commitment registered with it
	expected map[types.Nullifier]types.Commitment

	pools    map[types.Address]*big.Int
	receipts map[string]*protocol.Receipt
	sequence uint64

	subMu       sync.RWMutex
	subscribers []func(*Accepted)

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLocal creates a verifier and loads the commitment tree from its store
func NewLocal(ctx context.Context, cfg *Config) (*Local, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	engine := cfg.Engine
	if engine == nil {
		engine = zkp.NewEngine(nil)
	}
	if err := zkp.InitializeGenerators(); err != nil {
		return nil, err
	}

	v := &Local{
		engine:      engine,
		domain:      cfg.Domain,
		nullifiers:  zkp.NewNullifierSet(cfg.Nullifiers, nil),
		tree:        zkp.NewCommitmentTree(cfg.TreeStore, engine.Hasher(), cfg.TreeDepth),
		circuits:    cfg.Circuits,
		requireCP:   cfg.RequireConservation,
		commitments: make(map[types.Commitment]*commitmentEntry),
		expected:    make(map[types.Nullifier]types.Commitment),
		pools:       make(map[types.Address]*big.Int),
		receipts:    make(map[string]*protocol.Receipt),
		logger:      log.Module(cfg.Logger, "verifier"),
		metrics:     cfg.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if err := v.tree.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to load commitment tree: %w", err)
	}
	return v, nil
}

// Subscribe registers fn to be called after every accepted submission. Replicated
// operations are not reported.
func (v *Local) Subscribe(fn func(*Accepted)) {
	v.subMu.Lock()
	v.subscribers = append(v.subscribers, fn)
	v.subMu.Unlock()
}

func (v *Local) publish(a *Accepted) {
	v.subMu.RLock()
	subs := append([]func(*Accepted){}, v.subscribers...)
	v.subMu.RUnlock()
	for _, fn := range subs {
		fn(a)
	}
}

// ============================================
// Submissions
// ============================================

// SubmitDeposit registers a new commitment backed by a public amount
func (v *Local) SubmitDeposit(ctx context.Context, b *protocol.DepositBundle) (*protocol.Receipt, error) {
	return v.submit(ctx, b, true)
}

// SubmitSplit spends one commitment into several
func (v *Local) SubmitSplit(ctx context.Context, b *protocol.SplitBundle) (*protocol.Receipt, error) {
	return v.submit(ctx, b, true)
}

// SubmitTransfer re-commits a value to a new owner
func (v *Local) SubmitTransfer(ctx context.Context, b *protocol.TransferBundle) (*protocol.Receipt, error) {
	return v.submit(ctx, b, true)
}

// SubmitWithdraw releases a revealed value from the pool
func (v *Local) SubmitWithdraw(ctx context.Context, b *protocol.WithdrawBundle) (*protocol.Receipt, error) {
	return v.submit(ctx, b, true)
}

// Replicate applies an operation accepted by a peer. It runs the same checks as a
// local submission but does not notify subscribers.
func (v *Local) Replicate(ctx context.Context, bundle interface{}) (*protocol.Receipt, error) {
	return v.submit(ctx, bundle, false)
}

func (v *Local) submit(ctx context.Context, bundle interface{}, notify bool) (*protocol.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		kind    types.OperationKind
		receipt *protocol.Receipt
		err     error
	)
	v.mu.Lock()
	switch b := bundle.(type) {
	case *protocol.DepositBundle:
		kind = types.OpDeposit
		receipt, err = v.applyDeposit(ctx, b)
	case *protocol.SplitBundle:
		kind = types.OpSplit
		receipt, err = v.applySplit(ctx, b)
	case *protocol.TransferBundle:
		kind = types.OpTransfer
		receipt, err = v.applyTransfer(ctx, b)
	case *protocol.WithdrawBundle:
		kind = types.OpWithdraw
		receipt, err = v.applyWithdraw(ctx, b)
	default:
		err = fmt.Errorf("%w: unsupported bundle %T", types.ErrInvalidProof, bundle)
	}
	v.mu.Unlock()

	if err != nil {
		kindName := types.KindOf(err)
		v.metrics.ObserveSubmission(string(kind), metrics.ResultRejected, string(kindName))
		v.logger.Info("submission rejected",
			zap.String("kind", string(kind)),
			zap.String("reason", string(kindName)),
			zap.Error(err))
		return nil, err
	}
	v.metrics.ObserveSubmission(string(kind), metrics.ResultOK, "")
	v.logger.Info("submission accepted",
		zap.String("kind", string(kind)),
		zap.String("receipt", receipt.ID),
		zap.Uint64("sequence", receipt.Sequence))

	if notify {
		v.publish(&Accepted{Kind: kind, Bundle: bundle, Receipt: receipt})
	}
	return receipt, nil
}

func (v *Local) applyDeposit(ctx context.Context, b *protocol.DepositBundle) (*protocol.Receipt, error) {
	if b == nil || b.Amount == nil || b.Amount.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	if err := v.checkFresh(b.Output); err != nil {
		return nil, err
	}
	if err := v.checkCapacity(1); err != nil {
		return nil, err
	}
	if err := v.domain.CheckAttestation(b.Statement(), b.Attestation, b.Output.Owner); err != nil {
		return nil, err
	}

	binding := protocol.ProofBinding(types.OpDeposit, b.Token, b.Output.Nullifier)
	lo, hi := v.engine.Bounds()
	if b.RangeProof == nil || b.RangeProof.Commitment.Commitment() != b.Output.Commitment ||
		!v.engine.VerifyRangeProof(b.RangeProof, lo, hi, binding) {
		return nil, fmt.Errorf("%w: deposit range proof", types.ErrInvalidProof)
	}
	if b.Opening == nil || b.Opening.Commitment.Commitment() != b.Output.Commitment ||
		b.Opening.Value == nil || b.Opening.Value.Cmp(b.Amount) != 0 ||
		!v.engine.VerifyOpeningProof(b.Opening, binding) {
		return nil, fmt.Errorf("%w: deposit opening proof", types.ErrInvalidProof)
	}

	receipt := v.newReceipt(types.OpDeposit, b.Output.Nullifier)
	if err := v.apply(ctx, b.Token, receipt, nil, b.Output); err != nil {
		return nil, err
	}
	v.pool(b.Token).Add(v.pool(b.Token), b.Amount)
	v.metrics.SetPoolBalance(b.Token.Hex(), poolFloat(v.pools[b.Token]))
	return v.finish(receipt), nil
}

func (v *Local) applySplit(ctx context.Context, b *protocol.SplitBundle) (*protocol.Receipt, error) {
	if b == nil || b.Proof == nil || len(b.Outputs) == 0 {
		return nil, fmt.Errorf("%w: empty split", types.ErrInvalidProof)
	}
	entry, err := v.checkSpend(ctx, b.Token, b.InputCommitment, b.Nullifier)
	if err != nil {
		return nil, err
	}
	if err := v.checkFresh(b.Outputs...); err != nil {
		return nil, err
	}
	if err := v.checkCapacity(len(b.Outputs)); err != nil {
		return nil, err
	}
	if err := v.domain.CheckAttestation(b.Statement(), b.Attestation, entry.Owner); err != nil {
		return nil, err
	}

	binding := protocol.ProofBinding(types.OpSplit, b.Token, b.Nullifier)
	if b.Proof.InputCommitment.Commitment() != b.InputCommitment ||
		len(b.Proof.OutputCommitments) != len(b.Outputs) {
		return nil, fmt.Errorf("%w: split proof does not match bundle", types.ErrInvalidProof)
	}
	for i, out := range b.Outputs {
		if b.Proof.OutputCommitments[i].Commitment() != out.Commitment {
			return nil, fmt.Errorf("%w: split output %d does not match proof", types.ErrInvalidProof, i)
		}
	}
	if !v.engine.VerifySplitProof(b.Proof, binding) {
		return nil, fmt.Errorf("%w: split proof", types.ErrInvalidProof)
	}
	if err := v.checkConservation(ctx, b, entry, binding); err != nil {
		return nil, err
	}

	receipt := v.newReceipt(types.OpSplit, b.Nullifier)
	input := &spentInput{commitment: b.InputCommitment, nullifier: b.Nullifier, entry: entry}
	if err := v.apply(ctx, b.Token, receipt, input, b.Outputs...); err != nil {
		return nil, err
	}
	return v.finish(receipt), nil
}

// checkConservation verifies an attached Groth16 proof. Its notes must be the note the
// input was registered with and the notes of the bundle's outputs, which the owner
// signed, and it must be bound to this operation.
func (v *Local) checkConservation(ctx context.Context, b *protocol.SplitBundle, input *commitmentEntry, binding []byte) error {
	if b.Conservation == nil {
		if v.requireCP {
			return fmt.Errorf("%w: conservation proof required", types.ErrInvalidProof)
		}
		return nil
	}
	if v.circuits == nil {
		return fmt.Errorf("%w: conservation proofs are not supported", types.ErrInvalidProof)
	}
	cp := b.Conservation
	if cp.Outputs != len(b.Outputs) || len(cp.OutputNotes) != len(b.Outputs) {
		return fmt.Errorf("%w: conservation proof covers %d outputs", types.ErrInvalidProof, cp.Outputs)
	}
	if input.Note.IsEmpty() || cp.InputNote != input.Note {
		return fmt.Errorf("%w: conservation proof does not start from the input note", types.ErrInvalidProof)
	}
	for i, out := range b.Outputs {
		if out.Note.IsEmpty() || cp.OutputNotes[i] != out.Note {
			return fmt.Errorf("%w: conservation proof note %d does not match output", types.ErrInvalidProof, i)
		}
	}
	if err := v.circuits.VerifyProof(ctx, cp, binding); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
	}
	return nil
}

func (v *Local) applyTransfer(ctx context.Context, b *protocol.TransferBundle) (*protocol.Receipt, error) {
	if b == nil || b.Proof == nil {
		return nil, fmt.Errorf("%w: empty transfer", types.ErrInvalidProof)
	}
	entry, err := v.checkSpend(ctx, b.Token, b.InputCommitment, b.Nullifier)
	if err != nil {
		return nil, err
	}
	if err := v.checkFresh(b.Output); err != nil {
		return nil, err
	}
	if err := v.checkCapacity(1); err != nil {
		return nil, err
	}
	if err := v.domain.CheckAttestation(b.Statement(), b.Attestation, entry.Owner); err != nil {
		return nil, err
	}

	binding := protocol.ProofBinding(types.OpTransfer, b.Token, b.Nullifier)
	if b.Proof.CommitmentA.Commitment() != b.InputCommitment ||
		b.Proof.CommitmentB.Commitment() != b.Output.Commitment ||
		!v.engine.VerifyEqualityProof(b.Proof, binding) {
		return nil, fmt.Errorf("%w: equality proof", types.ErrInvalidProof)
	}

	receipt := v.newReceipt(types.OpTransfer, b.Nullifier)
	input := &spentInput{commitment: b.InputCommitment, nullifier: b.Nullifier, entry: entry}
	if err := v.apply(ctx, b.Token, receipt, input, b.Output); err != nil {
		return nil, err
	}
	return v.finish(receipt), nil
}

func (v *Local) applyWithdraw(ctx context.Context, b *protocol.WithdrawBundle) (*protocol.Receipt, error) {
	if b == nil || b.Proof == nil || b.Amount == nil || b.Amount.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	entry, err := v.checkSpend(ctx, b.Token, b.Commitment, b.Nullifier)
	if err != nil {
		return nil, err
	}
	if err := v.domain.CheckAttestation(b.Statement(), b.Attestation, entry.Owner); err != nil {
		return nil, err
	}

	binding := protocol.ProofBinding(types.OpWithdraw, b.Token, b.Nullifier)
	if b.Proof.Commitment.Commitment() != b.Commitment ||
		b.Proof.Value == nil || b.Proof.Value.Cmp(b.Amount) != 0 ||
		!v.engine.VerifyOpeningProof(b.Proof, binding) {
		return nil, fmt.Errorf("%w: opening proof", types.ErrInvalidProof)
	}
	if v.pool(b.Token).Cmp(b.Amount) < 0 {
		return nil, fmt.Errorf("%w: pool holds %s, withdrawal of %s", types.ErrValueConservationViolation, v.pool(b.Token), b.Amount)
	}

	receipt := v.newReceipt(types.OpWithdraw, b.Nullifier)
	receipt.Revealed = new(big.Int).Set(b.Amount)
	input := &spentInput{commitment: b.Commitment, nullifier: b.Nullifier, entry: entry}
	if err := v.apply(ctx, b.Token, receipt, input); err != nil {
		return nil, err
	}
	v.pool(b.Token).Sub(v.pool(b.Token), b.Amount)
	v.metrics.SetPoolBalance(b.Token.Hex(), poolFloat(v.pools[b.Token]))
	return v.finish(receipt), nil
}

// ============================================
// State checks
// ============================================

// checkSpend validates the input side of a spend: the nullifier is unused, the
// commitment is live, and the nullifier is the one registered with it.
func (v *Local) checkSpend(ctx context.Context, token types.Address, c types.Commitment, n types.Nullifier) (*commitmentEntry, error) {
	used, err := v.nullifiers.IsSpent(ctx, n)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, fmt.Errorf("%w: %s", types.ErrNullifierAlreadyUsed, n)
	}
	entry, ok := v.commitments[c]
	if !ok {
		return nil, fmt.Errorf("%w: commitment %s", types.ErrUTXONotFound, c)
	}
	if entry.Spent {
		return nil, fmt.Errorf("%w: commitment %s", types.ErrUTXOAlreadySpent, c)
	}
	if entry.Nullifier != n {
		return nil, fmt.Errorf("%w: nullifier does not belong to commitment %s", types.ErrInvalidProof, c)
	}
	if entry.Token != token {
		return nil, fmt.Errorf("%w: commitment %s holds another token", types.ErrInvalidProof, c)
	}
	return entry, nil
}

// checkFresh rejects outputs whose commitment or nullifier is already known
func (v *Local) checkFresh(outputs ...protocol.OutputRecord) error {
	seenC := make(map[types.Commitment]bool, len(outputs))
	seenN := make(map[types.Nullifier]bool, len(outputs))
	for _, out := range outputs {
		if _, err := curve.PointFromCommitment(out.Commitment); err != nil {
			return fmt.Errorf("%w: output commitment %s", types.ErrInvalidPoint, out.Commitment)
		}
		if _, ok := v.expected[out.Nullifier]; ok || seenN[out.Nullifier] {
			return fmt.Errorf("%w: output nullifier %s", types.ErrNullifierAlreadyUsed, out.Nullifier)
		}
		if _, ok := v.commitments[out.Commitment]; ok || seenC[out.Commitment] {
			return fmt.Errorf("%w: commitment %s already registered", types.ErrCorruptedCommitment, out.Commitment)
		}
		seenC[out.Commitment] = true
		seenN[out.Nullifier] = true
	}
	return nil
}

// checkCapacity rejects an operation whose outputs do not fit in the commitment tree
func (v *Local) checkCapacity(outputs int) error {
	if room := v.tree.Remaining(); room < uint64(outputs) {
		return fmt.Errorf("%w: %d outputs, room for %d", zkp.ErrTreeFull, outputs, room)
	}
	return nil
}

// spentInput is the input side of an accepted spend
type spentInput struct {
	commitment types.Commitment
	nullifier  types.Nullifier
	entry      *commitmentEntry
}

// apply records an accepted operation. The steps that can fail run first: output
// leaves are appended, then the input nullifier is marked. The registry only changes
// after both succeeded, so a rejected operation never consumes its input.
func (v *Local) apply(ctx context.Context, token types.Address, receipt *protocol.Receipt, input *spentInput, outputs ...protocol.OutputRecord) error {
	for _, out := range outputs {
		if _, err := v.tree.AddCommitment(ctx, out.Commitment); err != nil {
			return fmt.Errorf("failed to append commitment: %w", err)
		}
	}
	if input != nil {
		if err := v.nullifiers.MarkSpent(ctx, &zkp.NullifierInfo{
			Nullifier:  input.nullifier,
			Commitment: input.commitment,
			ReceiptID:  receipt.ID,
			Sequence:   receipt.Sequence,
			SpentAt:    receipt.AcceptedAt,
		}); err != nil {
			return err
		}
		input.entry.Spent = true
	}
	for _, out := range outputs {
		v.commitments[out.Commitment] = &commitmentEntry{
			Owner:     out.Owner,
			Token:     token,
			Nullifier: out.Nullifier,
			Note:      out.Note,
		}
		v.expected[out.Nullifier] = out.Commitment
		receipt.Commitments = append(receipt.Commitments, out.Commitment)
	}
	return nil
}

func (v *Local) newReceipt(kind types.OperationKind, n types.Nullifier) *protocol.Receipt {
	return &protocol.Receipt{
		ID:         uuid.NewString(),
		Kind:       kind,
		Sequence:   v.sequence + 1,
		Nullifier:  n,
		AcceptedAt: v.now(),
	}
}

func (v *Local) finish(receipt *protocol.Receipt) *protocol.Receipt {
	v.sequence = receipt.Sequence
	receipt.Root = v.tree.GetRoot()
	v.receipts[receipt.ID] = receipt
	return receipt
}

func (v *Local) pool(token types.Address) *big.Int {
	bal, ok := v.pools[token]
	if !ok {
		bal = new(big.Int)
		v.pools[token] = bal
	}
	return bal
}

func poolFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// ============================================
// Queries
// ============================================

// IsNullifierUsed reports whether a spend presented n
func (v *Local) IsNullifierUsed(ctx context.Context, n types.Nullifier) (bool, error) {
	return v.nullifiers.IsSpent(ctx, n)
}

// GetCommitmentExists reports whether c was registered by an accepted operation.
// Spent commitments still exist.
func (v *Local) GetCommitmentExists(_ context.Context, c types.Commitment) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.commitments[c]
	return ok, nil
}

// Path returns the inclusion path of c in the commitment tree
func (v *Local) Path(ctx context.Context, c types.Commitment) (*zkp.MerklePath, error) {
	path, err := v.tree.PathFor(ctx, c)
	if errors.Is(err, zkp.ErrLeafNotFound) {
		return nil, fmt.Errorf("%w: commitment %s", types.ErrUTXONotFound, c)
	}
	return path, err
}

// Root returns the current commitment tree root
func (v *Local) Root() types.Hash {
	return v.tree.GetRoot()
}

// PoolBalance returns deposits minus withdrawals of token
func (v *Local) PoolBalance(token types.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.pools[token]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Receipt returns an earlier receipt
func (v *Local) Receipt(id string) (*protocol.Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return r, nil
}

// Sequence returns the number of accepted operations
func (v *Local) Sequence() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sequence
}
