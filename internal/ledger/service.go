package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/internal/metrics"
	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/internal/zkp"
	"github.com/ccoin/privutxo/pkg/types"
)

// Config wires a Service
type Config struct {
	Engine     *zkp.Engine
	Verifier   Verifier
	Repository Repository
	Domain     protocol.Domain

	// Signers is the keyring. The first entry is the primary identity.
	Signers []Signer

	// Circuits attaches Groth16 conservation proofs to splits when set
	Circuits *zkp.CircuitManager

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Service is the private UTXO state machine for one principal. It owns its UTXO set;
// callers only ever receive copies.
type Service struct {
	engine   *zkp.Engine
	verifier Verifier
	repo     Repository
	domain   protocol.Domain
	circuits *zkp.CircuitManager

	keyMu   sync.RWMutex
	signers map[types.Address]Signer
	primary types.Address

	utxos *Ledger[*types.UTXO]
	locks *keyedMutex

	// inputs whose last submission ended without a definite answer, and records
	// the repository reports spent that the verifier has not yet confirmed
	flagMu     sync.Mutex
	ambiguous  map[string]bool
	unverified map[string]bool

	syncing atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService resolves the keyring addresses and returns an empty service. Call Sync
// to load persisted records.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg == nil || cfg.Verifier == nil || cfg.Repository == nil {
		return nil, errors.New("ledger: verifier and repository are required")
	}
	if len(cfg.Signers) == 0 {
		return nil, fmt.Errorf("%w: no signer configured", types.ErrAuthorizationFailure)
	}
	engine := cfg.Engine
	if engine == nil {
		engine = zkp.NewEngine(nil)
	}

	s := &Service{
		engine:     engine,
		verifier:   cfg.Verifier,
		repo:       cfg.Repository,
		domain:     cfg.Domain,
		circuits:   cfg.Circuits,
		signers:    make(map[types.Address]Signer),
		utxos:      NewLedger((*types.UTXO).Clone),
		locks:      newKeyedMutex(),
		ambiguous:  make(map[string]bool),
		unverified: make(map[string]bool),
		logger:     log.Module(cfg.Logger, "ledger"),
		metrics:    cfg.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for i, signer := range cfg.Signers {
		addr, err := s.AddSigner(ctx, signer)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			s.primary = addr
		}
	}
	return s, nil
}

// AddSigner adds a signer to the keyring and returns its address
func (s *Service) AddSigner(ctx context.Context, signer Signer) (types.Address, error) {
	addr, err := signer.GetAddress(ctx)
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: %v", types.ErrAuthorizationFailure, err)
	}
	s.keyMu.Lock()
	s.signers[addr] = signer
	s.keyMu.Unlock()
	return addr, nil
}

// Address returns the primary identity
func (s *Service) Address() types.Address {
	return s.primary
}

// Owners returns the keyring addresses in a stable order
func (s *Service) Owners() []types.Address {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	out := make([]types.Address, 0, len(s.signers))
	for addr := range s.signers {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (s *Service) signerFor(owner types.Address) (Signer, error) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	signer, ok := s.signers[owner]
	if !ok {
		return nil, fmt.Errorf("%w: no signer for %s", types.ErrAuthorizationFailure, owner.Hex())
	}
	return signer, nil
}

// ============================================
// Operations
// ============================================

// Deposit commits value of token to owner. The amount is public; the commitment,
// range proof and opening proof let the verifier register it without learning the
// blinding factor.
func (s *Service) Deposit(ctx context.Context, token types.Address, value *big.Int, owner types.Address) (out *types.UTXO, err error) {
	defer func() { s.observe(types.OpDeposit, err) }()

	if value == nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit of %v", types.ErrInvalidAmount, value)
	}
	if err := s.checkRange(value); err != nil {
		return nil, err
	}
	signer, err := s.signerFor(owner)
	if err != nil {
		return nil, err
	}

	rec, pc, err := s.newOutput(token, value, owner, types.UTXODeposit, "")
	if err != nil {
		return nil, err
	}
	binding := protocol.ProofBinding(types.OpDeposit, token, rec.Nullifier)
	lo, hi := s.engine.Bounds()

	started := time.Now()
	rp, err := s.engine.GenerateRangeProof(value, rec.BlindingFactor, lo, hi, binding)
	s.metrics.ObserveProof("range", started)
	if err != nil {
		return nil, err
	}
	opening, err := s.engine.GenerateOpeningProof(pc, value, rec.BlindingFactor, binding)
	if err != nil {
		return nil, err
	}

	bundle := &protocol.DepositBundle{
		Token:      token,
		Amount:     new(big.Int).Set(value),
		Output:     outputRecord(rec),
		RangeProof: rp,
		Opening:    opening,
	}
	if bundle.Attestation, err = s.attest(ctx, signer, owner, bundle.Statement()); err != nil {
		return nil, err
	}

	receipt, err := s.verifier.SubmitDeposit(ctx, bundle)
	if err != nil {
		if isAmbiguous(err) {
			// the deposit may still land; keep the opening so Sync can confirm it
			s.logger.Warn("deposit outcome unknown, keeping unconfirmed record",
				zap.String("utxo", rec.ID), zap.Error(err))
			if perr := s.store(ctx, rec); perr != nil {
				err = errors.Join(err, perr)
			}
		}
		return nil, err
	}

	rec.Confirmed = true
	rec.ReceiptID = receipt.ID
	err = s.store(ctx, rec)
	s.logger.Info("deposit accepted",
		zap.String("utxo", rec.ID),
		zap.String("owner", owner.Hex()),
		zap.String("receipt", receipt.ID))
	return rec.Clone(), err
}

// Split spends inputID into len(values) outputs. Validation happens before any
// cryptography: the input must exist and be unspent, and the values must sum to the
// input value.
func (s *Service) Split(ctx context.Context, inputID string, values []*big.Int, owners []types.Address) (outs []*types.UTXO, err error) {
	defer func() { s.observe(types.OpSplit, err) }()

	unlock := s.locks.Lock(inputID)
	defer unlock()

	in, err := s.lookupInput(inputID)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 || len(values) != len(owners) {
		return nil, fmt.Errorf("%w: %d values for %d owners", types.ErrValueConservationViolation, len(values), len(owners))
	}
	op := &types.Operation{Kind: types.OpSplit, Token: in.TokenAddress, InputID: in.ID}
	for i, v := range values {
		if v == nil || v.Sign() <= 0 {
			return nil, fmt.Errorf("%w: split output of %v", types.ErrInvalidAmount, v)
		}
		op.Outputs = append(op.Outputs, types.OutputSpec{Value: v, Owner: owners[i]})
	}
	if sum := op.OutputSum(); sum.Cmp(in.Value) != 0 {
		return nil, fmt.Errorf("%w: outputs sum to %s, input holds %s", types.ErrValueConservationViolation, sum, in.Value)
	}
	for _, out := range op.Outputs {
		if err := s.checkRange(out.Value); err != nil {
			return nil, err
		}
	}
	signer, err := s.prepareSpend(ctx, in)
	if err != nil {
		return nil, err
	}

	records := make([]*types.UTXO, len(values))
	blindings := make([]*big.Int, len(values))
	outputs := make([]protocol.OutputRecord, len(values))
	for i, out := range op.Outputs {
		rec, _, err := s.newOutput(op.Token, out.Value, out.Owner, types.UTXOSplit, op.InputID)
		if err != nil {
			return nil, err
		}
		records[i] = rec
		blindings[i] = rec.BlindingFactor
		outputs[i] = outputRecord(rec)
	}

	binding := protocol.ProofBinding(types.OpSplit, in.TokenAddress, in.Nullifier)
	started := time.Now()
	proof, err := s.engine.GenerateSplitProof(in.Value, values, in.BlindingFactor, blindings, binding)
	s.metrics.ObserveProof("split", started)
	if err != nil {
		return nil, err
	}

	bundle := &protocol.SplitBundle{
		Token:           in.TokenAddress,
		InputCommitment: in.Commitment,
		Nullifier:       in.Nullifier,
		Outputs:         outputs,
		Proof:           proof,
	}
	if s.circuits != nil {
		started = time.Now()
		bundle.Conservation, err = s.circuits.GenerateProof(ctx, in.Value, in.BlindingFactor, values, blindings, binding)
		s.metrics.ObserveProof("groth16", started)
		if err != nil {
			return nil, err
		}
	}
	if bundle.Attestation, err = s.attest(ctx, signer, in.Owner, bundle.Statement()); err != nil {
		return nil, err
	}

	receipt, err := s.verifier.SubmitSplit(ctx, bundle)
	if err != nil {
		return nil, s.submissionFailed(ctx, in, records, err)
	}
	return s.commitSpend(ctx, in, receipt, records)
}

// Transfer moves the full value of inputID to newOwner under a fresh commitment
func (s *Service) Transfer(ctx context.Context, inputID string, newOwner types.Address) (out *types.UTXO, err error) {
	defer func() { s.observe(types.OpTransfer, err) }()

	unlock := s.locks.Lock(inputID)
	defer unlock()

	in, err := s.lookupInput(inputID)
	if err != nil {
		return nil, err
	}
	signer, err := s.prepareSpend(ctx, in)
	if err != nil {
		return nil, err
	}
	inPC, err := zkp.ParseCommitment(in.Commitment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorruptedCommitment, err)
	}

	rec, outPC, err := s.newOutput(in.TokenAddress, in.Value, newOwner, types.UTXOTransfer, in.ID)
	if err != nil {
		return nil, err
	}
	binding := protocol.ProofBinding(types.OpTransfer, in.TokenAddress, in.Nullifier)
	started := time.Now()
	proof, err := s.engine.GenerateEqualityProof(inPC, outPC, in.Value, in.BlindingFactor, rec.BlindingFactor, binding)
	s.metrics.ObserveProof("equality", started)
	if err != nil {
		return nil, err
	}

	bundle := &protocol.TransferBundle{
		Token:           in.TokenAddress,
		InputCommitment: in.Commitment,
		Nullifier:       in.Nullifier,
		Output:          outputRecord(rec),
		Proof:           proof,
	}
	if bundle.Attestation, err = s.attest(ctx, signer, in.Owner, bundle.Statement()); err != nil {
		return nil, err
	}

	receipt, err := s.verifier.SubmitTransfer(ctx, bundle)
	if err != nil {
		return nil, s.submissionFailed(ctx, in, []*types.UTXO{rec}, err)
	}
	outs, err := s.commitSpend(ctx, in, receipt, []*types.UTXO{rec})
	if len(outs) == 0 {
		return nil, err
	}
	return outs[0], err
}

// Withdraw reveals the value of inputID and releases it to recipient. No output is
// created; the receipt carries the revealed value.
func (s *Service) Withdraw(ctx context.Context, inputID string, recipient types.Address) (receipt *protocol.Receipt, err error) {
	defer func() { s.observe(types.OpWithdraw, err) }()

	unlock := s.locks.Lock(inputID)
	defer unlock()

	in, err := s.lookupInput(inputID)
	if err != nil {
		return nil, err
	}
	signer, err := s.prepareSpend(ctx, in)
	if err != nil {
		return nil, err
	}
	pc, err := zkp.ParseCommitment(in.Commitment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorruptedCommitment, err)
	}

	binding := protocol.ProofBinding(types.OpWithdraw, in.TokenAddress, in.Nullifier)
	started := time.Now()
	proof, err := s.engine.GenerateOpeningProof(pc, in.Value, in.BlindingFactor, binding)
	s.metrics.ObserveProof("opening", started)
	if err != nil {
		return nil, err
	}

	bundle := &protocol.WithdrawBundle{
		Token:      in.TokenAddress,
		Commitment: in.Commitment,
		Nullifier:  in.Nullifier,
		Recipient:  recipient,
		Amount:     new(big.Int).Set(in.Value),
		Proof:      proof,
	}
	if bundle.Attestation, err = s.attest(ctx, signer, in.Owner, bundle.Statement()); err != nil {
		return nil, err
	}

	receipt, err = s.verifier.SubmitWithdraw(ctx, bundle)
	if err != nil {
		return nil, s.submissionFailed(ctx, in, nil, err)
	}
	if _, err := s.commitSpend(ctx, in, receipt, nil); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// ============================================
// Reads
// ============================================

// GetBalance sums the confirmed, unspent UTXOs of token held by keyring addresses
func (s *Service) GetBalance(token types.Address) *big.Int {
	total := new(big.Int)
	for _, u := range s.spendable() {
		if u.TokenAddress == token {
			total.Add(total, u.Value)
		}
	}
	return total
}

// GetBalances returns the spendable balance of every token
func (s *Service) GetBalances() map[types.Address]*big.Int {
	out := make(map[types.Address]*big.Int)
	for _, u := range s.spendable() {
		bal, ok := out[u.TokenAddress]
		if !ok {
			bal = new(big.Int)
			out[u.TokenAddress] = bal
		}
		bal.Add(bal, u.Value)
	}
	return out
}

func (s *Service) spendable() []*types.UTXO {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.utxos.Find(func(u *types.UTXO) bool {
		_, mine := s.signers[u.Owner]
		return mine && u.Confirmed && !u.Spent && u.Value != nil
	})
}

// GetUTXO returns a copy of one record
func (s *Service) GetUTXO(id string) (*types.UTXO, error) {
	u, ok := s.utxos.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUTXONotFound, id)
	}
	return u, nil
}

// GetUTXOsByOwner returns copies of the owner's records in creation order
func (s *Service) GetUTXOsByOwner(owner types.Address) []*types.UTXO {
	return s.utxos.ByOwner(owner)
}

// ListUTXOs returns copies of every record, spent ones included
func (s *Service) ListUTXOs() []*types.UTXO {
	return s.utxos.All()
}

// ============================================
// Sync
// ============================================

// Sync loads persisted records and reconciles them with the verifier: records whose
// nullifier the verifier has seen become SPENT and unconfirmed records whose
// commitment the verifier holds become CONFIRMED. A SPENT flag read from the
// repository is checked against the verifier and dropped when the nullifier is
// unused. It returns false without doing anything when another Sync is running.
func (s *Service) Sync(ctx context.Context) (bool, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.syncing.Store(false)

	err := s.sync(ctx)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		s.logger.Warn("sync incomplete", zap.Error(err))
	}
	s.metrics.ObserveSync(result)
	return true, err
}

func (s *Service) sync(ctx context.Context) error {
	var errs []error
	for _, owner := range s.Owners() {
		recs, err := s.repo.Get(ctx, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", owner.Hex(), err))
			continue
		}
		for _, rec := range recs {
			if s.merge(rec) {
				s.flagMu.Lock()
				s.unverified[rec.ID] = true
				s.flagMu.Unlock()
			}
		}
	}

	for _, id := range s.unverifiedIDs() {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := s.confirmSpent(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("confirm spent %s: %w", id, err))
		}
	}

	pending := s.utxos.Find(func(u *types.UTXO) bool { return !u.Spent })
	for _, u := range pending {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := s.reconcile(ctx, u.ID); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", u.ID, err))
		}
	}
	return errors.Join(errs...)
}

// merge adds an unknown record or advances the flags of a known one. Flags only ever
// move forward here. It reports whether the record is now spent on the repository's
// word alone.
func (s *Service) merge(rec *types.UTXO) bool {
	if !s.utxos.Has(rec.ID) {
		if err := s.utxos.Put(rec); err == nil {
			return rec.Spent
		}
	}
	adopted := false
	_ = s.utxos.Update(rec.ID, func(u *types.UTXO) error {
		if rec.Confirmed && !u.Confirmed {
			u.Confirmed = true
			u.ReceiptID = rec.ReceiptID
		}
		if rec.Spent && !u.Spent {
			u.Spent = true
			u.SpentReceiptID = rec.SpentReceiptID
			adopted = true
		}
		return nil
	})
	return adopted
}

func (s *Service) unverifiedIDs() []string {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	ids := make([]string, 0, len(s.unverified))
	for id := range s.unverified {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// confirmSpent asks the verifier about a record the repository reports spent. The
// record stays spent until the verifier answers; an unused nullifier makes it
// spendable again.
func (s *Service) confirmSpent(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	u, ok := s.utxos.Get(id)
	if !ok || !u.Spent {
		s.dropUnverified(id)
		return nil
	}
	used, err := s.verifier.IsNullifierUsed(ctx, u.Nullifier)
	if err != nil {
		return err
	}
	s.dropUnverified(id)
	if used {
		return nil
	}
	s.logger.Warn("repository reports an unspent record as spent", zap.String("utxo", id))
	return s.updateAndStore(ctx, id, func(u *types.UTXO) {
		u.Spent = false
		u.SpentReceiptID = ""
	})
}

func (s *Service) dropUnverified(id string) {
	s.flagMu.Lock()
	delete(s.unverified, id)
	s.flagMu.Unlock()
}

func (s *Service) reconcile(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	u, ok := s.utxos.Get(id)
	if !ok || u.Spent {
		return nil
	}

	changed := false
	if !u.Confirmed {
		exists, err := s.verifier.GetCommitmentExists(ctx, u.Commitment)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		changed = true
		s.logger.Info("confirmed by verifier", zap.String("utxo", id))
	}

	used, err := s.verifier.IsNullifierUsed(ctx, u.Nullifier)
	if err != nil {
		if changed {
			return errors.Join(err, s.updateAndStore(ctx, id, func(u *types.UTXO) { u.Confirmed = true }))
		}
		return err
	}
	if used {
		changed = true
		s.clearFlag(id)
		s.logger.Info("spent outside this wallet", zap.String("utxo", id))
	}
	if !changed {
		return nil
	}
	return s.updateAndStore(ctx, id, func(u *types.UTXO) {
		u.Confirmed = true
		if used {
			u.Spent = true
		}
	})
}

// ============================================
// Helpers
// ============================================

func (s *Service) lookupInput(id string) (*types.UTXO, error) {
	in, ok := s.utxos.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUTXONotFound, id)
	}
	if in.Spent {
		return nil, fmt.Errorf("%w: %s", types.ErrUTXOAlreadySpent, id)
	}
	if !in.Confirmed {
		return nil, fmt.Errorf("%w: %s is not confirmed", types.ErrUTXONotFound, id)
	}
	return in, nil
}

// prepareSpend runs the checks every spend shares once the local preconditions hold:
// the owner must be in the keyring, the record must still open, and an earlier
// ambiguous submission must be resolved with the verifier.
func (s *Service) prepareSpend(ctx context.Context, in *types.UTXO) (Signer, error) {
	signer, err := s.signerFor(in.Owner)
	if err != nil {
		return nil, err
	}
	if !zkp.VerifyCommitment(in.Commitment, in.Value, in.BlindingFactor) {
		return nil, fmt.Errorf("%w: %s does not open to its remembered value", types.ErrCorruptedCommitment, in.ID)
	}
	if !s.isFlagged(in.ID) {
		return signer, nil
	}

	used, err := s.verifier.IsNullifierUsed(ctx, in.Nullifier)
	if err != nil {
		return nil, err
	}
	s.clearFlag(in.ID)
	if used {
		if err := s.updateAndStore(ctx, in.ID, func(u *types.UTXO) { u.Spent = true }); err != nil {
			s.logger.Error("failed to persist spent input", zap.String("utxo", in.ID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s was spent by an earlier submission", types.ErrNullifierAlreadyUsed, in.ID)
	}
	return signer, nil
}

// submissionFailed leaves the input unspent. When the outcome is unknown the input is
// flagged and the outputs are kept unconfirmed so that their openings survive if the
// submission did land.
func (s *Service) submissionFailed(ctx context.Context, in *types.UTXO, outputs []*types.UTXO, err error) error {
	if !isAmbiguous(err) {
		s.logger.Info("submission rejected", zap.String("utxo", in.ID), zap.Error(err))
		return err
	}
	s.flagMu.Lock()
	s.ambiguous[in.ID] = true
	s.flagMu.Unlock()
	s.logger.Warn("submission outcome unknown", zap.String("utxo", in.ID), zap.Error(err))

	for _, rec := range outputs {
		if perr := s.store(ctx, rec); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	return err
}

// commitSpend applies an accepted spend. The verifier's decision is final, so local
// state is updated even when persisting fails; the error is returned with the outputs.
func (s *Service) commitSpend(ctx context.Context, in *types.UTXO, receipt *protocol.Receipt, outputs []*types.UTXO) ([]*types.UTXO, error) {
	s.clearFlag(in.ID)
	errs := []error{s.updateAndStore(ctx, in.ID, func(u *types.UTXO) {
		u.Spent = true
		u.SpentReceiptID = receipt.ID
	})}

	outs := make([]*types.UTXO, 0, len(outputs))
	for _, rec := range outputs {
		rec.Confirmed = true
		rec.ReceiptID = receipt.ID
		errs = append(errs, s.store(ctx, rec))
		outs = append(outs, rec.Clone())
	}
	s.logger.Info("spend accepted",
		zap.String("utxo", in.ID),
		zap.String("kind", string(receipt.Kind)),
		zap.String("receipt", receipt.ID),
		zap.Int("outputs", len(outs)))
	return outs, errors.Join(errs...)
}

// store inserts or replaces a record locally and persists it
func (s *Service) store(ctx context.Context, rec *types.UTXO) error {
	if err := s.utxos.Put(rec); errors.Is(err, ErrDuplicateRecord) {
		_ = s.utxos.Update(rec.ID, func(u *types.UTXO) error {
			*u = *rec.Clone()
			return nil
		})
	}
	return s.repo.Put(ctx, rec.Owner, rec)
}

func (s *Service) updateAndStore(ctx context.Context, id string, fn func(*types.UTXO)) error {
	if err := s.utxos.Update(id, func(u *types.UTXO) error {
		fn(u)
		return nil
	}); err != nil {
		return err
	}
	u, _ := s.utxos.Get(id)
	return s.repo.Put(ctx, u.Owner, u)
}

func (s *Service) newOutput(token types.Address, value *big.Int, owner types.Address, typ types.UTXOType, parent string) (*types.UTXO, *zkp.PedersenCommitment, error) {
	blinding, err := s.engine.GenerateBlindingFactor()
	if err != nil {
		return nil, nil, err
	}
	pc, err := zkp.CreateCommitment(value, blinding)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := s.engine.NextNonce()
	if err != nil {
		return nil, nil, err
	}
	commitment := pc.Commitment()
	return &types.UTXO{
		ID:             uuid.NewString(),
		Commitment:     commitment,
		Value:          new(big.Int).Set(value),
		TokenAddress:   token,
		Owner:          owner,
		BlindingFactor: blinding,
		Nullifier:      s.engine.GenerateNullifier(commitment, owner, nonce),
		Nonce:          nonce,
		ParentID:       parent,
		Type:           typ,
		CreatedAt:      s.now(),
	}, pc, nil
}

func (s *Service) checkRange(v *big.Int) error {
	lo, hi := s.engine.Bounds()
	if v.Cmp(lo) < 0 || v.Cmp(hi) > 0 {
		return fmt.Errorf("%w: %s not in [%s, %s]", types.ErrOutOfRange, v, lo, hi)
	}
	return nil
}

func (s *Service) attest(ctx context.Context, signer Signer, addr types.Address, st protocol.Statement) (protocol.Attestation, error) {
	sig, err := signer.SignTypedData(ctx, s.domain.TypedData(st))
	if err != nil {
		return protocol.Attestation{}, fmt.Errorf("%w: %v", types.ErrAuthorizationFailure, err)
	}
	return protocol.Attestation{Signer: addr, Signature: sig}, nil
}

func (s *Service) isFlagged(id string) bool {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	return s.ambiguous[id]
}

func (s *Service) clearFlag(id string) {
	s.flagMu.Lock()
	delete(s.ambiguous, id)
	s.flagMu.Unlock()
}

func (s *Service) observe(kind types.OperationKind, err error) {
	result := metrics.ResultOK
	switch {
	case err == nil:
	case types.KindOf(err) == types.KindVerifierUnavailable || types.KindOf(err) == types.KindInternal:
		result = metrics.ResultError
	default:
		result = metrics.ResultRejected
	}
	s.metrics.ObserveOperation(string(kind), result)
}

func outputRecord(u *types.UTXO) protocol.OutputRecord {
	return protocol.OutputRecord{
		Commitment: u.Commitment,
		Owner:      u.Owner,
		Nullifier:  u.Nullifier,
		Note:       zkp.NoteHash(u.Value, u.BlindingFactor),
	}
}

// isAmbiguous reports whether a submission error leaves the outcome unknown
func isAmbiguous(err error) bool {
	return errors.Is(err, types.ErrVerifierUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
