package zkp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	nativemimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/ccoin/privutxo/pkg/types"
)

// Circuit errors
var (
	ErrCircuitNotCompiled      = errors.New("circuit not compiled")
	ErrProofGenerationFailed   = errors.New("proof generation failed")
	ErrProofVerificationFailed = errors.New("proof verification failed")
)

const (
	// ConservationValueBits bounds every output value inside the circuit
	ConservationValueBits = 64

	// MaxConservationOutputs is the largest split a conservation circuit is built for
	MaxConservationOutputs = 16

	conservationDomain = "privutxo/conservation/binding"
)

// ConservationCircuit proves that the notes MiMC(value, blinding) of the outputs
// hold values that add up to the input note's value, each fitting in 64 bits. The
// proof is tied to one operation through Binding.
type ConservationCircuit struct {
	// Public inputs
	Binding     frontend.Variable   `gnark:",public"`
	InputNote   frontend.Variable   `gnark:",public"`
	OutputNotes []frontend.Variable `gnark:",public"`

	// Private inputs (witness)
	BindingSquare   frontend.Variable
	InputValue      frontend.Variable
	InputBlinding   frontend.Variable
	OutputValues    []frontend.Variable
	OutputBlindings []frontend.Variable
}

// Define implements the circuit constraints
func (c *ConservationCircuit) Define(api frontend.API) error {
	// a public input that appears in no constraint is not bound by the proof
	api.AssertIsEqual(api.Mul(c.Binding, c.Binding), c.BindingSquare)

	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	hasher.Write(c.InputValue, c.InputBlinding)
	api.AssertIsEqual(c.InputNote, hasher.Sum())

	var sum frontend.Variable = 0
	for i := range c.OutputValues {
		hasher.Reset()
		hasher.Write(c.OutputValues[i], c.OutputBlindings[i])
		api.AssertIsEqual(c.OutputNotes[i], hasher.Sum())

		api.ToBinary(c.OutputValues[i], ConservationValueBits)
		sum = api.Add(sum, c.OutputValues[i])
	}
	api.AssertIsEqual(sum, c.InputValue)

	return nil
}

func newConservationCircuit(outputs int) *ConservationCircuit {
	return &ConservationCircuit{
		OutputNotes:     make([]frontend.Variable, outputs),
		OutputValues:    make([]frontend.Variable, outputs),
		OutputBlindings: make([]frontend.Variable, outputs),
	}
}

// NoteHash computes MiMC(value, blinding) over the BN254 scalar field, matching the
// in-circuit hash.
func NoteHash(value, blinding *big.Int) types.Hash {
	var v, r fr.Element
	v.SetBigInt(value)
	r.SetBigInt(blinding)
	vb, rb := v.Bytes(), r.Bytes()

	h := nativemimc.NewMiMC()
	h.Write(vb[:])
	h.Write(rb[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// BindingScalar maps an operation binding into the BN254 scalar field
func BindingScalar(binding []byte) *big.Int {
	h := Keccak256().Sum([]byte(conservationDomain), binding)
	x := new(big.Int).SetBytes(h[:])
	return x.Mod(x, ecc.BN254.ScalarField())
}

func bindingAssignment(a *ConservationCircuit, binding []byte) {
	x := BindingScalar(binding)
	a.Binding = x
	sq := new(big.Int).Mul(x, x)
	a.BindingSquare = sq.Mod(sq, ecc.BN254.ScalarField())
}

// ProofData holds a serialized Groth16 conservation proof and its public notes. The
// binding is not carried; the verifier recomputes it from the operation.
type ProofData struct {
	Outputs     int          `json:"outputs"`
	InputNote   types.Hash   `json:"input_note"`
	OutputNotes []types.Hash `json:"output_notes"`
	Proof       []byte       `json:"proof"`
}

// CompiledCircuit holds a compiled circuit with its keys
type CompiledCircuit struct {
	CCS constraint.ConstraintSystem
	PK  groth16.ProvingKey
	VK  groth16.VerifyingKey
}

// CircuitManager compiles conservation circuits per output count and runs the
// Groth16 setup, prover and verifier. Wallets and verifiers only agree on proofs when
// they use the same keys, so managers opened on a shared key directory load the keys
// written there instead of running their own setup.
type CircuitManager struct {
	mu       sync.Mutex
	dir      string
	circuits map[int]*CompiledCircuit
}

// NewCircuitManager creates a manager whose keys live in memory only. Prover and
// verifier must share the instance.
func NewCircuitManager() *CircuitManager {
	return &CircuitManager{
		circuits: make(map[int]*CompiledCircuit),
	}
}

// OpenCircuitManager creates a manager that persists its keys under dir
func OpenCircuitManager(dir string) (*CircuitManager, error) {
	if dir == "" {
		return nil, errors.New("circuit key directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create circuit key directory: %w", err)
	}
	cm := NewCircuitManager()
	cm.dir = dir
	return cm, nil
}

// Compile compiles the circuit for the given number of outputs and loads or creates
// its keys. It is a no-op when that circuit already exists.
func (cm *CircuitManager) Compile(outputs int) (*CompiledCircuit, error) {
	if outputs <= 0 || outputs > MaxConservationOutputs {
		return nil, fmt.Errorf("%w: %d outputs", ErrCircuitNotCompiled, outputs)
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cc, ok := cm.circuits[outputs]; ok {
		return cc, nil
	}

	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, newConservationCircuit(outputs))
	if err != nil {
		return nil, err
	}
	cc := &CompiledCircuit{CCS: ccs}

	loaded := false
	if cm.dir != "" {
		if loaded, err = cm.loadKeys(outputs, cc); err != nil {
			return nil, err
		}
	}
	if !loaded {
		if cc.PK, cc.VK, err = groth16.Setup(ccs); err != nil {
			return nil, err
		}
		if cm.dir != "" {
			if err := cm.saveKeys(outputs, cc); err != nil {
				return nil, err
			}
		}
	}

	cm.circuits[outputs] = cc
	return cc, nil
}

func (cm *CircuitManager) keyPath(outputs int) string {
	return filepath.Join(cm.dir, fmt.Sprintf("conservation-%d.keys", outputs))
}

// loadKeys reads the verifying key followed by the proving key
func (cm *CircuitManager) loadKeys(outputs int, cc *CompiledCircuit) (bool, error) {
	f, err := os.Open(cm.keyPath(outputs))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(r); err != nil {
		return false, fmt.Errorf("failed to read verifying key: %w", err)
	}
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(r); err != nil {
		return false, fmt.Errorf("failed to read proving key: %w", err)
	}
	cc.PK, cc.VK = pk, vk
	return true, nil
}

// saveKeys publishes freshly generated keys. When another process published keys for
// the same circuit first, those win and are loaded instead.
func (cm *CircuitManager) saveKeys(outputs int, cc *CompiledCircuit) error {
	tmp, err := os.CreateTemp(cm.dir, "conservation-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := writeKeys(tmp, cc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	err = os.Link(tmp.Name(), cm.keyPath(outputs))
	if errors.Is(err, os.ErrExist) {
		_, err = cm.loadKeys(outputs, cc)
	}
	return err
}

func writeKeys(f *os.File, cc *CompiledCircuit) error {
	w := bufio.NewWriter(f)
	for _, key := range []io.WriterTo{cc.VK, cc.PK} {
		if _, err := key.WriteTo(w); err != nil {
			return fmt.Errorf("failed to write circuit keys: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// GenerateProof proves a split of inputValue into outputValues for the operation
// identified by binding
func (cm *CircuitManager) GenerateProof(
	ctx context.Context,
	inputValue, inputBlinding *big.Int,
	outputValues, outputBlindings []*big.Int,
	binding []byte,
) (*ProofData, error) {
	if len(outputValues) != len(outputBlindings) {
		return nil, types.ErrValueConservationViolation
	}
	cc, err := cm.Compile(len(outputValues))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := &ProofData{
		Outputs:   len(outputValues),
		InputNote: NoteHash(inputValue, inputBlinding),
	}
	assignment := newConservationCircuit(len(outputValues))
	bindingAssignment(assignment, binding)
	assignment.InputNote = new(big.Int).SetBytes(data.InputNote[:])
	assignment.InputValue = inputValue
	assignment.InputBlinding = inputBlinding
	for i := range outputValues {
		note := NoteHash(outputValues[i], outputBlindings[i])
		data.OutputNotes = append(data.OutputNotes, note)
		assignment.OutputNotes[i] = new(big.Int).SetBytes(note[:])
		assignment.OutputValues[i] = outputValues[i]
		assignment.OutputBlindings[i] = outputBlindings[i]
	}

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	proof, err := groth16.Prove(cc.CCS, cc.PK, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofGenerationFailed, err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, err
	}
	data.Proof = buf.Bytes()
	return data, nil
}

// VerifyProof checks a conservation proof for the operation identified by binding.
// The public witness is rebuilt from the notes carried in the proof data rather than
// trusted as bytes. Callers must check that those notes are the operation's notes.
func (cm *CircuitManager) VerifyProof(ctx context.Context, data *ProofData, binding []byte) error {
	if data == nil || data.Outputs <= 0 || len(data.OutputNotes) != data.Outputs {
		return ErrProofVerificationFailed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cc, err := cm.Compile(data.Outputs)
	if err != nil {
		return err
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(data.Proof)); err != nil {
		return fmt.Errorf("%w: %v", ErrProofVerificationFailed, err)
	}

	assignment := newConservationCircuit(data.Outputs)
	bindingAssignment(assignment, binding)
	assignment.BindingSquare = 0
	assignment.InputNote = new(big.Int).SetBytes(data.InputNote[:])
	assignment.InputValue, assignment.InputBlinding = 0, 0
	for i, note := range data.OutputNotes {
		assignment.OutputNotes[i] = new(big.Int).SetBytes(note[:])
		assignment.OutputValues[i], assignment.OutputBlindings[i] = 0, 0
	}
	public, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return err
	}

	if err := groth16.Verify(proof, cc.VK, public); err != nil {
		return fmt.Errorf("%w: %v", ErrProofVerificationFailed, err)
	}
	return nil
}
