package zkp

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/pkg/types"
)

var circuitBinding = []byte("split/0xc0/nullifier-1")

func conservationAssignment(in, rin *big.Int, outs, routs []*big.Int) *ConservationCircuit {
	a := newConservationCircuit(len(outs))
	bindingAssignment(a, circuitBinding)
	inNote := NoteHash(in, rin)
	a.InputNote = new(big.Int).SetBytes(inNote[:])
	a.InputValue = in
	a.InputBlinding = rin
	for i := range outs {
		note := NoteHash(outs[i], routs[i])
		a.OutputNotes[i] = new(big.Int).SetBytes(note[:])
		a.OutputValues[i] = outs[i]
		a.OutputBlindings[i] = routs[i]
	}
	return a
}

func TestConservationCircuitSolved(t *testing.T) {
	outs := []*big.Int{bi(60), bi(40)}
	routs := []*big.Int{bi(123), bi(456)}
	good := conservationAssignment(bi(100), bi(789), outs, routs)
	require.NoError(t, test.IsSolved(newConservationCircuit(2), good, ecc.BN254.ScalarField()))
}

func TestConservationCircuitRejectsImbalance(t *testing.T) {
	outs := []*big.Int{bi(70), bi(40)}
	routs := []*big.Int{bi(123), bi(456)}
	bad := conservationAssignment(bi(100), bi(789), outs, routs)
	assert.Error(t, test.IsSolved(newConservationCircuit(2), bad, ecc.BN254.ScalarField()))
}

func TestConservationCircuitRejectsWrongNote(t *testing.T) {
	outs := []*big.Int{bi(60), bi(40)}
	routs := []*big.Int{bi(123), bi(456)}
	a := conservationAssignment(bi(100), bi(789), outs, routs)
	a.OutputBlindings[1] = bi(457)
	var circuit frontend.Circuit = newConservationCircuit(2)
	assert.Error(t, test.IsSolved(circuit, a, ecc.BN254.ScalarField()))
}

func TestConservationCircuitConstrainsBinding(t *testing.T) {
	outs := []*big.Int{bi(60), bi(40)}
	routs := []*big.Int{bi(123), bi(456)}
	a := conservationAssignment(bi(100), bi(789), outs, routs)
	a.Binding = BindingScalar([]byte("another operation"))
	assert.Error(t, test.IsSolved(newConservationCircuit(2), a, ecc.BN254.ScalarField()))
}

func TestBindingScalar(t *testing.T) {
	x := BindingScalar(circuitBinding)
	assert.Equal(t, -1, x.Cmp(ecc.BN254.ScalarField()))
	assert.Equal(t, 0, x.Cmp(BindingScalar(circuitBinding)))
	assert.NotEqual(t, 0, x.Cmp(BindingScalar([]byte("other"))))
}

func TestCircuitManagerProveVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup in short mode")
	}
	ctx := context.Background()
	cm := NewCircuitManager()

	outs := []*big.Int{bi(60), bi(40)}
	routs := []*big.Int{bi(123), bi(456)}
	data, err := cm.GenerateProof(ctx, bi(100), bi(789), outs, routs, circuitBinding)
	require.NoError(t, err)
	require.NoError(t, cm.VerifyProof(ctx, data, circuitBinding))

	// the proof belongs to one operation
	assert.ErrorIs(t, cm.VerifyProof(ctx, data, []byte("split/0xc0/nullifier-2")), ErrProofVerificationFailed)

	// swapping a public note breaks verification
	data.OutputNotes[0], data.OutputNotes[1] = data.OutputNotes[1], data.OutputNotes[0]
	assert.Error(t, cm.VerifyProof(ctx, data, circuitBinding))

	// circuits are only built up to the output cap
	n := MaxConservationOutputs + 1
	err = cm.VerifyProof(ctx, &ProofData{Outputs: n, OutputNotes: make([]types.Hash, n)}, circuitBinding)
	assert.ErrorIs(t, err, ErrCircuitNotCompiled)
}

func TestCircuitManagerSharesKeysThroughDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup in short mode")
	}
	ctx := context.Background()
	dir := t.TempDir()

	prover, err := OpenCircuitManager(dir)
	require.NoError(t, err)
	data, err := prover.GenerateProof(ctx, bi(10), bi(11), []*big.Int{bi(10)}, []*big.Int{bi(12)}, circuitBinding)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "conservation-1.keys"))
	require.NoError(t, err)

	// a second process opening the same directory verifies with the same keys
	verifier, err := OpenCircuitManager(dir)
	require.NoError(t, err)
	require.NoError(t, verifier.VerifyProof(ctx, data, circuitBinding))

	// a manager with its own setup does not accept the proof
	assert.Error(t, NewCircuitManager().VerifyProof(ctx, data, circuitBinding))

	_, err = OpenCircuitManager("")
	assert.Error(t, err)
}
