package verifier

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/internal/ledger"
	"github.com/ccoin/privutxo/internal/signer"
	"github.com/ccoin/privutxo/internal/storage"
	"github.com/ccoin/privutxo/pkg/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func serve(t *testing.T, v *Local) (*httptest.Server, *Client) {
	t.Helper()
	ts := httptest.NewServer(NewServer(v, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, NewClient(ts.URL, 5*time.Second)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newTestLocal(t, nil)
	_, client := serve(t, v)
	w := newWallet(t, 30)

	in := w.note(t, 40, w.addr)
	dep := w.deposit(t, tokenX, in)
	receipt, err := client.SubmitDeposit(ctx, dep)
	require.NoError(t, err)
	assert.Equal(t, types.OpDeposit, receipt.Kind)
	assert.Equal(t, v.Root(), receipt.Root)

	exists, err := client.GetCommitmentExists(ctx, in.rec.Commitment)
	require.NoError(t, err)
	assert.True(t, exists)

	path, err := client.Path(ctx, in.rec.Commitment)
	require.NoError(t, err)
	assert.True(t, v.tree.VerifyPath(in.rec.Commitment, path, v.Root()))

	a, b := w.note(t, 15, w.addr), w.note(t, 25, recipient)
	_, err = client.SubmitSplit(ctx, w.split(t, tokenX, in, a, b))
	require.NoError(t, err)

	used, err := client.IsNullifierUsed(ctx, in.rec.Nullifier)
	require.NoError(t, err)
	assert.True(t, used)

	_, err = client.SubmitTransfer(ctx, w.transfer(t, tokenX, a, w.note(t, 15, recipient)))
	require.NoError(t, err)

	out, err := client.SubmitWithdraw(ctx, w.withdraw(t, tokenX, b))
	require.NoError(t, err)
	assert.Equal(t, int64(25), out.Revealed.Int64())

	pool, err := client.PoolBalance(ctx, tokenX)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(15), pool)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), status.Sequence)
	assert.Equal(t, v.Root(), status.Root)

	got, err := client.Receipt(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, out.ID, got.ID)
	assert.Equal(t, out.Sequence, got.Sequence)
}

func TestClientRestoresErrorKinds(t *testing.T) {
	ctx := context.Background()
	v := newTestLocal(t, nil)
	ts, client := serve(t, v)
	w := newWallet(t, 31)

	in := w.note(t, 5, w.addr)
	dep := w.deposit(t, tokenX, in)
	_, err := client.SubmitDeposit(ctx, dep)
	require.NoError(t, err)

	_, err = client.SubmitDeposit(ctx, dep)
	assert.ErrorIs(t, err, types.ErrNullifierAlreadyUsed)

	_, err = client.SubmitWithdraw(ctx, w.withdraw(t, tokenX, w.note(t, 5, w.addr)))
	assert.ErrorIs(t, err, types.ErrUTXONotFound)

	bad := w.withdraw(t, tokenX, in)
	bad.Recipient = w.addr
	_, err = client.SubmitWithdraw(ctx, bad)
	assert.ErrorIs(t, err, types.ErrAuthorizationFailure)

	_, err = client.Receipt(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrUTXONotFound)

	_, err = client.Path(ctx, w.note(t, 1, w.addr).rec.Commitment)
	assert.ErrorIs(t, err, types.ErrUTXONotFound)

	ts.Close()
	_, err = client.IsNullifierUsed(ctx, in.rec.Nullifier)
	assert.ErrorIs(t, err, types.ErrVerifierUnavailable)
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	v := newTestLocal(t, nil)
	h := NewServer(v, nil).Handler()

	cases := []struct {
		method, path, body string
		status             int
		kind               types.ErrorKind
	}{
		{http.MethodPost, RouteDeposit, "{", http.StatusBadRequest, types.KindInvalidProof},
		{http.MethodPost, RouteWithdraw, "{}", http.StatusBadRequest, types.KindInvalidAmount},
		{http.MethodGet, "/v1/nullifiers/xyz", "", http.StatusBadRequest, types.KindInvalidScalar},
		{http.MethodGet, "/v1/commitments/00", "", http.StatusBadRequest, types.KindInvalidPoint},
		{http.MethodGet, "/v1/pool/not-an-address", "", http.StatusBadRequest, types.KindInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)

			var er ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
			assert.Equal(t, tc.kind, er.Kind)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, RouteHealth, nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusForKind(types.KindUTXONotFound))
	assert.Equal(t, http.StatusForbidden, StatusForKind(types.KindAuthorizationFailure))
	assert.Equal(t, http.StatusConflict, StatusForKind(types.KindNullifierAlreadyUsed))
	assert.Equal(t, http.StatusConflict, StatusForKind(types.KindUTXOAlreadySpent))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusForKind(types.KindValueConservationViolation))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForKind(types.KindVerifierUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(types.KindInternal))
	assert.Equal(t, http.StatusBadRequest, StatusForKind(types.KindOutOfRange))
}

func TestDecodeError(t *testing.T) {
	err := decodeError(http.StatusServiceUnavailable, []byte("upstream down"))
	assert.ErrorIs(t, err, types.ErrVerifierUnavailable)

	err = decodeError(http.StatusConflict, []byte(`{"kind":"NullifierAlreadyUsed","error":"nullifier already used: 0x01"}`))
	assert.ErrorIs(t, err, types.ErrNullifierAlreadyUsed)
	assert.Equal(t, "nullifier already used: 0x01", err.Error())

	err = decodeError(http.StatusBadRequest, []byte(`{"kind":"Mystery","error":"odd"}`))
	assert.EqualError(t, err, "odd")
}

// A wallet driven entirely over HTTP
func TestLedgerOverHTTP(t *testing.T) {
	ctx := context.Background()
	v := newTestLocal(t, nil)
	_, client := serve(t, v)

	key, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	svc, err := ledger.NewService(ctx, &ledger.Config{
		Engine:     testEngine(40),
		Verifier:   client,
		Repository: storage.NewMemoryStore(),
		Domain:     testDomain,
		Signers:    []ledger.Signer{key},
	})
	require.NoError(t, err)
	me := svc.Address()

	dep, err := svc.Deposit(ctx, tokenX, big.NewInt(100), me)
	require.NoError(t, err)
	outs, err := svc.Split(ctx, dep.ID, []*big.Int{big.NewInt(70), big.NewInt(30)}, []types.Address{me, me})
	require.NoError(t, err)
	require.Len(t, outs, 2)

	receipt, err := svc.Withdraw(ctx, outs[1].ID, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(30), receipt.Revealed.Int64())

	assert.Equal(t, int64(70), svc.GetBalance(tokenX).Int64())
	assert.Equal(t, int64(70), v.PoolBalance(tokenX).Int64())

	synced, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Equal(t, int64(70), svc.GetBalance(tokenX).Int64())
}
