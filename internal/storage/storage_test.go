package storage

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/internal/signer"
	"github.com/ccoin/privutxo/pkg/types"
)

var (
	alice = types.Address{0xa1}
	bob   = types.Address{0xb0}
	token = types.Address{0x70, 0x6b}
)

func sampleUTXO(owner types.Address, value int64, created time.Time) *types.UTXO {
	return &types.UTXO{
		ID:             uuid.NewString(),
		Commitment:     types.Commitment{0x01, byte(value)},
		Value:          big.NewInt(value),
		TokenAddress:   token,
		Owner:          owner,
		BlindingFactor: new(big.Int).Lsh(big.NewInt(value), 200),
		Nullifier:      types.Hash{0x0e, byte(value)},
		Nonce:          types.Hash{0x0f, byte(value)},
		Type:           types.UTXODeposit,
		CreatedAt:      created.UTC().Truncate(time.Microsecond),
	}
}

// runStoreSuite checks the behaviour every backend shares
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	empty, err := store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, empty)

	first := sampleUTXO(alice, 30, base)
	second := sampleUTXO(alice, 12, base.Add(time.Second))
	second.ParentID = first.ID
	second.Type = types.UTXOSplit
	other := sampleUTXO(bob, 7, base)

	require.NoError(t, store.Put(ctx, alice, second))
	require.NoError(t, store.Put(ctx, alice, first))
	require.NoError(t, store.Put(ctx, bob, other))

	got, err := store.Get(ctx, alice)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, 0, first.Value.Cmp(got[0].Value))
	assert.Equal(t, 0, first.BlindingFactor.Cmp(got[0].BlindingFactor))
	assert.Equal(t, first.Commitment, got[0].Commitment)
	assert.Equal(t, first.Nullifier, got[0].Nullifier)
	assert.Equal(t, first.Nonce, got[0].Nonce)
	assert.Equal(t, first.TokenAddress, got[0].TokenAddress)
	assert.Equal(t, types.UTXOSplit, got[1].Type)
	assert.Equal(t, first.ID, got[1].ParentID)
	assert.True(t, first.CreatedAt.Equal(got[0].CreatedAt))

	// replace keeps one record per id
	first.Spent = true
	first.Confirmed = true
	first.SpentReceiptID = "receipt-2"
	require.NoError(t, store.Put(ctx, alice, first))
	got, err = store.Get(ctx, alice)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Spent)
	assert.Equal(t, types.StateSpent, got[0].State())
	assert.Equal(t, "receipt-2", got[0].SpentReceiptID)

	bobs, err := store.Get(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, other.ID, bobs[0].ID)

	// wrong owner and missing id are rejected
	assert.ErrorIs(t, store.Put(ctx, bob, sampleUTXO(alice, 1, base)), ErrInvalidData)
	noID := sampleUTXO(alice, 1, base)
	noID.ID = ""
	assert.ErrorIs(t, store.Put(ctx, alice, noID), ErrInvalidData)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	runStoreSuite(t, store)
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), alice)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	u := sampleUTXO(alice, 5, time.Now())
	require.NoError(t, store.Put(ctx, alice, u))

	u.Value.SetInt64(999)
	got, err := store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got[0].Value.Int64())

	got[0].Spent = true
	again, err := store.Get(ctx, alice)
	require.NoError(t, err)
	assert.False(t, again[0].Spent)
}

func TestBadgerStore(t *testing.T) {
	store, err := NewInMemoryBadgerStore()
	require.NoError(t, err)
	defer store.Close()
	runStoreSuite(t, store)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	u := sampleUTXO(alice, 9, time.Now())
	require.NoError(t, store.Put(ctx, alice, u))
	require.NoError(t, store.Close())

	store, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(ctx, alice)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, u.ID, got[0].ID)
}

func TestSealedStore(t *testing.T) {
	key, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	store, err := NewSealedStore(context.Background(), NewMemoryStore(), key)
	require.NoError(t, err)
	runStoreSuite(t, store)
}

func TestSealedStoreHidesSecrets(t *testing.T) {
	ctx := context.Background()
	key, err := signer.GenerateKeySigner()
	require.NoError(t, err)

	inner := NewMemoryStore()
	sealed, err := NewSealedStore(ctx, inner, key)
	require.NoError(t, err)

	u := sampleUTXO(alice, 42, time.Now())
	require.NoError(t, sealed.Put(ctx, alice, u))

	raw, err := inner.Get(ctx, alice)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Nil(t, raw[0].Value)
	assert.Nil(t, raw[0].BlindingFactor)
	assert.NotEmpty(t, raw[0].Sealed)
	assert.Equal(t, u.Commitment, raw[0].Commitment)

	// same signer derives the same key
	reopened, err := NewSealedStore(ctx, inner, key)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got[0].Value.Int64())
	assert.Equal(t, 0, u.BlindingFactor.Cmp(got[0].BlindingFactor))
	assert.Nil(t, got[0].Sealed)

	// a different key cannot open it
	stranger, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	wrong, err := NewSealedStore(ctx, inner, stranger)
	require.NoError(t, err)
	_, err = wrong.Get(ctx, alice)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestSealedStoreBindsRecordIdentity(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	sealed, err := NewSealedStoreWithKey(inner, make([]byte, 32))
	require.NoError(t, err)

	u := sampleUTXO(alice, 3, time.Now())
	require.NoError(t, sealed.Put(ctx, alice, u))
	raw, err := inner.Get(ctx, alice)
	require.NoError(t, err)

	// move the ciphertext to another record id
	moved := raw[0].Clone()
	moved.ID = uuid.NewString()
	require.NoError(t, inner.Put(ctx, alice, moved))

	_, err = sealed.Get(ctx, alice)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PRIVUTXO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PRIVUTXO_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn, 4)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.pool.Exec(ctx, "DELETE FROM utxos WHERE owner = $1 OR owner = $2", alice[:], bob[:])
	require.NoError(t, err)

	runStoreSuite(t, store)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PRIVUTXO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRIVUTXO_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "privutxo-test-" + uuid.NewString()
	store, err := NewRedisStore(ctx, &RedisConfig{Addr: addr, Prefix: prefix})
	require.NoError(t, err)
	defer store.Close()
	defer store.client.Del(ctx, store.key(alice), store.key(bob))

	runStoreSuite(t, store)
}
