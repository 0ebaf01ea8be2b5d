package ledger

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/privutxo/pkg/types"
)

func record(id string, owner types.Address, value int64) *types.UTXO {
	return &types.UTXO{
		ID:        id,
		Owner:     owner,
		Value:     big.NewInt(value),
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

// Test that the ledger never hands out its own records
func TestLedgerIsolatesRecords(t *testing.T) {
	l := NewLedger((*types.UTXO).Clone)
	owner := common.HexToAddress("0x01")

	in := record("a", owner, 10)
	require.NoError(t, l.Put(in))

	in.Value.SetInt64(99)
	got, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(10), got.Value.Int64())

	got.Value.SetInt64(77)
	got.Spent = true
	again, _ := l.Get("a")
	assert.Equal(t, int64(10), again.Value.Int64())
	assert.False(t, again.Spent)

	for _, u := range l.All() {
		u.Spent = true
	}
	again, _ = l.Get("a")
	assert.False(t, again.Spent)
}

func TestLedgerPutRejectsDuplicates(t *testing.T) {
	l := NewLedger((*types.UTXO).Clone)
	owner := common.HexToAddress("0x01")

	require.NoError(t, l.Put(record("a", owner, 1)))
	assert.ErrorIs(t, l.Put(record("a", owner, 2)), ErrDuplicateRecord)
	assert.Equal(t, 1, l.Len())
}

func TestLedgerUpdate(t *testing.T) {
	l := NewLedger((*types.UTXO).Clone)
	owner := common.HexToAddress("0x01")
	require.NoError(t, l.Put(record("a", owner, 5)))

	require.NoError(t, l.Update("a", func(u *types.UTXO) error {
		u.Spent = true
		return nil
	}))
	got, _ := l.Get("a")
	assert.True(t, got.Spent)

	boom := errors.New("boom")
	assert.ErrorIs(t, l.Update("a", func(*types.UTXO) error { return boom }), boom)
	assert.ErrorIs(t, l.Update("missing", func(*types.UTXO) error { return nil }), types.ErrUTXONotFound)
}

func TestLedgerIndexes(t *testing.T) {
	l := NewLedger((*types.UTXO).Clone)
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb0")

	require.NoError(t, l.Put(record("1", alice, 1)))
	require.NoError(t, l.Put(record("2", bob, 2)))
	require.NoError(t, l.Put(record("3", alice, 3)))

	mine := l.ByOwner(alice)
	require.Len(t, mine, 2)
	assert.Equal(t, "1", mine[0].ID)
	assert.Equal(t, "3", mine[1].ID)
	assert.Empty(t, l.ByOwner(common.HexToAddress("0xff")))

	all := l.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	large := l.Find(func(u *types.UTXO) bool { return u.Value.Int64() > 1 })
	assert.Len(t, large, 2)
	assert.True(t, l.Has("2"))
	assert.False(t, l.Has("4"))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("utxo")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}
