package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fee-backend/models"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()

	_, err := kv.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set([]byte{0x00, 0xff, 'k'}, []byte("v1")))
	got, err := kv.Get([]byte{0x00, 0xff, 'k'})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, kv.Set([]byte{0x00, 0xff, 'k'}, []byte("v2")))
	got, err = kv.Get([]byte{0x00, 0xff, 'k'})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, kv.Delete([]byte{0x00, 0xff, 'k'}))
	_, err = kv.Get([]byte{0x00, 0xff, 'k'})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, kv.Delete([]byte("missing")))
}

func TestMemoryStore(t *testing.T) {
	exerciseKV(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	kv := NewMemoryStore()
	value := []byte("abc")
	require.NoError(t, kv.Set([]byte("k"), value))
	value[0] = 'z'

	got, err := kv.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestBadgerStoreInMemory(t *testing.T) {
	kv, err := NewBadgerStore("", nil)
	require.NoError(t, err)
	defer kv.Close()

	exerciseKV(t, kv)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()

	kv, err := NewBadgerStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, kv.Set([]byte("policy"), []byte("{}")))
	require.NoError(t, kv.Close())

	reopened, err := NewBadgerStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("policy"))
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), got)
}

func TestJSONStoreKVPersists(t *testing.T) {
	dir := t.TempDir()

	store, err := NewJSONStore(dir)
	require.NoError(t, err)
	exerciseKV(t, store)
	require.NoError(t, store.Set([]byte("kept"), []byte("v3")))
	require.NoError(t, store.Set([]byte("gone"), []byte("v4")))
	require.NoError(t, store.Delete([]byte("gone")))

	reopened, err := NewJSONStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get([]byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got)
	_, err = reopened.Get([]byte("gone"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJSONStoreJournal(t *testing.T) {
	dir := t.TempDir()

	store, err := NewJSONStore(dir)
	require.NoError(t, err)

	genesis := models.NewBlock(0, models.KindPrice, []byte(`{"value":"50"}`), make([]byte, 32), 100)
	next := models.NewBlock(1, models.KindFee, []byte(`{}`), genesis.Hash, 101)
	require.NoError(t, store.SaveBlock("ledger", genesis))
	require.NoError(t, store.SaveBlock("ledger", next))

	reopened, err := NewJSONStore(dir)
	require.NoError(t, err)
	blocks, err := reopened.LoadChain("ledger")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, next.Hash, blocks[1].Hash)
	assert.NoError(t, models.ValidateChain(blocks))

	empty, err := reopened.LoadChain("other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreJournal(t *testing.T) {
	store := NewMemoryStore()

	genesis := models.NewBlock(0, models.KindFee, []byte(`{}`), make([]byte, 32), 100)
	require.NoError(t, store.SaveBlock("ledger", genesis))

	blocks, err := store.LoadChain("ledger")
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	blocks[0].Data = []byte("tampered")
	again, err := store.LoadChain("ledger")
	require.NoError(t, err)
	assert.True(t, again[0].Validate())
}
