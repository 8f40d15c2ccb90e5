package encryption

import (
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fee-backend/storage"
)

func newTestCoprocessor(t *testing.T) *Coprocessor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cop, err := NewCoprocessor(key, storage.NewMemoryStore(), nil)
	require.NoError(t, err)
	return cop
}

func constant(t *testing.T, cop *Coprocessor, v uint64) EncryptedInt {
	t.Helper()
	c, err := cop.Constant(v)
	require.NoError(t, err)
	return c
}

func reveal(t *testing.T, cop *Coprocessor, e EncryptedInt) uint64 {
	t.Helper()
	require.NoError(t, cop.Commit(e.Handle()))
	v, err := cop.Reveal(e.Handle())
	require.NoError(t, err)
	return v
}

func TestArithmeticWrapsModulo64(t *testing.T) {
	cop := newTestCoprocessor(t)

	sum, err := cop.Add(constant(t, cop, math.MaxUint64), constant(t, cop, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reveal(t, cop, sum))

	diff, err := cop.Sub(constant(t, cop, 3), constant(t, cop, 5))
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64-1), reveal(t, cop, diff))

	prod, err := cop.Mul(constant(t, cop, 96), constant(t, cop, 50))
	require.NoError(t, err)
	assert.Equal(t, uint64(4800), reveal(t, cop, prod))

	prod, err = cop.Mul(constant(t, cop, 1<<63), constant(t, cop, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reveal(t, cop, prod))
}

func TestGtAndSelect(t *testing.T) {
	cop := newTestCoprocessor(t)

	cases := []struct {
		a, b uint64
		want uint64
	}{
		{a: 5, b: 4, want: 100},
		{a: 4, b: 4, want: 200},
		{a: 3, b: 4, want: 200},
		{a: math.MaxUint64, b: 0, want: 100},
		{a: 0, b: math.MaxUint64, want: 200},
	}
	for _, tc := range cases {
		gt, err := cop.Gt(constant(t, cop, tc.a), constant(t, cop, tc.b))
		require.NoError(t, err)
		sel, err := cop.Select(gt, constant(t, cop, 100), constant(t, cop, 200))
		require.NoError(t, err)
		assert.Equal(t, tc.want, reveal(t, cop, sel), "gt(%d, %d)", tc.a, tc.b)
	}
}

func TestBoolCannotBeOpenedAsInt(t *testing.T) {
	cop := newTestCoprocessor(t)

	gt, err := cop.Gt(constant(t, cop, 1), constant(t, cop, 0))
	require.NoError(t, err)

	_, err = cop.Add(IntFromHandle(gt.Handle()), constant(t, cop, 1))
	assert.ErrorIs(t, err, ErrCorruptCiphertext)
}

func TestUnknownHandle(t *testing.T) {
	cop := newTestCoprocessor(t)

	_, err := cop.Add(IntFromHandle(common.HexToHash("0x01")), constant(t, cop, 1))
	assert.ErrorIs(t, err, ErrUnknownHandle)

	assert.ErrorIs(t, cop.Commit(common.HexToHash("0x02")), ErrUnknownHandle)
}

func TestCommitKeepsOnlyListedHandles(t *testing.T) {
	cop := newTestCoprocessor(t)

	kept := constant(t, cop, 7)
	dropped := constant(t, cop, 8)
	assert.Equal(t, 2, cop.TransientCount())

	require.NoError(t, cop.Commit(kept.Handle()))
	assert.Equal(t, 0, cop.TransientCount())

	v, err := cop.Reveal(kept.Handle())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	_, err = cop.Reveal(dropped.Handle())
	assert.ErrorIs(t, err, ErrUnknownHandle)

	// committed values stay usable as operands
	sum, err := cop.Add(kept, constant(t, cop, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), reveal(t, cop, sum))
}

func TestForgetRemovesCommittedCiphertext(t *testing.T) {
	cop := newTestCoprocessor(t)

	v := constant(t, cop, 7)
	require.NoError(t, cop.Commit(v.Handle()))
	require.NoError(t, cop.Forget(v.Handle()))

	_, err := cop.Reveal(v.Handle())
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestRevealRequiresCommit(t *testing.T) {
	cop := newTestCoprocessor(t)

	pending := constant(t, cop, 9)
	_, err := cop.Reveal(pending.Handle())
	assert.ErrorIs(t, err, ErrUnknownHandle)

	cop.Discard()
	assert.Equal(t, 0, cop.TransientCount())
}

func TestHandlesAreDistinctForEqualValues(t *testing.T) {
	cop := newTestCoprocessor(t)

	a := constant(t, cop, 42)
	b := constant(t, cop, 42)
	assert.NotEqual(t, a.Handle(), b.Handle())
}

func TestCoprocessorsDoNotShareSealingKeys(t *testing.T) {
	store := storage.NewMemoryStore()
	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)

	copA, err := NewCoprocessor(keyA, store, nil)
	require.NoError(t, err)
	copB, err := NewCoprocessor(keyB, store, nil)
	require.NoError(t, err)

	v := constant(t, copA, 5)
	require.NoError(t, copA.Commit(v.Handle()))

	_, err = copB.Reveal(v.Handle())
	assert.ErrorIs(t, err, ErrCorruptCiphertext)
}

type recordingExporter struct {
	got *big.Int
}

func (r *recordingExporter) Encrypt(value *big.Int) ([]byte, error) {
	r.got = value
	return value.Bytes(), nil
}

func TestExportTo(t *testing.T) {
	cop := newTestCoprocessor(t)
	v := constant(t, cop, 4800)
	require.NoError(t, cop.Commit(v.Handle()))

	exp := &recordingExporter{}
	_, err := cop.ExportTo(v.Handle(), exp)
	require.NoError(t, err)
	assert.Equal(t, int64(4800), exp.got.Int64())
}
