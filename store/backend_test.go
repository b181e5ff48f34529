package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/K-jun98/bucket4j/core"
	"github.com/K-jun98/bucket4j/remote"
)

// testBackendContract checks the CAS semantics every backend must share.
func testBackendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	key := "contract"

	rec, err := b.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err := b.CompareAndSwap(ctx, key, 5, []byte("ghost"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "swap against an absent key with a version must fail")

	ok, err = b.CompareAndSwap(ctx, key, NoVersion, []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = b.Fetch(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("first"), rec.Data)
	assert.Equal(t, Version(1), rec.Version)

	ok, err = b.CompareAndSwap(ctx, key, NoVersion, []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "create must fail once the key exists")

	ok, err = b.CompareAndSwap(ctx, key, 2, []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must fail")

	ok, err = b.CompareAndSwap(ctx, key, 1, []byte("second"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = b.Fetch(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("second"), rec.Data)
	assert.Equal(t, Version(2), rec.Version)

	if r, isRemover := b.(Remover); isRemover {
		require.NoError(t, r.Remove(ctx, key))
		rec, err = b.Fetch(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
}

type atomicBackend interface {
	Backend
	AtomicExecutor
}

// testAtomicContract runs serialized commands through ExecuteAtomically.
func testAtomicContract(t *testing.T, b atomicBackend) {
	t.Helper()
	ctx := context.Background()
	key := "atomic"

	c, err := core.NewConfiguration(core.Simple(10, time.Second))
	require.NoError(t, err)

	req, err := remote.EncodeRequest[core.ConsumptionProbe](
		remote.CreateAndExecute[core.ConsumptionProbe](c, remote.TryConsume{Tokens: 3}), 0, remote.FixedExpiration(time.Minute))
	require.NoError(t, err)
	resp, err := b.ExecuteAtomically(ctx, key, req)
	require.NoError(t, err)
	res, err := remote.DecodeResult[core.ConsumptionProbe](resp)
	require.NoError(t, err)
	assert.True(t, res.Value.Consumed)
	assert.Equal(t, int64(7), res.Value.Remaining)

	rec, err := b.Fetch(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, Version(1), rec.Version)
	snap, err := remote.DecodeSnapshot(rec.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.State.AvailableTokens())

	// a rejected consumption leaves the stored revision alone
	req, err = remote.EncodeRequest[core.ConsumptionProbe](remote.TryConsume{Tokens: 8}, 0, remote.FixedExpiration(time.Minute))
	require.NoError(t, err)
	resp, err = b.ExecuteAtomically(ctx, key, req)
	require.NoError(t, err)
	res, err = remote.DecodeResult[core.ConsumptionProbe](resp)
	require.NoError(t, err)
	assert.False(t, res.Value.Consumed)

	rec, err = b.Fetch(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, Version(1), rec.Version)

	_, err = b.ExecuteAtomically(ctx, key, []byte("{"))
	assert.ErrorIs(t, err, remote.ErrSerialization)
}
