package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelegationStore_UpsertRecency(t *testing.T) {
	ctx := context.Background()
	ds := NewDelegationStore(newTestDB(t))

	applied, err := ds.Upsert(ctx, &DelegationRecord{OwnerWallet: "0xowner", DelegateWallet: "0xdel", IsActive: true, AnchorTxID: "0x0a", BlockNumber: 10})
	require.NoError(t, err)
	assert.True(t, applied)

	// Older block is ignored.
	applied, err = ds.Upsert(ctx, &DelegationRecord{OwnerWallet: "0xowner", DelegateWallet: "0xdel", IsActive: false, AnchorTxID: "0xff", BlockNumber: 9})
	require.NoError(t, err)
	assert.False(t, applied)

	// Replay is a no-op.
	applied, err = ds.Upsert(ctx, &DelegationRecord{OwnerWallet: "0xowner", DelegateWallet: "0xdel", IsActive: true, AnchorTxID: "0x0a", BlockNumber: 10})
	require.NoError(t, err)
	assert.False(t, applied)

	// Same block, greater tx id wins.
	applied, err = ds.Upsert(ctx, &DelegationRecord{OwnerWallet: "0xowner", DelegateWallet: "0xdel", IsActive: false, AnchorTxID: "0x0b", BlockNumber: 10})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := ds.Get(ctx, "0xowner", "0xdel")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsActive)
	assert.Equal(t, "0x0b", got.AnchorTxID)

	max, err := ds.MaxBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), max)
}

func TestDelegationStore_ListByOwner(t *testing.T) {
	ctx := context.Background()
	ds := NewDelegationStore(newTestDB(t))

	max, err := ds.MaxBlock(ctx)
	require.NoError(t, err)
	assert.Zero(t, max)

	for i, d := range []string{"0xc", "0xa", "0xb"} {
		_, err := ds.Upsert(ctx, &DelegationRecord{OwnerWallet: "0xowner", DelegateWallet: d, IsActive: d != "0xb", AnchorTxID: d, BlockNumber: uint64(i + 1)})
		require.NoError(t, err)
	}

	all, err := ds.ListByOwner(ctx, "0xowner", false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "0xa", all[0].DelegateWallet)

	active, err := ds.ListByOwner(ctx, "0xowner", true)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	missing, err := ds.Get(ctx, "0xowner", "0xz")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
