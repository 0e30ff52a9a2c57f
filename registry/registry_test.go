package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisu-network/dvault/types"
)

func testRecord(user string) *types.TxRecord {
	return &types.TxRecord{
		RequestID:   types.RequestID{0x01}.Hex(),
		Kind:        types.OpBtcWithdrawal.String(),
		Chain:       "bitcoin-testnet",
		UserAddress: user,
		Amount:      "4000",
	}
}

func TestRegisterAssignsIdAndStatus(t *testing.T) {
	reg := NewInMemoryRegistry()

	record := testRecord("user1")
	require.Nil(t, reg.Register(record))
	require.NotEqual(t, "", record.ID)
	require.Equal(t, types.StatusPending, record.Status)

	loaded, err := reg.Get(record.ID)
	require.Nil(t, err)
	require.Equal(t, record.ID, loaded.ID)
	require.True(t, loaded.CreatedAt > 0)
}

func TestUpdateTransitions(t *testing.T) {
	reg := NewInMemoryRegistry()

	record := testRecord("user1")
	require.Nil(t, reg.Register(record))

	err := reg.Update(record.ID, func(r *types.TxRecord) {
		r.Status = types.StatusSubmitted
		r.ForeignTxHash = "abcd"
	})
	require.Nil(t, err)

	loaded, err := reg.Get(record.ID)
	require.Nil(t, err)
	require.Equal(t, types.StatusSubmitted, loaded.Status)
	require.Equal(t, "abcd", loaded.ForeignTxHash)

	require.Equal(t, ErrRecordNotFound, reg.Update("missing", func(r *types.TxRecord) {}))
}

func TestGetByRequestID(t *testing.T) {
	reg := NewInMemoryRegistry()

	record := testRecord("user1")
	require.Nil(t, reg.Register(record))

	loaded, err := reg.GetByRequestID(record.RequestID)
	require.Nil(t, err)
	require.Equal(t, record.ID, loaded.ID)

	_, err = reg.GetByRequestID(types.RequestID{0xFF}.Hex())
	require.Equal(t, ErrRecordNotFound, err)
}

func TestListByUser(t *testing.T) {
	reg := NewInMemoryRegistry()

	r1 := testRecord("user1")
	r2 := testRecord("user1")
	r2.RequestID = types.RequestID{0x02}.Hex()
	r3 := testRecord("user2")
	r3.RequestID = types.RequestID{0x03}.Hex()

	require.Nil(t, reg.Register(r1))
	require.Nil(t, reg.Register(r2))
	require.Nil(t, reg.Register(r3))

	records, err := reg.ListByUser("user1")
	require.Nil(t, err)
	require.Equal(t, 2, len(records))

	records, err = reg.ListByUser("nobody")
	require.Nil(t, err)
	require.Equal(t, 0, len(records))
}

func TestListUnfinished(t *testing.T) {
	reg := NewInMemoryRegistry()

	r1 := testRecord("user1")
	r2 := testRecord("user1")
	r2.RequestID = types.RequestID{0x02}.Hex()
	require.Nil(t, reg.Register(r1))
	require.Nil(t, reg.Register(r2))

	require.Nil(t, reg.Update(r1.ID, func(r *types.TxRecord) {
		r.Status = types.StatusCompleted
	}))

	unfinished, err := reg.ListUnfinished()
	require.Nil(t, err)
	require.Equal(t, 1, len(unfinished))
	require.Equal(t, r2.ID, unfinished[0].ID)
}
