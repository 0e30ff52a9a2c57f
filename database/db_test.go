package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisu-network/dvault/config"
)

func getTestDb(t *testing.T) Database {
	cfg := config.Dvault{
		DbHost:   "127.0.0.1",
		DbSchema: "dvault",
		InMemory: true,
	}
	dbInstance := NewDb(cfg)
	require.Nil(t, dbInstance.Init())

	return dbInstance
}

func TestScannedHeight(t *testing.T) {
	db := getTestDb(t)

	height, err := db.LoadScannedHeight("bitcoin-testnet")
	require.Nil(t, err)
	require.Equal(t, int64(0), height)

	require.Nil(t, db.SetScannedHeight("bitcoin-testnet", 820_000))
	require.Nil(t, db.SetScannedHeight("bitcoin-testnet", 820_001))

	height, err = db.LoadScannedHeight("bitcoin-testnet")
	require.Nil(t, err)
	require.Equal(t, int64(820_001), height)
}

func TestForeignTxArchive(t *testing.T) {
	db := getTestDb(t)

	db.SaveForeignTx("ganache1", "0xabcd", "0x01", []byte{0x01, 0x02})

	raw, err := db.LoadForeignTx("ganache1", "0xabcd")
	require.Nil(t, err)
	require.Equal(t, []byte{0x01, 0x02}, raw)

	raw, err = db.LoadForeignTx("ganache1", "0xmissing")
	require.Nil(t, err)
	require.Nil(t, raw)
}

func TestSessionSnapshots(t *testing.T) {
	db := getTestDb(t)

	require.Nil(t, db.SaveSessionSnapshot("session1", []byte(`{"cap":10000}`)))

	snapshot, err := db.LoadSessionSnapshot("session1")
	require.Nil(t, err)
	require.Equal(t, []byte(`{"cap":10000}`), snapshot)

	require.Nil(t, db.DeleteSessionSnapshot("session1"))
	snapshot, err = db.LoadSessionSnapshot("session1")
	require.Nil(t, err)
	require.Nil(t, snapshot)
}
