package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sisu-network/dvault/config"

	"github.com/stretchr/testify/require"
)

func TestConfigJsonUnmarshall(t *testing.T) {
	s := "[{\"chain\":\"ganache1\",\"block_time\":3000,\"chain_id\":1337,\"rpcs\":[\"http://localhost:7545\"]},{\"chain\":\"bitcoin-testnet\",\"block_time\":600000,\"rpcs\":[\"http://localhost:18332\"],\"rpc_user\":\"user\",\"btc_network\":\"testnet3\"}]"
	chains := make([]config.Chain, 0)
	err := json.Unmarshal([]byte(s), &chains)
	if err != nil {
		panic(err)
	}

	require.Equal(t, 2, len(chains))
	require.Equal(t, "ganache1", chains[0].Chain)
	require.Equal(t, uint64(1337), chains[0].ChainID)
	require.Equal(t, "testnet3", chains[1].BtcNetwork)
}

func TestConfigTomlLoad(t *testing.T) {
	s := `
db_host = "localhost"
db_port = 3306
server_port = 31101

[solana]
rpc = "http://localhost:8899"
ws = "ws://localhost:8900"
vault_program_id = "11111111111111111111111111111111"

[chains.goerli]
chain = "goerli"
block_time = 12000
chain_id = 5
rpcs = ["http://localhost:8545"]

[timeouts]
signature_wait = 30
`
	path := filepath.Join(t.TempDir(), "dvault.toml")
	require.Nil(t, os.WriteFile(path, []byte(s), 0644))

	cfg, err := config.Load(path)
	require.Nil(t, err)

	require.Equal(t, "localhost", cfg.DbHost)
	require.Equal(t, 31101, cfg.ServerPort)
	require.Equal(t, "http://localhost:8899", cfg.Solana.Rpc)
	require.Equal(t, uint64(5), cfg.Chains["goerli"].ChainID)

	// Explicit values survive, gaps get defaults.
	require.Equal(t, 30, cfg.Timeouts.SignatureWait)
	require.Equal(t, 300, cfg.Timeouts.ResultWait)
	require.Equal(t, []int{5, 10, 20, 30}, cfg.BackfillSchedule)
	require.Equal(t, 7, cfg.RegistryTtlDay)
}
