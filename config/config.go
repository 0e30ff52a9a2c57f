package config

import (
	"github.com/BurntSushi/toml"
)

type Chain struct {
	Chain     string   `toml:"chain" json:"chain"`
	BlockTime int      `toml:"block_time" json:"block_time"`
	Rpcs      []string `toml:"rpcs" json:"rpcs"`

	// EVM only
	ChainID uint64 `toml:"chain_id" json:"chain_id"`

	// Bitcoin only
	RpcUser     string `toml:"rpc_user" json:"rpc_user"`
	RpcPassword string `toml:"rpc_password" json:"rpc_password"`
	BtcNetwork  string `toml:"btc_network" json:"btc_network"` // mainnet, testnet3, regtest
}

type Solana struct {
	Rpc string `toml:"rpc" json:"rpc"`
	Ws  string `toml:"ws" json:"ws"`

	VaultProgramId           string `toml:"vault_program_id" json:"vault_program_id"`
	ChainSignaturesProgramId string `toml:"chain_signatures_program_id" json:"chain_signatures_program_id"`

	// Base58-encoded secret key of the relayer account that pays for vault
	// instructions.
	RelayerKey string `toml:"relayer_key" json:"relayer_key"`

	// EVM address of the MPC signer. When set, result events are verified
	// against it before any finalize instruction is sent.
	MpcSignerAddress string `toml:"mpc_signer_address" json:"mpc_signer_address"`
}

type Timeouts struct {
	// All in seconds.
	SignatureWait int `toml:"signature_wait" json:"signature_wait"`
	ResultWait    int `toml:"result_wait" json:"result_wait"`
	ReceiptWait   int `toml:"receipt_wait" json:"receipt_wait"`
}

type Dvault struct {
	DbHost     string `toml:"db_host" json:"db_host"`
	DbPort     int    `toml:"db_port" json:"db_port"`
	DbUsername string `toml:"db_username" json:"db_username"`
	DbPassword string `toml:"db_password" json:"db_password"`
	DbSchema   string `toml:"db_schema" json:"db_schema"`
	InMemory   bool   `toml:"in_memory" json:"in_memory"`

	RedisHost      string `toml:"redis_host" json:"redis_host"`
	RedisPort      int    `toml:"redis_port" json:"redis_port"`
	RegistryTtlDay int    `toml:"registry_ttl_day" json:"registry_ttl_day"`

	ServerPort int `toml:"server_port" json:"server_port"`

	Solana   Solana           `toml:"solana" json:"solana"`
	Chains   map[string]Chain `toml:"chains" json:"chains"`
	Timeouts Timeouts         `toml:"timeouts" json:"timeouts"`

	// Backfill delays in seconds after subscription start.
	BackfillSchedule []int `toml:"backfill_schedule" json:"backfill_schedule"`

	// Max broadcast attempts for foreign-chain submission.
	MaxSubmitAttempts int `toml:"max_submit_attempts" json:"max_submit_attempts"`

	// Confirmation depth before a Bitcoin spend is treated as final.
	BtcFinalityDepth int `toml:"btc_finality_depth" json:"btc_finality_depth"`
}

func Load(path string) (Dvault, error) {
	cfg := Dvault{}
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

func ApplyDefaults(cfg *Dvault) {
	if cfg.Timeouts.SignatureWait == 0 {
		cfg.Timeouts.SignatureWait = 60
	}
	if cfg.Timeouts.ResultWait == 0 {
		cfg.Timeouts.ResultWait = 300
	}
	if cfg.Timeouts.ReceiptWait == 0 {
		cfg.Timeouts.ReceiptWait = 120
	}
	if len(cfg.BackfillSchedule) == 0 {
		cfg.BackfillSchedule = []int{5, 10, 20, 30}
	}
	if cfg.MaxSubmitAttempts == 0 {
		cfg.MaxSubmitAttempts = 3
	}
	if cfg.BtcFinalityDepth == 0 {
		cfg.BtcFinalityDepth = 2
	}
	if cfg.RegistryTtlDay == 0 {
		cfg.RegistryTtlDay = 7
	}
}
