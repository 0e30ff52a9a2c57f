package bitcoin

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ExplorerTxidBytes returns the txid in the display (explorer) byte order.
// chainhash keeps txids in internal little-endian order; the vault program
// hashes the display order into request ids, so the two must never be
// mixed up.
func ExplorerTxidBytes(h chainhash.Hash) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = h[31-i]
	}
	return out
}

// P2wpkhScriptCode is the BIP143 scriptCode for a P2WPKH input: the
// canonical P2PKH script over the same pubkey hash.
func P2wpkhScriptCode(pubKeyHash [20]byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, pubKeyHash[:]...)
	script = append(script, 0x88, 0xac)
	return script
}
