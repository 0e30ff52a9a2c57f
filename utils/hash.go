package utils

import (
	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes the concatenation of every chunk.
func Keccak256(chunks ...[]byte) [32]byte {
	hash := sha3.NewLegacyKeccak256()
	for _, c := range chunks {
		hash.Write(c)
	}

	var out [32]byte
	copy(out[:], hash.Sum(nil))
	return out
}
