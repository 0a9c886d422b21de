package persistence

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "navvault:events:v1"

// ChainHasher links every persisted record to its predecessor:
//
//	chain_hash[N] = SHA-256(chain_hash[N-1] || sequence || record_type || payload)
//
// A tampered or missing row breaks every hash after it, so the whole
// log can be verified from the genesis seed alone.
type ChainHasher struct {
	prev [32]byte
}

func NewChainHasher() *ChainHasher {
	return &ChainHasher{prev: sha256.Sum256([]byte(genesisHashSeed))}
}

// Resume sets the chain tip from the last persisted row, so a restarted
// writer extends the existing chain instead of starting a second one.
func (h *ChainHasher) Resume(tip []byte) {
	copy(h.prev[:], tip)
}

// Extend computes the next link and advances the tip.
func (h *ChainHasher) Extend(sequence uint64, recordType string, payload []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write([]byte(recordType))
	hasher.Write(payload)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prev = hash
	return hash
}

// Tip returns the current chain head.
func (h *ChainHasher) Tip() [32]byte {
	return h.prev
}
