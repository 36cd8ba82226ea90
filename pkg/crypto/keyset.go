package crypto

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// KeySet derives the BLS key shares of a committee deterministically from a
// single 64-bit seed. Share i is always the same key pair for a given seed,
// so every node of a devnet (and every test) can reconstruct the full
// public key table without a distributed key ceremony.
type KeySet struct {
	seed uint64
}

func NewKeySet(seed uint64) *KeySet {
	return &KeySet{seed: seed}
}

// Share returns the signer for share index id.
func (ks *KeySet) Share(id uint64) *ShareSigner {
	h := blake3.New(32, nil)
	h.Write([]byte("Key share"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ks.seed)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], id)
	h.Write(buf[:])
	s, err := NewShareSigner(h.Sum(nil))
	if err != nil {
		// 32 bytes of ikm cannot fail keygen
		panic(fmt.Sprintf("derive key share %d: %v", id, err))
	}
	return s
}

// PubKeys returns the public key shares for ids [0, n).
func (ks *KeySet) PubKeys(n uint64) []PubKey {
	out := make([]PubKey, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, ks.Share(i).PubKey())
	}
	return out
}
