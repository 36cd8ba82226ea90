package ledger

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"

	"github.com/daquorum/daquorum/pkg/consensus"
	"github.com/daquorum/daquorum/pkg/crypto"
)

func init() {
	// Leaf bodies carry these through gob (storage and wire codecs).
	gob.Register(&Block{})
	gob.Register(&State{})
}

// Transfer moves Amount from From to To. Nonce is the sender's next
// account nonce; Signature is a 65-byte secp256k1 signature over SigHash.
type Transfer struct {
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    uint64         `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature"`
}

// SigHash returns the keccak digest a transfer is signed over.
func (t *Transfer) SigHash() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("daq transfer"))
	h.Write(t.From[:])
	h.Write(t.To[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], t.Amount)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], t.Nonce)
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifySignature checks that the transfer was signed by From.
func (t *Transfer) VerifySignature() bool {
	digest := t.SigHash()
	return crypto.VerifySignature(t.From, digest[:], t.Signature)
}

// Digest identifies a transfer for mempool de-duplication.
func (t *Transfer) Digest() [32]byte {
	h := blake3.New(32, nil)
	sig := t.SigHash()
	h.Write(sig[:])
	h.Write(t.Signature)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Block is a batch of transfers: the deltas a DA committee attests to.
type Block struct {
	Transfers []Transfer
}

// Commit returns the block commitment DA votes are signed over.
func (b *Block) Commit() consensus.Commitment {
	h := blake3.New(32, nil)
	h.Write([]byte("Ledger block"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(b.Transfers)))
	h.Write(buf[:])
	for i := range b.Transfers {
		t := &b.Transfers[i]
		h.Write(t.From[:])
		h.Write(t.To[:])
		binary.BigEndian.PutUint64(buf[:], t.Amount)
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], t.Nonce)
		h.Write(buf[:])
		h.Write(t.Signature)
	}
	var out consensus.Commitment
	copy(out[:], h.Sum(nil))
	return out
}

func (b *Block) String() string {
	return fmt.Sprintf("block(%d transfers)", len(b.Transfers))
}

var _ consensus.Deltas = (*Block)(nil)
