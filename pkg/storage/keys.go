package storage

import (
	"encoding/binary"

	"github.com/daquorum/daquorum/pkg/consensus"
)

// Key schema for Pebble storage:
//
//   lf:<32-byte-digest> → Leaf body
//   vw:<8-byte-view>    → leaf digest decided at that view
//   anchor              → digest of the latest decided leaf

func kLeaf(d consensus.Commitment) []byte { return append([]byte("lf:"), d[:]...) }
func kView(v consensus.View) []byte       { return append([]byte("vw:"), viewKey(v)...) }
func kAnchor() []byte                     { return []byte("anchor") }

func viewKey(v consensus.View) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(v))
	return k[:]
}
