package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/daquorum/daquorum/pkg/consensus"
)

// LeafStore persists decided leaves in Pebble: bodies by digest, a
// view→digest index, and the latest-anchor pointer. Writes are idempotent.
type LeafStore struct {
	db *pebble.DB
}

func NewLeafStore(path string) (*LeafStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &LeafStore{db: db}, nil
}

func (s *LeafStore) Close() error { return s.db.Close() }

// PutLeaf stores a decided leaf and advances the anchor to it.
func (s *LeafStore) PutLeaf(v consensus.View, leaf *consensus.Leaf) error {
	digest := leaf.Commit()
	val, err := encodeGob(leaf)
	if err != nil {
		return fmt.Errorf("encode leaf: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kLeaf(digest), val, nil); err != nil {
		return err
	}
	if err := batch.Set(kView(v), digest[:], nil); err != nil {
		return err
	}
	if err := batch.Set(kAnchor(), digest[:], nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// LeafByDigest loads a leaf body.
func (s *LeafStore) LeafByDigest(d consensus.Commitment) (*consensus.Leaf, bool, error) {
	val, closer, err := s.db.Get(kLeaf(d))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	var out consensus.Leaf
	if err := decodeGob(val, &out); err != nil {
		return nil, false, fmt.Errorf("decode leaf: %w", err)
	}
	return &out, true, nil
}

// DigestByView returns the digest of the leaf decided at a view.
func (s *LeafStore) DigestByView(v consensus.View) (consensus.Commitment, bool, error) {
	val, closer, err := s.db.Get(kView(v))
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Commitment{}, false, nil
		}
		return consensus.Commitment{}, false, err
	}
	defer closer.Close()
	var out consensus.Commitment
	copy(out[:], val)
	return out, true, nil
}

// Anchor returns the latest decided leaf, if any.
func (s *LeafStore) Anchor() (*consensus.Leaf, bool, error) {
	val, closer, err := s.db.Get(kAnchor())
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var digest consensus.Commitment
	copy(digest[:], val)
	closer.Close()
	return s.LeafByDigest(digest)
}
