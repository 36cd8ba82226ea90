// Package election implements the stake-weighted VRF committee and leader
// selection. A participant proves membership for a view by signing the
// committee seed with its BLS key share; each of its stake units is then
// independently selected against a 256-bit threshold, and the number of
// selected units is its vote weight for the view.
package election

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"golang.org/x/crypto/chacha20"
	"lukechampine.com/blake3"

	"github.com/daquorum/daquorum/pkg/crypto"
)

// StakeTable maps public key shares to their total stake. The table is a
// per-view snapshot; it is never mutated within a view.
type StakeTable map[crypto.PubKey]uint64

// TotalStake returns the sum of all stake in the table.
func (t StakeTable) TotalStake() uint64 {
	var total uint64
	for _, s := range t {
		total += s
	}
	return total
}

// sortedKeys returns the table's keys in canonical (byte-wise) order, so
// iteration-dependent results are identical across nodes.
func (t StakeTable) sortedKeys() []crypto.PubKey {
	keys := make([]crypto.PubKey, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	return keys
}

// Threshold is the 256-bit selection threshold, big-endian. A stake unit is
// selected iff its seeded VRF hash is strictly smaller than the threshold,
// so the per-unit selection probability is threshold / 2^256.
type Threshold [32]byte

// SelectedStake is the set of a participant's selected stake unit indices.
type SelectedStake map[uint64]struct{}

// ValidatedVoteToken is a vote token that has passed VRF verification and
// sortition. The size of the selected set is the holder's vote weight.
type ValidatedVoteToken struct {
	PubKey   crypto.PubKey
	Token    crypto.Proof
	Selected SelectedStake
}

// VoteCount returns the number of votes the token carries.
func (v *ValidatedVoteToken) VoteCount() uint64 {
	return uint64(len(v.Selected))
}

// selectSeededVRFHash reports whether a seeded VRF hash is below the
// selection threshold (strict lexicographic big-endian compare).
func selectSeededVRFHash(seededVRFHash [32]byte, selectionThreshold Threshold) bool {
	return bytes.Compare(seededVRFHash[:], selectionThreshold[:]) < 0
}

// CommitteeSeed hashes the view number and the next state into the VRF
// input for vote token generation and verification.
func CommitteeSeed(viewNumber uint64, nextState [32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte("Vote token"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], viewNumber)
	h.Write(buf[:])
	h.Write(nextState[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// LeaderSeed hashes the view number into the PRNG seed for the leader draw.
func LeaderSeed(viewNumber uint64) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte("Committee seed"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], viewNumber)
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DynamicCommittee selects the DA committee and the leader for each view
// from a stake table snapshot.
type DynamicCommittee struct {
	vrf        crypto.Vrf
	stakeTable StakeTable
}

func NewDynamicCommittee(stakeTable StakeTable) *DynamicCommittee {
	return &DynamicCommittee{vrf: crypto.BLSVrf{}, stakeTable: stakeTable}
}

// StateTable returns a copy of the committee's stake table snapshot.
func (c *DynamicCommittee) StateTable() StakeTable {
	out := make(StakeTable, len(c.stakeTable))
	for k, v := range c.stakeTable {
		out[k] = v
	}
	return out
}

// SelectStake runs sortition for one participant: every stake unit
// s in [0, stake) whose hash H("Seeded VRF" || vrfOutput || BE64(s)) falls
// below the threshold is selected. Deterministic in all inputs.
func (c *DynamicCommittee) SelectStake(table StakeTable, selectionThreshold Threshold, pubKey crypto.PubKey, token crypto.Proof) SelectedStake {
	selected := make(SelectedStake)

	vrfOutput := c.vrf.Evaluate(token)
	totalStake, ok := table[pubKey]
	if !ok {
		return selected
	}

	for stake := uint64(0); stake < totalStake; stake++ {
		h := blake3.New(32, nil)
		h.Write([]byte("Seeded VRF"))
		h.Write(vrfOutput[:])
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], stake)
		h.Write(buf[:])
		var hash [32]byte
		copy(hash[:], h.Sum(nil))
		if selectSeededVRFHash(hash, selectionThreshold) {
			selected[stake] = struct{}{}
		}
	}

	return selected
}

// MakeVoteToken attempts to generate a vote token for the holder of
// privateKey. Returns nil if the holder's key share is not in the table or
// none of its stake units were selected.
func (c *DynamicCommittee) MakeVoteToken(table StakeTable, selectionThreshold Threshold, viewNumber uint64, privateKey *crypto.ShareSigner, nextState [32]byte) crypto.Proof {
	input := CommitteeSeed(viewNumber, nextState)
	token := c.vrf.Prove(privateKey, input)

	pubKey := privateKey.PubKey()
	if _, ok := table[pubKey]; !ok {
		return nil
	}
	selected := c.SelectStake(table, selectionThreshold, pubKey, token)
	if len(selected) == 0 {
		return nil
	}
	return token
}

// GetVotes validates a vote token against the claimed public key share.
// Returns nil if the VRF proof does not verify, the key has no stake, or
// sortition selected no units; otherwise the validated token, whose
// selected-set size is the number of votes granted this view.
func (c *DynamicCommittee) GetVotes(table StakeTable, selectionThreshold Threshold, viewNumber uint64, pubKey crypto.PubKey, token crypto.Proof, nextState [32]byte) *ValidatedVoteToken {
	input := CommitteeSeed(viewNumber, nextState)
	if !c.vrf.Verify(token, pubKey, input) {
		return nil
	}

	selected := c.SelectStake(table, selectionThreshold, pubKey, token)
	if len(selected) == 0 {
		return nil
	}

	return &ValidatedVoteToken{PubKey: pubKey, Token: token, Selected: selected}
}

// GetVoteCount returns the number of votes a validated token carries.
func (c *DynamicCommittee) GetVoteCount(token *ValidatedVoteToken) uint64 {
	return token.VoteCount()
}

// GetLeader draws the view leader, weighted by stake. The leader does not
// have to be a committee member. Panics if the table holds no stake;
// callers must ensure a non-empty table.
func (c *DynamicCommittee) GetLeader(table StakeTable, viewNumber uint64) crypto.PubKey {
	totalStake := table.TotalStake()
	if totalStake == 0 {
		panic("election: leader draw over empty stake table")
	}

	seed := LeaderSeed(viewNumber)
	selectedStake := leaderDraw(seed, totalStake)

	var stakeSum uint64
	for _, key := range table.sortedKeys() {
		stakeSum += table[key]
		if stakeSum > selectedStake {
			return key
		}
	}
	panic("election: stake sum never exceeded draw")
}

// leaderDraw returns a uniform value in [0, total) from a ChaCha20
// keystream keyed with seed (zero nonce). Oversized draws are rejected so
// the modulo stays unbiased.
func leaderDraw(seed [32]byte, total uint64) uint64 {
	cipher, err := chacha20.NewUnauthenticatedCipher(seed[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		panic("election: chacha20 init: " + err.Error())
	}
	bound := total * (math.MaxUint64 / total)
	var zero, buf [8]byte
	for {
		cipher.XORKeyStream(buf[:], zero[:])
		r := binary.BigEndian.Uint64(buf[:])
		if r < bound {
			return r % total
		}
	}
}
