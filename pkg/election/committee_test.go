package election

import (
	"testing"

	"github.com/daquorum/daquorum/pkg/crypto"
)

const (
	secretKeysSeed      = 1234
	viewNumber          = 10
	incorrectViewNumber = 11
	honestNodeID        = 30
	byzantineNodeID     = 45
	totalStake          = 55
)

var (
	nextState          = [32]byte{20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20, 20}
	incorrectNextState = [32]byte{22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22, 22}
	selectionThreshold = Threshold{
		128, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	}
)

// dummyStakeTable splits totalStake across the given keys, remainder on
// the last one.
func dummyStakeTable(pubKeys []crypto.PubKey) StakeTable {
	recordSize := uint64(len(pubKeys))
	stakePerRecord := totalStake / recordSize
	lastStake := totalStake - stakePerRecord*(recordSize-1)

	table := make(StakeTable, recordSize)
	for i := uint64(0); i < recordSize-1; i++ {
		table[pubKeys[i]] = stakePerRecord
	}
	table[pubKeys[recordSize-1]] = lastStake
	return table
}

func TestVRFVerification(t *testing.T) {
	keys := crypto.NewKeySet(secretKeysSeed)
	honest := keys.Share(honestNodeID)
	byzantine := keys.Share(byzantineNodeID)

	vrf := crypto.BLSVrf{}

	// Proof verifies with the correct key share, view number, and next
	// state.
	input := CommitteeSeed(viewNumber, nextState)
	proof := vrf.Prove(honest, input)
	if !vrf.Verify(proof, honest.PubKey(), input) {
		t.Fatal("expected proof to verify against honest pubkey")
	}

	// Fails when the proving key does not match the public key share.
	incorrectProof := vrf.Prove(byzantine, input)
	if vrf.Verify(incorrectProof, honest.PubKey(), input) {
		t.Fatal("expected byzantine proof to fail against honest pubkey")
	}

	// Fails when the view number differs from the proving input.
	incorrectInput := CommitteeSeed(incorrectViewNumber, nextState)
	if vrf.Verify(proof, honest.PubKey(), incorrectInput) {
		t.Fatal("expected proof to fail for a different view number")
	}

	// Fails when the next state differs from the proving input.
	incorrectInput = CommitteeSeed(viewNumber, incorrectNextState)
	if vrf.Verify(proof, honest.PubKey(), incorrectInput) {
		t.Fatal("expected proof to fail for a different next state")
	}
}

func TestHashSelection(t *testing.T) {
	hash1 := [32]byte{}
	hash2 := [32]byte{128}
	hash3 := [32]byte{128, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	hash4 := [32]byte{200, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

	if !selectSeededVRFHash(hash1, selectionThreshold) {
		t.Error("all-zero hash must be selected")
	}
	if !selectSeededVRFHash(hash2, selectionThreshold) {
		t.Error("hash just below threshold must be selected")
	}
	// Strict compare: a hash equal to the threshold is not selected.
	if selectSeededVRFHash(hash3, selectionThreshold) {
		t.Error("hash equal to threshold must not be selected")
	}
	if selectSeededVRFHash(hash4, selectionThreshold) {
		t.Error("hash above threshold must not be selected")
	}
}

func TestStakeSelectionDeterminism(t *testing.T) {
	keys := crypto.NewKeySet(secretKeysSeed)
	share := keys.Share(honestNodeID)
	pubKey := share.PubKey()
	table := dummyStakeTable([]crypto.PubKey{pubKey})
	committee := NewDynamicCommittee(table)

	vrf := crypto.BLSVrf{}
	input := CommitteeSeed(viewNumber, nextState)
	proof := vrf.Prove(share, input)

	selected := committee.SelectStake(table, selectionThreshold, pubKey, proof)
	selectedAgain := committee.SelectStake(table, selectionThreshold, pubKey, proof)

	if len(selected) != len(selectedAgain) {
		t.Fatalf("selection not deterministic: %d vs %d units", len(selected), len(selectedAgain))
	}
	for s := range selected {
		if _, ok := selectedAgain[s]; !ok {
			t.Fatalf("stake unit %d missing from second selection", s)
		}
	}
	if uint64(len(selected)) > totalStake {
		t.Fatalf("selected %d units from stake %d", len(selected), totalStake)
	}
	for s := range selected {
		if s >= totalStake {
			t.Fatalf("selected out-of-range stake unit %d", s)
		}
	}
}

func TestStakeSelectionThresholdEdges(t *testing.T) {
	keys := crypto.NewKeySet(secretKeysSeed)
	share := keys.Share(honestNodeID)
	pubKey := share.PubKey()
	table := dummyStakeTable([]crypto.PubKey{pubKey})
	committee := NewDynamicCommittee(table)

	vrf := crypto.BLSVrf{}
	input := CommitteeSeed(viewNumber, nextState)
	proof := vrf.Prove(share, input)

	// Zero threshold: nothing is ever selected.
	if got := committee.SelectStake(table, Threshold{}, pubKey, proof); len(got) != 0 {
		t.Fatalf("zero threshold selected %d units", len(got))
	}

	// Max threshold: every stake unit passes.
	var max Threshold
	for i := range max {
		max[i] = 0xff
	}
	if got := committee.SelectStake(table, max, pubKey, proof); uint64(len(got)) != totalStake {
		t.Fatalf("max threshold selected %d of %d units", len(got), totalStake)
	}

	// Unknown key: empty selection.
	other := keys.Share(byzantineNodeID).PubKey()
	if got := committee.SelectStake(table, max, other, proof); len(got) != 0 {
		t.Fatalf("absent key selected %d units", len(got))
	}
}

func TestMakeVoteToken(t *testing.T) {
	keys := crypto.NewKeySet(secretKeysSeed)
	share := keys.Share(honestNodeID)
	pubKey := share.PubKey()
	table := dummyStakeTable([]crypto.PubKey{pubKey})
	committee := NewDynamicCommittee(table)

	var max Threshold
	for i := range max {
		max[i] = 0xff
	}

	token := committee.MakeVoteToken(table, max, viewNumber, share, nextState)
	if token == nil {
		t.Fatal("expected a vote token at max threshold")
	}

	validated := committee.GetVotes(table, max, viewNumber, pubKey, token, nextState)
	if validated == nil {
		t.Fatal("expected token to validate")
	}
	if got := committee.GetVoteCount(validated); got != totalStake {
		t.Fatalf("vote count = %d, want %d", got, totalStake)
	}

	// A token proved for one view does not validate for another.
	if committee.GetVotes(table, max, incorrectViewNumber, pubKey, token, nextState) != nil {
		t.Fatal("token validated for the wrong view")
	}

	// Zero threshold: no token.
	if committee.MakeVoteToken(table, Threshold{}, viewNumber, share, nextState) != nil {
		t.Fatal("expected no token at zero threshold")
	}

	// Key not in the table: no token.
	empty := StakeTable{}
	if committee.MakeVoteToken(empty, max, viewNumber, share, nextState) != nil {
		t.Fatal("expected no token for a key outside the table")
	}
}

func TestLeaderSelection(t *testing.T) {
	keys := crypto.NewKeySet(secretKeysSeed)
	pubKeys := make([]crypto.PubKey, 0, 10)
	for i := uint64(0); i < 10; i++ {
		pubKeys = append(pubKeys, keys.Share(i).PubKey())
	}
	table := dummyStakeTable(pubKeys)
	committee := NewDynamicCommittee(table)

	selected := committee.GetLeader(table, viewNumber)
	selectedAgain := committee.GetLeader(table, viewNumber)
	if selected != selectedAgain {
		t.Fatalf("leader selection not deterministic: %s vs %s", selected, selectedAgain)
	}

	if _, ok := table[selected]; !ok {
		t.Fatalf("leader %s not in the stake table", selected)
	}
}

func TestStateTableSnapshot(t *testing.T) {
	keys := crypto.NewKeySet(secretKeysSeed)
	pubKey := keys.Share(honestNodeID).PubKey()
	table := dummyStakeTable([]crypto.PubKey{pubKey})
	committee := NewDynamicCommittee(table)

	snapshot := committee.StateTable()
	if len(snapshot) != len(table) || snapshot[pubKey] != table[pubKey] {
		t.Fatal("state table snapshot differs from the source table")
	}
	// Mutating the snapshot must not leak into the committee.
	snapshot[pubKey] = 0
	if committee.StateTable()[pubKey] != totalStake {
		t.Fatal("snapshot mutation leaked into the committee table")
	}
}
