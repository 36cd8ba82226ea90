package consensus_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/daquorum/daquorum/pkg/consensus"
	"github.com/daquorum/daquorum/pkg/crypto"
)

// testDeltas is a minimal block payload with a tag-derived commitment.
type testDeltas struct {
	Tag uint64
}

func (d *testDeltas) Commit() consensus.Commitment {
	var c consensus.Commitment
	c[0] = 0xde
	binary.BigEndian.PutUint64(c[1:9], d.Tag)
	return c
}

// testState counts applied blocks; it can be told to reject or fail.
type testState struct {
	Round        uint64
	RejectBlocks bool
	FailAppend   bool
}

func (s *testState) ValidateBlock(deltas consensus.Deltas, viewNumber consensus.View) bool {
	return !s.RejectBlocks
}

func (s *testState) Append(deltas consensus.Deltas, viewNumber consensus.View) (consensus.State, error) {
	if s.FailAppend {
		return nil, errors.New("append refused")
	}
	return &testState{Round: s.Round + 1}, nil
}

func (s *testState) Commit() consensus.Commitment {
	var c consensus.Commitment
	c[0] = 0x57
	binary.BigEndian.PutUint64(c[1:9], s.Round)
	return c
}

type storedLeaf struct {
	view consensus.View
	leaf *consensus.Leaf
}

// mockApi records every capability call the member makes.
type mockApi struct {
	mu       sync.Mutex
	leader   crypto.PubKey
	token    crypto.Proof
	tokenErr error
	sendErr  error
	signer   *crypto.ShareSigner

	sentTo []crypto.PubKey
	sent   []consensus.DAVote
	stored []storedLeaf
}

func (a *mockApi) GetLeader(ctx context.Context, viewNumber consensus.View) crypto.PubKey {
	return a.leader
}

func (a *mockApi) MakeVoteToken(viewNumber consensus.View) (crypto.Proof, error) {
	return a.token, a.tokenErr
}

func (a *mockApi) SignDAVote(blockCommitment consensus.Commitment) []byte {
	return a.signer.Sign(blockCommitment[:])
}

func (a *mockApi) SendDirectMessage(ctx context.Context, to crypto.PubKey, vote consensus.DAVote) error {
	if a.sendErr != nil {
		return a.sendErr
	}
	a.mu.Lock()
	a.sentTo = append(a.sentTo, to)
	a.sent = append(a.sent, vote)
	a.mu.Unlock()
	return nil
}

func (a *mockApi) StoreLeaf(ctx context.Context, viewNumber consensus.View, leaf *consensus.Leaf) error {
	a.mu.Lock()
	a.stored = append(a.stored, storedLeaf{view: viewNumber, leaf: leaf})
	a.mu.Unlock()
	return nil
}

type memberFixture struct {
	cons    *consensus.Consensus
	metrics *consensus.Metrics
	api     *mockApi
	ch      chan consensus.ProcessedMessage
	member  *consensus.DAMember
	leader  *crypto.ShareSigner
	parent  *consensus.Leaf
	highQC  consensus.QuorumCertificate
}

const (
	parentView = consensus.View(3)
	curView    = consensus.View(4)
)

// newMemberFixture seeds a decided parent at view 3 and a member task for
// view 4 whose leader is key share 0.
func newMemberFixture(t *testing.T) *memberFixture {
	t.Helper()

	keys := crypto.NewKeySet(1234)
	leader := keys.Share(0)
	self := keys.Share(1)

	metrics := consensus.NewMetrics(nil)
	cons := consensus.NewConsensus(metrics)

	parent := &consensus.Leaf{
		ViewNumber:      parentView,
		Height:          7,
		JustifyQC:       consensus.QuorumCertificate{Genesis: true},
		Deltas:          &testDeltas{Tag: 1},
		State:           &testState{Round: 7},
		StateCommitment: (&testState{Round: 7}).Commit(),
	}
	cons.Decide(parentView, parent)

	highQC := consensus.QuorumCertificate{
		LeafCommitment: parent.Commit(),
		ViewNumber:     parentView,
	}

	api := &mockApi{
		leader: leader.PubKey(),
		token:  crypto.Proof([]byte("vote token")),
		signer: self,
	}
	ch := make(chan consensus.ProcessedMessage, 8)

	return &memberFixture{
		cons:    cons,
		metrics: metrics,
		api:     api,
		ch:      ch,
		leader:  leader,
		parent:  parent,
		highQC:  highQC,
		member: &consensus.DAMember{
			ID:         1,
			Consensus:  cons,
			ProposalCh: ch,
			CurView:    curView,
			HighQC:     highQC,
			Api:        api,
		},
	}
}

// proposal builds a leader-signed proposal for the current view.
func (f *memberFixture) proposal(tag uint64) *consensus.ProposalMessage {
	deltas := &testDeltas{Tag: tag}
	c := deltas.Commit()
	return &consensus.ProposalMessage{
		Proposal:  consensus.DAProposal{Deltas: deltas, ViewNumber: curView},
		Signature: f.leader.Sign(c[:]),
		Sender:    f.leader.PubKey(),
	}
}

func (f *memberFixture) decidedLeaf(t *testing.T) *consensus.Leaf {
	t.Helper()
	inner, ok := f.cons.StateEntry(curView)
	if !ok {
		t.Fatal("no state-map entry for the decided view")
	}
	digest, ok := inner.Leaf()
	if !ok {
		t.Fatal("state-map entry is not a leaf")
	}
	leaf, ok := f.cons.SavedLeaf(digest)
	if !ok {
		t.Fatal("decided leaf body missing from saved leaves")
	}
	return leaf
}

func TestMemberHappyPath(t *testing.T) {
	f := newMemberFixture(t)

	msg := f.proposal(42)
	f.ch <- msg
	f.member.RunView(context.Background())

	// A DA vote went to the leader.
	if len(f.api.sent) != 1 {
		t.Fatalf("sent %d votes, want 1", len(f.api.sent))
	}
	if f.api.sentTo[0] != f.leader.PubKey() {
		t.Fatalf("vote sent to %s, want the leader", f.api.sentTo[0])
	}
	vote := f.api.sent[0]
	blockCommitment := msg.Proposal.Deltas.Commit()
	if vote.BlockCommitment != blockCommitment {
		t.Fatal("vote block commitment mismatch")
	}
	if vote.CurrentView != curView {
		t.Fatalf("vote view = %d, want %d", vote.CurrentView, curView)
	}
	if vote.JustifyQCCommitment != f.highQC.Commit() {
		t.Fatal("vote justify-QC commitment mismatch")
	}
	if string(vote.VoteToken) != "vote token" {
		t.Fatal("vote token not forwarded")
	}
	if !f.leader.PubKey().Validate(msg.Signature, blockCommitment[:]) {
		t.Fatal("fixture produced an unverifiable proposal signature")
	}

	if got := testutil.ToFloat64(f.metrics.OutgoingDirectMessages); got != 1 {
		t.Fatalf("outgoing_direct_messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.FailedToSendMessages); got != 0 {
		t.Fatalf("failed_to_send_messages = %v, want 0", got)
	}

	// The decision landed in the state map and the leaf store.
	leaf := f.decidedLeaf(t)
	if leaf.ViewNumber != curView {
		t.Fatalf("leaf view = %d, want %d", leaf.ViewNumber, curView)
	}
	if leaf.Height != f.parent.Height+1 {
		t.Fatalf("leaf height = %d, want %d", leaf.Height, f.parent.Height+1)
	}
	if leaf.ParentCommitment != f.parent.Commit() {
		t.Fatal("leaf parent commitment mismatch")
	}
	if leaf.Timestamp == 0 {
		t.Fatal("leaf timestamp not set")
	}
	if len(f.api.stored) != 1 || f.api.stored[0].view != curView {
		t.Fatal("leaf not handed to the storage API")
	}
}

func TestMemberAbortsOnMissingParent(t *testing.T) {
	f := newMemberFixture(t)
	// high QC points at a view the state map has never seen
	f.member.HighQC = consensus.QuorumCertificate{ViewNumber: 9}

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("abort must leave no state-map entry")
	}
	if len(f.api.sent) != 0 {
		t.Fatal("abort must not send a vote")
	}
}

func TestMemberAbortsOnFailedParent(t *testing.T) {
	f := newMemberFixture(t)
	failedView := consensus.View(2)
	f.cons.MarkFailed(failedView)
	f.member.HighQC = consensus.QuorumCertificate{ViewNumber: failedView}

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("abort must leave no state-map entry")
	}
}

func TestMemberAbortsOnParentWithoutState(t *testing.T) {
	f := newMemberFixture(t)
	bare := &consensus.Leaf{
		ViewNumber:      parentView,
		Height:          7,
		Deltas:          &testDeltas{Tag: 1},
		StateCommitment: (&testState{Round: 7}).Commit(),
		// State intentionally nil: only the commitment is known
	}
	f.cons.Decide(parentView, bare)
	f.member.HighQC = consensus.QuorumCertificate{
		LeafCommitment: bare.Commit(),
		ViewNumber:     parentView,
	}

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("abort must leave no state-map entry")
	}
	if len(f.api.sent) != 0 {
		t.Fatal("abort must not send a vote")
	}
}

func TestMemberDiscardsOffViewProposal(t *testing.T) {
	f := newMemberFixture(t)

	deltas := &testDeltas{Tag: 42}
	c := deltas.Commit()
	offView := &consensus.ProposalMessage{
		Proposal:  consensus.DAProposal{Deltas: deltas, ViewNumber: curView + 1},
		Signature: f.leader.Sign(c[:]),
		Sender:    f.leader.PubKey(),
	}
	f.ch <- offView
	close(f.ch)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("off-view proposal must not be accepted")
	}
	if len(f.api.sent) != 0 {
		t.Fatal("off-view proposal must not trigger a vote")
	}
}

func TestMemberDiscardsWrongSender(t *testing.T) {
	f := newMemberFixture(t)

	impostor := crypto.NewKeySet(1234).Share(9)
	deltas := &testDeltas{Tag: 42}
	c := deltas.Commit()
	f.ch <- &consensus.ProposalMessage{
		Proposal:  consensus.DAProposal{Deltas: deltas, ViewNumber: curView},
		Signature: impostor.Sign(c[:]),
		Sender:    impostor.PubKey(),
	}
	close(f.ch)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("proposal from a non-leader must not be accepted")
	}
}

func TestMemberKeepsDrainingAfterBadSignature(t *testing.T) {
	f := newMemberFixture(t)

	// Leader-tagged proposal with a signature over the wrong bytes.
	deltas := &testDeltas{Tag: 42}
	f.ch <- &consensus.ProposalMessage{
		Proposal:  consensus.DAProposal{Deltas: deltas, ViewNumber: curView},
		Signature: f.leader.Sign([]byte("not the block commitment")),
		Sender:    f.leader.PubKey(),
	}
	// Followed by a valid one.
	f.ch <- f.proposal(43)
	f.member.RunView(context.Background())

	leaf := f.decidedLeaf(t)
	want := (&testDeltas{Tag: 43}).Commit()
	if leaf.Deltas.Commit() != want {
		t.Fatal("member decided on the badly signed proposal")
	}
}

func TestMemberSkipsInterruptsAndVotes(t *testing.T) {
	f := newMemberFixture(t)

	f.ch <- &consensus.NextViewInterrupt{ViewNumber: curView}
	f.ch <- &consensus.VoteMessage{
		Vote:   consensus.DAVote{CurrentView: curView},
		Sender: f.leader.PubKey(),
	}
	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); !ok {
		t.Fatal("member must still decide after skipping stray messages")
	}
}

func TestMemberAbortsOnStructuralReject(t *testing.T) {
	f := newMemberFixture(t)
	rejecting := &consensus.Leaf{
		ViewNumber: parentView,
		Height:     7,
		Deltas:     &testDeltas{Tag: 1},
		State:      &testState{Round: 7, RejectBlocks: true},
	}
	f.cons.Decide(parentView, rejecting)
	f.member.HighQC = consensus.QuorumCertificate{
		LeafCommitment: rejecting.Commit(),
		ViewNumber:     parentView,
	}

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("structurally invalid block must abort the view")
	}
}

func TestMemberAbortsOnAppendFailure(t *testing.T) {
	f := newMemberFixture(t)
	failing := &consensus.Leaf{
		ViewNumber: parentView,
		Height:     7,
		Deltas:     &testDeltas{Tag: 1},
		State:      &testState{Round: 7, FailAppend: true},
	}
	f.cons.Decide(parentView, failing)
	f.member.HighQC = consensus.QuorumCertificate{
		LeafCommitment: failing.Commit(),
		ViewNumber:     parentView,
	}

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("a failing state append must abort the view")
	}
}

func TestMemberCommitsWithoutVoteWhenNotElected(t *testing.T) {
	f := newMemberFixture(t)
	f.api.token = nil

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if len(f.api.sent) != 0 {
		t.Fatal("unelected member must not vote")
	}
	f.decidedLeaf(t)
	if got := testutil.ToFloat64(f.metrics.OutgoingDirectMessages); got != 0 {
		t.Fatalf("outgoing_direct_messages = %v, want 0", got)
	}
}

func TestMemberCommitsWithoutVoteOnTokenError(t *testing.T) {
	f := newMemberFixture(t)
	f.api.token = nil
	f.api.tokenErr = errors.New("sortition backend down")

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if len(f.api.sent) != 0 {
		t.Fatal("token failure must not produce a vote")
	}
	f.decidedLeaf(t)
}

func TestMemberCountsSendFailureButCommits(t *testing.T) {
	f := newMemberFixture(t)
	f.api.sendErr = errors.New("peer unreachable")

	f.ch <- f.proposal(42)
	f.member.RunView(context.Background())

	if got := testutil.ToFloat64(f.metrics.FailedToSendMessages); got != 1 {
		t.Fatalf("failed_to_send_messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.OutgoingDirectMessages); got != 0 {
		t.Fatalf("outgoing_direct_messages = %v, want 0", got)
	}
	// The leaf is still committed locally; the leader may have seen
	// enough votes from other replicas.
	f.decidedLeaf(t)
}

func TestMemberAbortsOnClosedChannel(t *testing.T) {
	f := newMemberFixture(t)
	close(f.ch)
	f.member.RunView(context.Background())

	if _, ok := f.cons.StateEntry(curView); ok {
		t.Fatal("closed channel must abort without a state write")
	}
	if got := testutil.ToFloat64(f.metrics.AbortedViews); got != 1 {
		t.Fatalf("aborted_views = %v, want 1", got)
	}
}
