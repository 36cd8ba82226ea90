// Package node wires the consensus core to its collaborators: it spawns
// one DA member task per view, feeds it from the network, runs the leader
// side when this node wins the draw, and tracks the high QC across views.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/daquorum/daquorum/params"
	"github.com/daquorum/daquorum/pkg/app/ledger"
	"github.com/daquorum/daquorum/pkg/consensus"
	"github.com/daquorum/daquorum/pkg/crypto"
	"github.com/daquorum/daquorum/pkg/election"
	"github.com/daquorum/daquorum/pkg/p2p"
	"github.com/daquorum/daquorum/pkg/storage"
	"github.com/daquorum/daquorum/pkg/util"
)

// proposalChanSize bounds buffered messages per view; the member drains
// them sequentially.
const proposalChanSize = 64

type Node struct {
	ID        uint64
	cfg       params.Config
	log       *zap.SugaredLogger
	signer    *crypto.ShareSigner
	committee *election.DynamicCommittee
	threshold election.Threshold
	cons      *consensus.Consensus
	store     *storage.LeafStore
	wal       storage.WAL
	net       *p2p.Network
	mempool   *ledger.Mempool
	clock     util.Clock

	// OnDecided, if set, observes every decided leaf (status feeds).
	OnDecided func(leaf *consensus.Leaf)

	mu         sync.Mutex
	curView    consensus.View
	highQC     consensus.QuorumCertificate
	proposalCh chan consensus.ProcessedMessage
	// blockByView records the proposed block commitment per view; it is
	// the nextState input of the committee seed.
	blockByView map[consensus.View]consensus.Commitment
	pending     map[consensus.View]*consensus.ProposalMessage
	votes       *voteSet
}

type Deps struct {
	Config  params.Config
	Logger  *zap.SugaredLogger
	Signer  *crypto.ShareSigner
	Stakes  election.StakeTable
	Cons    *consensus.Consensus
	Store   *storage.LeafStore
	WAL     storage.WAL
	Net     *p2p.Network
	Mempool *ledger.Mempool
	Clock   util.Clock
}

func New(deps Deps) (*Node, error) {
	threshold, err := ParseThreshold(deps.Config.Consensus.SelectionThreshold)
	if err != nil {
		return nil, err
	}
	n := &Node{
		ID:          deps.Config.Node.Index,
		cfg:         deps.Config,
		log:         deps.Logger,
		signer:      deps.Signer,
		committee:   election.NewDynamicCommittee(deps.Stakes),
		threshold:   threshold,
		cons:        deps.Cons,
		store:       deps.Store,
		wal:         deps.WAL,
		net:         deps.Net,
		mempool:     deps.Mempool,
		clock:       deps.Clock,
		blockByView: make(map[consensus.View]consensus.Commitment),
		pending:     make(map[consensus.View]*consensus.ProposalMessage),
	}
	if n.log == nil {
		n.log = zap.NewNop().Sugar()
	}
	if n.wal == nil {
		n.wal = storage.NewNopWAL()
	}
	if n.clock == nil {
		n.clock = util.RealClock{}
	}

	if err := n.installGenesis(); err != nil {
		return nil, err
	}

	if n.net != nil {
		n.net.SetHandlers(p2p.Handlers{
			OnProposal: n.onProposal,
			OnVote:     n.onVote,
		})
	}
	return n, nil
}

// ParseThreshold decodes a 64-char hex selection threshold.
func ParseThreshold(s string) (election.Threshold, error) {
	var t election.Threshold
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(t) {
		return election.Threshold{}, fmt.Errorf("selection threshold must be 64 hex chars")
	}
	copy(t[:], b)
	return t, nil
}

// installGenesis seeds view 0 with the genesis leaf so view 1 has a parent
// to extend.
func (n *Node) installGenesis() error {
	alloc := make(map[common.Address]uint64)
	if n.cfg.Consensus.FaucetAddress != "" {
		if !common.IsHexAddress(n.cfg.Consensus.FaucetAddress) {
			return fmt.Errorf("invalid faucet address %q", n.cfg.Consensus.FaucetAddress)
		}
		alloc[common.HexToAddress(n.cfg.Consensus.FaucetAddress)] = n.cfg.Consensus.FaucetBalance
	}
	state := ledger.GenesisState(alloc)
	deltas := &ledger.Block{}
	leaf := &consensus.Leaf{
		ViewNumber:      0,
		Height:          0,
		JustifyQC:       consensus.QuorumCertificate{Genesis: true},
		Deltas:          deltas,
		State:           state,
		StateCommitment: state.Commit(),
	}
	n.cons.Decide(0, leaf)
	n.highQC = consensus.QuorumCertificate{
		BlockCommitment: deltas.Commit(),
		LeafCommitment:  leaf.Commit(),
		ViewNumber:      0,
		Genesis:         true,
	}
	return nil
}

// Run drives views until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := n.runView(ctx); err != nil {
			return err
		}
	}
}

// RunN runs a fixed number of views (tests and tooling).
func (n *Node) RunN(ctx context.Context, views int) error {
	for i := 0; i < views; i++ {
		if err := n.runView(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) runView(ctx context.Context) error {
	n.mu.Lock()
	v := n.curView + 1
	n.curView = v
	highQC := n.highQC
	ch := make(chan consensus.ProcessedMessage, proposalChanSize)
	n.proposalCh = ch
	n.votes = newVoteSet(v)
	pending := n.pending[v]
	delete(n.pending, v)
	n.mu.Unlock()

	table := n.committee.StateTable()
	leaderKey := n.committee.GetLeader(table, uint64(v))
	isLeader := leaderKey == n.signer.PubKey()
	n.log.Infow("enter_view", "view", v, "leader", leaderKey, "is_leader", isLeader)

	member := &consensus.DAMember{
		ID:         n.ID,
		Consensus:  n.cons,
		ProposalCh: ch,
		CurView:    v,
		HighQC:     highQC,
		Api:        &apiImpl{n: n},
		Clock:      n.clock,
		Log:        n.log,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		member.RunView(ctx)
	}()

	if pending != nil {
		n.deliver(pending)
	}
	if isLeader {
		if err := n.propose(ctx, v); err != nil {
			n.log.Warnw("propose_failed", "view", v, "err", err)
		}
	}

	timeout := n.clock.After(n.cfg.Consensus.ViewTimeout)
	select {
	case <-done:
	case <-timeout:
		// View timed out: detach and close the member's channel. The
		// member observes the close and aborts without a state write.
		n.mu.Lock()
		if n.proposalCh != nil {
			close(n.proposalCh)
			n.proposalCh = nil
		}
		n.mu.Unlock()
		<-done
	case <-ctx.Done():
		n.mu.Lock()
		if n.proposalCh != nil {
			close(n.proposalCh)
			n.proposalCh = nil
		}
		n.mu.Unlock()
		<-done
		return ctx.Err()
	}

	n.finishView(v, isLeader)
	return nil
}

// finishView advances the high QC when the member decided the view.
func (n *Node) finishView(v consensus.View, isLeader bool) {
	inner, ok := n.cons.StateEntry(v)
	if !ok {
		n.cons.MarkFailed(v)
		n.wal.Append(fmt.Sprintf("abort view=%d", v))
		return
	}
	digest, ok := inner.Leaf()
	if !ok {
		return
	}
	leaf, ok := n.cons.SavedLeaf(digest)
	if !ok {
		return
	}

	qc := consensus.QuorumCertificate{
		BlockCommitment: leaf.Deltas.Commit(),
		LeafCommitment:  digest,
		ViewNumber:      v,
	}
	if isLeader {
		qc.Signature = n.votes.aggregate()
	}

	n.mu.Lock()
	n.highQC = qc
	n.proposalCh = nil
	delete(n.blockByView, v)
	n.mu.Unlock()

	n.wal.Append(fmt.Sprintf("decide view=%d height=%d leaf=%s", v, leaf.Height, digest.Hex()))
	if n.OnDecided != nil {
		n.OnDecided(leaf)
	}
}

// propose cuts a block from the mempool, signs its commitment, and
// broadcasts the proposal for the current view.
func (n *Node) propose(ctx context.Context, v consensus.View) error {
	transfers := n.mempool.SelectForProposal(n.cfg.Consensus.MaxBlockTxs)
	block := &ledger.Block{Transfers: transfers}
	blockCommitment := block.Commit()

	msg := &consensus.ProposalMessage{
		Proposal:  consensus.DAProposal{Deltas: block, ViewNumber: v},
		Signature: n.signer.Sign(blockCommitment[:]),
		Sender:    n.signer.PubKey(),
	}

	if n.net == nil {
		// single-process mode: loop the proposal back locally
		n.onProposal(msg)
		return nil
	}
	return n.net.BroadcastProposal(ctx, msg)
}

// onProposal routes an inbound proposal to the current view's member task,
// or parks it for an upcoming view.
func (n *Node) onProposal(msg *consensus.ProposalMessage) {
	v := msg.MessageView()
	n.mu.Lock()
	switch {
	case v == n.curView && n.proposalCh != nil:
		n.blockByView[v] = msg.Proposal.Deltas.Commit()
		select {
		case n.proposalCh <- msg:
		default:
			n.log.Warnw("proposal_channel_full", "view", v)
		}
	case v > n.curView:
		n.pending[v] = msg
	}
	n.mu.Unlock()
}

// deliver feeds a parked proposal into the live view channel.
func (n *Node) deliver(msg *consensus.ProposalMessage) {
	n.onProposal(msg)
}

// onVote accumulates DA votes at the view leader until the quorum weight
// is reached.
func (n *Node) onVote(msg *consensus.VoteMessage) {
	v := msg.Vote.CurrentView
	table := n.committee.StateTable()
	if n.committee.GetLeader(table, uint64(v)) != n.signer.PubKey() {
		n.log.Warnw("vote_at_non_leader", "view", v, "from", msg.Sender)
		return
	}

	n.mu.Lock()
	blockCommitment, ok := n.blockByView[v]
	votes := n.votes
	n.mu.Unlock()
	if !ok || votes == nil || votes.view != v {
		n.log.Warnw("vote_for_unknown_block", "view", v, "from", msg.Sender)
		return
	}
	if msg.Vote.BlockCommitment != blockCommitment {
		n.log.Warnw("vote_block_mismatch", "view", v, "from", msg.Sender)
		return
	}
	if !msg.Sender.Validate(msg.Vote.Signature, blockCommitment[:]) {
		n.log.Warnw("vote_bad_signature", "view", v, "from", msg.Sender)
		return
	}

	validated := n.committee.GetVotes(table, n.threshold, uint64(v), msg.Sender, msg.Vote.VoteToken, [32]byte(blockCommitment))
	if validated == nil {
		n.log.Warnw("vote_token_rejected", "view", v, "from", msg.Sender)
		return
	}

	weight, quorum := votes.add(msg.Sender, msg.Vote.Signature, validated.VoteCount(), n.quorumWeight())
	n.log.Infow("vote_accepted", "view", v, "from", msg.Sender, "weight", weight, "quorum", quorum)
}

// quorumWeight is the selected-stake weight a leader waits for before
// certifying. The sortition threshold governs the expected committee
// weight; a quarter of total stake sits comfortably below it at the
// default half-probability threshold.
func (n *Node) quorumWeight() uint64 {
	total := n.committee.StateTable().TotalStake()
	w := total / 4
	if w == 0 {
		w = 1
	}
	return w
}

// Status is a point-in-time snapshot for the API layer.
type Status struct {
	View       consensus.View
	Height     uint64
	AnchorLeaf consensus.Commitment
	Mempool    int
	Validators int
}

func (n *Node) Status() Status {
	n.mu.Lock()
	v := n.curView
	qc := n.highQC
	n.mu.Unlock()

	st := Status{
		View:       v,
		AnchorLeaf: qc.LeafCommitment,
		Mempool:    n.mempool.Len(),
		Validators: len(n.committee.StateTable()),
	}
	if leaf, ok := n.cons.SavedLeaf(qc.LeafCommitment); ok {
		st.Height = leaf.Height
	}
	return st
}

func (n *Node) ViewEntry(v consensus.View) (consensus.ViewInner, bool) {
	return n.cons.StateEntry(v)
}

func (n *Node) LeafByDigest(d consensus.Commitment) (*consensus.Leaf, bool) {
	return n.cons.SavedLeaf(d)
}

func (n *Node) SubmitTransfer(t ledger.Transfer) error {
	if !t.VerifySignature() {
		return fmt.Errorf("transfer signature invalid")
	}
	if !n.mempool.Push(t) {
		return fmt.Errorf("duplicate transfer")
	}
	return nil
}

// voteSet accumulates validated DA votes for one view at the leader.
type voteSet struct {
	mu     sync.Mutex
	view   consensus.View
	weight uint64
	voters map[crypto.PubKey]struct{}
	shares [][]byte
	done   bool
}

func newVoteSet(v consensus.View) *voteSet {
	return &voteSet{view: v, voters: make(map[crypto.PubKey]struct{})}
}

func (s *voteSet) add(from crypto.PubKey, share []byte, weight, quorum uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.voters[from]; dup {
		return s.weight, s.done
	}
	s.voters[from] = struct{}{}
	s.weight += weight
	s.shares = append(s.shares, share)
	if s.weight >= quorum {
		s.done = true
	}
	return s.weight, s.done
}

func (s *voteSet) aggregate() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		return nil
	}
	return crypto.Aggregate(s.shares)
}
