package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/daquorum/daquorum/pkg/crypto"
	"github.com/daquorum/daquorum/pkg/util"
)

// DAMember runs one view as a DA committee member: it drains the proposal
// channel until the leader's proposal for the view validates, signs a DA
// vote on the block commitment, sends it to the leader, and records the
// decided leaf in the shared consensus state.
type DAMember struct {
	// ID of node.
	ID uint64
	// Shared consensus state; the member takes the write lock once, to
	// record its decision.
	Consensus *Consensus
	// Channel of leader proposals and interrupts for this view. The
	// member is the only consumer; the producer closes it on timeout.
	ProposalCh <-chan ProcessedMessage
	// View number this task is executing in.
	CurView View
	// The high QC the member extends.
	HighQC QuorumCertificate
	// Capability bundle from the outer system.
	Api Api

	Clock util.Clock
	Log   *zap.SugaredLogger
}

// parentLeaf resolves the parent leaf the member will extend: the leaf the
// high QC's view decided on.
func (m *DAMember) parentLeaf() *Leaf {
	parentViewNumber := m.HighQC.ViewNumber
	m.Consensus.mu.RLock()
	defer m.Consensus.mu.RUnlock()

	parentView, ok := m.Consensus.stateMap[parentViewNumber]
	if !ok {
		m.log().Warnw("parent_not_in_state_map", "view", m.CurView, "parent_view", parentViewNumber)
		return nil
	}
	if parentView.Failed() {
		m.log().Warnw("parent_view_failed", "view", m.CurView, "parent_view", parentViewNumber)
		return nil
	}
	digest, _ := parentView.Leaf()
	leaf, ok := m.Consensus.savedLeaves[digest]
	if !ok {
		m.log().Warnw("parent_leaf_body_missing", "view", m.CurView, "parent_leaf", digest)
		return nil
	}
	return leaf
}

// findValidMsg drains the channel until a proposal for the current view,
// routed from the view leader, validates. Returns nil when the view must
// be abandoned (channel closed, context done, or a fatal validation
// failure).
func (m *DAMember) findValidMsg(ctx context.Context, viewLeaderKey crypto.PubKey) *Leaf {
	for {
		var msg ProcessedMessage
		var ok bool
		select {
		case <-ctx.Done():
			m.log().Warnw("member_cancelled", "view", m.CurView)
			return nil
		case msg, ok = <-m.ProposalCh:
			if !ok {
				m.log().Warnw("proposal_channel_closed", "view", m.CurView)
				return nil
			}
		}

		// Messages for a different view number are skipped.
		if msg.MessageView() != m.CurView {
			continue
		}

		switch msg := msg.(type) {
		case *ProposalMessage:
			if msg.Sender != viewLeaderKey {
				continue
			}
			leaf, retry := m.acceptProposal(ctx, msg, viewLeaderKey)
			if retry {
				continue
			}
			return leaf
		case *NextViewInterrupt:
			m.log().Warnw("unexpected_next_view_interrupt", "view", m.CurView)
			continue
		case *VoteMessage:
			// Only the DA leader collects votes, never a member.
			m.log().Warnw("unexpected_vote_message", "view", m.CurView)
			continue
		}
	}
}

// acceptProposal validates a leader proposal and, on success, emits the DA
// vote and returns the candidate leaf. retry=true means the message was
// rejected but the view continues; a nil leaf with retry=false aborts the
// view.
func (m *DAMember) acceptProposal(ctx context.Context, msg *ProposalMessage, viewLeaderKey crypto.PubKey) (leaf *Leaf, retry bool) {
	parent := m.parentLeaf()
	if parent == nil {
		return nil, false
	}
	if parent.State == nil {
		m.log().Warnw("parent_leaf_missing_state", "view", m.CurView, "parent_view", parent.ViewNumber)
		return nil, false
	}

	blockCommitment := msg.Proposal.Deltas.Commit()
	if !viewLeaderKey.Validate(msg.Signature, blockCommitment[:]) {
		// Could be spam routed with a forged sender tag; keep draining.
		m.log().Warnw("bad_proposal_signature", "view", m.CurView, "block", blockCommitment)
		return nil, true
	}

	if !parent.State.ValidateBlock(msg.Proposal.Deltas, m.CurView) {
		m.log().Warnw("invalid_block", "view", m.CurView, "block", blockCommitment)
		return nil, false
	}

	state, err := parent.State.Append(msg.Proposal.Deltas, m.CurView)
	if err != nil {
		m.log().Warnw("state_append_failed", "view", m.CurView, "err", err)
		return nil, false
	}

	leaf = &Leaf{
		ViewNumber:       m.CurView,
		Height:           parent.Height + 1,
		JustifyQC:        m.HighQC,
		ParentCommitment: parent.Commit(),
		Deltas:           msg.Proposal.Deltas,
		State:            state,
		StateCommitment:  state.Commit(),
		Rejected:         nil,
		Timestamp:        m.clock().Now().UTC().UnixNano(),
		ProposerID:       msg.Sender.Bytes(),
	}

	token, err := m.Api.MakeVoteToken(m.CurView)
	switch {
	case err != nil:
		m.log().Errorw("vote_token_failed", "view", m.CurView, "err", err)
	case token == nil:
		m.log().Infow("not_elected_to_committee", "view", m.CurView)
	default:
		m.log().Infow("elected_to_committee", "view", m.CurView)
		signature := m.Api.SignDAVote(blockCommitment)
		vote := DAVote{
			JustifyQCCommitment: m.HighQC.Commit(),
			Signature:           signature,
			BlockCommitment:     blockCommitment,
			CurrentView:         m.CurView,
			VoteToken:           token,
		}

		// Send under a read guard of consensus state, so the metric
		// update observes the same snapshot the vote was formed on.
		m.Consensus.mu.RLock()
		if err := m.Api.SendDirectMessage(ctx, msg.Sender, vote); err != nil {
			m.Consensus.metrics.FailedToSendMessages.Inc()
			m.log().Warnw("vote_send_failed", "view", m.CurView, "leader", msg.Sender, "err", err)
		} else {
			m.Consensus.metrics.OutgoingDirectMessages.Inc()
		}
		m.Consensus.mu.RUnlock()
	}

	return leaf, false
}

// RunView runs one view of the DA committee member.
func (m *DAMember) RunView(ctx context.Context) {
	m.log().Infow("member_task_started", "view", m.CurView)
	viewLeaderKey := m.Api.GetLeader(ctx, m.CurView)

	leaf := m.findValidMsg(ctx, viewLeaderKey)
	if leaf == nil {
		// Timed out or could not accept a proposal; the absent state-map
		// entry is the only durable signal.
		m.Consensus.metrics.AbortedViews.Inc()
		return
	}

	// Record the decision. A single write section covers the state-map
	// entry, the leaf body, and the persistence call, so no other writer
	// can interleave.
	m.Consensus.mu.Lock()
	digest := leaf.Commit()
	m.Consensus.stateMap[m.CurView] = LeafView(digest)
	m.Consensus.savedLeaves[digest] = leaf

	// Only the latest leaf is persisted; that is all recovery retrieves.
	if err := m.Api.StoreLeaf(ctx, m.CurView, leaf); err != nil {
		m.log().Errorw("store_leaf_failed", "view", m.CurView, "leaf", digest, "err", err)
	}
	m.Consensus.mu.Unlock()

	m.Consensus.metrics.DecidedViews.Inc()
	m.log().Infow("view_decided", "view", m.CurView, "leaf", digest, "height", leaf.Height)
}

func (m *DAMember) log() *zap.SugaredLogger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop().Sugar()
}

func (m *DAMember) clock() util.Clock {
	if m.Clock != nil {
		return m.Clock
	}
	return util.RealClock{}
}
