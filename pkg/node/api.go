package node

import (
	"context"
	"fmt"

	"github.com/daquorum/daquorum/pkg/consensus"
	"github.com/daquorum/daquorum/pkg/crypto"
)

// apiImpl is the capability bundle handed to a member task, backed by the
// node's election engine, signer, transport, and leaf store.
type apiImpl struct {
	n *Node
}

var _ consensus.Api = (*apiImpl)(nil)

func (a *apiImpl) GetLeader(ctx context.Context, viewNumber consensus.View) crypto.PubKey {
	return a.n.committee.GetLeader(a.n.committee.StateTable(), uint64(viewNumber))
}

// MakeVoteToken runs sortition against the block proposed for the view.
// The proposal's block commitment is the next-state input of the committee
// seed, so every participant proves over the same input.
func (a *apiImpl) MakeVoteToken(viewNumber consensus.View) (crypto.Proof, error) {
	a.n.mu.Lock()
	blockCommitment, ok := a.n.blockByView[viewNumber]
	a.n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no proposal observed for view %d", viewNumber)
	}
	table := a.n.committee.StateTable()
	token := a.n.committee.MakeVoteToken(table, a.n.threshold, uint64(viewNumber), a.n.signer, [32]byte(blockCommitment))
	return token, nil
}

func (a *apiImpl) SignDAVote(blockCommitment consensus.Commitment) []byte {
	return a.n.signer.Sign(blockCommitment[:])
}

func (a *apiImpl) SendDirectMessage(ctx context.Context, to crypto.PubKey, vote consensus.DAVote) error {
	if to == a.n.signer.PubKey() {
		// the leader votes for its own proposal without a network hop
		a.n.onVote(&consensus.VoteMessage{Vote: vote, Sender: to})
		return nil
	}
	if a.n.net == nil {
		return fmt.Errorf("no network configured")
	}
	return a.n.net.SendVote(ctx, to, vote)
}

func (a *apiImpl) StoreLeaf(ctx context.Context, viewNumber consensus.View, leaf *consensus.Leaf) error {
	if a.n.store == nil {
		return nil
	}
	return a.n.store.PutLeaf(viewNumber, leaf)
}
