package consensus

import (
	"context"

	"github.com/daquorum/daquorum/pkg/crypto"
)

// Api is the capability bundle the outer system provides to a view task:
// leader lookup, sortition, signing, direct send, and persistence.
type Api interface {
	// GetLeader returns the leader key for a view; deterministic per view.
	GetLeader(ctx context.Context, viewNumber View) crypto.PubKey

	// MakeVoteToken attempts sortition for the local node. A nil token
	// with a nil error means the node was not elected this view.
	MakeVoteToken(viewNumber View) (crypto.Proof, error)

	// SignDAVote signs a block commitment with the node's DA key.
	SignDAVote(blockCommitment Commitment) []byte

	// SendDirectMessage unicasts a DA vote; best effort.
	SendDirectMessage(ctx context.Context, to crypto.PubKey, vote DAVote) error

	// StoreLeaf persists the latest decided leaf; idempotent.
	StoreLeaf(ctx context.Context, viewNumber View, leaf *Leaf) error
}
