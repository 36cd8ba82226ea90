package consensus

import "github.com/daquorum/daquorum/pkg/crypto"

// ProcessedMessage is a tagged message on a member's proposal channel:
// a leader proposal, a stray vote, or a next-view interrupt.
type ProcessedMessage interface {
	// MessageView is the view the message belongs to.
	MessageView() View

	processedMessage()
}

// ProposalMessage carries a leader's DA proposal and its signature over the
// block commitment, tagged with the routed sender key.
type ProposalMessage struct {
	Proposal  DAProposal
	Signature []byte
	Sender    crypto.PubKey
}

func (m *ProposalMessage) MessageView() View { return m.Proposal.ViewNumber }

// VoteMessage carries a DA vote. Members never expect these; they are for
// the view leader.
type VoteMessage struct {
	Vote   DAVote
	Sender crypto.PubKey
}

func (m *VoteMessage) MessageView() View { return m.Vote.CurrentView }

// NextViewInterrupt signals a view timeout from the channel producer.
type NextViewInterrupt struct {
	ViewNumber View
}

func (m *NextViewInterrupt) MessageView() View { return m.ViewNumber }

func (*ProposalMessage) processedMessage()   {}
func (*VoteMessage) processedMessage()       {}
func (*NextViewInterrupt) processedMessage() {}
