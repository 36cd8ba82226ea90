package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"lukechampine.com/blake3"

	"github.com/daquorum/daquorum/pkg/crypto"
)

// View is the logical consensus round, strictly increasing.
type View uint64

// Commitment is a BLAKE3-256 content digest.
type Commitment [32]byte

func (c Commitment) Hex() string { return hex.EncodeToString(c[:]) }

func (c Commitment) String() string { return hex.EncodeToString(c[:8]) }

func (c Commitment) IsZero() bool { return c == Commitment{} }

func CommitmentFromHex(s string) (Commitment, error) {
	var c Commitment
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(c) {
		return Commitment{}, errInvalidCommitmentHex
	}
	copy(c[:], b)
	return c, nil
}

var errInvalidCommitmentHex = errors.New("invalid commitment hex")

// Deltas is a block payload: the data the DA committee attests to.
type Deltas interface {
	Commit() Commitment
}

// State is the application state a leaf points at. ValidateBlock is the
// structural pre-check on proposed deltas; Append produces the successor
// state or fails.
type State interface {
	ValidateBlock(deltas Deltas, viewNumber View) bool
	Append(deltas Deltas, viewNumber View) (State, error)
	Commit() Commitment
}

// QuorumCertificate certifies a block at a view. The member treats it as
// opaque apart from its view number and digest.
type QuorumCertificate struct {
	BlockCommitment Commitment
	LeafCommitment  Commitment
	ViewNumber      View
	Signature       []byte // aggregated DA vote shares
	Genesis         bool
}

func (qc *QuorumCertificate) Commit() Commitment {
	h := blake3.New(32, nil)
	h.Write([]byte("QC"))
	h.Write(qc.BlockCommitment[:])
	h.Write(qc.LeafCommitment[:])
	writeU64(h, uint64(qc.ViewNumber))
	h.Write(qc.Signature)
	if qc.Genesis {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	var out Commitment
	copy(out[:], h.Sum(nil))
	return out
}

// Leaf is a block plus its derived state pointer at a view, linked to its
// parent by commitment.
type Leaf struct {
	ViewNumber       View
	Height           uint64
	JustifyQC        QuorumCertificate
	ParentCommitment Commitment
	Deltas           Deltas
	// State is the concrete application state after applying Deltas, or
	// nil when only StateCommitment is known.
	State           State
	StateCommitment Commitment
	Rejected        []Commitment
	// Timestamp is UTC unix nanoseconds at leaf construction.
	Timestamp  int64
	ProposerID []byte
}

// Commit returns the canonical leaf digest.
func (l *Leaf) Commit() Commitment {
	h := blake3.New(32, nil)
	h.Write([]byte("DA leaf"))
	writeU64(h, uint64(l.ViewNumber))
	writeU64(h, l.Height)
	qc := l.JustifyQC.Commit()
	h.Write(qc[:])
	h.Write(l.ParentCommitment[:])
	if l.Deltas != nil {
		d := l.Deltas.Commit()
		h.Write(d[:])
	}
	h.Write(l.StateCommitment[:])
	for _, r := range l.Rejected {
		h.Write(r[:])
	}
	writeU64(h, uint64(l.Timestamp))
	h.Write(l.ProposerID)
	var out Commitment
	copy(out[:], h.Sum(nil))
	return out
}

// DAProposal is the body of a leader's proposal message.
type DAProposal struct {
	Deltas     Deltas
	ViewNumber View
}

// DAVote is a committee member's data-availability vote, sent directly to
// the view leader.
type DAVote struct {
	JustifyQCCommitment Commitment
	Signature           []byte
	BlockCommitment     Commitment
	CurrentView         View
	VoteToken           crypto.Proof
}

func writeU64(h io.Writer, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}
