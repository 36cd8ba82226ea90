package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(ProposalWire{})
	gob.Register(VoteWire{})
}

type ProposalWire struct {
	Proposal []byte // gob-encoded consensus.ProposalMessage
}

type VoteWire struct {
	Vote   []byte // gob-encoded consensus.DAVote
	Sender []byte // sender public key share
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
