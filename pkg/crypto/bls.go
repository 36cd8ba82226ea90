package crypto

import (
	"encoding/hex"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

// PubKeySize is the compressed G1 encoding of a public key share.
const PubKeySize = 48

// PubKey is a participant's BLS public key share. Fixed-size value type so
// it can key stake tables and peer registries directly.
type PubKey [PubKeySize]byte

func PubKeyFromBytes(b []byte) (PubKey, error) {
	var pk PubKey
	if len(b) != PubKeySize {
		return pk, fmt.Errorf("pubkey must be %d bytes, got %d", PubKeySize, len(b))
	}
	var parsed bls.PublicKey[scheme]
	if err := parsed.UnmarshalBinary(b); err != nil {
		return PubKey{}, fmt.Errorf("invalid pubkey encoding: %w", err)
	}
	copy(pk[:], b)
	return pk, nil
}

func PubKeyFromHex(s string) (PubKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PubKey{}, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	return PubKeyFromBytes(b)
}

func (p PubKey) Bytes() []byte { return append([]byte(nil), p[:]...) }

func (p PubKey) Hex() string { return hex.EncodeToString(p[:]) }

// String prints a short prefix, enough to identify a node in logs.
func (p PubKey) String() string { return hex.EncodeToString(p[:8]) }

func (p PubKey) IsZero() bool { return p == PubKey{} }

// Validate reports whether sig is a valid signature share over msg under
// this key.
func (p PubKey) Validate(sig []byte, msg []byte) bool {
	var pk bls.PublicKey[scheme]
	if err := pk.UnmarshalBinary(p[:]); err != nil {
		return false
	}
	return bls.Verify(&pk, msg, bls.Signature(sig))
}

// ShareSigner holds one participant's BLS secret key share. Its signatures
// double as VRF proofs for committee sortition and as DA vote signatures.
type ShareSigner struct {
	sk *bls.PrivateKey[scheme]
	pk PubKey
}

// NewShareSigner derives a signer from input key material (>= 32 bytes).
func NewShareSigner(ikm []byte) (*ShareSigner, error) {
	sk, err := bls.KeyGen[scheme](ikm, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	raw, err := sk.PublicKey().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal pubkey: %w", err)
	}
	var pk PubKey
	copy(pk[:], raw)
	return &ShareSigner{sk: sk, pk: pk}, nil
}

func (s *ShareSigner) PubKey() PubKey { return s.pk }

func (s *ShareSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

// Aggregate combines signature shares over the same message.
func Aggregate(sigBytesList [][]byte) []byte {
	sigs := make([]bls.Signature, 0, len(sigBytesList))
	for _, sb := range sigBytesList {
		if len(sb) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(sb))
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil
	}
	return agg
}

func VerifyAggregateSameMsg(pks []PubKey, msg []byte, aggSig []byte) bool {
	parsed := make([]*bls.PublicKey[scheme], 0, len(pks))
	for _, p := range pks {
		var pk bls.PublicKey[scheme]
		if err := pk.UnmarshalBinary(p[:]); err != nil {
			return false
		}
		parsed = append(parsed, &pk)
	}
	msgs := make([][]byte, len(parsed))
	for i := range msgs {
		msgs[i] = msg
	}
	return bls.VerifyAggregate(parsed, msgs, bls.Signature(aggSig))
}
