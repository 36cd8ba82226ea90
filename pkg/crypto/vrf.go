package crypto

import (
	"lukechampine.com/blake3"
)

// Proof is a VRF proof: a BLS signature share over the VRF input.
type Proof []byte

// Vrf is the capability set the election engine is polymorphic over.
// Prove produces a proof under a secret key share, Evaluate maps a proof to
// its pseudo-random output, and Verify checks a proof against a public key
// share and the claimed input.
type Vrf interface {
	Prove(sk *ShareSigner, input [32]byte) Proof
	Evaluate(proof Proof) [32]byte
	Verify(proof Proof, pk PubKey, input [32]byte) bool
}

// BLSVrf implements Vrf over BLS12-381 signature shares. The output is a
// BLAKE3 hash of the serialized share under the "VRF output" domain tag.
type BLSVrf struct{}

func (BLSVrf) Prove(sk *ShareSigner, input [32]byte) Proof {
	return Proof(sk.Sign(input[:]))
}

func (BLSVrf) Evaluate(proof Proof) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte("VRF output"))
	h.Write(proof)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (BLSVrf) Verify(proof Proof, pk PubKey, input [32]byte) bool {
	return pk.Validate(proof, input[:])
}

var _ Vrf = BLSVrf{}
