package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"

	"github.com/daquorum/daquorum/pkg/consensus"
)

// Account is one ledger entry: a balance plus a nonce for replay
// protection.
type Account struct {
	Address common.Address
	Balance uint64
	Nonce   uint64
}

// State is the ledger after some chain of blocks. Append never mutates the
// receiver; each leaf owns its own state snapshot.
type State struct {
	Accounts map[common.Address]Account
}

// GenesisState builds the initial ledger from an allocation table.
func GenesisState(alloc map[common.Address]uint64) *State {
	accounts := make(map[common.Address]Account, len(alloc))
	for addr, balance := range alloc {
		accounts[addr] = Account{Address: addr, Balance: balance}
	}
	return &State{Accounts: accounts}
}

// Account returns the account for addr, zero-valued if absent.
func (s *State) Account(addr common.Address) Account {
	if acct, ok := s.Accounts[addr]; ok {
		return acct
	}
	return Account{Address: addr}
}

// ValidateBlock is the structural pre-check on proposed deltas: well-formed
// transfers, no intra-block nonce reuse. Signature and balance checks
// belong to Append.
func (s *State) ValidateBlock(deltas consensus.Deltas, viewNumber consensus.View) bool {
	block, ok := deltas.(*Block)
	if !ok {
		return false
	}
	type slot struct {
		from  common.Address
		nonce uint64
	}
	seen := make(map[slot]struct{}, len(block.Transfers))
	for i := range block.Transfers {
		t := &block.Transfers[i]
		if t.Amount == 0 {
			return false
		}
		if t.From == (common.Address{}) {
			return false
		}
		if len(t.Signature) != 65 {
			return false
		}
		k := slot{t.From, t.Nonce}
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
	}
	return true
}

// Append applies a block to the ledger, producing the successor state.
// Every transfer must carry a valid sender signature, the sender's next
// nonce, and a covered balance.
func (s *State) Append(deltas consensus.Deltas, viewNumber consensus.View) (consensus.State, error) {
	block, ok := deltas.(*Block)
	if !ok {
		return nil, fmt.Errorf("ledger: unexpected deltas type %T", deltas)
	}

	next := &State{Accounts: make(map[common.Address]Account, len(s.Accounts))}
	for addr, acct := range s.Accounts {
		next.Accounts[addr] = acct
	}

	for i := range block.Transfers {
		t := &block.Transfers[i]
		if !t.VerifySignature() {
			return nil, fmt.Errorf("ledger: bad signature on transfer %d from %s", i, t.From.Hex())
		}
		from := next.Account(t.From)
		if t.Nonce != from.Nonce+1 {
			return nil, fmt.Errorf("ledger: transfer %d nonce %d, account at %d", i, t.Nonce, from.Nonce)
		}
		if from.Balance < t.Amount {
			return nil, fmt.Errorf("ledger: transfer %d amount %d exceeds balance %d", i, t.Amount, from.Balance)
		}
		from.Balance -= t.Amount
		from.Nonce = t.Nonce
		next.Accounts[t.From] = from

		to := next.Account(t.To)
		to.Balance += t.Amount
		next.Accounts[t.To] = to
	}

	return next, nil
}

// Commit digests the ledger over its canonically sorted account table.
func (s *State) Commit() consensus.Commitment {
	addrs := make([]common.Address, 0, len(s.Accounts))
	for addr := range s.Accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})

	h := blake3.New(32, nil)
	h.Write([]byte("Ledger state"))
	var buf [8]byte
	for _, addr := range addrs {
		acct := s.Accounts[addr]
		h.Write(addr[:])
		binary.BigEndian.PutUint64(buf[:], acct.Balance)
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], acct.Nonce)
		h.Write(buf[:])
	}
	var out consensus.Commitment
	copy(out[:], h.Sum(nil))
	return out
}

var _ consensus.State = (*State)(nil)
