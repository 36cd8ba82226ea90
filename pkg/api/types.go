package api

import "github.com/ethereum/go-ethereum/common/hexutil"

// API response types for REST endpoints and WebSocket messages

// ChainStatus represents consensus layer status
type ChainStatus struct {
	View        uint64        `json:"view"`        // Current consensus view
	Height      uint64        `json:"height"`      // Height of the anchor leaf
	AnchorLeaf  string        `json:"anchorLeaf"`  // Digest of the latest decided leaf
	MempoolSize int           `json:"mempoolSize"` // Pending transfers
	Validators  int           `json:"validators"`  // Stake table size
}

// ViewInfo describes how a view resolved
type ViewInfo struct {
	View   uint64 `json:"view"`
	Status string `json:"status"`         // "decided", "failed", "unknown"
	Leaf   string `json:"leaf,omitempty"` // digest when decided
}

// LeafInfo is the JSON rendering of a decided leaf
type LeafInfo struct {
	Digest          string        `json:"digest"`
	View            uint64        `json:"view"`
	Height          uint64        `json:"height"`
	Parent          string        `json:"parent"`
	JustifyView     uint64        `json:"justifyView"`
	StateCommitment string        `json:"stateCommitment"`
	Timestamp       int64         `json:"timestamp"` // UTC unix nanos
	Proposer        hexutil.Bytes `json:"proposer"`
	Transfers       int           `json:"transfers"`
}

// SubmitTransferRequest is the payload for POST /api/v1/transfers
type SubmitTransferRequest struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Amount    uint64        `json:"amount"`
	Nonce     uint64        `json:"nonce"`
	Signature hexutil.Bytes `json:"signature"`
}

// SubmitTransferResponse is the response from transfer submission
type SubmitTransferResponse struct {
	Status  string `json:"status"` // "submitted", "rejected"
	Message string `json:"message,omitempty"`
}

// LeafUpdate is broadcast on the WebSocket feed on every decided view
type LeafUpdate struct {
	Type   string `json:"type"` // "leaf"
	Digest string `json:"digest"`
	View   uint64 `json:"view"`
	Height uint64 `json:"height"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
