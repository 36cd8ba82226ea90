package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/daquorum/daquorum/pkg/app/ledger"
	"github.com/daquorum/daquorum/pkg/consensus"
	"github.com/daquorum/daquorum/pkg/node"
)

// Server handles the REST status API and WebSocket connections
type Server struct {
	node   *node.Node
	router *mux.Router
	hub    *Hub
}

// NewServer creates a new API server
func NewServer(n *node.Node) *Server {
	s := &Server{
		node:   n,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Chain endpoints
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")
	api.HandleFunc("/views/{view}", s.handleGetView).Methods("GET")
	api.HandleFunc("/leaves/{digest}", s.handleGetLeaf).Methods("GET")

	// Transfer submission
	api.HandleFunc("/transfers", s.handleSubmitTransfer).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check + metrics
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// BroadcastDecided publishes a decided leaf on the WebSocket feed.
// Wire it to node.OnDecided.
func (s *Server) BroadcastDecided(leaf *consensus.Leaf) {
	s.hub.BroadcastLeaf(LeafUpdate{
		Type:   "leaf",
		Digest: leaf.Commit().Hex(),
		View:   uint64(leaf.ViewNumber),
		Height: leaf.Height,
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	respondJSON(w, ChainStatus{
		View:        uint64(st.View),
		Height:      st.Height,
		AnchorLeaf:  st.AnchorLeaf.Hex(),
		MempoolSize: st.Mempool,
		Validators:  st.Validators,
	})
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	v, err := strconv.ParseUint(vars["view"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid view", err.Error())
		return
	}

	inner, ok := s.node.ViewEntry(consensus.View(v))
	if !ok {
		respondJSON(w, ViewInfo{View: v, Status: "unknown"})
		return
	}
	if inner.Failed() {
		respondJSON(w, ViewInfo{View: v, Status: "failed"})
		return
	}
	digest, _ := inner.Leaf()
	respondJSON(w, ViewInfo{View: v, Status: "decided", Leaf: digest.Hex()})
}

func (s *Server) handleGetLeaf(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	digest, err := consensus.CommitmentFromHex(vars["digest"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid digest", err.Error())
		return
	}

	leaf, ok := s.node.LeafByDigest(digest)
	if !ok {
		respondError(w, http.StatusNotFound, "leaf not found", "")
		return
	}

	info := LeafInfo{
		Digest:          digest.Hex(),
		View:            uint64(leaf.ViewNumber),
		Height:          leaf.Height,
		Parent:          leaf.ParentCommitment.Hex(),
		JustifyView:     uint64(leaf.JustifyQC.ViewNumber),
		StateCommitment: leaf.StateCommitment.Hex(),
		Timestamp:       leaf.Timestamp,
		Proposer:        leaf.ProposerID,
	}
	if block, ok := leaf.Deltas.(*ledger.Block); ok {
		info.Transfers = len(block.Transfers)
	}
	respondJSON(w, info)
}

func (s *Server) handleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	if !common.IsHexAddress(req.From) || !common.IsHexAddress(req.To) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	t := ledger.Transfer{
		From:      common.HexToAddress(req.From),
		To:        common.HexToAddress(req.To),
		Amount:    req.Amount,
		Nonce:     req.Nonce,
		Signature: req.Signature,
	}
	if err := s.node.SubmitTransfer(t); err != nil {
		respondJSON(w, SubmitTransferResponse{Status: "rejected", Message: err.Error()})
		return
	}
	respondJSON(w, SubmitTransferResponse{Status: "submitted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func respondError(w http.ResponseWriter, code int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}
