package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/daquorum/daquorum/pkg/consensus"
	"github.com/daquorum/daquorum/pkg/crypto"
)

const (
	topicProposal = "daq-proposal"
	protocolVote  = protocol.ID("/daq/vote/1.0.0")
)

// Handlers are the inbound message callbacks the consensus runner
// registers.
type Handlers struct {
	OnProposal func(msg *consensus.ProposalMessage)
	OnVote     func(msg *consensus.VoteMessage)
}

// Network carries consensus traffic over libp2p: proposals on a GossipSub
// topic, DA votes by unicast stream to the view leader.
type Network struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self crypto.PubKey

	tProposal   *pubsub.Topic
	subProposal *pubsub.Subscription

	muPeers sync.RWMutex
	peers   map[crypto.PubKey]peer.AddrInfo // participant key → libp2p peer

	muH      sync.RWMutex
	handlers Handlers
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Self       crypto.PubKey
	Logger     *zap.SugaredLogger
}

func NewNetwork(ctx context.Context, cfg Config) (*Network, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	net := &Network{
		h:     h,
		ps:    ps,
		log:   cfg.Logger,
		self:  cfg.Self,
		peers: make(map[crypto.PubKey]peer.AddrInfo),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if net.tProposal, err = ps.Join(topicProposal); err != nil {
		return nil, err
	}
	if net.subProposal, err = net.tProposal.Subscribe(); err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocolVote, net.handleVoteStream)
	go net.handleProposals(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// AddPeer registers the libp2p address of a participant key, so votes can
// be unicast to it.
func (n *Network) AddPeer(key crypto.PubKey, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	n.muPeers.Lock()
	n.peers[key] = *info
	n.muPeers.Unlock()
	return nil
}

func (n *Network) SetHandlers(h Handlers) {
	n.muH.Lock()
	n.handlers = h
	n.muH.Unlock()
}

func (n *Network) getHandlers() Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

// BroadcastProposal publishes a signed proposal to all participants.
func (n *Network) BroadcastProposal(ctx context.Context, msg *consensus.ProposalMessage) error {
	inner, err := gobEncode(msg)
	if err != nil {
		return err
	}
	data, err := gobEncode(ProposalWire{Proposal: inner})
	if err != nil {
		return err
	}
	return n.tProposal.Publish(ctx, data)
}

// SendVote unicasts a DA vote to the holder of a participant key.
func (n *Network) SendVote(ctx context.Context, to crypto.PubKey, vote consensus.DAVote) error {
	n.muPeers.RLock()
	info, ok := n.peers[to]
	n.muPeers.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: no peer registered for %s", to)
	}

	if err := n.h.Connect(ctx, info); err != nil {
		return fmt.Errorf("p2p: connect %s: %w", info.ID, err)
	}
	s, err := n.h.NewStream(ctx, info.ID, protocolVote)
	if err != nil {
		return fmt.Errorf("p2p: open vote stream: %w", err)
	}
	defer s.Close()

	inner, err := gobEncode(vote)
	if err != nil {
		return err
	}
	data, err := gobEncode(VoteWire{Vote: inner, Sender: n.self.Bytes()})
	if err != nil {
		return err
	}
	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("p2p: write vote: %w", err)
	}
	return s.CloseWrite()
}

func (n *Network) handleProposals(ctx context.Context) {
	for {
		raw, err := n.subProposal.Next(ctx)
		if err != nil {
			return
		}
		// Self-published proposals are delivered too; the leader's own
		// member task consumes them like any other.
		var wire ProposalWire
		if err := gobDecode(raw.Data, &wire); err != nil {
			n.warn("proposal_decode_failed", "err", err)
			continue
		}
		var msg consensus.ProposalMessage
		if err := gobDecode(wire.Proposal, &msg); err != nil {
			n.warn("proposal_decode_failed", "err", err)
			continue
		}
		if h := n.getHandlers(); h.OnProposal != nil {
			h.OnProposal(&msg)
		}
	}
}

func (n *Network) handleVoteStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		n.warn("vote_read_failed", "err", err)
		return
	}
	var wire VoteWire
	if err := gobDecode(data, &wire); err != nil {
		n.warn("vote_decode_failed", "err", err)
		return
	}
	sender, err := crypto.PubKeyFromBytes(wire.Sender)
	if err != nil {
		n.warn("vote_bad_sender", "err", err)
		return
	}
	var vote consensus.DAVote
	if err := gobDecode(wire.Vote, &vote); err != nil {
		n.warn("vote_decode_failed", "err", err)
		return
	}
	if h := n.getHandlers(); h.OnVote != nil {
		h.OnVote(&consensus.VoteMessage{Vote: vote, Sender: sender})
	}
}

// Host exposes the underlying libp2p host (peer id, listen addrs).
func (n *Network) Host() host.Host { return n.h }

func (n *Network) Close() error { return n.h.Close() }

func (n *Network) warn(msg string, kv ...any) {
	if n.log != nil {
		n.log.Warnw(msg, kv...)
	}
}
