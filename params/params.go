package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	// Index is this node's key share index in the devnet key set.
	Index uint64
	// KeySetSeed seeds the deterministic devnet key set shared by all
	// validators.
	KeySetSeed uint64
	DataDir    string
	LogFile    string
}

type Consensus struct {
	// Stakes lists the stake of each key share index; its length is the
	// validator count.
	Stakes []uint64
	// SelectionThreshold is the 256-bit sortition threshold, hex encoded
	// (64 chars). Per-stake-unit selection probability is threshold/2^256.
	SelectionThreshold string
	// ViewTimeout bounds how long a member waits for a valid proposal
	// before the runner closes its channel.
	ViewTimeout time.Duration
	// MaxBlockTxs caps transfers per proposed block.
	MaxBlockTxs int
	// FaucetAddress/FaucetBalance form the genesis ledger allocation.
	FaucetAddress string
	FaucetBalance uint64
}

type Network struct {
	Listen    string
	Bootstrap []string
	// Peers maps validator index to multiaddr, "0=/ip4/...,1=/ip4/..."
	Peers map[uint64]string
}

type API struct {
	Listen string
}

type Config struct {
	Node      Node
	Consensus Consensus
	Network   Network
	API       API
}

func Default() Config {
	return Config{
		Node: Node{
			Index:      0,
			KeySetSeed: 1234,
			DataDir:    "data",
			LogFile:    "data/node.log",
		},
		Consensus: Consensus{
			Stakes: []uint64{13, 13, 13, 16},
			// High bit set: every stake unit passes with probability 1/2.
			SelectionThreshold: "8000000000000000000000000000000000000000000000000000000000000000",
			ViewTimeout:        2 * time.Second,
			MaxBlockTxs:        512,
			FaucetBalance:      1_000_000,
		},
		Network: Network{Peers: map[uint64]string{}},
		API:     API{Listen: ":8666"},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("DAQ_NODE_INDEX"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.Index = n
		}
	}
	if v := os.Getenv("DAQ_KEYSET_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.KeySetSeed = n
		}
	}
	if v := os.Getenv("DAQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("DAQ_LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	if v := os.Getenv("DAQ_STAKES"); v != "" {
		var stakes []uint64
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err != nil {
				stakes = nil
				break
			}
			stakes = append(stakes, n)
		}
		if len(stakes) > 0 {
			cfg.Consensus.Stakes = stakes
		}
	}
	if v := os.Getenv("DAQ_SELECTION_THRESHOLD"); v != "" {
		cfg.Consensus.SelectionThreshold = v
	}
	if v := os.Getenv("DAQ_VIEW_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.ViewTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DAQ_MAX_BLOCK_TXS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.MaxBlockTxs = n
		}
	}
	if v := os.Getenv("DAQ_FAUCET_ADDRESS"); v != "" {
		cfg.Consensus.FaucetAddress = v
	}
	if v := os.Getenv("DAQ_FAUCET_BALANCE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Consensus.FaucetBalance = n
		}
	}

	if v := os.Getenv("DAQ_LISTEN"); v != "" {
		cfg.Network.Listen = v
	}
	if v := os.Getenv("DAQ_BOOTSTRAP"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.Network.Bootstrap = append(cfg.Network.Bootstrap, part)
			}
		}
	}
	if v := os.Getenv("DAQ_PEERS"); v != "" {
		// "0=/ip4/127.0.0.1/tcp/9001/p2p/Qm...,1=/ip4/..."
		for _, part := range strings.Split(v, ",") {
			idx, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			n, err := strconv.ParseUint(idx, 10, 64)
			if err != nil {
				continue
			}
			cfg.Network.Peers[n] = addr
		}
	}
	if v := os.Getenv("DAQ_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}

	return cfg
}
