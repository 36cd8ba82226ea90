// signtx signs a ledger transfer off-line and prints the JSON payload for
// POST /api/v1/transfers. With no -key it generates a fresh key pair and
// prints it alongside.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/daquorum/daquorum/pkg/app/ledger"
	"github.com/daquorum/daquorum/pkg/crypto"
)

func main() {
	keyHex := flag.String("key", "", "sender private key hex (empty: generate)")
	to := flag.String("to", "", "recipient address (0x...)")
	amount := flag.Uint64("amount", 0, "transfer amount")
	nonce := flag.Uint64("nonce", 1, "sender account nonce (next nonce)")
	flag.Parse()

	if !common.IsHexAddress(*to) {
		log.Fatalf("invalid -to address %q", *to)
	}
	if *amount == 0 {
		log.Fatal("-amount must be positive")
	}

	var signer *crypto.Signer
	var err error
	if *keyHex == "" {
		signer, err = crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Fprintf(os.Stderr, "generated key %s (address %s)\n", signer.PrivateKeyHex(), signer.Address().Hex())
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
		if err != nil {
			log.Fatalf("parse key: %v", err)
		}
	}

	t := ledger.Transfer{
		From:   signer.Address(),
		To:     common.HexToAddress(*to),
		Amount: *amount,
		Nonce:  *nonce,
	}
	digest := t.SigHash()
	t.Signature, err = signer.Sign(digest[:])
	if err != nil {
		log.Fatalf("sign: %v", err)
	}

	out := map[string]any{
		"from":      t.From.Hex(),
		"to":        t.To.Hex(),
		"amount":    t.Amount,
		"nonce":     t.Nonce,
		"signature": hexutil.Bytes(t.Signature),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
