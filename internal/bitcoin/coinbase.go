package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// maxCoinbaseScript is the consensus limit on the coinbase input script.
const maxCoinbaseScript = 100

// coinbaseParts are the serialized coinbase halves sent to miners. The full
// transaction is coinb1 || extranonce1 || extranonce2 || coinb2.
type coinbaseParts struct {
	coinb1 []byte
	coinb2 []byte
}

type coinbaseInputs struct {
	height            int64
	value             int64
	payoutScript      []byte
	tag               []byte
	extraNonceSize    int
	witnessCommitment []byte // nil when the template carries none
}

// PayoutScript returns the output script paying address on net.
func PayoutScript(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("decode payout address: %w", err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("payout address %s is not valid on %s", address, net.Name)
	}
	return txscript.PayToAddrScript(addr)
}

// buildCoinbase serializes a BIP 34 coinbase and splits it around the
// extranonce placeholder. The split is taken from the legacy serialization
// because that is what the txid, and therefore the merkle root, commits to.
func buildCoinbase(in coinbaseInputs) (coinbaseParts, error) {
	heightScript, err := txscript.NewScriptBuilder().AddInt64(in.height).Script()
	if err != nil {
		return coinbaseParts{}, fmt.Errorf("height script: %w", err)
	}

	sigScript := make([]byte, 0, len(heightScript)+in.extraNonceSize+len(in.tag))
	sigScript = append(sigScript, heightScript...)
	sigScript = append(sigScript, make([]byte, in.extraNonceSize)...)
	sigScript = append(sigScript, in.tag...)
	if len(sigScript) > maxCoinbaseScript {
		return coinbaseParts{}, fmt.Errorf("coinbase script is %d bytes, limit %d", len(sigScript), maxCoinbaseScript)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(in.value, in.payoutScript))
	if in.witnessCommitment != nil {
		tx.AddTxOut(wire.NewTxOut(0, in.witnessCommitment))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return coinbaseParts{}, fmt.Errorf("serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version | input count | outpoint | script length | height push
	split := 4 + wire.VarIntSerializeSize(1) + chainhash.HashSize + 4 +
		wire.VarIntSerializeSize(uint64(len(sigScript))) + len(heightScript)

	return coinbaseParts{
		coinb1: append([]byte(nil), raw[:split]...),
		coinb2: append([]byte(nil), raw[split+in.extraNonceSize:]...),
	}, nil
}

// assembleCoinbase joins the template halves with a miner's extranonces.
func assembleCoinbase(parts coinbaseParts, extraNonce1, extraNonce2 string, extraNonceSize int) ([]byte, error) {
	en1, err := hex.DecodeString(extraNonce1)
	if err != nil {
		return nil, fmt.Errorf("extranonce1: %w", err)
	}
	en2, err := hex.DecodeString(extraNonce2)
	if err != nil {
		return nil, fmt.Errorf("extranonce2: %w", err)
	}
	if len(en1)+len(en2) != extraNonceSize {
		return nil, fmt.Errorf("extranonce is %d bytes, want %d", len(en1)+len(en2), extraNonceSize)
	}

	out := make([]byte, 0, len(parts.coinb1)+extraNonceSize+len(parts.coinb2))
	out = append(out, parts.coinb1...)
	out = append(out, en1...)
	out = append(out, en2...)
	out = append(out, parts.coinb2...)
	return out, nil
}
