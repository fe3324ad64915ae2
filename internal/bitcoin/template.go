package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// diff1Target is the difficulty-1 target shared by Bitcoin networks.
var diff1Target = blockchain.CompactToBig(0x1d00ffff)

// TemplateOptions are the pool-side inputs to job construction.
type TemplateOptions struct {
	PayoutScript   []byte
	CoinbaseTag    []byte
	ExtraNonceSize int // extranonce1 + extranonce2 bytes
}

// Template is a daemon block template with the coinbase halves and merkle
// branch already computed. It is immutable and shared by every job built
// from it.
type Template struct {
	height   int64
	prevHash chainhash.Hash
	version  int32
	bits     uint32
	curTime  int64
	target   *big.Int
	netDiff  float64

	coinbase       coinbaseParts
	extraNonceSize int
	witness        bool
	branch         []chainhash.Hash
	txs            []*wire.MsgTx
}

// NewTemplate prepares res for mining.
func NewTemplate(res *btcjson.GetBlockTemplateResult, opts TemplateOptions) (*Template, error) {
	if res == nil {
		return nil, fmt.Errorf("nil block template")
	}
	if res.CoinbaseValue == nil {
		return nil, fmt.Errorf("template at height %d has no coinbase value", res.Height)
	}

	prev, err := chainhash.NewHashFromStr(res.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("previous block hash: %w", err)
	}
	bits, err := strconv.ParseUint(res.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("bits %q: %w", res.Bits, err)
	}

	target := blockchain.CompactToBig(uint32(bits))
	if res.Target != "" {
		t, ok := new(big.Int).SetString(res.Target, 16)
		if !ok {
			return nil, fmt.Errorf("target %q is not hex", res.Target)
		}
		target = t
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive target")
	}

	txs := make([]*wire.MsgTx, 0, len(res.Transactions))
	hashes := make([]chainhash.Hash, 0, len(res.Transactions))
	for i, t := range res.Transactions {
		raw, err := hex.DecodeString(t.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		txs = append(txs, tx)
		hashes = append(hashes, tx.TxHash())
	}

	var commitment []byte
	if res.DefaultWitnessCommitment != "" {
		commitment, err = hex.DecodeString(res.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("witness commitment: %w", err)
		}
	}

	parts, err := buildCoinbase(coinbaseInputs{
		height:            res.Height,
		value:             *res.CoinbaseValue,
		payoutScript:      opts.PayoutScript,
		tag:               opts.CoinbaseTag,
		extraNonceSize:    opts.ExtraNonceSize,
		witnessCommitment: commitment,
	})
	if err != nil {
		return nil, err
	}

	return &Template{
		height:         res.Height,
		prevHash:       *prev,
		version:        res.Version,
		bits:           uint32(bits),
		curTime:        res.CurTime,
		target:         target,
		netDiff:        targetDifficulty(target),
		coinbase:       parts,
		extraNonceSize: opts.ExtraNonceSize,
		witness:        commitment != nil,
		branch:         coinbaseBranch(hashes),
		txs:            txs,
	}, nil
}

func (t *Template) Height() int64 { return t.height }

// PrevHash returns the previous block hash in display order.
func (t *Template) PrevHash() string { return t.prevHash.String() }

func (t *Template) Target() *big.Int { return t.target }

func (t *Template) NetworkDifficulty() float64 { return t.netDiff }

// TxCount returns the number of non-coinbase transactions.
func (t *Template) TxCount() int { return len(t.txs) }

// notifyParams renders the mining.notify parameter list.
func (t *Template) notifyParams(jobID string, cleanJobs bool) []any {
	branch := make([]string, len(t.branch))
	for i, h := range t.branch {
		branch[i] = hex.EncodeToString(h[:])
	}
	return []any{
		jobID,
		stratumPrevHash(t.prevHash),
		hex.EncodeToString(t.coinbase.coinb1),
		hex.EncodeToString(t.coinbase.coinb2),
		branch,
		fmt.Sprintf("%08x", uint32(t.version)),
		fmt.Sprintf("%08x", t.bits),
		fmt.Sprintf("%08x", uint32(t.curTime)),
		cleanJobs,
	}
}

// stratumPrevHash byte-swaps each 32-bit word of the internal hash order,
// which is how Stratum v1 miners expect the previous hash.
func stratumPrevHash(h chainhash.Hash) string {
	var b [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = h[i+3], h[i+2], h[i+1], h[i]
	}
	return hex.EncodeToString(b[:])
}

func targetDifficulty(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), new(big.Float).SetInt(target))
	d, _ := q.Float64()
	return d
}
