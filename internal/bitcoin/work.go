package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/validation"
)

// Work rebuilds block headers and blocks from Stratum submissions against
// Bitcoin templates. It is stateless.
type Work struct{}

// Compute returns the double SHA-256 of the submitted header as a big-endian
// number.
func (Work) Compute(job *jobs.Job, sub validation.Submission) ([]byte, error) {
	_, header, _, err := assemble(job, sub)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := header.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize header: %w", err)
	}

	h := doubleSHA256(buf.Bytes())
	out := make([]byte, len(h))
	for i := range h {
		out[i] = h[len(h)-1-i]
	}
	return out, nil
}

// SerializeBlock returns the full block as hex together with its hash.
func (Work) SerializeBlock(job *jobs.Job, sub validation.Submission) (string, string, error) {
	tpl, header, coinbase, err := assemble(job, sub)
	if err != nil {
		return "", "", err
	}

	cb := new(wire.MsgTx)
	if err := cb.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
		return "", "", fmt.Errorf("decode coinbase: %w", err)
	}
	if tpl.witness {
		// BIP 141 witness reserved value.
		cb.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
	}

	block := wire.MsgBlock{
		Header:       header,
		Transactions: append([]*wire.MsgTx{cb}, tpl.txs...),
	}

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("serialize block: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), header.BlockHash().String(), nil
}

func assemble(job *jobs.Job, sub validation.Submission) (*Template, wire.BlockHeader, []byte, error) {
	tpl, ok := job.Template.(*Template)
	if !ok {
		return nil, wire.BlockHeader{}, nil, fmt.Errorf("job %s does not carry a bitcoin template", job.ID)
	}

	coinbase, err := assembleCoinbase(tpl.coinbase, sub.ExtraNonce1, sub.ExtraNonce2, tpl.extraNonceSize)
	if err != nil {
		return nil, wire.BlockHeader{}, nil, err
	}

	ntime, err := strconv.ParseUint(sub.NTime, 16, 32)
	if err != nil {
		return nil, wire.BlockHeader{}, nil, fmt.Errorf("ntime: %w", err)
	}
	nonce, err := strconv.ParseUint(sub.Nonce, 16, 32)
	if err != nil {
		return nil, wire.BlockHeader{}, nil, fmt.Errorf("nonce: %w", err)
	}

	header := wire.BlockHeader{
		Version:    tpl.version,
		PrevBlock:  tpl.prevHash,
		MerkleRoot: merkleRootFromBranch(doubleSHA256(coinbase), tpl.branch),
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       tpl.bits,
		Nonce:      uint32(nonce),
	}
	return tpl, header, coinbase, nil
}
