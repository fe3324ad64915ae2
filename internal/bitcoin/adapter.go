package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/internal/chain"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// syncedProgress is the verification progress treated as caught up.
const syncedProgress = 0.9999

// AdapterConfig describes the pool's coinbase.
type AdapterConfig struct {
	Network         *chaincfg.Params
	PayoutAddress   string
	CoinbaseTag     string
	ExtraNonce1Size int
	ExtraNonce2Size int
}

// Adapter is the chain.Adapter for Bitcoin Core compatible daemons.
type Adapter struct {
	rpc    RPC
	opts   TemplateOptions
	logger *log.Logger
}

// NewAdapter validates the payout address and returns an adapter. An
// invalid address is a fatal configuration error.
func NewAdapter(rpc RPC, cfg AdapterConfig, logger *log.Logger) (*Adapter, error) {
	net := cfg.Network
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	script, err := PayoutScript(cfg.PayoutAddress, net)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "payout_address", "invalid pool payout address").
			WithContext("address", cfg.PayoutAddress).
			WithContext("network", net.Name)
	}

	return &Adapter{
		rpc: rpc,
		opts: TemplateOptions{
			PayoutScript:   script,
			CoinbaseTag:    []byte(cfg.CoinbaseTag),
			ExtraNonceSize: cfg.ExtraNonce1Size + cfg.ExtraNonce2Size,
		},
		logger: logger.WithComponent("bitcoin"),
	}, nil
}

// GetLatestTemplate fetches and prepares the daemon's current template.
func (a *Adapter) GetLatestTemplate(ctx context.Context) (chain.Template, error) {
	res, err := a.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}
	tpl, err := NewTemplate(res, a.opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "prepare_template", "unusable block template").
			AsRetryable(false).
			WithContext("height", res.Height)
	}
	return tpl, nil
}

// SubmitBlock submits a hex block. The confirmation data is the coinbase
// txid, which identifies the pool's reward output once the block matures.
func (a *Adapter) SubmitBlock(ctx context.Context, payload string) (bool, string, error) {
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return false, "", errors.Wrap(err, errors.ErrorTypeValidation, "submit_block", "block is not hex")
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return false, "", errors.Wrap(err, errors.ErrorTypeValidation, "submit_block", "block does not decode").
			WithContext("size", len(raw))
	}
	if len(block.Transactions) == 0 {
		return false, "", errors.New(errors.ErrorTypeValidation, "submit_block", "block has no coinbase")
	}

	if err := a.rpc.SubmitBlock(ctx, block); err != nil {
		return false, "", err
	}

	txid := block.Transactions[0].TxHash().String()
	a.logger.Info("block accepted by daemon",
		"block_hash", block.BlockHash().String(),
		"coinbase_txid", txid,
	)
	return true, txid, nil
}

// SyncStatus combines blockchain info and the peer count.
func (a *Adapter) SyncStatus(ctx context.Context) (chain.SyncStatus, error) {
	info, err := a.rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return chain.SyncStatus{}, err
	}
	peers, err := a.rpc.GetConnectionCount(ctx)
	if err != nil {
		a.logger.WithError(err).Debug("peer count unavailable")
	}

	return chain.SyncStatus{
		Synced:   info.Blocks >= info.Headers && info.VerificationProgress >= syncedProgress,
		Progress: info.VerificationProgress,
		Blocks:   int64(info.Blocks),
		Headers:  int64(info.Headers),
		Peers:    int(peers),
	}, nil
}

// JobParams renders mining.notify parameters. tpl must come from this
// adapter.
func (a *Adapter) JobParams(jobID string, tpl chain.Template, cleanJobs bool) []any {
	t, ok := tpl.(*Template)
	if !ok {
		return nil
	}
	return t.notifyParams(jobID, cleanJobs)
}
