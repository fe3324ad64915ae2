// Package bitcoin implements the chain adapter for Bitcoin Core compatible
// daemons: template retrieval over RPC, coinbase and merkle construction,
// double SHA-256 proof of work and ZMQ block notifications.
package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/internal/chain"
	"github.com/bardlex/poolcore/internal/validation"
)

// RPC is the subset of daemon RPC the adapter needs.
type RPC interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error)
	GetConnectionCount(ctx context.Context) (int64, error)
	SubmitBlock(ctx context.Context, block *wire.MsgBlock) error
}

// Compile-time interface compliance checks
var (
	_ RPC                        = (*RPCClient)(nil)
	_ chain.Adapter              = (*Adapter)(nil)
	_ chain.Template             = (*Template)(nil)
	_ chain.PushSource           = (*ZMQNotifier)(nil)
	_ validation.Hasher          = Work{}
	_ validation.BlockSerializer = Work{}
)
