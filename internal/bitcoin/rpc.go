package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/retry"
)

// RPCConfig addresses a Bitcoin Core compatible daemon.
type RPCConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	// OnBreakerChange is forwarded to the RPC circuit breaker.
	OnBreakerChange func(name string, from, to circuit.State)
}

// RPCClient wraps btcd's RPC client with a circuit breaker and retries.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	submitConfig   *retry.Config
}

// NewRPCClient creates an HTTP POST client. No connection is made until
// the first call.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "daemon_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
			OnStateChange:   cfg.OnBreakerChange,
		}),
		retryConfig: retry.NetworkConfig(),
		// Block submission is time critical.
		submitConfig: &retry.Config{
			MaxAttempts: 2,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
			Multiplier:  1.5,
		},
	}, nil
}

// Close shuts the underlying client down.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate requests a segwit template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}

			template, err := receive(ctx, c.client.GetBlockTemplateAsync(req).Receive)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeChain, "get_block_template",
					"failed to retrieve block template")
			}
			return template, nil
		})
	})
}

// GetBlockchainInfo returns the daemon's view of the chain.
func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockChainInfoResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockChainInfoResult, error) {
			info, err := receive(ctx, c.client.GetBlockChainInfoAsync().Receive)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeChain, "get_blockchain_info",
					"failed to retrieve blockchain information")
			}
			return info, nil
		})
	})
}

// GetConnectionCount returns the daemon's peer count.
func (c *RPCClient) GetConnectionCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			n, err := receive(ctx, c.client.GetConnectionCountAsync().Receive)
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeChain, "get_connection_count",
					"failed to retrieve peer count")
			}
			return n, nil
		})
	})
}

// SubmitBlock hands a solved block to the daemon. A rejection reason from
// the daemon is returned as a non-retryable chain error.
func (c *RPCClient) SubmitBlock(ctx context.Context, block *wire.MsgBlock) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.submitConfig, func() error {
			_, err := receive(ctx, func() (struct{}, error) {
				return struct{}{}, c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive()
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeChain, "submit_block",
					"daemon did not accept block").
					WithContext("block_hash", block.BlockHash().String())
			}
			return nil
		})
	})
}

// Ping checks connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			_, err := receive(ctx, func() (struct{}, error) {
				return struct{}{}, c.client.PingAsync().Receive()
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"daemon connectivity check failed")
			}
			return nil
		})
	})
}

// receive waits for an rpcclient future but gives up when ctx is done.
// rpcclient futures carry no context of their own.
func receive[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "rpc_wait", "daemon call abandoned").
			AsRetryable(false)
	}
}
