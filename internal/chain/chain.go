// Package chain defines what the pool core needs from a blockchain daemon.
package chain

import (
	"context"
	"math/big"
)

// Template is a chain-specific block template snapshot. The core only reads
// the fields below; everything else stays behind the adapter.
type Template interface {
	Height() int64
	PrevHash() string
	// Target is the network target a block hash must not exceed.
	Target() *big.Int
	NetworkDifficulty() float64
}

// SyncStatus describes how far the daemon is from the network tip.
type SyncStatus struct {
	Synced   bool
	Progress float64 // 0..1
	Blocks   int64
	Headers  int64
	Peers    int
}

// Adapter is the daemon-facing capability of one chain family.
type Adapter interface {
	// GetLatestTemplate fetches the current block template.
	GetLatestTemplate(ctx context.Context) (Template, error)
	// SubmitBlock submits a serialized block and reports whether the daemon
	// accepted it together with chain-specific confirmation data.
	SubmitBlock(ctx context.Context, payload string) (accepted bool, confirmation string, err error)
	// SyncStatus reports whether the daemon has caught up with its peers.
	SyncStatus(ctx context.Context) (SyncStatus, error)
	// JobParams builds the mining.notify parameters for a job.
	JobParams(jobID string, tpl Template, cleanJobs bool) []any
}

// TemplateEqualFunc reports whether next describes the same work as current.
type TemplateEqualFunc func(current, next Template) bool

// SameTip treats two templates as equal when they build on the same block
// at the same height.
func SameTip(current, next Template) bool {
	if current == nil || next == nil {
		return false
	}
	return current.PrevHash() == next.PrevHash() && current.Height() == next.Height()
}

// PushSource delivers out-of-band "new block" notifications.
type PushSource interface {
	Listen(ctx context.Context, notify func()) error
}
