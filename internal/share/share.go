// Package share defines the record produced for every accepted submission.
package share

import "time"

// Share is the outcome of one validated submission. It is treated as
// immutable once handed to persistence or the relay.
type Share struct {
	PoolID            string    `json:"poolId"`
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker,omitempty"`
	UserAgent         string    `json:"userAgent,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	Source            string    `json:"source,omitempty"`
	JobID             string    `json:"jobId"`
	BlockHeight       int64     `json:"blockHeight"`
	Difficulty        float64   `json:"difficulty"`
	ActualDifficulty  float64   `json:"actualDifficulty"`
	NetworkDifficulty float64   `json:"networkDifficulty"`
	IsBlockCandidate  bool      `json:"isBlockCandidate"`
	BlockHash         string    `json:"blockHash,omitempty"`
	ConfirmationData  string    `json:"confirmationData,omitempty"`
	Created           time.Time `json:"created"`
}

// RevokeCandidate clears the block-candidate flag and everything that only
// makes sense for a submitted block.
func (s *Share) RevokeCandidate() {
	s.IsBlockCandidate = false
	s.BlockHash = ""
	s.ConfirmationData = ""
}

// Clone returns a shallow copy that can be tagged or modified independently.
func (s *Share) Clone() *Share {
	c := *s
	return &c
}
