package validation

import (
	"fmt"
	"time"

	"github.com/bardlex/poolcore/internal/jobs"
)

// Submission carries the miner-supplied fields of one mining.submit.
type Submission struct {
	JobID       string
	Worker      string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// DifficultyState is the connection's difficulty as seen by validation.
type DifficultyState struct {
	Current   float64
	Previous  float64   // 0 when the connection was never retargeted
	ChangedAt time.Time // when Current replaced Previous
}

// Hasher computes proof-of-work for a submission. The result is the hash as
// a big-endian number. Implementations must be safe for concurrent use.
type Hasher interface {
	Compute(job *jobs.Job, sub Submission) ([]byte, error)
}

// BlockSerializer builds the block a winning submission completes.
type BlockSerializer interface {
	SerializeBlock(job *jobs.Job, sub Submission) (payload, blockHash string, err error)
}

// Reject codes shared with the Stratum layer.
const (
	CodeOther         = 20
	CodeJobNotFound   = 21
	CodeDuplicate     = 22
	CodeLowDifficulty = 23
)

// Reason classifies a rejection for counters and ban decisions.
type Reason string

const (
	ReasonMalformed     Reason = "malformed"
	ReasonStale         Reason = "stale"
	ReasonDuplicate     Reason = "duplicate"
	ReasonLowDifficulty Reason = "low_difficulty"
	ReasonHashFailure   Reason = "hash_failure"
	ReasonTimeSkew      Reason = "time_skew"
)

// RejectError is returned for every refused submission.
type RejectError struct {
	Code    int
	Reason  Reason
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

func reject(code int, reason Reason, format string, args ...any) *RejectError {
	return &RejectError{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}
