// Package validation decides whether a submitted share is accepted and
// whether it also solves a block.
package validation

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"math/big"
	"strconv"
	"time"

	"github.com/bardlex/poolcore/internal/dedup"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/errors"
)

// ErrBlockRejected is returned when the daemon refuses a block candidate.
var ErrBlockRejected = stderrors.New("block rejected by daemon")

// diff1Target is the Bitcoin difficulty-1 target.
var diff1Target, _ = new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)

// DefaultAcceptRatio is the minimum shareDiff/currentDiff accepted.
const DefaultAcceptRatio = 0.99

// Config tunes the pipeline.
type Config struct {
	PoolID          string
	ExtraNonce2Size int           // bytes
	AcceptRatio     float64       // defaults to DefaultAcceptRatio
	GraceWindow     time.Duration // how long the previous difficulty stays acceptable
	MaxTimeSkew     time.Duration // 0 disables the ntime check
	Diff1           *big.Int      // difficulty-1 target, defaults to Bitcoin's
}

// Request is one submission to validate.
type Request struct {
	Job        *jobs.Job
	Submission Submission
	Difficulty DifficultyState
	Miner      string
	IPAddress  string
	UserAgent  string
	Now        time.Time
}

// Result is the verdict for an accepted submission.
type Result struct {
	Share           *share.Share
	ShareDifficulty float64
	BlockPayload    string // set for block candidates only
}

// Pipeline validates shares. It holds no per-connection state and is safe
// for concurrent use.
type Pipeline struct {
	cfg        Config
	hasher     Hasher
	serializer BlockSerializer
	diff1      *big.Float
}

// NewPipeline creates a pipeline around the chain's hasher and serializer.
func NewPipeline(cfg Config, hasher Hasher, serializer BlockSerializer) *Pipeline {
	if cfg.AcceptRatio <= 0 {
		cfg.AcceptRatio = DefaultAcceptRatio
	}
	if cfg.Diff1 == nil {
		cfg.Diff1 = diff1Target
	}
	return &Pipeline{
		cfg:        cfg,
		hasher:     hasher,
		serializer: serializer,
		diff1:      new(big.Float).SetInt(cfg.Diff1),
	}
}

// Validate runs the structural, duplicate, proof-of-work and difficulty
// checks in that order. The job is locked only while its submission set is
// consulted; hashing runs unlocked.
func (p *Pipeline) Validate(req Request) (*Result, error) {
	if req.Job == nil {
		return nil, reject(CodeJobNotFound, ReasonStale, "job not found")
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	sub := req.Submission

	if err := p.checkFields(sub); err != nil {
		return nil, err
	}
	if err := p.checkTime(sub, req.Job, req.Now); err != nil {
		return nil, err
	}

	fp := dedup.NewFingerprint(sub.ExtraNonce1, sub.ExtraNonce2, sub.NTime, sub.Nonce)
	if !req.Job.RegisterSubmission(fp) {
		return nil, reject(CodeDuplicate, ReasonDuplicate, "duplicate share")
	}

	hash, err := p.hasher.Compute(req.Job, sub)
	if err != nil {
		return nil, reject(CodeOther, ReasonHashFailure, "invalid share: %v", err)
	}
	hashInt := new(big.Int).SetBytes(hash)
	shareDiff := p.Difficulty(hashInt)

	tpl := req.Job.Template
	candidate := tpl.Target() != nil && hashInt.Cmp(tpl.Target()) <= 0

	credited, ok := p.creditedDifficulty(shareDiff, req.Difficulty, req.Now)
	if !ok && !candidate {
		return nil, reject(CodeLowDifficulty, ReasonLowDifficulty, "low difficulty share (%s)", strconv.FormatFloat(shareDiff, 'f', -1, 64))
	}

	s := &share.Share{
		PoolID:            p.cfg.PoolID,
		Miner:             req.Miner,
		Worker:            sub.Worker,
		UserAgent:         req.UserAgent,
		IPAddress:         req.IPAddress,
		JobID:             req.Job.ID,
		BlockHeight:       tpl.Height(),
		Difficulty:        credited,
		ActualDifficulty:  shareDiff,
		NetworkDifficulty: tpl.NetworkDifficulty(),
		Created:           req.Now,
	}
	res := &Result{Share: s, ShareDifficulty: shareDiff}

	if candidate {
		payload, blockHash, err := p.serializer.SerializeBlock(req.Job, sub)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "serialize_block", "block candidate could not be serialized").
				WithContext("job_id", req.Job.ID)
		}
		s.IsBlockCandidate = true
		s.BlockHash = blockHash
		res.BlockPayload = payload
	}

	return res, nil
}

// creditedDifficulty returns the difficulty the share is accepted against.
// The previous difficulty is tried once, and only inside the grace window.
func (p *Pipeline) creditedDifficulty(shareDiff float64, d DifficultyState, now time.Time) (float64, bool) {
	if d.Current > 0 && shareDiff/d.Current >= p.cfg.AcceptRatio {
		return d.Current, true
	}
	if d.Previous > 0 && !d.ChangedAt.IsZero() && now.Sub(d.ChangedAt) <= p.cfg.GraceWindow {
		if shareDiff/d.Previous >= p.cfg.AcceptRatio {
			return d.Previous, true
		}
	}
	return d.Current, false
}

// Difficulty converts a hash value into a share difficulty.
func (p *Pipeline) Difficulty(hash *big.Int) float64 {
	if hash.Sign() == 0 {
		return 0
	}
	q := new(big.Float).Quo(p.diff1, new(big.Float).SetInt(hash))
	d, _ := q.Float64()
	return d
}

// checkFields validates lengths and hex encoding of every field.
func (p *Pipeline) checkFields(sub Submission) error {
	fields := []struct {
		name  string
		value string
		size  int
	}{
		{"extranonce2", sub.ExtraNonce2, p.cfg.ExtraNonce2Size * 2},
		{"ntime", sub.NTime, 8},
		{"nonce", sub.Nonce, 8},
	}
	for _, f := range fields {
		if f.size > 0 && len(f.value) != f.size {
			return reject(CodeOther, ReasonMalformed, "incorrect size of %s", f.name)
		}
		if !isValidHex(f.value) {
			return reject(CodeOther, ReasonMalformed, "%s is not valid hex", f.name)
		}
	}
	if sub.ExtraNonce1 != "" && !isValidHex(sub.ExtraNonce1) {
		return reject(CodeOther, ReasonMalformed, "extranonce1 is not valid hex")
	}
	return nil
}

// checkTime rejects an ntime too far from the job creation time or the
// validation time.
func (p *Pipeline) checkTime(sub Submission, job *jobs.Job, now time.Time) error {
	if p.cfg.MaxTimeSkew <= 0 {
		return nil
	}
	ntime, err := strconv.ParseUint(sub.NTime, 16, 32)
	if err != nil {
		return reject(CodeOther, ReasonMalformed, "invalid ntime")
	}
	shareTime := time.Unix(int64(ntime), 0)
	if shareTime.After(now.Add(p.cfg.MaxTimeSkew)) || shareTime.Before(job.Created.Add(-p.cfg.MaxTimeSkew)) {
		return reject(CodeOther, ReasonTimeSkew, "ntime out of range")
	}
	return nil
}

func isValidHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// BlockSubmitter is the part of the chain adapter used for candidates.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, payload string) (accepted bool, confirmation string, err error)
}

// SubmitCandidate submits a block candidate upstream. When the daemon fails
// or refuses the block the candidate flag and confirmation data are cleared
// before returning, so the share can be persisted as an ordinary share.
func SubmitCandidate(ctx context.Context, submitter BlockSubmitter, res *Result) (bool, error) {
	if res == nil || !res.Share.IsBlockCandidate {
		return false, nil
	}

	accepted, confirmation, err := submitter.SubmitBlock(ctx, res.BlockPayload)
	if err == nil && !accepted {
		err = ErrBlockRejected
	}
	if err != nil {
		res.Share.RevokeCandidate()
		res.BlockPayload = ""
		return false, errors.Wrap(err, errors.ErrorTypeChain, "submit_block", "block candidate not accepted").
			WithContext("height", res.Share.BlockHeight)
	}

	if confirmation == "" {
		confirmation = res.Share.BlockHash
	}
	res.Share.ConfirmationData = confirmation
	return true, nil
}
