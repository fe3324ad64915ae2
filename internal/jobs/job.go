package jobs

import (
	"time"

	"github.com/bardlex/poolcore/internal/chain"
	"github.com/bardlex/poolcore/internal/dedup"
)

// Job is one unit of minable work. Everything except the submission set is
// fixed once the job is published.
type Job struct {
	ID       string
	Template chain.Template
	Params   []any
	Created  time.Time

	seen *dedup.Set
}

// NewJob creates an unpublished job. Managers publish jobs; tests and tools
// may build them directly.
func NewJob(id string, tpl chain.Template, params []any, now time.Time) *Job {
	return &Job{
		ID:       id,
		Template: tpl,
		Params:   params,
		Created:  now,
		seen:     dedup.NewSet(1024),
	}
}

// Height returns the block height the job builds.
func (j *Job) Height() int64 {
	return j.Template.Height()
}

// RegisterSubmission records fp in the job's submission set and reports
// whether it had not been seen before. Only the set is locked.
func (j *Job) RegisterSubmission(fp dedup.Fingerprint) bool {
	return j.seen.Register(fp)
}

// Submissions returns the number of distinct submissions seen for the job.
func (j *Job) Submissions() int {
	return j.seen.Len()
}

// Event announces a job to broadcast. IsNew is false for a forced
// re-broadcast of the current job.
type Event struct {
	Job    *Job
	JobID  string
	Height int64
	Params []any
	IsNew  bool
}
