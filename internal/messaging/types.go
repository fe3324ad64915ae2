package messaging

import (
	"time"

	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/share"
)

// JobMessage announces a job broadcast to miners
type JobMessage struct {
	PoolID            string    `json:"pool_id"`
	JobID             string    `json:"job_id"`
	BlockHeight       int64     `json:"block_height"`
	PrevHash          string    `json:"prev_hash"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	CleanJobs         bool      `json:"clean_jobs"`
	Params            []any     `json:"params"`
	CreatedAt         time.Time `json:"created_at"`
}

// ShareMessage is an accepted share for downstream accounting
type ShareMessage struct {
	PoolID           string    `json:"pool_id"`
	Miner            string    `json:"miner"`
	Worker           string    `json:"worker,omitempty"`
	Source           string    `json:"source,omitempty"`
	JobID            string    `json:"job_id"`
	BlockHeight      int64     `json:"block_height"`
	Difficulty       float64   `json:"difficulty"`
	ActualDifficulty float64   `json:"actual_difficulty"`
	IsBlockCandidate bool      `json:"is_block_candidate"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// BlockMessage reports a block the daemon accepted
type BlockMessage struct {
	PoolID            string    `json:"pool_id"`
	BlockHash         string    `json:"block_hash"`
	BlockHeight       int64     `json:"block_height"`
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker,omitempty"`
	Source            string    `json:"source,omitempty"`
	ShareDifficulty   float64   `json:"share_difficulty"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	ConfirmationData  string    `json:"confirmation_data,omitempty"`
	FoundAt           time.Time `json:"found_at"`
}

func newJobMessage(poolID string, ev jobs.Event) JobMessage {
	msg := JobMessage{
		PoolID:      poolID,
		JobID:       ev.JobID,
		BlockHeight: ev.Height,
		CleanJobs:   ev.IsNew,
		Params:      ev.Params,
	}
	if ev.Job != nil {
		msg.CreatedAt = ev.Job.Created
		if tpl := ev.Job.Template; tpl != nil {
			msg.PrevHash = tpl.PrevHash()
			msg.NetworkDifficulty = tpl.NetworkDifficulty()
		}
	}
	return msg
}

func newShareMessage(s *share.Share) ShareMessage {
	return ShareMessage{
		PoolID:           s.PoolID,
		Miner:            s.Miner,
		Worker:           s.Worker,
		Source:           s.Source,
		JobID:            s.JobID,
		BlockHeight:      s.BlockHeight,
		Difficulty:       s.Difficulty,
		ActualDifficulty: s.ActualDifficulty,
		IsBlockCandidate: s.IsBlockCandidate,
		SubmittedAt:      s.Created,
	}
}

func newBlockMessage(s *share.Share) BlockMessage {
	return BlockMessage{
		PoolID:            s.PoolID,
		BlockHash:         s.BlockHash,
		BlockHeight:       s.BlockHeight,
		Miner:             s.Miner,
		Worker:            s.Worker,
		Source:            s.Source,
		ShareDifficulty:   s.ActualDifficulty,
		NetworkDifficulty: s.NetworkDifficulty,
		ConfirmationData:  s.ConfirmationData,
		FoundAt:           s.Created,
	}
}
