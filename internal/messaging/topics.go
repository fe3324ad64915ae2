package messaging

// Topic constants for pool events
const (
	TopicJobs   = "pool.jobs"   // stratumd → job observers
	TopicShares = "pool.shares" // stratumd → accounting
	TopicBlocks = "pool.blocks" // stratumd → payout
)
