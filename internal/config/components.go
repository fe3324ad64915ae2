package config

import (
	"github.com/bardlex/poolcore/internal/ban"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/internal/vardiff"
)

// VarDiff returns the retarget policy.
func (c *Config) VarDiff() vardiff.Config {
	cfg := vardiff.DefaultConfig()
	cfg.MinDiff = c.VarDiffMin
	cfg.MaxDiff = c.VarDiffMax
	cfg.TargetTime = c.VarDiffTargetTime
	cfg.RetargetTime = c.VarDiffRetargetTime
	cfg.VariancePercent = c.VarDiffVariancePercent
	cfg.MaxDelta = c.VarDiffMaxDelta
	return cfg
}

// Stratum returns the listener settings.
func (c *Config) Stratum() stratum.Config {
	cfg := stratum.Config{
		ListenAddr:           c.StratumListen,
		ExtraNonce1Size:      c.ExtraNonce1Size,
		ExtraNonce2Size:      c.ExtraNonce2Size,
		InitialDifficulty:    c.InitialDifficulty,
		FirstMessageTimeout:  c.FirstMessageTimeout,
		IdleTimeout:          c.IdleTimeout,
		ReadTimeout:          c.ReadTimeout,
		WriteTimeout:         c.WriteTimeout,
		MaxMessageSize:       c.MaxMessageSize,
		RateLimit:            c.RateLimit,
		RateBurst:            c.RateBurst,
		BroadcastConcurrency: c.BroadcastConcurrency,
		SubmitTimeout:        c.SubmitTimeout,
	}
	if c.VarDiffEnabled {
		vd := c.VarDiff()
		cfg.VarDiff = &vd
	}
	return cfg
}

// Validation returns the share checks.
func (c *Config) Validation() validation.Config {
	return validation.Config{
		PoolID:          c.PoolID,
		ExtraNonce2Size: c.ExtraNonce2Size,
		GraceWindow:     c.GraceWindow,
		MaxTimeSkew:     c.MaxTimeSkew,
	}
}

// Jobs returns the job manager cadence.
func (c *Config) Jobs() jobs.Config {
	cfg := jobs.DefaultConfig()
	cfg.PollInterval = c.JobPollInterval
	cfg.RebroadcastTimeout = c.RebroadcastTimeout
	cfg.MaxBacklog = c.MaxBacklog
	return cfg
}

// Ban returns the banning policy.
func (c *Config) Ban() ban.Config {
	cfg := ban.DefaultConfig()
	cfg.Enabled = c.BanEnabled
	cfg.CheckThreshold = c.BanCheckThreshold
	cfg.InvalidPercent = c.BanInvalidPercent
	cfg.Duration = c.BanDuration
	return cfg
}
