package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// fileConfig mirrors the TOML layout. Pointer fields distinguish "unset"
// from a zero value; durations are strings such as "15s".
type fileConfig struct {
	Service  serviceFileConfig  `toml:"service"`
	Pool     poolFileConfig     `toml:"pool"`
	Daemon   daemonFileConfig   `toml:"daemon"`
	Stratum  stratumFileConfig  `toml:"stratum"`
	VarDiff  vardiffFileConfig  `toml:"vardiff"`
	Jobs     jobsFileConfig     `toml:"jobs"`
	Ban      banFileConfig      `toml:"ban"`
	Shares   sharesFileConfig   `toml:"shares"`
	Database databaseFileConfig `toml:"database"`
	Relay    relayFileConfig    `toml:"relay"`
	Kafka    kafkaFileConfig    `toml:"kafka"`
}

type serviceFileConfig struct {
	Name        string `toml:"name"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	MetricsAddr string `toml:"metrics_addr"`
}

type poolFileConfig struct {
	ID            string `toml:"id"`
	Network       string `toml:"network"`
	PayoutAddress string `toml:"payout_address"`
	CoinbaseTag   string `toml:"coinbase_tag"`
}

type daemonFileConfig struct {
	RPCHost     string `toml:"rpc_host"`
	RPCPort     *int   `toml:"rpc_port"`
	RPCUser     string `toml:"rpc_user"`
	RPCPassword string `toml:"rpc_password"`
	ZMQEndpoint string `toml:"zmq_endpoint"`
}

type stratumFileConfig struct {
	Listen               string   `toml:"listen"`
	ExtraNonce1Size      *int     `toml:"extranonce1_size"`
	ExtraNonce2Size      *int     `toml:"extranonce2_size"`
	InitialDifficulty    *float64 `toml:"initial_difficulty"`
	FirstMessageTimeout  string   `toml:"first_message_timeout"`
	IdleTimeout          string   `toml:"idle_timeout"`
	ReadTimeout          string   `toml:"read_timeout"`
	WriteTimeout         string   `toml:"write_timeout"`
	MaxMessageSize       *int     `toml:"max_message_size"`
	RateLimit            *float64 `toml:"rate_limit"`
	RateBurst            *int     `toml:"rate_burst"`
	BroadcastConcurrency *int     `toml:"broadcast_concurrency"`
	SubmitTimeout        string   `toml:"submit_timeout"`
	GraceWindow          string   `toml:"grace_window"`
	MaxTimeSkew          string   `toml:"max_time_skew"`
}

type vardiffFileConfig struct {
	Enabled         *bool    `toml:"enabled"`
	Min             *float64 `toml:"min"`
	Max             *float64 `toml:"max"`
	TargetTime      string   `toml:"target_time"`
	RetargetTime    string   `toml:"retarget_time"`
	VariancePercent *float64 `toml:"variance_percent"`
	MaxDelta        *float64 `toml:"max_delta"`
}

type jobsFileConfig struct {
	PollInterval       string `toml:"poll_interval"`
	RebroadcastTimeout string `toml:"rebroadcast_timeout"`
	MaxBacklog         *int   `toml:"max_backlog"`
}

type banFileConfig struct {
	Enabled        *bool    `toml:"enabled"`
	CheckThreshold *int     `toml:"check_threshold"`
	InvalidPercent *float64 `toml:"invalid_percent"`
	Duration       string   `toml:"duration"`
}

type sharesFileConfig struct {
	BatchSize     *int   `toml:"batch_size"`
	FlushInterval string `toml:"flush_interval"`
	QueueSize     *int   `toml:"queue_size"`
	RecoveryPath  string `toml:"recovery_path"`
	SinkQueueSize *int   `toml:"sink_queue_size"`
	SinkTimeout   string `toml:"sink_timeout"`
}

type databaseFileConfig struct {
	Driver           string `toml:"driver"`
	SQLitePath       string `toml:"sqlite_path"`
	PostgresHost     string `toml:"postgres_host"`
	PostgresPort     *int   `toml:"postgres_port"`
	PostgresDB       string `toml:"postgres_db"`
	PostgresUser     string `toml:"postgres_user"`
	PostgresPassword string `toml:"postgres_password"`
	PostgresSSLMode  string `toml:"postgres_sslmode"`
	RedisAddr        string `toml:"redis_addr"`
	RedisPassword    string `toml:"redis_password"`
	RedisDB          *int   `toml:"redis_db"`
	InfluxURL        string `toml:"influx_url"`
	InfluxToken      string `toml:"influx_token"`
	InfluxOrg        string `toml:"influx_org"`
	InfluxBucket     string `toml:"influx_bucket"`
}

type relayFileConfig struct {
	Publish        string   `toml:"publish"`
	Sources        []string `toml:"sources"`
	Topics         []string `toml:"topics"`
	Encoding       string   `toml:"encoding"`
	Compress       *bool    `toml:"compress"`
	ReceiveTimeout string   `toml:"receive_timeout"`
}

type kafkaFileConfig struct {
	Brokers       []string `toml:"brokers"`
	PublishShares *bool    `toml:"publish_shares"`
}

func loadTOMLFile[T any](path string) (*T, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg T
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, true, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setValue[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setSlice(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

// durationSetter collects the first parse error so applyFile reads as a
// flat list of assignments.
type durationSetter struct {
	err error
}

func (d *durationSetter) set(dst *time.Duration, key, v string) {
	if v == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = parsed
}

func applyFile(cfg *Config, fc *fileConfig) error {
	var dur durationSetter

	setString(&cfg.ServiceName, fc.Service.Name)
	setString(&cfg.LogLevel, fc.Service.LogLevel)
	setString(&cfg.LogFormat, fc.Service.LogFormat)
	setString(&cfg.MetricsAddr, fc.Service.MetricsAddr)

	setString(&cfg.PoolID, fc.Pool.ID)
	setString(&cfg.Network, fc.Pool.Network)
	setString(&cfg.PayoutAddress, fc.Pool.PayoutAddress)
	setString(&cfg.CoinbaseTag, fc.Pool.CoinbaseTag)

	setString(&cfg.RPCHost, fc.Daemon.RPCHost)
	setValue(&cfg.RPCPort, fc.Daemon.RPCPort)
	setString(&cfg.RPCUser, fc.Daemon.RPCUser)
	setString(&cfg.RPCPassword, fc.Daemon.RPCPassword)
	setString(&cfg.ZMQEndpoint, fc.Daemon.ZMQEndpoint)

	st := fc.Stratum
	setString(&cfg.StratumListen, st.Listen)
	setValue(&cfg.ExtraNonce1Size, st.ExtraNonce1Size)
	setValue(&cfg.ExtraNonce2Size, st.ExtraNonce2Size)
	setValue(&cfg.InitialDifficulty, st.InitialDifficulty)
	dur.set(&cfg.FirstMessageTimeout, "stratum.first_message_timeout", st.FirstMessageTimeout)
	dur.set(&cfg.IdleTimeout, "stratum.idle_timeout", st.IdleTimeout)
	dur.set(&cfg.ReadTimeout, "stratum.read_timeout", st.ReadTimeout)
	dur.set(&cfg.WriteTimeout, "stratum.write_timeout", st.WriteTimeout)
	setValue(&cfg.MaxMessageSize, st.MaxMessageSize)
	setValue(&cfg.RateLimit, st.RateLimit)
	setValue(&cfg.RateBurst, st.RateBurst)
	setValue(&cfg.BroadcastConcurrency, st.BroadcastConcurrency)
	dur.set(&cfg.SubmitTimeout, "stratum.submit_timeout", st.SubmitTimeout)
	dur.set(&cfg.GraceWindow, "stratum.grace_window", st.GraceWindow)
	dur.set(&cfg.MaxTimeSkew, "stratum.max_time_skew", st.MaxTimeSkew)

	vd := fc.VarDiff
	setValue(&cfg.VarDiffEnabled, vd.Enabled)
	setValue(&cfg.VarDiffMin, vd.Min)
	setValue(&cfg.VarDiffMax, vd.Max)
	dur.set(&cfg.VarDiffTargetTime, "vardiff.target_time", vd.TargetTime)
	dur.set(&cfg.VarDiffRetargetTime, "vardiff.retarget_time", vd.RetargetTime)
	setValue(&cfg.VarDiffVariancePercent, vd.VariancePercent)
	setValue(&cfg.VarDiffMaxDelta, vd.MaxDelta)

	dur.set(&cfg.JobPollInterval, "jobs.poll_interval", fc.Jobs.PollInterval)
	dur.set(&cfg.RebroadcastTimeout, "jobs.rebroadcast_timeout", fc.Jobs.RebroadcastTimeout)
	setValue(&cfg.MaxBacklog, fc.Jobs.MaxBacklog)

	setValue(&cfg.BanEnabled, fc.Ban.Enabled)
	setValue(&cfg.BanCheckThreshold, fc.Ban.CheckThreshold)
	setValue(&cfg.BanInvalidPercent, fc.Ban.InvalidPercent)
	dur.set(&cfg.BanDuration, "ban.duration", fc.Ban.Duration)

	setValue(&cfg.BatchSize, fc.Shares.BatchSize)
	dur.set(&cfg.FlushInterval, "shares.flush_interval", fc.Shares.FlushInterval)
	setValue(&cfg.QueueSize, fc.Shares.QueueSize)
	setString(&cfg.RecoveryPath, fc.Shares.RecoveryPath)
	setValue(&cfg.SinkQueueSize, fc.Shares.SinkQueueSize)
	dur.set(&cfg.SinkTimeout, "shares.sink_timeout", fc.Shares.SinkTimeout)

	db := fc.Database
	setString(&cfg.DBDriver, db.Driver)
	setString(&cfg.SQLitePath, db.SQLitePath)
	setString(&cfg.PostgresHost, db.PostgresHost)
	setValue(&cfg.PostgresPort, db.PostgresPort)
	setString(&cfg.PostgresDB, db.PostgresDB)
	setString(&cfg.PostgresUser, db.PostgresUser)
	setString(&cfg.PostgresPassword, db.PostgresPassword)
	setString(&cfg.PostgresSSLMode, db.PostgresSSLMode)
	setString(&cfg.RedisAddr, db.RedisAddr)
	setString(&cfg.RedisPassword, db.RedisPassword)
	setValue(&cfg.RedisDB, db.RedisDB)
	setString(&cfg.InfluxURL, db.InfluxURL)
	setString(&cfg.InfluxToken, db.InfluxToken)
	setString(&cfg.InfluxOrg, db.InfluxOrg)
	setString(&cfg.InfluxBucket, db.InfluxBucket)

	setString(&cfg.RelayPublish, fc.Relay.Publish)
	setSlice(&cfg.RelaySources, fc.Relay.Sources)
	setSlice(&cfg.RelayTopics, fc.Relay.Topics)
	setString(&cfg.RelayEncoding, fc.Relay.Encoding)
	setValue(&cfg.RelayCompress, fc.Relay.Compress)
	dur.set(&cfg.RelayReceiveTimeout, "relay.receive_timeout", fc.Relay.ReceiveTimeout)

	setSlice(&cfg.KafkaBrokers, fc.Kafka.Brokers)
	setValue(&cfg.KafkaPublishShares, fc.Kafka.PublishShares)

	return dur.err
}
