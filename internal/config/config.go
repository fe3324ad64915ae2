// Package config loads pool settings from an optional TOML file and the
// environment. Environment variables override file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/database/influx"
	"github.com/bardlex/poolcore/internal/database/postgres"
	"github.com/bardlex/poolcore/internal/database/redis"
	"github.com/bardlex/poolcore/internal/persistence"
	"github.com/bardlex/poolcore/internal/relay"
)

// Config holds the settings of every pool process
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	// Pool identity
	PoolID        string
	Network       string
	PayoutAddress string
	CoinbaseTag   string

	// Daemon connection
	RPCHost     string
	RPCPort     int
	RPCUser     string
	RPCPassword string
	ZMQEndpoint string

	// Stratum server
	StratumListen        string
	ExtraNonce1Size      int
	ExtraNonce2Size      int
	InitialDifficulty    float64
	FirstMessageTimeout  time.Duration
	IdleTimeout          time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxMessageSize       int
	RateLimit            float64
	RateBurst            int
	BroadcastConcurrency int
	SubmitTimeout        time.Duration
	GraceWindow          time.Duration
	MaxTimeSkew          time.Duration

	// Variable difficulty
	VarDiffEnabled         bool
	VarDiffMin             float64
	VarDiffMax             float64
	VarDiffTargetTime      time.Duration
	VarDiffRetargetTime    time.Duration
	VarDiffVariancePercent float64
	VarDiffMaxDelta        float64

	// Jobs
	JobPollInterval    time.Duration
	RebroadcastTimeout time.Duration
	MaxBacklog         int

	// Banning
	BanEnabled        bool
	BanCheckThreshold int
	BanInvalidPercent float64
	BanDuration       time.Duration

	// Share persistence
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	RecoveryPath  string

	// Queue in front of the Redis and Kafka share sinks.
	SinkQueueSize int
	SinkTimeout   time.Duration

	// Databases
	DBDriver         string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string

	// Share relay
	RelayPublish        string
	RelaySources        []string
	RelayTopics         []string
	RelayEncoding       string
	RelayCompress       bool
	RelayReceiveTimeout time.Duration

	// Kafka
	KafkaBrokers       []string
	KafkaPublishShares bool
}

func defaults() *Config {
	return &Config{
		ServiceName: "poolcore",
		Version:     "dev",
		LogLevel:    "info",
		LogFormat:   "json",
		MetricsAddr: ":9100",

		PoolID:  "btc1",
		Network: "mainnet",

		RPCHost:     "localhost",
		RPCPort:     8332,
		ZMQEndpoint: "",

		StratumListen:        ":3333",
		ExtraNonce1Size:      4,
		ExtraNonce2Size:      4,
		InitialDifficulty:    1024,
		FirstMessageTimeout:  10 * time.Second,
		IdleTimeout:          10 * time.Minute,
		ReadTimeout:          10 * time.Minute,
		WriteTimeout:         10 * time.Second,
		MaxMessageSize:       10 * 1024,
		RateLimit:            50,
		RateBurst:            100,
		BroadcastConcurrency: 64,
		SubmitTimeout:        30 * time.Second,
		GraceWindow:          5 * time.Second,
		MaxTimeSkew:          10 * time.Minute,

		VarDiffEnabled:         true,
		VarDiffMin:             512,
		VarDiffMax:             1 << 32,
		VarDiffTargetTime:      15 * time.Second,
		VarDiffRetargetTime:    90 * time.Second,
		VarDiffVariancePercent: 30,

		JobPollInterval:    time.Second,
		RebroadcastTimeout: 55 * time.Second,
		MaxBacklog:         8,

		BanEnabled:        true,
		BanCheckThreshold: 50,
		BanInvalidPercent: 50,
		BanDuration:       15 * time.Minute,

		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		QueueSize:     10000,
		RecoveryPath:  "recovered-shares.jsonl",
		SinkQueueSize: 4096,
		SinkTimeout:   2 * time.Second,

		DBDriver:        database.DriverPostgres,
		SQLitePath:      "data/shares.db",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "pool",
		PostgresUser:    "pool",
		PostgresSSLMode: "disable",
		InfluxOrg:       "pool",
		InfluxBucket:    "mining",

		RelayEncoding:       "json",
		RelayReceiveTimeout: time.Minute,
	}
}

// Load reads CONFIG_FILE when set, then applies environment overrides and
// validates the result.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, ok, err := loadTOMLFile[fileConfig](path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		if err := applyFile(cfg, fc); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnv(c *Config) {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)

	c.PoolID = getEnv("POOL_ID", c.PoolID)
	c.Network = getEnv("NETWORK", c.Network)
	c.PayoutAddress = getEnv("PAYOUT_ADDRESS", c.PayoutAddress)
	c.CoinbaseTag = getEnv("COINBASE_TAG", c.CoinbaseTag)

	c.RPCHost = getEnv("BITCOIN_RPC_HOST", c.RPCHost)
	c.RPCPort = getEnvInt("BITCOIN_RPC_PORT", c.RPCPort)
	c.RPCUser = getEnv("BITCOIN_RPC_USER", c.RPCUser)
	c.RPCPassword = getEnv("BITCOIN_RPC_PASSWORD", c.RPCPassword)
	c.ZMQEndpoint = getEnv("BITCOIN_ZMQ_ADDR", c.ZMQEndpoint)

	c.StratumListen = getEnv("STRATUM_LISTEN", c.StratumListen)
	c.ExtraNonce1Size = getEnvInt("EXTRANONCE1_SIZE", c.ExtraNonce1Size)
	c.ExtraNonce2Size = getEnvInt("EXTRANONCE2_SIZE", c.ExtraNonce2Size)
	c.InitialDifficulty = getEnvFloat("INITIAL_DIFFICULTY", c.InitialDifficulty)
	c.FirstMessageTimeout = getEnvDuration("FIRST_MESSAGE_TIMEOUT", c.FirstMessageTimeout)
	c.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", c.IdleTimeout)
	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxMessageSize = getEnvInt("MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.RateLimit = getEnvFloat("RATE_LIMIT", c.RateLimit)
	c.RateBurst = getEnvInt("RATE_BURST", c.RateBurst)
	c.BroadcastConcurrency = getEnvInt("BROADCAST_CONCURRENCY", c.BroadcastConcurrency)
	c.SubmitTimeout = getEnvDuration("SUBMIT_TIMEOUT", c.SubmitTimeout)
	c.GraceWindow = getEnvDuration("GRACE_WINDOW", c.GraceWindow)
	c.MaxTimeSkew = getEnvDuration("MAX_TIME_SKEW", c.MaxTimeSkew)

	c.VarDiffEnabled = getEnvBool("VARDIFF_ENABLED", c.VarDiffEnabled)
	c.VarDiffMin = getEnvFloat("VARDIFF_MIN", c.VarDiffMin)
	c.VarDiffMax = getEnvFloat("VARDIFF_MAX", c.VarDiffMax)
	c.VarDiffTargetTime = getEnvDuration("VARDIFF_TARGET", c.VarDiffTargetTime)
	c.VarDiffRetargetTime = getEnvDuration("VARDIFF_RETARGET", c.VarDiffRetargetTime)
	c.VarDiffVariancePercent = getEnvFloat("VARDIFF_VARIANCE_PERCENT", c.VarDiffVariancePercent)
	c.VarDiffMaxDelta = getEnvFloat("VARDIFF_MAX_DELTA", c.VarDiffMaxDelta)

	c.JobPollInterval = getEnvDuration("JOB_POLL_INTERVAL", c.JobPollInterval)
	c.RebroadcastTimeout = getEnvDuration("JOB_REBROADCAST_TIMEOUT", c.RebroadcastTimeout)
	c.MaxBacklog = getEnvInt("JOB_MAX_BACKLOG", c.MaxBacklog)

	c.BanEnabled = getEnvBool("BAN_ENABLED", c.BanEnabled)
	c.BanCheckThreshold = getEnvInt("BAN_CHECK_THRESHOLD", c.BanCheckThreshold)
	c.BanInvalidPercent = getEnvFloat("BAN_INVALID_PERCENT", c.BanInvalidPercent)
	c.BanDuration = getEnvDuration("BAN_DURATION", c.BanDuration)

	c.BatchSize = getEnvInt("SHARE_BATCH_SIZE", c.BatchSize)
	c.FlushInterval = getEnvDuration("SHARE_FLUSH_INTERVAL", c.FlushInterval)
	c.QueueSize = getEnvInt("SHARE_QUEUE_SIZE", c.QueueSize)
	c.RecoveryPath = getEnv("SHARE_RECOVERY_PATH", c.RecoveryPath)
	c.SinkQueueSize = getEnvInt("SHARE_SINK_QUEUE_SIZE", c.SinkQueueSize)
	c.SinkTimeout = getEnvDuration("SHARE_SINK_TIMEOUT", c.SinkTimeout)

	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.PostgresHost = getEnv("POSTGRES_HOST", c.PostgresHost)
	c.PostgresPort = getEnvInt("POSTGRES_PORT", c.PostgresPort)
	c.PostgresDB = getEnv("POSTGRES_DB", c.PostgresDB)
	c.PostgresUser = getEnv("POSTGRES_USER", c.PostgresUser)
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.PostgresPassword)
	c.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.PostgresSSLMode)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.RelayPublish = getEnv("RELAY_PUBLISH", c.RelayPublish)
	c.RelaySources = getEnvSlice("RELAY_SOURCES", c.RelaySources)
	c.RelayTopics = getEnvSlice("RELAY_TOPICS", c.RelayTopics)
	c.RelayEncoding = getEnv("RELAY_ENCODING", c.RelayEncoding)
	c.RelayCompress = getEnvBool("RELAY_COMPRESS", c.RelayCompress)
	c.RelayReceiveTimeout = getEnvDuration("RELAY_RECEIVE_TIMEOUT", c.RelayReceiveTimeout)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaPublishShares = getEnvBool("KAFKA_PUBLISH_SHARES", c.KafkaPublishShares)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}
	if strings.TrimSpace(c.PoolID) == "" {
		return fmt.Errorf("POOL_ID cannot be empty")
	}

	params, err := NetworkParams(c.Network)
	if err != nil {
		return err
	}
	if c.PayoutAddress != "" {
		if err := checkAddress(c.PayoutAddress, params); err != nil {
			return err
		}
	}

	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
	}
	if c.ExtraNonce1Size < 1 || c.ExtraNonce1Size > 8 {
		return fmt.Errorf("EXTRANONCE1_SIZE must be between 1 and 8")
	}
	if c.ExtraNonce2Size < 1 || c.ExtraNonce2Size > 16 {
		return fmt.Errorf("EXTRANONCE2_SIZE must be between 1 and 16")
	}
	if c.InitialDifficulty <= 0 {
		return fmt.Errorf("INITIAL_DIFFICULTY must be positive")
	}
	if c.MaxMessageSize < 256 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be at least 256 bytes")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT and RATE_BURST must be positive")
	}

	if c.VarDiffEnabled {
		if err := c.VarDiff().Validate(); err != nil {
			return err
		}
	}

	if c.BanInvalidPercent <= 0 || c.BanInvalidPercent > 100 {
		return fmt.Errorf("BAN_INVALID_PERCENT must be between 0 and 100")
	}
	if c.BanEnabled && (c.BanCheckThreshold <= 0 || c.BanDuration <= 0) {
		return fmt.Errorf("BAN_CHECK_THRESHOLD and BAN_DURATION must be positive")
	}

	if c.BatchSize <= 0 || c.QueueSize <= 0 || c.FlushInterval <= 0 {
		return fmt.Errorf("SHARE_BATCH_SIZE, SHARE_QUEUE_SIZE and SHARE_FLUSH_INTERVAL must be positive")
	}
	if c.RecoveryPath == "" {
		return fmt.Errorf("SHARE_RECOVERY_PATH cannot be empty")
	}
	if c.SinkQueueSize <= 0 || c.SinkTimeout <= 0 {
		return fmt.Errorf("SHARE_SINK_QUEUE_SIZE and SHARE_SINK_TIMEOUT must be positive")
	}

	switch c.DBDriver {
	case database.DriverPostgres:
		if c.PostgresHost == "" || c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_HOST and POSTGRES_DB are required for the postgres driver")
		}
	case database.DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q", database.DriverPostgres, database.DriverSQLite)
	}

	if _, err := relay.ParseEncoding(c.RelayEncoding); err != nil {
		return err
	}

	return nil
}

// RequireMining checks the settings only a mining front end needs.
func (c *Config) RequireMining() error {
	if c.PayoutAddress == "" {
		return fmt.Errorf("PAYOUT_ADDRESS is required")
	}
	if c.RPCUser == "" || c.RPCPassword == "" {
		return fmt.Errorf("BITCOIN_RPC_USER and BITCOIN_RPC_PASSWORD are required")
	}
	return nil
}

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown NETWORK %q", name)
	}
}

func checkAddress(addr string, params *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("PAYOUT_ADDRESS %q is invalid: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("PAYOUT_ADDRESS %q is not a %s address", addr, params.Name)
	}
	return nil
}

// Database returns the store settings. Redis and InfluxDB are enabled by
// setting their address.
func (c *Config) Database() *database.Config {
	cfg := &database.Config{
		Driver:     c.DBDriver,
		SQLitePath: c.SQLitePath,
		Postgres: &postgres.Config{
			Host:         c.PostgresHost,
			Port:         c.PostgresPort,
			Database:     c.PostgresDB,
			User:         c.PostgresUser,
			Password:     c.PostgresPassword,
			SSLMode:      c.PostgresSSLMode,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
	}
	if c.RedisAddr != "" {
		cfg.Redis = &redis.Config{
			Addr:         c.RedisAddr,
			Password:     c.RedisPassword,
			DB:           c.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    c.PoolID,
			StatsTTL:     24 * time.Hour,
		}
	}
	if c.InfluxURL != "" {
		cfg.Influx = &influx.Config{
			URL:    c.InfluxURL,
			Token:  c.InfluxToken,
			Org:    c.InfluxOrg,
			Bucket: c.InfluxBucket,
		}
	}
	return cfg
}

// Persistence returns the share pipeline settings.
func (c *Config) Persistence() persistence.Config {
	cfg := persistence.DefaultConfig()
	cfg.BatchSize = c.BatchSize
	cfg.FlushInterval = c.FlushInterval
	cfg.QueueSize = c.QueueSize
	cfg.RecoveryPath = c.RecoveryPath
	return cfg
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
