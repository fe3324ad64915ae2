package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/relay"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":       "test-service",
				"STRATUM_LISTEN":     ":4444",
				"INITIAL_DIFFICULTY": "2.0",
				"DB_DRIVER":          "sqlite",
			},
		},
		{
			name:    "invalid rpc port",
			envVars: map[string]string{"BITCOIN_RPC_PORT": "99999"},
			wantErr: true,
		},
		{
			name:    "invalid ban percent",
			envVars: map[string]string{"BAN_INVALID_PERCENT": "150"},
			wantErr: true,
		},
		{
			name:    "unknown network",
			envVars: map[string]string{"NETWORK": "dogenet"},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			envVars: map[string]string{"DB_DRIVER": "mysql"},
			wantErr: true,
		},
		{
			name:    "unknown relay encoding",
			envVars: map[string]string{"RELAY_ENCODING": "xml"},
			wantErr: true,
		},
		{
			name:    "empty sink queue",
			envVars: map[string]string{"SHARE_SINK_QUEUE_SIZE": "0"},
			wantErr: true,
		},
		{
			name:    "extranonce1 too large",
			envVars: map[string]string{"EXTRANONCE1_SIZE": "9"},
			wantErr: true,
		},
		{
			name: "vardiff max below min",
			envVars: map[string]string{
				"VARDIFF_MIN": "1000",
				"VARDIFF_MAX": "10",
			},
			wantErr: true,
		},
		{
			name: "vardiff disabled skips its checks",
			envVars: map[string]string{
				"VARDIFF_ENABLED": "false",
				"VARDIFF_MIN":     "1000",
				"VARDIFF_MAX":     "10",
			},
		},
		{
			name: "mainnet payout address",
			envVars: map[string]string{
				"PAYOUT_ADDRESS": "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
			},
		},
		{
			name: "payout address for the wrong network",
			envVars: map[string]string{
				"NETWORK":        "regtest",
				"PAYOUT_ADDRESS": "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			},
			wantErr: true,
		},
		{
			name:    "garbage payout address",
			envVars: map[string]string{"PAYOUT_ADDRESS": "not-an-address"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.StratumListen == "" {
					t.Error("StratumListen should not be empty")
				}
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.toml")
	data := `
[pool]
id = "btc-test"
network = "testnet3"

[stratum]
listen = ":3334"
extranonce2_size = 8
grace_window = "2s"

[vardiff]
enabled = false

[ban]
enabled = false
duration = "1h"

[database]
driver = "sqlite"
sqlite_path = "/tmp/shares.db"
redis_addr = "localhost:6379"

[relay]
sources = ["tcp://a:5000", "tcp://b:5000"]
encoding = "proto"
compress = true

[kafka]
brokers = ["k1:9092"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STRATUM_LISTEN", ":3335")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PoolID != "btc-test" {
		t.Errorf("PoolID = %s, want btc-test", cfg.PoolID)
	}
	if cfg.StratumListen != ":3335" {
		t.Errorf("StratumListen = %s, want the environment override :3335", cfg.StratumListen)
	}
	if cfg.ExtraNonce2Size != 8 {
		t.Errorf("ExtraNonce2Size = %d, want 8", cfg.ExtraNonce2Size)
	}
	if cfg.ExtraNonce1Size != 4 {
		t.Errorf("ExtraNonce1Size = %d, want the default 4", cfg.ExtraNonce1Size)
	}
	if cfg.GraceWindow != 2*time.Second {
		t.Errorf("GraceWindow = %v, want 2s", cfg.GraceWindow)
	}
	if cfg.VarDiffEnabled || cfg.BanEnabled {
		t.Error("enabled = false in the file should disable vardiff and banning")
	}
	if cfg.BanDuration != time.Hour {
		t.Errorf("BanDuration = %v, want 1h", cfg.BanDuration)
	}
	if !reflect.DeepEqual(cfg.RelaySources, []string{"tcp://a:5000", "tcp://b:5000"}) {
		t.Errorf("RelaySources = %v", cfg.RelaySources)
	}
	if !cfg.RelayCompress {
		t.Error("RelayCompress should be true")
	}

	db := cfg.Database()
	if db.Driver != database.DriverSQLite || db.SQLitePath != "/tmp/shares.db" {
		t.Errorf("Database() = %+v", db)
	}
	if db.Redis == nil || db.Redis.KeyPrefix != "btc-test" {
		t.Errorf("Database().Redis = %+v, want prefix btc-test", db.Redis)
	}
	if db.Influx != nil {
		t.Error("Database().Influx should be nil without a URL")
	}

	if st := cfg.Stratum(); st.VarDiff != nil {
		t.Error("Stratum().VarDiff should be nil when vardiff is disabled")
	}
	if enc, _ := relay.ParseEncoding(cfg.RelayEncoding); enc != relay.EncodingProto {
		t.Errorf("RelayEncoding = %s, want proto", cfg.RelayEncoding)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		data string
	}{
		{name: "bad toml", data: "[pool\nid = 1"},
		{name: "bad duration", data: "[stratum]\ngrace_window = \"soon\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".toml")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			t.Setenv("CONFIG_FILE", path)
			if _, err := Load(); err == nil {
				t.Error("Load() should fail")
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(dir, "absent.toml"))
		if _, err := Load(); err == nil {
			t.Error("Load() should fail for a missing CONFIG_FILE")
		}
	})
}

func TestRequireMining(t *testing.T) {
	cfg := defaults()
	if err := cfg.RequireMining(); err == nil {
		t.Error("RequireMining() should fail without a payout address")
	}

	cfg.PayoutAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	if err := cfg.RequireMining(); err == nil {
		t.Error("RequireMining() should fail without RPC credentials")
	}

	cfg.RPCUser, cfg.RPCPassword = "user", "pass"
	if err := cfg.RequireMining(); err != nil {
		t.Errorf("RequireMining() error = %v", err)
	}
}

func TestNetworkParams(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "mainnet"},
		{name: "mainnet", want: "mainnet"},
		{name: "testnet3", want: "testnet3"},
		{name: "RegTest", want: "regtest"},
		{name: "signet", want: "signet"},
		{name: "litecoin", wantErr: true},
	}

	for _, tt := range tests {
		params, err := NetworkParams(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("NetworkParams(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && params.Name != tt.want {
			t.Errorf("NetworkParams(%q) = %s, want %s", tt.name, params.Name, tt.want)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_FLOAT", "2.5")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_SLICE", "a, b,,c")

	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() = %d, want fallback 7", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 0); got != 2.5 {
		t.Errorf("getEnvFloat() = %v, want 2.5", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want 30s", got)
	}
	if got := getEnvSlice("TEST_SLICE", nil); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("getEnvSlice() = %v, want [a b c]", got)
	}
	if got := getEnv("TEST_UNSET_VALUE", "fallback"); got != "fallback" {
		t.Errorf("getEnv() = %s, want fallback", got)
	}
}
