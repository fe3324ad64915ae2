package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/share"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults ssl mode",
			cfg:  Config{Host: "db", Port: 5432, Database: "pool", User: "pool", Password: "secret"},
			want: "host='db' port=5432 dbname='pool' user='pool' password='secret' sslmode='disable'",
		},
		{
			name: "quotes special characters",
			cfg:  Config{Host: "db", Port: 5432, Database: "pool", User: "pool", Password: `it's a \pass`, SSLMode: "require"},
			want: `host='db' port=5432 dbname='pool' user='pool' password='it\'s a \\pass' sslmode='require'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, Database: "pool", User: "pool", Password: "secret"}
	got := cfg.Redacted()
	if strings.Contains(got, "secret") {
		t.Errorf("Redacted() = %s leaks the password", got)
	}
	if got != "postgres://pool@db:5432/pool" {
		t.Errorf("Redacted() = %s", got)
	}
}

func TestRows(t *testing.T) {
	s := &share.Share{
		PoolID:           "btc1",
		Miner:            "m",
		BlockHeight:      101,
		BlockHash:        "00ab",
		ConfirmationData: "txid",
		IsBlockCandidate: true,
		Created:          time.Unix(1700000000, 0),
	}

	if row := shareRow(s); len(row) != len(shareColumns) {
		t.Errorf("shareRow() has %d values for %d columns", len(row), len(shareColumns))
	}
	row := blockRow(s)
	if strings.Count(insertBlock, "$") != len(row) {
		t.Errorf("blockRow() has %d values for %d placeholders", len(row), strings.Count(insertBlock, "$"))
	}
	if row[4] != BlockStatusPending || row[5] != "txid" {
		t.Errorf("blockRow() = %v", row)
	}
}
