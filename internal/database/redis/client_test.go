package redis

import (
	"testing"

	"github.com/bardlex/poolcore/internal/share"
)

func TestJoinKey(t *testing.T) {
	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"btc1", []string{"ban", "10.0.0.1"}, "btc1:ban:10.0.0.1"},
		{"", []string{"ban", "10.0.0.1"}, "ban:10.0.0.1"},
		{"btc1", nil, "btc1"},
		{"", []string{"worker", "btc1", "m.rig"}, "worker:btc1:m.rig"},
	}

	for _, tt := range tests {
		if got := joinKey(tt.prefix, tt.parts...); got != tt.want {
			t.Errorf("joinKey(%q, %v) = %s, want %s", tt.prefix, tt.parts, got, tt.want)
		}
	}
}

func TestStatsField(t *testing.T) {
	tests := []struct {
		miner, worker string
		want          string
	}{
		{"bc1qminer", "rig1", "bc1qminer.rig1"},
		{"bc1qminer", "", "bc1qminer"},
	}

	for _, tt := range tests {
		s := &share.Share{Miner: tt.miner, Worker: tt.worker}
		if got := statsField(s); got != tt.want {
			t.Errorf("statsField(%s, %s) = %s, want %s", tt.miner, tt.worker, got, tt.want)
		}
	}
}
