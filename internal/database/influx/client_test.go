package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolcore/internal/share"
)

func TestSharePoint(t *testing.T) {
	s := &share.Share{
		PoolID:            "btc1",
		Miner:             "bc1qminer",
		Worker:            "rig1",
		Source:            "eu1",
		BlockHeight:       800000,
		Difficulty:        1024,
		ActualDifficulty:  2048.5,
		NetworkDifficulty: 1e12,
		Created:           time.Unix(1700000000, 0),
	}

	line := write.PointToLineProtocol(sharePoint(s), time.Second)
	for _, want := range []string{
		"shares,",
		"block=false",
		"miner=bc1qminer",
		"pool=btc1",
		"source=eu1",
		"worker=rig1",
		"difficulty=1024",
		"actual_difficulty=2048.5",
		"height=800000i",
		"1700000000",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestBlockPoint(t *testing.T) {
	s := &share.Share{PoolID: "btc1", Miner: "m", BlockHeight: 101, BlockHash: "00ab", Created: time.Unix(1700000000, 0)}

	line := write.PointToLineProtocol(blockPoint(s), time.Second)
	if !strings.HasPrefix(line, "blocks,") || !strings.Contains(line, "hash=00ab") || !strings.Contains(line, "height=101i") {
		t.Errorf("block line = %q", line)
	}
	if strings.Contains(line, "worker=") {
		t.Errorf("block line %q has an empty worker tag", line)
	}
}
