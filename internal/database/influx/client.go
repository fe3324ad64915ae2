// Package influx writes share and block time series to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/log"
)

// Client wraps the non-blocking write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *log.Logger
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects and checks the server health.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := checkHealth(healthCtx, client); err != nil {
		client.Close()
		return nil, err
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.WithComponent("influx"),
		done:     make(chan struct{}),
	}
	go c.drainErrors()
	return c, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

func (c *Client) drainErrors() {
	errs := c.writeAPI.Errors()
	for {
		select {
		case <-c.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.WithError(err).Warn("influx write failed")
		}
	}
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// SharesCommitted records one point per committed share.
func (c *Client) SharesCommitted(_ context.Context, shares []*share.Share) {
	for _, s := range shares {
		c.writeAPI.WritePoint(sharePoint(s))
	}
}

// BlockFound records a block accepted by the daemon.
func (c *Client) BlockFound(_ context.Context, s *share.Share) error {
	c.writeAPI.WritePoint(blockPoint(s))
	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

func shareTags(s *share.Share) map[string]string {
	tags := map[string]string{
		"pool":  s.PoolID,
		"miner": s.Miner,
	}
	if s.Worker != "" {
		tags["worker"] = s.Worker
	}
	if s.Source != "" {
		tags["source"] = s.Source
	}
	return tags
}

func sharePoint(s *share.Share) *write.Point {
	tags := shareTags(s)
	tags["block"] = strconv.FormatBool(s.IsBlockCandidate)

	fields := map[string]any{
		"difficulty":         s.Difficulty,
		"actual_difficulty":  s.ActualDifficulty,
		"network_difficulty": s.NetworkDifficulty,
		"height":             s.BlockHeight,
		"count":              1,
	}
	return write.NewPoint("shares", tags, fields, s.Created)
}

func blockPoint(s *share.Share) *write.Point {
	tags := shareTags(s)
	tags["hash"] = s.BlockHash

	fields := map[string]any{
		"height":             s.BlockHeight,
		"network_difficulty": s.NetworkDifficulty,
		"actual_difficulty":  s.ActualDifficulty,
		"count":              1,
	}
	return write.NewPoint("blocks", tags, fields, s.Created)
}
