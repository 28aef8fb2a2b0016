// Package redis publishes the latest feature row to Redis for downstream
// consumers: SET of the latest row, a capped stream of recent rows, and a
// PubSub notification, all in one pipeline behind a circuit breaker.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"klinefeed/internal/feature"
)

const (
	defaultLatestTTL    = 30 * time.Minute
	defaultStreamMaxLen = 5000
)

// PublisherConfig configures the Redis publisher.
type PublisherConfig struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	KeyPrefix string // e.g. "klinefeed:btcusdt:m15"
	Channel   string // PubSub channel for new rows

	MaxFailures  int           // consecutive failures before the breaker opens
	ResetTimeout time.Duration // breaker open duration before a probe
}

func (c *PublisherConfig) defaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "klinefeed"
	}
	if c.Channel == "" {
		c.Channel = c.KeyPrefix + ":features"
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
}

// Publisher writes feature rows to Redis.
type Publisher struct {
	client  *goredis.Client
	cfg     PublisherConfig
	breaker *CircuitBreaker
}

// New creates a Publisher and pings the server.
func New(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("component", "redis").Str("addr", cfg.Addr).Msg("connected")
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg PublisherConfig) *Publisher {
	cfg.defaults()
	cb := NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout)
	cb.OnStateChange = func(from, to State) {
		log.Warn().Str("component", "redis").Stringer("from", from).Stringer("to", to).Msg("circuit breaker transition")
	}
	return &Publisher{client: client, cfg: cfg, breaker: cb}
}

// Breaker exposes the publisher's circuit breaker for health reporting.
func (p *Publisher) Breaker() *CircuitBreaker { return p.breaker }

// LatestKey is the key holding the most recent feature row.
func (p *Publisher) LatestKey() string { return p.cfg.KeyPrefix + ":latest" }

// StreamKey is the capped stream of recent feature rows.
func (p *Publisher) StreamKey() string { return p.cfg.KeyPrefix + ":stream" }

// Publish writes the last row of tbl. An empty table is a no-op.
func (p *Publisher) Publish(ctx context.Context, tbl *feature.Table) error {
	if tbl.Len() == 0 {
		return nil
	}
	payload, err := EncodeRow(tbl, tbl.Len()-1)
	if err != nil {
		return err
	}
	data := string(payload)

	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := p.client.Pipeline()
		pipe.Set(ctx, p.LatestKey(), data, defaultLatestTTL)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.StreamKey(),
			MaxLen: defaultStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Publish(ctx, p.cfg.Channel, data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis publish pipeline: %w", err)
		}
		return nil
	})
}

// Close releases the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// EncodeRow renders row i of tbl as a JSON object with keys in column order.
// Nulls and non-finite floats encode as null.
func EncodeRow(tbl *feature.Table, i int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for n, c := range tbl.Columns() {
		if n > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		v := c.Value(i)
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			v = nil
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("redis encode %s: %w", c.Name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
