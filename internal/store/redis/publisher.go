package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"trading-breakout/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	decisionStream   = "stream:decisions"
	tradeStream      = "stream:trades"
	streamMaxLen     = 20000
	defaultLatestTTL = 24 * time.Hour
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher mirrors trades, state transitions and daily snapshots into Redis
// for dashboards. The journal stays the record of truth.
type Publisher struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
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

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client}, nil
}

// Ping reports whether the server is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// RecordTrade appends a fill to the trade stream and publishes it.
func (p *Publisher) RecordTrade(ctx context.Context, t model.TradeRecord) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: tradeStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, tradeChannel(t.Token), jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis trade %s: %w", t.Token, err)
	}
	return nil
}

// RecordDecision appends a transition to the decision stream, refreshes the
// symbol's latest state and publishes it.
func (p *Publisher) RecordDecision(ctx context.Context, d model.DecisionRecord) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: decisionStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, latestKey(d.Token), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, stateChannel(d.Token), jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis decision %s: %w", d.Token, err)
	}
	return nil
}

// RecordDailySnapshots stores one hash per session date, keyed by token.
func (p *Publisher) RecordDailySnapshots(ctx context.Context, snaps []model.DailySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, s := range snaps {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, dailyKey(s.Date), s.Token, string(data))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis daily snapshots: %w", err)
	}
	return nil
}

// Latest returns the last published transition for token.
func (p *Publisher) Latest(ctx context.Context, token string) (model.DecisionRecord, bool, error) {
	var d model.DecisionRecord
	raw, err := p.client.Get(ctx, latestKey(token)).Bytes()
	if err == goredis.Nil {
		return d, false, nil
	}
	if err != nil {
		return d, false, fmt.Errorf("redis GET %s: %w", latestKey(token), err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, false, err
	}
	return d, true, nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func latestKey(token string) string    { return "pos:latest:" + token }
func stateChannel(token string) string { return "pub:pos:" + token }
func tradeChannel(token string) string { return "pub:trade:" + token }
func dailyKey(date string) string      { return "pos:daily:" + date }
