package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventStream = "vivarium:events"

// RedisBridge replicates bus events across instances through one Redis
// stream. Each bridge tags its entries with an instance ID so it can
// skip its own echoes.
type RedisBridge struct {
	rdb      *redis.Client
	bus      *Bus
	instance string
	logger   *zap.Logger
}

// NewRedisBridge connects to Redis and returns the bridge.
func NewRedisBridge(redisURL string, bus *Bus, logger *zap.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBridge{
		rdb:      rdb,
		bus:      bus,
		instance: uuid.NewString(),
		logger:   logger,
	}, nil
}

type streamEntry struct {
	Instance string `json:"instance"`
	Event    Event  `json:"event"`
}

// Run mirrors local events to the stream and relays remote entries onto
// the local bus until the context is canceled.
func (b *RedisBridge) Run(ctx context.Context) {
	go b.publishLoop(ctx)
	b.readLoop(ctx)
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	events, cancel := b.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.relayed {
				continue
			}
			data, err := json.Marshal(streamEntry{Instance: b.instance, Event: ev})
			if err != nil {
				continue
			}
			err = b.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: eventStream,
				MaxLen: 1024,
				Approx: true,
				Values: map[string]interface{}{"data": string(data)},
			}).Err()
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("redis publish failed", zap.Error(err))
			}
		}
	}
}

func (b *RedisBridge) readLoop(ctx context.Context) {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{eventStream, lastID},
			Count:   32,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var entry streamEntry
				if json.Unmarshal([]byte(data), &entry) != nil {
					continue
				}
				if entry.Instance == b.instance {
					continue
				}
				entry.Event.relayed = true
				b.bus.deliver(entry.Event)
			}
		}
	}
}

// Close shuts down the Redis connection.
func (b *RedisBridge) Close() error {
	return b.rdb.Close()
}
