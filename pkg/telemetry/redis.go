// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/mhzbridge/pkg/bridge"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Channel receives every event via PUBLISH.
	Channel string
	// HistoryLen caps the per-kind history lists; 0 disables them.
	HistoryLen int64
}

// RedisSink publishes events as JSON on a Redis channel and keeps a capped
// history list per kind.
type RedisSink struct {
	client *redis.Client
	opts   RedisOptions
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewRedisSink connects to Redis and verifies the connection with PING.
func NewRedisSink(ctx context.Context, opts RedisOptions, log logrus.FieldLogger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	log.WithField("addr", opts.Addr).Info("Connected to Redis")

	return &RedisSink{client: client, opts: opts, log: log, now: time.Now}, nil
}

func (s *RedisSink) PublishReading(ctx context.Context, r mhz19.Reading) error {
	return s.publish(ctx, ReadingEvent(r, s.now()))
}

func (s *RedisSink) PublishSample(ctx context.Context, smp bridge.Sample) error {
	return s.publish(ctx, SampleEvent(smp, s.now()))
}

// HistoryKey is the list holding recent events of a kind.
func (s *RedisSink) HistoryKey(kind string) string {
	return fmt.Sprintf("%s:%s", s.opts.Channel, kind)
}

func (s *RedisSink) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}

	if err := s.client.Publish(ctx, s.opts.Channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	if s.opts.HistoryLen > 0 {
		key := s.HistoryKey(ev.Kind)
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.opts.HistoryLen-1)
		if _, err := pipe.Exec(ctx); err != nil {
			// The live channel already has the event.
			s.log.WithError(err).WithField("key", key).Warn("Failed to append Redis history")
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
