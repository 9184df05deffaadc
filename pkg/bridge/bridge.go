// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge connects an MH-Z19 sensor to a request/response control
// surface.
//
// Every entry point (control requests, receive bursts from the serial line,
// poll ticks and state inspection) runs as a callback on the single goroutine
// started by Bridge.Run, so the shared State needs no lock. Commands are
// written fire-and-forget: a command's response reaches the State only when a
// later receive burst is decoded, and nothing correlates the two. Commands
// sent faster than the sensor answers may interleave on the wire.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/mhzbridge/pkg/metrics"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// DefaultPollInterval is the period of the background read command.
const DefaultPollInterval = 30 * time.Second

// DefaultPublishTimeout bounds each telemetry publish.
const DefaultPublishTimeout = 2 * time.Second

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("bridge stopped")

// Sampler reads the secondary temperature/humidity sensor.
type Sampler interface {
	Sample() (Sample, error)
}

// Sink receives telemetry. Publishes run on the event loop, bounded by the
// publish timeout.
type Sink interface {
	PublishReading(ctx context.Context, r mhz19.Reading) error
	PublishSample(ctx context.Context, s Sample) error
}

// Config wires a Bridge.
type Config struct {
	// Conn receives command frames. Required.
	Conn io.Writer
	// Sampler is read before every command. Required.
	Sampler Sampler
	// Sink receives decoded readings and samples; nil discards them.
	Sink Sink
	// Commands defaults to mhz19.DefaultCommands.
	Commands *mhz19.CommandTable
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics

	PollInterval   time.Duration
	PublishTimeout time.Duration

	// Reassemble rebuilds frames split across receive bursts. Off by
	// default: a burst must then hold exactly one frame.
	Reassemble        bool
	ReassembleTimeout time.Duration

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// Snapshot is a copy of the loop's state taken on the loop.
type Snapshot struct {
	State State
	Stats mhz19.Statistics
}

type request struct {
	token string
	reply chan Reply
}

// Bridge owns the shared State and the goroutine that serialises access
// to it.
type Bridge struct {
	dispatcher *Dispatcher
	parser     *Parser
	interval   time.Duration
	log        logrus.FieldLogger

	state State
	stats *mhz19.Statistics

	requests  chan request
	bursts    chan []byte
	snapshots chan chan Snapshot
	done      chan struct{}
}

// New creates a bridge. Call Run to start its event loop.
func New(cfg Config) (*Bridge, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("bridge: no serial connection")
	}
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("bridge: no secondary sensor")
	}
	if cfg.Sink == nil {
		cfg.Sink = discard{}
	}
	if cfg.Commands == nil {
		cfg.Commands = mhz19.DefaultCommands
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	stats := mhz19.NewStatistics()

	var assembler *mhz19.Assembler
	if cfg.Reassemble {
		assembler = mhz19.NewAssembler(cfg.ReassembleTimeout)
	}

	return &Bridge{
		dispatcher: &Dispatcher{
			commands:       cfg.Commands,
			conn:           cfg.Conn,
			sampler:        cfg.Sampler,
			sink:           cfg.Sink,
			log:            cfg.Logger.WithField("component", "dispatcher"),
			metrics:        cfg.Metrics,
			publishTimeout: cfg.PublishTimeout,
			now:            cfg.Now,
		},
		parser: &Parser{
			sink:           cfg.Sink,
			log:            cfg.Logger.WithField("component", "parser"),
			metrics:        cfg.Metrics,
			stats:          stats,
			assembler:      assembler,
			publishTimeout: cfg.PublishTimeout,
			now:            cfg.Now,
		},
		interval:  cfg.PollInterval,
		log:       cfg.Logger,
		stats:     stats,
		requests:  make(chan request),
		bursts:    make(chan []byte),
		snapshots: make(chan chan Snapshot),
		done:      make(chan struct{}),
	}, nil
}

// Run executes the event loop until ctx is cancelled. The first poll fires
// one interval after Run starts. Run must be called once.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.log.WithField("interval", b.interval).Info("Bridge event loop started")

	for {
		select {
		case <-ctx.Done():
			b.log.Info("Bridge event loop stopped")
			return ctx.Err()

		case req := <-b.requests:
			req.reply <- b.dispatcher.Dispatch(ctx, &b.state, req.token)

		case burst := <-b.bursts:
			b.parser.Handle(ctx, &b.state, burst)

		case <-ticker.C:
			b.poll(ctx)

		case reply := <-b.snapshots:
			reply <- Snapshot{State: b.state, Stats: *b.stats}
		}
	}
}

// poll issues the read command regardless of whether the previous poll was
// answered.
func (b *Bridge) poll(ctx context.Context) {
	b.log.Debug("Polling sensor")
	b.dispatcher.Dispatch(ctx, &b.state, mhz19.NameRead)
}

// Do submits a control token and waits for the loop to answer it.
func (b *Bridge) Do(ctx context.Context, token string) (Reply, error) {
	req := request{token: token, reply: make(chan Reply, 1)}
	select {
	case b.requests <- req:
	case <-b.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	// Once accepted, the loop always answers before doing anything else.
	return <-req.reply, nil
}

// Receive hands a receive burst to the loop. The burst is copied, so the
// caller may reuse its buffer.
func (b *Bridge) Receive(ctx context.Context, burst []byte) error {
	cp := make([]byte, len(burst))
	copy(cp, burst)
	select {
	case b.bursts <- cp:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current state and frame statistics.
func (b *Bridge) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case b.snapshots <- reply:
	case <-b.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return <-reply, nil
}

// Done is closed when Run returns.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

type discard struct{}

func (discard) PublishReading(context.Context, mhz19.Reading) error { return nil }
func (discard) PublishSample(context.Context, Sample) error          { return nil }
