// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/Thermoquad/mhzbridge/pkg/am2320"
	"github.com/Thermoquad/mhzbridge/pkg/bridge"
	"github.com/Thermoquad/mhzbridge/pkg/config"
	"github.com/Thermoquad/mhzbridge/pkg/telemetry"
)

type closers []io.Closer

func (c closers) Close() error {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].Close()
	}
	return nil
}

// openSampler opens the secondary sensor and takes the first sample. A
// sensor that cannot be read at startup is fatal.
func openSampler(cfg config.SecondaryConfig, log logrus.FieldLogger) (bridge.Sampler, io.Closer, error) {
	if cfg.Driver == config.DriverNone {
		log.WithFields(logrus.Fields{
			"temperature": cfg.Temperature,
			"humidity":    cfg.Humidity,
		}).Info("No secondary sensor, using fixed values")
		return bridge.FixedSampler{Temperature: cfg.Temperature, Humidity: cfg.Humidity}, closers(nil), nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialise host drivers: %w", err)
	}

	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open I2C bus %q: %w", cfg.Bus, err)
	}

	dev, err := am2320.NewI2C(bus, cfg.Address, &am2320.Opts{
		Attempts:   cfg.Attempts,
		WakeDelay:  cfg.WakeDelay,
		RetryDelay: cfg.RetryDelay,
	})
	if err != nil {
		bus.Close()
		return nil, nil, err
	}

	sampler := bridge.EnvSampler{Sensor: dev}
	first, err := sampler.Sample()
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("failed to read %s: %w", dev, err)
	}

	log.WithFields(logrus.Fields{
		"device":      dev.String(),
		"bus":         bus.String(),
		"temperature": first.Temperature,
		"humidity":    first.Humidity,
	}).Info("Secondary sensor ready")

	return sampler, bus, nil
}

// openSinks builds the telemetry fan-out from the configuration.
func openSinks(ctx context.Context, cfg config.TelemetryConfig, log logrus.FieldLogger) (bridge.Sink, io.Closer, error) {
	sinks := telemetry.Multi{telemetry.LogSink{Log: log}}
	var cl closers

	if cfg.Redis.Enabled {
		r, err := telemetry.NewRedisSink(ctx, telemetry.RedisOptions{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			Channel:    cfg.Redis.Channel,
			HistoryLen: cfg.Redis.HistoryLen,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, r)
		cl = append(cl, r)
	}

	if cfg.WebSocket.Enabled {
		ws := telemetry.NewWebSocketSink(cfg.WebSocket.URL, http.Header{})
		sinks = append(sinks, ws)
		cl = append(cl, ws)
		log.WithField("url", cfg.WebSocket.URL).Info("WebSocket telemetry enabled")
	}

	return sinks, cl, nil
}

// pumpBursts forwards receive bursts from conn to the bridge until the
// connection fails or ctx ends.
func pumpBursts(ctx context.Context, conn Connection, b *bridge.Bridge, log logrus.FieldLogger) error {
	for {
		burst, err := conn.ReadBurst()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		log.WithField("bytes", len(burst)).Trace("Receive burst")
		if err := b.Receive(ctx, burst); err != nil {
			return nil
		}
	}
}
