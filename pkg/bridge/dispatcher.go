// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/mhzbridge/pkg/metrics"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// Dispatcher turns control tokens into command frames.
type Dispatcher struct {
	commands       *mhz19.CommandTable
	conn           io.Writer
	sampler        Sampler
	sink           Sink
	log            logrus.FieldLogger
	metrics        *metrics.Metrics
	publishTimeout time.Duration
	now            func() time.Time
}

// Dispatch handles one control token against st.
//
// A token naming a command resamples the secondary sensor, writes the
// command frame and returns the command's acknowledgement. The write is not
// awaited: the sensor's answer updates st later, through the parser.
//
// Any other token, including the empty one, returns the status held in st
// without touching the sensor. That status may predate a command sent in the
// previous request.
func (d *Dispatcher) Dispatch(ctx context.Context, st *State, token string) Reply {
	cmd, ok := d.commands.Lookup(token)
	if !ok {
		d.metrics.StatusQuery()
		return Reply{Status: st.Status()}
	}

	d.sample(ctx, st)
	d.transmit(cmd)

	return Reply{Command: cmd.Name, Message: cmd.Ack}
}

// sample refreshes the secondary reading. On failure the previous sample
// stays in place.
func (d *Dispatcher) sample(ctx context.Context, st *State) {
	s, err := d.sampler.Sample()
	if err != nil {
		d.metrics.SampleFailed()
		d.log.WithError(err).Warn("Secondary sensor sample failed")
		return
	}

	st.Sample = s
	st.SampleAt = d.now()
	d.metrics.Sample(s.Temperature, s.Humidity)

	pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	if err := d.sink.PublishSample(pctx, s); err != nil {
		d.metrics.SinkFailed("sample")
		d.log.WithError(err).Warn("Failed to publish secondary sample")
	}
}

func (d *Dispatcher) transmit(cmd mhz19.Command) {
	frame := cmd.Frame()
	log := d.log.WithFields(logrus.Fields{
		"command": cmd.Name,
		"frame":   mhz19.FormatFrame(frame.Bytes()),
	})

	if _, err := d.conn.Write(frame.Bytes()); err != nil {
		d.metrics.TransmitFailed()
		log.WithError(err).Error("Failed to write command frame")
		return
	}

	d.metrics.CommandSent(cmd.Name)
	log.Debug("Command frame sent")
}
