// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/mhzbridge/pkg/metrics"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// Parser applies received bytes to the state.
type Parser struct {
	sink           Sink
	log            logrus.FieldLogger
	metrics        *metrics.Metrics
	stats          *mhz19.Statistics
	assembler      *mhz19.Assembler // nil: one burst must be exactly one frame
	publishTimeout time.Duration
	now            func() time.Time
}

// Handle processes one receive burst: every byte the transport had available
// when it reported data.
//
// Without an assembler, a burst that is not exactly one frame long is
// dropped and nothing carries over to the next burst.
func (p *Parser) Handle(ctx context.Context, st *State, burst []byte) {
	if len(burst) == 0 {
		return
	}
	p.metrics.Received(len(burst))

	if p.assembler != nil {
		for _, frame := range p.assembler.Feed(p.now(), burst) {
			p.handleFrame(ctx, st, frame)
		}
		return
	}

	if len(burst) != mhz19.FrameSize {
		p.metrics.MalformedBurst()
		p.stats.Update(mhz19.Verify(burst), nil)
		p.log.WithField("bytes", len(burst)).Debug("Dropped burst that is not a single frame")
		return
	}
	p.handleFrame(ctx, st, burst)
}

func (p *Parser) handleFrame(ctx context.Context, st *State, frame []byte) {
	r, err := mhz19.Decode(frame)
	if err != nil {
		p.stats.Update(err, nil)
		p.metrics.ChecksumFailed()
		p.log.WithError(err).WithField("frame", mhz19.FormatFrame(frame)).Warn("Dropped frame")
		return
	}

	st.Reading = r
	st.ReadingAt = p.now()

	anomalies := mhz19.ValidateReading(r)
	p.stats.Update(nil, anomalies)
	p.metrics.Reading(r.CO2, r.Temperature, r.Status)

	log := p.log.WithFields(logrus.Fields{
		"co2":    r.CO2,
		"temp":   r.Temperature,
		"status": r.Status,
	})
	for _, a := range anomalies {
		log.Debug(a.Message)
	}
	log.Debug("Reading updated")

	pctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	if err := p.sink.PublishReading(pctx, r); err != nil {
		p.metrics.SinkFailed("reading")
		log.WithError(err).Warn("Failed to publish reading")
	}
}
