// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry forwards decoded readings and secondary samples to
// external sinks.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/mhzbridge/pkg/bridge"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// Message kinds
const (
	KindReading = "reading"
	KindSample  = "sample"
)

// Event is the serialisable form of one publish.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	CO2         *int `json:"co2,omitempty"`
	Temperature *int `json:"temp,omitempty"`
	Status      *int `json:"status,omitempty"`

	Temperature2 *float64 `json:"temp2,omitempty"`
	Humidity     *float64 `json:"humid,omitempty"`
}

// ReadingEvent builds the event for a decoded reading.
func ReadingEvent(r mhz19.Reading, at time.Time) Event {
	co2, temp, status := r.CO2, r.Temperature, int(r.Status)
	return Event{Kind: KindReading, Timestamp: at, CO2: &co2, Temperature: &temp, Status: &status}
}

// SampleEvent builds the event for a secondary sample.
func SampleEvent(s bridge.Sample, at time.Time) Event {
	temp, humid := s.Temperature, s.Humidity
	return Event{Kind: KindSample, Timestamp: at, Temperature2: &temp, Humidity: &humid}
}

// Multi fans every publish out to all sinks and joins their errors.
type Multi []bridge.Sink

func (m Multi) PublishReading(ctx context.Context, r mhz19.Reading) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PublishReading(ctx, r))
	}
	return errors.Join(errs...)
}

func (m Multi) PublishSample(ctx context.Context, s bridge.Sample) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.PublishSample(ctx, s))
	}
	return errors.Join(errs...)
}

// LogSink writes each publish to a logger at info level.
type LogSink struct {
	Log logrus.FieldLogger
}

func (l LogSink) PublishReading(_ context.Context, r mhz19.Reading) error {
	l.Log.WithFields(logrus.Fields{
		"co2":    r.CO2,
		"temp":   r.Temperature,
		"status": r.Status,
	}).Info("Sensor reading")
	return nil
}

func (l LogSink) PublishSample(_ context.Context, s bridge.Sample) error {
	l.Log.WithFields(logrus.Fields{
		"temperature": s.Temperature,
		"humidity":    s.Humidity,
	}).Info("Secondary sample")
	return nil
}

var (
	_ bridge.Sink = Multi(nil)
	_ bridge.Sink = LogSink{}
)
