// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes bridge activity as Prometheus collectors.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mhzbridge"

// Metrics holds the bridge's collectors.
type Metrics struct {
	CommandsSent    *prometheus.CounterVec
	StatusQueries   prometheus.Counter
	TransmitErrors  prometheus.Counter
	FramesDecoded   prometheus.Counter
	ChecksumErrors  prometheus.Counter
	MalformedBursts prometheus.Counter
	BytesReceived   prometheus.Counter
	SampleErrors    prometheus.Counter
	SinkErrors      *prometheus.CounterVec

	CO2                  prometheus.Gauge
	Temperature          prometheus.Gauge
	SensorStatus         prometheus.Gauge
	SecondaryTemperature prometheus.Gauge
	Humidity             prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Command frames written to the sensor.",
		}, []string{"command"}),
		StatusQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_queries_total",
			Help:      "Control requests answered from the last known state.",
		}),
		TransmitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmit_errors_total",
			Help:      "Command frames that failed to write.",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Response frames that passed the checksum.",
		}),
		ChecksumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_errors_total",
			Help:      "Response frames dropped for a checksum mismatch.",
		}),
		MalformedBursts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_bursts_total",
			Help:      "Receive bursts dropped because they were not one frame long.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes received from the sensor.",
		}),
		SampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secondary_sample_errors_total",
			Help:      "Failed temperature/humidity samples.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_errors_total",
			Help:      "Telemetry publishes that failed.",
		}, []string{"kind"}),
		CO2: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "co2_ppm",
			Help:      "Last decoded CO2 concentration.",
		}),
		Temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_temperature_celsius",
			Help:      "Last temperature reported by the CO2 sensor.",
		}),
		SensorStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_status",
			Help:      "Last raw status byte reported by the CO2 sensor.",
		}),
		SecondaryTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "secondary_temperature_celsius",
			Help:      "Last temperature from the secondary sensor.",
		}),
		Humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "secondary_humidity_percent",
			Help:      "Last relative humidity from the secondary sensor.",
		}),
	}

	reg.MustRegister(
		m.CommandsSent,
		m.StatusQueries,
		m.TransmitErrors,
		m.FramesDecoded,
		m.ChecksumErrors,
		m.MalformedBursts,
		m.BytesReceived,
		m.SampleErrors,
		m.SinkErrors,
		m.CO2,
		m.Temperature,
		m.SensorStatus,
		m.SecondaryTemperature,
		m.Humidity,
	)
	return m
}

func (m *Metrics) CommandSent(name string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(name).Inc()
}

func (m *Metrics) StatusQuery() {
	if m == nil {
		return
	}
	m.StatusQueries.Inc()
}

func (m *Metrics) TransmitFailed() {
	if m == nil {
		return
	}
	m.TransmitErrors.Inc()
}

func (m *Metrics) Received(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// Reading records a decoded response frame.
func (m *Metrics) Reading(co2, temperature int, status byte) {
	if m == nil {
		return
	}
	m.FramesDecoded.Inc()
	m.CO2.Set(float64(co2))
	m.Temperature.Set(float64(temperature))
	m.SensorStatus.Set(float64(status))
}

func (m *Metrics) ChecksumFailed() {
	if m == nil {
		return
	}
	m.ChecksumErrors.Inc()
}

func (m *Metrics) MalformedBurst() {
	if m == nil {
		return
	}
	m.MalformedBursts.Inc()
}

// Sample records a secondary sensor sample.
func (m *Metrics) Sample(temperature, humidity float64) {
	if m == nil {
		return
	}
	m.SecondaryTemperature.Set(temperature)
	m.Humidity.Set(humidity)
}

func (m *Metrics) SampleFailed() {
	if m == nil {
		return
	}
	m.SampleErrors.Inc()
}

// SinkFailed records a failed telemetry publish of the given kind
// ("reading" or "sample").
func (m *Metrics) SinkFailed(kind string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(kind).Inc()
}
