// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"fmt"
	"time"

	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// Sample is one temperature/humidity measurement from the secondary sensor.
type Sample struct {
	Temperature float64 // °C
	Humidity    float64 // %RH
}

// State is the last known picture of both sensors. It is owned by the
// event loop and handed to each callback; nothing else holds a reference.
type State struct {
	Reading   mhz19.Reading
	ReadingAt time.Time // zero until the first valid frame

	Sample   Sample
	SampleAt time.Time // zero until the first sample
}

// Status is the status blob returned to control requests that do not name
// a command.
type Status struct {
	CO2          int
	Temperature  int
	Status       int
	Temperature2 float64
	Humidity     float64
}

// Status summarises the state for a status query.
func (s *State) Status() Status {
	return Status{
		CO2:          s.Reading.CO2,
		Temperature:  s.Reading.Temperature,
		Status:       int(s.Reading.Status),
		Temperature2: s.Sample.Temperature,
		Humidity:     s.Sample.Humidity,
	}
}

func (s Status) String() string {
	return fmt.Sprintf(`{ "co2": %d, "temp": %d, "status": %d, "temp2": %.1f, "humid": %.1f }`,
		s.CO2, s.Temperature, s.Status, s.Temperature2, s.Humidity)
}

// Reply is the synchronous answer to a control request.
type Reply struct {
	// Command is the name of the command that was sent, or empty when the
	// request was answered with a status snapshot.
	Command string
	Message string
	Status  Status
}

// IsStatus reports whether the reply carries a status snapshot.
func (r Reply) IsStatus() bool {
	return r.Command == ""
}

func (r Reply) String() string {
	if r.IsStatus() {
		return r.Status.String()
	}
	return r.Message
}
