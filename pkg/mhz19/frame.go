// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mhz19

import (
	"errors"
	"fmt"
)

// ErrFrameLength is returned when a frame is not exactly FrameSize bytes.
var ErrFrameLength = errors.New("frame length mismatch")

// ErrChecksum matches every *ChecksumError via errors.Is.
var ErrChecksum = errors.New("checksum mismatch")

// ChecksumError reports a frame whose trailing byte does not match the
// checksum computed over its body.
type ChecksumError struct {
	Expected byte
	Got      byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%02X, got 0x%02X", e.Expected, e.Got)
}

// Is lets errors.Is(err, ErrChecksum) match.
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksum
}

// Payload is a frame without its checksum: start byte, address, command and
// five data bytes.
type Payload [PayloadSize]byte

// NewPayload builds a command payload addressed to the sensor.
func NewPayload(command byte, data ...byte) Payload {
	p := Payload{StartByte, AddressByte, command}
	copy(p[3:], data)
	return p
}

// Frame is a complete 9-byte wire frame.
type Frame [FrameSize]byte

// Bytes returns the frame as a slice, ready for transmission.
func (f Frame) Bytes() []byte {
	return f[:]
}

// Command returns the command byte of a command frame.
func (f Frame) Command() byte {
	return f[2]
}

// Encode appends the computed checksum to a payload.
func Encode(p Payload) Frame {
	var f Frame
	copy(f[:], p[:])
	f[FrameSize-1] = Checksum(f[:])
	return f
}

// Reading is the measurement carried by a read response frame.
type Reading struct {
	CO2         int // ppm
	Temperature int // °C
	Status      byte
}

// Valid reports whether the sensor flagged the readout as valid.
func (r Reading) Valid() bool {
	return r.Status == StatusValid
}

// Verify checks the length and checksum of a received frame.
func Verify(b []byte) error {
	if len(b) != FrameSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameLength, len(b), FrameSize)
	}
	if expected := Checksum(b); expected != b[FrameSize-1] {
		return &ChecksumError{Expected: expected, Got: b[FrameSize-1]}
	}
	return nil
}

// Decode validates a single received frame and extracts the reading from it.
// The frame must already be delimited: no resynchronisation is attempted.
func Decode(b []byte) (Reading, error) {
	if err := Verify(b); err != nil {
		return Reading{}, err
	}
	return Reading{
		CO2:         256*int(b[2]) + int(b[3]),
		Temperature: int(b[4]) - TemperatureOffset,
		Status:      b[5],
	}, nil
}
