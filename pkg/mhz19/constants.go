// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mhz19 implements the 9-byte serial protocol spoken by MH-Z19 style
// NDIR CO2 sensors.
//
// Every message is a fixed-size frame:
//
//	[0xFF] [address|command] [command|data...] ... [checksum]
//
// Commands sent to the sensor carry the address byte 0x01 followed by the
// command byte; responses echo the command byte in position 1. The checksum
// is the two's-complement of the sum of bytes 1 through 7.
package mhz19

import "time"

// Framing
const (
	StartByte   = 0xFF
	AddressByte = 0x01

	FrameSize   = 9
	PayloadSize = 8
)

// Serial line settings. The sensor only talks 9600 8N1.
const (
	BaudRate = 9600
	DataBits = 8
)

// Command bytes
const (
	CmdABC       = 0x79
	CmdReadCO2   = 0x86
	CmdZeroCal   = 0x87
	CmdSpanCal   = 0x88
	CmdReset     = 0x8D
	CmdSetRange  = 0x99
	abcOnMarker  = 0xA0
	abcOffMarker = 0x00
)

// Reading conversion
const (
	TemperatureOffset = 37
	StatusValid       = 64
)

// Sensor limits used by the validator
const (
	MaxCO2          = 10000
	MinTemperatureC = -40
	MaxTemperatureC = 85
)

// DefaultReassembleTimeout is how long the assembler keeps a partial frame
// waiting for its remaining bytes.
const DefaultReassembleTimeout = 200 * time.Millisecond
