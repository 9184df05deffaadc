// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mhz19

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CommandName returns the protocol name for a command byte
func CommandName(cmd byte) string {
	switch cmd {
	case CmdABC:
		return "ABC_LOGIC"
	case CmdReadCO2:
		return "READ_CO2"
	case CmdZeroCal:
		return "ZERO_POINT_CAL"
	case CmdSpanCal:
		return "SPAN_POINT_CAL"
	case CmdReset:
		return "RESET"
	case CmdSetRange:
		return "SET_RANGE"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", cmd)
	}
}

// FormatFrame renders raw bytes as space-separated hex, e.g. "FF 86 01 2C".
func FormatFrame(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

// ParseHex parses hex bytes written either contiguously ("ff8601") or
// separated by spaces, commas or colons, with optional 0x prefixes.
func ParseHex(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == '\t' || r == '\n'
	})
	var sb strings.Builder
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 == 1 {
			f = "0" + f
		}
		sb.WriteString(f)
	}
	b, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// FormatReading formats a reading into a human-readable line
func FormatReading(r Reading) string {
	validity := "valid"
	if !r.Valid() {
		validity = "not ready"
	}
	return fmt.Sprintf("co2=%d ppm temp=%d°C status=%d (%s)", r.CO2, r.Temperature, r.Status, validity)
}

// FormatResponse formats a received frame: its command, raw bytes and, if it
// decodes, the reading it carries.
func FormatResponse(b []byte) string {
	var cmd byte
	if len(b) > 1 {
		cmd = b[1]
	}
	result := fmt.Sprintf("%s [%s]", CommandName(cmd), FormatFrame(b))
	r, err := Decode(b)
	if err != nil {
		return result + fmt.Sprintf(" error: %v", err)
	}
	return result + " " + FormatReading(r)
}
