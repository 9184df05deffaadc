// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mhz19

// Checksum computes the frame checksum over bytes 1..7 of a frame (the
// address/command byte and the five data bytes following it). Byte 0 and
// byte 8, when present, are ignored.
//
// b must hold at least 8 bytes.
func Checksum(b []byte) byte {
	var sum byte
	for i := 1; i < PayloadSize; i++ {
		sum += b[i]
	}
	return 0xFF - sum + 1
}
