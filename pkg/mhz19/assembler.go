// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mhz19

import "time"

// Assembler rebuilds frames that arrive split across several receive bursts.
//
// Bytes before a start byte are skipped. A partial frame older than the
// timeout is discarded when the next burst arrives, so a lost byte costs at
// most one frame. Complete frames are returned unverified; pass them to
// Decode.
type Assembler struct {
	timeout time.Duration
	buf     []byte
	last    time.Time
	skipped int
}

// NewAssembler creates an assembler. A non-positive timeout selects
// DefaultReassembleTimeout.
func NewAssembler(timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultReassembleTimeout
	}
	return &Assembler{
		timeout: timeout,
		buf:     make([]byte, 0, FrameSize),
	}
}

// Reset drops any partial frame.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
}

// Pending returns the number of bytes held for an incomplete frame.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

// Skipped returns the number of bytes discarded while hunting for a start
// byte or expiring stale partial frames.
func (a *Assembler) Skipped() int {
	return a.skipped
}

// Feed adds a burst received at now and returns every frame it completes.
func (a *Assembler) Feed(now time.Time, burst []byte) [][]byte {
	if len(a.buf) > 0 && now.Sub(a.last) > a.timeout {
		a.skipped += len(a.buf)
		a.Reset()
	}
	a.last = now

	var frames [][]byte
	for _, b := range burst {
		if len(a.buf) == 0 && b != StartByte {
			a.skipped++
			continue
		}
		a.buf = append(a.buf, b)
		if len(a.buf) == FrameSize {
			frame := make([]byte, FrameSize)
			copy(frame, a.buf)
			frames = append(frames, frame)
			a.Reset()
		}
	}
	return frames
}
