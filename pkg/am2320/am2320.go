// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package am2320 drives the AOSONG AM2320 temperature/humidity sensor over
// I2C. The AM2320 is the I2C sibling of the DHT22 and reports the same
// 0.1 °C / 0.1 %RH values.
//
// The sensor sleeps between transactions to limit self-heating. Each read
// first sends a wake-up write, which the sensor NACKs, then issues a Modbus
// style "read registers" request whose reply is protected by a CRC-16.
package am2320

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// DefaultAddress is the sensor's fixed bus address.
const DefaultAddress uint16 = 0x5C

const (
	funcReadRegisters byte = 0x03
	regHumidityHigh   byte = 0x00
	measurementRegs   byte = 4 // humidity high/low, temperature high/low
)

// ErrBadReply is wrapped when the sensor's reply fails the header or CRC check.
var ErrBadReply = errors.New("am2320: invalid reply")

// Opts tunes the bus timing.
type Opts struct {
	// Attempts is how many wake+read cycles Sense tries.
	Attempts int
	// WakeDelay is the pause between the wake-up write and the read request.
	WakeDelay time.Duration
	// RetryDelay is the pause between failed attempts. The sensor samples
	// every 2 seconds.
	RetryDelay time.Duration
}

// DefaultOpts matches the datasheet timing.
var DefaultOpts = Opts{
	Attempts:   3,
	WakeDelay:  2 * time.Millisecond,
	RetryDelay: 2 * time.Second,
}

// Dev is a handle to an AM2320.
type Dev struct {
	d    i2c.Dev
	opts Opts
	mu   sync.Mutex
}

// NewI2C returns a handle to the sensor at addr on bus b. A nil opts selects
// DefaultOpts. No bus traffic happens until Sense.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	o := DefaultOpts
	if opts != nil {
		o = *opts
	}
	if o.Attempts < 1 {
		return nil, fmt.Errorf("am2320: attempts must be at least 1, got %d", o.Attempts)
	}
	return &Dev{d: i2c.Dev{Bus: b, Addr: addr}, opts: o}, nil
}

// Sense reads temperature and humidity. Pressure is always zero.
func (d *Dev) Sense(env *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	*env = physic.Env{}

	var err error
	for attempt := 0; attempt < d.opts.Attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(d.opts.RetryDelay)
		}
		var regs []byte
		if regs, err = d.readRegisters(regHumidityHigh, measurementRegs); err == nil {
			env.Humidity = physic.RelativeHumidity(uint16(regs[0])<<8|uint16(regs[1])) * physic.MilliRH
			env.Temperature = decodeTemperature(regs[2], regs[3])
			return nil
		}
	}
	return fmt.Errorf("am2320: read failed after %d attempts: %w", d.opts.Attempts, err)
}

// readRegisters wakes the sensor and reads count registers starting at reg.
//
// Reply layout: function, count, registers..., CRC low, CRC high.
func (d *Dev) readRegisters(reg, count byte) ([]byte, error) {
	// A sleeping sensor NACKs the wake-up write, so its error is expected.
	_ = d.d.Tx([]byte{0x00}, nil)
	if d.opts.WakeDelay > 0 {
		time.Sleep(d.opts.WakeDelay)
	}

	reply := make([]byte, int(count)+4)
	if err := d.d.Tx([]byte{funcReadRegisters, reg, count}, reply); err != nil {
		return nil, err
	}
	if reply[0] != funcReadRegisters || reply[1] != count {
		return nil, fmt.Errorf("%w: header %02X %02X", ErrBadReply, reply[0], reply[1])
	}
	body := reply[:len(reply)-2]
	got := uint16(reply[len(reply)-2]) | uint16(reply[len(reply)-1])<<8
	if want := crc16(body); got != want {
		return nil, fmt.Errorf("%w: crc 0x%04X, want 0x%04X", ErrBadReply, got, want)
	}
	return reply[2 : 2+int(count)], nil
}

// decodeTemperature converts the sign-magnitude 0.1 °C register pair.
func decodeTemperature(hi, lo byte) physic.Temperature {
	raw := uint16(hi)<<8 | uint16(lo)
	tenths := physic.Temperature(raw & 0x7FFF)
	if raw&0x8000 != 0 {
		tenths = -tenths
	}
	return physic.ZeroCelsius + tenths*(physic.Celsius/10)
}

// crc16 is the Modbus CRC (poly 0xA001 reflected, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Precision returns the resolution of each measured quantity.
func (d *Dev) Precision(env *physic.Env) {
	env.Temperature = physic.Celsius / 10
	env.Pressure = 0
	env.Humidity = physic.MilliRH
}

// Halt is a no-op: Sense is synchronous.
func (d *Dev) Halt() error {
	return nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("am2320{%s}", &d.d)
}

var _ conn.Resource = &Dev{}
