// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mhz19

// Command names accepted by the control surface.
const (
	NameABCEnable  = "abc_enable"
	NameABCDisable = "abc_disable"
	NameRead       = "read"
	NameCalZero    = "cal_zero"
	NameCalSpan2k  = "cal_span2k"
	NameReset      = "reset"
	NameSetRange2k = "set_range2k"
	NameSetRange5k = "set_range5k"
)

// Command is a named, pre-built sensor command.
type Command struct {
	Name    string
	Payload Payload
	// Ack is the short message returned to a caller once the frame is sent.
	Ack string
}

// Frame returns the wire frame for the command.
func (c Command) Frame() Frame {
	return Encode(c.Payload)
}

// CommandTable maps command names to commands. It is immutable once built.
type CommandTable struct {
	byName map[string]Command
	order  []string
}

// NewCommandTable builds a table from the given commands. Later entries with
// a duplicate name replace earlier ones.
func NewCommandTable(cmds ...Command) *CommandTable {
	t := &CommandTable{byName: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		if _, dup := t.byName[c.Name]; !dup {
			t.order = append(t.order, c.Name)
		}
		t.byName[c.Name] = c
	}
	return t
}

// Lookup resolves a token by exact, case-sensitive match. A miss is not an
// error; callers treat it as a status query.
func (t *CommandTable) Lookup(name string) (Command, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// Names returns the command names in table order.
func (t *CommandTable) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of commands in the table.
func (t *CommandTable) Len() int {
	return len(t.order)
}

// Commands returns the sensor's full command set.
//
// Range values are big-endian in data bytes 3 and 4 (2000 = 0x07D0,
// 5000 = 0x1388); the span point is big-endian in data bytes 0 and 1.
func Commands() []Command {
	return []Command{
		{NameABCEnable, NewPayload(CmdABC, abcOnMarker), "Enabled auto correction baseline"},
		{NameABCDisable, NewPayload(CmdABC, abcOffMarker), "Disabled auto correction baseline"},
		{NameRead, NewPayload(CmdReadCO2), "Performed a read request from the sensor"},
		{NameCalZero, NewPayload(CmdZeroCal), "Reset the baseline to 400ppm"},
		{NameCalSpan2k, NewPayload(CmdSpanCal, 0x07, 0xD0), "Set span point to 2000ppm"},
		{NameReset, NewPayload(CmdReset), "Performed a reset of the sensor"},
		{NameSetRange2k, NewPayload(CmdSetRange, 0x00, 0x00, 0x00, 0x07, 0xD0), "Set sensor range to 2000ppm"},
		{NameSetRange5k, NewPayload(CmdSetRange, 0x00, 0x00, 0x00, 0x13, 0x88), "Set sensor range to 5000ppm"},
	}
}

// DefaultCommands is the process-wide command table.
var DefaultCommands = NewCommandTable(Commands()...)
