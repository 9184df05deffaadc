// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex bytes>",
	Short: "Decode a frame given as hex",
	Long: `Decode a 9-byte frame given as hex, e.g.

  mhzbridge decode FF 86 01 2C 25 40 00 00 E8
  mhzbridge decode ff8601 2c2540 0000e8

Prints the command, the reading it carries and any anomalies.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

var encodeCmd = &cobra.Command{
	Use:   "encode [command...]",
	Short: "Print the wire frame for named commands",
	Long: `Print the 9-byte wire frame for each named command, or for every
command when none is given.`,
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(encodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	b, err := mhz19.ParseHex(strings.Join(args, " "))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	r, err := mhz19.Decode(b)
	if err != nil {
		var ce *mhz19.ChecksumError
		if len(b) > 1 {
			fmt.Fprintf(out, "Command:  %s\n", mhz19.CommandName(b[1]))
		}
		fmt.Fprintf(out, "Bytes:    %s\n", mhz19.FormatFrame(b))
		if errors.As(err, &ce) {
			fmt.Fprintf(out, "Checksum: 0x%02X, expected 0x%02X\n", ce.Got, ce.Expected)
		}
		return err
	}

	fmt.Fprintf(out, "Command:  %s\n", mhz19.CommandName(b[1]))
	fmt.Fprintf(out, "Bytes:    %s\n", mhz19.FormatFrame(b))
	fmt.Fprintf(out, "Reading:  %s\n", mhz19.FormatReading(r))
	for _, v := range mhz19.ValidateReading(r) {
		fmt.Fprintf(out, "Anomaly:  %s\n", v.Message)
	}
	return nil
}

func runEncode(cmd *cobra.Command, args []string) error {
	names := args
	if len(names) == 0 {
		names = mhz19.DefaultCommands.Names()
	}

	out := cmd.OutOrStdout()
	for _, name := range names {
		c, ok := mhz19.DefaultCommands.Lookup(name)
		if !ok {
			return fmt.Errorf("unknown command %q (known: %v)", name, mhz19.DefaultCommands.Names())
		}
		frame := c.Frame()
		fmt.Fprintf(out, "%-12s %s\n", c.Name, mhz19.FormatFrame(frame.Bytes()))
	}
	return nil
}
