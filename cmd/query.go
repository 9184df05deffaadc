// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

var (
	queryTimeout time.Duration
	queryCount   int
	queryCommand string
)

// errQueryTimeout is returned when no response frame arrives in time.
var errQueryTimeout = errors.New("timeout")

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send a command to the sensor and wait for its response frame",
	Long: `Send a named command directly to the sensor and wait for a response frame.

The frame is written without going through the bridge, and the next frame
echoing the command byte counts as the response. Split frames are reassembled.

This is useful for verifying:
  - The serial line or WebSocket bridge is connected
  - HTTP Basic authentication works
  - The sensor answers and its frames pass the checksum

Exit codes:
  0 - All queries answered
  1 - One or more queries failed/timed out
  2 - Connection error`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 5*time.Second, "Timeout for each response")
	queryCmd.Flags().IntVar(&queryCount, "count", 3, "Number of queries to send")
	queryCmd.Flags().StringVar(&queryCommand, "command", mhz19.NameRead, "Command to send")
}

// responseWaiter collects bursts from a connection and hands out complete
// frames.
type responseWaiter struct {
	bursts    chan []byte
	errc      chan error
	assembler *mhz19.Assembler
}

func newResponseWaiter(conn Connection) *responseWaiter {
	w := &responseWaiter{
		bursts:    make(chan []byte, 16),
		errc:      make(chan error, 1),
		assembler: mhz19.NewAssembler(mhz19.DefaultReassembleTimeout),
	}
	go func() {
		for {
			burst, err := conn.ReadBurst()
			if err != nil {
				w.errc <- err
				return
			}
			w.bursts <- burst
		}
	}()
	return w
}

// Await returns the next valid frame carrying command, discarding others.
func (w *responseWaiter) Await(command byte, timeout time.Duration) ([]byte, error) {
	deadline := time.After(timeout)
	for {
		select {
		case burst := <-w.bursts:
			for _, frame := range w.assembler.Feed(time.Now(), burst) {
				if mhz19.Verify(frame) != nil {
					continue
				}
				if frame[1] == command {
					return frame, nil
				}
			}
		case err := <-w.errc:
			return nil, err
		case <-deadline:
			return nil, errQueryTimeout
		}
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	command, ok := mhz19.DefaultCommands.Lookup(queryCommand)
	if !ok {
		return fmt.Errorf("unknown command %q (known: %v)", queryCommand, mhz19.DefaultCommands.Names())
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	conn, connInfo, err := OpenConnection(cfg.Serial)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("mhzbridge - Sensor Query\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Command: %s\n", command.Name)
	fmt.Printf("Timeout: %s per query\n", queryTimeout)
	fmt.Printf("Count: %d queries\n\n", queryCount)

	waiter := newResponseWaiter(conn)
	frame := command.Frame()
	successCount := 0
	failCount := 0

	for i := 1; i <= queryCount; i++ {
		fmt.Printf("Query %d/%d: ", i, queryCount)

		startTime := time.Now()
		if _, err := conn.Write(frame.Bytes()); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		response, err := waiter.Await(command.Payload[2], queryTimeout)
		switch {
		case err == nil:
			rtt := time.Since(startTime)
			fmt.Printf("%s, rtt=%v\n", mhz19.FormatResponse(response), rtt.Round(time.Millisecond))
			successCount++
		case errors.Is(err, errQueryTimeout):
			fmt.Printf("TIMEOUT (no response in %s)\n", queryTimeout)
			failCount++
		default:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount++
		}

		if i < queryCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Query statistics ---\n")
	fmt.Printf("%d queries sent, %d responses received, %.0f%% loss\n",
		queryCount, successCount, float64(failCount)/float64(queryCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
