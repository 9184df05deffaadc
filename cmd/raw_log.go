// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

var (
	rawLogPoll  time.Duration
	rawLogStats time.Duration
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display received frames in human-readable format",
	Long: `Continuously decode and display MH-Z19 frames as they arrive.

Each receive burst is printed with a timestamp, its raw bytes and, when it
holds a valid frame, the decoded reading. Readings outside the sensor's
limits are flagged. With --poll a read command is sent at the given interval;
otherwise the log is passive.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().DurationVar(&rawLogPoll, "poll", 0, "Send a read command at this interval (0 = passive)")
	rawLogCmd.Flags().DurationVar(&rawLogStats, "stats", 60*time.Second, "Print frame statistics at this interval (0 = never)")
}

// burstPrinter decodes receive bursts for display and keeps statistics.
type burstPrinter struct {
	w         io.Writer
	stats     *mhz19.Statistics
	assembler *mhz19.Assembler
}

func newBurstPrinter(w io.Writer, reassemble bool, timeout time.Duration) *burstPrinter {
	p := &burstPrinter{w: w, stats: mhz19.NewStatistics()}
	if reassemble {
		p.assembler = mhz19.NewAssembler(timeout)
	}
	return p
}

func (p *burstPrinter) Print(now time.Time, burst []byte) {
	ts := now.Format("15:04:05.000")
	fmt.Fprintf(p.w, "[%s] RX %d bytes: %s\n", ts, len(burst), mhz19.FormatFrame(burst))

	if p.assembler != nil {
		for _, frame := range p.assembler.Feed(now, burst) {
			p.printFrame(frame)
		}
		return
	}

	if len(burst) != mhz19.FrameSize {
		p.stats.Update(mhz19.Verify(burst), nil)
		fmt.Fprintf(p.w, "  [MALFORMED] expected %d bytes\n", mhz19.FrameSize)
		return
	}
	p.printFrame(burst)
}

func (p *burstPrinter) printFrame(frame []byte) {
	r, err := mhz19.Decode(frame)
	if err != nil {
		p.stats.Update(err, nil)
		fmt.Fprintf(p.w, "  [ERROR] %v\n", err)
		return
	}

	validationErrors := mhz19.ValidateReading(r)
	p.stats.Update(nil, validationErrors)
	fmt.Fprintf(p.w, "  %s\n", mhz19.FormatResponse(frame))
	for _, v := range validationErrors {
		fmt.Fprintf(p.w, "  [ANOMALY] %s\n", v.Message)
	}
}

func runRawLog(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection(cfg.Serial)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("mhzbridge - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if rawLogPoll > 0 {
		fmt.Printf("Polling: every %s\n", rawLogPoll)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	printer := newBurstPrinter(os.Stdout, cfg.Serial.Reassemble, cfg.Serial.ReassembleTimeout)

	if rawLogPoll > 0 {
		go pollLoop(ctx, conn, rawLogPoll)
	}

	bursts := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			burst, err := conn.ReadBurst()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case bursts <- burst:
			case <-ctx.Done():
				return
			}
		}
	}()

	var statsTick <-chan time.Time
	if rawLogStats > 0 {
		ticker := time.NewTicker(rawLogStats)
		defer ticker.Stop()
		statsTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n%s", printer.stats)
			return nil
		case burst := <-bursts:
			printer.Print(time.Now(), burst)
		case <-statsTick:
			fmt.Printf("\n%s\n", printer.stats)
		case err := <-readErr:
			if errors.Is(err, ErrConnectionClosed) {
				fmt.Println("Connection closed")
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}

// pollLoop writes the read command every interval until ctx ends.
func pollLoop(ctx context.Context, w io.Writer, interval time.Duration) {
	cmd, _ := mhz19.DefaultCommands.Lookup(mhz19.NameRead)
	frame := cmd.Frame()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.Write(frame.Bytes())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
