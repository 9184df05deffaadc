// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/mhzbridge/pkg/bridge"
	"github.com/Thermoquad/mhzbridge/pkg/config"
)

// ErrNotConnected is returned by writes while the connection is being
// re-established.
var ErrNotConnected = errors.New("not connected")

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for driving the sensor",
	Long: `Drive the sensor through the bridge from an interactive terminal UI.

The bridge runs in-process exactly as under serve: pick a command from the
list, or type any token and press Enter. Known tokens send their command
frame and show the acknowledgement; anything else shows the status blob.

Features:
  - Command list and free-form token input
  - Live sensor state (CO2, temperature, status, secondary sensor)
  - Frame statistics
  - Reply and event log
  - Automatic reconnection on connection loss

Tab switches between the command list and the token input.

Supports both serial and WebSocket connections.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

// connectionManager handles connection lifecycle and reconnection. It is the
// bridge's writer, so the bridge keeps working across reconnects.
type connectionManager struct {
	cfg      config.SerialConfig
	conn     Connection
	connInfo string
	mu       sync.RWMutex
	p        *tea.Program
	done     chan struct{}
	log      logrus.FieldLogger
	open     func(config.SerialConfig) (Connection, string, error)
}

func (cm *connectionManager) getConn() Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn
}

func (cm *connectionManager) setConn(conn Connection, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conn = conn
	cm.connInfo = connInfo
}

func (cm *connectionManager) Write(p []byte) (int, error) {
	conn := cm.getConn()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(p)
}

func (cm *connectionManager) send(msg tea.Msg) {
	if cm.p != nil {
		cm.p.Send(msg)
	}
}

func runControl(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Log lines would tear the alt screen.
	log.SetOutput(io.Discard)

	conn, connInfo, err := OpenConnection(cfg.Serial)
	if err != nil {
		return err
	}

	cm := &connectionManager{
		cfg:      cfg.Serial,
		conn:     conn,
		connInfo: connInfo,
		done:     make(chan struct{}),
		log:      log,
		open:     OpenConnection,
	}

	sampler, samplerCloser, err := openSampler(cfg.Secondary, log)
	if err != nil {
		conn.Close()
		return err
	}
	defer samplerCloser.Close()

	b, err := bridge.New(bridge.Config{
		Conn:              cm,
		Sampler:           sampler,
		Logger:            log,
		PollInterval:      cfg.Poll.Interval,
		PublishTimeout:    cfg.Telemetry.PublishTimeout,
		Reassemble:        cfg.Serial.Reassemble,
		ReassembleTimeout: cfg.Serial.ReassembleTimeout,
	})
	if err != nil {
		conn.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	m := initialControlModel(ctx, b, connInfo)
	p := tea.NewProgram(m, tea.WithAltScreen())
	cm.p = p

	go cm.readerLoop(ctx, b)

	_, runErr := p.Run()

	close(cm.done)
	cancel()
	if conn := cm.getConn(); conn != nil {
		conn.Close()
	}
	if runErr != nil {
		return fmt.Errorf("TUI error: %w", runErr)
	}
	return nil
}

// readerLoop pumps bursts into the bridge, reconnecting when the
// connection drops.
func (cm *connectionManager) readerLoop(ctx context.Context, b *bridge.Bridge) {
	for {
		conn := cm.getConn()
		if conn == nil {
			return
		}
		err := pumpBursts(ctx, conn, b, cm.log)

		select {
		case <-cm.done:
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}

		cm.send(connectionLostMsg{err: err})
		if !cm.reconnect() {
			return
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	if conn := cm.getConn(); conn != nil {
		conn.Close()
	}
	cm.setConn(nil, "")

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		conn, connInfo, err := cm.open(cm.cfg)
		if err == nil {
			cm.setConn(conn, connInfo)
			cm.send(reconnectedMsg{connInfo: connInfo})
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
