// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/mhzbridge/pkg/config"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// MaxBurstSize caps the bytes collected into one receive burst.
const MaxBurstSize = 256

// Connection carries frames to and from the sensor. ReadBurst blocks until
// bytes arrive and returns everything received before the line goes quiet.
type Connection interface {
	io.Writer
	io.Closer
	ReadBurst() ([]byte, error)
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = fmt.Errorf("websocket connection closed")

// serialPort is the subset of serial.Port used for burst reads.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// SerialConnection wraps a serial port. A read that times out after at
// least one byte ends the burst.
type SerialConnection struct {
	port serialPort
	buf  []byte
}

func newSerialConnection(port serialPort, gap time.Duration) (*SerialConnection, error) {
	if err := port.SetReadTimeout(gap); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &SerialConnection{port: port, buf: make([]byte, MaxBurstSize)}, nil
}

func (s *SerialConnection) ReadBurst() ([]byte, error) {
	var burst []byte
	for {
		n, err := s.port.Read(s.buf[:MaxBurstSize-len(burst)])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if len(burst) > 0 {
				return burst, nil
			}
			// Idle line
			continue
		}
		burst = append(burst, s.buf[:n]...)
		if len(burst) >= MaxBurstSize {
			return burst, nil
		}
	}
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// WebSocketConnection wraps a serial-over-WebSocket bridge. Each binary
// message is one burst.
type WebSocketConnection struct {
	conn   *websocket.Conn
	closed bool // Track if connection has failed/closed
}

func (w *WebSocketConnection) ReadBurst() ([]byte, error) {
	if w.closed {
		return nil, ErrConnectionClosed
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return nil, err
		}

		// Sensor bytes only travel in binary messages
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	err := w.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens a serial port at the sensor's fixed 9600 8N1.
func OpenSerialConnection(portName string, gap time.Duration) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: mhz19.BaudRate,
		DataBits: mhz19.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	conn, err := newSerialConnection(port, gap)
	if err != nil {
		port.Close()
		return nil, err
	}
	return conn, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, basicAuthHeader(username, password))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn}, nil
}

func basicAuthHeader(username, password string) http.Header {
	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}
	return headers
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("MHZBRIDGE_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenConnection opens either a serial or WebSocket connection. The URL
// takes precedence over the port.
func OpenConnection(cfg config.SerialConfig) (Connection, string, error) {
	if cfg.URL != "" {
		password := ""
		if cfg.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(cfg.URL, cfg.Username, password, cfg.NoSSLVerify)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("WebSocket: %s", cfg.URL), nil
	}

	if cfg.Port != "" {
		conn, err := OpenSerialConnection(cfg.Port, cfg.BurstGap)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("Serial: %s @ %d baud", cfg.Port, mhz19.BaudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}
