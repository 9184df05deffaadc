// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/Thermoquad/mhzbridge/pkg/bridge"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// WebSocket message types. Each binary message is a CBOR array
// [msg_type, payload_map].
const (
	MsgReading = 0x01
	MsgSample  = 0x02
)

// Payload map keys
const (
	keyTimestamp = 0
	keyCO2       = 1
	keyTemp      = 2
	keyStatus    = 3
	keyTemp2     = 1
	keyHumidity  = 2
)

// WebSocketSink streams events to a WebSocket endpoint as CBOR binary
// messages. A broken connection is redialled on the next publish.
type WebSocketSink struct {
	url    string
	header http.Header
	dialer websocket.Dialer
	now    func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink for url. The connection is opened lazily.
func NewWebSocketSink(url string, header http.Header) *WebSocketSink {
	return &WebSocketSink{
		url:    url,
		header: header,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		now:    time.Now,
	}
}

// EncodeReading returns the CBOR message for a reading.
func EncodeReading(r mhz19.Reading, at time.Time) ([]byte, error) {
	return cbor.Marshal([]interface{}{uint64(MsgReading), map[int]interface{}{
		keyTimestamp: at.UnixMilli(),
		keyCO2:       int64(r.CO2),
		keyTemp:      int64(r.Temperature),
		keyStatus:    uint64(r.Status),
	}})
}

// EncodeSample returns the CBOR message for a secondary sample.
func EncodeSample(s bridge.Sample, at time.Time) ([]byte, error) {
	return cbor.Marshal([]interface{}{uint64(MsgSample), map[int]interface{}{
		keyTimestamp: at.UnixMilli(),
		keyTemp2:     s.Temperature,
		keyHumidity:  s.Humidity,
	}})
}

func (w *WebSocketSink) PublishReading(ctx context.Context, r mhz19.Reading) error {
	msg, err := EncodeReading(r, w.now())
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	return w.send(ctx, msg)
}

func (w *WebSocketSink) PublishSample(ctx context.Context, s bridge.Sample) error {
	msg, err := EncodeSample(s, w.now())
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	return w.send(ctx, msg)
}

func (w *WebSocketSink) send(ctx context.Context, msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
			}
			return fmt.Errorf("WebSocket connection failed: %w", err)
		}
		w.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetWriteDeadline(deadline)
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		w.conn.Close()
		w.conn = nil
		return fmt.Errorf("WebSocket write: %w", err)
	}
	return nil
}

// Close closes the current connection, if any.
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
