// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/mhzbridge/pkg/config"
)

// fakePort replays scripted reads. An empty chunk is a read timeout.
type fakePort struct {
	reads   [][]byte
	written bytes.Buffer
	timeout time.Duration
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	chunk := p.reads[0]
	n := copy(b, chunk)
	if n < len(chunk) {
		p.reads[0] = chunk[n:]
	} else {
		p.reads = p.reads[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error)          { return p.written.Write(b) }
func (p *fakePort) Close() error                         { p.closed = true; return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error { p.timeout = t; return nil }

// ============================================================
// Serial Burst Tests
// ============================================================

func TestSerialReadBurst(t *testing.T) {
	frame := []byte{0xFF, 0x86, 0x01, 0x2C, 0x25, 0x40, 0x00, 0x00, 0xE8}
	// Empty reads are timeouts: idle twice, a frame split over two reads,
	// a gap, then a second burst.
	port := &fakePort{reads: [][]byte{
		{},
		{},
		frame[:4],
		frame[4:],
		{},
		{0xFF, 0x86},
		{},
	}}

	conn, err := newSerialConnection(port, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if port.timeout != 30*time.Millisecond {
		t.Errorf("read timeout = %v", port.timeout)
	}

	burst, err := conn.ReadBurst()
	if err != nil {
		t.Fatalf("ReadBurst: %v", err)
	}
	if !bytes.Equal(burst, frame) {
		t.Errorf("burst = % X, want % X", burst, frame)
	}

	burst, err = conn.ReadBurst()
	if err != nil {
		t.Fatalf("ReadBurst: %v", err)
	}
	if !bytes.Equal(burst, []byte{0xFF, 0x86}) {
		t.Errorf("burst = % X", burst)
	}

	if _, err := conn.ReadBurst(); !errors.Is(err, io.EOF) {
		t.Errorf("error = %v, want EOF", err)
	}
}

func TestSerialReadBurst_Cap(t *testing.T) {
	port := &fakePort{reads: [][]byte{bytes.Repeat([]byte{0xAA}, MaxBurstSize+10)}}
	conn, err := newSerialConnection(port, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	burst, err := conn.ReadBurst()
	if err != nil {
		t.Fatal(err)
	}
	if len(burst) != MaxBurstSize {
		t.Errorf("burst length = %d, want %d", len(burst), MaxBurstSize)
	}
}

func TestSerialWriteClose(t *testing.T) {
	port := &fakePort{}
	conn, _ := newSerialConnection(port, time.Millisecond)
	conn.Write([]byte{0xFF, 0x01})
	if !bytes.Equal(port.written.Bytes(), []byte{0xFF, 0x01}) {
		t.Errorf("written = % X", port.written.Bytes())
	}
	conn.Close()
	if !port.closed {
		t.Error("port not closed")
	}
}

// ============================================================
// WebSocket Connection Tests
// ============================================================

func TestWebSocketConnection(t *testing.T) {
	auth := make(chan string, 1)
	received := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		ws.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x86, 0x01})

		_, data, err := ws.ReadMessage()
		if err == nil {
			received <- data
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := OpenWebSocketConnection(url, "admin", "secret", false)
	if err != nil {
		t.Fatalf("OpenWebSocketConnection: %v", err)
	}
	defer conn.Close()

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	if gotAuth := <-auth; gotAuth != want {
		t.Errorf("Authorization = %q, want %q", gotAuth, want)
	}

	burst, err := conn.ReadBurst()
	if err != nil {
		t.Fatalf("ReadBurst: %v", err)
	}
	if !bytes.Equal(burst, []byte{0xFF, 0x86, 0x01}) {
		t.Errorf("burst = % X (text messages must be skipped)", burst)
	}

	if _, err := conn.Write([]byte{0xFF, 0x01, 0x86}); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-received:
		if !bytes.Equal(data, []byte{0xFF, 0x01, 0x86}) {
			t.Errorf("server got % X", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
	}

	// Server handler returned and closed the socket.
	if _, err := conn.ReadBurst(); err == nil {
		t.Fatal("expected read error after close")
	}
	if _, err := conn.ReadBurst(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("error = %v, want ErrConnectionClosed", err)
	}
}

func TestOpenWebSocketConnection_BadScheme(t *testing.T) {
	_, err := OpenWebSocketConnection("http://example.com/serial", "", "", false)
	if err == nil || !strings.Contains(err.Error(), "unsupported URL scheme") {
		t.Errorf("error = %v", err)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	if h := basicAuthHeader("", "pw"); h.Get("Authorization") != "" {
		t.Error("no username should send no credentials")
	}
	if h := basicAuthHeader("user", ""); h.Get("Authorization") != "" {
		t.Error("no password should send no credentials")
	}
}

func TestOpenConnection_NoTransport(t *testing.T) {
	_, _, err := OpenConnection(config.SerialConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
}
