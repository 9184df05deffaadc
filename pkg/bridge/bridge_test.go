// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/mhzbridge/pkg/metrics"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

// ============================================================
// Test Helpers
// ============================================================

// readResponse is a READ_CO2 answer: 300 ppm, 0°C, status 64.
var readResponse = []byte{0xFF, 0x86, 0x01, 0x2C, 0x25, 0x40, 0x00, 0x00, 0xE8}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (c *recordingConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

type fakeSampler struct {
	mu     sync.Mutex
	sample Sample
	err    error
	calls  int
}

func (s *fakeSampler) Sample() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.sample, s.err
}

func (s *fakeSampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingSink struct {
	mu       sync.Mutex
	readings []mhz19.Reading
	samples  []Sample
	err      error
}

func (s *recordingSink) PublishReading(_ context.Context, r mhz19.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return s.err
}

func (s *recordingSink) PublishSample(_ context.Context, smp Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, smp)
	return s.err
}

type fixture struct {
	bridge  *Bridge
	conn    *recordingConn
	sampler *fakeSampler
	sink    *recordingSink
	metrics *metrics.Metrics
	hook    *test.Hook
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		conn:    &recordingConn{},
		sampler: &fakeSampler{sample: Sample{Temperature: 21.5, Humidity: 40.3}},
		sink:    &recordingSink{},
		metrics: metrics.New(prometheus.NewRegistry()),
		hook:    hook,
	}
	cfg := Config{
		Conn:    f.conn,
		Sampler: f.sampler,
		Sink:    f.sink,
		Logger:  logger,
		Metrics: f.metrics,
		Now:     func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.bridge = b
	return f
}

func (f *fixture) dispatch(st *State, token string) Reply {
	return f.bridge.dispatcher.Dispatch(context.Background(), st, token)
}

func (f *fixture) handle(st *State, burst []byte) {
	f.bridge.parser.Handle(context.Background(), st, burst)
}

func (f *fixture) warnings() int {
	n := 0
	for _, e := range f.hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			n++
		}
	}
	return n
}

func corrupt(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	out[len(out)-1] ^= 0xFF
	return out
}

// ============================================================
// Dispatcher Tests
// ============================================================

func TestDispatch_CalZero(t *testing.T) {
	f := newFixture(t)
	var st State

	reply := f.dispatch(&st, "cal_zero")

	if reply.IsStatus() {
		t.Fatal("cal_zero answered with a status snapshot")
	}
	if reply.Command != mhz19.NameCalZero || reply.String() != "Reset the baseline to 400ppm" {
		t.Errorf("reply = %+v", reply)
	}

	frames := f.conn.Frames()
	if len(frames) != 1 {
		t.Fatalf("transmitted %d frames, want 1", len(frames))
	}
	cmd, _ := mhz19.DefaultCommands.Lookup(mhz19.NameCalZero)
	if !bytes.Equal(frames[0], cmd.Frame().Bytes()) {
		t.Errorf("frame = %s, want %s", mhz19.FormatFrame(frames[0]), mhz19.FormatFrame(cmd.Frame().Bytes()))
	}

	if f.sampler.Calls() != 1 {
		t.Errorf("sampled %d times, want 1", f.sampler.Calls())
	}
	if diff := cmp.Diff(Sample{Temperature: 21.5, Humidity: 40.3}, st.Sample); diff != "" {
		t.Errorf("state sample mismatch (-want +got):\n%s", diff)
	}
	if !st.SampleAt.Equal(fixedNow) {
		t.Errorf("SampleAt = %v, want %v", st.SampleAt, fixedNow)
	}
	if len(f.sink.samples) != 1 {
		t.Errorf("published %d samples, want 1", len(f.sink.samples))
	}
	if got := testutil.ToFloat64(f.metrics.CommandsSent.WithLabelValues(mhz19.NameCalZero)); got != 1 {
		t.Errorf("commands_sent_total{cal_zero} = %v, want 1", got)
	}
}

func TestDispatch_EveryCommand(t *testing.T) {
	for _, name := range mhz19.DefaultCommands.Names() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			var st State

			reply := f.dispatch(&st, name)
			if reply.Command != name {
				t.Errorf("Command = %q, want %q", reply.Command, name)
			}

			cmd, _ := mhz19.DefaultCommands.Lookup(name)
			frames := f.conn.Frames()
			if len(frames) != 1 || !bytes.Equal(frames[0], cmd.Frame().Bytes()) {
				t.Errorf("frames = %v, want one %s", frames, mhz19.FormatFrame(cmd.Frame().Bytes()))
			}
		})
	}
}

func TestDispatch_StatusQuery(t *testing.T) {
	tokens := []string{"", "status", "READ", " read", "read ", "cal_zero\n"}

	for _, token := range tokens {
		t.Run(token, func(t *testing.T) {
			f := newFixture(t)
			st := State{
				Reading: mhz19.Reading{CO2: 812, Temperature: 24, Status: 64},
				Sample:  Sample{Temperature: 19.25, Humidity: 55},
			}

			reply := f.dispatch(&st, token)

			if !reply.IsStatus() {
				t.Fatalf("token %q dispatched command %q", token, reply.Command)
			}
			want := Status{CO2: 812, Temperature: 24, Status: 64, Temperature2: 19.25, Humidity: 55}
			if diff := cmp.Diff(want, reply.Status); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
			if n := len(f.conn.Frames()); n != 0 {
				t.Errorf("transmitted %d frames, want 0", n)
			}
			if f.sampler.Calls() != 0 {
				t.Errorf("sampled %d times, want 0", f.sampler.Calls())
			}
		})
	}
}

func TestDispatch_SampleFailureKeepsPreviousSample(t *testing.T) {
	f := newFixture(t)
	f.sampler.err = errors.New("i2c nack")
	st := State{Sample: Sample{Temperature: 18, Humidity: 30}}

	reply := f.dispatch(&st, "read")

	if reply.Command != mhz19.NameRead {
		t.Errorf("reply = %+v", reply)
	}
	if st.Sample != (Sample{Temperature: 18, Humidity: 30}) {
		t.Errorf("sample overwritten: %+v", st.Sample)
	}
	if len(f.conn.Frames()) != 1 {
		t.Error("read frame should still be sent")
	}
	if len(f.sink.samples) != 0 {
		t.Error("failed sample was published")
	}
	if got := testutil.ToFloat64(f.metrics.SampleErrors); got != 1 {
		t.Errorf("secondary_sample_errors_total = %v, want 1", got)
	}
}

func TestDispatch_TransmitFailureIsSilentToCaller(t *testing.T) {
	f := newFixture(t)
	f.conn.err = errors.New("port closed")
	var st State

	reply := f.dispatch(&st, "reset")

	if reply.Command != mhz19.NameReset || reply.Message == "" {
		t.Errorf("reply = %+v", reply)
	}
	if got := testutil.ToFloat64(f.metrics.TransmitErrors); got != 1 {
		t.Errorf("transmit_errors_total = %v, want 1", got)
	}
	if f.warnings() == 0 {
		t.Error("transmit failure was not logged")
	}
}

func TestDispatch_SinkFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("redis down")
	var st State

	f.dispatch(&st, "read")

	if st.Sample.Temperature != 21.5 {
		t.Error("sample should be stored even when publishing fails")
	}
	if got := testutil.ToFloat64(f.metrics.SinkErrors.WithLabelValues("sample")); got != 1 {
		t.Errorf("telemetry_errors_total{sample} = %v, want 1", got)
	}
}

// ============================================================
// Parser Tests
// ============================================================

func TestParser_ValidFrame(t *testing.T) {
	f := newFixture(t)
	var st State

	f.handle(&st, readResponse)

	want := mhz19.Reading{CO2: 300, Temperature: 0, Status: 64}
	if diff := cmp.Diff(want, st.Reading); diff != "" {
		t.Errorf("reading mismatch (-want +got):\n%s", diff)
	}
	if !st.ReadingAt.Equal(fixedNow) {
		t.Errorf("ReadingAt = %v", st.ReadingAt)
	}
	if diff := cmp.Diff([]mhz19.Reading{want}, f.sink.readings); diff != "" {
		t.Errorf("published readings mismatch (-want +got):\n%s", diff)
	}
	if f.bridge.stats.ValidFrames != 1 {
		t.Errorf("ValidFrames = %d, want 1", f.bridge.stats.ValidFrames)
	}
}

func TestParser_ChecksumErrorLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	before := State{Reading: mhz19.Reading{CO2: 500, Temperature: 20, Status: 64}, ReadingAt: fixedNow.Add(-time.Minute)}
	st := before

	f.handle(&st, corrupt(readResponse))

	if diff := cmp.Diff(before, st); diff != "" {
		t.Errorf("state changed (-before +after):\n%s", diff)
	}
	if len(f.sink.readings) != 0 {
		t.Error("corrupt frame was published")
	}
	if f.warnings() != 1 {
		t.Errorf("logged %d warnings, want 1 diagnostic", f.warnings())
	}
	if got := testutil.ToFloat64(f.metrics.ChecksumErrors); got != 1 {
		t.Errorf("checksum_errors_total = %v, want 1", got)
	}
}

func TestParser_WrongLengthDroppedSilently(t *testing.T) {
	bursts := map[string][]byte{
		"short":      readResponse[:8],
		"long":       append(append([]byte(nil), readResponse...), 0x00),
		"two frames": append(append([]byte(nil), readResponse...), readResponse...),
		"one byte":   {0xFF},
	}

	for name, burst := range bursts {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			var st State

			f.handle(&st, burst)

			if st != (State{}) {
				t.Errorf("state changed: %+v", st)
			}
			if f.warnings() != 0 {
				t.Errorf("logged %d warnings, want none", f.warnings())
			}
			if got := testutil.ToFloat64(f.metrics.MalformedBursts); got != 1 {
				t.Errorf("malformed_bursts_total = %v, want 1", got)
			}
		})
	}
}

func TestParser_SplitFrameDroppedWithoutReassembly(t *testing.T) {
	f := newFixture(t)
	var st State

	f.handle(&st, readResponse[:4])
	f.handle(&st, readResponse[4:])

	if st.Reading != (mhz19.Reading{}) {
		t.Errorf("fragments produced a reading: %+v", st.Reading)
	}
}

func TestParser_SplitFrameReassembled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Reassemble = true })
	var st State

	f.handle(&st, readResponse[:4])
	if st.Reading != (mhz19.Reading{}) {
		t.Fatal("partial frame updated the state")
	}
	f.handle(&st, readResponse[4:])

	if st.Reading.CO2 != 300 {
		t.Errorf("CO2 = %d, want 300", st.Reading.CO2)
	}
}

func TestParser_EmptyBurstIgnored(t *testing.T) {
	f := newFixture(t)
	var st State
	f.handle(&st, nil)
	if got := testutil.ToFloat64(f.metrics.MalformedBursts); got != 0 {
		t.Errorf("malformed_bursts_total = %v, want 0", got)
	}
}

// ============================================================
// Staleness Tests
// ============================================================

func TestPollThenQueryReturnsStaleReading(t *testing.T) {
	f := newFixture(t)
	st := &f.bridge.state
	f.handle(st, readResponse)
	before := st.Reading

	f.bridge.poll(context.Background())
	reply := f.dispatch(st, "")

	if diff := cmp.Diff(before, st.Reading); diff != "" {
		t.Errorf("poll changed the reading (-before +after):\n%s", diff)
	}
	if reply.Status.CO2 != before.CO2 || reply.Status.Status != int(before.Status) {
		t.Errorf("status = %+v, want the pre-poll reading", reply.Status)
	}
	if reply.Status.Temperature2 != 21.5 {
		t.Errorf("temp2 = %v, want the sample taken by the poll", reply.Status.Temperature2)
	}
	if n := len(f.conn.Frames()); n != 1 {
		t.Errorf("transmitted %d frames, want 1 poll", n)
	}
}

// ============================================================
// Event Loop Tests
// ============================================================

func startLoop(t *testing.T, f *fixture) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.bridge.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	})
	return cancel
}

func TestBridge_CommandThenResponseThenQuery(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PollInterval = time.Hour })
	startLoop(t, f)
	ctx := context.Background()

	reply, err := f.bridge.Do(ctx, "read")
	if err != nil {
		t.Fatalf("Do(read): %v", err)
	}
	if reply.Command != mhz19.NameRead {
		t.Errorf("reply = %+v", reply)
	}

	// Before the sensor answers, the query still reports the zero state.
	status, err := f.bridge.Do(ctx, "")
	if err != nil {
		t.Fatalf("Do(\"\"): %v", err)
	}
	if status.Status.CO2 != 0 {
		t.Errorf("CO2 before response = %d, want 0", status.Status.CO2)
	}

	if err := f.bridge.Receive(ctx, readResponse); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	status, err = f.bridge.Do(ctx, "")
	if err != nil {
		t.Fatalf("Do(\"\"): %v", err)
	}
	want := `{ "co2": 300, "temp": 0, "status": 64, "temp2": 21.5, "humid": 40.3 }`
	if got := status.String(); got != want {
		t.Errorf("status = %s, want %s", got, want)
	}

	snap, err := f.bridge.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State.Reading.CO2 != 300 || snap.Stats.ValidFrames != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestBridge_ReceiveCopiesBuffer(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PollInterval = time.Hour })
	startLoop(t, f)
	ctx := context.Background()

	buf := append([]byte(nil), readResponse...)
	if err := f.bridge.Receive(ctx, buf); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	for i := range buf {
		buf[i] = 0
	}

	snap, err := f.bridge.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State.Reading.CO2 != 300 {
		t.Errorf("CO2 = %d, want 300", snap.State.Reading.CO2)
	}
}

func TestBridge_PollsOnInterval(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PollInterval = 5 * time.Millisecond })
	startLoop(t, f)

	read, _ := mhz19.DefaultCommands.Lookup(mhz19.NameRead)
	deadline := time.Now().Add(2 * time.Second)
	for len(f.conn.Frames()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d polls within deadline", len(f.conn.Frames()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, frame := range f.conn.Frames() {
		if !bytes.Equal(frame, read.Frame().Bytes()) {
			t.Errorf("poll sent %s, want read frame", mhz19.FormatFrame(frame))
		}
	}
	if f.sampler.Calls() < 3 {
		t.Errorf("sampled %d times, want at least 3", f.sampler.Calls())
	}
}

func TestBridge_StoppedLoop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.bridge.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := f.bridge.Do(context.Background(), "read"); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after stop = %v, want ErrStopped", err)
	}
	if err := f.bridge.Receive(context.Background(), readResponse); !errors.Is(err, ErrStopped) {
		t.Errorf("Receive after stop = %v, want ErrStopped", err)
	}
	if _, err := f.bridge.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Snapshot after stop = %v, want ErrStopped", err)
	}
}

func TestBridge_DoHonoursContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.bridge.Do(ctx, "read"); !errors.Is(err, context.Canceled) {
		t.Errorf("Do with cancelled context = %v, want context.Canceled", err)
	}
}

// ============================================================
// Construction / Conversion Tests
// ============================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Sampler: FixedSampler{}}); err == nil {
		t.Error("New without Conn should fail")
	}
	if _, err := New(Config{Conn: &recordingConn{}}); err == nil {
		t.Error("New without Sampler should fail")
	}
	b, err := New(Config{Conn: &recordingConn{}, Sampler: FixedSampler{}})
	if err != nil {
		t.Fatalf("New with defaults: %v", err)
	}
	if b.interval != DefaultPollInterval {
		t.Errorf("interval = %v, want %v", b.interval, DefaultPollInterval)
	}
}

func TestStatusString(t *testing.T) {
	s := Status{CO2: 300, Temperature: -3, Status: 64, Temperature2: 21.46, Humidity: 40.3}
	want := `{ "co2": 300, "temp": -3, "status": 64, "temp2": 21.5, "humid": 40.3 }`
	if got := s.String(); got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

type fakeEnvSensor struct {
	env physic.Env
	err error
}

func (s fakeEnvSensor) Sense(env *physic.Env) error {
	*env = s.env
	return s.err
}

func TestEnvSampler(t *testing.T) {
	sensor := fakeEnvSensor{env: physic.Env{
		Temperature: physic.ZeroCelsius + 23*physic.Celsius + 500*physic.MilliKelvin,
		Humidity:    34*physic.PercentRH + 8*physic.MilliRH,
	}}

	s, err := EnvSampler{Sensor: sensor}.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if d := s.Temperature - 23.5; d > 1e-9 || d < -1e-9 {
		t.Errorf("Temperature = %v, want 23.5", s.Temperature)
	}
	if d := s.Humidity - 34.8; d > 1e-9 || d < -1e-9 {
		t.Errorf("Humidity = %v, want 34.8", s.Humidity)
	}

	_, err = EnvSampler{Sensor: fakeEnvSensor{err: errors.New("boom")}}.Sample()
	if err == nil {
		t.Error("sensor error not propagated")
	}
}

func TestFixedSampler(t *testing.T) {
	s, err := FixedSampler{Temperature: 20, Humidity: 50}.Sample()
	if err != nil || s != (Sample{Temperature: 20, Humidity: 50}) {
		t.Errorf("Sample() = %+v, %v", s, err)
	}
}
