package ecu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaunagostinho/enetdash/internal/doip"
)

func startSimulator(t *testing.T) (*Simulator, string, int) {
	t.Helper()
	sim := NewSimulator()
	if err := sim.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	host, portStr, _ := net.SplitHostPort(sim.Addr())
	port, _ := strconv.Atoi(portStr)
	return sim, host, port
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.ReconnectDelay = 100 * time.Millisecond
	cfg.IdentTimeout = 500 * time.Millisecond
	cfg.DTCTimeout = 300 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.ThermalEvery = 2
	return cfg
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent returns the first event of type T that matches.
func waitEvent[T Event](t *testing.T, events <-chan Event, match func(T) bool) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if v, ok := ev.(T); ok && match(v) {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func connect(t *testing.T, e *Engine, host string, port int) {
	t.Helper()
	if err := e.Connect(context.Background(), host, port, time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestEngineEndToEnd(t *testing.T) {
	sim, host, port := startSimulator(t)
	sim.SetValue(0xF45C, []byte{0x78})
	e := startEngine(t, fastConfig())
	events, cancel := e.Subscribe(256)
	defer cancel()

	connect(t, e, host, port)
	if s := e.State(); s != Connected {
		t.Fatalf("state = %s after Connect", s)
	}

	v := waitEvent(t, events, func(v ValueUpdated) bool { return v.Parameter == ParamOilTemp })
	if v.Value != 80 || v.Slot != SlotLeft || v.Secondary {
		t.Errorf("oil update = %+v, want 80 on the left primary", v)
	}

	waitFor(t, "identity", func() bool {
		id := e.Snapshot().Identity
		return id.VIN == SimulatedVIN && id.MileageKm == 87412 && id.FlashCycles == 42
	})
	waitFor(t, "activation", func() bool { return e.Snapshot().Activated })

	snap := e.Snapshot()
	if snap.Identity.Cylinders != 4 || len(snap.Corrections) != 4 {
		t.Errorf("cylinders = %d, corrections = %d", snap.Identity.Cylinders, len(snap.Corrections))
	}
	if snap.SessionID == "" || snap.Address == "" {
		t.Errorf("session not described in snapshot: %+v", snap)
	}
	waitFor(t, "all four cylinders polled", func() bool {
		for i := 0; i < 4; i++ {
			if sim.Reads(DIDCylinderBase+uint16(i)) == 0 {
				return false
			}
		}
		return true
	})
}

func TestEngineFixedLengthResponses(t *testing.T) {
	sim, host, port := startSimulator(t)
	sim.SetValue(0xF45C, []byte{0x78})
	sim.SetFixedLengthHeader(true)
	e := startEngine(t, fastConfig())
	events, cancel := e.Subscribe(256)
	defer cancel()

	connect(t, e, host, port)
	v := waitEvent(t, events, func(v ValueUpdated) bool { return v.Parameter == ParamOilTemp })
	if v.Value != 80 {
		t.Errorf("oil = %v, want 80", v.Value)
	}
	waitFor(t, "identity", func() bool { return e.Snapshot().Identity.VIN == SimulatedVIN })

	if err := e.ReadDTC(context.Background()); err != nil {
		t.Fatalf("ReadDTC: %v", err)
	}
	waitFor(t, "DTC list", func() bool { return len(e.Snapshot().DTCs) == 2 })
}

// pipeAdapter answers oil temperature reads on a net.Pipe with the exact
// bytes a fixed-length ENET adapter sends, and ignores everything else.
func pipeAdapter(t *testing.T, conn net.Conn) {
	t.Helper()
	answer := []byte{0x02, 0xFD, 0x80, 0x01, 0x00, 0x00, 0x00, 0x07, 0x0E, 0x00, 0x10, 0xF1, 0x03, 0x62, 0xF4, 0x5C, 0x78}
	go func() {
		defer conn.Close()
		var buf []byte
		chunk := make([]byte, 512)
		for {
			n, err := conn.Read(chunk)
			if err != nil {
				return
			}
			buf = append(buf, chunk[:n]...)
			for {
				req, rest, ok := nextRequest(buf)
				buf = rest
				if !ok {
					break
				}
				if len(req) >= 16 && req[13] == 0x22 && req[14] == 0xF4 && req[15] == 0x5C {
					if _, err := conn.Write(answer); err != nil {
						return
					}
				}
			}
		}
	}()
}

func TestEngineFixedLengthAdapter(t *testing.T) {
	cfg := fastConfig()
	cfg.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		client, adapter := net.Pipe()
		pipeAdapter(t, adapter)
		return client, nil
	}
	e := startEngine(t, cfg)
	events, cancel := e.Subscribe(256)
	defer cancel()

	connect(t, e, "192.0.2.10", doip.Port)
	v := waitEvent(t, events, func(v ValueUpdated) bool { return v.Parameter == ParamOilTemp })
	if v.Value != 80 || v.Slot != SlotLeft {
		t.Errorf("oil update = %+v, want 80 on the left gauge", v)
	}
}

func TestEngineReadDTC(t *testing.T) {
	_, host, port := startSimulator(t)
	e := startEngine(t, fastConfig())
	connect(t, e, host, port)

	if err := e.ReadDTC(context.Background()); err != nil {
		t.Fatalf("ReadDTC: %v", err)
	}
	waitFor(t, "DTC list", func() bool { return len(e.Snapshot().DTCs) == 2 })
	snap := e.Snapshot()
	if snap.DTCs[0].Code != "2AAF00" || snap.DTCBusy {
		t.Errorf("dtcs = %+v busy = %v", snap.DTCs, snap.DTCBusy)
	}
}

func TestEngineClearDTCBusy(t *testing.T) {
	sim, host, port := startSimulator(t)
	sim.SetAnswerClear(false)
	e := startEngine(t, fastConfig())
	events, cancel := e.Subscribe(256)
	defer cancel()
	connect(t, e, host, port)

	ctx := context.Background()
	if err := e.ClearDTC(ctx); err != nil {
		t.Fatalf("first ClearDTC: %v", err)
	}
	ev := waitEvent(t, events, func(d DtcListUpdated) bool { return true })
	if !ev.Cleared || len(ev.Codes) != 0 {
		t.Errorf("clear event = %+v", ev)
	}
	if err := e.ClearDTC(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("second ClearDTC = %v, want ErrBusy", err)
	}
	if err := e.ReadDTC(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("ReadDTC while clearing = %v, want ErrBusy", err)
	}
	waitFor(t, "clear request", func() bool { return sim.Requests(doip.ServiceClearDiagnosticInformation) == 1 })

	waitFor(t, "busy timeout", func() bool { return !e.Snapshot().DTCBusy })
	if err := e.ClearDTC(ctx); err != nil {
		t.Fatalf("ClearDTC after timeout: %v", err)
	}
	waitFor(t, "second clear request", func() bool { return sim.Requests(doip.ServiceClearDiagnosticInformation) == 2 })
}

func TestEngineClearAckReleasesBusy(t *testing.T) {
	sim, host, port := startSimulator(t)
	cfg := fastConfig()
	cfg.DTCTimeout = time.Minute
	e := startEngine(t, cfg)
	connect(t, e, host, port)

	if err := e.ClearDTC(context.Background()); err != nil {
		t.Fatalf("ClearDTC: %v", err)
	}
	waitFor(t, "clear ack", func() bool { return !e.Snapshot().DTCBusy })

	if err := e.ReadDTC(context.Background()); err != nil {
		t.Fatalf("ReadDTC: %v", err)
	}
	waitFor(t, "read after clear", func() bool {
		return sim.Requests(doip.ServiceReadDTCInformation) == 1 && !e.Snapshot().DTCBusy
	})
	if n := len(e.Snapshot().DTCs); n != 0 {
		t.Errorf("%d codes after clear", n)
	}
}

func TestEngineNotConnected(t *testing.T) {
	e := startEngine(t, fastConfig())
	ctx := context.Background()
	if err := e.ReadDTC(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadDTC = %v", err)
	}
	if err := e.ClearDTC(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ClearDTC = %v", err)
	}
}

type flakyConn struct {
	net.Conn
	fail *atomic.Bool
}

func (c flakyConn) Write(b []byte) (int, error) {
	if c.fail.Load() {
		return 0, errors.New("simulated write failure")
	}
	return c.Conn.Write(b)
}

func TestEngineKeepAliveReconnect(t *testing.T) {
	sim, host, port := startSimulator(t)

	var fail atomic.Bool
	var dials atomic.Int32
	cfg := fastConfig()
	cfg.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		dials.Add(1)
		var d net.Dialer
		c, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return flakyConn{Conn: c, fail: &fail}, nil
	}
	e := startEngine(t, cfg)
	events, cancel := e.Subscribe(1024)
	defer cancel()
	connect(t, e, host, port)

	fail.Store(true)
	waitEvent(t, events, func(c ConnectionStateChanged) bool { return c.To == Reconnecting })
	fail.Store(false)

	var states []ConnectionState
	for {
		c := waitEvent(t, events, func(ConnectionStateChanged) bool { return true })
		states = append(states, c.To)
		if c.To == Connected {
			break
		}
	}
	if len(states) != 2 || states[0] != Connecting {
		t.Errorf("states after Reconnecting = %v, want [Connecting Connected]", states)
	}

	time.Sleep(300 * time.Millisecond)
	if n := dials.Load(); n != 2 {
		t.Errorf("%d dials, want 2", n)
	}
	if n := sim.Accepted(); n != 2 {
		t.Errorf("simulator accepted %d connections, want 2", n)
	}
	if s := e.State(); s != Connected {
		t.Errorf("state = %s", s)
	}
}

func TestEngineAutoReconnectFailureDisconnects(t *testing.T) {
	_, host, port := startSimulator(t)

	var fail atomic.Bool
	var dials atomic.Int32
	cfg := fastConfig()
	cfg.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		if dials.Add(1) > 1 {
			return nil, errors.New("adapter unreachable")
		}
		var d net.Dialer
		c, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return flakyConn{Conn: c, fail: &fail}, nil
	}
	e := startEngine(t, cfg)
	events, cancel := e.Subscribe(1024)
	defer cancel()
	connect(t, e, host, port)

	fail.Store(true)
	waitEvent(t, events, func(c ConnectionStateChanged) bool { return c.To == Reconnecting })

	var states []ConnectionState
	for {
		c := waitEvent(t, events, func(ConnectionStateChanged) bool { return true })
		states = append(states, c.To)
		if c.To == Disconnected || c.To == Connected || c.To == Failed {
			break
		}
	}
	if len(states) != 2 || states[0] != Connecting || states[1] != Disconnected {
		t.Errorf("states after Reconnecting = %v, want [Connecting Disconnected]", states)
	}

	time.Sleep(300 * time.Millisecond)
	if n := dials.Load(); n != 2 {
		t.Errorf("%d dials, want 2", n)
	}
	if s := e.State(); s != Disconnected {
		t.Errorf("state = %s, want Disconnected", s)
	}
}

func TestEnginePeerClose(t *testing.T) {
	sim, host, port := startSimulator(t)
	e := startEngine(t, fastConfig())
	connect(t, e, host, port)

	sim.DropConnections()
	waitFor(t, "disconnect", func() bool { return e.State() == Disconnected })

	time.Sleep(300 * time.Millisecond)
	if n := sim.Accepted(); n != 1 {
		t.Errorf("engine reconnected after peer close: %d connections", n)
	}
	if id := e.Snapshot().SessionID; id != "" {
		t.Errorf("session %s still published", id)
	}
}

func TestEngineConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	e := startEngine(t, fastConfig())
	err = e.Connect(context.Background(), "127.0.0.1", addr.Port, time.Second)
	if !errors.Is(err, ErrConnectRefused) {
		t.Fatalf("Connect = %v, want ErrConnectRefused", err)
	}
	if s := e.State(); s != Failed {
		t.Errorf("state = %s, want Failed", s)
	}
}

func TestEngineDisconnectIdempotent(t *testing.T) {
	_, host, port := startSimulator(t)
	e := startEngine(t, fastConfig())
	events, cancel := e.Subscribe(1024)
	defer cancel()
	connect(t, e, host, port)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := e.Disconnect(ctx); err != nil {
			t.Fatalf("Disconnect #%d: %v", i+1, err)
		}
	}
	if s := e.State(); s != Disconnected {
		t.Fatalf("state = %s", s)
	}

	n := 0
	for _, ev := range drain(events) {
		if c, ok := ev.(ConnectionStateChanged); ok && c.To == Disconnected {
			n++
		}
	}
	if n != 1 {
		t.Errorf("%d Disconnected events, want 1", n)
	}
}

func TestEngineReconnectReplacesSession(t *testing.T) {
	_, host, port := startSimulator(t)
	e := startEngine(t, fastConfig())

	connect(t, e, host, port)
	first := e.Snapshot().SessionID
	connect(t, e, host, port)
	second := e.Snapshot().SessionID
	if first == "" || first == second {
		t.Errorf("session ids %q and %q", first, second)
	}
}

func TestEngineIgnoresStaleSession(t *testing.T) {
	sim, host, port := startSimulator(t)
	sim.SetValue(0xF45C, []byte{0x78})
	e := startEngine(t, fastConfig())
	ctx := context.Background()

	connect(t, e, host, port)
	var old uint64
	if err := e.call(ctx, func() error {
		old = e.sess.epoch
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	connect(t, e, host, port)
	current := e.Snapshot().SessionID
	waitFor(t, "oil on the new session", func() bool {
		g := e.Snapshot().Left.Primary
		return g.Valid && g.Value == 80
	})

	e.frames <- frameMsg{epoch: old, data: doip.EncodeDataResponse(0xF45C, []byte{0xA0})}
	e.readErrs <- readErrMsg{epoch: old, err: io.EOF}
	time.Sleep(100 * time.Millisecond)

	snap := e.Snapshot()
	if snap.State != Connected || snap.SessionID != current {
		t.Errorf("state = %s session = %s, want Connected on %s", snap.State, snap.SessionID, current)
	}
	if g := snap.Left.Primary; g.Value != 80 || g.Peak != 80 {
		t.Errorf("left primary = %+v, stale frame applied", g)
	}
}

func TestEngineApplyPreset(t *testing.T) {
	sim, host, port := startSimulator(t)
	e := startEngine(t, fastConfig())
	connect(t, e, host, port)
	ctx := context.Background()

	l, err := e.ApplyPreset(ctx, "track")
	if err != nil {
		t.Fatalf("ApplyPreset: %v", err)
	}
	if l.Left != l.Presets["track"].Left || l.Right != l.Presets["track"].Right {
		t.Errorf("layout = %+v", l)
	}
	if got := e.Snapshot().Layout; got.Left != l.Left {
		t.Errorf("snapshot layout = %+v", got)
	}

	intake, _ := e.Registry().Lookup(ParamIntakeTemp)
	if err := e.SetLayout(ctx, DashboardLayout{
		Left:  GaugeAssignment{Primary: ParamIntakeTemp},
		Right: GaugeAssignment{Primary: ParamBoost},
	}); err != nil {
		t.Fatalf("SetLayout: %v", err)
	}
	waitFor(t, "intake polled", func() bool { return sim.Reads(intake.DID) > 0 })
	if len(e.Snapshot().Layout.Presets) == 0 {
		t.Error("SetLayout dropped the presets")
	}

	if _, err := e.ApplyPreset(ctx, "drag"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("unknown preset = %v", err)
	}
	if err := e.SetLayout(ctx, DashboardLayout{
		Left:  GaugeAssignment{Primary: "afr"},
		Right: GaugeAssignment{Primary: ParamBoost},
	}); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("SetLayout unknown = %v", err)
	}
}

func TestEngineRunOnce(t *testing.T) {
	e := startEngine(t, fastConfig())
	waitFor(t, "loop start", func() bool {
		return e.Disconnect(context.Background()) == nil
	})
	if err := e.Run(context.Background()); err == nil {
		t.Error("second Run did not fail")
	}
}

func TestAttemptAutoReconnectIdempotent(t *testing.T) {
	e := New(fastConfig(), nil, nil)
	e.lastAddress = "127.0.0.1:1"

	e.attemptAutoReconnect(time.Hour)
	first := e.reconnectTimer
	if first == nil {
		t.Fatal("no reconnect armed")
	}
	e.attemptAutoReconnect(time.Hour)
	if e.reconnectTimer != first {
		t.Error("second call armed another reconnect")
	}
	e.stopReconnect()
	if e.reconnectTimer != nil || e.reconnectC != nil {
		t.Error("stopReconnect left the timer armed")
	}
}

func TestTestConnection(t *testing.T) {
	sim, host, port := startSimulator(t)
	ctx := context.Background()

	ok, msg := TestConnection(ctx, host, port, time.Second)
	if !ok {
		t.Fatalf("TestConnection = false: %s", msg)
	}

	sim.SetAnswerActivation(false)
	ok, msg = TestConnection(ctx, host, port, 200*time.Millisecond)
	if ok {
		t.Errorf("TestConnection succeeded without activation response: %s", msg)
	}
}

func TestNextRequest(t *testing.T) {
	var stream []byte
	stream = append(stream, 0xAA) // noise
	stream = append(stream, doip.EncodeRoutingActivation()...)
	stream = append(stream, doip.EncodeKeepAlive()...)
	stream = append(stream, doip.EncodeReadRequest(0xF45C)...)
	stream = append(stream, doip.EncodeClearDTC()...)
	stream = append(stream, doip.EncodeReadDTC()...)

	want := [][]byte{
		doip.EncodeRoutingActivation(),
		doip.EncodeKeepAlive(),
		doip.EncodeReadRequest(0xF45C),
		doip.EncodeClearDTC(),
		doip.EncodeReadDTC(),
	}
	rest := stream
	for i, w := range want {
		var req []byte
		var ok bool
		req, rest, ok = nextRequest(rest)
		if !ok {
			t.Fatalf("request %d not found", i)
		}
		if !bytes.Equal(req, w) {
			t.Errorf("request %d = % X, want % X", i, req, w)
		}
	}
	if len(rest) != 0 {
		t.Errorf("leftover % X", rest)
	}

	partial := doip.EncodeReadRequest(0xF405)
	if _, rest, ok := nextRequest(partial[:10]); ok || len(rest) != 10 {
		t.Errorf("partial request: ok=%v rest=%d", ok, len(rest))
	}
}
