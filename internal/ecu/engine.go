package ecu

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/shaunagostinho/enetdash/internal/doip"
	"github.com/shaunagostinho/enetdash/internal/dtc"
)

// Config tunes the engine. Zero durations and counts fall back to
// DefaultConfig values in New.
type Config struct {
	Port int

	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	TickInterval      time.Duration
	KeepAliveInterval time.Duration
	ReconnectDelay    time.Duration
	IdentTimeout      time.Duration
	DTCTimeout        time.Duration

	MaxKeepAliveFailures int
	ThermalEvery         int
	BatterySaveEvery     int
	ZeroRPMSamples       int
	DefaultCylinders     int

	Layout DashboardLayout
	Models map[string]Model

	// Dial opens the adapter transport. Nil uses a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func DefaultConfig() Config {
	return Config{
		Port:                 doip.Port,
		ConnectTimeout:       5 * time.Second,
		WriteTimeout:         500 * time.Millisecond,
		TickInterval:         100 * time.Millisecond,
		KeepAliveInterval:    2 * time.Second,
		ReconnectDelay:       3 * time.Second,
		IdentTimeout:         3 * time.Second,
		DTCTimeout:           5 * time.Second,
		MaxKeepAliveFailures: 3,
		ThermalEvery:         10,
		BatterySaveEvery:     50,
		ZeroRPMSamples:       300,
		DefaultCylinders:     6,
		Layout:               DefaultLayout(),
		Models:               DefaultModels(),
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.Port, d.Port)
	setDur(&c.ConnectTimeout, d.ConnectTimeout)
	setDur(&c.WriteTimeout, d.WriteTimeout)
	setDur(&c.TickInterval, d.TickInterval)
	setDur(&c.KeepAliveInterval, d.KeepAliveInterval)
	setDur(&c.ReconnectDelay, d.ReconnectDelay)
	setDur(&c.IdentTimeout, d.IdentTimeout)
	setDur(&c.DTCTimeout, d.DTCTimeout)
	setInt(&c.MaxKeepAliveFailures, d.MaxKeepAliveFailures)
	setInt(&c.ThermalEvery, d.ThermalEvery)
	setInt(&c.BatterySaveEvery, d.BatterySaveEvery)
	setInt(&c.ZeroRPMSamples, d.ZeroRPMSamples)
	setInt(&c.DefaultCylinders, d.DefaultCylinders)
	if c.Layout.Left.Primary == "" && c.Layout.Right.Primary == "" {
		c.Layout = d.Layout
	}
	if c.Models == nil {
		c.Models = d.Models
	}
}

// GaugeReading is the current and peak value of one readout.
type GaugeReading struct {
	Parameter string  `json:"parameter,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Value     float64 `json:"value"`
	Peak      float64 `json:"peak"`
	Valid     bool    `json:"valid"`
}

type GaugeSnapshot struct {
	Primary   GaugeReading `json:"primary"`
	Secondary GaugeReading `json:"secondary"`
}

// Snapshot is a consistent copy of the engine state, published by the loop
// after every change.
type Snapshot struct {
	State         ConnectionState `json:"state"`
	SessionID     string          `json:"sessionId,omitempty"`
	Address       string          `json:"address,omitempty"`
	Activated     bool            `json:"activated"`
	BatterySaving bool            `json:"batterySaving"`
	PollCycle     uint64          `json:"pollCycle"`

	Left  GaugeSnapshot `json:"left"`
	Right GaugeSnapshot `json:"right"`
	RPM   float64       `json:"rpm"`

	Corrections     []float64 `json:"corrections,omitempty"`
	WorstCorrection float64   `json:"worstCorrection"`
	WorstCylinder   int       `json:"worstCylinder"`

	Identity VehicleIdentity `json:"identity"`
	DTCs     []dtc.Record    `json:"dtcs"`
	DTCBusy  bool            `json:"dtcBusy"`

	Layout DashboardLayout `json:"layout"`
	Stamp  time.Time       `json:"stamp"`
}

// Gauge returns the readout for a slot.
func (s Snapshot) Gauge(slot Slot, secondary bool) GaugeReading {
	g := s.Left
	if slot == SlotRight {
		g = s.Right
	}
	if secondary {
		return g.Secondary
	}
	return g.Primary
}

// Engine owns the adapter connection. All session state lives on the Run
// goroutine; the exported methods send closures to it and wait.
type Engine struct {
	cfg       Config
	reg       *Registry
	describer dtc.Describer

	cmds     chan func()
	frames   chan frameMsg
	readErrs chan readErrMsg
	dials    chan dialResult
	done     chan struct{}
	started  sync.Once

	// loop-owned
	runCtx         context.Context
	state          ConnectionState
	epoch          uint64
	sess           *session
	pending        *pendingDial
	layout         DashboardLayout
	lastAddress    string
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New creates an engine. describer may be nil.
func New(cfg Config, reg *Registry, describer dtc.Describer) *Engine {
	cfg.fillDefaults()
	if reg == nil {
		reg = DefaultRegistry()
	}
	layout := cfg.Layout.Clone()
	if err := layout.Validate(reg); err != nil {
		log.Printf("[engine] invalid layout, using default: %v", err)
		layout = DefaultLayout()
	}
	e := &Engine{
		cfg:       cfg,
		reg:       reg,
		describer: describer,
		cmds:      make(chan func()),
		frames:    make(chan frameMsg, 64),
		readErrs:  make(chan readErrMsg, 1),
		dials:     make(chan dialResult, 1),
		done:      make(chan struct{}),
		layout:    layout,
		subs:      make(map[chan Event]struct{}),
	}
	e.publish()
	return e
}

func (e *Engine) Registry() *Registry { return e.reg }

// Run is the engine loop. It returns when ctx is cancelled, after closing
// any open session.
func (e *Engine) Run(ctx context.Context) error {
	first := false
	e.started.Do(func() { first = true })
	if !first {
		return fmt.Errorf("ecu: engine already running")
	}
	e.runCtx = ctx
	defer close(e.done)

	for {
		var pollC, keepAliveC <-chan time.Time
		if s := e.sess; s != nil && s.poll != nil {
			pollC, keepAliveC = s.poll.C, s.keepAlive.C
		}

		select {
		case <-ctx.Done():
			e.disconnect("shutdown")
			e.publish()
			return nil

		case fn := <-e.cmds:
			fn()

		case m := <-e.frames:
			if e.sess != nil && m.epoch == e.sess.epoch {
				e.handleFrame(m.data)
			}

		case m := <-e.readErrs:
			if e.sess != nil && m.epoch == e.sess.epoch {
				log.Printf("[conn] session %s read: %v", e.sess.id, m.err)
				e.disconnect("connection closed")
			}

		case r := <-e.dials:
			e.handleDial(r)

		case now := <-pollC:
			e.pollTick(now)

		case <-keepAliveC:
			e.keepAliveTick()

		case <-e.reconnectC:
			e.fireReconnect()
		}
		e.publish()
	}
}

func (e *Engine) pollTick(now time.Time) {
	s := e.sess
	s.ident.expire()
	e.checkDTCTimeout(now)

	for _, did := range s.sched.Next(s.saver.Active()) {
		if err := e.write(doip.EncodeReadRequest(did)); err != nil {
			if !s.pollFailing {
				log.Printf("[engine] poll write failed: %v", err)
			}
			s.pollFailing = true
			return
		}
	}
	if s.pollFailing {
		log.Printf("[engine] poll writes recovered")
		s.pollFailing = false
	}
}

func (e *Engine) setState(to ConnectionState, reason string) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	ev := ConnectionStateChanged{From: from, To: to, Reason: reason}
	if e.sess != nil {
		ev.SessionID = e.sess.id
	}
	if reason != "" {
		log.Printf("[engine] %s -> %s (%s)", from, to, reason)
	} else {
		log.Printf("[engine] %s -> %s", from, to)
	}
	e.emit(ev)
}

// call runs fn on the loop and returns its error.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.cmds <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	return <-errc
}

// Connect dials address:port and sends routing activation. It returns once
// the session is up or the dial failed. A zero port or timeout uses the
// configured default.
func (e *Engine) Connect(ctx context.Context, address string, port int, timeout time.Duration) error {
	if port == 0 {
		port = e.cfg.Port
	}
	if timeout <= 0 {
		timeout = e.cfg.ConnectTimeout
	}
	target := JoinHostPort(address, port)
	result := make(chan error, 1)

	err := e.call(ctx, func() error {
		if e.pending != nil {
			return fmt.Errorf("%w: connect to %s pending", ErrBusy, e.pending.address)
		}
		e.stopReconnect()
		e.teardown()
		e.startDial(ctx, target, timeout, false, result)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-e.done:
		return ErrStopped
	}
}

// Disconnect closes the session, cancels pending dials and reconnects.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.disconnect("user request")
		return nil
	})
}

// ReadDTC requests the stored trouble codes. The list arrives as a
// DtcListUpdated event.
func (e *Engine) ReadDTC(ctx context.Context) error {
	return e.call(ctx, func() error { return e.startDTC(dtcReading) })
}

// ClearDTC asks the ECU to clear its trouble codes and empties the list.
func (e *Engine) ClearDTC(ctx context.Context) error {
	return e.call(ctx, func() error { return e.startDTC(dtcClearing) })
}

// SetLayout replaces the gauge assignment. Readings for parameters that are
// no longer assigned stop at once.
func (e *Engine) SetLayout(ctx context.Context, l DashboardLayout) error {
	if err := l.Validate(e.reg); err != nil {
		return err
	}
	l = l.Clone()
	return e.call(ctx, func() error {
		if l.Presets == nil {
			l.Presets = e.layout.Presets
		}
		e.applyLayout(l)
		return nil
	})
}

// ApplyPreset switches both gauges to a named preset.
func (e *Engine) ApplyPreset(ctx context.Context, name string) (DashboardLayout, error) {
	var out DashboardLayout
	err := e.call(ctx, func() error {
		p, ok := e.layout.Presets[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPreset, name)
		}
		l := e.layout.Clone()
		l.Left, l.Right = p.Left, p.Right
		if err := l.Validate(e.reg); err != nil {
			return err
		}
		e.applyLayout(l)
		out = l.Clone()
		return nil
	})
	return out, err
}

func (e *Engine) applyLayout(l DashboardLayout) {
	e.layout = l
	if e.sess != nil {
		e.sess.setSlots(l.resolve(e.reg))
	}
	log.Printf("[engine] layout left=%s/%s right=%s/%s",
		l.Left.Primary, l.Left.Secondary, l.Right.Primary, l.Right.Secondary)
}

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

func (e *Engine) State() ConnectionState {
	return e.Snapshot().State
}

// Subscribe returns a channel of engine events. Slow subscribers miss
// events rather than stalling the loop. Call cancel to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, ch)
			close(ch)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) emit(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// publish copies loop state into the shared snapshot.
func (e *Engine) publish() {
	snap := Snapshot{
		State:         e.state,
		Layout:        e.layout.Clone(),
		WorstCylinder: -1,
		Stamp:         time.Now(),
	}
	if s := e.sess; s != nil {
		snap.SessionID = s.id
		snap.Address = s.address
		snap.Activated = s.activated
		snap.BatterySaving = s.saver.Active()
		snap.PollCycle = s.sched.Tick()
		snap.RPM = s.rpm
		snap.Corrections = append([]float64(nil), s.corrections...)
		snap.WorstCorrection = s.worst
		snap.WorstCylinder = s.worstCylinder
		snap.Identity = s.ident.identity
		snap.DTCs = append([]dtc.Record(nil), s.dtcs...)
		snap.DTCBusy = s.diag.busy()

		readings := make([]GaugeReading, len(s.slots))
		for i, st := range s.slots {
			if st.param == nil {
				continue
			}
			readings[i] = GaugeReading{
				Parameter: st.param.ID,
				Unit:      st.param.Unit,
				Value:     st.value,
				Peak:      st.peak,
				Valid:     st.valid,
			}
		}
		snap.Left = GaugeSnapshot{Primary: readings[0], Secondary: readings[1]}
		snap.Right = GaugeSnapshot{Primary: readings[2], Secondary: readings[3]}
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
}
