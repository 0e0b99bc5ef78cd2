package ecu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/enetdash/internal/doip"
	"github.com/shaunagostinho/enetdash/internal/dtc"
)

// session is everything that lives for exactly one adapter connection.
// It is created on a successful dial and dropped on disconnect, so its
// tickers can never fire against a later socket.
type session struct {
	id      string
	epoch   uint64
	address string
	conn    net.Conn

	activated bool

	sched *Scheduler
	saver *BatterySaver
	ident *identifier
	diag  diagnostics

	poll      *time.Ticker
	keepAlive *time.Ticker

	kaFailures  int
	pollFailing bool
	malformed   int

	slots          [4]slotState
	rpm            float64
	corrections    []float64
	correctionSeen []bool
	worst          float64
	worstCylinder  int

	dtcs []dtc.Record
}

type slotState struct {
	param *Parameter
	value float64
	peak  float64
	valid bool
}

func newSession(epoch uint64, address string, conn net.Conn, cfg Config, slots [4]*Parameter) *session {
	s := &session{
		id:            uuid.NewString(),
		epoch:         epoch,
		address:       address,
		conn:          conn,
		sched:         NewScheduler(slots, cfg.DefaultCylinders, cfg.ThermalEvery, cfg.BatterySaveEvery),
		saver:         NewBatterySaver(cfg.ZeroRPMSamples),
		ident:         newIdentifier(cfg.IdentTimeout, cfg.Models),
		worstCylinder: -1,
	}
	s.setSlots(slots)
	s.setCylinders(s.sched.Cylinders())
	return s
}

func (s *session) start(cfg Config) {
	s.poll = time.NewTicker(cfg.TickInterval)
	s.keepAlive = time.NewTicker(cfg.KeepAliveInterval)
}

// stop cancels the tickers before closing the socket.
func (s *session) stop() {
	if s.poll != nil {
		s.poll.Stop()
	}
	if s.keepAlive != nil {
		s.keepAlive.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// setSlots installs a new gauge set. Readings survive for slots whose
// parameter did not change.
func (s *session) setSlots(slots [4]*Parameter) {
	for i, p := range slots {
		if s.slots[i].param != p {
			s.slots[i] = slotState{param: p}
		}
	}
	s.sched.SetSlots(slots)
}

// setCylinders resizes the round robin and the correction table. Readings
// for cylinders beyond the new count are dropped.
func (s *session) setCylinders(n int) {
	s.sched.SetCylinders(n)
	n = s.sched.Cylinders()

	corr := make([]float64, n)
	seen := make([]bool, n)
	copy(corr, s.corrections)
	copy(seen, s.correctionSeen)
	s.corrections, s.correctionSeen = corr, seen

	if s.worstCylinder >= n {
		s.worst, s.worstCylinder = 0, -1
		for i, ok := range seen {
			if ok && (s.worstCylinder < 0 || corr[i] < s.worst) {
				s.worst, s.worstCylinder = corr[i], i
			}
		}
	}
}

// pendingDial is a dial in flight. result is nil for automatic reconnects.
type pendingDial struct {
	epoch     uint64
	address   string
	cancel    context.CancelFunc
	reconnect bool
	result    chan error
}

func (p *pendingDial) reply(err error) {
	if p.result != nil {
		p.result <- err
	}
}

type dialResult struct {
	epoch uint64
	conn  net.Conn
	err   error
}

type frameMsg struct {
	epoch uint64
	data  []byte
}

type readErrMsg struct {
	epoch uint64
	err   error
}

// startDial opens the transport in a helper goroutine; the result comes back
// to the loop through e.dials tagged with a fresh epoch.
func (e *Engine) startDial(ctx context.Context, address string, timeout time.Duration, reconnect bool, result chan error) {
	e.epoch++
	dctx, cancel := context.WithTimeout(ctx, timeout)
	e.pending = &pendingDial{
		epoch:     e.epoch,
		address:   address,
		cancel:    cancel,
		reconnect: reconnect,
		result:    result,
	}
	e.setState(Connecting, address)

	epoch := e.epoch
	dial := e.cfg.Dial
	writeTimeout := e.cfg.WriteTimeout
	go func() {
		conn, err := dialAdapter(dctx, dial, address, writeTimeout)
		select {
		case e.dials <- dialResult{epoch: epoch, conn: conn, err: err}:
		case <-e.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (e *Engine) handleDial(r dialResult) {
	p := e.pending
	if p == nil || r.epoch != p.epoch {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}
	e.pending = nil
	p.cancel()

	if r.err != nil {
		err := classifyDialErr(r.err)
		log.Printf("[conn] connect to %s failed: %v", p.address, err)
		switch {
		case p.reconnect, errors.Is(r.err, context.Canceled):
			e.setState(Disconnected, err.Error())
		default:
			e.setState(Failed, err.Error())
		}
		p.reply(err)
		return
	}

	e.lastAddress = p.address
	s := newSession(p.epoch, p.address, r.conn, e.cfg, e.layout.resolve(e.reg))
	s.start(e.cfg)
	e.sess = s
	go e.readLoop(s.epoch, s.conn)

	log.Printf("[conn] session %s up on %s (epoch %d)", s.id, s.address, s.epoch)
	e.setState(Connected, "")
	e.requestIdentity()
	p.reply(nil)
}

// dialAdapter connects and sends routing activation. It does not wait for
// the activation response; the router records it when it arrives.
func dialAdapter(ctx context.Context, dial func(context.Context, string, string) (net.Conn, error), address string, writeTimeout time.Duration) (net.Conn, error) {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(doip.EncodeRoutingActivation()); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "routing activation", Err: err}
	}
	return conn, nil
}

func classifyDialErr(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnectRefused, err)
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: "dial", Err: err}
}

// readLoop splits the socket stream into frames for the loop. It exits when
// the socket is closed, reporting the cause with its epoch.
func (e *Engine) readLoop(epoch uint64, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Split(doip.SplitFrames)
	for sc.Scan() {
		frame := append([]byte(nil), sc.Bytes()...)
		select {
		case e.frames <- frameMsg{epoch: epoch, data: frame}:
		case <-e.done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case e.readErrs <- readErrMsg{epoch: epoch, err: err}:
	case <-e.done:
	}
}

// write is the only place that touches the socket for sending.
func (e *Engine) write(frame []byte) error {
	s := e.sess
	if s == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (e *Engine) keepAliveTick() {
	s := e.sess
	if err := e.write(doip.EncodeKeepAlive()); err != nil {
		s.kaFailures++
		log.Printf("[conn] keep-alive failed (%d/%d): %v", s.kaFailures, e.cfg.MaxKeepAliveFailures, err)
		if s.kaFailures >= e.cfg.MaxKeepAliveFailures {
			e.teardown()
			e.setState(Reconnecting, "keep-alive lost")
			e.attemptAutoReconnect(e.cfg.ReconnectDelay)
		}
		return
	}
	s.kaFailures = 0
}

// attemptAutoReconnect arms a single reconnect to the last address. It is a
// no-op while a reconnect or dial is already pending.
func (e *Engine) attemptAutoReconnect(delay time.Duration) {
	if e.reconnectTimer != nil || e.pending != nil || e.lastAddress == "" {
		return
	}
	log.Printf("[conn] reconnecting to %s in %v", e.lastAddress, delay)
	e.reconnectTimer = time.NewTimer(delay)
	e.reconnectC = e.reconnectTimer.C
}

func (e *Engine) fireReconnect() {
	e.reconnectTimer, e.reconnectC = nil, nil
	if e.sess != nil || e.pending != nil {
		return
	}
	e.startDial(e.runCtx, e.lastAddress, e.cfg.ConnectTimeout, true, nil)
}

func (e *Engine) stopReconnect() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer, e.reconnectC = nil, nil
	}
}

// teardown drops the current session without touching the reported state.
func (e *Engine) teardown() {
	if e.sess == nil {
		return
	}
	e.sess.stop()
	log.Printf("[conn] session %s closed", e.sess.id)
	e.sess = nil
	e.epoch++
}

// disconnect cancels everything owned by the connection and reports
// Disconnected. Safe to call in any state.
func (e *Engine) disconnect(reason string) {
	if p := e.pending; p != nil {
		e.pending = nil
		p.cancel()
		p.reply(fmt.Errorf("%w: connect cancelled", ErrNotConnected))
		e.epoch++
	}
	e.stopReconnect()
	e.teardown()
	e.setState(Disconnected, reason)
}

// JoinHostPort formats an adapter address, defaulting the DoIP port.
func JoinHostPort(host string, port int) string {
	if port == 0 {
		port = doip.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// TestConnection dials the adapter and requires a routing activation
// response before timeout. It never returns an error; the message is meant
// for the user.
func TestConnection(ctx context.Context, address string, port int, timeout time.Duration) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := JoinHostPort(address, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		err = classifyDialErr(err)
		switch {
		case errors.Is(err, ErrConnectTimeout):
			return false, fmt.Sprintf("No answer from %s. Check the cable and the adapter's IP address.", target)
		case errors.Is(err, ErrConnectRefused):
			return false, fmt.Sprintf("%s refused the connection. Is the ignition on?", target)
		}
		return false, fmt.Sprintf("Could not reach %s: %v", target, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	if _, err := conn.Write(doip.EncodeRoutingActivation()); err != nil {
		return false, fmt.Sprintf("Connected to %s but sending routing activation failed: %v", target, err)
	}

	sc := bufio.NewScanner(conn)
	sc.Split(doip.SplitFrames)
	for sc.Scan() {
		if doip.IsRoutingActivationResponse(sc.Bytes()) {
			return true, fmt.Sprintf("Adapter at %s accepted routing activation.", target)
		}
	}
	return false, fmt.Sprintf("Connected to %s but no routing activation response arrived.", target)
}
