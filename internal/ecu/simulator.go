package ecu

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/shaunagostinho/enetdash/internal/doip"
)

// SimulatedVIN is the VIN reported by the simulator. Its model code maps to
// a four-cylinder car in DefaultModels.
const SimulatedVIN = "WBA8E11060K123456"

// Simulator is an in-process DoIP adapter that answers like a car idling
// and revving. It is used by the demo mode and the end-to-end tests.
type Simulator struct {
	mu    sync.Mutex
	start time.Time
	ln    net.Listener
	conns map[net.Conn]struct{}

	vin              string
	mileage          uint32
	codes            [][3]byte
	engineOff        bool
	answerClear      bool
	answerActivation bool
	fixedLength      bool
	overrides        map[uint16][]byte

	accepted int
	requests map[byte]int
	reads    map[uint16]int
}

func NewSimulator() *Simulator {
	return &Simulator{
		start:            time.Now(),
		conns:            make(map[net.Conn]struct{}),
		vin:              SimulatedVIN,
		mileage:          87412,
		codes:            [][3]byte{{0x2A, 0xAF, 0x00}, {0x48, 0x0A, 0x12}},
		answerClear:      true,
		answerActivation: true,
		overrides:        make(map[uint16][]byte),
		requests:         make(map[byte]int),
		reads:            make(map[uint16]int),
	}
}

// Listen binds the simulator, e.g. to "127.0.0.1:0".
func (s *Simulator) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Printf("[demo] simulated adapter on %s", ln.Addr())
	return nil
}

// Addr returns the bound host:port.
func (s *Simulator) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Simulator) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ecu: simulator not listening")
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.accepted++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// DropConnections closes every client socket, as an adapter losing power would.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// SetValue pins the payload returned for did.
func (s *Simulator) SetValue(did uint16, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[did] = append([]byte(nil), payload...)
}

func (s *Simulator) SetEngineRunning(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engineOff = !on
}

func (s *Simulator) SetDTCs(codes [][3]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append([][3]byte(nil), codes...)
}

// SetAnswerClear controls whether clear requests are acknowledged.
func (s *Simulator) SetAnswerClear(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerClear = on
}

// SetFixedLengthHeader makes diagnostic responses carry the request
// header's fixed length field instead of their real payload length.
func (s *Simulator) SetFixedLengthHeader(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixedLength = on
}

// SetAnswerActivation controls whether routing activation is acknowledged.
func (s *Simulator) SetAnswerActivation(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerActivation = on
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Simulator) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Requests returns how many UDS requests with the given service arrived.
func (s *Simulator) Requests(service byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[service]
}

// Reads returns how many times did was requested.
func (s *Simulator) Reads(did uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[did]
}

func (s *Simulator) handle(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)
		for {
			var req []byte
			var ok bool
			req, buf, ok = nextRequest(buf)
			if !ok {
				break
			}
			s.mu.Lock()
			fixed := s.fixedLength
			s.mu.Unlock()
			for _, resp := range s.respond(req) {
				if fixed {
					resp = doip.FixedLength(resp)
				}
				if _, err := conn.Write(resp); err != nil {
					return
				}
			}
		}
	}
}

// nextRequest cuts one client request off buf. Requests are sized by payload
// type and service because the diagnostic header carries a fixed length
// field regardless of the UDS payload.
func nextRequest(buf []byte) (req, rest []byte, ok bool) {
	magic := []byte{doip.ProtocolVersion, doip.InverseVersion}
	for {
		i := bytes.Index(buf, magic)
		if i < 0 {
			if len(buf) > 0 && buf[len(buf)-1] == doip.ProtocolVersion {
				return nil, buf[len(buf)-1:], false
			}
			return nil, nil, false
		}
		buf = buf[i:]
		if len(buf) < doip.HeaderSize {
			return nil, buf, false
		}

		length := int(binary.BigEndian.Uint32(buf[4:doip.HeaderSize]))
		var n int
		switch binary.BigEndian.Uint16(buf[2:4]) {
		case 0x0001:
			n = doip.HeaderSize
			if length == 7 {
				n += 7
			}
		case 0x0007:
			n = doip.HeaderSize
		case 0x8001:
			if len(buf) < 14 {
				return nil, buf, false
			}
			n = 16
			if buf[13] == doip.ServiceClearDiagnosticInformation {
				n = 17
			}
		default:
			if length > 4096 {
				buf = buf[1:]
				continue
			}
			n = doip.HeaderSize + length
		}
		if len(buf) < n {
			return nil, buf, false
		}
		return buf[:n], buf[n:], true
	}
}

func (s *Simulator) respond(req []byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch binary.BigEndian.Uint16(req[2:4]) {
	case 0x0001:
		if len(req) > doip.HeaderSize && s.answerActivation {
			return [][]byte{doip.EncodeRoutingActivationResponse()}
		}
		return nil
	case 0x0007:
		return nil
	case 0x8001:
	default:
		return nil
	}

	service := req[13]
	s.requests[service]++
	switch service {
	case doip.ServiceReadDataByIdentifier:
		did := binary.BigEndian.Uint16(req[14:16])
		s.reads[did]++
		payload, ok := s.value(did)
		if !ok {
			return [][]byte{doip.EncodeNegativeResponse(service, 0x31)}
		}
		return [][]byte{doip.EncodeDataResponse(did, payload)}

	case doip.ServiceReadDTCInformation:
		codes := s.codes
		if len(codes) == 0 {
			// an empty list is sent as one zero record
			codes = [][3]byte{{}}
		}
		return [][]byte{doip.EncodeDTCResponse(codes)}

	case doip.ServiceClearDiagnosticInformation:
		s.codes = nil
		if s.answerClear {
			return [][]byte{doip.EncodeClearResponse()}
		}
		return nil
	}
	return [][]byte{doip.EncodeNegativeResponse(service, 0x11)}
}

// value generates a payload for did. Engine data follows a slow rev cycle
// between idle and about 4800 rpm.
func (s *Simulator) value(did uint16) ([]byte, bool) {
	if p, ok := s.overrides[did]; ok {
		return p, true
	}

	t := time.Since(s.start).Seconds()
	rpm := 850.0 + 4000.0*math.Sin(t*0.3)*math.Sin(t*0.3) + rand.Float64()*50
	if s.engineOff {
		rpm = 0
	}
	tps := math.Max(0, math.Min(100, (rpm-850)/(8000-850)*100))
	boost := tps / 100 * 1.4

	temp := func(c float64) []byte { return []byte{byte(c + 40)} }

	switch did {
	case 0xF45C:
		return temp(95 + rand.Float64()*5), true
	case 0xF405:
		return temp(88 + rand.Float64()*4), true
	case 0xF40F:
		if boost > 1.0 {
			return temp(55 + rand.Float64()*15), true
		}
		return temp(30 + rand.Float64()*8), true
	case 0x4A32:
		return temp(70 + rand.Float64()*5), true
	case 0x4205:
		hpa := uint16(1013 + boost*1000)
		return []byte{byte(hpa >> 8), byte(hpa)}, true
	case 0xF411:
		return []byte{byte(tps)}, true
	case DIDRPM:
		r := uint16(rpm)
		return []byte{byte(r), byte(r >> 8)}, true
	case DIDVIN:
		return []byte(s.vin), true
	case DIDProductionDate:
		return []byte{0x15, 0x06, 0x23}, true
	case DIDMileage:
		return []byte{byte(s.mileage >> 16), byte(s.mileage >> 8), byte(s.mileage)}, true
	case DIDFlashCycles:
		return []byte{0x00, 0x2A}, true
	case DIDOilService:
		return []byte{0x00, 0x3A, 0x98, 0x05, 0x1A}, true
	}

	if _, ok := isCylinderDID(did); ok {
		corr := 128.0
		// occasional knock retard at high load
		if tps > 85 && rpm > 5000 && rand.Float64() < 0.08 {
			corr -= 20 + rand.Float64()*40
		}
		return []byte{byte(corr)}, true
	}
	return nil, false
}
