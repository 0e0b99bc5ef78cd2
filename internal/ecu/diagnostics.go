package ecu

import (
	"log"
	"time"

	"github.com/shaunagostinho/enetdash/internal/doip"
	"github.com/shaunagostinho/enetdash/internal/dtc"
)

type dtcOp int

const (
	dtcIdle dtcOp = iota
	dtcReading
	dtcClearing
)

func (op dtcOp) String() string {
	switch op {
	case dtcReading:
		return "read"
	case dtcClearing:
		return "clear"
	}
	return "idle"
}

// diagnostics is the busy flag for DTC exchanges. At most one read or clear
// is outstanding per session.
type diagnostics struct {
	op       dtcOp
	deadline time.Time
}

func (d *diagnostics) busy() bool { return d.op != dtcIdle }

func (d *diagnostics) release(op dtcOp) bool {
	if d.op != op {
		return false
	}
	d.op = dtcIdle
	return true
}

// requestIdentity sends the one-shot identification reads.
func (e *Engine) requestIdentity() {
	s := e.sess
	for _, r := range identRequests {
		if err := e.write(doip.EncodeReadRequest(r.did)); err != nil {
			log.Printf("[ident] request %s failed: %v", r.name, err)
			continue
		}
		s.ident.request(r.did, r.name)
	}
}

// startDTC sends a read or clear request. Clearing empties the list
// right away because the ECU may not acknowledge.
func (e *Engine) startDTC(op dtcOp) error {
	s := e.sess
	if s == nil {
		return ErrNotConnected
	}
	if s.diag.busy() {
		return ErrBusy
	}

	frame := doip.EncodeReadDTC()
	if op == dtcClearing {
		frame = doip.EncodeClearDTC()
	}
	if err := e.write(frame); err != nil {
		return err
	}
	s.diag.op = op
	s.diag.deadline = time.Now().Add(e.cfg.DTCTimeout)
	log.Printf("[dtc] %s requested", op)

	if op == dtcClearing {
		s.dtcs = nil
		e.emit(DtcListUpdated{At: time.Now(), Cleared: true})
	}
	return nil
}

func (e *Engine) checkDTCTimeout(now time.Time) {
	s := e.sess
	if s.diag.busy() && now.After(s.diag.deadline) {
		log.Printf("[dtc] %s timed out", s.diag.op)
		s.diag.op = dtcIdle
	}
}

// completeDTCRead stores the codes of the outstanding read. A list that
// arrives with no read pending is dropped.
func (e *Engine) completeDTCRead(codes [][3]byte) {
	s := e.sess
	if !s.diag.release(dtcReading) {
		log.Printf("[dtc] unsolicited list of %d codes dropped (%s pending)", len(codes), s.diag.op)
		return
	}
	s.dtcs = dtc.NewRecords(codes, e.describer)
	log.Printf("[dtc] %d codes stored", len(s.dtcs))
	e.emit(DtcListUpdated{Codes: append([]dtc.Record(nil), s.dtcs...), At: time.Now()})
}

func (e *Engine) completeDTCClear() {
	if e.sess.diag.release(dtcClearing) {
		log.Printf("[dtc] clear acknowledged")
	}
}

func (e *Engine) handleNegative(env doip.Envelope) {
	s := e.sess
	var op dtcOp
	switch env.RequestService {
	case doip.ServiceReadDTCInformation:
		op = dtcReading
	case doip.ServiceClearDiagnosticInformation:
		op = dtcClearing
	default:
		return
	}
	log.Printf("[dtc] %s rejected by ECU: NRC 0x%02X", op, env.NRC)
	s.diag.release(op)
}
