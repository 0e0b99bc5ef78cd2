package ecu

import (
	"log"

	"github.com/shaunagostinho/enetdash/internal/doip"
)

// handleFrame decodes one frame from the session socket and routes it.
// Malformed frames are dropped without touching session state.
func (e *Engine) handleFrame(frame []byte) {
	s := e.sess
	env, err := doip.DecodeResponse(frame)
	if err != nil {
		s.malformed++
		if s.malformed == 1 || s.malformed%100 == 0 {
			log.Printf("[router] dropped malformed frame (%d so far): %v", s.malformed, err)
		}
		return
	}
	e.route(env)
}

func (e *Engine) route(env doip.Envelope) {
	s := e.sess
	switch env.Kind {
	case doip.KindRoutingActivation:
		if !s.activated {
			s.activated = true
			log.Printf("[router] routing activation confirmed for session %s", s.id)
		}
	case doip.KindData:
		e.routeData(env.DID, env.Payload)
	case doip.KindDTC:
		e.completeDTCRead(env.DTCs)
	case doip.KindClearAck:
		e.completeDTCClear()
	case doip.KindNegative:
		e.handleNegative(env)
	}
}

// routeData dispatches a read-by-identifier answer. Priority: pending
// identification, RPM side channel, gauge slots in slotOrder (first match
// wins), cylinder corrections. Anything else was not asked for by the
// current session and is dropped.
func (e *Engine) routeData(did uint16, payload []byte) {
	s := e.sess

	if s.ident.isPending(did) {
		if err := s.ident.handle(did, payload); err != nil {
			log.Printf("[ident] 0x%04X: %v", did, err)
			return
		}
		id := s.ident.identity
		e.emit(IdentityUpdated{Identity: id})
		if id.Cylinders > 0 && id.Cylinders != s.sched.Cylinders() {
			log.Printf("[ident] %s has %d cylinders", id.Model, id.Cylinders)
			s.setCylinders(id.Cylinders)
		}
		return
	}

	if did == DIDRPM {
		if rpm, err := doip.DecodeRPM(payload); err == nil {
			s.rpm = rpm
			if s.saver.Observe(rpm) {
				active := s.saver.Active()
				e.emit(BatterySaveChanged{Active: active})
				if active {
					e.setState(BatterySaving, "engine off")
				} else {
					e.setState(Connected, "engine running")
				}
			}
		}
	}

	for i, ref := range slotOrder {
		st := &s.slots[i]
		if st.param == nil || st.param.DID != did {
			continue
		}
		v, err := st.param.Decode(payload)
		if err != nil {
			return
		}
		st.value = v
		if !st.valid || v > st.peak {
			st.peak = v
		}
		st.valid = true
		e.emit(ValueUpdated{
			Slot:      ref.Slot,
			Secondary: ref.Secondary,
			Parameter: st.param.ID,
			Value:     v,
			Peak:      st.peak,
		})
		return
	}

	if cyl, ok := isCylinderDID(did); ok {
		if cyl >= len(s.corrections) {
			return
		}
		v, err := doip.DecodeTimingCorrection(payload)
		if err != nil {
			return
		}
		s.corrections[cyl] = v
		s.correctionSeen[cyl] = true
		if s.worstCylinder < 0 || v < s.worst {
			s.worst, s.worstCylinder = v, cyl
		}
		e.emit(CorrectionUpdated{
			Cylinder:      cyl,
			Value:         v,
			Worst:         s.worst,
			WorstCylinder: s.worstCylinder,
		})
	}
}
