package ecu

// Scheduler decides which DIDs to request on each base tick.
//
// Every tick it requests the non-thermal gauge parameters and one cylinder's
// timing correction, round robin over working ticks so battery-save gating
// never skips a cylinder. Every thermalEvery ticks it adds the
// thermal gauge parameters and RPM. In battery-save mode only ticks that are
// multiples of batterySaveEvery do any work.
type Scheduler struct {
	tick      uint64
	worked    uint64
	cylinders int

	fast    []uint16
	thermal []uint16

	thermalEvery     uint64
	batterySaveEvery uint64
}

// NewScheduler builds a scheduler for the resolved gauge slots.
func NewScheduler(slots [4]*Parameter, cylinders, thermalEvery, batterySaveEvery int) *Scheduler {
	s := &Scheduler{
		thermalEvery:     uint64(max(thermalEvery, 1)),
		batterySaveEvery: uint64(max(batterySaveEvery, 1)),
	}
	s.SetCylinders(cylinders)
	s.SetSlots(slots)
	return s
}

// SetSlots replaces the gauge request set.
func (s *Scheduler) SetSlots(slots [4]*Parameter) {
	s.fast = s.fast[:0]
	s.thermal = s.thermal[:0]
	for _, p := range slots {
		if p == nil {
			continue
		}
		if p.Thermal {
			s.thermal = append(s.thermal, p.DID)
		} else {
			s.fast = append(s.fast, p.DID)
		}
	}
}

// SetCylinders resizes the round robin. Values outside 1..cylinderDIDSpan
// are clamped.
func (s *Scheduler) SetCylinders(n int) {
	s.cylinders = min(max(n, 1), cylinderDIDSpan)
}

func (s *Scheduler) Cylinders() int { return s.cylinders }

// Tick returns the number of ticks taken so far.
func (s *Scheduler) Tick() uint64 { return s.tick }

// Next advances one tick and returns the DIDs to request, without duplicates.
func (s *Scheduler) Next(batterySaving bool) []uint16 {
	t := s.tick
	s.tick++

	if batterySaving && t%s.batterySaveEvery != 0 {
		return nil
	}

	out := make([]uint16, 0, len(s.fast)+len(s.thermal)+2)
	seen := make(map[uint16]bool, cap(out))
	add := func(did uint16) {
		if !seen[did] {
			seen[did] = true
			out = append(out, did)
		}
	}

	for _, did := range s.fast {
		add(did)
	}
	add(DIDCylinderBase + uint16(s.worked%uint64(s.cylinders)))
	s.worked++
	if t%s.thermalEvery == 0 {
		for _, did := range s.thermal {
			add(did)
		}
		add(DIDRPM)
	}
	return out
}

// BatterySaver detects a stopped engine from consecutive zero RPM samples.
type BatterySaver struct {
	threshold int
	zeros     int
	active    bool
}

func NewBatterySaver(threshold int) *BatterySaver {
	return &BatterySaver{threshold: max(threshold, 1)}
}

// Observe feeds one RPM sample and reports whether the mode changed.
// Exactly threshold consecutive zeros activate the mode; any nonzero sample
// resets the count and deactivates it at once.
func (b *BatterySaver) Observe(rpm float64) bool {
	if rpm != 0 {
		b.zeros = 0
		if b.active {
			b.active = false
			return true
		}
		return false
	}
	if b.zeros < b.threshold {
		b.zeros++
	}
	if !b.active && b.zeros >= b.threshold {
		b.active = true
		return true
	}
	return false
}

func (b *BatterySaver) Active() bool { return b.active }

// Zeros returns the current run of zero samples.
func (b *BatterySaver) Zeros() int { return b.zeros }
