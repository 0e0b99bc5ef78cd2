package ecu

import (
	"testing"
)

func defaultSlots(t *testing.T) [4]*Parameter {
	t.Helper()
	return DefaultLayout().resolve(DefaultRegistry())
}

func TestRegistryDefaults(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		id        string
		did       uint16
		thermal   bool
		secondary string
	}{
		{ParamOilTemp, 0xF45C, true, ParamCoolantTemp},
		{ParamCoolantTemp, 0xF405, true, ""},
		{ParamIntakeTemp, 0xF40F, true, ""},
		{ParamGearboxTemp, 0x4A32, true, ""},
		{ParamBoost, 0x4205, false, ParamThrottle},
		{ParamThrottle, 0xF411, false, ""},
		{ParamRPM, DIDRPM, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, ok := reg.Lookup(tt.id)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.id)
			}
			if p.DID != tt.did || p.Thermal != tt.thermal {
				t.Errorf("got DID 0x%04X thermal %v, want 0x%04X %v", p.DID, p.Thermal, tt.did, tt.thermal)
			}
			sec := ""
			if p.Secondary != nil {
				sec = p.Secondary.ID
			}
			if sec != tt.secondary {
				t.Errorf("secondary %q, want %q", sec, tt.secondary)
			}
			if q, ok := reg.ByDID(tt.did); !ok || q != p {
				t.Errorf("ByDID(0x%04X) does not return the same parameter", tt.did)
			}
		})
	}

	if _, ok := reg.Lookup("fuel_pressure"); ok {
		t.Error("unknown parameter reported as found")
	}
}

func TestParameterDecode(t *testing.T) {
	reg := DefaultRegistry()
	oil, _ := reg.Lookup(ParamOilTemp)
	if v, err := oil.Decode([]byte{0x78}); err != nil || v != 80 {
		t.Errorf("oil Decode(0x78) = %v, %v; want 80", v, err)
	}
	rpm, _ := reg.Lookup(ParamRPM)
	if v, err := rpm.Decode([]byte{0xDC, 0x05}); err != nil || v != 1500 {
		t.Errorf("rpm Decode = %v, %v; want 1500", v, err)
	}
	boost, _ := reg.Lookup(ParamBoost)
	if _, err := boost.Decode([]byte{0x03}); err == nil {
		t.Error("boost decoded a 1-byte payload")
	}
}

func TestLayoutResolve(t *testing.T) {
	slots := defaultSlots(t)
	want := []string{ParamOilTemp, ParamCoolantTemp, ParamBoost, ParamThrottle}
	for i, id := range want {
		if slots[i] == nil || slots[i].ID != id {
			t.Errorf("slot %d = %v, want %s", i, slots[i], id)
		}
	}

	l := DashboardLayout{
		Left:  GaugeAssignment{Primary: ParamIntakeTemp},
		Right: GaugeAssignment{Primary: ParamBoost, Secondary: ParamRPM},
	}
	slots = l.resolve(DefaultRegistry())
	if slots[1] != nil {
		t.Errorf("intake has no linked secondary, got %v", slots[1].ID)
	}
	if slots[3] == nil || slots[3].ID != ParamRPM {
		t.Errorf("explicit secondary not used")
	}
}

func TestLayoutValidate(t *testing.T) {
	reg := DefaultRegistry()
	if err := DefaultLayout().Validate(reg); err != nil {
		t.Fatalf("default layout invalid: %v", err)
	}
	bad := DashboardLayout{
		Left:  GaugeAssignment{Primary: ParamOilTemp},
		Right: GaugeAssignment{Primary: "afr"},
	}
	if err := bad.Validate(reg); err == nil {
		t.Error("unknown parameter accepted")
	}
	if err := (DashboardLayout{Left: GaugeAssignment{Primary: ParamOilTemp}}).Validate(reg); err == nil {
		t.Error("missing right primary accepted")
	}
}

func TestSchedulerRoundRobinCompleteness(t *testing.T) {
	for _, cylinders := range []int{4, 6} {
		// any window of cylinders consecutive ticks, starting anywhere
		for start := 0; start < 3*cylinders; start++ {
			counts := make(map[uint16]int)
			sched := NewScheduler(defaultSlots(t), cylinders, 10, 50)
			for i := 0; i < start; i++ {
				sched.Next(false)
			}
			for i := 0; i < cylinders; i++ {
				for _, did := range sched.Next(false) {
					if _, ok := isCylinderDID(did); ok {
						counts[did]++
					}
				}
			}
			if len(counts) != cylinders {
				t.Fatalf("%d cylinders, window at %d: %d distinct cylinders requested", cylinders, start, len(counts))
			}
			for did, n := range counts {
				if n != 1 {
					t.Fatalf("%d cylinders: 0x%04X requested %d times in one window", cylinders, did, n)
				}
			}
		}
	}
}

func TestSchedulerOneCylinderPerTick(t *testing.T) {
	s := NewScheduler(defaultSlots(t), 6, 10, 50)
	for tick := 0; tick < 60; tick++ {
		n := 0
		for _, did := range s.Next(false) {
			if _, ok := isCylinderDID(did); ok {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("tick %d: %d cylinder requests, want 1", tick, n)
		}
	}
}

func TestSchedulerCadence(t *testing.T) {
	s := NewScheduler(defaultSlots(t), 6, 10, 50)

	contains := func(dids []uint16, want uint16) bool {
		for _, d := range dids {
			if d == want {
				return true
			}
		}
		return false
	}

	for tick := 0; tick < 30; tick++ {
		dids := s.Next(false)
		thermalTick := tick%10 == 0
		if got := contains(dids, 0xF45C); got != thermalTick {
			t.Errorf("tick %d: oil temp requested=%v, want %v", tick, got, thermalTick)
		}
		if got := contains(dids, DIDRPM); got != thermalTick {
			t.Errorf("tick %d: rpm requested=%v, want %v", tick, got, thermalTick)
		}
		if !contains(dids, 0x4205) || !contains(dids, 0xF411) {
			t.Errorf("tick %d: boost/throttle missing from %04X", tick, dids)
		}
	}
}

func TestSchedulerDeduplicates(t *testing.T) {
	reg := DefaultRegistry()
	l := DashboardLayout{
		Left:  GaugeAssignment{Primary: ParamBoost},
		Right: GaugeAssignment{Primary: ParamBoost, Secondary: ParamRPM},
	}
	s := NewScheduler(l.resolve(reg), 6, 10, 50)
	dids := s.Next(false)
	seen := map[uint16]int{}
	for _, d := range dids {
		seen[d]++
	}
	for d, n := range seen {
		if n > 1 {
			t.Errorf("0x%04X requested %d times in one tick", d, n)
		}
	}
}

func TestSchedulerBatterySaving(t *testing.T) {
	s := NewScheduler(defaultSlots(t), 6, 10, 50)
	busy := 0
	for tick := 0; tick < 200; tick++ {
		dids := s.Next(true)
		if len(dids) > 0 {
			if tick%50 != 0 {
				t.Fatalf("tick %d did work in battery-save mode", tick)
			}
			busy++
		}
	}
	if busy != 4 {
		t.Errorf("%d working ticks in 200, want 4", busy)
	}
	if s.Tick() != 200 {
		t.Errorf("Tick() = %d, want 200", s.Tick())
	}
}

func TestSchedulerBatterySavingCoversCylinders(t *testing.T) {
	for _, cylinders := range []int{4, 6, 8, 10} {
		s := NewScheduler(defaultSlots(t), cylinders, 10, 50)
		seen := map[uint16]int{}
		for tick := 0; tick < 50*cylinders; tick++ {
			for _, did := range s.Next(true) {
				if _, ok := isCylinderDID(did); ok {
					seen[did]++
				}
			}
		}
		if len(seen) != cylinders {
			t.Errorf("%d cylinders: %d distinct cylinders sampled in battery-save mode", cylinders, len(seen))
		}
		for did, n := range seen {
			if n != 1 {
				t.Errorf("%d cylinders: 0x%04X sampled %d times", cylinders, did, n)
			}
		}
	}
}

func TestSchedulerSetCylinders(t *testing.T) {
	s := NewScheduler(defaultSlots(t), 6, 10, 50)
	s.SetCylinders(4)
	for tick := 0; tick < 40; tick++ {
		for _, did := range s.Next(false) {
			if cyl, ok := isCylinderDID(did); ok && cyl >= 4 {
				t.Fatalf("cylinder %d requested after resize to 4", cyl)
			}
		}
	}
}

func TestBatterySaverThreshold(t *testing.T) {
	b := NewBatterySaver(300)
	for i := 1; i < 300; i++ {
		if b.Observe(0) {
			t.Fatalf("mode changed after %d zero samples", i)
		}
	}
	if b.Active() {
		t.Fatal("active after 299 zero samples")
	}
	if !b.Observe(0) || !b.Active() {
		t.Fatal("not active after exactly 300 zero samples")
	}
	if b.Observe(0) {
		t.Fatal("further zero samples reported a change")
	}

	if !b.Observe(850) {
		t.Fatal("nonzero sample did not exit battery save")
	}
	if b.Active() || b.Zeros() != 0 {
		t.Fatalf("after nonzero: active=%v zeros=%d", b.Active(), b.Zeros())
	}
}

func TestBatterySaverResetMidRun(t *testing.T) {
	b := NewBatterySaver(300)
	for i := 0; i < 250; i++ {
		b.Observe(0)
	}
	b.Observe(1)
	if b.Zeros() != 0 {
		t.Fatalf("zeros = %d after nonzero sample", b.Zeros())
	}
	for i := 0; i < 299; i++ {
		b.Observe(0)
	}
	if b.Active() {
		t.Fatal("counter was not reset by the nonzero sample")
	}
}
