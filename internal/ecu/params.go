package ecu

import (
	"fmt"

	"github.com/shaunagostinho/enetdash/internal/doip"
)

// Kind selects the decoding rule for a parameter payload.
type Kind int

const (
	KindTemperature Kind = iota
	KindBoost
	KindThrottle
	KindTimingCorrection
	KindRPM
)

func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindBoost:
		return "boost"
	case KindThrottle:
		return "throttle"
	case KindTimingCorrection:
		return "timing-correction"
	case KindRPM:
		return "rpm"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Parameter IDs used in layouts and the API.
const (
	ParamOilTemp     = "oil_temp"
	ParamCoolantTemp = "coolant_temp"
	ParamIntakeTemp  = "intake_temp"
	ParamGearboxTemp = "gearbox_temp"
	ParamBoost       = "boost"
	ParamThrottle    = "throttle"
	ParamRPM         = "rpm"
)

// Data identifiers outside the gauge catalog.
const (
	DIDRPM = 0x4807

	// DIDCylinderBase is the timing correction of cylinder 0; cylinder n
	// answers on DIDCylinderBase+n.
	DIDCylinderBase = 0x5B20
	cylinderDIDSpan = 16

	DIDVIN            = 0xF190
	DIDProductionDate = 0xF18B
	DIDMileage        = 0x1701
	DIDFlashCycles    = 0x2502
	DIDOilService     = 0x4B11
)

// Parameter describes one readable value. Parameters are built once by
// DefaultRegistry and never mutated.
type Parameter struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Unit    string  `json:"unit"`
	DID     uint16  `json:"did"`
	Kind    Kind    `json:"kind"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Thermal bool    `json:"thermal"`

	// Secondary is polled alongside the parameter for a dual readout.
	Secondary *Parameter `json:"-"`
}

// Decode converts a response payload according to the parameter's kind.
func (p *Parameter) Decode(payload []byte) (float64, error) {
	switch p.Kind {
	case KindTemperature:
		return doip.DecodeTemperature(payload)
	case KindBoost:
		return doip.DecodeBoost(payload)
	case KindThrottle:
		return doip.DecodeThrottle(payload)
	case KindTimingCorrection:
		return doip.DecodeTimingCorrection(payload)
	case KindRPM:
		return doip.DecodeRPM(payload)
	}
	return 0, fmt.Errorf("ecu: parameter %s has unknown kind %v", p.ID, p.Kind)
}

// Registry is the static parameter catalog.
type Registry struct {
	byID  map[string]*Parameter
	byDID map[uint16]*Parameter
	order []*Parameter
}

// NewRegistry indexes params. Duplicate IDs or DIDs are a programming error
// and panic at startup.
func NewRegistry(params ...*Parameter) *Registry {
	r := &Registry{
		byID:  make(map[string]*Parameter, len(params)),
		byDID: make(map[uint16]*Parameter, len(params)),
	}
	for _, p := range params {
		if _, dup := r.byID[p.ID]; dup {
			panic("ecu: duplicate parameter id " + p.ID)
		}
		if _, dup := r.byDID[p.DID]; dup {
			panic(fmt.Sprintf("ecu: duplicate DID 0x%04X", p.DID))
		}
		r.byID[p.ID] = p
		r.byDID[p.DID] = p
		r.order = append(r.order, p)
	}
	return r
}

// Lookup returns the parameter with the given ID.
func (r *Registry) Lookup(id string) (*Parameter, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// ByDID returns the parameter answering on did.
func (r *Registry) ByDID(did uint16) (*Parameter, bool) {
	p, ok := r.byDID[did]
	return p, ok
}

// All returns the parameters in registration order.
func (r *Registry) All() []*Parameter {
	return append([]*Parameter(nil), r.order...)
}

// DefaultRegistry returns the catalog of gauge parameters. Oil, coolant,
// intake and gearbox temperatures are thermal and polled on the slow cadence.
func DefaultRegistry() *Registry {
	throttle := &Parameter{ID: ParamThrottle, Name: "Throttle", Unit: "%", DID: 0xF411, Kind: KindThrottle, Min: 0, Max: 100}
	coolant := &Parameter{ID: ParamCoolantTemp, Name: "Coolant", Unit: "°C", DID: 0xF405, Kind: KindTemperature, Min: -40, Max: 150, Thermal: true}

	return NewRegistry(
		&Parameter{ID: ParamOilTemp, Name: "Oil Temp", Unit: "°C", DID: 0xF45C, Kind: KindTemperature, Min: -40, Max: 160, Thermal: true, Secondary: coolant},
		coolant,
		&Parameter{ID: ParamIntakeTemp, Name: "Intake Air", Unit: "°C", DID: 0xF40F, Kind: KindTemperature, Min: -40, Max: 100, Thermal: true},
		&Parameter{ID: ParamGearboxTemp, Name: "Gearbox Temp", Unit: "°C", DID: 0x4A32, Kind: KindTemperature, Min: -40, Max: 150, Thermal: true},
		&Parameter{ID: ParamBoost, Name: "Boost", Unit: "bar", DID: 0x4205, Kind: KindBoost, Min: 0, Max: 2.5, Secondary: throttle},
		throttle,
		&Parameter{ID: ParamRPM, Name: "Engine Speed", Unit: "rpm", DID: DIDRPM, Kind: KindRPM, Min: 0, Max: 8000},
	)
}

func isCylinderDID(did uint16) (int, bool) {
	if did < DIDCylinderBase || did >= DIDCylinderBase+cylinderDIDSpan {
		return 0, false
	}
	return int(did - DIDCylinderBase), true
}
