package ecu

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/shaunagostinho/enetdash/internal/doip"
)

// Model is a vehicle model entry keyed by VIN characters 4 to 7.
type Model struct {
	Name      string `yaml:"name" json:"name"`
	Cylinders int    `yaml:"cylinders" json:"cylinders"`
}

// DefaultModels is the built-in model table. The config can extend it.
func DefaultModels() map[string]Model {
	return map[string]Model{
		"8E11": {Name: "3 Series (F30) 320i", Cylinders: 4},
		"8A31": {Name: "3 Series (F30) 328i", Cylinders: 4},
		"3A51": {Name: "3 Series (F30) 335i", Cylinders: 6},
		"1R51": {Name: "1 Series (F20) M135i", Cylinders: 6},
		"2F31": {Name: "2 Series (F22) 228i", Cylinders: 4},
		"1J51": {Name: "2 Series (F22) M235i", Cylinders: 6},
		"4X91": {Name: "4 Series (F32) 435i", Cylinders: 6},
		"3D31": {Name: "4 Series (F32) 428i", Cylinders: 4},
		"5A31": {Name: "5 Series (F10) 528i", Cylinders: 4},
		"5B51": {Name: "5 Series (F10) 535i", Cylinders: 6},
	}
}

var manufacturers = map[string]string{
	"WBA": "BMW",
	"WBS": "BMW M",
	"WBX": "BMW",
	"WBY": "BMW i",
	"WMW": "MINI",
	"5UX": "BMW (US)",
	"5YM": "BMW M (US)",
}

// VehicleIdentity is built field by field as identification answers arrive.
type VehicleIdentity struct {
	VIN            string    `json:"vin,omitempty"`
	Manufacturer   string    `json:"manufacturer,omitempty"`
	Model          string    `json:"model,omitempty"`
	Cylinders      int       `json:"cylinders,omitempty"`
	MileageKm      uint32    `json:"mileageKm,omitempty"`
	ProductionDate time.Time `json:"productionDate,omitzero"`
	FlashCycles    int       `json:"flashCycles,omitempty"`
	OilServiceKm   uint32    `json:"oilServiceKm,omitempty"`
	OilServiceDue  time.Time `json:"oilServiceDue,omitzero"`
}

// identRequests are sent once after every successful connect.
var identRequests = []struct {
	did  uint16
	name string
}{
	{DIDVIN, "vin"},
	{DIDProductionDate, "production date"},
	{DIDMileage, "mileage"},
	{DIDFlashCycles, "flash cycles"},
	{DIDOilService, "oil service"},
}

// identifier tracks outstanding identification reads. Answers arriving after
// the TTL are ignored; expired requests leave their field untouched.
type identifier struct {
	pending  *ttlcache.Cache[uint16, string]
	identity VehicleIdentity
	models   map[string]Model
}

func newIdentifier(ttl time.Duration, models map[string]Model) *identifier {
	c := ttlcache.New[uint16, string](
		ttlcache.WithTTL[uint16, string](ttl),
		ttlcache.WithDisableTouchOnHit[uint16, string](),
	)
	c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint16, string]) {
		if reason == ttlcache.EvictionReasonExpired {
			log.Printf("[ident] no answer for %s (0x%04X), leaving it unset", item.Value(), item.Key())
		}
	})
	return &identifier{pending: c, models: models}
}

func (id *identifier) request(did uint16, name string) {
	id.pending.Set(did, name, ttlcache.DefaultTTL)
}

func (id *identifier) isPending(did uint16) bool {
	return id.pending.Get(did) != nil
}

func (id *identifier) expire() {
	id.pending.DeleteExpired()
}

func (id *identifier) outstanding() int {
	return id.pending.Len()
}

// handle consumes an answer for a pending DID and updates the identity.
// Short or invalid payloads leave the identity unchanged.
func (id *identifier) handle(did uint16, payload []byte) error {
	id.pending.Delete(did)

	next := id.identity
	switch did {
	case DIDVIN:
		vin, err := doip.DecodeVIN(payload)
		if err != nil {
			return err
		}
		next.VIN = vin
		if len(vin) >= 3 {
			next.Manufacturer = manufacturers[vin[:3]]
		}
		if len(vin) >= 7 {
			if m, ok := id.models[vin[3:7]]; ok {
				next.Model = m.Name
				next.Cylinders = m.Cylinders
			}
		}

	case DIDProductionDate:
		if len(payload) < 3 {
			return fmt.Errorf("%w: production date needs 3 bytes, got %d", doip.ErrShortPayload, len(payload))
		}
		yy, ok1 := bcd(payload[0])
		mm, ok2 := bcd(payload[1])
		dd, ok3 := bcd(payload[2])
		if !ok1 || !ok2 || !ok3 || mm < 1 || mm > 12 || dd < 1 || dd > 31 {
			return fmt.Errorf("ecu: invalid production date % X", payload[:3])
		}
		next.ProductionDate = time.Date(2000+yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)

	case DIDMileage:
		km, err := doip.DecodeMileage(payload)
		if err != nil {
			return err
		}
		next.MileageKm = km

	case DIDFlashCycles:
		if len(payload) < 2 {
			return fmt.Errorf("%w: flash cycles needs 2 bytes, got %d", doip.ErrShortPayload, len(payload))
		}
		next.FlashCycles = int(binary.BigEndian.Uint16(payload))

	case DIDOilService:
		if len(payload) < 5 {
			return fmt.Errorf("%w: oil service needs 5 bytes, got %d", doip.ErrShortPayload, len(payload))
		}
		month := int(payload[3])
		if month < 1 || month > 12 {
			return fmt.Errorf("ecu: invalid oil service month %d", month)
		}
		next.OilServiceKm = uint32(payload[0])<<16 | uint32(payload[1])<<8 | uint32(payload[2])
		next.OilServiceDue = time.Date(2000+int(payload[4]), time.Month(month), 1, 0, 0, 0, 0, time.UTC)

	default:
		return fmt.Errorf("ecu: 0x%04X is not an identification DID", did)
	}
	id.identity = next
	return nil
}

func bcd(b byte) (int, bool) {
	hi, lo := b>>4, b&0x0F
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return int(hi)*10 + int(lo), true
}
