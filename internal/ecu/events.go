package ecu

import (
	"time"

	"github.com/shaunagostinho/enetdash/internal/dtc"
)

// Event is emitted by the engine loop to subscribers.
type Event interface {
	EventName() string
}

type ConnectionStateChanged struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	SessionID string          `json:"sessionId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// ValueUpdated carries a freshly decoded gauge reading.
type ValueUpdated struct {
	Slot      Slot    `json:"slot"`
	Secondary bool    `json:"secondary"`
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Peak      float64 `json:"peak"`
}

// CorrectionUpdated carries one cylinder's ignition timing correction and the
// worst (most negative) correction across all cylinders.
type CorrectionUpdated struct {
	Cylinder      int     `json:"cylinder"`
	Value         float64 `json:"value"`
	Worst         float64 `json:"worst"`
	WorstCylinder int     `json:"worstCylinder"`
}

type IdentityUpdated struct {
	Identity VehicleIdentity `json:"identity"`
}

type BatterySaveChanged struct {
	Active bool `json:"active"`
}

// DtcListUpdated replaces the whole trouble code list.
type DtcListUpdated struct {
	Codes []dtc.Record `json:"codes"`
	At    time.Time    `json:"at"`
	// Cleared is set when the list was emptied by a clear request.
	Cleared bool `json:"cleared,omitempty"`
}

func (ConnectionStateChanged) EventName() string { return "state" }
func (ValueUpdated) EventName() string           { return "value" }
func (CorrectionUpdated) EventName() string      { return "correction" }
func (IdentityUpdated) EventName() string        { return "identity" }
func (BatterySaveChanged) EventName() string     { return "battery_save" }
func (DtcListUpdated) EventName() string         { return "dtc" }
