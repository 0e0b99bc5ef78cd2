// Package dtc renders diagnostic trouble codes, looks up their descriptions
// and keeps a persistent history of codes seen on the vehicle.
package dtc

import (
	"encoding/hex"
	"strings"
)

// Record is one trouble code as reported by the ECU.
type Record struct {
	Code        string  `json:"code"`
	Raw         [3]byte `json:"-"`
	Description string  `json:"description,omitempty"`
}

// Describer looks up a human-readable description for a code.
type Describer interface {
	Describe(code string) (string, bool)
}

// FormatCode renders a 3-byte code as six upper-case hex digits.
func FormatCode(raw [3]byte) string {
	return strings.ToUpper(hex.EncodeToString(raw[:]))
}

// NewRecords converts raw triplets, attaching descriptions from d when it
// knows the code. d may be nil.
func NewRecords(raw [][3]byte, d Describer) []Record {
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		rec := Record{Code: FormatCode(r), Raw: r}
		if d != nil {
			rec.Description, _ = d.Describe(rec.Code)
		}
		out = append(out, rec)
	}
	return out
}
