package ecu

import (
	"fmt"
	"maps"
)

// Slot names a gauge position.
type Slot string

const (
	SlotLeft  Slot = "left"
	SlotRight Slot = "right"
)

// GaugeAssignment binds parameters to one gauge. An empty Secondary uses the
// primary's linked secondary, if any.
type GaugeAssignment struct {
	Primary   string `yaml:"primary" json:"primary"`
	Secondary string `yaml:"secondary,omitempty" json:"secondary,omitempty"`
}

// Preset is a named pair of assignments.
type Preset struct {
	Left  GaugeAssignment `yaml:"left" json:"left"`
	Right GaugeAssignment `yaml:"right" json:"right"`
}

// DashboardLayout is the user's gauge configuration.
type DashboardLayout struct {
	Left    GaugeAssignment   `yaml:"left" json:"left"`
	Right   GaugeAssignment   `yaml:"right" json:"right"`
	Presets map[string]Preset `yaml:"presets,omitempty" json:"presets,omitempty"`
}

// DefaultLayout shows oil/coolant on the left and boost/throttle on the right.
func DefaultLayout() DashboardLayout {
	return DashboardLayout{
		Left:  GaugeAssignment{Primary: ParamOilTemp},
		Right: GaugeAssignment{Primary: ParamBoost},
		Presets: map[string]Preset{
			"street": {
				Left:  GaugeAssignment{Primary: ParamOilTemp},
				Right: GaugeAssignment{Primary: ParamBoost},
			},
			"track": {
				Left:  GaugeAssignment{Primary: ParamOilTemp, Secondary: ParamGearboxTemp},
				Right: GaugeAssignment{Primary: ParamBoost, Secondary: ParamIntakeTemp},
			},
		},
	}
}

// Clone returns a deep copy.
func (l DashboardLayout) Clone() DashboardLayout {
	l.Presets = maps.Clone(l.Presets)
	return l
}

// Validate checks that every assigned parameter exists in reg.
func (l DashboardLayout) Validate(reg *Registry) error {
	check := func(where, id string) error {
		if id == "" {
			return nil
		}
		if _, ok := reg.Lookup(id); !ok {
			return fmt.Errorf("%w: %q (%s)", ErrUnknownParameter, id, where)
		}
		return nil
	}
	if l.Left.Primary == "" || l.Right.Primary == "" {
		return fmt.Errorf("%w: both gauges need a primary parameter", ErrUnknownParameter)
	}
	for _, c := range []struct{ where, id string }{
		{"left.primary", l.Left.Primary},
		{"left.secondary", l.Left.Secondary},
		{"right.primary", l.Right.Primary},
		{"right.secondary", l.Right.Secondary},
	} {
		if err := check(c.where, c.id); err != nil {
			return err
		}
	}
	return nil
}

// slotRef identifies one of the four readouts.
type slotRef struct {
	Slot      Slot
	Secondary bool
}

// slotOrder is the routing priority for duplicate assignments.
var slotOrder = [4]slotRef{
	{SlotLeft, false},
	{SlotLeft, true},
	{SlotRight, false},
	{SlotRight, true},
}

// resolve maps the layout to parameters in slotOrder. Missing entries are nil.
func (l DashboardLayout) resolve(reg *Registry) [4]*Parameter {
	var out [4]*Parameter
	for i, a := range []GaugeAssignment{l.Left, l.Right} {
		p, _ := reg.Lookup(a.Primary)
		out[2*i] = p
		switch {
		case a.Secondary != "":
			out[2*i+1], _ = reg.Lookup(a.Secondary)
		case p != nil:
			out[2*i+1] = p.Secondary
		}
	}
	return out
}
