package ecu

// ConnectionState is the engine's view of the adapter session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	BatterySaving
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case BatterySaving:
		return "battery-saving"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets the state appear as a string in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Online reports whether a session is up, with or without battery save.
func (s ConnectionState) Online() bool {
	return s == Connected || s == BatterySaving
}
