package doip

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants. The adapter expects the diagnostic header exactly as
// listed here, including its fixed length field.
const (
	ProtocolVersion byte = 0x02
	InverseVersion  byte = 0xFD

	// Port is the TCP/UDP port DoIP adapters listen on.
	Port = 13400

	HeaderSize = 8

	// MinResponseSize is the shortest data or DTC response: 13 header bytes,
	// service byte, two identifier bytes and at least one payload byte.
	MinResponseSize = 17

	offService = 13
	offDID     = 14
	offPayload = 16

	maxPayloadLength = 4096
)

// UDS service identifiers used by the engine.
const (
	ServiceClearDiagnosticInformation byte = 0x14
	ServiceReadDTCInformation         byte = 0x19
	ServiceReadDataByIdentifier       byte = 0x22

	ResponseClearDiagnosticInformation byte = 0x54
	ResponseReadDTCInformation         byte = 0x59
	ResponseReadDataByIdentifier       byte = 0x62
	ResponseNegative                   byte = 0x7F

	ReportDTCByStatusMask byte = 0x02
	DTCStatusMask         byte = 0x0C
)

var (
	magic = []byte{ProtocolVersion, InverseVersion}

	routingActivationRequest = []byte{
		0x02, 0xFD, 0x00, 0x01, 0x00, 0x00, 0x00, 0x07,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	routingActivationResponse = []byte{0x02, 0xFD, 0x80, 0x02}
	keepAlive                 = []byte{0x02, 0xFD, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00}
	vehicleIdentification     = []byte{0x02, 0xFD, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}

	// diagnosticHeader precedes every UDS request: version, payload type
	// "diagnostic message", length, source/target logical addresses.
	diagnosticHeader = []byte{
		0x02, 0xFD, 0x80, 0x01, 0x00, 0x00, 0x00, 0x07,
		0x0E, 0x00, 0x10, 0xF1, 0x03,
	}
)

// ErrMalformed is returned for frames that are too short or lack the DoIP
// header. The frame should be dropped; the stream stays usable.
var ErrMalformed = errors.New("doip: malformed frame")

// Kind classifies a decoded response.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindData
	KindDTC
	KindClearAck
	KindNegative
	KindRoutingActivation
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindDTC:
		return "dtc"
	case KindClearAck:
		return "clear-ack"
	case KindNegative:
		return "negative"
	case KindRoutingActivation:
		return "routing-activation"
	default:
		return "unrecognized"
	}
}

// Envelope is a decoded response frame.
type Envelope struct {
	Kind    Kind
	Service byte
	DID     uint16    // KindData only
	Payload []byte    // KindData only
	DTCs    [][3]byte // KindDTC only

	// RequestService and NRC are set for KindNegative.
	RequestService byte
	NRC            byte
}

func diagnostic(uds ...byte) []byte {
	frame := make([]byte, 0, len(diagnosticHeader)+len(uds))
	frame = append(frame, diagnosticHeader...)
	return append(frame, uds...)
}

// EncodeReadRequest builds a ReadDataByIdentifier request for did.
func EncodeReadRequest(did uint16) []byte {
	return diagnostic(ServiceReadDataByIdentifier, byte(did>>8), byte(did))
}

// EncodeReadDTC builds a "report DTC by status mask" request.
func EncodeReadDTC() []byte {
	return diagnostic(ServiceReadDTCInformation, ReportDTCByStatusMask, DTCStatusMask)
}

// EncodeClearDTC builds a "clear diagnostic information" request for all groups.
func EncodeClearDTC() []byte {
	return diagnostic(ServiceClearDiagnosticInformation, 0xFF, 0xFF, 0xFF)
}

func EncodeRoutingActivation() []byte {
	return append([]byte(nil), routingActivationRequest...)
}

func EncodeKeepAlive() []byte {
	return append([]byte(nil), keepAlive...)
}

// EncodeVehicleIdentificationRequest builds the 8-byte UDP discovery probe.
func EncodeVehicleIdentificationRequest() []byte {
	return append([]byte(nil), vehicleIdentification...)
}

// IsRoutingActivationResponse reports whether b starts with the activation
// response prefix.
func IsRoutingActivationResponse(b []byte) bool {
	if len(b) < len(routingActivationResponse) {
		return false
	}
	for i, v := range routingActivationResponse {
		if b[i] != v {
			return false
		}
	}
	return true
}

// DecodeResponse parses one frame received from the adapter. It never
// panics: short or garbled input yields KindUnrecognized and ErrMalformed.
// Well-formed frames of no interest yield KindUnrecognized and a nil error.
func DecodeResponse(b []byte) (Envelope, error) {
	if len(b) < len(magic) || b[0] != ProtocolVersion || b[1] != InverseVersion {
		return Envelope{}, fmt.Errorf("%w: missing header (%d bytes)", ErrMalformed, len(b))
	}
	if IsRoutingActivationResponse(b) {
		return Envelope{Kind: KindRoutingActivation}, nil
	}
	if len(b) <= offService {
		if len(b) >= HeaderSize {
			// keep-alive echoes and other header-only frames
			return Envelope{}, nil
		}
		return Envelope{}, fmt.Errorf("%w: %d bytes, no service byte", ErrMalformed, len(b))
	}

	service := b[offService]
	switch service {
	case ResponseReadDataByIdentifier:
		if len(b) < MinResponseSize {
			return Envelope{}, fmt.Errorf("%w: data response %d bytes, need %d", ErrMalformed, len(b), MinResponseSize)
		}
		return Envelope{
			Kind:    KindData,
			Service: service,
			DID:     binary.BigEndian.Uint16(b[offDID : offDID+2]),
			Payload: append([]byte(nil), b[offPayload:]...),
		}, nil

	case ResponseReadDTCInformation:
		if len(b) < MinResponseSize {
			return Envelope{}, fmt.Errorf("%w: dtc response %d bytes, need %d", ErrMalformed, len(b), MinResponseSize)
		}
		return Envelope{
			Kind:    KindDTC,
			Service: service,
			DTCs:    splitTriplets(b[offPayload:]),
		}, nil

	case ResponseClearDiagnosticInformation:
		return Envelope{Kind: KindClearAck, Service: service}, nil

	case ResponseNegative:
		if len(b) < offPayload {
			return Envelope{}, fmt.Errorf("%w: negative response %d bytes", ErrMalformed, len(b))
		}
		return Envelope{
			Kind:           KindNegative,
			Service:        service,
			RequestService: b[offService+1],
			NRC:            b[offService+2],
		}, nil
	}
	return Envelope{Service: service}, nil
}

// splitTriplets cuts p into 3-byte DTC records, ignoring a trailing partial
// record and all-zero padding.
func splitTriplets(p []byte) [][3]byte {
	codes := make([][3]byte, 0, len(p)/3)
	for i := 0; i+3 <= len(p); i += 3 {
		var c [3]byte
		copy(c[:], p[i:i+3])
		if c == [3]byte{} {
			continue
		}
		codes = append(codes, c)
	}
	return codes
}
