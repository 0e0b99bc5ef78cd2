package doip

import "encoding/binary"

// Response encoders, used by the adapter simulator. Unlike the fixed request
// header, the length field here matches the payload so SplitFrames can cut
// the stream.

// responseAddress is target/source address plus the adapter's sub-address
// byte, mirroring the request header with the roles swapped.
var responseAddress = []byte{0x10, 0xF1, 0x0E, 0x00, 0x03}

func response(uds ...byte) []byte {
	body := len(responseAddress) + len(uds)
	frame := make([]byte, HeaderSize, HeaderSize+body)
	frame[0], frame[1] = ProtocolVersion, InverseVersion
	frame[2], frame[3] = 0x80, 0x01
	binary.BigEndian.PutUint32(frame[4:HeaderSize], uint32(body))
	frame = append(frame, responseAddress...)
	return append(frame, uds...)
}

// EncodeDataResponse builds a positive ReadDataByIdentifier response.
func EncodeDataResponse(did uint16, payload []byte) []byte {
	uds := make([]byte, 0, 3+len(payload))
	uds = append(uds, ResponseReadDataByIdentifier, byte(did>>8), byte(did))
	return response(append(uds, payload...)...)
}

// EncodeDTCResponse builds a positive "report DTC by status mask" response
// carrying 3-byte records.
func EncodeDTCResponse(codes [][3]byte) []byte {
	uds := make([]byte, 0, 3+3*len(codes))
	uds = append(uds, ResponseReadDTCInformation, ReportDTCByStatusMask, 0xFF)
	for _, c := range codes {
		uds = append(uds, c[:]...)
	}
	return response(uds...)
}

// EncodeClearResponse builds the positive clear acknowledgement.
func EncodeClearResponse() []byte {
	return response(ResponseClearDiagnosticInformation)
}

// EncodeNegativeResponse builds a 0x7F response for service with nrc.
func EncodeNegativeResponse(service, nrc byte) []byte {
	return response(ResponseNegative, service, nrc)
}

// EncodeRoutingActivationResponse builds an activation acknowledgement.
func EncodeRoutingActivationResponse() []byte {
	frame := make([]byte, HeaderSize+9)
	copy(frame, routingActivationResponse)
	binary.BigEndian.PutUint32(frame[4:HeaderSize], 9)
	frame[HeaderSize+4] = 0x10 // routing activation successful
	return frame
}

// FixedLength returns a copy of a diagnostic response with its length field
// set to the request header's constant 7, the shape real adapters answer in.
// Other frames are returned unchanged.
func FixedLength(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	if len(out) >= HeaderSize && binary.BigEndian.Uint16(out[2:4]) == payloadDiagnostic {
		binary.BigEndian.PutUint32(out[4:HeaderSize], 7)
	}
	return out
}
