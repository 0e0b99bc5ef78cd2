package doip

import (
	"bytes"
	"encoding/binary"
)

const payloadDiagnostic = 0x8001

// SplitFrames is a bufio.SplitFunc that cuts the adapter's TCP stream into
// DoIP frames. Bytes before the next 02 FD magic are discarded, as are
// headers announcing an implausible length, so the reader resynchronises
// after garbage instead of stalling.
//
// Diagnostic messages (payload type 80 01) are answered with the same header
// shape as requests, whose length field is fixed at 7 whatever the UDS
// payload. For those the length is only trusted when it covers the shortest
// valid response for the service; otherwise the frame ends where the next
// frame starts or, failing that, at the end of the data read so far.
//
// A truncated frame at EOF is still returned so the decoder can reject it.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	start := bytes.Index(data, magic)
	switch {
	case start < 0:
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0x02, it may be the first half of the magic
		if data[len(data)-1] == ProtocolVersion {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	case start > 0:
		return start, nil, nil
	}

	if len(data) < HeaderSize {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}

	length := binary.BigEndian.Uint32(data[4:HeaderSize])
	if length > maxPayloadLength {
		return 1, nil, nil
	}
	total := HeaderSize + int(length)

	if binary.BigEndian.Uint16(data[2:4]) == payloadDiagnostic {
		return splitDiagnostic(data, atEOF, total)
	}

	if len(data) < total {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	return total, data[:total], nil
}

func splitDiagnostic(data []byte, atEOF bool, total int) (int, []byte, error) {
	if len(data) <= offService {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	need := minFrameSize(data[offService])
	next := nextFrameStart(data, need)

	if total >= need && (next < 0 || total <= next) {
		if len(data) >= total {
			return total, data[:total], nil
		}
		if !atEOF {
			return 0, nil, nil
		}
	}
	if next >= 0 {
		return next, data[:next], nil
	}
	if len(data) < need && !atEOF {
		return 0, nil, nil
	}
	return len(data), data, nil
}

// minFrameSize is the shortest complete diagnostic frame for a response
// service byte.
func minFrameSize(service byte) int {
	switch service {
	case ResponseReadDataByIdentifier, ResponseReadDTCInformation:
		return MinResponseSize
	case ResponseNegative:
		return offService + 3
	}
	return offService + 1
}

// nextFrameStart returns the offset of the first 02 FD magic at or after from
// that is followed by a plausible payload type (high byte 0x00 or 0x80), or
// -1. A magic at the very end of data counts, its payload type is not known
// yet.
func nextFrameStart(data []byte, from int) int {
	for from < len(data) {
		i := bytes.Index(data[from:], magic)
		if i < 0 {
			return -1
		}
		at := from + i
		if at+2 >= len(data) || data[at+2] == 0x00 || data[at+2] == 0x80 {
			return at
		}
		from = at + 1
	}
	return -1
}
