package doip

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShortPayload means the payload is too short for the requested value.
// Callers treat it as "no update".
var ErrShortPayload = errors.New("doip: payload too short")

// VINLength is the length of a vehicle identification number.
const VINLength = 17

func need(p []byte, n int, what string) error {
	if len(p) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, what, n, len(p))
	}
	return nil
}

// DecodeTemperature returns degrees Celsius (raw - 40).
func DecodeTemperature(p []byte) (float64, error) {
	if err := need(p, 1, "temperature"); err != nil {
		return 0, err
	}
	return float64(p[0]) - 40, nil
}

// DecodeBoost converts absolute hPa into bar of boost above atmosphere,
// never negative.
func DecodeBoost(p []byte) (float64, error) {
	if err := need(p, 2, "boost"); err != nil {
		return 0, err
	}
	hpa := int(p[0])<<8 | int(p[1])
	bar := float64(hpa-1013) / 1000
	if bar < 0 {
		bar = 0
	}
	return bar, nil
}

// DecodeThrottle returns the throttle opening in percent.
func DecodeThrottle(p []byte) (float64, error) {
	if err := need(p, 1, "throttle"); err != nil {
		return 0, err
	}
	return float64(p[0]), nil
}

// DecodeTimingCorrection returns the ignition correction in degrees.
// Negative values are retard.
func DecodeTimingCorrection(p []byte) (float64, error) {
	if err := need(p, 1, "timing correction"); err != nil {
		return 0, err
	}
	return float64(int(p[0])-128) / 10, nil
}

// DecodeRPM reads the little-endian engine speed.
func DecodeRPM(p []byte) (float64, error) {
	if err := need(p, 2, "rpm"); err != nil {
		return 0, err
	}
	return float64(uint16(p[1])<<8 | uint16(p[0])), nil
}

// DecodeMileage reads a 3-byte big-endian odometer value in km.
func DecodeMileage(p []byte) (uint32, error) {
	if err := need(p, 3, "mileage"); err != nil {
		return 0, err
	}
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2]), nil
}

// DecodeVIN returns the ASCII VIN, trimmed and cut to 17 characters.
func DecodeVIN(p []byte) (string, error) {
	vin := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7E {
			return ' '
		}
		return r
	}, string(p))
	vin = strings.TrimSpace(vin)
	if vin == "" {
		return "", fmt.Errorf("%w: empty vin", ErrShortPayload)
	}
	if len(vin) > VINLength {
		vin = vin[:VINLength]
	}
	return vin, nil
}
