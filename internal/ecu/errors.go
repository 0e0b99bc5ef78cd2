package ecu

import (
	"errors"
	"fmt"
)

var (
	ErrConnectTimeout   = errors.New("ecu: connect timed out")
	ErrConnectRefused   = errors.New("ecu: connection refused")
	ErrNotConnected     = errors.New("ecu: not connected")
	ErrBusy             = errors.New("ecu: operation already in progress")
	ErrUnknownParameter = errors.New("ecu: unknown parameter")
	ErrUnknownPreset    = errors.New("ecu: unknown layout preset")
	ErrStopped          = errors.New("ecu: engine stopped")
)

// TransportError wraps a socket failure during a session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ecu: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
