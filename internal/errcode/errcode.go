// Package errcode classifies the errors the MDrive core can surface,
// matching the five-kind taxonomy in the driver class contract: transport,
// protocol, device error codes, out-of-resources and user-input.
package errcode

import "errors"

// Code is a stable, comparable error identifier that also implements error,
// so callers can compare with == or errors.Is without unwrapping.
type Code string

func (c Code) Error() string { return string(c) }

// Driver class contract codes (spec.md §6).
const (
	OK       Code = "ok"
	EINVAL   Code = "einval"    // bad connection string, unknown driver, bad query
	ENOMEM   Code = "enomem"    // resource exhaustion allocating a Device/Bus
	ENOTSUP  Code = "enotsup"   // operation not supported by this device/microcode
	EIO      Code = "eio"       // transport failure surfaced after retries
	CommFail Code = "comm_fail" // initialize() could not establish comms at all

	ERTooMany Code = "er_too_many" // no free subscription/worker slot
	ERBadFile Code = "er_bad_file" // firmware/microcode file missing or malformed
	ERClobber Code = "er_clobber"  // microcode ECLOBBER (28) on a non-recoverable line

	Timeout     Code = "timeout"
	IOError     Code = "io_error"
	BadChecksum Code = "bad_checksum"
	Unknown     Code = "unknown"
	Retry       Code = "retry"
	NACK        Code = "nack"
	DeviceError Code = "device_error"
)

// E wraps a Code with operation context and an optional cause, for the cases
// where a bare Code doesn't carry enough information back to a caller.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + e.Msg
	}
	return e.Op + ": " + string(e.C)
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

func New(op string, c Code, msg string) *E {
	return &E{Op: op, C: c, Msg: msg}
}

func Wrap(op string, c Code, err error) *E {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &E{Op: op, C: c, Msg: msg, Err: err}
}

// Of extracts a Code from an error, defaulting to EIO for unrecognized
// errors so callers never have to nil-check before classifying.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return EIO
}

// DeviceErrorEvent maps the unit's numeric ER codes to the event the core
// emits alongside returning an error to the caller (spec.md §4.1, §7).
type DeviceErrorEvent string

const (
	EventNone     DeviceErrorEvent = ""
	EventMotion   DeviceErrorEvent = "EV_MOTION"
	EventOverTemp DeviceErrorEvent = "EV_OVERTEMP"
	EventReset    DeviceErrorEvent = "EV_RESET"
)

// Well-known MDrive device error codes (the unit's ER variable).
const (
	DevErrNotSupported = 20
	DevErrInvalid      = 21
	DevErrOverflow     = 63
	DevErrOverTemp     = 71
	DevErrStall        = 86
	DevErrReset        = 200
	DevErrClobber      = 28
)

// EventForCode looks up the cross-reference table from spec.md §4.1:
// stall=86→MOTION, over-temp=71→OVERTEMP, reset=200→RESET.
func EventForCode(code int) DeviceErrorEvent {
	switch code {
	case DevErrStall:
		return EventMotion
	case DevErrOverTemp:
		return EventOverTemp
	case DevErrReset:
		return EventReset
	default:
		return EventNone
	}
}
