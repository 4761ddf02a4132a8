package protocol

import "errors"

// ErrorCode is the one-byte error taxonomy carried by error_condition
// and connection_terminate packets. Values are stable on the wire.
type ErrorCode uint8

const (
	ErrorNone              ErrorCode = 0x00 // No error
	ErrorGeneralFailure    ErrorCode = 0x01 // Unspecified failure
	ErrorKeyNotRecognized  ErrorCode = 0x02 // Identity prefix or key unknown/expired
	ErrorUnknownProtocol   ErrorCode = 0x03 // Configuration string mismatch
	ErrorRandomFailure     ErrorCode = 0x04 // Entropy source failed
	ErrorKexAuthFailure    ErrorCode = 0x05 // Exchange MAC rejected
	ErrorCipherAuthFailure ErrorCode = 0x06 // AEAD tag rejected
	ErrorPacketExpired     ErrorCode = 0x07 // Packet outside the time window
	ErrorUnsequenced       ErrorCode = 0x08 // Sequence number mismatch
	ErrorChannelDown       ErrorCode = 0x09 // Tunnel not established
	ErrorTransmitFailure   ErrorCode = 0x0A // Send failed
	ErrorReceiveFailure    ErrorCode = 0x0B // Receive failed
	ErrorConnectionFailure ErrorCode = 0x0C // Connection failed or refused
	ErrorEstablishFailure  ErrorCode = 0x0D // Unexpected packet during exchange
	ErrorBadKeepAlive      ErrorCode = 0x0E // Keepalive echo invalid or missed
	ErrorInvalidInput      ErrorCode = 0x0F // Malformed caller input
)

// String returns the canonical name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorGeneralFailure:
		return "general_failure"
	case ErrorKeyNotRecognized:
		return "key_not_recognized"
	case ErrorUnknownProtocol:
		return "unknown_protocol"
	case ErrorRandomFailure:
		return "random_failure"
	case ErrorKexAuthFailure:
		return "kex_auth_failure"
	case ErrorCipherAuthFailure:
		return "cipher_auth_failure"
	case ErrorPacketExpired:
		return "packet_expired"
	case ErrorUnsequenced:
		return "unsequenced"
	case ErrorChannelDown:
		return "channel_down"
	case ErrorTransmitFailure:
		return "transmit_failure"
	case ErrorReceiveFailure:
		return "receive_failure"
	case ErrorConnectionFailure:
		return "connection_failure"
	case ErrorEstablishFailure:
		return "establish_failure"
	case ErrorBadKeepAlive:
		return "bad_keep_alive"
	case ErrorInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error is a protocol failure carrying its wire code. Canonical values
// below compare with errors.Is; peer-signaled codes map back onto the
// same values via CodeError.
type Error struct {
	Code ErrorCode
}

func (e *Error) Error() string {
	return "skdp: " + e.Code.String()
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Canonical protocol errors.
var (
	ErrGeneralFailure    = &Error{ErrorGeneralFailure}
	ErrKeyNotRecognized  = &Error{ErrorKeyNotRecognized}
	ErrUnknownProtocol   = &Error{ErrorUnknownProtocol}
	ErrRandomFailure     = &Error{ErrorRandomFailure}
	ErrKexAuthFailure    = &Error{ErrorKexAuthFailure}
	ErrCipherAuthFailure = &Error{ErrorCipherAuthFailure}
	ErrPacketExpired     = &Error{ErrorPacketExpired}
	ErrUnsequenced       = &Error{ErrorUnsequenced}
	ErrChannelDown       = &Error{ErrorChannelDown}
	ErrTransmitFailure   = &Error{ErrorTransmitFailure}
	ErrReceiveFailure    = &Error{ErrorReceiveFailure}
	ErrConnectionFailure = &Error{ErrorConnectionFailure}
	ErrEstablishFailure  = &Error{ErrorEstablishFailure}
	ErrBadKeepAlive      = &Error{ErrorBadKeepAlive}
	ErrInvalidInput      = &Error{ErrorInvalidInput}
)

// CodeError maps a wire byte onto its canonical error value. Unknown
// codes map to ErrGeneralFailure.
func CodeError(c ErrorCode) error {
	switch c {
	case ErrorNone:
		return nil
	case ErrorKeyNotRecognized:
		return ErrKeyNotRecognized
	case ErrorUnknownProtocol:
		return ErrUnknownProtocol
	case ErrorRandomFailure:
		return ErrRandomFailure
	case ErrorKexAuthFailure:
		return ErrKexAuthFailure
	case ErrorCipherAuthFailure:
		return ErrCipherAuthFailure
	case ErrorPacketExpired:
		return ErrPacketExpired
	case ErrorUnsequenced:
		return ErrUnsequenced
	case ErrorChannelDown:
		return ErrChannelDown
	case ErrorTransmitFailure:
		return ErrTransmitFailure
	case ErrorReceiveFailure:
		return ErrReceiveFailure
	case ErrorConnectionFailure:
		return ErrConnectionFailure
	case ErrorEstablishFailure:
		return ErrEstablishFailure
	case ErrorBadKeepAlive:
		return ErrBadKeepAlive
	case ErrorInvalidInput:
		return ErrInvalidInput
	default:
		return ErrGeneralFailure
	}
}

// ErrorToCode extracts the wire code from err. Non-protocol errors map
// to general_failure; nil maps to none.
func ErrorToCode(err error) ErrorCode {
	if err == nil {
		return ErrorNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrorGeneralFailure
}
