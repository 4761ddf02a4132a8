// Package protocol defines the SKDP wire format: the fixed 21-byte
// packet header, the packet-type flags, the error taxonomy, and the
// deployment-fixed size constants. All integers on the wire are
// little-endian.
package protocol

import "github.com/keybridge/skdp/internal/crypto"

// Flag identifies the packet type. Values are stable bytes on the wire.
type Flag uint8

const (
	FlagNone               Flag = 0x00 // No flag assigned
	FlagConnectRequest     Flag = 0x01 // Device opens the exchange
	FlagConnectResponse    Flag = 0x02 // Server answers with its token
	FlagExchangeRequest    Flag = 0x03 // Device sends its encrypted token
	FlagExchangeResponse   Flag = 0x04 // Server sends its encrypted token
	FlagEstablishRequest   Flag = 0x05 // Device proves channel-1
	FlagEstablishResponse  Flag = 0x06 // Server proves channel-2
	FlagEncryptedMessage   Flag = 0x07 // Tunnel data
	FlagKeepAliveRequest   Flag = 0x08 // Liveness probe
	FlagKeepAliveResponse  Flag = 0x09 // Liveness echo
	FlagConnectionTerminate Flag = 0x0A // Graceful teardown
	FlagErrorCondition     Flag = 0x0B // Fatal error report
	FlagSessionEstablished Flag = 0x0C // Exchange completed marker
)

// String returns the canonical name of the flag.
func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagConnectRequest:
		return "connect_request"
	case FlagConnectResponse:
		return "connect_response"
	case FlagExchangeRequest:
		return "exchange_request"
	case FlagExchangeResponse:
		return "exchange_response"
	case FlagEstablishRequest:
		return "establish_request"
	case FlagEstablishResponse:
		return "establish_response"
	case FlagEncryptedMessage:
		return "encrypted_message"
	case FlagKeepAliveRequest:
		return "keepalive_request"
	case FlagKeepAliveResponse:
		return "keepalive_response"
	case FlagConnectionTerminate:
		return "connection_terminate"
	case FlagErrorCondition:
		return "error_condition"
	case FlagSessionEstablished:
		return "session_established"
	default:
		return "unknown"
	}
}

// Protocol constants for this deployment. Both peers must be built with
// the same values; ConfigString is byte-compared during connect.
const (
	// ConfigString names the fixed algorithm suite.
	ConfigString = "skdp-chacha256-keccak256"

	// ConfigSize is the length of ConfigString on the wire.
	ConfigSize = len(ConfigString)

	// HeaderSize is the serialized packet header length.
	HeaderSize = 21

	// KIDSize is the key-identity length.
	KIDSize = 16

	// TokenSize is the session token (dtok/stok) length.
	TokenSize = 32

	// HashSize is the session hash length carried in establish packets.
	HashSize = crypto.HashSize

	// MACTagSize is the authentication tag length.
	MACTagSize = crypto.MACTagSize

	// ErrorMessageSize is the error/terminate packet body length.
	ErrorMessageSize = 1

	// KeepAliveMessageSize is the keepalive packet body length.
	KeepAliveMessageSize = 8

	// MaxMessageSize bounds the tunnel plaintext accepted per packet.
	MaxMessageSize = 16384

	// SequenceTerminator marks error and terminate packets.
	SequenceTerminator = ^uint64(0)

	// ValidityWindowSeconds is the anti-replay packet time window.
	ValidityWindowSeconds = 60
)

// Derived packet sizes, header included.
const (
	ConnectRequestSize    = HeaderSize + KIDSize + ConfigSize
	ConnectResponseSize   = HeaderSize + KIDSize + ConfigSize + TokenSize
	ExchangeRequestSize   = HeaderSize + TokenSize + MACTagSize
	ExchangeResponseSize  = HeaderSize + TokenSize + MACTagSize
	EstablishRequestSize  = HeaderSize + HashSize + MACTagSize
	EstablishResponseSize = HeaderSize + HashSize + MACTagSize
)

// enforcesWindow reports whether receivers apply the packet-time
// validity window to this flag. Legacy request types carry utctime 0.
func (f Flag) enforcesWindow() bool {
	switch f {
	case FlagExchangeRequest, FlagExchangeResponse, FlagEstablishRequest, FlagEncryptedMessage:
		return true
	default:
		return false
	}
}
