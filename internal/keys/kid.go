// Package keys implements the SKDP key hierarchy: the 16-byte key
// identity, the master / server / device derivation-key records, and
// the cSHAKE256 derivation chain between them.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KIDSize is the size of a KeyID in bytes.
	KIDSize = 16

	// MIDSize is the master-domain segment of a KeyID.
	MIDSize = 4

	// SIDSize is the server segment of a KeyID.
	SIDSize = 8

	// DIDSize is the device segment of a KeyID.
	DIDSize = 4

	// ServerIDSize is the master+server prefix shared by a server and
	// every device provisioned under it.
	ServerIDSize = MIDSize + SIDSize
)

var (
	// ErrInvalidKIDLength is returned when the identity length is wrong.
	ErrInvalidKIDLength = errors.New("invalid key identity length: expected 16 bytes")

	// ErrInvalidHexString is returned when a hex identity is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for key identity")

	// ZeroID is an unassigned key identity.
	ZeroID = KeyID{}
)

// KeyID is the 16-byte hierarchical key identity, partitioned as
// MID(4) || SID(8) || DID(4). MID names the master-key domain, SID a
// server within it, and DID a device under that server.
type KeyID [KIDSize]byte

// ParseKeyID parses a KeyID from a hex string.
func ParseKeyID(s string) (KeyID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != KIDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), KIDSize*2)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id KeyID
	copy(id[:], raw)
	return id, nil
}

// KeyIDFromBytes creates a KeyID from a byte slice.
func KeyIDFromBytes(b []byte) (KeyID, error) {
	if len(b) != KIDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidKIDLength, len(b))
	}
	var id KeyID
	copy(id[:], b)
	return id, nil
}

// MID returns the master-domain segment.
func (id KeyID) MID() []byte {
	return id[:MIDSize]
}

// SID returns the server segment.
func (id KeyID) SID() []byte {
	return id[MIDSize : MIDSize+SIDSize]
}

// DID returns the device segment.
func (id KeyID) DID() []byte {
	return id[ServerIDSize:]
}

// ServerID returns the MID||SID prefix, the "server identity".
func (id KeyID) ServerID() []byte {
	return id[:ServerIDSize]
}

// SharesServer reports whether both identities carry the same MID||SID
// prefix, i.e. the device was provisioned under this server.
func (id KeyID) SharesServer(other KeyID) bool {
	return [ServerIDSize]byte(id[:ServerIDSize]) == [ServerIDSize]byte(other[:ServerIDSize])
}

// String returns the full hex representation of the identity.
func (id KeyID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (id KeyID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the identity as a byte slice.
func (id KeyID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the identity is unassigned.
func (id KeyID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id KeyID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *KeyID) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
