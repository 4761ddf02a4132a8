package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/keybridge/skdp/internal/crypto"
	"github.com/keybridge/skdp/internal/protocol"
)

const (
	// MasterKeySize is the master derivation key length.
	MasterKeySize = crypto.SeedSize

	// ServerKeySize is the server derivation key length.
	ServerKeySize = crypto.SeedSize

	// DeviceKeySize is the device derivation key length.
	DeviceKeySize = crypto.SeedSize

	// DefaultValidity is the default key lifetime used by provisioning.
	DefaultValidity = 365 * 24 * time.Hour
)

// ErrRandomFailure is returned when the entropy source fails.
var ErrRandomFailure = errors.New("entropy source failure")

// MasterKey is the root of the hierarchy, held only by the key-issuing
// authority. Its identity carries only the MID segment.
type MasterKey struct {
	Expiration uint64
	KID        KeyID
	MDK        [MasterKeySize]byte
}

// ServerKey is the derivation key record held by one server. Its
// identity carries MID||SID with a zero device segment. Expiration is
// enforced locally and never transmitted.
type ServerKey struct {
	Expiration uint64
	KID        KeyID
	SDK        [ServerKeySize]byte
}

// DeviceKey is the derivation key record provisioned out-of-band onto
// one device. Its identity is fully populated.
type DeviceKey struct {
	Expiration uint64
	KID        KeyID
	DDK        [DeviceKeySize]byte
}

// GenerateMasterKey draws a fresh master derivation key from rng for
// the given master domain identifier. A nil rng uses crypto/rand.
func GenerateMasterKey(rng io.Reader, mid [MIDSize]byte, validity time.Duration) (*MasterKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	mk := &MasterKey{
		Expiration: uint64(time.Now().UTC().Add(validity).Unix()),
	}
	copy(mk.KID[:MIDSize], mid[:])
	if _, err := io.ReadFull(rng, mk.MDK[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomFailure, err)
	}
	return mk, nil
}

// DeriveServerKey derives the server record for sid:
// SDK = cSHAKE256(MDK, ConfigString, MID||SID).
func (mk *MasterKey) DeriveServerKey(sid [SIDSize]byte) *ServerKey {
	sk := &ServerKey{Expiration: mk.Expiration}
	copy(sk.KID[:MIDSize], mk.KID[:MIDSize])
	copy(sk.KID[MIDSize:ServerIDSize], sid[:])

	sdk := crypto.Extract(mk.MDK[:], []byte(protocol.ConfigString), sk.KID.ServerID(), ServerKeySize)
	copy(sk.SDK[:], sdk)
	crypto.Wipe(sdk)
	return sk
}

// DeriveDeviceKey derives the device record for did:
// DDK = cSHAKE256(SDK, ConfigString, KID).
func (sk *ServerKey) DeriveDeviceKey(did [DIDSize]byte) *DeviceKey {
	dk := &DeviceKey{Expiration: sk.Expiration}
	copy(dk.KID[:ServerIDSize], sk.KID[:ServerIDSize])
	copy(dk.KID[ServerIDSize:], did[:])

	ddk := DeriveDeviceKeyForID(sk.SDK[:], dk.KID)
	copy(dk.DDK[:], ddk)
	crypto.Wipe(ddk)
	return dk
}

// DeriveDeviceKeyForID recomputes a device derivation key from a server
// derivation key and the device's full identity. The server runs this
// on demand during the exchange; it is a pure function of its inputs.
func DeriveDeviceKeyForID(sdk []byte, kid KeyID) []byte {
	return crypto.Extract(sdk, []byte(protocol.ConfigString), kid.Bytes(), DeviceKeySize)
}

// DeriveDirectionKeys expands a session token into one tunnel
// direction's cipher key and base nonce, bound to the session hash of
// the direction's initiating connect message.
func DeriveDirectionKeys(token, sessionHash []byte) []byte {
	return crypto.Extract(token, nil, sessionHash, crypto.DirectionKeySize)
}

// Expired reports whether the record's lifetime has passed at now
// (seconds since the epoch).
func (sk *ServerKey) Expired(now uint64) bool {
	return now >= sk.Expiration
}

// Expired reports whether the record's lifetime has passed at now.
func (dk *DeviceKey) Expired(now uint64) bool {
	return now >= dk.Expiration
}

// Wipe overwrites the master key material.
func (mk *MasterKey) Wipe() {
	crypto.Wipe(mk.MDK[:])
}

// Wipe overwrites the server key material.
func (sk *ServerKey) Wipe() {
	crypto.Wipe(sk.SDK[:])
}

// Wipe overwrites the device key material.
func (dk *DeviceKey) Wipe() {
	crypto.Wipe(dk.DDK[:])
}
