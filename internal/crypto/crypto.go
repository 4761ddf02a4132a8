// Package crypto provides the symmetric primitives behind the SKDP
// protocol: a cSHAKE256 extraction XOF, KMAC256 message authentication,
// SHA3-512 session hashing, and an authenticated stream cipher built on
// ChaCha20-Poly1305.
package crypto

import (
	"crypto/subtle"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	// SeedSize is the permutation seed length for the 256-bit sponge
	// variant. Master and server derivation keys are this size.
	SeedSize = 32

	// HashSize is the SHA3-512 digest size. Session hashes are this size.
	HashSize = 64

	// MACKeySize is the KMAC256 key size used during the key exchange.
	MACKeySize = 32

	// MACTagSize is the truncated KMAC/Poly1305 tag size on the wire.
	MACTagSize = 16

	// CipherKeySize is the ChaCha20-Poly1305 key size.
	CipherKeySize = chacha20poly1305.KeySize

	// CipherNonceSize is the ChaCha20-Poly1305 nonce size.
	CipherNonceSize = chacha20poly1305.NonceSize

	// DirectionKeySize is the combined key and base nonce length derived
	// for one tunnel direction.
	DirectionKeySize = CipherKeySize + CipherNonceSize
)

// Extract squeezes outLen bytes from cSHAKE256 keyed by key, with info as
// the function-name string and custom as the customization string. With
// empty info and custom it degrades to plain SHAKE256, matching the
// cSHAKE standard.
func Extract(key, info, custom []byte, outLen int) []byte {
	x := sha3.NewCShake256(info, custom)
	x.Write(key)
	out := make([]byte, outLen)
	x.Read(out)
	return out
}

// Hash returns the SHA3-512 digest of msg.
func Hash(msg []byte) []byte {
	d := sha3.Sum512(msg)
	return d[:]
}

// ConstantTimeEqual compares two byte slices without leaking the position
// of a mismatch. Slices of different lengths compare unequal.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites p with zeros. The noinline pragma and the KeepAlive
// barrier keep the compiler from eliding the stores on dead buffers.
//
//go:noinline
func Wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
	runtime.KeepAlive(p)
}
