package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrAuthFailure is returned when a ciphertext fails authentication.
	ErrAuthFailure = errors.New("cipher authentication failure")

	// ErrCipherDisposed is returned when a destroyed state is used.
	ErrCipherDisposed = errors.New("cipher state disposed")
)

// CipherState is one direction of the authenticated tunnel: a
// ChaCha20-Poly1305 key, a derived base nonce, and a monotonic counter.
// Each Transform folds the counter into the nonce and advances it, so a
// single keyed state is a non-reusing stream. The peer's opposite-role
// state advances in lockstep because both sides transform the same
// packets in the same order.
//
// A CipherState is owned by exactly one endpoint and is not safe for
// concurrent use.
type CipherState struct {
	aead    cipher.AEAD
	base    [CipherNonceSize]byte
	counter uint64
	aad     []byte
	encrypt bool
}

// NewCipherState initializes a direction state from keyAndNonce, the
// DirectionKeySize bytes squeezed from the token exchange. encrypt
// selects the transform role.
func NewCipherState(keyAndNonce []byte, encrypt bool) (*CipherState, error) {
	if len(keyAndNonce) != DirectionKeySize {
		return nil, fmt.Errorf("invalid direction key length: %d", len(keyAndNonce))
	}

	aead, err := chacha20poly1305.New(keyAndNonce[:CipherKeySize])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	cs := &CipherState{
		aead:    aead,
		encrypt: encrypt,
	}
	copy(cs.base[:], keyAndNonce[CipherKeySize:])
	return cs, nil
}

// SetAssociated binds aad (the serialized packet header) to the next
// Transform call. The slice is copied.
func (c *CipherState) SetAssociated(aad []byte) {
	c.aad = append(c.aad[:0], aad...)
}

// Transform encrypts or decrypts input according to the state's role.
// Encrypting returns ciphertext with the 16-byte tag appended;
// decrypting verifies and strips the tag, returning ErrAuthFailure if
// the tag or associated data does not match.
func (c *CipherState) Transform(input []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrCipherDisposed
	}

	nonce := c.nextNonce()

	if c.encrypt {
		out := c.aead.Seal(nil, nonce[:], input, c.aad)
		return out, nil
	}

	out, err := c.aead.Open(nil, nonce[:], input, c.aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return out, nil
}

// nextNonce folds the counter into the low 8 bytes of the base nonce
// and advances it.
func (c *CipherState) nextNonce() [CipherNonceSize]byte {
	nonce := c.base
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], c.counter)
	for i, b := range ctr {
		nonce[CipherNonceSize-8+i] ^= b
	}
	c.counter++
	return nonce
}

// Destroy wipes the nonce and associated data and drops the keyed AEAD.
func (c *CipherState) Destroy() {
	if c == nil {
		return
	}
	c.aead = nil
	Wipe(c.base[:])
	Wipe(c.aad)
	c.aad = nil
	c.counter = 0
}
