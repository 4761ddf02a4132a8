package session

import (
	"github.com/keybridge/skdp/internal/crypto"
	"github.com/keybridge/skdp/internal/keys"
	"github.com/keybridge/skdp/internal/protocol"
)

// EncryptPacket seals a plaintext message into an encrypted_message
// packet: the transmit sequence advances, the header is stamped with
// the current UTC second, and the serialized header is bound to the
// ciphertext as associated data.
func (e *endpoint) EncryptPacket(message []byte) (*protocol.Packet, error) {
	if message == nil || len(message) > protocol.MaxMessageSize {
		return nil, protocol.ErrInvalidInput
	}
	if e.exflag != protocol.FlagSessionEstablished {
		return nil, protocol.ErrChannelDown
	}
	// terminate before the counter can reach the sequence terminator
	if e.txseq >= protocol.SequenceTerminator-1 {
		return nil, protocol.ErrChannelDown
	}

	e.txseq++
	p := &protocol.Packet{
		Flag:     protocol.FlagEncryptedMessage,
		MsgLen:   uint32(len(message)) + protocol.MACTagSize,
		Sequence: e.txseq,
		UTCTime:  e.now(),
	}

	e.txcpr.SetAssociated(p.MarshalHeader())
	ct, err := e.txcpr.Transform(message)
	if err != nil {
		return nil, protocol.ErrGeneralFailure
	}
	p.Message = ct

	if e.metrics != nil {
		e.metrics.MessagesSent.Inc()
		e.metrics.BytesSent.Add(float64(len(message)))
	}
	return p, nil
}

// DecryptPacket opens an encrypted_message packet. The receive counter
// advances unconditionally, the sequence and time window are checked
// before any cipher work, and the inbound header is re-serialized as
// the associated data for authentication.
func (e *endpoint) DecryptPacket(p *protocol.Packet) ([]byte, error) {
	if p == nil || int(p.MsgLen) != len(p.Message) || p.MsgLen < protocol.MACTagSize {
		return nil, protocol.ErrInvalidInput
	}
	if e.rxseq >= protocol.SequenceTerminator-1 {
		return nil, protocol.ErrChannelDown
	}

	e.rxseq++
	if p.Sequence != e.rxseq {
		e.reject("unsequenced")
		return nil, protocol.ErrUnsequenced
	}
	if e.exflag != protocol.FlagSessionEstablished {
		e.reject("channel_down")
		return nil, protocol.ErrChannelDown
	}
	if !p.TimeValid(e.now()) {
		e.reject("packet_expired")
		return nil, protocol.ErrPacketExpired
	}

	e.rxcpr.SetAssociated(p.MarshalHeader())
	pt, err := e.rxcpr.Transform(p.Message)
	if err != nil {
		e.reject("cipher_auth_failure")
		return nil, protocol.ErrCipherAuthFailure
	}

	if e.metrics != nil {
		e.metrics.MessagesReceived.Inc()
		e.metrics.BytesReceived.Add(float64(len(pt)))
	}
	return pt, nil
}

func (e *endpoint) reject(reason string) {
	if e.metrics != nil {
		e.metrics.PacketsRejected.WithLabelValues(reason).Inc()
	}
}

// initDirection keys one cipher direction from a session token and the
// session hash that binds it, wiping the squeezed material.
func initDirection(token, sessionHash []byte, encrypt bool) (*crypto.CipherState, error) {
	kn := keys.DeriveDirectionKeys(token, sessionHash)
	defer crypto.Wipe(kn)
	return crypto.NewCipherState(kn, encrypt)
}
