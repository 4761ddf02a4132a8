// Package session implements the SKDP endpoint state machines: the
// four-message key exchange for both roles, the authenticated tunnel
// that follows it, and the keepalive and teardown sub-protocols.
//
// A session state is owned by one logical task. The exchange is
// strictly sequential; no internal locking is done below the Run loop.
// Concurrent sessions use independent states on independent
// connections.
package session

import (
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/keybridge/skdp/internal/crypto"
	"github.com/keybridge/skdp/internal/keys"
	"github.com/keybridge/skdp/internal/logging"
	"github.com/keybridge/skdp/internal/metrics"
	"github.com/keybridge/skdp/internal/protocol"
)

// streamLen is the pseudo-random stream squeezed per token exchange:
// one token-encryption key followed by one MAC key.
const streamLen = protocol.TokenSize + crypto.MACKeySize

// endpoint holds the state shared by both exchange roles.
type endpoint struct {
	rxcpr *crypto.CipherState
	txcpr *crypto.CipherState

	kid keys.KeyID // this endpoint's key identity
	did keys.KeyID // the device identity in play

	dsh [crypto.HashSize]byte // device session hash
	ssh [crypto.HashSize]byte // server session hash

	expiration uint64
	rxseq      uint64
	txseq      uint64
	exflag     protocol.Flag

	rng     io.Reader
	now     func() uint64
	logger  *slog.Logger
	metrics *metrics.Metrics

	// wipeKey clears the owning role's derivation key on dispose.
	wipeKey func()
}

func newEndpoint() endpoint {
	return endpoint{
		rng:    rand.Reader,
		now:    utcNow,
		logger: logging.NopLogger(),
	}
}

func utcNow() uint64 {
	return uint64(time.Now().UTC().Unix())
}

// Option configures an endpoint.
type Option func(*endpoint)

// WithRandom sets the entropy source for session tokens. The default
// is crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(e *endpoint) { e.rng = r }
}

// WithClock sets the UTC epoch-seconds source used for packet time
// stamping and validity checks.
func WithClock(now func() uint64) Option {
	return func(e *endpoint) { e.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *endpoint) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *endpoint) { e.metrics = m }
}

// Established reports whether the key exchange has completed and the
// tunnel is up.
func (e *endpoint) Established() bool {
	return e.exflag == protocol.FlagSessionEstablished
}

// Sequences returns the current transmit and receive counters.
func (e *endpoint) Sequences() (tx, rx uint64) {
	return e.txseq, e.rxseq
}

// PeerID returns the device identity negotiated by the exchange.
func (e *endpoint) PeerID() keys.KeyID {
	return e.did
}

// dispose zeroizes the endpoint state, including the owning role's
// derivation key.
func (e *endpoint) dispose() {
	if e.wipeKey != nil {
		e.wipeKey()
	}
	e.rxcpr.Destroy()
	e.txcpr.Destroy()
	e.rxcpr = nil
	e.txcpr = nil
	crypto.Wipe(e.kid[:])
	crypto.Wipe(e.did[:])
	crypto.Wipe(e.dsh[:])
	crypto.Wipe(e.ssh[:])
	e.expiration = 0
	e.rxseq = 0
	e.txseq = 0
	e.exflag = protocol.FlagNone
}

// readExact reads one packet of exactly size bytes, as the exchange
// requires for its fixed-size messages. A peer-signaled error_condition
// packet is shorter than any exchange message and is framed by its own
// declared length so the code it carries survives to the caller.
func readExact(conn io.Reader, size int) (*protocol.Packet, error) {
	var hdr [protocol.HeaderSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, protocol.ErrReceiveFailure
	}

	p := &protocol.Packet{}
	if err := p.UnmarshalHeader(hdr[:]); err != nil {
		return nil, protocol.ErrReceiveFailure
	}

	want := size - protocol.HeaderSize
	if p.Flag == protocol.FlagErrorCondition {
		want = int(p.MsgLen)
		if want > protocol.MaxMessageSize {
			return nil, protocol.ErrReceiveFailure
		}
	} else if int(p.MsgLen) != want {
		return nil, protocol.ErrReceiveFailure
	}

	p.Message = make([]byte, want)
	if _, err := io.ReadFull(conn, p.Message); err != nil {
		return nil, protocol.ErrReceiveFailure
	}
	return p, nil
}

// writePacket sends one packet as a contiguous buffer.
func writePacket(conn io.Writer, p *protocol.Packet) error {
	data, err := p.Encode()
	if err != nil {
		return protocol.ErrInvalidInput
	}
	if _, err := conn.Write(data); err != nil {
		return protocol.ErrTransmitFailure
	}
	return nil
}

// sendError reports a fatal condition to the peer. Best effort; send
// failures are ignored because the session is being torn down anyway.
func sendError(conn io.Writer, code protocol.ErrorCode) {
	p := &protocol.Packet{
		Flag:     protocol.FlagErrorCondition,
		MsgLen:   protocol.ErrorMessageSize,
		Sequence: protocol.SequenceTerminator,
		Message:  []byte{byte(code)},
	}
	_ = writePacket(conn, p)
}

// sendTerminate signals a graceful disconnect to the peer.
func sendTerminate(conn io.Writer, code protocol.ErrorCode) {
	p := &protocol.Packet{
		Flag:     protocol.FlagConnectionTerminate,
		MsgLen:   protocol.ErrorMessageSize,
		Sequence: protocol.SequenceTerminator,
		Message:  []byte{byte(code)},
	}
	_ = writePacket(conn, p)
}

// expectPacket validates an exchange packet's sequence and flag,
// advancing the receive counter on acceptance. Peer-signaled errors are
// surfaced first; they carry the sequence terminator, not the next
// counter value.
func (e *endpoint) expectPacket(p *protocol.Packet, flag protocol.Flag, fallback error) error {
	if p.Flag == protocol.FlagErrorCondition {
		return peerError(p)
	}
	if p.Sequence != e.rxseq {
		return protocol.ErrUnsequenced
	}
	e.rxseq++
	if p.Flag != flag {
		return fallback
	}
	return nil
}

// peerError maps a received error_condition body onto the local enum.
func peerError(p *protocol.Packet) error {
	if len(p.Message) < protocol.ErrorMessageSize {
		return protocol.ErrGeneralFailure
	}
	if err := protocol.CodeError(protocol.ErrorCode(p.Message[0])); err != nil {
		return err
	}
	return protocol.ErrGeneralFailure
}

// closeConn closes the transport if it is closeable.
func closeConn(conn io.ReadWriter) {
	if c, ok := conn.(net.Conn); ok {
		_ = c.Close()
	} else if c, ok := conn.(io.Closer); ok {
		_ = c.Close()
	}
}
