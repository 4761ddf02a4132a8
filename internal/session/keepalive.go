package session

import (
	"io"
	"time"

	"github.com/keybridge/skdp/internal/protocol"
)

// Default keepalive pacing. The timeout is how long the initiator waits
// for an echo before disposing the session.
const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveTimeout  = 2 * DefaultKeepAliveInterval
)

// KeepAliveState tracks the liveness probes of one session. Either side
// may initiate; the responder echoes the counter and timestamp verbatim.
type KeepAliveState struct {
	Counter uint64 // sequence counter of the next probe
	ETime   uint64 // epoch second of the last probe sent
}

// Send transmits a keepalive_request carrying now, which the state
// records for echo verification.
func (k *KeepAliveState) Send(w io.Writer, now uint64) error {
	k.ETime = now
	ka := protocol.KeepAlive{Timestamp: now}
	p := &protocol.Packet{
		Flag:     protocol.FlagKeepAliveRequest,
		MsgLen:   protocol.KeepAliveMessageSize,
		Sequence: k.Counter,
		Message:  ka.Encode(),
	}
	return writePacket(w, p)
}

// EchoKeepAlive answers a keepalive_request by returning its counter
// and payload unchanged.
func EchoKeepAlive(w io.Writer, reqt *protocol.Packet) error {
	if len(reqt.Message) < protocol.KeepAliveMessageSize {
		return protocol.ErrBadKeepAlive
	}
	body := make([]byte, protocol.KeepAliveMessageSize)
	copy(body, reqt.Message)
	p := &protocol.Packet{
		Flag:     protocol.FlagKeepAliveResponse,
		MsgLen:   protocol.KeepAliveMessageSize,
		Sequence: reqt.Sequence,
		Message:  body,
	}
	return writePacket(w, p)
}

// VerifyResponse checks a keepalive_response against the last probe.
// The echo must carry the probe's counter and timestamp; anything else
// is a bad keepalive. On success the counter advances and the probe's
// age in whole seconds is returned.
func (k *KeepAliveState) VerifyResponse(p *protocol.Packet, now uint64) (time.Duration, error) {
	ka, err := protocol.DecodeKeepAlive(p.Message)
	if err != nil {
		return 0, protocol.ErrBadKeepAlive
	}
	if p.Sequence != k.Counter || ka.Timestamp != k.ETime {
		return 0, protocol.ErrBadKeepAlive
	}
	k.Counter++
	return time.Duration(now-k.ETime) * time.Second, nil
}
