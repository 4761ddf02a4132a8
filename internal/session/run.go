package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/keybridge/skdp/internal/logging"
	"github.com/keybridge/skdp/internal/protocol"
)

// Tunnel couples an established endpoint with its connection. It
// serializes encryption and transmission so the wire order always
// matches the sequence order, and its Run loop services the receive
// side.
type Tunnel struct {
	ep      *endpoint
	conn    io.ReadWriter
	writeMu sync.Mutex
}

// Tunnel wraps an established endpoint and its connection for tunnel
// I/O. It is valid only after a successful key exchange.
func (e *endpoint) Tunnel(conn io.ReadWriter) *Tunnel {
	return &Tunnel{ep: e, conn: conn}
}

// Send seals message into an encrypted_message packet and writes it.
func (t *Tunnel) Send(message []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	p, err := t.ep.EncryptPacket(message)
	if err != nil {
		return err
	}
	return writePacket(t.conn, p)
}

// RunConfig paces the keepalive sub-protocol inside Run. A zero
// Interval disables probe initiation; requests from the peer are always
// answered.
type RunConfig struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

// Run services an established session until the peer disconnects, the
// context is cancelled, or a fatal protocol error occurs. Decrypted
// tunnel messages are passed to handler. Keepalive requests are echoed;
// initiated probes that go unanswered past the timeout dispose the
// session with bad_keep_alive. Every exit path zeroizes the endpoint
// state.
func (t *Tunnel) Run(ctx context.Context, cfg RunConfig, handler func([]byte) error) error {
	e, conn := t.ep, t.conn
	if !e.Established() {
		return protocol.ErrChannelDown
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = DefaultKeepAliveTimeout
	}

	if e.metrics != nil {
		e.metrics.SessionsActive.Inc()
		defer e.metrics.SessionsActive.Dec()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan *protocol.Packet)
	readErr := make(chan error, 1)
	go func() {
		reader := protocol.NewPacketReader(conn)
		for {
			p, err := reader.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case packets <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	var tickCh <-chan time.Time
	if cfg.KeepAliveInterval > 0 {
		ticker := time.NewTicker(cfg.KeepAliveInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	var ka KeepAliveState
	var kaSentAt time.Time
	kaPending := false

	fail := func(err error) error {
		t.writeMu.Lock()
		sendError(conn, protocol.ErrorToCode(err))
		t.writeMu.Unlock()
		closeConn(conn)
		e.dispose()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			t.writeMu.Lock()
			sendTerminate(conn, protocol.ErrorNone)
			t.writeMu.Unlock()
			closeConn(conn)
			e.dispose()
			return nil

		case <-readErr:
			closeConn(conn)
			e.dispose()
			return protocol.ErrReceiveFailure

		case <-tickCh:
			if kaPending {
				if time.Since(kaSentAt) >= cfg.KeepAliveTimeout {
					e.logger.Warn("keepalive timed out")
					return fail(protocol.ErrBadKeepAlive)
				}
				continue
			}
			t.writeMu.Lock()
			err := ka.Send(conn, e.now())
			t.writeMu.Unlock()
			if err != nil {
				return fail(err)
			}
			kaPending = true
			kaSentAt = time.Now()
			if e.metrics != nil {
				e.metrics.KeepAlivesSent.Inc()
			}

		case p := <-packets:
			switch p.Flag {
			case protocol.FlagEncryptedMessage:
				msg, err := e.DecryptPacket(p)
				if err != nil {
					return fail(err)
				}
				if handler != nil {
					if err := handler(msg); err != nil {
						return fail(err)
					}
				}

			case protocol.FlagKeepAliveRequest:
				t.writeMu.Lock()
				err := EchoKeepAlive(conn, p)
				t.writeMu.Unlock()
				if err != nil {
					return fail(err)
				}
				if e.metrics != nil {
					e.metrics.KeepAlivesReceived.Inc()
				}

			case protocol.FlagKeepAliveResponse:
				if _, err := ka.VerifyResponse(p, e.now()); err != nil {
					return fail(err)
				}
				rtt := time.Since(kaSentAt)
				kaPending = false
				if e.metrics != nil {
					e.metrics.KeepAliveRTT.Observe(rtt.Seconds())
				}
				e.logger.Debug("keepalive answered",
					slog.Duration(logging.KeyDuration, rtt))

			case protocol.FlagErrorCondition:
				err := peerError(p)
				e.logger.Warn("peer reported error",
					slog.String(logging.KeyError, err.Error()))
				closeConn(conn)
				e.dispose()
				return err

			case protocol.FlagConnectionTerminate:
				var err error
				if len(p.Message) >= protocol.ErrorMessageSize {
					err = protocol.CodeError(protocol.ErrorCode(p.Message[0]))
				}
				closeConn(conn)
				e.dispose()
				return err

			default:
				// no exchange packets are valid once established
				return fail(protocol.ErrEstablishFailure)
			}
		}
	}
}
