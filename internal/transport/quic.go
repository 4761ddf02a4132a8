package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC configuration values.
const (
	quicMaxIdleTimeout = 60 * time.Second
)

// QUICTransport carries packets over one bidirectional QUIC stream per
// session. QUIC mandates TLS; listeners therefore require a certificate
// even though SKDP does not rely on it.
type QUICTransport struct {
	opts Options
}

// Kind returns the transport type.
func (t *QUICTransport) Kind() Kind {
	return KindQUIC
}

func (t *QUICTransport) tlsConfig() (*tls.Config, error) {
	tlsConf := t.opts.TLSConfig
	if tlsConf == nil {
		if !t.opts.Insecure {
			return nil, fmt.Errorf("quic requires a TLS config; set insecure for development only")
		}
		tlsConf = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{ALPNProtocol}
	return tlsConf, nil
}

// Dial connects to a remote endpoint and opens the session stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := t.opts.dialContext(ctx)
	defer cancel()

	tlsConf, err := t.tlsConfig()
	if err != nil {
		return nil, err
	}

	qc, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout: quicMaxIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}

	return &quicConn{conn: qc, stream: stream}, nil
}

// Listen creates a QUIC listener.
func (t *QUICTransport) Listen(addr string) (Listener, error) {
	tlsConf, err := t.tlsConfig()
	if err != nil {
		return nil, err
	}
	if len(tlsConf.Certificates) == 0 && tlsConf.GetCertificate == nil {
		return nil, fmt.Errorf("quic listener requires a certificate")
	}

	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout: quicMaxIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(0, "accept stream failed")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &quicConn{conn: qc, stream: stream}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}

// quicConn adapts one QUIC stream and its connection to net.Conn.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "")
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
