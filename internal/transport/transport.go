// Package transport provides the byte transports that carry SKDP
// packets. The protocol authenticates and encrypts itself, so a
// transport is only an ordered byte pipe; TLS on ws/quic is transport
// dressing, not part of the protocol's security.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Kind identifies the transport protocol.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "ws"
	KindQUIC      Kind = "quic"
)

// ALPNProtocol is the ALPN identifier used by the QUIC transport.
const ALPNProtocol = "skdp/1"

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// DefaultDialTimeout bounds connection establishment when the dial
// context carries no deadline.
const DefaultDialTimeout = 10 * time.Second

// Options configures a transport.
type Options struct {
	// TLSConfig wraps tcp and ws (wss) connections in TLS when set and
	// is required by quic. QUIC listeners require a certificate.
	TLSConfig *tls.Config

	// Insecure skips certificate verification when dialing.
	// Development only.
	Insecure bool

	// DialTimeout overrides DefaultDialTimeout.
	DialTimeout time.Duration
}

// Transport creates and accepts connections.
type Transport interface {
	// Dial connects to a remote endpoint.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string) (Listener, error)

	// Kind returns the transport type identifier.
	Kind() Kind
}

// Listener accepts incoming connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (net.Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// New creates a transport of the given kind.
func New(kind Kind, opts Options) (Transport, error) {
	switch kind {
	case KindTCP:
		return &TCPTransport{opts: opts}, nil
	case KindWebSocket:
		return &WebSocketTransport{opts: opts}, nil
	case KindQUIC:
		return &QUICTransport{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

// TLSFromFiles builds a tls.Config from certificate material on disk.
// Every argument may be empty; an all-empty, non-insecure call returns
// nil so callers can distinguish "no TLS requested".
func TLSFromFiles(certFile, keyFile, caFile string, insecure bool) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" && !insecure {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecure,
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s: no certificates found", caFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// dialContext applies the configured timeout when the caller's context
// carries no deadline.
func (o Options) dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
