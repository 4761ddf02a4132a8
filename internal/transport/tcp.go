package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// TCPTransport carries packets over plain TCP, optionally wrapped in
// TLS when a TLS configuration is supplied.
type TCPTransport struct {
	opts Options
}

// Kind returns the transport type.
func (t *TCPTransport) Kind() Kind {
	return KindTCP
}

// Dial connects to a remote endpoint.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := t.opts.dialContext(ctx)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}

	if t.opts.TLSConfig == nil && !t.opts.Insecure {
		return conn, nil
	}

	tlsConf := t.opts.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
	}
	tc := tls.Client(conn, tlsConf)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
	}
	return tc, nil
}

// Listen creates a TCP listener.
func (t *TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	if t.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, t.opts.TLSConfig)
	}

	l := &tcpListener{
		ln:    ln,
		conns: make(chan net.Conn),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

type tcpListener struct {
	ln        net.Listener
	conns     chan net.Conn
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case l.errs <- err:
			case <-l.done:
			}
			return
		}
		select {
		case l.conns <- conn:
		case <-l.done:
			conn.Close()
			return
		}
	}
}

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case err := <-l.errs:
		return nil, err
	case conn := <-l.conns:
		return conn, nil
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}
