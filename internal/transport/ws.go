package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// WebSocket transport constants.
const (
	wsPath        = "/skdp"
	wsSubprotocol = "skdp/1"
	wsReadLimit   = 1 << 20
)

// WebSocketTransport carries packets over a single binary WebSocket
// connection per session. The connection is adapted to net.Conn, so
// the packet framing above it is unchanged.
type WebSocketTransport struct {
	opts Options
}

// Kind returns the transport type.
func (t *WebSocketTransport) Kind() Kind {
	return KindWebSocket
}

// Dial connects to a remote endpoint. addr may be host:port or a full
// ws:// / wss:// URL.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := t.opts.dialContext(ctx)
	defer cancel()

	u := t.url(addr)
	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	}

	if t.opts.TLSConfig != nil || t.opts.Insecure {
		tlsConf := t.opts.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
		}
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConf},
		}
	}

	c, _, err := websocket.Dial(ctx, u, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}
	c.SetReadLimit(wsReadLimit)

	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// url normalizes an address into a WebSocket URL.
func (t *WebSocketTransport) url(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws"
	if t.opts.TLSConfig != nil || t.opts.Insecure {
		scheme = "wss"
	}
	return scheme + "://" + addr + wsPath
}

// Listen creates a WebSocket listener backed by an HTTP server.
func (t *WebSocketTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	if t.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, t.opts.TLSConfig)
	}

	l := &wsListener{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)

	return l, nil
}

type wsListener struct {
	ln        net.Listener
	srv       *http.Server
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)

	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case conn := <-l.conns:
		return conn, nil
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}
