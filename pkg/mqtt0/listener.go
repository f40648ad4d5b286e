package mqtt0

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Listen opens a net.Listener suitable for Broker.Serve on the given
// network:
//
//	tcp   plain TCP (default port 1883)
//	tls   TLS over TCP (default port 8883, tlsConfig required)
//	ws    WebSocket (default port 80, paths / and /mqtt)
//	wss   WebSocket over TLS (default port 443, tlsConfig required)
//
// The broker itself never listens; hosts that want a plain "serve this
// address" shape combine Listen with Broker.Serve, and everything else
// goes through Broker.ServeConn directly.
func Listen(network, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	switch strings.ToLower(network) {
	case "tcp", "":
		return net.Listen("tcp", withDefaultPort(addr, "1883"))

	case "tls":
		if tlsConfig == nil {
			return nil, fmt.Errorf("mqtt0: tls listener requires a tls.Config")
		}
		return tls.Listen("tcp", withDefaultPort(addr, "8883"), tlsConfig)

	case "ws":
		return listenWS(withDefaultPort(addr, "80"), nil)

	case "wss":
		if tlsConfig == nil {
			return nil, fmt.Errorf("mqtt0: wss listener requires a tls.Config")
		}
		return listenWS(withDefaultPort(addr, "443"), tlsConfig)

	default:
		return nil, fmt.Errorf("mqtt0: unsupported network %q", network)
	}
}

// wsListener runs an HTTP server that upgrades incoming requests to
// websocket connections and surfaces them through the net.Listener
// interface, so the broker's accept loop never knows the difference.
type wsListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	acceptCh  chan net.Conn
	serveErr  chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func listenWS(addr string, tlsConfig *tls.Config) (*wsListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	l := &wsListener{
		ln:       ln,
		acceptCh: make(chan net.Conn, 16),
		serveErr: make(chan error, 1),
		closed:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.upgrade)
	mux.HandleFunc(defaultWSPath, l.upgrade)
	l.server = &http.Server{Handler: mux}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.serveErr <- err:
			default:
			}
		}
	}()

	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("mqtt0: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws)
	select {
	case l.acceptCh <- conn:
	case <-l.closed:
		conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.acceptCh:
		return conn, nil
	case err := <-l.serveErr:
		return nil, err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.server.Close()
	})
	return nil
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

// MultiListener merges several listeners into one accept stream, so a
// single Broker.Serve call can serve TCP and WebSocket side by side.
type MultiListener struct {
	listeners []net.Listener

	acceptCh  chan net.Conn
	acceptErr chan error
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMultiListener starts an accept goroutine per underlying listener.
// Closing the MultiListener closes all of them.
func NewMultiListener(listeners ...net.Listener) *MultiListener {
	ml := &MultiListener{
		listeners: listeners,
		acceptCh:  make(chan net.Conn, 16),
		acceptErr: make(chan error, len(listeners)),
		closed:    make(chan struct{}),
	}
	for _, ln := range listeners {
		go ml.acceptLoop(ln)
	}
	return ml
}

func (ml *MultiListener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case ml.acceptErr <- err:
			case <-ml.closed:
			}
			return
		}

		select {
		case ml.acceptCh <- conn:
		case <-ml.closed:
			conn.Close()
			return
		}
	}
}

func (ml *MultiListener) Accept() (net.Conn, error) {
	select {
	case conn := <-ml.acceptCh:
		return conn, nil
	case err := <-ml.acceptErr:
		return nil, err
	case <-ml.closed:
		return nil, net.ErrClosed
	}
}

func (ml *MultiListener) Close() error {
	ml.closeOnce.Do(func() {
		close(ml.closed)
		for _, ln := range ml.listeners {
			ln.Close()
		}
	})
	return nil
}

// Addr returns the first underlying listener's address.
func (ml *MultiListener) Addr() net.Addr {
	if len(ml.listeners) > 0 {
		return ml.listeners[0].Addr()
	}
	return nil
}
