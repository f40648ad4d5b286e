package mqtt0

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWSPath is the HTTP path MQTT-over-WebSocket endpoints
// conventionally serve on; dialers and listeners fall back to it when the
// address does not name one.
const defaultWSPath = "/mqtt"

// DefaultDialer connects to a broker address and returns the raw net.Conn
// a Client will speak MQTT over. Supported schemes:
//
//	tcp:// mqtt://          plain TCP (default port 1883)
//	tls:// mqtts:// ssl://  TLS (default port 8883)
//	ws://                   WebSocket (default port 80, path /mqtt)
//	wss://                  WebSocket over TLS (default port 443, path /mqtt)
//
// A bare host:port with no scheme dials plain TCP.
func DefaultDialer(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if !strings.Contains(addr, "://") {
		return dialTCP(ctx, withDefaultPort(addr, "1883"))
	}

	u, err := url.Parse(addr)
	if err != nil {
		return dialTCP(ctx, addr)
	}

	scheme := strings.ToLower(u.Scheme)
	host := u.Host

	switch scheme {
	case "", "tcp", "mqtt":
		if host == "" {
			host = addr
		}
		return dialTCP(ctx, withDefaultPort(host, "1883"))

	case "tls", "mqtts", "ssl":
		return dialTLS(ctx, withDefaultPort(host, "8883"), tlsConfig)

	case "ws":
		return dialWebSocket(ctx, "ws://"+withDefaultPort(host, "80")+wsPath(u.Path), nil)

	case "wss":
		return dialWebSocket(ctx, "wss://"+withDefaultPort(host, "443")+wsPath(u.Path), tlsConfig)

	default:
		return nil, fmt.Errorf("mqtt0: unsupported scheme %q", scheme)
	}
}

// withDefaultPort appends ":port" to addr when it does not already carry a
// port.
func withDefaultPort(addr, port string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return addr + ":" + port
}

func wsPath(path string) string {
	if path == "" {
		return defaultWSPath
	}
	return path
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func dialTLS(ctx context.Context, addr string, config *tls.Config) (net.Conn, error) {
	if config == nil {
		// Nothing configured; verify against the dialed hostname.
		host, _, _ := net.SplitHostPort(addr)
		config = &tls.Config{ServerName: host}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqtt0: tls handshake: %w", err)
	}
	return tlsConn, nil
}

func dialWebSocket(ctx context.Context, urlStr string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:    []string{"mqtt"},
		TLSClientConfig: tlsConfig,
	}
	ws, _, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("mqtt0: websocket dial: %w", err)
	}
	return newWSConn(ws), nil
}

// wsConn presents a websocket connection as a net.Conn so that the rest of
// the package can treat every connection identically. The websocket layer
// is message-oriented; Read parks the unread tail of the last binary
// message and drains it before asking for the next one.
type wsConn struct {
	ws       *websocket.Conn
	leftover []byte

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(b, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	if n < len(data) {
		c.leftover = data[n:]
	}
	return n, nil
}

// Write sends b as one binary websocket message. The mutex serializes
// concurrent writers; gorilla/websocket does not allow them.
func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)
