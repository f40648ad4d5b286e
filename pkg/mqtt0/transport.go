package mqtt0

import (
	"net"
	"time"
)

// Transport is a connection-oriented byte stream. It is the only
// connection abstraction mqtt0's protocol code consumes: Broker.ServeConn
// is handed an already-established Transport, and Connect wraps the
// net.Conn returned by its Dialer (DefaultDialer unless configured) in
// one.
//
// Send and Recv behave like io.Writer/io.Reader: Send may write fewer
// bytes than given, and Recv fills a prefix of buf, returning 0, nil only
// at EOF (mirroring net.Conn rather than io.Reader's "0, nil is a no-op"
// allowance).
type Transport interface {
	Send(b []byte) (int, error)
	Recv(buf []byte) (int, error)
}

// RecvTimeoutSetter is implemented by Transports that support a read
// deadline. The broker and client use it to enforce MQTT keepalive: it is
// optional, so a Transport without a meaningful notion of a timeout (e.g.
// an in-memory test pipe) need not implement it.
type RecvTimeoutSetter interface {
	SetRecvTimeout(d time.Duration) error
}

// Closer is implemented by Transports that can be torn down independently
// of the process exiting. Both the TCP and WebSocket transports implement
// it.
type Closer interface {
	Close() error
}

// sendFull writes all of b to t, looping over partial writes.
func sendFull(t Transport, b []byte) error {
	for len(b) > 0 {
		n, err := t.Send(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrClosed
		}
		b = b[n:]
	}
	return nil
}

// recvFull reads exactly len(buf) bytes from t, looping over partial
// reads. A zero-length Recv result before buf is full is treated as EOF.
func recvFull(t Transport, buf []byte) error {
	for len(buf) > 0 {
		n, err := t.Recv(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrClosed
		}
		buf = buf[n:]
	}
	return nil
}

// netTransport adapts a net.Conn (as returned by a TCP or TLS listener or
// dialer) to the Transport interface.
type netTransport struct {
	conn net.Conn
}

// NewNetTransport wraps a net.Conn as a Transport, for connections
// accepted by Listen or returned by a Dialer.
func NewNetTransport(conn net.Conn) Transport {
	return &netTransport{conn: conn}
}

func (t *netTransport) Send(b []byte) (int, error) { return t.conn.Write(b) }
func (t *netTransport) Recv(buf []byte) (int, error) { return t.conn.Read(buf) }

func (t *netTransport) SetRecvTimeout(d time.Duration) error {
	if d <= 0 {
		return t.conn.SetReadDeadline(time.Time{})
	}
	return t.conn.SetReadDeadline(time.Now().Add(d))
}

func (t *netTransport) Close() error { return t.conn.Close() }
