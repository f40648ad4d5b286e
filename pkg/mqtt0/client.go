package mqtt0

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Dialer establishes the transport-level connection a Client will speak
// MQTT over. DefaultDialer handles tcp://, tls://, ws:// and wss://.
type Dialer func(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error)

// ClientConfig configures a Client connection.
type ClientConfig struct {
	// Addr is the broker address, e.g. "tcp://localhost:1883".
	Addr string
	// ClientID identifies this connection to the broker. Required.
	ClientID string
	Username string
	Password []byte

	// KeepAlive is the keepalive interval in seconds. 0 disables
	// keepalive entirely (no automatic PINGREQ).
	KeepAlive uint16
	// AutoKeepalive starts a background goroutine that sends PINGREQ at
	// KeepAlive/2 intervals. Callers that drive their own ping cadence
	// should leave this false and call Ping themselves.
	AutoKeepalive bool

	// CleanSession is the v4 clean-session flag / v5 clean-start flag.
	CleanSession bool

	// ProtocolVersion selects MQTT 3.1.1 or MQTT 5.0. Defaults to
	// ProtocolV4.
	ProtocolVersion ProtocolVersion
	// SessionExpiry sets the v5 session expiry interval property.
	// Ignored for v4.
	SessionExpiry *uint32

	// MaxPacketSize caps the size of a single incoming packet. Defaults
	// to MaxPacketSize.
	MaxPacketSize int
	// ConnectTimeout bounds dialing and the CONNECT/CONNACK handshake.
	ConnectTimeout time.Duration
	// TLSConfig is used for tls:// and wss:// addresses.
	TLSConfig *tls.Config
	// Dialer overrides DefaultDialer, e.g. for tests that dial an
	// in-memory pipe.
	Dialer Dialer

	// Mux, if set, receives every PUBLISH read by ReadLoop.
	Mux *Mux
}

func (c *ClientConfig) setDefaults() {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = ProtocolV4
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = MaxPacketSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Client is a QoS 0 MQTT client. It never sends or expects PUBACK,
// PUBREC, PUBREL or PUBCOMP. Subscribe waits for its SUBACK; Publish and
// Unsubscribe return as soon as their packet is written, without waiting
// for any reply.
type Client struct {
	transport Transport
	closer    Closer
	version   ProtocolVersion
	config    ClientConfig
	mux       *Mux

	writeMu  sync.Mutex
	writeBuf PacketBuffer

	readMu  sync.Mutex
	readBuf PacketBuffer

	pidMu sync.Mutex
	pid   uint16

	running       atomic.Bool
	stopKeepalive chan struct{}
}

// NewClient wraps an already-connected Transport as a Client, without
// performing the CONNECT handshake. Call Init to complete it. Most callers
// should use Connect instead, which dials and initializes in one step.
func NewClient(transport Transport, config ClientConfig) *Client {
	config.setDefaults()
	c := &Client{
		transport: transport,
		version:   config.ProtocolVersion,
		config:    config,
		mux:       config.Mux,
	}
	if closer, ok := transport.(Closer); ok {
		c.closer = closer
	}
	return c
}

// Connect dials config.Addr and performs the CONNECT/CONNACK handshake.
func Connect(ctx context.Context, config ClientConfig) (*Client, error) {
	config.setDefaults()
	if config.ClientID == "" {
		return nil, fmt.Errorf("mqtt0: ClientConfig.ClientID is required")
	}

	dial := config.Dialer
	if dial == nil {
		dial = DefaultDialer
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	conn, err := dial(dialCtx, config.Addr, config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("mqtt0: dial: %w", err)
	}

	client := NewClient(NewNetTransport(conn), config)
	initCtx, cancel2 := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel2()
	if err := client.Init(initCtx); err != nil {
		conn.Close()
		return nil, err
	}

	client.running.Store(true)
	if config.AutoKeepalive && config.KeepAlive > 0 {
		client.stopKeepalive = make(chan struct{})
		go client.keepaliveLoop()
	}
	return client, nil
}

// Init sends CONNECT and reads CONNACK, completing the handshake begun by
// NewClient. Connect calls this for you.
func (c *Client) Init(ctx context.Context) error {
	connect := &Connect{
		ProtocolVersion: c.version,
		ClientID:        []byte(c.config.ClientID),
		CleanSession:    c.config.CleanSession,
		KeepAlive:       c.config.KeepAlive,
	}
	if c.config.Username != "" {
		connect.HasUsername = true
		connect.Username = []byte(c.config.Username)
	}
	if c.config.Password != nil {
		connect.HasPassword = true
		connect.Password = c.config.Password
	}
	if c.version == ProtocolV5 && c.config.SessionExpiry != nil {
		connect.Properties = &Properties{SessionExpiry: c.config.SessionExpiry}
	}

	if err := c.writePacket(connect); err != nil {
		return fmt.Errorf("mqtt0: send connect: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		if setter, ok := c.transport.(RecvTimeoutSetter); ok {
			setter.SetRecvTimeout(time.Until(dl))
			defer setter.SetRecvTimeout(0)
		}
	}

	pkt, err := ReadPacket(c.transport, c.version, &c.readBuf, c.config.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("mqtt0: read connack: %w", err)
	}
	ack, ok := pkt.(*ConnAck)
	if !ok {
		return &UnexpectedPacketError{Expected: "CONNACK", Got: PacketTypeName(pkt.PacketType())}
	}
	if c.version == ProtocolV5 {
		if ack.ReasonCode != ReasonSuccess {
			return &ConnectErrorV5{Code: ack.ReasonCode}
		}
	} else if ack.ReturnCode != ConnectAccepted {
		return &ConnectError{Code: ack.ReturnCode}
	}
	c.running.Store(true)
	return nil
}

func (c *Client) writePacket(p Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WritePacket(c.transport, c.version, &c.writeBuf, p)
}

// nextPacketID returns a monotonically increasing packet identifier,
// skipping 0 on wrap-around (0 is reserved and invalid on the wire).
func (c *Client) nextPacketID() uint16 {
	c.pidMu.Lock()
	defer c.pidMu.Unlock()
	c.pid++
	if c.pid == 0 {
		c.pid++
	}
	return c.pid
}

// Publish sends a non-retained QoS 0 PUBLISH.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.publish(topic, payload, false)
}

// PublishRetain sends a retained QoS 0 PUBLISH.
func (c *Client) PublishRetain(ctx context.Context, topic string, payload []byte) error {
	return c.publish(topic, payload, true)
}

func (c *Client) publish(topic string, payload []byte, retain bool) error {
	if !c.running.Load() {
		return ErrNotConnected
	}
	return c.writePacket(&Publish{
		Topic:   []byte(topic),
		Payload: payload,
		QoS:     AtMostOnce,
		Retain:  retain,
	})
}

// Subscribe subscribes to one or more topic filters and waits for their
// SUBACK. It returns an error if any filter was refused.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	if !c.running.Load() {
		return ErrNotConnected
	}
	pid := c.nextPacketID()
	filters := make([]SubscribeFilter, len(topics))
	for i, t := range topics {
		filters[i] = SubscribeFilter{Topic: []byte(t), QoS: AtMostOnce}
	}
	if err := c.writePacket(&Subscribe{PacketID: pid, Filters: filters}); err != nil {
		return err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.applyDeadline(ctx)
	defer c.clearDeadline()

	pkt, err := ReadPacket(c.transport, c.version, &c.readBuf, c.config.MaxPacketSize)
	if err != nil {
		return err
	}
	ack, ok := pkt.(*SubAck)
	if !ok {
		return &UnexpectedPacketError{Expected: "SUBACK", Got: PacketTypeName(pkt.PacketType())}
	}
	if ack.PacketID != pid {
		return &ProtocolError{Message: "mismatched SUBACK packet id"}
	}
	for i, code := range ack.ReasonCodes {
		if code >= 0x80 {
			return fmt.Errorf("refused for %q (code 0x%02x): %w", topics[i], code, ErrSubscribeFailed)
		}
	}
	return nil
}

// Unsubscribe sends UNSUBSCRIBE for one or more topic filters. It does not
// wait for the UNSUBACK; the broker's acknowledgement arrives on the next
// read and is discarded by Recv like any other non-PUBLISH packet.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if !c.running.Load() {
		return ErrNotConnected
	}
	filters := make([][]byte, len(topics))
	for i, t := range topics {
		filters[i] = []byte(t)
	}
	return c.writePacket(&Unsubscribe{PacketID: c.nextPacketID(), Filters: filters})
}

// Ping sends a PINGREQ. AutoKeepalive clients do not need to call this.
func (c *Client) Ping(ctx context.Context) error {
	if !c.running.Load() {
		return ErrNotConnected
	}
	return c.writePacket(PingReq{})
}

func (c *Client) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		if setter, ok := c.transport.(RecvTimeoutSetter); ok {
			setter.SetRecvTimeout(time.Until(dl))
		}
	}
}

func (c *Client) clearDeadline() {
	if setter, ok := c.transport.(RecvTimeoutSetter); ok {
		setter.SetRecvTimeout(0)
	}
}

// Recv blocks for the next PUBLISH, ignoring PINGRESP. It returns
// ErrClosed once the connection's DISCONNECT has been read or sent.
// Recv and ReadLoop are mutually exclusive ways of consuming incoming
// packets; use one or the other, not both, on the same Client.
func (c *Client) Recv(ctx context.Context) (*Message, error) {
	for {
		if !c.running.Load() {
			return nil, ErrClosed
		}

		c.readMu.Lock()
		c.applyDeadline(ctx)
		pkt, err := ReadPacket(c.transport, c.version, &c.readBuf, c.config.MaxPacketSize)
		c.clearDeadline()
		c.readMu.Unlock()

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
					continue
				}
			}
			return nil, err
		}

		switch p := pkt.(type) {
		case *Publish:
			// The decoded fields alias readBuf, which the next read will
			// overwrite; hand the caller its own copy.
			msg := Message{Topic: p.Topic, Payload: p.Payload, Retain: p.Retain, QoS: p.QoS}.Clone()
			return &msg, nil
		case PingResp:
			continue
		case *Disconnect:
			c.running.Store(false)
			return nil, ErrClosed
		default:
			continue
		}
	}
}

// RecvTimeout receives a message, waiting at most timeout. It returns
// nil, nil if the timeout expires without a message arriving.
func (c *Client) RecvTimeout(timeout time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := c.Recv(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return msg, err
}

// ReadLoop reads packets until ctx is done or an error occurs, dispatching
// each PUBLISH to the Client's Mux (set via ClientConfig.Mux or SetMux).
// It returns nil when the remote end sent DISCONNECT.
func (c *Client) ReadLoop(ctx context.Context) error {
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			if err == ErrClosed {
				return nil
			}
			return err
		}
		if c.mux != nil {
			if err := c.mux.HandleMessage(c.config.ClientID, msg); err != nil {
				slog.Debug("mqtt0: mux dispatch error", "clientID", c.config.ClientID, "topic", string(msg.Topic), "error", err)
			}
		}
	}
}

// SetMux sets or replaces the Mux ReadLoop dispatches to.
func (c *Client) SetMux(mux *Mux) { c.mux = mux }

func (c *Client) keepaliveLoop() {
	interval := time.Duration(c.config.KeepAlive) * time.Second / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Ping(context.Background()); err != nil {
				return
			}
		case <-c.stopKeepalive:
			return
		}
	}
}

// IsRunning reports whether the client is still connected.
func (c *Client) IsRunning() bool { return c.running.Load() }

// ClientID returns the client identifier this connection was established
// with.
func (c *Client) ClientID() string { return c.config.ClientID }

// Close sends DISCONNECT (best effort) and closes the underlying
// transport.
func (c *Client) Close() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if c.stopKeepalive != nil {
		close(c.stopKeepalive)
	}
	c.writePacket(&Disconnect{ReasonCode: ReasonNormalDisconnection})
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
