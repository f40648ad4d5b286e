package mqtt0

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Broker is a QoS 0 MQTT broker. It never owns a listener: ServeConn is
// its single-connection entry point, and Serve(net.Listener) is a thin
// convenience wrapper around it for hosts that do want a listening
// socket.
//
// The zero value is ready to use once Authenticator is set (it defaults
// to AllowAll otherwise).
type Broker struct {
	// Authenticator authenticates CONNECTs and authorizes PUBLISH/
	// SUBSCRIBE. Defaults to AllowAll.
	Authenticator Authenticator
	// Handler, if set, is called for every message published by a
	// client, after it has passed ACL and before it is routed to
	// subscribers.
	Handler Handler
	// OnConnect and OnDisconnect fire after a client successfully
	// completes CONNECT, and after its connection loop exits.
	OnConnect    func(clientID string)
	OnDisconnect func(clientID string)

	// MaxPacketSize caps the size of a single incoming packet. 0 means
	// MaxPacketSize.
	MaxPacketSize int
	// MaxTopicAlias caps the v5 topic alias value a client may set. 0
	// means MaxTopicAlias.
	MaxTopicAlias uint16
	// MaxTopicLength caps a topic name or filter's length. 0 means
	// MaxTopicLength.
	MaxTopicLength int
	// MaxSubscriptionsPerClient caps a client's simultaneous
	// subscription count. 0 means MaxSubscriptionsPerClient.
	MaxSubscriptionsPerClient int
	// SysEventsEnabled turns on EMQX-style $SYS/brokers/<id>/connected
	// and .../disconnected lifecycle events.
	SysEventsEnabled bool

	initOnce sync.Once

	clientsMu           sync.Mutex
	clients             map[string]*clientHandle
	clientSubscriptions map[string][]string

	subMu         sync.Mutex
	subscriptions *Trie[*clientHandle]
	sharedTrie    *Trie[*sharedGroup]
	sharedGroups  map[string]*sharedGroup

	running atomic.Bool
}

func (b *Broker) init() {
	b.initOnce.Do(func() {
		b.clients = make(map[string]*clientHandle)
		b.clientSubscriptions = make(map[string][]string)
		b.subscriptions = NewTrie[*clientHandle]()
		b.sharedTrie = NewTrie[*sharedGroup]()
		b.sharedGroups = make(map[string]*sharedGroup)
		if b.Authenticator == nil {
			b.Authenticator = AllowAll{}
		}
	})
}

func (b *Broker) maxPacketSize() int {
	if b.MaxPacketSize > 0 {
		return b.MaxPacketSize
	}
	return MaxPacketSize
}

func (b *Broker) maxTopicAlias() uint16 {
	if b.MaxTopicAlias > 0 {
		return b.MaxTopicAlias
	}
	return MaxTopicAlias
}

func (b *Broker) maxTopicLength() int {
	if b.MaxTopicLength > 0 {
		return b.MaxTopicLength
	}
	return MaxTopicLength
}

func (b *Broker) maxSubscriptions() int {
	if b.MaxSubscriptionsPerClient > 0 {
		return b.MaxSubscriptionsPerClient
	}
	return MaxSubscriptionsPerClient
}

// clientHandle is the broker's per-client-id record: the live transport a
// publish fans out to, guarded by its own write mutex so a fan-out send
// never races a reply the client's own read loop is writing, plus a
// generation counter that makes client-id takeover safe without
// signaling the displaced connection directly (see registerClient and
// cleanupClient).
type clientHandle struct {
	clientID string

	writeMu   sync.Mutex
	transport Transport
	version   ProtocolVersion
	writeBuf  PacketBuffer
	active    atomic.Bool

	generation atomic.Uint64

	username string
}

// send writes p to the client this handle currently represents. It is
// safe to call concurrently with the client's own read loop writing
// SUBACK/UNSUBACK/PINGRESP/CONNACK replies, since both go through this
// same write mutex.
func (h *clientHandle) send(p Packet) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if !h.active.Load() || h.transport == nil {
		return ErrClosed
	}
	err := WritePacket(h.transport, h.version, &h.writeBuf, p)
	if err != nil {
		h.active.Store(false)
	}
	return err
}

// sharedGroup is one (group-name, actual-topic) shared-subscription
// fan-out target: a published message matching the group's topic goes to
// exactly one of its subscribers, chosen round robin.
type sharedGroup struct {
	groupName   string
	topicFilter string

	mu          sync.Mutex
	subscribers []*clientHandle
	nextIndex   atomic.Uint64
}

func (g *sharedGroup) add(h *clientHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.subscribers {
		if existing == h {
			return
		}
	}
	g.subscribers = append(g.subscribers, h)
}

func (g *sharedGroup) remove(h *clientHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.subscribers {
		if existing == h {
			g.subscribers = append(g.subscribers[:i], g.subscribers[i+1:]...)
			return
		}
	}
}

func (g *sharedGroup) nextSubscriber() *clientHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subscribers) == 0 {
		return nil
	}
	idx := g.nextIndex.Add(1) - 1
	return g.subscribers[idx%uint64(len(g.subscribers))]
}

// Serve accepts connections from ln until it returns an error, calling
// ServeConn for each in its own goroutine. The broker does not require
// Serve: ServeConn is the real entry point, and a host that already owns
// its listener (or is bridging a non-TCP transport) can call it directly.
func (b *Broker) Serve(ln net.Listener) error {
	b.init()
	b.running.Store(true)
	defer b.running.Store(false)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !b.running.Load() {
				return nil
			}
			return err
		}
		go b.ServeConn(NewNetTransport(conn))
	}
}

// Close marks the broker as stopped, so that Serve returns nil instead of
// an error once its listener's Accept fails. It closes neither the
// listener passed to Serve nor already-accepted connections; Serve keeps
// accepting until the caller closes that listener.
func (b *Broker) Close() error {
	b.running.Store(false)
	return nil
}

// ServeConn drives one client connection end to end: CONNECT handshake,
// registration, the SUBSCRIBE/PUBLISH/PINGREQ read loop, and cleanup on
// exit. It blocks until the connection closes or the client disconnects.
func (b *Broker) ServeConn(transport Transport) {
	b.init()
	if closer, ok := transport.(Closer); ok {
		defer closer.Close()
	}

	var buf PacketBuffer
	connect, version, err := ReadConnect(transport, &buf, b.maxPacketSize())
	if err != nil {
		slog.Debug("mqtt0: read connect failed", "error", err)
		return
	}

	clientID := string(connect.ClientID)
	username := string(connect.Username)

	if len(connect.ClientID) == 0 || len(connect.ClientID) > maxClientIDLength {
		slog.Debug("mqtt0: rejecting client id", "len", len(connect.ClientID))
		b.sendConnAckError(transport, version, &buf, ConnectIDRejected, ReasonClientIDNotValid)
		return
	}
	if len(connect.Username) > maxUsernameLength {
		slog.Debug("mqtt0: rejecting username", "len", len(connect.Username))
		b.sendConnAckError(transport, version, &buf, ConnectBadCredentials, ReasonBadUserNameOrPassword)
		return
	}

	if !b.Authenticator.Authenticate(clientID, username, connect.Password) {
		slog.Debug("mqtt0: authentication failed", "clientID", clientID)
		b.sendConnAckError(transport, version, &buf, ConnectNotAuthorized, ReasonNotAuthorized)
		return
	}

	if err := b.sendAcceptConnAck(transport, version, &buf); err != nil {
		slog.Debug("mqtt0: write connack failed", "error", err)
		return
	}

	handle, generation := b.registerClient(clientID, username, transport, version)

	// Per the MQTT keepalive rule, a silent client gets 1.5x its declared
	// keepalive interval before the broker hangs up.
	var keepAliveTimeout time.Duration
	if connect.KeepAlive > 0 {
		keepAliveTimeout = time.Duration(connect.KeepAlive) * time.Second * 3 / 2
	}

	slog.Info("mqtt0: client connected", "clientID", clientID, "version", version)
	if b.OnConnect != nil {
		b.OnConnect(clientID)
	}
	if b.SysEventsEnabled {
		b.publishSysConnected(clientID, username, version, connect.KeepAlive)
	}

	b.clientLoop(clientID, handle, transport, version, keepAliveTimeout)

	b.cleanupClient(clientID, handle, generation)
	slog.Info("mqtt0: client disconnected", "clientID", clientID)
	if b.OnDisconnect != nil {
		b.OnDisconnect(clientID)
	}
}

func (b *Broker) sendConnAckError(transport Transport, version ProtocolVersion, buf *PacketBuffer, v4Code ConnectReturnCode, v5Code ReasonCode) {
	var ack *ConnAck
	if version == ProtocolV5 {
		ack = &ConnAck{ReasonCode: v5Code}
	} else {
		ack = &ConnAck{ReturnCode: v4Code}
	}
	if err := WritePacket(transport, version, buf, ack); err != nil {
		slog.Debug("mqtt0: write connack failed", "error", err)
	}
}

func (b *Broker) sendAcceptConnAck(transport Transport, version ProtocolVersion, buf *PacketBuffer) error {
	var ack *ConnAck
	if version == ProtocolV5 {
		aliasMax := b.maxTopicAlias()
		ack = &ConnAck{ReasonCode: ReasonSuccess, Properties: &Properties{TopicAliasMaximum: &aliasMax}}
	} else {
		ack = &ConnAck{ReturnCode: ConnectAccepted}
	}
	return WritePacket(transport, version, buf, ack)
}

// registerClient creates a new clientHandle for clientID, or takes over
// an existing one. Taking over bumps the generation counter and closes
// the previous transport so any connection still blocked in Recv on it
// unblocks with an error; that connection's own cleanupClient call will
// then observe the generation mismatch and return without touching the
// maps the new connection owns. This is the only synchronization needed
// between an old and a new connection racing on the same client id.
func (b *Broker) registerClient(clientID, username string, transport Transport, version ProtocolVersion) (*clientHandle, uint64) {
	b.clientsMu.Lock()
	existing, tookOver := b.clients[clientID]
	var oldTransport Transport
	var handle *clientHandle
	var generation uint64

	if tookOver {
		existing.writeMu.Lock()
		oldTransport = existing.transport
		existing.transport = transport
		existing.version = version
		existing.username = username
		existing.active.Store(true)
		generation = existing.generation.Add(1)
		existing.writeMu.Unlock()
		handle = existing
	} else {
		handle = &clientHandle{clientID: clientID, username: username, transport: transport, version: version}
		handle.active.Store(true)
		b.clients[clientID] = handle
		b.clientSubscriptions[clientID] = nil
	}
	b.clientsMu.Unlock()

	if oldTransport != nil {
		if closer, ok := oldTransport.(Closer); ok {
			closer.Close()
		}
	}
	return handle, generation
}

// cleanupClient removes a disconnected client's subscriptions and
// deactivates its handle, unless a takeover has already bumped the
// handle's generation past expectedGeneration -- in which case the new
// connection owns the handle now and this call is a stale no-op.
func (b *Broker) cleanupClient(clientID string, handle *clientHandle, expectedGeneration uint64) {
	if handle.generation.Load() != expectedGeneration {
		return
	}

	handle.writeMu.Lock()
	handle.active.Store(false)
	handle.transport = nil
	username := handle.username
	handle.writeMu.Unlock()

	if b.SysEventsEnabled {
		b.publishSysDisconnected(clientID, username)
	}

	b.clientsMu.Lock()
	topics := b.clientSubscriptions[clientID]
	b.clientSubscriptions[clientID] = nil
	b.clientsMu.Unlock()

	if len(topics) == 0 {
		return
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, pattern := range topics {
		if group, topicFilter, ok := ParseSharedTopic(pattern); ok {
			b.removeFromSharedGroupLocked(group, topicFilter, handle)
		} else {
			b.subscriptions.RemoveOne(pattern, func(h *clientHandle) bool { return h == handle })
		}
	}
}

// clientLoop reads packets from transport until it errors or the client
// sends DISCONNECT, dispatching each to the matching handler. Both
// protocol versions share this loop; version selects the wire encoding
// (via ReadPacket/WritePacket), the UNSUBACK reason codes (v5 only), the
// SUBACK failure code, and whether topic aliases are honoured (v5 only).
func (b *Broker) clientLoop(clientID string, handle *clientHandle, transport Transport, version ProtocolVersion, keepAliveTimeout time.Duration) {
	var readBuf PacketBuffer
	topicAliases := make(map[uint16]string)

	timeoutSetter, canTimeout := transport.(RecvTimeoutSetter)

	for handle.active.Load() {
		// The deadline is per read, not per connection: any packet from
		// the client (including PINGREQ) resets the keepalive clock.
		if keepAliveTimeout > 0 && canTimeout {
			timeoutSetter.SetRecvTimeout(keepAliveTimeout)
		}
		pkt, err := ReadPacket(transport, version, &readBuf, b.maxPacketSize())
		if err != nil {
			slog.Debug("mqtt0: read error", "clientID", clientID, "error", err)
			return
		}

		switch p := pkt.(type) {
		case *Publish:
			b.handlePublish(clientID, handle, p, topicAliases, version)

		case *Subscribe:
			codes := make([]byte, len(p.Filters))
			for i, f := range p.Filters {
				codes[i] = b.handleSubscribe(clientID, handle, f.Topic, version)
			}
			handle.send(&SubAck{PacketID: p.PacketID, ReasonCodes: codes})

		case *Unsubscribe:
			for _, f := range p.Filters {
				b.handleUnsubscribe(clientID, handle, f)
			}
			var codes []byte
			if version == ProtocolV5 {
				codes = make([]byte, len(p.Filters))
				for i := range codes {
					codes[i] = byte(ReasonSuccess)
				}
			}
			handle.send(&UnsubAck{PacketID: p.PacketID, ReasonCodes: codes})

		case PingReq:
			handle.send(PingResp{})

		case *Disconnect:
			return

		default:
			slog.Debug("mqtt0: ignoring unexpected packet", "clientID", clientID, "type", PacketTypeName(pkt.PacketType()))
		}
	}
}

// handlePublish validates and routes an incoming PUBLISH. It is permissive
// about QoS: this package only ever routes at QoS 0, so a PUBLISH sent at
// QoS 1 or 2 is still routed (never acknowledged with PUBACK/PUBREC,
// since this broker never sends those).
func (b *Broker) handlePublish(clientID string, handle *clientHandle, p *Publish, topicAliases map[uint16]string, version ProtocolVersion) {
	topic := p.Topic

	if version == ProtocolV5 && p.Properties != nil && p.Properties.TopicAlias != nil {
		alias := *p.Properties.TopicAlias
		if alias == 0 || alias > b.maxTopicAlias() {
			slog.Debug("mqtt0: invalid topic alias", "clientID", clientID, "alias", alias)
			return
		}
		if len(topic) > 0 {
			if len(topic) > b.maxTopicLength() {
				slog.Debug("mqtt0: topic too long for alias", "clientID", clientID, "len", len(topic))
				return
			}
			topicAliases[alias] = string(topic)
		} else if resolved, ok := topicAliases[alias]; ok {
			topic = []byte(resolved)
		} else {
			slog.Debug("mqtt0: unknown topic alias", "clientID", clientID, "alias", alias)
			return
		}
	}

	if len(topic) == 0 {
		return
	}
	if len(topic) > b.maxTopicLength() {
		slog.Debug("mqtt0: topic too long", "clientID", clientID, "len", len(topic))
		return
	}
	if topic[0] == '$' {
		slog.Debug("mqtt0: client cannot publish to $ topic", "clientID", clientID, "topic", string(topic))
		return
	}
	if !b.Authenticator.ACL(clientID, string(topic), true) {
		slog.Debug("mqtt0: acl denied publish", "clientID", clientID, "topic", string(topic))
		return
	}

	msg := &Message{Topic: topic, Payload: p.Payload, Retain: p.Retain, QoS: p.QoS}
	if b.Handler != nil {
		b.Handler.HandleMessage(clientID, msg)
	}
	b.routeMessage(msg, handle)
}

// routeMessage fans msg out to every direct subscriber of its topic other
// than sender, and to one subscriber of each shared group whose filter
// matches.
func (b *Broker) routeMessage(msg *Message, sender *clientHandle) {
	topic := string(msg.Topic)

	b.subMu.Lock()
	targets := b.subscriptions.MatchAll(topic)
	groups := b.sharedTrie.MatchAll(topic)
	b.subMu.Unlock()

	for _, h := range targets {
		if h == sender {
			continue
		}
		if err := h.send(&Publish{Topic: msg.Topic, Payload: msg.Payload, Retain: msg.Retain, QoS: AtMostOnce}); err != nil {
			slog.Debug("mqtt0: write publish failed", "clientID", h.clientID, "error", err)
		}
	}

	for _, g := range groups {
		h := g.nextSubscriber()
		if h == nil || h == sender {
			continue
		}
		if err := h.send(&Publish{Topic: msg.Topic, Payload: msg.Payload, Retain: msg.Retain, QoS: AtMostOnce}); err != nil {
			slog.Debug("mqtt0: write publish failed", "clientID", h.clientID, "error", err)
		}
	}
}

// handleSubscribe processes one SUBSCRIBE filter and returns its v4
// return code / v5 reason code byte.
func (b *Broker) handleSubscribe(clientID string, handle *clientHandle, filterBytes []byte, version ProtocolVersion) byte {
	fail := func(v5Code ReasonCode) byte {
		if version == ProtocolV5 {
			return byte(v5Code)
		}
		return 0x80
	}

	filter := string(filterBytes)
	group, topicFilter, isShared := ParseSharedTopic(filter)
	effectiveTopic := filter
	if isShared {
		effectiveTopic = topicFilter
	}

	if len(filter) > b.maxTopicLength() {
		return fail(ReasonTopicFilterInvalid)
	}
	if !b.Authenticator.ACL(clientID, effectiveTopic, false) {
		return fail(ReasonNotAuthorized)
	}

	b.clientsMu.Lock()
	existing := b.clientSubscriptions[clientID]
	isResubscribe := false
	for _, s := range existing {
		if s == filter {
			isResubscribe = true
			break
		}
	}
	if !isResubscribe && len(existing) >= b.maxSubscriptions() {
		b.clientsMu.Unlock()
		return fail(ReasonQuotaExceeded)
	}
	if !isResubscribe {
		b.clientSubscriptions[clientID] = append(existing, filter)
	}
	b.clientsMu.Unlock()

	b.subMu.Lock()
	var err error
	if isShared {
		err = b.addToSharedGroupLocked(group, topicFilter, handle)
	} else {
		b.subscriptions.RemoveOne(filter, func(h *clientHandle) bool { return h == handle })
		err = b.subscriptions.Insert(filter, handle)
	}
	b.subMu.Unlock()

	if err != nil {
		if !isResubscribe {
			b.clientsMu.Lock()
			b.clientSubscriptions[clientID] = removeString(b.clientSubscriptions[clientID], filter)
			b.clientsMu.Unlock()
		}
		return fail(ReasonTopicFilterInvalid)
	}
	return byte(ReasonGrantedQoS0)
}

func (b *Broker) handleUnsubscribe(clientID string, handle *clientHandle, filterBytes []byte) {
	filter := string(filterBytes)
	group, topicFilter, isShared := ParseSharedTopic(filter)

	b.subMu.Lock()
	if isShared {
		b.removeFromSharedGroupLocked(group, topicFilter, handle)
	} else {
		b.subscriptions.RemoveOne(filter, func(h *clientHandle) bool { return h == handle })
	}
	b.subMu.Unlock()

	b.clientsMu.Lock()
	b.clientSubscriptions[clientID] = removeString(b.clientSubscriptions[clientID], filter)
	b.clientsMu.Unlock()
}

// addToSharedGroupLocked must be called with subMu held.
func (b *Broker) addToSharedGroupLocked(groupName, topicFilter string, handle *clientHandle) error {
	key := groupName + "\x00" + topicFilter
	g, ok := b.sharedGroups[key]
	if !ok {
		g = &sharedGroup{groupName: groupName, topicFilter: topicFilter}
		if err := b.sharedTrie.Insert(topicFilter, g); err != nil {
			return err
		}
		b.sharedGroups[key] = g
	}
	g.add(handle)
	return nil
}

// removeFromSharedGroupLocked must be called with subMu held. Empty
// shared groups are left in place rather than pruned: a shared group, once
// created, lingers for the broker's lifetime.
func (b *Broker) removeFromSharedGroupLocked(groupName, topicFilter string, handle *clientHandle) {
	key := groupName + "\x00" + topicFilter
	if g, ok := b.sharedGroups[key]; ok {
		g.remove(handle)
	}
}

func removeString(s []string, target string) []string {
	out := s[:0]
	for _, v := range s {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// Publish sends a broker-originated message to every matching subscriber,
// as if it had been published by a client with no id.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.init()
	b.routeMessage(&Message{Topic: []byte(topic), Payload: payload}, nil)
	return nil
}

// EMQX-compatible $SYS lifecycle event payloads.
type sysConnectedEvent struct {
	ClientID    string `json:"clientid"`
	Username    string `json:"username"`
	IPAddress   string `json:"ipaddress"`
	ProtoVer    int    `json:"proto_ver"`
	KeepAlive   uint16 `json:"keepalive"`
	ConnectedAt int64  `json:"connected_at"`
}

type sysDisconnectedEvent struct {
	ClientID       string `json:"clientid"`
	Username       string `json:"username"`
	Reason         string `json:"reason"`
	DisconnectedAt int64  `json:"disconnected_at"`
}

func (b *Broker) publishSysConnected(clientID, username string, version ProtocolVersion, keepAlive uint16) {
	payload, err := json.Marshal(sysConnectedEvent{
		ClientID:    clientID,
		Username:    username,
		ProtoVer:    int(version),
		KeepAlive:   keepAlive,
		ConnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	b.publishSysEvent(clientID, "connected", payload)
}

func (b *Broker) publishSysDisconnected(clientID, username string) {
	payload, err := json.Marshal(sysDisconnectedEvent{
		ClientID:       clientID,
		Username:       username,
		Reason:         "normal",
		DisconnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	b.publishSysEvent(clientID, "disconnected", payload)
}

// publishSysEvent emits a $SYS lifecycle event through both the broker's
// handler and the subscriber fan-out. The client id is sanitized before
// being interpolated into the topic, since `/`, `+` and `#` may not appear
// in an ordinary topic segment.
func (b *Broker) publishSysEvent(clientID, kind string, payload []byte) {
	topic := "$SYS/brokers/" + sanitizeClientIDForTopic(clientID) + "/" + kind
	msg := &Message{Topic: []byte(topic), Payload: payload}
	if b.Handler != nil {
		b.Handler.HandleMessage("", msg)
	}
	b.routeMessage(msg, nil)
}

var sysTopicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func sanitizeClientIDForTopic(clientID string) string {
	return sysTopicReplacer.Replace(clientID)
}
