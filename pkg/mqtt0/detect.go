package mqtt0

// DecodeConnect decodes a CONNECT packet payload without knowing its
// protocol version ahead of time. The protocol name and level occupy the
// same position in both v3.1.1 and v5.0, so the level byte alone decides
// which decoder finishes the job.
func DecodeConnect(payload []byte) (*Connect, ProtocolVersion, error) {
	d := newDecoder(payload)
	if _, err := d.str(); err != nil {
		return nil, 0, err
	}
	level, err := d.byte()
	if err != nil {
		return nil, 0, err
	}
	switch ProtocolVersion(level) {
	case ProtocolV4:
		c, err := decodeV4Connect(payload)
		return c, ProtocolV4, err
	case ProtocolV5:
		c, err := decodeV5Connect(payload)
		return c, ProtocolV5, err
	default:
		return nil, 0, ErrUnsupportedVersion
	}
}

// ReadConnect reads the first packet off a freshly accepted Transport,
// which must be a CONNECT, and returns its decoded form along with the
// protocol version it declares. The broker uses it to detect which
// protocol version a new connection speaks before entering its read loop.
func ReadConnect(t Transport, buf *PacketBuffer, maxSize int) (*Connect, ProtocolVersion, error) {
	packetType, _, remainingLength, err := readFixedHeader(t)
	if err != nil {
		return nil, 0, err
	}
	if packetType != PacketConnect {
		return nil, 0, &UnexpectedPacketError{Expected: "CONNECT", Got: PacketTypeName(packetType)}
	}
	if maxSize > 0 && remainingLength > maxSize {
		return nil, 0, ErrPacketTooLarge
	}
	payload := buf.claim(remainingLength)
	if err := recvFull(t, payload); err != nil {
		return nil, 0, err
	}
	return DecodeConnect(payload)
}
