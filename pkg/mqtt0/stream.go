package mqtt0

// readFixedHeader reads a packet's type/flags byte and its remaining-length
// variable integer directly off t, one byte at a time (the header is tiny
// and need not go through a PacketBuffer).
func readFixedHeader(t Transport) (packetType PacketType, flags byte, remainingLength int, err error) {
	var b [1]byte
	if err := recvFull(t, b[:]); err != nil {
		return 0, 0, 0, err
	}
	packetType = PacketType(b[0] >> 4)
	flags = b[0] & 0x0F

	value := 0
	multiplier := 1
	for i := 0; i < maxVarIntBytes; i++ {
		if err := recvFull(t, b[:]); err != nil {
			return 0, 0, 0, err
		}
		value += int(b[0]&0x7F) * multiplier
		if b[0]&0x80 == 0 {
			return packetType, flags, value, nil
		}
		multiplier *= 128
	}
	return 0, 0, 0, ErrMalformedVariableInt
}

// ReadPacket reads one complete packet off t, decoding it according to
// version. The payload bytes are read into buf and the returned Packet's
// fields alias buf; they are only valid until the next ReadPacket call
// using the same buf.
func ReadPacket(t Transport, version ProtocolVersion, buf *PacketBuffer, maxSize int) (Packet, error) {
	packetType, flags, remainingLength, err := readFixedHeader(t)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remainingLength > maxSize {
		return nil, ErrPacketTooLarge
	}
	payload := buf.claim(remainingLength)
	if err := recvFull(t, payload); err != nil {
		return nil, err
	}
	if version == ProtocolV5 {
		return decodeV5(packetType, flags, payload)
	}
	return decodeV4(packetType, flags, payload)
}

// WritePacket encodes p and writes it to t in full, using buf as scratch
// space for assembly.
func WritePacket(t Transport, version ProtocolVersion, buf *PacketBuffer, p Packet) error {
	var encoded []byte
	var err error
	if version == ProtocolV5 {
		encoded, err = encodeV5(buf, p)
	} else {
		encoded, err = encodeV4(buf, p)
	}
	if err != nil {
		return err
	}
	return sendFull(t, encoded)
}
