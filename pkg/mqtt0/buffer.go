package mqtt0

// inlineBufferSize is the size of the scratch array every PacketBuffer
// carries inline. Packets at or under this size never touch the heap.
// A larger read claims a grown slice that is kept for reuse by later,
// equally large reads; a larger outgoing packet is assembled in a fresh
// slice that is not kept.
const inlineBufferSize = 4096

// PacketBuffer is a reusable scratch buffer for both directions of packet
// I/O: reading a packet's remaining-length payload off a Transport, and
// assembling an outgoing packet's fixed header plus payload. A connection
// keeps one PacketBuffer for reads and one for writes; they are never
// shared across goroutines.
//
// Every value handed back by claim, and every Packet field decoded from
// one, is a view into PacketBuffer's own array. It is only valid until the
// next claim call on the same PacketBuffer.
type PacketBuffer struct {
	inline [inlineBufferSize]byte
	heap   []byte
}

// claim returns a buffer of exactly n bytes. Its previous contents are not
// preserved.
func (b *PacketBuffer) claim(n int) []byte {
	if n <= inlineBufferSize {
		return b.inline[:n]
	}
	if cap(b.heap) < n {
		b.heap = make([]byte, n)
	}
	return b.heap[:n]
}

// encodeFixedHeader assembles a complete MQTT packet: it reserves 5 bytes
// for the fixed header, lets appendPayload grow the buffer with the
// packet's variable header and payload, then backfills the real header
// (1 byte of type/flags plus a 1-4 byte remaining-length) and shifts the
// payload left if the header turned out to need fewer than 5 bytes.
//
// When the packet fits in the inline array, the returned slice aliases
// buf and is only valid until the next call to encodeFixedHeader or claim
// on the same buffer; a larger packet is returned in a freshly allocated
// slice.
func encodeFixedHeader(buf *PacketBuffer, packetType, flags byte, appendPayload func(dst []byte) []byte) []byte {
	scratch := buf.inline[:5]
	full := appendPayload(scratch)
	payloadLen := len(full) - 5
	headerLen := 1 + varIntSize(payloadLen)
	if headerLen < 5 {
		copy(full[headerLen:], full[5:5+payloadLen])
	}
	full[0] = (packetType << 4) | (flags & 0x0F)
	writeVarIntAt(full[1:headerLen], payloadLen)
	return full[:headerLen+payloadLen]
}
