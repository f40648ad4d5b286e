package mqtt0

// decodeV4 decodes a packet payload (the fixed header already consumed) as
// MQTT 3.1.1.
func decodeV4(packetType PacketType, flags byte, payload []byte) (Packet, error) {
	switch packetType {
	case PacketConnect:
		return decodeV4Connect(payload)
	case PacketConnAck:
		return decodeV4ConnAck(payload)
	case PacketPublish:
		return decodeV4Publish(flags, payload)
	case PacketSubscribe:
		if flags != 0x02 {
			return nil, &ProtocolError{Message: "bad SUBSCRIBE flags"}
		}
		return decodeV4Subscribe(payload)
	case PacketSubAck:
		return decodeV4SubAck(payload)
	case PacketUnsubscribe:
		if flags != 0x02 {
			return nil, &ProtocolError{Message: "bad UNSUBSCRIBE flags"}
		}
		return decodeV4Unsubscribe(payload)
	case PacketUnsubAck:
		return decodeV4UnsubAck(payload)
	case PacketPingReq:
		return PingReq{}, nil
	case PacketPingResp:
		return PingResp{}, nil
	case PacketDisconnect:
		return &Disconnect{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// encodeV4 encodes p as MQTT 3.1.1 into buf.
func encodeV4(buf *PacketBuffer, p Packet) ([]byte, error) {
	switch v := p.(type) {
	case *Connect:
		return encodeV4Connect(buf, v), nil
	case *ConnAck:
		return encodeV4ConnAck(buf, v), nil
	case *Publish:
		return encodeV4Publish(buf, v), nil
	case *Subscribe:
		return encodeV4Subscribe(buf, v), nil
	case *SubAck:
		return encodeV4SubAck(buf, v), nil
	case *Unsubscribe:
		return encodeV4Unsubscribe(buf, v), nil
	case *UnsubAck:
		return encodeV4UnsubAck(buf, v), nil
	case PingReq:
		return encodeFixedHeader(buf, byte(PacketPingReq), 0, func(dst []byte) []byte { return dst }), nil
	case PingResp:
		return encodeFixedHeader(buf, byte(PacketPingResp), 0, func(dst []byte) []byte { return dst }), nil
	case *Disconnect:
		return encodeFixedHeader(buf, byte(PacketDisconnect), 0, func(dst []byte) []byte { return dst }), nil
	default:
		return nil, ErrUnknownPacketType
	}
}

const v4ProtocolName = "MQTT"

func decodeV4Connect(payload []byte) (*Connect, error) {
	d := newDecoder(payload)
	protoName, err := d.str()
	if err != nil {
		return nil, err
	}
	if string(protoName) != v4ProtocolName {
		return nil, &ProtocolError{Message: "unexpected protocol name"}
	}
	level, err := d.byte()
	if err != nil {
		return nil, err
	}
	connFlags, err := d.byte()
	if err != nil {
		return nil, err
	}
	keepAlive, err := d.uint16()
	if err != nil {
		return nil, err
	}
	c := &Connect{
		ProtocolVersion: ProtocolVersion(level),
		CleanSession:    connFlags&0x02 != 0,
		WillFlag:        connFlags&0x04 != 0,
		WillQoS:         QoS((connFlags >> 3) & 0x03),
		WillRetain:      connFlags&0x20 != 0,
		HasUsername:     connFlags&0x80 != 0,
		HasPassword:     connFlags&0x40 != 0,
		KeepAlive:       keepAlive,
	}
	clientID, err := d.str()
	if err != nil {
		return nil, err
	}
	c.ClientID = clientID
	if c.WillFlag {
		willTopic, err := d.str()
		if err != nil {
			return nil, err
		}
		willPayload, err := d.str()
		if err != nil {
			return nil, err
		}
		c.WillTopic = willTopic
		c.WillPayload = willPayload
	}
	if c.HasUsername {
		username, err := d.str()
		if err != nil {
			return nil, err
		}
		c.Username = username
	}
	if c.HasPassword {
		password, err := d.str()
		if err != nil {
			return nil, err
		}
		c.Password = password
	}
	return c, nil
}

func encodeV4Connect(buf *PacketBuffer, c *Connect) []byte {
	var flags byte
	if c.CleanSession {
		flags |= 0x02
	}
	if c.WillFlag {
		flags |= 0x04
		flags |= byte(c.WillQoS) << 3
		if c.WillRetain {
			flags |= 0x20
		}
	}
	if c.HasUsername {
		flags |= 0x80
	}
	if c.HasPassword {
		flags |= 0x40
	}
	return encodeFixedHeader(buf, byte(PacketConnect), 0, func(dst []byte) []byte {
		dst = appendString(dst, []byte(v4ProtocolName))
		dst = append(dst, byte(ProtocolV4), flags)
		dst = appendUint16(dst, c.KeepAlive)
		dst = appendString(dst, c.ClientID)
		if c.WillFlag {
			dst = appendString(dst, c.WillTopic)
			dst = appendString(dst, c.WillPayload)
		}
		if c.HasUsername {
			dst = appendString(dst, c.Username)
		}
		if c.HasPassword {
			dst = appendString(dst, c.Password)
		}
		return dst
	})
}

func decodeV4ConnAck(payload []byte) (*ConnAck, error) {
	d := newDecoder(payload)
	ackFlags, err := d.byte()
	if err != nil {
		return nil, err
	}
	code, err := d.byte()
	if err != nil {
		return nil, err
	}
	return &ConnAck{
		SessionPresent: ackFlags&0x01 != 0,
		ReturnCode:     ConnectReturnCode(code),
	}, nil
}

func encodeV4ConnAck(buf *PacketBuffer, a *ConnAck) []byte {
	return encodeFixedHeader(buf, byte(PacketConnAck), 0, func(dst []byte) []byte {
		var ackFlags byte
		if a.SessionPresent {
			ackFlags = 0x01
		}
		return append(dst, ackFlags, byte(a.ReturnCode))
	})
}

func decodeV4Publish(flags byte, payload []byte) (*Publish, error) {
	d := newDecoder(payload)
	topic, err := d.str()
	if err != nil {
		return nil, err
	}
	p := &Publish{
		Topic:  topic,
		Dup:    flags&0x08 != 0,
		QoS:    QoS((flags >> 1) & 0x03),
		Retain: flags&0x01 != 0,
	}
	if p.QoS > 0 {
		pid, err := d.uint16()
		if err != nil {
			return nil, err
		}
		p.PacketID = pid
	}
	p.Payload = d.rest()
	return p, nil
}

func encodeV4Publish(buf *PacketBuffer, p *Publish) []byte {
	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}
	return encodeFixedHeader(buf, byte(PacketPublish), flags, func(dst []byte) []byte {
		dst = appendString(dst, p.Topic)
		if p.QoS > 0 {
			dst = appendUint16(dst, p.PacketID)
		}
		return append(dst, p.Payload...)
	})
}

func decodeV4Subscribe(payload []byte) (*Subscribe, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	s := &Subscribe{PacketID: pid}
	for d.remaining() > 0 {
		topic, err := d.str()
		if err != nil {
			return nil, err
		}
		qos, err := d.byte()
		if err != nil {
			return nil, err
		}
		s.Filters = append(s.Filters, SubscribeFilter{Topic: topic, QoS: QoS(qos & 0x03)})
	}
	return s, nil
}

func encodeV4Subscribe(buf *PacketBuffer, s *Subscribe) []byte {
	return encodeFixedHeader(buf, byte(PacketSubscribe), 0x02, func(dst []byte) []byte {
		dst = appendUint16(dst, s.PacketID)
		for _, f := range s.Filters {
			dst = appendString(dst, f.Topic)
			dst = append(dst, byte(f.QoS))
		}
		return dst
	})
}

func decodeV4SubAck(payload []byte) (*SubAck, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	return &SubAck{PacketID: pid, ReasonCodes: d.rest()}, nil
}

func encodeV4SubAck(buf *PacketBuffer, a *SubAck) []byte {
	return encodeFixedHeader(buf, byte(PacketSubAck), 0, func(dst []byte) []byte {
		dst = appendUint16(dst, a.PacketID)
		return append(dst, a.ReasonCodes...)
	})
}

func decodeV4Unsubscribe(payload []byte) (*Unsubscribe, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	u := &Unsubscribe{PacketID: pid}
	for d.remaining() > 0 {
		topic, err := d.str()
		if err != nil {
			return nil, err
		}
		u.Filters = append(u.Filters, topic)
	}
	return u, nil
}

func encodeV4Unsubscribe(buf *PacketBuffer, u *Unsubscribe) []byte {
	return encodeFixedHeader(buf, byte(PacketUnsubscribe), 0x02, func(dst []byte) []byte {
		dst = appendUint16(dst, u.PacketID)
		for _, f := range u.Filters {
			dst = appendString(dst, f)
		}
		return dst
	})
}

func decodeV4UnsubAck(payload []byte) (*UnsubAck, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	return &UnsubAck{PacketID: pid}, nil
}

func encodeV4UnsubAck(buf *PacketBuffer, a *UnsubAck) []byte {
	return encodeFixedHeader(buf, byte(PacketUnsubAck), 0, func(dst []byte) []byte {
		return appendUint16(dst, a.PacketID)
	})
}
