package mqtt0

// decodeV5 decodes a packet payload (the fixed header already consumed) as
// MQTT 5.0.
func decodeV5(packetType PacketType, flags byte, payload []byte) (Packet, error) {
	switch packetType {
	case PacketConnect:
		return decodeV5Connect(payload)
	case PacketConnAck:
		return decodeV5ConnAck(payload)
	case PacketPublish:
		return decodeV5Publish(flags, payload)
	case PacketSubscribe:
		if flags != 0x02 {
			return nil, &ProtocolError{Message: "bad SUBSCRIBE flags"}
		}
		return decodeV5Subscribe(payload)
	case PacketSubAck:
		return decodeV5SubAck(payload)
	case PacketUnsubscribe:
		if flags != 0x02 {
			return nil, &ProtocolError{Message: "bad UNSUBSCRIBE flags"}
		}
		return decodeV5Unsubscribe(payload)
	case PacketUnsubAck:
		return decodeV5UnsubAck(payload)
	case PacketPingReq:
		return PingReq{}, nil
	case PacketPingResp:
		return PingResp{}, nil
	case PacketDisconnect:
		return decodeV5Disconnect(payload)
	case PacketAuth:
		return decodeV5Auth(payload)
	default:
		return nil, ErrUnknownPacketType
	}
}

// encodeV5 encodes p as MQTT 5.0 into buf.
func encodeV5(buf *PacketBuffer, p Packet) ([]byte, error) {
	switch v := p.(type) {
	case *Connect:
		return encodeV5Connect(buf, v), nil
	case *ConnAck:
		return encodeV5ConnAck(buf, v), nil
	case *Publish:
		return encodeV5Publish(buf, v), nil
	case *Subscribe:
		return encodeV5Subscribe(buf, v), nil
	case *SubAck:
		return encodeV5SubAck(buf, v), nil
	case *Unsubscribe:
		return encodeV5Unsubscribe(buf, v), nil
	case *UnsubAck:
		return encodeV5UnsubAck(buf, v), nil
	case PingReq:
		return encodeFixedHeader(buf, byte(PacketPingReq), 0, func(dst []byte) []byte { return dst }), nil
	case PingResp:
		return encodeFixedHeader(buf, byte(PacketPingResp), 0, func(dst []byte) []byte { return dst }), nil
	case *Disconnect:
		return encodeV5Disconnect(buf, v), nil
	case *Auth:
		return encodeV5Auth(buf, v), nil
	default:
		return nil, ErrUnknownPacketType
	}
}

func decodeV5Connect(payload []byte) (*Connect, error) {
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
	props, err := decodeProperties(d)
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
		Properties:      props,
	}
	clientID, err := d.str()
	if err != nil {
		return nil, err
	}
	c.ClientID = clientID
	if c.WillFlag {
		willProps, err := decodeProperties(d)
		if err != nil {
			return nil, err
		}
		c.WillProperties = willProps
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

func encodeV5Connect(buf *PacketBuffer, c *Connect) []byte {
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
		dst = append(dst, byte(ProtocolV5), flags)
		dst = appendUint16(dst, c.KeepAlive)
		dst = appendProperties(dst, c.Properties)
		dst = appendString(dst, c.ClientID)
		if c.WillFlag {
			dst = appendProperties(dst, c.WillProperties)
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

func decodeV5ConnAck(payload []byte) (*ConnAck, error) {
	d := newDecoder(payload)
	ackFlags, err := d.byte()
	if err != nil {
		return nil, err
	}
	code, err := d.byte()
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(d)
	if err != nil {
		return nil, err
	}
	return &ConnAck{
		SessionPresent: ackFlags&0x01 != 0,
		ReasonCode:     ReasonCode(code),
		Properties:     props,
	}, nil
}

func encodeV5ConnAck(buf *PacketBuffer, a *ConnAck) []byte {
	return encodeFixedHeader(buf, byte(PacketConnAck), 0, func(dst []byte) []byte {
		var ackFlags byte
		if a.SessionPresent {
			ackFlags = 0x01
		}
		dst = append(dst, ackFlags, byte(a.ReasonCode))
		return appendProperties(dst, a.Properties)
	})
}

func decodeV5Publish(flags byte, payload []byte) (*Publish, error) {
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
	props, err := decodeProperties(d)
	if err != nil {
		return nil, err
	}
	p.Properties = props
	p.Payload = d.rest()
	return p, nil
}

func encodeV5Publish(buf *PacketBuffer, p *Publish) []byte {
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
		dst = appendProperties(dst, p.Properties)
		return append(dst, p.Payload...)
	})
}

func decodeV5Subscribe(payload []byte) (*Subscribe, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(d)
	if err != nil {
		return nil, err
	}
	s := &Subscribe{PacketID: pid, Properties: props}
	for d.remaining() > 0 {
		topic, err := d.str()
		if err != nil {
			return nil, err
		}
		opts, err := d.byte()
		if err != nil {
			return nil, err
		}
		s.Filters = append(s.Filters, SubscribeFilter{Topic: topic, QoS: QoS(opts & 0x03)})
	}
	return s, nil
}

func encodeV5Subscribe(buf *PacketBuffer, s *Subscribe) []byte {
	return encodeFixedHeader(buf, byte(PacketSubscribe), 0x02, func(dst []byte) []byte {
		dst = appendUint16(dst, s.PacketID)
		dst = appendProperties(dst, s.Properties)
		for _, f := range s.Filters {
			dst = appendString(dst, f.Topic)
			dst = append(dst, byte(f.QoS))
		}
		return dst
	})
}

func decodeV5SubAck(payload []byte) (*SubAck, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(d)
	if err != nil {
		return nil, err
	}
	return &SubAck{PacketID: pid, Properties: props, ReasonCodes: d.rest()}, nil
}

func encodeV5SubAck(buf *PacketBuffer, a *SubAck) []byte {
	return encodeFixedHeader(buf, byte(PacketSubAck), 0, func(dst []byte) []byte {
		dst = appendUint16(dst, a.PacketID)
		dst = appendProperties(dst, a.Properties)
		return append(dst, a.ReasonCodes...)
	})
}

func decodeV5Unsubscribe(payload []byte) (*Unsubscribe, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(d)
	if err != nil {
		return nil, err
	}
	u := &Unsubscribe{PacketID: pid, Properties: props}
	for d.remaining() > 0 {
		topic, err := d.str()
		if err != nil {
			return nil, err
		}
		u.Filters = append(u.Filters, topic)
	}
	return u, nil
}

func encodeV5Unsubscribe(buf *PacketBuffer, u *Unsubscribe) []byte {
	return encodeFixedHeader(buf, byte(PacketUnsubscribe), 0x02, func(dst []byte) []byte {
		dst = appendUint16(dst, u.PacketID)
		dst = appendProperties(dst, u.Properties)
		for _, f := range u.Filters {
			dst = appendString(dst, f)
		}
		return dst
	})
}

func decodeV5UnsubAck(payload []byte) (*UnsubAck, error) {
	d := newDecoder(payload)
	pid, err := d.uint16()
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(d)
	if err != nil {
		return nil, err
	}
	return &UnsubAck{PacketID: pid, Properties: props, ReasonCodes: d.rest()}, nil
}

func encodeV5UnsubAck(buf *PacketBuffer, a *UnsubAck) []byte {
	return encodeFixedHeader(buf, byte(PacketUnsubAck), 0, func(dst []byte) []byte {
		dst = appendUint16(dst, a.PacketID)
		dst = appendProperties(dst, a.Properties)
		return append(dst, a.ReasonCodes...)
	})
}

// decodeV5Disconnect and decodeV5Auth accept the MQTT 5.0 short form: a
// zero-length payload means ReasonSuccess and no properties, per §3.14.2.1
// and §3.15.2.1 ("If the Remaining Length is less than 1 the value of
// Reason Code is 0").
func decodeV5Disconnect(payload []byte) (*Disconnect, error) {
	if len(payload) == 0 {
		return &Disconnect{ReasonCode: ReasonSuccess}, nil
	}
	d := newDecoder(payload)
	code, err := d.byte()
	if err != nil {
		return nil, err
	}
	disc := &Disconnect{ReasonCode: ReasonCode(code)}
	if d.remaining() > 0 {
		props, err := decodeProperties(d)
		if err != nil {
			return nil, err
		}
		disc.Properties = props
	}
	return disc, nil
}

func encodeV5Disconnect(buf *PacketBuffer, disc *Disconnect) []byte {
	return encodeFixedHeader(buf, byte(PacketDisconnect), 0, func(dst []byte) []byte {
		// Normal disconnection with no properties gets the short form.
		if disc.ReasonCode == ReasonSuccess && disc.Properties == nil {
			return dst
		}
		dst = append(dst, byte(disc.ReasonCode))
		return appendProperties(dst, disc.Properties)
	})
}

func decodeV5Auth(payload []byte) (*Auth, error) {
	if len(payload) == 0 {
		return &Auth{ReasonCode: ReasonSuccess}, nil
	}
	d := newDecoder(payload)
	code, err := d.byte()
	if err != nil {
		return nil, err
	}
	a := &Auth{ReasonCode: ReasonCode(code)}
	if d.remaining() > 0 {
		props, err := decodeProperties(d)
		if err != nil {
			return nil, err
		}
		a.Properties = props
	}
	return a, nil
}

func encodeV5Auth(buf *PacketBuffer, a *Auth) []byte {
	return encodeFixedHeader(buf, byte(PacketAuth), 0, func(dst []byte) []byte {
		dst = append(dst, byte(a.ReasonCode))
		return appendProperties(dst, a.Properties)
	})
}
