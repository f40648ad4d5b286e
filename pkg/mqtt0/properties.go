package mqtt0

// MQTT 5.0 property identifiers (v5.0 §2.2.2.2).
const (
	propPayloadFormat        byte = 0x01
	propMessageExpiry        byte = 0x02
	propContentType          byte = 0x03
	propResponseTopic        byte = 0x08
	propCorrelationData      byte = 0x09
	propSubscriptionID       byte = 0x0B
	propSessionExpiry        byte = 0x11
	propAssignedClientID     byte = 0x12
	propServerKeepAlive      byte = 0x13
	propAuthMethod           byte = 0x15
	propAuthData             byte = 0x16
	propRequestProblemInfo   byte = 0x17
	propWillDelayInterval    byte = 0x18
	propRequestResponseInfo  byte = 0x19
	propResponseInfo         byte = 0x1A
	propServerReference      byte = 0x1C
	propReasonString         byte = 0x1F
	propReceiveMaximum       byte = 0x21
	propTopicAliasMaximum    byte = 0x22
	propTopicAlias           byte = 0x23
	propMaximumQoS           byte = 0x24
	propRetainAvailable      byte = 0x25
	propUserProperty         byte = 0x26
	propMaximumPacketSize    byte = 0x27
	propWildcardSubAvailable byte = 0x28
	propSubIDAvailable       byte = 0x29
	propSharedSubAvailable   byte = 0x2A
)

// maxUserProperties bounds how many user properties a packet may carry;
// beyond this, further properties are silently dropped during decode.
const maxUserProperties = 8

// UserProperty is an MQTT 5.0 name-value user property.
type UserProperty struct {
	Key   []byte
	Value []byte
}

// Properties holds the optional MQTT 5.0 property set shared, in whole or
// in part, by CONNECT, CONNACK, PUBLISH, SUBSCRIBE, SUBACK, UNSUBACK,
// DISCONNECT and AUTH. Every field is a pointer, or nil slice, so that an
// absent property decodes to nil/unset rather than a false zero value.
// Byte-slice fields alias the packet's decode buffer.
type Properties struct {
	PayloadFormat        *byte
	MessageExpiry        *uint32
	ContentType          []byte
	ResponseTopic        []byte
	CorrelationData      []byte
	SubscriptionID       *uint32
	SessionExpiry        *uint32
	AssignedClientID     []byte
	ServerKeepAlive      *uint16
	AuthMethod           []byte
	AuthData             []byte
	RequestProblemInfo   *bool
	WillDelayInterval    *uint32
	RequestResponseInfo  *bool
	ResponseInfo         []byte
	ServerReference      []byte
	ReasonString         []byte
	ReceiveMaximum       *uint16
	TopicAliasMaximum    *uint16
	TopicAlias           *uint16
	MaximumQoS           *byte
	RetainAvailable      *bool
	MaximumPacketSize    *uint32
	WildcardSubAvailable *bool
	SubIDAvailable       *bool
	SharedSubAvailable   *bool
	UserProperties       []UserProperty
}

func boolPtr(v byte) *bool {
	b := v != 0
	return &b
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// encodedBodyLen returns the byte length of the properties block body,
// excluding its variable-length-integer length prefix.
func (p *Properties) encodedBodyLen() int {
	if p == nil {
		return 0
	}
	n := 0
	if p.PayloadFormat != nil {
		n += 2
	}
	if p.MessageExpiry != nil {
		n += 5
	}
	if p.ContentType != nil {
		n += 3 + len(p.ContentType)
	}
	if p.ResponseTopic != nil {
		n += 3 + len(p.ResponseTopic)
	}
	if p.CorrelationData != nil {
		n += 3 + len(p.CorrelationData)
	}
	if p.SubscriptionID != nil {
		n += 1 + varIntSize(int(*p.SubscriptionID))
	}
	if p.SessionExpiry != nil {
		n += 5
	}
	if p.AssignedClientID != nil {
		n += 3 + len(p.AssignedClientID)
	}
	if p.ServerKeepAlive != nil {
		n += 3
	}
	if p.AuthMethod != nil {
		n += 3 + len(p.AuthMethod)
	}
	if p.AuthData != nil {
		n += 3 + len(p.AuthData)
	}
	if p.RequestProblemInfo != nil {
		n += 2
	}
	if p.WillDelayInterval != nil {
		n += 5
	}
	if p.RequestResponseInfo != nil {
		n += 2
	}
	if p.ResponseInfo != nil {
		n += 3 + len(p.ResponseInfo)
	}
	if p.ServerReference != nil {
		n += 3 + len(p.ServerReference)
	}
	if p.ReasonString != nil {
		n += 3 + len(p.ReasonString)
	}
	if p.ReceiveMaximum != nil {
		n += 3
	}
	if p.TopicAliasMaximum != nil {
		n += 3
	}
	if p.TopicAlias != nil {
		n += 3
	}
	if p.MaximumQoS != nil {
		n += 2
	}
	if p.RetainAvailable != nil {
		n += 2
	}
	if p.MaximumPacketSize != nil {
		n += 5
	}
	if p.WildcardSubAvailable != nil {
		n += 2
	}
	if p.SubIDAvailable != nil {
		n += 2
	}
	if p.SharedSubAvailable != nil {
		n += 2
	}
	for _, up := range p.UserProperties {
		n += 5 + len(up.Key) + len(up.Value)
	}
	return n
}

// appendProperties appends the encoded properties block (length prefix
// followed by each present property) to dst.
func appendProperties(dst []byte, p *Properties) []byte {
	body := p.encodedBodyLen()
	dst = appendVarInt(dst, body)
	if p == nil {
		return dst
	}
	if p.PayloadFormat != nil {
		dst = append(dst, propPayloadFormat, *p.PayloadFormat)
	}
	if p.MessageExpiry != nil {
		dst = append(dst, propMessageExpiry)
		dst = appendUint32(dst, *p.MessageExpiry)
	}
	if p.ContentType != nil {
		dst = append(dst, propContentType)
		dst = appendString(dst, p.ContentType)
	}
	if p.ResponseTopic != nil {
		dst = append(dst, propResponseTopic)
		dst = appendString(dst, p.ResponseTopic)
	}
	if p.CorrelationData != nil {
		dst = append(dst, propCorrelationData)
		dst = appendString(dst, p.CorrelationData)
	}
	if p.SubscriptionID != nil {
		dst = append(dst, propSubscriptionID)
		dst = appendVarInt(dst, int(*p.SubscriptionID))
	}
	if p.SessionExpiry != nil {
		dst = append(dst, propSessionExpiry)
		dst = appendUint32(dst, *p.SessionExpiry)
	}
	if p.AssignedClientID != nil {
		dst = append(dst, propAssignedClientID)
		dst = appendString(dst, p.AssignedClientID)
	}
	if p.ServerKeepAlive != nil {
		dst = append(dst, propServerKeepAlive)
		dst = appendUint16(dst, *p.ServerKeepAlive)
	}
	if p.AuthMethod != nil {
		dst = append(dst, propAuthMethod)
		dst = appendString(dst, p.AuthMethod)
	}
	if p.AuthData != nil {
		dst = append(dst, propAuthData)
		dst = appendString(dst, p.AuthData)
	}
	if p.RequestProblemInfo != nil {
		dst = append(dst, propRequestProblemInfo, boolByte(*p.RequestProblemInfo))
	}
	if p.WillDelayInterval != nil {
		dst = append(dst, propWillDelayInterval)
		dst = appendUint32(dst, *p.WillDelayInterval)
	}
	if p.RequestResponseInfo != nil {
		dst = append(dst, propRequestResponseInfo, boolByte(*p.RequestResponseInfo))
	}
	if p.ResponseInfo != nil {
		dst = append(dst, propResponseInfo)
		dst = appendString(dst, p.ResponseInfo)
	}
	if p.ServerReference != nil {
		dst = append(dst, propServerReference)
		dst = appendString(dst, p.ServerReference)
	}
	if p.ReasonString != nil {
		dst = append(dst, propReasonString)
		dst = appendString(dst, p.ReasonString)
	}
	if p.ReceiveMaximum != nil {
		dst = append(dst, propReceiveMaximum)
		dst = appendUint16(dst, *p.ReceiveMaximum)
	}
	if p.TopicAliasMaximum != nil {
		dst = append(dst, propTopicAliasMaximum)
		dst = appendUint16(dst, *p.TopicAliasMaximum)
	}
	if p.TopicAlias != nil {
		dst = append(dst, propTopicAlias)
		dst = appendUint16(dst, *p.TopicAlias)
	}
	if p.MaximumQoS != nil {
		dst = append(dst, propMaximumQoS, *p.MaximumQoS)
	}
	if p.RetainAvailable != nil {
		dst = append(dst, propRetainAvailable, boolByte(*p.RetainAvailable))
	}
	if p.MaximumPacketSize != nil {
		dst = append(dst, propMaximumPacketSize)
		dst = appendUint32(dst, *p.MaximumPacketSize)
	}
	if p.WildcardSubAvailable != nil {
		dst = append(dst, propWildcardSubAvailable, boolByte(*p.WildcardSubAvailable))
	}
	if p.SubIDAvailable != nil {
		dst = append(dst, propSubIDAvailable, boolByte(*p.SubIDAvailable))
	}
	if p.SharedSubAvailable != nil {
		dst = append(dst, propSharedSubAvailable, boolByte(*p.SharedSubAvailable))
	}
	for _, up := range p.UserProperties {
		dst = append(dst, propUserProperty)
		dst = appendString(dst, up.Key)
		dst = appendString(dst, up.Value)
	}
	return dst
}

// decodeProperties reads a properties block (length prefix then that many
// bytes of properties) from d, returning a Properties that aliases d's
// backing buffer. Beyond maxUserProperties user properties are dropped.
func decodeProperties(d *decoder) (*Properties, error) {
	length, err := d.varInt()
	if err != nil {
		return nil, err
	}
	body, err := d.take(length)
	if err != nil {
		return nil, err
	}
	sub := newDecoder(body)
	p := &Properties{}
	for sub.remaining() > 0 {
		id, err := sub.byte()
		if err != nil {
			return nil, err
		}
		switch id {
		case propPayloadFormat:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.PayloadFormat = &v
		case propMessageExpiry:
			v, err := sub.uint32()
			if err != nil {
				return nil, err
			}
			p.MessageExpiry = &v
		case propContentType:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.ContentType = v
		case propResponseTopic:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.ResponseTopic = v
		case propCorrelationData:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.CorrelationData = v
		case propSubscriptionID:
			v, err := sub.varInt()
			if err != nil {
				return nil, err
			}
			u := uint32(v)
			p.SubscriptionID = &u
		case propSessionExpiry:
			v, err := sub.uint32()
			if err != nil {
				return nil, err
			}
			p.SessionExpiry = &v
		case propAssignedClientID:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.AssignedClientID = v
		case propServerKeepAlive:
			v, err := sub.uint16()
			if err != nil {
				return nil, err
			}
			p.ServerKeepAlive = &v
		case propAuthMethod:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.AuthMethod = v
		case propAuthData:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.AuthData = v
		case propRequestProblemInfo:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.RequestProblemInfo = boolPtr(v)
		case propWillDelayInterval:
			v, err := sub.uint32()
			if err != nil {
				return nil, err
			}
			p.WillDelayInterval = &v
		case propRequestResponseInfo:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.RequestResponseInfo = boolPtr(v)
		case propResponseInfo:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.ResponseInfo = v
		case propServerReference:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.ServerReference = v
		case propReasonString:
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			p.ReasonString = v
		case propReceiveMaximum:
			v, err := sub.uint16()
			if err != nil {
				return nil, err
			}
			p.ReceiveMaximum = &v
		case propTopicAliasMaximum:
			v, err := sub.uint16()
			if err != nil {
				return nil, err
			}
			p.TopicAliasMaximum = &v
		case propTopicAlias:
			v, err := sub.uint16()
			if err != nil {
				return nil, err
			}
			p.TopicAlias = &v
		case propMaximumQoS:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.MaximumQoS = &v
		case propRetainAvailable:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.RetainAvailable = boolPtr(v)
		case propMaximumPacketSize:
			v, err := sub.uint32()
			if err != nil {
				return nil, err
			}
			p.MaximumPacketSize = &v
		case propWildcardSubAvailable:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.WildcardSubAvailable = boolPtr(v)
		case propSubIDAvailable:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.SubIDAvailable = boolPtr(v)
		case propSharedSubAvailable:
			v, err := sub.byte()
			if err != nil {
				return nil, err
			}
			p.SharedSubAvailable = boolPtr(v)
		case propUserProperty:
			k, err := sub.str()
			if err != nil {
				return nil, err
			}
			v, err := sub.str()
			if err != nil {
				return nil, err
			}
			if len(p.UserProperties) < maxUserProperties {
				p.UserProperties = append(p.UserProperties, UserProperty{Key: k, Value: v})
			}
		default:
			// An id outside the known table means the packet is malformed,
			// not that the peer broke the protocol state machine.
			return nil, ErrInvalidPacket
		}
	}
	return p, nil
}
