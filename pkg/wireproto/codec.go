package wireproto

import (
	"encoding/binary"
)

// Encode serializes msg's body (not including the [type][length] frame
// prefix). Callers that need a full frame should use EncodeFrame.
func Encode(msg Message) []byte {
	switch m := msg.(type) {
	case ClientUpdate:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint32(b[0:4], m.Number)
		binary.LittleEndian.PutUint16(b[4:6], m.PIN)
		binary.LittleEndian.PutUint16(b[6:8], m.Port)
		return b
	case AddressConfirm:
		b := make([]byte, 4)
		copy(b, m.IPAddress[:])
		return b
	case PeerQuery:
		b := make([]byte, 5)
		binary.LittleEndian.PutUint32(b[0:4], m.Number)
		b[4] = m.Version
		return b
	case PeerNotFound:
		return []byte{}
	case PeerReply:
		return encodePeerReply(m)
	case FullQuery:
		b := make([]byte, 5)
		b[0] = m.Version
		binary.LittleEndian.PutUint32(b[1:5], m.ServerPIN)
		return b
	case Login:
		b := make([]byte, 5)
		b[0] = m.Version
		binary.LittleEndian.PutUint32(b[1:5], m.ServerPIN)
		return b
	case Acknowledge:
		return []byte{}
	case EndOfList:
		return []byte{}
	case PeerSearch:
		b := make([]byte, 41)
		b[0] = m.Version
		copy(b[1:41], encodeFixedString(m.Pattern, NameFieldLength))
		return b
	case Error:
		return []byte(m.Message)
	default:
		panic("wireproto: Encode: unhandled message type")
	}
}

// EncodeFrame encodes msg together with its [type][length] header.
func EncodeFrame(msg Message) []byte {
	body := Encode(msg)
	frame := make([]byte, 2+len(body))
	frame[0] = byte(msg.Type())
	frame[1] = byte(len(body))
	copy(frame[2:], body)
	return frame
}

// Decode parses body according to msgType, returning the typed Message or a
// *ParseError. Decode is total: every (msgType, body) pair yields exactly
// one of a message or a ParseError.
func Decode(msgType Type, body []byte) (Message, error) {
	switch msgType {
	case TypeClientUpdate:
		if len(body) != 8 {
			return nil, &ParseError{msgType, "want 8 bytes"}
		}
		return ClientUpdate{
			Number: binary.LittleEndian.Uint32(body[0:4]),
			PIN:    binary.LittleEndian.Uint16(body[4:6]),
			Port:   binary.LittleEndian.Uint16(body[6:8]),
		}, nil
	case TypeAddressConfirm:
		if len(body) != 4 {
			return nil, &ParseError{msgType, "want 4 bytes"}
		}
		var m AddressConfirm
		copy(m.IPAddress[:], body)
		return m, nil
	case TypePeerQuery:
		if len(body) != 5 {
			return nil, &ParseError{msgType, "want 5 bytes"}
		}
		return PeerQuery{
			Number:  binary.LittleEndian.Uint32(body[0:4]),
			Version: body[4],
		}, nil
	case TypePeerNotFound:
		if len(body) != 0 {
			return nil, &ParseError{msgType, "want empty body"}
		}
		return PeerNotFound{}, nil
	case TypePeerReply:
		return decodePeerReply(body)
	case TypeFullQuery:
		if len(body) != 5 {
			return nil, &ParseError{msgType, "want 5 bytes"}
		}
		return FullQuery{
			Version:   body[0],
			ServerPIN: binary.LittleEndian.Uint32(body[1:5]),
		}, nil
	case TypeLogin:
		if len(body) != 5 {
			return nil, &ParseError{msgType, "want 5 bytes"}
		}
		return Login{
			Version:   body[0],
			ServerPIN: binary.LittleEndian.Uint32(body[1:5]),
		}, nil
	case TypeAcknowledge:
		if len(body) != 0 {
			return nil, &ParseError{msgType, "want empty body"}
		}
		return Acknowledge{}, nil
	case TypeEndOfList:
		if len(body) != 0 {
			return nil, &ParseError{msgType, "want empty body"}
		}
		return EndOfList{}, nil
	case TypePeerSearch:
		if len(body) != 41 {
			return nil, &ParseError{msgType, "want 41 bytes"}
		}
		return PeerSearch{
			Version: body[0],
			Pattern: decodeFixedString(body[1:41]),
		}, nil
	case TypeError:
		if len(body) > MaxBodyLength {
			return nil, &ParseError{msgType, "body too long"}
		}
		return Error{Message: string(body)}, nil
	default:
		return nil, &ParseError{msgType, "unknown message type"}
	}
}

func encodePeerReply(m PeerReply) []byte {
	b := make([]byte, 100)
	binary.LittleEndian.PutUint32(b[0:4], m.Number)
	copy(b[4:44], encodeFixedString(m.Name, NameFieldLength))
	binary.LittleEndian.PutUint16(b[44:46], m.Flags)
	b[46] = m.ClientType
	copy(b[47:87], encodeFixedString(m.Hostname, NameFieldLength))
	copy(b[87:91], m.IPAddress[:])
	binary.LittleEndian.PutUint16(b[91:93], m.Port)
	b[93] = m.Extension
	binary.LittleEndian.PutUint16(b[94:96], m.PIN)
	binary.LittleEndian.PutUint32(b[96:100], m.Timestamp)
	return b
}

func decodePeerReply(body []byte) (Message, error) {
	if len(body) != 100 {
		return nil, &ParseError{TypePeerReply, "want 100 bytes"}
	}
	var m PeerReply
	m.Number = binary.LittleEndian.Uint32(body[0:4])
	m.Name = decodeFixedString(body[4:44])
	m.Flags = binary.LittleEndian.Uint16(body[44:46])
	m.ClientType = body[46]
	m.Hostname = decodeFixedString(body[47:87])
	copy(m.IPAddress[:], body[87:91])
	m.Port = binary.LittleEndian.Uint16(body[91:93])
	m.Extension = body[93]
	m.PIN = binary.LittleEndian.Uint16(body[94:96])
	m.Timestamp = binary.LittleEndian.Uint32(body[96:100])
	return m, nil
}

// encodeFixedString encodes s into a width-byte field: UTF-8 bytes of s
// truncated to width-1 bytes, zero-padded, with the last byte always 0.
// An empty s (or one that truncates to empty) encodes as all-zero, which
// decodeFixedString treats as absent.
func encodeFixedString(s string, width int) []byte {
	b := make([]byte, width)
	n := len(s)
	if n > width-1 {
		n = width - 1
	}
	copy(b, s[:n])
	b[width-1] = 0
	return b
}

// decodeFixedString reads up to the first NUL byte or the end of field,
// whichever comes first.
func decodeFixedString(field []byte) string {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}
