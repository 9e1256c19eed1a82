package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrFormat marks any malformed payload: truncated fields, invalid UTF-8,
// out-of-range lengths, unknown tags. Framing treats it as fatal.
var ErrFormat = errors.New("malformed packet")

// Encode serializes p into a frame payload (tag byte plus fields) for the
// given direction. It validates field limits so that every successfully
// encoded packet decodes back to itself.
func Encode(dir Direction, p Packet) ([]byte, error) {
	buf := []byte{p.Tag()}

	switch v := p.(type) {
	case Handshake:
		buf = appendBytes(buf, v.ClientNonce[:])
	case ServerPubKey:
		buf = appendBytes(buf, v.PubKeyDER)
		buf = appendBytes(buf, v.ServerNonce[:])
	case EncryptionRequest:
		buf = appendBytes(buf, v.EncSessionKey)
		buf = appendBytes(buf, v.EncNonceEcho)
	case EncryptionAck, LoginAck:
		// tag only
	case Login:
		var err error
		if buf, err = appendString(buf, v.Username); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, v.Password); err != nil {
			return nil, err
		}
	case Register:
		var err error
		if buf, err = appendString(buf, v.Username); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, v.Password); err != nil {
			return nil, err
		}
	case LoginFail:
		var err error
		if buf, err = appendString(buf, v.Reason); err != nil {
			return nil, err
		}
	case Message:
		if len(v.Body) > MaxBody {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFormat, MaxBody)
		}
		var err error
		if dir == Clientbound {
			if buf, err = appendString(buf, v.Sender); err != nil {
				return nil, err
			}
		}
		if buf, err = appendString(buf, v.Body); err != nil {
			return nil, err
		}
	case ImageMessage:
		if len(v.Data) > MaxImage {
			return nil, fmt.Errorf("%w: image exceeds %d bytes", ErrFormat, MaxImage)
		}
		if dir == Clientbound {
			var err error
			if buf, err = appendString(buf, v.Sender); err != nil {
				return nil, err
			}
		}
		buf = appendBytes(buf, v.Data)
	case HistoryRequest:
		buf = binary.BigEndian.AppendUint64(buf, v.BeforeID)
		buf = binary.BigEndian.AppendUint16(buf, v.Count)
	case HistoryChunk:
		if len(v.Records) > 0xFFFF {
			return nil, fmt.Errorf("%w: too many history records", ErrFormat)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v.Records)))
		for _, r := range v.Records {
			var err error
			buf = binary.BigEndian.AppendUint64(buf, r.ID)
			if buf, err = appendString(buf, r.Sender); err != nil {
				return nil, err
			}
			buf = append(buf, r.Kind)
			buf = appendBytes(buf, r.Body)
			buf = binary.BigEndian.AppendUint64(buf, r.SentAt)
		}
	case Ping:
		buf = binary.BigEndian.AppendUint32(buf, v.Nonce)
	case Pong:
		buf = binary.BigEndian.AppendUint32(buf, v.Nonce)
	case Kick:
		var err error
		if buf, err = appendString(buf, v.Reason); err != nil {
			return nil, err
		}
	case Error:
		buf = append(buf, v.Code)
		var err error
		if buf, err = appendString(buf, v.Detail); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unencodable packet %T", ErrFormat, p)
	}

	if len(buf) > MaxFrame {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrFormat, MaxFrame)
	}
	return buf, nil
}

// Decode parses one frame payload into a packet. It never panics on
// arbitrary input: any structural problem yields an error wrapping
// ErrFormat.
func Decode(dir Direction, payload []byte) (Packet, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrFormat)
	}
	c := &cursor{b: payload[1:]}

	var p Packet
	switch tag := payload[0]; tag {
	case TagHandshake:
		var h Handshake
		nonce := c.bytesExact(NonceSize)
		copy(h.ClientNonce[:], nonce)
		p = h
	case TagServerPubKey:
		var s ServerPubKey
		s.PubKeyDER = c.bytes()
		copy(s.ServerNonce[:], c.bytesExact(NonceSize))
		p = s
	case TagEncryptionRequest:
		var e EncryptionRequest
		e.EncSessionKey = c.bytes()
		e.EncNonceEcho = c.bytes()
		p = e
	case TagEncryptionAck:
		p = EncryptionAck{}
	case TagLogin:
		p = Login{Username: c.str(), Password: c.str()}
	case TagRegister:
		p = Register{Username: c.str(), Password: c.str()}
	case TagLoginAck:
		p = LoginAck{}
	case TagLoginFail:
		p = LoginFail{Reason: c.str()}
	case TagMessage:
		var m Message
		if dir == Clientbound {
			m.Sender = c.str()
		}
		m.Body = c.str()
		if len(m.Body) > MaxBody {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFormat, MaxBody)
		}
		p = m
	case TagImageMessage:
		var m ImageMessage
		if dir == Clientbound {
			m.Sender = c.str()
		}
		m.Data = c.bytes()
		if len(m.Data) > MaxImage {
			return nil, fmt.Errorf("%w: image exceeds %d bytes", ErrFormat, MaxImage)
		}
		p = m
	case TagHistoryRequest:
		p = HistoryRequest{BeforeID: c.u64(), Count: c.u16()}
	case TagHistoryChunk:
		n := int(c.u16())
		records := make([]MessageRecord, 0, min(n, 256))
		for i := 0; i < n && c.err == nil; i++ {
			records = append(records, MessageRecord{
				ID:     c.u64(),
				Sender: c.str(),
				Kind:   c.u8(),
				Body:   c.bytes(),
				SentAt: c.u64(),
			})
		}
		p = HistoryChunk{Records: records}
	case TagPing:
		p = Ping{Nonce: c.u32()}
	case TagPong:
		p = Pong{Nonce: c.u32()}
	case TagKick:
		p = Kick{Reason: c.str()}
	case TagError:
		p = Error{Code: c.u8(), Detail: c.str()}
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrFormat, tag)
	}

	if c.err != nil {
		return nil, c.err
	}
	if len(c.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, len(c.b))
	}
	return p, nil
}

// appendString writes a u16 length prefix and UTF-8 bytes.
func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return nil, fmt.Errorf("%w: string exceeds 65535 bytes", ErrFormat)
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrFormat)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// appendBytes writes a u32 length prefix and raw bytes.
func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// cursor walks a payload with a sticky error, so decode paths stay flat and
// can never index out of range.
type cursor struct {
	b   []byte
	err error
}

func (c *cursor) fail(format string, args ...any) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
	}
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.b) {
		c.fail("truncated payload")
		return nil
	}
	out := c.b[:n]
	c.b = c.b[n:]
	return out
}

func (c *cursor) u8() uint8 {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *cursor) u16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (c *cursor) u32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (c *cursor) u64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// str reads a u16-prefixed UTF-8 string.
func (c *cursor) str() string {
	n := int(c.u16())
	b := c.take(n)
	if c.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		c.fail("string is not valid UTF-8")
		return ""
	}
	return string(b)
}

// bytes reads a u32-prefixed byte field.
func (c *cursor) bytes() []byte {
	n := c.u32()
	if c.err != nil {
		return nil
	}
	if n > MaxFrame {
		c.fail("byte field length %d out of range", n)
		return nil
	}
	b := c.take(int(n))
	if c.err != nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// bytesExact reads a u32-prefixed byte field and requires an exact length.
func (c *cursor) bytesExact(n int) []byte {
	b := c.bytes()
	if c.err != nil {
		return nil
	}
	if len(b) != n {
		c.fail("expected %d-byte field, got %d", n, len(b))
		return nil
	}
	return b
}
