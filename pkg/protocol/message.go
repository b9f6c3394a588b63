// Package protocol defines the overlay wire format.
//
// Every frame is a fixed 25-byte header followed by PayloadSize bytes of
// opaque payload. All integers are big-endian with no padding:
//
//	Version     [1 byte]
//	Type        [2 bytes]
//	Src         [8 bytes]
//	Dst         [8 bytes]
//	PayloadSize [4 bytes]
//	TTL         [2 bytes]
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the only protocol version currently spoken.
	Version uint8 = 1

	// HeaderSize is the encoded size of Header.
	HeaderSize = 1 + 2 + 8 + 8 + 4 + 2

	// DefaultMaxFrameSize caps PayloadSize when no other limit is configured.
	DefaultMaxFrameSize uint32 = 1024 * 1024 // 1MB
)

// MessageType identifies the kind of payload a frame carries.
type MessageType uint16

const (
	Data MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case Data:
		return "data"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

var (
	// ErrMalformedHeader is returned when fewer than HeaderSize bytes are available.
	ErrMalformedHeader = errors.New("malformed message header")

	// ErrFrameTooLarge is returned when a header announces a payload above the configured cap.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrPayloadSize is returned when the payload length disagrees with the header.
	ErrPayloadSize = errors.New("payload length does not match header")
)

// Header is the fixed-size frame header.
type Header struct {
	Version     uint8
	Type        MessageType
	Src         uint64
	Dst         uint64
	PayloadSize uint32
	TTL         uint16
}

// Message is a header plus a payload of exactly Header.PayloadSize bytes.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a Message with the header's PayloadSize already set.
func NewMessage(typ MessageType, src, dst uint64, ttl uint16, payload []byte) *Message {
	return &Message{
		Header: Header{
			Version:     Version,
			Type:        typ,
			Src:         src,
			Dst:         dst,
			PayloadSize: uint32(len(payload)),
			TTL:         ttl,
		},
		Payload: payload,
	}
}

func (h Header) String() string {
	return fmt.Sprintf("Header{v%d %s %d->%d size=%d ttl=%d}",
		h.Version, h.Type, h.Src, h.Dst, h.PayloadSize, h.TTL)
}

// CheckSize rejects headers announcing more than max payload bytes.
func (h Header) CheckSize(max uint32) error {
	if h.PayloadSize > max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.PayloadSize, max)
	}
	return nil
}

func (h Header) put(buf []byte) {
	buf[0] = h.Version
	binary.BigEndian.PutUint16(buf[1:3], uint16(h.Type))
	binary.BigEndian.PutUint64(buf[3:11], h.Src)
	binary.BigEndian.PutUint64(buf[11:19], h.Dst)
	binary.BigEndian.PutUint32(buf[19:23], h.PayloadSize)
	binary.BigEndian.PutUint16(buf[23:25], h.TTL)
}

// Encode returns the header followed by payload. PayloadSize is taken
// from len(payload), whatever the caller put in h.
func Encode(h Header, payload []byte) []byte {
	h.PayloadSize = uint32(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	h.put(buf)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Encode serializes m into a single frame.
func (m *Message) Encode() []byte {
	return Encode(m.Header, m.Payload)
}

// DecodeHeader parses the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d of %d bytes", ErrMalformedHeader, len(buf), HeaderSize)
	}
	return Header{
		Version:     buf[0],
		Type:        MessageType(binary.BigEndian.Uint16(buf[1:3])),
		Src:         binary.BigEndian.Uint64(buf[3:11]),
		Dst:         binary.BigEndian.Uint64(buf[11:19]),
		PayloadSize: binary.BigEndian.Uint32(buf[19:23]),
		TTL:         binary.BigEndian.Uint16(buf[23:25]),
	}, nil
}

// DecodeBody validates buf as the payload belonging to h. The header is
// not trusted: sizes above max fail with ErrFrameTooLarge.
func DecodeBody(h Header, buf []byte, max uint32) ([]byte, error) {
	if err := h.CheckSize(max); err != nil {
		return nil, err
	}
	if uint64(len(buf)) != uint64(h.PayloadSize) {
		return nil, fmt.Errorf("%w: got %d, header says %d", ErrPayloadSize, len(buf), h.PayloadSize)
	}
	return buf, nil
}

// Decode parses one complete frame.
func Decode(buf []byte, max uint32) (*Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	payload, err := DecodeBody(h, buf[HeaderSize:], max)
	if err != nil {
		return nil, err
	}
	return &Message{Header: h, Payload: payload}, nil
}
