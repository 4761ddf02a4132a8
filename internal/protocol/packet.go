package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrInvalidPacket is returned when a packet is malformed.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrPacketTooLarge is returned when a declared body length exceeds
	// the maximum message size.
	ErrPacketTooLarge = errors.New("packet body exceeds maximum size")
)

// Packet is one SKDP datagram.
// Header format (21 bytes, little-endian):
//
//	Flag     [1 byte]  - Packet type
//	MsgLen   [4 bytes] - Body length in bytes
//	Sequence [8 bytes] - Monotonic sequence; u64 max is the terminator
//	UTCTime  [8 bytes] - Seconds since the Unix epoch at send time
//
// The body is owned by the packet; headers used as AEAD associated data
// are re-serialized from these fields, never aliased from a transport
// buffer.
type Packet struct {
	Flag     Flag
	MsgLen   uint32
	Sequence uint64
	UTCTime  uint64
	Message  []byte
}

// MarshalHeader serializes the 21-byte header.
func (p *Packet) MarshalHeader() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(p.Flag)
	binary.LittleEndian.PutUint32(buf[1:5], p.MsgLen)
	binary.LittleEndian.PutUint64(buf[5:13], p.Sequence)
	binary.LittleEndian.PutUint64(buf[13:21], p.UTCTime)
	return buf
}

// UnmarshalHeader parses a 21-byte header into p, leaving Message nil.
func (p *Packet) UnmarshalHeader(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header too short", ErrInvalidPacket)
	}
	p.Flag = Flag(buf[0])
	p.MsgLen = binary.LittleEndian.Uint32(buf[1:5])
	p.Sequence = binary.LittleEndian.Uint64(buf[5:13])
	p.UTCTime = binary.LittleEndian.Uint64(buf[13:21])
	return nil
}

// Encode serializes the full packet. The declared MsgLen must match the
// attached body.
func (p *Packet) Encode() ([]byte, error) {
	if int(p.MsgLen) != len(p.Message) {
		return nil, fmt.Errorf("%w: declared length %d, body %d", ErrInvalidPacket, p.MsgLen, len(p.Message))
	}
	buf := make([]byte, HeaderSize+len(p.Message))
	copy(buf, p.MarshalHeader())
	copy(buf[HeaderSize:], p.Message)
	return buf, nil
}

// Decode deserializes a full packet, rejecting a header whose declared
// length does not match the bytes available.
func Decode(buf []byte) (*Packet, error) {
	p := &Packet{}
	if err := p.UnmarshalHeader(buf); err != nil {
		return nil, err
	}
	if p.MsgLen > MaxMessageSize+MACTagSize {
		return nil, ErrPacketTooLarge
	}
	if len(buf)-HeaderSize != int(p.MsgLen) {
		return nil, fmt.Errorf("%w: declared length %d, available %d", ErrInvalidPacket, p.MsgLen, len(buf)-HeaderSize)
	}
	p.Message = make([]byte, p.MsgLen)
	copy(p.Message, buf[HeaderSize:])
	return p, nil
}

// SetUTCTime stamps the packet with the current UTC second.
func (p *Packet) SetUTCTime() {
	p.UTCTime = uint64(time.Now().UTC().Unix())
}

// TimeValid reports whether the packet's timestamp falls within the
// validity window of now. Flags outside the enforcement set are always
// valid; their timestamp may legitimately be zero.
func (p *Packet) TimeValid(now uint64) bool {
	if !p.Flag.enforcesWindow() {
		return true
	}
	var delta uint64
	if now > p.UTCTime {
		delta = now - p.UTCTime
	} else {
		delta = p.UTCTime - now
	}
	return delta <= ValidityWindowSeconds
}

// String returns a debug representation of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Flag=%s, MsgLen=%d, Sequence=%d, UTCTime=%d}",
		p.Flag, p.MsgLen, p.Sequence, p.UTCTime)
}

// ============================================================================
// Packet Reader/Writer
// ============================================================================

// PacketReader reads framed packets from an io.Reader.
type PacketReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewPacketReader creates a new PacketReader.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: r}
}

// Read reads the next packet, header then exactly MsgLen body bytes.
func (pr *PacketReader) Read() (*Packet, error) {
	if _, err := io.ReadFull(pr.r, pr.header[:]); err != nil {
		return nil, err
	}

	p := &Packet{}
	if err := p.UnmarshalHeader(pr.header[:]); err != nil {
		return nil, err
	}
	if p.MsgLen > MaxMessageSize+MACTagSize {
		return nil, ErrPacketTooLarge
	}

	p.Message = make([]byte, p.MsgLen)
	if p.MsgLen > 0 {
		if _, err := io.ReadFull(pr.r, p.Message); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// PacketWriter writes framed packets to an io.Writer.
type PacketWriter struct {
	w io.Writer
}

// NewPacketWriter creates a new PacketWriter.
func NewPacketWriter(w io.Writer) *PacketWriter {
	return &PacketWriter{w: w}
}

// Write writes a packet as one contiguous buffer.
func (pw *PacketWriter) Write(p *Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = pw.w.Write(data)
	return err
}

// ============================================================================
// Control payloads
// ============================================================================

// KeepAlive is the payload of keepalive_request and keepalive_response
// packets: the sender's epoch time, echoed verbatim by the responder.
type KeepAlive struct {
	Timestamp uint64
}

// Encode serializes KeepAlive to bytes.
func (k *KeepAlive) Encode() []byte {
	buf := make([]byte, KeepAliveMessageSize)
	binary.LittleEndian.PutUint64(buf, k.Timestamp)
	return buf
}

// DecodeKeepAlive deserializes KeepAlive from bytes.
func DecodeKeepAlive(buf []byte) (*KeepAlive, error) {
	if len(buf) < KeepAliveMessageSize {
		return nil, fmt.Errorf("%w: keepalive too short", ErrInvalidPacket)
	}
	return &KeepAlive{
		Timestamp: binary.LittleEndian.Uint64(buf),
	}, nil
}
