// Package tcpseg parses and emits TCP segments (RFC 793), skipping
// options (spec Non-goal: no TCP options beyond what the header needs).
package tcpseg

import (
	"encoding/binary"
	"errors"

	"github.com/badscrew/selfproxy-sub003/internal/checksum"
)

// Flag bits within the 6-bit TCP flags field.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// MinHeaderLen is the TCP header length with no options, in bytes.
const MinHeaderLen = 20

var (
	// ErrTooShort is returned when the buffer is shorter than a minimal TCP header.
	ErrTooShort = errors.New("tcpseg: buffer shorter than minimal header")

	// ErrBadDataOffset is returned when data_offset claims more bytes than supplied.
	ErrBadDataOffset = errors.New("tcpseg: data offset exceeds buffer")
)

// Header is a parsed TCP header. Options are skipped on parse and
// never emitted.
type Header struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // header length in 32-bit words
	Flags      uint8
	Window     uint16
	Checksum   uint16
	UrgentPtr  uint16
}

// HasFlag reports whether all bits in mask are set in the flags field.
func (h *Header) HasFlag(mask uint8) bool { return h.Flags&mask == mask }

// HeaderLen returns the header length in bytes, including options.
func (h *Header) HeaderLen() int { return int(h.DataOffset) * 4 }

// Parse parses a TCP segment from buf (the IP payload), returning the
// header and the payload slice (aliasing buf, options skipped).
func Parse(buf []byte) (*Header, []byte, error) {
	if len(buf) < MinHeaderLen {
		return nil, nil, ErrTooShort
	}

	dataOffset := buf[12] >> 4
	headerLen := int(dataOffset) * 4
	if headerLen < MinHeaderLen || headerLen > len(buf) {
		return nil, nil, ErrBadDataOffset
	}

	h := &Header{
		SrcPort:    binary.BigEndian.Uint16(buf[0:2]),
		DstPort:    binary.BigEndian.Uint16(buf[2:4]),
		Seq:        binary.BigEndian.Uint32(buf[4:8]),
		Ack:        binary.BigEndian.Uint32(buf[8:12]),
		DataOffset: dataOffset,
		Flags:      buf[13] & 0x3f,
		Window:     binary.BigEndian.Uint16(buf[14:16]),
		Checksum:   binary.BigEndian.Uint16(buf[16:18]),
		UrgentPtr:  binary.BigEndian.Uint16(buf[18:20]),
	}

	return h, buf[headerLen:], nil
}

// EmitParams carries everything Emit needs beyond the caller-supplied
// payload: the header fields and the IPv4 pseudo-header addressing.
type EmitParams struct {
	SrcIP, DstIP     [4]byte
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	UrgentPtr        uint16
}

// Emit builds a 20-byte-header (no options) TCP segment carrying
// payload, with the checksum computed over the pseudo-header + header
// + payload.
func Emit(p EmitParams, payload []byte) []byte {
	segLen := MinHeaderLen + len(payload)
	buf := make([]byte, segLen)

	binary.BigEndian.PutUint16(buf[0:2], p.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], p.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Ack)
	buf[12] = 5 << 4 // data offset = 5 words, no options
	buf[13] = p.Flags & 0x3f
	binary.BigEndian.PutUint16(buf[14:16], p.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(buf[18:20], p.UrgentPtr)
	copy(buf[20:], payload)

	pseudo := checksum.PseudoHeader(p.SrcIP, p.DstIP, 6, uint16(segLen))
	sum := checksum.SumBuffer(pseudo) + checksum.SumBuffer(buf)
	csum := ^checksum.Fold(sum)
	binary.BigEndian.PutUint16(buf[16:18], csum)

	return buf
}
