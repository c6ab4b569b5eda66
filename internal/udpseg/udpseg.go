// Package udpseg parses and emits UDP datagrams (RFC 768).
package udpseg

import (
	"encoding/binary"
	"errors"

	"github.com/badscrew/selfproxy-sub003/internal/checksum"
)

// HeaderLen is the fixed UDP header length in bytes.
const HeaderLen = 8

// ErrTooShort is returned when the buffer is shorter than the UDP
// header requires, per the length field or the 8-byte minimum.
var ErrTooShort = errors.New("udpseg: datagram shorter than declared length")

// Header is a parsed UDP header.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Parse parses a UDP datagram from buf (the IP payload), returning the
// header and the payload slice (aliasing buf).
func Parse(buf []byte) (*Header, []byte, error) {
	if len(buf) < HeaderLen {
		return nil, nil, ErrTooShort
	}

	length := binary.BigEndian.Uint16(buf[4:6])
	if length < HeaderLen || int(length) > len(buf) {
		return nil, nil, ErrTooShort
	}

	h := &Header{
		SrcPort:  binary.BigEndian.Uint16(buf[0:2]),
		DstPort:  binary.BigEndian.Uint16(buf[2:4]),
		Length:   length,
		Checksum: binary.BigEndian.Uint16(buf[6:8]),
	}

	return h, buf[HeaderLen:length], nil
}

// Emit builds a UDP datagram carrying payload, with length and
// checksum (over pseudo-header + header + payload) filled in. Per RFC
// 768, a computed checksum of zero is transmitted as 0xffff.
func Emit(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	length := HeaderLen + len(payload)
	buf := make([]byte, length)

	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(length))
	binary.BigEndian.PutUint16(buf[6:8], 0) // checksum placeholder
	copy(buf[8:], payload)

	pseudo := checksum.PseudoHeader(srcIP, dstIP, 17, uint16(length))
	sum := checksum.SumBuffer(pseudo) + checksum.SumBuffer(buf)
	csum := ^checksum.Fold(sum)
	if csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(buf[6:8], csum)

	return buf
}
