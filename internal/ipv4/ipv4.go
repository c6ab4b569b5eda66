// Package ipv4 parses and emits IPv4 headers (RFC 791).
package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/badscrew/selfproxy-sub003/internal/checksum"
)

// Protocol numbers carried in the IPv4 header.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

const (
	// MinHeaderLen is the minimum IPv4 header length (no options), in bytes.
	MinHeaderLen = 20

	// DefaultTTL is the time-to-live stamped on emitted packets.
	DefaultTTL = 64

	// flagDF is the "don't fragment" bit of the flags+fragment-offset field.
	flagDF = 0x4000

	// flagMF is the "more fragments" bit of the flags+fragment-offset field.
	flagMF = 0x2000

	// fragOffsetMask masks out the flags bits, leaving the 13-bit offset.
	fragOffsetMask = 0x1fff
)

var (
	// ErrTooShort is returned when the buffer is shorter than a minimal IPv4 header.
	ErrTooShort = errors.New("ipv4: buffer shorter than minimal header")

	// ErrBadVersion is returned when the version nibble is not 4.
	ErrBadVersion = errors.New("ipv4: not an IPv4 packet")

	// ErrBadIHL is returned when IHL is smaller than the minimum header size in words.
	ErrBadIHL = errors.New("ipv4: IHL smaller than 5 words")

	// ErrTruncated is returned when total_length exceeds the buffer length.
	ErrTruncated = errors.New("ipv4: total_length exceeds buffer")

	// ErrChecksum is returned when the header checksum does not verify.
	ErrChecksum = errors.New("ipv4: header checksum mismatch")
)

// Header is a parsed IPv4 header. Options (if any) are not retained;
// they are skipped on parse and never emitted (spec Non-goal).
type Header struct {
	Version        uint8
	IHL            uint8 // header length in 32-bit words
	DSCPECN        uint8
	TotalLength    uint16
	Identification uint16
	FlagsFragOff   uint16
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src            [4]byte
	Dst            [4]byte
}

// MF reports whether the "more fragments" flag is set.
func (h *Header) MF() bool { return h.FlagsFragOff&flagMF != 0 }

// FragmentOffset returns the 13-bit fragment offset in 8-byte units.
func (h *Header) FragmentOffset() uint16 { return h.FlagsFragOff & fragOffsetMask }

// HeaderLen returns the header length in bytes.
func (h *Header) HeaderLen() int { return int(h.IHL) * 4 }

// Parse parses an IPv4 packet, returning the header and payload slice
// (aliasing buf). Options, if present, are skipped.
func Parse(buf []byte) (*Header, []byte, error) {
	if len(buf) < MinHeaderLen {
		return nil, nil, ErrTooShort
	}

	version := buf[0] >> 4
	if version != 4 {
		return nil, nil, ErrBadVersion
	}

	ihl := buf[0] & 0x0f
	if ihl < 5 {
		return nil, nil, ErrBadIHL
	}

	headerLen := int(ihl) * 4
	if len(buf) < headerLen {
		return nil, nil, ErrTooShort
	}

	totalLength := binary.BigEndian.Uint16(buf[2:4])
	if int(totalLength) > len(buf) || int(totalLength) < headerLen {
		return nil, nil, ErrTruncated
	}

	if !checksum.Verify(buf[:headerLen]) {
		return nil, nil, ErrChecksum
	}

	h := &Header{
		Version:        version,
		IHL:            ihl,
		DSCPECN:        buf[1],
		TotalLength:    totalLength,
		Identification: binary.BigEndian.Uint16(buf[4:6]),
		FlagsFragOff:   binary.BigEndian.Uint16(buf[6:8]),
		TTL:            buf[8],
		Protocol:       buf[9],
		Checksum:       binary.BigEndian.Uint16(buf[10:12]),
	}
	copy(h.Src[:], buf[12:16])
	copy(h.Dst[:], buf[16:20])

	payload := buf[headerLen:totalLength]
	return h, payload, nil
}

// idCounter seeds the default rolling identification value used by Emit
// when the caller passes identification 0.
var idCounter atomic.Uint32

// NextIdentification returns the next value of the process-wide rolling
// IPv4 identification counter.
func NextIdentification() uint16 {
	return uint16(idCounter.Add(1))
}

// Emit builds a 20-byte-header IPv4 packet carrying payload, with
// ttl=64, flags=DF, fragment offset=0, and a freshly computed checksum.
// If identification is 0 the rolling counter supplies one.
func Emit(src, dst [4]byte, protocol uint8, identification uint16, payload []byte) ([]byte, error) {
	totalLength := MinHeaderLen + len(payload)
	if totalLength > 0xffff {
		return nil, fmt.Errorf("ipv4: payload too large for a single datagram (%d bytes)", len(payload))
	}
	if identification == 0 {
		identification = NextIdentification()
	}

	buf := make([]byte, totalLength)
	buf[0] = (4 << 4) | 5 // version=4, IHL=5
	buf[1] = 0            // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLength))
	binary.BigEndian.PutUint16(buf[4:6], identification)
	binary.BigEndian.PutUint16(buf[6:8], flagDF)
	buf[8] = DefaultTTL
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	copy(buf[20:], payload)

	csum := checksum.Compute(buf[:MinHeaderLen])
	binary.BigEndian.PutUint16(buf[10:12], csum)

	return buf, nil
}
