package udpseg

import (
	"bytes"
	"testing"

	"github.com/badscrew/selfproxy-sub003/internal/checksum"
)

func TestEmitParseRoundTrip(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{8, 8, 8, 8}
	payload := []byte("dns query bytes")

	dgram := Emit(src, dst, 53421, 53, payload)

	h, body, err := Parse(dgram)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.SrcPort != 53421 || h.DstPort != 53 {
		t.Fatalf("port mismatch: %+v", h)
	}
	if int(h.Length) != len(dgram) {
		t.Fatalf("length mismatch: %d vs %d", h.Length, len(dgram))
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: %q", body)
	}

	pseudo := checksum.PseudoHeader(src, dst, 17, uint16(len(dgram)))
	full := append(append([]byte{}, pseudo...), dgram...)
	if !checksum.Verify(full) {
		t.Fatalf("checksum does not verify over pseudo-header + datagram")
	}
}

func TestEmitZeroChecksumBecomes0xFFFF(t *testing.T) {
	// Pseudo-header (protocol 17, length 8) sums to 0x0019 and the header
	// (src port 0xffde, length 8) to 0xffe6: 0xffff in total, so the
	// computed checksum is 0.
	src := [4]byte{0, 0, 0, 0}
	dst := [4]byte{0, 0, 0, 0}
	dgram := Emit(src, dst, 0xffde, 0, nil)
	h, _, err := Parse(dgram)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Checksum != 0xffff {
		t.Fatalf("a zero-valued computed checksum must be transmitted as 0xffff")
	}
}

func TestParseTooShort(t *testing.T) {
	if _, _, err := Parse(make([]byte, 4)); err != ErrTooShort {
		t.Fatalf("want ErrTooShort, got %v", err)
	}
}

func TestParseLengthExceedsBuffer(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[4] = 0xff
	buf[5] = 0xff
	if _, _, err := Parse(buf); err != ErrTooShort {
		t.Fatalf("want ErrTooShort, got %v", err)
	}
}

func TestParseLengthBelowHeaderMinimum(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[4] = 0
	buf[5] = 4
	if _, _, err := Parse(buf); err != ErrTooShort {
		t.Fatalf("want ErrTooShort, got %v", err)
	}
}
