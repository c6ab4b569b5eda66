package tcpseg

import (
	"bytes"
	"testing"

	"github.com/badscrew/selfproxy-sub003/internal/checksum"
)

func TestEmitParseRoundTrip(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{203, 0, 113, 1}
	payload := []byte("hello")

	p := EmitParams{
		SrcIP: src, DstIP: dst,
		SrcPort: 40000, DstPort: 80,
		Seq: 0x10000001, Ack: 0x20000006,
		Flags: FlagPSH | FlagACK, Window: 65535,
	}
	seg := Emit(p, payload)

	hdr, body, err := Parse(seg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if hdr.SrcPort != 40000 || hdr.DstPort != 80 {
		t.Fatalf("ports mismatch: %+v", hdr)
	}
	if hdr.Seq != p.Seq || hdr.Ack != p.Ack {
		t.Fatalf("seq/ack mismatch: %+v", hdr)
	}
	if !hdr.HasFlag(FlagPSH) || !hdr.HasFlag(FlagACK) || hdr.HasFlag(FlagSYN) {
		t.Fatalf("flags mismatch: 0x%02x", hdr.Flags)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: %q", body)
	}

	pseudo := checksum.PseudoHeader(src, dst, 6, uint16(len(seg)))
	full := append(append([]byte{}, pseudo...), seg...)
	if !checksum.Verify(full) {
		t.Fatalf("checksum does not verify over pseudo-header + segment")
	}
}

func TestParseTooShort(t *testing.T) {
	if _, _, err := Parse(make([]byte, 10)); err != ErrTooShort {
		t.Fatalf("want ErrTooShort, got %v", err)
	}
}

func TestParseBadDataOffset(t *testing.T) {
	buf := make([]byte, 20)
	buf[12] = 0x20 // data offset = 2 words, below minimum
	if _, _, err := Parse(buf); err != ErrBadDataOffset {
		t.Fatalf("want ErrBadDataOffset, got %v", err)
	}
}

func TestSYNFlag(t *testing.T) {
	p := EmitParams{Flags: FlagSYN}
	seg := Emit(p, nil)
	hdr, _, err := Parse(seg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !hdr.HasFlag(FlagSYN) || hdr.HasFlag(FlagACK) {
		t.Fatalf("unexpected flags: 0x%02x", hdr.Flags)
	}
}
