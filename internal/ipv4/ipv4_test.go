package ipv4

import (
	"bytes"
	"testing"
)

func TestEmitParseRoundTrip(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{203, 0, 113, 1}
	payload := []byte("hello, router")

	buf, err := Emit(src, dst, ProtoTCP, 0x1234, payload)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	h, body, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Version != 4 || h.IHL != 5 {
		t.Fatalf("version/ihl mismatch: %+v", h)
	}
	if h.Src != src || h.Dst != dst {
		t.Fatalf("addr mismatch: %+v", h)
	}
	if h.Protocol != ProtoTCP {
		t.Fatalf("protocol mismatch: %d", h.Protocol)
	}
	if h.Identification != 0x1234 {
		t.Fatalf("identification mismatch: 0x%04x", h.Identification)
	}
	if h.TTL != DefaultTTL {
		t.Fatalf("ttl mismatch: %d", h.TTL)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: %q", body)
	}
}

func TestEmitAutoIdentification(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{10, 0, 0, 3}

	buf1, err := Emit(src, dst, ProtoUDP, 0, nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	buf2, err := Emit(src, dst, ProtoUDP, 0, nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	h1, _, _ := Parse(buf1)
	h2, _, _ := Parse(buf2)
	if h1.Identification == 0 || h2.Identification == 0 {
		t.Fatalf("expected nonzero identification")
	}
	if h1.Identification == h2.Identification {
		t.Fatalf("expected rolling identification to advance")
	}
}

func TestParseTooShort(t *testing.T) {
	if _, _, err := Parse(make([]byte, 10)); err != ErrTooShort {
		t.Fatalf("want ErrTooShort, got %v", err)
	}
}

func TestParseBadVersion(t *testing.T) {
	buf := make([]byte, MinHeaderLen)
	buf[0] = (6 << 4) | 5
	if _, _, err := Parse(buf); err != ErrBadVersion {
		t.Fatalf("want ErrBadVersion, got %v", err)
	}
}

func TestParseBadIHL(t *testing.T) {
	buf := make([]byte, MinHeaderLen)
	buf[0] = (4 << 4) | 4
	if _, _, err := Parse(buf); err != ErrBadIHL {
		t.Fatalf("want ErrBadIHL, got %v", err)
	}
}

func TestParseTruncated(t *testing.T) {
	src := [4]byte{1, 1, 1, 1}
	dst := [4]byte{2, 2, 2, 2}
	buf, err := Emit(src, dst, ProtoTCP, 1, []byte("payload"))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if _, _, err := Parse(buf[:len(buf)-1]); err != ErrTruncated {
		t.Fatalf("want ErrTruncated, got %v", err)
	}
}

func TestParseBadChecksum(t *testing.T) {
	src := [4]byte{1, 1, 1, 1}
	dst := [4]byte{2, 2, 2, 2}
	buf, err := Emit(src, dst, ProtoTCP, 1, []byte("payload"))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	buf[10] ^= 0xff
	if _, _, err := Parse(buf); err != ErrChecksum {
		t.Fatalf("want ErrChecksum, got %v", err)
	}
}

func TestEmitRejectsOversizedPayload(t *testing.T) {
	src := [4]byte{1, 1, 1, 1}
	dst := [4]byte{2, 2, 2, 2}
	if _, err := Emit(src, dst, ProtoTCP, 1, make([]byte, 0x10000)); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}
