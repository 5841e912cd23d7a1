package vrrp

import (
	"encoding/hex"
	"testing"

	"github.com/govrrpd/govrrpd/internal/addr"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	raw, err := hex.DecodeString("31f0640100640608c0a800e6")
	if err != nil {
		t.Fatal(err)
	}
	p, err := Decode(addr.V4, raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 3 || p.Type != 1 || p.VRID != 0xf0 || p.Priority != 0x64 {
		t.Fatalf("unexpected decode: %+v", p)
	}
	if len(p.Addresses) != 1 {
		t.Fatalf("expected 1 address, got %d", len(p.Addresses))
	}
	if got := p.Addresses[0].String(); got != "192.168.0.230" {
		t.Fatalf("unexpected address %s", got)
	}
	if got := hex.EncodeToString(p.Encode()); got != "31f0640100640608c0a800e6" {
		t.Fatalf("re-encoded frame differs: %s", got)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode(addr.V4, make([]byte, 7)); err == nil {
		t.Fatal("expected an error for a 7-byte packet")
	}
}

func TestDecodeExactlyEightBytesZeroAddrs(t *testing.T) {
	// B3: 8 bytes with address-count 0 must pass the length check.
	buf := make([]byte, 8)
	buf[0] = 0x31
	if _, err := Decode(addr.V4, buf); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	src := addr.MustFromString("192.168.0.220")
	dst := addr.MustFromString("224.0.0.18")

	p := &Packet{Version: 3, Type: 1, VRID: 240, Priority: 100, MaxAdvInt: 100,
		AddrFamily: addr.V4, Addresses: []addr.IPAddress{addr.MustFromString("192.168.0.230")}}
	buf := p.Encode()
	sum := Checksum(addr.V4, src, dst, buf)
	PatchChecksum(buf, sum)

	// A valid frame satisfies checksum(frame) == 0 with the checksum
	// bytes left in place (spec.md §4.2).
	if got := Checksum(addr.V4, src, dst, buf); got != 0 {
		t.Fatalf("expected zero checksum over a valid frame, got %04x", got)
	}

	decoded, err := Decode(addr.V4, buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Priority != p.Priority || decoded.VRID != p.VRID || decoded.MaxAdvInt != p.MaxAdvInt {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, p)
	}
}

func TestChecksumIPv6(t *testing.T) {
	src := addr.MustFromString("fe80::1")
	dst := addr.MustFromString("ff02::12")
	p := &Packet{Version: 3, Type: 1, VRID: 9, Priority: 200, MaxAdvInt: 40,
		AddrFamily: addr.V6, Addresses: []addr.IPAddress{addr.MustFromString("fe80::10")}}
	buf := p.Encode()
	sum := Checksum(addr.V6, src, dst, buf)
	PatchChecksum(buf, sum)
	if got := Checksum(addr.V6, src, dst, buf); got != 0 {
		t.Fatalf("expected zero checksum, got %04x", got)
	}
}
