package vrrp

import (
	"fmt"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// Packet is a decoded (or about-to-be-encoded) VRRPv3 advertisement, per
// the wire layout in spec.md §6:
//
//	Ver(4)|Type(4) | VRID(8) | Priority(8) | AddrCount(8)
//	rsvd(4)|MaxAdvInt(12)    | Checksum(16)
//	IPvX Address(es)
type Packet struct {
	Version     byte // always 3 for frames this daemon emits
	Type        byte // always 1 (ADVERTISEMENT)
	VRID        byte
	Priority    byte
	MaxAdvInt   uint16 // centiseconds, 12-bit field
	Checksum    uint16
	Addresses   []addr.IPAddress
	AddrFamily  addr.Family
}

// HeaderLen is the fixed part of a VRRP advertisement (spec.md §4.3 point 3).
const HeaderLen = 8

// Encode serialises the packet to wire bytes, writing p.Checksum into the
// checksum field (zero unless set); the caller computes the real checksum
// and patches it in via PatchChecksum.
func (p *Packet) Encode() []byte {
	famSize := p.AddrFamily.Size()
	buf := make([]byte, HeaderLen+famSize*len(p.Addresses))
	buf[0] = (p.Version << 4) | (p.Type & 0x0F)
	buf[1] = p.VRID
	buf[2] = p.Priority
	buf[3] = byte(len(p.Addresses))
	buf[4] = byte((p.MaxAdvInt >> 8) & 0x0F)
	buf[5] = byte(p.MaxAdvInt)
	buf[6] = byte(p.Checksum >> 8)
	buf[7] = byte(p.Checksum)
	off := HeaderLen
	for _, a := range p.Addresses {
		copy(buf[off:], a.Bytes())
		off += famSize
	}
	return buf
}

// PatchChecksum overwrites bytes 6-7 of an already-encoded buffer.
func PatchChecksum(buf []byte, sum uint16) {
	buf[6] = byte(sum >> 8)
	buf[7] = byte(sum)
}

// Decode parses raw VRRP advertisement bytes for the given family. It
// performs only the structural checks spelled out in spec.md §4.3 steps
// 3 and 9 (minimum length, address-count consistency); version/type/VRID
// validation happens in the caller (socket.go), since those drive
// per-service error counters rather than being codec-level failures.
func Decode(fam addr.Family, octets []byte) (*Packet, error) {
	if len(octets) < HeaderLen {
		return nil, fmt.Errorf("vrrp: packet length %d below minimum %d", len(octets), HeaderLen)
	}
	p := &Packet{AddrFamily: fam}
	p.Version = octets[0] >> 4
	p.Type = octets[0] & 0x0F
	p.VRID = octets[1]
	p.Priority = octets[2]
	count := int(octets[3])
	p.MaxAdvInt = uint16(octets[4]&0x0F)<<8 | uint16(octets[5])
	p.Checksum = uint16(octets[6])<<8 | uint16(octets[7])

	famSize := fam.Size()
	if famSize == 0 {
		return nil, fmt.Errorf("vrrp: unsupported address family %v", fam)
	}
	need := HeaderLen + count*famSize
	if len(octets) < need {
		return nil, fmt.Errorf("vrrp: address count %d needs %d bytes, have %d", count, need, len(octets))
	}
	p.Addresses = make([]addr.IPAddress, 0, count)
	off := HeaderLen
	for i := 0; i < count; i++ {
		a, err := addrFromWire(fam, octets[off:off+famSize])
		if err != nil {
			return nil, err
		}
		p.Addresses = append(p.Addresses, a)
		off += famSize
	}
	return p, nil
}

func addrFromWire(fam addr.Family, b []byte) (addr.IPAddress, error) {
	// net.IP and addr.FromNetIP both happily accept a raw 4- or 16-byte
	// slice; we go through net.IP to reuse that validation.
	return addr.FromNetIP(append([]byte(nil), b...))
}

// Size returns the encoded length of the packet.
func (p *Packet) Size() int {
	return HeaderLen + p.AddrFamily.Size()*len(p.Addresses)
}
