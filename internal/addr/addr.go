// Package addr implements the address value types shared across the
// daemon: a family-tagged IP address and an address/prefix-length subnet,
// both ordered and usable as map keys.
package addr

import (
	"fmt"
	"net"
	"net/netip"
)

// Family identifies an address family. It mirrors the wire encoding used
// by the configuration file format (spec.md §6: u32 family 4 or 6).
type Family uint32

const (
	V4 Family = 4
	V6 Family = 6
)

func (f Family) String() string {
	switch f {
	case V4:
		return "IPv4"
	case V6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", uint32(f))
	}
}

// Size returns the byte width of an address of this family, or 0 if the
// family is not recognised.
func (f Family) Size() int {
	switch f {
	case V4:
		return 4
	case V6:
		return 16
	default:
		return 0
	}
}

// IPAddress is a comparable, hashable address value tagged with its
// family. It wraps netip.Addr, which is itself comparable, so IPAddress
// can be used directly as a map key (the registry and per-service
// protected-address sets both rely on this).
type IPAddress struct {
	a netip.Addr
}

// FromNetIP converts a net.IP into an IPAddress. It returns an error if ip
// is neither a valid IPv4 nor IPv6 address.
func FromNetIP(ip net.IP) (IPAddress, error) {
	if v4 := ip.To4(); v4 != nil {
		a, ok := netip.AddrFromSlice(v4)
		if !ok {
			return IPAddress{}, fmt.Errorf("addr: invalid IPv4 address %v", ip)
		}
		return IPAddress{a: a}, nil
	}
	if v6 := ip.To16(); v6 != nil {
		a, ok := netip.AddrFromSlice(v6)
		if !ok {
			return IPAddress{}, fmt.Errorf("addr: invalid IPv6 address %v", ip)
		}
		return IPAddress{a: a}, nil
	}
	return IPAddress{}, fmt.Errorf("addr: invalid IP address %v", ip)
}

// FromNetipAddr wraps an already-parsed netip.Addr.
func FromNetipAddr(a netip.Addr) IPAddress { return IPAddress{a: a.Unmap()} }

// MustFromString parses s, panicking on error. Intended for constants and
// tests, not for handling untrusted input.
func MustFromString(s string) IPAddress {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return FromNetipAddr(a)
}

// ParseAddress parses s as an IP address, for use on untrusted input such
// as control-session command arguments.
func ParseAddress(s string) (IPAddress, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return IPAddress{}, fmt.Errorf("addr: invalid ip address %q: %w", s, err)
	}
	return FromNetipAddr(a), nil
}

// IsValid reports whether the address was constructed with a real value.
func (a IPAddress) IsValid() bool { return a.a.IsValid() }

// Family returns V4 or V6. The zero value reports V6 (netip.Addr{} is
// neither; callers must check IsValid first).
func (a IPAddress) Family() Family {
	if a.a.Is4() {
		return V4
	}
	return V6
}

// Netip returns the underlying netip.Addr.
func (a IPAddress) Netip() netip.Addr { return a.a }

// NetIP converts back to a net.IP.
func (a IPAddress) NetIP() net.IP { return net.IP(a.a.AsSlice()) }

// Bytes returns the address in network byte order: 4 bytes for V4, 16 for
// V6.
func (a IPAddress) Bytes() []byte {
	b := a.a.AsSlice()
	return b
}

// Compare orders two addresses the way netip.Addr.Compare does: by family
// first (4-in-6 is never produced since addresses are unmapped at
// construction), then numerically byte-by-byte. This is also the ordering
// used by the Master-election "sender > ownPrimaryIP bytewise" comparison
// in spec.md §4.6, when both addresses share a family.
func (a IPAddress) Compare(b IPAddress) int {
	return a.a.Compare(b.a)
}

// GreaterThan reports whether a orders strictly after b. Mirrors the
// teacher's largerThan helper (virtual_router.go), generalised to the
// IPAddress type; addresses of differing length never compare greater.
func (a IPAddress) GreaterThan(b IPAddress) bool {
	if a.a.BitLen() != b.a.BitLen() {
		return false
	}
	return a.Compare(b) > 0
}

func (a IPAddress) Equal(b IPAddress) bool { return a.a == b.a }

func (a IPAddress) String() string {
	if !a.a.IsValid() {
		return "<invalid>"
	}
	return a.a.String()
}

// IPSubnet is an address paired with a prefix length. Comparable, usable
// as a map key (the protected-address set of a service is keyed by
// subnet, per spec.md §3's virtual-address set of IpSubnet).
type IPSubnet struct {
	Addr   IPAddress
	Prefix uint8
}

func NewSubnet(a IPAddress, prefix uint8) IPSubnet {
	return IPSubnet{Addr: a, Prefix: prefix}
}

// ParseSubnet parses a "ip/prefix" CIDR-style string, the format used by
// the control CLI's "add address ... CIDR" command (spec.md §6).
func ParseSubnet(s string) (IPSubnet, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return IPSubnet{}, fmt.Errorf("addr: invalid subnet %q: %w", s, err)
	}
	return IPSubnet{Addr: FromNetipAddr(p.Addr()), Prefix: uint8(p.Bits())}, nil
}

func (s IPSubnet) String() string {
	return fmt.Sprintf("%s/%d", s.Addr.String(), s.Prefix)
}

func (s IPSubnet) Family() Family { return s.Addr.Family() }

// Compare orders subnets first by address, then by prefix length.
func (s IPSubnet) Compare(o IPSubnet) int {
	if c := s.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	if s.Prefix == o.Prefix {
		return 0
	}
	if s.Prefix < o.Prefix {
		return -1
	}
	return 1
}

func (s IPSubnet) Equal(o IPSubnet) bool { return s.Compare(o) == 0 }

// IPNet converts to the standard library's net.IPNet, e.g. to hand to
// netlink address-management calls.
func (s IPSubnet) IPNet() *net.IPNet {
	bits := 32
	if s.Addr.Family() == V6 {
		bits = 128
	}
	return &net.IPNet{
		IP:   s.Addr.NetIP(),
		Mask: net.CIDRMask(int(s.Prefix), bits),
	}
}
