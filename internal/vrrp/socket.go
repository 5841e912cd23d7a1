package vrrp

import (
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// MulticastAddrV4 and MulticastAddrV6 are the VRRP multicast groups
// (spec.md §6).
var (
	MulticastAddrV4 = addr.MustFromString("224.0.0.18")
	MulticastAddrV6 = addr.MustFromString("ff02::12")
)

// ServiceLookup resolves the service registry for a Socket, keeping this
// package's ingress pipeline decoupled from the registry's storage
// details (spec.md §4.3 step 7 / C9).
type ServiceLookup interface {
	Lookup(ifaceIndex int, vrid byte, fam addr.Family) (*Service, bool)
	OnInterface(ifaceIndex int, fam addr.Family) []*Service
}

// Socket is the single, process-wide, per-family raw VRRP socket (C7).
// It is opened once at startup, before the registry is built, and owns
// one protocol-112 raw socket; interface multicast membership is
// refcounted.
type Socket struct {
	fam    addr.Family
	loop   *Loop
	lookup ServiceLookup
	logger log.Logger

	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn
	raw net.PacketConn

	mu    sync.Mutex
	refs  map[int]int // interface index -> multicast join refcount
	ifidx map[int]*net.Interface

	Global GlobalStats
}

// NewSocket opens the shared raw socket for fam. Matches the construction
// steps of spec.md §4.3: disable multicast loopback, set TTL/hop-limit
// 255, request packet-info ancillary data.
func NewSocket(fam addr.Family, loop *Loop, lookup ServiceLookup, logger log.Logger) (*Socket, error) {
	s := &Socket{
		fam:    fam,
		loop:   loop,
		lookup: lookup,
		logger: log.With(logger, "component", "vrrp-socket", "family", fam.String()),
		refs:   make(map[int]int),
		ifidx:  make(map[int]*net.Interface),
	}

	if fam == addr.V4 {
		conn, err := net.ListenPacket("ip4:112", "0.0.0.0")
		if err != nil {
			return nil, fmt.Errorf("vrrp: open IPv4 raw socket: %w", err)
		}
		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetMulticastLoopback(false)
		_ = pc.SetMulticastTTL(VRRPMultiTTL)
		_ = pc.SetControlMessage(ipv4.FlagTTL|ipv4.FlagSrc|ipv4.FlagDst|ipv4.FlagInterface, true)
		s.pc4 = pc
		s.raw = conn
	} else {
		conn, err := net.ListenPacket("ip6:112", "::")
		if err != nil {
			return nil, fmt.Errorf("vrrp: open IPv6 raw socket: %w", err)
		}
		pc := ipv6.NewPacketConn(conn)
		_ = pc.SetMulticastLoopback(false)
		_ = pc.SetMulticastHopLimit(VRRPMultiTTL)
		_ = pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagSrc|ipv6.FlagDst|ipv6.FlagInterface, true)
		s.pc6 = pc
		s.raw = conn
	}

	loop.RegisterSource()
	go s.readLoop()
	return s, nil
}

// VRRPMultiTTL is the mandatory TTL/hop-limit of every VRRP datagram
// (spec.md §6).
const VRRPMultiTTL = 255

func (s *Socket) multicastAddr() *net.IPAddr {
	if s.fam == addr.V4 {
		return &net.IPAddr{IP: MulticastAddrV4.NetIP()}
	}
	return &net.IPAddr{IP: MulticastAddrV6.NetIP()}
}

// JoinInterface refcounts multicast group membership on itf; the first
// reference performs the kernel join.
func (s *Socket) JoinInterface(itf *net.Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.refs[itf.Index]
	s.ifidx[itf.Index] = itf
	if n == 0 {
		grp := s.multicastAddr()
		var err error
		if s.fam == addr.V4 {
			err = s.pc4.JoinGroup(itf, grp)
		} else {
			err = s.pc6.JoinGroup(itf, grp)
		}
		if err != nil {
			return fmt.Errorf("vrrp: join multicast on %s: %w", itf.Name, err)
		}
	}
	s.refs[itf.Index] = n + 1
	return nil
}

// LeaveInterface releases one reference; the last reference performs the
// kernel leave (spec.md §4.3/§5).
func (s *Socket) LeaveInterface(itf *net.Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.refs[itf.Index]
	if n <= 0 {
		return nil
	}
	n--
	if n == 0 {
		delete(s.refs, itf.Index)
		delete(s.ifidx, itf.Index)
		grp := s.multicastAddr()
		if s.fam == addr.V4 {
			return s.pc4.LeaveGroup(itf, grp)
		}
		return s.pc6.LeaveGroup(itf, grp)
	}
	s.refs[itf.Index] = n
	return nil
}

// RefCount returns the current multicast join refcount for itf; used by
// P7's cleanup-law tests.
func (s *Socket) RefCount(ifaceIndex int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[ifaceIndex]
}

// Stats returns a copy of this family's global error counters, exposed
// by "show stats" (spec.md §6).
func (s *Socket) Stats() GlobalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Global
}

// Close tears down the raw socket. Called once at process exit by the
// registry's at-exit cleanup (spec.md §4.7).
func (s *Socket) Close() error {
	s.loop.UnregisterSource()
	return s.raw.Close()
}

// Send encodes and transmits an advertisement from primary on itf
// (spec.md §4.3 Egress).
func (s *Socket) Send(itf *net.Interface, primary addr.IPAddress, vrid, priority byte, advInt uint16, addrs []addr.IPAddress) error {
	dst := MulticastAddrV4
	if s.fam == addr.V6 {
		dst = MulticastAddrV6
	}
	pkt := &Packet{
		Version: 3, Type: 1, VRID: vrid, Priority: priority, MaxAdvInt: advInt,
		AddrFamily: s.fam, Addresses: addrs,
	}
	buf := pkt.Encode()
	sum := Checksum(s.fam, primary, dst, buf)
	PatchChecksum(buf, sum)

	if s.fam == addr.V4 {
		cm := &ipv4.ControlMessage{TTL: VRRPMultiTTL, Src: primary.NetIP(), IfIndex: itf.Index}
		_, err := s.pc4.WriteTo(buf, cm, &net.IPAddr{IP: dst.NetIP()})
		if err != nil {
			return fmt.Errorf("vrrp: send advertisement: %w", err)
		}
		return nil
	}
	cm := &ipv6.ControlMessage{HopLimit: VRRPMultiTTL, Src: primary.NetIP(), IfIndex: itf.Index}
	_, err := s.pc6.WriteTo(buf, cm, &net.IPAddr{IP: dst.NetIP()})
	if err != nil {
		return fmt.Errorf("vrrp: send advertisement: %w", err)
	}
	return nil
}

// readLoop is the ingress I/O producer: it blocks on the raw socket and
// posts each validated frame to the loop for dispatch (spec.md §4.3
// Ingress pipeline, steps 1-10). It never mutates service state directly.
func (s *Socket) readLoop() {
	buf := make([]byte, 2048)
	for {
		var n int
		var ifIndex int
		var ttl int
		var src, dst net.IP
		var err error

		if s.fam == addr.V4 {
			var cm *ipv4.ControlMessage
			n, cm, _, err = s.pc4.ReadFrom(buf)
			if cm != nil {
				ifIndex, ttl, src, dst = cm.IfIndex, cm.TTL, cm.Src, cm.Dst
			}
		} else {
			var cm *ipv6.ControlMessage
			n, cm, _, err = s.pc6.ReadFrom(buf)
			if cm != nil {
				ifIndex, ttl, src, dst = cm.IfIndex, cm.HopLimit, cm.Src, cm.Dst
			}
		}
		if err != nil {
			level.Error(s.logger).Log("msg", "read failed, stopping ingress", "err", err)
			return
		}

		frame := append([]byte(nil), buf[:n]...)
		s.handleFrame(frame, ifIndex, ttl, src, dst)
	}
}

// handleFrame runs the validation pipeline off the loop goroutine (pure,
// no shared-state mutation) and then posts the outcome to the loop, which
// is the only place service/registry state is touched.
func (s *Socket) handleFrame(frame []byte, ifIndex, ttl int, src, dst net.IP) {
	if len(frame) < HeaderLen {
		s.loop.Post(func() {
			for _, svc := range s.lookup.OnInterface(ifIndex, s.fam) {
				svc.noteProtocolError(PacketLengthError)
			}
		})
		return
	}

	version := frame[0] >> 4
	vrid := frame[1]

	if version == 2 {
		s.loop.Post(func() {
			s.Global.RouterVersionErrors++
			if svc, ok := s.lookup.Lookup(ifIndex, vrid, s.fam); ok {
				svc.noteProtocolError(VersionErr)
			}
		})
		return
	}
	if version != 3 {
		return // unknown version: silently dropped per spec.md §4.3 step 4
	}

	srcAddr, err := addr.FromNetIP(src)
	if err != nil {
		return
	}
	dstAddr, err := addr.FromNetIP(dst)
	if err != nil {
		return
	}
	sum := Checksum(s.fam, srcAddr, dstAddr, frame)
	if sum != 0 {
		s.loop.Post(func() {
			s.Global.RouterChecksumErrors++
		})
		return
	}

	typ := frame[0] & 0x0F
	if typ != 1 {
		s.loop.Post(func() {
			for _, svc := range s.lookup.OnInterface(ifIndex, s.fam) {
				svc.noteProtocolError(InvalidTypeErr)
			}
		})
		return
	}

	// The address-count check (spec.md §4.3 step 9) runs after VRID
	// lookup and the TTL check (step 8) and is attributed to the single
	// resolved service only, so it's deferred into the Post below rather
	// than decoded here.
	addrCount := int(frame[3])

	s.loop.Post(func() {
		svc, ok := s.lookup.Lookup(ifIndex, vrid, s.fam)
		if !ok {
			s.Global.RouterVrIDErrors++
			for _, other := range s.lookup.OnInterface(ifIndex, s.fam) {
				other.noteProtocolError(VRIDErr)
			}
			return
		}
		if ttl != VRRPMultiTTL {
			svc.noteProtocolError(TTLErr)
			return
		}
		needLen := HeaderLen + addrCount*s.fam.Size()
		if len(frame) < needLen {
			svc.noteProtocolError(PacketLengthError)
			return
		}
		p, err := Decode(s.fam, frame)
		if err != nil {
			svc.noteProtocolError(PacketLengthError)
			return
		}
		svc.onAdvertisement(srcAddr, p.Priority, p.MaxAdvInt, p.Addresses)
	})
}

// protoErrKind distinguishes which ingress validation step failed, so
// Service.noteProtocolError can update the right counters.
type protoErrKind int

const (
	PacketLengthError protoErrKind = iota
	VersionErr
	InvalidTypeErr
	VRIDErr
	TTLErr
)
