// Package arpimp impersonates the owner of a virtual IPv4 address on the
// local Ethernet segment: it answers ARP requests for the address with
// the VRRP virtual MAC, and emits gratuitous ARP on becoming Master
// (C6, spec.md §4.4/§4.6.1). IPv6 has no equivalent here — the kernel's
// own unsolicited neighbour advertisement on MAC-VLAN up is relied upon
// instead (spec.md's Open Questions).
package arpimp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"

	"github.com/govrrpd/govrrpd/internal/addr"
)

const writeTimeout = 500 * time.Millisecond

// client is a refcounted ARP responder shared by every service bound to
// the same output interface, mirroring the shared-socket refcounting of
// the VRRP multicast transport (spec.md §4.4).
type client struct {
	c        *arp.Client
	refs     int
	claims   map[addr.IPAddress]net.HardwareAddr
	stopOnce sync.Once
	done     chan struct{}
}

// Impersonator answers ARP requests for impersonated addresses on behalf
// of whichever interface a service outputs on, and sends gratuitous ARP
// on demand. One Impersonator is shared process-wide; per-interface
// sockets are opened lazily and closed once their last claim is
// released.
type Impersonator struct {
	logger log.Logger

	mu      sync.Mutex
	clients map[int]*client // interface index -> shared ARP client
}

// New constructs an empty Impersonator.
func New(logger log.Logger) *Impersonator {
	return &Impersonator{
		logger:  log.With(logger, "component", "arp-impersonator"),
		clients: make(map[int]*client),
	}
}

func (p *Impersonator) ensureClient(itf *net.Interface) (*client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[itf.Index]; ok {
		c.refs++
		return c, nil
	}
	raw, err := arp.Dial(itf)
	if err != nil {
		return nil, fmt.Errorf("arpimp: dial %s: %w", itf.Name, err)
	}
	c := &client{c: raw, refs: 1, claims: make(map[addr.IPAddress]net.HardwareAddr), done: make(chan struct{})}
	p.clients[itf.Index] = c
	go p.serve(itf.Index, c)
	return c, nil
}

func (p *Impersonator) releaseClient(ifaceIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[ifaceIndex]
	if !ok {
		return
	}
	c.refs--
	if c.refs <= 0 {
		delete(p.clients, ifaceIndex)
		c.stopOnce.Do(func() { close(c.done) })
		_ = c.c.Close()
	}
}

// Register claims ip on itf: future ARP requests for ip are answered
// with mac. Idempotent for the same (itf, ip) pair.
func (p *Impersonator) Register(itf *net.Interface, ip addr.IPAddress, mac net.HardwareAddr) error {
	if ip.Family() != addr.V4 {
		return nil // ARP impersonation is an IPv4-only mechanism
	}
	p.mu.Lock()
	if c, ok := p.clients[itf.Index]; ok {
		if _, claimed := c.claims[ip]; claimed {
			c.claims[ip] = mac
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()
	c, err := p.ensureClient(itf)
	if err != nil {
		return err
	}
	p.mu.Lock()
	c.claims[ip] = mac
	p.mu.Unlock()
	return nil
}

// Unregister releases a prior Register, closing the shared socket once
// no claim remains on the interface (cleanup law P7).
func (p *Impersonator) Unregister(itf *net.Interface, ip addr.IPAddress) error {
	if ip.Family() != addr.V4 {
		return nil
	}
	p.mu.Lock()
	if c, ok := p.clients[itf.Index]; ok {
		delete(c.claims, ip)
	}
	p.mu.Unlock()
	p.releaseClient(itf.Index)
	return nil
}

// GratuitousARP sends one ARP reply announcing that mac now owns ip,
// broadcast, following the teacher's AnnounceAll (vip_announcer.go's
// IPv4AddrAnnouncer.AnnounceAll sends exactly one OperationReply per
// address, not a request/reply pair).
func (p *Impersonator) GratuitousARP(itf *net.Interface, ip addr.IPAddress, mac net.HardwareAddr) error {
	if ip.Family() != addr.V4 {
		return nil
	}
	p.mu.Lock()
	c, ok := p.clients[itf.Index]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("arpimp: no ARP client open on %s", itf.Name)
	}

	if err := c.c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("arpimp: set write deadline: %w", err)
	}
	target := ip.NetIP()
	pkt, err := arp.NewPacket(arp.OperationReply, mac, target, ethernet.Broadcast, target)
	if err != nil {
		return fmt.Errorf("arpimp: build gratuitous reply packet: %w", err)
	}
	if err := c.c.WriteTo(pkt, ethernet.Broadcast); err != nil {
		return fmt.Errorf("arpimp: write gratuitous reply packet: %w", err)
	}
	return nil
}

// serve answers incoming ARP requests for any address currently claimed
// on ifaceIndex. It runs on its own goroutine per shared client and
// never touches VRRP service state directly — callers learn about
// requests only through the replies this sends, matching the producer
// discipline of the rest of the daemon (spec.md §4.1).
func (p *Impersonator) serve(ifaceIndex int, c *client) {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		pkt, _, err := c.c.Read()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			level.Warn(p.logger).Log("msg", "arp read failed", "iface", ifaceIndex, "err", err)
			return
		}
		if pkt.Operation != arp.OperationRequest {
			continue
		}
		target, err := addr.FromNetIP(pkt.TargetIP)
		if err != nil {
			continue
		}
		p.mu.Lock()
		mac, claimed := c.claims[target]
		p.mu.Unlock()
		if !claimed {
			continue
		}
		if err := c.c.Reply(pkt, mac, pkt.TargetIP); err != nil {
			level.Warn(p.logger).Log("msg", "arp reply failed", "iface", ifaceIndex, "err", err)
		}
	}
}
