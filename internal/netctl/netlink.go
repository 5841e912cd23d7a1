// Package netctl wraps github.com/vishvananda/netlink for the kernel
// operations the VRRP service needs: MAC-VLAN sub-interface lifecycle,
// address plumbing, link state, and primary-address resolution (C5,
// spec.md §4.5).
package netctl

import (
	"fmt"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/vishvananda/netlink"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// Client implements internal/vrrp.KernelControl against a real netlink
// socket.
type Client struct {
	logger log.Logger
}

// New constructs a netlink-backed Client.
func New(logger log.Logger) *Client {
	return &Client{logger: log.With(logger, "component", "netctl")}
}

// PrimaryAddress returns the first address of family fam configured on
// ifaceIndex, excluding link-local (spec.md §4.6 "auto-derive" rule for
// an unset primary IP).
func (c *Client) PrimaryAddress(ifaceIndex int, fam addr.Family) (addr.IPAddress, error) {
	link, err := netlink.LinkByIndex(ifaceIndex)
	if err != nil {
		return addr.IPAddress{}, fmt.Errorf("netctl: link by index %d: %w", ifaceIndex, err)
	}
	family := netlink.FAMILY_V4
	if fam == addr.V6 {
		family = netlink.FAMILY_V6
	}
	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return addr.IPAddress{}, fmt.Errorf("netctl: list addresses on %s: %w", link.Attrs().Name, err)
	}
	for _, a := range addrs {
		if a.IP.IsLinkLocalUnicast() {
			continue
		}
		ip, err := addr.FromNetIP(a.IP)
		if err != nil {
			continue
		}
		return ip, nil
	}
	return addr.IPAddress{}, fmt.Errorf("netctl: no %s address configured on %s", fam, link.Attrs().Name)
}

// AddAddress adds sub to ifaceIndex (accept-mode plumbing, spec.md
// §4.6.1).
func (c *Client) AddAddress(ifaceIndex int, sub addr.IPSubnet) error {
	link, err := netlink.LinkByIndex(ifaceIndex)
	if err != nil {
		return fmt.Errorf("netctl: link by index %d: %w", ifaceIndex, err)
	}
	nlAddr := &netlink.Addr{IPNet: sub.IPNet()}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return fmt.Errorf("netctl: add address %s to %s: %w", sub, link.Attrs().Name, err)
	}
	return nil
}

// RemoveAddress removes sub from ifaceIndex.
func (c *Client) RemoveAddress(ifaceIndex int, sub addr.IPSubnet) error {
	link, err := netlink.LinkByIndex(ifaceIndex)
	if err != nil {
		return fmt.Errorf("netctl: link by index %d: %w", ifaceIndex, err)
	}
	nlAddr := &netlink.Addr{IPNet: sub.IPNet()}
	if err := netlink.AddrDel(link, nlAddr); err != nil {
		return fmt.Errorf("netctl: remove address %s from %s: %w", sub, link.Attrs().Name, err)
	}
	return nil
}

// AddMACVLAN creates a MAC-VLAN sub-interface of parentIndex named name,
// in VEPA mode with hardware address mac, brought straight up (spec.md
// §4.5). On success it tightens ARP sysctls on both the parent and the
// new child so the kernel never answers ARP for the virtual address on
// the parent's own MAC.
func (c *Client) AddMACVLAN(parentIndex int, mac net.HardwareAddr, name string) (*net.Interface, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.ParentIndex = parentIndex
	attrs.HardwareAddr = mac
	mv := &netlink.Macvlan{LinkAttrs: attrs, Mode: netlink.MACVLAN_MODE_VEPA}
	if err := netlink.LinkAdd(mv); err != nil {
		return nil, fmt.Errorf("netctl: add macvlan %s on parent %d: %w", name, parentIndex, err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("netctl: look up created macvlan %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("netctl: bring up macvlan %s: %w", name, err)
	}

	parent, err := netlink.LinkByIndex(parentIndex)
	if err == nil {
		setARPSysctls(c.logger, parent.Attrs().Name, true)
	} else {
		level.Warn(c.logger).Log("msg", "failed to resolve parent interface for sysctl plumbing", "err", err)
	}
	setARPSysctls(c.logger, name, false)

	return &net.Interface{
		Index:        link.Attrs().Index,
		MTU:          link.Attrs().MTU,
		Name:         link.Attrs().Name,
		HardwareAddr: link.Attrs().HardwareAddr,
		Flags:        link.Attrs().Flags,
	}, nil
}

// RemoveInterface deletes the interface at ifaceIndex, used to tear down
// a MAC-VLAN sub-interface (P7 cleanup law).
func (c *Client) RemoveInterface(ifaceIndex int) error {
	link, err := netlink.LinkByIndex(ifaceIndex)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("netctl: link by index %d: %w", ifaceIndex, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("netctl: delete link %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// SetInterfaceUp brings ifaceIndex administratively up or down.
func (c *Client) SetInterfaceUp(ifaceIndex int, up bool) error {
	link, err := netlink.LinkByIndex(ifaceIndex)
	if err != nil {
		return fmt.Errorf("netctl: link by index %d: %w", ifaceIndex, err)
	}
	if up {
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("netctl: link up %s: %w", link.Attrs().Name, err)
		}
		return nil
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("netctl: link down %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// IsInterfaceUp reports the operational state of ifaceIndex, used by
// Enable to decide Initialize vs LinkDown (spec.md §4.6).
func (c *Client) IsInterfaceUp(ifaceIndex int) (bool, error) {
	link, err := netlink.LinkByIndex(ifaceIndex)
	if err != nil {
		return false, fmt.Errorf("netctl: link by index %d: %w", ifaceIndex, err)
	}
	return link.Attrs().OperState == netlink.OperUp, nil
}

// WatchInterface subscribes to rtnetlink link updates for ifaceIndex and
// invokes cb(up) on every administrative or operational state change,
// until the returned cancel func is called (spec.md §4.6 "Link
// reactivity").
func (c *Client) WatchInterface(ifaceIndex int, cb func(up bool)) (func(), error) {
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return nil, fmt.Errorf("netctl: subscribe to link updates: %w", err)
	}

	go func() {
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Link == nil || u.Link.Attrs().Index != ifaceIndex {
					continue
				}
				up := u.Link.Attrs().Flags&net.FlagUp != 0
				cb(up)
			case <-done:
				return
			}
		}
	}()

	var closeOnce bool
	return func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(done)
	}, nil
}

// ListInterfaces enumerates every interface on the host, used by startup
// cleanup to find leftover vrrp.* MAC-VLANs from a previous run (spec.md
// §4.7).
func (c *Client) ListInterfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netctl: enumerate interfaces: %w", err)
	}
	return ifaces, nil
}
