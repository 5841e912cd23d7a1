package vrrp

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// SubInterfacePrefix names every macvlan sub-interface this daemon
// creates, so a restart can find and reap leftovers from a previous,
// uncleanly terminated run (spec.md §4.7).
const SubInterfacePrefix = "vrrp."

// socketHandle is everything the registry needs from a shared Socket:
// sending advertisements (Transport) plus refcounted multicast group
// membership. Expressed as an interface so registry tests don't need a
// real raw socket.
type socketHandle interface {
	Transport
	JoinInterface(itf *net.Interface) error
	LeaveInterface(itf *net.Interface) error
	RefCount(ifaceIndex int) int
	Stats() GlobalStats
	Close() error
}

// Registry is the two-level service index: interface -> VRID -> family ->
// *Service (C9, spec.md §3 "ServiceRegistry"). It implements
// ServiceLookup so the socket's ingress pipeline can resolve frames
// without knowing the registry's internal storage.
//
// All mutation happens on the loop goroutine (services are only ever
// created, removed or looked up from within a loop callback or from
// main before Run starts), so Registry itself needs no locking beyond
// what's required for OnInterface/Lookup to be callable from the
// socket's I/O goroutine before the corresponding Post is processed.
type Registry struct {
	loop   *Loop
	kernel KernelControl
	arp    ARPImpersonator
	script ScriptRunner
	sock4  socketHandle
	sock6  socketHandle
	logger log.Logger

	mu    sync.RWMutex
	byKey map[Key]*Service
}

// NewRegistry constructs an empty registry. The two sockets are supplied
// once both families have been opened by main, since every service joins
// whichever one matches its family.
func NewRegistry(loop *Loop, kernel KernelControl, arp ARPImpersonator, script ScriptRunner, sock4, sock6 socketHandle, logger log.Logger) *Registry {
	return &Registry{
		loop:   loop,
		kernel: kernel,
		arp:    arp,
		script: script,
		sock4:  sock4,
		sock6:  sock6,
		logger: log.With(logger, "component", "vrrp-registry"),
		byKey:  make(map[Key]*Service),
	}
}

// Lookup implements ServiceLookup.
func (r *Registry) Lookup(ifaceIndex int, vrid byte, fam addr.Family) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byKey[Key{IfaceIndex: ifaceIndex, VRID: vrid, Family: fam}]
	return svc, ok
}

// OnInterface implements ServiceLookup: every service of family fam bound
// to ifaceIndex, regardless of VRID. Used to fan out protocol errors that
// cannot be attributed to a single VRID (spec.md §4.3 steps 3/6).
func (r *Registry) OnInterface(ifaceIndex int, fam addr.Family) []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Service
	for k, svc := range r.byKey {
		if k.IfaceIndex == ifaceIndex && k.Family == fam {
			out = append(out, svc)
		}
	}
	return out
}

// GetOrCreate returns the existing service for key, or constructs,
// registers and returns a new Disabled one bound to iface. Mirrors the
// teacher's lazy per-key construction in the VirtualRouter manager, now
// keyed by (interface, VRID, family) instead of VRID alone.
func (r *Registry) GetOrCreate(key Key, iface *net.Interface) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.byKey[key]; ok {
		return svc, nil
	}

	sock := r.sock4
	if key.Family == addr.V6 {
		sock = r.sock6
	}
	if sock == nil {
		return nil, fmt.Errorf("vrrp: no %s socket available", key.Family)
	}

	svc := NewService(key, iface, r.loop, sock, r.kernel, r.arp, r.script, r.logger)
	svc.EnsureSubInterface(SubInterfacePrefix)
	joinOn := svc.outputIface
	// A multicast join failure is logged, not fatal: spec.md §4.8 treats
	// per-interface join failure as something the service still exists
	// through (it may still reach other interfaces it's bound to), unlike
	// a failure to open the shared socket itself at startup.
	if err := sock.JoinInterface(joinOn); err != nil {
		level.Warn(r.logger).Log("msg", "failed to join multicast group, service created without it", "key", key.String(), "err", err)
	}
	r.byKey[key] = svc
	level.Info(r.logger).Log("msg", "service created", "key", key.String())
	return svc, nil
}

// Remove disables and fully tears down the service for key, releasing its
// multicast membership, sub-interface and any plumbed/ARP-impersonated
// addresses, then drops it from the index (P7 cleanup law).
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	svc, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byKey, key)
	r.mu.Unlock()

	svc.Disable()
	svc.Teardown()

	sock := r.sock4
	if key.Family == addr.V6 {
		sock = r.sock6
	}
	if sock != nil {
		_ = sock.LeaveInterface(svc.outputIface)
	}
	level.Info(r.logger).Log("msg", "service removed", "key", key.String())
}

// All returns every registered service, ordered by (interface, VRID,
// family) for deterministic "show router" output.
func (r *Registry) All() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.byKey))
	for _, svc := range r.byKey {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if a.IfaceIndex != b.IfaceIndex {
			return a.IfaceIndex < b.IfaceIndex
		}
		if a.VRID != b.VRID {
			return a.VRID < b.VRID
		}
		return a.Family < b.Family
	})
	return out
}

// Find returns the service matching ifaceName, vrid and fam, used by the
// control server to resolve CLI arguments into a service.
func (r *Registry) Find(ifaceName string, vrid byte, fam addr.Family) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, svc := range r.byKey {
		if svc.iface.Name == ifaceName && k.VRID == vrid && k.Family == fam {
			return svc, true
		}
	}
	return nil, false
}

// ReapLeftoverSubInterfaces removes any vrrp.* macvlan interfaces left
// behind by a previous, uncleanly terminated run, before any service is
// created (spec.md §4.7 "Startup cleanup").
func ReapLeftoverSubInterfaces(kernel interface {
	ListInterfaces() ([]net.Interface, error)
	RemoveInterface(ifaceIndex int) error
}, logger log.Logger) {
	ifaces, err := kernel.ListInterfaces()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to enumerate interfaces for startup cleanup", "err", err)
		return
	}
	for _, itf := range ifaces {
		if len(itf.Name) >= len(SubInterfacePrefix) && itf.Name[:len(SubInterfacePrefix)] == SubInterfacePrefix {
			if err := kernel.RemoveInterface(itf.Index); err != nil {
				level.Warn(logger).Log("msg", "failed to remove leftover sub-interface", "name", itf.Name, "err", err)
				continue
			}
			level.Info(logger).Log("msg", "removed leftover sub-interface from previous run", "name", itf.Name)
		}
	}
}

// GlobalStats returns the IPv4 and IPv6 family sockets' global error
// counters, for "show stats" (spec.md §6). Either may be the zero value
// if that family's socket was never opened.
func (r *Registry) GlobalStats() (v4, v6 GlobalStats) {
	if r.sock4 != nil {
		v4 = r.sock4.Stats()
	}
	if r.sock6 != nil {
		v6 = r.sock6.Stats()
	}
	return v4, v6
}

// Shutdown disables and tears down every registered service, and closes
// both sockets. Called once from main on process exit (spec.md §4.7
// "at-exit hook").
func (r *Registry) Shutdown() {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	for _, k := range keys {
		r.Remove(k)
	}
	if r.sock4 != nil {
		_ = r.sock4.Close()
	}
	if r.sock6 != nil {
		_ = r.sock6.Close()
	}
}
