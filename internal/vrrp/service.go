package vrrp

import (
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// State is one of the five VRRP service states of spec.md §4.6.
type State int

const (
	Disabled State = iota
	LinkDown
	Initialize
	Backup
	Master
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case LinkDown:
		return "LinkDown"
	case Initialize:
		return "Initialize"
	case Backup:
		return "Backup"
	case Master:
		return "Master"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Key uniquely identifies a service: (interface, VRID, family), per
// spec.md §3's VirtualRouterKey.
type Key struct {
	IfaceIndex int
	VRID       byte
	Family     addr.Family
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.IfaceIndex, k.VRID, k.Family)
}

// KernelControl is the capability a Service needs from netctl (C5),
// expressed as an interface so the state machine can be tested without a
// real netlink socket.
type KernelControl interface {
	PrimaryAddress(ifaceIndex int, fam addr.Family) (addr.IPAddress, error)
	AddAddress(ifaceIndex int, sub addr.IPSubnet) error
	RemoveAddress(ifaceIndex int, sub addr.IPSubnet) error
	AddMACVLAN(parentIndex int, mac net.HardwareAddr, name string) (*net.Interface, error)
	RemoveInterface(ifaceIndex int) error
	SetInterfaceUp(ifaceIndex int, up bool) error
	IsInterfaceUp(ifaceIndex int) (bool, error)
	WatchInterface(ifaceIndex int, cb func(up bool)) (cancel func(), err error)
}

// ARPImpersonator is the capability a Service needs from arpimp (C6).
type ARPImpersonator interface {
	Register(itf *net.Interface, ip addr.IPAddress, mac net.HardwareAddr) error
	Unregister(itf *net.Interface, ip addr.IPAddress) error
	GratuitousARP(itf *net.Interface, ip addr.IPAddress, mac net.HardwareAddr) error
}

// Transport is the capability a Service needs from the shared socket
// (C7): encoding and sending one advertisement. Expressed as an
// interface so the state machine can be tested without a real raw
// socket.
type Transport interface {
	Send(itf *net.Interface, primary addr.IPAddress, vrid, priority byte, advInt uint16, addrs []addr.IPAddress) error
}

// ScriptRunner fires the operator-configured master/backup transition
// command (spec.md §4.6 "runs the corresponding user-supplied shell
// command"). Implemented by internal/script; kept as an interface here so
// service tests can stub it out.
type ScriptRunner interface {
	Run(command string, env map[string]string)
}

// Config is the operator-controlled configuration of a service
// (spec.md §3 "config:").
type Config struct {
	Priority        byte // 1..255, default 100
	AdvInterval     uint16 // centiseconds, 1..4095
	Preempt         bool
	Accept          bool // forced true for v6 by NewService
	PrimaryIP       addr.IPAddress // zero value ⇒ auto-derive
	MasterCommand   string
	BackupCommand   string
}

// DefaultConfig returns the spec's documented defaults (priority 100,
// 100cs/1s interval, preempt on, accept off for v4).
func DefaultConfig() Config {
	return Config{Priority: 100, AdvInterval: 100, Preempt: true}
}

// Service is a VrrpService: the per-(interface,VRID,family) VRRPv3 state
// machine (C8, spec.md §3-4.6).
type Service struct {
	key Key

	loop   *Loop
	socket Transport
	kernel KernelControl
	arp    ARPImpersonator
	script ScriptRunner
	logger log.Logger

	iface       *net.Interface // owning interface
	outputIface *net.Interface // macvlan sub-interface, or iface itself on fallback
	hasSubIface bool
	virtualMAC  net.HardwareAddr

	cfg Config

	state                  State
	masterAdvInterval      uint16 // centiseconds, last seen/derived
	pendingReason          NewMasterReason
	masterIP               addr.IPAddress
	vips                   map[addr.IPSubnet]bool
	plumbed                map[addr.IPSubnet]bool // subnets currently added to the output interface
	arped                  map[addr.IPSubnet]bool // subnets currently ARP-impersonated

	masterDownTimer *Timer
	advTimer        *Timer

	watchCancel func()

	stats Stats

	onStateChange func(old, new State)
}

// NewService constructs a Disabled service for key, bound to iface. The
// virtual MAC is derived per RFC 5798 §7.3: 00:00:5E:00:01:VRID (v4) or
// 00:00:5E:00:02:VRID (v6).
func NewService(key Key, iface *net.Interface, loop *Loop, socket Transport, kernel KernelControl, arp ARPImpersonator, script ScriptRunner, logger log.Logger) *Service {
	var mac net.HardwareAddr
	if key.Family == addr.V4 {
		mac, _ = net.ParseMAC(fmt.Sprintf("00:00:5E:00:01:%02X", key.VRID))
	} else {
		mac, _ = net.ParseMAC(fmt.Sprintf("00:00:5E:00:02:%02X", key.VRID))
	}
	cfg := DefaultConfig()
	if key.Family == addr.V6 {
		cfg.Accept = true // accept mode is forced true for v6, spec.md §3
	}
	s := &Service{
		key:         key,
		loop:        loop,
		socket:      socket,
		kernel:      kernel,
		arp:         arp,
		script:      script,
		logger:      log.With(logger, "component", "vrrp-service", "vrid", key.VRID, "family", key.Family.String()),
		iface:       iface,
		outputIface: iface,
		virtualMAC:  mac,
		cfg:         cfg,
		state:       Disabled,
		vips:        make(map[addr.IPSubnet]bool),
		plumbed:     make(map[addr.IPSubnet]bool),
		arped:       make(map[addr.IPSubnet]bool),
	}
	s.masterDownTimer = loop.NewTimer(s.onMasterDownExpired)
	s.advTimer = loop.NewTimer(s.onAdvertisementExpired)
	return s
}

// Key returns the service's identity.
func (s *Service) Key() Key { return s.key }

// State returns the current state machine state.
func (s *Service) State() State { return s.state }

// Stats returns a copy of the current statistics.
func (s *Service) Stats() Stats { return s.stats }

// Config returns a copy of the current configuration.
func (s *Service) Config() Config { return s.cfg }

// OnStateChange registers a callback invoked after every state
// transition. Used by tests to assert P1/P2/P3.
func (s *Service) OnStateChange(fn func(old, new State)) { s.onStateChange = fn }

// --- configuration setters (spec.md §4.6 "Configuration semantics") ---

var errPriorityZero = fmt.Errorf("vrrp: priority 0 is a wire-only value, it cannot be configured")
var errFamilyMismatch = fmt.Errorf("vrrp: address family mismatch")

func (s *Service) SetPriority(p byte) error {
	if p == 0 {
		return errPriorityZero
	}
	s.cfg.Priority = p
	return nil
}

func (s *Service) SetAdvInterval(centiseconds uint16) error {
	if centiseconds < 1 || centiseconds > 4095 {
		return fmt.Errorf("vrrp: advertisement interval %d centiseconds out of range [1,4095]", centiseconds)
	}
	s.cfg.AdvInterval = centiseconds
	return nil
}

func (s *Service) SetPreempt(v bool) { s.cfg.Preempt = v }

// SetAccept toggles accept mode. A toggle while already Master must move
// addresses between the plumbed and ARP-impersonated regimes atomically
// (spec.md §4.6.1).
func (s *Service) SetAccept(v bool) {
	if s.cfg.Accept == v {
		return
	}
	s.cfg.Accept = v
	if s.state == Master {
		s.unplumbAll()
		s.plumbAll()
	}
}

func (s *Service) SetPrimaryIP(ip addr.IPAddress) error {
	if ip.Family() != s.key.Family {
		return errFamilyMismatch
	}
	s.cfg.PrimaryIP = ip
	return nil
}

func (s *Service) SetMasterCommand(cmd string) { s.cfg.MasterCommand = cmd }
func (s *Service) SetBackupCommand(cmd string) { s.cfg.BackupCommand = cmd }

// AddAddress adds a virtual address subnet. Idempotent (P6): adding the
// same subnet twice leaves exactly one entry.
func (s *Service) AddAddress(sub addr.IPSubnet) error {
	if sub.Family() != s.key.Family {
		return errFamilyMismatch
	}
	already := s.vips[sub]
	s.vips[sub] = true
	if !already && s.state == Master {
		s.plumbOne(sub)
	}
	return nil
}

func (s *Service) RemoveAddress(sub addr.IPSubnet) {
	if !s.vips[sub] {
		return
	}
	delete(s.vips, sub)
	if s.state == Master {
		s.unplumbOne(sub)
	}
}

func (s *Service) Addresses() []addr.IPSubnet {
	out := make([]addr.IPSubnet, 0, len(s.vips))
	for sub := range s.vips {
		out = append(out, sub)
	}
	return out
}

// primaryIP resolves the effective primary IP: the explicit config value,
// or the interface's first non-link-local address of the right family.
func (s *Service) primaryIP() addr.IPAddress {
	if s.cfg.PrimaryIP.IsValid() {
		return s.cfg.PrimaryIP
	}
	ip, err := s.kernel.PrimaryAddress(s.iface.Index, s.key.Family)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to resolve primary IP", "err", err)
		return addr.IPAddress{}
	}
	return ip
}

// --- derived intervals (spec.md §3) ---

func (s *Service) skewCentis() uint16 {
	return uint16((256 - uint32(s.cfg.Priority)) * uint32(s.masterAdvInterval) / 256)
}

func (s *Service) masterDownCentis() uint16 {
	return 3*s.masterAdvInterval + s.skewCentis()
}

func centisToDuration(c uint16) time.Duration {
	return time.Duration(c) * 10 * time.Millisecond
}

// --- lifecycle (spec.md §4.6 Enable/Startup/Shutdown) ---

// Enable brings the service out of Disabled. A no-op if already enabled
// (P6).
func (s *Service) Enable() {
	if s.state != Disabled {
		return
	}
	s.installWatch()
	up, err := s.kernel.IsInterfaceUp(s.iface.Index)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to query interface state, assuming down", "err", err)
		up = false
	}
	if up {
		s.setState(Initialize)
		s.startup()
	} else {
		s.setState(LinkDown)
	}
}

// Disable unconditionally tears the service down to Disabled. A no-op if
// already Disabled (P6).
func (s *Service) Disable() {
	switch s.state {
	case Backup, Master:
		s.shutdown()
		s.setState(Disabled)
	case Initialize, LinkDown:
		s.setState(Disabled)
	case Disabled:
		return
	}
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
}

// startup runs the Initialize -> {Master|Backup} transition of
// spec.md §4.6.
func (s *Service) startup() {
	if s.cfg.Priority == 255 {
		level.Info(s.logger).Log("msg", "priority 255, entering Master immediately")
		s.stats.MasterTransitions++
		s.stats.NewMasterReason = ReasonPreempted
		s.masterIP = s.primaryIP()
		s.setState(Master)
		s.enterMaster()
		return
	}
	s.masterAdvInterval = s.cfg.AdvInterval
	s.setState(Backup)
	s.masterDownTimer.Start(centisToDuration(s.masterDownCentis()))
}

// shutdown runs the {Backup|Master} -> Initialize transition of
// spec.md §4.6.
func (s *Service) shutdown() {
	switch s.state {
	case Backup:
		s.masterDownTimer.Stop()
	case Master:
		s.advTimer.Stop()
		priority := s.cfg.Priority
		s.cfg.Priority = 0
		s.sendAdvertisement()
		s.cfg.Priority = priority
		s.stats.SentPriZeroPackets++
		s.leaveMaster()
	}
	s.setState(Initialize)
}

func (s *Service) setState(new State) {
	old := s.state
	s.state = new
	if s.onStateChange != nil && old != new {
		s.onStateChange(old, new)
	}
}

// --- Master entry/exit side effects (spec.md §4.6.1) ---

func (s *Service) enterMaster() {
	s.ensureSubInterfaceUp()
	s.plumbAll()
	s.sendAdvertisement()
	s.advTimer.Start(centisToDuration(s.cfg.AdvInterval))
	s.runTransitionScript(s.cfg.MasterCommand)
}

func (s *Service) leaveMaster() {
	s.unplumbAll()
	s.ensureSubInterfaceDown()
	s.runTransitionScript(s.cfg.BackupCommand)
}

func (s *Service) ensureSubInterfaceUp() {
	if s.hasSubIface {
		if err := s.kernel.SetInterfaceUp(s.outputIface.Index, true); err != nil {
			level.Warn(s.logger).Log("msg", "failed to bring sub-interface up", "err", err)
		}
	}
}

func (s *Service) ensureSubInterfaceDown() {
	if s.hasSubIface {
		if err := s.kernel.SetInterfaceUp(s.outputIface.Index, false); err != nil {
			level.Warn(s.logger).Log("msg", "failed to bring sub-interface down", "err", err)
		}
	}
}

// plumbAll realises accept-vs-non-accept mode for every configured
// virtual address (spec.md §4.6.1).
func (s *Service) plumbAll() {
	for sub := range s.vips {
		s.plumbOne(sub)
	}
}

func (s *Service) plumbOne(sub addr.IPSubnet) {
	if s.cfg.Accept {
		if err := s.kernel.AddAddress(s.outputIface.Index, sub); err != nil {
			level.Warn(s.logger).Log("msg", "failed to add address", "addr", sub.String(), "err", err)
			return
		}
		s.plumbed[sub] = true
	} else if s.key.Family == addr.V4 {
		if err := s.arp.Register(s.outputIface, sub.Addr, s.virtualMAC); err != nil {
			level.Warn(s.logger).Log("msg", "failed to register ARP impersonation", "addr", sub.String(), "err", err)
			return
		}
		s.arped[sub] = true
	}
}

func (s *Service) unplumbAll() {
	for sub := range s.vips {
		s.unplumbOne(sub)
	}
}

// unplumbOne is keyed off which regime sub was actually realised in, so
// removing one address of a multi-address Master leaves the rest of
// s.vips exactly as plumbed/impersonated as they were before.
func (s *Service) unplumbOne(sub addr.IPSubnet) {
	if s.plumbed[sub] {
		if err := s.kernel.RemoveAddress(s.outputIface.Index, sub); err != nil {
			level.Warn(s.logger).Log("msg", "failed to remove address", "addr", sub.String(), "err", err)
		}
		delete(s.plumbed, sub)
	}
	if s.arped[sub] {
		if err := s.arp.Unregister(s.outputIface, sub.Addr); err != nil {
			level.Warn(s.logger).Log("msg", "failed to unregister ARP impersonation", "addr", sub.String(), "err", err)
		}
		delete(s.arped, sub)
	}
}

func (s *Service) sendAdvertisement() {
	addrs := make([]addr.IPAddress, 0, len(s.vips))
	for sub := range s.vips {
		addrs = append(addrs, sub.Addr)
	}
	primary := s.primaryIP()
	if err := s.socket.Send(s.outputIface, primary, s.key.VRID, s.cfg.Priority, s.cfg.AdvInterval, addrs); err != nil {
		level.Warn(s.logger).Log("msg", "failed to send advertisement", "err", err)
	}
}

func (s *Service) gratuitousAnnounce() {
	if s.key.Family != addr.V4 {
		return // IPv6: rely on the kernel's automatic unsolicited NA on macvlan up, per spec.md's Open Questions
	}
	for sub := range s.vips {
		if err := s.arp.GratuitousARP(s.outputIface, sub.Addr, s.virtualMAC); err != nil {
			level.Warn(s.logger).Log("msg", "failed to send gratuitous ARP", "err", err)
		}
	}
}

func (s *Service) runTransitionScript(cmd string) {
	if cmd == "" || s.script == nil {
		return
	}
	s.script.Run(cmd, map[string]string{
		"VRRP_VRID":  fmt.Sprintf("%d", s.key.VRID),
		"VRRP_STATE": s.state.String(),
		"VRRP_IFACE": s.iface.Name,
	})
}

// --- ingress (spec.md §4.6 "Ingress advertisement") ---

func (s *Service) onAdvertisement(src addr.IPAddress, priority byte, maxAdvInt uint16, addrs []addr.IPAddress) {
	s.stats.RcvdAdvertisements++
	s.stats.ProtocolErrReason = NoError
	if maxAdvInt != s.cfg.AdvInterval {
		s.stats.AdvIntervalErrors++
	}

	switch s.state {
	case Backup:
		s.onAdvertisementAsBackup(src, priority, maxAdvInt, addrs)
	case Master:
		s.onAdvertisementAsMaster(src, priority, maxAdvInt, addrs)
	}
}

func (s *Service) onAdvertisementAsBackup(src addr.IPAddress, priority byte, maxAdvInt uint16, addrs []addr.IPAddress) {
	if priority == 0 {
		s.stats.RcvdPriZeroPackets++
		s.pendingReason = ReasonPriority
		s.masterDownTimer.Start(centisToDuration(s.skewCentis()))
		return
	}
	higherOrEqualWins := !s.cfg.Preempt || priority >= s.cfg.Priority ||
		(priority == s.cfg.Priority && src.GreaterThan(s.primaryIP()))
	if higherOrEqualWins {
		s.masterAdvInterval = maxAdvInt
		s.masterIP = src
		s.compareAddressSets(addrs)
		s.masterDownTimer.Start(centisToDuration(s.masterDownCentis()))
		s.pendingReason = ReasonMasterNotResponding
		return
	}
	if s.cfg.Preempt {
		s.pendingReason = ReasonPreempted
		return
	}
	s.pendingReason = ReasonPriority
}

func (s *Service) onAdvertisementAsMaster(src addr.IPAddress, priority byte, maxAdvInt uint16, addrs []addr.IPAddress) {
	if priority == 0 {
		s.stats.RcvdPriZeroPackets++
		s.sendAdvertisement()
		s.advTimer.Start(centisToDuration(s.cfg.AdvInterval))
		return
	}
	yield := priority > s.cfg.Priority ||
		(priority == s.cfg.Priority && src.GreaterThan(s.primaryIP()))
	if !yield {
		return // the conflicting router will itself yield on its next comparison
	}
	s.advTimer.Stop()
	s.masterAdvInterval = maxAdvInt
	s.leaveMaster()
	s.setState(Backup)
	s.masterDownTimer.Start(centisToDuration(s.masterDownCentis()))
	s.pendingReason = ReasonPriority
}

// compareAddressSets implements the multiset-equality check of spec.md §9
// Open Questions: the ingress address list is compared to the locally
// configured set, and any mismatch is counted but never mutates the
// local set.
func (s *Service) compareAddressSets(advertised []addr.IPAddress) {
	local := make(map[addr.IPAddress]int, len(s.vips))
	for sub := range s.vips {
		local[sub.Addr]++
	}
	remote := make(map[addr.IPAddress]int, len(advertised))
	for _, a := range advertised {
		remote[a]++
	}
	mismatch := len(local) != len(remote)
	if !mismatch {
		for k, v := range local {
			if remote[k] != v {
				mismatch = true
				break
			}
		}
	}
	if mismatch {
		s.stats.AddressListErrors++
		level.Warn(s.logger).Log("msg", "advertised address set does not match local configuration", "vrid", s.key.VRID)
	}
}

// --- timer callbacks (spec.md §4.6 "Timer callbacks") ---

func (s *Service) onMasterDownExpired() {
	s.stats.MasterTransitions++
	s.stats.NewMasterReason = s.pendingReason
	s.masterIP = s.primaryIP()
	s.setState(Master)
	s.enterMaster()
	s.gratuitousAnnounce()
}

func (s *Service) onAdvertisementExpired() {
	s.sendAdvertisement()
	s.advTimer.Start(centisToDuration(s.cfg.AdvInterval))
}

// --- protocol error accounting (spec.md §4.3 ingress pipeline) ---

func (s *Service) noteProtocolError(kind protoErrKind) {
	switch kind {
	case PacketLengthError:
		s.stats.PacketLengthErrors++
		s.stats.ProtocolErrReason = NoError
	case VersionErr:
		s.stats.ProtocolErrReason = VersionError
	case InvalidTypeErr:
		s.stats.RcvdInvalidTypePackets++
	case VRIDErr:
		s.stats.ProtocolErrReason = VRIDError
	case TTLErr:
		s.stats.IPTTLErrors++
		s.stats.ProtocolErrReason = IPTTLError
	}
}

// --- link reactivity (spec.md §4.6 "Link reactivity") ---

// installWatch subscribes to link state for the owning interface. The
// kernel's watcher callback runs on its own goroutine, so it only ever
// posts onLinkChange to the loop rather than calling it directly — every
// other producer (socket.go's readLoop, control's command dispatch)
// follows the same discipline.
func (s *Service) installWatch() {
	cancel, err := s.kernel.WatchInterface(s.iface.Index, func(up bool) {
		s.loop.Post(func() { s.onLinkChange(up) })
	})
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to watch interface link state", "err", err)
		return
	}
	s.watchCancel = cancel
}

func (s *Service) onLinkChange(up bool) {
	if up && s.state == LinkDown {
		s.setState(Initialize)
		s.startup()
	} else if !up && s.state != Disabled && s.state != LinkDown {
		switch s.state {
		case Backup, Master:
			s.shutdown()
		}
		s.setState(LinkDown)
	}
}

// EnsureSubInterface attempts to create the MAC-VLAN sub-interface for
// this service. Called once by the registry right after construction; a
// failure is not fatal — the service falls back to using the owning
// interface directly and never changes its MAC (spec.md §4.5/§9).
func (s *Service) EnsureSubInterface(namePrefix string) {
	name := fmt.Sprintf("%s%d.%d", namePrefix, s.iface.Index, s.key.VRID)
	itf, err := s.kernel.AddMACVLAN(s.iface.Index, s.virtualMAC, name)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to create macvlan sub-interface, falling back to parent", "err", err)
		s.outputIface = s.iface
		s.hasSubIface = false
		return
	}
	s.outputIface = itf
	s.hasSubIface = true
}

// Teardown releases every kernel and socket resource the service owns,
// per the cleanup law P7 and spec.md §3's "Lifecycle"/§4.7. It must be
// called with the service already Disabled.
func (s *Service) Teardown() {
	if s.state == Master {
		priority := s.cfg.Priority
		s.cfg.Priority = 0
		s.sendAdvertisement()
		s.cfg.Priority = priority
		s.stats.SentPriZeroPackets++
		s.unplumbAll()
	}
	s.masterDownTimer.Stop()
	s.advTimer.Stop()
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.hasSubIface {
		if err := s.kernel.RemoveInterface(s.outputIface.Index); err != nil {
			level.Warn(s.logger).Log("msg", "failed to remove sub-interface", "err", err)
		}
	}
}
