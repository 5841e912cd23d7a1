package vrrp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// fakeKernel is a minimal in-memory KernelControl used to drive the
// Service state machine without any real netlink socket.
type fakeKernel struct {
	mu        sync.Mutex
	up        map[int]bool
	primary   map[addr.Family]addr.IPAddress
	addrs     map[int]map[addr.IPSubnet]bool
	nextIndex int
	watchers  map[int]func(bool)
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		up:        map[int]bool{1: true},
		primary:   map[addr.Family]addr.IPAddress{addr.V4: addr.MustFromString("192.0.2.1")},
		addrs:     make(map[int]map[addr.IPSubnet]bool),
		nextIndex: 100,
		watchers:  make(map[int]func(bool)),
	}
}

func (k *fakeKernel) PrimaryAddress(ifaceIndex int, fam addr.Family) (addr.IPAddress, error) {
	return k.primary[fam], nil
}

func (k *fakeKernel) AddAddress(ifaceIndex int, sub addr.IPSubnet) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.addrs[ifaceIndex] == nil {
		k.addrs[ifaceIndex] = make(map[addr.IPSubnet]bool)
	}
	k.addrs[ifaceIndex][sub] = true
	return nil
}

func (k *fakeKernel) RemoveAddress(ifaceIndex int, sub addr.IPSubnet) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.addrs[ifaceIndex], sub)
	return nil
}

func (k *fakeKernel) AddMACVLAN(parentIndex int, mac net.HardwareAddr, name string) (*net.Interface, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextIndex++
	k.up[k.nextIndex] = false
	return &net.Interface{Index: k.nextIndex, Name: name, HardwareAddr: mac}, nil
}

func (k *fakeKernel) RemoveInterface(ifaceIndex int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.up, ifaceIndex)
	return nil
}

func (k *fakeKernel) SetInterfaceUp(ifaceIndex int, up bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.up[ifaceIndex] = up
	return nil
}

func (k *fakeKernel) IsInterfaceUp(ifaceIndex int) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.up[ifaceIndex], nil
}

func (k *fakeKernel) WatchInterface(ifaceIndex int, cb func(up bool)) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.watchers[ifaceIndex] = cb
	return func() {}, nil
}

func (k *fakeKernel) fireLinkChange(ifaceIndex int, up bool) {
	k.mu.Lock()
	cb := k.watchers[ifaceIndex]
	k.mu.Unlock()
	if cb != nil {
		cb(up)
	}
}

type fakeARP struct {
	mu          sync.Mutex
	registered  map[addr.IPAddress]bool
	gratuitous  int
}

func newFakeARP() *fakeARP {
	return &fakeARP{registered: make(map[addr.IPAddress]bool)}
}

func (a *fakeARP) Register(itf *net.Interface, ip addr.IPAddress, mac net.HardwareAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registered[ip] = true
	return nil
}

func (a *fakeARP) Unregister(itf *net.Interface, ip addr.IPAddress) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.registered, ip)
	return nil
}

func (a *fakeARP) GratuitousARP(itf *net.Interface, ip addr.IPAddress, mac net.HardwareAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gratuitous++
	return nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent int
}

func (f *fakeTransport) Send(itf *net.Interface, primary addr.IPAddress, vrid, priority byte, advInt uint16, addrs []addr.IPAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return nil
}

type fakeScript struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeScript) Run(command string, env map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
}

// newTestService builds a Service wired to fakes, on a fresh Loop that is
// not yet running; tests drive it by calling methods directly and then
// running the loop briefly, since Timer.Start/Stop/fire expect to be
// serialized through it.
func newTestService(t *testing.T, fam addr.Family, priority byte) (*Service, *Loop, *fakeKernel, *fakeARP) {
	t.Helper()
	loop := NewLoop()
	kernel := newFakeKernel()
	arp := newFakeARP()
	iface := &net.Interface{Index: 1, Name: "eth0"}
	svc := NewService(Key{IfaceIndex: 1, VRID: 51, Family: fam}, iface, loop, &fakeTransport{}, kernel, arp, &fakeScript{}, log.NewNopLogger())
	svc.cfg.Priority = priority
	return svc, loop, kernel, arp
}

func TestSkewAndMasterDownMath(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 100)
	svc.masterAdvInterval = 100 // 1 second, centiseconds
	skew := svc.skewCentis()
	if skew != uint16((256-100)*100/256) {
		t.Fatalf("unexpected skew: %d", skew)
	}
	md := svc.masterDownCentis()
	if md != 3*100+skew {
		t.Fatalf("unexpected master-down interval: %d", md)
	}
}

func TestEnableWithLinkDownEntersLinkDownState(t *testing.T) {
	svc, _, kernel, _ := newTestService(t, addr.V4, 100)
	kernel.up[1] = false
	svc.Enable()
	if svc.State() != LinkDown {
		t.Fatalf("expected LinkDown, got %s", svc.State())
	}
}

func TestEnablePriority255EntersMasterImmediately(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 255)
	svc.Enable()
	if svc.State() != Master {
		t.Fatalf("expected Master, got %s", svc.State())
	}
	if svc.Stats().NewMasterReason != ReasonPreempted {
		t.Fatalf("expected ReasonPreempted, got %s", svc.Stats().NewMasterReason)
	}
}

func TestEnableNonOwnerEntersBackupAndArmsMasterDown(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 100)
	svc.Enable()
	if svc.State() != Backup {
		t.Fatalf("expected Backup, got %s", svc.State())
	}
	if !svc.masterDownTimer.IsArmed() {
		t.Fatal("expected master-down timer to be armed")
	}
}

func TestMasterDownExpiryPromotesToMaster(t *testing.T) {
	svc, loop, _, arp := newTestService(t, addr.V4, 100)
	sub := addr.NewSubnet(addr.MustFromString("203.0.113.5"), 32)
	_ = svc.AddAddress(sub)

	becameMaster := make(chan struct{})
	svc.OnStateChange(func(old, new State) {
		if new == Master {
			close(becameMaster)
		}
	})

	svc.Enable()
	svc.masterDownTimer.Stop()

	done := make(chan struct{})
	go func() { loop.Run(); close(done) }()
	svc.masterDownTimer.Start(5 * time.Millisecond)

	select {
	case <-becameMaster:
	case <-time.After(time.Second):
		t.Fatal("never promoted to Master")
	}
	loop.Abort()
	<-done

	if arp.gratuitous == 0 {
		t.Fatal("expected gratuitous ARP on becoming Master")
	}
}

func TestOnAdvertisementAsBackupHigherPriorityResetsMasterDown(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 100)
	svc.masterAdvInterval = 100
	svc.state = Backup
	svc.onAdvertisement(addr.MustFromString("198.51.100.9"), 200, 100, nil)
	if svc.masterIP.String() != "198.51.100.9" {
		t.Fatalf("expected masterIP updated, got %s", svc.masterIP)
	}
	if !svc.masterDownTimer.IsArmed() {
		t.Fatal("expected master-down timer to be re-armed")
	}
}

func TestOnAdvertisementAsMasterHigherPriorityYields(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 100)
	svc.state = Master
	svc.cfg.PrimaryIP = addr.MustFromString("192.0.2.1")
	svc.onAdvertisement(addr.MustFromString("198.51.100.9"), 200, 100, nil)
	if svc.State() != Backup {
		t.Fatalf("expected Master to yield to higher priority, got %s", svc.State())
	}
}

func TestOnAdvertisementAsMasterLowerPriorityIgnored(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 200)
	svc.state = Master
	svc.onAdvertisement(addr.MustFromString("198.51.100.9"), 50, 100, nil)
	if svc.State() != Master {
		t.Fatalf("expected to remain Master, got %s", svc.State())
	}
}

func TestSetPriorityZeroRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 100)
	if err := svc.SetPriority(0); err == nil {
		t.Fatal("expected error setting priority 0")
	}
}

func TestAddAddressIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 100)
	sub := addr.NewSubnet(addr.MustFromString("203.0.113.5"), 32)
	_ = svc.AddAddress(sub)
	_ = svc.AddAddress(sub)
	if len(svc.Addresses()) != 1 {
		t.Fatalf("expected exactly one address, got %d", len(svc.Addresses()))
	}
}

func TestLinkDownDuringBackupReturnsToLinkDown(t *testing.T) {
	svc, loop, kernel, _ := newTestService(t, addr.V4, 100)
	svc.Enable()
	if svc.State() != Backup {
		t.Fatalf("precondition: expected Backup, got %s", svc.State())
	}
	kernel.fireLinkChange(1, false)
	// The watch callback only posts onLinkChange to the loop; dispatch it.
	loop.dispatch(<-loop.events)
	if svc.State() != LinkDown {
		t.Fatalf("expected LinkDown after link drop, got %s", svc.State())
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t, addr.V4, 100)
	svc.Enable()
	svc.Disable()
	svc.Disable()
	if svc.State() != Disabled {
		t.Fatalf("expected Disabled, got %s", svc.State())
	}
}
