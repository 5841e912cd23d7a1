package vrrp

import (
	"net"
	"testing"

	"github.com/go-kit/log"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// fakeSocketHandle stands in for a real Socket in registry tests,
// tracking join/leave refcounts without any actual raw socket.
type fakeSocketHandle struct {
	fakeTransport
	refs map[int]int
}

func newFakeSocketHandle() *fakeSocketHandle {
	return &fakeSocketHandle{refs: make(map[int]int)}
}

func (f *fakeSocketHandle) JoinInterface(itf *net.Interface) error {
	f.refs[itf.Index]++
	return nil
}

func (f *fakeSocketHandle) LeaveInterface(itf *net.Interface) error {
	if f.refs[itf.Index] > 0 {
		f.refs[itf.Index]--
	}
	return nil
}

func (f *fakeSocketHandle) RefCount(ifaceIndex int) int   { return f.refs[ifaceIndex] }
func (f *fakeSocketHandle) Stats() GlobalStats            { return GlobalStats{} }
func (f *fakeSocketHandle) Close() error                  { return nil }

func newTestRegistry(t *testing.T) (*Registry, *Loop, *fakeKernel) {
	t.Helper()
	loop := NewLoop()
	kernel := newFakeKernel()
	arp := newFakeARP()
	sock4 := newFakeSocketHandle()
	r := NewRegistry(loop, kernel, arp, &fakeScript{}, sock4, nil, log.NewNopLogger())
	return r, loop, kernel
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	iface := &net.Interface{Index: 1, Name: "eth0"}
	key := Key{IfaceIndex: 1, VRID: 51, Family: addr.V4}

	svc1, err := r.GetOrCreate(key, iface)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc2, err := r.GetOrCreate(key, iface)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc1 != svc2 {
		t.Fatal("expected GetOrCreate to return the same service on the second call")
	}
}

func TestLookupAndOnInterface(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	iface := &net.Interface{Index: 1, Name: "eth0"}
	key51 := Key{IfaceIndex: 1, VRID: 51, Family: addr.V4}
	key52 := Key{IfaceIndex: 1, VRID: 52, Family: addr.V4}
	if _, err := r.GetOrCreate(key51, iface); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetOrCreate(key52, iface); err != nil {
		t.Fatal(err)
	}

	if _, ok := r.Lookup(1, 51, addr.V4); !ok {
		t.Fatal("expected to find VRID 51")
	}
	if _, ok := r.Lookup(1, 53, addr.V4); ok {
		t.Fatal("did not expect to find VRID 53")
	}
	if got := len(r.OnInterface(1, addr.V4)); got != 2 {
		t.Fatalf("expected 2 services on interface 1, got %d", got)
	}
}

func TestRemoveReleasesMulticastRefcount(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	iface := &net.Interface{Index: 1, Name: "eth0"}
	key := Key{IfaceIndex: 1, VRID: 51, Family: addr.V4}

	svc, err := r.GetOrCreate(key, iface)
	if err != nil {
		t.Fatal(err)
	}
	outIface := svc.outputIface
	if got := r.sock4.RefCount(outIface.Index); got != 1 {
		t.Fatalf("expected refcount 1 after create, got %d", got)
	}

	r.Remove(key)
	if got := r.sock4.RefCount(outIface.Index); got != 0 {
		t.Fatalf("expected refcount 0 after remove, got %d", got)
	}
	if _, ok := r.Lookup(1, 51, addr.V4); ok {
		t.Fatal("expected service to be gone after Remove")
	}
}

func TestAllIsSortedByKey(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	iface := &net.Interface{Index: 1, Name: "eth0"}
	_, _ = r.GetOrCreate(Key{IfaceIndex: 1, VRID: 52, Family: addr.V4}, iface)
	_, _ = r.GetOrCreate(Key{IfaceIndex: 1, VRID: 51, Family: addr.V4}, iface)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 services, got %d", len(all))
	}
	if all[0].Key().VRID != 51 || all[1].Key().VRID != 52 {
		t.Fatal("expected services sorted by VRID")
	}
}
