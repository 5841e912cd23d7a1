package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"

	"github.com/govrrpd/govrrpd/internal/addr"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configuration.dat")

	records := []Record{
		{
			IfName: "eth0", VRID: 7, Family: addr.V4, Priority: 200,
			IntervalMsec: 1000, Accept: true, Preempt: true, Enabled: true,
			PrimaryIP: addr.MustFromString("192.0.2.1"),
			Addresses: []addr.IPSubnet{
				addr.NewSubnet(addr.MustFromString("203.0.113.5"), 32),
				addr.NewSubnet(addr.MustFromString("203.0.113.6"), 24),
			},
		},
		{
			IfName: "eth1", VRID: 1, Family: addr.V6, Priority: 100,
			IntervalMsec: 100, Accept: false, Preempt: false, Enabled: false,
		},
	}

	if err := Save(path, records); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	if got[0].IfName != "eth0" || got[0].VRID != 7 || got[0].Priority != 200 {
		t.Fatalf("unexpected first record: %+v", got[0])
	}
	if !got[0].PrimaryIP.Equal(records[0].PrimaryIP) {
		t.Fatalf("expected primary IP to round-trip, got %s", got[0].PrimaryIP)
	}
	if len(got[0].Addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(got[0].Addresses))
	}
	if got[1].Family != addr.V6 || got[1].Accept {
		t.Fatalf("unexpected second record: %+v", got[1])
	}
}

func TestLoadSkipsInvalidRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configuration.dat")

	records := []Record{
		{IfName: "eth0", VRID: 7, Family: addr.V4, Priority: 200, IntervalMsec: 1000, Enabled: true},
		{IfName: "eth0", VRID: 0, Family: addr.V4, Priority: 200, IntervalMsec: 1000, Enabled: true}, // invalid VRID
		{IfName: "eth0", VRID: 8, Family: addr.V4, Priority: 200, IntervalMsec: 1005, Enabled: true}, // interval not a multiple of 10
	}
	if err := Save(path, records); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 valid record, got %d", len(got))
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configuration.dat")
	if err := os.WriteFile(path, []byte{0, 0, 0, 2, 0, 0, 0, 0}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, log.NewNopLogger()); err == nil {
		t.Fatal("expected an error for an unsupported file version")
	}
}
