package netctl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// writeSysctl writes value to /proc/sys/net/ipv4/conf/<iface>/<knob>. All
// failures are logged by the caller and never treated as fatal (spec.md
// §4.5: "All failures are logged; the caller decides whether to
// proceed.").
func writeSysctl(iface, knob, value string) error {
	path := filepath.Join("/proc/sys/net/ipv4/conf", iface, knob)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("netctl: write sysctl %s: %w", path, err)
	}
	return nil
}

// setARPSysctls tightens the ARP sysctls that make a MAC-VLAN VIP
// interface behave correctly: the parent must stop answering ARP/issuing
// gratuitous ARP for addresses that belong to the child, while the child
// answers only for its own addresses (spec.md §4.5's exact knob/value
// table).
func setARPSysctls(logger log.Logger, iface string, isParent bool) {
	knobs := map[string]string{
		"arp_ignore":   "1",
		"arp_announce": "1",
		"arp_filter":   "0",
	}
	if isParent {
		knobs["arp_filter"] = "1"
	}
	for knob, value := range knobs {
		if err := writeSysctl(iface, knob, value); err != nil {
			level.Warn(logger).Log("msg", "sysctl plumbing failed", "iface", iface, "knob", knob, "err", err)
		}
	}
}
