// Command govrrpd is a VRRPv3 (RFC 5798) router for IPv4 and IPv6,
// coordinating virtual routers over MAC-VLAN sub-interfaces with a
// single-threaded cooperative event loop (spec.md §1/§4.1).
package main

import (
	"fmt"
	"io"
	"log/syslog"
	"net"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	"github.com/govrrpd/govrrpd/internal/addr"
	"github.com/govrrpd/govrrpd/internal/arpimp"
	"github.com/govrrpd/govrrpd/internal/config"
	"github.com/govrrpd/govrrpd/internal/control"
	"github.com/govrrpd/govrrpd/internal/netctl"
	"github.com/govrrpd/govrrpd/internal/script"
	"github.com/govrrpd/govrrpd/internal/vrrp"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "configuration.dat", "path to the binary configuration file")
		bindAddr   = pflag.StringP("bind", "b", "127.0.0.1:7777", "control server listen address")
		toStdout   = pflag.BoolP("stdout", "s", false, "log to stdout instead of syslog")
		help       = pflag.BoolP("help", "h", false, "print usage and exit")
	)
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	logger, err := newLogger(*toStdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "govrrpd: falling back to stdout logging: %v\n", err)
		logger = logfmtLogger(os.Stdout)
	}
	level.Info(logger).Log("msg", "starting govrrpd", "config", *configPath, "bind", *bindAddr)

	if err := run(*configPath, *bindAddr, logger); err != nil {
		level.Error(logger).Log("msg", "fatal", "err", err)
		os.Exit(1)
	}
}

// newLogger builds a go-kit logfmt logger writing to stdout under -s, or
// to syslog otherwise (spec.md §6's flag contract). The syslog writer is
// a plain io.Writer, so it slots into the same log.NewLogfmtLogger
// construction either way.
func newLogger(toStdout bool) (log.Logger, error) {
	if toStdout {
		return logfmtLogger(os.Stdout), nil
	}
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "govrrpd")
	if err != nil {
		return nil, fmt.Errorf("connect to syslog: %w", err)
	}
	return logfmtLogger(w), nil
}

func logfmtLogger(w io.Writer) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// run wires every component together and blocks until the loop exits.
func run(configPath, bindAddr string, logger log.Logger) error {
	loop := vrrp.NewLoop()
	kernel := netctl.New(logger)
	arp := arpimp.New(logger)
	scripts := script.New(logger)

	vrrp.ReapLeftoverSubInterfaces(kernel, logger)

	// The registry implements ServiceLookup but can't be built until the
	// sockets it wraps exist, and the sockets need a ServiceLookup at
	// construction time. lookupRef breaks the cycle: it's handed to both
	// sockets up front and pointed at the registry once that exists.
	lookupRef := &registryRef{}
	sock4, err := vrrp.NewSocket(addr.V4, loop, lookupRef, logger)
	if err != nil {
		return fmt.Errorf("open IPv4 socket: %w", err)
	}
	sock6, err := vrrp.NewSocket(addr.V6, loop, lookupRef, logger)
	if err != nil {
		level.Warn(logger).Log("msg", "IPv6 socket unavailable, running v4-only", "err", err)
		sock6 = nil
	}

	// sock6 is passed through a separate call when absent rather than as a
	// nil *Socket: a nil pointer boxed into the registry's socketHandle
	// interface is not itself a nil interface, and would crash the first
	// time a v6 service tried to join its multicast group.
	var registry *vrrp.Registry
	if sock6 != nil {
		registry = vrrp.NewRegistry(loop, kernel, arp, scripts, sock4, sock6, logger)
	} else {
		registry = vrrp.NewRegistry(loop, kernel, arp, scripts, sock4, nil, logger)
	}
	lookupRef.registry = registry

	if err := restoreConfig(configPath, registry, logger); err != nil {
		level.Warn(logger).Log("msg", "failed to load configuration", "path", configPath, "err", err)
	}

	backend := control.NewBackend(registry, configPath)
	server := control.New(bindAddr, backend, logger)
	if err := server.ListenAndServe(loop); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	loop.Run()

	level.Info(logger).Log("msg", "shutting down")
	_ = server.Close()
	registry.Shutdown()
	return nil
}

// registryRef is a ServiceLookup forwarder whose target is filled in
// after construction, so the raw sockets and the registry can each be
// built from the other without a circular constructor dependency.
type registryRef struct {
	registry *vrrp.Registry
}

func (r *registryRef) Lookup(ifaceIndex int, vrid byte, fam addr.Family) (*vrrp.Service, bool) {
	return r.registry.Lookup(ifaceIndex, vrid, fam)
}

func (r *registryRef) OnInterface(ifaceIndex int, fam addr.Family) []*vrrp.Service {
	return r.registry.OnInterface(ifaceIndex, fam)
}

// restoreConfig loads every valid record from path and recreates the
// corresponding service, applying its saved configuration and enabling
// it if it was enabled when saved (spec.md §4.7 "Startup").
func restoreConfig(path string, registry *vrrp.Registry, logger log.Logger) error {
	records, err := config.Load(path, logger)
	if err != nil {
		return err
	}
	for _, rec := range records {
		iface, err := net.InterfaceByName(rec.IfName)
		if err != nil {
			level.Warn(logger).Log("msg", "skipping record for missing interface", "ifname", rec.IfName, "err", err)
			continue
		}
		key := vrrp.Key{IfaceIndex: iface.Index, VRID: rec.VRID, Family: rec.Family}
		svc, err := registry.GetOrCreate(key, iface)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to recreate router", "key", key.String(), "err", err)
			continue
		}
		if err := svc.SetPriority(rec.Priority); err != nil {
			level.Warn(logger).Log("msg", "invalid saved priority", "key", key.String(), "err", err)
		}
		if err := svc.SetAdvInterval(uint16(rec.IntervalMsec / 10)); err != nil {
			level.Warn(logger).Log("msg", "invalid saved interval", "key", key.String(), "err", err)
		}
		svc.SetPreempt(rec.Preempt)
		if rec.Family == addr.V4 {
			svc.SetAccept(rec.Accept)
		}
		if rec.PrimaryIP.IsValid() {
			if err := svc.SetPrimaryIP(rec.PrimaryIP); err != nil {
				level.Warn(logger).Log("msg", "invalid saved primary ip", "key", key.String(), "err", err)
			}
		}
		for _, sub := range rec.Addresses {
			if err := svc.AddAddress(sub); err != nil {
				level.Warn(logger).Log("msg", "invalid saved address", "key", key.String(), "address", sub.String(), "err", err)
			}
		}
		if rec.Enabled {
			svc.Enable()
		}
		level.Info(logger).Log("msg", "restored router", "key", key.String(), "enabled", rec.Enabled)
	}
	return nil
}
