package control

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/govrrpd/govrrpd/internal/addr"
	"github.com/govrrpd/govrrpd/internal/config"
	"github.com/govrrpd/govrrpd/internal/vrrp"
)

// Fixed-string responses, stable across releases (spec.md §7).
const (
	respInvalidCommand    = "Invalid command\n"
	respNoSuchInterface   = "No such interface\n"
	respInvalidRouterID   = "Invalid router id\n"
	respErrorCreatingRouter = "Error creating router\n"
	respNoSuchRouter      = "No such router\n"
	respInvalidIP         = "Invalid ip address\n"
	respInvalidPriority   = "Invalid priority\n"
	respInvalidInterval   = "Invalid interval\n"
)

const helpText = `add router IFACE VRID [ipv6]
add address IFACE VRID [ipv6] CIDR
remove router IFACE VRID [ipv6]
remove address IFACE VRID [ipv6] CIDR
set router IFACE VRID [ipv6] primary IP
set router IFACE VRID [ipv6] priority PRIO
set router IFACE VRID [ipv6] interval MSEC
set router IFACE VRID [ipv6] accept BOOL
set router IFACE VRID [ipv6] preempt BOOL
set router IFACE VRID [ipv6] master command COMMAND
set router IFACE VRID [ipv6] backup command COMMAND
enable router IFACE VRID [ipv6]
disable router IFACE VRID [ipv6]
show router [IFACE] [VRID] [ipv6] [stats]
show stats
save [FILENAME]
exit
help
`

var trueValues = map[string]bool{"true": true, "on": true, "1": true, "enabled": true}
var falseValues = map[string]bool{"false": true, "off": true, "0": true, "disabled": true}

// Backend bridges control commands onto the VRRP registry. Every method
// that touches registry or service state must only be called from the
// event loop goroutine; Execute enforces this by posting to the loop and
// waiting for the result.
type Backend struct {
	registry   *vrrp.Registry
	configPath string
}

// NewBackend constructs a Backend wired to registry, saving to
// configPath by default when "save" is given no filename.
func NewBackend(registry *vrrp.Registry, configPath string) *Backend {
	return &Backend{registry: registry, configPath: configPath}
}

// Execute parses and runs one command line. "exit" and "help" are
// handled without touching the loop since they need no shared state.
// Everything else is run synchronously on the loop goroutine.
func (b *Backend) Execute(loop *vrrp.Loop, line string) (reply string, exit bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return "", false
	}
	switch tokens[0] {
	case "exit":
		return "", true
	case "help":
		return helpText, false
	}

	result := make(chan string, 1)
	loop.Post(func() {
		result <- b.dispatch(tokens)
	})
	return <-result, false
}

// dispatch must only run on the loop goroutine.
func (b *Backend) dispatch(argv []string) string {
	switch argv[0] {
	case "add":
		return b.onAdd(argv)
	case "remove":
		return b.onRemove(argv)
	case "set":
		return b.onSet(argv)
	case "enable":
		return b.onEnableDisable(argv, true)
	case "disable":
		return b.onEnableDisable(argv, false)
	case "show":
		return b.onShow(argv)
	case "save":
		return b.onSave(argv)
	default:
		return respInvalidCommand
	}
}

// routerSelector is a parsed "IFACE VRID [ipv6]" prefix plus the index of
// the first token after it.
type routerSelector struct {
	ifaceName string
	vrid      byte
	family    addr.Family
	next      int
}

// parseSelector parses argv[from:] as "IFACE VRID [ipv6]".
func parseSelector(argv []string, from int) (routerSelector, bool) {
	if len(argv) < from+2 {
		return routerSelector{}, false
	}
	n, err := strconv.Atoi(argv[from+1])
	if err != nil || n < 1 || n > 255 {
		return routerSelector{}, false
	}
	sel := routerSelector{ifaceName: argv[from], vrid: byte(n), family: addr.V4, next: from + 2}
	if len(argv) > from+2 && argv[from+2] == "ipv6" {
		sel.family = addr.V6
		sel.next = from + 3
	}
	return sel, true
}

func (b *Backend) resolveInterface(name string) (*net.Interface, bool) {
	itf, err := net.InterfaceByName(name)
	if err != nil {
		return nil, false
	}
	return itf, true
}

func (b *Backend) onAdd(argv []string) string {
	if len(argv) < 2 {
		return respInvalidCommand
	}
	switch argv[1] {
	case "router":
		return b.onAddRouter(argv)
	case "address":
		return b.onAddAddress(argv)
	default:
		return respInvalidCommand
	}
}

func (b *Backend) onAddRouter(argv []string) string {
	sel, ok := parseSelector(argv, 2)
	if !ok {
		return respInvalidRouterID
	}
	if sel.next != len(argv) {
		return respInvalidCommand
	}
	itf, ok := b.resolveInterface(sel.ifaceName)
	if !ok {
		return respNoSuchInterface
	}
	key := vrrp.Key{IfaceIndex: itf.Index, VRID: sel.vrid, Family: sel.family}
	if _, err := b.registry.GetOrCreate(key, itf); err != nil {
		return respErrorCreatingRouter
	}
	return ""
}

func (b *Backend) onAddAddress(argv []string) string {
	sel, ok := parseSelector(argv, 2)
	if !ok {
		return respInvalidRouterID
	}
	if sel.next != len(argv)-1 {
		return respInvalidCommand
	}
	sub, err := addr.ParseSubnet(argv[sel.next])
	if err != nil || sub.Family() != sel.family {
		return respInvalidIP
	}
	svc, ok := b.registry.Find(sel.ifaceName, sel.vrid, sel.family)
	if !ok {
		return respNoSuchRouter
	}
	_ = svc.AddAddress(sub)
	return ""
}

func (b *Backend) onRemove(argv []string) string {
	if len(argv) < 2 {
		return respInvalidCommand
	}
	switch argv[1] {
	case "router":
		return b.onRemoveRouter(argv)
	case "address":
		return b.onRemoveAddress(argv)
	default:
		return respInvalidCommand
	}
}

func (b *Backend) onRemoveRouter(argv []string) string {
	sel, ok := parseSelector(argv, 2)
	if !ok {
		return respInvalidRouterID
	}
	if sel.next != len(argv) {
		return respInvalidCommand
	}
	itf, ok := b.resolveInterface(sel.ifaceName)
	if !ok {
		return respNoSuchInterface
	}
	b.registry.Remove(vrrp.Key{IfaceIndex: itf.Index, VRID: sel.vrid, Family: sel.family})
	return ""
}

func (b *Backend) onRemoveAddress(argv []string) string {
	sel, ok := parseSelector(argv, 2)
	if !ok {
		return respInvalidRouterID
	}
	if sel.next != len(argv)-1 {
		return respInvalidCommand
	}
	sub, err := addr.ParseSubnet(argv[sel.next])
	if err != nil || sub.Family() != sel.family {
		return respInvalidIP
	}
	svc, ok := b.registry.Find(sel.ifaceName, sel.vrid, sel.family)
	if !ok {
		return respNoSuchRouter
	}
	svc.RemoveAddress(sub)
	return ""
}

func (b *Backend) onEnableDisable(argv []string, enable bool) string {
	if len(argv) < 2 || argv[1] != "router" {
		return respInvalidCommand
	}
	sel, ok := parseSelector(argv, 2)
	if !ok {
		return respInvalidRouterID
	}
	if sel.next != len(argv) {
		return respInvalidCommand
	}
	svc, ok := b.registry.Find(sel.ifaceName, sel.vrid, sel.family)
	if !ok {
		return respNoSuchRouter
	}
	if enable {
		svc.Enable()
	} else {
		svc.Disable()
	}
	return ""
}

func (b *Backend) onSet(argv []string) string {
	if len(argv) < 2 || argv[1] != "router" {
		return respInvalidCommand
	}
	sel, ok := parseSelector(argv, 2)
	if !ok {
		return respInvalidRouterID
	}
	svc, ok := b.registry.Find(sel.ifaceName, sel.vrid, sel.family)
	if !ok {
		return respNoSuchRouter
	}
	if sel.next >= len(argv) {
		return respInvalidCommand
	}

	switch argv[sel.next] {
	case "primary":
		return b.setPrimary(svc, argv, sel.next+1)
	case "priority":
		return b.setPriority(svc, argv, sel.next+1)
	case "interval":
		return b.setInterval(svc, argv, sel.next+1)
	case "accept":
		return b.setBool(argv, sel.next+1, svc.SetAccept, respInvalidCommand)
	case "preempt":
		return b.setBool(argv, sel.next+1, svc.SetPreempt, respInvalidCommand)
	case "master":
		return b.setCommand(svc.SetMasterCommand, argv, sel.next+1)
	case "backup":
		return b.setCommand(svc.SetBackupCommand, argv, sel.next+1)
	default:
		return respInvalidCommand
	}
}

func (b *Backend) setPrimary(svc *vrrp.Service, argv []string, idx int) string {
	if idx >= len(argv) {
		return respInvalidCommand
	}
	ip, err := addr.ParseAddress(argv[idx])
	if err != nil {
		return respInvalidIP
	}
	if err := svc.SetPrimaryIP(ip); err != nil {
		return respInvalidIP
	}
	return ""
}

func (b *Backend) setPriority(svc *vrrp.Service, argv []string, idx int) string {
	if idx >= len(argv) {
		return respInvalidCommand
	}
	n, err := strconv.Atoi(argv[idx])
	if err != nil || n < 1 || n > 255 {
		return respInvalidPriority
	}
	if err := svc.SetPriority(byte(n)); err != nil {
		return respInvalidPriority
	}
	return ""
}

func (b *Backend) setInterval(svc *vrrp.Service, argv []string, idx int) string {
	if idx >= len(argv) {
		return respInvalidCommand
	}
	msec, err := strconv.Atoi(argv[idx])
	if err != nil || msec <= 0 || msec%10 != 0 || msec > 40950 {
		return respInvalidInterval
	}
	if err := svc.SetAdvInterval(uint16(msec / 10)); err != nil {
		return respInvalidInterval
	}
	return ""
}

func (b *Backend) setBool(argv []string, idx int, set func(bool), invalid string) string {
	if idx >= len(argv) {
		return invalid
	}
	v := argv[idx]
	if trueValues[v] {
		set(true)
		return ""
	}
	if falseValues[v] {
		set(false)
		return ""
	}
	return invalid
}

func (b *Backend) setCommand(set func(string), argv []string, idx int) string {
	if idx >= len(argv) || argv[idx] != "command" {
		return respInvalidCommand
	}
	set(strings.Join(argv[idx+1:], " "))
	return ""
}

func (b *Backend) onShow(argv []string) string {
	if len(argv) < 2 {
		return respInvalidCommand
	}
	switch argv[1] {
	case "stats":
		return b.showStats()
	case "router":
		return b.showRouter(argv[2:])
	default:
		return respInvalidCommand
	}
}

func (b *Backend) showStats() string {
	g4, g6 := b.registry.GlobalStats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "ipv4: routerChecksumErrors=%d routerVersionErrors=%d routerVrIdErrors=%d\n", g4.RouterChecksumErrors, g4.RouterVersionErrors, g4.RouterVrIDErrors)
	fmt.Fprintf(&sb, "ipv6: routerChecksumErrors=%d routerVersionErrors=%d routerVrIdErrors=%d\n", g6.RouterChecksumErrors, g6.RouterVersionErrors, g6.RouterVrIDErrors)
	return sb.String()
}

// showRouter implements "show router [IFACE] [VRID] [ipv6] [stats]": any
// prefix of filters may be omitted, each narrowing the result set further
// (spec.md §6).
func (b *Backend) showRouter(filterArgs []string) string {
	wantStats := false
	if len(filterArgs) > 0 && filterArgs[len(filterArgs)-1] == "stats" {
		wantStats = true
		filterArgs = filterArgs[:len(filterArgs)-1]
	}

	var ifaceFilter string
	vridFilter := -1
	famFilter := -1 // -1 means "any family"

	i := 0
	if i < len(filterArgs) && filterArgs[i] != "ipv6" {
		ifaceFilter = filterArgs[i]
		i++
	}
	if i < len(filterArgs) {
		if n, err := strconv.Atoi(filterArgs[i]); err == nil {
			vridFilter = n
			i++
		}
	}
	if i < len(filterArgs) && filterArgs[i] == "ipv6" {
		famFilter = int(addr.V6)
		i++
	}

	var sb strings.Builder
	for _, svc := range b.registry.All() {
		k := svc.Key()
		if ifaceFilter != "" && ifaceFilter != ifaceName(svc) {
			continue
		}
		if vridFilter >= 0 && byte(vridFilter) != k.VRID {
			continue
		}
		if famFilter >= 0 && addr.Family(famFilter) != k.Family {
			continue
		}
		fmt.Fprintf(&sb, "interface=%s vrid=%d family=%s state=%s\n", ifaceName(svc), k.VRID, k.Family, svc.State())
		if wantStats {
			st := svc.Stats()
			fmt.Fprintf(&sb, "  masterTransitions=%d newMasterReason=%s rcvdAdvertisements=%d advIntervalErrors=%d ipTtlErrors=%d protocolErrReason=%s rcvdPriZeroPackets=%d sentPriZeroPackets=%d rcvdInvalidTypePackets=%d addressListErrors=%d packetLengthErrors=%d\n",
				st.MasterTransitions, st.NewMasterReason, st.RcvdAdvertisements, st.AdvIntervalErrors, st.IPTTLErrors, st.ProtocolErrReason,
				st.RcvdPriZeroPackets, st.SentPriZeroPackets, st.RcvdInvalidTypePackets, st.AddressListErrors, st.PacketLengthErrors)
		}
	}
	return sb.String()
}

// ifaceName is resolved via net since Service keeps only the interface
// index internally; a small helper avoids widening Service's exported
// surface just for display.
func ifaceName(svc *vrrp.Service) string {
	itf, err := net.InterfaceByIndex(svc.Key().IfaceIndex)
	if err != nil {
		return ""
	}
	return itf.Name
}

func (b *Backend) onSave(argv []string) string {
	path := b.configPath
	if len(argv) > 1 {
		path = argv[1]
	}
	records := make([]config.Record, 0, len(b.registry.All()))
	for _, svc := range b.registry.All() {
		cfg := svc.Config()
		rec := config.Record{
			IfName:       ifaceName(svc),
			VRID:         svc.Key().VRID,
			Family:       svc.Key().Family,
			Priority:     cfg.Priority,
			IntervalMsec: uint32(cfg.AdvInterval) * 10,
			Accept:       cfg.Accept,
			Preempt:      cfg.Preempt,
			Enabled:      svc.State() != vrrp.Disabled,
			PrimaryIP:    cfg.PrimaryIP,
			Addresses:    svc.Addresses(),
		}
		records = append(records, rec)
	}
	if err := config.Save(path, records); err != nil {
		return fmt.Sprintf("Error saving configuration: %v\n", err)
	}
	return ""
}
