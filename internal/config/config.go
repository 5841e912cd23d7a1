// Package config implements the daemon's on-disk binary configuration
// format: a versioned, big-endian file describing every virtual router
// to recreate at startup or on "save" (spec.md §6).
package config

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/govrrpd/govrrpd/internal/addr"
)

// fileVersion is the only version this codec understands.
const fileVersion = 1

// boolTrue and boolFalse are the wire encodings of u8bool.
const (
	boolFalse = 0x00
	boolTrue  = 0xFF
)

// hasPrimaryIP is bit 0 of Record.Flags: the record carries an explicit
// primary IP rather than auto-deriving one.
const hasPrimaryIP uint32 = 1

// Record is one virtual router entry, matching the "router" grammar of
// spec.md §6 byte-for-byte.
type Record struct {
	IfName       string
	VRID         byte
	Family       addr.Family
	Priority     byte
	IntervalMsec uint32
	Accept       bool
	Preempt      bool
	Enabled      bool
	Flags        uint32
	PrimaryIP    addr.IPAddress // valid only if Flags&hasPrimaryIP != 0
	Addresses    []addr.IPSubnet
}

// Valid reports whether r satisfies spec.md §6's per-record constraints.
// Load skips invalid records with a warning rather than failing the
// whole file.
func (r Record) Valid() error {
	if r.VRID < 1 {
		return fmt.Errorf("vrid %d out of range [1,255]", r.VRID)
	}
	if r.Priority < 1 {
		return fmt.Errorf("priority %d out of range [1,255]", r.Priority)
	}
	if r.Family != addr.V4 && r.Family != addr.V6 {
		return fmt.Errorf("unrecognised family %d", r.Family)
	}
	if r.IntervalMsec < 10 || r.IntervalMsec > 40950 || r.IntervalMsec%10 != 0 {
		return fmt.Errorf("interval_msec %d not a multiple of 10 in [10,40950]", r.IntervalMsec)
	}
	return nil
}

// Load reads and decodes path, skipping (and logging) any record that
// fails validation, per spec.md §6/§7. A record is identified by its
// position in the file for log messages since it may not yet have a
// valid VRID.
func Load(path string, logger log.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var version, count uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("config: read version: %w", err)
	}
	if version != fileVersion {
		return nil, fmt.Errorf("config: unsupported file version %d", version)
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("config: read router count: %w", err)
	}

	out := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("config: decode router record %d: %w", i, err)
		}
		if err := rec.Valid(); err != nil {
			level.Warn(logger).Log("msg", "skipping invalid configuration record", "index", i, "reason", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func readRecord(r io.Reader) (Record, error) {
	var rec Record

	ifname, err := readString(r)
	if err != nil {
		return rec, fmt.Errorf("ifname: %w", err)
	}
	rec.IfName = ifname

	var vrid, family, priority, interval uint32
	for _, field := range []*uint32{&vrid, &family, &priority, &interval} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return rec, err
		}
	}
	rec.VRID = byte(vrid)
	rec.Family = addr.Family(family)
	rec.Priority = byte(priority)
	rec.IntervalMsec = interval

	accept, err := readBool(r)
	if err != nil {
		return rec, fmt.Errorf("accept: %w", err)
	}
	preempt, err := readBool(r)
	if err != nil {
		return rec, fmt.Errorf("preempt: %w", err)
	}
	enabled, err := readBool(r)
	if err != nil {
		return rec, fmt.Errorf("enabled: %w", err)
	}
	rec.Accept, rec.Preempt, rec.Enabled = accept, preempt, enabled

	if err := binary.Read(r, binary.BigEndian, &rec.Flags); err != nil {
		return rec, fmt.Errorf("flags: %w", err)
	}
	if rec.Flags&hasPrimaryIP != 0 {
		ip, err := readIP(r)
		if err != nil {
			return rec, fmt.Errorf("primary ip: %w", err)
		}
		rec.PrimaryIP = ip
	}

	var addrCount uint32
	if err := binary.Read(r, binary.BigEndian, &addrCount); err != nil {
		return rec, fmt.Errorf("address count: %w", err)
	}
	rec.Addresses = make([]addr.IPSubnet, 0, addrCount)
	for i := uint32(0); i < addrCount; i++ {
		sub, err := readSubnet(r)
		if err != nil {
			return rec, fmt.Errorf("address %d: %w", i, err)
		}
		rec.Addresses = append(rec.Addresses, sub)
	}
	return rec, nil
}

func readString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBool(r io.Reader) (bool, error) {
	var b uint8
	if err := binary.Read(r, binary.BigEndian, &b); err != nil {
		return false, err
	}
	return b == boolTrue, nil
}

func readIP(r io.Reader) (addr.IPAddress, error) {
	var fam uint32
	if err := binary.Read(r, binary.BigEndian, &fam); err != nil {
		return addr.IPAddress{}, err
	}
	size := addr.Family(fam).Size()
	if size == 0 {
		return addr.IPAddress{}, fmt.Errorf("unrecognised ip family %d", fam)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return addr.IPAddress{}, err
	}
	ip, err := addr.FromNetIP(buf)
	if err != nil {
		return addr.IPAddress{}, err
	}
	return ip, nil
}

func readSubnet(r io.Reader) (addr.IPSubnet, error) {
	ip, err := readIP(r)
	if err != nil {
		return addr.IPSubnet{}, err
	}
	var cidr uint32
	if err := binary.Read(r, binary.BigEndian, &cidr); err != nil {
		return addr.IPSubnet{}, err
	}
	return addr.NewSubnet(ip, uint8(cidr)), nil
}

// Save encodes records to path, overwriting any existing file, in the
// format Load expects ("save [FILENAME]" in spec.md §6).
func Save(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.BigEndian, uint32(fileVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(records))); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeRecord(w, rec); err != nil {
			return fmt.Errorf("config: encode router record for %s/%d: %w", rec.IfName, rec.VRID, err)
		}
	}
	return w.Flush()
}

func writeRecord(w io.Writer, rec Record) error {
	if err := writeString(w, rec.IfName); err != nil {
		return err
	}
	for _, v := range []uint32{uint32(rec.VRID), uint32(rec.Family), uint32(rec.Priority), rec.IntervalMsec} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, b := range []bool{rec.Accept, rec.Preempt, rec.Enabled} {
		if err := writeBool(w, b); err != nil {
			return err
		}
	}
	flags := rec.Flags
	if rec.PrimaryIP.IsValid() {
		flags |= hasPrimaryIP
	}
	if err := binary.Write(w, binary.BigEndian, flags); err != nil {
		return err
	}
	if flags&hasPrimaryIP != 0 {
		if err := writeIP(w, rec.PrimaryIP); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(rec.Addresses))); err != nil {
		return err
	}
	for _, sub := range rec.Addresses {
		if err := writeSubnet(w, sub); err != nil {
			return err
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("interface name %q exceeds 255 bytes", s)
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func writeBool(w io.Writer, b bool) error {
	v := uint8(boolFalse)
	if b {
		v = boolTrue
	}
	return binary.Write(w, binary.BigEndian, v)
}

func writeIP(w io.Writer, ip addr.IPAddress) error {
	if err := binary.Write(w, binary.BigEndian, uint32(ip.Family())); err != nil {
		return err
	}
	_, err := w.Write(ip.Bytes())
	return err
}

func writeSubnet(w io.Writer, sub addr.IPSubnet) error {
	if err := writeIP(w, sub.Addr); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, uint32(sub.Prefix))
}
