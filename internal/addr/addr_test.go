package addr

import "testing"

func TestFromNetIPFamily(t *testing.T) {
	a, err := FromNetIP([]byte{10, 0, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if a.Family() != V4 {
		t.Errorf("expected V4, got %v", a.Family())
	}
}

func TestGreaterThan(t *testing.T) {
	a := MustFromString("10.0.0.10")
	b := MustFromString("10.0.0.11")
	if !b.GreaterThan(a) {
		t.Error("expected 10.0.0.11 > 10.0.0.10")
	}
	if a.GreaterThan(b) {
		t.Error("expected 10.0.0.10 not > 10.0.0.11")
	}
}

func TestGreaterThanDifferentFamily(t *testing.T) {
	a := MustFromString("10.0.0.10")
	b := MustFromString("fe80::1")
	if a.GreaterThan(b) || b.GreaterThan(a) {
		t.Error("addresses of different families should never compare greater")
	}
}

func TestSubnetMapKey(t *testing.T) {
	set := make(map[IPSubnet]bool)
	s1, _ := ParseSubnet("10.0.0.10/24")
	s2, _ := ParseSubnet("10.0.0.10/24")
	set[s1] = true
	if !set[s2] {
		t.Error("equal subnets must compare equal as map keys")
	}
}

func TestSubnetString(t *testing.T) {
	s, err := ParseSubnet("192.168.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if s.String() != "192.168.0.0/24" {
		t.Errorf("got %s", s.String())
	}
}

func TestIPNetConversion(t *testing.T) {
	s, _ := ParseSubnet("fe80::1/64")
	n := s.IPNet()
	ones, bits := n.Mask.Size()
	if ones != 64 || bits != 128 {
		t.Errorf("got ones=%d bits=%d", ones, bits)
	}
}
