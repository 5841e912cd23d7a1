package vrrp

import "fmt"

// NewMasterReason explains why a service most recently became (or is
// about to become) Master, per spec.md §6.
type NewMasterReason byte

const (
	NotMaster NewMasterReason = iota
	ReasonPriority
	ReasonPreempted
	ReasonMasterNotResponding
)

func (r NewMasterReason) String() string {
	switch r {
	case NotMaster:
		return "NotMaster"
	case ReasonPriority:
		return "Priority"
	case ReasonPreempted:
		return "Preempted"
	case ReasonMasterNotResponding:
		return "MasterNotResponding"
	default:
		return fmt.Sprintf("NewMasterReason(%d)", byte(r))
	}
}

// ProtocolErrReason records the most recent ingress validation failure
// reported to a specific service, per spec.md §6/§4.3.
type ProtocolErrReason byte

const (
	NoError ProtocolErrReason = iota
	IPTTLError
	VersionError
	ChecksumError
	VRIDError
)

func (r ProtocolErrReason) String() string {
	switch r {
	case NoError:
		return "NoError"
	case IPTTLError:
		return "IpTtlError"
	case VersionError:
		return "VersionError"
	case ChecksumError:
		return "ChecksumError"
	case VRIDError:
		return "VrIdError"
	default:
		return fmt.Sprintf("ProtocolErrReason(%d)", byte(r))
	}
}

// Stats is the per-service statistics block exposed by "show router ...
// stats" (spec.md §6).
type Stats struct {
	MasterTransitions      uint64
	NewMasterReason        NewMasterReason
	RcvdAdvertisements     uint64
	AdvIntervalErrors      uint64
	IPTTLErrors            uint64
	ProtocolErrReason      ProtocolErrReason
	RcvdPriZeroPackets     uint64
	SentPriZeroPackets     uint64
	RcvdInvalidTypePackets uint64
	AddressListErrors      uint64
	PacketLengthErrors     uint64
}

// GlobalStats are the three counters kept per address-family socket
// (spec.md §6), shared by every service of that family on that socket.
type GlobalStats struct {
	RouterChecksumErrors uint64
	RouterVersionErrors  uint64
	RouterVrIDErrors     uint64
}
