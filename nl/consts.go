package nl

import (
	"syscall"
)

// Address family selectors for dump filters.
const (
	FAMILY_ALL  = syscall.AF_UNSPEC
	FAMILY_V4   = syscall.AF_INET
	FAMILY_V6   = syscall.AF_INET6
	FAMILY_MPLS = AF_MPLS
)

// rtnetlink bits newer than the syscall package.
const (
	AF_MPLS = 28

	RTA_VIA        = 0x12
	RTA_NEWDST     = 0x13
	RTA_ENCAP_TYPE = 0x15
	RTA_ENCAP      = 0x16

	LWTUNNEL_ENCAP_MPLS = 1

	MPLS_IPTUNNEL_DST = 1

	NDA_DST    = 1
	NDA_LLADDR = 2
)

// Neighbor cache entry states (linux/neighbour.h).
const (
	NUD_INCOMPLETE = 0x01
	NUD_REACHABLE  = 0x02
	NUD_STALE      = 0x04
	NUD_DELAY      = 0x08
	NUD_PROBE      = 0x10
	NUD_FAILED     = 0x20
	NUD_NOARP      = 0x40
	NUD_PERMANENT  = 0x80
)

// MPLS label stack entry layout: label(20) | tc(3) | bos(1) | ttl(8).
const (
	mplsLabelShift = 12
	mplsBosBit     = 1 << 8
)
