package nl

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"godropbox/errors"
)

// IfAddress is an address/prefix assigned to an interface.
type IfAddress struct {
	IfIndex int
	Prefix  *net.IPNet
	Family  uint8
	Scope   uint8
}

func (a *IfAddress) String() string {
	prefix := "<nil>"
	if a.Prefix != nil {
		prefix = a.Prefix.String()
	}
	return fmt.Sprintf("IfAddress{ifindex: %d, prefix: %s, scope: %d}",
		a.IfIndex, prefix, a.Scope)
}

// scopeFromIP infers the kernel scope tier from the address class.
func scopeFromIP(ip net.IP) uint8 {
	if ip.IsLoopback() {
		return syscall.RT_SCOPE_HOST
	}
	if ip.IsLinkLocalUnicast() {
		return syscall.RT_SCOPE_LINK
	}
	return syscall.RT_SCOPE_UNIVERSE
}

func familyFromIP(ip net.IP) uint8 {
	if ip.To4() != nil {
		return syscall.AF_INET
	}
	return syscall.AF_INET6
}

type IfAddressBuilder struct {
	addr       IfAddress
	hasIfIndex bool
	hasScope   bool
}

func (b *IfAddressBuilder) SetIfIndex(ifIndex int) *IfAddressBuilder {
	b.addr.IfIndex = ifIndex
	b.hasIfIndex = true
	return b
}

func (b *IfAddressBuilder) SetPrefix(prefix *net.IPNet) *IfAddressBuilder {
	b.addr.Prefix = prefix
	return b
}

func (b *IfAddressBuilder) SetScope(scope uint8) *IfAddressBuilder {
	b.addr.Scope = scope
	b.hasScope = true
	return b
}

func (b *IfAddressBuilder) Build() (IfAddress, error) {
	if !b.hasIfIndex {
		return IfAddress{}, errors.New("interface address requires an ifindex")
	}
	if b.addr.Prefix == nil || b.addr.Prefix.IP == nil {
		return IfAddress{}, errors.New("interface address requires a prefix")
	}
	b.addr.Family = familyFromIP(b.addr.Prefix.IP)
	if !b.hasScope {
		b.addr.Scope = scopeFromIP(b.addr.Prefix.IP)
	}
	return b.addr, nil
}

func parseIfAddress(body []byte) (IfAddress, error) {
	if len(body) < syscall.SizeofIfAddrmsg {
		return IfAddress{}, errors.Newf(
			"address message body too short: %d bytes", len(body))
	}
	ifa := (*syscall.IfAddrmsg)(unsafe.Pointer(&body[0]))

	addr := IfAddress{
		IfIndex: int(ifa.Index),
		Family:  ifa.Family,
		Scope:   ifa.Scope,
	}

	attrs, err := parseAttributes(body[nlmsgAlignOf(syscall.SizeofIfAddrmsg):])
	if err != nil {
		return IfAddress{}, errors.Wrap(err, "malformed address attributes: ")
	}

	var ip net.IP
	for i := range attrs {
		switch attrs[i].Type {
		case syscall.IFA_ADDRESS:
			// IFA_LOCAL, when present, is the authoritative interface
			// address (IFA_ADDRESS is the peer on pointopoint links).
			if ip == nil {
				ip = ipCopy(attrs[i].Value)
			}
		case syscall.IFA_LOCAL:
			ip = ipCopy(attrs[i].Value)
		}
	}
	if ip != nil {
		bits := 32
		if ifa.Family == syscall.AF_INET6 {
			bits = 128
		}
		addr.Prefix = &net.IPNet{
			IP:   ip,
			Mask: net.CIDRMask(int(ifa.Prefixlen), bits),
		}
	}
	return addr, nil
}

func ifAddrmsgBody(addr *IfAddress) []byte {
	body := make([]byte, syscall.SizeofIfAddrmsg)
	ifa := (*syscall.IfAddrmsg)(unsafe.Pointer(&body[0]))
	ifa.Family = addr.Family
	ifa.Scope = addr.Scope
	ifa.Index = uint32(addr.IfIndex)
	if addr.Prefix != nil {
		ones, _ := addr.Prefix.Mask.Size()
		ifa.Prefixlen = uint8(ones)
	}
	return body
}

func ipBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// ipCopy detaches decoded address bytes from the receive buffer they alias;
// the read loop reuses that buffer for the next datagram.
func ipCopy(b []byte) net.IP {
	return append(net.IP(nil), b...)
}

// Frame for RTM_GETADDR dumps.
type addressMessage struct {
	message
	addrs []IfAddress
}

func newAddressDumpRequest() *addressMessage {
	body := make([]byte, syscall.SizeofIfAddrmsg)
	ifa := (*syscall.IfAddrmsg)(unsafe.Pointer(&body[0]))
	ifa.Family = syscall.AF_UNSPEC

	return &addressMessage{
		message: newMessage(
			"get_all_addrs",
			syscall.RTM_GETADDR,
			syscall.NLM_F_REQUEST|syscall.NLM_F_DUMP,
			body),
	}
}

func (m *addressMessage) rcvdIfAddress(addr IfAddress) {
	m.addrs = append(m.addrs, addr)
}

// Frame for RTM_NEWADDR/RTM_DELADDR mutations. Expects only a terminal ack.
func newAddressChangeRequest(isAdd bool, addr *IfAddress) *message {
	name := "del_addr"
	msgType := uint16(syscall.RTM_DELADDR)
	flags := uint16(syscall.NLM_F_REQUEST | syscall.NLM_F_ACK)
	if isAdd {
		name = "add_addr"
		msgType = syscall.RTM_NEWADDR
		// EXCL so an already present address surfaces as EEXIST; the layer
		// above decides whether that is fatal.
		flags |= syscall.NLM_F_CREATE | syscall.NLM_F_EXCL
	}

	m := newMessage(name, msgType, flags, ifAddrmsgBody(addr))
	if addr.Prefix != nil {
		m.addAttribute(attrBytes(syscall.IFA_LOCAL, ipBytes(addr.Prefix.IP)))
		m.addAttribute(attrBytes(syscall.IFA_ADDRESS, ipBytes(addr.Prefix.IP)))
	}
	return &m
}

// IfAddressesFuture resolves with the accumulated address dump.
type IfAddressesFuture struct {
	m *addressMessage
}

func (f *IfAddressesFuture) Await() ([]IfAddress, int) {
	status := <-f.m.future.ch
	return f.m.addrs, status
}

func resolvedIfAddressesFuture(addrs []IfAddress, status int) *IfAddressesFuture {
	m := &addressMessage{message: newMessage("get_all_addrs", 0, 0, nil)}
	m.addrs = addrs
	m.future.resolve(status)
	return &IfAddressesFuture{m: m}
}
