package nl

import (
	"net"
	"syscall"
	"unsafe"

	. "gopkg.in/check.v1"
)

type MessageSuite struct {
}

var _ = Suite(&MessageSuite{})

func (m *MessageSuite) TestResolveTwicePanics(c *C) {
	f := newStatusFuture()
	f.resolve(0)
	c.Assert(func() { f.resolve(0) }, PanicMatches, ".*resolved twice.*")
}

func (m *MessageSuite) TestLateResolveDoesNotBlock(c *C) {
	// nobody awaits this future; resolution must still return.
	f := newStatusFuture()
	f.resolve(-int(syscall.EEXIST))
}

func (m *MessageSuite) TestUndeclaredCallbackPanics(c *C) {
	// a mutation frame never accepts decoded objects.
	addr := CreateTestIfAddress(1, "10.0.0.1/24")
	req := newAddressChangeRequest(true, &addr)

	c.Assert(func() { req.rcvdRoute(Route{}) }, PanicMatches, ".*never accepts route.*")
	c.Assert(func() { req.rcvdLink(Link{}) }, PanicMatches, ".*never accepts link.*")

	// a link dump accepts links but nothing else.
	dump := newLinkDumpRequest()
	dump.rcvdLink(Link{IfIndex: 1, LinkName: "eth0"})
	c.Assert(dump.links, HasLen, 1)
	c.Assert(
		func() { dump.rcvdNeighbor(Neighbor{}) },
		PanicMatches,
		".*never accepts neighbor.*")
}

func (m *MessageSuite) TestSerializeHeader(c *C) {
	addr := CreateTestIfAddress(3, "192.168.1.1/24")
	req := newAddressChangeRequest(true, &addr)
	req.setSequence(77)

	b, err := req.serialize()
	c.Assert(err, IsNil)
	c.Assert(len(b) >= syscall.SizeofNlMsghdr+syscall.SizeofIfAddrmsg, Equals, true)

	hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&b[0]))
	c.Assert(hdr.Len, Equals, uint32(len(b)))
	c.Assert(hdr.Type, Equals, uint16(syscall.RTM_NEWADDR))
	c.Assert(hdr.Seq, Equals, uint32(77))
	c.Assert(hdr.Flags&syscall.NLM_F_REQUEST, Not(Equals), uint16(0))
	c.Assert(hdr.Flags&syscall.NLM_F_ACK, Not(Equals), uint16(0))
	c.Assert(hdr.Flags&syscall.NLM_F_EXCL, Not(Equals), uint16(0))

	ifa := (*syscall.IfAddrmsg)(unsafe.Pointer(&b[syscall.SizeofNlMsghdr]))
	c.Assert(ifa.Index, Equals, uint32(3))
	c.Assert(ifa.Prefixlen, Equals, uint8(24))
	c.Assert(ifa.Scope, Equals, uint8(syscall.RT_SCOPE_UNIVERSE))

	attrs, err := parseAttributes(
		b[syscall.SizeofNlMsghdr+nlmsgAlignOf(syscall.SizeofIfAddrmsg):])
	c.Assert(err, IsNil)
	c.Assert(len(attrs), Equals, 2)
	c.Assert(attrs[0].Type, Equals, uint16(syscall.IFA_LOCAL))
	c.Assert(net.IP(attrs[0].Value).String(), Equals, "192.168.1.1")
}

func (m *MessageSuite) TestSerializeExhaustion(c *C) {
	msg := newMessage("test", syscall.RTM_NEWROUTE, syscall.NLM_F_REQUEST, nil)
	msg.addAttribute(attrBytes(1, make([]byte, maxNlPayloadSize)))

	_, err := msg.serialize()
	c.Assert(err, NotNil)
}

func (m *MessageSuite) TestLinkRoundTrip(c *C) {
	// encode a kernel-shaped link message and decode it back.
	body := make([]byte, syscall.SizeofIfInfomsg)
	ifi := (*syscall.IfInfomsg)(unsafe.Pointer(&body[0]))
	ifi.Index = 4
	ifi.Flags = syscall.IFF_UP | syscall.IFF_RUNNING

	buf := make([]byte, maxNlPayloadSize)
	copy(buf, body)
	n, err := encodeAttributes(
		buf,
		nlmsgAlignOf(syscall.SizeofIfInfomsg),
		[]Attribute{attrString(syscall.IFLA_IFNAME, "eth4")})
	c.Assert(err, IsNil)

	link, err := parseLink(buf[:n])
	c.Assert(err, IsNil)
	c.Assert(link.IfIndex, Equals, 4)
	c.Assert(link.LinkName, Equals, "eth4")
	c.Assert(link.IsUp(), Equals, true)
	c.Assert(link.IsLoopback(), Equals, false)
}

func (m *MessageSuite) TestIfAddressDecode(c *C) {
	body := make([]byte, syscall.SizeofIfAddrmsg)
	ifa := (*syscall.IfAddrmsg)(unsafe.Pointer(&body[0]))
	ifa.Family = syscall.AF_INET
	ifa.Prefixlen = 24
	ifa.Scope = syscall.RT_SCOPE_UNIVERSE
	ifa.Index = 2

	buf := make([]byte, maxNlPayloadSize)
	copy(buf, body)
	n, err := encodeAttributes(
		buf,
		nlmsgAlignOf(syscall.SizeofIfAddrmsg),
		[]Attribute{attrBytes(syscall.IFA_LOCAL, net.ParseIP("10.1.2.3").To4())})
	c.Assert(err, IsNil)

	addr, err := parseIfAddress(buf[:n])
	c.Assert(err, IsNil)
	c.Assert(addr.IfIndex, Equals, 2)
	c.Assert(addr.Prefix.String(), Equals, "10.1.2.3/24")
	c.Assert(addr.Family, Equals, uint8(syscall.AF_INET))
}

func (m *MessageSuite) TestUnknownAttributesIgnored(c *C) {
	body := make([]byte, syscall.SizeofIfInfomsg)
	ifi := (*syscall.IfInfomsg)(unsafe.Pointer(&body[0]))
	ifi.Index = 9

	buf := make([]byte, maxNlPayloadSize)
	copy(buf, body)
	n, err := encodeAttributes(
		buf,
		nlmsgAlignOf(syscall.SizeofIfInfomsg),
		[]Attribute{
			attrUint32(0x7f00, 1), // future kernel attribute
			attrString(syscall.IFLA_IFNAME, "dummy9"),
		})
	c.Assert(err, IsNil)

	link, err := parseLink(buf[:n])
	c.Assert(err, IsNil)
	c.Assert(link.LinkName, Equals, "dummy9")
}
