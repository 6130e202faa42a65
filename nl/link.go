package nl

import (
	"fmt"
	"syscall"
	"unsafe"

	"godropbox/errors"
)

// Link is a kernel network interface. Identity is the kernel assigned
// ifindex; the name is a secondary lookup key.
type Link struct {
	IfIndex  int
	LinkName string
	Flags    uint32
}

func (l *Link) IsUp() bool {
	return l.Flags&syscall.IFF_RUNNING != 0
}

func (l *Link) IsLoopback() bool {
	return l.Flags&syscall.IFF_LOOPBACK != 0
}

func (l *Link) String() string {
	return fmt.Sprintf("Link{ifindex: %d, name: %s, up: %v}",
		l.IfIndex, l.LinkName, l.IsUp())
}

type LinkBuilder struct {
	link       Link
	hasIfIndex bool
}

func (b *LinkBuilder) SetIfIndex(ifIndex int) *LinkBuilder {
	b.link.IfIndex = ifIndex
	b.hasIfIndex = true
	return b
}

func (b *LinkBuilder) SetLinkName(name string) *LinkBuilder {
	b.link.LinkName = name
	return b
}

// SetFlags ors the given bits into the link flag set.
func (b *LinkBuilder) SetFlags(flags uint32) *LinkBuilder {
	b.link.Flags |= flags
	return b
}

func (b *LinkBuilder) Build() (Link, error) {
	if !b.hasIfIndex {
		return Link{}, errors.New("link requires an interface index")
	}
	if b.link.LinkName == "" {
		return Link{}, errors.New("link requires an interface name")
	}
	return b.link, nil
}

// parseLink reconstructs a Link from an RTM_NEWLINK/RTM_DELLINK payload
// (ifinfomsg + attributes). Unknown attributes are skipped for forward
// compatibility.
func parseLink(body []byte) (Link, error) {
	if len(body) < syscall.SizeofIfInfomsg {
		return Link{}, errors.Newf(
			"link message body too short: %d bytes", len(body))
	}
	ifi := (*syscall.IfInfomsg)(unsafe.Pointer(&body[0]))

	link := Link{
		IfIndex: int(ifi.Index),
		Flags:   ifi.Flags,
	}

	attrs, err := parseAttributes(body[nlmsgAlignOf(syscall.SizeofIfInfomsg):])
	if err != nil {
		return Link{}, errors.Wrap(err, "malformed link attributes: ")
	}
	for i := range attrs {
		switch attrs[i].Type {
		case syscall.IFLA_IFNAME:
			link.LinkName = attrs[i].String()
		}
	}
	return link, nil
}

// Frame for RTM_GETLINK dumps. Accumulates links across the multi-part
// response until the socket completes it.
type linkMessage struct {
	message
	links []Link
}

func newLinkDumpRequest() *linkMessage {
	body := make([]byte, syscall.SizeofIfInfomsg)
	ifi := (*syscall.IfInfomsg)(unsafe.Pointer(&body[0]))
	ifi.Family = syscall.AF_UNSPEC

	return &linkMessage{
		message: newMessage(
			"get_all_links",
			syscall.RTM_GETLINK,
			syscall.NLM_F_REQUEST|syscall.NLM_F_DUMP,
			body),
	}
}

func (m *linkMessage) rcvdLink(link Link) {
	m.links = append(m.links, link)
}

// LinksFuture resolves with the accumulated link dump and its terminal
// status (0 or negative errno).
type LinksFuture struct {
	m *linkMessage
}

func (f *LinksFuture) Await() ([]Link, int) {
	status := <-f.m.future.ch
	return f.m.links, status
}

func resolvedLinksFuture(links []Link, status int) *LinksFuture {
	m := &linkMessage{message: newMessage("get_all_links", 0, 0, nil)}
	m.links = links
	m.future.resolve(status)
	return &LinksFuture{m: m}
}
