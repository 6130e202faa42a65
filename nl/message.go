package nl

import (
	"sync"
	"syscall"
	"unsafe"

	"godropbox/errors"

	"routeagent/exclog"
)

// statusFuture relays the terminal status of one netlink request from the
// socket read loop to the caller that issued it. Resolved exactly once;
// resolving twice is an engine bug and crashes.
type statusFuture struct {
	mu       sync.Mutex
	resolved bool
	ch       chan int
}

func newStatusFuture() *statusFuture {
	return &statusFuture{
		// buffered so a late completion into an abandoned future never
		// blocks the read loop.
		ch: make(chan int, 1),
	}
}

func (f *statusFuture) resolve(status int) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		exclog.PanicAndReportf("nl: netlink request completion resolved twice")
	}
	f.resolved = true
	f.mu.Unlock()

	f.ch <- status
}

// StatusFuture is the caller-visible handle for mutation requests. Await
// blocks until the kernel acked the request and returns 0 on success or the
// negative errno reported by the kernel.
type StatusFuture struct {
	f *statusFuture
}

func (f *StatusFuture) Await() int {
	return <-f.f.ch
}

// pre-resolved future, used by FakeSocket and on send failures.
func resolvedStatusFuture(status int) *StatusFuture {
	f := newStatusFuture()
	f.resolve(status)
	return &StatusFuture{f: f}
}

// request is one in-flight netlink message frame. The socket owns the frame
// from send until its completion resolves; frame variants declare which
// object callbacks they accept by overriding the corresponding rcvd method.
type request interface {
	kind() string
	serialize() ([]byte, error)
	sequence() uint32
	setSequence(seq uint32)

	rcvdLink(link Link)
	rcvdIfAddress(addr IfAddress)
	rcvdRoute(route Route)
	rcvdNeighbor(neighbor Neighbor)

	// complete resolves the frame future with the terminal status, exactly
	// once.
	complete(status int)
}

// message is the base frame: nlmsghdr fields, the fixed kernel body and the
// attribute tree. Request kinds embed it and override the callbacks they
// expect; the defaults crash since receiving an undeclared object kind means
// the demultiplexer or the request encoding is broken.
type message struct {
	name    string
	msgType uint16
	flags   uint16
	seq     uint32
	body    []byte
	attrs   []Attribute
	future  *statusFuture
}

func newMessage(name string, msgType uint16, flags uint16, body []byte) message {
	return message{
		name:    name,
		msgType: msgType,
		flags:   flags,
		body:    body,
		future:  newStatusFuture(),
	}
}

func (m *message) kind() string {
	return m.name
}

func (m *message) sequence() uint32 {
	return m.seq
}

func (m *message) setSequence(seq uint32) {
	m.seq = seq
}

func (m *message) addAttribute(attr Attribute) {
	m.attrs = append(m.attrs, attr)
}

// serialize lays out nlmsghdr + fixed body + attributes and back-patches the
// total length. Fails with ErrBufferExhausted instead of truncating.
func (m *message) serialize() ([]byte, error) {
	buf := make([]byte, maxNlPayloadSize)

	off := syscall.SizeofNlMsghdr
	if off+nlmsgAlignOf(len(m.body)) > len(buf) {
		return nil, errors.Wrapf(
			ErrBufferExhausted, "%s: fixed body does not fit", m.name)
	}
	copy(buf[off:], m.body)
	off += nlmsgAlignOf(len(m.body))

	off, err := encodeAttributes(buf, off, m.attrs)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: ", m.name)
	}

	hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&buf[0]))
	hdr.Len = uint32(off)
	hdr.Type = m.msgType
	hdr.Flags = m.flags
	hdr.Seq = m.seq
	hdr.Pid = 0

	return buf[:off], nil
}

func (m *message) complete(status int) {
	m.future.resolve(status)
}

func (m *message) rcvdLink(Link) {
	exclog.PanicAndReportf("nl: %s request never accepts link objects", m.name)
}

func (m *message) rcvdIfAddress(IfAddress) {
	exclog.PanicAndReportf("nl: %s request never accepts address objects", m.name)
}

func (m *message) rcvdRoute(Route) {
	exclog.PanicAndReportf("nl: %s request never accepts route objects", m.name)
}

func (m *message) rcvdNeighbor(Neighbor) {
	exclog.PanicAndReportf("nl: %s request never accepts neighbor objects", m.name)
}
