package nl

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	. "gopkg.in/check.v1"
)

type SocketSuite struct {
}

var _ = Suite(&SocketSuite{})

// In-memory kernel endpoint behind the socketFunc seam.
type fakeKernel struct {
	mu        sync.Mutex
	sent      chan []byte
	rx        chan []byte
	sendErrs  []error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		sent:   make(chan []byte, 64),
		rx:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (k *fakeKernel) api() *socketFunc {
	return &socketFunc{
		Open: func() (int, error) {
			return 42, nil
		},
		Sendto: func(fd int, p []byte) error {
			k.mu.Lock()
			if len(k.sendErrs) > 0 {
				err := k.sendErrs[0]
				k.sendErrs = k.sendErrs[1:]
				k.mu.Unlock()
				return err
			}
			k.mu.Unlock()

			b := make([]byte, len(p))
			copy(b, p)
			k.sent <- b
			return nil
		},
		Recvfrom: func(fd int, p []byte) (int, error) {
			select {
			case d := <-k.rx:
				copy(p, d)
				return len(d), nil
			case <-k.closed:
				return 0, syscall.EBADF
			case <-time.After(10 * time.Millisecond):
				// receive timeout, as on the kernel socket.
				return 0, syscall.EAGAIN
			}
		},
		Close: func(fd int) error {
			k.closeOnce.Do(func() { close(k.closed) })
			return nil
		},
	}
}

func (k *fakeKernel) queueSendErrs(errs ...error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sendErrs = append(k.sendErrs, errs...)
}

// nextRequest pops one request written by the socket and returns its header.
func (k *fakeKernel) nextRequest(c *C) syscall.NlMsghdr {
	select {
	case b := <-k.sent:
		c.Assert(len(b) >= syscall.SizeofNlMsghdr, Equals, true)
		return *(*syscall.NlMsghdr)(unsafe.Pointer(&b[0]))
	case <-time.After(5 * time.Second):
		c.Fatal("no request written to the kernel socket")
	}
	return syscall.NlMsghdr{}
}

// Byte-level builders for kernel replies.

func kernelMsg(msgType uint16, flags uint16, seq uint32, body []byte) []byte {
	length := syscall.SizeofNlMsghdr + nlmsgAlignOf(len(body))
	b := make([]byte, length)
	hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&b[0]))
	hdr.Len = uint32(syscall.SizeofNlMsghdr + len(body))
	hdr.Type = msgType
	hdr.Flags = flags
	hdr.Seq = seq
	copy(b[syscall.SizeofNlMsghdr:], body)
	return b
}

func kernelDatagram(msgs ...[]byte) []byte {
	var b []byte
	for _, m := range msgs {
		b = append(b, m...)
	}
	return b
}

func linkBody(c *C, ifIndex int, name string, flags uint32) []byte {
	buf := make([]byte, maxNlPayloadSize)
	ifi := (*syscall.IfInfomsg)(unsafe.Pointer(&buf[0]))
	ifi.Index = int32(ifIndex)
	ifi.Flags = flags

	n, err := encodeAttributes(
		buf,
		nlmsgAlignOf(syscall.SizeofIfInfomsg),
		[]Attribute{attrString(syscall.IFLA_IFNAME, name)})
	c.Assert(err, IsNil)
	return buf[:n]
}

func addrBody(c *C, ifIndex int, prefix string) []byte {
	addr := CreateTestIfAddress(ifIndex, prefix)

	buf := make([]byte, maxNlPayloadSize)
	copy(buf, ifAddrmsgBody(&addr))
	n, err := encodeAttributes(
		buf,
		nlmsgAlignOf(syscall.SizeofIfAddrmsg),
		[]Attribute{attrBytes(syscall.IFA_LOCAL, ipBytes(addr.Prefix.IP))})
	c.Assert(err, IsNil)
	return buf[:n]
}

func errBody(errno int) []byte {
	b := make([]byte, syscall.SizeofNlMsgerr)
	nlerr := (*syscall.NlMsgerr)(unsafe.Pointer(&b[0]))
	nlerr.Error = int32(errno)
	return b
}

func (k *fakeKernel) startSocket(c *C) *Socket {
	s, err := newSocket(k.api(), SocketParams{DisableResync: true})
	c.Assert(err, IsNil)
	return s
}

func (m *SocketSuite) TestMultipartDump(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	fut := s.GetAllLinks()
	hdr := k.nextRequest(c)
	c.Assert(hdr.Type, Equals, uint16(syscall.RTM_GETLINK))
	c.Assert(hdr.Flags&syscall.NLM_F_DUMP, Not(Equals), uint16(0))

	// dump spread over two datagrams, then the terminal marker.
	k.rx <- kernelDatagram(
		kernelMsg(syscall.RTM_NEWLINK, syscall.NLM_F_MULTI, hdr.Seq,
			linkBody(c, 1, "eth0", syscall.IFF_UP|syscall.IFF_RUNNING)))
	k.rx <- kernelDatagram(
		kernelMsg(syscall.RTM_NEWLINK, syscall.NLM_F_MULTI, hdr.Seq,
			linkBody(c, 2, "lo", syscall.IFF_UP|syscall.IFF_RUNNING|syscall.IFF_LOOPBACK)),
		kernelMsg(syscall.NLMSG_DONE, syscall.NLM_F_MULTI, hdr.Seq, nil))

	links, status := fut.Await()
	c.Assert(status, Equals, 0)
	c.Assert(links, HasLen, 2)
	c.Assert(links[0].LinkName, Equals, "eth0")
	c.Assert(links[1].LinkName, Equals, "lo")
	c.Assert(links[1].IsLoopback(), Equals, true)
}

func (m *SocketSuite) TestMultipartDumpRetainsEarlierDatagrams(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	fut := s.GetAllIfAddresses()
	hdr := k.nextRequest(c)
	c.Assert(hdr.Type, Equals, uint16(syscall.RTM_GETADDR))

	// the reader reuses one receive buffer across datagrams; addresses
	// decoded from the first datagram must not be rewritten in place when
	// the second one lands.
	k.rx <- kernelDatagram(
		kernelMsg(syscall.RTM_NEWADDR, syscall.NLM_F_MULTI, hdr.Seq,
			addrBody(c, 1, "10.1.1.1/24")))
	k.rx <- kernelDatagram(
		kernelMsg(syscall.RTM_NEWADDR, syscall.NLM_F_MULTI, hdr.Seq,
			addrBody(c, 2, "10.2.2.2/24")),
		kernelMsg(syscall.NLMSG_DONE, syscall.NLM_F_MULTI, hdr.Seq, nil))

	addrs, status := fut.Await()
	c.Assert(status, Equals, 0)
	c.Assert(addrs, HasLen, 2)
	c.Assert(addrs[0].IfIndex, Equals, 1)
	c.Assert(addrs[0].Prefix.String(), Equals, "10.1.1.1/24")
	c.Assert(addrs[1].IfIndex, Equals, 2)
	c.Assert(addrs[1].Prefix.String(), Equals, "10.2.2.2/24")
}

func (m *SocketSuite) TestNotificationRetainsPayload(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	k.rx <- kernelMsg(syscall.RTM_NEWADDR, 0, 0, addrBody(c, 1, "10.1.1.1/24"))
	k.rx <- kernelMsg(syscall.RTM_NEWADDR, 0, 0, addrBody(c, 2, "10.2.2.2/24"))

	var got []string
	for len(got) < 2 {
		select {
		case n := <-s.Notifications():
			c.Assert(n.IfAddress, NotNil)
			got = append(got, n.IfAddress.Prefix.String())
		case <-time.After(5 * time.Second):
			c.Fatal("notifications never delivered")
		}
	}
	// the first payload must survive the datagram that followed it.
	c.Assert(got, DeepEquals, []string{"10.1.1.1/24", "10.2.2.2/24"})
}

func (m *SocketSuite) TestSequenceCorrelation(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	addr := CreateTestIfAddress(1, "10.0.0.1/24")
	fut1 := s.AddIfAddress(addr)
	hdr1 := k.nextRequest(c)
	fut2 := s.DeleteIfAddress(addr)
	hdr2 := k.nextRequest(c)
	fut3 := s.AddIfAddress(addr)
	hdr3 := k.nextRequest(c)

	c.Assert(hdr1.Seq, Not(Equals), hdr2.Seq)
	c.Assert(hdr2.Seq, Not(Equals), hdr3.Seq)

	// acks delivered out of order; each future must get its own status.
	k.rx <- kernelDatagram(
		kernelMsg(syscall.NLMSG_ERROR, 0, hdr3.Seq,
			errBody(-int(syscall.EADDRNOTAVAIL))),
		kernelMsg(syscall.NLMSG_ERROR, 0, hdr1.Seq,
			errBody(-int(syscall.EEXIST))),
		kernelMsg(syscall.NLMSG_ERROR, 0, hdr2.Seq, errBody(0)))

	c.Assert(fut1.Await(), Equals, -int(syscall.EEXIST))
	c.Assert(fut2.Await(), Equals, 0)
	c.Assert(fut3.Await(), Equals, -int(syscall.EADDRNOTAVAIL))
}

func (m *SocketSuite) TestEnobufsRetry(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	// two transient failures before the write goes through.
	k.queueSendErrs(syscall.ENOBUFS, syscall.ENOBUFS)

	fut := s.AddIfAddress(CreateTestIfAddress(1, "10.0.0.1/24"))
	hdr := k.nextRequest(c)
	k.rx <- kernelMsg(syscall.NLMSG_ERROR, 0, hdr.Seq, errBody(0))

	c.Assert(fut.Await(), Equals, 0)
}

func (m *SocketSuite) TestEnobufsExhaustion(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	errs := make([]error, sendRetryLimit)
	for i := range errs {
		errs[i] = syscall.ENOBUFS
	}
	k.queueSendErrs(errs...)

	fut := s.AddIfAddress(CreateTestIfAddress(1, "10.0.0.1/24"))
	c.Assert(fut.Await(), Equals, -int(syscall.ENOBUFS))
}

func (m *SocketSuite) TestSendFailure(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	k.queueSendErrs(syscall.EPERM)

	fut := s.AddIfAddress(CreateTestIfAddress(1, "10.0.0.1/24"))
	c.Assert(fut.Await(), Equals, -int(syscall.EPERM))
}

func (m *SocketSuite) TestUnsolicitedNotification(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	// sequence 0 matches no outstanding frame.
	k.rx <- kernelMsg(syscall.RTM_NEWADDR, 0, 0, addrBody(c, 3, "10.9.0.1/24"))

	select {
	case n := <-s.Notifications():
		c.Assert(n.MsgType, Equals, uint16(syscall.RTM_NEWADDR))
		c.Assert(n.IfAddress, NotNil)
		c.Assert(n.IfAddress.IfIndex, Equals, 3)
		c.Assert(n.IfAddress.Prefix.String(), Equals, "10.9.0.1/24")
	case <-time.After(5 * time.Second):
		c.Fatal("notification never delivered")
	}
}

func (m *SocketSuite) TestCloseFailsOutstanding(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)

	fut := s.AddIfAddress(CreateTestIfAddress(1, "10.0.0.1/24"))
	k.nextRequest(c)

	c.Assert(s.Close(), IsNil)
	c.Assert(fut.Await(), Equals, -int(syscall.ESHUTDOWN))
}

func (m *SocketSuite) TestCloseWakesIdleReader(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)

	fut := s.AddIfAddress(CreateTestIfAddress(1, "10.0.0.1/24"))
	k.nextRequest(c)

	// let the reader cycle through a few receive timeouts while the ack is
	// still pending; idle timeouts must not resolve the frame.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-fut.f.ch:
		c.Fatal("request resolved while the kernel was idle")
	default:
	}

	// the reader notices shutdown on its next surfacing and releases the fd.
	c.Assert(s.Close(), IsNil)
	c.Assert(fut.Await(), Equals, -int(syscall.ESHUTDOWN))
	select {
	case <-k.closed:
	case <-time.After(5 * time.Second):
		c.Fatal("socket fd never released")
	}
}

func (m *SocketSuite) TestResyncRequeriesKernel(c *C) {
	k := newFakeKernel()

	// auto-ack every dump request so resync cycles complete.
	done := make(chan struct{})
	defer close(done)
	var kinds []uint16
	var kindsMu sync.Mutex
	go func() {
		for {
			select {
			case b := <-k.sent:
				hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&b[0]))
				kindsMu.Lock()
				kinds = append(kinds, hdr.Type)
				kindsMu.Unlock()
				k.rx <- kernelMsg(syscall.NLMSG_DONE, syscall.NLM_F_MULTI, hdr.Seq, nil)
			case <-done:
				return
			}
		}
	}()

	s, err := newSocket(k.api(), SocketParams{
		ResyncInterval: 10 * time.Millisecond,
	})
	c.Assert(err, IsNil)
	defer s.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		kindsMu.Lock()
		seen := map[uint16]bool{}
		for _, kind := range kinds {
			seen[kind] = true
		}
		kindsMu.Unlock()
		if seen[syscall.RTM_GETLINK] && seen[syscall.RTM_GETADDR] &&
			seen[syscall.RTM_GETROUTE] {
			return
		}
		if time.Now().After(deadline) {
			c.Fatal("resync never re-queried kernel state")
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *SocketSuite) TestSequenceNeverReusedWhileOutstanding(c *C) {
	k := newFakeKernel()
	s := k.startSocket(c)
	defer s.Close()

	s.mu.Lock()
	s.nextSeq = 0xffffffff
	s.outstanding[1] = newLinkDumpRequest()
	s.mu.Unlock()

	fut := s.AddIfAddress(CreateTestIfAddress(1, "10.0.0.1/24"))
	hdr := k.nextRequest(c)
	// wraps past 0 (reserved) and past 1 (still outstanding).
	c.Assert(hdr.Seq, Equals, uint32(2))

	k.rx <- kernelMsg(syscall.NLMSG_ERROR, 0, hdr.Seq, errBody(0))
	c.Assert(fut.Await(), Equals, 0)

	s.mu.Lock()
	delete(s.outstanding, 1)
	s.mu.Unlock()
}

func (m *SocketSuite) TestNotificationChannelOverflow(c *C) {
	k := newFakeKernel()
	s, err := newSocket(k.api(), SocketParams{
		DisableResync:       true,
		NotificationBacklog: 1,
	})
	c.Assert(err, IsNil)
	defer s.Close()

	body := addrBody(c, 3, "10.9.0.1/24")
	k.rx <- kernelDatagram(
		kernelMsg(syscall.RTM_NEWADDR, 0, 0, body),
		kernelMsg(syscall.RTM_NEWADDR, 0, 0, body),
		kernelMsg(syscall.RTM_NEWADDR, 0, 0, body))

	// first one is delivered, overflow is dropped without wedging the
	// read loop.
	select {
	case <-s.Notifications():
	case <-time.After(5 * time.Second):
		c.Fatal("notification never delivered")
	}

	fut := s.GetAllLinks()
	hdr := k.nextRequest(c)
	k.rx <- kernelMsg(syscall.NLMSG_DONE, syscall.NLM_F_MULTI, hdr.Seq, nil)
	_, status := fut.Await()
	c.Assert(status, Equals, 0)
}
