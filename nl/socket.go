package nl

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"routeagent/dlog"
	"routeagent/stats"
)

const (
	// Room for several 4k dump parts per recvfrom.
	recvBufSize = 65536

	defaultResyncInterval      = 20 * time.Second
	defaultNotificationBacklog = 128

	// ENOBUFS send backoff schedule.
	sendRetryLimit   = 8
	sendRetryBackoff = 1 * time.Millisecond

	// Upper bound on how long the reader stays inside recvfrom. close()
	// does not interrupt a blocked syscall, so the reader has to surface
	// periodically to notice shutdown.
	recvTimeoutSec = 1
)

// NetlinkSocket is the request surface of the routing-netlink engine,
// implemented by the kernel-backed Socket and by the in-memory FakeSocket.
// All operations are asynchronous; futures resolve with 0 on success or a
// negative errno.
type NetlinkSocket interface {
	GetAllLinks() *LinksFuture
	GetAllIfAddresses() *IfAddressesFuture
	GetAllNeighbors() *NeighborsFuture
	GetRoutes(filter RouteFilter) *RoutesFuture

	AddIfAddress(addr IfAddress) *StatusFuture
	DeleteIfAddress(addr IfAddress) *StatusFuture
	AddRoute(route Route) *StatusFuture
	DeleteRoute(route Route) *StatusFuture
	AddNeighbor(neighbor Neighbor) *StatusFuture
	DeleteNeighbor(neighbor Neighbor) *StatusFuture

	// Kernel messages that matched no outstanding request, plus resync
	// observations.
	Notifications() <-chan Notification

	Close() error
}

// Notification is a kernel message that matched no outstanding request
// (asynchronous state change), or a resync observation. Exactly one object
// field is populated.
type Notification struct {
	MsgType   uint16
	Link      *Link
	IfAddress *IfAddress
	Route     *Route
	Neighbor  *Neighbor
}

// low-level socket operations, injectable in tests (see netlinkFunc-style
// mocking in socket_test.go).
type socketFunc struct {
	Open     func() (int, error)
	Sendto   func(fd int, p []byte) error
	Recvfrom func(fd int, p []byte) (int, error)
	Close    func(fd int) error
}

func kernelSocketFunc() *socketFunc {
	return &socketFunc{
		Open: func() (int, error) {
			fd, err := unix.Socket(
				unix.AF_NETLINK,
				unix.SOCK_RAW|unix.SOCK_CLOEXEC,
				unix.NETLINK_ROUTE)
			if err != nil {
				return -1, err
			}
			if err := unix.Bind(
				fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
				unix.Close(fd)
				return -1, err
			}
			tv := unix.Timeval{Sec: recvTimeoutSec}
			if err := unix.SetsockoptTimeval(
				fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
				unix.Close(fd)
				return -1, err
			}
			return fd, nil
		},
		Sendto: func(fd int, p []byte) error {
			return unix.Sendto(
				fd, p, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
		},
		Recvfrom: func(fd int, p []byte) (int, error) {
			n, _, err := unix.Recvfrom(fd, p, 0)
			return n, err
		},
		Close: unix.Close,
	}
}

type SocketParams struct {
	// Interval of the background full state re-query. Default 20s.
	ResyncInterval time.Duration
	// Disable the resync loop entirely (tests).
	DisableResync bool
	// Capacity of the notification channel. Default 128.
	NotificationBacklog int
}

// Socket owns one NETLINK_ROUTE kernel socket and the table of outstanding
// request frames. A single reader goroutine demultiplexes kernel datagrams
// to frames by sequence number; writers are serialized. Callers interact
// only through futures, never with the table itself.
type Socket struct {
	api    *socketFunc
	params SocketParams
	fd     int

	// one writer at a time so two requests never interleave on the wire.
	writeMu sync.Mutex

	// guards outstanding and nextSeq against the reader and issuing callers.
	mu          sync.Mutex
	outstanding map[uint32]request
	nextSeq     uint32

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

var _ NetlinkSocket = &Socket{}

func NewSocket(params SocketParams) (*Socket, error) {
	return newSocket(kernelSocketFunc(), params)
}

// using in tests to stub out the kernel socket.
func newSocket(api *socketFunc, params SocketParams) (*Socket, error) {
	if params.ResyncInterval == 0 {
		params.ResyncInterval = defaultResyncInterval
	}
	if params.NotificationBacklog == 0 {
		params.NotificationBacklog = defaultNotificationBacklog
	}

	fd, err := api.Open()
	if err != nil {
		return nil, err
	}

	s := &Socket{
		api:           api,
		params:        params,
		fd:            fd,
		outstanding:   make(map[uint32]request),
		notifications: make(chan Notification, params.NotificationBacklog),
		done:          make(chan struct{}),
	}

	go s.readLoop()
	if !params.DisableResync {
		go s.resyncLoop()
	}
	return s, nil
}

// Notifications delivers kernel messages that matched no outstanding frame
// plus periodic resync observations.
func (s *Socket) Notifications() <-chan Notification {
	return s.notifications
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		// the reader owns the fd: it surfaces within the receive timeout,
		// fails whatever is left outstanding so no future is ever abandoned
		// unresolved, and closes the fd on exit.
		close(s.done)
	})
	return nil
}

func (s *Socket) GetAllLinks() *LinksFuture {
	m := newLinkDumpRequest()
	s.issue(m)
	return &LinksFuture{m: m}
}

func (s *Socket) GetAllIfAddresses() *IfAddressesFuture {
	m := newAddressDumpRequest()
	s.issue(m)
	return &IfAddressesFuture{m: m}
}

func (s *Socket) GetAllNeighbors() *NeighborsFuture {
	m := newNeighborDumpRequest()
	s.issue(m)
	return &NeighborsFuture{m: m}
}

func (s *Socket) GetRoutes(filter RouteFilter) *RoutesFuture {
	m := newRouteDumpRequest(filter)
	s.issue(m)
	return &RoutesFuture{m: m}
}

func (s *Socket) AddIfAddress(addr IfAddress) *StatusFuture {
	return s.issueStatus(newAddressChangeRequest(true, &addr))
}

func (s *Socket) DeleteIfAddress(addr IfAddress) *StatusFuture {
	return s.issueStatus(newAddressChangeRequest(false, &addr))
}

func (s *Socket) AddRoute(route Route) *StatusFuture {
	m, err := newRouteChangeRequest(true, &route)
	if err != nil {
		dlog.Errorf("nl: encoding add_route: %v", err)
		return resolvedStatusFuture(-int(syscall.ENOBUFS))
	}
	return s.issueStatus(m)
}

func (s *Socket) DeleteRoute(route Route) *StatusFuture {
	m, err := newRouteChangeRequest(false, &route)
	if err != nil {
		dlog.Errorf("nl: encoding del_route: %v", err)
		return resolvedStatusFuture(-int(syscall.ENOBUFS))
	}
	return s.issueStatus(m)
}

func (s *Socket) AddNeighbor(neighbor Neighbor) *StatusFuture {
	return s.issueStatus(newNeighborChangeRequest(true, &neighbor))
}

func (s *Socket) DeleteNeighbor(neighbor Neighbor) *StatusFuture {
	return s.issueStatus(newNeighborChangeRequest(false, &neighbor))
}

func (s *Socket) issueStatus(m *message) *StatusFuture {
	s.issue(m)
	return &StatusFuture{f: m.future}
}

// issue stamps a fresh sequence number, registers the frame and writes it
// out. Failures before the kernel saw the frame resolve the future locally.
func (s *Socket) issue(req request) {
	s.mu.Lock()
	seq := s.allocSeqLocked()
	req.setSequence(seq)
	s.outstanding[seq] = req
	outstandingGauge.Set(float64(len(s.outstanding)))
	s.mu.Unlock()

	b, err := req.serialize()
	if err != nil {
		dlog.Errorf("nl: serializing %s request: %v", req.kind(), err)
		s.finish(req, -int(syscall.ENOBUFS))
		return
	}

	if err := s.send(b); err != nil {
		dlog.Errorf("nl: sending %s request: %v", req.kind(), err)
		s.finish(req, -errnoOf(err))
	}
}

// a sequence number is never reissued while its previous use is still
// outstanding; 0 is reserved for kernel notifications.
func (s *Socket) allocSeqLocked() uint32 {
	for {
		s.nextSeq++
		if s.nextSeq == 0 {
			s.nextSeq = 1
		}
		if _, busy := s.outstanding[s.nextSeq]; !busy {
			return s.nextSeq
		}
	}
}

// send writes one serialized frame, retrying ENOBUFS with backoff since the
// kernel side receive buffer is small and exhaustion is transient.
func (s *Socket) send(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	backoff := sendRetryBackoff
	for attempt := 0; ; attempt++ {
		err := s.api.Sendto(s.fd, b)
		if err != syscall.ENOBUFS {
			return err
		}
		enobufsCounter.Must(stats.KV{"op": "send"}).Inc()
		if attempt+1 >= sendRetryLimit {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// finish removes the frame from the outstanding table and resolves its
// future, exactly once.
func (s *Socket) finish(req request, status int) {
	s.mu.Lock()
	delete(s.outstanding, req.sequence())
	outstandingGauge.Set(float64(len(s.outstanding)))
	s.mu.Unlock()

	result := "ok"
	if status != 0 {
		result = "error"
	}
	requestCounter.Must(stats.KV{"kind": req.kind(), "result": result}).Inc()

	req.complete(status)
}

// readLoop is the single reader: kernel responses for this socket arrive in
// one ordered stream and are demultiplexed here.
func (s *Socket) readLoop() {
	defer func() {
		if err := s.api.Close(s.fd); err != nil {
			dlog.Errorf("nl: closing netlink socket: %v", err)
		}
	}()

	buf := make([]byte, recvBufSize)
	for {
		n, err := s.api.Recvfrom(s.fd, buf)
		select {
		case <-s.done:
			s.failOutstanding(-int(syscall.ESHUTDOWN))
			return
		default:
		}
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			if err == syscall.EAGAIN {
				// receive timeout on an idle socket; loop back for the
				// shutdown check above.
				continue
			}
			if err == syscall.ENOBUFS {
				// kernel dropped messages for us; the resync loop will
				// reconcile whatever was missed.
				enobufsCounter.Must(stats.KV{"op": "recv"}).Inc()
				continue
			}
			dlog.Errorf("nl: netlink read failed: %v", err)
			s.failOutstanding(-errnoOf(err))
			return
		}
		s.processDatagram(buf[:n])
	}
}

func (s *Socket) processDatagram(buf []byte) {
	for off := 0; off+syscall.SizeofNlMsghdr <= len(buf); {
		hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&buf[off]))
		length := int(hdr.Len)
		if length < syscall.SizeofNlMsghdr || off+length > len(buf) {
			dlog.Errorf(
				"nl: malformed netlink header: length %d with %d bytes left",
				length, len(buf)-off)
			return
		}
		s.processMessage(hdr, buf[off+syscall.SizeofNlMsghdr:off+length])
		off += nlmsgAlignOf(length)
	}
}

func (s *Socket) processMessage(hdr *syscall.NlMsghdr, body []byte) {
	s.mu.Lock()
	req := s.outstanding[hdr.Seq]
	s.mu.Unlock()

	switch hdr.Type {
	case syscall.NLMSG_NOOP:

	case syscall.NLMSG_OVERRUN:
		dlog.Errorf("nl: kernel reported receive overrun")

	case syscall.NLMSG_DONE:
		// terminal marker of a multi-part dump.
		if req == nil {
			dlog.Warningf("nl: NLMSG_DONE for unknown sequence %d", hdr.Seq)
			return
		}
		s.finish(req, 0)

	case syscall.NLMSG_ERROR:
		if len(body) < 4 {
			dlog.Errorf("nl: truncated NLMSG_ERROR payload")
			return
		}
		// 0 is the ack for a successfully applied request.
		errno := int(int32(native().Uint32(body)))
		if req == nil {
			dlog.Warningf(
				"nl: NLMSG_ERROR (%d) for unknown sequence %d", errno, hdr.Seq)
			return
		}
		s.finish(req, errno)

	case syscall.RTM_NEWLINK, syscall.RTM_DELLINK:
		link, err := parseLink(body)
		if err != nil {
			dlog.Errorf("nl: decoding link message: %v", err)
			return
		}
		if req != nil {
			req.rcvdLink(link)
		} else {
			s.notify(Notification{MsgType: hdr.Type, Link: &link})
		}

	case syscall.RTM_NEWADDR, syscall.RTM_DELADDR:
		addr, err := parseIfAddress(body)
		if err != nil {
			dlog.Errorf("nl: decoding address message: %v", err)
			return
		}
		if req != nil {
			req.rcvdIfAddress(addr)
		} else {
			s.notify(Notification{MsgType: hdr.Type, IfAddress: &addr})
		}

	case syscall.RTM_NEWROUTE, syscall.RTM_DELROUTE:
		route, err := parseRoute(body)
		if err != nil {
			dlog.Errorf("nl: decoding route message: %v", err)
			return
		}
		if req != nil {
			req.rcvdRoute(route)
		} else {
			s.notify(Notification{MsgType: hdr.Type, Route: &route})
		}

	case syscall.RTM_NEWNEIGH, syscall.RTM_DELNEIGH:
		neighbor, err := parseNeighbor(body)
		if err != nil {
			dlog.Errorf("nl: decoding neighbor message: %v", err)
			return
		}
		if req != nil {
			req.rcvdNeighbor(neighbor)
		} else {
			s.notify(Notification{MsgType: hdr.Type, Neighbor: &neighbor})
		}

	default:
		dlog.Warningf("nl: unhandled netlink message type %d", hdr.Type)
	}
}

func (s *Socket) notify(n Notification) {
	select {
	case s.notifications <- n:
		notificationCounter.Must(stats.KV{"result": "delivered"}).Inc()
	default:
		// saturated consumer; dropping is allowed but never silent.
		notificationCounter.Must(stats.KV{"result": "dropped"}).Inc()
		dlog.Warningf(
			"nl: notification channel full, dropping message type %d", n.MsgType)
	}
}

func (s *Socket) failOutstanding(status int) {
	s.mu.Lock()
	pending := make([]request, 0, len(s.outstanding))
	for _, req := range s.outstanding {
		pending = append(pending, req)
	}
	s.outstanding = make(map[uint32]request)
	outstandingGauge.Set(0)
	s.mu.Unlock()

	for _, req := range pending {
		req.complete(status)
	}
}

// resyncLoop periodically re-queries full kernel state so a consumer that
// missed asynchronous notifications converges again. Owned by the socket
// lifecycle: started on construction, stopped by Close.
func (s *Socket) resyncLoop() {
	ticker := time.NewTicker(s.params.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.resync()
		}
	}
}

func (s *Socket) resync() {
	result := "ok"

	links, status := s.GetAllLinks().Await()
	if status != 0 {
		result = "error"
	}
	for i := range links {
		s.notify(Notification{MsgType: syscall.RTM_NEWLINK, Link: &links[i]})
	}

	addrs, status := s.GetAllIfAddresses().Await()
	if status != 0 {
		result = "error"
	}
	for i := range addrs {
		s.notify(Notification{MsgType: syscall.RTM_NEWADDR, IfAddress: &addrs[i]})
	}

	routes, status := s.GetRoutes(RouteFilter{}).Await()
	if status != 0 {
		result = "error"
	}
	for i := range routes {
		s.notify(Notification{MsgType: syscall.RTM_NEWROUTE, Route: &routes[i]})
	}

	resyncCounter.Must(stats.KV{"result": result}).Inc()
}

func errnoOf(err error) int {
	if errno, ok := err.(syscall.Errno); ok {
		return int(errno)
	}
	return int(syscall.EIO)
}
