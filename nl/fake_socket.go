package nl

import (
	"fmt"
	"net"
	"sync"
	"syscall"
)

var _ NetlinkSocket = NewFakeSocket()

// FakeSocket emulates the kernel side of the netlink request surface with
// in-memory maps and the kernel's errno conventions, so callers cannot tell
// it apart from the wire-backed Socket. Futures it returns are already
// resolved.
type FakeSocket struct {
	mu sync.Mutex

	links   map[int]Link
	ifAddrs map[int][]IfAddress
	// unicast routes keyed by (protocol, destination); MPLS routes keyed
	// by (protocol, label). Disjoint keyspaces, as in the kernel.
	unicastRoutes map[uint8]map[string]Route
	mplsRoutes    map[uint8]map[uint32]Route
	neighbors     map[string]Neighbor

	// mutation log, for tests asserting which wire operations were issued.
	ops []string

	notifications chan Notification
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		links:         make(map[int]Link),
		ifAddrs:       make(map[int][]IfAddress),
		unicastRoutes: make(map[uint8]map[string]Route),
		mplsRoutes:    make(map[uint8]map[uint32]Route),
		neighbors:     make(map[string]Neighbor),
		notifications: make(chan Notification, 16),
	}
}

func (s *FakeSocket) Notifications() <-chan Notification {
	return s.notifications
}

// PublishNotification emulates an asynchronous kernel state change.
func (s *FakeSocket) PublishNotification(n Notification) {
	s.notifications <- n
}

// AddLink seeds an interface. Fails with EEXIST when the ifindex is taken.
func (s *FakeSocket) AddLink(link Link) *StatusFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[link.IfIndex]; ok {
		return resolvedStatusFuture(-int(syscall.EEXIST))
	}
	s.links[link.IfIndex] = link
	s.ifAddrs[link.IfIndex] = nil
	return resolvedStatusFuture(0)
}

func (s *FakeSocket) GetAllLinks() *LinksFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	var links []Link
	for _, link := range s.links {
		links = append(links, link)
	}
	return resolvedLinksFuture(links, 0)
}

func (s *FakeSocket) GetAllIfAddresses() *IfAddressesFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	var addrs []IfAddress
	for _, ifAddrs := range s.ifAddrs {
		addrs = append(addrs, ifAddrs...)
	}
	return resolvedIfAddressesFuture(addrs, 0)
}

func (s *FakeSocket) AddIfAddress(addr IfAddress) *StatusFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, fmt.Sprintf("add_addr %d %s", addr.IfIndex, addr.Prefix))

	existing, ok := s.ifAddrs[addr.IfIndex]
	if !ok || addr.Prefix == nil {
		// no such device or address.
		return resolvedStatusFuture(-int(syscall.ENXIO))
	}
	for i := range existing {
		if existing[i].Prefix.String() == addr.Prefix.String() {
			return resolvedStatusFuture(-int(syscall.EEXIST))
		}
	}
	s.ifAddrs[addr.IfIndex] = append(existing, addr)
	return resolvedStatusFuture(0)
}

func (s *FakeSocket) DeleteIfAddress(addr IfAddress) *StatusFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, fmt.Sprintf("del_addr %d %s", addr.IfIndex, addr.Prefix))

	existing, ok := s.ifAddrs[addr.IfIndex]
	if !ok || addr.Prefix == nil {
		return resolvedStatusFuture(-int(syscall.ENXIO))
	}
	for i := range existing {
		if existing[i].Prefix.String() == addr.Prefix.String() {
			s.ifAddrs[addr.IfIndex] = append(existing[:i], existing[i+1:]...)
			return resolvedStatusFuture(0)
		}
	}
	return resolvedStatusFuture(-int(syscall.EADDRNOTAVAIL))
}

// AddRoute blindly replaces any existing route with the same key.
func (s *FakeSocket) AddRoute(route Route) *StatusFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, fmt.Sprintf("add_route %s", route.String()))

	if route.IsMpls() {
		if s.mplsRoutes[route.Protocol] == nil {
			s.mplsRoutes[route.Protocol] = make(map[uint32]Route)
		}
		s.mplsRoutes[route.Protocol][route.MplsLabel] = route
	} else {
		if route.Dst == nil {
			return resolvedStatusFuture(-int(syscall.EINVAL))
		}
		if s.unicastRoutes[route.Protocol] == nil {
			s.unicastRoutes[route.Protocol] = make(map[string]Route)
		}
		s.unicastRoutes[route.Protocol][route.Dst.String()] = route
	}
	return resolvedStatusFuture(0)
}

func (s *FakeSocket) DeleteRoute(route Route) *StatusFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, fmt.Sprintf("del_route %s", route.String()))

	found := false
	if route.IsMpls() {
		if routes := s.mplsRoutes[route.Protocol]; routes != nil {
			if _, found = routes[route.MplsLabel]; found {
				delete(routes, route.MplsLabel)
			}
		}
	} else if route.Dst != nil {
		if routes := s.unicastRoutes[route.Protocol]; routes != nil {
			if _, found = routes[route.Dst.String()]; found {
				delete(routes, route.Dst.String())
			}
		}
	}
	if !found {
		return resolvedStatusFuture(-int(syscall.ESRCH))
	}
	return resolvedStatusFuture(0)
}

func (s *FakeSocket) GetRoutes(filter RouteFilter) *RoutesFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	var routes []Route
	for _, byKey := range s.mplsRoutes {
		for _, route := range byKey {
			if filter.Matches(&route) {
				routes = append(routes, route)
			}
		}
	}
	for _, byKey := range s.unicastRoutes {
		for _, route := range byKey {
			if filter.Matches(&route) {
				routes = append(routes, route)
			}
		}
	}
	return resolvedRoutesFuture(routes, 0)
}

func (s *FakeSocket) AddNeighbor(neighbor Neighbor) *StatusFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, fmt.Sprintf(
		"add_neighbor %d %s", neighbor.IfIndex, neighbor.Destination))

	if _, ok := s.links[neighbor.IfIndex]; !ok {
		return resolvedStatusFuture(-int(syscall.ENXIO))
	}
	s.neighbors[neighborKey(&neighbor)] = neighbor
	return resolvedStatusFuture(0)
}

func (s *FakeSocket) DeleteNeighbor(neighbor Neighbor) *StatusFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, fmt.Sprintf(
		"del_neighbor %d %s", neighbor.IfIndex, neighbor.Destination))

	key := neighborKey(&neighbor)
	if _, ok := s.neighbors[key]; !ok {
		return resolvedStatusFuture(-int(syscall.ENOENT))
	}
	delete(s.neighbors, key)
	return resolvedStatusFuture(0)
}

func (s *FakeSocket) GetAllNeighbors() *NeighborsFuture {
	s.mu.Lock()
	defer s.mu.Unlock()

	var neighbors []Neighbor
	for _, neighbor := range s.neighbors {
		neighbors = append(neighbors, neighbor)
	}
	return resolvedNeighborsFuture(neighbors, 0)
}

func (s *FakeSocket) Close() error {
	return nil
}

// Operations returns the mutation log accumulated so far.
func (s *FakeSocket) Operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]string, len(s.ops))
	copy(ops, s.ops)
	return ops
}

func (s *FakeSocket) ClearOperations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

func neighborKey(neighbor *Neighbor) string {
	return fmt.Sprintf("%d/%s", neighbor.IfIndex, neighbor.Destination)
}

// Test helpers mirroring common seeding needs.

func CreateTestLink(ifIndex int, name string, isUp bool, isLoopback bool) Link {
	builder := LinkBuilder{}
	builder.SetIfIndex(ifIndex).SetLinkName(name)
	if isUp {
		builder.SetFlags(syscall.IFF_UP | syscall.IFF_RUNNING)
	}
	if isLoopback {
		builder.SetFlags(syscall.IFF_LOOPBACK)
	}
	link, err := builder.Build()
	if err != nil {
		panic(err)
	}
	return link
}

func CreateTestIfAddress(ifIndex int, prefix string) IfAddress {
	ip, ipNet, err := net.ParseCIDR(prefix)
	if err != nil {
		panic(err)
	}
	builder := IfAddressBuilder{}
	addr, err := builder.
		SetIfIndex(ifIndex).
		SetPrefix(&net.IPNet{IP: ip, Mask: ipNet.Mask}).
		Build()
	if err != nil {
		panic(err)
	}
	return addr
}
