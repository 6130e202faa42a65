package nl

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"godropbox/errors"
)

// Label operation applied by a next-hop.
type LabelAction uint8

const (
	LabelActionNone LabelAction = iota
	LabelActionPush
	LabelActionSwap
	LabelActionPop
)

// NextHop is one forwarding leg of a route: IP gateway and/or outgoing
// interface, optionally with an MPLS label operation.
type NextHop struct {
	Gateway     net.IP
	IfIndex     int
	Weight      uint8
	LabelAction LabelAction
	Labels      []uint32
}

type NextHopBuilder struct {
	nh NextHop
}

func (b *NextHopBuilder) SetGateway(gw net.IP) *NextHopBuilder {
	b.nh.Gateway = gw
	return b
}

func (b *NextHopBuilder) SetIfIndex(ifIndex int) *NextHopBuilder {
	b.nh.IfIndex = ifIndex
	return b
}

func (b *NextHopBuilder) SetWeight(weight uint8) *NextHopBuilder {
	b.nh.Weight = weight
	return b
}

func (b *NextHopBuilder) SetPushLabels(labels []uint32) *NextHopBuilder {
	b.nh.LabelAction = LabelActionPush
	b.nh.Labels = labels
	return b
}

func (b *NextHopBuilder) SetSwapLabel(label uint32) *NextHopBuilder {
	b.nh.LabelAction = LabelActionSwap
	b.nh.Labels = []uint32{label}
	return b
}

func (b *NextHopBuilder) SetPopLabel() *NextHopBuilder {
	b.nh.LabelAction = LabelActionPop
	return b
}

func (b *NextHopBuilder) Build() (NextHop, error) {
	if b.nh.Gateway == nil && b.nh.IfIndex == 0 {
		return NextHop{}, errors.New(
			"next-hop requires a gateway or an interface index")
	}
	if b.nh.LabelAction == LabelActionPush && len(b.nh.Labels) == 0 {
		return NextHop{}, errors.New("push next-hop requires a label stack")
	}
	return b.nh, nil
}

// Route is a unicast or MPLS forwarding entry. Unicast routes are keyed by
// (protocol, destination); MPLS routes by (protocol, label). The two
// keyspaces never collide since the families differ.
type Route struct {
	Protocol  uint8
	Family    uint8
	Dst       *net.IPNet
	MplsLabel uint32
	Type      uint8
	Table     uint8
	Priority  uint32
	NextHops  []NextHop
}

func (r *Route) IsMpls() bool {
	return r.Family == AF_MPLS
}

func (r *Route) String() string {
	if r.IsMpls() {
		return fmt.Sprintf("Route{proto: %d, label: %d, nexthops: %d}",
			r.Protocol, r.MplsLabel, len(r.NextHops))
	}
	dst := "<nil>"
	if r.Dst != nil {
		dst = r.Dst.String()
	}
	return fmt.Sprintf("Route{proto: %d, dst: %s, nexthops: %d}",
		r.Protocol, dst, len(r.NextHops))
}

type RouteBuilder struct {
	route        Route
	hasMplsLabel bool
	hasType      bool
	hasTable     bool
}

func (b *RouteBuilder) SetProtocol(protocol uint8) *RouteBuilder {
	b.route.Protocol = protocol
	return b
}

func (b *RouteBuilder) SetDst(dst *net.IPNet) *RouteBuilder {
	b.route.Dst = dst
	return b
}

func (b *RouteBuilder) SetMplsLabel(label uint32) *RouteBuilder {
	b.route.MplsLabel = label
	b.hasMplsLabel = true
	return b
}

func (b *RouteBuilder) SetType(routeType uint8) *RouteBuilder {
	b.route.Type = routeType
	b.hasType = true
	return b
}

func (b *RouteBuilder) SetTable(table uint8) *RouteBuilder {
	b.route.Table = table
	b.hasTable = true
	return b
}

func (b *RouteBuilder) SetPriority(priority uint32) *RouteBuilder {
	b.route.Priority = priority
	return b
}

func (b *RouteBuilder) AddNextHop(nh NextHop) *RouteBuilder {
	b.route.NextHops = append(b.route.NextHops, nh)
	return b
}

func (b *RouteBuilder) Build() (Route, error) {
	if b.hasMplsLabel && b.route.Dst != nil {
		return Route{}, errors.New(
			"route cannot carry both an IP destination and an MPLS label")
	}
	if b.hasMplsLabel {
		b.route.Family = AF_MPLS
	} else if b.route.Dst != nil {
		b.route.Family = familyFromIP(b.route.Dst.IP)
	} else {
		return Route{}, errors.New(
			"route requires an IP destination or an MPLS label")
	}
	if !b.hasType {
		b.route.Type = syscall.RTN_UNICAST
	}
	if !b.hasTable {
		b.route.Table = syscall.RT_TABLE_MAIN
	}
	return b.route, nil
}

// RouteFilter selects routes in get-routes results. Zero fields match
// everything.
type RouteFilter struct {
	Protocol uint8
	Family   uint8
	Type     uint8
}

func (f *RouteFilter) Matches(route *Route) bool {
	if f.Protocol != 0 && f.Protocol != route.Protocol {
		return false
	}
	if f.Family != 0 && f.Family != route.Family {
		return false
	}
	if f.Type != 0 && f.Type != route.Type {
		return false
	}
	return true
}

// MPLS label stack entry encoding.

func mplsStackBytes(labels []uint32) []byte {
	buf := make([]byte, 4*len(labels))
	for i, label := range labels {
		entry := label << mplsLabelShift
		if i == len(labels)-1 {
			entry |= mplsBosBit
		}
		binary.BigEndian.PutUint32(buf[4*i:], entry)
	}
	return buf
}

func parseMplsStack(b []byte) []uint32 {
	var labels []uint32
	for i := 0; i+4 <= len(b); i += 4 {
		entry := binary.BigEndian.Uint32(b[i:])
		labels = append(labels, entry>>mplsLabelShift)
		if entry&mplsBosBit != 0 {
			break
		}
	}
	return labels
}

// RTA_VIA payload: address family (u16) followed by the raw address.
func viaBytes(gw net.IP) []byte {
	addr := ipBytes(gw)
	buf := make([]byte, 2+len(addr))
	native().PutUint16(buf, uint16(familyFromIP(gw)))
	copy(buf[2:], addr)
	return buf
}

// nexthopAttributes encodes one next-hop. The outgoing interface is carried
// in the surrounding rtnexthop record for multipath legs and as RTA_OIF
// otherwise.
func nexthopAttributes(family uint8, nh *NextHop, multipath bool) []Attribute {
	var attrs []Attribute

	if nh.Gateway != nil {
		if family == AF_MPLS {
			attrs = append(attrs, attrBytes(RTA_VIA, viaBytes(nh.Gateway)))
		} else {
			attrs = append(attrs,
				attrBytes(syscall.RTA_GATEWAY, ipBytes(nh.Gateway)))
		}
	}

	switch nh.LabelAction {
	case LabelActionSwap:
		attrs = append(attrs, attrBytes(RTA_NEWDST, mplsStackBytes(nh.Labels)))
	case LabelActionPush:
		attrs = append(attrs,
			attrUint16(RTA_ENCAP_TYPE, LWTUNNEL_ENCAP_MPLS),
			attrNested(RTA_ENCAP, []Attribute{
				attrBytes(MPLS_IPTUNNEL_DST, mplsStackBytes(nh.Labels)),
			}))
	}

	if !multipath && nh.IfIndex != 0 {
		attrs = append(attrs, attrUint32(syscall.RTA_OIF, uint32(nh.IfIndex)))
	}
	return attrs
}

// multipathBytes lays out the RTA_MULTIPATH payload: a sequence of rtnexthop
// records, each with its per-leg attributes and a back-patched length.
func multipathBytes(family uint8, hops []NextHop) ([]byte, error) {
	buf := make([]byte, maxNlPayloadSize)
	off := 0
	for i := range hops {
		if off+syscall.SizeofRtNexthop > len(buf) {
			return nil, errors.Wrap(
				ErrBufferExhausted, "multipath next-hop does not fit")
		}
		start := off
		off += syscall.SizeofRtNexthop

		var err error
		off, err = encodeAttributes(
			buf, off, nexthopAttributes(family, &hops[i], true))
		if err != nil {
			return nil, err
		}

		rtnh := (*syscall.RtNexthop)(unsafe.Pointer(&buf[start]))
		rtnh.Len = uint16(off - start)
		rtnh.Ifindex = int32(hops[i].IfIndex)
		if hops[i].Weight > 0 {
			// rtnh_hops is weight-1 on the wire.
			rtnh.Hops = hops[i].Weight - 1
		}
	}
	return buf[:off], nil
}

func rtMsgBody(route *Route) []byte {
	body := make([]byte, syscall.SizeofRtMsg)
	rtm := (*syscall.RtMsg)(unsafe.Pointer(&body[0]))
	rtm.Family = route.Family
	rtm.Table = route.Table
	rtm.Protocol = route.Protocol
	rtm.Scope = syscall.RT_SCOPE_UNIVERSE
	rtm.Type = route.Type
	if route.IsMpls() {
		rtm.Dst_len = 20
	} else if route.Dst != nil {
		ones, _ := route.Dst.Mask.Size()
		rtm.Dst_len = uint8(ones)
	}
	return body
}

// Frame for RTM_NEWROUTE/RTM_DELROUTE mutations.
func newRouteChangeRequest(isAdd bool, route *Route) (*message, error) {
	name := "del_route"
	msgType := uint16(syscall.RTM_DELROUTE)
	flags := uint16(syscall.NLM_F_REQUEST | syscall.NLM_F_ACK)
	if isAdd {
		name = "add_route"
		msgType = syscall.RTM_NEWROUTE
		// REPLACE: re-adding a keyed route swaps the next-hop set instead
		// of accumulating duplicates.
		flags |= syscall.NLM_F_CREATE | syscall.NLM_F_REPLACE
	}

	m := newMessage(name, msgType, flags, rtMsgBody(route))

	if route.IsMpls() {
		m.addAttribute(attrBytes(
			syscall.RTA_DST, mplsStackBytes([]uint32{route.MplsLabel})))
	} else if route.Dst != nil {
		m.addAttribute(attrBytes(syscall.RTA_DST, ipBytes(route.Dst.IP)))
	}
	if route.Priority != 0 {
		m.addAttribute(attrUint32(syscall.RTA_PRIORITY, route.Priority))
	}

	switch len(route.NextHops) {
	case 0:
		// deletes may omit next-hops.
	case 1:
		for _, attr := range nexthopAttributes(
			route.Family, &route.NextHops[0], false) {
			m.addAttribute(attr)
		}
	default:
		payload, err := multipathBytes(route.Family, route.NextHops)
		if err != nil {
			return nil, err
		}
		m.addAttribute(attrBytes(syscall.RTA_MULTIPATH, payload))
	}
	return &m, nil
}

// parseRoute reconstructs a Route from an RTM_NEWROUTE/RTM_DELROUTE payload.
func parseRoute(body []byte) (Route, error) {
	if len(body) < syscall.SizeofRtMsg {
		return Route{}, errors.Newf(
			"route message body too short: %d bytes", len(body))
	}
	rtm := (*syscall.RtMsg)(unsafe.Pointer(&body[0]))

	route := Route{
		Protocol: rtm.Protocol,
		Family:   rtm.Family,
		Type:     rtm.Type,
		Table:    rtm.Table,
	}

	attrs, err := parseAttributes(body[nlmsgAlignOf(syscall.SizeofRtMsg):])
	if err != nil {
		return Route{}, errors.Wrap(err, "malformed route attributes: ")
	}

	// single next-hop fields are spread over top level attributes.
	var nh NextHop
	var haveNh bool
	var encapLabels []uint32

	for i := range attrs {
		attr := &attrs[i]
		switch attr.Type {
		case syscall.RTA_DST:
			if rtm.Family == AF_MPLS {
				if labels := parseMplsStack(attr.Value); len(labels) > 0 {
					route.MplsLabel = labels[0]
				}
			} else {
				bits := 32
				if rtm.Family == syscall.AF_INET6 {
					bits = 128
				}
				route.Dst = &net.IPNet{
					IP:   ipCopy(attr.Value),
					Mask: net.CIDRMask(int(rtm.Dst_len), bits),
				}
			}
		case syscall.RTA_PRIORITY:
			route.Priority = attr.Uint32()
		case syscall.RTA_GATEWAY:
			nh.Gateway = ipCopy(attr.Value)
			haveNh = true
		case RTA_VIA:
			if len(attr.Value) > 2 {
				nh.Gateway = ipCopy(attr.Value[2:])
				haveNh = true
			}
		case syscall.RTA_OIF:
			nh.IfIndex = int(attr.Uint32())
			haveNh = true
		case RTA_NEWDST:
			nh.LabelAction = LabelActionSwap
			nh.Labels = parseMplsStack(attr.Value)
			haveNh = true
		case RTA_ENCAP:
			encap, err := attr.Nested()
			if err != nil {
				return Route{}, errors.Wrap(err, "malformed encap: ")
			}
			for j := range encap {
				if encap[j].Type == MPLS_IPTUNNEL_DST {
					encapLabels = parseMplsStack(encap[j].Value)
				}
			}
		case syscall.RTA_MULTIPATH:
			hops, err := parseMultipath(rtm.Family, attr.Value)
			if err != nil {
				return Route{}, err
			}
			route.NextHops = append(route.NextHops, hops...)
		}
	}

	if encapLabels != nil {
		nh.LabelAction = LabelActionPush
		nh.Labels = encapLabels
		haveNh = true
	}
	if haveNh && len(route.NextHops) == 0 {
		route.NextHops = []NextHop{nh}
	}
	return route, nil
}

func parseMultipath(family uint8, b []byte) ([]NextHop, error) {
	var hops []NextHop
	for off := 0; off < len(b); {
		if len(b)-off < syscall.SizeofRtNexthop {
			return nil, errors.Newf(
				"truncated rtnexthop: %d bytes remaining", len(b)-off)
		}
		rtnh := (*syscall.RtNexthop)(unsafe.Pointer(&b[off]))
		length := int(rtnh.Len)
		if length < syscall.SizeofRtNexthop || off+length > len(b) {
			return nil, errors.Newf(
				"rtnexthop length %d exceeds remaining buffer %d",
				length,
				len(b)-off)
		}

		nh := NextHop{
			IfIndex: int(rtnh.Ifindex),
			Weight:  rtnh.Hops + 1,
		}

		attrs, err := parseAttributes(b[off+syscall.SizeofRtNexthop : off+length])
		if err != nil {
			return nil, errors.Wrap(err, "malformed next-hop attributes: ")
		}
		var encapLabels []uint32
		for i := range attrs {
			attr := &attrs[i]
			switch attr.Type {
			case syscall.RTA_GATEWAY:
				nh.Gateway = ipCopy(attr.Value)
			case RTA_VIA:
				if len(attr.Value) > 2 {
					nh.Gateway = ipCopy(attr.Value[2:])
				}
			case RTA_NEWDST:
				nh.LabelAction = LabelActionSwap
				nh.Labels = parseMplsStack(attr.Value)
			case RTA_ENCAP:
				encap, err := attr.Nested()
				if err != nil {
					return nil, errors.Wrap(err, "malformed encap: ")
				}
				for j := range encap {
					if encap[j].Type == MPLS_IPTUNNEL_DST {
						encapLabels = parseMplsStack(encap[j].Value)
					}
				}
			}
		}
		if encapLabels != nil {
			nh.LabelAction = LabelActionPush
			nh.Labels = encapLabels
		}

		hops = append(hops, nh)
		off += rtaAlignOf(length)
	}
	return hops, nil
}

// Frame for RTM_GETROUTE dumps. The kernel dumps everything; the filter is
// applied as objects are accumulated.
type routeMessage struct {
	message
	filter RouteFilter
	routes []Route
}

func newRouteDumpRequest(filter RouteFilter) *routeMessage {
	body := make([]byte, syscall.SizeofRtMsg)
	rtm := (*syscall.RtMsg)(unsafe.Pointer(&body[0]))
	rtm.Family = filter.Family

	return &routeMessage{
		message: newMessage(
			"get_routes",
			syscall.RTM_GETROUTE,
			syscall.NLM_F_REQUEST|syscall.NLM_F_DUMP,
			body),
		filter: filter,
	}
}

func (m *routeMessage) rcvdRoute(route Route) {
	if m.filter.Matches(&route) {
		m.routes = append(m.routes, route)
	}
}

// RoutesFuture resolves with the filtered route dump.
type RoutesFuture struct {
	m *routeMessage
}

func (f *RoutesFuture) Await() ([]Route, int) {
	status := <-f.m.future.ch
	return f.m.routes, status
}

func resolvedRoutesFuture(routes []Route, status int) *RoutesFuture {
	m := &routeMessage{message: newMessage("get_routes", 0, 0, nil)}
	m.routes = routes
	m.future.resolve(status)
	return &RoutesFuture{m: m}
}
