package nl

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"godropbox/errors"
)

// ndmsg is not exposed by the syscall package (linux/neighbour.h).
type ndMsg struct {
	Family uint8
	_      [3]byte
	Index  int32
	State  uint16
	Flags  uint8
	Type   uint8
}

const sizeofNdMsg = 12

// Neighbor is one ARP/ND cache entry.
type Neighbor struct {
	IfIndex     int
	Destination net.IP
	LinkAddress net.HardwareAddr
	State       uint16
	Family      uint8
}

func (n *Neighbor) IsReachable() bool {
	return n.State&NUD_REACHABLE != 0
}

func (n *Neighbor) String() string {
	return fmt.Sprintf("Neighbor{ifindex: %d, dst: %s, lladdr: %s, state: %#x}",
		n.IfIndex, n.Destination, n.LinkAddress, n.State)
}

type NeighborBuilder struct {
	neighbor   Neighbor
	hasIfIndex bool
	hasState   bool
}

func (b *NeighborBuilder) SetIfIndex(ifIndex int) *NeighborBuilder {
	b.neighbor.IfIndex = ifIndex
	b.hasIfIndex = true
	return b
}

func (b *NeighborBuilder) SetDestination(dst net.IP) *NeighborBuilder {
	b.neighbor.Destination = dst
	return b
}

func (b *NeighborBuilder) SetLinkAddress(lladdr net.HardwareAddr) *NeighborBuilder {
	b.neighbor.LinkAddress = lladdr
	return b
}

func (b *NeighborBuilder) SetState(state uint16) *NeighborBuilder {
	b.neighbor.State = state
	b.hasState = true
	return b
}

func (b *NeighborBuilder) Build() (Neighbor, error) {
	if !b.hasIfIndex {
		return Neighbor{}, errors.New("neighbor requires an interface index")
	}
	if b.neighbor.Destination == nil {
		return Neighbor{}, errors.New("neighbor requires a destination address")
	}
	b.neighbor.Family = familyFromIP(b.neighbor.Destination)
	if !b.hasState {
		b.neighbor.State = NUD_PERMANENT
	}
	return b.neighbor, nil
}

func parseNeighbor(body []byte) (Neighbor, error) {
	if len(body) < sizeofNdMsg {
		return Neighbor{}, errors.Newf(
			"neighbor message body too short: %d bytes", len(body))
	}
	ndm := (*ndMsg)(unsafe.Pointer(&body[0]))

	neighbor := Neighbor{
		IfIndex: int(ndm.Index),
		State:   ndm.State,
		Family:  ndm.Family,
	}

	attrs, err := parseAttributes(body[nlmsgAlignOf(sizeofNdMsg):])
	if err != nil {
		return Neighbor{}, errors.Wrap(err, "malformed neighbor attributes: ")
	}
	for i := range attrs {
		switch attrs[i].Type {
		case NDA_DST:
			neighbor.Destination = ipCopy(attrs[i].Value)
		case NDA_LLADDR:
			neighbor.LinkAddress = append(net.HardwareAddr(nil), attrs[i].Value...)
		}
	}
	return neighbor, nil
}

func ndMsgBody(neighbor *Neighbor) []byte {
	body := make([]byte, sizeofNdMsg)
	ndm := (*ndMsg)(unsafe.Pointer(&body[0]))
	ndm.Family = neighbor.Family
	ndm.Index = int32(neighbor.IfIndex)
	ndm.State = neighbor.State
	return body
}

// Frame for RTM_GETNEIGH dumps.
type neighborMessage struct {
	message
	neighbors []Neighbor
}

func newNeighborDumpRequest() *neighborMessage {
	body := make([]byte, sizeofNdMsg)
	ndm := (*ndMsg)(unsafe.Pointer(&body[0]))
	ndm.Family = syscall.AF_UNSPEC

	return &neighborMessage{
		message: newMessage(
			"get_all_neighbors",
			syscall.RTM_GETNEIGH,
			syscall.NLM_F_REQUEST|syscall.NLM_F_DUMP,
			body),
	}
}

func (m *neighborMessage) rcvdNeighbor(neighbor Neighbor) {
	m.neighbors = append(m.neighbors, neighbor)
}

// Frame for RTM_NEWNEIGH/RTM_DELNEIGH mutations.
func newNeighborChangeRequest(isAdd bool, neighbor *Neighbor) *message {
	name := "del_neighbor"
	msgType := uint16(syscall.RTM_DELNEIGH)
	flags := uint16(syscall.NLM_F_REQUEST | syscall.NLM_F_ACK)
	if isAdd {
		name = "add_neighbor"
		msgType = syscall.RTM_NEWNEIGH
		flags |= syscall.NLM_F_CREATE | syscall.NLM_F_REPLACE
	}

	m := newMessage(name, msgType, flags, ndMsgBody(neighbor))
	m.addAttribute(attrBytes(NDA_DST, ipBytes(neighbor.Destination)))
	if isAdd && neighbor.LinkAddress != nil {
		m.addAttribute(attrBytes(NDA_LLADDR, neighbor.LinkAddress))
	}
	return &m
}

// NeighborsFuture resolves with the accumulated neighbor dump.
type NeighborsFuture struct {
	m *neighborMessage
}

func (f *NeighborsFuture) Await() ([]Neighbor, int) {
	status := <-f.m.future.ch
	return f.m.neighbors, status
}

func resolvedNeighborsFuture(neighbors []Neighbor, status int) *NeighborsFuture {
	m := &neighborMessage{message: newMessage("get_all_neighbors", 0, 0, nil)}
	m.neighbors = neighbors
	m.future.resolve(status)
	return &NeighborsFuture{m: m}
}
