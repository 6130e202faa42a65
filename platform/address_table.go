package platform

import (
	"net"
	"sort"

	"github.com/vishvananda/netlink"

	"godropbox/errors"
)

type netlinkFunc struct {
	// AddrList gets a list of IP addresses assigned to a link device.
	AddrList func(link netlink.Link, family int) ([]netlink.Addr, error)
	// Convert string representation of the link into internal structure.
	LinkByName func(name string) (netlink.Link, error)
}

// AddressTableModule is a read-only view of interface addresses obtained
// through an independent code path. The service uses it to verify that
// mutations issued over the raw socket actually landed; writes never go
// through it.
type AddressTableModule interface {
	// List of all configured prefixes for specific interface, sorted.
	List(iface string) ([]*net.IPNet, error)
	// Check if the link has the specific prefix assigned.
	IsExists(prefix *net.IPNet, iface string) (bool, error)
}

// wrapper for github.com/vishvananda/netlink lib.
type NetlinkAddressTable struct {
	nlApi *netlinkFunc
}

// using in tests to simplify mocking of low-level api.
func newNetlinkAddressTable(nlApi *netlinkFunc) (AddressTableModule, error) {
	return &NetlinkAddressTable{
		nlApi: nlApi,
	}, nil
}

func NewNetlinkAddressTable() (AddressTableModule, error) {
	nlApi := &netlinkFunc{
		AddrList:   netlink.AddrList,
		LinkByName: netlink.LinkByName,
	}

	return newNetlinkAddressTable(nlApi)
}

func (m *NetlinkAddressTable) List(iface string) ([]*net.IPNet, error) {
	ntLink, err := m.nlApi.LinkByName(iface)
	if err != nil {
		return nil, err
	}

	var prefixes []*net.IPNet
	for _, addrFamily := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		addrs, err := m.nlApi.AddrList(ntLink, addrFamily)
		if err != nil {
			return nil, errors.Wrap(err, "netlink.AddrList() fails: ")
		}

		for _, addr := range addrs {
			if addr.IPNet != nil {
				prefixes = append(prefixes, addr.IPNet)
			}
		}
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return prefixes[i].String() < prefixes[j].String()
	})
	return prefixes, nil
}

func (m *NetlinkAddressTable) IsExists(
	prefix *net.IPNet,
	iface string) (bool, error) {

	prefixes, err := m.List(iface)
	if err != nil {
		return false, err
	}

	for _, linkPrefix := range prefixes {
		if linkPrefix.String() == prefix.String() {
			return true, nil
		}
	}

	return false, nil
}
