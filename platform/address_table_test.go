package platform

import (
	"net"

	"github.com/vishvananda/netlink"
	. "gopkg.in/check.v1"

	"godropbox/errors"
)

type AddressTableSuite struct {
}

var _ = Suite(&AddressTableSuite{})

func (m *AddressTableSuite) TestList(c *C) {
	nlApi := &netlinkFunc{
		AddrList: nil,
		LinkByName: func(name string) (netlink.Link, error) {
			return nil, errors.New("LinkByName() fails")
		},
	}

	module, err := newNetlinkAddressTable(nlApi)
	c.Assert(err, IsNil)

	prefixes, err := module.List("lo1")
	c.Assert(prefixes, IsNil)
	c.Assert(err, NotNil)

	// check address family conversion.
	nlApi = &netlinkFunc{
		AddrList: func(link netlink.Link, family int) ([]netlink.Addr, error) {
			if family == netlink.FAMILY_V6 {
				addr1, err := netlink.ParseAddr("2001:db8::1/64")
				c.Assert(err, IsNil)
				addr2, err := netlink.ParseAddr("2001:db8::2/64")
				c.Assert(err, IsNil)
				return []netlink.Addr{*addr1, *addr2}, nil
			}
			return nil, nil
		},
		LinkByName: func(name string) (netlink.Link, error) {
			c.Assert(name, Equals, "lo1")
			return &netlink.Dummy{}, nil
		},
	}
	module, err = newNetlinkAddressTable(nlApi)
	c.Assert(err, IsNil)

	prefixes, err = module.List("lo1")
	c.Assert(err, IsNil)
	c.Assert(len(prefixes), Equals, 2)
	for _, prefix := range prefixes {
		c.Assert(prefix.IP.To4(), IsNil)
	}

	// 2. ipv4
	nlApi = &netlinkFunc{
		AddrList: func(link netlink.Link, family int) ([]netlink.Addr, error) {
			if family == netlink.FAMILY_V4 {
				addr1, err := netlink.ParseAddr("192.168.10.1/32")
				c.Assert(err, IsNil)
				addr2, err := netlink.ParseAddr("192.168.10.2/32")
				c.Assert(err, IsNil)
				return []netlink.Addr{*addr1, *addr2}, nil
			}
			return nil, nil
		},
		LinkByName: func(name string) (netlink.Link, error) {
			c.Assert(name, Equals, "lo2")
			return &netlink.Dummy{}, nil
		},
	}
	module, err = newNetlinkAddressTable(nlApi)
	c.Assert(err, IsNil)

	prefixes, err = module.List("lo2")
	c.Assert(err, IsNil)
	c.Assert(len(prefixes), Equals, 2)
	for _, prefix := range prefixes {
		c.Assert(prefix.IP.To4(), NotNil)
	}
}

func (m *AddressTableSuite) TestIsExists(c *C) {
	nlApi := &netlinkFunc{
		AddrList: func(link netlink.Link, family int) ([]netlink.Addr, error) {
			if family != netlink.FAMILY_V4 {
				return nil, nil
			}
			addr1, err := netlink.ParseAddr("192.168.10.1/32")
			c.Assert(err, IsNil)
			addr2, err := netlink.ParseAddr("192.168.10.2/32")
			c.Assert(err, IsNil)
			return []netlink.Addr{*addr1, *addr2}, nil
		},
		LinkByName: func(name string) (netlink.Link, error) {
			c.Assert(name, Equals, "lo2")
			return &netlink.Dummy{}, nil
		},
	}
	module, err := newNetlinkAddressTable(nlApi)
	c.Assert(err, IsNil)

	mustParse := func(s string) *net.IPNet {
		addr, err := netlink.ParseAddr(s)
		c.Assert(err, IsNil)
		return addr.IPNet
	}

	exists, err := module.IsExists(mustParse("192.168.10.1/32"), "lo2")
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, true)

	// same IP, different prefix length is a different assignment.
	exists, err = module.IsExists(mustParse("192.168.10.1/24"), "lo2")
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, false)

	exists, err = module.IsExists(mustParse("192.168.20.1/32"), "lo2")
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, false)
}
