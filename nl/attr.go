package nl

import (
	"encoding/binary"
	"syscall"
	"unsafe"

	"godropbox/errors"
)

const (
	// Upper bound for a serialized netlink message, header included.
	// Requests that do not fit fail with ErrBufferExhausted before
	// anything is written to the kernel.
	maxNlPayloadSize = 4096

	// tag(2) + length(2) preceding every attribute payload.
	nlaHeaderLen = 4

	// Marks an attribute whose payload is a list of sub-attributes.
	nlaFNested = 0x8000
)

var (
	ErrBufferExhausted = errors.New("netlink message buffer exhausted")
)

var nativeEndian binary.ByteOrder

// Netlink speaks host byte order.
func native() binary.ByteOrder {
	if nativeEndian == nil {
		var x uint32 = 0x01020304
		if *(*byte)(unsafe.Pointer(&x)) == 0x01 {
			nativeEndian = binary.BigEndian
		} else {
			nativeEndian = binary.LittleEndian
		}
	}
	return nativeEndian
}

// rtaAlignOf rounds up to the 4 byte alignment required between attributes.
func rtaAlignOf(n int) int {
	return (n + syscall.RTA_ALIGNTO - 1) & ^(syscall.RTA_ALIGNTO - 1)
}

func nlmsgAlignOf(n int) int {
	return (n + syscall.NLMSG_ALIGNTO - 1) & ^(syscall.NLMSG_ALIGNTO - 1)
}

// Attribute is one node of a TLV attribute tree. Exactly one of Value or
// Children is populated; an attribute carrying sub-attributes has no scalar
// payload of its own.
type Attribute struct {
	Type     uint16
	Value    []byte
	Children []Attribute
}

func attrBytes(attrType uint16, value []byte) Attribute {
	return Attribute{Type: attrType, Value: value}
}

func attrUint8(attrType uint16, value uint8) Attribute {
	return Attribute{Type: attrType, Value: []byte{value}}
}

func attrUint16(attrType uint16, value uint16) Attribute {
	buf := make([]byte, 2)
	native().PutUint16(buf, value)
	return Attribute{Type: attrType, Value: buf}
}

func attrUint32(attrType uint16, value uint32) Attribute {
	buf := make([]byte, 4)
	native().PutUint32(buf, value)
	return Attribute{Type: attrType, Value: buf}
}

// Zero terminated string attribute (IFA_LABEL, IFLA_IFNAME and friends).
func attrString(attrType uint16, value string) Attribute {
	return Attribute{Type: attrType, Value: append([]byte(value), 0)}
}

func attrNested(attrType uint16, children []Attribute) Attribute {
	return Attribute{Type: attrType, Children: children}
}

func (a *Attribute) Uint8() uint8 {
	if len(a.Value) < 1 {
		return 0
	}
	return a.Value[0]
}

func (a *Attribute) Uint16() uint16 {
	if len(a.Value) < 2 {
		return 0
	}
	return native().Uint16(a.Value)
}

func (a *Attribute) Uint32() uint32 {
	if len(a.Value) < 4 {
		return 0
	}
	return native().Uint32(a.Value)
}

func (a *Attribute) String() string {
	v := a.Value
	if n := len(v); n > 0 && v[n-1] == 0 {
		v = v[:n-1]
	}
	return string(v)
}

// Nested reparses the raw payload as a list of sub-attributes. Used when the
// kernel did not flag the attribute as nested (RTA_MULTIPATH, RTA_ENCAP).
func (a *Attribute) Nested() ([]Attribute, error) {
	if a.Children != nil {
		return a.Children, nil
	}
	return parseAttributes(a.Value)
}

// encodeAttribute writes a single attribute record at buf[off:], children
// first, then back-patches the length field to cover them. Returns the
// cursor advanced past the trailing alignment padding.
func encodeAttribute(buf []byte, off int, a *Attribute) (int, error) {
	if off+nlaHeaderLen > len(buf) {
		return 0, errors.Wrap(ErrBufferExhausted, "attribute header does not fit")
	}

	start := off
	off += nlaHeaderLen

	attrType := a.Type
	if a.Children != nil {
		attrType |= nlaFNested
		for i := range a.Children {
			var err error
			off, err = encodeAttribute(buf, off, &a.Children[i])
			if err != nil {
				return 0, err
			}
		}
	} else {
		if off+len(a.Value) > len(buf) {
			return 0, errors.Wrapf(
				ErrBufferExhausted,
				"attribute %d payload of %d bytes does not fit",
				a.Type,
				len(a.Value))
		}
		copy(buf[off:], a.Value)
		off += len(a.Value)
	}

	// length covers header+payload before padding.
	length := off - start
	native().PutUint16(buf[start:], uint16(length))
	native().PutUint16(buf[start+2:], attrType)

	padded := start + rtaAlignOf(length)
	if padded > len(buf) {
		return 0, errors.Wrapf(
			ErrBufferExhausted,
			"attribute %d padding does not fit",
			a.Type)
	}
	for i := off; i < padded; i++ {
		buf[i] = 0
	}
	return padded, nil
}

func encodeAttributes(buf []byte, off int, attrs []Attribute) (int, error) {
	for i := range attrs {
		var err error
		off, err = encodeAttribute(buf, off, &attrs[i])
		if err != nil {
			return 0, err
		}
	}
	return off, nil
}

// parseAttributes decodes a flat byte range into attribute nodes, recursing
// into payloads flagged as nested. A declared length pointing past the end
// of the buffer is a decode error, never an out of bounds access.
func parseAttributes(b []byte) ([]Attribute, error) {
	var attrs []Attribute
	for i := 0; i < len(b); {
		if len(b)-i < nlaHeaderLen {
			return nil, errors.Newf(
				"truncated attribute header: %d bytes remaining", len(b)-i)
		}
		length := int(native().Uint16(b[i:]))
		attrType := native().Uint16(b[i+2:])
		if length < nlaHeaderLen {
			return nil, errors.Newf("attribute length %d below header size", length)
		}
		if i+length > len(b) {
			return nil, errors.Newf(
				"attribute length %d exceeds remaining buffer %d",
				length,
				len(b)-i)
		}

		attr := Attribute{Type: attrType &^ nlaFNested}
		if attrType&nlaFNested != 0 {
			children, err := parseAttributes(b[i+nlaHeaderLen : i+length])
			if err != nil {
				return nil, err
			}
			// non-nil so the node keeps its nested shape even when empty.
			if children == nil {
				children = []Attribute{}
			}
			attr.Children = children
		} else {
			attr.Value = b[i+nlaHeaderLen : i+length]
		}
		attrs = append(attrs, attr)

		i += rtaAlignOf(length)
	}
	return attrs, nil
}
