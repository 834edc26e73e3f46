// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Network-address record layout: af (1) port (2 BE) address. af 0 is IPv4
// with a 4-byte address, af 1 is IPv6 with 16 bytes.
const (
	addressFamilyV4 = 0
	addressFamilyV6 = 1

	addressRecordV4Size = 7
	addressRecordV6Size = 19
)

var ErrInvalidAddress = errors.New("invalid network address record")

// AppendAddress appends the record for ap to b and returns the extended
// slice. IPv4-mapped IPv6 addresses are packed in their 4-byte form.
func AppendAddress(b []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		b = append(b, addressFamilyV4)
		b = binary.BigEndian.AppendUint16(b, ap.Port())
		a4 := addr.As4()
		return append(b, a4[:]...)
	}
	b = append(b, addressFamilyV6)
	b = binary.BigEndian.AppendUint16(b, ap.Port())
	a16 := addr.As16()
	return append(b, a16[:]...)
}

// ConsumeAddress decodes one address record from the front of b, validates
// it, and returns the endpoint together with the remainder of b. Ports
// outside [1, 65535], multicast addresses and unspecified addresses are
// rejected.
func ConsumeAddress(b []byte) (netip.AddrPort, []byte, error) {
	if len(b) < addressRecordV4Size {
		return netip.AddrPort{}, nil, ErrInvalidAddress
	}

	var addr netip.Addr
	var next int
	switch b[0] {
	case addressFamilyV4:
		addr = netip.AddrFrom4([4]byte(b[3:7]))
		next = addressRecordV4Size
	case addressFamilyV6:
		if len(b) < addressRecordV6Size {
			return netip.AddrPort{}, nil, ErrInvalidAddress
		}
		addr = netip.AddrFrom16([16]byte(b[3:19]))
		next = addressRecordV6Size
	default:
		return netip.AddrPort{}, nil, fmt.Errorf("%w: af %d", ErrInvalidAddress, b[0])
	}

	port := binary.BigEndian.Uint16(b[1:3])
	if port == 0 {
		return netip.AddrPort{}, nil, fmt.Errorf("%w: port 0", ErrInvalidAddress)
	}
	if addr.IsMulticast() || addr.IsUnspecified() {
		return netip.AddrPort{}, nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return netip.AddrPortFrom(addr, port), b[next:], nil
}

// PackWriteTo builds a complete WriteTo packet frame: command byte, address
// record, opaque payload. UDP datagrams carry no sequencing, so no Id.
func PackWriteTo(peer netip.AddrPort, payload []byte) []byte {
	b := make([]byte, 0, 1+addressRecordV6Size+len(payload))
	b = append(b, byte(CommandWriteTo))
	b = AppendAddress(b, peer)
	return append(b, payload...)
}

// UnpackAddressed splits a Connect or WriteTo payload into its embedded
// endpoint and the remaining payload bytes.
func UnpackAddressed(p *Packet) (netip.AddrPort, []byte, error) {
	return ConsumeAddress(p.Payload)
}
