// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// MappingType distinguishes TCP and UDP mappings on the wire.
type MappingType byte

const (
	MappingTCP MappingType = iota
	MappingUDP
)

func (t MappingType) String() string {
	if t == MappingUDP {
		return "udp"
	}
	return "tcp"
}

var ErrBadHandshake = errors.New("malformed handshake request")

// HandshakeRequest is the first frame a client sends on a fresh tunnel. It
// announces which mapping the tunnel belongs to.
//
// Layout: Type (1), RemotePort (2 BE), NameLen (2 BE), Name (NameLen bytes).
type HandshakeRequest struct {
	Type       MappingType
	RemotePort uint16
	Name       string
}

func (r *HandshakeRequest) Marshal() []byte {
	name := r.Name
	if len(name) > math.MaxUint16 {
		name = name[:math.MaxUint16]
	}
	b := make([]byte, 0, 5+len(name))
	b = append(b, byte(r.Type))
	b = binary.BigEndian.AppendUint16(b, r.RemotePort)
	b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
	return append(b, name...)
}

func UnmarshalHandshake(frame []byte) (*HandshakeRequest, error) {
	if len(frame) < 5 {
		return nil, ErrBadHandshake
	}
	request := &HandshakeRequest{
		Type:       MappingType(frame[0]),
		RemotePort: binary.BigEndian.Uint16(frame[1:3]),
	}
	nameLen := int(binary.BigEndian.Uint16(frame[3:5]))
	if len(frame) < 5+nameLen {
		return nil, ErrBadHandshake
	}
	request.Name = string(frame[5 : 5+nameLen])
	return request, nil
}
