// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package protocol

import (
	"encoding/binary"
	"errors"
)

// Command identifies a tunnel packet. The byte values are part of the wire
// protocol and must not be reordered.
type Command byte

const (
	CommandConnect Command = iota
	CommandConnectOK
	CommandDisconnect
	CommandWrite
	CommandWriteTo
	CommandHeartbeat
)

func (c Command) String() string {
	switch c {
	case CommandConnect:
		return "connect"
	case CommandConnectOK:
		return "connect-ok"
	case CommandDisconnect:
		return "disconnect"
	case CommandWrite:
		return "write"
	case CommandWriteTo:
		return "write-to"
	case CommandHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

var (
	ErrShortPacket    = errors.New("packet too short")
	ErrUnknownCommand = errors.New("unknown packet command")
)

// Packet is the in-memory carrier of one tunnel command. Payload aliases the
// frame buffer it was decoded from; callers that retain it past the next read
// must copy.
type Packet struct {
	Command Command
	Id      uint32
	Payload []byte
}

// Marshal encodes the packet for the wire. WriteTo is the only command that
// carries no Id field; every other command is a 5-byte header followed by the
// payload.
func (p *Packet) Marshal() []byte {
	if p.Command == CommandWriteTo {
		b := make([]byte, 1+len(p.Payload))
		b[0] = byte(p.Command)
		copy(b[1:], p.Payload)
		return b
	}
	b := make([]byte, 5+len(p.Payload))
	b[0] = byte(p.Command)
	binary.BigEndian.PutUint32(b[1:5], p.Id)
	copy(b[5:], p.Payload)
	return b
}

// Unmarshal decodes one packet from a frame. The command byte is examined
// before the Id field is consumed because WriteTo omits it entirely.
func Unmarshal(frame []byte) (*Packet, error) {
	if len(frame) < 1 {
		return nil, ErrShortPacket
	}

	packet := &Packet{Command: Command(frame[0])}
	if packet.Command > CommandHeartbeat {
		return nil, ErrUnknownCommand
	}

	if packet.Command == CommandWriteTo {
		packet.Payload = frame[1:]
		return packet, nil
	}

	if len(frame) < 5 {
		return nil, ErrShortPacket
	}
	packet.Id = binary.BigEndian.Uint32(frame[1:5])
	packet.Payload = frame[5:]
	return packet, nil
}

// Marshal is a convenience for header-only commands.
func Marshal(command Command, id uint32) []byte {
	p := Packet{Command: command, Id: id}
	return p.Marshal()
}
