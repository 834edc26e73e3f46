// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package server

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/liulilittle/frp/internal/config"
	"github.com/liulilittle/frp/internal/protocol"
	"github.com/liulilittle/frp/internal/transport"
	"github.com/liulilittle/frp/internal/tunnel"
)

// MappingEntry binds one advertised (type, port) to its participating
// tunnels. TCP entries own a public acceptor; UDP entries own the public
// datagram socket.
type MappingEntry struct {
	switches *Switches
	cfg      *config.AppConfiguration
	name     string
	kind     protocol.MappingType
	port     int
	tunnels  *tunnel.Manager[*Connection]
	disposed atomic.Bool

	acceptor net.Listener
	socket   *net.UDPConn
}

func newMappingEntry(switches *Switches, name string, kind protocol.MappingType, port int) *MappingEntry {
	return &MappingEntry{
		switches: switches,
		cfg:      switches.cfg,
		name:     name,
		kind:     kind,
		port:     port,
		tunnels:  tunnel.NewManager[*Connection](),
	}
}

func (e *MappingEntry) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"name": e.name,
		"type": e.kind.String(),
		"port": e.port,
	})
}

// Open binds the public socket. A TCP bind that lands on a different port
// than requested is refused rather than silently advertised.
func (e *MappingEntry) Open() error {
	bind := joinHostPort(e.cfg.IP, e.port)
	if e.kind == protocol.MappingTCP {
		acceptor, err := net.Listen("tcp", bind)
		if err != nil {
			return fmt.Errorf("listen %s: %w", bind, err)
		}
		if acceptor.Addr().(*net.TCPAddr).Port != e.port {
			acceptor.Close()
			return fmt.Errorf("listen %s: bound unexpected port", bind)
		}
		e.acceptor = acceptor
		go e.acceptLoop()
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", bind, err)
	}
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bind, err)
	}
	if socket.LocalAddr().(*net.UDPAddr).Port != e.port {
		socket.Close()
		return fmt.Errorf("listen %s: bound unexpected port", bind)
	}
	e.socket = socket
	go e.forwardToClient()
	return nil
}

// Close cascades to connections, tunnels and the public socket, then
// de-registers from the switches. Idempotent.
func (e *MappingEntry) Close() {
	if e.disposed.Swap(true) {
		return
	}
	e.tunnels.CloseAll()
	if e.acceptor != nil {
		e.acceptor.Close()
	}
	if e.socket != nil {
		e.socket.Close()
	}
	e.switches.closeEntry(e)
}

// addTransmission attaches a tunnel and starts its command dispatch.
func (e *MappingEntry) addTransmission(t transport.Transmission) bool {
	if e.disposed.Load() || !e.tunnels.Add(t) {
		return false
	}
	if e.tunnels.Count() > 1 {
		e.log().Info("accept mapping")
	} else {
		e.log().Info("create mapping")
	}
	go e.packetInputLoop(t)
	return true
}

// closeTransmission drops a tunnel together with the connections dispatched
// through it; the entry dies with its last tunnel.
func (e *MappingEntry) closeTransmission(t transport.Transmission) {
	removed, remaining := e.tunnels.Remove(t)
	if removed {
		if remaining > 0 {
			e.log().Info("disconnect mapping")
		} else {
			e.log().Info("close mapping")
		}
	}
	if remaining < 1 {
		e.Close()
	}
}

func (e *MappingEntry) then(t transport.Transmission, success bool) bool {
	if !success {
		e.closeTransmission(t)
	}
	return success
}

func (e *MappingEntry) packetInputLoop(t transport.Transmission) {
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			break
		}
		packet, err := protocol.Unmarshal(frame)
		if err != nil {
			break
		}
		if !e.onPacketInput(t, packet) {
			break
		}
	}
	e.closeTransmission(t)
}

func (e *MappingEntry) onPacketInput(t transport.Transmission, packet *protocol.Packet) bool {
	switch packet.Command {
	case protocol.CommandConnectOK:
		e.onHandleConnectOK(t, packet.Id)
	case protocol.CommandDisconnect:
		e.tunnels.ReleaseConnection(t, packet.Id)
	case protocol.CommandWrite:
		e.onHandleWrite(t, packet)
	case protocol.CommandWriteTo:
		e.onHandleWriteTo(packet)
	case protocol.CommandHeartbeat:
		e.then(t, t.WriteFrame(protocol.Marshal(protocol.CommandHeartbeat, 0)) == nil)
	default:
		return false
	}
	return true
}

func (e *MappingEntry) onHandleConnectOK(t transport.Transmission, id uint32) {
	connection, ok := e.tunnels.GetConnection(t, id)
	if !ok {
		return
	}
	if !connection.onConnectOK() {
		connection.Close()
	}
}

func (e *MappingEntry) onHandleWrite(t transport.Transmission, packet *protocol.Packet) {
	connection, ok := e.tunnels.GetConnection(t, packet.Id)
	if !ok {
		_ = t.WriteFrame(protocol.Marshal(protocol.CommandDisconnect, packet.Id))
		return
	}
	if !connection.sendToPublic(packet.Payload) {
		e.tunnels.ReleaseConnection(t, packet.Id)
	}
}

// onHandleWriteTo sends a client reply straight from the public UDP socket
// to the embedded endpoint. No per-peer state is kept on this side; the
// public socket demultiplexes by peer address on receive. Replies are
// forwarded unconditionally, without source-address filtering.
func (e *MappingEntry) onHandleWriteTo(packet *protocol.Packet) {
	if e.socket == nil {
		return
	}
	peer, payload, err := protocol.UnpackAddressed(packet)
	if err != nil || len(payload) == 0 {
		return
	}
	if _, err := e.socket.WriteToUDPAddrPort(payload, peer); err != nil {
		e.log().Debugf("udp send to %s: %v", peer, err)
	}
}

// acceptLoop feeds public TCP users into connections dispatched over the
// least-loaded tunnel.
func (e *MappingEntry) acceptLoop() {
	for {
		conn, err := e.acceptor.Accept()
		if err != nil {
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(e.cfg.Turbo.Wan)
		}
		if !e.acceptConnection(conn) {
			conn.Close()
		}
	}
}

func (e *MappingEntry) acceptConnection(conn net.Conn) bool {
	peerAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}
	peer := peerAddr.AddrPort()
	if peer.Port() == 0 || peer.Addr().IsMulticast() || peer.Addr().IsUnspecified() {
		return false
	}

	t := e.tunnels.Best()
	if t == nil {
		return false
	}
	id := e.tunnels.NewConnectionId()
	if id == 0 {
		return false
	}

	connection := newConnection(e, t, conn, id)
	success := connection.connectToClient(peer) && e.tunnels.AddConnection(t, id, connection)
	if !success {
		connection.Close()
	}
	return success
}

// forwardToClient pumps public datagrams over the tunnels, rotating through
// them; UDP flows carry the public peer's endpoint in every WriteTo.
func (e *MappingEntry) forwardToClient() {
	buffer := make([]byte, transport.MaxDatagramSize)
	for {
		n, peer, err := e.socket.ReadFromUDPAddrPort(buffer)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		t := e.tunnels.Get()
		if t == nil {
			continue
		}
		frame := protocol.PackWriteTo(netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()), buffer[:n])
		e.then(t, t.WriteFrame(frame) == nil)
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}
