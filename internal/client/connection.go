// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package client

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liulilittle/frp/internal/protocol"
	"github.com/liulilittle/frp/internal/transport"
)

// Connection status values. The status only ever moves forward.
const (
	statusUnopen int32 = iota
	statusOpening
	statusOpenOk
	statusClose
)

// Connection is one logical TCP flow: a Connect command from the server
// becomes a dial to the mapping's local service, and bytes move between the
// local socket and Write frames on the owning tunnel.
type Connection struct {
	id           uint32
	entry        *MappingEntry
	transmission transport.Transmission
	status       atomic.Int32

	mu    sync.Mutex
	local net.Conn
}

func newConnection(entry *MappingEntry, t transport.Transmission, id uint32) *Connection {
	return &Connection{id: id, entry: entry, transmission: t}
}

// open dials the local service and, on success, acknowledges with ConnectOK
// before pumping local reads into Write frames. The dial timeout doubles as
// the connect deadline.
func (c *Connection) open() {
	if !c.status.CompareAndSwap(statusUnopen, statusOpening) {
		return
	}

	mapping := c.entry.mapping
	timeout := time.Duration(c.entry.cfg.Connect.Timeout) * time.Second
	conn, err := net.DialTimeout("tcp", mapping.LocalAddr(), timeout)
	if err != nil {
		c.Close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(c.entry.cfg.Turbo.Wan)
	}

	c.mu.Lock()
	c.local = conn
	c.mu.Unlock()
	if !c.status.CompareAndSwap(statusOpening, statusOpenOk) {
		conn.Close()
		return
	}

	if !c.then(c.transmission.WriteFrame(protocol.Marshal(protocol.CommandConnectOK, c.id)) == nil) {
		return
	}
	c.forwardToServer(conn)
}

// forwardToServer turns every local read into a Write frame for this id.
func (c *Connection) forwardToServer(conn net.Conn) {
	buffer := make([]byte, c.entry.cfg.Alignment)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			c.Close()
			return
		}
		packet := protocol.Packet{Command: protocol.CommandWrite, Id: c.id, Payload: buffer[:n]}
		if !c.then(c.transmission.WriteFrame(packet.Marshal()) == nil) {
			return
		}
	}
}

// sendToLocal forwards a Write payload to the local service. Only an OpenOk
// connection accepts traffic.
func (c *Connection) sendToLocal(p []byte) bool {
	if c.status.Load() != statusOpenOk || len(p) == 0 {
		return false
	}
	c.mu.Lock()
	conn := c.local
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	_, err := conn.Write(p)
	return err == nil
}

// then closes the connection and drops the tunnel when a tunnel write
// failed; per-connection failures stay local but a broken tunnel must be
// rebuilt.
func (c *Connection) then(success bool) bool {
	if !success {
		c.Close()
		c.entry.closeTransmission(c.transmission)
	}
	return success
}

// Close is idempotent. A connection that never started opening vanishes
// silently; anything further along emits exactly one Disconnect and removes
// itself from the entry's table.
func (c *Connection) Close() {
	previous := c.status.Swap(statusClose)
	if previous == statusUnopen || previous == statusClose {
		return
	}

	c.mu.Lock()
	conn := c.local
	c.local = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	err := c.transmission.WriteFrame(protocol.Marshal(protocol.CommandDisconnect, c.id))
	c.entry.tunnels.ReleaseConnection(c.transmission, c.id)
	if err != nil {
		c.entry.closeTransmission(c.transmission)
	}
}
