// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package server

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liulilittle/frp/internal/protocol"
	"github.com/liulilittle/frp/internal/transport"
)

const (
	statusUnopen int32 = iota
	statusOpening
	statusOpenOk
	statusClose
)

// Connection is one public TCP user carried over a tunnel. The server
// allocates the id, asks the client to open the matching local flow and
// relays bytes once the client acknowledges.
type Connection struct {
	id           uint32
	entry        *MappingEntry
	transmission transport.Transmission
	public       net.Conn
	status       atomic.Int32

	writeMu sync.Mutex
	timerMu sync.Mutex
	timer   *time.Timer
}

func newConnection(entry *MappingEntry, t transport.Transmission, public net.Conn, id uint32) *Connection {
	return &Connection{id: id, entry: entry, transmission: t, public: public}
}

// connectToClient sends the Connect command carrying the public peer's
// endpoint and arms the ConnectOK deadline.
func (c *Connection) connectToClient(peer netip.AddrPort) bool {
	if !c.status.CompareAndSwap(statusUnopen, statusOpening) {
		return false
	}

	c.timerMu.Lock()
	c.timer = time.AfterFunc(time.Duration(c.entry.cfg.Connect.Timeout)*time.Second, c.Close)
	c.timerMu.Unlock()

	packet := protocol.Packet{
		Command: protocol.CommandConnect,
		Id:      c.id,
		Payload: protocol.AppendAddress(nil, peer),
	}
	return c.then(c.transmission.WriteFrame(packet.Marshal()) == nil)
}

// onConnectOK promotes the connection and starts pumping the public socket.
func (c *Connection) onConnectOK() bool {
	c.clearTimeout()
	if !c.status.CompareAndSwap(statusOpening, statusOpenOk) {
		return false
	}
	go c.forwardToClient()
	return true
}

// forwardToClient turns every public read into a Write frame for this id.
func (c *Connection) forwardToClient() {
	buffer := make([]byte, c.entry.cfg.Alignment)
	for {
		n, err := c.public.Read(buffer)
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

// sendToPublic forwards a Write payload to the public user.
func (c *Connection) sendToPublic(p []byte) bool {
	if c.status.Load() != statusOpenOk || len(p) == 0 {
		return false
	}
	c.writeMu.Lock()
	_, err := c.public.Write(p)
	c.writeMu.Unlock()
	return err == nil
}

func (c *Connection) then(success bool) bool {
	if !success {
		c.Close()
		c.entry.closeTransmission(c.transmission)
	}
	return success
}

func (c *Connection) clearTimeout() {
	c.timerMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerMu.Unlock()
}

// Close is idempotent; it emits at most one Disconnect over the connection's
// lifetime and removes the flow from the entry's table.
func (c *Connection) Close() {
	previous := c.status.Swap(statusClose)
	if previous == statusUnopen || previous == statusClose {
		return
	}

	c.clearTimeout()
	c.public.Close()

	err := c.transmission.WriteFrame(protocol.Marshal(protocol.CommandDisconnect, c.id))
	c.entry.tunnels.ReleaseConnection(c.transmission, c.id)
	if err != nil {
		c.entry.closeTransmission(c.transmission)
	}
}
