// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package client

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/liulilittle/frp/internal/protocol"
	"github.com/liulilittle/frp/internal/transport"
)

// DNS queries that never see a reply would otherwise pin a port for the
// whole inactive timeout; port-53 flows that stayed query-only are evicted
// after 3 seconds instead.
const (
	dnsQueryTimeout = 3
	dnsQueryPort    = 53

	evictionTick = time.Second
)

// onlydns states: fresh, query-only port-53 traffic, anything else.
const (
	dnsFresh int32 = iota
	dnsQueryOnly
	dnsMixed
)

// DatagramPort is one UDP flow, keyed by the public peer on the far side of
// the tunnel. It owns an ephemeral local UDP socket pointed at the
// mapping's service and dies when idle.
type DatagramPort struct {
	entry    *MappingEntry
	peer     netip.AddrPort
	key      string
	localEP  *net.UDPAddr
	socket   *net.UDPConn
	last     atomic.Int64
	onlydns  atomic.Int32
	disposed atomic.Bool
}

func newDatagramPort(entry *MappingEntry, peer netip.AddrPort) *DatagramPort {
	port := &DatagramPort{
		entry: entry,
		peer:  peer,
		key:   peer.String(),
	}
	port.last.Store(time.Now().UnixMilli())
	return port
}

// open binds the local socket and starts the receive and eviction loops.
// The source address is the mapping's local IP when it is loopback, the
// wildcard of the same family otherwise; the source port is ephemeral.
func (p *DatagramPort) open() bool {
	mapping := p.entry.mapping
	localIP, err := netip.ParseAddr(mapping.LocalIP)
	if err != nil || localIP.IsMulticast() || localIP.IsUnspecified() {
		return false
	}
	p.localEP = net.UDPAddrFromAddrPort(netip.AddrPortFrom(localIP, uint16(mapping.LocalPort)))

	bind := localIP
	if !bind.IsLoopback() {
		if bind.Is4() {
			bind = netip.IPv4Unspecified()
		} else {
			bind = netip.IPv6Unspecified()
		}
	}
	socket, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(bind, 0)))
	if err != nil {
		return false
	}
	p.socket = socket

	go p.evictionLoop()
	go p.forwardToServer()
	return true
}

// sendToLocal forwards a WriteTo payload to the mapping's local service and
// records the activity for eviction purposes.
func (p *DatagramPort) sendToLocal(payload []byte) bool {
	if p.disposed.Load() || len(payload) == 0 {
		return false
	}
	if _, err := p.socket.WriteToUDP(payload, p.localEP); err != nil {
		// UDP send failures are transient; the flow lives on.
		return false
	}

	if p.entry.mapping.LocalPort == dnsQueryPort {
		p.onlydns.CompareAndSwap(dnsFresh, dnsQueryOnly)
	} else {
		p.onlydns.Store(dnsMixed)
	}
	p.last.Store(time.Now().UnixMilli())
	return true
}

// forwardToServer relays local replies back over the entry's tunnels,
// rotating through them.
func (p *DatagramPort) forwardToServer() {
	buffer := make([]byte, transport.MaxDatagramSize)
	for {
		n, _, err := p.socket.ReadFromUDP(buffer)
		if err != nil {
			p.Close()
			return
		}
		if n == 0 {
			continue
		}

		t := p.entry.tunnels.Get()
		if t == nil {
			p.Close()
			return
		}
		if err := t.WriteFrame(protocol.PackWriteTo(p.peer, buffer[:n])); err != nil {
			p.Close()
			p.entry.closeTransmission(t)
			return
		}
		p.last.Store(time.Now().UnixMilli())
	}
}

// evictionLoop closes the port once it has been idle past its effective
// timeout: 3 s for query-only DNS flows, the inactive timeout otherwise.
func (p *DatagramPort) evictionLoop() {
	ticker := time.NewTicker(evictionTick)
	defer ticker.Stop()
	for range ticker.C {
		if p.disposed.Load() {
			return
		}
		timeout := int64(p.entry.cfg.Inactive.Timeout)
		if p.onlydns.Load() == dnsQueryOnly && p.entry.mapping.LocalPort == dnsQueryPort {
			timeout = dnsQueryTimeout
		}
		idle := time.Now().UnixMilli() - p.last.Load()
		if idle > timeout*1000 {
			p.Close()
			return
		}
	}
}

// Close is idempotent; it releases the socket and removes the port from the
// entry's table.
func (p *DatagramPort) Close() {
	if p.disposed.Swap(true) {
		return
	}
	if p.socket != nil {
		p.socket.Close()
	}
	p.entry.releaseDatagramPort(p.key)
}
