// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package client

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liulilittle/frp/internal/config"
	"github.com/liulilittle/frp/internal/protocol"
	"github.com/liulilittle/frp/internal/transport"
	"github.com/liulilittle/frp/internal/tunnel"
)

const heartbeatInterval = 30 * time.Second

// MappingEntry drives one mapping: it keeps Concurrent tunnels to the
// server alive, dispatches inbound commands to connections and datagram
// ports, and reconnects dropped tunnels after the configured delay.
type MappingEntry struct {
	cfg      *config.AppConfiguration
	mapping  *config.MappingConfiguration
	tunnels  *tunnel.Manager[*Connection]
	disposed atomic.Bool
	done     chan struct{}

	mu            sync.Mutex
	datagramPorts map[string]*DatagramPort
	restarts      map[*time.Timer]struct{}
}

func newMappingEntry(cfg *config.AppConfiguration, mapping *config.MappingConfiguration) *MappingEntry {
	return &MappingEntry{
		cfg:           cfg,
		mapping:       mapping,
		tunnels:       tunnel.NewManager[*Connection](),
		done:          make(chan struct{}),
		datagramPorts: make(map[string]*DatagramPort),
		restarts:      make(map[*time.Timer]struct{}),
	}
}

func (e *MappingEntry) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"name":   e.mapping.Name,
		"type":   e.mapping.Type.String(),
		"port":   e.mapping.RemotePort,
		"server": e.cfg.Addr(),
	})
}

// Open validates the mapping, initiates the configured number of tunnels
// and arms the keepalive ticker. Tunnel establishment is asynchronous;
// failures along the way schedule reconnect attempts.
func (e *MappingEntry) Open() error {
	if e.disposed.Load() {
		return fmt.Errorf("entry disposed")
	}
	if e.mapping.Concurrent < 1 {
		return fmt.Errorf("concurrent must be at least 1")
	}

	for i := 0; i < e.mapping.Concurrent; i++ {
		go e.connectTransmission()
	}
	go e.keepaliveLoop()
	return nil
}

// Close cascades: keepalive, connections, datagram ports, tunnels, restart
// timers. Idempotent.
func (e *MappingEntry) Close() {
	if e.disposed.Swap(true) {
		return
	}
	close(e.done)

	e.mu.Lock()
	ports := e.datagramPorts
	e.datagramPorts = map[string]*DatagramPort{}
	timers := e.restarts
	e.restarts = map[*time.Timer]struct{}{}
	e.mu.Unlock()

	for timer := range timers {
		timer.Stop()
	}
	for _, port := range ports {
		port.Close()
	}
	e.tunnels.CloseAll()
}

// connectTransmission dials the server, performs the transport handshake
// and announces the mapping. Any failure schedules a restart.
func (e *MappingEntry) connectTransmission() {
	if e.disposed.Load() {
		return
	}

	t, err := transport.Dial(e.cfg)
	if err != nil {
		e.log().Warnf("connect transmission: %v", err)
		e.restartTransmission()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.Connect.Timeout)*time.Second)
	err = t.Handshake(ctx, transport.RoleClient)
	cancel()
	if err != nil {
		e.log().Warnf("transmission handshake: %v", err)
		t.Close()
		e.restartTransmission()
		return
	}

	request := protocol.HandshakeRequest{
		Type:       e.mapping.Type,
		RemotePort: uint16(e.mapping.RemotePort),
		Name:       e.mapping.Name,
	}
	if err := t.WriteFrame(request.Marshal()); err != nil {
		t.Close()
		e.restartTransmission()
		return
	}

	if e.disposed.Load() || !e.tunnels.Add(t) {
		t.Close()
		return
	}
	e.log().Info("connect mapping")
	go e.packetInputLoop(t)
}

// restartTransmission arms a one-shot reconnect timer. The timer table lets
// Close cancel every pending attempt.
func (e *MappingEntry) restartTransmission() {
	if e.disposed.Load() {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(time.Duration(e.mapping.Reconnect)*time.Second, func() {
		e.mu.Lock()
		_, armed := e.restarts[timer]
		delete(e.restarts, timer)
		e.mu.Unlock()
		if armed {
			e.connectTransmission()
		}
	})

	e.mu.Lock()
	if e.disposed.Load() {
		e.mu.Unlock()
		timer.Stop()
		return
	}
	e.restarts[timer] = struct{}{}
	e.mu.Unlock()
}

// closeTransmission drops a failed tunnel, releases its connections and
// schedules a replacement.
func (e *MappingEntry) closeTransmission(t transport.Transmission) {
	removed, _ := e.tunnels.Remove(t)
	if removed && !e.disposed.Load() {
		e.log().Info("disconnect mapping")
		e.restartTransmission()
	}
}

func (e *MappingEntry) keepaliveLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	heartbeat := protocol.Marshal(protocol.CommandHeartbeat, 0)
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.tunnels.Each(func(t transport.Transmission) {
				if err := t.WriteFrame(heartbeat); err != nil {
					e.closeTransmission(t)
				}
			})
		}
	}
}

// packetInputLoop reads and dispatches frames until the transmission fails
// or violates the protocol.
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

// onPacketInput dispatches one command. Only a command the client side does
// not speak terminates the tunnel; per-connection problems are resolved per
// connection.
func (e *MappingEntry) onPacketInput(t transport.Transmission, packet *protocol.Packet) bool {
	switch packet.Command {
	case protocol.CommandConnect:
		e.onHandleConnect(t, packet)
	case protocol.CommandDisconnect:
		e.tunnels.ReleaseConnection(t, packet.Id)
	case protocol.CommandWrite:
		e.onHandleWrite(t, packet)
	case protocol.CommandWriteTo:
		e.onHandleWriteTo(t, packet)
	case protocol.CommandHeartbeat:
		// Keepalive replies carry no information; liveness is judged by
		// read errors alone.
	default:
		return false
	}
	return true
}

func (e *MappingEntry) onHandleConnect(t transport.Transmission, packet *protocol.Packet) {
	if packet.Id == 0 {
		return
	}
	if _, _, err := protocol.UnpackAddressed(packet); err != nil {
		return
	}
	connection := newConnection(e, t, packet.Id)
	if !e.tunnels.AddConnection(t, packet.Id, connection) {
		connection.Close()
		return
	}
	go connection.open()
}

func (e *MappingEntry) onHandleWrite(t transport.Transmission, packet *protocol.Packet) {
	connection, ok := e.tunnels.GetConnection(t, packet.Id)
	if !ok {
		// Stale id: drop the payload and tell the peer the flow is gone.
		_ = t.WriteFrame(protocol.Marshal(protocol.CommandDisconnect, packet.Id))
		return
	}
	if !connection.sendToLocal(packet.Payload) {
		e.tunnels.ReleaseConnection(t, packet.Id)
	}
}

func (e *MappingEntry) onHandleWriteTo(t transport.Transmission, packet *protocol.Packet) {
	peer, payload, err := protocol.UnpackAddressed(packet)
	if err != nil || len(payload) == 0 {
		return
	}
	port := e.allocDatagramPort(peer)
	if port == nil {
		return
	}
	port.sendToLocal(payload)
}

func (e *MappingEntry) allocDatagramPort(peer netip.AddrPort) *DatagramPort {
	key := peer.String()
	e.mu.Lock()
	if e.disposed.Load() {
		e.mu.Unlock()
		return nil
	}
	if port, ok := e.datagramPorts[key]; ok {
		e.mu.Unlock()
		return port
	}
	e.mu.Unlock()

	port := newDatagramPort(e, peer)
	if !port.open() {
		return nil
	}

	e.mu.Lock()
	if e.disposed.Load() {
		e.mu.Unlock()
		port.Close()
		return nil
	}
	if existing, ok := e.datagramPorts[key]; ok {
		e.mu.Unlock()
		port.Close()
		return existing
	}
	e.datagramPorts[key] = port
	e.mu.Unlock()
	return port
}

func (e *MappingEntry) releaseDatagramPort(key string) {
	e.mu.Lock()
	delete(e.datagramPorts, key)
	e.mu.Unlock()
}
