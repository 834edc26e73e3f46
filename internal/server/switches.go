// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

// Package server implements the public side of the relay: the switches
// accept tunnels, read their handshake and bind them into mapping entries
// that own the advertised public ports.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liulilittle/frp/internal/config"
	"github.com/liulilittle/frp/internal/protocol"
	"github.com/liulilittle/frp/internal/transport"
)

// Switches is the registry of mapping entries keyed by (type, remote port),
// fed by the tunnel listener.
type Switches struct {
	cfg      *config.AppConfiguration
	listener transport.Listener
	disposed atomic.Bool

	mu      sync.Mutex
	entries [2]map[int]*MappingEntry
}

func NewSwitches(cfg *config.AppConfiguration) *Switches {
	s := &Switches{cfg: cfg}
	s.entries[protocol.MappingTCP] = make(map[int]*MappingEntry)
	s.entries[protocol.MappingUDP] = make(map[int]*MappingEntry)
	return s
}

// Open binds the tunnel listener and starts accepting tunnels.
func (s *Switches) Open() error {
	if s.disposed.Load() {
		return fmt.Errorf("switches disposed")
	}
	listener, err := transport.Listen(s.cfg)
	if err != nil {
		return err
	}
	s.listener = listener
	go s.acceptLoop()
	return nil
}

// Addr returns the tunnel listener endpoint.
func (s *Switches) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and cascades to every mapping entry. Idempotent.
func (s *Switches) Close() {
	if s.disposed.Swap(true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	var all []*MappingEntry
	for kind := range s.entries {
		for _, entry := range s.entries[kind] {
			all = append(all, entry)
		}
		s.entries[kind] = make(map[int]*MappingEntry)
	}
	s.mu.Unlock()

	for _, entry := range all {
		entry.Close()
	}
}

func (s *Switches) acceptLoop() {
	for {
		t, err := s.listener.Accept()
		if err != nil {
			if s.disposed.Load() {
				return
			}
			logrus.Warnf("accept transmission: %v", err)
			continue
		}
		go s.handshake(t)
	}
}

// handshake runs the transport handshake and reads the mapping
// announcement, all under the handshake deadline. A timer closing the
// transport doubles as the deadline for the announcement read.
func (s *Switches) handshake(t transport.Transmission) {
	deadline := time.Duration(s.cfg.Handshake.Timeout) * time.Second
	timer := time.AfterFunc(deadline, func() { t.Close() })
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	err := t.Handshake(ctx, transport.RoleServer)
	cancel()
	if err != nil {
		t.Close()
		return
	}

	frame, err := t.ReadFrame()
	if err != nil {
		t.Close()
		return
	}
	request, err := protocol.UnmarshalHandshake(frame)
	if err != nil {
		t.Close()
		return
	}
	if !s.addEntry(t, request) {
		t.Close()
	}
}

// addEntry looks up or creates the mapping entry for the announced
// (type, port) and attaches the tunnel to it. A fresh entry that cannot
// bind its public socket is discarded.
func (s *Switches) addEntry(t transport.Transmission, request *protocol.HandshakeRequest) bool {
	if request.Type != protocol.MappingTCP && request.Type != protocol.MappingUDP {
		return false
	}
	if request.RemotePort < 1 {
		return false
	}

	s.mu.Lock()
	if s.disposed.Load() {
		s.mu.Unlock()
		return false
	}
	table := s.entries[request.Type]
	entry, ok := table[int(request.RemotePort)]
	if !ok {
		entry = newMappingEntry(s, request.Name, request.Type, int(request.RemotePort))
		if err := entry.Open(); err != nil {
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"name": request.Name,
				"type": request.Type.String(),
				"port": request.RemotePort,
			}).Warnf("open mapping: %v", err)
			entry.Close()
			return false
		}
		table[int(request.RemotePort)] = entry
	}
	s.mu.Unlock()

	return entry.addTransmission(t)
}

// closeEntry de-registers an entry; called by the entry itself when its
// last tunnel leaves.
func (s *Switches) closeEntry(entry *MappingEntry) {
	s.mu.Lock()
	if current, ok := s.entries[entry.kind][entry.port]; ok && current == entry {
		delete(s.entries[entry.kind], entry.port)
	}
	s.mu.Unlock()
}
