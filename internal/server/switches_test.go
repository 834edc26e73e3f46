// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liulilittle/frp/internal/client"
	"github.com/liulilittle/frp/internal/config"
	"github.com/liulilittle/frp/internal/protocol"
	"github.com/liulilittle/frp/internal/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func baseConfig(mode config.Mode, proto config.Protocol, port int) *config.AppConfiguration {
	cfg := &config.AppConfiguration{
		Mode:      mode,
		IP:        "127.0.0.1",
		Port:      port,
		Alignment: 4096,
		Backlog:   128,
		Protocol:  proto,
	}
	cfg.Connect.Timeout = 5
	cfg.Handshake.Timeout = 5
	cfg.Inactive.Timeout = 60
	cfg.Protocols.Encryptor.Method = "aes-128-cfb"
	cfg.Protocols.Encryptor.Password = "integration-test"
	return cfg
}

func startTCPEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func dialMapped(t *testing.T, port int) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return conn
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("mapped port never became reachable")
	return nil
}

func startRelay(t *testing.T, proto config.Protocol, mapping config.MappingConfiguration) {
	t.Helper()
	tunnelPort := freePort(t)

	serverCfg := baseConfig(config.ModeServer, proto, tunnelPort)
	switches := NewSwitches(serverCfg)
	require.NoError(t, switches.Open())
	t.Cleanup(switches.Close)

	clientCfg := baseConfig(config.ModeClient, proto, tunnelPort)
	clientCfg.Mappings = []config.MappingConfiguration{mapping}
	router := client.NewRouter(clientCfg)
	require.NoError(t, router.Open())
	t.Cleanup(router.Close)
}

func testRelayEcho(t *testing.T, proto config.Protocol) {
	backendPort := startTCPEcho(t)
	remotePort := freePort(t)
	startRelay(t, proto, config.MappingConfiguration{
		Name:       "web",
		Type:       protocol.MappingTCP,
		LocalIP:    "127.0.0.1",
		LocalPort:  backendPort,
		RemotePort: remotePort,
		Concurrent: 1,
		Reconnect:  1,
	})

	user := dialMapped(t, remotePort)
	defer user.Close()

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		_, _ = user.Write(payload)
	}()

	echoed := make([]byte, len(payload))
	_ = user.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.ReadFull(user, echoed)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, echoed), "bytes must survive the relay unchanged")
}

func TestEndToEndTCP(t *testing.T) {
	testRelayEcho(t, config.ProtocolTCP)
}

func TestEndToEndEncryptor(t *testing.T) {
	testRelayEcho(t, config.ProtocolEncryptor)
}

func TestEndToEndSmux(t *testing.T) {
	testRelayEcho(t, config.ProtocolSmux)
}

func TestEndToEndUDP(t *testing.T) {
	backend, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer backend.Close()
	go func() {
		buffer := make([]byte, 2048)
		for {
			n, peer, err := backend.ReadFromUDP(buffer)
			if err != nil {
				return
			}
			_, _ = backend.WriteToUDP(buffer[:n], peer)
		}
	}()

	remotePort := freePort(t)
	startRelay(t, config.ProtocolTCP, config.MappingConfiguration{
		Name:       "udp-echo",
		Type:       protocol.MappingUDP,
		LocalIP:    "127.0.0.1",
		LocalPort:  backend.LocalAddr().(*net.UDPAddr).Port,
		RemotePort: remotePort,
		Concurrent: 1,
		Reconnect:  1,
	})

	user, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	require.NoError(t, err)
	defer user.Close()

	// The tunnel comes up asynchronously; datagrams sent before a tunnel is
	// attached are dropped, so retry until the echo arrives.
	reply := make([]byte, 64)
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		_, err = user.Write([]byte("probe"))
		require.NoError(t, err)
		_ = user.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := user.Read(reply)
		if err == nil {
			require.Equal(t, []byte("probe"), reply[:n])
			return
		}
	}
	t.Fatal("no echo through the udp mapping")
}

// fakeServerTransmission blocks reads until closed, so an attached tunnel
// stays "alive" for exactly as long as the test wants.
type fakeServerTransmission struct {
	done chan struct{}
}

func newFakeServerTransmission() *fakeServerTransmission {
	return &fakeServerTransmission{done: make(chan struct{})}
}

func (f *fakeServerTransmission) Handshake(context.Context, transport.Role) error { return nil }
func (f *fakeServerTransmission) ReadFrame() ([]byte, error) {
	<-f.done
	return nil, transport.ErrClosed
}
func (f *fakeServerTransmission) WriteFrame([]byte) error { return nil }
func (f *fakeServerTransmission) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}
func (f *fakeServerTransmission) LocalAddr() net.Addr  { return nil }
func (f *fakeServerTransmission) RemoteAddr() net.Addr { return nil }

func TestFreshEntryRefusesUsers(t *testing.T) {
	switches := NewSwitches(baseConfig(config.ModeServer, config.ProtocolTCP, freePort(t)))
	entry := newMappingEntry(switches, "web", protocol.MappingTCP, 80)
	// Selection itself is covered by the tunnel manager tests; a fresh entry
	// simply has no tunnel to dispatch to.
	require.Nil(t, entry.tunnels.Best())
}

func TestAddEntryValidation(t *testing.T) {
	switches := NewSwitches(baseConfig(config.ModeServer, config.ProtocolTCP, freePort(t)))
	defer switches.Close()

	if switches.addEntry(nil, &protocol.HandshakeRequest{Type: 9, RemotePort: 80}) {
		t.Error("addEntry with invalid type expected rejection")
	}
	if switches.addEntry(nil, &protocol.HandshakeRequest{Type: protocol.MappingTCP, RemotePort: 0}) {
		t.Error("addEntry with port 0 expected rejection")
	}
}

func TestMappingEntryLastTunnelClosesEntry(t *testing.T) {
	switches := NewSwitches(baseConfig(config.ModeServer, config.ProtocolTCP, freePort(t)))
	defer switches.Close()

	publicPort := freePort(t)
	entry := newMappingEntry(switches, "web", protocol.MappingTCP, publicPort)
	require.NoError(t, entry.Open())
	switches.mu.Lock()
	switches.entries[protocol.MappingTCP][publicPort] = entry
	switches.mu.Unlock()

	ft := newFakeServerTransmission()
	require.True(t, entry.addTransmission(ft))

	entry.closeTransmission(ft)
	require.True(t, entry.disposed.Load(), "entry dies with its last tunnel")

	switches.mu.Lock()
	_, still := switches.entries[protocol.MappingTCP][publicPort]
	switches.mu.Unlock()
	require.False(t, still, "entry de-registers from the switches table")
}
