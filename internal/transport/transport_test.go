// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liulilittle/frp/internal/config"
)

func testConfig(proto config.Protocol) *config.AppConfiguration {
	cfg := &config.AppConfiguration{
		IP:        "127.0.0.1",
		Port:      1,
		Alignment: 4096,
		Protocol:  proto,
	}
	cfg.Connect.Timeout = 5
	cfg.Handshake.Timeout = 5
	cfg.Inactive.Timeout = 72
	cfg.Protocols.Encryptor.Method = "aes-128-cfb"
	cfg.Protocols.Encryptor.Password = "unit-test-password"
	cfg.Protocols.WebSocket.Host = "tunnel.example.org"
	cfg.Protocols.WebSocket.Path = "/tunnel"
	return cfg
}

// handshakePair runs both handshakes concurrently and fails the test on
// either error.
func handshakePair(t *testing.T, client, server Transmission) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = client.Handshake(ctx, RoleClient) }()
	go func() { defer wg.Done(); errs[1] = server.Handshake(ctx, RoleServer) }()
	wg.Wait()
	require.NoError(t, errs[0], "client handshake")
	require.NoError(t, errs[1], "server handshake")
}

func exchangeFrames(t *testing.T, client, server Transmission) {
	t.Helper()
	payloads := [][]byte{
		{1},
		[]byte("request over the tunnel"),
		bytes.Repeat([]byte{0xC3}, 8192),
	}

	for _, payload := range payloads {
		require.NoError(t, client.WriteFrame(payload))
		got, err := server.ReadFrame()
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, payload))

		require.NoError(t, server.WriteFrame(payload))
		got, err = client.ReadFrame()
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, payload))
	}
}

// tcpPair returns both ends of a real loopback TCP connection; net.Pipe is
// unsuitable for variants that set deadlines during handshake.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err == nil {
			server = conn
		}
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-done
	require.NotNil(t, server)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestTCPTransmission(t *testing.T) {
	clientConn, serverConn := tcpPair(t)
	client := newTCP(clientConn)
	server := newTCP(serverConn)
	handshakePair(t, client, server)
	exchangeFrames(t, client, server)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "Close must be idempotent")
	if _, err := server.ReadFrame(); err == nil {
		t.Error("ReadFrame() after peer close expected error")
	}
}

func TestEncryptorTransmission(t *testing.T) {
	cfg := testConfig(config.ProtocolEncryptor)
	clientConn, serverConn := tcpPair(t)
	client, err := newEncryptor(cfg, clientConn)
	require.NoError(t, err)
	server, err := newEncryptor(cfg, serverConn)
	require.NoError(t, err)
	handshakePair(t, client, server)
	exchangeFrames(t, client, server)
}

// The bytes on the wire must expose neither the plaintext nor a length
// prefix describing it; the prefix covers the ciphertext.
func TestEncryptorTransmissionOpaqueOnWire(t *testing.T) {
	cfg := testConfig(config.ProtocolEncryptor)
	clientConn, serverConn := tcpPair(t)
	client, err := newEncryptor(cfg, clientConn)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("secret payload "), 64)
	require.NoError(t, client.WriteFrame(plaintext))

	const ivLen = 16 // aes-128-cfb
	wire := make([]byte, 2+ivLen+len(plaintext))
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(serverConn, wire)
	require.NoError(t, err)
	require.False(t, bytes.Contains(wire, plaintext[:16]))

	length := int(wire[0])<<8 | int(wire[1])
	require.Equal(t, ivLen+len(plaintext), length, "length prefix describes the ciphertext")
	client.Close()
}

func TestSmuxTransmission(t *testing.T) {
	clientConn, serverConn := tcpPair(t)
	client := newSmux(clientConn)
	server := newSmux(serverConn)
	handshakePair(t, client, server)
	exchangeFrames(t, client, server)
	client.Close()
	server.Close()
}

func TestWebSocketTransmission(t *testing.T) {
	cfg := testConfig(config.ProtocolWebSocket)
	clientConn, serverConn := tcpPair(t)
	client := newWebSocket(cfg, clientConn, false)
	server := newWebSocket(cfg, serverConn, false)
	handshakePair(t, client, server)
	exchangeFrames(t, client, server)
	client.Close()
	server.Close()
}

func TestWebSocketPathMismatch(t *testing.T) {
	clientCfg := testConfig(config.ProtocolWebSocket)
	clientCfg.Protocols.WebSocket.Path = "/elsewhere"
	serverCfg := testConfig(config.ProtocolWebSocket)

	clientConn, serverConn := tcpPair(t)
	client := newWebSocket(clientCfg, clientConn, false)
	server := newWebSocket(serverCfg, serverConn, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var serverErr error
	go func() { defer wg.Done(); serverErr = server.Handshake(ctx, RoleServer) }()
	_ = client.Handshake(ctx, RoleClient)
	wg.Wait()
	if serverErr == nil {
		t.Error("server handshake with wrong path expected error")
	}
}

func TestDialUnreachable(t *testing.T) {
	cfg := testConfig(config.ProtocolTCP)
	cfg.Connect.Timeout = 1
	cfg.Port = 1 // nothing listens on tcp/1 on loopback
	if _, err := Dial(cfg); err == nil {
		t.Error("Dial() to closed port expected error")
	}
}

func TestListenAndWrap(t *testing.T) {
	cfg := testConfig(config.ProtocolTCP)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := &tcpListener{cfg: cfg, ln: ln}
	defer listener.Close()

	done := make(chan Transmission, 1)
	go func() {
		t, err := listener.Accept()
		if err == nil {
			done <- t
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := newTCP(conn)

	server := <-done
	handshakePair(t, client, server)
	exchangeFrames(t, client, server)
	client.Close()
	server.Close()
}
