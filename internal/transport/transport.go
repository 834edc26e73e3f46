// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

// Package transport provides the tunnel transmission layer: a single
// message-oriented contract implemented over raw TCP, an encrypted stream,
// TLS, WebSocket (plain and over TLS), smux, QUIC and DTLS.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/liulilittle/frp/internal/config"
)

// Role distinguishes the two ends of a transport handshake.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Transmission is a bidirectional, message-oriented channel carrying the
// tunnel protocol. Handshake must complete before the first frame is
// exchanged. WriteFrame is safe for concurrent use and delivers frames in
// call order with a single write in flight; ReadFrame is intended for one
// reader. Close is idempotent and unblocks both directions.
type Transmission interface {
	Handshake(ctx context.Context, role Role) error
	ReadFrame() ([]byte, error)
	WriteFrame(p []byte) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts transmissions whose Handshake has not run yet.
type Listener interface {
	Accept() (Transmission, error)
	Close() error
	Addr() net.Addr
}

var ErrClosed = errors.New("transmission closed")

// Dial connects to the configured server and returns an un-handshaken
// transmission of the configured protocol. Stream protocols dial TCP here;
// QUIC and DTLS defer their UDP dial to Handshake, where it belongs to the
// protocol handshake proper.
func Dial(cfg *config.AppConfiguration) (Transmission, error) {
	switch cfg.Protocol {
	case config.ProtocolQUIC:
		return newQUICClient(cfg), nil
	case config.ProtocolDTLS:
		return newDTLSClient(cfg), nil
	}

	conn, err := net.DialTimeout("tcp", cfg.Addr(), time.Duration(cfg.Connect.Timeout)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr(), err)
	}
	tuneSocket(conn, cfg.Turbo.Wan)
	return wrap(cfg, conn)
}

// Listen binds the tunnel listener and returns an acceptor of un-handshaken
// transmissions.
func Listen(cfg *config.AppConfiguration) (Listener, error) {
	switch cfg.Protocol {
	case config.ProtocolQUIC:
		return listenQUIC(cfg)
	case config.ProtocolDTLS:
		return listenDTLS(cfg)
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	return &tcpListener{cfg: cfg, ln: ln}, nil
}

// wrap builds the configured stream-underlay transmission over an
// established connection.
func wrap(cfg *config.AppConfiguration, conn net.Conn) (Transmission, error) {
	switch cfg.Protocol {
	case config.ProtocolTCP:
		return newTCP(conn), nil
	case config.ProtocolEncryptor:
		return newEncryptor(cfg, conn)
	case config.ProtocolSSL, config.ProtocolTLS:
		return newTLS(cfg, conn), nil
	case config.ProtocolWebSocket:
		return newWebSocket(cfg, conn, false), nil
	case config.ProtocolWebSocketSSL, config.ProtocolWebSocketTLS:
		return newWebSocket(cfg, conn, true), nil
	case config.ProtocolSmux:
		return newSmux(conn), nil
	default:
		conn.Close()
		return nil, fmt.Errorf("unsupported protocol %s", cfg.Protocol)
	}
}

type tcpListener struct {
	cfg *config.AppConfiguration
	ln  net.Listener
}

func (l *tcpListener) Accept() (Transmission, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tuneSocket(conn, l.cfg.Turbo.Wan)
	return wrap(l.cfg, conn)
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// tuneSocket applies the per-connection socket knobs. Turbo maps to
// TCP_NODELAY; keep-alive probes stay on so dead tunnels surface as read
// errors.
func tuneSocket(conn net.Conn, turbo bool) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(turbo)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}
