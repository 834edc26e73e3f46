// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/liulilittle/frp/internal/config"
)

const quicALPN = "frp"

// quicTransmission carries the framed protocol on one bidirectional QUIC
// stream. The client dials during Handshake because the QUIC connection
// establishment is the handshake; the server side receives its connection
// from the listener and accepts the stream during Handshake.
type quicTransmission struct {
	streamTransmission
	cfg        *config.AppConfiguration
	connection *quic.Conn
	stream     *quic.Stream
}

func newQUICClient(cfg *config.AppConfiguration) *quicTransmission {
	return &quicTransmission{cfg: cfg}
}

func newQUICServer(cfg *config.AppConfiguration, connection *quic.Conn) *quicTransmission {
	t := &quicTransmission{cfg: cfg, connection: connection}
	t.localEP = connection.LocalAddr()
	t.remoteEP = connection.RemoteAddr()
	return t
}

func (t *quicTransmission) Handshake(ctx context.Context, role Role) error {
	var err error
	var stream *quic.Stream
	if role == RoleClient {
		tlsConfig, tlsErr := newTLSConfig(t.cfg, RoleClient)
		if tlsErr != nil {
			return tlsErr
		}
		tlsConfig.NextProtos = []string{quicALPN}
		t.connection, err = quic.DialAddr(ctx, t.cfg.Addr(), tlsConfig, &quic.Config{})
		if err == nil {
			t.localEP = t.connection.LocalAddr()
			t.remoteEP = t.connection.RemoteAddr()
			stream, err = t.connection.OpenStreamSync(ctx)
		}
	} else {
		stream, err = t.connection.AcceptStream(ctx)
	}
	if err != nil {
		t.Close()
		return fmt.Errorf("quic handshake: %w", err)
	}
	t.stream = stream
	t.conn = stream
	return nil
}

func (t *quicTransmission) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.stream != nil {
		_ = t.stream.Close()
	}
	if t.connection != nil {
		return t.connection.CloseWithError(0, "")
	}
	return nil
}

type quicListener struct {
	cfg *config.AppConfiguration
	ln  *quic.Listener
}

func listenQUIC(cfg *config.AppConfiguration) (Listener, error) {
	tlsConfig, err := newTLSConfig(cfg, RoleServer)
	if err != nil {
		return nil, err
	}
	tlsConfig.NextProtos = []string{quicALPN}
	ln, err := quic.ListenAddr(cfg.Addr(), tlsConfig, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", cfg.Addr(), err)
	}
	return &quicListener{cfg: cfg, ln: ln}, nil
}

func (l *quicListener) Accept() (Transmission, error) {
	connection, err := l.ln.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	return newQUICServer(l.cfg, connection), nil
}

func (l *quicListener) Close() error   { return l.ln.Close() }
func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
