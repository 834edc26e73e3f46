// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/dtls/v3"

	"github.com/liulilittle/frp/internal/config"
)

// DTLS application records are not fragmented; frames must fit one record.
const maxDTLSRecordSize = 16384

// dtlsTransmission carries each framed payload as one DTLS application
// record over UDP. Authentication is pre-shared-key mode using the
// encryptor password, so no certificates are needed.
type dtlsTransmission struct {
	readMu  sync.Mutex
	writeMu sync.Mutex
	cfg     *config.AppConfiguration
	conn    *dtls.Conn
	closed  atomic.Bool
}

func newDTLSClient(cfg *config.AppConfiguration) *dtlsTransmission {
	return &dtlsTransmission{cfg: cfg}
}

func newDTLSServer(cfg *config.AppConfiguration, conn *dtls.Conn) *dtlsTransmission {
	return &dtlsTransmission{cfg: cfg, conn: conn}
}

func dtlsConfig(cfg *config.AppConfiguration) *dtls.Config {
	password := []byte(cfg.Protocols.Encryptor.Password)
	return &dtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return password, nil
		},
		PSKIdentityHint: []byte(quicALPN),
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
}

func (t *dtlsTransmission) Handshake(ctx context.Context, role Role) error {
	if role == RoleClient {
		raddr, err := net.ResolveUDPAddr("udp", t.cfg.Addr())
		if err != nil {
			return fmt.Errorf("resolve %s: %w", t.cfg.Addr(), err)
		}
		conn, err := dtls.Dial("udp", raddr, dtlsConfig(t.cfg))
		if err != nil {
			return fmt.Errorf("dtls dial: %w", err)
		}
		t.conn = conn
	}
	if err := t.conn.HandshakeContext(ctx); err != nil {
		t.Close()
		return fmt.Errorf("dtls handshake: %w", err)
	}
	return nil
}

func (t *dtlsTransmission) ReadFrame() ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	buffer := make([]byte, maxDTLSRecordSize)
	n, err := t.conn.Read(buffer)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrZeroFrame
	}
	return buffer[:n], nil
}

func (t *dtlsTransmission) WriteFrame(p []byte) error {
	if len(p) == 0 {
		return ErrZeroFrame
	}
	if len(p) > maxDTLSRecordSize {
		return ErrFrameTooLarge
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	_, err := t.conn.Write(p)
	return err
}

func (t *dtlsTransmission) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *dtlsTransmission) LocalAddr() net.Addr {
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	return nil
}

func (t *dtlsTransmission) RemoteAddr() net.Addr {
	if t.conn != nil {
		return t.conn.RemoteAddr()
	}
	return nil
}

type dtlsListener struct {
	cfg *config.AppConfiguration
	ln  net.Listener
}

func listenDTLS(cfg *config.AppConfiguration) (Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Addr(), err)
	}
	ln, err := dtls.Listen("udp", laddr, dtlsConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("listen dtls %s: %w", cfg.Addr(), err)
	}
	return &dtlsListener{cfg: cfg, ln: ln}, nil
}

func (l *dtlsListener) Accept() (Transmission, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	dtlsConn, ok := conn.(*dtls.Conn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return newDTLSServer(l.cfg, dtlsConn), nil
}

func (l *dtlsListener) Close() error   { return l.ln.Close() }
func (l *dtlsListener) Addr() net.Addr { return l.ln.Addr() }
