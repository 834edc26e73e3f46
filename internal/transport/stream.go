// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// streamTransmission frames payloads over any established stream. It is the
// raw TCP transmission and the common tail of the TLS, smux and QUIC
// variants once their handshakes have produced a stream.
type streamTransmission struct {
	readMu   sync.Mutex
	writeMu  sync.Mutex
	conn     io.ReadWriteCloser
	closed   atomic.Bool
	localEP  net.Addr
	remoteEP net.Addr
}

func newTCP(conn net.Conn) *streamTransmission {
	return &streamTransmission{
		conn:     conn,
		localEP:  conn.LocalAddr(),
		remoteEP: conn.RemoteAddr(),
	}
}

func (t *streamTransmission) Handshake(context.Context, Role) error { return nil }

func (t *streamTransmission) ReadFrame() ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return readFrame(t.conn)
}

func (t *streamTransmission) WriteFrame(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	return writeFrame(t.conn, p)
}

func (t *streamTransmission) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

func (t *streamTransmission) LocalAddr() net.Addr  { return t.localEP }
func (t *streamTransmission) RemoteAddr() net.Addr { return t.remoteEP }
